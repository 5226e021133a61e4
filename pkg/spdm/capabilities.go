// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"fmt"
	"strings"

	"github.com/u-root/uio/uio"
)

// CapabilityFlags is the Flags field of GET_CAPABILITIES and CAPABILITIES.
type CapabilityFlags uint32

// Single bit capabilities.
const (
	CapCache            CapabilityFlags = 1 << 0
	CapCert             CapabilityFlags = 1 << 1
	CapChal             CapabilityFlags = 1 << 2
	CapMeasFresh        CapabilityFlags = 1 << 5
	CapEncrypt          CapabilityFlags = 1 << 6
	CapMAC              CapabilityFlags = 1 << 7
	CapMutAuth          CapabilityFlags = 1 << 8
	CapKeyEx            CapabilityFlags = 1 << 9
	CapEncap            CapabilityFlags = 1 << 12
	CapHbeat            CapabilityFlags = 1 << 13
	CapKeyUpd           CapabilityFlags = 1 << 14
	CapHandshakeInClear CapabilityFlags = 1 << 15
	CapPubKeyID         CapabilityFlags = 1 << 16
	CapChunk            CapabilityFlags = 1 << 17
	CapAliasCert        CapabilityFlags = 1 << 18
	CapMEL              CapabilityFlags = 1 << 24
	CapEvent            CapabilityFlags = 1 << 25
)

// Multi bit fields.
const (
	measShift     = 3
	pskShift      = 10
	epInfoShift   = 22
	multiKeyShift = 26
)

// MEAS_CAP values.
const (
	MeasNone      = 0
	MeasNoSig     = 1
	MeasSignature = 2
)

// PSK_CAP values.
const (
	PSKNone        = 0
	PSKNoContext   = 1
	PSKWithContext = 2
)

// EP_INFO_CAP values.
const (
	EPInfoNone      = 0
	EPInfoNoSig     = 1
	EPInfoSignature = 2
	epInfoReserved  = 3
)

func (f CapabilityFlags) field(shift uint) uint8 {
	return uint8(f>>shift) & 0x3
}

// Meas returns MEAS_CAP.
func (f CapabilityFlags) Meas() uint8 { return f.field(measShift) }

// PSK returns PSK_CAP.
func (f CapabilityFlags) PSK() uint8 { return f.field(pskShift) }

// EPInfo returns EP_INFO_CAP.
func (f CapabilityFlags) EPInfo() uint8 { return f.field(epInfoShift) }

// MultiKey returns MULTI_KEY_CAP.
func (f CapabilityFlags) MultiKey() uint8 { return f.field(multiKeyShift) }

// Has reports whether every bit of c is set.
func (f CapabilityFlags) Has(c CapabilityFlags) bool {
	return f&c == c
}

// WithMeas returns f with MEAS_CAP set to v.
func (f CapabilityFlags) WithMeas(v uint8) CapabilityFlags {
	return f&^(0x3<<measShift) | CapabilityFlags(v&0x3)<<measShift
}

var capNames = []string{
	0: "CACHE", 1: "CERT", 2: "CHAL", 5: "MEAS_FRESH", 6: "ENCRYPT", 7: "MAC",
	8: "MUT_AUTH", 9: "KEY_EX", 12: "ENCAP", 13: "HBEAT", 14: "KEY_UPD",
	15: "HANDSHAKE_IN_THE_CLEAR", 16: "PUB_KEY_ID", 17: "CHUNK", 18: "ALIAS_CERT",
	24: "MEL", 25: "EVENT",
}

func (f CapabilityFlags) String() string {
	var names []string
	for i, n := range capNames {
		if n != "" && f&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	if m := f.Meas(); m != 0 {
		names = append(names, fmt.Sprintf("MEAS=%d", m))
	}
	if p := f.PSK(); p != 0 {
		names = append(names, fmt.Sprintf("PSK=%d", p))
	}
	return strings.Join(names, "|")
}

// Capabilities are the fields of a CAPABILITIES exchange.
type Capabilities struct {
	CTExponent uint8
	Flags      CapabilityFlags
	// DataTransferSize and MaxSPDMMessageSize exist from 1.2 on.
	DataTransferSize   uint32
	MaxSPDMMessageSize uint32
}

// Capability limits.
const (
	MaxCTExponent          = 31
	MinDataTransferSizeV12 = 42
)

// compatible applies the consistency rules of DSP0274 to the flags a
// requester advertises.
func compatible(v Version, f CapabilityFlags) bool {
	if v >= V11 {
		if f.PSK() >= PSKWithContext {
			return false
		}
		if f.Has(CapKeyEx) || f.PSK() != PSKNone {
			if !f.Has(CapMAC) && !f.Has(CapEncrypt) {
				return false
			}
		} else {
			if f&(CapMAC|CapEncrypt|CapHandshakeInClear|CapHbeat|CapKeyUpd) != 0 {
				return false
			}
			if v >= V13 && f.Has(CapEvent) {
				return false
			}
		}
		if !f.Has(CapKeyEx) && f.PSK() == PSKNoContext && f.Has(CapHandshakeInClear) {
			return false
		}
		if f&(CapCert|CapPubKeyID) != 0 {
			if f.Has(CapCert | CapPubKeyID) {
				return false
			}
			if !f.Has(CapChal) && f.Has(CapPubKeyID) {
				return false
			}
		} else {
			if f&(CapChal|CapMutAuth) != 0 {
				return false
			}
			if v >= V13 && f.EPInfo() == EPInfoSignature {
				return false
			}
		}
		if f.Has(CapMutAuth) && f&(CapCert|CapPubKeyID) == 0 {
			return false
		}
	}
	if v == V11 && f.Has(CapMutAuth) && !f.Has(CapEncap) {
		return false
	}
	if v >= V13 {
		if f.EPInfo() == epInfoReserved || f.MultiKey() == 3 {
			return false
		}
		if f.MultiKey() != 0 && f.Has(CapPubKeyID) {
			return false
		}
	}
	return true
}

func (r *Responder) getCapabilities(h Header, msg []byte) ([]byte, error) {
	if r.conn.state != AfterVersion {
		return nil, Fail(UnexpectedRequest, "GET_CAPABILITIES in %v", r.conn.state)
	}
	if !r.cfg.supports(h.Version) {
		return nil, Fail(VersionMismatch, "version %v", h.Version)
	}
	if h.Param1 != 0 || h.Param2 != 0 {
		return nil, Fail(UnexpectedRequest, "nonzero parameters")
	}

	var peer Capabilities
	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	if h.Version >= V11 {
		l.Read8()
		peer.CTExponent = l.Read8()
		l.Read16()
		peer.Flags = CapabilityFlags(l.Read32())
	}
	if h.Version >= V12 {
		peer.DataTransferSize = l.Read32()
		peer.MaxSPDMMessageSize = l.Read32()
	}
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "GET_CAPABILITIES: %v", err)
	}
	if h.Version >= V11 {
		if !compatible(h.Version, peer.Flags) {
			return nil, Fail(InvalidRequest, "incompatible flags %v", peer.Flags)
		}
		if peer.CTExponent > MaxCTExponent {
			return nil, Fail(InvalidRequest, "CT exponent %d", peer.CTExponent)
		}
	}
	if h.Version >= V12 {
		if peer.DataTransferSize < MinDataTransferSizeV12 || peer.DataTransferSize > peer.MaxSPDMMessageSize {
			return nil, Fail(InvalidRequest, "data transfer size %d, max message size %d",
				peer.DataTransferSize, peer.MaxSPDMMessageSize)
		}
		if !peer.Flags.Has(CapChunk) && peer.DataTransferSize != peer.MaxSPDMMessageSize {
			return nil, Fail(InvalidRequest, "sizes differ without CHUNK_CAP")
		}
	}

	r.conn.version = h.Version
	r.conn.peerCaps = peer
	r.transcript.appendVCA(msg[:len(msg)-l.Len()])

	local := r.cfg.Capabilities
	out := Header{Version: h.Version, Code: CapabilitiesRsp}.Append(nil)
	w := uio.NewLittleEndianBuffer(out)
	w.Write8(0)
	w.Write8(local.CTExponent)
	w.Write16(0)
	w.Write32(uint32(local.Flags))
	if h.Version >= V12 {
		w.Write32(local.DataTransferSize)
		w.Write32(local.MaxSPDMMessageSize)
	}
	out = w.Data()
	r.transcript.appendVCA(out)

	r.conn.handshakeInClear = local.Flags.Has(CapHandshakeInClear) && peer.Flags.Has(CapHandshakeInClear)
	r.conn.state = AfterCapabilities
	return out, nil
}
