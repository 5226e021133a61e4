// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
)

// BaseHashAlgo bits.
const (
	HashSHA256  uint32 = 1 << 0
	HashSHA384  uint32 = 1 << 1
	HashSHA512  uint32 = 1 << 2
	HashSHA3256 uint32 = 1 << 3
	HashSHA3384 uint32 = 1 << 4
	HashSHA3512 uint32 = 1 << 5
	HashSM3     uint32 = 1 << 6
)

// BaseAsymAlgo bits.
const (
	AsymECDSAP256 uint32 = 1 << 4
	AsymECDSAP384 uint32 = 1 << 7
	AsymECDSAP521 uint32 = 1 << 8
)

// MeasurementHashAlgo bits.
const (
	MeasHashRaw    uint32 = 1 << 0
	MeasHashSHA256 uint32 = 1 << 1
	MeasHashSHA384 uint32 = 1 << 2
	MeasHashSHA512 uint32 = 1 << 3
)

// DHE named group bits.
const (
	DHESecp256r1 uint16 = 1 << 3
	DHESecp384r1 uint16 = 1 << 4
	DHESecp521r1 uint16 = 1 << 5
)

// AEAD cipher suite bits.
const (
	AEADAES128GCM        uint16 = 1 << 0
	AEADAES256GCM        uint16 = 1 << 1
	AEADChaCha20Poly1305 uint16 = 1 << 2
)

// Other single byte selections.
const (
	MeasSpecDMTF       uint8  = 1 << 0
	OpaqueDataFormat1  uint8  = 1 << 1
	KeyScheduleSPDM    uint16 = 1 << 0
	opaqueFormatsMask  uint8  = 0x3
	otherParamsAllowed uint8  = opaqueFormatsMask | 1<<4
)

// AlgType tags a variable length algorithm structure.
type AlgType uint8

// Algorithm structure types, in the order they must appear.
const (
	AlgDHE         AlgType = 2
	AlgAEAD        AlgType = 3
	AlgReqBaseAsym AlgType = 4
	AlgKeySchedule AlgType = 5
)

// Algorithms is one side's algorithm set, or the selection once
// negotiated.
type Algorithms struct {
	MeasurementSpec uint8
	OtherParams     uint8
	MeasurementHash uint32
	BaseAsym        uint32
	BaseHash        uint32
	MELSpec         uint8
	DHE             uint16
	AEAD            uint16
	ReqBaseAsym     uint16
	KeySchedule     uint16
}

// Priorities order the preferred bits of each category. A category
// without a table picks the lowest common bit.
type Priorities struct {
	BaseHash    []uint32
	BaseAsym    []uint32
	DHE         []uint16
	AEAD        []uint16
	ReqBaseAsym []uint16
	KeySchedule []uint16
	OtherParams []uint8
}

type bitset interface {
	~uint8 | ~uint16 | ~uint32
}

// prioritize returns the single bit selected from local & peer.
func prioritize[T bitset](local, peer T, table []T) T {
	common := local & peer
	if common == 0 {
		return 0
	}
	for _, p := range table {
		if common&p != 0 {
			return p
		}
	}
	return common & -common
}

// HashAlgorithm maps a BaseHashAlgo selection to the coprocessor.
func HashAlgorithm(sel uint32) (coprocessor.HashAlgorithm, bool) {
	switch sel {
	case HashSHA384:
		return coprocessor.SHA384, true
	case HashSHA512:
		return coprocessor.SHA512, true
	case HashSM3:
		return coprocessor.SM3, true
	}
	return 0, false
}

const (
	maxAlgorithmsRequestLen = 128
	algorithmsFixedLen      = 32
	maxExtAlgCountV10       = 8
	maxExtAlgCount          = 20
)

func (r *Responder) negotiateAlgorithms(h Header, msg []byte) ([]byte, error) {
	if r.conn.state != AfterCapabilities {
		return nil, Fail(UnexpectedRequest, "NEGOTIATE_ALGORITHMS in %v", r.conn.state)
	}
	if h.Version != r.conn.version {
		return nil, Fail(VersionMismatch, "version %v, negotiated %v", h.Version, r.conn.version)
	}

	var peer Algorithms
	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	length := int(l.Read16())
	peer.MeasurementSpec = l.Read8()
	peer.OtherParams = l.Read8()
	peer.BaseAsym = l.Read32()
	peer.BaseHash = l.Read32()
	reserved := l.Consume(12)
	extAsym := int(l.Read8())
	extHash := int(l.Read8())
	reserved2 := l.Read8()
	peer.MELSpec = l.Read8()
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "NEGOTIATE_ALGORITHMS: %v", err)
	}
	if h.Param2 != 0 || reserved2 != 0 || !allZero(reserved) {
		return nil, Fail(InvalidRequest, "reserved fields set")
	}
	tables := int(h.Param1)
	minLen := algorithmsFixedLen + 4*(extAsym+extHash+tables)
	if length > maxAlgorithmsRequestLen || length < minLen {
		return nil, Fail(InvalidRequest, "length %d, minimum %d", length, minLen)
	}
	if peer.OtherParams&^otherParamsAllowed != 0 {
		return nil, Fail(InvalidRequest, "other params 0x%02x", peer.OtherParams)
	}
	l.Consume(4 * (extAsym + extHash))

	extCount := extAsym + extHash
	var prev AlgType
	for i := 0; i < tables; i++ {
		s := l.Read32()
		if err := l.Error(); err != nil {
			return nil, Fail(InvalidRequest, "algorithm structure %d: %v", i, err)
		}
		typ := AlgType(s)
		ext := int(s>>8) & 0xF
		fixed := int(s>>12) & 0xF
		supported := uint16(s >> 16)
		if typ < AlgDHE || typ > AlgKeySchedule || (i > 0 && typ <= prev) {
			return nil, Fail(InvalidRequest, "algorithm structure type %d after %d", typ, prev)
		}
		if fixed != 2 || supported == 0 {
			return nil, Fail(InvalidRequest, "algorithm structure %d: fixed count %d, supported 0x%x", typ, fixed, supported)
		}
		prev = typ
		switch typ {
		case AlgDHE:
			peer.DHE = supported
		case AlgAEAD:
			peer.AEAD = supported
		case AlgReqBaseAsym:
			peer.ReqBaseAsym = supported
		case AlgKeySchedule:
			peer.KeySchedule = supported
		}
		extCount += ext
		l.Consume(4 * ext)
	}
	limit := maxExtAlgCount
	if r.conn.version == V10 {
		limit = maxExtAlgCountV10
	}
	if extCount > limit {
		return nil, Fail(InvalidRequest, "%d extended algorithms", extCount)
	}
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "NEGOTIATE_ALGORITHMS: %v", err)
	}
	consumed := len(msg) - l.Len()
	if consumed != length {
		return nil, Fail(InvalidRequest, "length field %d, parsed %d", length, consumed)
	}

	sel := r.selectAlgorithms(peer)
	r.conn.peerAlgs = peer
	r.conn.algs = sel
	r.transcript.appendVCA(msg[:consumed])

	var n int
	for _, v := range []uint16{peer.DHE, peer.AEAD, peer.ReqBaseAsym, peer.KeySchedule} {
		if v != 0 {
			n++
		}
	}
	w := uio.NewLittleEndianBuffer(Header{Version: r.conn.version, Code: AlgorithmsRsp, Param1: uint8(n)}.Append(nil))
	w.Write16(uint16(36 + 4*n))
	w.Write8(sel.MeasurementSpec)
	w.Write8(sel.OtherParams)
	w.Write32(sel.MeasurementHash)
	w.Write32(sel.BaseAsym)
	w.Write32(sel.BaseHash)
	w.WriteBytes(make([]byte, 11))
	w.Write8(sel.MELSpec)
	w.Write8(0)
	w.Write8(0)
	w.Write16(0)
	for _, t := range []struct {
		typ       AlgType
		peer, sel uint16
	}{
		{AlgDHE, peer.DHE, sel.DHE},
		{AlgAEAD, peer.AEAD, sel.AEAD},
		{AlgReqBaseAsym, peer.ReqBaseAsym, sel.ReqBaseAsym},
		{AlgKeySchedule, peer.KeySchedule, sel.KeySchedule},
	} {
		if t.peer != 0 {
			w.Write32(uint32(t.typ) | 2<<12 | uint32(t.sel)<<16)
		}
	}
	out := w.Data()
	r.transcript.appendVCA(out)
	r.conn.state = AlgorithmsNegotiated
	return out, nil
}

func (r *Responder) selectAlgorithms(peer Algorithms) Algorithms {
	local, prio := r.cfg.Algorithms, r.cfg.Priorities
	flags := r.cfg.Capabilities.Flags
	var sel Algorithms
	if flags.Meas() != MeasNone || flags.Has(CapMEL) {
		sel.MeasurementSpec = prioritize(local.MeasurementSpec, peer.MeasurementSpec, nil)
	}
	if r.conn.version >= V12 {
		sel.OtherParams = prioritize(local.OtherParams&opaqueFormatsMask, peer.OtherParams&opaqueFormatsMask, prio.OtherParams)
	}
	if flags.Meas() != MeasNone && peer.MeasurementSpec&MeasSpecDMTF != 0 {
		sel.MeasurementHash = local.MeasurementHash
	}
	sel.BaseAsym = prioritize(local.BaseAsym, peer.BaseAsym, prio.BaseAsym)
	sel.BaseHash = prioritize(local.BaseHash, peer.BaseHash, prio.BaseHash)
	sel.MELSpec = prioritize(local.MELSpec, peer.MELSpec, nil)
	sel.DHE = prioritize(local.DHE, peer.DHE, prio.DHE)
	sel.AEAD = prioritize(local.AEAD, peer.AEAD, prio.AEAD)
	sel.ReqBaseAsym = prioritize(local.ReqBaseAsym, peer.ReqBaseAsym, prio.ReqBaseAsym)
	sel.KeySchedule = prioritize(local.KeySchedule, peer.KeySchedule, prio.KeySchedule)
	return sel
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
