// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"errors"
	"fmt"

	"github.com/u-root/uio/uio"
)

// Opaque data carrying the secured message version of KEY_EXCHANGE.
//
// Format 1 (OtherParams bit 1, 1.2 on):
//
//	TotalElements u8, Reserved [3]
//
// Before 1.2 the DMTF table header:
//
//	SpecID u32 "DMTF", OpaqueVersion u8 = 1, TotalElements u8, Reserved u16
//
// Each element:
//
//	ID u8 = 0, VendorLen u8, Vendor, DataLen u16, Data, padding to 4
//
// Data is the secured message element:
//
//	SMDataVersion u8 = 1, SMDataID u8, then
//	  ID 0, selection:        Version u16
//	  ID 1, supported list:   Count u8, Version u16 x Count
const (
	opaqueSpecIDDMTF  = 0x444D5446
	opaqueVersion     = 1
	opaqueElementDMTF = 0
	smDataVersion     = 1
	smDataSelection   = 0
	smDataSupported   = 1
)

var errOpaque = errors.New("malformed opaque data")

func (r *Responder) format1() bool {
	return r.conn.algs.OtherParams&OpaqueDataFormat1 != 0
}

// peerSecuredVersions extracts the version list of a KEY_EXCHANGE opaque
// data field.
func (r *Responder) peerSecuredVersions(opaque []byte) ([]SecuredMessageVersion, error) {
	l := uio.NewLittleEndianBuffer(opaque)
	if !r.format1() {
		if l.Read32() != opaqueSpecIDDMTF || l.Read8() != opaqueVersion {
			return nil, fmt.Errorf("%w: table header", errOpaque)
		}
	}
	total := l.Read8()
	if r.format1() {
		l.Consume(3)
	} else {
		l.Consume(2)
	}
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errOpaque, err)
	}
	if total != 1 {
		return nil, fmt.Errorf("%w: %d elements", errOpaque, total)
	}

	id := l.Read8()
	l.Consume(int(l.Read8()))
	data := uio.NewLittleEndianBuffer(l.Consume(int(l.Read16())))
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errOpaque, err)
	}
	if id != opaqueElementDMTF {
		return nil, fmt.Errorf("%w: element id %d", errOpaque, id)
	}
	if data.Read8() != smDataVersion || data.Read8() != smDataSupported {
		return nil, fmt.Errorf("%w: not a supported version list", errOpaque)
	}
	vs := make([]SecuredMessageVersion, data.Read8())
	for i := range vs {
		vs[i] = SecuredMessageVersion(data.Read16())
	}
	if err := data.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", errOpaque, err)
	}
	return vs, nil
}

// selectSecuredVersion picks the highest version both sides support.
// Update and alpha nibbles are ignored.
func (r *Responder) selectSecuredVersion(peer []SecuredMessageVersion) (SecuredMessageVersion, bool) {
	var (
		best  SecuredMessageVersion
		found bool
	)
	for _, local := range r.cfg.SecuredMessageVersions {
		for _, p := range peer {
			if p&0xFF00 == local&0xFF00 && (!found || local > best) {
				best, found = local, true
			}
		}
	}
	return best, found
}

// selectionOpaque encodes the opaque data of KEY_EXCHANGE_RSP.
func (r *Responder) selectionOpaque(v SecuredMessageVersion) []byte {
	w := uio.NewLittleEndianBuffer(nil)
	if r.format1() {
		w.Write8(1)
		w.WriteBytes([]byte{0, 0, 0})
	} else {
		w.Write32(opaqueSpecIDDMTF)
		w.Write8(opaqueVersion)
		w.Write8(1)
		w.Write16(0)
	}
	w.Write8(opaqueElementDMTF)
	w.Write8(0)
	w.Write16(4)
	w.Write8(smDataVersion)
	w.Write8(smDataSelection)
	w.Write16(uint16(v))
	return w.Data()
}

// SecuredVersionsOpaque encodes a supported version list the way a
// requester sends it in KEY_EXCHANGE.
func SecuredVersionsOpaque(format1 bool, vs ...SecuredMessageVersion) []byte {
	w := uio.NewLittleEndianBuffer(nil)
	if format1 {
		w.Write8(1)
		w.WriteBytes([]byte{0, 0, 0})
	} else {
		w.Write32(opaqueSpecIDDMTF)
		w.Write8(opaqueVersion)
		w.Write8(1)
		w.Write16(0)
	}
	n := 3 + 2*len(vs)
	w.Write8(opaqueElementDMTF)
	w.Write8(0)
	w.Write16(uint16(n))
	w.Write8(smDataVersion)
	w.Write8(smDataSupported)
	w.Write8(uint8(len(vs)))
	for _, v := range vs {
		w.Write16(uint16(v))
	}
	w.WriteBytes(make([]byte, (4-(4+n)%4)%4))
	return w.Data()
}
