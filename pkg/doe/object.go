// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package doe frames PCIe Data Object Exchange objects and serves them
// over the DOE mailbox: discovery is answered here, SPDM and secured SPDM
// objects go to registered handlers.
package doe

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// VendorPCISIG is the vendor id of the PCI-SIG defined object types.
const VendorPCISIG = 0x0001

// HeaderLen is the size of the data object header.
const HeaderLen = 8

// MinObjectDwords is the size of the smallest valid object, a discovery
// request.
const MinObjectDwords = 3

// MaxObjectDwords is the largest length the header can express. A length
// field of 0 stands for this value.
const MaxObjectDwords = 1 << 18

const lengthMask = MaxObjectDwords - 1

// ObjectType is the data object protocol.
type ObjectType uint8

// Object types.
const (
	TypeDiscovery  ObjectType = 0x00
	TypeSPDM       ObjectType = 0x01
	TypeSecureSPDM ObjectType = 0x02
)

func (t ObjectType) String() string {
	switch t {
	case TypeDiscovery:
		return "Discovery"
	case TypeSPDM:
		return "SPDM"
	case TypeSecureSPDM:
		return "SecureSPDM"
	}
	return fmt.Sprintf("ObjectType(0x%02x)", uint8(t))
}

// Object errors.
var (
	ErrShortObject = errors.New("data object too short")
	ErrVendor      = errors.New("unknown data object vendor")
	ErrReserved    = errors.New("reserved header bits set")
	ErrLength      = errors.New("data object length does not match")
)

// Header is the data object header.
//
//	dword 0: Type(23:16) VendorID(15:0), bits 31:24 reserved
//	dword 1: Length in dwords including the header (17:0)
type Header struct {
	VendorID uint16
	Type     ObjectType
	// Length is the object length in dwords, header included.
	Length uint32
}

// Append appends the encoded header to b.
func (h Header) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint16(b, h.VendorID)
	b = append(b, byte(h.Type), 0)
	return binary.LittleEndian.AppendUint32(b, h.Length&lengthMask)
}

// Encode frames payload as an object of type t. The payload is zero
// padded to a dword boundary.
func Encode(t ObjectType, payload []byte) []byte {
	n := (len(payload) + 3) / 4
	h := Header{VendorID: VendorPCISIG, Type: t, Length: uint32(HeaderLen/4 + n)}
	b := h.Append(make([]byte, 0, HeaderLen+4*n))
	b = append(b, payload...)
	return append(b, make([]byte, 4*n-len(payload))...)
}

// Decode validates obj and returns its header and payload. The object
// must be exactly as long as its header says.
func Decode(obj []byte) (Header, []byte, error) {
	if len(obj) < MinObjectDwords*4 {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortObject, len(obj))
	}
	h := Header{
		VendorID: binary.LittleEndian.Uint16(obj),
		Type:     ObjectType(obj[2]),
		Length:   binary.LittleEndian.Uint32(obj[4:]) & lengthMask,
	}
	if h.Length == 0 {
		h.Length = MaxObjectDwords
	}
	switch {
	case h.VendorID != VendorPCISIG:
		return h, nil, fmt.Errorf("%w: 0x%04x", ErrVendor, h.VendorID)
	case obj[3] != 0 || binary.LittleEndian.Uint32(obj[4:])&^lengthMask != 0:
		return h, nil, ErrReserved
	case len(obj)%4 != 0 || uint32(len(obj)/4) != h.Length:
		return h, nil, fmt.Errorf("%w: header %d dwords, received %d bytes", ErrLength, h.Length, len(obj))
	}
	return h, obj[HeaderLen:], nil
}

// DiscoveryResponse answers a discovery request for one index.
//
//	VendorID(15:0) Protocol(23:16) NextIndex(31:24)
type DiscoveryResponse struct {
	VendorID  uint16
	Protocol  ObjectType
	NextIndex uint8
}

// Bytes encodes the response payload.
func (r DiscoveryResponse) Bytes() []byte {
	b := binary.LittleEndian.AppendUint16(nil, r.VendorID)
	return append(b, byte(r.Protocol), r.NextIndex)
}

// ParseDiscoveryResponse decodes a discovery response payload.
func ParseDiscoveryResponse(b []byte) (DiscoveryResponse, error) {
	if len(b) < 4 {
		return DiscoveryResponse{}, ErrShortObject
	}
	return DiscoveryResponse{
		VendorID:  binary.LittleEndian.Uint16(b),
		Protocol:  ObjectType(b[2]),
		NextIndex: b[3],
	}, nil
}
