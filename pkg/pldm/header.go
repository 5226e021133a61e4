// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pldm implements the PLDM base layer (DSP0240): the message
// header, completion codes, version encoding, descriptors and the
// messaging control and discovery responder (PLDM type 0).
package pldm

import (
	"errors"
	"fmt"
)

// HeaderLen is the size of a PLDM message header.
const HeaderLen = 3

// MaxInstanceID is the largest instance id a header can carry.
const MaxInstanceID = 0x1F

// HeaderVersion is the only header version understood by this package.
const HeaderVersion = 0

// Type is the PLDM type of a message.
type Type uint8

// PLDM types.
const (
	TypeBase     Type = 0x00
	TypePlatform Type = 0x02
	TypeBIOS     Type = 0x03
	TypeFRU      Type = 0x04
	TypeFWUpdate Type = 0x05
	TypeOEM      Type = 0x3F
)

func (t Type) String() string {
	switch t {
	case TypeBase:
		return "Base"
	case TypePlatform:
		return "Platform"
	case TypeBIOS:
		return "BIOS"
	case TypeFRU:
		return "FRU"
	case TypeFWUpdate:
		return "FWUpdate"
	case TypeOEM:
		return "OEM"
	}
	return fmt.Sprintf("Type(0x%02x)", uint8(t))
}

// Header errors.
var (
	ErrShortMessage  = errors.New("message shorter than a PLDM header")
	ErrInstanceID    = errors.New("instance id out of range")
	ErrHeaderVersion = errors.New("unsupported PLDM header version")
	ErrType          = errors.New("PLDM type out of range")
)

// Header is the 3-byte PLDM message header.
//
//	byte 0: Rq(7) D(6) rsvd(5) InstanceID(4:0)
//	byte 1: HdrVer(7:6) Type(5:0)
//	byte 2: Command
type Header struct {
	Request    bool
	Datagram   bool
	InstanceID uint8
	Version    uint8
	Type       Type
	Command    uint8
}

// NewRequest returns a request header.
func NewRequest(iid uint8, t Type, cmd uint8) Header {
	return Header{Request: true, InstanceID: iid, Type: t, Command: cmd}
}

// Reply returns the header of a response to h.
func (h Header) Reply() Header {
	h.Request = false
	h.Datagram = false
	return h
}

// Validate checks that every field fits its bit width.
func (h Header) Validate() error {
	if h.InstanceID > MaxInstanceID {
		return fmt.Errorf("%w: %d", ErrInstanceID, h.InstanceID)
	}
	if h.Version != HeaderVersion {
		return fmt.Errorf("%w: %d", ErrHeaderVersion, h.Version)
	}
	if h.Type > 0x3F {
		return fmt.Errorf("%w: 0x%x", ErrType, uint8(h.Type))
	}
	return nil
}

// Append appends the encoded header to b. Out of range fields are
// truncated to their bit width.
func (h Header) Append(b []byte) []byte {
	b0 := h.InstanceID & MaxInstanceID
	if h.Request {
		b0 |= 1 << 7
	}
	if h.Datagram {
		b0 |= 1 << 6
	}
	b1 := (h.Version&0x3)<<6 | uint8(h.Type)&0x3F
	return append(b, b0, b1, h.Command)
}

// Bytes returns the encoded header.
func (h Header) Bytes() []byte {
	return h.Append(make([]byte, 0, HeaderLen))
}

// ParseHeader decodes the header at the start of msg. The header version
// is not checked; see Validate.
func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderLen {
		return Header{}, ErrShortMessage
	}
	return Header{
		Request:    msg[0]&(1<<7) != 0,
		Datagram:   msg[0]&(1<<6) != 0,
		InstanceID: msg[0] & MaxInstanceID,
		Version:    msg[1] >> 6,
		Type:       Type(msg[1] & 0x3F),
		Command:    msg[2],
	}, nil
}

func (h Header) String() string {
	kind := "rsp"
	if h.Request {
		kind = "req"
	}
	return fmt.Sprintf("%s iid=%d type=%s cmd=0x%02x", kind, h.InstanceID, h.Type, h.Command)
}

// InstanceIDs hands out instance ids for outbound requests in round-robin
// order.
type InstanceIDs struct {
	next  uint8
	count uint8
}

// NewInstanceIDs returns an allocator over [0, count). count is clamped to
// the header range.
func NewInstanceIDs(count int) *InstanceIDs {
	if count <= 0 || count > MaxInstanceID+1 {
		count = MaxInstanceID + 1
	}
	return &InstanceIDs{count: uint8(count)}
}

// Next returns the next instance id.
func (a *InstanceIDs) Next() uint8 {
	id := a.next
	a.next = (a.next + 1) % a.count
	return id
}
