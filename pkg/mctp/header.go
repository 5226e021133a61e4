// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mctp implements the MCTP transport (DSP0236) used to carry PLDM
// and SPDM messages: the packet header, splitting a message into packets,
// reassembly, the control message responder and a mux routing messages
// by type.
package mctp

import (
	"errors"
	"fmt"
)

// HeaderLen is the size of the transport header.
const HeaderLen = 4

// HeaderVersion is the transport header version of MCTP 1.x.
const HeaderVersion = 1

// BaselineMTU is the payload size every endpoint supports. All packets of
// a message but the last carry at least this much.
const BaselineMTU = 64

// Special endpoint ids.
const (
	NullEID      = 0x00
	BroadcastEID = 0xFF
)

// MaxTag is the largest message tag.
const MaxTag = 0x07

// ValidEID reports whether eid can be assigned to an endpoint: the
// broadcast id and the reserved ids 1 to 7 cannot.
func ValidEID(eid uint8) bool {
	return eid != BroadcastEID && (eid == NullEID || eid > 7)
}

// MessageType is the type carried in the first payload byte.
type MessageType uint8

// Message types.
const (
	TypeControl    MessageType = 0x00
	TypePLDM       MessageType = 0x01
	TypeSPDM       MessageType = 0x05
	TypeSecureSPDM MessageType = 0x06
	TypeCaliptra   MessageType = 0x7E
)

var typeNames = map[MessageType]string{
	TypeControl:    "Control",
	TypePLDM:       "PLDM",
	TypeSPDM:       "SPDM",
	TypeSecureSPDM: "SecureSPDM",
	TypeCaliptra:   "Caliptra",
}

func (t MessageType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("MessageType(0x%02x)", uint8(t))
}

// Header errors.
var (
	ErrShortPacket   = errors.New("packet shorter than an MCTP header")
	ErrHeaderVersion = errors.New("unsupported MCTP header version")
)

// Header is the MCTP transport header.
//
//	byte 0: rsvd(7:4) HdrVer(3:0)
//	byte 1: destination EID
//	byte 2: source EID
//	byte 3: SOM(7) EOM(6) PktSeq(5:4) TO(3) MsgTag(2:0)
type Header struct {
	Version  uint8
	Dest     uint8
	Src      uint8
	SOM      bool
	EOM      bool
	Seq      uint8
	TagOwner bool
	Tag      uint8
}

// Append appends the encoded header to b.
func (h Header) Append(b []byte) []byte {
	b3 := (h.Seq&0x3)<<4 | h.Tag&MaxTag
	if h.SOM {
		b3 |= 1 << 7
	}
	if h.EOM {
		b3 |= 1 << 6
	}
	if h.TagOwner {
		b3 |= 1 << 3
	}
	return append(b, h.Version&0x0F, h.Dest, h.Src, b3)
}

// ParseHeader decodes the header at the start of pkt.
func ParseHeader(pkt []byte) (Header, error) {
	if len(pkt) < HeaderLen {
		return Header{}, ErrShortPacket
	}
	h := Header{
		Version:  pkt[0] & 0x0F,
		Dest:     pkt[1],
		Src:      pkt[2],
		SOM:      pkt[3]&(1<<7) != 0,
		EOM:      pkt[3]&(1<<6) != 0,
		Seq:      (pkt[3] >> 4) & 0x3,
		TagOwner: pkt[3]&(1<<3) != 0,
		Tag:      pkt[3] & MaxTag,
	}
	if h.Version != HeaderVersion {
		return h, fmt.Errorf("%w: %d", ErrHeaderVersion, h.Version)
	}
	return h, nil
}

func (h Header) String() string {
	flags := ""
	if h.SOM {
		flags += "S"
	}
	if h.EOM {
		flags += "E"
	}
	return fmt.Sprintf("%d->%d seq=%d tag=%d to=%t %s", h.Src, h.Dest, h.Seq, h.Tag, h.TagOwner, flags)
}
