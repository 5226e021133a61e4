// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mctp

import (
	"errors"
	"fmt"
)

// DefaultMaxMessageSize bounds reassembled messages.
const DefaultMaxMessageSize = 4096

// Reassembly errors. Packets failing with one of them are dropped.
var (
	ErrNoMessageType = errors.New("first packet carries no message type")
	ErrNotStarted    = errors.New("packet does not continue a message")
	ErrSequence      = errors.New("packet out of sequence")
	ErrShortMiddle   = errors.New("non final packet has an unexpected length")
	ErrTooLarge      = errors.New("message exceeds the reassembly buffer")
	ErrMTU           = errors.New("MTU below the baseline")
)

// Message is a complete MCTP message.
type Message struct {
	Src      uint8
	Dest     uint8
	TagOwner bool
	Tag      uint8
	// IC is the integrity check flag of the message type byte.
	IC   bool
	Type MessageType
	// Body follows the message type byte.
	Body []byte
}

func (m *Message) typeByte() byte {
	b := byte(m.Type) & 0x7F
	if m.IC {
		b |= 1 << 7
	}
	return b
}

// Packetize splits m into packets carrying at most mtu payload bytes.
// Packet sequence numbers start at 0.
func Packetize(m *Message, mtu int) ([][]byte, error) {
	if mtu < BaselineMTU {
		return nil, fmt.Errorf("%w: %d", ErrMTU, mtu)
	}
	payload := append([]byte{m.typeByte()}, m.Body...)
	var pkts [][]byte
	for off, seq := 0, uint8(0); off < len(payload); seq = (seq + 1) % 4 {
		n := min(mtu, len(payload)-off)
		h := Header{
			Version:  HeaderVersion,
			Dest:     m.Dest,
			Src:      m.Src,
			SOM:      off == 0,
			EOM:      off+n == len(payload),
			Seq:      seq,
			TagOwner: m.TagOwner,
			Tag:      m.Tag,
		}
		pkt := h.Append(make([]byte, 0, HeaderLen+n))
		pkts = append(pkts, append(pkt, payload[off:off+n]...))
		off += n
	}
	return pkts, nil
}

type terminus struct {
	src      uint8
	tagOwner bool
	tag      uint8
}

type assembly struct {
	msg      Message
	seq      uint8
	firstLen int
}

// Assembler rebuilds messages from packets. Assembly is keyed by source
// EID, tag owner and tag, so interleaved messages of distinct peers or
// tags are kept apart.
type Assembler struct {
	// MaxMessageSize bounds a message including its type byte;
	// DefaultMaxMessageSize when zero.
	MaxMessageSize int

	pending map[terminus]*assembly
}

// Pending returns the number of messages being assembled.
func (a *Assembler) Pending() int {
	return len(a.pending)
}

// Push consumes one packet. It returns the message once its last packet
// arrived, nil while more packets are expected, or an error when the
// packet was dropped. A failing packet abandons the message it belonged
// to; a start-of-message packet restarts it.
func (a *Assembler) Push(pkt []byte) (*Message, error) {
	h, err := ParseHeader(pkt)
	if err != nil {
		return nil, err
	}
	if a.pending == nil {
		a.pending = map[terminus]*assembly{}
	}
	if a.MaxMessageSize <= 0 {
		a.MaxMessageSize = DefaultMaxMessageSize
	}
	payload := pkt[HeaderLen:]
	key := terminus{src: h.Src, tagOwner: h.TagOwner, tag: h.Tag}

	if h.SOM {
		delete(a.pending, key)
		if len(payload) == 0 {
			return nil, fmt.Errorf("%s: %w", h, ErrNoMessageType)
		}
		if !h.EOM && len(payload) < BaselineMTU {
			return nil, fmt.Errorf("%s: %w: %d bytes", h, ErrShortMiddle, len(payload))
		}
		if len(payload) > a.MaxMessageSize {
			return nil, fmt.Errorf("%s: %w", h, ErrTooLarge)
		}
		as := &assembly{
			msg: Message{
				Src:      h.Src,
				Dest:     h.Dest,
				TagOwner: h.TagOwner,
				Tag:      h.Tag,
				IC:       payload[0]&(1<<7) != 0,
				Type:     MessageType(payload[0] & 0x7F),
				Body:     append([]byte(nil), payload[1:]...),
			},
			seq:      (h.Seq + 1) % 4,
			firstLen: len(payload),
		}
		if h.EOM {
			return &as.msg, nil
		}
		a.pending[key] = as
		return nil, nil
	}

	as, ok := a.pending[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", h, ErrNotStarted)
	}
	switch {
	case h.Seq != as.seq:
		err = fmt.Errorf("%s: %w: want %d", h, ErrSequence, as.seq)
	case !h.EOM && len(payload) != as.firstLen:
		err = fmt.Errorf("%s: %w: %d bytes", h, ErrShortMiddle, len(payload))
	case 1+len(as.msg.Body)+len(payload) > a.MaxMessageSize:
		err = fmt.Errorf("%s: %w", h, ErrTooLarge)
	}
	if err != nil {
		delete(a.pending, key)
		return nil, err
	}
	as.msg.Body = append(as.msg.Body, payload...)
	as.seq = (h.Seq + 1) % 4
	if !h.EOM {
		return nil, nil
	}
	delete(a.pending, key)
	return &as.msg, nil
}
