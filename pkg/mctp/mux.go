// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mctp

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/linuxboot/mcufw/pkg/log"
)

// Mux errors.
var (
	ErrNotForEndpoint = errors.New("packet addressed to another endpoint")
	ErrNoHandler      = errors.New("no handler for message type")
)

// Handler consumes the messages of one type. A non nil result answers a
// request; it is dropped for responses.
type Handler interface {
	HandleMessage(m *Message) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(m *Message) ([]byte, error)

// HandleMessage implements Handler.
func (f HandlerFunc) HandleMessage(m *Message) ([]byte, error) {
	return f(m)
}

// Transport carries packets to the bus, an I3C target for instance.
type Transport interface {
	Transmit(pkt []byte) error
}

// Config configures a Mux.
type Config struct {
	// EID is the initial endpoint id; NullEID until assigned by SetEID.
	EID uint8
	// MTU is the transmit payload size; BaselineMTU when zero.
	MTU int
	// MaxMessageSize bounds reassembled messages.
	MaxMessageSize int
}

// Mux terminates MCTP for one endpoint. Inbound packets are reassembled
// and routed by message type; control messages are answered by the mux
// itself.
type Mux struct {
	mu       sync.Mutex
	eid      uint8
	mtu      int
	asm      Assembler
	handlers map[MessageType]Handler
	nextTag  uint8

	txMu sync.Mutex
	tx   Transport
}

// NewMux returns a mux transmitting through tx.
func NewMux(cfg Config, tx Transport) *Mux {
	mtu := cfg.MTU
	if mtu == 0 {
		mtu = BaselineMTU
	}
	return &Mux{
		eid:      cfg.EID,
		mtu:      mtu,
		asm:      Assembler{MaxMessageSize: cfg.MaxMessageSize},
		handlers: map[MessageType]Handler{},
		tx:       tx,
	}
}

// EID returns the endpoint id.
func (m *Mux) EID() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.eid
}

// Register routes messages of type t to h.
func (m *Mux) Register(t MessageType, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[t] = h
}

// Types returns the registered message types in ascending order.
func (m *Mux) Types() []MessageType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.types()
}

func (m *Mux) types() []MessageType {
	ts := make([]MessageType, 0, len(m.handlers))
	for t := range m.handlers {
		ts = append(ts, t)
	}
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	return ts
}

// assemble feeds a packet to the assembler. Packets for other endpoints
// are dropped; the null EID is accepted so that an endpoint can be
// discovered before it has an id.
func (m *Mux) assemble(pkt []byte) (*Message, Handler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := ParseHeader(pkt)
	if err != nil {
		return nil, nil, err
	}
	if h.Dest != m.eid && h.Dest != NullEID {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotForEndpoint, h)
	}
	msg, err := m.asm.Push(pkt)
	if err != nil || msg == nil {
		return nil, nil, err
	}
	return msg, m.handlers[msg.Type], nil
}

// Receive consumes one inbound packet. Once it completes a message the
// message is handled and, for requests, the answer is transmitted.
// Dropped packets are reported as errors; they never change state beyond
// abandoning the message they belonged to.
func (m *Mux) Receive(pkt []byte) error {
	msg, h, err := m.assemble(pkt)
	if err != nil {
		log.Debugf("MCTP: dropping packet: %v", err)
		return err
	}
	if msg == nil {
		return nil
	}

	var resp []byte
	switch {
	case msg.Type == TypeControl:
		if !msg.TagOwner {
			return nil
		}
		resp, err = m.handleControl(msg.Body)
	case h != nil:
		resp, err = h.HandleMessage(msg)
	default:
		log.Warnf("MCTP: no handler for %s from %d", msg.Type, msg.Src)
		return fmt.Errorf("%w: %s", ErrNoHandler, msg.Type)
	}
	if err != nil {
		return fmt.Errorf("%s message from %d: %w", msg.Type, msg.Src, err)
	}
	if resp == nil || !msg.TagOwner {
		return nil
	}
	return m.send(&Message{
		Src:  m.EID(),
		Dest: msg.Src,
		Tag:  msg.Tag,
		IC:   msg.IC,
		Type: msg.Type,
		Body: resp,
	})
}

// SendRequest transmits a request to dest under a freshly allocated tag,
// which it returns.
func (m *Mux) SendRequest(dest uint8, t MessageType, body []byte) (uint8, error) {
	m.mu.Lock()
	tag := m.nextTag
	m.nextTag = (m.nextTag + 1) % (MaxTag + 1)
	src := m.eid
	m.mu.Unlock()

	return tag, m.send(&Message{
		Src:      src,
		Dest:     dest,
		TagOwner: true,
		Tag:      tag,
		Type:     t,
		Body:     body,
	})
}

func (m *Mux) send(msg *Message) error {
	pkts, err := Packetize(msg, m.mtu)
	if err != nil {
		return err
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()
	for i, pkt := range pkts {
		if err := m.tx.Transmit(pkt); err != nil {
			return fmt.Errorf("transmit packet %d of %d: %w", i+1, len(pkts), err)
		}
	}
	return nil
}
