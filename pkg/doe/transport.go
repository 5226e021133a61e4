// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package doe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linuxboot/mcufw/pkg/log"
	mbox "github.com/linuxboot/mcufw/pkg/periph/doe"
	"github.com/linuxboot/mcufw/pkg/platform"
)

// ErrNoHandler is returned for objects of a type nobody registered.
var ErrNoHandler = errors.New("no handler for data object type")

// Handler answers the objects of one type. The payload may carry up to
// three bytes of zero padding.
type Handler interface {
	HandleObject(t ObjectType, payload []byte) ([]byte, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(t ObjectType, payload []byte) ([]byte, error)

// HandleObject implements Handler.
func (f HandlerFunc) HandleObject(t ObjectType, payload []byte) ([]byte, error) {
	return f(t, payload)
}

// Registers is the MCU view of the DOE mailbox.
type Registers interface {
	Read(size platform.Size, offset uint32) (uint32, error)
	Write(size platform.Size, offset uint32, value uint32) error
}

// Transport serves data objects deposited in the DOE mailbox.
type Transport struct {
	mu       sync.Mutex
	regs     Registers
	handlers map[ObjectType]Handler
}

// NewTransport returns a transport over regs. Discovery is always served.
func NewTransport(regs Registers) *Transport {
	return &Transport{regs: regs, handlers: map[ObjectType]Handler{}}
}

// Register routes objects of type t to h.
func (t *Transport) Register(ot ObjectType, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[ot] = h
}

// protocols lists the discoverable types: discovery first, then the
// registered ones in type order.
func (t *Transport) protocols() []ObjectType {
	ps := []ObjectType{TypeDiscovery}
	for _, ot := range []ObjectType{TypeSPDM, TypeSecureSPDM} {
		if t.handlers[ot] != nil {
			ps = append(ps, ot)
		}
	}
	return ps
}

// Service checks the mailbox events: a reset request is acknowledged,
// a pending object is read, handled and answered. It reports whether an
// object was served. Malformed objects are discarded silently; handler
// failures are signalled with STATUS.ERROR.
func (t *Transport) Service() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev, err := t.regs.Read(platform.Word, mbox.RegEvent)
	if err != nil {
		return false, err
	}
	if ev&mbox.EventResetReq != 0 {
		log.Infof("DOE: reset requested")
		if err := t.regs.Write(platform.Word, mbox.RegEvent, mbox.EventResetReq|mbox.EventDataReady); err != nil {
			return false, err
		}
		return false, t.regs.Write(platform.Word, mbox.RegStatus, mbox.StatusResetAck)
	}
	if ev&mbox.EventDataReady == 0 {
		return false, nil
	}

	obj, err := t.receive()
	if err != nil {
		return false, err
	}
	if err := t.regs.Write(platform.Word, mbox.RegEvent, mbox.EventDataReady); err != nil {
		return false, err
	}
	h, payload, err := Decode(obj)
	if err != nil {
		log.Debugf("DOE: discarding object: %v", err)
		return false, nil
	}

	var resp []byte
	if h.Type == TypeDiscovery {
		resp, err = t.discovery(payload)
	} else if hd := t.handlers[h.Type]; hd != nil {
		resp, err = hd.HandleObject(h.Type, payload)
	} else {
		err = fmt.Errorf("%w: %s", ErrNoHandler, h.Type)
	}
	if err != nil {
		log.Warnf("DOE: %s object: %v", h.Type, err)
		if werr := t.regs.Write(platform.Word, mbox.RegStatus, mbox.StatusError); werr != nil {
			return false, werr
		}
		return true, err
	}
	return true, t.send(Encode(h.Type, resp))
}

func (t *Transport) discovery(payload []byte) ([]byte, error) {
	if len(payload) < 4 {
		return nil, ErrShortObject
	}
	ps := t.protocols()
	idx := int(payload[0])
	if idx >= len(ps) {
		return nil, fmt.Errorf("discovery index %d out of range", idx)
	}
	next := uint8(0)
	if idx+1 < len(ps) {
		next = uint8(idx + 1)
	}
	return DiscoveryResponse{VendorID: VendorPCISIG, Protocol: ps[idx], NextIndex: next}.Bytes(), nil
}

func (t *Transport) receive() ([]byte, error) {
	n, err := t.regs.Read(platform.Word, mbox.RegDlen)
	if err != nil {
		return nil, err
	}
	obj := make([]byte, 0, 4*n)
	for i := uint32(0); i < n; i++ {
		w, err := t.regs.Read(platform.Word, mbox.SRAMBase+4*i)
		if err != nil {
			return nil, fmt.Errorf("read dword %d of %d: %w", i, n, err)
		}
		obj = append(obj, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return obj, nil
}

func (t *Transport) send(obj []byte) error {
	for i := 0; i < len(obj); i += 4 {
		w := uint32(obj[i]) | uint32(obj[i+1])<<8 | uint32(obj[i+2])<<16 | uint32(obj[i+3])<<24
		if err := t.regs.Write(platform.Word, mbox.SRAMBase+uint32(i), w); err != nil {
			return fmt.Errorf("write dword %d: %w", i/4, err)
		}
	}
	if err := t.regs.Write(platform.Word, mbox.RegDlen, uint32(len(obj)/4)); err != nil {
		return err
	}
	return t.regs.Write(platform.Word, mbox.RegStatus, mbox.StatusDataReady)
}
