// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pldm

import (
	"errors"
	"sync"

	"github.com/linuxboot/mcufw/pkg/log"
)

// Handler answers the requests of one PLDM type.
type Handler interface {
	// Handle returns the response body for a request. A *CommandError
	// turns into a failure response carrying its code.
	Handle(h Header, payload []byte) (Body, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(h Header, payload []byte) (Body, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(h Header, payload []byte) (Body, error) {
	return f(h, payload)
}

// Responder validates inbound requests and routes them to the handler of
// their type. Only types and commands advertised by the control context
// are routed.
type Responder struct {
	control  *Control
	handlers map[Type]Handler
	maxSize  int
	busy     sync.Mutex
}

// NewResponder returns a responder answering the base type through
// control.
func NewResponder(cfg Config, control *Control) *Responder {
	r := &Responder{
		control:  control,
		handlers: map[Type]Handler{},
		maxSize:  cfg.MaxMessageSize,
	}
	r.Register(TypeBase, control)
	return r
}

// Register routes requests of type t to h.
func (r *Responder) Register(t Type, h Handler) {
	r.handlers[t] = h
}

// Control returns the control context.
func (r *Responder) Control() *Control {
	return r.control
}

// Respond handles one request message and returns the encoded response.
// It fails only when the message is too short to carry a header. Response
// messages are dropped without an answer; every other fault yields a
// failure response.
func (r *Responder) Respond(msg []byte) ([]byte, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	if !h.Request {
		log.Debugf("PLDM: dropping response %s", h)
		return nil, nil
	}
	if !r.busy.TryLock() {
		return FailureResponse(h, NotReady), nil
	}
	defer r.busy.Unlock()

	if h.Version != HeaderVersion {
		return FailureResponse(h, InvalidData), nil
	}
	handler, ok := r.handlers[h.Type]
	if !ok || !r.control.SupportsType(h.Type) {
		return FailureResponse(h, InvalidType), nil
	}
	if !r.control.SupportsCommand(h.Type, h.Command) {
		return FailureResponse(h, UnsupportedCommand), nil
	}

	body, err := handler.Handle(h, msg[HeaderLen:])
	if err != nil {
		var cerr *CommandError
		if errors.As(err, &cerr) {
			return FailureResponse(h, cerr.Code), nil
		}
		log.Errorf("PLDM %s: %v", h, err)
		return FailureResponse(h, GenericError), nil
	}
	out := Encode(h.Reply(), body)
	if r.maxSize > 0 && len(out) > r.maxSize {
		log.Warnf("PLDM %s: response of %d bytes exceeds %d", h, len(out), r.maxSize)
		return FailureResponse(h, InvalidLength), nil
	}
	return out, nil
}
