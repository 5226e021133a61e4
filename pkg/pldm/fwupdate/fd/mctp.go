// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fd

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/mctp"
	"github.com/linuxboot/mcufw/pkg/pldm"
)

// ErrNoPeer is returned by Poll when the device has a request to send
// but no update agent has talked to it yet.
var ErrNoPeer = errors.New("no update agent endpoint known")

// Endpoint carries a firmware device over MCTP. Requests from the update
// agent go through the PLDM responder, answers to the device's own
// requests go to the device, and the device's requests are sent to the
// endpoint the last request came from.
type Endpoint struct {
	mux       *mctp.Mux
	responder *pldm.Responder
	dev       *Device

	mu   sync.Mutex
	peer uint8
	seen bool
}

// Register installs the PLDM message type on mux. The responder must
// route TypeFWUpdate to dev.
func Register(mux *mctp.Mux, r *pldm.Responder, dev *Device) *Endpoint {
	e := &Endpoint{mux: mux, responder: r, dev: dev}
	mux.Register(mctp.TypePLDM, e)
	return e
}

// Peer returns the endpoint id of the update agent.
func (e *Endpoint) Peer() (uint8, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer, e.seen
}

// HandleMessage implements mctp.Handler.
func (e *Endpoint) HandleMessage(m *mctp.Message) ([]byte, error) {
	h, err := pldm.ParseHeader(m.Body)
	if err != nil {
		return nil, err
	}
	if !h.Request {
		return nil, e.dev.HandleResponse(m.Body)
	}
	e.mu.Lock()
	e.peer, e.seen = m.Src, true
	e.mu.Unlock()
	return e.responder.Respond(m.Body)
}

// Poll expires T1 and sends the device's next request, if any.
func (e *Endpoint) Poll() error {
	e.dev.CheckTimeout()
	req, err := e.dev.Progress()
	if err != nil || req == nil {
		return err
	}
	peer, ok := e.Peer()
	if !ok {
		return ErrNoPeer
	}
	_, err = e.mux.SendRequest(peer, mctp.TypePLDM, req)
	return err
}

// Serve polls every interval until ctx is done. Poll failures are
// logged; the device replays unanswered requests on its own.
func (e *Endpoint) Serve(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := e.Poll(); err != nil {
				log.Warnf("FD: %v", err)
			}
		}
	}
}
