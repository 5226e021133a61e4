// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ua

import (
	"github.com/linuxboot/mcufw/pkg/mctp"
)

// Endpoint carries an update agent over MCTP to the firmware device at
// Peer.
type Endpoint struct {
	mux   *mctp.Mux
	agent *Agent
	peer  uint8
}

// Register installs the PLDM message type on mux.
func Register(mux *mctp.Mux, a *Agent, peer uint8) *Endpoint {
	e := &Endpoint{mux: mux, agent: a, peer: peer}
	mux.Register(mctp.TypePLDM, e)
	return e
}

// HandleMessage implements mctp.Handler. Device requests are answered;
// responses advance the update.
func (e *Endpoint) HandleMessage(m *mctp.Message) ([]byte, error) {
	return e.agent.Handle(m.Body)
}

// Poll sends the agent's next request, if any. It reports whether one
// was sent.
func (e *Endpoint) Poll() (bool, error) {
	req := e.agent.Next()
	if req == nil {
		return false, nil
	}
	_, err := e.mux.SendRequest(e.peer, mctp.TypePLDM, req)
	return true, err
}
