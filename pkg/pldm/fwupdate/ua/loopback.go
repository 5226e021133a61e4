// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ua

import (
	"errors"
	"fmt"

	"github.com/linuxboot/mcufw/pkg/pldm"
)

// ErrStalled is returned by Drive when the update did not settle.
var ErrStalled = errors.New("update did not finish")

// Device is the initiator half of a firmware device: the requests it
// pulls data with and the handling of the agent's answers.
type Device interface {
	Progress() ([]byte, error)
	HandleResponse(msg []byte) error
}

// Loopback connects an agent to a firmware device in the same process.
// Agent requests go through Responder; device requests come from Device.
type Loopback struct {
	Responder *pldm.Responder
	Device    Device
}

// Step moves every pending message across once. It reports whether
// anything was exchanged.
func (lb *Loopback) Step(a *Agent) (bool, error) {
	moved := false
	if req := a.Next(); req != nil {
		moved = true
		resp, err := lb.Responder.Respond(req)
		if err != nil {
			return moved, fmt.Errorf("device: %w", err)
		}
		if _, err := a.Handle(resp); err != nil {
			return moved, err
		}
	}
	req, err := lb.Device.Progress()
	if err != nil {
		return moved, fmt.Errorf("device progress: %w", err)
	}
	if req != nil {
		moved = true
		resp, err := a.Handle(req)
		if err != nil {
			return moved, err
		}
		if err := lb.Device.HandleResponse(resp); err != nil {
			return moved, fmt.Errorf("device: %w", err)
		}
	}
	return moved, nil
}

// Drive runs steps until the agent is Done or back in Idle with nothing
// left to send. It gives up after maxSteps.
func (lb *Loopback) Drive(a *Agent, maxSteps int) error {
	for i := 0; i < maxSteps; i++ {
		if _, err := lb.Step(a); err != nil {
			return err
		}
		if s := a.State(); (s == Done || s == Idle) && !a.Busy() {
			return nil
		}
	}
	return fmt.Errorf("%w after %d steps in %s", ErrStalled, maxSteps, a.State())
}
