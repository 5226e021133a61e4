// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ua implements the update agent side of PLDM firmware update. The
// Agent walks a firmware device through an update from a parsed package:
// it discovers the device, passes the component table, serves the image
// while the device pulls it and activates the new firmware.
package ua

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

// MaxOutstandingRequests is the number of device requests the agent lets
// the device keep in flight.
const MaxOutstandingRequests = 1

// State is the state of the agent.
type State uint8

// Agent states.
const (
	Idle State = iota
	QueryDeviceIdentifiersSent
	ReceivedQueryDeviceIdentifiers
	GetFirmwareParametersSent
	ReceivedFirmwareParameters
	RequestUpdateSent
	LearnComponents
	ReadyXfer
	Download
	Verify
	Apply
	Activate
	Done
)

var stateNames = []string{
	"Idle",
	"QueryDeviceIdentifiersSent",
	"ReceivedQueryDeviceIdentifiers",
	"GetFirmwareParametersSent",
	"ReceivedFirmwareParameters",
	"RequestUpdateSent",
	"LearnComponents",
	"ReadyXfer",
	"Download",
	"Verify",
	"Apply",
	"Activate",
	"Done",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Errors reported by the agent.
var (
	ErrUnexpectedResponse = errors.New("response does not match the outstanding request")
	ErrBusy               = errors.New("update already in progress")
	ErrNoMatchingRecord   = errors.New("no device record matches the device")
	ErrNothingToUpdate    = errors.New("no component needs an update")
	ErrStopped            = errors.New("update stopped by the device")
)

// ComponentStatus tracks one component selected for the update.
type ComponentStatus struct {
	// Index is the position of the image in the package.
	Index      int
	Image      *fwpkg.ComponentImage
	ClassIndex uint8
	// Activation starts as the package's requested activation method and
	// is replaced when the device applies with a different one.
	Activation fwupdate.ActivationMethods
	// Response is what the device answered in the component table.
	Response fwupdate.ComponentResponseCode
	Updated  bool
}

// Component returns the component as it is presented to the device.
func (c *ComponentStatus) Component() fwupdate.Component {
	return c.Image.Component(c.ClassIndex)
}

// Agent is an update agent for one firmware device. It sends one request
// at a time; Next hands out the request to transmit and Handle consumes
// every message coming back from the device.
type Agent struct {
	mu   sync.Mutex
	cfg  pldm.Config
	pkg  *fwpkg.Package
	iids *pldm.InstanceIDs

	state  State
	err    error
	record *fwpkg.DeviceRecord

	// queued is the next request to send; outstanding pairs responses.
	queued      []byte
	outstanding *pldm.Header

	components []*ComponentStatus
	passed     int
	current    int

	selfContained bool
	// Polls counts GetStatus requests sent after activation.
	polls int
}

// New returns an agent updating from pkg.
func New(cfg pldm.Config, pkg *fwpkg.Package) *Agent {
	return &Agent{
		cfg:     cfg,
		pkg:     pkg,
		iids:    pldm.NewInstanceIDs(cfg.InstanceIDCount),
		current: -1,
	}
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Err returns why the last update stopped, or nil.
func (a *Agent) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Components returns a snapshot of the components selected for update.
func (a *Agent) Components() []ComponentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ComponentStatus, len(a.components))
	for i, c := range a.components {
		out[i] = *c
	}
	return out
}

// Busy reports whether there is a request to send or one waiting for its
// response.
func (a *Agent) Busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queued != nil || a.outstanding != nil
}

// Start begins an update. It fails while another update is running.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Idle && a.state != Done {
		return fmt.Errorf("%w: %s", ErrBusy, a.state)
	}
	a.err = nil
	a.record = nil
	a.components = nil
	a.passed = 0
	a.current = -1
	a.selfContained = false
	a.polls = 0
	a.outstanding = nil
	a.queue(fwupdate.CmdQueryDeviceIdentifiers, nil)
	a.setState(QueryDeviceIdentifiersSent)
	return nil
}

// Cancel abandons the update and tells the device to leave update mode.
func (a *Agent) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Idle || a.state == Done {
		return
	}
	a.outstanding = nil
	a.queue(fwupdate.CmdCancelUpdate, nil)
	a.setState(Idle)
}

// Next returns the request to transmit, or nil when the agent is waiting.
func (a *Agent) Next() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queued == nil || a.outstanding != nil {
		return nil
	}
	msg := a.queued
	a.queued = nil
	h, _ := pldm.ParseHeader(msg)
	a.outstanding = &h
	return msg
}

// Handle consumes a message from the device. Requests are answered with
// the returned response; responses advance the update and return nil.
func (a *Agent) Handle(msg []byte) ([]byte, error) {
	h, err := pldm.ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if h.Request {
		return a.serve(h, msg), nil
	}
	return nil, a.response(h, msg)
}

func (a *Agent) setState(s State) {
	if s != a.state {
		log.Debugf("UA: %s -> %s", a.state, s)
	}
	a.state = s
}

func (a *Agent) queue(cmd uint8, body pldm.Body) {
	a.queued = pldm.Encode(pldm.NewRequest(a.iids.Next(), pldm.TypeFWUpdate, cmd), body)
}

// stop ends the update for good.
func (a *Agent) stop(err error) {
	if err != nil {
		log.Warnf("UA: update stopped: %v", err)
	}
	a.err = err
	a.queued = nil
	a.setState(Done)
}

// abort cancels the current component after a failed phase.
func (a *Agent) abort(err error) {
	log.Warnf("UA: %v, cancelling component", err)
	a.err = err
	a.queue(fwupdate.CmdCancelUpdateComponent, nil)
	a.setState(Idle)
}
