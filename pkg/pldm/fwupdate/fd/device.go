// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fd implements the firmware device side of PLDM firmware update.
//
// A Device answers the update agent's commands through Handle and, while a
// component is in Download, Verify or Apply, produces its own requests
// (RequestFirmwareData and the Complete commands) through Progress. Replies
// to those requests come back through HandleResponse.
package fd

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

// Errors of the initiator side.
var (
	ErrUnexpectedResponse = errors.New("response does not match the outstanding request")
	ErrChunkRange         = errors.New("download range outside the component image")
)

// ReqState is the state of the device's own outstanding request.
type ReqState uint8

// Request states.
const (
	ReqUnused ReqState = iota
	ReqReady
	ReqSent
	// ReqFailed parks the device until the update agent cancels.
	ReqFailed
)

func (s ReqState) String() string {
	switch s {
	case ReqUnused:
		return "Unused"
	case ReqReady:
		return "Ready"
	case ReqSent:
		return "Sent"
	case ReqFailed:
		return "Failed"
	}
	return fmt.Sprintf("ReqState(%d)", uint8(s))
}

type request struct {
	state    ReqState
	complete bool
	// result of the Transfer, Verify or Apply phase once complete.
	result  uint8
	iid     uint8
	cmd     uint8
	msg     []byte
	sentAt  time.Time
	retryIn time.Duration
	retries backoff.BackOff
	// range of an outstanding RequestFirmwareData.
	offset uint32
	length uint32
}

// Device is a PLDM firmware device.
type Device struct {
	mu   sync.Mutex
	cfg  pldm.Config
	ops  Platform
	iids *pldm.InstanceIDs

	state    fwupdate.State
	prev     fwupdate.State
	reason   fwupdate.ReasonCode
	t1       time.Time
	xferSize uint32

	component fwupdate.Component
	req       request
	progress  uint8
}

// New returns an idle firmware device.
func New(cfg pldm.Config, ops Platform) *Device {
	return &Device{
		cfg:    cfg,
		ops:    ops,
		iids:   pldm.NewInstanceIDs(cfg.InstanceIDCount),
		reason: fwupdate.ReasonInitialization,
	}
}

// State returns the current state.
func (d *Device) State() fwupdate.State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Request returns the state of the device's own outstanding request.
func (d *Device) Request() ReqState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.req.state
}

// Reason returns why the device last went idle.
func (d *Device) Reason() fwupdate.ReasonCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

// TransferSize returns the negotiated RequestFirmwareData chunk size.
func (d *Device) TransferSize() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.xferSize
}

// Component returns the component being updated.
func (d *Device) Component() fwupdate.Component {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.component
}

func (d *Device) setState(s fwupdate.State) {
	if s == d.state {
		return
	}
	log.Debugf("FD: %s -> %s", d.state, s)
	d.prev = d.state
	d.state = s
}

func (d *Device) setIdle(reason fwupdate.ReasonCode) {
	d.setState(fwupdate.StateIdle)
	d.reason = reason
	d.req = request{}
	d.progress = 0
}

// initiator reports whether the device pulls data in the current state.
func (d *Device) initiator() bool {
	switch d.state {
	case fwupdate.StateDownload, fwupdate.StateVerify, fwupdate.StateApply:
		return true
	}
	return false
}

// CheckTimeout drops the device back to Idle once no valid message was
// seen for T1. It reports whether that happened.
func (d *Device) CheckTimeout() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == fwupdate.StateIdle || d.cfg.T1 <= 0 {
		return false
	}
	if d.ops.Now().Sub(d.t1) < d.cfg.T1 {
		return false
	}
	log.Warnf("FD: T1 expired in %s", d.state)
	d.setIdle(fwupdate.TimeoutReason(d.state))
	return true
}

// Handle answers a firmware update request. It implements pldm.Handler.
func (d *Device) Handle(h pldm.Header, payload []byte) (pldm.Body, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	body, err := d.handle(h.Command, payload)
	if err == nil && d.state != fwupdate.StateIdle {
		d.t1 = d.ops.Now()
	}
	return body, err
}

func (d *Device) handle(cmd uint8, payload []byte) (pldm.Body, error) {
	switch cmd {
	case fwupdate.CmdQueryDeviceIdentifiers:
		return d.queryDeviceIdentifiers(payload)
	case fwupdate.CmdGetFirmwareParameters:
		return d.getFirmwareParameters(payload)
	case fwupdate.CmdRequestUpdate:
		return d.requestUpdate(payload)
	case fwupdate.CmdPassComponentTable:
		return d.passComponentTable(payload)
	case fwupdate.CmdUpdateComponent:
		return d.updateComponent(payload)
	case fwupdate.CmdActivateFirmware:
		return d.activateFirmware(payload)
	case fwupdate.CmdGetStatus:
		return d.getStatus(payload)
	case fwupdate.CmdCancelUpdateComponent:
		return d.cancelUpdateComponent(payload)
	case fwupdate.CmdCancelUpdate:
		return d.cancelUpdate(payload)
	case fwupdate.CmdRequestFirmwareData, fwupdate.CmdTransferComplete,
		fwupdate.CmdVerifyComplete, fwupdate.CmdApplyComplete:
		// Only the device sends these.
		return nil, pldm.Fail(fwupdate.CommandNotExpected)
	}
	return nil, pldm.Fail(pldm.UnsupportedCommand)
}

func (d *Device) queryDeviceIdentifiers(payload []byte) (pldm.Body, error) {
	if err := pldm.DecodeRequest(payload, pldm.Empty{}); err != nil {
		return nil, err
	}
	descs, err := d.ops.Descriptors()
	if err != nil {
		return nil, fmt.Errorf("device identifiers: %w", err)
	}
	return &fwupdate.QueryDeviceIdentifiersResponse{Code: pldm.Success, Descriptors: descs}, nil
}

func (d *Device) getFirmwareParameters(payload []byte) (pldm.Body, error) {
	if err := pldm.DecodeRequest(payload, pldm.Empty{}); err != nil {
		return nil, err
	}
	params, err := d.ops.FirmwareParameters()
	if err != nil {
		return nil, fmt.Errorf("firmware parameters: %w", err)
	}
	return &fwupdate.GetFirmwareParametersResponse{Code: pldm.Success, Params: *params}, nil
}

func (d *Device) requestUpdate(payload []byte) (pldm.Body, error) {
	var req fwupdate.RequestUpdateRequest
	if err := pldm.DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	if d.state != fwupdate.StateIdle {
		return nil, pldm.Fail(fwupdate.AlreadyInUpdateMode)
	}
	if req.MaxTransferSize < fwupdate.BaselineTransferSize {
		return nil, pldm.Fail(fwupdate.InvalidTransferLength)
	}
	d.xferSize = req.MaxTransferSize
	if d.cfg.FDMaxTransferSize > 0 && d.xferSize > d.cfg.FDMaxTransferSize {
		d.xferSize = d.cfg.FDMaxTransferSize
	}
	d.component = fwupdate.Component{}
	d.req = request{}
	d.setState(fwupdate.StateLearnComponents)
	log.Infof("FD: update mode, %d components, transfer size %d", req.NumComponents, d.xferSize)
	return &fwupdate.RequestUpdateResponse{
		Code:                pldm.Success,
		WillSendPackageData: fwupdate.PackageDataNotSent,
	}, nil
}

func (d *Device) passComponentTable(payload []byte) (pldm.Body, error) {
	var req fwupdate.PassComponentTableRequest
	if err := pldm.DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	if d.state != fwupdate.StateLearnComponents {
		return nil, pldm.Fail(fwupdate.InvalidStateForCommand)
	}
	if !req.Flag.Valid() {
		return nil, pldm.Fail(pldm.InvalidData)
	}
	params, err := d.ops.FirmwareParameters()
	if err != nil {
		return nil, fmt.Errorf("firmware parameters: %w", err)
	}
	code, err := d.ops.HandleComponent(req.Component, params, OpPassComponent)
	if err != nil {
		return nil, fmt.Errorf("pass %s: %w", req.Component, err)
	}
	resp := &fwupdate.PassComponentTableResponse{
		Code:         pldm.Success,
		Response:     fwupdate.ComponentCannotBeUpdated,
		ResponseCode: code,
	}
	if code == fwupdate.CompCanBeUpdated {
		resp.Response = fwupdate.ComponentCanBeUpdated
	}
	if req.Flag.IsEnd() {
		d.setState(fwupdate.StateReadyXfer)
	}
	return resp, nil
}

func (d *Device) updateComponent(payload []byte) (pldm.Body, error) {
	var req fwupdate.UpdateComponentRequest
	if err := pldm.DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	if d.state != fwupdate.StateReadyXfer {
		return nil, pldm.Fail(fwupdate.InvalidStateForCommand)
	}
	params, err := d.ops.FirmwareParameters()
	if err != nil {
		return nil, fmt.Errorf("firmware parameters: %w", err)
	}
	code, err := d.ops.HandleComponent(req.Component, params, OpUpdateComponent)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", req.Component, err)
	}
	resp := &fwupdate.UpdateComponentResponse{
		Code:              pldm.Success,
		Compatibility:     fwupdate.CannotBeUpdated,
		CompatibilityCode: code,
		OptionsEnabled:    req.Component.Options &^ fwupdate.ComponentOpaqueData,
	}
	if code != fwupdate.CompCanBeUpdated {
		return resp, nil
	}
	resp.Compatibility = fwupdate.CanBeUpdated
	d.component = req.Component
	d.progress = 0
	d.req = request{state: ReqReady}
	d.setState(fwupdate.StateDownload)
	log.Infof("FD: downloading %s, %d bytes", d.component, d.component.ImageSize)
	return resp, nil
}

func (d *Device) activateFirmware(payload []byte) (pldm.Body, error) {
	var req fwupdate.ActivateFirmwareRequest
	if err := pldm.DecodeRequest(payload, &req); err != nil {
		return nil, err
	}
	if d.state != fwupdate.StateReadyXfer {
		return nil, pldm.Fail(fwupdate.InvalidStateForCommand)
	}
	code, est, err := d.ops.Activate(req.SelfContained)
	if err != nil {
		return nil, fmt.Errorf("activate: %w", err)
	}
	if code == pldm.Success || code == fwupdate.ActivationNotRequired {
		d.setState(fwupdate.StateActivate)
		d.setIdle(fwupdate.ReasonActivateFW)
	}
	return &fwupdate.ActivateFirmwareResponse{Code: code, EstimatedTime: est}, nil
}

func (d *Device) getStatus(payload []byte) (pldm.Body, error) {
	if err := pldm.DecodeRequest(payload, pldm.Empty{}); err != nil {
		return nil, err
	}
	resp := &fwupdate.GetStatusResponse{
		Code:      pldm.Success,
		Current:   d.state,
		Previous:  d.prev,
		Aux:       fwupdate.AuxIdleLearnReadyXfer,
		AuxStatus: fwupdate.AuxStatusInProgressOrSuccess,
		Progress:  fwupdate.ProgressNotSupported,
		Reason:    d.reason,
	}
	switch d.state {
	case fwupdate.StateIdle:
		if d.prev == fwupdate.StateActivate {
			resp.Aux = fwupdate.AuxOperationSuccessful
			resp.Progress = 100
		}
	case fwupdate.StateDownload, fwupdate.StateVerify, fwupdate.StateApply:
		resp.OptionsEnabled = d.component.Options &^ fwupdate.ComponentOpaqueData
		switch {
		case d.req.state == ReqFailed:
			resp.Aux = fwupdate.AuxOperationFailed
			resp.AuxStatus = fwupdate.AuxStatusGenericError
		case d.req.complete:
			resp.Aux = fwupdate.AuxOperationSuccessful
		default:
			resp.Aux = fwupdate.AuxOperationInProgress
		}
		if d.state != fwupdate.StateDownload {
			resp.Progress = d.progress
		}
	case fwupdate.StateActivate:
		resp.Aux = fwupdate.AuxOperationInProgress
	}
	return resp, nil
}

func (d *Device) cancelUpdateComponent(payload []byte) (pldm.Body, error) {
	if err := pldm.DecodeRequest(payload, pldm.Empty{}); err != nil {
		return nil, err
	}
	switch d.state {
	case fwupdate.StateIdle:
		return nil, pldm.Fail(fwupdate.NotInUpdateMode)
	case fwupdate.StateDownload, fwupdate.StateVerify, fwupdate.StateApply:
	default:
		return nil, pldm.Fail(fwupdate.InvalidStateForCommand)
	}
	log.Infof("FD: %s cancelled in %s", d.component, d.state)
	d.req = request{}
	d.progress = 0
	d.setState(fwupdate.StateReadyXfer)
	return &pldm.Status{Code: pldm.Success}, nil
}

func (d *Device) cancelUpdate(payload []byte) (pldm.Body, error) {
	if err := pldm.DecodeRequest(payload, pldm.Empty{}); err != nil {
		return nil, err
	}
	if d.state == fwupdate.StateIdle {
		return nil, pldm.Fail(fwupdate.NotInUpdateMode)
	}
	log.Infof("FD: update cancelled in %s", d.state)
	d.setIdle(fwupdate.ReasonCancelUpdate)
	return &fwupdate.CancelUpdateResponse{Code: pldm.Success}, nil
}
