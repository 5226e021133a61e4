// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ua

import (
	"fmt"
	"slices"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

// response pairs a response with the outstanding request and runs the
// transition it triggers.
func (a *Agent) response(h pldm.Header, msg []byte) error {
	out := a.outstanding
	if out == nil || h.Type != out.Type || h.InstanceID != out.InstanceID || h.Command != out.Command {
		log.Warnf("UA: dropping %s", h)
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, h)
	}
	a.outstanding = nil

	switch h.Command {
	case fwupdate.CmdQueryDeviceIdentifiers:
		var resp fwupdate.QueryDeviceIdentifiersResponse
		if err := a.decode(msg, &resp); err != nil {
			return err
		}
		a.queryDeviceIdentifiers(&resp)
	case fwupdate.CmdGetFirmwareParameters:
		var resp fwupdate.GetFirmwareParametersResponse
		if err := a.decode(msg, &resp); err != nil {
			return err
		}
		a.firmwareParameters(&resp)
	case fwupdate.CmdRequestUpdate:
		var resp fwupdate.RequestUpdateResponse
		if err := a.decode(msg, &resp); err != nil {
			return err
		}
		a.requestUpdate(&resp)
	case fwupdate.CmdPassComponentTable:
		var resp fwupdate.PassComponentTableResponse
		if err := a.decode(msg, &resp); err != nil {
			return err
		}
		a.passComponent(&resp)
	case fwupdate.CmdUpdateComponent:
		var resp fwupdate.UpdateComponentResponse
		if err := a.decode(msg, &resp); err != nil {
			return err
		}
		a.updateComponent(&resp)
	case fwupdate.CmdActivateFirmware:
		var resp fwupdate.ActivateFirmwareResponse
		if err := a.decode(msg, &resp); err != nil {
			return err
		}
		a.activateFirmware(&resp)
	case fwupdate.CmdGetStatus:
		var resp fwupdate.GetStatusResponse
		if err := a.decode(msg, &resp); err != nil {
			return err
		}
		a.status(&resp)
	case fwupdate.CmdCancelUpdateComponent, fwupdate.CmdCancelUpdate:
		// The agent already left the update; the answer only closes the
		// exchange.
		code, err := pldm.ResponseCode(msg)
		if err != nil {
			return err
		}
		log.Infof("UA: %s answered %s", fwupdate.CommandName(h.Command), fwupdate.CodeString(code))
	}
	return nil
}

// decode parses a response. A malformed response stops the update.
func (a *Agent) decode(msg []byte, body pldm.Body) error {
	if _, err := pldm.Decode(msg, body); err != nil {
		a.stop(err)
		return err
	}
	return nil
}

func (a *Agent) failed(cmd uint8, code pldm.CompletionCode) bool {
	if code == pldm.Success {
		return false
	}
	a.stop(fmt.Errorf("%w: %s answered %s", ErrStopped, fwupdate.CommandName(cmd), fwupdate.CodeString(code)))
	return true
}

func (a *Agent) queryDeviceIdentifiers(resp *fwupdate.QueryDeviceIdentifiersResponse) {
	if a.failed(fwupdate.CmdQueryDeviceIdentifiers, resp.Code) {
		return
	}
	a.setState(ReceivedQueryDeviceIdentifiers)
	rec, ok := a.pkg.MatchDevice(resp.Descriptors)
	if !ok {
		a.stop(fmt.Errorf("%w: %v", ErrNoMatchingRecord, resp.Descriptors))
		return
	}
	a.record = rec
	a.queue(fwupdate.CmdGetFirmwareParameters, nil)
	a.setState(GetFirmwareParametersSent)
}

// firmwareParameters selects the components to update: the package image
// must match a device component, be applicable to the device record and
// carry a newer comparison stamp than the active image.
func (a *Agent) firmwareParameters(resp *fwupdate.GetFirmwareParametersResponse) {
	if a.failed(fwupdate.CmdGetFirmwareParameters, resp.Code) {
		return
	}
	a.setState(ReceivedFirmwareParameters)
	applicable := a.record.Applicable()
	for _, dev := range resp.Params.Components {
		idx := slices.IndexFunc(a.pkg.Components, func(img fwpkg.ComponentImage) bool {
			return img.Classification == dev.Classification && img.Identifier == dev.Identifier
		})
		if idx < 0 {
			continue
		}
		img := &a.pkg.Components[idx]
		if !slices.Contains(applicable, idx) {
			log.Infof("UA: component 0x%04x is not applicable", img.Identifier)
			continue
		}
		if img.ComparisonStamp <= dev.Active.ComparisonStamp {
			log.Infof("UA: component 0x%04x is up to date (0x%08x <= 0x%08x)", img.Identifier, img.ComparisonStamp, dev.Active.ComparisonStamp)
			continue
		}
		a.components = append(a.components, &ComponentStatus{
			Index:      idx,
			Image:      img,
			ClassIndex: dev.ClassIndex,
			Activation: img.RequestedActivation,
		})
	}
	if len(a.components) == 0 {
		a.stop(ErrNothingToUpdate)
		return
	}
	a.queue(fwupdate.CmdRequestUpdate, &fwupdate.RequestUpdateRequest{
		MaxTransferSize:        a.cfg.UAMaxTransferSize,
		NumComponents:          uint16(len(a.components)),
		MaxOutstandingRequests: MaxOutstandingRequests,
		ImageSetVersion:        a.record.ImageSetVersion,
	})
	a.setState(RequestUpdateSent)
}

func (a *Agent) requestUpdate(resp *fwupdate.RequestUpdateResponse) {
	if a.failed(fwupdate.CmdRequestUpdate, resp.Code) {
		return
	}
	a.setState(LearnComponents)
	a.passNext()
}

// passNext sends the next entry of the component table.
func (a *Agent) passNext() {
	n := len(a.components)
	var flag pldm.TransferRespFlag
	switch {
	case n == 1:
		flag = pldm.TransferStartAndEnd
	case a.passed == 0:
		flag = pldm.TransferStart
	case a.passed == n-1:
		flag = pldm.TransferEnd
	default:
		flag = pldm.TransferMiddle
	}
	a.queue(fwupdate.CmdPassComponentTable, &fwupdate.PassComponentTableRequest{
		Flag:      flag,
		Component: a.components[a.passed].Component(),
	})
}

func (a *Agent) passComponent(resp *fwupdate.PassComponentTableResponse) {
	if a.failed(fwupdate.CmdPassComponentTable, resp.Code) {
		return
	}
	a.components[a.passed].Response = resp.ResponseCode
	a.passed++
	if a.passed < len(a.components) {
		a.passNext()
		return
	}
	a.setState(ReadyXfer)
	a.nextComponent()
}

// nextComponent starts the next component the device accepted, or
// activates once none is left.
func (a *Agent) nextComponent() {
	for i, c := range a.components {
		if !c.Updated && c.Response == fwupdate.CompCanBeUpdated {
			a.current = i
			a.queue(fwupdate.CmdUpdateComponent, &fwupdate.UpdateComponentRequest{Component: c.Component()})
			a.setState(ReadyXfer)
			return
		}
	}
	a.current = -1
	updated := false
	for _, c := range a.components {
		if c.Updated {
			updated = true
			a.selfContained = a.selfContained || c.Activation&fwupdate.ActivationSelfContained != 0
		}
	}
	if !updated {
		a.stop(ErrNothingToUpdate)
		return
	}
	a.queue(fwupdate.CmdActivateFirmware, &fwupdate.ActivateFirmwareRequest{SelfContained: a.selfContained})
	a.setState(Activate)
}

func (a *Agent) updateComponent(resp *fwupdate.UpdateComponentResponse) {
	c := a.components[a.current]
	if resp.Code != pldm.Success || resp.Compatibility != fwupdate.CanBeUpdated {
		log.Warnf("UA: component 0x%04x refused: %s/%d", c.Image.Identifier, fwupdate.CodeString(resp.Code), resp.CompatibilityCode)
		c.Response = fwupdate.CompNotSupported
		a.nextComponent()
		return
	}
	a.setState(Download)
}

func (a *Agent) activateFirmware(resp *fwupdate.ActivateFirmwareResponse) {
	if a.failed(fwupdate.CmdActivateFirmware, resp.Code) {
		return
	}
	if !a.selfContained {
		a.stop(nil)
		return
	}
	log.Infof("UA: self contained activation, estimated %ds", resp.EstimatedTime)
	a.poll()
}

func (a *Agent) poll() {
	a.polls++
	a.queue(fwupdate.CmdGetStatus, nil)
}

func (a *Agent) status(resp *fwupdate.GetStatusResponse) {
	if a.failed(fwupdate.CmdGetStatus, resp.Code) {
		return
	}
	if resp.Progress == 100 || resp.Current == fwupdate.StateIdle {
		a.stop(nil)
		return
	}
	a.poll()
}
