// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ua

import (
	"errors"
	"fmt"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

// serve answers a request initiated by the firmware device.
func (a *Agent) serve(h pldm.Header, msg []byte) []byte {
	if h.Type != pldm.TypeFWUpdate {
		return pldm.FailureResponse(h, pldm.InvalidType)
	}
	var (
		resp pldm.Body
		err  error
	)
	switch h.Command {
	case fwupdate.CmdRequestFirmwareData:
		resp, err = a.firmwareData(msg)
	case fwupdate.CmdTransferComplete:
		err = a.transferComplete(msg)
	case fwupdate.CmdVerifyComplete:
		err = a.verifyComplete(msg)
	case fwupdate.CmdApplyComplete:
		err = a.applyComplete(msg)
	default:
		err = pldm.Fail(pldm.UnsupportedCommand)
	}
	if err != nil {
		code := pldm.GenericError
		var ce *pldm.CommandError
		if errors.As(err, &ce) {
			code = ce.Code
		} else {
			log.Warnf("UA: %s: %v", fwupdate.CommandName(h.Command), err)
		}
		return pldm.FailureResponse(h, code)
	}
	if resp == nil {
		resp = &pldm.Status{Code: pldm.Success}
	}
	return pldm.Encode(h.Reply(), resp)
}

func (a *Agent) expect(s State) error {
	if a.state != s || a.current < 0 {
		return pldm.Fail(fwupdate.CommandNotExpected)
	}
	return nil
}

// firmwareData serves a chunk of the current image. Reads past the end of
// the image are padded with zeros up to the padding limit.
func (a *Agent) firmwareData(msg []byte) (pldm.Body, error) {
	var req fwupdate.RequestFirmwareDataRequest
	if _, err := pldm.Decode(msg, &req); err != nil {
		return nil, pldm.Fail(pldm.InvalidLength)
	}
	if err := a.expect(Download); err != nil {
		return nil, err
	}
	if req.Length == 0 || req.Length > a.cfg.UAMaxTransferSize {
		return nil, pldm.Fail(fwupdate.InvalidTransferLength)
	}
	img := a.components[a.current].Image.Data
	end := uint64(req.Offset) + uint64(req.Length)
	if uint64(req.Offset) >= uint64(len(img)) || end > uint64(len(img))+fwupdate.MaxPaddingSize {
		return nil, pldm.Fail(fwupdate.DataOutOfRange)
	}
	data := make([]byte, req.Length)
	copy(data, img[req.Offset:])
	return &fwupdate.RequestFirmwareDataResponse{Code: pldm.Success, Data: data}, nil
}

func (a *Agent) transferComplete(msg []byte) error {
	var req fwupdate.TransferCompleteRequest
	if _, err := pldm.Decode(msg, &req); err != nil {
		return pldm.Fail(pldm.InvalidLength)
	}
	if err := a.expect(Download); err != nil {
		return err
	}
	if req.Result != fwupdate.TransferSuccess {
		a.abort(fmt.Errorf("transfer of component 0x%04x failed: %d", a.components[a.current].Image.Identifier, req.Result))
		return nil
	}
	a.setState(Verify)
	return nil
}

func (a *Agent) verifyComplete(msg []byte) error {
	var req fwupdate.VerifyCompleteRequest
	if _, err := pldm.Decode(msg, &req); err != nil {
		return pldm.Fail(pldm.InvalidLength)
	}
	if err := a.expect(Verify); err != nil {
		return err
	}
	if req.Result != fwupdate.VerifySuccess {
		a.abort(fmt.Errorf("verify of component 0x%04x failed: %d", a.components[a.current].Image.Identifier, req.Result))
		return nil
	}
	a.setState(Apply)
	return nil
}

func (a *Agent) applyComplete(msg []byte) error {
	var req fwupdate.ApplyCompleteRequest
	if _, err := pldm.Decode(msg, &req); err != nil {
		return pldm.Fail(pldm.InvalidLength)
	}
	if err := a.expect(Apply); err != nil {
		return err
	}
	c := a.components[a.current]
	if !req.Result.Succeeded() {
		a.abort(fmt.Errorf("apply of component 0x%04x failed: %d", c.Image.Identifier, req.Result))
		return nil
	}
	if req.Result == fwupdate.ApplySuccessWithActivationMethod {
		log.Infof("UA: component 0x%04x activation changed %s -> %s", c.Image.Identifier, c.Activation, req.ActivationMethods)
		c.Activation = req.ActivationMethods
	}
	c.Updated = true
	a.nextComponent()
	return nil
}
