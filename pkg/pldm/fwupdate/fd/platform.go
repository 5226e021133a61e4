// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fd

import (
	"time"

	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

// ComponentOp tells Platform.HandleComponent why a component is presented.
type ComponentOp uint8

// Component operations.
const (
	OpPassComponent ComponentOp = iota
	OpUpdateComponent
)

func (op ComponentOp) String() string {
	if op == OpUpdateComponent {
		return "UpdateComponent"
	}
	return "PassComponent"
}

// Platform is what a firmware device needs from the board it runs on.
// Methods are called with the device lock held and must not call back
// into the Device.
type Platform interface {
	// Descriptors identifies the device.
	Descriptors() ([]pldm.Descriptor, error)
	// FirmwareParameters returns the component parameter table.
	FirmwareParameters() (*fwupdate.FirmwareParameters, error)
	// HandleComponent classifies a component passed in the component
	// table or about to be updated. An update op resets any download
	// progress of the platform.
	HandleComponent(c fwupdate.Component, params *fwupdate.FirmwareParameters, op ComponentOp) (fwupdate.ComponentResponseCode, error)
	// DownloadOffsetAndLength returns the next range of the image to
	// request.
	DownloadOffsetAndLength(c fwupdate.Component) (offset, length uint32, err error)
	// DownloadData stores a chunk received from the update agent.
	DownloadData(offset uint32, data []byte, c fwupdate.Component) (fwupdate.TransferResult, error)
	// DownloadComplete reports whether the whole image was received.
	DownloadComplete(c fwupdate.Component) bool
	// Verify advances verification and reports its progress in percent.
	Verify(c fwupdate.Component) (fwupdate.VerifyResult, uint8, error)
	// Apply advances the apply and reports its progress in percent.
	Apply(c fwupdate.Component) (fwupdate.ApplyResult, uint8, error)
	// Activate activates the pending images and returns a completion
	// code together with the estimated self activation time in seconds.
	Activate(selfContained bool) (pldm.CompletionCode, uint16, error)
	// Now is the device time base used for T1 and T2.
	Now() time.Time
}

// ActivationModifier is implemented by platforms whose apply step can
// change how a component has to be activated. It is consulted when Apply
// reports ApplySuccessWithActivationMethod.
type ActivationModifier interface {
	ModifiedActivation(c fwupdate.Component) fwupdate.ActivationMethods
}
