// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fwupdate defines the messages and enumerations of PLDM for
// Firmware Update (DSP0267, PLDM type 5) shared by the firmware device and
// the update agent.
package fwupdate

import (
	"fmt"
	"strings"

	"github.com/fatih/camelcase"

	"github.com/linuxboot/mcufw/pkg/pldm"
)

// Firmware update commands.
const (
	CmdQueryDeviceIdentifiers uint8 = 0x01
	CmdGetFirmwareParameters  uint8 = 0x02
	CmdRequestUpdate          uint8 = 0x10
	CmdPassComponentTable     uint8 = 0x13
	CmdUpdateComponent        uint8 = 0x14
	CmdRequestFirmwareData    uint8 = 0x15
	CmdTransferComplete       uint8 = 0x16
	CmdVerifyComplete         uint8 = 0x17
	CmdApplyComplete          uint8 = 0x18
	CmdActivateFirmware       uint8 = 0x1A
	CmdGetStatus              uint8 = 0x1B
	CmdCancelUpdateComponent  uint8 = 0x1C
	CmdCancelUpdate           uint8 = 0x1D
)

var commandNames = map[uint8]string{
	CmdQueryDeviceIdentifiers: "QueryDeviceIdentifiers",
	CmdGetFirmwareParameters:  "GetFirmwareParameters",
	CmdRequestUpdate:          "RequestUpdate",
	CmdPassComponentTable:     "PassComponentTable",
	CmdUpdateComponent:        "UpdateComponent",
	CmdRequestFirmwareData:    "RequestFirmwareData",
	CmdTransferComplete:       "TransferComplete",
	CmdVerifyComplete:         "VerifyComplete",
	CmdApplyComplete:          "ApplyComplete",
	CmdActivateFirmware:       "ActivateFirmware",
	CmdGetStatus:              "GetStatus",
	CmdCancelUpdateComponent:  "CancelUpdateComponent",
	CmdCancelUpdate:           "CancelUpdate",
}

// CommandName returns the name of a firmware update command.
func CommandName(cmd uint8) string {
	if n, ok := commandNames[cmd]; ok {
		return n
	}
	return fmt.Sprintf("Cmd(0x%02x)", cmd)
}

// Commands lists every firmware update command in code order.
func Commands() []uint8 {
	return []uint8{
		CmdQueryDeviceIdentifiers, CmdGetFirmwareParameters, CmdRequestUpdate,
		CmdPassComponentTable, CmdUpdateComponent, CmdRequestFirmwareData,
		CmdTransferComplete, CmdVerifyComplete, CmdApplyComplete,
		CmdActivateFirmware, CmdGetStatus, CmdCancelUpdateComponent, CmdCancelUpdate,
	}
}

// Firmware update completion codes.
const (
	NotInUpdateMode                     pldm.CompletionCode = 0x80
	AlreadyInUpdateMode                 pldm.CompletionCode = 0x81
	DataOutOfRange                      pldm.CompletionCode = 0x82
	InvalidTransferLength               pldm.CompletionCode = 0x83
	InvalidStateForCommand              pldm.CompletionCode = 0x84
	IncompleteUpdate                    pldm.CompletionCode = 0x85
	BusyInBackground                    pldm.CompletionCode = 0x86
	CancelPending                       pldm.CompletionCode = 0x87
	CommandNotExpected                  pldm.CompletionCode = 0x88
	RetryRequestFWData                  pldm.CompletionCode = 0x89
	UnableToInitiateUpdate              pldm.CompletionCode = 0x8A
	ActivationNotRequired               pldm.CompletionCode = 0x8B
	SelfContainedActivationNotPermitted pldm.CompletionCode = 0x8C
	NoDeviceMetadata                    pldm.CompletionCode = 0x8D
	RetryRequestUpdate                  pldm.CompletionCode = 0x8E
	NoPackageData                       pldm.CompletionCode = 0x8F
	InvalidTransferHandle               pldm.CompletionCode = 0x90
	InvalidTransferOperationFlag        pldm.CompletionCode = 0x91
	ActivatePendingImageNotPermitted    pldm.CompletionCode = 0x92
	PackageDataError                    pldm.CompletionCode = 0x93
)

var codeNames = map[pldm.CompletionCode]string{
	NotInUpdateMode:                     "NotInUpdateMode",
	AlreadyInUpdateMode:                 "AlreadyInUpdateMode",
	DataOutOfRange:                      "DataOutOfRange",
	InvalidTransferLength:               "InvalidTransferLength",
	InvalidStateForCommand:              "InvalidStateForCommand",
	IncompleteUpdate:                    "IncompleteUpdate",
	BusyInBackground:                    "BusyInBackground",
	CancelPending:                       "CancelPending",
	CommandNotExpected:                  "CommandNotExpected",
	RetryRequestFWData:                  "RetryRequestFWData",
	UnableToInitiateUpdate:              "UnableToInitiateUpdate",
	ActivationNotRequired:               "ActivationNotRequired",
	SelfContainedActivationNotPermitted: "SelfContainedActivationNotPermitted",
	NoDeviceMetadata:                    "NoDeviceMetadata",
	RetryRequestUpdate:                  "RetryRequestUpdate",
	NoPackageData:                       "NoPackageData",
	InvalidTransferHandle:               "InvalidTransferHandle",
	InvalidTransferOperationFlag:        "InvalidTransferOperationFlag",
	ActivatePendingImageNotPermitted:    "ActivatePendingImageNotPermitted",
	PackageDataError:                    "PackageDataError",
}

// CodeString names a completion code of a firmware update response.
func CodeString(c pldm.CompletionCode) string {
	if n, ok := codeNames[c]; ok {
		return strings.Join(camelcase.Split(n), " ")
	}
	return c.String()
}

// Transfer sizes.
const (
	// BaselineTransferSize is the smallest transfer size an update agent
	// may offer.
	BaselineTransferSize = 32
	// MaxPaddingSize is how far past the image end a device may request.
	MaxPaddingSize = 32
)

// State is the state of a firmware device.
type State uint8

// Firmware device states.
const (
	StateIdle State = iota
	StateLearnComponents
	StateReadyXfer
	StateDownload
	StateVerify
	StateApply
	StateActivate
)

var stateNames = [...]string{"Idle", "LearnComponents", "ReadyXfer", "Download", "Verify", "Apply", "Activate"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// UpdateOptionFlags are the options requested with UpdateComponent.
type UpdateOptionFlags uint32

// Update options.
const (
	RequestForceUpdate      UpdateOptionFlags = 1 << 0
	ComponentOpaqueData     UpdateOptionFlags = 1 << 1
	SecurityRevisionDelayed UpdateOptionFlags = 1 << 2
)

// DeviceCapability describes what the device can do during an update.
type DeviceCapability uint32

// Device capabilities.
const (
	CapComponentUpdateFailureRecovery DeviceCapability = 1 << 0
	CapComponentUpdateFailureRetry    DeviceCapability = 1 << 1
	CapFunctionalityDuringUpdate      DeviceCapability = 1 << 2
	CapPartialUpdates                 DeviceCapability = 1 << 3
	CapUpdateModeRestrictionMask      DeviceCapability = 0xF << 4
	CapSecurityRevisionNotLatest      DeviceCapability = 1 << 8
	CapDowngradeRestricted            DeviceCapability = 1 << 9
)

// ActivationMethods is the set of ways a component can be activated.
type ActivationMethods uint16

// Activation methods.
const (
	ActivationAutomatic              ActivationMethods = 1 << 0
	ActivationSelfContained          ActivationMethods = 1 << 1
	ActivationMediumSpecificReset    ActivationMethods = 1 << 2
	ActivationSystemReboot           ActivationMethods = 1 << 3
	ActivationDCPowerCycle           ActivationMethods = 1 << 4
	ActivationACPowerCycle           ActivationMethods = 1 << 5
	ActivationPendingImage           ActivationMethods = 1 << 6
	ActivationPendingComponentImages ActivationMethods = 1 << 7
)

var activationNames = []string{
	"Automatic",
	"SelfContained",
	"MediumSpecificReset",
	"SystemReboot",
	"DCPowerCycle",
	"ACPowerCycle",
	"PendingImage",
	"PendingComponentImages",
}

func (m ActivationMethods) String() string {
	if m == 0 {
		return "none"
	}
	var names []string
	for i, n := range activationNames {
		if m&(1<<i) != 0 {
			names = append(names, n)
		}
	}
	if rest := m &^ (1<<len(activationNames) - 1); rest != 0 {
		names = append(names, fmt.Sprintf("0x%04x", uint16(rest)))
	}
	return strings.Join(names, "|")
}

// Classification is the component classification.
type Classification uint16

// Component classifications.
const (
	ClassUnspecified           Classification = 0x0000
	ClassOther                 Classification = 0x0001
	ClassDriver                Classification = 0x0002
	ClassConfigurationSoftware Classification = 0x0003
	ClassApplicationSoftware   Classification = 0x0004
	ClassInstrumentation       Classification = 0x0005
	ClassFirmwareOrBIOS        Classification = 0x0006
	ClassDiagnosticSoftware    Classification = 0x0007
	ClassOperatingSystem       Classification = 0x0008
	ClassMiddleware            Classification = 0x0009
	ClassFirmware              Classification = 0x000A
	ClassBIOSOrFCode           Classification = 0x000B
	ClassSupportOrServicePack  Classification = 0x000C
	ClassSoftwareBundle        Classification = 0x000D
	ClassDownstreamDevice      Classification = 0xFFFF
)

// Valid reports whether c is a defined classification.
func (c Classification) Valid() bool {
	return c <= ClassSoftwareBundle || c == ClassDownstreamDevice
}

var classificationNames = map[Classification]string{
	ClassUnspecified:           "Unspecified",
	ClassOther:                 "Other",
	ClassDriver:                "Driver",
	ClassConfigurationSoftware: "Configuration software",
	ClassApplicationSoftware:   "Application software",
	ClassInstrumentation:       "Instrumentation",
	ClassFirmwareOrBIOS:        "Firmware/BIOS",
	ClassDiagnosticSoftware:    "Diagnostic software",
	ClassOperatingSystem:       "Operating system",
	ClassMiddleware:            "Middleware",
	ClassFirmware:              "Firmware",
	ClassBIOSOrFCode:           "BIOS/FCode",
	ClassSupportOrServicePack:  "Support/service pack",
	ClassSoftwareBundle:        "Software bundle",
	ClassDownstreamDevice:      "Downstream device",
}

func (c Classification) String() string {
	if n, ok := classificationNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Classification(0x%04x)", uint16(c))
}

// ComponentResponse tells whether a passed component can be updated.
type ComponentResponse uint8

// Component responses.
const (
	ComponentCanBeUpdated    ComponentResponse = 0
	ComponentCannotBeUpdated ComponentResponse = 1
)

// ComponentResponseCode details a ComponentResponse. The same values are
// used for the compatibility response code of UpdateComponent, where 0x09
// means that the component information did not match.
type ComponentResponseCode uint8

// Component response codes.
const (
	CompCanBeUpdated                     ComponentResponseCode = 0x00
	CompComparisonStampIdentical         ComponentResponseCode = 0x01
	CompComparisonStampLower             ComponentResponseCode = 0x02
	InvalidCompComparisonStamp           ComponentResponseCode = 0x03
	CompConflict                         ComponentResponseCode = 0x04
	CompPrerequisitesNotMet              ComponentResponseCode = 0x05
	CompNotSupported                     ComponentResponseCode = 0x06
	CompSecurityRestrictions             ComponentResponseCode = 0x07
	IncompleteCompImageSet               ComponentResponseCode = 0x08
	ActiveImageNotUpdateableSubsequently ComponentResponseCode = 0x09
	CompVerStrIdentical                  ComponentResponseCode = 0x0A
	CompVerStrLower                      ComponentResponseCode = 0x0B
)

// Valid reports whether c is a defined or vendor defined code.
func (c ComponentResponseCode) Valid() bool {
	return c <= CompVerStrLower || (c >= 0xD0 && c <= 0xEF)
}

// CompatibilityResponse is the answer to UpdateComponent.
type CompatibilityResponse uint8

// Compatibility responses.
const (
	CanBeUpdated    CompatibilityResponse = 0
	CannotBeUpdated CompatibilityResponse = 1
)

// TransferResult reports the end of a component download.
type TransferResult uint8

// Transfer results.
const (
	TransferSuccess                      TransferResult = 0x00
	TransferErrorImageCorrupt            TransferResult = 0x01
	TransferErrorVersionMismatch         TransferResult = 0x02
	TransferAborted                      TransferResult = 0x03
	TransferAbortedLowPowerState         TransferResult = 0x0B
	TransferAbortedResetNeeded           TransferResult = 0x0C
	TransferAbortedStorageIssue          TransferResult = 0x0D
	TransferAbortedInvalidOpaqueData     TransferResult = 0x0E
	TransferAbortedDownstreamDeviceIssue TransferResult = 0x0F
	TransferAbortedSecurityRevisionError TransferResult = 0x10
)

const transferVendorFirst, transferVendorLast TransferResult = 0x70, 0x8F

// Valid reports whether r is a defined or vendor defined result.
func (r TransferResult) Valid() bool {
	return r <= TransferErrorVersionMismatch || r == TransferAborted ||
		(r >= TransferAbortedLowPowerState && r <= TransferAbortedSecurityRevisionError) ||
		(r >= transferVendorFirst && r <= transferVendorLast)
}

// VerifyResult reports the end of a component verification.
type VerifyResult uint8

// Verify results.
const (
	VerifySuccess                  VerifyResult = 0x00
	VerifyErrorVerificationFailure VerifyResult = 0x01
	VerifyErrorVersionMismatch     VerifyResult = 0x02
	VerifyFailedSecurityChecks     VerifyResult = 0x03
	VerifyErrorImageIncomplete     VerifyResult = 0x04
	VerifyTimeout                  VerifyResult = 0x09
	VerifyGenericError             VerifyResult = 0x0A
)

// Valid reports whether r is a defined or vendor defined result.
func (r VerifyResult) Valid() bool {
	return r <= VerifyErrorImageIncomplete || r == VerifyTimeout || r == VerifyGenericError ||
		(r >= 0x90 && r <= 0xAF)
}

// ApplyResult reports the end of a component apply.
type ApplyResult uint8

// Apply results.
const (
	ApplySuccess                     ApplyResult = 0x00
	ApplySuccessWithActivationMethod ApplyResult = 0x01
	ApplyFailureMemoryIssue          ApplyResult = 0x02
)

// Valid reports whether r is a defined or vendor defined result.
func (r ApplyResult) Valid() bool {
	return r <= ApplyFailureMemoryIssue || (r >= 0xB0 && r <= 0xCF)
}

// Succeeded reports whether the apply succeeded.
func (r ApplyResult) Succeeded() bool {
	return r == ApplySuccess || r == ApplySuccessWithActivationMethod
}

// AuxState refines the state reported by GetStatus.
type AuxState uint8

// Auxiliary states.
const (
	AuxOperationInProgress AuxState = 0
	AuxOperationSuccessful AuxState = 1
	AuxOperationFailed     AuxState = 2
	AuxIdleLearnReadyXfer  AuxState = 3
)

// AuxStateStatus carries the error of a failed operation.
type AuxStateStatus uint8

// Auxiliary state statuses.
const (
	AuxStatusInProgressOrSuccess AuxStateStatus = 0x00
	AuxStatusTimeout             AuxStateStatus = 0x09
	AuxStatusGenericError        AuxStateStatus = 0x0A
)

// ReasonCode tells why the device last entered Idle.
type ReasonCode uint8

// Reason codes.
const (
	ReasonInitialization        ReasonCode = 0
	ReasonActivateFW            ReasonCode = 1
	ReasonCancelUpdate          ReasonCode = 2
	ReasonLearnComponentTimeout ReasonCode = 3
	ReasonReadyXferTimeout      ReasonCode = 4
	ReasonDownloadTimeout       ReasonCode = 5
	ReasonVerifyTimeout         ReasonCode = 6
	ReasonApplyTimeout          ReasonCode = 7
)

// TimeoutReason returns the reason code recorded when T1 expires in s.
func TimeoutReason(s State) ReasonCode {
	switch s {
	case StateLearnComponents:
		return ReasonLearnComponentTimeout
	case StateReadyXfer:
		return ReasonReadyXferTimeout
	case StateDownload:
		return ReasonDownloadTimeout
	case StateVerify:
		return ReasonVerifyTimeout
	case StateApply:
		return ReasonApplyTimeout
	}
	return ReasonActivateFW
}

// ProgressNotSupported is the progress value of operations that do not
// report progress.
const ProgressNotSupported = 101
