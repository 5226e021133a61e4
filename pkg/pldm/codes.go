// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pldm

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/camelcase"
)

// CompletionCode is the first byte of every PLDM response body.
type CompletionCode uint8

// Generic completion codes.
const (
	Success            CompletionCode = 0x00
	GenericError       CompletionCode = 0x01
	InvalidData        CompletionCode = 0x02
	InvalidLength      CompletionCode = 0x03
	NotReady           CompletionCode = 0x04
	UnsupportedCommand CompletionCode = 0x05
	InvalidType        CompletionCode = 0x20
)

// Completion codes of the messaging control and discovery commands.
const (
	InvalidDataTransferHandle       CompletionCode = 0x80
	InvalidTransferOperationFlag    CompletionCode = 0x81
	InvalidTypeInRequestData        CompletionCode = 0x83
	InvalidVersionInRequestData     CompletionCode = 0x84
	firstTypeSpecificCompletionCode CompletionCode = 0x80
)

var completionCodeNames = map[CompletionCode]string{
	Success:            "Success",
	GenericError:       "Error",
	InvalidData:        "InvalidData",
	InvalidLength:      "InvalidLength",
	NotReady:           "NotReady",
	UnsupportedCommand: "UnsupportedCommand",
	InvalidType:        "InvalidType",
}

func (c CompletionCode) String() string {
	if name, ok := completionCodeNames[c]; ok {
		return strings.Join(camelcase.Split(name), " ")
	}
	if c >= firstTypeSpecificCompletionCode {
		return fmt.Sprintf("TypeSpecific(0x%02x)", uint8(c))
	}
	return fmt.Sprintf("CompletionCode(0x%02x)", uint8(c))
}

// CommandError carries a failure completion code out of a command handler.
// The dispatcher turns it into a failure response.
type CommandError struct {
	Code CompletionCode
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("PLDM command failed: %s", e.Code)
}

// Fail returns a *CommandError with the given code.
func Fail(code CompletionCode) error {
	return &CommandError{Code: code}
}

// Messaging control and discovery commands.
const (
	CmdSetTID          uint8 = 0x01
	CmdGetTID          uint8 = 0x02
	CmdGetPLDMVersion  uint8 = 0x03
	CmdGetPLDMTypes    uint8 = 0x04
	CmdGetPLDMCommands uint8 = 0x05
)

// TransferOperationFlag selects the part of a multipart transfer to return.
type TransferOperationFlag uint8

// Transfer operation flags.
const (
	GetNextPart  TransferOperationFlag = 0x00
	GetFirstPart TransferOperationFlag = 0x01
)

// TransferRespFlag tells where a part sits in a multipart transfer.
type TransferRespFlag uint8

// Transfer response flags.
const (
	TransferStart       TransferRespFlag = 0x01
	TransferMiddle      TransferRespFlag = 0x02
	TransferEnd         TransferRespFlag = 0x04
	TransferStartAndEnd TransferRespFlag = 0x05
)

// Valid reports whether f is one of the defined flags.
func (f TransferRespFlag) Valid() bool {
	switch f {
	case TransferStart, TransferMiddle, TransferEnd, TransferStartAndEnd:
		return true
	}
	return false
}

// IsEnd reports whether f closes a transfer.
func (f TransferRespFlag) IsEnd() bool {
	return f == TransferEnd || f == TransferStartAndEnd
}

// TIDUnassigned is the terminus id before SetTID.
const TIDUnassigned = 0x00

// Config holds the timing and sizing knobs of the PLDM stack.
type Config struct {
	// MaxMessageSize bounds every encoded response.
	MaxMessageSize int
	// FDMaxTransferSize is the largest RequestFirmwareData chunk the
	// firmware device accepts.
	FDMaxTransferSize uint32
	// UAMaxTransferSize is the largest chunk the update agent advertises.
	UAMaxTransferSize uint32
	// T1 is the firmware device inactivity timeout.
	T1 time.Duration
	// T2 is the request retry interval.
	T2 time.Duration
	// MaxRetries bounds T2 replays of one request.
	MaxRetries int
	// InstanceIDCount is the size of the instance id space.
	InstanceIDCount int
	// UAEID is the MCTP endpoint id of the update agent.
	UAEID uint8
}

// DefaultConfig returns the configuration used by the MCU firmware.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    1024,
		FDMaxTransferSize: 512,
		UAMaxTransferSize: 64,
		T1:                120 * time.Second,
		T2:                5 * time.Second,
		MaxRetries:        3,
		InstanceIDCount:   32,
		UAEID:             8,
	}
}
