// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwupdate

import (
	"fmt"

	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/pldm"
)

// Response bodies carry only their completion code unless it is Success.

// QueryDeviceIdentifiersResponse lists the descriptors of the device.
type QueryDeviceIdentifiersResponse struct {
	Code        pldm.CompletionCode
	Descriptors []pldm.Descriptor
}

// Marshal implements pldm.Body.
func (r *QueryDeviceIdentifiersResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code != pldm.Success {
		return
	}
	var n int
	for _, d := range r.Descriptors {
		n += d.WireLen()
	}
	l.Write32(uint32(n))
	l.Write8(uint8(len(r.Descriptors)))
	for _, d := range r.Descriptors {
		d.Marshal(l)
	}
}

// Unmarshal implements pldm.Body.
func (r *QueryDeviceIdentifiersResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code != pldm.Success {
		return l.Error()
	}
	total := l.Read32()
	count := l.Read8()
	if err := l.Error(); err != nil {
		return err
	}
	r.Descriptors = nil
	var n int
	for i := 0; i < int(count); i++ {
		var d pldm.Descriptor
		if err := d.Unmarshal(l); err != nil {
			return fmt.Errorf("descriptor %d: %w", i, err)
		}
		n += d.WireLen()
		r.Descriptors = append(r.Descriptors, d)
	}
	if uint32(n) != total {
		return fmt.Errorf("descriptors take %d bytes, header says %d", n, total)
	}
	return nil
}

// GetFirmwareParametersResponse carries the component parameter table.
type GetFirmwareParametersResponse struct {
	Code   pldm.CompletionCode
	Params FirmwareParameters
}

// Marshal implements pldm.Body.
func (r *GetFirmwareParametersResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code == pldm.Success {
		r.Params.Marshal(l)
	}
}

// Unmarshal implements pldm.Body.
func (r *GetFirmwareParametersResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code != pldm.Success {
		return l.Error()
	}
	return r.Params.Unmarshal(l)
}

// RequestUpdateRequest puts the device into update mode.
type RequestUpdateRequest struct {
	MaxTransferSize        uint32
	NumComponents          uint16
	MaxOutstandingRequests uint8
	PackageDataLen         uint16
	ImageSetVersion        pldm.FirmwareString
}

// Marshal implements pldm.Body.
func (r *RequestUpdateRequest) Marshal(l *uio.Lexer) {
	l.Write32(r.MaxTransferSize)
	l.Write16(r.NumComponents)
	l.Write8(r.MaxOutstandingRequests)
	l.Write16(r.PackageDataLen)
	r.ImageSetVersion.MarshalHeader(l)
	l.WriteBytes(r.ImageSetVersion.Data)
}

// Unmarshal implements pldm.Body.
func (r *RequestUpdateRequest) Unmarshal(l *uio.Lexer) error {
	r.MaxTransferSize = l.Read32()
	r.NumComponents = l.Read16()
	r.MaxOutstandingRequests = l.Read8()
	r.PackageDataLen = l.Read16()
	r.ImageSetVersion.Type = pldm.StringType(l.Read8())
	r.ImageSetVersion.UnmarshalData(l, l.Read8())
	return l.Error()
}

// Values of RequestUpdateResponse.WillSendPackageData.
const (
	PackageDataNotSent           = 0
	PackageDataSent              = 1
	PackageDataSentWithMaxLength = 2
)

// RequestUpdateResponse answers RequestUpdate.
type RequestUpdateResponse struct {
	Code                pldm.CompletionCode
	MetadataLen         uint16
	WillSendPackageData uint8
	// MaxPackageDataLen is present only with PackageDataSentWithMaxLength.
	MaxPackageDataLen uint32
}

// Marshal implements pldm.Body.
func (r *RequestUpdateResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code != pldm.Success {
		return
	}
	l.Write16(r.MetadataLen)
	l.Write8(r.WillSendPackageData)
	if r.WillSendPackageData == PackageDataSentWithMaxLength {
		l.Write32(r.MaxPackageDataLen)
	}
}

// Unmarshal implements pldm.Body.
func (r *RequestUpdateResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code != pldm.Success {
		return l.Error()
	}
	r.MetadataLen = l.Read16()
	r.WillSendPackageData = l.Read8()
	if r.WillSendPackageData == PackageDataSentWithMaxLength {
		r.MaxPackageDataLen = l.Read32()
	}
	return l.Error()
}

// PassComponentTableRequest passes one entry of the component table.
type PassComponentTableRequest struct {
	Flag      pldm.TransferRespFlag
	Component Component
}

// Marshal implements pldm.Body.
func (r *PassComponentTableRequest) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Flag))
	c := &r.Component
	l.Write16(uint16(c.Classification))
	l.Write16(c.Identifier)
	l.Write8(c.ClassIndex)
	l.Write32(c.ComparisonStamp)
	c.Version.MarshalHeader(l)
	l.WriteBytes(c.Version.Data)
}

// Unmarshal implements pldm.Body.
func (r *PassComponentTableRequest) Unmarshal(l *uio.Lexer) error {
	r.Flag = pldm.TransferRespFlag(l.Read8())
	c := &r.Component
	c.Classification = Classification(l.Read16())
	c.Identifier = l.Read16()
	c.ClassIndex = l.Read8()
	c.ComparisonStamp = l.Read32()
	c.Version.Type = pldm.StringType(l.Read8())
	c.Version.UnmarshalData(l, l.Read8())
	return l.Error()
}

// PassComponentTableResponse tells whether the passed component can be
// updated.
type PassComponentTableResponse struct {
	Code         pldm.CompletionCode
	Response     ComponentResponse
	ResponseCode ComponentResponseCode
}

// Marshal implements pldm.Body.
func (r *PassComponentTableResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code == pldm.Success {
		l.Write8(uint8(r.Response))
		l.Write8(uint8(r.ResponseCode))
	}
}

// Unmarshal implements pldm.Body.
func (r *PassComponentTableResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code == pldm.Success {
		r.Response = ComponentResponse(l.Read8())
		r.ResponseCode = ComponentResponseCode(l.Read8())
	}
	return l.Error()
}

// UpdateComponentRequest starts the transfer of one component.
type UpdateComponentRequest struct {
	Component Component
}

// Marshal implements pldm.Body.
func (r *UpdateComponentRequest) Marshal(l *uio.Lexer) {
	c := &r.Component
	l.Write16(uint16(c.Classification))
	l.Write16(c.Identifier)
	l.Write8(c.ClassIndex)
	l.Write32(c.ComparisonStamp)
	l.Write32(c.ImageSize)
	l.Write32(uint32(c.Options))
	c.Version.MarshalHeader(l)
	l.WriteBytes(c.Version.Data)
}

// Unmarshal implements pldm.Body.
func (r *UpdateComponentRequest) Unmarshal(l *uio.Lexer) error {
	c := &r.Component
	c.Classification = Classification(l.Read16())
	c.Identifier = l.Read16()
	c.ClassIndex = l.Read8()
	c.ComparisonStamp = l.Read32()
	c.ImageSize = l.Read32()
	c.Options = UpdateOptionFlags(l.Read32())
	c.Version.Type = pldm.StringType(l.Read8())
	c.Version.UnmarshalData(l, l.Read8())
	return l.Error()
}

// UpdateComponentResponse answers UpdateComponent.
type UpdateComponentResponse struct {
	Code               pldm.CompletionCode
	Compatibility      CompatibilityResponse
	CompatibilityCode  ComponentResponseCode
	OptionsEnabled     UpdateOptionFlags
	TimeBeforeRequest  uint16
	GetCompOpaqueDelay uint32
}

// Marshal implements pldm.Body.
func (r *UpdateComponentResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code != pldm.Success {
		return
	}
	l.Write8(uint8(r.Compatibility))
	l.Write8(uint8(r.CompatibilityCode))
	l.Write32(uint32(r.OptionsEnabled))
	l.Write16(r.TimeBeforeRequest)
	if r.OptionsEnabled&ComponentOpaqueData != 0 {
		l.Write32(r.GetCompOpaqueDelay)
	}
}

// Unmarshal implements pldm.Body.
func (r *UpdateComponentResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code != pldm.Success {
		return l.Error()
	}
	r.Compatibility = CompatibilityResponse(l.Read8())
	r.CompatibilityCode = ComponentResponseCode(l.Read8())
	r.OptionsEnabled = UpdateOptionFlags(l.Read32())
	r.TimeBeforeRequest = l.Read16()
	if r.OptionsEnabled&ComponentOpaqueData != 0 {
		r.GetCompOpaqueDelay = l.Read32()
	}
	return l.Error()
}

// RequestFirmwareDataRequest asks the update agent for a chunk of the
// component image.
type RequestFirmwareDataRequest struct {
	Offset uint32
	Length uint32
}

// Marshal implements pldm.Body.
func (r *RequestFirmwareDataRequest) Marshal(l *uio.Lexer) {
	l.Write32(r.Offset)
	l.Write32(r.Length)
}

// Unmarshal implements pldm.Body.
func (r *RequestFirmwareDataRequest) Unmarshal(l *uio.Lexer) error {
	r.Offset = l.Read32()
	r.Length = l.Read32()
	return l.Error()
}

// RequestFirmwareDataResponse carries the requested chunk.
type RequestFirmwareDataResponse struct {
	Code pldm.CompletionCode
	Data []byte
}

// Marshal implements pldm.Body.
func (r *RequestFirmwareDataResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code == pldm.Success {
		l.WriteBytes(r.Data)
	}
}

// Unmarshal implements pldm.Body. The data runs to the end of the
// message.
func (r *RequestFirmwareDataResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code == pldm.Success {
		r.Data = l.CopyN(l.Len())
	}
	return l.Error()
}

// TransferCompleteRequest ends the transfer of a component.
type TransferCompleteRequest struct {
	Result TransferResult
}

// Marshal implements pldm.Body.
func (r *TransferCompleteRequest) Marshal(l *uio.Lexer) { l.Write8(uint8(r.Result)) }

// Unmarshal implements pldm.Body.
func (r *TransferCompleteRequest) Unmarshal(l *uio.Lexer) error {
	r.Result = TransferResult(l.Read8())
	return l.Error()
}

// VerifyCompleteRequest ends the verification of a component.
type VerifyCompleteRequest struct {
	Result VerifyResult
}

// Marshal implements pldm.Body.
func (r *VerifyCompleteRequest) Marshal(l *uio.Lexer) { l.Write8(uint8(r.Result)) }

// Unmarshal implements pldm.Body.
func (r *VerifyCompleteRequest) Unmarshal(l *uio.Lexer) error {
	r.Result = VerifyResult(l.Read8())
	return l.Error()
}

// ApplyCompleteRequest ends the apply of a component. ActivationMethods
// replaces the component activation methods when the result is
// ApplySuccessWithActivationMethod.
type ApplyCompleteRequest struct {
	Result            ApplyResult
	ActivationMethods ActivationMethods
}

// Marshal implements pldm.Body.
func (r *ApplyCompleteRequest) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Result))
	l.Write16(uint16(r.ActivationMethods))
}

// Unmarshal implements pldm.Body.
func (r *ApplyCompleteRequest) Unmarshal(l *uio.Lexer) error {
	r.Result = ApplyResult(l.Read8())
	r.ActivationMethods = ActivationMethods(l.Read16())
	return l.Error()
}

// ActivateFirmwareRequest activates the pending images.
type ActivateFirmwareRequest struct {
	SelfContained bool
}

// Marshal implements pldm.Body.
func (r *ActivateFirmwareRequest) Marshal(l *uio.Lexer) {
	var v uint8
	if r.SelfContained {
		v = 1
	}
	l.Write8(v)
}

// Unmarshal implements pldm.Body. Values other than 0 and 1 are
// InvalidData.
func (r *ActivateFirmwareRequest) Unmarshal(l *uio.Lexer) error {
	v := l.Read8()
	if err := l.Error(); err != nil {
		return err
	}
	if v > 1 {
		return pldm.Fail(pldm.InvalidData)
	}
	r.SelfContained = v == 1
	return nil
}

// ActivateFirmwareResponse answers ActivateFirmware.
type ActivateFirmwareResponse struct {
	Code pldm.CompletionCode
	// EstimatedTime is the activation time in seconds.
	EstimatedTime uint16
}

// Marshal implements pldm.Body.
func (r *ActivateFirmwareResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code == pldm.Success {
		l.Write16(r.EstimatedTime)
	}
}

// Unmarshal implements pldm.Body.
func (r *ActivateFirmwareResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code == pldm.Success {
		r.EstimatedTime = l.Read16()
	}
	return l.Error()
}

// GetStatusResponse reports the state of the device.
type GetStatusResponse struct {
	Code           pldm.CompletionCode
	Current        State
	Previous       State
	Aux            AuxState
	AuxStatus      AuxStateStatus
	Progress       uint8
	Reason         ReasonCode
	OptionsEnabled UpdateOptionFlags
}

// Marshal implements pldm.Body.
func (r *GetStatusResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code != pldm.Success {
		return
	}
	l.Write8(uint8(r.Current))
	l.Write8(uint8(r.Previous))
	l.Write8(uint8(r.Aux))
	l.Write8(uint8(r.AuxStatus))
	l.Write8(r.Progress)
	l.Write8(uint8(r.Reason))
	l.Write32(uint32(r.OptionsEnabled))
}

// Unmarshal implements pldm.Body.
func (r *GetStatusResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code != pldm.Success {
		return l.Error()
	}
	r.Current = State(l.Read8())
	r.Previous = State(l.Read8())
	r.Aux = AuxState(l.Read8())
	r.AuxStatus = AuxStateStatus(l.Read8())
	r.Progress = l.Read8()
	r.Reason = ReasonCode(l.Read8())
	r.OptionsEnabled = UpdateOptionFlags(l.Read32())
	return l.Error()
}

// CancelUpdateResponse answers CancelUpdate.
type CancelUpdateResponse struct {
	Code pldm.CompletionCode
	// NonFunctioning is set when some components are left unusable; the
	// bitmap names them by their index in the parameter table.
	NonFunctioning       bool
	NonFunctioningBitmap uint64
}

// Marshal implements pldm.Body.
func (r *CancelUpdateResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code != pldm.Success {
		return
	}
	var v uint8
	if r.NonFunctioning {
		v = 1
	}
	l.Write8(v)
	l.Write64(r.NonFunctioningBitmap)
}

// Unmarshal implements pldm.Body.
func (r *CancelUpdateResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = pldm.CompletionCode(l.Read8())
	if r.Code != pldm.Success {
		return l.Error()
	}
	r.NonFunctioning = l.Read8() != 0
	r.NonFunctioningBitmap = l.Read64()
	return l.Error()
}
