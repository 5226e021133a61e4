// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mctp

import (
	"errors"
	"fmt"

	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/log"
)

// ControlHeaderLen is the size of the control message header that follows
// the message type byte.
const ControlHeaderLen = 2

// Control commands.
const (
	CmdSetEID                = 0x01
	CmdGetEID                = 0x02
	CmdGetEndpointUUID       = 0x03
	CmdGetVersionSupport     = 0x04
	CmdGetMessageTypeSupport = 0x05
)

// CompletionCode is the first byte of a control response.
type CompletionCode uint8

// Control completion codes.
const (
	Success               CompletionCode = 0x00
	Error                 CompletionCode = 0x01
	ErrorInvalidData      CompletionCode = 0x02
	ErrorInvalidLength    CompletionCode = 0x03
	ErrorNotReady         CompletionCode = 0x04
	ErrorUnsupportedCmd   CompletionCode = 0x05
	MessageTypeNotSupport CompletionCode = 0x80
)

// SetEID operations.
const (
	SetEIDSet          = 0
	SetEIDForce        = 1
	SetEIDReset        = 2
	SetEIDSetDiscovery = 3
)

// Assignment status reported by SetEID.
const (
	EIDAccepted = 0
	EIDRejected = 1
)

// BaseSpec is the type number GetVersionSupport uses for the base
// specification.
const BaseSpec = 0xFF

// Version is an MCTP version entry: major, minor, update and alpha bytes,
// BCD encoded with the F nibble marking a present field.
type Version [4]byte

// Versions reported by GetVersionSupport.
var (
	Version131 = Version{0xF1, 0xF3, 0xF1, 0x00}
	Version100 = Version{0xF1, 0xF0, 0xF0, 0x00}
)

var errControlRequest = errors.New("not a control request")

// ControlHeader follows the message type byte of a control message.
//
//	byte 0: Rq(7) D(6) rsvd(5) InstanceID(4:0)
//	byte 1: Command
type ControlHeader struct {
	Request    bool
	Datagram   bool
	InstanceID uint8
	Command    uint8
}

// Append appends the encoded header to b.
func (h ControlHeader) Append(b []byte) []byte {
	b0 := h.InstanceID & 0x1F
	if h.Request {
		b0 |= 1 << 7
	}
	if h.Datagram {
		b0 |= 1 << 6
	}
	return append(b, b0, h.Command)
}

// ParseControlHeader decodes the header at the start of a control body.
func ParseControlHeader(body []byte) (ControlHeader, error) {
	if len(body) < ControlHeaderLen {
		return ControlHeader{}, fmt.Errorf("control header: %w", ErrShortPacket)
	}
	return ControlHeader{
		Request:    body[0]&(1<<7) != 0,
		Datagram:   body[0]&(1<<6) != 0,
		InstanceID: body[0] & 0x1F,
		Command:    body[1],
	}, nil
}

// SetEIDRequest is the body of SetEID.
type SetEIDRequest struct {
	Operation uint8
	EID       uint8
}

// Marshal encodes the request.
func (r *SetEIDRequest) Marshal(l *uio.Lexer) {
	l.Write8(r.Operation & 0x3)
	l.Write8(r.EID)
}

// Unmarshal decodes the request.
func (r *SetEIDRequest) Unmarshal(l *uio.Lexer) error {
	r.Operation = l.Read8() & 0x3
	r.EID = l.Read8()
	return l.Error()
}

// SetEIDResponse answers SetEID. The endpoint has no EID pool.
type SetEIDResponse struct {
	Code     CompletionCode
	Status   uint8
	EID      uint8
	PoolSize uint8
}

// Marshal encodes the response.
func (r *SetEIDResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	l.Write8((r.Status & 0x3) << 4)
	l.Write8(r.EID)
	l.Write8(r.PoolSize)
}

// Unmarshal decodes the response.
func (r *SetEIDResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = CompletionCode(l.Read8())
	r.Status = (l.Read8() >> 4) & 0x3
	r.EID = l.Read8()
	r.PoolSize = l.Read8()
	return l.Error()
}

// GetEIDResponse answers GetEID.
type GetEIDResponse struct {
	Code CompletionCode
	EID  uint8
	// EndpointType is 0 for a simple endpoint, EIDType 0 for a dynamic
	// EID.
	EndpointType uint8
	EIDType      uint8
	Medium       uint8
}

// Marshal encodes the response.
func (r *GetEIDResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	l.Write8(r.EID)
	l.Write8((r.EndpointType&0x3)<<4 | r.EIDType&0x3)
	l.Write8(r.Medium)
}

// Unmarshal decodes the response.
func (r *GetEIDResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = CompletionCode(l.Read8())
	r.EID = l.Read8()
	b := l.Read8()
	r.EndpointType = (b >> 4) & 0x3
	r.EIDType = b & 0x3
	r.Medium = l.Read8()
	return l.Error()
}

// GetVersionSupportResponse answers GetVersionSupport.
type GetVersionSupportResponse struct {
	Code     CompletionCode
	Versions []Version
}

// Marshal encodes the response.
func (r *GetVersionSupportResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code != Success {
		return
	}
	l.Write8(uint8(len(r.Versions)))
	for _, v := range r.Versions {
		l.WriteBytes(v[:])
	}
}

// Unmarshal decodes the response.
func (r *GetVersionSupportResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = CompletionCode(l.Read8())
	if r.Code != Success {
		return l.Error()
	}
	n := int(l.Read8())
	r.Versions = make([]Version, 0, n)
	for i := 0; i < n && l.Error() == nil; i++ {
		var v Version
		l.ReadBytes(v[:])
		r.Versions = append(r.Versions, v)
	}
	return l.Error()
}

// GetMessageTypeSupportResponse answers GetMessageTypeSupport. Control
// messages are implied and not listed.
type GetMessageTypeSupportResponse struct {
	Code  CompletionCode
	Types []MessageType
}

// Marshal encodes the response.
func (r *GetMessageTypeSupportResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	l.Write8(uint8(len(r.Types)))
	for _, t := range r.Types {
		l.Write8(uint8(t))
	}
}

// Unmarshal decodes the response.
func (r *GetMessageTypeSupportResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = CompletionCode(l.Read8())
	n := int(l.Read8())
	r.Types = make([]MessageType, 0, n)
	for i := 0; i < n && l.Error() == nil; i++ {
		r.Types = append(r.Types, MessageType(l.Read8()))
	}
	return l.Error()
}

type controlBody interface {
	Marshal(l *uio.Lexer)
}

// controlResponse encodes a control response body, type byte excluded.
func controlResponse(req ControlHeader, body controlBody) []byte {
	h := ControlHeader{InstanceID: req.InstanceID, Command: req.Command}
	l := uio.NewLittleEndianBuffer(h.Append(nil))
	body.Marshal(l)
	return l.Data()
}

type codeOnly CompletionCode

func (c codeOnly) Marshal(l *uio.Lexer) { l.Write8(uint8(c)) }

// handleControl answers a control request addressed to the mux.
func (m *Mux) handleControl(body []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, err := ParseControlHeader(body)
	if err != nil {
		return nil, err
	}
	if !h.Request || h.Datagram {
		return nil, errControlRequest
	}
	l := uio.NewLittleEndianBuffer(body[ControlHeaderLen:])
	switch h.Command {
	case CmdSetEID:
		var req SetEIDRequest
		if err := req.Unmarshal(l); err != nil {
			return controlResponse(h, codeOnly(ErrorInvalidLength)), nil
		}
		return controlResponse(h, m.setEID(&req)), nil
	case CmdGetEID:
		return controlResponse(h, &GetEIDResponse{Code: Success, EID: m.eid}), nil
	case CmdGetVersionSupport:
		t := l.Read8()
		if l.Error() != nil {
			return controlResponse(h, codeOnly(ErrorInvalidLength)), nil
		}
		return controlResponse(h, m.versionSupport(t)), nil
	case CmdGetMessageTypeSupport:
		return controlResponse(h, &GetMessageTypeSupportResponse{Code: Success, Types: m.types()}), nil
	}
	return controlResponse(h, codeOnly(ErrorUnsupportedCmd)), nil
}

func (m *Mux) setEID(req *SetEIDRequest) *SetEIDResponse {
	resp := &SetEIDResponse{Code: ErrorInvalidData, Status: EIDRejected, EID: m.eid}
	switch req.Operation {
	case SetEIDSet, SetEIDForce:
		if req.EID == NullEID || !ValidEID(req.EID) {
			return resp
		}
		log.Infof("MCTP: EID %d -> %d", m.eid, req.EID)
		m.eid = req.EID
		resp.Code = Success
		resp.Status = EIDAccepted
		resp.EID = req.EID
	}
	return resp
}

func (m *Mux) versionSupport(t uint8) *GetVersionSupportResponse {
	switch {
	case t == BaseSpec, t == uint8(TypeControl):
		return &GetVersionSupportResponse{Code: Success, Versions: []Version{Version131}}
	case m.handlers[MessageType(t)] != nil:
		return &GetVersionSupportResponse{Code: Success, Versions: []Version{Version100}}
	}
	return &GetVersionSupportResponse{Code: MessageTypeNotSupport}
}
