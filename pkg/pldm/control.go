// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pldm

import (
	"errors"
	"sort"
	"sync"

	"github.com/u-root/uio/uio"
)

// Bitmap sizes of the discovery responses.
const (
	typesBitmapLen    = 8
	commandsBitmapLen = 32
)

// Capability is one (type, version) pair a terminus implements together
// with the commands it answers.
type Capability struct {
	Type     Type
	Version  Ver32
	Commands []uint8
}

// DefaultCapabilities are the capabilities of a firmware device terminus.
func DefaultCapabilities() []Capability {
	return []Capability{
		{
			Type:     TypeBase,
			Version:  MustVer32(BaseVersion),
			Commands: []uint8{CmdSetTID, CmdGetTID, CmdGetPLDMCommands, CmdGetPLDMVersion, CmdGetPLDMTypes},
		},
		// Firmware update command codes, see package fwupdate.
		{
			Type:     TypeFWUpdate,
			Version:  MustVer32(FWUpdateVersion),
			Commands: []uint8{0x01, 0x02, 0x10, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18, 0x1A, 0x1B, 0x1C, 0x1D},
		},
	}
}

// Control is the messaging control and discovery context of a terminus:
// its TID and the capabilities it advertises.
type Control struct {
	mu   sync.Mutex
	tid  uint8
	caps []Capability
}

// NewControl returns a context advertising caps with an unassigned TID.
func NewControl(caps []Capability) *Control {
	return &Control{tid: TIDUnassigned, caps: caps}
}

// TID returns the terminus id.
func (c *Control) TID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tid
}

// SetTID assigns the terminus id.
func (c *Control) SetTID(tid uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tid = tid
}

// Types returns the supported PLDM types, without duplicates, in
// increasing order.
func (c *Control) Types() []Type {
	seen := map[Type]bool{}
	var out []Type
	for _, cp := range c.caps {
		if !seen[cp.Type] {
			seen[cp.Type] = true
			out = append(out, cp.Type)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SupportsType reports whether t is advertised.
func (c *Control) SupportsType(t Type) bool {
	for _, cp := range c.caps {
		if cp.Type == t {
			return true
		}
	}
	return false
}

// SupportsCommand reports whether any version of t answers cmd.
func (c *Control) SupportsCommand(t Type, cmd uint8) bool {
	for _, cp := range c.caps {
		if cp.Type != t {
			continue
		}
		for _, x := range cp.Commands {
			if x == cmd {
				return true
			}
		}
	}
	return false
}

// Versions returns the versions advertised for t.
func (c *Control) Versions(t Type) []Ver32 {
	var out []Ver32
	for _, cp := range c.caps {
		if cp.Type == t {
			out = append(out, cp.Version)
		}
	}
	return out
}

// Commands returns the commands of (t, v). It fails with
// InvalidTypeInRequestData or InvalidVersionInRequestData.
func (c *Control) Commands(t Type, v Ver32) ([]uint8, error) {
	if !c.SupportsType(t) {
		return nil, Fail(InvalidTypeInRequestData)
	}
	for _, cp := range c.caps {
		if cp.Type == t && cp.Version == v {
			return cp.Commands, nil
		}
	}
	return nil, Fail(InvalidVersionInRequestData)
}

// SetTIDRequest assigns a terminus id.
type SetTIDRequest struct {
	TID uint8
}

// Marshal implements Body.
func (r *SetTIDRequest) Marshal(l *uio.Lexer) { l.Write8(r.TID) }

// Unmarshal implements Body.
func (r *SetTIDRequest) Unmarshal(l *uio.Lexer) error {
	r.TID = l.Read8()
	return l.Error()
}

// GetTIDResponse carries the terminus id.
type GetTIDResponse struct {
	Code CompletionCode
	TID  uint8
}

// Marshal implements Body.
func (r *GetTIDResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code == Success {
		l.Write8(r.TID)
	}
}

// Unmarshal implements Body.
func (r *GetTIDResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = CompletionCode(l.Read8())
	if r.Code == Success {
		r.TID = l.Read8()
	}
	return l.Error()
}

// GetVersionRequest asks for the versions of one PLDM type.
type GetVersionRequest struct {
	TransferHandle uint32
	Operation      TransferOperationFlag
	Type           Type
}

// Marshal implements Body.
func (r *GetVersionRequest) Marshal(l *uio.Lexer) {
	l.Write32(r.TransferHandle)
	l.Write8(uint8(r.Operation))
	l.Write8(uint8(r.Type))
}

// Unmarshal implements Body.
func (r *GetVersionRequest) Unmarshal(l *uio.Lexer) error {
	r.TransferHandle = l.Read32()
	r.Operation = TransferOperationFlag(l.Read8())
	r.Type = Type(l.Read8())
	return l.Error()
}

// GetVersionResponse returns one version of the requested type in a single
// part.
type GetVersionResponse struct {
	Code               CompletionCode
	NextTransferHandle uint32
	Flag               TransferRespFlag
	Version            Ver32
}

// Marshal implements Body.
func (r *GetVersionResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code != Success {
		return
	}
	l.Write32(r.NextTransferHandle)
	l.Write8(uint8(r.Flag))
	l.Write32(uint32(r.Version))
}

// Unmarshal implements Body.
func (r *GetVersionResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = CompletionCode(l.Read8())
	if r.Code != Success {
		return l.Error()
	}
	r.NextTransferHandle = l.Read32()
	r.Flag = TransferRespFlag(l.Read8())
	r.Version = Ver32(l.Read32())
	return l.Error()
}

// GetTypesResponse carries the bitmap of supported types.
type GetTypesResponse struct {
	Code  CompletionCode
	Types Bitmap
}

// Marshal implements Body.
func (r *GetTypesResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code == Success {
		l.WriteBytes(fixedBitmap(r.Types, typesBitmapLen))
	}
}

// Unmarshal implements Body.
func (r *GetTypesResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = CompletionCode(l.Read8())
	if r.Code == Success {
		r.Types = l.CopyN(typesBitmapLen)
	}
	return l.Error()
}

// GetCommandsRequest asks for the commands of a (type, version) pair.
type GetCommandsRequest struct {
	Type    Type
	Version Ver32
}

// Marshal implements Body.
func (r *GetCommandsRequest) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Type))
	l.Write32(uint32(r.Version))
}

// Unmarshal implements Body.
func (r *GetCommandsRequest) Unmarshal(l *uio.Lexer) error {
	r.Type = Type(l.Read8())
	r.Version = Ver32(l.Read32())
	return l.Error()
}

// GetCommandsResponse carries the bitmap of supported commands.
type GetCommandsResponse struct {
	Code     CompletionCode
	Commands Bitmap
}

// Marshal implements Body.
func (r *GetCommandsResponse) Marshal(l *uio.Lexer) {
	l.Write8(uint8(r.Code))
	if r.Code == Success {
		l.WriteBytes(fixedBitmap(r.Commands, commandsBitmapLen))
	}
}

// Unmarshal implements Body.
func (r *GetCommandsResponse) Unmarshal(l *uio.Lexer) error {
	r.Code = CompletionCode(l.Read8())
	if r.Code == Success {
		r.Commands = l.CopyN(commandsBitmapLen)
	}
	return l.Error()
}

func fixedBitmap(b Bitmap, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// Handle answers the messaging control and discovery commands.
func (c *Control) Handle(h Header, payload []byte) (Body, error) {
	switch h.Command {
	case CmdGetTID:
		return &GetTIDResponse{Code: Success, TID: c.TID()}, nil

	case CmdSetTID:
		var req SetTIDRequest
		if err := DecodeRequest(payload, &req); err != nil {
			return nil, err
		}
		c.SetTID(req.TID)
		return &Status{Code: Success}, nil

	case CmdGetPLDMTypes:
		bm := NewBitmap(typesBitmapLen)
		for _, t := range c.Types() {
			bm.Set(int(t))
		}
		return &GetTypesResponse{Code: Success, Types: bm}, nil

	case CmdGetPLDMCommands:
		var req GetCommandsRequest
		if err := DecodeRequest(payload, &req); err != nil {
			return nil, err
		}
		cmds, err := c.Commands(req.Type, req.Version)
		if err != nil {
			return nil, err
		}
		bm := NewBitmap(commandsBitmapLen)
		for _, cmd := range cmds {
			bm.Set(int(cmd))
		}
		return &GetCommandsResponse{Code: Success, Commands: bm}, nil

	case CmdGetPLDMVersion:
		var req GetVersionRequest
		if err := DecodeRequest(payload, &req); err != nil {
			return nil, err
		}
		if !c.SupportsType(req.Type) {
			return nil, Fail(InvalidTypeInRequestData)
		}
		if req.Operation != GetFirstPart {
			return nil, Fail(InvalidTransferOperationFlag)
		}
		versions := c.Versions(req.Type)
		if len(versions) == 0 {
			return nil, Fail(GenericError)
		}
		return &GetVersionResponse{
			Code:    Success,
			Flag:    TransferStartAndEnd,
			Version: versions[0],
		}, nil
	}
	return nil, Fail(UnsupportedCommand)
}

// DecodeRequest unmarshals a request body for a command handler. A
// *CommandError from the body passes through; any other decoding failure,
// including trailing bytes, maps to InvalidLength.
func DecodeRequest(payload []byte, b Body) error {
	l := uio.NewLittleEndianBuffer(payload)
	if err := b.Unmarshal(l); err != nil {
		var cerr *CommandError
		if errors.As(err, &cerr) {
			return err
		}
		return Fail(InvalidLength)
	}
	if err := l.FinError(); err != nil {
		return Fail(InvalidLength)
	}
	return nil
}
