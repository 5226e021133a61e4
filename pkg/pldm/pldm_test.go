// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pldm

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/u-root/uio/uio"
)

func TestHeaderEncoding(t *testing.T) {
	req := NewRequest(1, TypeBase, CmdGetTID)
	require.Equal(t, []byte{0x81, 0x00, 0x02}, req.Bytes())
	require.Equal(t, []byte{0x01, 0x00, 0x02}, req.Reply().Bytes())

	for _, h := range []Header{
		{Request: true, InstanceID: 0, Type: TypeFWUpdate, Command: 0x15},
		{Request: true, Datagram: true, InstanceID: 31, Type: TypeOEM, Command: 0xFF},
		{InstanceID: 17, Type: TypePlatform, Command: 0x00},
	} {
		t.Run(h.String(), func(t *testing.T) {
			got, err := ParseHeader(h.Bytes())
			require.NoError(t, err)
			require.Equal(t, h, got)
			require.NoError(t, got.Validate())
		})
	}

	_, err := ParseHeader([]byte{0x80, 0x00})
	require.ErrorIs(t, err, ErrShortMessage)

	h, err := ParseHeader([]byte{0x80, 0x45, 0x01})
	require.NoError(t, err)
	require.Equal(t, uint8(1), h.Version)
	require.ErrorIs(t, h.Validate(), ErrHeaderVersion)
	require.ErrorIs(t, Header{InstanceID: 32}.Validate(), ErrInstanceID)
}

func TestInstanceIDs(t *testing.T) {
	ids := NewInstanceIDs(3)
	var got []uint8
	for i := 0; i < 5; i++ {
		got = append(got, ids.Next())
	}
	require.Equal(t, []uint8{0, 1, 2, 0, 1}, got)
	require.Equal(t, uint8(MaxInstanceID+1), NewInstanceIDs(100).count)
}

func TestVer32(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Ver32
	}{
		{"3.7.10a", 0xF3F71061},
		{"3.1", 0xF3F1FF00},
		{"1.0a", 0xF1F0FF61},
		{"1.5.18a", 0xF1F51861},
		{BaseVersion, 0xF1F1F000},
		{FWUpdateVersion, 0xF1F3F000},
	} {
		t.Run(tc.in, func(t *testing.T) {
			v, err := ParseVersion(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, v.Ver32())
			require.Equal(t, v, tc.want.Version())
			require.Equal(t, tc.in, tc.want.String())
		})
	}

	require.Equal(t, Ver32(0xF3F71661), Version{Major: 3, Minor: 7, Update: 16, Alpha: 0x61}.Ver32())

	for _, bad := range []string{"3a.7.10", "1.2.3.4", "1", "", "1.x", "100.1"} {
		_, err := ParseVersion(bad)
		require.ErrorIs(t, err, ErrVersion, bad)
	}
}

func TestFirmwareString(t *testing.T) {
	for _, tc := range []struct {
		typ  StringType
		in   string
		wire []byte
	}{
		{StringASCII, "mcu-1.0", []byte("mcu-1.0")},
		{StringUTF8, "µc", []byte{0xC2, 0xB5, 'c'}},
		{StringUTF16LE, "v1", []byte{'v', 0, '1', 0}},
		{StringUTF16BE, "v1", []byte{0, 'v', 0, '1'}},
		{StringUTF16, "v1", []byte{0xFE, 0xFF, 0, 'v', 0, '1'}},
	} {
		t.Run(tc.typ.String(), func(t *testing.T) {
			fs, err := NewFirmwareString(tc.typ, tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.wire, fs.Data)
			got, err := fs.Decode()
			require.NoError(t, err)
			require.Equal(t, tc.in, got)
		})
	}

	_, err := NewFirmwareString(StringASCII, "µ")
	require.ErrorIs(t, err, ErrStringData)
	_, err = NewFirmwareString(StringASCII, string(bytes.Repeat([]byte{'a'}, 256)))
	require.ErrorIs(t, err, ErrStringTooLong)
	_, err = FirmwareString{Type: StringUTF16LE, Data: []byte{'v'}}.Decode()
	require.ErrorIs(t, err, ErrStringData)
	_, err = FirmwareString{Type: 9}.Decode()
	require.ErrorIs(t, err, ErrStringType)

	st, err := ParseStringType("UTF-16LE")
	require.NoError(t, err)
	require.Equal(t, StringUTF16LE, st)
}

func TestDescriptorRoundTrip(t *testing.T) {
	for typ, n := range descriptorLengths {
		t.Run(typ.String(), func(t *testing.T) {
			data := bytes.Repeat([]byte{0xA5}, n)
			d, err := NewDescriptor(typ, data)
			require.NoError(t, err)

			l := uio.NewLittleEndianBuffer(nil)
			d.Marshal(l)
			require.Len(t, l.Data(), d.WireLen())

			var got Descriptor
			require.NoError(t, got.Unmarshal(uio.NewLittleEndianBuffer(l.Data())))
			require.True(t, d.Equal(got))
		})
	}

	_, err := NewDescriptor(DescPCIVendorID, []byte{1, 2, 3})
	require.ErrorIs(t, err, ErrDescriptorLength)
	_, err = NewDescriptor(DescriptorType(0x7777), []byte{1})
	require.ErrorIs(t, err, ErrDescriptorType)
	_, err = NewDescriptor(DescVendorDefined, make([]byte, MaxDescriptorData+1))
	require.ErrorIs(t, err, ErrDescriptorLength)

	id := uuid.MustParse("aabbccdd-0011-2233-4455-66778899aabb")
	d := UUIDDescriptor(id)
	require.NoError(t, d.Validate())
	got, err := d.UUID()
	require.NoError(t, err)
	require.Equal(t, id, got)
	require.True(t, ContainsAll([]Descriptor{{Type: DescPCIRevisionID, Data: []byte{1}}, d}, []Descriptor{d}))
	require.False(t, ContainsAll(nil, []Descriptor{d}))
}

func TestBitmap(t *testing.T) {
	bm := NewBitmap(2)
	bm.Set(0)
	bm.Set(5)
	bm.Set(9)
	bm.Set(100)
	require.Equal(t, Bitmap{0b00100001, 0b00000010}, bm)
	require.Equal(t, []int{0, 5, 9}, bm.Items())
}

func newTestResponder(cfg Config) *Responder {
	return NewResponder(cfg, NewControl(DefaultCapabilities()))
}

func request(iid uint8, t Type, cmd uint8, body Body) []byte {
	return Encode(NewRequest(iid, t, cmd), body)
}

func TestControlCommands(t *testing.T) {
	r := newTestResponder(DefaultConfig())

	rsp, err := r.Respond(request(1, TypeBase, CmdGetTID, nil))
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0x00, 0x02, 0x00, TIDUnassigned}, rsp)

	rsp, err = r.Respond(request(2, TypeBase, CmdSetTID, &SetTIDRequest{TID: 0x42}))
	require.NoError(t, err)
	require.Equal(t, []byte{0x02, 0x00, 0x01, 0x00}, rsp)

	var tid GetTIDResponse
	rsp, err = r.Respond(request(3, TypeBase, CmdGetTID, nil))
	require.NoError(t, err)
	_, err = Decode(rsp, &tid)
	require.NoError(t, err)
	require.Equal(t, uint8(0x42), tid.TID)

	var types GetTypesResponse
	rsp, err = r.Respond(request(4, TypeBase, CmdGetPLDMTypes, nil))
	require.NoError(t, err)
	_, err = Decode(rsp, &types)
	require.NoError(t, err)
	require.Equal(t, uint8(0b00100001), types.Types[0])
	require.Equal(t, []int{0, 5}, types.Types.Items())

	var cmds GetCommandsResponse
	rsp, err = r.Respond(request(5, TypeBase, CmdGetPLDMCommands, &GetCommandsRequest{Type: TypeBase, Version: MustVer32(BaseVersion)}))
	require.NoError(t, err)
	_, err = Decode(rsp, &cmds)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4, 5}, cmds.Commands.Items())

	var ver GetVersionResponse
	rsp, err = r.Respond(request(6, TypeBase, CmdGetPLDMVersion, &GetVersionRequest{Operation: GetFirstPart, Type: TypeFWUpdate}))
	require.NoError(t, err)
	h, err := Decode(rsp, &ver)
	require.NoError(t, err)
	require.False(t, h.Request)
	require.Equal(t, uint8(6), h.InstanceID)
	require.Equal(t, TransferStartAndEnd, ver.Flag)
	require.Equal(t, Ver32(0xF1F3F000), ver.Version)
}

func TestControlErrors(t *testing.T) {
	r := newTestResponder(DefaultConfig())
	for _, tc := range []struct {
		name string
		msg  []byte
		want CompletionCode
	}{
		{"commands_bad_type", request(0, TypeBase, CmdGetPLDMCommands, &GetCommandsRequest{Type: TypeFRU, Version: MustVer32("1.0")}), InvalidTypeInRequestData},
		{"commands_bad_version", request(0, TypeBase, CmdGetPLDMCommands, &GetCommandsRequest{Type: TypeBase, Version: MustVer32("1.0")}), InvalidVersionInRequestData},
		{"commands_short", append(NewRequest(0, TypeBase, CmdGetPLDMCommands).Bytes(), 0), InvalidLength},
		{"version_bad_type", request(0, TypeBase, CmdGetPLDMVersion, &GetVersionRequest{Operation: GetFirstPart, Type: TypeBIOS}), InvalidTypeInRequestData},
		{"version_next_part", request(0, TypeBase, CmdGetPLDMVersion, &GetVersionRequest{Operation: GetNextPart, Type: TypeBase}), InvalidTransferOperationFlag},
		{"version_long", append(request(0, TypeBase, CmdGetPLDMVersion, &GetVersionRequest{Operation: GetFirstPart}), 0), InvalidLength},
		{"set_tid_empty", request(0, TypeBase, CmdSetTID, nil), InvalidLength},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rsp, err := r.Respond(tc.msg)
			require.NoError(t, err)
			require.Len(t, rsp, HeaderLen+1)
			code, err := ResponseCode(rsp)
			require.NoError(t, err)
			require.Equal(t, tc.want, code, code.String())
		})
	}
}

func TestResponderDispatch(t *testing.T) {
	r := newTestResponder(DefaultConfig())
	r.Register(TypeFWUpdate, HandlerFunc(func(h Header, payload []byte) (Body, error) {
		switch h.Command {
		case 0x1B:
			return nil, errors.New("platform fault")
		case 0x1C:
			return nil, Fail(CompletionCode(0x84))
		}
		return &Status{Code: Success}, nil
	}))

	respHdr := NewRequest(0, TypeBase, CmdGetTID).Reply()
	badVersion := NewRequest(0, TypeBase, CmdGetTID)
	badVersion.Version = 1

	for _, tc := range []struct {
		name string
		msg  []byte
		want CompletionCode
	}{
		{"header_version", badVersion.Bytes(), InvalidData},
		{"unsupported_type", request(0, TypePlatform, 0x01, nil), InvalidType},
		{"unsupported_command", request(0, TypeBase, 0x10, nil), UnsupportedCommand},
		{"unrouted_fw_command", request(0, TypeFWUpdate, 0x30, nil), UnsupportedCommand},
		{"handler_error", request(0, TypeFWUpdate, 0x1B, nil), GenericError},
		{"command_error", request(0, TypeFWUpdate, 0x1C, nil), CompletionCode(0x84)},
		{"ok", request(0, TypeFWUpdate, 0x01, nil), Success},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rsp, err := r.Respond(tc.msg)
			require.NoError(t, err)
			code, err := ResponseCode(rsp)
			require.NoError(t, err)
			require.Equal(t, tc.want, code)
		})
	}

	rsp, err := r.Respond(respHdr.Bytes())
	require.NoError(t, err)
	require.Nil(t, rsp, "responses are not answered")

	_, err = r.Respond([]byte{0x80})
	require.ErrorIs(t, err, ErrShortMessage)
}

func TestResponderOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMessageSize = 8
	r := newTestResponder(cfg)

	msg := request(7, TypeBase, CmdGetPLDMCommands, &GetCommandsRequest{Type: TypeBase, Version: MustVer32(BaseVersion)})
	rsp, err := r.Respond(msg)
	require.NoError(t, err)
	require.Equal(t, []byte{0x07, 0x00, CmdGetPLDMCommands, uint8(InvalidLength)}, rsp)

	rsp, err = r.Respond(request(8, TypeBase, CmdGetTID, nil))
	require.NoError(t, err)
	require.Len(t, rsp, 5)
}

func TestCompletionCodeString(t *testing.T) {
	require.Equal(t, "Invalid Length", InvalidLength.String())
	require.Equal(t, "TypeSpecific(0x83)", InvalidTypeInRequestData.String())
	require.Equal(t, "Unsupported Command", UnsupportedCommand.String())
	require.Equal(t, "CompletionCode(0x06)", CompletionCode(0x06).String())
}
