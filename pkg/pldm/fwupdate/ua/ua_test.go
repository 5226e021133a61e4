// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ua

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate/fd"
)

var deviceID = uuid.MustParse("0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0")

func ascii(s string) pldm.FirmwareString {
	return pldm.MustFirmwareString(pldm.StringASCII, s)
}

func testPackage(activation fwupdate.ActivationMethods) *fwpkg.Package {
	bm := pldm.NewBitmap(1)
	bm.Set(0)
	bm.Set(1)
	return &fwpkg.Package{
		Header: fwpkg.Header{Format: fwpkg.Format13, Version: ascii("pkg-2")},
		DeviceRecords: []fwpkg.DeviceRecord{{
			ApplicableComponents: bm,
			ImageSetVersion:      ascii("set-2"),
			Descriptors:          []pldm.Descriptor{pldm.UUIDDescriptor(deviceID)},
		}},
		Components: []fwpkg.ComponentImage{
			{
				Classification:      fwupdate.ClassFirmware,
				Identifier:          0x0002,
				ComparisonStamp:     2,
				RequestedActivation: activation,
				Size:                200,
				Version:             ascii("2.0"),
				Data:                bytes.Repeat([]byte{0x5A}, 200),
			},
			{
				Classification:      fwupdate.ClassFirmware,
				Identifier:          0x0003,
				ComparisonStamp:     7,
				RequestedActivation: activation,
				Size:                77,
				Version:             ascii("3.0"),
				Data:                bytes.Repeat([]byte{0xC3}, 77),
			},
		},
	}
}

func deviceParams(stamp uint32) fwupdate.FirmwareParameters {
	comp := func(id uint16) fwupdate.ComponentParameters {
		return fwupdate.ComponentParameters{
			Classification: fwupdate.ClassFirmware,
			Identifier:     id,
			Active: fwupdate.ImageInfo{
				ComparisonStamp: stamp,
				Version:         ascii("1.0"),
			},
			ActivationMethods: fwupdate.ActivationSelfContained | fwupdate.ActivationAutomatic,
		}
	}
	return fwupdate.FirmwareParameters{
		ActiveImageSet: ascii("set-1"),
		Components:     []fwupdate.ComponentParameters{comp(0x0002), comp(0x0003)},
	}
}

type bench struct {
	agent *Agent
	dev   *fd.Device
	plat  *fd.MemoryPlatform
	lb    *Loopback
}

func newBench(t *testing.T, pkg *fwpkg.Package, plat *fd.MemoryPlatform) *bench {
	t.Helper()
	at := time.Unix(5000, 0)
	plat.Clock = func() time.Time { return at }
	if plat.Identifiers == nil {
		plat.Identifiers = []pldm.Descriptor{pldm.UUIDDescriptor(deviceID)}
	}
	cfg := pldm.DefaultConfig()
	dev := fd.New(cfg, plat)
	resp := pldm.NewResponder(cfg, pldm.NewControl(pldm.DefaultCapabilities()))
	resp.Register(pldm.TypeFWUpdate, dev)
	return &bench{
		agent: New(cfg, pkg),
		dev:   dev,
		plat:  plat,
		lb:    &Loopback{Responder: resp, Device: dev},
	}
}

func (b *bench) run(t *testing.T) {
	t.Helper()
	require.NoError(t, b.agent.Start())
	require.NoError(t, b.lb.Drive(b.agent, 500))
}

func TestUpdate(t *testing.T) {
	for _, tc := range []struct {
		name        string
		activation  fwupdate.ActivationMethods
		apply       fwupdate.ApplyResult
		modified    fwupdate.ActivationMethods
		wantPolls   int
		wantSelf    bool
		wantMethods fwupdate.ActivationMethods
	}{
		{
			name:        "self contained",
			activation:  fwupdate.ActivationSelfContained,
			apply:       fwupdate.ApplySuccess,
			wantPolls:   1,
			wantSelf:    true,
			wantMethods: fwupdate.ActivationSelfContained,
		},
		{
			name:        "automatic",
			activation:  fwupdate.ActivationAutomatic,
			apply:       fwupdate.ApplySuccess,
			wantMethods: fwupdate.ActivationAutomatic,
		},
		{
			name:        "activation changed by apply",
			activation:  fwupdate.ActivationSelfContained,
			apply:       fwupdate.ApplySuccessWithActivationMethod,
			modified:    fwupdate.ActivationAutomatic,
			wantMethods: fwupdate.ActivationAutomatic,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			pkg := testPackage(tc.activation)
			b := newBench(t, pkg, &fd.MemoryPlatform{
				Params:          deviceParams(1),
				ProgressStep:    40,
				VerifyResult:    fwupdate.VerifySuccess,
				ApplyResult:     tc.apply,
				ApplyActivation: tc.modified,
				ActivationTime:  3,
			})
			b.run(t)

			require.Equal(t, Done, b.agent.State())
			require.NoError(t, b.agent.Err())
			require.Equal(t, tc.wantSelf, b.agent.selfContained)
			require.Equal(t, tc.wantPolls, b.agent.polls)
			require.Equal(t, 1, b.plat.Activations)
			require.Equal(t, fwupdate.StateIdle, b.dev.State())

			comps := b.agent.Components()
			require.Len(t, comps, 2)
			for i, c := range comps {
				require.True(t, c.Updated)
				require.Equal(t, tc.wantMethods, c.Activation)
				require.Equal(t, pkg.Components[i].Data, b.plat.Images[c.Image.Identifier])
			}
		})
	}
}

func TestPhaseFailure(t *testing.T) {
	for _, tc := range []struct {
		name   string
		verify fwupdate.VerifyResult
		apply  fwupdate.ApplyResult
		want   fwupdate.State
	}{
		{"verify", fwupdate.VerifyErrorVerificationFailure, fwupdate.ApplySuccess, fwupdate.StateReadyXfer},
		{"apply", fwupdate.VerifySuccess, fwupdate.ApplyFailureMemoryIssue, fwupdate.StateReadyXfer},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := newBench(t, testPackage(fwupdate.ActivationSelfContained), &fd.MemoryPlatform{
				Params:       deviceParams(1),
				VerifyResult: tc.verify,
				ApplyResult:  tc.apply,
			})
			b.run(t)

			require.Equal(t, Idle, b.agent.State())
			require.ErrorContains(t, b.agent.Err(), "failed")
			require.Equal(t, tc.want, b.dev.State())
			require.Equal(t, 0, b.plat.Activations)
			require.Empty(t, b.plat.Images)
			require.False(t, b.agent.Components()[0].Updated)

			// A new update can start from Idle.
			require.NoError(t, b.agent.Start())
		})
	}
}

func TestNothingToStart(t *testing.T) {
	t.Run("up to date", func(t *testing.T) {
		b := newBench(t, testPackage(fwupdate.ActivationSelfContained), &fd.MemoryPlatform{Params: deviceParams(10)})
		b.run(t)
		require.Equal(t, Done, b.agent.State())
		require.ErrorIs(t, b.agent.Err(), ErrNothingToUpdate)
		require.Equal(t, fwupdate.StateIdle, b.dev.State())
	})

	t.Run("no matching record", func(t *testing.T) {
		other := uuid.MustParse("00000000-0000-0000-0000-000000000001")
		b := newBench(t, testPackage(fwupdate.ActivationSelfContained), &fd.MemoryPlatform{
			Identifiers: []pldm.Descriptor{pldm.UUIDDescriptor(other)},
			Params:      deviceParams(1),
		})
		b.run(t)
		require.Equal(t, Done, b.agent.State())
		require.ErrorIs(t, b.agent.Err(), ErrNoMatchingRecord)
	})

	t.Run("not applicable", func(t *testing.T) {
		pkg := testPackage(fwupdate.ActivationSelfContained)
		pkg.DeviceRecords[0].ApplicableComponents = pldm.NewBitmap(1)
		pkg.DeviceRecords[0].ApplicableComponents.Set(1)
		b := newBench(t, pkg, &fd.MemoryPlatform{Params: deviceParams(1), ProgressStep: 100})
		b.run(t)
		require.Equal(t, Done, b.agent.State())
		require.NoError(t, b.agent.Err())
		comps := b.agent.Components()
		require.Len(t, comps, 1)
		require.Equal(t, uint16(0x0003), comps[0].Image.Identifier)
		require.Contains(t, b.plat.Images, uint16(0x0003))
		require.NotContains(t, b.plat.Images, uint16(0x0002))
	})
}

func TestStartWhileBusy(t *testing.T) {
	b := newBench(t, testPackage(fwupdate.ActivationSelfContained), &fd.MemoryPlatform{Params: deviceParams(1)})
	require.NoError(t, b.agent.Start())
	require.ErrorIs(t, b.agent.Start(), ErrBusy)
}

func TestCancel(t *testing.T) {
	b := newBench(t, testPackage(fwupdate.ActivationSelfContained), &fd.MemoryPlatform{Params: deviceParams(1)})
	require.NoError(t, b.agent.Start())
	for b.agent.State() != Download {
		moved, err := b.lb.Step(b.agent)
		require.NoError(t, err)
		require.True(t, moved)
	}
	b.agent.Cancel()
	require.Equal(t, Idle, b.agent.State())
	require.True(t, b.agent.Busy())

	_, err := b.lb.Step(b.agent)
	require.NoError(t, err)
	require.False(t, b.agent.Busy())
	require.Equal(t, fwupdate.StateIdle, b.dev.State())
}

func TestUnexpectedResponse(t *testing.T) {
	b := newBench(t, testPackage(fwupdate.ActivationSelfContained), &fd.MemoryPlatform{Params: deviceParams(1)})
	require.NoError(t, b.agent.Start())
	req := b.agent.Next()
	require.NotNil(t, req)
	require.Nil(t, b.agent.Next())

	h, err := pldm.ParseHeader(req)
	require.NoError(t, err)
	wrong := h.Reply()
	wrong.Command = fwupdate.CmdGetFirmwareParameters
	_, err = b.agent.Handle(pldm.Encode(wrong, &pldm.Status{Code: pldm.Success}))
	require.ErrorIs(t, err, ErrUnexpectedResponse)

	wrong = h.Reply()
	wrong.InstanceID = (h.InstanceID + 1) % (pldm.MaxInstanceID + 1)
	_, err = b.agent.Handle(pldm.Encode(wrong, &pldm.Status{Code: pldm.Success}))
	require.ErrorIs(t, err, ErrUnexpectedResponse)

	// The outstanding request still pairs with its own response.
	resp, err := b.lb.Responder.Respond(req)
	require.NoError(t, err)
	_, err = b.agent.Handle(resp)
	require.NoError(t, err)
	require.Equal(t, GetFirmwareParametersSent, b.agent.State())
}

func TestFirmwareDataRequests(t *testing.T) {
	b := newBench(t, testPackage(fwupdate.ActivationSelfContained), &fd.MemoryPlatform{Params: deviceParams(1)})

	call := func(cmd uint8, body pldm.Body) []byte {
		resp, err := b.agent.Handle(pldm.Encode(pldm.NewRequest(3, pldm.TypeFWUpdate, cmd), body))
		require.NoError(t, err)
		return resp
	}
	code := func(cmd uint8, body pldm.Body) pldm.CompletionCode {
		c, err := pldm.ResponseCode(call(cmd, body))
		require.NoError(t, err)
		return c
	}

	require.Equal(t, fwupdate.CommandNotExpected, code(fwupdate.CmdRequestFirmwareData,
		&fwupdate.RequestFirmwareDataRequest{Offset: 0, Length: 32}))
	require.Equal(t, fwupdate.CommandNotExpected, code(fwupdate.CmdTransferComplete,
		&fwupdate.TransferCompleteRequest{Result: fwupdate.TransferSuccess}))
	require.Equal(t, pldm.UnsupportedCommand, code(fwupdate.CmdGetStatus, nil))

	require.NoError(t, b.agent.Start())
	for b.agent.State() != Download {
		_, err := b.lb.Step(b.agent)
		require.NoError(t, err)
	}

	for _, tc := range []struct {
		name   string
		offset uint32
		length uint32
		want   pldm.CompletionCode
	}{
		{"first chunk", 0, 64, pldm.Success},
		{"padded tail", 190, 32, pldm.Success},
		{"zero length", 0, 0, fwupdate.InvalidTransferLength},
		{"over transfer size", 0, 65, fwupdate.InvalidTransferLength},
		{"offset past image", 200, 32, fwupdate.DataOutOfRange},
		{"past padding", 180, 64, fwupdate.DataOutOfRange},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, code(fwupdate.CmdRequestFirmwareData,
				&fwupdate.RequestFirmwareDataRequest{Offset: tc.offset, Length: tc.length}))
		})
	}

	var resp fwupdate.RequestFirmwareDataResponse
	_, err := pldm.Decode(call(fwupdate.CmdRequestFirmwareData, &fwupdate.RequestFirmwareDataRequest{Offset: 190, Length: 32}), &resp)
	require.NoError(t, err)
	require.Len(t, resp.Data, 32)
	require.Equal(t, bytes.Repeat([]byte{0x5A}, 10), resp.Data[:10])
	require.Equal(t, make([]byte, 22), resp.Data[10:])

	require.Equal(t, fwupdate.CommandNotExpected, code(fwupdate.CmdVerifyComplete,
		&fwupdate.VerifyCompleteRequest{Result: fwupdate.VerifySuccess}))
}
