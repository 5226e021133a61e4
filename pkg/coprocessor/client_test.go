// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package coprocessor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/sha512"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/periph/mailbox"
	"github.com/linuxboot/mcufw/pkg/platform"
)

const mcuRuntimeID = 2

type bench struct {
	vendor  *ecdsa.PrivateKey
	mb      *mailbox.Mailbox
	soft    *Soft
	server  *Server
	client  *Client
	staging []byte
}

func newBench(t *testing.T, bootPolls int) *bench {
	b := &bench{
		vendor:  newTestKey(t),
		mb:      mailbox.New(platform.NewClock(), mailbox.Config{SRAMSize: 1 << 16}),
		staging: make([]byte, 4096),
	}
	b.soft = NewSoft(SoftConfig{
		VendorKey: &b.vendor.PublicKey,
		Staging: map[uint32]StagingArea{
			mcuRuntimeID: {Address: 0x8000_0000, Size: uint32(len(b.staging)), Memory: bytes.NewReader(b.staging)},
		},
		BootPolls: bootPolls,
	})
	b.server = NewServer(b.mb, b.soft)
	b.client = NewClient(b.mb, ClientConfig{
		MaxRetries: 3,
		MaxPolls:   10,
		Wait:       func() { b.server.Serve() },
	})
	return b
}

func (b *bench) requireReleased(t *testing.T) {
	t.Helper()
	require.False(t, b.mb.IsLocked())
	w, err := b.mb.Port(mailbox.RequesterMCU).ReadSRAM(0)
	require.NoError(t, err)
	require.Zero(t, w)
}

func TestFirmwareVerify(t *testing.T) {
	b := newBench(t, 0)
	ctx := context.Background()

	bundle, err := SignBundle(b.vendor, 1, bytes.Repeat([]byte{0xC5}, 301))
	require.NoError(t, err)
	ok, err := b.client.FirmwareVerify(ctx, NewBytesPayload(bundle))
	require.NoError(t, err)
	require.True(t, ok)
	b.requireReleased(t)

	bundle[BundleHeaderLen] ^= 1
	ok, err = b.client.FirmwareVerify(ctx, NewBytesPayload(bundle))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFirmwareLoadWaitsForRuntime(t *testing.T) {
	b := newBench(t, 3)
	ctx := context.Background()

	bundle, err := SignBundle(b.vendor, 4, []byte("runtime"))
	require.NoError(t, err)
	require.NoError(t, b.client.FirmwareLoad(ctx, NewBytesPayload(bundle)))

	_, err = b.client.FwInfo(ctx)
	require.ErrorIs(t, err, ErrNotReady)

	info, err := b.client.WaitReady(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(4), info.SVN)
	parsed, err := ParseBundle(bundle)
	require.NoError(t, err)
	require.Equal(t, parsed.Digest(), info.BundleDigest)

	// An unsigned bundle is refused before the runtime restarts.
	bundle[len(bundle)-1] ^= 1
	err = b.client.FirmwareLoad(ctx, NewBytesPayload(bundle))
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, CodeSignature, cerr.Code)
	b.requireReleased(t)
}

func TestManifestAndActivation(t *testing.T) {
	b := newBench(t, 0)
	ctx := context.Background()
	image := bytes.Repeat([]byte("mcu runtime "), 100)

	err := b.client.ActivateFirmware(ctx, &ActivateRequest{FirmwareIDs: []uint32{mcuRuntimeID}, MCUImageSize: uint32(len(image))})
	require.ErrorIs(t, err, ErrNotAuthorized)

	manifest, err := SignAuthManifest(b.vendor, []ManifestEntry{
		{FirmwareID: mcuRuntimeID, Digest: sha512.Sum384(image)},
		{FirmwareID: 0x1000, Digest: sha512.Sum384([]byte("soc"))},
	})
	require.NoError(t, err)
	require.NoError(t, b.client.VerifyAuthManifest(ctx, NewBytesPayload(manifest)))
	require.Nil(t, b.soft.Manifest())
	require.NoError(t, b.client.SetAuthManifest(ctx, NewBytesPayload(manifest)))
	require.Len(t, b.soft.Manifest().Entries, 2)

	info, err := b.client.GetImageInfo(ctx, mcuRuntimeID)
	require.NoError(t, err)
	require.Equal(t, &ImageInfo{FirmwareID: mcuRuntimeID, StagingAddress: 0x8000_0000, MaxSize: 4096}, info)
	_, err = b.client.GetImageInfo(ctx, 7)
	require.ErrorIs(t, err, ErrNotAuthorized)

	// Nothing staged yet.
	err = b.client.ActivateFirmware(ctx, &ActivateRequest{FirmwareIDs: []uint32{mcuRuntimeID}, MCUImageSize: uint32(len(image))})
	require.ErrorIs(t, err, ErrDigest)

	copy(b.staging, image)
	require.NoError(t, b.client.ActivateFirmware(ctx, &ActivateRequest{
		FirmwareIDs:  []uint32{mcuRuntimeID, 0x1000},
		MCUImageSize: uint32(len(image)),
	}))
	require.Equal(t, []uint32{mcuRuntimeID, 0x1000}, b.soft.Activated())

	err = b.client.ActivateFirmware(ctx, &ActivateRequest{FirmwareIDs: []uint32{0x2000}})
	require.ErrorIs(t, err, ErrNotAuthorized)

	manifest[len(manifest)-1] ^= 1
	require.ErrorIs(t, b.client.SetAuthManifest(ctx, NewBytesPayload(manifest)), ErrSignature)
	b.requireReleased(t)
}

func TestBusyMailboxIsRetried(t *testing.T) {
	b := newBench(t, 0)
	ctx := context.Background()
	soc := b.mb.Port(0x42)
	require.Zero(t, soc.ReadLock())

	_, err := b.client.FwInfo(ctx)
	require.ErrorIs(t, err, ErrBusy)

	// The SoC agent ends its session and the next attempt gets through.
	require.NoError(t, soc.WriteExecute(0))
	info, err := b.client.FwInfo(ctx)
	require.NoError(t, err)
	require.Zero(t, info.SVN)
	b.requireReleased(t)
}

func TestBadRequestChecksum(t *testing.T) {
	b := newBench(t, 0)
	ctx := context.Background()

	_, err := b.client.Execute(ctx, CmdFwInfo, []byte{0, 0, 0, 0}, nil)
	require.ErrorIs(t, err, ErrChecksum)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, CmdFwInfo, cerr.Cmd)

	_, err = b.client.call(ctx, CommandID(0x58585858), nil, nil)
	require.ErrorIs(t, err, ErrUnknownCommand)
	b.requireReleased(t)
}

func TestCoprocessorNeverAnswers(t *testing.T) {
	b := newBench(t, 0)
	b.client.cfg.Wait = nil
	_, err := b.client.FwInfo(context.Background())
	require.ErrorIs(t, err, ErrPending)
	b.requireReleased(t)
}
