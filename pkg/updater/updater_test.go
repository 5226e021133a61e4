// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package updater

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/flashimage"
	"github.com/linuxboot/mcufw/pkg/mctp"
	"github.com/linuxboot/mcufw/pkg/periph/dma"
	"github.com/linuxboot/mcufw/pkg/periph/mailbox"
	"github.com/linuxboot/mcufw/pkg/platform"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate/fd"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate/ua"
)

const (
	testSRAMBase  = 0x4000_0000
	testDMABase   = 0x2100_0000
	testComponent = 0x0010
)

var deviceID = uuid.MustParse("6a1d1f1e-4e8c-4c1b-9a55-0c3f2b7d9e10")

func ascii(s string) pldm.FirmwareString {
	return pldm.MustFirmwareString(pldm.StringASCII, s)
}

type bench struct {
	vendor *ecdsa.PrivateKey
	soft   *coprocessor.Soft
	ext    []byte
	u      *Updater
}

func newBench(t *testing.T) *bench {
	t.Helper()
	vendor, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	clock := platform.NewClock()
	mb := mailbox.New(clock, mailbox.Config{SRAMSize: 1 << 16})
	b := &bench{vendor: vendor, ext: make([]byte, 0x1000)}
	b.soft = coprocessor.NewSoft(coprocessor.SoftConfig{
		VendorKey: &vendor.PublicKey,
		Staging: map[uint32]coprocessor.StagingArea{
			flashimage.MCURuntime: {
				Address: dma.ExternalSRAMAperture.Offset,
				Size:    uint32(len(b.ext)),
				Memory:  bytes.NewReader(b.ext),
			},
		},
		BootPolls: 2,
	})
	server := coprocessor.NewServer(mb, b.soft)
	client := coprocessor.NewClient(mb, coprocessor.ClientConfig{
		MaxRetries: 3,
		MaxPolls:   10,
		Wait:       func() { server.Serve() },
	})

	sram := make([]byte, 0x100)
	engine := dma.New(clock, dma.Config{MCUSRAM: sram, MCUSRAMBase: testSRAMBase, ExternalSRAM: b.ext})
	bus := &platform.Bus{}
	require.NoError(t, bus.Attach(testDMABase, dma.WindowSize, engine))

	at := time.Unix(7000, 0)
	b.u, err = New(Config{
		PLDM:        pldm.DefaultConfig(),
		Descriptors: []pldm.Descriptor{pldm.UUIDDescriptor(deviceID)},
		Params: fwupdate.FirmwareParameters{
			ActiveImageSet: ascii("set-1"),
			Components: []fwupdate.ComponentParameters{{
				Classification:    fwupdate.ClassFirmware,
				Identifier:        testComponent,
				Active:            fwupdate.ImageInfo{ComparisonStamp: 1, Version: ascii("1.0")},
				ActivationMethods: fwupdate.ActivationSelfContained | fwupdate.ActivationAutomatic,
			}},
		},
		StagingSize:   0x2000,
		Clock:         func() time.Time { return at },
		Client:        client,
		DMA:           &dma.Driver{Bus: bus, Base: testDMABase, Clock: clock},
		Bounce:        sram[:128],
		BounceAddress: testSRAMBase,
	})
	require.NoError(t, err)
	return b
}

// flash builds a flash image whose manifest authorizes digestOf instead of
// the shipped MCU runtime when it is not nil.
func (b *bench) flash(t *testing.T, mcu, digestOf []byte) []byte {
	t.Helper()
	bundle, err := coprocessor.SignBundle(b.vendor, 3, bytes.Repeat([]byte{0xC5}, 200))
	require.NoError(t, err)
	soc := bytes.Repeat([]byte("soc!"), 16)
	if digestOf == nil {
		digestOf = mcu
	}
	manifest, err := coprocessor.SignAuthManifest(b.vendor, []coprocessor.ManifestEntry{
		{FirmwareID: flashimage.MCURuntime, Digest: sha512.Sum384(digestOf)},
		{FirmwareID: flashimage.SoCImagesBase, Digest: sha512.Sum384(soc)},
	})
	require.NoError(t, err)
	img, err := flashimage.Build([]flashimage.Entry{
		{Identifier: flashimage.CaliptraFMCRT, Data: bundle},
		{Identifier: flashimage.SoCManifest, Data: manifest},
		{Identifier: flashimage.MCURuntime, Data: mcu},
		{Identifier: flashimage.SoCImagesBase, Data: soc},
	})
	require.NoError(t, err)
	return img
}

// download pushes image to the updater through a PLDM update agent.
func (b *bench) download(t *testing.T, image []byte) *ua.Agent {
	t.Helper()
	bm := pldm.NewBitmap(1)
	bm.Set(0)
	pkg := &fwpkg.Package{
		Header: fwpkg.Header{Format: fwpkg.Format13, Version: ascii("pkg-2")},
		DeviceRecords: []fwpkg.DeviceRecord{{
			ApplicableComponents: bm,
			ImageSetVersion:      ascii("set-2"),
			Descriptors:          []pldm.Descriptor{pldm.UUIDDescriptor(deviceID)},
		}},
		Components: []fwpkg.ComponentImage{{
			Classification:      fwupdate.ClassFirmware,
			Identifier:          testComponent,
			ComparisonStamp:     2,
			RequestedActivation: fwupdate.ActivationSelfContained,
			Size:                uint32(len(image)),
			Version:             ascii("2.0"),
			Data:                image,
		}},
	}
	cfg := pldm.DefaultConfig()
	l := newLink()
	dev := b.u.Register(l.device, pldm.NewResponder(cfg, pldm.NewControl(pldm.DefaultCapabilities())))
	agent := ua.New(cfg, pkg)
	host := ua.Register(l.agent, agent, deviceEID)
	require.NoError(t, agent.Start())
	for i := 0; i < 500; i++ {
		_, err := host.Poll()
		require.NoError(t, err)
		l.flush(t)
		require.NoError(t, dev.Poll())
		l.flush(t)
		if s := agent.State(); (s == ua.Done || s == ua.Idle) && !agent.Busy() {
			return agent
		}
	}
	t.Fatalf("update stuck in %s", agent.State())
	return nil
}

const (
	agentEID  = 0x08
	deviceEID = 0x10
)

type queue struct {
	pkts [][]byte
}

func (q *queue) Transmit(pkt []byte) error {
	q.pkts = append(q.pkts, append([]byte(nil), pkt...))
	return nil
}

// link joins the update agent's mux and the device's.
type link struct {
	agentTx, deviceTx *queue
	agent, device     *mctp.Mux
}

func newLink() *link {
	l := &link{agentTx: &queue{}, deviceTx: &queue{}}
	l.agent = mctp.NewMux(mctp.Config{EID: agentEID}, l.agentTx)
	l.device = mctp.NewMux(mctp.Config{EID: deviceEID}, l.deviceTx)
	return l
}

func (l *link) flush(t *testing.T) {
	t.Helper()
	for len(l.agentTx.pkts) > 0 || len(l.deviceTx.pkts) > 0 {
		toDevice := l.agentTx.pkts
		l.agentTx.pkts = nil
		for _, pkt := range toDevice {
			require.NoError(t, l.device.Receive(pkt))
		}
		toAgent := l.deviceTx.pkts
		l.deviceTx.pkts = nil
		for _, pkt := range toAgent {
			require.NoError(t, l.agent.Receive(pkt))
		}
	}
}

func TestUpdate(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()
	mcu := bytes.Repeat([]byte("mcu runtime "), 25)
	image := b.flash(t, mcu, nil)

	require.ErrorIs(t, b.u.Install(ctx), ErrNotStaged)

	agent := b.download(t, image)
	require.Equal(t, ua.Done, agent.State())
	require.NoError(t, agent.Err())

	staged := make([]byte, len(image))
	_, err := b.u.Staging().ReadAt(staged, 0)
	require.NoError(t, err)
	require.Equal(t, image, staged)

	require.NoError(t, b.u.Run(ctx))
	require.Equal(t, []uint32{flashimage.MCURuntime}, b.soft.Activated())
	require.Equal(t, mcu, b.ext[:len(mcu)])
	require.Len(t, b.soft.Manifest().Entries, 2)
}

func TestUpdateDigestMismatch(t *testing.T) {
	b := newBench(t)
	ctx := context.Background()
	mcu := bytes.Repeat([]byte("mcu runtime "), 25)
	b.download(t, b.flash(t, mcu, []byte("something else")))

	require.ErrorIs(t, b.u.Run(ctx), ErrDigest)
	require.Empty(t, b.soft.Activated())
	require.Nil(t, b.soft.Manifest())
	require.Zero(t, b.ext[0])
}

func TestUpdateCorruptImage(t *testing.T) {
	b := newBench(t)
	image := b.flash(t, bytes.Repeat([]byte{0x4D}, 64), nil)
	image[len(image)-1] ^= 0xFF

	// Verification fails on the device, so the agent never activates.
	b.download(t, image)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, b.u.Run(ctx), context.DeadlineExceeded)
	require.ErrorIs(t, b.u.Install(context.Background()), ErrNotStaged)
}

func TestHandleComponent(t *testing.T) {
	b := newBench(t)
	p := b.u.plat
	params := &b.u.cfg.Params
	comp := func(size uint32) fwupdate.Component {
		return fwupdate.Component{
			Classification:  fwupdate.ClassFirmware,
			Identifier:      testComponent,
			ComparisonStamp: 2,
			Version:         ascii("2.0"),
			ImageSize:       size,
		}
	}
	for _, tc := range []struct {
		name string
		size uint32
		want fwupdate.ComponentResponseCode
	}{
		{"too small", flashimage.HeaderLen + flashimage.ImageHeaderLen - 1, fwupdate.CompPrerequisitesNotMet},
		{"too large", 0x2001, fwupdate.CompPrerequisitesNotMet},
		{"fits", 0x2000, fwupdate.CompCanBeUpdated},
	} {
		t.Run(tc.name, func(t *testing.T) {
			code, err := p.HandleComponent(comp(tc.size), params, 0)
			require.NoError(t, err)
			require.Equal(t, tc.want, code)
		})
	}
}

func TestDownloadRanges(t *testing.T) {
	b := newBench(t)
	p := b.u.plat
	c := fwupdate.Component{ImageSize: 400}

	off, n, err := p.DownloadOffsetAndLength(c)
	require.NoError(t, err)
	require.Equal(t, uint32(0), off)
	require.Equal(t, uint32(DefaultMaxTransferSize), n)

	_, err = p.DownloadData(10, make([]byte, 180), c)
	require.ErrorIs(t, err, fd.ErrDownloadOffset)

	for _, chunk := range []uint32{180, 180} {
		res, err := p.DownloadData(p.received, bytes.Repeat([]byte{1}, int(chunk)), c)
		require.NoError(t, err)
		require.Equal(t, fwupdate.TransferSuccess, res)
	}
	require.False(t, p.DownloadComplete(c))

	// A misplaced chunk is refused without losing what was received.
	_, err = p.DownloadData(180, make([]byte, 40), c)
	require.ErrorIs(t, err, fd.ErrDownloadOffset)
	require.Equal(t, uint32(360), p.received)

	// The last 40 bytes are asked for at the baseline size or above, and
	// the padding is dropped.
	off, n, err = p.DownloadOffsetAndLength(c)
	require.NoError(t, err)
	require.Equal(t, uint32(360), off)
	require.Equal(t, uint32(40), n)
	res, err := p.DownloadData(off, bytes.Repeat([]byte{2}, 40), c)
	require.NoError(t, err)
	require.Equal(t, fwupdate.TransferSuccess, res)
	require.True(t, p.DownloadComplete(c))

	c.ImageSize = 370
	p.received = 360
	_, n, err = p.DownloadOffsetAndLength(c)
	require.NoError(t, err)
	require.Equal(t, uint32(fwupdate.BaselineTransferSize), n)
	_, err = p.DownloadData(360, bytes.Repeat([]byte{3}, 32), c)
	require.NoError(t, err)
	require.Equal(t, uint32(370), p.received)
}

func TestMemory(t *testing.T) {
	m := NewMemory(16)
	n, err := m.WriteAt([]byte("abcd"), 12)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	_, err = m.WriteAt([]byte("abcd"), 13)
	require.ErrorIs(t, err, ErrStagingBounds)

	buf := make([]byte, 8)
	n, err = m.ReadAt(buf, 10)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, 6, n)
	require.Equal(t, []byte{0, 0, 'a', 'b', 'c', 'd'}, buf[:n])
	_, err = m.ReadAt(buf, 16)
	require.ErrorIs(t, err, io.EOF)
}

func TestPayloadByteSum(t *testing.T) {
	image, err := flashimage.Build([]flashimage.Entry{{Identifier: flashimage.MCURuntime, Data: []byte{1, 2, 3, 4}}})
	require.NoError(t, err)
	img, err := flashimage.Read(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)

	p := NewPayload(img, img.Images[0])
	require.Equal(t, 4, p.Size())
	_, err = io.ReadAll(p)
	require.NoError(t, err)
	sum, err := p.ByteSum()
	require.NoError(t, err)
	require.Equal(t, uint32(10), sum)
	data, err := io.ReadAll(p)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, data)
}
