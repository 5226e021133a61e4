// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package updater installs a flash image received over PLDM firmware
// update. The image is downloaded into staging memory, checked, and its
// parts are handed to the coprocessor: the firmware bundle is loaded, the
// SoC manifest installed, and the MCU runtime copied to its staging area
// and activated.
package updater

import (
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/flashimage"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/mctp"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate/fd"
)

// Errors returned by Install.
var (
	ErrNotStaged       = errors.New("no verified image in staging memory")
	ErrBundleRejected  = errors.New("coprocessor rejected the firmware bundle")
	ErrNotAuthorized   = errors.New("image not listed in the SoC manifest")
	ErrDigest          = errors.New("image digest does not match the SoC manifest")
	ErrStagingTooSmall = errors.New("MCU runtime larger than its staging area")
)

// Copier moves bytes between AXI addresses. *dma.Driver implements it.
type Copier interface {
	Copy(ctx context.Context, src, dst uint64, n uint32) error
}

// Config configures an Updater.
type Config struct {
	PLDM        pldm.Config
	Descriptors []pldm.Descriptor
	Params      fwupdate.FirmwareParameters
	// StagingSize is the capacity of the download staging memory.
	StagingSize int
	// MaxTransferSize bounds each RequestFirmwareData. Zero means
	// DefaultMaxTransferSize.
	MaxTransferSize uint32
	// Clock is the time base of the PLDM timers. Zero means time.Now.
	Clock func() time.Time

	Client *coprocessor.Client
	DMA    Copier
	// Bounce is MCU SRAM at BounceAddress used to copy the MCU runtime
	// out of staging memory.
	Bounce        []byte
	BounceAddress uint64
}

// Updater drives one firmware update.
type Updater struct {
	cfg     Config
	staging *Memory
	plat    *stagingPlatform
	dev     *fd.Device
}

// New returns an updater waiting for a download.
func New(cfg Config) (*Updater, error) {
	if cfg.Client == nil || cfg.DMA == nil {
		return nil, errors.New("updater needs a coprocessor client and a DMA copier")
	}
	if len(cfg.Bounce) == 0 {
		return nil, errors.New("updater needs a bounce buffer")
	}
	if cfg.MaxTransferSize == 0 {
		cfg.MaxTransferSize = DefaultMaxTransferSize
	}
	if cfg.MaxTransferSize < fwupdate.BaselineTransferSize {
		return nil, fmt.Errorf("max transfer size %d below the baseline of %d", cfg.MaxTransferSize, fwupdate.BaselineTransferSize)
	}
	u := &Updater{cfg: cfg, staging: NewMemory(cfg.StagingSize)}
	u.plat = newStagingPlatform(&u.cfg, u.staging)
	u.dev = fd.New(cfg.PLDM, u.plat)
	return u, nil
}

// Device returns the firmware device to register with the PLDM responder
// and to poll for requests.
func (u *Updater) Device() *fd.Device {
	return u.dev
}

// Register routes firmware update requests from r to the device and
// serves r on mux. The returned endpoint is polled, or served, to send the
// device's own requests and to expire T1.
func (u *Updater) Register(mux *mctp.Mux, r *pldm.Responder) *fd.Endpoint {
	r.Register(pldm.TypeFWUpdate, u.dev)
	return fd.Register(mux, r, u.dev)
}

// Staging returns the download staging memory.
func (u *Updater) Staging() *Memory {
	return u.staging
}

// Wait blocks until the update agent activates a verified download.
func (u *Updater) Wait(ctx context.Context) error {
	select {
	case <-u.plat.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run waits for the download and installs it.
func (u *Updater) Run(ctx context.Context) error {
	if err := u.Wait(ctx); err != nil {
		return err
	}
	return u.Install(ctx)
}

func (u *Updater) payload(img *flashimage.Image, id uint32) (*Payload, error) {
	h, err := img.Find(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flashimage.IdentifierName(id), err)
	}
	return NewPayload(img, h), nil
}

// Install verifies the staged flash image with the coprocessor and
// activates it.
func (u *Updater) Install(ctx context.Context) error {
	size, ok := u.plat.staged()
	if !ok {
		return ErrNotStaged
	}
	img, err := flashimage.Read(u.staging, int64(size))
	if err != nil {
		return err
	}
	if err := img.Verify(); err != nil {
		return err
	}

	bundle, err := u.payload(img, flashimage.CaliptraFMCRT)
	if err != nil {
		return err
	}
	ok, err = u.cfg.Client.FirmwareVerify(ctx, bundle)
	if err != nil {
		return fmt.Errorf("verify firmware bundle: %w", err)
	}
	if !ok {
		return ErrBundleRejected
	}

	manifest, err := u.payload(img, flashimage.SoCManifest)
	if err != nil {
		return err
	}
	if err := u.cfg.Client.VerifyAuthManifest(ctx, manifest); err != nil {
		return fmt.Errorf("verify SoC manifest: %w", err)
	}
	raw, err := img.ReadImage(flashimage.SoCManifest)
	if err != nil {
		return err
	}
	m, err := coprocessor.ParseAuthManifest(raw)
	if err != nil {
		return fmt.Errorf("SoC manifest: %w", err)
	}
	if err := checkDigests(img, m); err != nil {
		return err
	}
	log.Infof("updater: staged image of %d bytes is valid", size)

	// FIRMWARE_LOAD streams without a checksum pass, so start over.
	if bundle, err = u.payload(img, flashimage.CaliptraFMCRT); err != nil {
		return err
	}
	if err := u.cfg.Client.FirmwareLoad(ctx, bundle); err != nil {
		return fmt.Errorf("load firmware bundle: %w", err)
	}
	info, err := u.cfg.Client.WaitReady(ctx)
	if err != nil {
		return fmt.Errorf("coprocessor runtime: %w", err)
	}
	log.Infof("updater: coprocessor runtime up, SVN %d", info.SVN)
	if err := u.cfg.Client.SetAuthManifest(ctx, manifest); err != nil {
		return fmt.Errorf("set SoC manifest: %w", err)
	}

	mcu, err := img.Find(flashimage.MCURuntime)
	if err != nil {
		return fmt.Errorf("%s: %w", flashimage.IdentifierName(flashimage.MCURuntime), err)
	}
	if err := u.stage(ctx, img, mcu); err != nil {
		return err
	}
	if err := u.cfg.Client.ActivateFirmware(ctx, &coprocessor.ActivateRequest{
		FirmwareIDs:  []uint32{flashimage.MCURuntime},
		MCUImageSize: mcu.Size,
	}); err != nil {
		return fmt.Errorf("activate MCU runtime: %w", err)
	}
	log.Infof("updater: MCU runtime of %d bytes activated", mcu.Size)
	return nil
}

// checkDigests streams every image other than the bundle and the
// manifest through SHA-384 and compares it to its manifest entry.
func checkDigests(img *flashimage.Image, m *coprocessor.AuthManifest) error {
	for _, h := range img.Images {
		if h.Identifier == flashimage.CaliptraFMCRT || h.Identifier == flashimage.SoCManifest {
			continue
		}
		e, ok := m.Lookup(h.Identifier)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotAuthorized, flashimage.IdentifierName(h.Identifier))
		}
		d := sha512.New384()
		if _, err := io.Copy(d, img.Open(h)); err != nil {
			return fmt.Errorf("hash %s: %w", flashimage.IdentifierName(h.Identifier), err)
		}
		if [48]byte(d.Sum(nil)) != e.Digest {
			return fmt.Errorf("%w: %s", ErrDigest, flashimage.IdentifierName(h.Identifier))
		}
	}
	return nil
}

// stage copies the MCU runtime to the address the coprocessor reported,
// one bounce buffer at a time.
func (u *Updater) stage(ctx context.Context, img *flashimage.Image, h flashimage.ImageHeader) error {
	info, err := u.cfg.Client.GetImageInfo(ctx, flashimage.MCURuntime)
	if err != nil {
		return fmt.Errorf("MCU runtime staging area: %w", err)
	}
	if h.Size > info.MaxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrStagingTooSmall, h.Size, info.MaxSize)
	}
	r := img.Open(h)
	for off := uint32(0); off < h.Size; {
		n := uint32(len(u.cfg.Bounce))
		if rem := h.Size - off; n > rem {
			n = rem
		}
		if _, err := io.ReadFull(r, u.cfg.Bounce[:n]); err != nil {
			return fmt.Errorf("read MCU runtime at 0x%x: %w", off, err)
		}
		if err := u.cfg.DMA.Copy(ctx, u.cfg.BounceAddress, info.StagingAddress+uint64(off), n); err != nil {
			return fmt.Errorf("DMA MCU runtime at 0x%x: %w", off, err)
		}
		off += n
	}
	log.Debugf("updater: copied %d bytes to 0x%x", h.Size, info.StagingAddress)
	return nil
}
