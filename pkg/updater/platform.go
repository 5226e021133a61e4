// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package updater

import (
	"fmt"
	"sync"
	"time"

	"github.com/linuxboot/mcufw/pkg/flashimage"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate/fd"
)

// DefaultMaxTransferSize bounds the RequestFirmwareData chunks asked for.
const DefaultMaxTransferSize = 180

// stagingPlatform downloads one component, the flash image, into staging
// memory.
type stagingPlatform struct {
	cfg *Config
	mem *Memory

	mu       sync.Mutex
	size     uint32
	received uint32
	verified bool
	done     chan struct{}
}

var _ fd.Platform = (*stagingPlatform)(nil)

func newStagingPlatform(cfg *Config, mem *Memory) *stagingPlatform {
	return &stagingPlatform{cfg: cfg, mem: mem, done: make(chan struct{}, 1)}
}

func (p *stagingPlatform) Descriptors() ([]pldm.Descriptor, error) {
	if len(p.cfg.Descriptors) == 0 {
		return nil, fmt.Errorf("no device descriptors configured")
	}
	return p.cfg.Descriptors, nil
}

func (p *stagingPlatform) FirmwareParameters() (*fwupdate.FirmwareParameters, error) {
	return &p.cfg.Params, nil
}

// HandleComponent refuses images too small to hold a flash header with
// one image, and images that do not fit staging.
func (p *stagingPlatform) HandleComponent(c fwupdate.Component, params *fwupdate.FirmwareParameters, op fd.ComponentOp) (fwupdate.ComponentResponseCode, error) {
	if c.ImageSize < flashimage.HeaderLen+flashimage.ImageHeaderLen || int64(c.ImageSize) > p.mem.Size() {
		log.Warnf("updater: %s does not fit staging memory of %d bytes", c, p.mem.Size())
		return fwupdate.CompPrerequisitesNotMet, nil
	}
	if op == fd.OpUpdateComponent {
		p.mu.Lock()
		p.size, p.received, p.verified = c.ImageSize, 0, false
		p.mu.Unlock()
	}
	return params.Eligibility(c), nil
}

func (p *stagingPlatform) DownloadOffsetAndLength(c fwupdate.Component) (uint32, uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.received >= c.ImageSize {
		return 0, 0, fmt.Errorf("downloaded %d bytes of a %d byte image", p.received, c.ImageSize)
	}
	n := c.ImageSize - p.received
	if n < fwupdate.BaselineTransferSize {
		n = fwupdate.BaselineTransferSize
	}
	if limit := p.cfg.MaxTransferSize; n > limit {
		n = limit
	}
	return p.received, n, nil
}

// DownloadData stores a chunk. Padding past the image end is dropped.
func (p *stagingPlatform) DownloadData(offset uint32, data []byte, c fwupdate.Component) (fwupdate.TransferResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if offset != p.received {
		return 0, fmt.Errorf("%w: %d bytes at %d, expected %d", fd.ErrDownloadOffset, len(data), offset, p.received)
	}
	if rem := c.ImageSize - offset; uint32(len(data)) > rem {
		data = data[:rem]
	}
	if _, err := p.mem.WriteAt(data, int64(offset)); err != nil {
		return fwupdate.TransferErrorImageCorrupt, nil
	}
	p.received += uint32(len(data))
	return fwupdate.TransferSuccess, nil
}

func (p *stagingPlatform) DownloadComplete(c fwupdate.Component) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.received >= c.ImageSize
}

// Verify checks the flash image structure and checksums. Signatures are
// left to the coprocessor at install time.
func (p *stagingPlatform) Verify(c fwupdate.Component) (fwupdate.VerifyResult, uint8, error) {
	img, err := flashimage.Read(p.mem, int64(c.ImageSize))
	if err == nil {
		err = img.Verify()
	}
	if err != nil {
		log.Errorf("updater: staged flash image: %v", err)
		return fwupdate.VerifyErrorVerificationFailure, 100, nil
	}
	p.mu.Lock()
	p.verified = true
	p.mu.Unlock()
	return fwupdate.VerifySuccess, 100, nil
}

func (p *stagingPlatform) Apply(fwupdate.Component) (fwupdate.ApplyResult, uint8, error) {
	return fwupdate.ApplySuccess, 100, nil
}

// Activate hands the staged image to the updater.
func (p *stagingPlatform) Activate(bool) (pldm.CompletionCode, uint16, error) {
	p.mu.Lock()
	verified := p.verified
	p.mu.Unlock()
	if !verified {
		return fwupdate.ActivationNotRequired, 0, nil
	}
	select {
	case p.done <- struct{}{}:
	default:
	}
	return pldm.Success, 0, nil
}

func (p *stagingPlatform) Now() time.Time {
	if p.cfg.Clock != nil {
		return p.cfg.Clock()
	}
	return time.Now()
}

// staged returns the size of the verified download.
func (p *stagingPlatform) staged() (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size, p.verified && p.received >= p.size
}
