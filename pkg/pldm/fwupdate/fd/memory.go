// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fd

import (
	"errors"
	"fmt"
	"time"

	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

// ErrDownloadOffset means the update agent sent data for an unexpected
// offset.
var ErrDownloadOffset = errors.New("firmware data out of sequence")

// MemoryPlatform is a Platform that keeps the downloaded component in
// memory. Verify and Apply advance by ProgressStep percent per call.
type MemoryPlatform struct {
	Identifiers []pldm.Descriptor
	Params      fwupdate.FirmwareParameters
	// ProgressStep is how far Verify and Apply advance per call.
	ProgressStep uint8
	// VerifyResult and ApplyResult are reported once the phase reaches
	// 100%.
	VerifyResult fwupdate.VerifyResult
	ApplyResult  fwupdate.ApplyResult
	// ApplyActivation is reported with ApplySuccessWithActivationMethod.
	ApplyActivation fwupdate.ActivationMethods
	// ActivationTime is returned for self contained activation.
	ActivationTime uint16
	// Clock returns the current time; time.Now when nil.
	Clock func() time.Time

	// Images holds the downloaded images by component identifier.
	Images map[uint16][]byte
	// Activations counts ActivateFirmware calls.
	Activations int

	buf      []byte
	verified uint8
	applied  uint8
}

var (
	_ Platform           = (*MemoryPlatform)(nil)
	_ ActivationModifier = (*MemoryPlatform)(nil)
)

// Descriptors implements Platform.
func (p *MemoryPlatform) Descriptors() ([]pldm.Descriptor, error) {
	if len(p.Identifiers) == 0 {
		return nil, errors.New("no device identifiers")
	}
	return p.Identifiers, nil
}

// FirmwareParameters implements Platform.
func (p *MemoryPlatform) FirmwareParameters() (*fwupdate.FirmwareParameters, error) {
	return &p.Params, nil
}

// HandleComponent implements Platform.
func (p *MemoryPlatform) HandleComponent(c fwupdate.Component, params *fwupdate.FirmwareParameters, op ComponentOp) (fwupdate.ComponentResponseCode, error) {
	code := params.Eligibility(c)
	if op == OpUpdateComponent {
		p.buf = p.buf[:0]
		p.verified, p.applied = 0, 0
	}
	return code, nil
}

// DownloadOffsetAndLength implements Platform.
func (p *MemoryPlatform) DownloadOffsetAndLength(c fwupdate.Component) (uint32, uint32, error) {
	off := uint32(len(p.buf))
	if off > c.ImageSize {
		return 0, 0, fmt.Errorf("downloaded %d bytes of a %d byte image", off, c.ImageSize)
	}
	return off, c.ImageSize - off, nil
}

// DownloadData implements Platform.
func (p *MemoryPlatform) DownloadData(offset uint32, data []byte, c fwupdate.Component) (fwupdate.TransferResult, error) {
	if offset != uint32(len(p.buf)) || uint64(offset)+uint64(len(data)) > uint64(c.ImageSize)+fwupdate.MaxPaddingSize {
		p.buf = p.buf[:0]
		return 0, fmt.Errorf("%w: %d bytes at %d", ErrDownloadOffset, len(data), offset)
	}
	p.buf = append(p.buf, data...)
	return fwupdate.TransferSuccess, nil
}

// DownloadComplete implements Platform.
func (p *MemoryPlatform) DownloadComplete(c fwupdate.Component) bool {
	return uint32(len(p.buf)) >= c.ImageSize
}

func (p *MemoryPlatform) step(v *uint8) uint8 {
	s := p.ProgressStep
	if s == 0 {
		s = 100
	}
	if int(*v)+int(s) >= 100 {
		*v = 100
	} else {
		*v += s
	}
	return *v
}

// Verify implements Platform.
func (p *MemoryPlatform) Verify(fwupdate.Component) (fwupdate.VerifyResult, uint8, error) {
	if pct := p.step(&p.verified); pct < 100 {
		return fwupdate.VerifySuccess, pct, nil
	}
	return p.VerifyResult, 100, nil
}

// Apply implements Platform. A successful apply keeps the image.
func (p *MemoryPlatform) Apply(c fwupdate.Component) (fwupdate.ApplyResult, uint8, error) {
	if pct := p.step(&p.applied); pct < 100 {
		return fwupdate.ApplySuccess, pct, nil
	}
	if p.ApplyResult.Succeeded() {
		if p.Images == nil {
			p.Images = map[uint16][]byte{}
		}
		img := make([]byte, c.ImageSize)
		copy(img, p.buf)
		p.Images[c.Identifier] = img
	}
	return p.ApplyResult, 100, nil
}

// ModifiedActivation implements ActivationModifier.
func (p *MemoryPlatform) ModifiedActivation(fwupdate.Component) fwupdate.ActivationMethods {
	return p.ApplyActivation
}

// Activate implements Platform.
func (p *MemoryPlatform) Activate(selfContained bool) (pldm.CompletionCode, uint16, error) {
	p.Activations++
	if selfContained {
		return pldm.Success, p.ActivationTime, nil
	}
	return pldm.Success, 0, nil
}

// Now implements Platform.
func (p *MemoryPlatform) Now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}
