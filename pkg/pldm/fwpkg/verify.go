// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwpkg

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/hashicorp/go-multierror"
)

// Consistency errors reported by Verify.
var (
	ErrHeaderSize      = errors.New("header size mismatch")
	ErrHeaderChecksum  = errors.New("header checksum mismatch")
	ErrPayloadChecksum = errors.New("payload checksum mismatch")
	ErrImageBounds     = errors.New("component image outside the package")
	ErrApplicable      = errors.New("applicable component out of range")
	ErrNoDescriptors   = errors.New("device record without descriptors")
	ErrBitmapLength    = errors.New("component bitmap too short")
)

// Checksum is the CRC-32 (ISO HDLC) used by package checksums.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// Verify checks sizes, checksums and cross references, and reports every
// problem found.
func (p *Package) Verify() error {
	var result *multierror.Error

	size := p.checksumOffset + 4
	if p.Header.Format == Format13 {
		size += 4
	}
	if int(p.Header.Size) != size {
		result = multierror.Append(result, fmt.Errorf("%w: header says %d, parsed %d", ErrHeaderSize, p.Header.Size, size))
	}
	if sum := Checksum(p.data[:p.checksumOffset]); sum != p.HeaderChecksum {
		result = multierror.Append(result, fmt.Errorf("%w: 0x%08x, computed 0x%08x", ErrHeaderChecksum, p.HeaderChecksum, sum))
	}
	if p.Header.Format == Format13 && size <= len(p.data) {
		if sum := Checksum(p.data[size:]); sum != p.PayloadChecksum {
			result = multierror.Append(result, fmt.Errorf("%w: 0x%08x, computed 0x%08x", ErrPayloadChecksum, p.PayloadChecksum, sum))
		}
	}

	if int(p.Header.ComponentBitmapBits) < len(p.Components) {
		result = multierror.Append(result, fmt.Errorf("%w: %d bits for %d components", ErrBitmapLength, p.Header.ComponentBitmapBits, len(p.Components)))
	}
	for i, r := range p.DeviceRecords {
		if len(r.Descriptors) == 0 {
			result = multierror.Append(result, fmt.Errorf("device record %d: %w", i, ErrNoDescriptors))
		}
		for _, c := range r.Applicable() {
			if c >= len(p.Components) {
				result = multierror.Append(result, fmt.Errorf("device record %d: %w: %d", i, ErrApplicable, c))
			}
		}
	}
	for i, r := range p.DownstreamRecords {
		for _, c := range r.ApplicableComponents.Items() {
			if c >= len(p.Components) {
				result = multierror.Append(result, fmt.Errorf("downstream record %d: %w: %d", i, ErrApplicable, c))
			}
		}
	}
	for i, c := range p.Components {
		end := uint64(c.Offset) + uint64(c.Size)
		if uint64(c.Offset) < uint64(size) || end > uint64(len(p.data)) {
			result = multierror.Append(result, fmt.Errorf("component %d: %w: [0x%x, 0x%x) of 0x%x", i, ErrImageBounds, c.Offset, end, len(p.data)))
		}
	}
	return result.ErrorOrNil()
}
