// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fwpkgtest lays out PLDM firmware update packages for tests.
package fwpkgtest

import (
	"errors"
	"fmt"
	"math"

	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
)

var errBuild = errors.New("cannot lay out package")

func writeRecordBody(l *uio.Lexer, format fwpkg.FormatVersion, bits uint16, flags uint32, applicable pldm.Bitmap,
	version pldm.FirmwareString, stamp *uint32, descs []pldm.Descriptor, pkgData, manifest []byte,
) error {
	if len(descs) == 0 || len(descs) > math.MaxUint8 {
		return fmt.Errorf("%w: %d descriptors", errBuild, len(descs))
	}
	if len(pkgData) > math.MaxUint16 {
		return fmt.Errorf("%w: %d bytes of package data", errBuild, len(pkgData))
	}
	if format != fwpkg.Format13 && len(manifest) > 0 {
		return fmt.Errorf("%w: reference manifest needs format 1.3", errBuild)
	}
	body := uio.NewLittleEndianBuffer(nil)
	body.Write8(uint8(len(descs)))
	body.Write32(flags)
	version.MarshalHeader(body)
	body.Write16(uint16(len(pkgData)))
	if format == fwpkg.Format13 {
		body.Write32(uint32(len(manifest)))
	}
	bm := pldm.NewBitmap((int(bits)+7)/8)
	copy(bm, applicable)
	body.WriteBytes(bm)
	body.WriteBytes(version.Data)
	if stamp != nil {
		body.Write32(*stamp)
	}
	for _, d := range descs {
		d.Marshal(body)
	}
	body.WriteBytes(pkgData)
	if format == fwpkg.Format13 {
		body.WriteBytes(manifest)
	}
	if len(body.Data())+2 > math.MaxUint16 {
		return fmt.Errorf("%w: record of %d bytes", errBuild, len(body.Data())+2)
	}
	l.Write16(uint16(len(body.Data()) + 2))
	l.WriteBytes(body.Data())
	return nil
}

func marshalHeader(p *fwpkg.Package, base uint32) ([]byte, error) {
	h := &p.Header
	format := h.Format
	l := uio.NewLittleEndianBuffer(nil)
	id := format.ID()
	l.WriteBytes(id[:])
	l.Write8(h.FormatRevision)
	l.Write16(h.Size)
	l.WriteBytes(h.ReleaseTime[:])
	l.Write16(h.ComponentBitmapBits)
	h.Version.MarshalHeader(l)
	l.WriteBytes(h.Version.Data)

	if len(p.DeviceRecords) > math.MaxUint8 || len(p.DownstreamRecords) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: too many records", errBuild)
	}
	l.Write8(uint8(len(p.DeviceRecords)))
	for i, r := range p.DeviceRecords {
		if err := writeRecordBody(l, format, h.ComponentBitmapBits, r.OptionFlags, r.ApplicableComponents,
			r.ImageSetVersion, nil, r.Descriptors, r.PackageData, r.ReferenceManifest); err != nil {
			return nil, fmt.Errorf("device record %d: %w", i, err)
		}
	}
	if format >= fwpkg.Format11 {
		l.Write8(uint8(len(p.DownstreamRecords)))
		for i, r := range p.DownstreamRecords {
			flags, stamp := r.OptionFlags&^1, r.SelfContainedMinStamp
			if stamp != nil {
				flags |= 1
			}
			if err := writeRecordBody(l, format, h.ComponentBitmapBits, flags, r.ApplicableComponents,
				r.SelfContainedMinVersion, stamp, r.Descriptors, r.PackageData, r.ReferenceManifest); err != nil {
				return nil, fmt.Errorf("downstream record %d: %w", i, err)
			}
		}
	} else if len(p.DownstreamRecords) > 0 {
		return nil, fmt.Errorf("%w: downstream records need format 1.1", errBuild)
	}

	l.Write16(uint16(len(p.Components)))
	off := uint64(base)
	for i := range p.Components {
		c := &p.Components[i]
		if off+uint64(len(c.Data)) > math.MaxUint32 {
			return nil, fmt.Errorf("%w: component %d past 4GiB", errBuild, i)
		}
		c.Offset, c.Size = uint32(off), uint32(len(c.Data))
		l.Write16(uint16(c.Classification))
		l.Write16(c.Identifier)
		l.Write32(c.ComparisonStamp)
		l.Write16(uint16(c.Options))
		l.Write16(uint16(c.RequestedActivation))
		l.Write32(c.Offset)
		l.Write32(c.Size)
		c.Version.MarshalHeader(l)
		l.WriteBytes(c.Version.Data)
		if format >= fwpkg.Format12 {
			l.Write32(uint32(len(c.OpaqueData)))
			l.WriteBytes(c.OpaqueData)
		} else if len(c.OpaqueData) > 0 {
			return nil, fmt.Errorf("%w: component %d: opaque data needs format 1.2", errBuild, i)
		}
		off += uint64(len(c.Data))
	}
	return l.Data(), nil
}

// Build lays out p as a package: the header information, the checksums,
// then the component images in order. It fills in the header identifier,
// the header size, the component offsets and sizes and the checksums. A
// zero ComponentBitmapBits is set to cover every component.
func Build(p *fwpkg.Package) ([]byte, error) {
	format := p.Header.Format
	if format == fwpkg.FormatUnknown || format > fwpkg.Format13 {
		return nil, fmt.Errorf("%w: %s", fwpkg.ErrUnknownFormat, format)
	}
	if len(p.Components) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d components", errBuild, len(p.Components))
	}
	if p.Header.ComponentBitmapBits == 0 {
		p.Header.ComponentBitmapBits = uint16((len(p.Components) + 7) / 8 * 8)
	}
	p.Header.Identifier = format.ID()

	sums := 4
	if format == fwpkg.Format13 {
		sums = 8
	}
	hdr, err := marshalHeader(p, 0)
	if err != nil {
		return nil, err
	}
	size := len(hdr) + sums
	if size > math.MaxUint16 {
		return nil, fmt.Errorf("%w: header of %d bytes", errBuild, size)
	}
	p.Header.Size = uint16(size)
	if hdr, err = marshalHeader(p, uint32(size)); err != nil {
		return nil, err
	}

	var payload []byte
	for _, c := range p.Components {
		payload = append(payload, c.Data...)
	}
	p.HeaderChecksum = fwpkg.Checksum(hdr)
	l := uio.NewLittleEndianBuffer(nil)
	l.WriteBytes(hdr)
	l.Write32(p.HeaderChecksum)
	if format == fwpkg.Format13 {
		p.PayloadChecksum = fwpkg.Checksum(payload)
		l.Write32(p.PayloadChecksum)
	}
	l.WriteBytes(payload)
	return l.Data(), nil
}

// MustBuild is Build for fixtures known to be valid.
func MustBuild(p *fwpkg.Package) []byte {
	b, err := Build(p)
	if err != nil {
		panic(err)
	}
	return b
}
