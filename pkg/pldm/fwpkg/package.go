// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fwpkg decodes PLDM firmware update packages (DSP0267 header
// formats 1.0 to 1.3). It does not build packages.
package fwpkg

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/pldm"
	"github.com/linuxboot/mcufw/pkg/pldm/fwupdate"
)

// FormatVersion is the package header format, selected by the header
// identifier UUID.
type FormatVersion uint8

// Header formats.
const (
	FormatUnknown FormatVersion = iota
	Format10
	Format11
	Format12
	Format13
)

// Header identifiers of the known formats.
var (
	Format10ID = uuid.MustParse("f018878c-cb7d-4943-9800-a02f059aca02")
	Format11ID = uuid.MustParse("1244d264-8d7d-4718-a030-fc8a56587d5a")
	Format12ID = uuid.MustParse("3119ce2f-e80a-4a99-af6d-46f8b121f6bf")
	Format13ID = uuid.MustParse("7b291c99-6db6-4208-801b-02026e463c78")
)

// FormatOf maps a header identifier to its format.
func FormatOf(id uuid.UUID) FormatVersion {
	switch id {
	case Format10ID:
		return Format10
	case Format11ID:
		return Format11
	case Format12ID:
		return Format12
	case Format13ID:
		return Format13
	}
	return FormatUnknown
}

// ID returns the header identifier of the format.
func (v FormatVersion) ID() uuid.UUID {
	switch v {
	case Format10:
		return Format10ID
	case Format11:
		return Format11ID
	case Format12:
		return Format12ID
	case Format13:
		return Format13ID
	}
	return uuid.Nil
}

func (v FormatVersion) String() string {
	if v == FormatUnknown || v > Format13 {
		return "unknown"
	}
	return fmt.Sprintf("1.%d", v-Format10)
}

// ComponentOptions are the per-image options of the component image
// information area.
type ComponentOptions uint16

// Component options.
const (
	OptionForceUpdate        ComponentOptions = 1 << 0
	OptionUseComparisonStamp ComponentOptions = 1 << 1
)

// Decode errors.
var (
	ErrUnknownFormat = errors.New("unknown package header identifier")
	ErrTruncated     = errors.New("package truncated")
	ErrRecordLength  = errors.New("record length does not match its contents")
)

// Header is the package header information.
type Header struct {
	Identifier     uuid.UUID
	Format         FormatVersion
	FormatRevision uint8
	// Size is the header size including the checksums.
	Size        uint16
	ReleaseTime Timestamp104
	// ComponentBitmapBits is the bit length of every applicable
	// components bitmap in the package.
	ComponentBitmapBits uint16
	Version             pldm.FirmwareString
}

// DeviceRecord is a firmware device identification record.
type DeviceRecord struct {
	OptionFlags          uint32
	ApplicableComponents pldm.Bitmap
	ImageSetVersion      pldm.FirmwareString
	// Descriptors holds the initial descriptor followed by the additional
	// ones.
	Descriptors       []pldm.Descriptor
	PackageData       []byte
	ReferenceManifest []byte
}

// Applicable returns the indexes of the components the record applies
// to.
func (r *DeviceRecord) Applicable() []int {
	return r.ApplicableComponents.Items()
}

// Matches reports whether a device identifying itself with have is
// targeted by the record: every record descriptor must be present.
func (r *DeviceRecord) Matches(have []pldm.Descriptor) bool {
	return len(r.Descriptors) > 0 && pldm.ContainsAll(have, r.Descriptors)
}

// DownstreamRecord is a downstream device identification record
// (format 1.1 and later).
type DownstreamRecord struct {
	OptionFlags          uint32
	ApplicableComponents pldm.Bitmap
	// SelfContainedMinVersion is the minimum version that supports self
	// contained activation.
	SelfContainedMinVersion pldm.FirmwareString
	// SelfContainedMinStamp is only present when bit 0 of OptionFlags is
	// set.
	SelfContainedMinStamp *uint32
	Descriptors           []pldm.Descriptor
	PackageData           []byte
	ReferenceManifest     []byte
}

// ComponentImage is one entry of the component image information area.
type ComponentImage struct {
	Classification      fwupdate.Classification
	Identifier          uint16
	ComparisonStamp     uint32
	Options             ComponentOptions
	RequestedActivation fwupdate.ActivationMethods
	Offset              uint32
	Size                uint32
	Version             pldm.FirmwareString
	// OpaqueData is only carried by formats 1.2 and later.
	OpaqueData []byte
	// Data is the image itself once the package is parsed.
	Data []byte `json:"-"`
}

// Component returns the firmware update view of the image with the given
// class index.
func (c *ComponentImage) Component(classIndex uint8) fwupdate.Component {
	return fwupdate.Component{
		Classification:  c.Classification,
		Identifier:      c.Identifier,
		ClassIndex:      classIndex,
		ComparisonStamp: c.ComparisonStamp,
		Version:         c.Version,
		ImageSize:       c.Size,
	}
}

// Package is a decoded firmware update package.
type Package struct {
	Header            Header
	DeviceRecords     []DeviceRecord
	DownstreamRecords []DownstreamRecord
	Components        []ComponentImage
	HeaderChecksum    uint32
	// PayloadChecksum is only carried by format 1.3.
	PayloadChecksum uint32

	// checksumOffset is where the header checksum sits in the package.
	checksumOffset int
	data           []byte
}

// MatchDevice returns the first device record targeting a device with the
// given descriptors.
func (p *Package) MatchDevice(have []pldm.Descriptor) (*DeviceRecord, bool) {
	for i := range p.DeviceRecords {
		if p.DeviceRecords[i].Matches(have) {
			return &p.DeviceRecords[i], true
		}
	}
	return nil, false
}

// Bytes returns the raw package.
func (p *Package) Bytes() []byte {
	return p.data
}

// Parse decodes a package. Images are referenced, not copied. Parse only
// fails on structural errors; see Verify for consistency checks.
func Parse(data []byte) (*Package, error) {
	l := uio.NewLittleEndianBuffer(data)
	p := &Package{data: data}
	if err := p.Header.unmarshal(l); err != nil {
		return nil, err
	}
	bits := p.Header.ComponentBitmapBits
	format := p.Header.Format

	n := l.Read8()
	for i := 0; i < int(n); i++ {
		var r DeviceRecord
		if err := r.unmarshal(l, bits, format); err != nil {
			return nil, fmt.Errorf("device record %d: %w", i, err)
		}
		p.DeviceRecords = append(p.DeviceRecords, r)
	}
	if format >= Format11 {
		n := l.Read8()
		for i := 0; i < int(n); i++ {
			var r DownstreamRecord
			if err := r.unmarshal(l, bits, format); err != nil {
				return nil, fmt.Errorf("downstream record %d: %w", i, err)
			}
			p.DownstreamRecords = append(p.DownstreamRecords, r)
		}
	}
	count := l.Read16()
	for i := 0; i < int(count); i++ {
		var c ComponentImage
		if err := c.unmarshal(l, format); err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		p.Components = append(p.Components, c)
	}
	p.checksumOffset = len(data) - l.Len()
	p.HeaderChecksum = l.Read32()
	if format == Format13 {
		p.PayloadChecksum = l.Read32()
	}
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	for i := range p.Components {
		c := &p.Components[i]
		end := uint64(c.Offset) + uint64(c.Size)
		if end <= uint64(len(data)) {
			c.Data = data[c.Offset:end]
		}
	}
	return p, nil
}

func (h *Header) unmarshal(l *uio.Lexer) error {
	l.ReadBytes(h.Identifier[:])
	h.FormatRevision = l.Read8()
	h.Size = l.Read16()
	l.ReadBytes(h.ReleaseTime[:])
	h.ComponentBitmapBits = l.Read16()
	h.Version.Type = pldm.StringType(l.Read8())
	h.Version.UnmarshalData(l, l.Read8())
	if err := l.Error(); err != nil {
		return fmt.Errorf("%w: header: %v", ErrTruncated, err)
	}
	h.Format = FormatOf(h.Identifier)
	if h.Format == FormatUnknown {
		return fmt.Errorf("%w: %s", ErrUnknownFormat, h.Identifier)
	}
	return nil
}

func bitmapBytes(bits uint16) int {
	return (int(bits) + 7) / 8
}

// record consumes a length-prefixed record. The length counts its own
// two bytes.
func record(l *uio.Lexer) (*uio.Lexer, error) {
	n := l.Read16()
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	if n < 2 {
		return nil, fmt.Errorf("%w: %d", ErrRecordLength, n)
	}
	body := l.Consume(int(n) - 2)
	if err := l.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return uio.NewLittleEndianBuffer(body), nil
}

// optional copies n bytes, returning nil for an absent field.
func optional(l *uio.Lexer, n int) []byte {
	if n == 0 {
		return nil
	}
	return l.CopyN(n)
}

func descriptors(l *uio.Lexer, n int) ([]pldm.Descriptor, error) {
	out := make([]pldm.Descriptor, n)
	for i := range out {
		if err := out[i].Unmarshal(l); err != nil {
			return nil, fmt.Errorf("descriptor %d: %w", i, err)
		}
	}
	return out, nil
}

func (r *DeviceRecord) unmarshal(pl *uio.Lexer, bits uint16, format FormatVersion) error {
	l, err := record(pl)
	if err != nil {
		return err
	}
	ndesc := l.Read8()
	r.OptionFlags = l.Read32()
	r.ImageSetVersion.Type = pldm.StringType(l.Read8())
	vlen := l.Read8()
	pkgLen := l.Read16()
	var refLen uint32
	if format == Format13 {
		refLen = l.Read32()
	}
	r.ApplicableComponents = pldm.Bitmap(l.CopyN(bitmapBytes(bits)))
	r.ImageSetVersion.UnmarshalData(l, vlen)
	if err := l.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrRecordLength, err)
	}
	if r.Descriptors, err = descriptors(l, int(ndesc)); err != nil {
		return err
	}
	r.PackageData = optional(l, int(pkgLen))
	r.ReferenceManifest = optional(l, int(refLen))
	if err := l.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrRecordLength, err)
	}
	if l.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrRecordLength, l.Len())
	}
	return nil
}

func (r *DownstreamRecord) unmarshal(pl *uio.Lexer, bits uint16, format FormatVersion) error {
	l, err := record(pl)
	if err != nil {
		return err
	}
	ndesc := l.Read8()
	r.OptionFlags = l.Read32()
	r.SelfContainedMinVersion.Type = pldm.StringType(l.Read8())
	vlen := l.Read8()
	pkgLen := l.Read16()
	var refLen uint32
	if format == Format13 {
		refLen = l.Read32()
	}
	r.ApplicableComponents = pldm.Bitmap(l.CopyN(bitmapBytes(bits)))
	r.SelfContainedMinVersion.UnmarshalData(l, vlen)
	if r.OptionFlags&1 != 0 {
		stamp := l.Read32()
		r.SelfContainedMinStamp = &stamp
	}
	if err := l.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrRecordLength, err)
	}
	if r.Descriptors, err = descriptors(l, int(ndesc)); err != nil {
		return err
	}
	r.PackageData = optional(l, int(pkgLen))
	r.ReferenceManifest = optional(l, int(refLen))
	if err := l.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrRecordLength, err)
	}
	if l.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrRecordLength, l.Len())
	}
	return nil
}

func (c *ComponentImage) unmarshal(l *uio.Lexer, format FormatVersion) error {
	c.Classification = fwupdate.Classification(l.Read16())
	c.Identifier = l.Read16()
	c.ComparisonStamp = l.Read32()
	c.Options = ComponentOptions(l.Read16())
	c.RequestedActivation = fwupdate.ActivationMethods(l.Read16())
	c.Offset = l.Read32()
	c.Size = l.Read32()
	c.Version.Type = pldm.StringType(l.Read8())
	c.Version.UnmarshalData(l, l.Read8())
	if format >= Format12 {
		c.OpaqueData = optional(l, int(l.Read32()))
	}
	if err := l.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return nil
}
