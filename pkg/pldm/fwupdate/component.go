// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwupdate

import (
	"bytes"
	"fmt"

	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/pldm"
)

// ReleaseDateLen is the size of the ASCII YYYYMMDD release date.
const ReleaseDateLen = 8

// Component identifies one firmware component on a device.
type Component struct {
	Classification Classification
	Identifier     uint16
	ClassIndex     uint8
	// ComparisonStamp is the version used to decide whether to update.
	ComparisonStamp uint32
	Version         pldm.FirmwareString
	// Options are the update options requested by the update agent.
	Options UpdateOptionFlags
	// ImageSize is the size of the component image being transferred.
	ImageSize uint32
}

// Matches reports whether c and o name the same component.
func (c Component) Matches(o Component) bool {
	return c.Classification == o.Classification && c.Identifier == o.Identifier
}

func (c Component) String() string {
	return fmt.Sprintf("component %d/0x%04x stamp=0x%08x %q", c.Classification, c.Identifier, c.ComparisonStamp, c.Version)
}

// ImageInfo describes the active or pending image of a component.
type ImageInfo struct {
	ComparisonStamp uint32
	Version         pldm.FirmwareString
	ReleaseDate     [ReleaseDateLen]byte
}

// ComponentParameters is one entry of the GetFirmwareParameters table.
type ComponentParameters struct {
	Classification    Classification
	Identifier        uint16
	ClassIndex        uint8
	Active            ImageInfo
	Pending           ImageInfo
	ActivationMethods ActivationMethods
	Capabilities      uint32
}

// Component returns the component identity described by the entry,
// carrying the active image version.
func (p *ComponentParameters) Component() Component {
	return Component{
		Classification:  p.Classification,
		Identifier:      p.Identifier,
		ClassIndex:      p.ClassIndex,
		ComparisonStamp: p.Active.ComparisonStamp,
		Version:         p.Active.Version,
	}
}

// Marshal implements pldm.Body.
func (p *ComponentParameters) Marshal(l *uio.Lexer) {
	l.Write16(uint16(p.Classification))
	l.Write16(p.Identifier)
	l.Write8(p.ClassIndex)
	l.Write32(p.Active.ComparisonStamp)
	p.Active.Version.MarshalHeader(l)
	l.WriteBytes(p.Active.ReleaseDate[:])
	l.Write32(p.Pending.ComparisonStamp)
	p.Pending.Version.MarshalHeader(l)
	l.WriteBytes(p.Pending.ReleaseDate[:])
	l.Write16(uint16(p.ActivationMethods))
	l.Write32(p.Capabilities)
	l.WriteBytes(p.Active.Version.Data)
	l.WriteBytes(p.Pending.Version.Data)
}

// Unmarshal implements pldm.Body.
func (p *ComponentParameters) Unmarshal(l *uio.Lexer) error {
	p.Classification = Classification(l.Read16())
	p.Identifier = l.Read16()
	p.ClassIndex = l.Read8()
	p.Active.ComparisonStamp = l.Read32()
	p.Active.Version.Type = pldm.StringType(l.Read8())
	activeLen := l.Read8()
	copy(p.Active.ReleaseDate[:], l.Consume(ReleaseDateLen))
	p.Pending.ComparisonStamp = l.Read32()
	p.Pending.Version.Type = pldm.StringType(l.Read8())
	pendingLen := l.Read8()
	copy(p.Pending.ReleaseDate[:], l.Consume(ReleaseDateLen))
	p.ActivationMethods = ActivationMethods(l.Read16())
	p.Capabilities = l.Read32()
	p.Active.Version.UnmarshalData(l, activeLen)
	p.Pending.Version.UnmarshalData(l, pendingLen)
	return l.Error()
}

// FirmwareParameters is the body of a successful GetFirmwareParameters
// response.
type FirmwareParameters struct {
	Capabilities DeviceCapability
	// ActiveImageSet and PendingImageSet version the image set as a whole.
	ActiveImageSet  pldm.FirmwareString
	PendingImageSet pldm.FirmwareString
	Components      []ComponentParameters
}

// Find returns the entry of the component with the given classification
// and identifier.
func (f *FirmwareParameters) Find(c Classification, id uint16) (*ComponentParameters, bool) {
	for i := range f.Components {
		if f.Components[i].Classification == c && f.Components[i].Identifier == id {
			return &f.Components[i], true
		}
	}
	return nil, false
}

// Marshal implements pldm.Body.
func (f *FirmwareParameters) Marshal(l *uio.Lexer) {
	l.Write32(uint32(f.Capabilities))
	l.Write16(uint16(len(f.Components)))
	f.ActiveImageSet.MarshalHeader(l)
	f.PendingImageSet.MarshalHeader(l)
	l.WriteBytes(f.ActiveImageSet.Data)
	l.WriteBytes(f.PendingImageSet.Data)
	for i := range f.Components {
		f.Components[i].Marshal(l)
	}
}

// Unmarshal implements pldm.Body.
func (f *FirmwareParameters) Unmarshal(l *uio.Lexer) error {
	f.Capabilities = DeviceCapability(l.Read32())
	n := l.Read16()
	f.ActiveImageSet.Type = pldm.StringType(l.Read8())
	activeLen := l.Read8()
	f.PendingImageSet.Type = pldm.StringType(l.Read8())
	pendingLen := l.Read8()
	f.ActiveImageSet.UnmarshalData(l, activeLen)
	f.PendingImageSet.UnmarshalData(l, pendingLen)
	if err := l.Error(); err != nil {
		return err
	}
	f.Components = nil
	for i := 0; i < int(n); i++ {
		var p ComponentParameters
		if err := p.Unmarshal(l); err != nil {
			return fmt.Errorf("component entry %d: %w", i, err)
		}
		f.Components = append(f.Components, p)
	}
	return nil
}

// Eligibility decides whether c may replace the active image of the
// matching entry: the comparison stamp must be higher and the version
// string must sort after the active one.
func (f *FirmwareParameters) Eligibility(c Component) ComponentResponseCode {
	for i := range f.Components {
		p := &f.Components[i]
		if p.Classification != c.Classification || p.Identifier != c.Identifier || p.ClassIndex != c.ClassIndex {
			continue
		}
		switch {
		case c.ComparisonStamp == p.Active.ComparisonStamp:
			return CompComparisonStampIdentical
		case c.ComparisonStamp < p.Active.ComparisonStamp:
			return CompComparisonStampLower
		}
		switch bytes.Compare(c.Version.Data, p.Active.Version.Data) {
		case 0:
			return CompVerStrIdentical
		case -1:
			return CompVerStrLower
		}
		return CompCanBeUpdated
	}
	return CompNotSupported
}
