// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pldm

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/u-root/uio/uio"
)

// DescriptorType identifies the kind of a device identifier descriptor.
type DescriptorType uint16

// Descriptor types.
const (
	DescPCIVendorID        DescriptorType = 0x0000
	DescIANAEnterpriseID   DescriptorType = 0x0001
	DescUUID               DescriptorType = 0x0002
	DescPnPVendorID        DescriptorType = 0x0003
	DescACPIVendorID       DescriptorType = 0x0004
	DescIEEECompanyID      DescriptorType = 0x0005
	DescSCSIVendorID       DescriptorType = 0x0006
	DescPCIDeviceID        DescriptorType = 0x0100
	DescPCISubsystemVendor DescriptorType = 0x0101
	DescPCISubsystemID     DescriptorType = 0x0102
	DescPCIRevisionID      DescriptorType = 0x0103
	DescPnPProductID       DescriptorType = 0x0104
	DescACPIProductID      DescriptorType = 0x0105
	DescASCIIModelLong     DescriptorType = 0x0106
	DescASCIIModelShort    DescriptorType = 0x0107
	DescSCSIProductID      DescriptorType = 0x0108
	DescUBMControllerCode  DescriptorType = 0x0109
	DescVendorDefined      DescriptorType = 0xFFFF
)

// MaxDescriptorData is the largest descriptor payload, reached only by
// vendor defined descriptors.
const MaxDescriptorData = 64

var descriptorLengths = map[DescriptorType]int{
	DescPCIVendorID:        2,
	DescIANAEnterpriseID:   4,
	DescUUID:               16,
	DescPnPVendorID:        3,
	DescACPIVendorID:       5,
	DescIEEECompanyID:      3,
	DescSCSIVendorID:       8,
	DescPCIDeviceID:        2,
	DescPCISubsystemVendor: 2,
	DescPCISubsystemID:     2,
	DescPCIRevisionID:      1,
	DescPnPProductID:       4,
	DescACPIProductID:      4,
	DescASCIIModelLong:     40,
	DescASCIIModelShort:    10,
	DescSCSIProductID:      16,
	DescUBMControllerCode:  4,
}

// Length returns the canonical data length of t and false for vendor
// defined or unknown types, which have no fixed length.
func (t DescriptorType) Length() (int, bool) {
	n, ok := descriptorLengths[t]
	return n, ok
}

// Known reports whether t is one of the defined descriptor types.
func (t DescriptorType) Known() bool {
	_, ok := descriptorLengths[t]
	return ok || t == DescVendorDefined
}

func (t DescriptorType) String() string {
	switch t {
	case DescPCIVendorID:
		return "PCI Vendor ID"
	case DescIANAEnterpriseID:
		return "IANA Enterprise ID"
	case DescUUID:
		return "UUID"
	case DescPCIDeviceID:
		return "PCI Device ID"
	case DescPCISubsystemVendor:
		return "PCI Subsystem Vendor ID"
	case DescPCISubsystemID:
		return "PCI Subsystem ID"
	case DescPCIRevisionID:
		return "PCI Revision ID"
	case DescVendorDefined:
		return "Vendor Defined"
	}
	return fmt.Sprintf("Descriptor(0x%04x)", uint16(t))
}

// Descriptor errors.
var (
	ErrDescriptorType   = errors.New("unknown descriptor type")
	ErrDescriptorLength = errors.New("descriptor length does not match its type")
)

// Descriptor is a device identifier descriptor.
type Descriptor struct {
	Type DescriptorType
	Data []byte
}

// NewDescriptor checks data against the canonical length of t.
func NewDescriptor(t DescriptorType, data []byte) (Descriptor, error) {
	d := Descriptor{Type: t, Data: append([]byte(nil), data...)}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// UUIDDescriptor returns a UUID descriptor. The UUID is carried in its
// RFC 4122 byte order.
func UUIDDescriptor(id uuid.UUID) Descriptor {
	return Descriptor{Type: DescUUID, Data: id[:]}
}

// UUID returns the UUID carried by a UUID descriptor.
func (d Descriptor) UUID() (uuid.UUID, error) {
	if d.Type != DescUUID {
		return uuid.Nil, fmt.Errorf("descriptor %s is not a UUID", d.Type)
	}
	return uuid.FromBytes(d.Data)
}

// Validate checks the type and length of the descriptor.
func (d Descriptor) Validate() error {
	if !d.Type.Known() {
		return fmt.Errorf("%w: 0x%04x", ErrDescriptorType, uint16(d.Type))
	}
	if n, ok := d.Type.Length(); ok && len(d.Data) != n {
		return fmt.Errorf("%w: %s has %d bytes, want %d", ErrDescriptorLength, d.Type, len(d.Data), n)
	}
	if d.Type == DescVendorDefined && (len(d.Data) == 0 || len(d.Data) > MaxDescriptorData) {
		return fmt.Errorf("%w: vendor defined descriptor of %d bytes", ErrDescriptorLength, len(d.Data))
	}
	return nil
}

// Equal reports whether two descriptors carry the same type and data.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Type == o.Type && string(d.Data) == string(o.Data)
}

func (d Descriptor) String() string {
	if id, err := d.UUID(); err == nil {
		return fmt.Sprintf("%s %s", d.Type, id)
	}
	return fmt.Sprintf("%s %x", d.Type, d.Data)
}

// WireLen returns the encoded size of the descriptor.
func (d Descriptor) WireLen() int {
	return 4 + len(d.Data)
}

// Marshal writes type, length and data.
func (d Descriptor) Marshal(l *uio.Lexer) {
	l.Write16(uint16(d.Type))
	l.Write16(uint16(len(d.Data)))
	l.WriteBytes(d.Data)
}

// Unmarshal reads one descriptor and validates it.
func (d *Descriptor) Unmarshal(l *uio.Lexer) error {
	d.Type = DescriptorType(l.Read16())
	n := l.Read16()
	d.Data = l.CopyN(int(n))
	if err := l.Error(); err != nil {
		return err
	}
	return d.Validate()
}

// ContainsAll reports whether every descriptor of want is in have.
func ContainsAll(have, want []Descriptor) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h.Equal(w) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
