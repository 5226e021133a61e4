// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pmp plans and commits the RISC-V ePMP configuration used to
// protect the kernel in machine-mode-lockdown mode.
package pmp

import (
	"errors"
	"fmt"

	"github.com/linuxboot/mcufw/pkg/bytes"
)

// Perm is a set of access permissions. The bit values match the R, W and X
// bits of a pmpcfg octet.
type Perm uint8

// Permission bits.
const (
	PermR Perm = 1 << 0
	PermW Perm = 1 << 1
	PermX Perm = 1 << 2
)

func (p Perm) String() string {
	b := []byte("---")
	if p&PermR != 0 {
		b[0] = 'r'
	}
	if p&PermW != 0 {
		b[1] = 'w'
	}
	if p&PermX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Region is an abstract protection region as described by the platform.
type Region struct {
	Start uint64 `json:"start"`
	Size  uint64 `json:"size"`
	MMIO  bool   `json:"mmio"`
	User  bool   `json:"user"`
	Perm  Perm   `json:"perm"`
}

// Range returns the address range covered by the region.
func (r Region) Range() bytes.Range {
	return bytes.Range{Offset: r.Start, Length: r.Size}
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Start + r.Size
}

func (r Region) sameAttributes(o Region) bool {
	return r.MMIO == o.MMIO && r.User == o.User && r.Perm == o.Perm
}

func (r Region) String() string {
	return fmt.Sprintf("[0x%08x, 0x%08x) %s mmio=%t user=%t", r.Start, r.End(), r.Perm, r.MMIO, r.User)
}

// Class is the kind of hardware region a platform region lowers to.
type Class int

// Region classes.
const (
	ClassKernelText Class = iota
	ClassData
	ClassReadOnly
	ClassMachineMMIO
	ClassUserMMIO
)

func (c Class) String() string {
	switch c {
	case ClassKernelText:
		return "KernelText"
	case ClassData:
		return "Data"
	case ClassReadOnly:
		return "ReadOnly"
	case ClassMachineMMIO:
		return "MachineMMIO"
	case ClassUserMMIO:
		return "UserMMIO"
	}
	return fmt.Sprintf("Class(%d)", int(c))
}

// Class returns the hardware class of a validated region.
func (r Region) Class() (Class, error) {
	if r.MMIO {
		if r.User {
			return ClassUserMMIO, nil
		}
		return ClassMachineMMIO, nil
	}
	switch r.Perm {
	case PermR | PermX:
		return ClassKernelText, nil
	case PermR | PermW:
		return ClassData, nil
	case PermR:
		return ClassReadOnly, nil
	}
	return 0, ErrPermissions
}

// Aperture is a named window of the platform memory map.
type Aperture struct {
	Name string
	bytes.Range
}

// MemoryMap describes the memories and the peripheral apertures of the
// platform. Peripheral apertures are ingested as machine-only MMIO regions.
type MemoryMap struct {
	SRAM        bytes.Range
	DCCM        bytes.Range
	Peripherals []Aperture
}

// Validation errors.
var (
	ErrExecutableMMIO = errors.New("MMIO region is executable")
	ErrUserMemory     = errors.New("memory region is user accessible")
	ErrPermissions    = errors.New("memory region permissions are not one of R+X, R+W, R")
	ErrOutsideMemory  = errors.New("memory region is not inside SRAM or DCCM")
	ErrUnaligned      = errors.New("region boundaries are not 4-byte aligned")
	ErrNoEPMP         = errors.New("mseccfg did not retain MML and MMWP, ePMP not supported")
)

// RegionError reports a fault of one input region.
type RegionError struct {
	Index  int
	Region Region
	Err    error
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("region #%d %s: %v", e.Index, e.Region, e.Err)
}

func (e *RegionError) Unwrap() error {
	return e.Err
}

// ErrRegionOverlap is returned when two MMIO regions overlap.
type ErrRegionOverlap struct {
	A, B Region
}

func (e *ErrRegionOverlap) Error() string {
	return fmt.Sprintf("MMIO region %s overlaps %s", e.B, e.A)
}

// ErrTooManyEntries is returned when the kernel regions do not fit beside
// the user MPU slots.
type ErrTooManyEntries struct {
	Need, Have int
}

func (e *ErrTooManyEntries) Error() string {
	return fmt.Sprintf("kernel regions need %d PMP entries, only %d are free", e.Need, e.Have)
}

// ErrLockedEntry is returned when an entry is already locked at reset.
type ErrLockedEntry struct {
	Index int
}

func (e *ErrLockedEntry) Error() string {
	return fmt.Sprintf("PMP entry %d is locked", e.Index)
}

// ErrEntryNotBacked is returned when an entry does not retain writes.
type ErrEntryNotBacked struct {
	Index int
}

func (e *ErrEntryNotBacked) Error() string {
	return fmt.Sprintf("PMP entry %d is not backed by hardware", e.Index)
}
