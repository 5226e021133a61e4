// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package platform

import (
	"errors"
	"fmt"

	"github.com/linuxboot/mcufw/pkg/bytes"
)

// Size is the width of a bus access in bytes.
type Size uint8

// Access widths.
const (
	Byte     Size = 1
	HalfWord Size = 2
	Word     Size = 4
)

// Bus access faults.
var (
	ErrLoadAccessFault  = errors.New("load access fault")
	ErrStoreAccessFault = errors.New("store access fault")
)

// Peripheral is a memory-mapped device. Offsets are relative to the
// device's base address.
type Peripheral interface {
	Read(size Size, offset uint32) (uint32, error)
	Write(size Size, offset uint32, value uint32) error
	Poller
}

type mapping struct {
	window bytes.Range
	dev    Peripheral
}

// Bus routes accesses to attached peripherals by address.
type Bus struct {
	mappings []mapping
}

// Attach maps a peripheral at [base, base+length).
func (b *Bus) Attach(base uint32, length uint32, dev Peripheral) error {
	window := bytes.Range{Offset: uint64(base), Length: uint64(length)}
	for _, m := range b.mappings {
		if m.window.Intersect(window) {
			return fmt.Errorf("window %s overlaps %s", window, m.window)
		}
	}
	b.mappings = append(b.mappings, mapping{window: window, dev: dev})
	return nil
}

func (b *Bus) lookup(addr uint32, size Size) (Peripheral, uint32, bool) {
	access := bytes.Range{Offset: uint64(addr), Length: uint64(size)}
	for _, m := range b.mappings {
		if m.window.Contains(access) {
			return m.dev, addr - uint32(m.window.Offset), true
		}
	}
	return nil, 0, false
}

// Read performs a load at an absolute address.
func (b *Bus) Read(size Size, addr uint32) (uint32, error) {
	dev, off, ok := b.lookup(addr, size)
	if !ok {
		return 0, fmt.Errorf("read 0x%08x: %w", addr, ErrLoadAccessFault)
	}
	return dev.Read(size, off)
}

// Write performs a store at an absolute address.
func (b *Bus) Write(size Size, addr uint32, value uint32) error {
	dev, off, ok := b.lookup(addr, size)
	if !ok {
		return fmt.Errorf("write 0x%08x: %w", addr, ErrStoreAccessFault)
	}
	return dev.Write(size, off, value)
}

// Poll polls every attached peripheral.
func (b *Bus) Poll() {
	for _, m := range b.mappings {
		m.dev.Poll()
	}
}
