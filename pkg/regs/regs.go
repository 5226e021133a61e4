// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regs implements peripheral register cells and the write
// policies attached to them.
package regs

import "fmt"

// Policy determines how a bus write mutates a register.
type Policy uint8

// Register policies.
const (
	// ReadWrite stores the written value.
	ReadWrite Policy = iota
	// ReadOnly ignores bus writes; only the peripheral changes the value.
	ReadOnly
	// W1C clears every bit written as 1.
	W1C
	// W1S sets every bit written as 1.
	W1S
	// WriteOnly stores the written value and always reads as zero.
	WriteOnly
)

func (p Policy) String() string {
	switch p {
	case ReadWrite:
		return "RW"
	case ReadOnly:
		return "RO"
	case W1C:
		return "W1C"
	case W1S:
		return "W1S"
	case WriteOnly:
		return "WO"
	}
	return fmt.Sprintf("Policy(%d)", uint8(p))
}

// Register is a single 32-bit register. Mask limits which bits a bus write
// may affect; a zero mask means all bits.
type Register struct {
	value  uint32
	reset  uint32
	policy Policy
	mask   uint32
}

// New returns a register with the given reset value and policy.
func New(reset uint32, policy Policy) Register {
	return Register{value: reset, reset: reset, policy: policy}
}

// NewMasked returns a register whose bus writes only touch the bits in mask.
func NewMasked(reset uint32, policy Policy, mask uint32) Register {
	return Register{value: reset, reset: reset, policy: policy, mask: mask}
}

func (r *Register) writable() uint32 {
	if r.mask == 0 {
		return ^uint32(0)
	}
	return r.mask
}

// Read returns the value as seen from the bus.
func (r *Register) Read() uint32 {
	if r.policy == WriteOnly {
		return 0
	}
	return r.value
}

// Write applies a bus write according to the policy.
func (r *Register) Write(v uint32) {
	m := r.writable()
	switch r.policy {
	case ReadWrite, WriteOnly:
		r.value = (r.value &^ m) | (v & m)
	case W1C:
		r.value &^= v & m
	case W1S:
		r.value |= v & m
	case ReadOnly:
	}
}

// Get returns the raw value regardless of the policy.
func (r *Register) Get() uint32 {
	return r.value
}

// Set stores a value from the peripheral side.
func (r *Register) Set(v uint32) {
	r.value = v
}

// SetBits sets bits from the peripheral side.
func (r *Register) SetBits(bits uint32) {
	r.value |= bits
}

// ClearBits clears bits from the peripheral side.
func (r *Register) ClearBits(bits uint32) {
	r.value &^= bits
}

// IsSet reports whether every bit of "bits" is set.
func (r *Register) IsSet(bits uint32) bool {
	return r.value&bits == bits
}

// Field extracts the value of a field.
func (r *Register) Field(shift, width uint) uint32 {
	return Field(r.value, shift, width)
}

// Reset restores the reset value.
func (r *Register) Reset() {
	r.value = r.reset
}

// Field extracts "width" bits at "shift" from v.
func Field(v uint32, shift, width uint) uint32 {
	return (v >> shift) & (1<<width - 1)
}

// WithField returns v with the field at "shift" replaced by f.
func WithField(v uint32, shift, width uint, f uint32) uint32 {
	m := uint32(1<<width-1) << shift
	return (v &^ m) | ((f << shift) & m)
}
