// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spihost

import (
	"errors"
	"fmt"
)

// JEDEC opcodes understood by the flash model.
const (
	OpPageProgram        = 0x02
	OpRead               = 0x03
	OpWriteDisable       = 0x04
	OpReadStatus         = 0x05
	OpWriteEnable        = 0x06
	OpFastRead           = 0x0B
	OpFastRead4B         = 0x0C
	OpPageProgram4B      = 0x12
	OpRead4B             = 0x13
	OpSectorErase        = 0x20
	OpSectorErase4B      = 0x21
	OpChipErase60        = 0x60
	OpFastReadQuadOutput = 0x6B
	OpReadID             = 0x9F
	OpEnter4B            = 0xB7
	OpChipErase          = 0xC7
	OpBlockErase         = 0xD8
	OpExit4B             = 0xE9
)

// Flash geometry.
const (
	PageSize   = 256
	SectorSize = 4 << 10
	BlockSize  = 64 << 10
)

// Status register bits.
const (
	FlashStatusWIP = 1 << 0
	FlashStatusWEL = 1 << 1
)

// Busy times in ticks.
const (
	ProgramTicks = 1000
	EraseTicks   = 3000
)

// JEDECID is the manufacturer and device id returned by RDID.
var JEDECID = []byte{0xEF, 0x40, 0x21}

// Flash model errors.
var (
	ErrFlashBusy         = errors.New("flash busy")
	ErrWriteDisabled     = errors.New("write not enabled")
	ErrCrossPageProgram  = errors.New("page program crosses a page boundary")
	ErrEraseUnaligned    = errors.New("erase address not aligned")
	ErrAddressOutOfRange = errors.New("address out of range")
	ErrNothingToSend     = errors.New("no output for the current command")
	ErrUnexpectedData    = errors.New("unexpected data bytes")
	ErrIncompleteCommand = errors.New("command ended before its address")
	ErrWrongMode         = errors.New("bus width not valid for command")
)

// ErrUnsupportedOpcode is returned for an opcode the model does not know.
type ErrUnsupportedOpcode struct {
	Opcode byte
}

func (e *ErrUnsupportedOpcode) Error() string {
	return fmt.Sprintf("unsupported opcode 0x%02x", e.Opcode)
}

// Flash is a JEDEC NOR flash device model.
type Flash struct {
	data      []byte
	busy      uint64
	wel       bool
	fourByte  bool
	lastErr   error
	cmd       byte
	haveCmd   bool
	addrBytes []byte
	addrLen   int
	page      []byte
	out       int
}

var _ Device = (*Flash)(nil)

// NewFlash returns an erased flash of the given size.
func NewFlash(size int) *Flash {
	f := &Flash{data: make([]byte, size)}
	for i := range f.data {
		f.data[i] = 0xFF
	}
	return f
}

// Size returns the capacity in bytes.
func (f *Flash) Size() int {
	return len(f.data)
}

// Data exposes the flash array.
func (f *Flash) Data() []byte {
	return f.data
}

// LastError returns the last error reported on the bus.
func (f *Flash) LastError() error {
	return f.lastErr
}

// FourByteAddressing reports whether EN4B is in effect.
func (f *Flash) FourByteAddressing() bool {
	return f.fourByte
}

func (f *Flash) fail(err error) error {
	f.lastErr = err
	return err
}

// CsLow starts a transaction.
func (f *Flash) CsLow() {
	f.haveCmd = false
	f.cmd = 0
	f.addrBytes = f.addrBytes[:0]
	f.addrLen = 0
	f.page = f.page[:0]
	f.out = 0
}

func (f *Flash) addressWidth() int {
	if f.fourByte {
		return 4
	}
	return 3
}

func (f *Flash) address() int {
	a := 0
	for _, b := range f.addrBytes {
		a = a<<8 | int(b)
	}
	return a
}

func (f *Flash) addressed() bool {
	return len(f.addrBytes) == f.addrLen
}

func (f *Flash) opcode(op byte) error {
	if f.busy > 0 && op != OpReadStatus {
		return ErrFlashBusy
	}
	f.cmd, f.haveCmd = op, true
	switch op {
	case OpWriteEnable:
		f.wel = true
	case OpWriteDisable:
		f.wel = false
	case OpReadStatus, OpReadID, OpChipErase, OpChipErase60:
	case OpEnter4B:
		f.fourByte = true
	case OpExit4B:
		f.fourByte = false
	case OpRead, OpFastRead, OpFastReadQuadOutput, OpPageProgram, OpSectorErase, OpBlockErase:
		f.addrLen = f.addressWidth()
	case OpRead4B, OpFastRead4B, OpPageProgram4B, OpSectorErase4B:
		f.addrLen = 4
	default:
		f.haveCmd = false
		return &ErrUnsupportedOpcode{Opcode: op}
	}
	return nil
}

// Send shifts bytes into the device.
func (f *Flash) Send(b []byte, speed Speed) error {
	for _, v := range b {
		switch {
		case !f.haveCmd:
			if speed != SpeedSingle {
				return f.fail(ErrWrongMode)
			}
			if err := f.opcode(v); err != nil {
				return f.fail(err)
			}
		case !f.addressed():
			f.addrBytes = append(f.addrBytes, v)
		case f.cmd == OpPageProgram || f.cmd == OpPageProgram4B:
			start := f.address()
			if start%PageSize+len(f.page)+1 > PageSize {
				return f.fail(ErrCrossPageProgram)
			}
			f.page = append(f.page, v)
		default:
			return f.fail(ErrUnexpectedData)
		}
	}
	return nil
}

// Dummy accepts dummy cycles.
func (f *Flash) Dummy(cycles int) error {
	return nil
}

// Receive shifts n bytes out of the device.
func (f *Flash) Receive(n int, speed Speed) ([]byte, error) {
	if !f.haveCmd {
		return nil, f.fail(ErrNothingToSend)
	}
	out := make([]byte, n)
	switch f.cmd {
	case OpReadStatus:
		var st byte
		if f.busy > 0 {
			st |= FlashStatusWIP
		}
		if f.wel {
			st |= FlashStatusWEL
		}
		for i := range out {
			out[i] = st
		}
	case OpReadID:
		for i := range out {
			out[i] = JEDECID[(f.out+i)%len(JEDECID)]
		}
	case OpRead, OpRead4B, OpFastRead, OpFastRead4B, OpFastReadQuadOutput:
		if !f.addressed() {
			return nil, f.fail(ErrIncompleteCommand)
		}
		if f.cmd == OpFastReadQuadOutput && speed != SpeedQuad {
			return nil, f.fail(ErrWrongMode)
		}
		base := f.address()
		if base >= len(f.data) {
			return nil, f.fail(ErrAddressOutOfRange)
		}
		for i := range out {
			out[i] = f.data[(base+f.out+i)%len(f.data)]
		}
	default:
		return nil, f.fail(ErrNothingToSend)
	}
	f.out += n
	return out, nil
}

// CsHigh ends the transaction and commits program and erase operations.
func (f *Flash) CsHigh() error {
	if !f.haveCmd {
		return nil
	}
	defer func() { f.haveCmd = false }()
	var size int
	switch f.cmd {
	case OpPageProgram, OpPageProgram4B:
		if !f.addressed() {
			return f.fail(ErrIncompleteCommand)
		}
		if !f.wel {
			return f.fail(ErrWriteDisabled)
		}
		a := f.address()
		if a+len(f.page) > len(f.data) {
			return f.fail(ErrAddressOutOfRange)
		}
		// NOR programming only clears bits.
		for i, v := range f.page {
			f.data[a+i] &= v
		}
		f.wel = false
		f.busy = ProgramTicks
		return nil
	case OpSectorErase, OpSectorErase4B:
		size = SectorSize
	case OpBlockErase:
		size = BlockSize
	case OpChipErase, OpChipErase60:
		size = len(f.data)
	default:
		return nil
	}
	if !f.wel {
		return f.fail(ErrWriteDisabled)
	}
	a := 0
	if size != len(f.data) {
		if !f.addressed() {
			return f.fail(ErrIncompleteCommand)
		}
		a = f.address()
	}
	if a%size != 0 {
		return f.fail(ErrEraseUnaligned)
	}
	if a+size > len(f.data) {
		return f.fail(ErrAddressOutOfRange)
	}
	for i := a; i < a+size; i++ {
		f.data[i] = 0xFF
	}
	f.wel = false
	f.busy = EraseTicks
	return nil
}

// TimePass lets an in-progress program or erase advance.
func (f *Flash) TimePass(ticks uint64) {
	if ticks >= f.busy {
		f.busy = 0
		return
	}
	f.busy -= ticks
}
