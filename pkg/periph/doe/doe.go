// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package doe implements the DOE mailbox peripheral: a dword SRAM window
// shared with the PCIe side plus DLEN, STATUS and EVENT registers.
//
// The host (SoC) side deposits a data object with WriteData, which sets
// EVENT.DATA_READY. The MCU reads it over the bus, writes its response
// back into the SRAM and sets STATUS.DATA_READY for the host to collect.
package doe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linuxboot/mcufw/pkg/platform"
	"github.com/linuxboot/mcufw/pkg/regs"
)

// Register offsets.
const (
	RegDlen   = 0x04
	RegStatus = 0x08
	RegEvent  = 0x0C
	SRAMBase  = 0x1000
)

// STATUS bits, written by the MCU.
const (
	StatusDataReady = 1 << 0
	StatusError     = 1 << 1
	StatusResetAck  = 1 << 2
)

// EVENT bits, set by the peripheral and cleared by the MCU (W1C).
const (
	EventDataReady = 1 << 0
	EventResetReq  = 1 << 1
)

// DefaultSRAMDwords is the default SRAM size in dwords (1 MiB).
const DefaultSRAMDwords = 1 << 18

// PollTicks is the period of the interrupt check while an event is pending.
const PollTicks = 1000

// ErrTooLarge is returned by WriteData for objects that do not fit the SRAM.
type ErrTooLarge struct {
	Len int
	Max int
}

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("data length %d bytes exceeds SRAM size %d bytes", e.Len, e.Max)
}

// ErrMailbox is returned by ReadData when the MCU flagged STATUS.ERROR.
var ErrMailbox = errors.New("DOE mailbox error")

// Config configures the peripheral.
type Config struct {
	SRAMDwords int
	IRQ        *platform.Line
	// Incoming is called after the host deposited an object or requested
	// a reset. It must not call back into the peripheral.
	Incoming func()
}

// Mailbox is the DOE mailbox peripheral.
type Mailbox struct {
	mu sync.Mutex

	sram   []uint32
	dlen   regs.Register
	status regs.Register
	event  regs.Register

	irq      *platform.Line
	incoming func()
	timer    *platform.Timer
	poll     *platform.ActionHandle
}

var _ platform.Peripheral = (*Mailbox)(nil)

// New returns a reset DOE mailbox.
func New(clock *platform.Clock, cfg Config) *Mailbox {
	n := cfg.SRAMDwords
	if n == 0 {
		n = DefaultSRAMDwords
	}
	return &Mailbox{
		sram:     make([]uint32, n),
		dlen:     regs.New(0, regs.ReadWrite),
		status:   regs.NewMasked(0, regs.ReadWrite, StatusDataReady|StatusError|StatusResetAck),
		event:    regs.NewMasked(0, regs.W1C, EventDataReady|EventResetReq),
		irq:      cfg.IRQ,
		incoming: cfg.Incoming,
		timer:    clock.Timer(),
	}
}

// WindowSize returns the size of the MMIO window in bytes.
func (m *Mailbox) WindowSize() uint32 {
	return SRAMBase + uint32(len(m.sram))*4
}

// SRAMBytes returns the SRAM capacity in bytes.
func (m *Mailbox) SRAMBytes() int {
	return len(m.sram) * 4
}

func (m *Mailbox) schedule(ticks uint64) {
	m.timer.Cancel(m.poll)
	m.poll = m.timer.SchedulePollIn(ticks)
}

func (m *Mailbox) notify() {
	if m.incoming != nil {
		m.incoming()
	}
}

// Poll raises the interrupt line while EVENT has a pending bit.
func (m *Mailbox) Poll() {
	m.mu.Lock()
	if !m.timer.Fired(&m.poll) {
		m.mu.Unlock()
		return
	}
	pending := m.event.Get() != 0
	if pending {
		m.poll = m.timer.SchedulePollIn(PollTicks)
	}
	m.mu.Unlock()
	if pending && m.irq != nil {
		m.irq.Raise()
	}
}

// Read implements platform.Peripheral.
func (m *Mailbox) Read(size platform.Size, offset uint32) (uint32, error) {
	if size != platform.Word || offset%4 != 0 {
		return 0, platform.ErrLoadAccessFault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case offset == RegDlen:
		return m.dlen.Read(), nil
	case offset == RegStatus:
		return m.status.Read(), nil
	case offset == RegEvent:
		return m.event.Read(), nil
	case offset >= SRAMBase && int(offset-SRAMBase)/4 < len(m.sram):
		return m.sram[(offset-SRAMBase)/4], nil
	}
	return 0, platform.ErrLoadAccessFault
}

// Write implements platform.Peripheral.
func (m *Mailbox) Write(size platform.Size, offset uint32, v uint32) error {
	if size != platform.Word || offset%4 != 0 {
		return platform.ErrStoreAccessFault
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case offset == RegDlen:
		m.dlen.Write(v)
	case offset == RegStatus:
		m.status.Write(v)
	case offset == RegEvent:
		m.event.Write(v)
		// The kernel acknowledged an event; recheck on the next tick.
		m.schedule(1)
	case offset >= SRAMBase && int(offset-SRAMBase)/4 < len(m.sram):
		m.sram[(offset-SRAMBase)/4] = v
	default:
		return platform.ErrStoreAccessFault
	}
	return nil
}

// WriteData deposits a data object from the host side. DLEN is set in
// dwords; a trailing partial dword is zero padded.
func (m *Mailbox) WriteData(data []byte) error {
	m.mu.Lock()
	if len(data) > len(m.sram)*4 {
		m.mu.Unlock()
		return &ErrTooLarge{Len: len(data), Max: len(m.sram) * 4}
	}
	n := 0
	for i := 0; i < len(data); i += 4 {
		var w uint32
		for j := 0; j < 4 && i+j < len(data); j++ {
			w |= uint32(data[i+j]) << (8 * j)
		}
		m.sram[n] = w
		n++
	}
	m.dlen.Set(uint32(n))
	m.event.SetBits(EventDataReady)
	m.schedule(1)
	m.mu.Unlock()
	m.notify()
	return nil
}

// RequestReset asks the MCU to abort the current exchange.
func (m *Mailbox) RequestReset() {
	m.mu.Lock()
	m.event.SetBits(EventResetReq)
	m.schedule(1)
	m.mu.Unlock()
	m.notify()
}

// ReadData collects the MCU response from the host side. It returns nil
// when no response is ready. Reading clears STATUS.DATA_READY (or
// STATUS.ERROR, reported as ErrMailbox).
func (m *Mailbox) ReadData() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.status.IsSet(StatusDataReady):
		m.status.ClearBits(StatusDataReady)
		n := int(m.dlen.Get())
		if n > len(m.sram) {
			n = len(m.sram)
		}
		out := make([]byte, 0, n*4)
		for _, w := range m.sram[:n] {
			out = append(out, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
		}
		return out, nil
	case m.status.IsSet(StatusError):
		m.status.ClearBits(StatusError)
		return nil, ErrMailbox
	}
	return nil, nil
}

// CheckResetAck reports whether the MCU acknowledged a reset request, in
// which case the mailbox is reset.
func (m *Mailbox) CheckResetAck() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.status.IsSet(StatusResetAck) {
		return false
	}
	m.reset()
	return true
}

// Reset clears the registers and the SRAM.
func (m *Mailbox) Reset() {
	m.mu.Lock()
	m.reset()
	m.mu.Unlock()
}

func (m *Mailbox) reset() {
	m.dlen.Reset()
	m.status.Reset()
	m.event.Reset()
	for i := range m.sram {
		m.sram[i] = 0
	}
}
