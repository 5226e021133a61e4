// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma implements the AXI copy-DMA engine. A transfer is programmed
// with 64-bit source and destination addresses and started by a nonzero
// BYTES_TO_TRANSFER write; it completes IOStartDelay ticks later.
package dma

import (
	"errors"
	"fmt"
	"sync"

	"github.com/linuxboot/mcufw/pkg/bytes"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/periph/mailbox"
	"github.com/linuxboot/mcufw/pkg/platform"
	"github.com/linuxboot/mcufw/pkg/regs"
)

// IOStartDelay is the number of ticks between programming BTT and the copy.
const IOStartDelay = 200

// Register offsets.
const (
	RegControl   = 0x00
	RegStatus    = 0x04
	RegSrcAddr   = 0x18
	RegSrcAddrHi = 0x1C
	RegDstAddr   = 0x20
	RegDstAddrHi = 0x24
	RegBTT       = 0x28

	// WindowSize is the size of the register window.
	WindowSize = 0x2C
)

// CONTROL bits.
const (
	ControlReset    = 1 << 2
	ControlIOCIrqEn = 1 << 12
	ControlErrIrqEn = 1 << 14
)

// STATUS bits.
const (
	StatusIdle     = 1 << 1
	StatusIRQIOC   = 1 << 12
	StatusIRQError = 1 << 14
)

// BTTMask is the width of the BYTES_TO_TRANSFER field.
const BTTMask = 0x03FF_FFFF

// Default apertures of the AXI address map.
var (
	ExternalSRAMAperture = bytes.Range{Offset: 0xB00C_0000, Length: 0x4_0000}
	Mailbox0Aperture     = bytes.Range{Offset: 0xA840_0000, Length: 0x20_0000}
	Mailbox1Aperture     = bytes.Range{Offset: 0xA880_0000, Length: 0x20_0000}
)

// Region classifies an AXI address.
type Region uint8

// Address regions.
const (
	RegionMCUSRAM Region = iota
	RegionExternalSRAM
	RegionMailbox0
	RegionMailbox1
)

func (r Region) String() string {
	switch r {
	case RegionMCUSRAM:
		return "MCU SRAM"
	case RegionExternalSRAM:
		return "external SRAM"
	case RegionMailbox0:
		return "mailbox 0 SRAM"
	case RegionMailbox1:
		return "mailbox 1 SRAM"
	}
	return fmt.Sprintf("Region(%d)", uint8(r))
}

// Errors reported for failed transfers. They are latched as STATUS.IRQ_ERROR
// and kept in LastError.
var (
	ErrUnmappedAddress  = errors.New("address is not in any DMA aperture")
	ErrApertureCrossing = errors.New("transfer crosses an aperture boundary")
	ErrUnaligned        = errors.New("mailbox SRAM transfers must be word aligned")
)

// Config wires the engine to its memories.
type Config struct {
	// MCUSRAM is the MCU SRAM mapped at MCUSRAMBase.
	MCUSRAM     []byte
	MCUSRAMBase uint64
	// ExternalSRAM is mapped at ExternalSRAMAperture. It may be nil.
	ExternalSRAM []byte
	// Mailbox0 and Mailbox1 are the ports the engine uses to reach the
	// mailbox SRAMs. Writes go through the mailbox lock checks.
	Mailbox0 *mailbox.Port
	Mailbox1 *mailbox.Port

	ErrorIRQ *platform.Line
	EventIRQ *platform.Line
}

type aperture struct {
	region Region
	window bytes.Range
	ram    []byte
	mbox   *mailbox.Port
}

// Engine is the copy-DMA peripheral.
type Engine struct {
	mu sync.Mutex

	control regs.Register
	status  regs.Register
	srcLo   regs.Register
	srcHi   regs.Register
	dstLo   regs.Register
	dstHi   regs.Register
	btt     regs.Register

	apertures []aperture
	errorIRQ  *platform.Line
	eventIRQ  *platform.Line
	timer     *platform.Timer
	start     *platform.ActionHandle
	lastErr   error
}

var _ platform.Peripheral = (*Engine)(nil)

// New returns an idle engine.
func New(clock *platform.Clock, cfg Config) *Engine {
	e := &Engine{
		control:  regs.New(0, regs.ReadWrite),
		status:   regs.NewMasked(StatusIdle, regs.W1C, StatusIRQIOC|StatusIRQError),
		srcLo:    regs.New(0, regs.ReadWrite),
		srcHi:    regs.New(0, regs.ReadWrite),
		dstLo:    regs.New(0, regs.ReadWrite),
		dstHi:    regs.New(0, regs.ReadWrite),
		btt:      regs.NewMasked(0, regs.ReadWrite, BTTMask),
		errorIRQ: cfg.ErrorIRQ,
		eventIRQ: cfg.EventIRQ,
		timer:    clock.Timer(),
	}
	if cfg.MCUSRAM != nil {
		e.apertures = append(e.apertures, aperture{
			region: RegionMCUSRAM,
			window: bytes.Range{Offset: cfg.MCUSRAMBase, Length: uint64(len(cfg.MCUSRAM))},
			ram:    cfg.MCUSRAM,
		})
	}
	if cfg.ExternalSRAM != nil {
		w := ExternalSRAMAperture
		if uint64(len(cfg.ExternalSRAM)) < w.Length {
			w.Length = uint64(len(cfg.ExternalSRAM))
		}
		e.apertures = append(e.apertures, aperture{region: RegionExternalSRAM, window: w, ram: cfg.ExternalSRAM})
	}
	if cfg.Mailbox0 != nil {
		e.apertures = append(e.apertures, aperture{region: RegionMailbox0, window: Mailbox0Aperture, mbox: cfg.Mailbox0})
	}
	if cfg.Mailbox1 != nil {
		e.apertures = append(e.apertures, aperture{region: RegionMailbox1, window: Mailbox1Aperture, mbox: cfg.Mailbox1})
	}
	return e
}

// Classify returns the region an AXI address belongs to.
func (e *Engine) Classify(addr uint64) (Region, bool) {
	a, ok := e.lookup(addr)
	if !ok {
		return 0, false
	}
	return a.region, true
}

func (e *Engine) lookup(addr uint64) (*aperture, bool) {
	for i := range e.apertures {
		if (bytes.Ranges{e.apertures[i].window}).IsIn(addr) {
			return &e.apertures[i], true
		}
	}
	return nil, false
}

// LastError returns the reason of the last failed transfer.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Read implements platform.Peripheral.
func (e *Engine) Read(size platform.Size, offset uint32) (uint32, error) {
	if size != platform.Word {
		return 0, platform.ErrLoadAccessFault
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch offset {
	case RegControl:
		return e.control.Read(), nil
	case RegStatus:
		return e.status.Read(), nil
	case RegSrcAddr:
		return e.srcLo.Read(), nil
	case RegSrcAddrHi:
		return e.srcHi.Read(), nil
	case RegDstAddr:
		return e.dstLo.Read(), nil
	case RegDstAddrHi:
		return e.dstHi.Read(), nil
	case RegBTT:
		return e.btt.Read(), nil
	}
	return 0, platform.ErrLoadAccessFault
}

// Write implements platform.Peripheral.
func (e *Engine) Write(size platform.Size, offset uint32, v uint32) error {
	if size != platform.Word {
		return platform.ErrStoreAccessFault
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch offset {
	case RegControl:
		e.writeControl(v)
	case RegStatus:
		e.status.Write(v)
		e.updateIRQ()
	case RegSrcAddr:
		e.srcLo.Write(v)
	case RegSrcAddrHi:
		e.srcHi.Write(v)
	case RegDstAddr:
		e.dstLo.Write(v)
	case RegDstAddrHi:
		e.dstHi.Write(v)
	case RegBTT:
		e.btt.Write(v)
		e.status.ClearBits(StatusIdle)
		if e.btt.Get() != 0 {
			e.timer.Cancel(e.start)
			e.start = e.timer.SchedulePollIn(IOStartDelay)
		}
	default:
		return platform.ErrStoreAccessFault
	}
	return nil
}

func (e *Engine) writeControl(v uint32) {
	if v&ControlReset != 0 {
		e.control.Set(0)
		e.status.Set(StatusIdle)
		e.srcLo.Set(0)
		e.srcHi.Set(0)
		e.dstLo.Set(0)
		e.dstHi.Set(0)
		e.btt.Set(0)
		e.timer.Cancel(e.start)
		e.start = nil
		e.lastErr = nil
		e.updateIRQ()
		return
	}
	e.control.Write(v)
	// Enabling an interrupt whose status bit is already latched delivers it.
	e.updateIRQ()
}

// updateIRQ drives each line from its latched status bit and enable.
func (e *Engine) updateIRQ() {
	if e.errorIRQ != nil {
		e.errorIRQ.Set(e.status.IsSet(StatusIRQError) && e.control.IsSet(ControlErrIrqEn))
	}
	if e.eventIRQ != nil {
		e.eventIRQ.Set(e.status.IsSet(StatusIRQIOC) && e.control.IsSet(ControlIOCIrqEn))
	}
}

// Poll runs the pending transfer once its start delay has elapsed.
func (e *Engine) Poll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.timer.Fired(&e.start) {
		return
	}
	if e.btt.Get() == 0 || e.status.IsSet(StatusIdle) {
		return
	}
	src := uint64(e.srcHi.Get())<<32 | uint64(e.srcLo.Get())
	dst := uint64(e.dstHi.Get())<<32 | uint64(e.dstLo.Get())
	err := e.copy(src, dst, int(e.btt.Get()))
	e.status.SetBits(StatusIdle)
	e.lastErr = err
	if err != nil {
		log.Warnf("dma: 0x%x -> 0x%x (%d bytes): %v", src, dst, e.btt.Get(), err)
		if e.control.IsSet(ControlErrIrqEn) {
			e.status.SetBits(StatusIRQError)
			if e.errorIRQ != nil {
				e.errorIRQ.Raise()
			}
		}
		return
	}
	if e.control.IsSet(ControlIOCIrqEn) {
		e.status.SetBits(StatusIRQIOC)
		if e.eventIRQ != nil {
			e.eventIRQ.Raise()
		}
	}
}

func (e *Engine) resolve(addr uint64, n int) (*aperture, int, error) {
	a, ok := e.lookup(addr)
	if !ok {
		return nil, 0, fmt.Errorf("0x%x: %w", addr, ErrUnmappedAddress)
	}
	if !a.window.Contains(bytes.Range{Offset: addr, Length: uint64(n)}) {
		return nil, 0, fmt.Errorf("0x%x+0x%x in %s: %w", addr, n, a.region, ErrApertureCrossing)
	}
	return a, int(addr - a.window.Offset), nil
}

func (e *Engine) copy(src, dst uint64, n int) error {
	sa, soff, err := e.resolve(src, n)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	da, doff, err := e.resolve(dst, n)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	data, err := sa.read(soff, n)
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if err := da.write(doff, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

func (a *aperture) read(off, n int) ([]byte, error) {
	if a.mbox == nil {
		out := make([]byte, n)
		copy(out, a.ram[off:off+n])
		return out, nil
	}
	if off%4 != 0 {
		return nil, ErrUnaligned
	}
	out := make([]byte, 0, n+3)
	for i := 0; i < n; i += 4 {
		w, err := a.mbox.ReadSRAM((off + i) / 4)
		if err != nil {
			return nil, err
		}
		out = append(out, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	return out[:n], nil
}

func (a *aperture) write(off int, data []byte) error {
	if a.mbox == nil {
		copy(a.ram[off:], data)
		return nil
	}
	if off%4 != 0 {
		return ErrUnaligned
	}
	for i := 0; i < len(data); i += 4 {
		var w uint32
		for j := 0; j < 4 && i+j < len(data); j++ {
			w |= uint32(data[i+j]) << (8 * j)
		}
		if err := a.mbox.WriteSRAM((off+i)/4, w); err != nil {
			return err
		}
	}
	return nil
}
