// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spihost implements the SPI host controller with its TX/RX FIFOs
// and command queue, a JEDEC NOR flash device model, and a flash driver
// that talks to the controller through its registers.
package spihost

import (
	"fmt"
	"sync"

	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/platform"
	"github.com/linuxboot/mcufw/pkg/regs"
)

// Register offsets.
const (
	RegIntrState   = 0x00
	RegIntrEnable  = 0x04
	RegIntrTest    = 0x08
	RegAlertTest   = 0x0C
	RegControl     = 0x10
	RegStatus      = 0x14
	RegConfigOpts  = 0x18
	RegCSID        = 0x20
	RegCommand     = 0x24
	RegRxData      = 0x28
	RegTxData      = 0x2C
	RegErrorEnable = 0x30
	RegErrorStatus = 0x34
	RegEventEnable = 0x38

	// WindowSize is the size of the register window.
	WindowSize = 0x3C
)

// CONTROL fields.
const (
	ControlRxWatermarkShift = 0
	ControlTxWatermarkShift = 8
	ControlOutputEn         = 1 << 29
	ControlSwRst            = 1 << 30
	ControlSPIEn            = 1 << 31
)

// STATUS fields.
const (
	StatusTxQDShift  = 0
	StatusRxQDShift  = 8
	StatusCmdQDShift = 16
	StatusRxWM       = 1 << 20
	StatusByteOrder  = 1 << 22
	StatusRxStall    = 1 << 23
	StatusRxEmpty    = 1 << 24
	StatusRxFull     = 1 << 25
	StatusTxWM       = 1 << 26
	StatusTxStall    = 1 << 27
	StatusTxEmpty    = 1 << 28
	StatusTxFull     = 1 << 29
	StatusActive     = 1 << 30
	StatusReady      = 1 << 31
)

// COMMAND fields.
const (
	CommandLenMask    = 0x1FF
	CommandCSAAT      = 1 << 9
	CommandSpeedShift = 10
	CommandDirShift   = 12
)

// ERROR_STATUS bits.
const (
	ErrorCmdBusy     = 1 << 0
	ErrorOverflow    = 1 << 1
	ErrorUnderflow   = 1 << 2
	ErrorCmdInval    = 1 << 3
	ErrorCSIDInval   = 1 << 4
	ErrorAccessInval = 1 << 5
)

// INTR_STATE bits.
const (
	IntrError    = 1 << 0
	IntrSPIEvent = 1 << 1
)

// EVENT_ENABLE bits.
const (
	EventRxFull  = 1 << 0
	EventTxEmpty = 1 << 1
	EventRxWM    = 1 << 2
	EventTxWM    = 1 << 3
	EventReady   = 1 << 4
	EventIdle    = 1 << 5
)

// Controller timing and sizes.
const (
	PollTime           = 1000
	FIFOSize           = 1024
	CmdQueueSize       = 16
	ReadyDelay         = 4
	cpuClocksPerSPIClk = 8
)

const (
	controlReset = 0x7F
	statusInit   = StatusByteOrder
	statusReset  = StatusReady | StatusByteOrder
)

// Speed is the COMMAND.SPEED field.
type Speed uint8

// Bus widths.
const (
	SpeedSingle Speed = iota
	SpeedDual
	SpeedQuad
)

func (s Speed) String() string {
	switch s {
	case SpeedSingle:
		return "single"
	case SpeedDual:
		return "dual"
	case SpeedQuad:
		return "quad"
	}
	return fmt.Sprintf("Speed(%d)", uint8(s))
}

// Direction is the COMMAND.DIRECTION field.
type Direction uint8

// Segment directions.
const (
	DirDummy Direction = iota
	DirRx
	DirTx
	DirRxTx
)

func (d Direction) String() string {
	switch d {
	case DirDummy:
		return "dummy"
	case DirRx:
		return "rx"
	case DirTx:
		return "tx"
	case DirRxTx:
		return "rx_tx"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// Command encodes a COMMAND register value for a segment of n bytes (or n
// dummy cycles).
func Command(dir Direction, speed Speed, n int, csaat bool) uint32 {
	v := uint32(n-1)&CommandLenMask | uint32(speed)<<CommandSpeedShift | uint32(dir)<<CommandDirShift
	if csaat {
		v |= CommandCSAAT
	}
	return v
}

// ErrUnsupportedCommand is returned for a COMMAND write the controller
// cannot execute. ERROR_STATUS.CMDINVAL is latched and the segment is not
// queued.
type ErrUnsupportedCommand struct {
	Speed     Speed
	Direction Direction
}

func (e *ErrUnsupportedCommand) Error() string {
	return fmt.Sprintf("unsupported SPI segment: %s speed with %s direction", e.Speed, e.Direction)
}

// Device is a SPI peripheral on chip select 0.
type Device interface {
	CsLow()
	CsHigh() error
	Send(b []byte, speed Speed) error
	Dummy(cycles int) error
	Receive(n int, speed Speed) ([]byte, error)
	TimePass(ticks uint64)
}

// Host is the SPI host controller.
type Host struct {
	mu sync.Mutex

	intrState   regs.Register
	intrEnable  regs.Register
	control     regs.Register
	status      regs.Register
	configOpts  regs.Register
	csid        regs.Register
	errorEnable regs.Register
	errorStatus regs.Register
	eventEnable regs.Register

	txFIFO   []byte
	rxFIFO   []byte
	segments []uint32
	csLow    bool

	dev     Device
	irq     *platform.Line
	timer   *platform.Timer
	ready   *platform.ActionHandle
	done    *platform.ActionHandle
	elapsed *platform.ActionHandle
}

var _ platform.Peripheral = (*Host)(nil)

// New returns a controller with dev on chip select 0.
func New(clock *platform.Clock, dev Device, irq *platform.Line) *Host {
	return &Host{
		intrState:   regs.NewMasked(0, regs.W1C, IntrError|IntrSPIEvent),
		intrEnable:  regs.NewMasked(0, regs.ReadWrite, IntrError|IntrSPIEvent),
		control:     regs.New(controlReset, regs.ReadWrite),
		status:      regs.New(statusInit, regs.ReadOnly),
		configOpts:  regs.New(0, regs.ReadWrite),
		csid:        regs.New(0, regs.ReadWrite),
		errorEnable: regs.NewMasked(0x1F, regs.ReadWrite, 0x3F),
		errorStatus: regs.NewMasked(0, regs.W1C, 0x3F),
		eventEnable: regs.NewMasked(0, regs.ReadWrite, 0x3F),
		dev:         dev,
		irq:         irq,
		timer:       clock.Timer(),
	}
}

func (h *Host) enabled() bool {
	return h.control.IsSet(ControlSPIEn)
}

func (h *Host) reset() {
	h.control.Set(regs.WithField(h.control.Get()&^(ControlSPIEn|ControlOutputEn), ControlTxWatermarkShift, 8, 0))
	h.control.Set(regs.WithField(h.control.Get(), ControlRxWatermarkShift, 8, 0x7F))
	h.txFIFO = h.txFIFO[:0]
	h.rxFIFO = h.rxFIFO[:0]
	h.segments = h.segments[:0]
	h.status.Set(statusReset)
	h.configOpts.Set(0)
	h.csid.Set(0)
	h.errorEnable.Set(0x1F)
	h.eventEnable.Set(0)
	h.timer.Cancel(h.ready)
	h.timer.Cancel(h.done)
	h.timer.Cancel(h.elapsed)
	h.ready, h.done, h.elapsed = nil, nil, nil
}

// latchError sets bits in ERROR_STATUS and raises the error interrupt when
// enabled.
func (h *Host) latchError(bits uint32) {
	h.errorStatus.SetBits(bits)
	if h.errorEnable.Get()&bits == 0 {
		return
	}
	h.intrState.SetBits(IntrError)
	h.raise(IntrError)
}

func (h *Host) raise(bit uint32) {
	if h.intrEnable.IsSet(bit) && h.irq != nil {
		h.irq.Raise()
	}
}

func (h *Host) event(bits uint32) {
	if h.eventEnable.Get()&bits == 0 {
		return
	}
	h.intrState.SetBits(IntrSPIEvent)
	h.raise(IntrSPIEvent)
}

func quadWords(n int) uint32 {
	return uint32((n + 3) / 4)
}

func (h *Host) readStatus() uint32 {
	txqd := quadWords(len(h.txFIFO))
	rxqd := quadWords(len(h.rxFIFO))
	txwm := regs.Field(h.control.Get(), ControlTxWatermarkShift, 8)
	rxwm := regs.Field(h.control.Get(), ControlRxWatermarkShift, 8)
	v := h.status.Get() &^ (0xFF | 0xFF<<StatusRxQDShift | 0xF<<StatusCmdQDShift |
		StatusRxWM | StatusRxEmpty | StatusRxFull | StatusTxWM | StatusTxEmpty | StatusTxFull | StatusActive)
	v |= (txqd&0xFF)<<StatusTxQDShift | (rxqd&0xFF)<<StatusRxQDShift | (uint32(len(h.segments))&0xF)<<StatusCmdQDShift
	flags := []struct {
		set bool
		bit uint32
	}{
		{rxqd > rxwm, StatusRxWM},
		{len(h.rxFIFO) == 0, StatusRxEmpty},
		{len(h.rxFIFO) == FIFOSize, StatusRxFull},
		{txqd > txwm, StatusTxWM},
		{len(h.txFIFO) == 0, StatusTxEmpty},
		{len(h.txFIFO) == FIFOSize, StatusTxFull},
		{len(h.segments) > 0, StatusActive},
	}
	for _, f := range flags {
		if f.set {
			v |= f.bit
		}
	}
	h.status.Set(v)
	return v
}

// Read implements platform.Peripheral.
func (h *Host) Read(size platform.Size, offset uint32) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if offset == RegRxData {
		return h.readRxData(size), nil
	}
	if size != platform.Word {
		return 0, platform.ErrLoadAccessFault
	}
	switch offset {
	case RegIntrState:
		return h.intrState.Read(), nil
	case RegIntrEnable:
		return h.intrEnable.Read(), nil
	case RegIntrTest, RegAlertTest, RegCommand, RegTxData:
		return 0, nil
	case RegControl:
		return h.control.Read(), nil
	case RegStatus:
		return h.readStatus(), nil
	case RegConfigOpts:
		return h.configOpts.Read(), nil
	case RegCSID:
		return h.csid.Read(), nil
	case RegErrorEnable:
		return h.errorEnable.Read(), nil
	case RegErrorStatus:
		return h.errorStatus.Read(), nil
	case RegEventEnable:
		return h.eventEnable.Read(), nil
	}
	return 0, platform.ErrLoadAccessFault
}

// Write implements platform.Peripheral.
func (h *Host) Write(size platform.Size, offset uint32, v uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if offset == RegTxData {
		h.writeTxData(size, v)
		return nil
	}
	if size != platform.Word {
		return platform.ErrStoreAccessFault
	}
	switch offset {
	case RegIntrState:
		h.intrState.Write(v)
	case RegIntrEnable:
		h.intrEnable.Write(v)
	case RegIntrTest:
		if bits := v & (IntrError | IntrSPIEvent); bits != 0 {
			h.intrState.SetBits(bits)
			h.raise(bits)
		}
	case RegAlertTest:
	case RegControl:
		h.writeControl(v)
	case RegConfigOpts:
		h.configOpts.Write(v)
	case RegCSID:
		h.csid.Write(v)
	case RegCommand:
		return h.writeCommand(v)
	case RegErrorEnable:
		h.errorEnable.Write(v)
	case RegErrorStatus:
		h.errorStatus.Write(v)
	case RegEventEnable:
		h.eventEnable.Write(v)
	default:
		return platform.ErrStoreAccessFault
	}
	return nil
}

func (h *Host) writeControl(v uint32) {
	h.control.Write(v)
	if h.control.IsSet(ControlSwRst) {
		h.reset()
		h.control.ClearBits(ControlSwRst)
	}
	h.timer.Cancel(h.elapsed)
	h.elapsed = nil
	if h.enabled() {
		h.elapsed = h.timer.SchedulePollIn(PollTime)
	}
}

func (h *Host) writeCommand(v uint32) error {
	if !h.enabled() {
		return nil
	}
	speed := Speed(regs.Field(v, CommandSpeedShift, 2))
	dir := Direction(regs.Field(v, CommandDirShift, 2))
	if speed > SpeedQuad || (speed == SpeedQuad && dir == DirRxTx) {
		h.latchError(ErrorCmdInval)
		return &ErrUnsupportedCommand{Speed: speed, Direction: dir}
	}
	if len(h.segments) >= CmdQueueSize {
		h.latchError(ErrorCmdBusy)
		return nil
	}
	if h.csid.Get() != 0 {
		h.latchError(ErrorCSIDInval)
		return nil
	}
	h.segments = append(h.segments, v)
	h.status.ClearBits(StatusReady)
	h.scheduleNext(v)
	return nil
}

func (h *Host) scheduleNext(cmd uint32) {
	if h.done != nil {
		return
	}
	h.timer.Cancel(h.ready)
	h.ready = h.timer.SchedulePollIn(ReadyDelay)
	h.done = h.timer.SchedulePollIn(segmentTicks(cmd))
}

// segmentTicks is the number of CPU ticks a segment occupies the bus.
func segmentTicks(cmd uint32) uint64 {
	clocks := uint64(1)
	if Direction(regs.Field(cmd, CommandDirShift, 2)) != DirDummy {
		switch Speed(regs.Field(cmd, CommandSpeedShift, 2)) {
		case SpeedSingle:
			clocks = 8
		case SpeedDual:
			clocks = 4
		case SpeedQuad:
			clocks = 2
		}
	}
	n := uint64(cmd&CommandLenMask) + 1
	return cpuClocksPerSPIClk * n * clocks
}

func (h *Host) writeTxData(size platform.Size, v uint32) {
	if !h.enabled() {
		return
	}
	if len(h.txFIFO)+int(size) > FIFOSize {
		h.latchError(ErrorOverflow)
		return
	}
	for i := 0; i < int(size); i++ {
		shift := i
		if !h.status.IsSet(StatusByteOrder) {
			shift = int(size) - 1 - i
		}
		h.txFIFO = append(h.txFIFO, byte(v>>(8*shift)))
	}
}

func (h *Host) readRxData(size platform.Size) uint32 {
	if !h.enabled() {
		return 0
	}
	if len(h.rxFIFO) < int(size) {
		h.latchError(ErrorUnderflow)
		return 0
	}
	var v uint32
	for i := 0; i < int(size); i++ {
		shift := i
		if !h.status.IsSet(StatusByteOrder) {
			shift = int(size) - 1 - i
		}
		v |= uint32(h.rxFIFO[i]) << (8 * shift)
	}
	h.rxFIFO = h.rxFIFO[size:]
	if h.status.IsSet(StatusRxStall) && len(h.segments) > 0 && h.done == nil {
		h.status.ClearBits(StatusRxStall)
		h.done = h.timer.SchedulePollIn(1)
	}
	return v
}

// Poll advances the command pipeline.
func (h *Host) Poll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer.Fired(&h.ready) {
		h.status.SetBits(StatusReady)
		h.event(EventReady)
	}
	if h.timer.Fired(&h.done) {
		if h.runSegment() {
			h.segments = h.segments[1:]
			if len(h.segments) > 0 {
				h.scheduleNext(h.segments[0])
			} else {
				h.event(EventIdle)
			}
		}
	}
	if h.timer.Fired(&h.elapsed) {
		if !h.csLow && h.dev != nil {
			h.dev.TimePass(PollTime)
		}
		h.elapsed = h.timer.SchedulePollIn(PollTime)
	}
}

// runSegment executes the segment at the head of the queue. It returns
// false when the segment stalls on a FIFO and must be retried.
func (h *Host) runSegment() bool {
	cmd := h.segments[0]
	speed := Speed(regs.Field(cmd, CommandSpeedShift, 2))
	dir := Direction(regs.Field(cmd, CommandDirShift, 2))
	n := int(cmd&CommandLenMask) + 1

	switch dir {
	case DirTx, DirRxTx:
		if n > len(h.txFIFO) {
			h.status.SetBits(StatusTxStall)
			h.done = h.timer.SchedulePollIn(1)
			return false
		}
		h.status.ClearBits(StatusTxStall)
	}
	if dir == DirRx || dir == DirRxTx {
		if n > FIFOSize-len(h.rxFIFO) {
			h.status.SetBits(StatusRxStall)
			return false
		}
		h.status.ClearBits(StatusRxStall)
	}

	if !h.control.IsSet(ControlOutputEn) || h.dev == nil {
		log.Warnf("spihost: output not enabled, dropping segment 0x%x", cmd)
		return true
	}
	if !h.csLow {
		h.csLow = true
		h.dev.CsLow()
	}

	var err error
	switch dir {
	case DirDummy:
		err = h.dev.Dummy(n)
	case DirRx:
		var out []byte
		out, err = h.dev.Receive(n, speed)
		h.rxFIFO = append(h.rxFIFO, out...)
	case DirTx:
		err = h.dev.Send(h.txFIFO[:n], speed)
		h.txFIFO = h.txFIFO[n:]
	case DirRxTx:
		// NOR flashes do not drive the bus while receiving, so the host
		// samples idle-high lines.
		err = h.dev.Send(h.txFIFO[:n], speed)
		h.txFIFO = h.txFIFO[n:]
		for i := 0; i < n; i++ {
			h.rxFIFO = append(h.rxFIFO, 0xFF)
		}
	}
	if err != nil {
		log.Warnf("spihost: device error on segment 0x%x: %v", cmd, err)
	}
	if cmd&CommandCSAAT == 0 {
		h.csLow = false
		if err := h.dev.CsHigh(); err != nil {
			log.Warnf("spihost: device error on segment 0x%x: %v", cmd, err)
		}
	}
	return true
}
