// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mailbox implements the lock-guarded SRAM mailbox shared between
// the MCU and a SoC agent (or the security coprocessor).
//
// A session starts when a requester reads LOCK as 0 and ends when EXECUTE is
// written back to 0, which zeroizes the SRAM up to the session high-water
// mark together with every control register.
package mailbox

import (
	"fmt"
	"sync"

	"github.com/linuxboot/mcufw/pkg/platform"
	"github.com/linuxboot/mcufw/pkg/regs"
)

// DefaultSRAMSize is the size of the mailbox SRAM in bytes.
const DefaultSRAMSize = 2 << 20

// Register offsets. SRAM is mapped at offset 0, the CSR block at CSRBase.
const (
	CSRBase            = 0x20_0000
	RegLock            = CSRBase + 0x00
	RegUser            = CSRBase + 0x04
	RegTargetUser      = CSRBase + 0x08
	RegTargetUserValid = CSRBase + 0x0C
	RegCmd             = CSRBase + 0x10
	RegDlen            = CSRBase + 0x14
	RegExecute         = CSRBase + 0x18
	RegTargetStatus    = CSRBase + 0x1C
	RegCmdStatus       = CSRBase + 0x20
	RegHWStatus        = CSRBase + 0x24
	csrEnd             = CSRBase + 0x28
)

// Register bits.
const (
	ExecuteBit           = 1 << 0
	TargetStatusMask     = 0xF
	TargetStatusDone     = 1 << 4
	TargetUserValidBit   = 1 << 0
	HWStatusECCSingleErr = 1 << 0
	HWStatusECCDoubleErr = 1 << 1
)

// Requester identifies the agent holding the lock.
type Requester uint32

// RequesterMCU is the USER value recorded when the MCU takes the lock.
const RequesterMCU Requester = 0xFFFF_FFFF

// IsSoCAgent reports whether the requester is a remote agent.
func (r Requester) IsSoCAgent() bool {
	return r != RequesterMCU
}

func (r Requester) String() string {
	if r == RequesterMCU {
		return "MCU"
	}
	return fmt.Sprintf("SoC(0x%x)", uint32(r))
}

// CmdStatus is the value of the CMD_STATUS register.
type CmdStatus uint32

// Command statuses.
const (
	CmdBusy      CmdStatus = 0
	CmdDataReady CmdStatus = 1
	CmdComplete  CmdStatus = 2
	CmdFailure   CmdStatus = 3
)

// Event is an interrupt event delivered to the MCU.
type Event uint8

// Mailbox events.
const (
	EventCmdAvailable Event = iota + 1
	EventTargetDone
)

func (e Event) String() string {
	switch e {
	case EventCmdAvailable:
		return "Mbox0CmdAvailable"
	case EventTargetDone:
		return "Mbox0TargetDone"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// Config configures a Mailbox.
type Config struct {
	// SRAMSize in bytes, DefaultSRAMSize if zero.
	SRAMSize int
	// TestMode also signals EventCmdAvailable for MCU-owned sessions.
	TestMode bool
	// IRQ is raised when an event is delivered. It may be nil.
	IRQ *platform.Line
}

// Mailbox is the peripheral state. All methods are safe for concurrent use.
type Mailbox struct {
	mu sync.Mutex

	sram      []uint32
	eccFaults map[int]struct{}

	lock            regs.Register
	user            regs.Register
	targetUser      regs.Register
	targetUserValid regs.Register
	cmd             regs.Register
	dlen            regs.Register
	execute         regs.Register
	targetStatus    regs.Register
	cmdStatus       regs.Register
	hwStatus        regs.Register

	// highWaterMark is the largest DLEN programmed in this session, in bytes.
	highWaterMark uint32

	testMode bool
	irq      *platform.Line
	timer    *platform.Timer
	notify   *platform.ActionHandle
	events   []Event
}

// New creates a mailbox driven by the given clock.
func New(clock *platform.Clock, cfg Config) *Mailbox {
	size := cfg.SRAMSize
	if size == 0 {
		size = DefaultSRAMSize
	}
	return &Mailbox{
		sram:            make([]uint32, size/4),
		eccFaults:       map[int]struct{}{},
		lock:            regs.New(0, regs.ReadOnly),
		user:            regs.New(0, regs.ReadOnly),
		targetUser:      regs.New(0, regs.ReadWrite),
		targetUserValid: regs.NewMasked(0, regs.ReadWrite, TargetUserValidBit),
		cmd:             regs.New(0, regs.ReadWrite),
		dlen:            regs.New(0, regs.ReadWrite),
		execute:         regs.NewMasked(0, regs.ReadWrite, ExecuteBit),
		targetStatus:    regs.NewMasked(0, regs.ReadWrite, TargetStatusDone|TargetStatusMask),
		cmdStatus:       regs.NewMasked(0, regs.ReadWrite, 0xF),
		hwStatus:        regs.New(0, regs.ReadOnly),
		testMode:        cfg.TestMode,
		irq:             cfg.IRQ,
		timer:           clock.Timer(),
	}
}

// SRAMSize returns the SRAM size in bytes.
func (m *Mailbox) SRAMSize() int {
	return len(m.sram) * 4
}

// Port returns the view of the mailbox used by one requester.
func (m *Mailbox) Port(r Requester) *Port {
	return &Port{mbox: m, requester: r}
}

// IsLocked reports whether a session is active.
func (m *Mailbox) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.locked()
}

func (m *Mailbox) locked() bool {
	return m.lock.Get() != 0
}

// HighWaterMark returns the session high-water mark in bytes.
func (m *Mailbox) HighWaterMark() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.highWaterMark
}

// InjectECCError makes the next reads of an SRAM word report a
// double-bit ECC error.
func (m *Mailbox) InjectECCError(index int) {
	m.mu.Lock()
	m.eccFaults[index] = struct{}{}
	m.mu.Unlock()
}

// TakeEvent returns the oldest undelivered event.
func (m *Mailbox) TakeEvent() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return 0, false
	}
	ev := m.events[0]
	m.events = m.events[1:]
	return ev, true
}

func (m *Mailbox) signal(ev Event) {
	m.events = append(m.events, ev)
	if m.notify == nil {
		m.notify = m.timer.SchedulePollIn(1)
	}
}

// Poll raises the interrupt line one tick after an event was signalled.
func (m *Mailbox) Poll() {
	m.mu.Lock()
	fired := m.timer.Fired(&m.notify)
	m.mu.Unlock()
	if fired && m.irq != nil {
		m.irq.Raise()
	}
}

func (m *Mailbox) zeroize() {
	words := int((m.highWaterMark + 3) / 4)
	for i := 0; i < words && i < len(m.sram); i++ {
		m.sram[i] = 0
	}
	m.targetUser.Set(0)
	m.targetUserValid.Set(0)
	m.cmd.Set(0)
	m.dlen.Set(0)
	m.execute.Set(0)
	m.targetStatus.Set(0)
	m.cmdStatus.Set(0)
	m.hwStatus.Set(0)
	m.highWaterMark = 0
	m.user.Set(0)
	m.lock.Set(0)
}

// Reset forces a zeroization of the whole SRAM as the MCU does at boot.
func (m *Mailbox) Reset() error {
	p := m.Port(RequesterMCU)
	if p.ReadLock() != 0 {
		return fmt.Errorf("mailbox held by %s at reset", p.ReadUser())
	}
	if err := p.WriteDlen(uint32(m.SRAMSize())); err != nil {
		return err
	}
	return p.WriteExecute(0)
}
