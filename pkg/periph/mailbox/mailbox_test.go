// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mailbox

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/platform"
)

const socAgent Requester = 0x1

func newTestMailbox(t *testing.T, testMode bool) (*Mailbox, *platform.Clock, *platform.PIC) {
	t.Helper()
	clock := platform.NewClock()
	pic := platform.NewPIC()
	m := New(clock, Config{SRAMSize: 4096, TestMode: testMode, IRQ: pic.Line(7)})
	return m, clock, pic
}

func TestSoCToMCUCommand(t *testing.T) {
	m, clock, pic := newTestMailbox(t, false)
	soc := m.Port(socAgent)
	mcu := m.Port(RequesterMCU)

	require.Equal(t, uint32(0), soc.ReadLock())
	require.Equal(t, uint32(1), mcu.ReadLock())
	require.Equal(t, socAgent, soc.ReadUser())

	require.NoError(t, soc.WriteCmd(0x55))
	require.NoError(t, soc.WriteDlen(16))
	for i, w := range []uint32{0x11111111, 0x22222222, 0x33333333, 0x44444444} {
		require.NoError(t, soc.WriteSRAM(i, w))
	}
	require.NoError(t, soc.WriteExecute(1))

	require.False(t, pic.IsPending(7))
	clock.IncrementAndPoll(1, m)
	require.True(t, pic.IsPending(7))
	ev, ok := m.TakeEvent()
	require.True(t, ok)
	require.Equal(t, EventCmdAvailable, ev)

	require.Equal(t, uint32(0x55), mcu.ReadCmd())
	require.Equal(t, uint32(16), mcu.ReadDlen())
	data, err := mcu.ReadData(16)
	require.NoError(t, err)
	require.Equal(t, []byte{
		0x11, 0x11, 0x11, 0x11, 0x22, 0x22, 0x22, 0x22,
		0x33, 0x33, 0x33, 0x33, 0x44, 0x44, 0x44, 0x44,
	}, data)

	require.NoError(t, mcu.WriteData([]byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}))
	require.NoError(t, mcu.WriteDlen(5))
	require.NoError(t, mcu.WriteCmdStatus(CmdComplete))

	require.Equal(t, CmdComplete, soc.ReadCmdStatus())
	rsp, err := soc.ReadData(int(soc.ReadDlen()))
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}, rsp)

	require.NoError(t, soc.WriteExecute(0))
	require.False(t, m.IsLocked())
	for i := 0; i < 4; i++ {
		w, err := mcu.ReadSRAM(i)
		require.NoError(t, err)
		require.Zero(t, w, "word %d", i)
	}
	for _, off := range []uint32{RegLock, RegUser, RegTargetUser, RegTargetUserValid, RegCmd, RegDlen, RegExecute, RegTargetStatus, RegCmdStatus, RegHWStatus} {
		if off == RegLock {
			continue
		}
		v, err := m.Read(platform.Word, off)
		require.NoError(t, err)
		require.Zero(t, v, "register 0x%x", off)
	}
	require.Zero(t, m.HighWaterMark())
}

func TestZeroizationScopedToHighWaterMark(t *testing.T) {
	m, _, _ := newTestMailbox(t, false)
	p := m.Port(socAgent)
	require.Equal(t, uint32(0), p.ReadLock())
	for i := 0; i < 8; i++ {
		require.NoError(t, p.WriteSRAM(i, 0xFFFFFFFF))
	}
	require.NoError(t, p.WriteDlen(20))
	require.NoError(t, p.WriteDlen(8))
	require.Equal(t, uint32(20), m.HighWaterMark())
	require.NoError(t, p.WriteExecute(0))

	for i := 0; i < 8; i++ {
		w, err := p.ReadSRAM(i)
		require.NoError(t, err)
		if i < 5 {
			require.Zero(t, w, "word %d", i)
		} else {
			require.Equal(t, uint32(0xFFFFFFFF), w, "word %d", i)
		}
	}
}

func TestWritesRequireLock(t *testing.T) {
	m, _, _ := newTestMailbox(t, false)
	p := m.Port(socAgent)

	var notLocked *ErrNotLocked
	require.True(t, errors.As(p.WriteCmd(1), &notLocked))
	require.Equal(t, "CMD", notLocked.Register)
	require.True(t, errors.As(p.WriteDlen(4), &notLocked))
	require.True(t, errors.As(p.WriteExecute(1), &notLocked))
	require.True(t, errors.As(p.WriteSRAM(0, 1), &notLocked))
	require.True(t, errors.As(p.WriteTargetUser(1), &notLocked))
	require.True(t, errors.As(p.WriteTargetStatus(TargetStatusDone), &notLocked))
}

func TestDlenAndIndexBounds(t *testing.T) {
	m, _, _ := newTestMailbox(t, false)
	p := m.Port(socAgent)
	require.Equal(t, uint32(0), p.ReadLock())

	var tooLarge *ErrDlenTooLarge
	require.True(t, errors.As(p.WriteDlen(4097), &tooLarge))
	require.NoError(t, p.WriteDlen(4096))

	var oob *ErrIndexOutOfRange
	require.True(t, errors.As(p.WriteSRAM(1024, 0), &oob))
	_, err := p.ReadSRAM(-1)
	require.True(t, errors.As(err, &oob))
}

func TestExecuteEventSources(t *testing.T) {
	t.Run("mcu_self_is_silent", func(t *testing.T) {
		m, _, _ := newTestMailbox(t, false)
		p := m.Port(RequesterMCU)
		require.Equal(t, uint32(0), p.ReadLock())
		require.NoError(t, p.WriteExecute(1))
		_, ok := m.TakeEvent()
		require.False(t, ok)
	})
	t.Run("test_mode_signals_mcu", func(t *testing.T) {
		m, _, _ := newTestMailbox(t, true)
		p := m.Port(RequesterMCU)
		require.Equal(t, uint32(0), p.ReadLock())
		require.NoError(t, p.WriteExecute(1))
		ev, ok := m.TakeEvent()
		require.True(t, ok)
		require.Equal(t, EventCmdAvailable, ev)
	})
}

func TestTargetDoneRisingEdge(t *testing.T) {
	m, _, _ := newTestMailbox(t, false)
	p := m.Port(RequesterMCU)
	require.Equal(t, uint32(0), p.ReadLock())

	require.NoError(t, p.WriteTargetStatus(uint32(CmdComplete)|TargetStatusDone))
	ev, ok := m.TakeEvent()
	require.True(t, ok)
	require.Equal(t, EventTargetDone, ev)

	require.NoError(t, p.WriteTargetStatus(uint32(CmdComplete)|TargetStatusDone))
	_, ok = m.TakeEvent()
	require.False(t, ok)
}

func TestECCDoubleErrorLatches(t *testing.T) {
	m, _, _ := newTestMailbox(t, false)
	p := m.Port(RequesterMCU)
	require.Equal(t, uint32(0), p.ReadLock())
	m.InjectECCError(3)

	_, err := p.ReadSRAM(3)
	require.True(t, errors.Is(err, ErrECCDouble))
	require.Equal(t, uint32(HWStatusECCDoubleErr), p.ReadHWStatus())

	_, err = p.ReadSRAM(2)
	require.NoError(t, err)
	require.Equal(t, uint32(HWStatusECCDoubleErr), p.ReadHWStatus())
}

func TestResetZeroizesWholeSRAM(t *testing.T) {
	m, _, _ := newTestMailbox(t, false)
	p := m.Port(RequesterMCU)
	require.Equal(t, uint32(0), p.ReadLock())
	require.NoError(t, p.WriteSRAM(1023, 0xDEADBEEF))
	require.NoError(t, p.WriteExecute(0))

	w, err := p.ReadSRAM(1023)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), w)

	require.NoError(t, m.Reset())
	w, err = p.ReadSRAM(1023)
	require.NoError(t, err)
	require.Zero(t, w)
	require.False(t, m.IsLocked())
}
