// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spihost

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/platform"
)

const testBase = 0x2000_0000

type rig struct {
	clock *platform.Clock
	pic   *platform.PIC
	flash *Flash
	host  *Host
	bus   *platform.Bus
}

func newRig(t *testing.T, size int) *rig {
	t.Helper()
	r := &rig{
		clock: platform.NewClock(),
		pic:   platform.NewPIC(),
		flash: NewFlash(size),
		bus:   &platform.Bus{},
	}
	r.host = New(r.clock, r.flash, r.pic.Line(40))
	require.NoError(t, r.bus.Attach(testBase, WindowSize, r.host))
	return r
}

func (r *rig) write(t *testing.T, off, v uint32) {
	t.Helper()
	require.NoError(t, r.bus.Write(platform.Word, testBase+off, v))
}

func (r *rig) read(t *testing.T, off uint32) uint32 {
	t.Helper()
	v, err := r.bus.Read(platform.Word, testBase+off)
	require.NoError(t, err)
	return v
}

func TestResetValues(t *testing.T) {
	r := newRig(t, 1<<20)
	require.Equal(t, uint32(0x7F), r.read(t, RegControl))
	require.Equal(t, uint32(0x1F), r.read(t, RegErrorEnable))
	st := r.read(t, RegStatus)
	require.NotZero(t, st&StatusByteOrder)
	require.NotZero(t, st&StatusTxEmpty)
	require.NotZero(t, st&StatusRxEmpty)
	require.Zero(t, st&StatusActive)

	r.write(t, RegControl, ControlSwRst)
	require.Equal(t, uint32(0x7F), r.read(t, RegControl))
	require.NotZero(t, r.read(t, RegStatus)&StatusReady)
}

func TestSegmentTiming(t *testing.T) {
	for _, tc := range []struct {
		name  string
		cmd   uint32
		ticks uint64
	}{
		{"single_tx_1", Command(DirTx, SpeedSingle, 1, false), 64},
		{"dual_rx_4", Command(DirRx, SpeedDual, 4, false), 128},
		{"quad_rx_8", Command(DirRx, SpeedQuad, 8, false), 128},
		{"dummy_8", Command(DirDummy, SpeedQuad, 8, false), 64},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.ticks, segmentTicks(tc.cmd))
		})
	}
}

func TestRDIDThroughRegisters(t *testing.T) {
	r := newRig(t, 1<<20)
	r.write(t, RegControl, ControlSPIEn|ControlOutputEn)
	require.NoError(t, r.bus.Write(platform.Byte, testBase+RegTxData, OpReadID))
	r.write(t, RegCommand, Command(DirTx, SpeedSingle, 1, true))
	r.write(t, RegCommand, Command(DirRx, SpeedSingle, 4, false))
	require.NotZero(t, r.read(t, RegStatus)&StatusActive)
	require.Equal(t, uint32(2), (r.read(t, RegStatus)>>StatusCmdQDShift)&0xF)

	r.clock.IncrementAndPoll(ReadyDelay, r.bus)
	require.NotZero(t, r.read(t, RegStatus)&StatusReady)
	r.clock.IncrementAndPoll(64+256, r.bus)
	st := r.read(t, RegStatus)
	require.Zero(t, st&StatusActive)
	require.Equal(t, uint32(1), (st>>StatusRxQDShift)&0xFF)

	v, err := r.bus.Read(platform.Word, testBase+RegRxData)
	require.NoError(t, err)
	require.Equal(t, uint32(0x2140EF), v&0xFFFFFF)
	require.Zero(t, r.read(t, RegErrorStatus))
}

func TestQuadFullDuplexRejected(t *testing.T) {
	r := newRig(t, 1<<20)
	r.write(t, RegControl, ControlSPIEn|ControlOutputEn)
	r.write(t, RegIntrEnable, IntrError)

	err := r.bus.Write(platform.Word, testBase+RegCommand, Command(DirRxTx, SpeedQuad, 4, false))
	var unsupported *ErrUnsupportedCommand
	require.True(t, errors.As(err, &unsupported))
	require.Equal(t, SpeedQuad, unsupported.Speed)
	require.Equal(t, DirRxTx, unsupported.Direction)

	require.Equal(t, uint32(ErrorCmdInval), r.read(t, RegErrorStatus))
	require.Zero(t, r.read(t, RegStatus)&StatusActive)
	require.Equal(t, uint32(IntrError), r.read(t, RegIntrState))
	require.True(t, r.pic.IsPending(40))

	r.write(t, RegErrorStatus, ErrorCmdInval)
	require.Zero(t, r.read(t, RegErrorStatus))
}

func TestFIFOErrors(t *testing.T) {
	r := newRig(t, 1<<20)
	r.write(t, RegControl, ControlSPIEn|ControlOutputEn)

	_, err := r.bus.Read(platform.Word, testBase+RegRxData)
	require.NoError(t, err)
	require.Equal(t, uint32(ErrorUnderflow), r.read(t, RegErrorStatus))

	for i := 0; i < FIFOSize/4; i++ {
		r.write(t, RegTxData, 0)
	}
	require.NotZero(t, r.read(t, RegStatus)&StatusTxFull)
	r.write(t, RegTxData, 0)
	require.Equal(t, uint32(ErrorUnderflow|ErrorOverflow), r.read(t, RegErrorStatus))
}

func TestCommandQueueFull(t *testing.T) {
	r := newRig(t, 1<<20)
	r.write(t, RegControl, ControlSPIEn|ControlOutputEn)
	for i := 0; i < CmdQueueSize; i++ {
		r.write(t, RegCommand, Command(DirDummy, SpeedSingle, 8, true))
	}
	require.Zero(t, r.read(t, RegErrorStatus))
	r.write(t, RegCommand, Command(DirDummy, SpeedSingle, 8, true))
	require.Equal(t, uint32(ErrorCmdBusy), r.read(t, RegErrorStatus))
}

func TestTxStallWaitsForData(t *testing.T) {
	r := newRig(t, 1<<20)
	r.write(t, RegControl, ControlSPIEn|ControlOutputEn)
	r.write(t, RegCommand, Command(DirTx, SpeedSingle, 1, false))
	r.clock.IncrementAndPoll(100, r.bus)
	st := r.read(t, RegStatus)
	require.NotZero(t, st&StatusTxStall)
	require.NotZero(t, st&StatusActive)

	require.NoError(t, r.bus.Write(platform.Byte, testBase+RegTxData, OpWriteEnable))
	r.clock.IncrementAndPoll(2, r.bus)
	st = r.read(t, RegStatus)
	require.Zero(t, st&StatusTxStall)
	require.Zero(t, st&StatusActive)
}

func TestFlashModel(t *testing.T) {
	f := NewFlash(1 << 16)

	f.CsLow()
	require.NoError(t, f.Send([]byte{OpPageProgram, 0, 0, 0, 0x12}, SpeedSingle))
	require.ErrorIs(t, f.CsHigh(), ErrWriteDisabled)

	f.CsLow()
	require.NoError(t, f.Send([]byte{OpWriteEnable}, SpeedSingle))
	require.NoError(t, f.CsHigh())
	f.CsLow()
	require.NoError(t, f.Send([]byte{OpPageProgram, 0, 0, 0xFE, 1, 2}, SpeedSingle))
	require.ErrorIs(t, f.Send([]byte{3}, SpeedSingle), ErrCrossPageProgram)
	require.NoError(t, f.CsHigh())
	require.Equal(t, []byte{1, 2}, f.Data()[0xFE:0x100])

	f.CsLow()
	require.ErrorIs(t, f.Send([]byte{OpWriteEnable}, SpeedSingle), ErrFlashBusy)
	f.TimePass(ProgramTicks)

	f.CsLow()
	var unsupported *ErrUnsupportedOpcode
	require.True(t, errors.As(f.Send([]byte{0x5A}, SpeedSingle), &unsupported))
	require.Equal(t, byte(0x5A), unsupported.Opcode)

	f.CsLow()
	require.NoError(t, f.Send([]byte{OpWriteEnable}, SpeedSingle))
	require.NoError(t, f.CsHigh())
	f.CsLow()
	require.NoError(t, f.Send([]byte{OpSectorErase, 0, 0x10, 0x01}, SpeedSingle))
	require.ErrorIs(t, f.CsHigh(), ErrEraseUnaligned)
}

func TestFlashDriverRoundTrip(t *testing.T) {
	r := newRig(t, 1<<16)
	d, err := NewFlashDriver(r.bus, testBase, r.clock, 1<<16)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("mcu-flash"), 70)
	n, err := d.WriteAt(payload, 0x1F0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, r.flash.Data()[0x1F0:0x1F0+len(payload)])

	got := make([]byte, len(payload))
	_, err = d.ReadAt(got, 0x1F0)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	require.NoError(t, d.Erase(0, SectorSize))
	require.Equal(t, bytes.Repeat([]byte{0xFF}, SectorSize), r.flash.Data()[:SectorSize])

	_, err = d.ReadAt(make([]byte, 4), 1<<16-2)
	require.Error(t, err)
}

func TestFlashDriverFourByteMode(t *testing.T) {
	r := newRig(t, 32<<20)
	d, err := NewFlashDriver(r.bus, testBase, r.clock, 32<<20)
	require.NoError(t, err)
	require.True(t, r.flash.FourByteAddressing())

	_, err = d.WriteAt([]byte{0xA5, 0x5A}, 0x1800000)
	require.NoError(t, err)
	require.Equal(t, []byte{0xA5, 0x5A}, r.flash.Data()[0x1800000:0x1800002])
}
