// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spihost

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/linuxboot/mcufw/pkg/platform"
)

// maxSegment is the largest segment COMMAND.LEN can describe.
const maxSegment = CommandLenMask + 1

// DefaultTimeout is the tick budget of a single bus transaction.
const DefaultTimeout = 1 << 20

// Driver errors.
var (
	ErrTimeout        = errors.New("SPI host timed out")
	ErrVerifyMismatch = errors.New("flash contents differ after program")
)

// ErrHostStatus carries a nonzero ERROR_STATUS.
type ErrHostStatus struct {
	Status uint32
}

func (e *ErrHostStatus) Error() string {
	return fmt.Sprintf("SPI host error status 0x%02x", e.Status)
}

// FlashDriver accesses a NOR flash through the SPI host registers. It
// implements io.ReaderAt and io.WriterAt over the flash array.
type FlashDriver struct {
	bus     *platform.Bus
	base    uint32
	clock   *platform.Clock
	size    int64
	wide    bool
	Timeout uint64
}

var (
	_ io.ReaderAt = (*FlashDriver)(nil)
	_ io.WriterAt = (*FlashDriver)(nil)
)

// NewFlashDriver resets and enables the host at base, checks the JEDEC id
// and switches the flash to 4-byte addressing when it is larger than
// 16 MiB.
func NewFlashDriver(bus *platform.Bus, base uint32, clock *platform.Clock, size int64) (*FlashDriver, error) {
	d := &FlashDriver{bus: bus, base: base, clock: clock, size: size, Timeout: DefaultTimeout}
	if err := d.write(RegControl, ControlSwRst); err != nil {
		return nil, err
	}
	if err := d.write(RegControl, ControlSPIEn|ControlOutputEn); err != nil {
		return nil, err
	}
	id, err := d.ReadID()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(id, JEDECID) {
		return nil, fmt.Errorf("unexpected JEDEC id % x", id)
	}
	if size > 1<<24 {
		if _, err := d.transfer([]byte{OpEnter4B}, 0); err != nil {
			return nil, err
		}
		d.wide = true
	}
	return d, nil
}

// Size returns the flash capacity.
func (d *FlashDriver) Size() int64 {
	return d.size
}

func (d *FlashDriver) write(off, v uint32) error {
	return d.bus.Write(platform.Word, d.base+off, v)
}

func (d *FlashDriver) read(off uint32) (uint32, error) {
	return d.bus.Read(platform.Word, d.base+off)
}

func (d *FlashDriver) wait(cond func(status uint32) bool) error {
	for i := uint64(0); i < d.Timeout; i++ {
		st, err := d.read(RegStatus)
		if err != nil {
			return err
		}
		if cond(st) {
			return nil
		}
		d.clock.IncrementAndPoll(1, d.bus)
	}
	return ErrTimeout
}

// transfer sends tx in one chip-select window and then clocks in rx bytes.
func (d *FlashDriver) transfer(tx []byte, rx int) ([]byte, error) {
	if len(tx) == 0 || len(tx) > maxSegment || rx > maxSegment {
		return nil, fmt.Errorf("invalid transfer: tx %d rx %d", len(tx), rx)
	}
	for _, b := range tx {
		if err := d.bus.Write(platform.Byte, d.base+RegTxData, uint32(b)); err != nil {
			return nil, err
		}
	}
	if err := d.write(RegCommand, Command(DirTx, SpeedSingle, len(tx), rx > 0)); err != nil {
		return nil, err
	}
	if rx > 0 {
		if err := d.write(RegCommand, Command(DirRx, SpeedSingle, rx, false)); err != nil {
			return nil, err
		}
	}
	if err := d.wait(func(st uint32) bool { return st&StatusActive == 0 }); err != nil {
		return nil, err
	}
	out := make([]byte, rx)
	for i := range out {
		v, err := d.bus.Read(platform.Byte, d.base+RegRxData)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	errStatus, err := d.read(RegErrorStatus)
	if err != nil {
		return nil, err
	}
	if errStatus != 0 {
		_ = d.write(RegErrorStatus, errStatus)
		return nil, &ErrHostStatus{Status: errStatus}
	}
	return out, nil
}

func (d *FlashDriver) addressed(op, op4 byte, addr int64) []byte {
	if d.wide {
		return []byte{op4, byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
	}
	return []byte{op, byte(addr >> 16), byte(addr >> 8), byte(addr)}
}

// ReadID returns the JEDEC manufacturer and device id.
func (d *FlashDriver) ReadID() ([]byte, error) {
	return d.transfer([]byte{OpReadID}, len(JEDECID))
}

// ReadStatus returns the flash status register.
func (d *FlashDriver) ReadStatus() (byte, error) {
	out, err := d.transfer([]byte{OpReadStatus}, 1)
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

func (d *FlashDriver) waitReady() error {
	for i := uint64(0); i < d.Timeout; i += PollTime {
		st, err := d.ReadStatus()
		if err != nil {
			return err
		}
		if st&FlashStatusWIP == 0 {
			return nil
		}
		d.clock.IncrementAndPoll(PollTime, d.bus)
	}
	return ErrTimeout
}

func (d *FlashDriver) checkRange(n int, off int64) error {
	if off < 0 || off+int64(n) > d.size {
		return fmt.Errorf("range [0x%x, 0x%x) outside flash of size 0x%x", off, off+int64(n), d.size)
	}
	return nil
}

// ReadAt implements io.ReaderAt.
func (d *FlashDriver) ReadAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(len(p), off); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		chunk := len(p) - n
		if chunk > maxSegment {
			chunk = maxSegment
		}
		out, err := d.transfer(d.addressed(OpRead, OpRead4B, off+int64(n)), chunk)
		if err != nil {
			return n, err
		}
		n += copy(p[n:], out)
	}
	return n, nil
}

// WriteAt programs p at off, one page at a time, and reads the result
// back. The range must have been erased.
func (d *FlashDriver) WriteAt(p []byte, off int64) (int, error) {
	if err := d.checkRange(len(p), off); err != nil {
		return 0, err
	}
	n := 0
	for n < len(p) {
		addr := off + int64(n)
		chunk := PageSize - int(addr%PageSize)
		if chunk > len(p)-n {
			chunk = len(p) - n
		}
		if _, err := d.transfer([]byte{OpWriteEnable}, 0); err != nil {
			return n, err
		}
		tx := append(d.addressed(OpPageProgram, OpPageProgram4B, addr), p[n:n+chunk]...)
		if _, err := d.transfer(tx, 0); err != nil {
			return n, err
		}
		if err := d.waitReady(); err != nil {
			return n, err
		}
		n += chunk
	}
	got := make([]byte, len(p))
	if _, err := d.ReadAt(got, off); err != nil {
		return n, err
	}
	if !bytes.Equal(got, p) {
		return n, ErrVerifyMismatch
	}
	return n, nil
}

// Erase erases the sectors covering [off, off+n). Both must be sector
// aligned.
func (d *FlashDriver) Erase(off, n int64) error {
	if off%SectorSize != 0 || n%SectorSize != 0 {
		return fmt.Errorf("erase [0x%x, +0x%x) is not sector aligned", off, n)
	}
	if err := d.checkRange(int(n), off); err != nil {
		return err
	}
	for a := off; a < off+n; {
		op, op4, step := byte(OpSectorErase), byte(OpSectorErase4B), int64(SectorSize)
		if a%BlockSize == 0 && off+n-a >= BlockSize && !d.wide {
			op, step = OpBlockErase, BlockSize
		}
		if _, err := d.transfer([]byte{OpWriteEnable}, 0); err != nil {
			return err
		}
		if _, err := d.transfer(d.addressed(op, op4, a), 0); err != nil {
			return err
		}
		if err := d.waitReady(); err != nil {
			return err
		}
		a += step
	}
	return nil
}
