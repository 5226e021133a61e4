// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mailbox

import (
	"errors"
	"fmt"

	"github.com/linuxboot/mcufw/pkg/platform"
)

// ErrNotLocked is returned when a register other than LOCK is written while
// no session is active.
type ErrNotLocked struct {
	Register string
}

func (e *ErrNotLocked) Error() string {
	return fmt.Sprintf("write to %s while the mailbox is unlocked", e.Register)
}

// ErrIndexOutOfRange is returned for SRAM accesses outside the SRAM.
type ErrIndexOutOfRange struct {
	Index int
	Words int
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("SRAM index %d out of range [0, %d)", e.Index, e.Words)
}

// ErrDlenTooLarge is returned when DLEN exceeds the SRAM size.
type ErrDlenTooLarge struct {
	Dlen uint32
	Size int
}

func (e *ErrDlenTooLarge) Error() string {
	return fmt.Sprintf("DLEN %d exceeds SRAM size %d", e.Dlen, e.Size)
}

// ErrECCDouble is returned when an SRAM read hits an uncorrectable error.
var ErrECCDouble = errors.New("SRAM double-bit ECC error")

// Port is the mailbox as seen by a single requester.
type Port struct {
	mbox      *Mailbox
	requester Requester
}

// Requester returns the identity of the port.
func (p *Port) Requester() Requester {
	return p.requester
}

// ReadLock returns 0 and takes the lock if the mailbox was free, and 1
// otherwise.
func (p *Port) ReadLock() uint32 {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locked() {
		return 1
	}
	m.user.Set(uint32(p.requester))
	m.lock.Set(1)
	m.highWaterMark = 0
	return 0
}

// ReadUser returns the owner of the current session.
func (p *Port) ReadUser() Requester {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	return Requester(m.user.Read())
}

func (p *Port) write(name string, fn func(m *Mailbox) error) error {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.locked() {
		return &ErrNotLocked{Register: name}
	}
	return fn(m)
}

// WriteTargetUser programs the agent allowed to act as target.
func (p *Port) WriteTargetUser(v uint32) error {
	return p.write("TARGET_USER", func(m *Mailbox) error {
		m.targetUser.Write(v)
		return nil
	})
}

// WriteTargetUserValid marks TARGET_USER as valid.
func (p *Port) WriteTargetUserValid(v uint32) error {
	return p.write("TARGET_USER_VALID", func(m *Mailbox) error {
		m.targetUserValid.Write(v)
		return nil
	})
}

// WriteCmd sets the command code.
func (p *Port) WriteCmd(cmd uint32) error {
	return p.write("CMD", func(m *Mailbox) error {
		m.cmd.Write(cmd)
		return nil
	})
}

// ReadCmd returns the command code.
func (p *Port) ReadCmd() uint32 {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmd.Read()
}

// WriteDlen sets the data length in bytes and raises the high-water mark.
func (p *Port) WriteDlen(n uint32) error {
	return p.write("DLEN", func(m *Mailbox) error {
		if int(n) > m.SRAMSize() {
			return &ErrDlenTooLarge{Dlen: n, Size: m.SRAMSize()}
		}
		m.dlen.Write(n)
		if n > m.highWaterMark {
			m.highWaterMark = n
		}
		return nil
	})
}

// ReadDlen returns the data length in bytes.
func (p *Port) ReadDlen() uint32 {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dlen.Read()
}

// WriteExecute hands the mailbox to the receiver (1) or ends the session (0).
func (p *Port) WriteExecute(v uint32) error {
	return p.write("EXECUTE", func(m *Mailbox) error {
		m.execute.Write(v)
		if v&ExecuteBit != 0 {
			if m.testMode || Requester(m.user.Get()).IsSoCAgent() {
				m.signal(EventCmdAvailable)
			}
			return nil
		}
		m.zeroize()
		return nil
	})
}

// ReadExecute returns the EXECUTE register.
func (p *Port) ReadExecute() uint32 {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.execute.Read()
}

// WriteTargetStatus updates TARGET_STATUS. A rising DONE bit signals
// EventTargetDone.
func (p *Port) WriteTargetStatus(v uint32) error {
	return p.write("TARGET_STATUS", func(m *Mailbox) error {
		prev := m.targetStatus.Get()
		m.targetStatus.Write(v)
		if prev&TargetStatusDone == 0 && m.targetStatus.Get()&TargetStatusDone != 0 {
			m.signal(EventTargetDone)
		}
		return nil
	})
}

// ReadTargetStatus returns TARGET_STATUS.
func (p *Port) ReadTargetStatus() uint32 {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetStatus.Read()
}

// WriteCmdStatus sets CMD_STATUS.
func (p *Port) WriteCmdStatus(s CmdStatus) error {
	return p.write("CMD_STATUS", func(m *Mailbox) error {
		m.cmdStatus.Write(uint32(s))
		return nil
	})
}

// ReadCmdStatus returns CMD_STATUS.
func (p *Port) ReadCmdStatus() CmdStatus {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	return CmdStatus(m.cmdStatus.Read())
}

// ReadHWStatus returns HW_STATUS.
func (p *Port) ReadHWStatus() uint32 {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hwStatus.Read()
}

// ReadSRAM reads one 32-bit SRAM word.
func (p *Port) ReadSRAM(index int) (uint32, error) {
	m := p.mbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if index < 0 || index >= len(m.sram) {
		return 0, &ErrIndexOutOfRange{Index: index, Words: len(m.sram)}
	}
	if _, bad := m.eccFaults[index]; bad {
		m.hwStatus.SetBits(HWStatusECCDoubleErr)
		return 0, fmt.Errorf("word %d: %w", index, ErrECCDouble)
	}
	return m.sram[index], nil
}

// WriteSRAM writes one 32-bit SRAM word.
func (p *Port) WriteSRAM(index int, v uint32) error {
	return p.write("SRAM", func(m *Mailbox) error {
		if index < 0 || index >= len(m.sram) {
			return &ErrIndexOutOfRange{Index: index, Words: len(m.sram)}
		}
		m.sram[index] = v
		delete(m.eccFaults, index)
		return nil
	})
}

// ReadData reads n bytes of SRAM starting at word 0.
func (p *Port) ReadData(n int) ([]byte, error) {
	out := make([]byte, n)
	for i := 0; i < n; i += 4 {
		w, err := p.ReadSRAM(i / 4)
		if err != nil {
			return nil, err
		}
		for j := 0; j < 4 && i+j < n; j++ {
			out[i+j] = byte(w >> (8 * j))
		}
	}
	return out, nil
}

// WriteData writes b into SRAM starting at word 0. A trailing partial word
// is zero padded.
func (p *Port) WriteData(b []byte) error {
	for i := 0; i < len(b); i += 4 {
		var w uint32
		for j := 0; j < 4 && i+j < len(b); j++ {
			w |= uint32(b[i+j]) << (8 * j)
		}
		if err := p.WriteSRAM(i/4, w); err != nil {
			return err
		}
	}
	return nil
}

var _ platform.Peripheral = (*Mailbox)(nil)

// Read implements platform.Peripheral for MCU bus accesses.
func (m *Mailbox) Read(size platform.Size, offset uint32) (uint32, error) {
	if size != platform.Word || offset%4 != 0 {
		return 0, platform.ErrLoadAccessFault
	}
	p := m.Port(RequesterMCU)
	if offset < CSRBase {
		return p.ReadSRAM(int(offset / 4))
	}
	switch offset {
	case RegLock:
		return p.ReadLock(), nil
	case RegUser:
		return uint32(p.ReadUser()), nil
	case RegTargetUser, RegTargetUserValid, RegHWStatus:
		m.mu.Lock()
		defer m.mu.Unlock()
		switch offset {
		case RegTargetUser:
			return m.targetUser.Read(), nil
		case RegTargetUserValid:
			return m.targetUserValid.Read(), nil
		}
		return m.hwStatus.Read(), nil
	case RegCmd:
		return p.ReadCmd(), nil
	case RegDlen:
		return p.ReadDlen(), nil
	case RegExecute:
		return p.ReadExecute(), nil
	case RegTargetStatus:
		return p.ReadTargetStatus(), nil
	case RegCmdStatus:
		return uint32(p.ReadCmdStatus()), nil
	}
	return 0, platform.ErrLoadAccessFault
}

// Write implements platform.Peripheral for MCU bus accesses.
func (m *Mailbox) Write(size platform.Size, offset uint32, v uint32) error {
	if size != platform.Word || offset%4 != 0 || offset >= csrEnd {
		return platform.ErrStoreAccessFault
	}
	p := m.Port(RequesterMCU)
	if offset < CSRBase {
		return p.WriteSRAM(int(offset/4), v)
	}
	switch offset {
	case RegTargetUser:
		return p.WriteTargetUser(v)
	case RegTargetUserValid:
		return p.WriteTargetUserValid(v)
	case RegCmd:
		return p.WriteCmd(v)
	case RegDlen:
		return p.WriteDlen(v)
	case RegExecute:
		return p.WriteExecute(v)
	case RegTargetStatus:
		return p.WriteTargetStatus(v)
	case RegCmdStatus:
		return p.WriteCmdStatus(CmdStatus(v))
	}
	return platform.ErrStoreAccessFault
}
