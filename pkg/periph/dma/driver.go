// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"
	"errors"
	"fmt"

	"github.com/linuxboot/mcufw/pkg/platform"
)

// ErrTransferFailed is returned by Driver.Copy when the engine latched
// IRQ_ERROR.
var ErrTransferFailed = errors.New("DMA transfer failed")

// Driver programs an Engine through the MMIO bus and ticks the clock until
// the transfer completes.
type Driver struct {
	Bus   *platform.Bus
	Base  uint32
	Clock *platform.Clock
}

func (d *Driver) write(off, v uint32) error {
	return d.Bus.Write(platform.Word, d.Base+off, v)
}

// Copy transfers n bytes from src to dst.
func (d *Driver) Copy(ctx context.Context, src, dst uint64, n uint32) error {
	if n == 0 || n > BTTMask {
		return fmt.Errorf("invalid transfer length %d", n)
	}
	for _, w := range []struct {
		off uint32
		v   uint32
	}{
		{RegControl, ControlReset},
		{RegControl, ControlIOCIrqEn | ControlErrIrqEn},
		{RegSrcAddr, uint32(src)},
		{RegSrcAddrHi, uint32(src >> 32)},
		{RegDstAddr, uint32(dst)},
		{RegDstAddrHi, uint32(dst >> 32)},
		{RegBTT, n},
	} {
		if err := d.write(w.off, w.v); err != nil {
			return err
		}
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.Clock.IncrementAndPoll(1, d.Bus)
		status, err := d.Bus.Read(platform.Word, d.Base+RegStatus)
		if err != nil {
			return err
		}
		if status&StatusIdle == 0 {
			continue
		}
		if status&StatusIRQError != 0 {
			_ = d.write(RegStatus, StatusIRQError)
			return ErrTransferFailed
		}
		if status&StatusIRQIOC != 0 {
			return d.write(RegStatus, StatusIRQIOC)
		}
	}
}
