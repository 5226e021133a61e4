// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package platform models the substrate the MCU core runs on: a tick clock
// with one-shot alarms, an interrupt controller and the MMIO bus contract
// that peripherals implement.
package platform

import (
	"sync"
)

// Clock is a monotonically increasing tick counter shared by every
// peripheral timer.
type Clock struct {
	mu      sync.Mutex
	now     uint64
	nextID  uint64
	pending map[uint64]uint64
}

// NewClock returns a clock starting at tick zero.
func NewClock() *Clock {
	return &Clock{pending: map[uint64]uint64{}}
}

// Now returns the current tick.
func (c *Clock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Increment advances the clock by n ticks.
func (c *Clock) Increment(n uint64) {
	c.mu.Lock()
	c.now += n
	c.mu.Unlock()
}

// IncrementAndPoll advances the clock one tick at a time and polls every
// given Poller after each tick.
func (c *Clock) IncrementAndPoll(n uint64, pollers ...Poller) {
	for i := uint64(0); i < n; i++ {
		c.Increment(1)
		for _, p := range pollers {
			p.Poll()
		}
	}
}

// Timer returns a new timer bound to the clock.
func (c *Clock) Timer() *Timer {
	return &Timer{clock: c}
}

// Poller is implemented by anything that advances its state on clock ticks.
type Poller interface {
	Poll()
}

// ActionHandle identifies a scheduled alarm.
type ActionHandle struct {
	id uint64
	at uint64
}

// Due returns the tick at which the action fires.
func (h *ActionHandle) Due() uint64 {
	return h.at
}

// Timer schedules one-shot alarms on a Clock.
type Timer struct {
	clock *Clock
}

// SchedulePollIn schedules an alarm "ticks" ticks from now.
func (t *Timer) SchedulePollIn(ticks uint64) *ActionHandle {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	h := &ActionHandle{id: c.nextID, at: c.now + ticks}
	c.pending[h.id] = h.at
	return h
}

// Fired reports whether the alarm referenced by *h is due. A fired alarm is
// consumed and *h is reset to nil.
func (t *Timer) Fired(h **ActionHandle) bool {
	if h == nil || *h == nil {
		return false
	}
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.pending[(*h).id]
	if !ok {
		*h = nil
		return false
	}
	if c.now < at {
		return false
	}
	delete(c.pending, (*h).id)
	*h = nil
	return true
}

// Cancel drops a scheduled alarm. After Cancel returns the alarm never fires.
func (t *Timer) Cancel(h *ActionHandle) {
	if h == nil {
		return
	}
	c := t.clock
	c.mu.Lock()
	delete(c.pending, h.id)
	c.mu.Unlock()
}

// Now returns the current tick of the underlying clock.
func (t *Timer) Now() uint64 {
	return t.clock.Now()
}
