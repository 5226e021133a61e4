// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package platform

import (
	"fmt"
	"math/bits"
	"sync"
)

// IRQ is an interrupt line number.
type IRQ uint8

// MaxIRQ is the number of lines the controller exposes.
const MaxIRQ = 64

// PIC is a level-latched interrupt controller. A raised line stays pending
// until it is acknowledged.
type PIC struct {
	mu       sync.Mutex
	pending  uint64
	enabled  uint64
	handlers map[IRQ]func()
}

// NewPIC returns a controller with every line enabled.
func NewPIC() *PIC {
	return &PIC{enabled: ^uint64(0), handlers: map[IRQ]func(){}}
}

// Line returns a handle that raises a single interrupt line.
func (p *PIC) Line(irq IRQ) *Line {
	if irq >= MaxIRQ {
		panic(fmt.Sprintf("irq %d out of range", irq))
	}
	return &Line{pic: p, irq: irq}
}

// Enable unmasks or masks a line.
func (p *PIC) Enable(irq IRQ, enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if enable {
		p.enabled |= 1 << irq
	} else {
		p.enabled &^= 1 << irq
	}
}

// Subscribe installs the upcall invoked from Dispatch for a line. A nil
// handler cancels the subscription.
func (p *PIC) Subscribe(irq IRQ, handler func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handler == nil {
		delete(p.handlers, irq)
		return
	}
	p.handlers[irq] = handler
}

// Raise marks a line pending.
func (p *PIC) Raise(irq IRQ) {
	p.mu.Lock()
	p.pending |= 1 << irq
	p.mu.Unlock()
}

// IsPending reports whether a line is pending.
func (p *PIC) IsPending(irq IRQ) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending&(1<<irq) != 0
}

// Next returns the lowest pending and enabled line.
func (p *PIC) Next() (IRQ, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	active := p.pending & p.enabled
	if active == 0 {
		return 0, false
	}
	return IRQ(bits.TrailingZeros64(active)), true
}

// Ack clears a pending line.
func (p *PIC) Ack(irq IRQ) {
	p.mu.Lock()
	p.pending &^= 1 << irq
	p.mu.Unlock()
}

// Dispatch acknowledges and services every pending enabled line in priority
// order and returns how many were serviced.
func (p *PIC) Dispatch() int {
	n := 0
	for {
		irq, ok := p.Next()
		if !ok {
			return n
		}
		p.Ack(irq)
		p.mu.Lock()
		h := p.handlers[irq]
		p.mu.Unlock()
		if h != nil {
			h()
		}
		n++
	}
}

// Line raises one interrupt on its controller.
type Line struct {
	pic *PIC
	irq IRQ
}

// Raise marks the line pending.
func (l *Line) Raise() {
	l.pic.Raise(l.irq)
}

// Lower withdraws the line if it is still pending.
func (l *Line) Lower() {
	l.pic.Ack(l.irq)
}

// Set raises or lowers the line.
func (l *Line) Set(level bool) {
	if level {
		l.Raise()
	} else {
		l.Lower()
	}
}

// IRQ returns the line number.
func (l *Line) IRQ() IRQ {
	return l.irq
}
