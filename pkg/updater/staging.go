// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package updater

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/xaionaro-go/bytesextra"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/flashimage"
)

// ErrStagingBounds is returned for accesses past the end of staging memory.
var ErrStagingBounds = errors.New("access outside staging memory")

// Memory is the staging memory a downloaded flash image lands in.
type Memory struct {
	mu   sync.Mutex
	rws  io.ReadWriteSeeker
	size int64
}

// NewMemory returns size bytes of zeroed staging memory.
func NewMemory(size int) *Memory {
	return &Memory{
		rws:  bytesextra.NewReadWriteSeeker(make([]byte, size)),
		size: int64(size),
	}
}

// Size returns the capacity of the memory.
func (m *Memory) Size() int64 {
	return m.size
}

func (m *Memory) seek(off int64) error {
	_, err := m.rws.Seek(off, io.SeekStart)
	return err
}

// ReadAt implements io.ReaderAt.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrStagingBounds, off)
	}
	if off >= m.size {
		return 0, io.EOF
	}
	n := len(p)
	if rem := m.size - off; int64(n) > rem {
		n = int(rem)
	}
	if err := m.seek(off); err != nil {
		return 0, err
	}
	got, err := io.ReadFull(m.rws, p[:n])
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return got, err
}

// WriteAt implements io.WriterAt. Writes never grow the memory.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > m.size {
		return 0, fmt.Errorf("%w: %d bytes at 0x%x of 0x%x", ErrStagingBounds, len(p), off, m.size)
	}
	if err := m.seek(off); err != nil {
		return 0, err
	}
	return m.rws.Write(p)
}

// Payload streams one image of the staged flash image to the coprocessor
// mailbox.
type Payload struct {
	r *io.SectionReader
}

var _ coprocessor.PayloadStream = (*Payload)(nil)

// NewPayload returns a stream over the image described by h.
func NewPayload(img *flashimage.Image, h flashimage.ImageHeader) *Payload {
	return &Payload{r: img.Open(h)}
}

// Read implements io.Reader.
func (p *Payload) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Size implements coprocessor.PayloadStream.
func (p *Payload) Size() int {
	return int(p.r.Size())
}

// ByteSum implements coprocessor.PayloadStream.
func (p *Payload) ByteSum() (uint32, error) {
	if _, err := p.r.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	sum, err := flashimage.ByteSum(p.r)
	if err != nil {
		return 0, err
	}
	_, err = p.r.Seek(0, io.SeekStart)
	return sum, err
}
