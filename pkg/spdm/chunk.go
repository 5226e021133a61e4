// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"github.com/u-root/uio/uio"
)

// largeResponse is a response announced with ERROR(LargeResponse) and
// retrieved with CHUNK_GET.
type largeResponse struct {
	handle uint8
	seq    uint16
	offset int
	plan   *measurementPlan
}

const (
	chunkResponseFixedLen = HeaderLen + 8
	largeMessageSizeLen   = 4
	lastChunk             = 1 << 0
)

func (r *Responder) chunkGet(h Header, msg []byte) ([]byte, error) {
	if r.conn.version < V12 {
		return nil, Fail(UnsupportedRequest, "CHUNK_GET on %v", r.conn.version)
	}
	if err := r.requireNegotiated(h); err != nil {
		return nil, err
	}
	if !r.chunking() {
		return nil, Fail(UnsupportedRequest, "no CHUNK_CAP")
	}
	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	seq := l.Read16()
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "CHUNK_GET: %v", err)
	}
	lr := r.large
	if lr == nil {
		return nil, Fail(UnexpectedRequest, "no large response pending")
	}
	if h.Param2 != lr.handle || seq != lr.seq {
		return nil, Fail(InvalidRequest, "chunk %d of handle %d, expected %d of %d", seq, h.Param2, lr.seq, lr.handle)
	}

	total := lr.plan.size()
	capacity := r.transferSize() - chunkResponseFixedLen
	if seq == 0 {
		capacity -= largeMessageSizeLen
	}
	data := make([]byte, min(capacity, total-lr.offset))
	if _, err := r.fill(lr.plan, lr.offset, data); err != nil {
		r.large = nil
		return nil, err
	}
	last := lr.offset+len(data) == total

	var p1 uint8
	if last {
		p1 = lastChunk
	}
	w := uio.NewLittleEndianBuffer(Header{Version: r.conn.version, Code: ChunkRsp, Param1: p1, Param2: lr.handle}.Append(nil))
	w.Write16(seq)
	w.Write16(0)
	w.Write32(uint32(len(data)))
	if seq == 0 {
		w.Write32(uint32(total))
	}
	w.WriteBytes(data)

	lr.offset += len(data)
	lr.seq++
	if last {
		r.large = nil
	}
	return w.Data(), nil
}
