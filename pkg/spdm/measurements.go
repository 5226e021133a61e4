// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"fmt"
	"math"
	"slices"

	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/spdm/session"
)

// ValueType is the DMTFSpecMeasurementValueType of a block, without the
// raw bit stream flag.
type ValueType uint8

// Measurement value types.
const (
	ImmutableROM ValueType = iota
	MutableFirmware
	HardwareConfig
	FirmwareConfig
	FreeformManifest
	DeviceMode
	MutableFirmwareVersion
	MutableFirmwareSVN
	HashExtendedMeasurement
	Informational
	StructuredManifest
)

const rawBitStream = 1 << 7

// Reserved measurement indices.
const (
	IndexManifest   = 0xFD
	IndexDeviceMode = 0xFE
)

// Block is one measurement.
type Block struct {
	Index uint8
	Type  ValueType
	// Raw marks Value as a raw bit stream; otherwise it is a SHA-384
	// digest.
	Raw bool
	// TCB includes the block in the TCB measurement summary.
	TCB   bool
	Value []byte
}

// MeasurementStore provides the device measurements.
type MeasurementStore interface {
	// Measurements returns the blocks in ascending index order.
	Measurements() ([]Block, error)
}

// StaticMeasurements is a fixed MeasurementStore.
type StaticMeasurements []Block

// Measurements implements MeasurementStore.
func (s StaticMeasurements) Measurements() ([]Block, error) {
	b := slices.Clone(s)
	slices.SortFunc(b, func(x, y Block) int { return int(x.Index) - int(y.Index) })
	return b, nil
}

// Measurement summary hash types of CHALLENGE and KEY_EXCHANGE.
const (
	NoSummary  = 0x00
	TCBSummary = 0x01
	AllSummary = 0xFF
)

// RequesterContextSize is the size of the 1.3 requester context.
const RequesterContextSize = 8

// dmtfMeasurement encodes the DMTF measurement of b: value type, value
// size and value. A raw block is digested unless raw was requested.
func (r *Responder) dmtfMeasurement(b Block, raw bool) ([]byte, error) {
	typ, value := uint8(b.Type), b.Value
	switch {
	case b.Raw && raw:
		typ |= rawBitStream
	case b.Raw:
		d, err := r.eng.Hash(coprocessor.SHA384, b.Value)
		if err != nil {
			return nil, err
		}
		value = d
	}
	if len(value) > math.MaxUint16-3 {
		return nil, fmt.Errorf("measurement %d: %d bytes", b.Index, len(value))
	}
	out := []byte{typ, byte(len(value)), byte(len(value) >> 8)}
	return append(out, value...), nil
}

// encodeBlock returns the measurement block of b.
func (r *Responder) encodeBlock(b Block, raw bool) ([]byte, error) {
	m, err := r.dmtfMeasurement(b, raw)
	if err != nil {
		return nil, err
	}
	out := []byte{b.Index, MeasSpecDMTF, byte(len(m)), byte(len(m) >> 8)}
	return append(out, m...), nil
}

func (r *Responder) checkSummaryType(t uint8) error {
	switch t {
	case NoSummary:
		return nil
	case TCBSummary, AllSummary:
		if r.cfg.Capabilities.Flags.Meas() == MeasNone || r.conn.algs.MeasurementSpec&MeasSpecDMTF == 0 {
			return Fail(InvalidRequest, "measurement summary without measurements")
		}
		return nil
	}
	return Fail(InvalidRequest, "measurement summary type 0x%02x", t)
}

// measurementSummary hashes the concatenated DMTF measurements, all of
// them or the TCB ones.
func (r *Responder) measurementSummary(t uint8) ([]byte, error) {
	blocks, err := r.meas.Measurements()
	if err != nil {
		return nil, err
	}
	var all []byte
	for _, b := range blocks {
		if t == TCBSummary && !b.TCB {
			continue
		}
		m, err := r.dmtfMeasurement(b, false)
		if err != nil {
			return nil, err
		}
		all = append(all, m...)
	}
	return r.hash(all)
}

// GET_MEASUREMENTS request attributes and operations.
const (
	MeasAttrSignature = 1 << 0
	MeasAttrRaw       = 1 << 1
	MeasAttrNew       = 1 << 2

	MeasOpCount = 0x00
	MeasOpAll   = 0xFF
)

// noChange is the content changed field of signed 1.2 responses.
const noChange = 2

// measurementPlan is a MEASUREMENTS response fixed when the request is
// accepted. The signature is produced when the producer reaches it.
type measurementPlan struct {
	body   []byte
	signed bool
	slot   uint8
	l1     *[]byte
	sig    []byte
}

func (p *measurementPlan) size() int {
	n := len(p.body)
	if p.signed {
		n += coprocessor.SignatureSize
	}
	return n
}

// fill copies the response bytes from off on into buf and returns how
// many it copied. Unsigned bytes extend L1 as they are produced; reaching
// the signature signs L1 and resets it.
func (r *Responder) fill(p *measurementPlan, off int, buf []byte) (int, error) {
	var n int
	if off < len(p.body) {
		n = copy(buf, p.body[off:])
		r.appendL1(p.l1, p.body[off:off+n])
		off += n
	}
	if !p.signed || n == len(buf) {
		return n, nil
	}
	if p.sig == nil {
		th, err := r.hash(*p.l1)
		if err != nil {
			return n, err
		}
		sig, err := r.sign(p.slot, ContextMeasurements, th)
		if err != nil {
			return n, err
		}
		p.sig = sig
		*p.l1 = nil
	}
	n += copy(buf[n:], p.sig[off-len(p.body):])
	return n, nil
}

func (r *Responder) getMeasurements(h Header, msg []byte) ([]byte, error) {
	if err := r.requireNegotiated(h); err != nil {
		return nil, err
	}
	if s, ok := r.sessions.Active(); ok && s.State != session.Established {
		return nil, Fail(UnexpectedRequest, "GET_MEASUREMENTS in session %v", s.State)
	}
	meas := r.cfg.Capabilities.Flags.Meas()
	if meas == MeasNone {
		return nil, Fail(UnsupportedRequest, "no MEAS_CAP")
	}
	signed := h.Param1&MeasAttrSignature != 0
	if signed && meas != MeasSignature {
		return nil, Fail(UnsupportedRequest, "signed measurements without signature support")
	}
	if r.conn.algs.MeasurementSpec != MeasSpecDMTF || r.conn.algs.MeasurementHash != MeasHashSHA384 {
		return nil, Fail(Unspecified, "measurement spec 0x%x hash 0x%x", r.conn.algs.MeasurementSpec, r.conn.algs.MeasurementHash)
	}

	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	var slot uint8
	if signed {
		l.Consume(NonceSize)
		slot = l.Read8() & 0xF
	}
	var reqContext []byte
	if r.conn.version >= V13 {
		reqContext = l.CopyN(RequesterContextSize)
	}
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "GET_MEASUREMENTS: %v", err)
	}
	if !signed && l.Len() >= NonceSize+1 {
		return nil, Fail(UnexpectedRequest, "signature fields without a signature request")
	}
	if signed && !r.cfg.provisioned(slot) {
		return nil, Fail(InvalidRequest, "slot %d not provisioned", slot)
	}

	blocks, err := r.meas.Measurements()
	if err != nil {
		return nil, err
	}
	raw := h.Param1&MeasAttrRaw != 0
	var (
		record []byte
		count  int
		p1     uint8
	)
	switch op := h.Param2; op {
	case MeasOpCount:
		p1 = uint8(len(blocks))
	case MeasOpAll:
		for _, b := range blocks {
			e, err := r.encodeBlock(b, raw)
			if err != nil {
				return nil, err
			}
			record = append(record, e...)
		}
		count = len(blocks)
	default:
		i := slices.IndexFunc(blocks, func(b Block) bool { return b.Index == op })
		if i < 0 {
			return nil, Fail(InvalidRequest, "no measurement %d", op)
		}
		if record, err = r.encodeBlock(blocks[i], raw); err != nil {
			return nil, err
		}
		count = 1
	}
	if len(record) >= 1<<24 {
		return nil, Fail(ResponseTooLarge, "measurement record of %d bytes", len(record))
	}

	p2 := slot
	if signed && r.conn.version >= V12 {
		p2 |= noChange << 4
	}
	nonce, err := r.eng.Random(NonceSize)
	if err != nil {
		return nil, err
	}
	w := uio.NewLittleEndianBuffer(Header{Version: r.conn.version, Code: MeasurementsRsp, Param1: p1, Param2: p2}.Append(nil))
	w.Write8(uint8(count))
	w.Write16(uint16(len(record)))
	w.Write8(uint8(len(record) >> 16))
	w.WriteBytes(record)
	w.WriteBytes(nonce)
	w.Write16(0)
	w.WriteBytes(reqContext)

	plan := &measurementPlan{body: w.Data(), signed: signed, slot: slot, l1: r.l1()}
	size := plan.size()
	if size > r.transferSize() {
		if !r.chunking() {
			return nil, Fail(ResponseTooLarge, "MEASUREMENTS of %d bytes", size)
		}
		if limit := int(r.conn.peerCaps.MaxSPDMMessageSize); limit != 0 && size > limit {
			return nil, Fail(ResponseTooLarge, "MEASUREMENTS of %d bytes, peer accepts %d", size, limit)
		}
	}

	r.appendL1(plan.l1, msg[:len(msg)-l.Len()])
	if size > r.transferSize() {
		r.nextHandle++
		r.large = &largeResponse{handle: r.nextHandle, plan: plan}
		return nil, &Error{Code: LargeResponse, Extended: []byte{r.nextHandle}, Reason: fmt.Sprintf("%d bytes", size)}
	}
	out := make([]byte, size)
	if _, err := r.fill(plan, 0, out); err != nil {
		*plan.l1 = nil
		return nil, err
	}
	return out, nil
}
