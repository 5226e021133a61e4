// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/u-root/uio/uio"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
)

// NonceSize is the size of SPDM nonces and random data.
const NonceSize = 32

// Signing contexts of the responder signatures.
const (
	ContextChallengeAuth  = "responder-challenge_auth signing"
	ContextMeasurements   = "responder-measurements signing"
	ContextKeyExchangeRsp = "responder-key_exchange_rsp signing"
)

const signingContextLen = 36

// SigningPrefix returns the combined prefix of 1.2 and later signatures:
// "dmtf-spdm-vX.Y.*" four times, then context front padded with zeros to
// 36 bytes.
func SigningPrefix(v Version, context string) []byte {
	b := make([]byte, 0, 64+signingContextLen)
	for range 4 {
		b = fmt.Appendf(b, "dmtf-spdm-v%d.%d.*", v.Major(), v.Minor())
	}
	b = append(b, make([]byte, signingContextLen-len(context))...)
	return append(b, context...)
}

// SignedDigest is the digest a responder signs for a transcript hash.
// Before 1.2 it is the transcript hash itself.
func SignedDigest(eng coprocessor.Engine, v Version, context string, th []byte) ([]byte, error) {
	if v < V12 {
		return th, nil
	}
	return eng.Hash(coprocessor.SHA384, append(SigningPrefix(v, context), th...))
}

func (r *Responder) sign(slot uint8, context string, th []byte) ([]byte, error) {
	if r.conn.algs.BaseHash != HashSHA384 || r.conn.algs.BaseAsym != AsymECDSAP384 {
		return nil, Fail(Unspecified, "signing needs SHA-384 and ECDSA P-384, have 0x%x 0x%x",
			r.conn.algs.BaseHash, r.conn.algs.BaseAsym)
	}
	digest, err := SignedDigest(r.eng, r.conn.version, context, th)
	if err != nil {
		return nil, err
	}
	return r.eng.SignHash(slot, digest)
}

// certChain returns the SPDM certificate chain of a slot: length,
// reserved, the hash of the root certificate, then the DER certificates.
func (r *Responder) certChain(slot uint8) ([]byte, error) {
	der, err := r.eng.CertChain(slot)
	if err != nil {
		return nil, fmt.Errorf("slot %d: %w", slot, err)
	}
	s := cryptobyte.String(der)
	var root cryptobyte.String
	if !s.ReadASN1Element(&root, asn1.SEQUENCE) {
		return nil, fmt.Errorf("slot %d: malformed root certificate", slot)
	}
	rootHash, err := r.hash(root)
	if err != nil {
		return nil, err
	}
	total := 4 + len(rootHash) + len(der)
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("slot %d: certificate chain of %d bytes", slot, total)
	}
	b := binary.LittleEndian.AppendUint16(make([]byte, 0, total), uint16(total))
	b = append(b, 0, 0)
	b = append(b, rootHash...)
	return append(b, der...), nil
}

func (r *Responder) getDigests(h Header, msg []byte) ([]byte, error) {
	if err := r.requireNegotiated(h); err != nil {
		return nil, err
	}
	if h.Param1 != 0 || h.Param2 != 0 {
		return nil, Fail(UnexpectedRequest, "GET_DIGESTS parameters 0x%02x 0x%02x", h.Param1, h.Param2)
	}
	if !r.cfg.Capabilities.Flags.Has(CapCert) {
		return nil, Fail(UnsupportedRequest, "no CERT_CAP")
	}
	if r.cfg.Slots == 0 {
		return nil, Fail(Unspecified, "no certificate slot provisioned")
	}

	rh := Header{Version: r.conn.version, Code: DigestsRsp, Param2: r.cfg.Slots}
	if r.conn.version >= V13 {
		rh.Param1 = r.cfg.Slots
	}
	out := rh.Append(nil)
	for slot := range uint8(8) {
		if !r.cfg.provisioned(slot) {
			continue
		}
		chain, err := r.certChain(slot)
		if err != nil {
			return nil, err
		}
		d, err := r.hash(chain)
		if err != nil {
			return nil, err
		}
		out = append(out, d...)
	}

	r.transcript.appendM1(msg[:HeaderLen], out)
	r.conn.state = max(r.conn.state, AfterDigest)
	return out, nil
}

const (
	slotSizeRequested   = 1 << 0
	certificateFixedLen = HeaderLen + 4
)

func (r *Responder) getCertificate(h Header, msg []byte) ([]byte, error) {
	if err := r.requireNegotiated(h); err != nil {
		return nil, err
	}
	if !r.cfg.Capabilities.Flags.Has(CapCert) {
		return nil, Fail(UnsupportedRequest, "no CERT_CAP")
	}
	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	offset := int(l.Read16())
	length := int(l.Read16())
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "GET_CERTIFICATE: %v", err)
	}
	slot := h.Param1 & 0xF
	if !r.cfg.provisioned(slot) {
		return nil, Fail(InvalidRequest, "slot %d not provisioned", slot)
	}
	chain, err := r.certChain(slot)
	if err != nil {
		return nil, err
	}

	if r.conn.version >= V13 && h.Param2&slotSizeRequested != 0 {
		offset, length = 0, 0
	} else {
		if offset >= len(chain) {
			return nil, Fail(InvalidRequest, "offset %d of a %d byte chain", offset, len(chain))
		}
		length = min(length, r.transferSize()-certificateFixedLen, len(chain)-offset)
	}
	remainder := len(chain) - offset - length

	w := uio.NewLittleEndianBuffer(Header{Version: r.conn.version, Code: CertificateRsp, Param1: slot}.Append(nil))
	w.Write16(uint16(length))
	w.Write16(uint16(remainder))
	w.WriteBytes(chain[offset : offset+length])
	out := w.Data()

	r.transcript.appendM1(msg[:len(msg)-l.Len()], out)
	if remainder == 0 {
		r.conn.state = max(r.conn.state, AfterCertificate)
	}
	return out, nil
}

func (r *Responder) challenge(h Header, msg []byte) ([]byte, error) {
	if err := r.requireNegotiated(h); err != nil {
		return nil, err
	}
	if !r.cfg.Capabilities.Flags.Has(CapChal) {
		return nil, Fail(UnsupportedRequest, "no CHAL_CAP")
	}
	slot := h.Param1 & 0xF
	if !r.cfg.provisioned(slot) {
		return nil, Fail(InvalidRequest, "slot 0x%02x not provisioned", h.Param1)
	}
	summaryType := h.Param2
	if err := r.checkSummaryType(summaryType); err != nil {
		return nil, err
	}
	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	l.Consume(NonceSize)
	var reqContext []byte
	if r.conn.version >= V13 {
		reqContext = l.CopyN(RequesterContextSize)
	}
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "CHALLENGE: %v", err)
	}

	chain, err := r.certChain(slot)
	if err != nil {
		return nil, err
	}
	chainHash, err := r.hash(chain)
	if err != nil {
		return nil, err
	}
	nonce, err := r.eng.Random(NonceSize)
	if err != nil {
		return nil, err
	}
	w := uio.NewLittleEndianBuffer(Header{Version: r.conn.version, Code: ChallengeAuth, Param1: slot, Param2: 1 << slot}.Append(nil))
	w.WriteBytes(chainHash)
	w.WriteBytes(nonce)
	if summaryType != NoSummary {
		sum, err := r.measurementSummary(summaryType)
		if err != nil {
			return nil, err
		}
		w.WriteBytes(sum)
	}
	w.Write16(0)
	w.WriteBytes(reqContext)
	out := w.Data()

	r.transcript.appendM1(msg[:len(msg)-l.Len()], out)
	defer r.transcript.resetM1()
	th, err := r.hash(r.transcript.vca, r.transcript.m1)
	if err != nil {
		return nil, err
	}
	sig, err := r.sign(slot, ContextChallengeAuth, th)
	if err != nil {
		return nil, err
	}
	r.conn.state = Authenticated
	return append(out, sig...), nil
}
