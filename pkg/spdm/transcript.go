// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

// transcript holds the connection scoped message transcripts. They are
// kept as bytes and hashed on demand with the negotiated hash.
//
//	VCA  GET_VERSION .. ALGORITHMS
//	M1   VCA || GET_DIGESTS .. CERTIFICATE || CHALLENGE .. CHALLENGE_AUTH
//	L1   [VCA] || GET_MEASUREMENTS .. MEASUREMENTS
//
// Session scoped TH and L1 live in the session.
type transcript struct {
	vca []byte
	// m1 excludes the VCA prefix.
	m1 []byte
	l1 []byte
}

func (t *transcript) appendVCA(b []byte) {
	t.vca = append(t.vca, b...)
}

func (t *transcript) appendM1(parts ...[]byte) {
	for _, p := range parts {
		t.m1 = append(t.m1, p...)
	}
}

func (t *transcript) resetM1() {
	t.m1 = nil
}

func (t *transcript) reset() {
	*t = transcript{}
}

// l1 returns the L1 transcript the current request extends: the one of
// the session it arrived on, or the connection's.
func (r *Responder) l1() *[]byte {
	if s, ok := r.sessions.Active(); ok {
		return &s.L1
	}
	return &r.transcript.l1
}

// appendL1 extends an L1 transcript. From 1.2 on L1 starts with VCA.
func (r *Responder) appendL1(l1 *[]byte, b []byte) {
	if len(*l1) == 0 && r.conn.version >= V12 {
		*l1 = append(*l1, r.transcript.vca...)
	}
	*l1 = append(*l1, b...)
}

// hash digests the concatenation of parts with the negotiated hash.
func (r *Responder) hash(parts ...[]byte) ([]byte, error) {
	alg, ok := HashAlgorithm(r.conn.algs.BaseHash)
	if !ok {
		return nil, Fail(Unspecified, "no hash for BaseHashSel 0x%x", r.conn.algs.BaseHash)
	}
	h, err := r.eng.NewHash(alg)
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if err := h.Update(p); err != nil {
			return nil, err
		}
	}
	return h.Final()
}

func (r *Responder) hashSize() int {
	alg, ok := HashAlgorithm(r.conn.algs.BaseHash)
	if !ok {
		return 0
	}
	return alg.Size()
}
