// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/mctp"
	"github.com/linuxboot/mcufw/pkg/spdm/session"
)

const testReqID = 0xABCD

var mctpAppHeader = []byte{byte(mctp.TypeSPDM)}

// peer is the requester side of a session.
type peer struct {
	q  *requester
	s  *session.Session
	th []byte
}

func (q *requester) keyExchangeRequest() []byte {
	q.t.Helper()
	b := q.hdr(KeyExchange, NoSummary, 0)
	b = binary.LittleEndian.AppendUint16(b, testReqID)
	b = append(b, byte(session.PolicyTermination), 0)
	b = append(b, make([]byte, NonceSize)...)
	return b
}

// keyExchange runs KEY_EXCHANGE and checks the signature and the
// responder verify data.
func (q *requester) keyExchange() *peer {
	q.t.Helper()
	t := q.t
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)

	req := q.keyExchangeRequest()
	req = append(req, priv.PublicKey().Bytes()[1:]...)
	opaque := SecuredVersionsOpaque(true, SecuredMessage11, SecuredMessage12)
	req = binary.LittleEndian.AppendUint16(req, uint16(len(opaque)))
	req = append(req, opaque...)

	rsp := q.expect(req, KeyExchangeRsp)
	rspID := binary.LittleEndian.Uint16(rsp[4:])
	exchange := rsp[40:136]
	opaqueLen := int(binary.LittleEndian.Uint16(rsp[136:]))
	sigOff := 138 + opaqueLen
	require.Len(t, rsp, sigOff+coprocessor.SignatureSize+48)
	require.Equal(t, []byte{1, 0, 0, 0, 0, 0, 4, 0, 1, 0, 0x00, 0x12}, rsp[138:sigOff])

	th := slices.Concat(q.vca, sha384(q.chain()), req, rsp[:sigOff])
	sig := rsp[sigOff : sigOff+coprocessor.SignatureSize]
	q.verify(ContextKeyExchangeRsp, th, sig)
	th = append(th, sig...)

	pub, err := ecdh.P384().NewPublicKey(append([]byte{4}, exchange...))
	require.NoError(t, err)
	shared, err := priv.ECDH(pub)
	require.NoError(t, err)

	eng := coprocessor.NewSoft(coprocessor.SoftConfig{})
	secret, err := eng.Import(coprocessor.KeyUsageHKDF, shared)
	require.NoError(t, err)
	ks := session.NewKeySchedule(eng, uint8(q.v))
	ks.SetDHESecret(secret)
	require.NoError(t, ks.GenerateHandshakeKeys(sha384(th)))
	vd, err := ks.VerifyData(session.Response, sha384(th))
	require.NoError(t, err)
	require.Equal(t, vd, rsp[sigOff+coprocessor.SignatureSize:])
	th = append(th, vd...)

	s := session.New(session.ID(testReqID, rspID), ks)
	s.State = session.HandshakeInProgress
	return &peer{q: q, s: s, th: th}
}

// seal wraps an SPDM request the way an MCTP requester does.
func (p *peer) seal(msg []byte) []byte {
	p.q.t.Helper()
	sealed, err := p.s.Seal(session.Request, slices.Concat(mctpAppHeader, msg))
	require.NoError(p.q.t, err)
	return sealed
}

// call sends msg in the session and returns the unwrapped response.
func (p *peer) call(msg []byte) []byte {
	t := p.q.t
	t.Helper()
	out, err := p.q.r.RespondSecured(p.seal(msg), mctpAppHeader)
	require.NoError(t, err)
	pt, err := p.s.Open(session.Response, out)
	require.NoError(t, err)
	require.Equal(t, mctpAppHeader, pt[:1])
	return pt[1:]
}

func (p *peer) finish() {
	t := p.q.t
	t.Helper()
	req := p.q.hdr(Finish, 0, 0)
	vd, err := p.s.Keys.VerifyData(session.Request, sha384(p.th, req))
	require.NoError(t, err)
	req = append(req, vd...)

	rsp := p.call(req)
	require.Equal(t, p.q.hdr(FinishRsp, 0, 0), rsp)
	p.th = slices.Concat(p.th, req, rsp)
	require.NoError(t, p.s.Keys.GenerateDataKeys(sha384(p.th)))
	p.s.State = session.Established
}

func TestSession(t *testing.T) {
	q := newRequester(t, DefaultConfig(), testMeasurements, V12)
	q.negotiate()
	p := q.keyExchange()

	rs, err := q.r.Sessions().Get(p.s.ID)
	require.NoError(t, err)
	require.Equal(t, session.HandshakeInProgress, rs.State)

	// Only FINISH is served during the handshake.
	e, err := ParseError(p.call(q.hdr(Heartbeat, 0, 0)))
	require.NoError(t, err)
	require.Equal(t, UnexpectedRequest, e.Code)

	p.finish()
	require.Equal(t, session.Established, rs.State)

	t.Run("measurements", func(t *testing.T) {
		p.q.t = t
		rsp := p.call(q.hdr(GetMeasurements, 0, 2))
		require.Equal(t, MeasurementsRsp, Code(rsp[1]))
		require.Equal(t, byte(2), rsp[8])
	})
	t.Run("refused in session", func(t *testing.T) {
		p.q.t = t
		e, err := ParseError(p.call(getVersionRequest()))
		require.NoError(t, err)
		require.Equal(t, UnexpectedRequest, e.Code)
		require.Equal(t, AlgorithmsNegotiated, q.r.State())
	})
	t.Run("key update", func(t *testing.T) {
		p.q.t = t
		rsp := p.call(q.hdr(KeyUpdate, KeyUpdateUpdateAllKeys, 7))
		require.Equal(t, q.hdr(KeyUpdateAck, KeyUpdateUpdateAllKeys, 7), rsp)
		require.NoError(t, p.s.UpdateKey(session.Request))
		require.NoError(t, p.s.UpdateKey(session.Response))

		rsp = p.call(q.hdr(KeyUpdate, KeyUpdateVerifyNewKey, 8))
		require.Equal(t, q.hdr(KeyUpdateAck, KeyUpdateVerifyNewKey, 8), rsp)

		rsp = p.call(q.hdr(KeyUpdate, KeyUpdateUpdateKey, 9))
		require.Equal(t, q.hdr(KeyUpdateAck, KeyUpdateUpdateKey, 9), rsp)
		require.NoError(t, p.s.UpdateKey(session.Request))

		e, err := ParseError(p.call(q.hdr(KeyUpdate, 4, 0)))
		require.NoError(t, err)
		require.Equal(t, InvalidRequest, e.Code)
	})
	t.Run("heartbeat", func(t *testing.T) {
		p.q.t = t
		require.Equal(t, q.hdr(HeartbeatAck, 0, 0), p.call(q.hdr(Heartbeat, 0, 0)))
	})
	q.t = t

	require.Equal(t, q.hdr(EndSessionAck, 0, 0), p.call(q.hdr(EndSession, 0, 0)))
	require.Zero(t, q.r.Sessions().Len())
	_, err = q.r.RespondSecured(p.seal(q.hdr(Heartbeat, 0, 0)), mctpAppHeader)
	require.ErrorIs(t, err, session.ErrUnknownSession)
}

func TestSessionDecryptFailure(t *testing.T) {
	q := newRequester(t, DefaultConfig(), nil, V12)
	q.negotiate()
	p := q.keyExchange()

	msg := p.seal(q.hdr(Finish, 0, 0))
	msg[session.AADLen] ^= 1
	_, err := q.r.RespondSecured(msg, mctpAppHeader)
	require.ErrorIs(t, err, ErrSessionClosed)
	require.Zero(t, q.r.Sessions().Len())
}

func TestSessionAppHeader(t *testing.T) {
	q := newRequester(t, DefaultConfig(), nil, V12)
	q.negotiate()
	p := q.keyExchange()

	sealed, err := p.s.Seal(session.Request, q.hdr(Heartbeat, 0, 0))
	require.NoError(t, err)
	_, err = q.r.RespondSecured(sealed, mctpAppHeader)
	require.ErrorIs(t, err, ErrAppHeader)
}

func TestKeyExchangeErrors(t *testing.T) {
	q := newRequester(t, DefaultConfig(), nil, V12)
	q.negotiate()

	q.expectError(slices.Concat(q.hdr(Finish, 0, 0), make([]byte, 48)), SessionRequired)
	q.expectError(q.hdr(EndSession, 0, 0), SessionRequired)

	// Truncated exchange data.
	q.expectError(slices.Concat(q.keyExchangeRequest(), make([]byte, 40)), InvalidRequest)

	req := q.keyExchangeRequest()
	req[3] = 1
	q.expectError(req, InvalidRequest)

	q.keyExchange()
	require.Equal(t, 1, q.r.Sessions().Len())
	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)
	opaque := SecuredVersionsOpaque(true, SecuredMessage11)
	req = slices.Concat(q.keyExchangeRequest(), priv.PublicKey().Bytes()[1:],
		binary.LittleEndian.AppendUint16(nil, uint16(len(opaque))), opaque)
	q.expectError(req, SessionLimitExceeded)
}

func TestKeyExchangeCapabilities(t *testing.T) {
	q := newRequester(t, DefaultConfig(), nil, V12)
	q.flags &^= CapEncrypt
	q.negotiate()

	priv, err := ecdh.P384().GenerateKey(rand.Reader)
	require.NoError(t, err)
	opaque := SecuredVersionsOpaque(true, SecuredMessage11)
	req := slices.Concat(q.keyExchangeRequest(), priv.PublicKey().Bytes()[1:],
		binary.LittleEndian.AppendUint16(nil, uint16(len(opaque))), opaque)
	q.expectError(req, InvalidRequest)
	require.Zero(t, q.r.Sessions().Len())
}
