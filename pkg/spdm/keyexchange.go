// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"crypto/hmac"
	"errors"
	"slices"

	"github.com/u-root/uio/uio"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/spdm/session"
)

// KEY_UPDATE operations.
const (
	KeyUpdateUpdateKey     = 1
	KeyUpdateUpdateAllKeys = 2
	KeyUpdateVerifyNewKey  = 3
)

const finishSignatureIncluded = 1 << 0

// sessionCapable checks what KEY_EXCHANGE and FINISH need from both
// sides.
func (r *Responder) sessionCapable(h Header) error {
	if err := r.requireNegotiated(h); err != nil {
		return err
	}
	if r.conn.version < V11 {
		return Fail(UnsupportedRequest, "%v on %v", h.Code, r.conn.version)
	}
	local, peer := r.cfg.Capabilities.Flags, r.conn.peerCaps.Flags
	if !local.Has(CapKeyEx) {
		return Fail(UnsupportedRequest, "no KEY_EX_CAP")
	}
	if !local.Has(CapEncrypt|CapMAC) || !peer.Has(CapKeyEx|CapEncrypt|CapMAC) {
		return Fail(InvalidRequest, "sessions need KEY_EX, ENCRYPT and MAC on both sides: local %v, peer %v", local, peer)
	}
	return nil
}

func (r *Responder) keyExchange(h Header, msg []byte) ([]byte, error) {
	if err := r.sessionCapable(h); err != nil {
		return nil, err
	}
	algs := r.conn.algs
	if algs.BaseHash != HashSHA384 || algs.DHE != DHESecp384r1 || algs.AEAD != AEADAES256GCM {
		return nil, Fail(Unspecified, "session algorithms hash 0x%x DHE 0x%x AEAD 0x%x", algs.BaseHash, algs.DHE, algs.AEAD)
	}
	summaryType, slot := h.Param1, h.Param2
	if err := r.checkSummaryType(summaryType); err != nil {
		return nil, err
	}
	if !r.cfg.provisioned(slot) {
		return nil, Fail(InvalidRequest, "slot 0x%02x not provisioned", slot)
	}

	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	reqID := l.Read16()
	policy := session.Policy(l.Read8())
	l.Read8()
	l.Consume(NonceSize)
	exchange := l.CopyN(coprocessor.ExchangeDataSize)
	opaque := l.Consume(int(l.Read16()))
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "KEY_EXCHANGE: %v", err)
	}
	req := msg[:len(msg)-l.Len()]
	if policy&session.PolicyEventAll != 0 && !r.cfg.Capabilities.Flags.Has(CapEvent) {
		return nil, Fail(InvalidRequest, "event policy without EVENT_CAP")
	}
	peerVersions, err := r.peerSecuredVersions(opaque)
	if err != nil {
		return nil, Fail(InvalidRequest, "%v", err)
	}
	smVersion, ok := r.selectSecuredVersion(peerVersions)
	if !ok {
		return nil, Fail(InvalidRequest, "no common secured message version in %x", peerVersions)
	}

	s, err := r.sessions.Create(reqID, uint8(r.conn.version), policy)
	if errors.Is(err, session.ErrSessionLimit) {
		return nil, Fail(SessionLimitExceeded, "%v", err)
	}
	if err != nil {
		return nil, err
	}
	established := false
	defer func() {
		if !established {
			if err := r.sessions.Delete(s.ID); err != nil {
				log.Warnf("SPDM: discarding session 0x%08x: %v", s.ID, err)
			}
		}
	}()

	eph, ownExchange, err := r.eng.ECDHGenerate()
	if err != nil {
		return nil, err
	}
	dhe, err := r.eng.ECDHFinish(eph, coprocessor.KeyUsageHKDF, exchange)
	if err != nil {
		return nil, Fail(InvalidRequest, "exchange data: %v", err)
	}
	s.Keys.SetDHESecret(dhe)

	random, err := r.eng.Random(NonceSize)
	if err != nil {
		return nil, err
	}
	chain, err := r.certChain(slot)
	if err != nil {
		return nil, err
	}
	chainHash, err := r.hash(chain)
	if err != nil {
		return nil, err
	}

	var heartbeat uint8
	if r.cfg.Capabilities.Flags.Has(CapHbeat) && r.conn.peerCaps.Flags.Has(CapHbeat) {
		heartbeat = r.cfg.HeartbeatPeriod
	}
	w := uio.NewLittleEndianBuffer(Header{Version: r.conn.version, Code: KeyExchangeRsp, Param1: heartbeat}.Append(nil))
	w.Write16(s.RspID())
	w.Write8(0)
	w.Write8(0)
	w.WriteBytes(random)
	w.WriteBytes(ownExchange)
	if summaryType != NoSummary {
		sum, err := r.measurementSummary(summaryType)
		if err != nil {
			return nil, err
		}
		w.WriteBytes(sum)
	}
	sel := r.selectionOpaque(smVersion)
	w.Write16(uint16(len(sel)))
	w.WriteBytes(sel)
	out := w.Data()

	s.TH = slices.Concat(r.transcript.vca, chainHash, req, out)
	th, err := r.hash(s.TH)
	if err != nil {
		return nil, err
	}
	sig, err := r.sign(slot, ContextKeyExchangeRsp, th)
	if err != nil {
		return nil, err
	}
	out = append(out, sig...)
	s.TH = append(s.TH, sig...)

	th1, err := r.hash(s.TH)
	if err != nil {
		return nil, err
	}
	if err := s.Keys.GenerateHandshakeKeys(th1); err != nil {
		return nil, err
	}
	if !r.conn.handshakeInClear {
		vd, err := s.Keys.VerifyData(session.Response, th1)
		if err != nil {
			return nil, err
		}
		out = append(out, vd...)
		s.TH = append(s.TH, vd...)
	}

	s.State = session.HandshakeInProgress
	r.sessions.SetHandshake(s.ID)
	established = true
	log.Debugf("SPDM: session 0x%08x handshake, secured message version 0x%04x", s.ID, uint16(smVersion))
	return out, nil
}

func (r *Responder) finish(h Header, msg []byte) ([]byte, error) {
	if err := r.sessionCapable(h); err != nil {
		return nil, err
	}
	s, inSession := r.sessions.Active()
	if !inSession && r.conn.handshakeInClear {
		s, _ = r.sessions.Handshake()
	}
	if s == nil {
		return nil, Fail(SessionRequired, "FINISH outside of a handshake")
	}
	if s.State != session.HandshakeInProgress {
		return nil, Fail(UnexpectedRequest, "FINISH in %v", s.State)
	}
	if h.Param1&finishSignatureIncluded != 0 {
		return nil, Fail(InvalidRequest, "mutual authentication not requested")
	}
	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	reqVerify := l.Consume(r.hashSize())
	if err := l.Error(); err != nil {
		return nil, Fail(InvalidRequest, "FINISH: %v", err)
	}

	th, err := r.hash(s.TH, msg[:HeaderLen])
	if err != nil {
		return nil, err
	}
	want, err := s.Keys.VerifyData(session.Request, th)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(want, reqVerify) {
		return nil, Fail(DecryptError, "requester verify data of session 0x%08x", s.ID)
	}
	s.TH = append(s.TH, msg[:HeaderLen]...)
	s.TH = append(s.TH, reqVerify...)

	out := Header{Version: r.conn.version, Code: FinishRsp}.Append(nil)
	s.TH = append(s.TH, out...)
	if !inSession {
		th, err := r.hash(s.TH)
		if err != nil {
			return nil, err
		}
		vd, err := s.Keys.VerifyData(session.Response, th)
		if err != nil {
			return nil, err
		}
		out = append(out, vd...)
		s.TH = append(s.TH, vd...)
	}

	th2, err := r.hash(s.TH)
	if err != nil {
		return nil, err
	}
	if err := s.Keys.GenerateDataKeys(th2); err != nil {
		return nil, err
	}
	r.sessions.ClearHandshake()
	if inSession {
		// Established once FINISH_RSP is sealed with the handshake keys.
		s.State = session.Establishing
	} else {
		s.State = session.Established
	}
	return out, nil
}

// established returns the session the request arrived on, which must
// be established.
func (r *Responder) established(h Header) (*session.Session, error) {
	s, ok := r.sessions.Active()
	if !ok {
		return nil, Fail(SessionRequired, "%v outside of a session", h.Code)
	}
	if s.State != session.Established {
		return nil, Fail(UnexpectedRequest, "%v in %v", h.Code, s.State)
	}
	return s, nil
}

func (r *Responder) endSession(h Header, msg []byte) ([]byte, error) {
	s, err := r.established(h)
	if err != nil {
		return nil, err
	}
	s.State = session.Terminating
	return Header{Version: r.conn.version, Code: EndSessionAck}.Append(nil), nil
}

func (r *Responder) keyUpdate(h Header, msg []byte) ([]byte, error) {
	s, err := r.established(h)
	if err != nil {
		return nil, err
	}
	if !r.cfg.Capabilities.Flags.Has(CapKeyUpd) || !r.conn.peerCaps.Flags.Has(CapKeyUpd) {
		return nil, Fail(UnsupportedRequest, "no KEY_UPD_CAP")
	}
	switch h.Param1 {
	case KeyUpdateUpdateKey:
		err = s.UpdateKey(session.Request)
	case KeyUpdateUpdateAllKeys:
		err = s.UpdateKey(session.Request)
		r.rspKeyUpdate = err == nil
	case KeyUpdateVerifyNewKey:
	default:
		return nil, Fail(InvalidRequest, "KEY_UPDATE operation %d", h.Param1)
	}
	if err != nil {
		return nil, err
	}
	return Header{Version: r.conn.version, Code: KeyUpdateAck, Param1: h.Param1, Param2: h.Param2}.Append(nil), nil
}

func (r *Responder) heartbeat(h Header, msg []byte) ([]byte, error) {
	if _, err := r.established(h); err != nil {
		return nil, err
	}
	if !r.cfg.Capabilities.Flags.Has(CapHbeat) || !r.conn.peerCaps.Flags.Has(CapHbeat) {
		return nil, Fail(UnsupportedRequest, "no HBEAT_CAP")
	}
	return Header{Version: r.conn.version, Code: HeartbeatAck}.Append(nil), nil
}
