// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package session keeps the secure sessions of an SPDM responder: their
// key schedule, their state and the secured message framing.
package session

import (
	"errors"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/log"
)

// DefaultMaxSessions is the number of concurrent sessions a responder
// keeps unless configured otherwise.
const DefaultMaxSessions = 1

// Session errors.
var (
	ErrSessionLimit   = errors.New("session limit reached")
	ErrUnknownSession = errors.New("unknown session id")
	ErrState          = errors.New("session state does not allow this")
)

// State is the life cycle of a session.
type State uint8

// Session states.
const (
	// HandshakeNotStarted is the state before KEY_EXCHANGE.
	HandshakeNotStarted State = iota
	// HandshakeInProgress runs from KEY_EXCHANGE to FINISH.
	HandshakeInProgress
	// Establishing is set by FINISH until FINISH_RSP has been sealed.
	Establishing
	Established
	// Terminating is set by END_SESSION until END_SESSION_ACK has been
	// sealed.
	Terminating
)

var stateNames = []string{"HandshakeNotStarted", "HandshakeInProgress", "Establishing", "Established", "Terminating"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Policy is the session policy byte of KEY_EXCHANGE.
type Policy uint8

// Policy bits.
const (
	PolicyTermination Policy = 1 << 0
	PolicyEventAll    Policy = 1 << 1
)

// Session is one secure session.
type Session struct {
	ID     uint32
	Policy Policy
	State  State
	Keys   *KeySchedule

	// TH and L1 are the session scoped transcripts, maintained by the
	// responder.
	TH []byte
	L1 []byte

	// seq is indexed by phase, then direction.
	seq [2][2]uint64
}

// New returns a session in HandshakeNotStarted.
func New(id uint32, keys *KeySchedule) *Session {
	return &Session{ID: id, Keys: keys}
}

// ReqID returns the requester half of the session id.
func (s *Session) ReqID() uint16 {
	return uint16(s.ID >> 16)
}

// RspID returns the responder half of the session id.
func (s *Session) RspID() uint16 {
	return uint16(s.ID)
}

// Phase returns the secrets protecting messages in the current state.
func (s *Session) Phase() (Phase, error) {
	switch s.State {
	case HandshakeInProgress, Establishing:
		return PhaseHandshake, nil
	case Established, Terminating:
		return PhaseData, nil
	}
	return 0, fmt.Errorf("%w: no keys in %v", ErrState, s.State)
}

// Sequence returns the next sequence number of (p, d).
func (s *Session) Sequence(p Phase, d Direction) uint64 {
	return s.seq[p][d]
}

// UpdateKey rotates the data secret of direction d and restarts its
// sequence numbers.
func (s *Session) UpdateKey(d Direction) error {
	if s.State != Established {
		return fmt.Errorf("%w: key update in %v", ErrState, s.State)
	}
	if err := s.Keys.UpdateKey(d); err != nil {
		return err
	}
	s.seq[PhaseData][d] = 0
	return nil
}

// Manager holds the sessions of one connection.
type Manager struct {
	eng      coprocessor.Engine
	max      int
	sessions map[uint32]*Session
	nextRsp  uint16

	// active is the session the last secured request arrived on.
	active *uint32
	// handshake is the session between KEY_EXCHANGE and FINISH.
	handshake *uint32
}

// NewManager returns a manager allowing max concurrent sessions, whose
// key schedules run on eng.
func NewManager(eng coprocessor.Engine, max int) *Manager {
	if max <= 0 {
		max = DefaultMaxSessions
	}
	return &Manager{eng: eng, max: max, sessions: map[uint32]*Session{}}
}

// ID returns the session id formed from both halves.
func ID(req, rsp uint16) uint32 {
	return uint32(req)<<16 | uint32(rsp)
}

// Create allocates a responder session id and a session for the
// requester id reqID, speaking the SPDM version byte version.
func (m *Manager) Create(reqID uint16, version uint8, policy Policy) (*Session, error) {
	if len(m.sessions) >= m.max {
		return nil, fmt.Errorf("%w: %d", ErrSessionLimit, m.max)
	}
	id := ID(reqID, m.nextRsp)
	for m.sessions[id] != nil {
		m.nextRsp++
		id = ID(reqID, m.nextRsp)
	}
	m.nextRsp++

	s := New(id, NewKeySchedule(m.eng, version))
	s.Policy = policy
	m.sessions[id] = s
	log.Debugf("SPDM: session 0x%08x created", id)
	return s, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id uint32) (*Session, error) {
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%08x", ErrUnknownSession, id)
	}
	return s, nil
}

// Len returns the number of sessions.
func (m *Manager) Len() int {
	return len(m.sessions)
}

// IDs returns the session ids in ascending order.
func (m *Manager) IDs() []uint32 {
	ids := make([]uint32, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Delete removes a session and destroys its keys.
func (m *Manager) Delete(id uint32) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	delete(m.sessions, id)
	if m.active != nil && *m.active == id {
		m.active = nil
	}
	if m.handshake != nil && *m.handshake == id {
		m.handshake = nil
	}
	log.Debugf("SPDM: session 0x%08x deleted", id)
	return s.Keys.Close()
}

// Reset deletes every session.
func (m *Manager) Reset() error {
	var result *multierror.Error
	for _, id := range m.IDs() {
		result = multierror.Append(result, m.Delete(id))
	}
	m.nextRsp = 0
	return result.ErrorOrNil()
}

// Active returns the session the current request arrived on, if any.
func (m *Manager) Active() (*Session, bool) {
	if m.active == nil {
		return nil, false
	}
	s, ok := m.sessions[*m.active]
	return s, ok
}

// SetActive marks the session the current request arrived on.
func (m *Manager) SetActive(id uint32) {
	m.active = &id
}

// ClearActive is called for requests received outside of any session.
func (m *Manager) ClearActive() {
	m.active = nil
}

// Handshake returns the session whose handshake is in progress, if any.
func (m *Manager) Handshake() (*Session, bool) {
	if m.handshake == nil {
		return nil, false
	}
	s, ok := m.sessions[*m.handshake]
	return s, ok
}

// SetHandshake marks the session whose handshake is in progress.
func (m *Manager) SetHandshake(id uint32) {
	m.handshake = &id
}

// ClearHandshake ends the handshake phase.
func (m *Manager) ClearHandshake() {
	m.handshake = nil
}
