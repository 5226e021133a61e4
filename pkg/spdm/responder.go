// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package spdm

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/linuxboot/mcufw/pkg/coprocessor"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/spdm/session"
)

// ConnectionState is the negotiation progress of the connection.
type ConnectionState uint8

// Connection states, in order.
const (
	NotStarted ConnectionState = iota
	AfterVersion
	AfterCapabilities
	AlgorithmsNegotiated
	AfterDigest
	AfterCertificate
	Authenticated
)

var connectionStateNames = []string{
	"NotStarted", "AfterVersion", "AfterCapabilities", "AlgorithmsNegotiated",
	"AfterDigest", "AfterCertificate", "Authenticated",
}

func (s ConnectionState) String() string {
	if int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return fmt.Sprintf("ConnectionState(%d)", uint8(s))
}

// Secured path errors. The request is dropped without a response.
var (
	ErrBusy          = errors.New("responder busy")
	ErrAppHeader     = errors.New("secured message lacks the application header")
	ErrSessionClosed = errors.New("session deleted after a decrypt failure")
)

type connection struct {
	state            ConnectionState
	version          Version
	peerCaps         Capabilities
	peerAlgs         Algorithms
	algs             Algorithms
	handshakeInClear bool
}

// Responder answers SPDM requests of one requester.
type Responder struct {
	cfg  Config
	eng  coprocessor.Engine
	meas MeasurementStore

	conn       connection
	transcript transcript
	sessions   *session.Manager
	large      *largeResponse
	nextHandle uint8
	// rspKeyUpdate rotates the response data key of the active session
	// once the current response has been sealed.
	rspKeyUpdate bool

	busy sync.Mutex
}

// NewResponder returns a responder signing and deriving keys through eng.
// meas may be nil when MEAS_CAP is not advertised.
func NewResponder(cfg Config, eng coprocessor.Engine, meas MeasurementStore) *Responder {
	if meas == nil {
		meas = StaticMeasurements(nil)
	}
	return &Responder{
		cfg:      cfg,
		eng:      eng,
		meas:     meas,
		sessions: session.NewManager(eng, cfg.MaxSessions),
	}
}

// State returns the connection state.
func (r *Responder) State() ConnectionState {
	return r.conn.state
}

// Version returns the negotiated version, 0 before GET_CAPABILITIES.
func (r *Responder) Version() Version {
	return r.conn.version
}

// Selected returns the negotiated algorithms.
func (r *Responder) Selected() Algorithms {
	return r.conn.algs
}

// Sessions returns the session manager.
func (r *Responder) Sessions() *session.Manager {
	return r.sessions
}

// Respond handles one request received outside of any session and
// returns the encoded response. It fails only when msg is too short to
// carry a header; every other fault yields an ERROR response.
func (r *Responder) Respond(msg []byte) ([]byte, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	if !r.busy.TryLock() {
		return ErrorMessage(h.Version, &Error{Code: Busy}), nil
	}
	defer r.busy.Unlock()

	r.sessions.ClearActive()
	return r.handle(h, msg), nil
}

// requests refused inside a session.
var sessionless = []Code{GetVersion, GetCapabilities, NegotiateAlgorithms, KeyExchange, Challenge}

// RespondSecured handles one secured message. appHeader is the
// application data prefix the transport binding puts before the SPDM
// message, the MCTP message type byte for instance. The response is
// sealed in the same session. Messages that do not authenticate are
// dropped with an error and their session is deleted.
func (r *Responder) RespondSecured(msg, appHeader []byte) ([]byte, error) {
	if !r.busy.TryLock() {
		return nil, ErrBusy
	}
	defer r.busy.Unlock()

	id, err := session.PeekID(msg)
	if err != nil {
		return nil, err
	}
	s, err := r.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	pt, err := s.Open(session.Request, msg)
	if err != nil {
		if derr := r.sessions.Delete(id); derr != nil {
			log.Warnf("SPDM: deleting session 0x%08x: %v", id, derr)
		}
		return nil, fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	if len(pt) < len(appHeader) || !slices.Equal(pt[:len(appHeader)], appHeader) {
		return nil, fmt.Errorf("%w: % x", ErrAppHeader, appHeader)
	}
	inner := pt[len(appHeader):]
	h, err := ParseHeader(inner)
	if err != nil {
		return nil, err
	}

	r.sessions.SetActive(id)
	var out []byte
	switch {
	case slices.Contains(sessionless, h.Code):
		out = r.errorResponse(h, Fail(UnexpectedRequest, "%v inside session 0x%08x", h.Code, id))
	case s.State == session.HandshakeInProgress && h.Code != Finish:
		out = r.errorResponse(h, Fail(UnexpectedRequest, "%v during the handshake", h.Code))
	default:
		out = r.handle(h, inner)
	}

	sealed, err := s.Seal(session.Response, slices.Concat(appHeader, out))
	if err != nil {
		return nil, fmt.Errorf("session 0x%08x: %w", id, err)
	}
	switch s.State {
	case session.Establishing:
		s.State = session.Established
	case session.Terminating:
		if err := r.sessions.Delete(id); err != nil {
			log.Warnf("SPDM: ending session 0x%08x: %v", id, err)
		}
	}
	if r.rspKeyUpdate {
		r.rspKeyUpdate = false
		if err := s.UpdateKey(session.Response); err != nil {
			log.Errorf("SPDM: session 0x%08x response key update: %v", id, err)
		}
	}
	return sealed, nil
}

type handlerFunc func(r *Responder, h Header, msg []byte) ([]byte, error)

var handlers = map[Code]handlerFunc{
	GetVersion:          (*Responder).getVersion,
	GetCapabilities:     (*Responder).getCapabilities,
	NegotiateAlgorithms: (*Responder).negotiateAlgorithms,
	GetDigests:          (*Responder).getDigests,
	GetCertificate:      (*Responder).getCertificate,
	Challenge:           (*Responder).challenge,
	GetMeasurements:     (*Responder).getMeasurements,
	ChunkGet:            (*Responder).chunkGet,
	KeyExchange:         (*Responder).keyExchange,
	Finish:              (*Responder).finish,
	EndSession:          (*Responder).endSession,
	KeyUpdate:           (*Responder).keyUpdate,
	Heartbeat:           (*Responder).heartbeat,
}

// handle resets the transcripts the request interrupts, then runs its
// handler.
func (r *Responder) handle(h Header, msg []byte) []byte {
	log.Debugf("SPDM: %v request, %d bytes", h, len(msg))
	if h.Code != ChunkGet {
		// A new request abandons any large response, so L1 restarts
		// even for GET_MEASUREMENTS.
		r.large = nil
		switch h.Code {
		case GetDigests, GetCertificate, Challenge:
		default:
			r.transcript.resetM1()
		}
		*r.l1() = nil
	}

	fn, ok := handlers[h.Code]
	if !ok {
		return r.errorResponse(h, Fail(UnsupportedRequest, "%v", h.Code))
	}
	if h.Code != GetVersion && h.Code != GetCapabilities &&
		r.conn.state >= AfterCapabilities && h.Version != r.conn.version {
		return r.errorResponse(h, Fail(VersionMismatch, "%v, negotiated %v", h.Version, r.conn.version))
	}
	out, err := fn(r, h, msg)
	if err != nil {
		if h.Code == GetMeasurements && !errors.Is(err, &Error{Code: LargeResponse}) {
			*r.l1() = nil
		}
		return r.errorResponse(h, err)
	}
	return out
}

func (r *Responder) errorResponse(h Header, err error) []byte {
	v := h.Version
	switch {
	case h.Code == GetVersion:
		v = V10
	case r.conn.state >= AfterCapabilities:
		v = r.conn.version
	}
	var e *Error
	if !errors.As(err, &e) {
		log.Errorf("SPDM %v: %v", h, err)
		e = &Error{Code: Unspecified}
	} else {
		log.Debugf("SPDM %v: %v", h, err)
	}
	return ErrorMessage(v, e)
}

// reset returns the connection to NotStarted and ends every session.
func (r *Responder) reset() {
	if err := r.sessions.Reset(); err != nil {
		log.Warnf("SPDM: resetting sessions: %v", err)
	}
	r.conn = connection{}
	r.transcript.reset()
	r.large = nil
	r.rspKeyUpdate = false
}

// transferSize is the largest response sent without chunking.
func (r *Responder) transferSize() int {
	n := int(r.cfg.Capabilities.DataTransferSize)
	if r.conn.version >= V12 && r.conn.peerCaps.DataTransferSize != 0 {
		n = min(n, int(r.conn.peerCaps.DataTransferSize))
	}
	return n
}

// chunking reports whether both sides support large responses.
func (r *Responder) chunking() bool {
	return r.conn.version >= V12 && r.cfg.Capabilities.Flags.Has(CapChunk) && r.conn.peerCaps.Flags.Has(CapChunk)
}

func (r *Responder) requireNegotiated(h Header) error {
	if r.conn.state < AlgorithmsNegotiated {
		return Fail(UnexpectedRequest, "%v in %v", h.Code, r.conn.state)
	}
	return nil
}
