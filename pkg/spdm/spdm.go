// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package spdm implements an SPDM 1.0 to 1.3 responder (DMTF DSP0274):
// connection negotiation, certificate retrieval and challenge,
// measurements with large response chunking, and the KEY_EXCHANGE /
// FINISH handshake establishing secure sessions. All cryptography is
// delegated to a coprocessor.Engine.
package spdm

import (
	"errors"
	"fmt"
)

// Version is the SPDM version byte, major in the high nibble.
type Version uint8

// Versions.
const (
	V10 Version = 0x10
	V11 Version = 0x11
	V12 Version = 0x12
	V13 Version = 0x13
)

// Major returns the major version.
func (v Version) Major() uint8 { return uint8(v) >> 4 }

// Minor returns the minor version.
func (v Version) Minor() uint8 { return uint8(v) & 0xF }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// Entry is the VERSION response encoding, major<<12 | minor<<8.
func (v Version) Entry() uint16 {
	return uint16(v) << 8
}

// VersionFromEntry decodes a version number entry. Update and alpha
// nibbles are ignored.
func VersionFromEntry(e uint16) Version {
	return Version(e >> 8)
}

// Code is a request or response code.
type Code uint8

// Request codes.
const (
	GetDigests          Code = 0x81
	GetCertificate      Code = 0x82
	Challenge           Code = 0x83
	GetVersion          Code = 0x84
	ChunkSend           Code = 0x85
	ChunkGet            Code = 0x86
	GetMeasurements     Code = 0xE0
	GetCapabilities     Code = 0xE1
	NegotiateAlgorithms Code = 0xE3
	KeyExchange         Code = 0xE4
	Finish              Code = 0xE5
	Heartbeat           Code = 0xE8
	KeyUpdate           Code = 0xE9
	EndSession          Code = 0xEC
	VendorDefined       Code = 0xFE
)

// Response codes.
const (
	DigestsRsp       Code = 0x01
	CertificateRsp   Code = 0x02
	ChallengeAuth    Code = 0x03
	VersionRsp       Code = 0x04
	ChunkRsp         Code = 0x06
	MeasurementsRsp  Code = 0x60
	CapabilitiesRsp  Code = 0x61
	AlgorithmsRsp    Code = 0x63
	KeyExchangeRsp   Code = 0x64
	FinishRsp        Code = 0x65
	HeartbeatAck     Code = 0x68
	KeyUpdateAck     Code = 0x69
	EndSessionAck    Code = 0x6C
	VendorDefinedRsp Code = 0x7E
	ErrorRsp         Code = 0x7F
)

var codeNames = map[Code]string{
	GetDigests:          "GET_DIGESTS",
	GetCertificate:      "GET_CERTIFICATE",
	Challenge:           "CHALLENGE",
	GetVersion:          "GET_VERSION",
	ChunkSend:           "CHUNK_SEND",
	ChunkGet:            "CHUNK_GET",
	GetMeasurements:     "GET_MEASUREMENTS",
	GetCapabilities:     "GET_CAPABILITIES",
	NegotiateAlgorithms: "NEGOTIATE_ALGORITHMS",
	KeyExchange:         "KEY_EXCHANGE",
	Finish:              "FINISH",
	Heartbeat:           "HEARTBEAT",
	KeyUpdate:           "KEY_UPDATE",
	EndSession:          "END_SESSION",
	VendorDefined:       "VENDOR_DEFINED_REQUEST",
	DigestsRsp:          "DIGESTS",
	CertificateRsp:      "CERTIFICATE",
	ChallengeAuth:       "CHALLENGE_AUTH",
	VersionRsp:          "VERSION",
	ChunkRsp:            "CHUNK_RESPONSE",
	MeasurementsRsp:     "MEASUREMENTS",
	CapabilitiesRsp:     "CAPABILITIES",
	AlgorithmsRsp:       "ALGORITHMS",
	KeyExchangeRsp:      "KEY_EXCHANGE_RSP",
	FinishRsp:           "FINISH_RSP",
	HeartbeatAck:        "HEARTBEAT_ACK",
	KeyUpdateAck:        "KEY_UPDATE_ACK",
	EndSessionAck:       "END_SESSION_ACK",
	VendorDefinedRsp:    "VENDOR_DEFINED_RESPONSE",
	ErrorRsp:            "ERROR",
}

func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("Code(0x%02x)", uint8(c))
}

// IsRequest reports whether c is a request code.
func (c Code) IsRequest() bool {
	return c&0x80 != 0
}

// HeaderLen is the size of the common message header.
const HeaderLen = 4

// Header starts every SPDM message.
type Header struct {
	Version Version
	Code    Code
	Param1  uint8
	Param2  uint8
}

// Append appends the encoded header to b.
func (h Header) Append(b []byte) []byte {
	return append(b, byte(h.Version), byte(h.Code), h.Param1, h.Param2)
}

// ParseHeader decodes the header of msg.
func ParseHeader(msg []byte) (Header, error) {
	if len(msg) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(msg))
	}
	return Header{Version: Version(msg[0]), Code: Code(msg[1]), Param1: msg[2], Param2: msg[3]}, nil
}

func (h Header) String() string {
	return fmt.Sprintf("SPDM %v %v", h.Version, h.Code)
}

// ErrShortMessage is returned for messages without a complete header.
var ErrShortMessage = errors.New("SPDM message too short")

// ErrorCode is the param1 of an ERROR response.
type ErrorCode uint8

// Error codes.
const (
	InvalidRequest       ErrorCode = 0x01
	Busy                 ErrorCode = 0x03
	UnexpectedRequest    ErrorCode = 0x04
	Unspecified          ErrorCode = 0x05
	DecryptError         ErrorCode = 0x06
	UnsupportedRequest   ErrorCode = 0x07
	RequestInFlight      ErrorCode = 0x08
	InvalidResponseCode  ErrorCode = 0x09
	SessionLimitExceeded ErrorCode = 0x0A
	SessionRequired      ErrorCode = 0x0B
	ResetRequired        ErrorCode = 0x0C
	ResponseTooLarge     ErrorCode = 0x0D
	RequestTooLarge      ErrorCode = 0x0E
	LargeResponse        ErrorCode = 0x0F
	MessageLost          ErrorCode = 0x10
	InvalidPolicy        ErrorCode = 0x11
	VersionMismatch      ErrorCode = 0x41
	ResponseNotReady     ErrorCode = 0x42
	RequestResync        ErrorCode = 0x43
	OperationFailed      ErrorCode = 0x44
	NoPendingRequests    ErrorCode = 0x45
	VendorDefinedError   ErrorCode = 0xFF
)

var errorCodeNames = map[ErrorCode]string{
	InvalidRequest:       "InvalidRequest",
	Busy:                 "Busy",
	UnexpectedRequest:    "UnexpectedRequest",
	Unspecified:          "Unspecified",
	DecryptError:         "DecryptError",
	UnsupportedRequest:   "UnsupportedRequest",
	RequestInFlight:      "RequestInFlight",
	InvalidResponseCode:  "InvalidResponseCode",
	SessionLimitExceeded: "SessionLimitExceeded",
	SessionRequired:      "SessionRequired",
	ResetRequired:        "ResetRequired",
	ResponseTooLarge:     "ResponseTooLarge",
	RequestTooLarge:      "RequestTooLarge",
	LargeResponse:        "LargeResponse",
	MessageLost:          "MessageLost",
	InvalidPolicy:        "InvalidPolicy",
	VersionMismatch:      "VersionMismatch",
	ResponseNotReady:     "ResponseNotReady",
	RequestResync:        "RequestResynch",
	OperationFailed:      "OperationFailed",
	NoPendingRequests:    "NoPendingRequests",
	VendorDefinedError:   "VendorDefined",
}

func (e ErrorCode) String() string {
	if n, ok := errorCodeNames[e]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(0x%02x)", uint8(e))
}

// Error is a request failure answered with an ERROR response.
type Error struct {
	Code ErrorCode
	Data uint8
	// Extended is the extended error data, the large response handle
	// for instance.
	Extended []byte
	// Reason is logged, never sent.
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("SPDM error %v", e.Code)
	}
	return fmt.Sprintf("SPDM error %v: %s", e.Code, e.Reason)
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code && t.Reason == ""
}

// Fail returns an *Error with the given code.
func Fail(code ErrorCode, format string, args ...any) error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// ErrorMessage encodes an ERROR response.
func ErrorMessage(v Version, e *Error) []byte {
	b := Header{Version: v, Code: ErrorRsp, Param1: uint8(e.Code), Param2: e.Data}.Append(nil)
	return append(b, e.Extended...)
}

// ParseError decodes an ERROR response.
func ParseError(msg []byte) (*Error, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return nil, err
	}
	if h.Code != ErrorRsp {
		return nil, fmt.Errorf("%v is not an ERROR response", h.Code)
	}
	return &Error{Code: ErrorCode(h.Param1), Data: h.Param2, Extended: msg[HeaderLen:]}, nil
}
