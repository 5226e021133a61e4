// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pldm

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/u-root/uio/uio"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// StringType is the encoding of a version string.
type StringType uint8

// Version string types.
const (
	StringUnspecified StringType = 0
	StringASCII       StringType = 1
	StringUTF8        StringType = 2
	StringUTF16       StringType = 3
	StringUTF16LE     StringType = 4
	StringUTF16BE     StringType = 5
)

// MaxStringLen is the longest version string a message can carry.
const MaxStringLen = 255

var stringTypeNames = map[StringType]string{
	StringUnspecified: "Unspecified",
	StringASCII:       "ASCII",
	StringUTF8:        "UTF-8",
	StringUTF16:       "UTF-16",
	StringUTF16LE:     "UTF-16LE",
	StringUTF16BE:     "UTF-16BE",
}

func (t StringType) String() string {
	if s, ok := stringTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("StringType(%d)", uint8(t))
}

// ParseStringType maps a name such as "UTF-16LE" to its StringType.
func ParseStringType(name string) (StringType, error) {
	for t, s := range stringTypeNames {
		if s == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown version string type %q", name)
}

// Version string errors.
var (
	ErrStringTooLong = errors.New("version string longer than 255 bytes")
	ErrStringType    = errors.New("unknown version string type")
	ErrStringData    = errors.New("version string is not valid in its encoding")
)

// FirmwareString is a typed, length-prefixed version string as carried in
// firmware update messages. Data holds the raw encoded bytes.
type FirmwareString struct {
	Type StringType
	Data []byte
}

func (t StringType) encoding() encoding.Encoding {
	switch t {
	case StringUTF16:
		return unicode.UTF16(unicode.BigEndian, unicode.UseBOM)
	case StringUTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	case StringUTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
	}
	return nil
}

// NewFirmwareString encodes s with the given type.
func NewFirmwareString(t StringType, s string) (FirmwareString, error) {
	var data []byte
	switch t {
	case StringUnspecified, StringUTF8:
		data = []byte(s)
	case StringASCII:
		for i := 0; i < len(s); i++ {
			if s[i] >= 0x80 {
				return FirmwareString{}, fmt.Errorf("%w: non-ASCII byte at %d", ErrStringData, i)
			}
		}
		data = []byte(s)
	case StringUTF16, StringUTF16LE, StringUTF16BE:
		var err error
		data, err = t.encoding().NewEncoder().Bytes([]byte(s))
		if err != nil {
			return FirmwareString{}, fmt.Errorf("%w: %v", ErrStringData, err)
		}
	default:
		return FirmwareString{}, fmt.Errorf("%w: %d", ErrStringType, t)
	}
	if len(data) > MaxStringLen {
		return FirmwareString{}, ErrStringTooLong
	}
	return FirmwareString{Type: t, Data: data}, nil
}

// MustFirmwareString is NewFirmwareString for literals.
func MustFirmwareString(t StringType, s string) FirmwareString {
	fs, err := NewFirmwareString(t, s)
	if err != nil {
		panic(err)
	}
	return fs
}

// Decode returns the string as UTF-8.
func (s FirmwareString) Decode() (string, error) {
	switch s.Type {
	case StringUnspecified:
		return string(s.Data), nil
	case StringASCII:
		for i, b := range s.Data {
			if b >= 0x80 {
				return "", fmt.Errorf("%w: non-ASCII byte at %d", ErrStringData, i)
			}
		}
		return string(s.Data), nil
	case StringUTF8:
		if !utf8.Valid(s.Data) {
			return "", ErrStringData
		}
		return string(s.Data), nil
	case StringUTF16, StringUTF16LE, StringUTF16BE:
		if len(s.Data)%2 != 0 {
			return "", fmt.Errorf("%w: odd UTF-16 length %d", ErrStringData, len(s.Data))
		}
		out, err := s.Type.encoding().NewDecoder().Bytes(s.Data)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrStringData, err)
		}
		return string(out), nil
	}
	return "", fmt.Errorf("%w: %d", ErrStringType, s.Type)
}

func (s FirmwareString) String() string {
	v, err := s.Decode()
	if err != nil {
		return fmt.Sprintf("%s:%x", s.Type, s.Data)
	}
	return v
}

// MarshalText implements encoding.TextMarshaler.
func (s FirmwareString) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Len returns the length of the encoded data as carried on the wire.
func (s FirmwareString) Len() uint8 {
	return uint8(len(s.Data))
}

// MarshalHeader writes the type and length octets.
func (s FirmwareString) MarshalHeader(l *uio.Lexer) {
	l.Write8(uint8(s.Type))
	l.Write8(s.Len())
}

// UnmarshalData reads n bytes of string data following a header read
// elsewhere.
func (s *FirmwareString) UnmarshalData(l *uio.Lexer, n uint8) {
	s.Data = l.CopyN(int(n))
}
