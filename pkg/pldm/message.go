// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pldm

import (
	"fmt"

	"github.com/u-root/uio/uio"
)

// Body is the type specific part of a message, following the header.
type Body interface {
	Marshal(l *uio.Lexer)
	Unmarshal(l *uio.Lexer) error
}

// Encode returns the header followed by the encoded body. A nil body
// yields a bare header.
func Encode(h Header, b Body) []byte {
	l := uio.NewLittleEndianBuffer(h.Bytes())
	if b != nil {
		b.Marshal(l)
	}
	return l.Data()
}

// Decode parses msg into its header and b. Trailing bytes are an error.
func Decode(msg []byte, b Body) (Header, error) {
	h, err := ParseHeader(msg)
	if err != nil {
		return Header{}, err
	}
	if b == nil {
		if len(msg) != HeaderLen {
			return h, fmt.Errorf("%s: %d unexpected body bytes", h, len(msg)-HeaderLen)
		}
		return h, nil
	}
	l := uio.NewLittleEndianBuffer(msg[HeaderLen:])
	if err := b.Unmarshal(l); err != nil {
		return h, fmt.Errorf("%s: %w", h, err)
	}
	if err := l.FinError(); err != nil {
		return h, fmt.Errorf("%s: %w", h, err)
	}
	return h, nil
}

// FailureResponse encodes a response carrying only a completion code.
func FailureResponse(req Header, code CompletionCode) []byte {
	return append(req.Reply().Bytes(), uint8(code))
}

// Status is a response body made of just a completion code.
type Status struct {
	Code CompletionCode
}

// Marshal implements Body.
func (s *Status) Marshal(l *uio.Lexer) {
	l.Write8(uint8(s.Code))
}

// Unmarshal implements Body.
func (s *Status) Unmarshal(l *uio.Lexer) error {
	s.Code = CompletionCode(l.Read8())
	return l.Error()
}

// ResponseCode peeks at the completion code of an encoded response.
func ResponseCode(msg []byte) (CompletionCode, error) {
	if len(msg) < HeaderLen+1 {
		return 0, ErrShortMessage
	}
	return CompletionCode(msg[HeaderLen]), nil
}

// Empty is the body of requests without payload.
type Empty struct{}

// Marshal implements Body.
func (Empty) Marshal(*uio.Lexer) {}

// Unmarshal implements Body.
func (Empty) Unmarshal(*uio.Lexer) error { return nil }

// Bitmap is a little-endian bit set: item i is bit i%8 of byte i/8.
type Bitmap []byte

// NewBitmap returns an empty bitmap of n bytes.
func NewBitmap(n int) Bitmap {
	return make(Bitmap, n)
}

// Set sets bit i. Bits past the end are ignored.
func (b Bitmap) Set(i int) {
	if i/8 < len(b) {
		b[i/8] |= 1 << (i % 8)
	}
}

// IsSet reports whether bit i is set.
func (b Bitmap) IsSet(i int) bool {
	return i/8 < len(b) && b[i/8]&(1<<(i%8)) != 0
}

// Items returns the indexes of the set bits in increasing order.
func (b Bitmap) Items() []int {
	var out []int
	for i := 0; i < len(b)*8; i++ {
		if b.IsSet(i) {
			out = append(out, i)
		}
	}
	return out
}
