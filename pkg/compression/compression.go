// Copyright 2018 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compression implements reading and writing of compressed files.
//
// Host tools accept firmware packages and flash images as they are
// distributed, often compressed. Formats with a magic number are detected
// automatically.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// MaxDecodedSize bounds the output of Decode.
const MaxDecodedSize = 256 << 20

// ErrTooLarge is returned when decoded data exceeds MaxDecodedSize.
var ErrTooLarge = errors.New("decompressed data too large")

// Compressor defines a single compression scheme (such as LZMA).
type Compressor interface {
	// Name is typically the name of a class.
	Name() string

	// Decode and Encode obey "x == Decode(Encode(x))".
	Decode(encodedData []byte) ([]byte, error)
	Encode(decodedData []byte) ([]byte, error)
}

var compressors = map[string]Compressor{
	"lz4":  &LZ4{},
	"lzma": &LZMA{},
	"xz":   &XZ{},
	"zlib": &ZLIB{},
	"zstd": &ZSTD{},
}

// Names lists the supported formats.
func Names() []string {
	var n []string
	for k := range compressors {
		n = append(n, k)
	}
	sort.Strings(n)
	return n
}

// FromName returns the Compressor for a format name such as "xz".
func FromName(name string) (Compressor, error) {
	c, ok := compressors[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown compression %q, want one of %s", name, strings.Join(Names(), ", "))
	}
	return c, nil
}

var magics = []struct {
	magic []byte
	c     Compressor
}{
	{[]byte{0xFD, '7', 'z', 'X', 'Z', 0x00}, &XZ{}},
	{[]byte{0x04, 0x22, 0x4D, 0x18}, &LZ4{}},
	{[]byte{0x28, 0xB5, 0x2F, 0xFD}, &ZSTD{}},
}

// Detect returns the Compressor whose magic number starts data, or nil.
// LZMA and ZLIB streams carry no reliable magic and are never detected.
func Detect(data []byte) Compressor {
	for _, m := range magics {
		if bytes.HasPrefix(data, m.magic) {
			return m.c
		}
	}
	return nil
}

// Decompress decodes data if its format is detected and returns it as is
// otherwise. The name of the detected format is returned, or "none".
func Decompress(data []byte) ([]byte, string, error) {
	c := Detect(data)
	if c == nil {
		return data, "none", nil
	}
	out, err := c.Decode(data)
	if err != nil {
		return nil, c.Name(), fmt.Errorf("%s: %w", c.Name(), err)
	}
	return out, c.Name(), nil
}

// readAll reads r up to MaxDecodedSize.
func readAll(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxDecodedSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxDecodedSize {
		return nil, ErrTooLarge
	}
	return b, nil
}
