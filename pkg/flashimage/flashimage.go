// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package flashimage reads and writes the flash image that carries the
// coprocessor firmware bundle, the SoC manifest and the firmware images
// installed by the updater.
//
// Layout:
//
//	Header       16 bytes at offset 0
//	ImageHeader  20 bytes each, ImageCount of them at ImageHeadersOffset
//	payloads     referenced by ImageHeader.Offset and Size
//
// All checksums are the two's complement of the byte sum of what they
// cover.
package flashimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"

	"github.com/hashicorp/go-multierror"
)

// Well known image identifiers.
const (
	CaliptraFMCRT uint32 = 0x0000_0000
	SoCManifest   uint32 = 0x0000_0001
	MCURuntime    uint32 = 0x0000_0002
	// SoCImagesBase is the identifier of the first SoC image.
	SoCImagesBase uint32 = 0x0000_1000
)

// Magic is the big-endian "FLSH" at the start of the header.
var Magic = [4]byte{'F', 'L', 'S', 'H'}

// Sizes of the encoded structures.
const (
	HeaderVersion  = 1
	HeaderLen      = 16
	ImageHeaderLen = 20
)

// Errors reported while reading or verifying an image.
var (
	ErrMagic               = errors.New("bad flash image magic")
	ErrVersion             = errors.New("unsupported flash image version")
	ErrNoImages            = errors.New("flash image without images")
	ErrHeadersOffset       = errors.New("image headers overlap the flash header")
	ErrHeaderChecksum      = errors.New("flash header checksum mismatch")
	ErrImageHeaderChecksum = errors.New("image header checksum mismatch")
	ErrImageChecksum       = errors.New("image checksum mismatch")
	ErrImageBounds         = errors.New("image outside the flash image")
	ErrNotFound            = errors.New("no image with this identifier")
	ErrDuplicate           = errors.New("duplicate image identifier")
)

// Header is the flash image header, serializable using encoding/binary.
type Header struct {
	Magic              [4]uint8
	Version            uint16
	ImageCount         uint16
	ImageHeadersOffset uint32
	Checksum           uint32
}

// ImageHeader is one entry of the table of contents.
type ImageHeader struct {
	Identifier     uint32
	Offset         uint32
	Size           uint32
	ImageChecksum  uint32
	HeaderChecksum uint32
}

// Checksum returns 0 minus the byte sum of b.
func Checksum(b []byte) uint32 {
	var sum uint32
	for _, c := range b {
		sum += uint32(c)
	}
	return -sum
}

type byteSum uint32

func (s *byteSum) Write(p []byte) (int, error) {
	for _, c := range p {
		*s += byteSum(c)
	}
	return len(p), nil
}

// ByteSum streams r and returns the sum of its bytes.
func ByteSum(r io.Reader) (uint32, error) {
	var s byteSum
	_, err := io.Copy(&s, r)
	return uint32(s), err
}

func encode(v interface{}) []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer of fixed size structs do not fail.
	_ = binary.Write(&buf, binary.LittleEndian, v)
	return buf.Bytes()
}

// ComputeChecksum returns the checksum of the fields before Checksum.
func (h *Header) ComputeChecksum() uint32 {
	return Checksum(encode(h)[:HeaderLen-4])
}

// Verify checks the header fields and its checksum.
func (h *Header) Verify() error {
	switch {
	case h.Magic != Magic:
		return fmt.Errorf("%w: %q", ErrMagic, h.Magic[:])
	case h.Version != HeaderVersion:
		return fmt.Errorf("%w: %d", ErrVersion, h.Version)
	case h.ImageCount == 0:
		return ErrNoImages
	case h.ImageHeadersOffset < HeaderLen:
		return fmt.Errorf("%w: 0x%x", ErrHeadersOffset, h.ImageHeadersOffset)
	}
	if sum := h.ComputeChecksum(); sum != h.Checksum {
		return fmt.Errorf("%w: 0x%08x, computed 0x%08x", ErrHeaderChecksum, h.Checksum, sum)
	}
	return nil
}

// ComputeChecksum returns the checksum of the fields before
// HeaderChecksum.
func (h *ImageHeader) ComputeChecksum() uint32 {
	return Checksum(encode(h)[:ImageHeaderLen-4])
}

// Verify checks the image header checksum.
func (h *ImageHeader) Verify() error {
	if sum := h.ComputeChecksum(); sum != h.HeaderChecksum {
		return fmt.Errorf("%w: identifier 0x%x: 0x%08x, computed 0x%08x", ErrImageHeaderChecksum, h.Identifier, h.HeaderChecksum, sum)
	}
	return nil
}

// Image is a parsed flash image backed by a ReaderAt.
type Image struct {
	Header
	Images []ImageHeader

	r    io.ReaderAt
	size int64
}

// Read parses the header and the table of contents of the size byte
// image in r. Image payloads are not read.
func Read(r io.ReaderAt, size int64) (*Image, error) {
	img := &Image{r: r, size: size}
	if size < HeaderLen {
		return nil, fmt.Errorf("%w: %d bytes", io.ErrUnexpectedEOF, size)
	}
	if err := binary.Read(io.NewSectionReader(r, 0, HeaderLen), binary.LittleEndian, &img.Header); err != nil {
		return nil, fmt.Errorf("flash header: %w", err)
	}
	if err := img.Header.Verify(); err != nil {
		return nil, err
	}
	tocLen := int64(img.ImageCount) * ImageHeaderLen
	if int64(img.ImageHeadersOffset)+tocLen > size {
		return nil, fmt.Errorf("%w: %d image headers at 0x%x of 0x%x", io.ErrUnexpectedEOF, img.ImageCount, img.ImageHeadersOffset, size)
	}
	img.Images = make([]ImageHeader, img.ImageCount)
	toc := io.NewSectionReader(r, int64(img.ImageHeadersOffset), tocLen)
	if err := binary.Read(toc, binary.LittleEndian, img.Images); err != nil {
		return nil, fmt.Errorf("image headers: %w", err)
	}
	return img, nil
}

// Find walks the table of contents in order, checking each header on
// the way, and returns the first image with identifier id.
func (img *Image) Find(id uint32) (ImageHeader, error) {
	for _, h := range img.Images {
		if err := h.Verify(); err != nil {
			return ImageHeader{}, err
		}
		if h.Identifier == id {
			return h, nil
		}
	}
	return ImageHeader{}, fmt.Errorf("%w: 0x%x", ErrNotFound, id)
}

// Open returns a reader over the payload of h.
func (img *Image) Open(h ImageHeader) *io.SectionReader {
	return io.NewSectionReader(img.r, int64(h.Offset), int64(h.Size))
}

// ReadImage reads the payload of the image with identifier id.
func (img *Image) ReadImage(id uint32) ([]byte, error) {
	h, err := img.Find(id)
	if err != nil {
		return nil, err
	}
	if err := img.checkBounds(h); err != nil {
		return nil, err
	}
	buf := make([]byte, h.Size)
	_, err = img.r.ReadAt(buf, int64(h.Offset))
	return buf, err
}

func (img *Image) checkBounds(h ImageHeader) error {
	end := uint64(h.Offset) + uint64(h.Size)
	if end > uint64(img.size) {
		return fmt.Errorf("%w: identifier 0x%x at [0x%x, 0x%x) of 0x%x", ErrImageBounds, h.Identifier, h.Offset, end, img.size)
	}
	return nil
}

// Verify checks every image header and streams every payload through its
// checksum. It reports all the problems found.
func (img *Image) Verify() error {
	var result *multierror.Error
	seen := map[uint32]bool{}
	for _, h := range img.Images {
		if err := h.Verify(); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if seen[h.Identifier] {
			result = multierror.Append(result, fmt.Errorf("%w: 0x%x", ErrDuplicate, h.Identifier))
		}
		seen[h.Identifier] = true
		if err := img.checkBounds(h); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		sum, err := ByteSum(img.Open(h))
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("identifier 0x%x: %w", h.Identifier, err))
			continue
		}
		if -sum != h.ImageChecksum {
			result = multierror.Append(result, fmt.Errorf("%w: identifier 0x%x: 0x%08x, computed 0x%08x", ErrImageChecksum, h.Identifier, h.ImageChecksum, -sum))
		}
	}
	return result.ErrorOrNil()
}

// Entry is an image to put in a flash image.
type Entry struct {
	Identifier uint32
	Data       []byte
}

// Build lays out a flash image: the header, the image headers, then the
// payloads in order, each padded to a multiple of 4 bytes.
func Build(entries []Entry) ([]byte, error) {
	if len(entries) == 0 {
		return nil, ErrNoImages
	}
	if len(entries) > 0xFFFF {
		return nil, fmt.Errorf("%d images do not fit the header", len(entries))
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if slices.Contains(ids, e.Identifier) {
			return nil, fmt.Errorf("%w: 0x%x", ErrDuplicate, e.Identifier)
		}
		ids = append(ids, e.Identifier)
	}

	hdr := Header{
		Magic:              Magic,
		Version:            HeaderVersion,
		ImageCount:         uint16(len(entries)),
		ImageHeadersOffset: HeaderLen,
	}
	hdr.Checksum = hdr.ComputeChecksum()

	var payloads bytes.Buffer
	toc := make([]ImageHeader, len(entries))
	off := uint64(HeaderLen + ImageHeaderLen*len(entries))
	for i, e := range entries {
		data := e.Data
		if pad := -len(data) & 3; pad != 0 {
			data = append(slices.Clip(data), make([]byte, pad)...)
		}
		if off+uint64(len(data)) > 1<<32 {
			return nil, fmt.Errorf("image 0x%x ends past 4 GiB", e.Identifier)
		}
		toc[i] = ImageHeader{
			Identifier:    e.Identifier,
			Offset:        uint32(off),
			Size:          uint32(len(data)),
			ImageChecksum: Checksum(data),
		}
		toc[i].HeaderChecksum = toc[i].ComputeChecksum()
		payloads.Write(data)
		off += uint64(len(data))
	}
	return slices.Concat(encode(&hdr), encode(toc), payloads.Bytes()), nil
}
