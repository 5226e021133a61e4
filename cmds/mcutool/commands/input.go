// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/linuxboot/mcufw/pkg/compression"
	"github.com/linuxboot/mcufw/pkg/log"
)

// ReadInput reads a file and decompresses it when its format is
// recognized.
func ReadInput(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, ErrInput{Path: path, Err: err}
	}
	data, format, err := compression.Decompress(raw)
	if err != nil {
		return nil, ErrInput{Path: path, Err: fmt.Errorf("decompress: %w", err)}
	}
	if format != "none" {
		log.Debugf("%s: %s compressed, %s -> %s", path, format, humanize.IBytes(uint64(len(raw))), humanize.IBytes(uint64(len(data))))
	}
	return data, nil
}
