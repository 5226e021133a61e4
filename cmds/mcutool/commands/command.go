// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commands

import (
	"io"
	"os"

	"github.com/jessevdk/go-flags"
)

// Command is an interface of implementations of verbs
// (like "pmp", "flash" etc of "mcutool pmp"/"mcutool flash")
type Command interface {
	flags.Commander

	// ShortDescription explains what this command does in one line
	ShortDescription() string

	// LongDescription explains what this verb does (without limitation in amount of lines)
	LongDescription() string
}

// Output is embedded by commands that print. Tests point it at a buffer.
type Output struct {
	W io.Writer `no-flag:"true"`
}

// Writer returns the output of the command, stdout by default.
func (o *Output) Writer() io.Writer {
	if o.W == nil {
		return os.Stdout
	}
	return o.W
}
