// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flash

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/linuxboot/mcufw/cmds/mcutool/commands"
	"github.com/linuxboot/mcufw/pkg/flashimage"
	"github.com/linuxboot/mcufw/pkg/log"
)

var _ commands.Command = (*Command)(nil)

// Command verifies and prints a flash image, or builds one.
type Command struct {
	commands.Output
	Build []string `short:"b" long:"build" description:"build the image from ID=FILE entries instead of reading it" value-name:"ID=FILE"`
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "verifies and prints a flash image"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return `Without --build, reads the flash image IMAGE, prints its table of
contents and checks every checksum.

With --build, lays out a flash image from the given entries in order and
writes it to IMAGE. ID is a number (0x prefix for hex) or one of
fmc-rt, soc-manifest, mcu-runtime.`
}

var wellKnownIDs = map[string]uint32{
	"fmc-rt":       flashimage.CaliptraFMCRT,
	"soc-manifest": flashimage.SoCManifest,
	"mcu-runtime":  flashimage.MCURuntime,
}

// ParseEntry parses an ID=FILE build argument.
func ParseEntry(s string) (flashimage.Entry, error) {
	idStr, path, ok := strings.Cut(s, "=")
	if !ok {
		return flashimage.Entry{}, fmt.Errorf("entry '%s' is not ID=FILE", s)
	}
	id, ok := wellKnownIDs[idStr]
	if !ok {
		n, err := strconv.ParseUint(idStr, 0, 32)
		if err != nil {
			return flashimage.Entry{}, fmt.Errorf("invalid identifier '%s': %w", idStr, err)
		}
		id = uint32(n)
	}
	data, err := commands.ReadInput(path)
	if err != nil {
		return flashimage.Entry{}, err
	}
	return flashimage.Entry{Identifier: id, Data: data}, nil
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	path, err := commands.OneArg(args, "flash image path")
	if err != nil {
		return err
	}
	if len(cmd.Build) > 0 {
		return cmd.build(path)
	}

	data, err := commands.ReadInput(path)
	if err != nil {
		return err
	}
	img, err := flashimage.Read(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("unable to read flash image: %w", err)
	}
	img.Render(cmd.Writer())
	if err := img.Verify(); err != nil {
		return fmt.Errorf("flash image is invalid: %w", err)
	}
	fmt.Fprintln(cmd.Writer(), "OK")
	return nil
}

func (cmd *Command) build(path string) error {
	entries := make([]flashimage.Entry, 0, len(cmd.Build))
	for _, s := range cmd.Build {
		e, err := ParseEntry(s)
		if err != nil {
			return commands.ErrArgs{Err: err}
		}
		log.Debugf("image %s: %d bytes", flashimage.IdentifierName(e.Identifier), len(e.Data))
		entries = append(entries, e)
	}
	data, err := flashimage.Build(entries)
	if err != nil {
		return fmt.Errorf("unable to build flash image: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("unable to write '%s': %w", path, err)
	}
	log.Infof("wrote %d images, %d bytes to %s", len(entries), len(data), path)
	return nil
}
