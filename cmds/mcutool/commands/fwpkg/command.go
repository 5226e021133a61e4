// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwpkg

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/linuxboot/mcufw/cmds/mcutool/commands"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
)

var _ commands.Command = (*Command)(nil)

// Command prints a PLDM firmware update package.
type Command struct {
	commands.Output
	Format *string `long:"format" description:"output format [text, json]"`
}

type Format int

const (
	FormatUndefined = Format(iota)
	FormatText
	FormatJSON
)

func ParseFormat(s string) Format {
	switch strings.Trim(strings.ToLower(s), " ") {
	case "text":
		return FormatText
	case "json":
		return FormatJSON
	}
	return FormatUndefined
}

// ShortDescription explains what this command does in one line
func (cmd *Command) ShortDescription() string {
	return "prints a PLDM firmware update package"
}

// LongDescription explains what this verb does (without limitation in amount of lines)
func (cmd *Command) LongDescription() string {
	return `Decodes the package header, the device records and the component
image table, prints them and checks the package checksums. The command
fails if any checksum does not match.`
}

// Execute is the main function here. It is responsible to
// start the execution of the command.
//
// `args` are the arguments left unused by verb itself and options.
func (cmd *Command) Execute(args []string) error {
	path, err := commands.OneArg(args, "package path")
	if err != nil {
		return err
	}

	format := FormatText
	if cmd.Format != nil {
		format = ParseFormat(*cmd.Format)
		if format == FormatUndefined {
			return commands.ErrArgs{Err: fmt.Errorf("unknown format '%s'", *cmd.Format)}
		}
	}

	data, err := commands.ReadInput(path)
	if err != nil {
		return err
	}
	pkg, err := fwpkg.Parse(data)
	if err != nil {
		return fmt.Errorf("unable to parse firmware package: %w", err)
	}
	log.Debugf("package format %s, %d components", pkg.Header.Format, len(pkg.Components))

	switch format {
	case FormatText:
		pkg.Render(cmd.Writer())
	case FormatJSON:
		b, err := json.MarshalIndent(pkg, "", "\t")
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.Writer(), "%s\n", b)
	}

	if err := pkg.Verify(); err != nil {
		return fmt.Errorf("firmware package is invalid: %w", err)
	}
	return nil
}
