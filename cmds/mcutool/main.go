// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// mcutool inspects the inputs of MCU firmware builds on the host.
//
// Synopsis:
//
//	mcutool pmp REGIONS_JSON
//	mcutool flash [--build ID=FILE...] IMAGE
//	mcutool fwpkg [--format=json] PACKAGE
//	mcutool eat --nonce HEX [--key PEM] [--out FILE] IMAGE
//
// Description:
//
//	pmp:   Plans the ePMP entry file for a platform memory map
//	flash: Verifies and prints the table of contents of a flash image
//	fwpkg: Decodes, checks and prints a PLDM firmware update package
//	eat:   Signs an attestation token over the images of a flash image
//
// Inputs compressed with xz, lz4 or zstd are decompressed on the fly.
package main

import (
	"errors"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/linuxboot/mcufw/cmds/mcutool/commands"
	"github.com/linuxboot/mcufw/cmds/mcutool/commands/eat"
	"github.com/linuxboot/mcufw/cmds/mcutool/commands/flash"
	"github.com/linuxboot/mcufw/cmds/mcutool/commands/fwpkg"
	"github.com/linuxboot/mcufw/cmds/mcutool/commands/pmp"
	"github.com/linuxboot/mcufw/pkg/log"
)

var (
	knownCommands = map[string]commands.Command{
		"pmp":   &pmp.Command{},
		"flash": &flash.Command{},
		"fwpkg": &fwpkg.Command{},
		"eat":   &eat.Command{},
	}
)

type globalOptions struct {
	Verbose func() `short:"v" long:"verbose" description:"print debug messages"`
}

func main() {
	opts := globalOptions{Verbose: func() { log.SetVerbose(true) }}
	flagsParser := flags.NewParser(&opts, flags.Default)
	for commandName, command := range knownCommands {
		_, err := flagsParser.AddCommand(commandName, command.ShortDescription(), command.LongDescription(), command)
		if err != nil {
			panic(err)
		}
	}

	// parse arguments and execute the appropriate command
	if _, err := flagsParser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		var argsErr commands.ErrArgs
		if errors.As(err, &argsErr) {
			log.Errorf("%v", err)
			os.Exit(2)
		}
		log.Fatalf("%v", err)
	}
}
