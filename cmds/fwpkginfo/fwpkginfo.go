// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// fwpkginfo prints PLDM firmware update packages.
//
// Synopsis:
//
//	fwpkginfo [-d] [--json] [-x DIR] PACKAGE...
//
// Every package is checked; the exit status is non-zero if any package is
// malformed. With -x, component images are written to DIR as
// <package>.<index>.<identifier>.bin.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	flag "github.com/spf13/pflag"

	"github.com/linuxboot/mcufw/pkg/compression"
	"github.com/linuxboot/mcufw/pkg/log"
	"github.com/linuxboot/mcufw/pkg/pldm/fwpkg"
)

var (
	debug   = flag.BoolP("debug", "d", false, "enable debug prints")
	asJSON  = flag.Bool("json", false, "print packages as JSON")
	extract = flag.StringP("extract", "x", "", "write component images to this directory")
)

type options struct {
	json    bool
	extract string
}

func load(path string) (*fwpkg.Package, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data, format, err := compression.Decompress(raw)
	if err != nil {
		return nil, err
	}
	log.Debugf("%s: %d bytes, compression %s", path, len(data), format)
	return fwpkg.Parse(data)
}

func show(w io.Writer, path string, opts options) error {
	pkg, err := load(path)
	if err != nil {
		return err
	}
	if opts.json {
		j, err := json.MarshalIndent(pkg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s\n", j)
	} else {
		fmt.Fprintf(w, "%s:\n", path)
		pkg.Render(w)
	}
	if opts.extract != "" {
		base := filepath.Base(path)
		for i, c := range pkg.Components {
			if c.Data == nil {
				log.Warnf("%s: component %d is outside the package", path, i)
				continue
			}
			name := filepath.Join(opts.extract, fmt.Sprintf("%s.%d.%04x.bin", base, i, c.Identifier))
			if err := os.WriteFile(name, c.Data, 0o644); err != nil {
				return err
			}
			log.Debugf("wrote %s", name)
		}
	}
	return pkg.Verify()
}

func run(w io.Writer, paths []string, opts options) error {
	var result *multierror.Error
	for _, path := range paths {
		if err := show(w, path, opts); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", path, err))
		}
	}
	return result.ErrorOrNil()
}

func main() {
	flag.Parse()
	log.SetVerbose(*debug)

	if flag.NArg() == 0 {
		log.Fatalf("usage: fwpkginfo [-d] [--json] [-x DIR] PACKAGE...")
	}
	if err := run(os.Stdout, flag.Args(), options{json: *asJSON, extract: *extract}); err != nil {
		log.Fatalf("%v", err)
	}
}
