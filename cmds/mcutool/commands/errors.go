// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package commands

import (
	"fmt"
)

// ErrArgs means the command line of a subcommand is invalid. mcutool
// exits with status 2 on it.
type ErrArgs struct {
	Err error
}

func (err ErrArgs) Error() string {
	return fmt.Sprintf("invalid arguments: %v", err.Err)
}

func (err ErrArgs) Unwrap() error {
	return err.Err
}

// ErrInput means an input file could not be read or decompressed.
type ErrInput struct {
	Path string
	Err  error
}

func (err ErrInput) Error() string {
	return fmt.Sprintf("input '%s': %v", err.Path, err.Err)
}

func (err ErrInput) Unwrap() error {
	return err.Err
}

// OneArg returns the only positional argument. what names it in the error
// reported for any other count.
func OneArg(args []string, what string) (string, error) {
	if len(args) != 1 {
		return "", ErrArgs{Err: fmt.Errorf("expected exactly one %s, got %d", what, len(args))}
	}
	return args[0], nil
}
