// Copyright 2021 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package log

import (
	"bytes"
	"log"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDebugfVerbosity(t *testing.T) {
	var buf bytes.Buffer
	l := logWrapper{Logger: log.New(&buf, "", 0)}

	SetVerbose(false)
	l.Debugf("dropped %d", 1)
	require.Empty(t, buf.String())

	SetVerbose(true)
	defer SetVerbose(false)
	l.Debugf("kept %d", 2)
	require.Equal(t, "[mcufw][DEBUG] kept 2\n", buf.String())
}

func TestLevelsPrefix(t *testing.T) {
	var buf bytes.Buffer
	l := logWrapper{Logger: log.New(&buf, "", 0)}

	l.Infof("a")
	l.Warnf("b")
	l.Errorf("c")
	require.Equal(t, "[mcufw][INFO] a\n[mcufw][WARN] b\n[mcufw][ERROR] c\n", buf.String())
}
