// Copyright 2025 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package fwpkg

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Timestamp104 is the 13 byte PLDM timestamp.
//
//	0-1   UTC offset in minutes (sint16)
//	2-4   microseconds
//	5     seconds
//	6     minutes
//	7     hours
//	8     day of month, from 1
//	9     month, from 1
//	10-11 year
//	12    UTC resolution (7:4) and time resolution (3:0)
type Timestamp104 [13]byte

// Resolution nibbles used by NewTimestamp104: UTC offset to the hour and
// time to the second.
const (
	utcResolutionHour  = 3
	timeResolutionSecs = 6
)

// NewTimestamp104 encodes t.
func NewTimestamp104(t time.Time) Timestamp104 {
	var ts Timestamp104
	_, off := t.Zone()
	binary.LittleEndian.PutUint16(ts[0:], uint16(int16(off/60)))
	us := uint32(t.Nanosecond() / 1000)
	ts[2], ts[3], ts[4] = byte(us), byte(us>>8), byte(us>>16)
	ts[5] = byte(t.Second())
	ts[6] = byte(t.Minute())
	ts[7] = byte(t.Hour())
	ts[8] = byte(t.Day())
	ts[9] = byte(t.Month())
	binary.LittleEndian.PutUint16(ts[10:], uint16(t.Year()))
	ts[12] = utcResolutionHour<<4 | timeResolutionSecs
	return ts
}

// IsZero reports whether the timestamp is unset.
func (ts Timestamp104) IsZero() bool {
	return ts == Timestamp104{}
}

// Time decodes the timestamp.
func (ts Timestamp104) Time() (time.Time, error) {
	off := int16(binary.LittleEndian.Uint16(ts[0:]))
	us := int(ts[2]) | int(ts[3])<<8 | int(ts[4])<<16
	year := int(binary.LittleEndian.Uint16(ts[10:]))
	month, day := time.Month(ts[9]), int(ts[8])
	hour, minute, sec := int(ts[7]), int(ts[6]), int(ts[5])
	if month < time.January || month > time.December || day < 1 || day > 31 ||
		hour > 23 || minute > 59 || sec > 59 || us > 999999 {
		return time.Time{}, fmt.Errorf("invalid timestamp %x", ts[:])
	}
	loc := time.UTC
	if off != 0 {
		loc = time.FixedZone("", int(off)*60)
	}
	t := time.Date(year, month, day, hour, minute, sec, us*1000, loc)
	if t.Day() != day {
		return time.Time{}, fmt.Errorf("invalid timestamp %x: no day %d in %s", ts[:], day, month)
	}
	return t, nil
}

func (ts Timestamp104) String() string {
	t, err := ts.Time()
	if err != nil {
		return fmt.Sprintf("%x", ts[:])
	}
	return t.Format(time.RFC3339)
}

// MarshalText implements encoding.TextMarshaler.
func (ts Timestamp104) MarshalText() ([]byte, error) {
	return []byte(ts.String()), nil
}
