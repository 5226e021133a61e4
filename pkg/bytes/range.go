// Copyright 2019 the LinuxBoot Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bytes implements address-range arithmetic shared by the memory
// protection planner and the DMA engine.
package bytes

import (
	"fmt"
	"sort"
	"strings"
)

// Range is a half-open address range [Offset, Offset+Length).
type Range struct {
	Offset uint64
	Length uint64
}

func (r Range) String() string {
	return fmt.Sprintf(`{"Offset":"0x%x", "Length":"0x%x"}`, r.Offset, r.Length)
}

// End returns the first address after the range.
func (r Range) End() uint64 {
	return r.Offset + r.Length
}

// Intersect returns True if ranges "r" and "cmp" has at least
// one byte with the same offset.
func (r Range) Intersect(cmp Range) bool {
	if r.Length == 0 || cmp.Length == 0 {
		return false
	}
	if r.End() <= cmp.Offset {
		return false
	}
	if r.Offset >= cmp.End() {
		return false
	}
	return true
}

// Contains returns true if every byte of "inner" is inside "r".
func (r Range) Contains(inner Range) bool {
	if inner.Length == 0 {
		return r.Offset <= inner.Offset && inner.Offset <= r.End()
	}
	return r.Offset <= inner.Offset && inner.End() <= r.End()
}

// Adjacent returns true if "next" starts exactly where "r" ends.
func (r Range) Adjacent(next Range) bool {
	return r.End() == next.Offset
}

// Ranges is a helper to manipulate multiple `Range`-s at once
type Ranges []Range

func (s Ranges) String() string {
	r := make([]string, 0, len(s))
	for _, oneRange := range s {
		r = append(r, oneRange.String())
	}
	return `[` + strings.Join(r, `, `) + `]`
}

// Sort sorts the slice by field Offset. Equal offsets keep their order.
func (s Ranges) Sort() {
	sort.SliceStable(s, func(i, j int) bool {
		return s[i].Offset < s[j].Offset
	})
}

// Find returns the index of the first range containing "r", or -1.
func (s Ranges) Find(r Range) int {
	for idx, candidate := range s {
		if candidate.Contains(r) {
			return idx
		}
	}
	return -1
}

// FindIntersect returns the index of the first range intersecting "r", or -1.
func (s Ranges) FindIntersect(r Range) int {
	for idx, candidate := range s {
		if candidate.Intersect(r) {
			return idx
		}
	}
	return -1
}

// MergeRanges just merges ranges which has distance less or equal to
// mergeDistance.
//
// Warning: should be called only on sorted ranges!
func MergeRanges(in Ranges, mergeDistance uint64) Ranges {
	if len(in) < 2 {
		return in
	}

	var result Ranges
	entry := in[0]
	for _, nextEntry := range in[1:] {
		if entry.End()+mergeDistance >= nextEntry.Offset {
			if nextEntry.End() > entry.End() {
				entry.Length = nextEntry.End() - entry.Offset
			}
			continue
		}

		result = append(result, entry)
		entry = nextEntry
	}
	result = append(result, entry)

	return result
}

// SortAndMerge sorts the slice (by field Offset) and the merges ranges
// which could be merged.
func (s *Ranges) SortAndMerge() {
	if len(*s) < 2 {
		return
	}
	s.Sort()

	*s = MergeRanges(*s, 0)
}

// IsIn returns if the address is covered by this ranges
func (s Ranges) IsIn(addr uint64) bool {
	for _, r := range s {
		// Offset is inclusive, End is exclusive.
		if r.Offset <= addr && addr < r.End() {
			return true
		}
	}
	return false
}
