// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loader

import (
	"fmt"

	"github.com/google/btree"
	"gvisor.dev/elfload/pkg/hostarch"
)

// Window is the page-aligned mapping window of one PT_LOAD segment.
type Window struct {
	// Range is [page_floor(vaddr+bias), page_ceil(vaddr+bias+memsz)).
	Range hostarch.AddrRange

	// PageOffset is the offset of the segment's first byte within Range.
	PageOffset uint64

	// Perms are the protections requested by the segment.
	Perms hostarch.AccessType
}

// String implements fmt.Stringer.String.
func (w Window) String() string {
	return fmt.Sprintf("%v+%#x %v", w.Range, w.PageOffset, w.Perms)
}

// newWindow computes the window for a segment of memsz bytes at start.
func newWindow(start hostarch.Addr, memsz uint64, perms hostarch.AccessType) (Window, bool) {
	mmapStart := start.RoundDown()
	pageOffset := uint64(start - mmapStart)
	mmapLen, ok := hostarch.PageRoundUp(memsz + pageOffset)
	if !ok || mmapLen < memsz {
		return Window{}, false
	}
	ar, ok := mmapStart.ToRange(mmapLen)
	if !ok {
		return Window{}, false
	}
	return Window{Range: ar, PageOffset: pageOffset, Perms: perms}, true
}

// Protection is the final protection of a page-aligned range.
type Protection struct {
	Range hostarch.AddrRange
	Perms hostarch.AccessType
}

// windowSet is an ordered set of windows. Windows of adjacent segments may
// share their boundary pages; protections computes the per-range union for
// those pages.
type windowSet struct {
	windows *btree.BTreeG[Window]
	bounds  *btree.BTreeG[hostarch.Addr]
}

func lessWindow(a, b Window) bool {
	if a.Range.Start != b.Range.Start {
		return a.Range.Start < b.Range.Start
	}
	return a.Range.End < b.Range.End
}

func lessAddr(a, b hostarch.Addr) bool {
	return a < b
}

func newWindowSet() *windowSet {
	return &windowSet{
		windows: btree.NewG(8, lessWindow),
		bounds:  btree.NewG(8, lessAddr),
	}
}

// add inserts w. Windows with the same range are merged.
func (s *windowSet) add(w Window) {
	if old, ok := s.windows.Get(w); ok {
		w.Perms = w.Perms.Union(old.Perms)
	}
	s.windows.ReplaceOrInsert(w)
	s.bounds.ReplaceOrInsert(w.Range.Start)
	s.bounds.ReplaceOrInsert(w.Range.End)
}

// len returns the number of distinct windows.
func (s *windowSet) len() int {
	return s.windows.Len()
}

// all returns the windows in address order.
func (s *windowSet) all() []Window {
	ws := make([]Window, 0, s.windows.Len())
	s.windows.Ascend(func(w Window) bool {
		ws = append(ws, w)
		return true
	})
	return ws
}

// protections splits the union of all windows at every window boundary and
// returns the maximal ranges of equal protection, in address order. Each
// elementary range gets the union of the protections of the windows covering
// it. Ranges covered by no window are omitted.
func (s *windowSet) protections() []Protection {
	var bounds []hostarch.Addr
	s.bounds.Ascend(func(a hostarch.Addr) bool {
		bounds = append(bounds, a)
		return true
	})

	var out []Protection
	for i := 0; i+1 < len(bounds); i++ {
		ar := hostarch.AddrRange{Start: bounds[i], End: bounds[i+1]}
		covered := false
		var perms hostarch.AccessType
		// Only windows starting before ar.End can cover it.
		s.windows.AscendLessThan(Window{Range: hostarch.AddrRange{Start: ar.End}}, func(w Window) bool {
			if w.Range.Overlaps(ar) {
				covered = true
				perms = perms.Union(w.Perms)
			}
			return true
		})
		if !covered {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Range.End == ar.Start && out[n-1].Perms == perms {
			out[n-1].Range.End = ar.End
			continue
		}
		out = append(out, Protection{Range: ar, Perms: perms})
	}
	return out
}
