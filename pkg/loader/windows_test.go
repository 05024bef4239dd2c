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
	"debug/elf"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/elfload/pkg/hostarch"
)

func TestNewWindow(t *testing.T) {
	w, ok := newWindow(0x401234, 0x2000, hostarch.Read)
	if !ok {
		t.Fatalf("newWindow failed")
	}
	want := Window{
		Range:      hostarch.AddrRange{Start: 0x401000, End: 0x404000},
		PageOffset: 0x234,
		Perms:      hostarch.Read,
	}
	if w != want {
		t.Errorf("newWindow = %v, want %v", w, want)
	}
	if _, ok := newWindow(^hostarch.Addr(0)&^(hostarch.PageSize-1), hostarch.PageSize+1, hostarch.Read); ok {
		t.Errorf("newWindow at the top of the address space should fail")
	}
}

func TestProtectionsUnion(t *testing.T) {
	rx := hostarch.AccessType{Read: true, Execute: true}
	rw := hostarch.ReadWrite
	r := hostarch.Read

	for _, tc := range []struct {
		name    string
		windows []Window
		want    []Protection
	}{
		{
			name: "disjoint",
			windows: []Window{
				{Range: hostarch.AddrRange{Start: 0x0000, End: 0x2000}, Perms: rx},
				{Range: hostarch.AddrRange{Start: 0x3000, End: 0x4000}, Perms: rw},
			},
			want: []Protection{
				{Range: hostarch.AddrRange{Start: 0x0000, End: 0x2000}, Perms: rx},
				{Range: hostarch.AddrRange{Start: 0x3000, End: 0x4000}, Perms: rw},
			},
		},
		{
			name: "shared-page",
			windows: []Window{
				{Range: hostarch.AddrRange{Start: 0x0000, End: 0x2000}, Perms: rx},
				{Range: hostarch.AddrRange{Start: 0x1000, End: 0x4000}, Perms: rw},
			},
			want: []Protection{
				{Range: hostarch.AddrRange{Start: 0x0000, End: 0x1000}, Perms: rx},
				{Range: hostarch.AddrRange{Start: 0x1000, End: 0x2000}, Perms: hostarch.AnyAccess},
				{Range: hostarch.AddrRange{Start: 0x2000, End: 0x4000}, Perms: rw},
			},
		},
		{
			name: "three-in-one-page",
			windows: []Window{
				{Range: hostarch.AddrRange{Start: 0x0000, End: 0x2000}, Perms: r},
				{Range: hostarch.AddrRange{Start: 0x1000, End: 0x2000}, Perms: rx},
				{Range: hostarch.AddrRange{Start: 0x1000, End: 0x3000}, Perms: r},
			},
			want: []Protection{
				{Range: hostarch.AddrRange{Start: 0x0000, End: 0x1000}, Perms: r},
				{Range: hostarch.AddrRange{Start: 0x1000, End: 0x2000}, Perms: rx},
				{Range: hostarch.AddrRange{Start: 0x2000, End: 0x3000}, Perms: r},
			},
		},
		{
			name: "adjacent-equal-merge",
			windows: []Window{
				{Range: hostarch.AddrRange{Start: 0x0000, End: 0x1000}, Perms: rw},
				{Range: hostarch.AddrRange{Start: 0x1000, End: 0x3000}, Perms: rw},
			},
			want: []Protection{
				{Range: hostarch.AddrRange{Start: 0x0000, End: 0x3000}, Perms: rw},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			set := newWindowSet()
			// Insert in reverse to check that order does not matter.
			for i := len(tc.windows) - 1; i >= 0; i-- {
				set.add(tc.windows[i])
			}
			if diff := cmp.Diff(tc.want, set.protections()); diff != "" {
				t.Errorf("protections mismatch (-want +got):\n%s", diff)
			}
			if got := len(set.all()); got != len(tc.windows) {
				t.Errorf("all() has %d windows, want %d", got, len(tc.windows))
			}
		})
	}
}

func TestValidateSegments(t *testing.T) {
	const size = 0x10000
	load := func(vaddr, off, filesz, memsz, align uint64) elf.ProgHeader {
		return elf.ProgHeader{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: vaddr, Off: off, Filesz: filesz, Memsz: memsz, Align: align}
	}

	// Out of order and with an empty segment.
	loads, err := validateSegments([]elf.ProgHeader{
		load(0x3000, 0x3000, 0x10, 0x10, 0x1000),
		{Type: elf.PT_GNU_STACK},
		load(0x2000, 0x2000, 0, 0, 0x1000),
		load(0x1000, 0x1000, 0x10, 0x20, 0x1000),
	}, size)
	if err != nil {
		t.Fatalf("validateSegments failed: %v", err)
	}
	if len(loads) != 2 || loads[0].Vaddr != 0x1000 || loads[1].Vaddr != 0x3000 {
		t.Errorf("validateSegments = %+v, want the two non-empty segments in order", loads)
	}

	for _, tc := range []struct {
		name  string
		phdrs []elf.ProgHeader
	}{
		{"none", []elf.ProgHeader{{Type: elf.PT_NOTE}}},
		{"align-not-power-of-two", []elf.ProgHeader{load(0x3000, 0x3000, 1, 1, 0x3000)}},
		{"not-congruent", []elf.ProgHeader{load(0x1010, 0x20, 1, 1, 0x1000)}},
		{"memsz-below-filesz", []elf.ProgHeader{load(0x1000, 0x1000, 0x20, 0x10, 0x1000)}},
		{"past-eof", []elf.ProgHeader{load(0x1000, 0xf000, 0x2000, 0x2000, 0x1000)}},
		{"file-range-wraps", []elf.ProgHeader{load(0x1000, ^uint64(0)-0xfff, 0x2000, 0x2000, 0x1000)}},
		{"memory-wraps", []elf.ProgHeader{load(^uint64(0)-0xfff, 0, 0, 0x2000, 0x1000)}},
		{"overlap", []elf.ProgHeader{
			load(0x1000, 0x1000, 0x100, 0x100, 0x1000),
			load(0x1080, 0x1080, 0x10, 0x10, 0x1000),
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := validateSegments(tc.phdrs, size); !errors.Is(err, ErrBadSegment) {
				t.Errorf("validateSegments = %v, want %v", err, ErrBadSegment)
			}
		})
	}
}

func TestPhdrAddress(t *testing.T) {
	h := Header{Phoff: 0x40, Phnum: 2, Phentsize: 56}
	text := elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x400000, Off: 0, Filesz: 0x1000, Memsz: 0x1000}

	if got, ok := phdrAddress(h, []elf.ProgHeader{text}, []elf.ProgHeader{text}); !ok || got != 0x400040 {
		t.Errorf("phdrAddress from PT_LOAD = %#x, %t, want 0x400040, true", got, ok)
	}
	phdr := elf.ProgHeader{Type: elf.PT_PHDR, Vaddr: 0x400040}
	if got, ok := phdrAddress(h, []elf.ProgHeader{phdr, text}, []elf.ProgHeader{text}); !ok || got != 0x400040 {
		t.Errorf("phdrAddress from PT_PHDR = %#x, %t", got, ok)
	}
	data := elf.ProgHeader{Type: elf.PT_LOAD, Vaddr: 0x600000, Off: 0x2000, Filesz: 0x100, Memsz: 0x100}
	if _, ok := phdrAddress(h, []elf.ProgHeader{data}, []elf.ProgHeader{data}); ok {
		t.Errorf("phdrAddress found a table outside every segment")
	}
}
