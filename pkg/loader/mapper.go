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
	"fmt"

	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/cleanup"
	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/hostsyscall"
	"gvisor.dev/elfload/pkg/log"
)

// reserveFlags are the mmap flags of the address space reservation.
const reserveFlags = linux.MAP_PRIVATE | linux.MAP_ANONYMOUS | linux.MAP_NORESERVE

// mapping is the outcome of mapSegments.
type mapping struct {
	// reservation is the whole range reserved for the image.
	reservation hostarch.AddrRange

	// bias is the difference between runtime and link-time addresses.
	bias hostarch.Addr

	windows     []Window
	protections []Protection
}

// maxAlign returns the largest power-of-two p_align of loads, and at least
// the page size.
func maxAlign(loads []elf.ProgHeader) uint64 {
	align := uint64(hostarch.PageSize)
	for _, phdr := range loads {
		if phdr.Align > align && hostarch.IsPowerOfTwo(phdr.Align) {
			align = phdr.Align
		}
	}
	return align
}

// span returns the page-aligned link-time range covered by loads, which must
// be sorted and validated.
func span(loads []elf.ProgHeader) (hostarch.AddrRange, error) {
	first, last := loads[0], loads[len(loads)-1]
	lowest := hostarch.Addr(first.Vaddr).RoundDown()
	highest, ok := hostarch.Addr(last.Vaddr + last.Memsz).RoundUp()
	if !ok {
		return hostarch.AddrRange{}, fmt.Errorf("%w: image end %#x overflows", ErrBadSegment, last.Vaddr+last.Memsz)
	}
	return hostarch.AddrRange{Start: lowest, End: highest}, nil
}

// reserve makes the PROT_NONE reservation for an image whose link-time span
// is ar.
//
// Executables must be placed at their link address. For position independent
// images bias is the requested load bias; if that range is already occupied,
// the kernel picks an address instead.
func reserve(k hostsyscall.Kernel, ar hostarch.AddrRange, dynamic bool, bias hostarch.Addr, align uint64) (hostarch.AddrRange, hostarch.Addr, error) {
	length := ar.Length()
	if !dynamic {
		bias = 0
	} else {
		bias = bias.AlignDown(align)
	}
	want := ar.Start + bias
	if want < ar.Start && bias != 0 {
		return hostarch.AddrRange{}, 0, fmt.Errorf("load bias %v overflows image start %v", bias, ar.Start)
	}

	addr, err := k.Mmap(want, length, linux.PROT_NONE, reserveFlags|linux.MAP_FIXED_NOREPLACE, -1, 0)
	switch {
	case err == nil && addr == want:
		return hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length)}, bias, nil
	case err == nil:
		// MAP_FIXED_NOREPLACE was treated as a hint.
		if uerr := k.Munmap(addr, length); uerr != nil {
			log.Warningf("Unable to unmap misplaced reservation at %v: %v", addr, uerr)
		}
		err = linuxerr.EEXIST
	}
	if !dynamic || !linuxerr.Equals(linuxerr.EEXIST, err) {
		return hostarch.AddrRange{}, 0, fmt.Errorf("reserving %v: %w", hostarch.AddrRange{Start: want, End: want + hostarch.Addr(length)}, err)
	}

	// Fall back to a kernel-chosen address. Over-reserve so that the bias
	// can honor the maximum segment alignment, then trim.
	log.Warningf("Load bias %v is occupied, letting the kernel place the image", bias)
	extra := align - hostarch.PageSize
	addr, err = k.Mmap(0, length+extra, linux.PROT_NONE, reserveFlags, -1, 0)
	if err != nil {
		return hostarch.AddrRange{}, 0, fmt.Errorf("reserving %#x bytes: %w", length+extra, err)
	}
	// The bias, not only the start, must be a multiple of align: pick the
	// first start congruent to the link-time start modulo align. Both are
	// page aligned, so it lies within extra bytes of addr.
	start := addr + hostarch.Addr((uint64(ar.Start)-uint64(addr))&(align-1))
	if head := uint64(start - addr); head > 0 {
		if err := k.Munmap(addr, head); err != nil {
			k.Munmap(addr, length+extra)
			return hostarch.AddrRange{}, 0, fmt.Errorf("trimming reservation: %w", err)
		}
	}
	end := start + hostarch.Addr(length)
	if tail := uint64(addr+hostarch.Addr(length+extra)) - uint64(end); tail > 0 {
		if err := k.Munmap(end, tail); err != nil {
			k.Munmap(start, length+tail)
			return hostarch.AddrRange{}, 0, fmt.Errorf("trimming reservation: %w", err)
		}
	}
	return hostarch.AddrRange{Start: start, End: end}, start - ar.Start, nil
}

// mapSegments reserves address space for loads and fills it from fd.
//
// Either every segment is mapped with its final protections, or nothing
// reserved by this call remains mapped.
func mapSegments(k hostsyscall.Kernel, fd int, loads []elf.ProgHeader, dynamic bool, bias hostarch.Addr) (*mapping, error) {
	ar, err := span(loads)
	if err != nil {
		return nil, err
	}
	reservation, bias, err := reserve(k, ar, dynamic, bias, maxAlign(loads))
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := k.Munmap(reservation.Start, reservation.Length()); err != nil {
			log.Warningf("Unable to roll back reservation %v: %v", reservation, err)
		}
	})
	defer cu.Clean()
	log.Debugf("Reserved %v (bias %v)", reservation, bias)

	set := newWindowSet()
	m := &mapping{reservation: reservation, bias: bias}
	for i, phdr := range loads {
		start := hostarch.Addr(phdr.Vaddr) + bias
		w, ok := newWindow(start, phdr.Memsz, hostarch.ProgFlagsAsPerms(phdr.Flags))
		if !ok || !reservation.IsSupersetOf(w.Range) {
			return nil, fmt.Errorf("%w: segment %d window outside reservation %v", ErrBadSegment, i, reservation)
		}
		if err := fillSegment(k, fd, phdr, start, w); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}
		log.Debugf("Segment %d: window %v, file [%#x, %#x), memsz %#x", i, w, phdr.Off, phdr.Off+phdr.Filesz, phdr.Memsz)
		set.add(w)
		m.windows = append(m.windows, w)
	}

	// Protections are applied only after every segment is filled, since a
	// page shared by two segments must stay writable until both are
	// copied.
	m.protections = set.protections()
	for _, p := range m.protections {
		if err := k.Mprotect(p.Range.Start, p.Range.Length(), p.Perms.Prot()); err != nil {
			return nil, fmt.Errorf("protecting %v %v: %w", p.Range, p.Perms, err)
		}
	}

	cu.Release()
	return m, nil
}

// fillSegment makes w writable, copies the segment's file contents to start
// and zeroes the rest of its memory image.
func fillSegment(k hostsyscall.Kernel, fd int, phdr elf.ProgHeader, start hostarch.Addr, w Window) error {
	if err := k.Mprotect(w.Range.Start, w.Range.Length(), hostarch.ReadWrite.Prot()); err != nil {
		return fmt.Errorf("making %v writable: %w", w.Range, err)
	}
	if phdr.Filesz > 0 {
		if err := hostsyscall.ReadAt(k, fd, int64(phdr.Off), k.Slice(start, phdr.Filesz)); err != nil {
			return fmt.Errorf("reading %#x bytes at offset %#x: %w", phdr.Filesz, phdr.Off, err)
		}
	}

	// Whole pages past the file contents are untouched anonymous memory and
	// already zero; only the partial page after filesz is cleared.
	if bss := phdr.Memsz - phdr.Filesz; bss > 0 {
		tail := start + hostarch.Addr(phdr.Filesz)
		n := bss
		if toPage := uint64(tail.MustRoundUp() - tail); toPage < n {
			n = toPage
		}
		clear(k.Slice(tail, n))
	}
	return nil
}
