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
	"sort"

	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/log"
)

// maxTotalPhdrSize is the maximum combined size of all program headers.
// Linux refuses to load binaries with more. See fs/binfmt_elf.c:load_elf_phdrs.
const maxTotalPhdrSize = 64 * 1024

// CheckLoadable verifies that an image with the given identification and
// header can be mapped on this host. size is the size of the file.
func CheckLoadable(id Ident, h Header, size uint64) error {
	if id.Class != elf.ELFCLASS64 || id.Data != elf.ELFDATA2LSB {
		return fmt.Errorf("%w: %v %v", ErrUnsupportedVariant, id.Class, id.Data)
	}
	if h.Machine != elf.EM_X86_64 {
		return fmt.Errorf("%w: machine %v", ErrUnsupportedVariant, h.Machine)
	}
	switch h.Type {
	case elf.ET_EXEC, elf.ET_DYN:
	default:
		return fmt.Errorf("%w: object type %v is not executable", ErrInvalidFormat, h.Type)
	}
	if int(h.Phentsize) != layout64.progSize {
		return fmt.Errorf("%w: program header size %d, want %d", ErrInvalidFormat, h.Phentsize, layout64.progSize)
	}
	if h.Phnum == 0 {
		return fmt.Errorf("%w: no program headers", ErrInvalidFormat)
	}
	total := uint64(h.Phnum) * uint64(h.Phentsize)
	if total > maxTotalPhdrSize {
		return fmt.Errorf("%w: program headers too big: %d bytes", ErrInvalidFormat, total)
	}
	end := h.Phoff + total
	if end < h.Phoff || end > size {
		return fmt.Errorf("%w: program headers [%#x, %#x) extend beyond end of file %#x", ErrTruncatedHeader, h.Phoff, end, size)
	}
	return nil
}

// validateSegments checks the PT_LOAD entries of phdrs and returns the
// non-empty ones sorted by virtual address.
//
// We copy file contents into anonymous memory rather than mapping the file,
// so unlike Linux we do not require vaddr and offset to be congruent modulo
// the page size; only the p_align congruence of the ABI is enforced. Namely,
// we verify:
//   - p_align is 0, 1 or a power of two, and vaddr = offset mod p_align.
//   - memsz >= filesz.
//   - Neither the memory nor the file range overflows.
//   - The file range lies within the file.
//   - No two segments overlap in memory.
func validateSegments(phdrs []elf.ProgHeader, size uint64) ([]elf.ProgHeader, error) {
	var loads []elf.ProgHeader
	for i, phdr := range phdrs {
		if phdr.Type != elf.PT_LOAD {
			continue
		}
		if phdr.Align > 1 {
			if !hostarch.IsPowerOfTwo(phdr.Align) {
				log.Warningf("PT_LOAD segment %d alignment %#x is not a power of two", i, phdr.Align)
				return nil, fmt.Errorf("%w: segment %d alignment %#x", ErrBadSegment, i, phdr.Align)
			}
			if phdr.Vaddr%phdr.Align != phdr.Off%phdr.Align {
				log.Warningf("PT_LOAD segment %d vaddr %#x and offset %#x are not congruent modulo %#x", i, phdr.Vaddr, phdr.Off, phdr.Align)
				return nil, fmt.Errorf("%w: segment %d vaddr %#x offset %#x align %#x", ErrBadSegment, i, phdr.Vaddr, phdr.Off, phdr.Align)
			}
		}
		if phdr.Memsz < phdr.Filesz {
			log.Warningf("PT_LOAD segment %d memsz %#x < filesz %#x", i, phdr.Memsz, phdr.Filesz)
			return nil, fmt.Errorf("%w: segment %d memsz %#x < filesz %#x", ErrBadSegment, i, phdr.Memsz, phdr.Filesz)
		}
		if phdr.Memsz == 0 {
			log.Debugf("Skipping empty PT_LOAD segment %d", i)
			continue
		}
		start := hostarch.Addr(phdr.Vaddr)
		if uint64(start) != phdr.Vaddr {
			return nil, fmt.Errorf("%w: segment %d vaddr %#x does not fit an address", ErrBadSegment, i, phdr.Vaddr)
		}
		end, ok := start.AddLength(phdr.Memsz)
		if !ok {
			log.Warningf("PT_LOAD segment %d size overflows: %v + %#x", i, start, phdr.Memsz)
			return nil, fmt.Errorf("%w: segment %d memory range overflows", ErrBadSegment, i)
		}
		if _, ok := end.RoundUp(); !ok {
			return nil, fmt.Errorf("%w: segment %d ends at the top of the address space", ErrBadSegment, i)
		}
		fileEnd := phdr.Off + phdr.Filesz
		if fileEnd < phdr.Off {
			return nil, fmt.Errorf("%w: segment %d file range overflows", ErrBadSegment, i)
		}
		if fileEnd > size {
			log.Warningf("PT_LOAD segment %d file end %#x extends beyond end of file %#x", i, fileEnd, size)
			return nil, fmt.Errorf("%w: segment %d file range [%#x, %#x) beyond end of file %#x", ErrBadSegment, i, phdr.Off, fileEnd, size)
		}
		loads = append(loads, phdr)
	}
	if len(loads) == 0 {
		return nil, fmt.Errorf("%w: no loadable segments", ErrBadSegment)
	}

	// The ELF specification requires ascending order, but do not rely on it.
	sort.SliceStable(loads, func(i, j int) bool { return loads[i].Vaddr < loads[j].Vaddr })

	for i := 1; i < len(loads); i++ {
		prevEnd := loads[i-1].Vaddr + loads[i-1].Memsz
		if loads[i].Vaddr < prevEnd {
			log.Warningf("PT_LOAD segments overlap: %#x < %#x", loads[i].Vaddr, prevEnd)
			return nil, fmt.Errorf("%w: segments at %#x and %#x overlap", ErrBadSegment, loads[i-1].Vaddr, loads[i].Vaddr)
		}
	}
	return loads, nil
}

// phdrAddress returns the link-time address of the program header table. It
// prefers PT_PHDR and otherwise finds the PT_LOAD segment whose file range
// contains the table. ok is false if the table is not mapped.
func phdrAddress(h Header, phdrs []elf.ProgHeader, loads []elf.ProgHeader) (addr uint64, ok bool) {
	for _, phdr := range phdrs {
		if phdr.Type == elf.PT_PHDR {
			return phdr.Vaddr, true
		}
	}
	size := uint64(h.Phnum) * uint64(h.Phentsize)
	for _, phdr := range loads {
		if phdr.Off <= h.Phoff && h.Phoff+size <= phdr.Off+phdr.Filesz {
			return phdr.Vaddr + (h.Phoff - phdr.Off), true
		}
	}
	return 0, false
}
