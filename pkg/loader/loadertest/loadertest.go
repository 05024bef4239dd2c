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

// Package loadertest builds synthetic ELF images for tests.
package loadertest

import (
	"debug/elf"
	"fmt"

	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/loader"
)

// Segment is one program header of a synthetic image.
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64

	// Data is the file contents of the segment.
	Data []byte

	// Memsz is raised to the file size if smaller.
	Memsz uint64

	// Align defaults to the page size for PT_LOAD.
	Align uint64

	// Headers makes the segment start at file offset 0, so that it covers
	// the file header, the program headers and the PT_INTERP path, followed
	// by Data.
	Headers bool
}

// Builder describes a synthetic image.
type Builder struct {
	// Ident defaults to ELF64 little-endian.
	Ident loader.Ident

	Type elf.Type

	// Machine defaults to EM_X86_64.
	Machine elf.Machine

	Entry uint64

	// Interp, if set, adds a PT_INTERP naming it.
	Interp string

	// Phdr adds a PT_PHDR entry. It requires a Headers segment.
	Phdr bool

	Segments []Segment
}

// Image is a built image and the file layout chosen for it.
type Image struct {
	Bytes []byte
	Ident loader.Ident

	Header loader.Header
	Phdrs  []elf.ProgHeader
}

// PhdrVaddr returns the link-time address of the program header table, if a
// Headers segment maps it.
func (img *Image) PhdrVaddr() (uint64, bool) {
	for _, p := range img.Phdrs {
		if p.Type == elf.PT_LOAD && p.Off == 0 && p.Filesz >= img.Header.Phoff {
			return p.Vaddr + img.Header.Phoff, true
		}
	}
	return 0, false
}

// Loads returns the PT_LOAD headers, in table order.
func (img *Image) Loads() []elf.ProgHeader {
	var loads []elf.ProgHeader
	for _, p := range img.Phdrs {
		if p.Type == elf.PT_LOAD {
			loads = append(loads, p)
		}
	}
	return loads
}

// congruent returns the smallest offset >= off that is congruent to vaddr
// modulo the page size.
func congruent(off, vaddr uint64) uint64 {
	want := vaddr % hostarch.PageSize
	have := off % hostarch.PageSize
	if have <= want {
		return off - have + want
	}
	return off - have + hostarch.PageSize + want
}

// Build lays out and encodes the image. It panics on inconsistent input.
func (b *Builder) Build() *Image {
	id := b.Ident
	if id == (loader.Ident{}) {
		id = loader.Ident{Class: elf.ELFCLASS64, Data: elf.ELFDATA2LSB, Version: elf.EV_CURRENT}
	}
	machine := b.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}

	headerSize := uint64(loader.HeaderSize(id.Class))
	phentsize := uint64(loader.ProgHeaderSize(id.Class))
	nphdrs := len(b.Segments)
	if b.Phdr {
		nphdrs++
	}
	if b.Interp != "" {
		nphdrs++
	}
	phoff := headerSize
	cursor := phoff + uint64(nphdrs)*phentsize

	var phdrs []elf.ProgHeader
	contents := make(map[uint64][]byte)

	phdrIndex := -1
	if b.Phdr {
		phdrIndex = len(phdrs)
		phdrs = append(phdrs, elf.ProgHeader{
			Type:   elf.PT_PHDR,
			Flags:  elf.PF_R,
			Off:    phoff,
			Filesz: uint64(nphdrs) * phentsize,
			Memsz:  uint64(nphdrs) * phentsize,
			Align:  8,
		})
	}
	if b.Interp != "" {
		path := append([]byte(b.Interp), 0)
		phdrs = append(phdrs, elf.ProgHeader{
			Type:   elf.PT_INTERP,
			Flags:  elf.PF_R,
			Off:    cursor,
			Filesz: uint64(len(path)),
			Memsz:  uint64(len(path)),
			Align:  1,
		})
		contents[cursor] = path
		cursor += uint64(len(path))
	}

	headersVaddr, haveHeaders := uint64(0), false
	for _, s := range b.Segments {
		p := elf.ProgHeader{
			Type:  s.Type,
			Flags: s.Flags,
			Vaddr: s.Vaddr,
			Paddr: s.Vaddr,
			Align: s.Align,
		}
		if p.Align == 0 && p.Type == elf.PT_LOAD {
			p.Align = hostarch.PageSize
		}
		switch {
		case s.Headers:
			if s.Vaddr%hostarch.PageSize != 0 {
				panic(fmt.Sprintf("headers segment at unaligned vaddr %#x", s.Vaddr))
			}
			p.Off = 0
			contents[cursor] = s.Data
			cursor += uint64(len(s.Data))
			p.Filesz = cursor
			headersVaddr, haveHeaders = s.Vaddr, true
		case len(s.Data) == 0:
			p.Off = 0
		default:
			if p.Type == elf.PT_LOAD {
				cursor = congruent(cursor, s.Vaddr)
			}
			p.Off = cursor
			p.Filesz = uint64(len(s.Data))
			contents[cursor] = s.Data
			cursor += uint64(len(s.Data))
		}
		p.Memsz = max(s.Memsz, p.Filesz)
		phdrs = append(phdrs, p)
	}
	if phdrIndex >= 0 {
		if !haveHeaders {
			panic("PT_PHDR requires a headers segment")
		}
		phdrs[phdrIndex].Vaddr = headersVaddr + phoff
		phdrs[phdrIndex].Paddr = headersVaddr + phoff
	}

	h := loader.Header{
		Type:      b.Type,
		Machine:   machine,
		Version:   elf.EV_CURRENT,
		Entry:     b.Entry,
		Phoff:     phoff,
		Ehsize:    uint16(headerSize),
		Phentsize: uint16(phentsize),
		Phnum:     uint16(nphdrs),
	}

	out := make([]byte, cursor)
	hb, err := loader.EncodeHeader(id, h)
	if err != nil {
		panic(err)
	}
	copy(out, hb)
	for i, p := range phdrs {
		pb, err := loader.EncodeProgHeader(id, p)
		if err != nil {
			panic(err)
		}
		copy(out[phoff+uint64(i)*phentsize:], pb)
	}
	for off, data := range contents {
		copy(out[off:], data)
	}
	return &Image{Bytes: out, Ident: id, Header: h, Phdrs: phdrs}
}
