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

package loader_test

import (
	"bytes"
	"debug/elf"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/hostsyscall/hostsyscalltest"
	"gvisor.dev/elfload/pkg/loader"
	"gvisor.dev/elfload/pkg/loader/loadertest"
)

func openReader(t *testing.T, data []byte) (*loader.Reader, error) {
	t.Helper()
	k := hostsyscalltest.New(map[string][]byte{"/image": data})
	fd, err := k.OpenAt(linux.AT_FDCWD, "/image", linux.O_RDONLY)
	if err != nil {
		t.Fatalf("OpenAt failed: %v", err)
	}
	return loader.NewReader(k, fd)
}

func TestHeaderRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name string
		img  *loadertest.Image
	}{
		{"static", loadertest.StaticHello()},
		{"pie", loadertest.PIE("/lib64/ld-linux-x86-64.so.2")},
		{"interpreter", loadertest.Interpreter()},
		{"elf32-msb", (&loadertest.Builder{
			Ident: loader.Ident{Class: elf.ELFCLASS32, Data: elf.ELFDATA2MSB, Version: elf.EV_CURRENT, OSABI: elf.ELFOSABI_LINUX},
			Type:  elf.ET_EXEC,
			Entry: 0x10074,
			Segments: []loadertest.Segment{
				{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x10000, Data: []byte{1, 2, 3}, Headers: true},
				{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x21000, Data: []byte{4}, Memsz: 0x40},
			},
		}).Build()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := openReader(t, tc.img.Bytes)
			if err != nil {
				t.Fatalf("NewReader failed: %v", err)
			}
			if diff := cmp.Diff(tc.img.Ident, r.Ident); diff != "" {
				t.Errorf("Ident mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tc.img.Header, r.Header); diff != "" {
				t.Errorf("Header mismatch (-want +got):\n%s", diff)
			}

			hb, err := loader.EncodeHeader(r.Ident, r.Header)
			if err != nil {
				t.Fatalf("EncodeHeader failed: %v", err)
			}
			if !bytes.Equal(hb, tc.img.Bytes[:len(hb)]) {
				t.Errorf("EncodeHeader = %x, want %x", hb, tc.img.Bytes[:len(hb)])
			}

			phdrs, err := r.ProgHeaders()
			if err != nil {
				t.Fatalf("ProgHeaders failed: %v", err)
			}
			if diff := cmp.Diff(tc.img.Phdrs, phdrs); diff != "" {
				t.Errorf("ProgHeaders mismatch (-want +got):\n%s", diff)
			}
			for i, p := range phdrs {
				pb, err := loader.EncodeProgHeader(r.Ident, p)
				if err != nil {
					t.Fatalf("EncodeProgHeader failed: %v", err)
				}
				off := int(r.Header.Phoff) + i*int(r.Header.Phentsize)
				if !bytes.Equal(pb, tc.img.Bytes[off:off+len(pb)]) {
					t.Errorf("EncodeProgHeader(%d) = %x, want %x", i, pb, tc.img.Bytes[off:off+len(pb)])
				}
			}
		})
	}
}

func TestBadMagic(t *testing.T) {
	good := loadertest.StaticHello().Bytes
	for _, data := range [][]byte{
		[]byte("#!/bin/sh\necho hello\n"),
		append([]byte("\x7fELG"), good[4:]...),
		append([]byte("\x00ELF"), good[4:]...),
		bytes.Repeat([]byte{0}, 64),
	} {
		if _, err := openReader(t, data); !errors.Is(err, loader.ErrInvalidFormat) {
			t.Errorf("NewReader(%q...) = %v, want %v", data[:4], err, loader.ErrInvalidFormat)
		}
	}
}

func TestTruncated(t *testing.T) {
	good := loadertest.StaticHello().Bytes
	for _, n := range []int{0, 3, 10, 17, 40, 63} {
		if _, err := openReader(t, good[:n]); !errors.Is(err, loader.ErrTruncatedHeader) {
			t.Errorf("NewReader(%d bytes) = %v, want %v", n, err, loader.ErrTruncatedHeader)
		}
	}

	// The header is complete but the program headers are cut short.
	r, err := openReader(t, good[:80])
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	if _, err := r.ProgHeader(0); !errors.Is(err, loader.ErrTruncatedHeader) {
		t.Errorf("ProgHeader(0) = %v, want %v", err, loader.ErrTruncatedHeader)
	}
	if _, err := r.ProgHeader(int(r.Header.Phnum)); !errors.Is(err, loader.ErrInvalidFormat) {
		t.Errorf("ProgHeader(phnum) = %v, want %v", err, loader.ErrInvalidFormat)
	}
}

func TestUnknownClass(t *testing.T) {
	data := append([]byte(nil), loadertest.StaticHello().Bytes...)
	data[elf.EI_CLASS] = 7
	if _, err := openReader(t, data); !errors.Is(err, loader.ErrUnsupportedVariant) {
		t.Errorf("NewReader = %v, want %v", err, loader.ErrUnsupportedVariant)
	}
}

func TestCheckLoadable(t *testing.T) {
	img := loadertest.StaticHello()
	size := uint64(len(img.Bytes))
	if err := loader.CheckLoadable(img.Ident, img.Header, size); err != nil {
		t.Fatalf("CheckLoadable(static hello) = %v", err)
	}

	for _, tc := range []struct {
		name   string
		mutate func(id *loader.Ident, h *loader.Header)
		want   error
	}{
		{"elf32", func(id *loader.Ident, h *loader.Header) { id.Class = elf.ELFCLASS32 }, loader.ErrUnsupportedVariant},
		{"big-endian", func(id *loader.Ident, h *loader.Header) { id.Data = elf.ELFDATA2MSB }, loader.ErrUnsupportedVariant},
		{"aarch64", func(id *loader.Ident, h *loader.Header) { h.Machine = elf.EM_AARCH64 }, loader.ErrUnsupportedVariant},
		{"relocatable", func(id *loader.Ident, h *loader.Header) { h.Type = elf.ET_REL }, loader.ErrInvalidFormat},
		{"core", func(id *loader.Ident, h *loader.Header) { h.Type = elf.ET_CORE }, loader.ErrInvalidFormat},
		{"phentsize", func(id *loader.Ident, h *loader.Header) { h.Phentsize = 32 }, loader.ErrInvalidFormat},
		{"no-phdrs", func(id *loader.Ident, h *loader.Header) { h.Phnum = 0 }, loader.ErrInvalidFormat},
		{"huge-table", func(id *loader.Ident, h *loader.Header) { h.Phnum = 0xffff }, loader.ErrInvalidFormat},
		{"table-past-eof", func(id *loader.Ident, h *loader.Header) { h.Phoff = size - 8 }, loader.ErrTruncatedHeader},
		{"table-offset-wraps", func(id *loader.Ident, h *loader.Header) { h.Phoff = ^uint64(0) - 8 }, loader.ErrTruncatedHeader},
	} {
		t.Run(tc.name, func(t *testing.T) {
			id, h := img.Ident, img.Header
			tc.mutate(&id, &h)
			if err := loader.CheckLoadable(id, h, size); !errors.Is(err, tc.want) {
				t.Errorf("CheckLoadable = %v, want %v", err, tc.want)
			}
		})
	}
}
