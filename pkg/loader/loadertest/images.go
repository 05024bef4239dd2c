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

package loadertest

import (
	"debug/elf"
)

// helloCode is write(1, msg, 6); exit_group(0) followed by "hello\n". The
// message address is patched by StaticHello.
//
// The program shares the process with the loader's parked runtime threads, so
// exit(2) would end only the dispatching thread and leave the process running.
var helloCode = []byte{
	0xb8, 0x01, 0x00, 0x00, 0x00,       // mov $1, %eax
	0xbf, 0x01, 0x00, 0x00, 0x00,       // mov $1, %edi
	0x48, 0xbe, 0, 0, 0, 0, 0, 0, 0, 0, // movabs $msg, %rsi
	0xba, 0x06, 0x00, 0x00, 0x00,       // mov $6, %edx
	0x0f, 0x05,                         // syscall
	0xb8, 0xe7, 0x00, 0x00, 0x00,       // mov $231, %eax
	0x31, 0xff,                         // xor %edi, %edi
	0x0f, 0x05,                         // syscall
	'h', 'e', 'l', 'l', 'o', '\n',
}

// StaticHelloVaddr is the link address of StaticHello.
const StaticHelloVaddr = 0x400000

// StaticHello returns a statically linked, non-PIE image with one RWX
// PT_LOAD covering the headers, code and data, and a PT_GNU_STACK entry.
func StaticHello() *Image {
	b := &Builder{
		Type: elf.ET_EXEC,
		Segments: []Segment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W | elf.PF_X, Vaddr: StaticHelloVaddr, Headers: true},
			{Type: elf.PT_GNU_STACK, Flags: elf.PF_R | elf.PF_W, Align: 16},
		},
	}
	// The code follows the program headers; lay out once to find where.
	layout := b.Build()
	codeVaddr := StaticHelloVaddr + uint64(len(layout.Bytes))
	code := append([]byte(nil), helloCode...)
	msg := codeVaddr + uint64(len(code)) - 6
	for i := 0; i < 8; i++ {
		code[12+i] = byte(msg >> (8 * i))
	}
	b.Segments[0].Data = code
	b.Entry = codeVaddr
	return b.Build()
}

// PIE returns a position independent image linked at zero with separate
// text and data segments that share a page, a PT_PHDR entry and, if interp
// is not empty, a PT_INTERP naming it.
func PIE(interp string) *Image {
	text := make([]byte, 0x1800)
	for i := range text {
		text[i] = 0x90 // nop
	}
	data := []byte("initialized data")
	b := &Builder{
		Type:   elf.ET_DYN,
		Interp: interp,
		Phdr:   true,
		Entry:  0x1000,
		Segments: []Segment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Data: text, Headers: true},
			// Starts in the page where text ends.
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x1a00, Data: data, Memsz: 0x2000},
			{Type: elf.PT_GNU_STACK, Flags: elf.PF_R | elf.PF_W, Align: 16},
		},
	}
	return b.Build()
}

// Interpreter returns a position independent image usable as a dynamic
// linker: one RX and one RW segment, no PT_INTERP.
func Interpreter() *Image {
	text := make([]byte, 0x300)
	for i := range text {
		text[i] = 0xcc // int3
	}
	b := &Builder{
		Type:  elf.ET_DYN,
		Entry: 0x200,
		Segments: []Segment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0, Data: text, Headers: true},
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: 0x1000, Data: []byte{1, 2, 3, 4}, Memsz: 0x100},
		},
	}
	return b.Build()
}
