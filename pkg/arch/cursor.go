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

// Package arch describes the initial process stack on x86-64: the argc,
// argv, envp and auxiliary vector words the kernel leaves for a new program.
//
// All access to stack memory goes through Cursor, which never reads or writes
// outside the span it was created with.
package arch

import (
	"encoding/binary"
	"errors"
	"fmt"

	"gvisor.dev/elfload/pkg/hostarch"
)

// ErrStackBounds is returned for stack accesses outside a Cursor's span.
var ErrStackBounds = errors.New("stack access out of bounds")

// ErrMalformedStack is returned when a stack does not have the initial
// process stack layout.
var ErrMalformedStack = errors.New("malformed initial stack")

// byteOrder is the byte order of stack words.
var byteOrder = binary.LittleEndian

// Cursor reads and writes words within a fixed span of memory.
//
// The span starts at address Base. The cursor position only matters for
// ReadWord and WriteWord; the *At methods take explicit addresses.
type Cursor struct {
	mem  []byte
	base hostarch.Addr
	pos  hostarch.Addr
}

// NewCursor returns a cursor over mem, which lives at address base. The
// cursor is positioned at base.
func NewCursor(mem []byte, base hostarch.Addr) *Cursor {
	return &Cursor{mem: mem, base: base, pos: base}
}

// Range returns the span of the cursor.
func (c *Cursor) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: c.base, End: c.base + hostarch.Addr(len(c.mem))}
}

// Pos returns the current position.
func (c *Cursor) Pos() hostarch.Addr {
	return c.pos
}

// Seek moves the cursor to addr, which may be the end of the span.
func (c *Cursor) Seek(addr hostarch.Addr) error {
	if _, err := c.offset(addr, 0); err != nil {
		return err
	}
	c.pos = addr
	return nil
}

// offset returns the index of addr in mem, after checking that n bytes at
// addr lie within the span.
func (c *Cursor) offset(addr hostarch.Addr, n uint64) (int, error) {
	if addr < c.base {
		return 0, fmt.Errorf("%w: %v+%#x below %v", ErrStackBounds, addr, n, c.Range())
	}
	off := uint64(addr - c.base)
	if off > uint64(len(c.mem)) || n > uint64(len(c.mem))-off {
		return 0, fmt.Errorf("%w: %v+%#x past %v", ErrStackBounds, addr, n, c.Range())
	}
	return int(off), nil
}

// WordAt returns the word at addr.
func (c *Cursor) WordAt(addr hostarch.Addr) (uint64, error) {
	off, err := c.offset(addr, hostarch.WordSize)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint64(c.mem[off:]), nil
}

// SetWordAt stores v at addr.
func (c *Cursor) SetWordAt(addr hostarch.Addr, v uint64) error {
	off, err := c.offset(addr, hostarch.WordSize)
	if err != nil {
		return err
	}
	byteOrder.PutUint64(c.mem[off:], v)
	return nil
}

// ReadWord returns the word at the cursor and advances past it.
func (c *Cursor) ReadWord() (uint64, error) {
	v, err := c.WordAt(c.pos)
	if err != nil {
		return 0, err
	}
	c.pos += hostarch.WordSize
	return v, nil
}

// WriteWord stores v at the cursor and advances past it.
func (c *Cursor) WriteWord(v uint64) error {
	if err := c.SetWordAt(c.pos, v); err != nil {
		return err
	}
	c.pos += hostarch.WordSize
	return nil
}

// CopyOutAt copies b to addr.
func (c *Cursor) CopyOutAt(addr hostarch.Addr, b []byte) error {
	off, err := c.offset(addr, uint64(len(b)))
	if err != nil {
		return err
	}
	copy(c.mem[off:], b)
	return nil
}

// BytesAt returns a copy of the n bytes at addr.
func (c *Cursor) BytesAt(addr hostarch.Addr, n uint64) ([]byte, error) {
	off, err := c.offset(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), c.mem[off:off+int(n)]...), nil
}

// StringAt returns the NUL-terminated string at addr. The terminator must be
// within the span.
func (c *Cursor) StringAt(addr hostarch.Addr) (string, error) {
	off, err := c.offset(addr, 0)
	if err != nil {
		return "", err
	}
	for i := off; i < len(c.mem); i++ {
		if c.mem[i] == 0 {
			return string(c.mem[off:i]), nil
		}
	}
	return "", fmt.Errorf("%w: string at %v is not terminated", ErrStackBounds, addr)
}
