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

package arch

import (
	"fmt"

	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/hostarch"
)

// Layout locates the parts of an initial process stack:
//
//	SP ->	argc
//		argv[0] ... argv[argc-1], 0
//		envp[0] ... envp[n-1], 0
//		auxv (type, value) pairs, (AT_NULL, 0)
//
// A Layout only describes the stack; it does not own it.
type Layout struct {
	// SP is the address of argc.
	SP hostarch.Addr

	// Argv and Envp are the string pointers, without terminators.
	Argv []hostarch.Addr
	Envp []hostarch.Addr

	// AuxvStart is the address of the first auxv pair.
	AuxvStart hostarch.Addr
}

// readVector reads pointers until a zero word.
func readVector(c *Cursor) ([]hostarch.Addr, error) {
	var v []hostarch.Addr
	for {
		w, err := c.ReadWord()
		if err != nil {
			return nil, err
		}
		if w == 0 {
			return v, nil
		}
		v = append(v, hostarch.Addr(w))
	}
}

// ParseLayout parses the initial stack at sp. Every word read must lie
// within c's span.
func ParseLayout(c *Cursor, sp hostarch.Addr) (*Layout, error) {
	if err := c.Seek(sp); err != nil {
		return nil, err
	}
	argc, err := c.ReadWord()
	if err != nil {
		return nil, fmt.Errorf("reading argc: %w", err)
	}
	argv, err := readVector(c)
	if err != nil {
		return nil, fmt.Errorf("reading argv: %w", err)
	}
	if uint64(len(argv)) != argc {
		return nil, fmt.Errorf("%w: argc is %d but argv has %d entries", ErrMalformedStack, argc, len(argv))
	}
	envp, err := readVector(c)
	if err != nil {
		return nil, fmt.Errorf("reading envp: %w", err)
	}
	return &Layout{
		SP:        sp,
		Argv:      argv,
		Envp:      envp,
		AuxvStart: c.Pos(),
	}, nil
}

// Args returns the argument strings.
func (l *Layout) Args(c *Cursor) ([]string, error) {
	return readStrings(c, l.Argv)
}

// Env returns the environment strings.
func (l *Layout) Env(c *Cursor) ([]string, error) {
	return readStrings(c, l.Envp)
}

func readStrings(c *Cursor, ptrs []hostarch.Addr) ([]string, error) {
	ss := make([]string, 0, len(ptrs))
	for _, p := range ptrs {
		s, err := c.StringAt(p)
		if err != nil {
			return nil, err
		}
		ss = append(ss, s)
	}
	return ss, nil
}

// Auxv returns a view of the auxiliary vector of the stack.
func (l *Layout) Auxv(c *Cursor) (*Auxv, error) {
	return ParseAuxv(c, l.AuxvStart)
}

// AuxEntry is one auxiliary vector pair.
type AuxEntry struct {
	Key   uint64
	Value uint64
}

// String implements fmt.Stringer.String.
func (e AuxEntry) String() string {
	return fmt.Sprintf("%s=%#x", linux.AuxvName(e.Key), e.Value)
}

// Auxv is an in-place view of an auxiliary vector in memory owned by someone
// else. Its size is fixed: values can be replaced, but entries are never
// added or removed.
type Auxv struct {
	c     *Cursor
	start hostarch.Addr

	// n is the number of pairs before the AT_NULL terminator.
	n int
}

const auxEntrySize = 2 * hostarch.WordSize

// ParseAuxv returns a view of the vector at start. The AT_NULL terminator
// must be within c's span.
func ParseAuxv(c *Cursor, start hostarch.Addr) (*Auxv, error) {
	a := &Auxv{c: c, start: start}
	for addr := start; ; addr += auxEntrySize {
		key, err := c.WordAt(addr)
		if err != nil {
			return nil, fmt.Errorf("%w: auxv at %v has no terminator: %v", ErrMalformedStack, start, err)
		}
		// The value of the terminator must be readable too.
		if _, err := c.WordAt(addr + hostarch.WordSize); err != nil {
			return nil, fmt.Errorf("%w: auxv at %v has no terminator: %v", ErrMalformedStack, start, err)
		}
		if key == linux.AT_NULL {
			return a, nil
		}
		a.n++
	}
}

// Len returns the number of entries, not counting the terminator.
func (a *Auxv) Len() int {
	return a.n
}

// Start returns the address of the first entry.
func (a *Auxv) Start() hostarch.Addr {
	return a.start
}

// End returns the address of the terminator.
func (a *Auxv) End() hostarch.Addr {
	return a.start + hostarch.Addr(a.n*auxEntrySize)
}

// entry returns the pair at index i < a.n. The range was checked by ParseAuxv.
func (a *Auxv) entry(i int) AuxEntry {
	addr := a.start + hostarch.Addr(i*auxEntrySize)
	key, _ := a.c.WordAt(addr)
	value, _ := a.c.WordAt(addr + hostarch.WordSize)
	return AuxEntry{Key: key, Value: value}
}

// find returns the index of the first entry of type key.
func (a *Auxv) find(key uint64) (int, bool) {
	for i := 0; i < a.n; i++ {
		if a.entry(i).Key == key {
			return i, true
		}
	}
	return 0, false
}

// Get returns the value of the first entry of type key. ok is false if there
// is none.
func (a *Auxv) Get(key uint64) (value uint64, ok bool) {
	i, ok := a.find(key)
	if !ok {
		return 0, false
	}
	return a.entry(i).Value, true
}

// Set replaces the value of the first entry of type key and returns true.
// If there is no such entry, Set does nothing and returns false: the vector
// cannot grow in place.
func (a *Auxv) Set(key, value uint64) bool {
	i, ok := a.find(key)
	if !ok {
		return false
	}
	a.c.SetWordAt(a.start+hostarch.Addr(i*auxEntrySize)+hostarch.WordSize, value)
	return true
}

// Entries returns a copy of the entries, not including the terminator.
func (a *Auxv) Entries() []AuxEntry {
	es := make([]AuxEntry, a.n)
	for i := range es {
		es[i] = a.entry(i)
	}
	return es
}
