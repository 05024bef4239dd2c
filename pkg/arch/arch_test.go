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

package arch_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/arch"
	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/hostsyscall/hostsyscalltest"
)

const stackBase hostarch.Addr = 0x7ffd00000000

// kernelStack lays out args, env and auxv at stackBase the way the kernel
// does, with the strings following the auxiliary vector. auxv must not
// include the terminator.
func kernelStack(args, env []string, auxv []arch.AuxEntry) *arch.Cursor {
	nwords := 1 + len(args) + 1 + len(env) + 1 + 2*(len(auxv)+1)
	strs := stackBase + hostarch.Addr(nwords*hostarch.WordSize)

	var words []uint64
	var blob []byte
	pushStrings := func(ss []string) {
		for _, s := range ss {
			words = append(words, uint64(strs)+uint64(len(blob)))
			blob = append(blob, s...)
			blob = append(blob, 0)
		}
		words = append(words, 0)
	}
	words = append(words, uint64(len(args)))
	pushStrings(args)
	pushStrings(env)
	for _, e := range auxv {
		words = append(words, e.Key, e.Value)
	}
	words = append(words, linux.AT_NULL, 0)

	mem := make([]byte, 0, nwords*hostarch.WordSize+len(blob))
	for _, w := range words {
		mem = binary.LittleEndian.AppendUint64(mem, w)
	}
	mem = append(mem, blob...)
	return arch.NewCursor(mem, stackBase)
}

func TestCursorBounds(t *testing.T) {
	mem := make([]byte, 32)
	copy(mem[24:], "abc")
	c := arch.NewCursor(mem, stackBase)

	if err := c.SetWordAt(stackBase+16, 0x1122334455667788); err != nil {
		t.Fatalf("SetWordAt failed: %v", err)
	}
	if v, err := c.WordAt(stackBase + 16); err != nil || v != 0x1122334455667788 {
		t.Errorf("WordAt = %#x, %v", v, err)
	}
	if s, err := c.StringAt(stackBase + 24); err != nil || s != "abc" {
		t.Errorf("StringAt = %q, %v", s, err)
	}

	for _, tc := range []struct {
		name string
		fn   func() error
	}{
		{"word-past-end", func() error { _, err := c.WordAt(stackBase + 25); return err }},
		{"word-below-start", func() error { _, err := c.WordAt(stackBase - 8); return err }},
		{"set-past-end", func() error { return c.SetWordAt(stackBase+32, 1) }},
		{"copy-past-end", func() error { return c.CopyOutAt(stackBase+30, []byte("xyz")) }},
		{"seek-past-end", func() error { return c.Seek(stackBase + 33) }},
		{"read-at-end", func() error {
			if err := c.Seek(stackBase + 32); err != nil {
				return err
			}
			_, err := c.ReadWord()
			return err
		}},
		{"unterminated-string", func() error {
			copy(mem[28:], "wxyz")
			_, err := c.StringAt(stackBase + 28)
			return err
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.fn(); !errors.Is(err, arch.ErrStackBounds) {
				t.Errorf("got %v, want %v", err, arch.ErrStackBounds)
			}
		})
	}
}

func TestParseLayout(t *testing.T) {
	args := []string{"/bin/true", "-v"}
	env := []string{"HOME=/root", "TERM=dumb", "X="}
	auxv := []arch.AuxEntry{
		{Key: linux.AT_PAGESZ, Value: hostarch.PageSize},
		{Key: linux.AT_ENTRY, Value: 0x401000},
	}
	c := kernelStack(args, env, auxv)

	l, err := arch.ParseLayout(c, stackBase)
	if err != nil {
		t.Fatalf("ParseLayout failed: %v", err)
	}
	gotArgs, err := l.Args(c)
	if err != nil {
		t.Fatalf("Args failed: %v", err)
	}
	gotEnv, err := l.Env(c)
	if err != nil {
		t.Fatalf("Env failed: %v", err)
	}
	if diff := cmp.Diff(args, gotArgs); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(env, gotEnv); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}
	if want := stackBase + hostarch.Addr(8*(1+3+4)); l.AuxvStart != want {
		t.Errorf("AuxvStart = %v, want %v", l.AuxvStart, want)
	}
	av, err := l.Auxv(c)
	if err != nil {
		t.Fatalf("Auxv failed: %v", err)
	}
	if diff := cmp.Diff(auxv, av.Entries()); diff != "" {
		t.Errorf("auxv mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLayoutMalformed(t *testing.T) {
	good := kernelStack([]string{"a"}, nil, []arch.AuxEntry{{Key: linux.AT_PAGESZ, Value: 4096}})
	mem, err := good.BytesAt(stackBase, uint64(good.Range().Length()))
	if err != nil {
		t.Fatalf("BytesAt failed: %v", err)
	}

	for _, tc := range []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{
			name: "argc-too-big",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b, 2)
				return b
			},
			want: arch.ErrMalformedStack,
		},
		{
			name: "no-auxv-terminator",
			mutate: func(b []byte) []byte {
				// Cut the stack in the middle of the terminator.
				return b[:8*(1+2+1+2)+4]
			},
			want: arch.ErrMalformedStack,
		},
		{
			name: "truncated-argv",
			mutate: func(b []byte) []byte {
				return b[:8]
			},
			want: arch.ErrStackBounds,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := arch.NewCursor(tc.mutate(append([]byte(nil), mem...)), stackBase)
			l, err := arch.ParseLayout(c, stackBase)
			if err == nil {
				_, err = l.Auxv(c)
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestAuxvGetSet(t *testing.T) {
	c := kernelStack([]string{"prog"}, nil, []arch.AuxEntry{
		{Key: linux.AT_PHDR, Value: 0x400040},
		{Key: linux.AT_ENTRY, Value: 0x401000},
		{Key: linux.AT_UID, Value: 1000},
	})
	l, err := arch.ParseLayout(c, stackBase)
	if err != nil {
		t.Fatalf("ParseLayout failed: %v", err)
	}
	av, err := l.Auxv(c)
	if err != nil {
		t.Fatalf("Auxv failed: %v", err)
	}

	for _, key := range []uint64{linux.AT_PHDR, linux.AT_ENTRY, linux.AT_UID} {
		want := uint64(0xdead0000) + key
		if !av.Set(key, want) {
			t.Errorf("Set(%s) = false, want true", linux.AuxvName(key))
		}
		if got, ok := av.Get(key); !ok || got != want {
			t.Errorf("Get(%s) = %#x, %t, want %#x, true", linux.AuxvName(key), got, ok, want)
		}
	}

	before := av.Entries()
	for _, key := range []uint64{linux.AT_BASE, linux.AT_RANDOM, linux.AT_NULL} {
		if v, ok := av.Get(key); ok {
			t.Errorf("Get(%s) = %#x, true, want not found", linux.AuxvName(key), v)
		}
		if av.Set(key, 1) {
			t.Errorf("Set(%s) = true on an absent entry", linux.AuxvName(key))
		}
	}
	if diff := cmp.Diff(before, av.Entries()); diff != "" {
		t.Errorf("Set of absent entries changed the vector (-want +got):\n%s", diff)
	}
	if av.Len() != 3 {
		t.Errorf("Len = %d, want 3", av.Len())
	}
}

func TestApplyPatch(t *testing.T) {
	const (
		base  = 0x555555554000
		phoff = 0x40
		entry = 0x7ffff7a00200
	)
	unknown := []arch.AuxEntry{
		{Key: linux.AT_SYSINFO_EHDR, Value: 0x7fff12345000},
		{Key: linux.AT_HWCAP, Value: 0x178bfbff},
		{Key: 0x7777, Value: 0x0123456789abcdef},
		{Key: linux.AT_IGNORE, Value: 0xfeed},
	}
	auxv := []arch.AuxEntry{
		unknown[0],
		{Key: linux.AT_PHDR, Value: 0x10040},
		{Key: linux.AT_PHENT, Value: 56},
		unknown[1],
		{Key: linux.AT_PHNUM, Value: 9},
		{Key: linux.AT_BASE, Value: 0x7f0000000000},
		unknown[2],
		{Key: linux.AT_ENTRY, Value: 0x11000},
		{Key: linux.AT_EXECFN, Value: 0x7ffdffffff00},
		unknown[3],
	}
	c := kernelStack([]string{"/loader", "/target"}, []string{"A=1"}, auxv)
	l, err := arch.ParseLayout(c, stackBase)
	if err != nil {
		t.Fatalf("ParseLayout failed: %v", err)
	}
	av, err := l.Auxv(c)
	if err != nil {
		t.Fatalf("Auxv failed: %v", err)
	}
	before, err := c.BytesAt(stackBase, c.Range().Length())
	if err != nil {
		t.Fatalf("BytesAt failed: %v", err)
	}
	end := av.End()

	p := arch.Patch{
		PHdr:   base + phoff,
		PHent:  56,
		PHnum:  4,
		Entry:  entry,
		ExecFn: uint64(l.Argv[1]),
		Base:   0,
	}
	if missing := av.Apply(p); len(missing) != 0 {
		t.Errorf("Apply reported missing entries %v", missing)
	}

	for _, e := range p.Entries() {
		if got, ok := av.Get(e.Key); !ok || got != e.Value {
			t.Errorf("%s = %#x, %t, want %#x", linux.AuxvName(e.Key), got, ok, e.Value)
		}
	}
	if got, _ := av.Get(linux.AT_PHDR); got != base+phoff {
		t.Errorf("AT_PHDR = %#x, want base+phoff %#x", got, base+phoff)
	}
	if got, _ := av.Get(linux.AT_EXECFN); got != uint64(l.Argv[1]) {
		t.Errorf("AT_EXECFN = %#x, want argv[1] %v", got, l.Argv[1])
	}
	if s, err := c.StringAt(hostarch.Addr(p.ExecFn)); err != nil || s != "/target" {
		t.Errorf("AT_EXECFN string = %q, %v", s, err)
	}

	// Only the value words of patched entries may differ.
	after, err := c.BytesAt(stackBase, c.Range().Length())
	if err != nil {
		t.Fatalf("BytesAt failed: %v", err)
	}
	patched := make(map[int]bool)
	for i, e := range auxv {
		for _, pe := range p.Entries() {
			if e.Key == pe.Key {
				valueOff := int(l.AuxvStart-stackBase) + i*16 + 8
				patched[valueOff] = true
			}
		}
	}
	for off := 0; off < len(before); off += 8 {
		if patched[off] {
			continue
		}
		if !bytes.Equal(before[off:off+8], after[off:off+8]) {
			t.Errorf("word at offset %#x changed: %x -> %x", off, before[off:off+8], after[off:off+8])
		}
	}

	if av.End() != end {
		t.Errorf("terminator moved from %v to %v", end, av.End())
	}
	if k, _ := c.WordAt(end); k != linux.AT_NULL {
		t.Errorf("word at terminator is %#x", k)
	}
}

func TestApplyPatchMissing(t *testing.T) {
	c := kernelStack([]string{"p"}, nil, []arch.AuxEntry{
		{Key: linux.AT_PHDR, Value: 1},
		{Key: linux.AT_ENTRY, Value: 2},
	})
	l, err := arch.ParseLayout(c, stackBase)
	if err != nil {
		t.Fatalf("ParseLayout failed: %v", err)
	}
	av, err := l.Auxv(c)
	if err != nil {
		t.Fatalf("Auxv failed: %v", err)
	}
	missing := av.Apply(arch.Patch{PHdr: 0x400040, Entry: 0x401000})
	want := []uint64{linux.AT_PHENT, linux.AT_PHNUM, linux.AT_EXECFN, linux.AT_BASE}
	if diff := cmp.Diff(want, missing); diff != "" {
		t.Errorf("missing mismatch (-want +got):\n%s", diff)
	}
	if av.Len() != 2 {
		t.Errorf("Apply grew the vector to %d entries", av.Len())
	}
}

func TestBuildStack(t *testing.T) {
	k := hostsyscalltest.New(nil)
	random := []byte("0123456789abcdef")
	in := &arch.Init{
		Argv:   []string{"/bin/hello", "world"},
		Envv:   []string{"PATH=/bin", "LANG=C"},
		ExecFn: "/bin/hello",
		Auxv: []arch.AuxEntry{
			{Key: linux.AT_SYSINFO_EHDR, Value: 0x7fff00001000},
			{Key: linux.AT_PAGESZ, Value: hostarch.PageSize},
			{Key: linux.AT_PHDR, Value: 0x10040},
			{Key: linux.AT_RANDOM, Value: 0x7ffc00000010},
			{Key: linux.AT_PLATFORM, Value: 0x7ffc00000020},
			{Key: linux.AT_EXECFN, Value: 0x7ffc00000030},
			{Key: linux.AT_NULL},
			{Key: linux.AT_UID, Value: 1},
		},
		Random:   random,
		Platform: "x86_64",
	}
	s, err := arch.BuildStack(k, 64<<10, in)
	if err != nil {
		t.Fatalf("BuildStack failed: %v", err)
	}

	if s.SP()%hostarch.StackAlignment != 0 {
		t.Errorf("SP %v is not %d-byte aligned", s.SP(), hostarch.StackAlignment)
	}
	if !s.Region.Contains(s.SP()) {
		t.Errorf("SP %v outside stack %v", s.SP(), s.Region)
	}

	// The stack must parse from fresh memory views.
	c := arch.NewCursor(k.Slice(s.Region.Start, s.Region.Length()), s.Region.Start)
	l, err := arch.ParseLayout(c, s.SP())
	if err != nil {
		t.Fatalf("ParseLayout failed: %v", err)
	}
	args, err := l.Args(c)
	if err != nil {
		t.Fatalf("Args failed: %v", err)
	}
	env, err := l.Env(c)
	if err != nil {
		t.Fatalf("Env failed: %v", err)
	}
	if diff := cmp.Diff(in.Argv, args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(in.Envv, env); diff != "" {
		t.Errorf("env mismatch (-want +got):\n%s", diff)
	}

	av, err := l.Auxv(c)
	if err != nil {
		t.Fatalf("Auxv failed: %v", err)
	}
	if av.Len() != 6 {
		t.Errorf("auxv has %d entries, want 6: %v", av.Len(), av.Entries())
	}
	for _, key := range []uint64{linux.AT_SYSINFO_EHDR, linux.AT_PAGESZ, linux.AT_PHDR} {
		got, _ := av.Get(key)
		var want uint64
		for _, e := range in.Auxv {
			if e.Key == key {
				want = e.Value
			}
		}
		if got != want {
			t.Errorf("%s = %#x, want it copied as %#x", linux.AuxvName(key), got, want)
		}
	}
	if _, ok := av.Get(linux.AT_UID); ok {
		t.Errorf("entries after AT_NULL were copied")
	}

	rnd, _ := av.Get(linux.AT_RANDOM)
	if b, err := c.BytesAt(hostarch.Addr(rnd), linux.AT_RANDOM_SIZE); err != nil || !bytes.Equal(b, random) {
		t.Errorf("AT_RANDOM bytes = %q, %v", b, err)
	}
	plat, _ := av.Get(linux.AT_PLATFORM)
	if str, err := c.StringAt(hostarch.Addr(plat)); err != nil || str != "x86_64" {
		t.Errorf("AT_PLATFORM = %q, %v", str, err)
	}
	execfn, _ := av.Get(linux.AT_EXECFN)
	if hostarch.Addr(execfn) != s.ExecFn {
		t.Errorf("AT_EXECFN = %#x, want %v", execfn, s.ExecFn)
	}
	if str, err := c.StringAt(s.ExecFn); err != nil || str != "/bin/hello" {
		t.Errorf("AT_EXECFN string = %q, %v", str, err)
	}

	if err := s.Unmap(k); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if m := k.Mapped(); len(m) != 0 {
		t.Errorf("Unmap left %v mapped", m)
	}
}

func TestBuildStackTooSmall(t *testing.T) {
	k := hostsyscalltest.New(nil)
	big := string(bytes.Repeat([]byte{'x'}, 2*hostarch.PageSize))
	_, err := arch.BuildStack(k, hostarch.PageSize, &arch.Init{
		Argv:   []string{"/bin/true"},
		Envv:   []string{"BIG=" + big},
		ExecFn: "/bin/true",
	})
	if !linuxerr.Equals(linuxerr.E2BIG, err) {
		t.Errorf("BuildStack = %v, want E2BIG", err)
	}
	if m := k.Mapped(); len(m) != 0 {
		t.Errorf("failed BuildStack left %v mapped", m)
	}
}

func TestBuildStackMmapFailure(t *testing.T) {
	k := hostsyscalltest.New(nil)
	k.FailAt = 1
	k.FailErr = linuxerr.ENOMEM
	if _, err := arch.BuildStack(k, arch.DefaultStackSize, &arch.Init{}); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("BuildStack = %v, want ENOMEM", err)
	}
}
