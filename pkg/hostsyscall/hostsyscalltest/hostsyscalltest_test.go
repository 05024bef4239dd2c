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

package hostsyscalltest

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/hostarch"
)

const anon = linux.MAP_PRIVATE | linux.MAP_ANONYMOUS

func TestNoReplace(t *testing.T) {
	k := New(nil)
	k.Occupy(hostarch.AddrRange{Start: 0x10000, End: 0x12000})

	if _, err := k.Mmap(0x11000, hostarch.PageSize, linux.PROT_NONE, anon|linux.MAP_FIXED_NOREPLACE, -1, 0); err != linuxerr.EEXIST {
		t.Errorf("Mmap over an existing mapping = %v, want EEXIST", err)
	}

	k.NoReplaceIsHint = true
	addr, err := k.Mmap(0x11000, hostarch.PageSize, linux.PROT_NONE, anon|linux.MAP_FIXED_NOREPLACE, -1, 0)
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	if addr == 0x11000 {
		t.Errorf("hint mapping landed on the occupied address")
	}
}

func TestMunmapSplits(t *testing.T) {
	k := New(nil)
	addr, err := k.Mmap(0, 4*hostarch.PageSize, linux.PROT_READ, anon, -1, 0)
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	if err := k.Munmap(addr+hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Fatalf("Munmap failed: %v", err)
	}
	want := []hostarch.AddrRange{
		{Start: addr, End: addr + hostarch.PageSize},
		{Start: addr + 2*hostarch.PageSize, End: addr + 4*hostarch.PageSize},
	}
	if diff := cmp.Diff(want, k.Mapped()); diff != "" {
		t.Errorf("Mapped() mismatch (-want +got):\n%s", diff)
	}
}

func TestMprotectPerPage(t *testing.T) {
	k := New(nil)
	addr, err := k.Mmap(0, 2*hostarch.PageSize, linux.PROT_NONE, anon, -1, 0)
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	if err := k.Mprotect(addr+hostarch.PageSize, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE); err != nil {
		t.Fatalf("Mprotect failed: %v", err)
	}
	if p, _ := k.Prot(addr); p != linux.PROT_NONE {
		t.Errorf("first page prot = %d, want PROT_NONE", p)
	}
	if p, _ := k.Prot(addr + hostarch.PageSize); p != linux.PROT_READ|linux.PROT_WRITE {
		t.Errorf("second page prot = %d, want rw", p)
	}
	if err := k.Mprotect(addr, 3*hostarch.PageSize, linux.PROT_READ); err != linuxerr.ENOMEM {
		t.Errorf("Mprotect past the mapping = %v, want ENOMEM", err)
	}
}

func TestFailAt(t *testing.T) {
	k := New(map[string][]byte{"/f": nil})
	k.FailAt = 2
	k.FailErr = linuxerr.ENOMEM
	if _, err := k.OpenAt(linux.AT_FDCWD, "/f", 0); err != nil {
		t.Fatalf("first step failed: %v", err)
	}
	if _, err := k.Mmap(0, 1, linux.PROT_NONE, anon, -1, 0); err != linuxerr.ENOMEM {
		t.Errorf("second step = %v, want ENOMEM", err)
	}
	if k.Steps != 2 {
		t.Errorf("Steps = %d, want 2", k.Steps)
	}
}

func TestSliceAliases(t *testing.T) {
	k := New(nil)
	addr, err := k.Mmap(0, hostarch.PageSize, linux.PROT_READ|linux.PROT_WRITE, anon, -1, 0)
	if err != nil {
		t.Fatalf("Mmap failed: %v", err)
	}
	copy(k.Slice(addr+8, 4), "elf!")
	if got := string(k.Slice(addr, 12)[8:]); got != "elf!" {
		t.Errorf("Slice = %q, want elf!", got)
	}
}

func TestExitPanics(t *testing.T) {
	k := New(nil)
	defer func() {
		r := recover()
		if r != (ExitPanic{Code: 3}) {
			t.Errorf("recover() = %v, want exit(3)", r)
		}
	}()
	k.Exit(3)
}
