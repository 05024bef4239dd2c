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

// Package hostsyscalltest provides an in-memory hostsyscall.Kernel for tests.
//
// The fake keeps files as byte slices and the address space as a sorted list
// of anonymous regions with per-page protections. It can inject a failure at
// the k-th countable operation and EINTR on any operation.
package hostsyscalltest

import (
	"bytes"
	"fmt"
	"sort"

	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/hostsyscall"
)

// Op names an operation of the fake kernel.
type Op string

// Operations.
const (
	OpOpenAt   Op = "openat"
	OpRead     Op = "read"
	OpSeek     Op = "lseek"
	OpMmap     Op = "mmap"
	OpMprotect Op = "mprotect"
	OpMunmap   Op = "munmap"
	OpWrite    Op = "write"
	OpClose    Op = "close"
)

// countedOps are the operations that advance Steps and can be failed with
// FailAt. munmap and close are excluded: they are rollback paths.
var countedOps = map[Op]bool{
	OpOpenAt:   true,
	OpRead:     true,
	OpSeek:     true,
	OpMmap:     true,
	OpMprotect: true,
}

// mmapBase is where the fake places mappings without a usable hint.
const mmapBase hostarch.Addr = 0x7f00_0000_0000

// ExitPanic is the value Exit panics with, so that callers never continue
// past a terminal exit.
type ExitPanic struct {
	Code int
}

// region is one contiguous mapping.
type region struct {
	start hostarch.Addr
	data  []byte
	prot  []int
}

func (r *region) end() hostarch.Addr {
	return r.start + hostarch.Addr(len(r.data))
}

func (r *region) addrRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: r.start, End: r.end()}
}

type openFile struct {
	data []byte
	pos  int64
}

// Kernel is a fake hostsyscall.Kernel.
type Kernel struct {
	// Files maps absolute paths to file contents.
	Files map[string][]byte

	// FailAt, if non-zero, makes the FailAt-th counted operation fail with
	// FailErr (linuxerr.EIO if nil).
	FailAt  int
	FailErr error

	// Steps counts the counted operations performed so far.
	Steps int

	// Interrupts is the number of EINTR results to deliver per operation
	// before it succeeds.
	Interrupts map[Op]int

	// NoReplaceIsHint makes MAP_FIXED_NOREPLACE behave like a hint, as on
	// kernels older than 4.17.
	NoReplaceIsHint bool

	// Stdout and Stderr collect writes to fds 1 and 2.
	Stdout bytes.Buffer
	Stderr bytes.Buffer

	// Ops records every operation in order.
	Ops []Op

	fds     map[int]*openFile
	nextFD  int
	regions []*region
}

// New returns a fake kernel serving files.
func New(files map[string][]byte) *Kernel {
	if files == nil {
		files = make(map[string][]byte)
	}
	return &Kernel{
		Files:      files,
		Interrupts: make(map[Op]int),
		fds:        make(map[int]*openFile),
		nextFD:     3,
	}
}

var _ hostsyscall.Kernel = (*Kernel)(nil)

// enter records op and applies fault and EINTR injection.
func (k *Kernel) enter(op Op) error {
	k.Ops = append(k.Ops, op)
	if k.Interrupts[op] > 0 {
		k.Interrupts[op]--
		return linuxerr.EINTR
	}
	if !countedOps[op] {
		return nil
	}
	k.Steps++
	if k.FailAt != 0 && k.Steps == k.FailAt {
		if k.FailErr != nil {
			return k.FailErr
		}
		return linuxerr.EIO
	}
	return nil
}

// OpenAt implements hostsyscall.Kernel.OpenAt.
func (k *Kernel) OpenAt(dirfd int, path string, flags int) (int, error) {
	return hostsyscall.RetryInterrupted(string(OpOpenAt), func() (int, error) {
		if err := k.enter(OpOpenAt); err != nil {
			return -1, err
		}
		if len(path) == 0 {
			return -1, linuxerr.ENOENT
		}
		if path[0] != '/' && dirfd != linux.AT_FDCWD {
			return -1, linuxerr.EBADF
		}
		data, ok := k.Files[path]
		if !ok {
			return -1, linuxerr.ENOENT
		}
		fd := k.nextFD
		k.nextFD++
		k.fds[fd] = &openFile{data: data}
		return fd, nil
	})
}

// Read implements hostsyscall.Kernel.Read.
func (k *Kernel) Read(fd int, buf []byte) (int, error) {
	return hostsyscall.RetryInterrupted(string(OpRead), func() (int, error) {
		if err := k.enter(OpRead); err != nil {
			return 0, err
		}
		f, ok := k.fds[fd]
		if !ok {
			return 0, linuxerr.EBADF
		}
		if f.pos >= int64(len(f.data)) {
			return 0, nil
		}
		n := copy(buf, f.data[f.pos:])
		f.pos += int64(n)
		return n, nil
	})
}

// Seek implements hostsyscall.Kernel.Seek.
func (k *Kernel) Seek(fd int, offset int64, whence int) (int64, error) {
	return hostsyscall.RetryInterrupted(string(OpSeek), func() (int64, error) {
		if err := k.enter(OpSeek); err != nil {
			return 0, err
		}
		f, ok := k.fds[fd]
		if !ok {
			return 0, linuxerr.EBADF
		}
		var pos int64
		switch whence {
		case linux.SEEK_SET:
			pos = offset
		case linux.SEEK_CUR:
			pos = f.pos + offset
		case linux.SEEK_END:
			pos = int64(len(f.data)) + offset
		default:
			return 0, linuxerr.EINVAL
		}
		if pos < 0 {
			return 0, linuxerr.EINVAL
		}
		f.pos = pos
		return pos, nil
	})
}

// Write implements hostsyscall.Kernel.Write.
func (k *Kernel) Write(fd int, buf []byte) (int, error) {
	return hostsyscall.RetryInterrupted(string(OpWrite), func() (int, error) {
		if err := k.enter(OpWrite); err != nil {
			return 0, err
		}
		switch fd {
		case 1:
			return k.Stdout.Write(buf)
		case 2:
			return k.Stderr.Write(buf)
		default:
			return 0, linuxerr.EBADF
		}
	})
}

// Close implements hostsyscall.Kernel.Close.
func (k *Kernel) Close(fd int) error {
	if err := k.enter(OpClose); err != nil {
		return err
	}
	if _, ok := k.fds[fd]; !ok {
		return linuxerr.EBADF
	}
	delete(k.fds, fd)
	return nil
}

// Exit implements hostsyscall.Kernel.Exit by panicking with ExitPanic.
func (k *Kernel) Exit(code int) {
	panic(ExitPanic{Code: code})
}

// OpenFDs returns the number of descriptors currently open.
func (k *Kernel) OpenFDs() int {
	return len(k.fds)
}

// String implements fmt.Stringer.String.
func (p ExitPanic) String() string {
	return fmt.Sprintf("exit(%d)", p.Code)
}

// sortRegions keeps regions ordered by start address.
func (k *Kernel) sortRegions() {
	sort.Slice(k.regions, func(i, j int) bool {
		return k.regions[i].start < k.regions[j].start
	})
}
