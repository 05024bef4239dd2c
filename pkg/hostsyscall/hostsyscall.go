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

// Package hostsyscall is the narrow gateway between the loader and the host
// kernel.
//
// Every operation the loader performs on its own address space or on the
// image files goes through Kernel, so that tests can substitute an in-memory
// implementation (see hostsyscalltest). Failures are *errors.Error values from
// package linuxerr.
package hostsyscall

import (
	"fmt"
	"io"

	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/hostarch"
)

// Kernel is the set of primitive host operations used by the loader.
//
// Implementations retry EINTR internally; any error returned is final.
type Kernel interface {
	// OpenAt opens path relative to dirfd.
	OpenAt(dirfd int, path string, flags int) (int, error)

	// Read reads up to len(buf) bytes from the current file position.
	Read(fd int, buf []byte) (int, error)

	// Seek repositions the file offset of fd.
	Seek(fd int, offset int64, whence int) (int64, error)

	// Mmap creates a mapping and returns its address.
	Mmap(addr hostarch.Addr, length uint64, prot, flags, fd int, off int64) (hostarch.Addr, error)

	// Mprotect changes the protection of [addr, addr+length).
	Mprotect(addr hostarch.Addr, length uint64, prot int) error

	// Munmap removes the mappings in [addr, addr+length).
	Munmap(addr hostarch.Addr, length uint64) error

	// Write writes buf to fd. It is only used for diagnostics.
	Write(fd int, buf []byte) (int, error)

	// Close closes fd.
	Close(fd int) error

	// Exit terminates the process. It does not return on a real kernel.
	Exit(code int)

	// Slice returns a byte view of mapped memory at [addr, addr+length).
	// The range must be mapped and accessible for the requested use.
	Slice(addr hostarch.Addr, length uint64) []byte
}

// ReadFull reads exactly len(buf) bytes from fd's current position.
//
// A short read returns io.ErrUnexpectedEOF, or io.EOF if nothing was read.
func ReadFull(k Kernel, fd int, buf []byte) error {
	done := 0
	for done < len(buf) {
		n, err := k.Read(fd, buf[done:])
		if err != nil {
			return err
		}
		if n == 0 {
			if done == 0 {
				return io.EOF
			}
			return io.ErrUnexpectedEOF
		}
		done += n
	}
	return nil
}

// ReadAt seeks fd to off and reads exactly len(buf) bytes.
func ReadAt(k Kernel, fd int, off int64, buf []byte) error {
	pos, err := k.Seek(fd, off, linux.SEEK_SET)
	if err != nil {
		return err
	}
	if pos != off {
		return fmt.Errorf("seek to %#x landed at %#x", off, pos)
	}
	return ReadFull(k, fd, buf)
}

// FileSize returns the size of fd by seeking to its end. The file position
// is left at the end of the file.
func FileSize(k Kernel, fd int) (uint64, error) {
	end, err := k.Seek(fd, 0, linux.SEEK_END)
	if err != nil {
		return 0, err
	}
	return uint64(end), nil
}

// WriteString writes all of s to fd, ignoring errors. It is the diagnostic
// sink used when the process is about to exit.
func WriteString(k Kernel, fd int, s string) {
	b := []byte(s)
	for len(b) > 0 {
		n, err := k.Write(fd, b)
		if err != nil || n <= 0 {
			return
		}
		b = b[n:]
	}
}
