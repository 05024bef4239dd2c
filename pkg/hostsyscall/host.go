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

//go:build linux
// +build linux

package hostsyscall

import (
	"golang.org/x/sys/unix"
	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/hostarch"
)

// Host implements Kernel with real system calls.
type Host struct{}

// New returns the host gateway.
func New() *Host {
	return &Host{}
}

// translate converts an error returned by package unix into a linuxerr.
func translate(err error) error {
	if errno, ok := err.(unix.Errno); ok {
		return linuxerr.ErrorFromUnix(errno)
	}
	return err
}

// OpenAt implements Kernel.OpenAt.
func (*Host) OpenAt(dirfd int, path string, flags int) (int, error) {
	return RetryInterrupted("openat", func() (int, error) {
		fd, err := unix.Openat(dirfd, path, flags|unix.O_CLOEXEC, 0)
		return fd, translate(err)
	})
}

// Read implements Kernel.Read.
func (*Host) Read(fd int, buf []byte) (int, error) {
	return RetryInterrupted("read", func() (int, error) {
		n, err := unix.Read(fd, buf)
		return n, translate(err)
	})
}

// Seek implements Kernel.Seek.
func (*Host) Seek(fd int, offset int64, whence int) (int64, error) {
	return RetryInterrupted("lseek", func() (int64, error) {
		off, err := unix.Seek(fd, offset, whence)
		return off, translate(err)
	})
}

// Mmap implements Kernel.Mmap.
func (*Host) Mmap(addr hostarch.Addr, length uint64, prot, flags, fd int, off int64) (hostarch.Addr, error) {
	return RetryInterrupted("mmap", func() (hostarch.Addr, error) {
		r, _, errno := unix.Syscall6(unix.SYS_MMAP, uintptr(addr), uintptr(length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(off))
		if errno != 0 {
			return 0, linuxerr.ErrorFromUnix(errno)
		}
		return hostarch.Addr(r), nil
	})
}

// Mprotect implements Kernel.Mprotect.
func (*Host) Mprotect(addr hostarch.Addr, length uint64, prot int) error {
	_, err := RetryInterrupted("mprotect", func() (struct{}, error) {
		_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(addr), uintptr(length), uintptr(prot))
		return struct{}{}, linuxerr.ErrorFromUnix(errno)
	})
	return err
}

// Munmap implements Kernel.Munmap.
func (*Host) Munmap(addr hostarch.Addr, length uint64) error {
	_, err := RetryInterrupted("munmap", func() (struct{}, error) {
		_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(addr), uintptr(length), 0)
		return struct{}{}, linuxerr.ErrorFromUnix(errno)
	})
	return err
}

// Write implements Kernel.Write.
func (*Host) Write(fd int, buf []byte) (int, error) {
	return RetryInterrupted("write", func() (int, error) {
		n, err := unix.Write(fd, buf)
		return n, translate(err)
	})
}

// Close implements Kernel.Close.
//
// close(2) must not be retried on EINTR: the descriptor is already gone.
func (*Host) Close(fd int) error {
	return translate(unix.Close(fd))
}

// Exit implements Kernel.Exit.
func (*Host) Exit(code int) {
	unix.Exit(code)
}
