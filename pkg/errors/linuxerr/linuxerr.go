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

// Package linuxerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	"fmt"

	"golang.org/x/sys/unix"
	"gvisor.dev/elfload/pkg/errors"
)

// The following errors are semantically identical to Errno of type unix.Errno
// or sycall.Errno. However, since the type are distinct ( these are
// *errors.Error), they are not directly comperable. However, the Errno method
// returns an Errno number such that the error can be compared to unix/syscall.Errno
// (e.g. unix.Errno(EPERM.Errno()) == unix.EPERM is true). Converting unix/syscall.Errno
// to the errors should be done via the lookup methods provided.
var (
	noError *errors.Error = nil
	EPERM                 = errors.New(unix.EPERM, "operation not permitted")
	ENOENT                = errors.New(unix.ENOENT, "no such file or directory")
	EINTR                 = errors.New(unix.EINTR, "interrupted system call")
	EIO                   = errors.New(unix.EIO, "I/O error")
	ENXIO                 = errors.New(unix.ENXIO, "no such device or address")
	E2BIG                 = errors.New(unix.E2BIG, "argument list too long")
	ENOEXEC               = errors.New(unix.ENOEXEC, "exec format error")
	EBADF                 = errors.New(unix.EBADF, "bad file number")
	EAGAIN                = errors.New(unix.EAGAIN, "try again")
	ENOMEM                = errors.New(unix.ENOMEM, "out of memory")
	EACCES                = errors.New(unix.EACCES, "permission denied")
	EFAULT                = errors.New(unix.EFAULT, "bad address")
	EBUSY                 = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST                = errors.New(unix.EEXIST, "file exists")
	ENODEV                = errors.New(unix.ENODEV, "no such device")
	ENOTDIR               = errors.New(unix.ENOTDIR, "not a directory")
	EISDIR                = errors.New(unix.EISDIR, "is a directory")
	EINVAL                = errors.New(unix.EINVAL, "invalid argument")
	ENFILE                = errors.New(unix.ENFILE, "file table overflow")
	EMFILE                = errors.New(unix.EMFILE, "too many open files")
	ETXTBSY               = errors.New(unix.ETXTBSY, "text file busy")
	EFBIG                 = errors.New(unix.EFBIG, "file too large")
	ENOSPC                = errors.New(unix.ENOSPC, "no space left on device")
	ESPIPE                = errors.New(unix.ESPIPE, "illegal seek")
	EROFS                 = errors.New(unix.EROFS, "read-only file system")

	// Errno values from include/uapi/asm-generic/errno.h.
	ENAMETOOLONG = errors.New(unix.ENAMETOOLONG, "file name too long")
	ENOSYS       = errors.New(unix.ENOSYS, "invalid system call number")
	ELOOP        = errors.New(unix.ELOOP, "too many symbolic links encountered")
	EOVERFLOW    = errors.New(unix.EOVERFLOW, "value too large for defined data type")
	ELIBACC      = errors.New(unix.ELIBACC, "can not access a needed shared library")
	ELIBBAD      = errors.New(unix.ELIBBAD, "accessing a corrupted shared library")
	ELIBEXEC     = errors.New(unix.ELIBEXEC, "cannot exec a shared library directly")
	EOPNOTSUPP   = errors.New(unix.EOPNOTSUPP, "operation not supported on transport endpoint")

	// Errors equivalent to other errors.
	EWOULDBLOCK = EAGAIN
	ENOTSUP     = EOPNOTSUPP
)

// errorMap holds errors by errno for translation between unix.Errno and
// *errors.Error.
var errorMap = map[unix.Errno]*errors.Error{
	unix.EPERM:        EPERM,
	unix.ENOENT:       ENOENT,
	unix.EINTR:        EINTR,
	unix.EIO:          EIO,
	unix.ENXIO:        ENXIO,
	unix.E2BIG:        E2BIG,
	unix.ENOEXEC:      ENOEXEC,
	unix.EBADF:        EBADF,
	unix.EAGAIN:       EAGAIN,
	unix.ENOMEM:       ENOMEM,
	unix.EACCES:       EACCES,
	unix.EFAULT:       EFAULT,
	unix.EBUSY:        EBUSY,
	unix.EEXIST:       EEXIST,
	unix.ENODEV:       ENODEV,
	unix.ENOTDIR:      ENOTDIR,
	unix.EISDIR:       EISDIR,
	unix.EINVAL:       EINVAL,
	unix.ENFILE:       ENFILE,
	unix.EMFILE:       EMFILE,
	unix.ETXTBSY:      ETXTBSY,
	unix.EFBIG:        EFBIG,
	unix.ENOSPC:       ENOSPC,
	unix.ESPIPE:       ESPIPE,
	unix.EROFS:        EROFS,
	unix.ENAMETOOLONG: ENAMETOOLONG,
	unix.ENOSYS:       ENOSYS,
	unix.ELOOP:        ELOOP,
	unix.EOVERFLOW:    EOVERFLOW,
	unix.ELIBACC:      ELIBACC,
	unix.ELIBBAD:      ELIBBAD,
	unix.ELIBEXEC:     ELIBEXEC,
	unix.EOPNOTSUPP:   EOPNOTSUPP,
}

// ErrorFromUnix returns a linuxerr from a unix.Errno.
//
// Errnos the loader never expects are still returned as typed errors,
// carrying the host's description.
func ErrorFromUnix(err unix.Errno) error {
	if err == unix.Errno(0) {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return errors.New(err, fmt.Sprintf("%s (errno %d)", err.Error(), uintptr(err)))
}

// ToError converts a linuxerr to an error type.
func ToError(err *errors.Error) error {
	if err == noError {
		return nil
	}
	return err
}

// ToUnix converts a linuxerr to a unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	return unixErr
}

// Equals compars a linuxerr to a given error.
//
// err may be wrapped; it matches if any error in its chain is e, carries the
// same errno, or is the equivalent unix.Errno.
func Equals(e *errors.Error, err error) bool {
	var unixErr unix.Errno
	if e != noError {
		unixErr = e.Errno()
	}
	if err == nil {
		return e == noError
	}
	for err != nil {
		switch v := err.(type) {
		case *errors.Error:
			if v == e || (v != nil && e != noError && v.Errno() == unixErr) {
				return true
			}
		case unix.Errno:
			if v == unixErr {
				return true
			}
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
