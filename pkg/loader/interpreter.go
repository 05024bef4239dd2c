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

package loader

import (
	"bytes"
	"debug/elf"
	"fmt"

	"gvisor.dev/elfload/pkg/hostsyscall"
	"gvisor.dev/elfload/pkg/log"
)

// maxInterpPathLength is the maximum length of a PT_INTERP path, including
// the terminating NUL. It is PATH_MAX in Linux.
const maxInterpPathLength = 4096

// InterpreterError is returned when the interpreter named by PT_INTERP
// cannot be loaded. No part of the launch survives it.
type InterpreterError struct {
	Path string
	Err  error
}

// Error implements error.Error.
func (e *InterpreterError) Error() string {
	return fmt.Sprintf("loading interpreter %q: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *InterpreterError) Unwrap() error {
	return e.Err
}

// interpreterPath returns the path named by the PT_INTERP entry of phdrs, or
// "" if there is none.
//
// From the ELF specification: the segment holds a null-terminated path name,
// and may occur at most once.
func interpreterPath(k hostsyscall.Kernel, fd int, phdrs []elf.ProgHeader, size uint64) (string, error) {
	var interp *elf.ProgHeader
	for i, phdr := range phdrs {
		if phdr.Type != elf.PT_INTERP {
			continue
		}
		if interp != nil {
			return "", fmt.Errorf("%w: more than one PT_INTERP", ErrBadInterpreter)
		}
		interp = &phdrs[i]
	}
	if interp == nil {
		return "", nil
	}

	if interp.Filesz < 2 {
		// Must hold at least one character and the NUL.
		return "", fmt.Errorf("%w: PT_INTERP path too small: %d", ErrBadInterpreter, interp.Filesz)
	}
	if interp.Filesz > maxInterpPathLength {
		return "", fmt.Errorf("%w: PT_INTERP path too big: %d", ErrBadInterpreter, interp.Filesz)
	}
	if end := interp.Off + interp.Filesz; end < interp.Off || end > size {
		return "", fmt.Errorf("%w: PT_INTERP path [%#x, %#x) beyond end of file %#x", ErrBadInterpreter, interp.Off, end, size)
	}

	path := make([]byte, interp.Filesz)
	if err := hostsyscall.ReadAt(k, fd, int64(interp.Off), path); err != nil {
		return "", fmt.Errorf("reading PT_INTERP path: %w", err)
	}

	// Linux requires the path to end in NUL, and stops at the first one.
	// We reject interior NULs instead of silently truncating.
	if path[len(path)-1] != 0 {
		return "", fmt.Errorf("%w: PT_INTERP path not NUL-terminated", ErrBadInterpreter)
	}
	path = path[:len(path)-1]
	if i := bytes.IndexByte(path, 0); i >= 0 {
		return "", fmt.Errorf("%w: PT_INTERP path %q has a NUL at %d", ErrBadInterpreter, path[:i], i)
	}
	log.Infof("Found PT_INTERP %q", path)
	return string(path), nil
}
