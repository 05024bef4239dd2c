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

package launch

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// readSelf returns a view of n bytes of the loader's own memory at addr.
func readSelf(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Snapshot returns the loader's own environment and auxiliary vector.
func Snapshot() (*Self, error) {
	raw, err := unix.Auxv()
	if err != nil {
		return nil, err
	}
	return snapshot(os.Environ(), raw, readSelf), nil
}
