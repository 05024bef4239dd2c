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
	"unsafe"

	"gvisor.dev/elfload/pkg/hostarch"
)

// Slice implements Kernel.Slice.
//
// The memory is not managed by the Go runtime; the returned slice stays valid
// until the range is unmapped.
func (*Host) Slice(addr hostarch.Addr, length uint64) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}
