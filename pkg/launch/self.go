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

package launch

import (
	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/arch"
	"gvisor.dev/elfload/pkg/hostarch"
)

// Self is the part of the loader's own initial state that is passed on to
// the launched program.
type Self struct {
	// Env is the environment.
	Env []string

	// Auxv is the auxiliary vector the kernel gave the loader, without the
	// terminator.
	Auxv []arch.AuxEntry

	// Random, Platform and BasePlatform are the data that AT_RANDOM,
	// AT_PLATFORM and AT_BASE_PLATFORM point to.
	Random       []byte
	Platform     string
	BasePlatform string
}

// maxAuxvString bounds the strings read through auxv pointers.
const maxAuxvString = 256

// snapshot builds a Self from a raw auxiliary vector. read returns the n
// bytes at addr.
func snapshot(env []string, raw [][2]uintptr, read func(addr uintptr, n int) []byte) *Self {
	s := &Self{Env: env}
	readString := func(addr uintptr) string {
		// The string may end less than maxAuxvString bytes before the end
		// of the stack; do not read past its page.
		n := maxAuxvString
		if toPage := int(hostarch.PageSize - addr%hostarch.PageSize); toPage < n {
			n = toPage
		}
		b := read(addr, n)
		for i, c := range b {
			if c == 0 {
				return string(b[:i])
			}
		}
		return string(b)
	}
	for _, kv := range raw {
		key, value := uint64(kv[0]), uint64(kv[1])
		if key == linux.AT_NULL {
			break
		}
		s.Auxv = append(s.Auxv, arch.AuxEntry{Key: key, Value: value})
		if value == 0 {
			continue
		}
		switch key {
		case linux.AT_RANDOM:
			s.Random = append([]byte(nil), read(kv[1], linux.AT_RANDOM_SIZE)...)
		case linux.AT_PLATFORM:
			s.Platform = readString(kv[1])
		case linux.AT_BASE_PLATFORM:
			s.BasePlatform = readString(kv[1])
		}
	}
	return s
}
