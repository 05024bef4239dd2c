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

package arch

import (
	"fmt"

	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/cleanup"
	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/hostsyscall"
	"gvisor.dev/elfload/pkg/log"
)

// DefaultStackSize is the size of a stack made by BuildStack, matching the
// default Linux stack rlimit.
const DefaultStackSize = 8 << 20

const stackFlags = linux.MAP_PRIVATE | linux.MAP_ANONYMOUS | linux.MAP_NORESERVE | linux.MAP_STACK

// Init is the content of a new initial stack.
type Init struct {
	Argv []string
	Envv []string

	// ExecFn is the program path.
	ExecFn string

	// Auxv is copied in order up to its first AT_NULL entry. The values of
	// AT_EXECFN, AT_RANDOM, AT_PLATFORM and AT_BASE_PLATFORM are replaced
	// with the addresses of the copies of ExecFn, Random, Platform and
	// BasePlatform on the new stack, when those are set.
	Auxv []AuxEntry

	Random       []byte
	Platform     string
	BasePlatform string
}

// Stack is an initial process stack built by BuildStack.
type Stack struct {
	// Region is the mapping holding the stack.
	Region hostarch.AddrRange

	// Cursor spans Region.
	Cursor *Cursor

	Layout *Layout
	Auxv   *Auxv

	// ExecFn is the address of the program path string.
	ExecFn hostarch.Addr
}

// SP returns the initial stack pointer.
func (s *Stack) SP() hostarch.Addr {
	return s.Layout.SP
}

// Unmap releases the stack.
func (s *Stack) Unmap(k hostsyscall.Kernel) error {
	return k.Munmap(s.Region.Start, s.Region.Length())
}

// BuildStack maps a stack of size bytes and lays in out on it the way
// Linux does for execve: strings and auxv payloads at the top, then, below
// them and 16-byte aligned, argc, argv, envp and the auxiliary vector.
func BuildStack(k hostsyscall.Kernel, size uint64, in *Init) (*Stack, error) {
	size, ok := hostarch.PageRoundUp(size)
	if !ok || size == 0 {
		return nil, fmt.Errorf("invalid stack size %#x: %w", size, linuxerr.EINVAL)
	}
	addr, err := k.Mmap(0, size, linux.PROT_READ|linux.PROT_WRITE, stackFlags, -1, 0)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x byte stack: %w", size, err)
	}
	region := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(size)}
	cu := cleanup.Make(func() {
		if err := k.Munmap(region.Start, region.Length()); err != nil {
			log.Warningf("Unable to unmap stack %v: %v", region, err)
		}
	})
	defer cu.Clean()

	c := NewCursor(k.Slice(region.Start, size), region.Start)
	top := region.End
	push := func(b []byte) (hostarch.Addr, error) {
		if uint64(len(b)) > uint64(top-region.Start) {
			return 0, fmt.Errorf("stack %v too small: %w", region, linuxerr.E2BIG)
		}
		top -= hostarch.Addr(len(b))
		return top, c.CopyOutAt(top, b)
	}
	pushString := func(s string) (hostarch.Addr, error) {
		return push(append([]byte(s), 0))
	}

	// End marker.
	if _, err := push(make([]byte, hostarch.WordSize)); err != nil {
		return nil, err
	}
	execFn, err := pushString(in.ExecFn)
	if err != nil {
		return nil, err
	}
	envp := make([]hostarch.Addr, len(in.Envv))
	for i := len(in.Envv) - 1; i >= 0; i-- {
		if envp[i], err = pushString(in.Envv[i]); err != nil {
			return nil, err
		}
	}
	argv := make([]hostarch.Addr, len(in.Argv))
	for i := len(in.Argv) - 1; i >= 0; i-- {
		if argv[i], err = pushString(in.Argv[i]); err != nil {
			return nil, err
		}
	}

	payloads := map[uint64]hostarch.Addr{linux.AT_EXECFN: execFn}
	if in.Platform != "" {
		if payloads[linux.AT_PLATFORM], err = pushString(in.Platform); err != nil {
			return nil, err
		}
	}
	if in.BasePlatform != "" {
		if payloads[linux.AT_BASE_PLATFORM], err = pushString(in.BasePlatform); err != nil {
			return nil, err
		}
	}
	if len(in.Random) > 0 {
		if payloads[linux.AT_RANDOM], err = push(in.Random); err != nil {
			return nil, err
		}
	}

	var auxv []AuxEntry
	for _, e := range in.Auxv {
		if e.Key == linux.AT_NULL {
			break
		}
		if p, ok := payloads[e.Key]; ok {
			e.Value = uint64(p)
		}
		auxv = append(auxv, e)
	}
	auxv = append(auxv, AuxEntry{Key: linux.AT_NULL})

	words := make([]uint64, 0, 3+len(argv)+len(envp)+2*len(auxv))
	words = append(words, uint64(len(argv)))
	for _, p := range argv {
		words = append(words, uint64(p))
	}
	words = append(words, 0)
	for _, p := range envp {
		words = append(words, uint64(p))
	}
	words = append(words, 0)
	for _, e := range auxv {
		words = append(words, e.Key, e.Value)
	}

	top = top.AlignDown(hostarch.StackAlignment)
	need := uint64(len(words)) * hostarch.WordSize
	if need > uint64(top-region.Start) {
		return nil, fmt.Errorf("stack %v too small for %d words: %w", region, len(words), linuxerr.E2BIG)
	}
	sp := (top - hostarch.Addr(need)).AlignDown(hostarch.StackAlignment)
	if err := c.Seek(sp); err != nil {
		return nil, err
	}
	for _, w := range words {
		if err := c.WriteWord(w); err != nil {
			return nil, err
		}
	}

	layout, err := ParseLayout(c, sp)
	if err != nil {
		return nil, err
	}
	av, err := layout.Auxv(c)
	if err != nil {
		return nil, err
	}
	log.Debugf("Built stack in %v: sp %v, %d args, %d env, %d auxv entries", region, sp, len(argv), len(envp), av.Len())

	cu.Release()
	return &Stack{
		Region: region,
		Cursor: c,
		Layout: layout,
		Auxv:   av,
		ExecFn: execFn,
	}, nil
}
