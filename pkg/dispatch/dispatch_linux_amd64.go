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

//go:build linux && amd64
// +build linux,amd64

package dispatch

import (
	"runtime"
	"runtime/debug"

	"gvisor.dev/elfload/pkg/sighandling"
)

// jump loads rsp, clears every other general purpose register and jumps to
// rip. It is implemented in jump_amd64.s.
//
//go:noescape
func jump(rip, rsp uintptr)

// hostJumper jumps on the calling thread.
type hostJumper struct{}

// Jump implements Jumper.Jump.
func (hostJumper) Jump(regs Registers) {
	// The collector must not run, and the thread must not be handed to
	// another goroutine, once the stack pointer leaves the Go stack.
	runtime.LockOSThread()
	debug.SetGCPercent(-1)
	jump(uintptr(regs.Rip), uintptr(regs.Rsp))
}

// hostSignals resets the signal state of the host process.
type hostSignals struct{}

// Reset implements SignalResetter.Reset.
func (hostSignals) Reset() error {
	runtime.LockOSThread()
	return sighandling.Reset()
}

// NewHost returns a Dispatcher that jumps on the calling thread.
func NewHost() (*Dispatcher, error) {
	return &Dispatcher{Jumper: hostJumper{}, Signals: hostSignals{}}, nil
}
