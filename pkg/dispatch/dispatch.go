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

// Package dispatch transfers control from the loader to a loaded program.
//
// Dispatch is the last thing the loader does. On success it never returns:
// the Go runtime, its goroutines and its heap are abandoned in place, and the
// program owns the thread from its first instruction.
//
// The other threads of the Go runtime stay parked in the same process. A
// launched program that ends with exit(2) rather than exit_group(2) stops only
// its own thread, and the process lingers until those threads are killed.
package dispatch

import (
	"errors"
	"fmt"

	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/log"
)

// ErrUnsupported is returned when dispatch is not implemented for the host
// architecture.
var ErrUnsupported = errors.New("entry dispatch is only supported on linux/amd64")

// Registers is the register state at program entry. Every general purpose
// register not named here is zero, except R11, which holds Rip during the
// jump.
type Registers struct {
	Rip uint64
	Rsp uint64
}

// String implements fmt.Stringer.String.
func (r Registers) String() string {
	return fmt.Sprintf("rip=%#x rsp=%#x", r.Rip, r.Rsp)
}

// NewRegisters returns the entry registers for a jump to target with the
// stack at sp. The stack pointer is aligned down to the ABI stack alignment.
func NewRegisters(target, sp hostarch.Addr) Registers {
	aligned := sp.AlignDown(hostarch.StackAlignment)
	if aligned != sp {
		log.Warningf("Stack pointer %v is not %d-byte aligned, using %v", sp, hostarch.StackAlignment, aligned)
	}
	return Registers{Rip: uint64(target), Rsp: uint64(aligned)}
}

// Jumper performs the final control transfer.
type Jumper interface {
	// Jump loads regs and jumps to regs.Rip. It does not return.
	Jump(regs Registers)
}

// SignalResetter restores execve signal semantics.
type SignalResetter interface {
	// Reset is called on the dispatching thread just before the jump.
	Reset() error
}

// Dispatcher transfers control to a loaded program.
type Dispatcher struct {
	Jumper  Jumper
	Signals SignalResetter
}

// Dispatch jumps to target with the stack at sp. It returns only if the
// thread could not be prepared for the jump. A Jumper that returns is a
// programming error and panics.
func (d *Dispatcher) Dispatch(target, sp hostarch.Addr) error {
	regs := NewRegisters(target, sp)
	if d.Signals != nil {
		if err := d.Signals.Reset(); err != nil {
			return fmt.Errorf("resetting signal state: %w", err)
		}
	}
	log.Infof("Dispatching: %v", regs)
	d.Jumper.Jump(regs)
	panic(fmt.Sprintf("jump to %v returned", regs))
}
