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

package linux

const (
	// SignalMaximum is the highest valid signal number.
	SignalMaximum = 64

	// FirstRTSignal is the lowest real-time signal number.
	FirstRTSignal = 32
)

// Signal is a signal number.
type Signal int

// IsValid returns true if s is a valid standard or realtime signal.
func (s Signal) IsValid() bool {
	return s > 0 && s <= SignalMaximum
}

// IsRealtime returns true if s is a realtime signal.
//
// Preconditions: s.IsValid().
func (s Signal) IsRealtime() bool {
	return s >= FirstRTSignal
}

// Signals whose disposition cannot be changed.
const (
	SIGKILL = Signal(9)
	SIGSTOP = Signal(19)
)

// SignalSetSize is the size in bytes of a signal mask.
const SignalSetSize = 8

// Signal dispositions.
const (
	// SIG_DFL performs the default action.
	SIG_DFL = 0

	// SIG_IGN ignores the signal.
	SIG_IGN = 1
)

// Signal action flags for rt_sigaction(2).
const (
	SA_SIGINFO  = 0x00000004
	SA_RESTORER = 0x04000000
	SA_ONSTACK  = 0x08000000
	SA_RESTART  = 0x10000000
)

// SigAction is the kernel struct sigaction on amd64.
type SigAction struct {
	Handler  uint64
	Flags    uint64
	Restorer uint64
	Mask     uint64
}

// SignalStack is the kernel stack_t on amd64.
type SignalStack struct {
	Addr  uint64
	Flags uint32
	_     uint32
	Size  uint64
}

// SS_DISABLE disables the alternate signal stack.
const SS_DISABLE = 2
