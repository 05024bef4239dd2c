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

// Package sighandling resets the signal state of the process before control
// leaves the Go runtime for good.
package sighandling

import (
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/log"
)

// getAction returns the current action for sig.
func getAction(sig linux.Signal) (linux.SigAction, error) {
	var sa linux.SigAction
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), 0, uintptr(unsafe.Pointer(&sa)), linux.SignalSetSize, 0, 0); e != 0 {
		return sa, e
	}
	return sa, nil
}

// setAction installs sa for sig.
func setAction(sig linux.Signal, sa *linux.SigAction) error {
	if _, _, e := unix.RawSyscall6(unix.SYS_RT_SIGACTION, uintptr(sig), uintptr(unsafe.Pointer(sa)), 0, linux.SignalSetSize, 0, 0); e != 0 {
		return e
	}
	return nil
}

// ResetCaught restores the default action of every signal that has a
// handler installed. Ignored signals stay ignored, as they do across
// execve. It returns the number of signals reset.
func ResetCaught() (int, error) {
	n := 0
	for sig := linux.Signal(1); sig.IsValid(); sig++ {
		if sig == linux.SIGKILL || sig == linux.SIGSTOP {
			continue
		}
		sa, err := getAction(sig)
		if err != nil {
			if err == unix.EINVAL && sig.IsRealtime() {
				// Reserved by the C library.
				continue
			}
			return n, err
		}
		if sa.Handler == linux.SIG_DFL || sa.Handler == linux.SIG_IGN {
			continue
		}
		dfl := linux.SigAction{Handler: linux.SIG_DFL}
		if err := setAction(sig, &dfl); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// DisableAltStack disables the alternate signal stack of the calling thread.
func DisableAltStack() error {
	ss := linux.SignalStack{Flags: linux.SS_DISABLE}
	if _, _, e := unix.RawSyscall(unix.SYS_SIGALTSTACK, uintptr(unsafe.Pointer(&ss)), 0, 0); e != 0 {
		return e
	}
	return nil
}

// Reset puts the signal state of the calling thread in the state execve
// leaves it in. The thread must be locked.
func Reset() error {
	n, err := ResetCaught()
	if err != nil {
		return err
	}
	if err := DisableAltStack(); err != nil {
		return err
	}
	log.Debugf("Reset %d signal handlers to SIG_DFL", n)
	return nil
}
