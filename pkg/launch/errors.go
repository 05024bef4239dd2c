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
	"errors"
	"fmt"

	"gvisor.dev/elfload/pkg/hostsyscall"
	"gvisor.dev/elfload/pkg/loader"
)

// Class is a failure class. Each class has its own exit status.
type Class int

const (
	// ClassResource covers failures of the host: mapping, protection,
	// reads and seeks.
	ClassResource Class = iota

	// ClassUsage is a bad command line.
	ClassUsage

	// ClassFormat is a program that is not a loadable ELF64 executable.
	ClassFormat

	// ClassInterpreter is any failure that concerns the interpreter.
	ClassInterpreter
)

// String implements fmt.Stringer.String.
func (c Class) String() string {
	switch c {
	case ClassResource:
		return "resource"
	case ClassUsage:
		return "usage"
	case ClassFormat:
		return "format"
	case ClassInterpreter:
		return "interpreter"
	default:
		return fmt.Sprintf("Class(%d)", int(c))
	}
}

// ExitStatus returns the process exit status for failures of class c.
func (c Class) ExitStatus() int {
	switch c {
	case ClassUsage:
		return 2
	case ClassFormat:
		return 3
	case ClassInterpreter:
		return 5
	default:
		return 4
	}
}

// Error is a classified launch failure.
type Error struct {
	Class Class

	// Op is the pipeline step that failed.
	Op string

	Err error
}

// Error implements error.Error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

var formatErrors = []error{
	loader.ErrInvalidFormat,
	loader.ErrTruncatedHeader,
	loader.ErrUnsupportedVariant,
	loader.ErrBadSegment,
	loader.ErrBadInterpreter,
}

// Classify returns the failure class of err.
func Classify(err error) Class {
	var le *Error
	if errors.As(err, &le) {
		return le.Class
	}
	var ie *loader.InterpreterError
	if errors.As(err, &ie) {
		return ClassInterpreter
	}
	for _, f := range formatErrors {
		if errors.Is(err, f) {
			return ClassFormat
		}
	}
	return ClassResource
}

// wrap classifies err as a failure of op. It returns nil if err is nil.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Class: Classify(err), Op: op, Err: err}
}

// UsageError returns a usage failure.
func UsageError(format string, v ...any) error {
	return &Error{Class: ClassUsage, Op: "usage", Err: fmt.Errorf(format, v...)}
}

// Fail reports err on standard error through k and exits with the status of
// its class. It does not return on a real kernel.
func Fail(k hostsyscall.Kernel, err error) {
	hostsyscall.WriteString(k, 2, fmt.Sprintf("elfload: %v\n", err))
	k.Exit(Classify(err).ExitStatus())
}
