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

// Package launch runs the loader pipeline: it loads a program and its
// interpreter, gives it an initial stack that describes it, and jumps to it.
//
// A Launcher moves through three states:
//
//	Loading --Prepare--> Mapped --Dispatch--> Dispatched
//	                     Mapped --Abandon---> Loading
//
// Dispatched has no outgoing transition: the launched program owns the
// process.
package launch

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/arch"
	"gvisor.dev/elfload/pkg/cleanup"
	"gvisor.dev/elfload/pkg/dispatch"
	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/hostsyscall"
	"gvisor.dev/elfload/pkg/loader"
	"gvisor.dev/elfload/pkg/log"
)

// State is the state of a Launcher.
type State int

const (
	// StateLoading is the initial state. Nothing is mapped.
	StateLoading State = iota

	// StateMapped means the images and the stack are in place.
	StateMapped

	// StateDispatched means control was transferred. It is final.
	StateDispatched
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case StateLoading:
		return "Loading"
	case StateMapped:
		return "Mapped"
	case StateDispatched:
		return "Dispatched"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Request describes a program to launch.
type Request struct {
	// Path is the program to load.
	Path string

	// Argv is the program's argument vector. If empty, it is {Path}.
	Argv []string

	// Self provides the environment and the auxiliary vector to pass on.
	Self *Self

	// StackSize is the size of the program's stack. Zero means
	// arch.DefaultStackSize.
	StackSize uint64

	Options loader.Options
}

// Plan is everything that was put in place for a launch.
type Plan struct {
	Result *loader.Result
	Stack  *arch.Stack
	Patch  arch.Patch

	// Target is the first instruction executed.
	Target hostarch.Addr
}

// Write prints a human readable description of p to w.
func (p *Plan) Write(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	images := []struct {
		name string
		img  *loader.Image
	}{{"program", p.Result.Program}, {"interpreter", p.Result.Interpreter}}
	for _, i := range images {
		if i.img == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\tbias %v\tentry %v\n", i.name, i.img.Path, i.img.Reservation, i.img.Bias, i.img.Entry)
		for _, pr := range i.img.Protections {
			fmt.Fprintf(tw, "\t\t%v\t%v\t\n", pr.Range, pr.Perms)
		}
	}
	fmt.Fprintf(tw, "stack\t\t%v\tsp %v\t\n", p.Stack.Region, p.Stack.SP())
	for _, e := range p.Stack.Auxv.Entries() {
		fmt.Fprintf(tw, "auxv\t%s\t%#x\t\t\n", linux.AuxvName(e.Key), e.Value)
	}
	fmt.Fprintf(tw, "target\t\t%v\t\t\n", p.Target)
	return tw.Flush()
}

// Launcher runs the pipeline on one kernel.
type Launcher struct {
	k     hostsyscall.Kernel
	d     *dispatch.Dispatcher
	state State
	plan  *Plan
}

// New returns a Launcher in state Loading.
func New(k hostsyscall.Kernel, d *dispatch.Dispatcher) *Launcher {
	return &Launcher{k: k, d: d}
}

// State returns the current state.
func (l *Launcher) State() State {
	return l.state
}

// Plan returns the current plan, or nil outside state Mapped.
func (l *Launcher) Plan() *Plan {
	return l.plan
}

func (l *Launcher) transition(from, to State) error {
	if l.state != from {
		return fmt.Errorf("launcher is %v, not %v", l.state, from)
	}
	log.Debugf("Launcher: %v -> %v", from, to)
	l.state = to
	return nil
}

// patchFor returns the auxiliary vector values describing res. execFn is the
// address of the program path on the stack.
func patchFor(res *loader.Result, execFn hostarch.Addr) arch.Patch {
	prog := res.Program
	return arch.Patch{
		PHdr:   uint64(prog.Phdr),
		PHent:  prog.Phent(),
		PHnum:  prog.Phnum(),
		Entry:  uint64(prog.Entry),
		ExecFn: uint64(execFn),
		Base:   uint64(res.Base()),
	}
}

// Prepare loads the program and builds its stack. On success the Launcher
// is in state Mapped; on failure nothing remains mapped and the state is
// unchanged.
func (l *Launcher) Prepare(ctx context.Context, req *Request) (*Plan, error) {
	if l.state != StateLoading {
		return nil, wrap("prepare", fmt.Errorf("launcher is %v", l.state))
	}
	if req.Path == "" {
		return nil, UsageError("no program path")
	}
	self := req.Self
	if self == nil {
		self = &Self{}
	}
	argv := req.Argv
	if len(argv) == 0 {
		argv = []string{req.Path}
	}
	size := req.StackSize
	if size == 0 {
		size = arch.DefaultStackSize
	}

	res, err := loader.Load(ctx, l.k, req.Path, req.Options)
	if err != nil {
		return nil, wrap("load", err)
	}
	cu := cleanup.Make(func() {
		if err := res.Unmap(l.k); err != nil {
			log.Warningf("Unable to unmap %q: %v", req.Path, err)
		}
	})
	defer cu.Clean()

	stack, err := arch.BuildStack(l.k, size, &arch.Init{
		Argv:         argv,
		Envv:         self.Env,
		ExecFn:       req.Path,
		Auxv:         self.Auxv,
		Random:       self.Random,
		Platform:     self.Platform,
		BasePlatform: self.BasePlatform,
	})
	if err != nil {
		return nil, wrap("stack", err)
	}

	p := patchFor(res, stack.ExecFn)
	if missing := stack.Auxv.Apply(p); len(missing) > 0 {
		log.Infof("Auxiliary vector lacks %d of the patched entries", len(missing))
	}
	plan := &Plan{
		Result: res,
		Stack:  stack,
		Patch:  p,
		Target: res.Target(),
	}
	if err := l.transition(StateLoading, StateMapped); err != nil {
		stack.Unmap(l.k)
		return nil, wrap("prepare", err)
	}
	cu.Release()
	l.plan = plan
	return plan, nil
}

// Abandon unmaps everything Prepare mapped and returns to state Loading.
func (l *Launcher) Abandon() error {
	if err := l.transition(StateMapped, StateLoading); err != nil {
		return wrap("abandon", err)
	}
	plan := l.plan
	l.plan = nil
	var firstErr error
	if err := plan.Stack.Unmap(l.k); err != nil {
		firstErr = err
	}
	if err := plan.Result.Unmap(l.k); err != nil && firstErr == nil {
		firstErr = err
	}
	return wrap("abandon", firstErr)
}

// Dispatch transfers control to the prepared program. It only returns if the
// jump could not be attempted, in which case the Launcher stays Mapped.
func (l *Launcher) Dispatch() error {
	if l.state != StateMapped {
		return wrap("dispatch", fmt.Errorf("launcher is %v, not %v", l.state, StateMapped))
	}
	if l.d == nil {
		return wrap("dispatch", dispatch.ErrUnsupported)
	}
	plan := l.plan
	// The transition is recorded before the jump, which does not return.
	l.state = StateDispatched
	log.Debugf("Launcher: %v -> %v", StateMapped, StateDispatched)
	if err := l.d.Dispatch(plan.Target, plan.Stack.SP()); err != nil {
		l.state = StateMapped
		return wrap("dispatch", err)
	}
	panic("unreachable")
}

// Launch prepares req and dispatches it. It only returns on failure, after
// unmapping whatever it mapped.
func Launch(ctx context.Context, k hostsyscall.Kernel, d *dispatch.Dispatcher, req *Request) error {
	l := New(k, d)
	if _, err := l.Prepare(ctx, req); err != nil {
		return err
	}
	err := l.Dispatch()
	if aerr := l.Abandon(); aerr != nil {
		log.Warningf("Unable to clean up after failed dispatch: %v", aerr)
	}
	return err
}
