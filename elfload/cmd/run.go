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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/elfload/elfload/config"
	"gvisor.dev/elfload/pkg/dispatch"
	"gvisor.dev/elfload/pkg/hostsyscall"
	"gvisor.dev/elfload/pkg/launch"
	"gvisor.dev/elfload/pkg/log"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// dryRun stops before dispatch, prints the launch plan and unmaps it.
	dryRun bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "load an ELF program and transfer control to it"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <path> [args...] - load the program at <path> and run it.

The program receives <path> and args as its argument vector, the environment
of elfload and an auxiliary vector that describes the program itself.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&r.dryRun, "dry-run", false, "map the program and build its stack, print where everything went and exit without running it.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := r.config(args)
	k := hostsyscall.New()
	if f.NArg() < 1 {
		f.Usage()
		return fail(k, launch.UsageError("run needs a program path"))
	}
	argv := f.Args()
	dryRun := conf.DryRun

	self, err := launch.Snapshot()
	if err != nil {
		return fail(k, err)
	}
	d, err := dispatch.NewHost()
	if err != nil {
		if !dryRun {
			return fail(k, err)
		}
		log.Infof("Dry run without a dispatcher: %v", err)
	}

	l := launch.New(k, d)
	plan, err := l.Prepare(ctx, &launch.Request{
		Path:      argv[0],
		Argv:      argv,
		Self:      self,
		StackSize: uint64(conf.StackSize),
		Options:   conf.LoaderOptions(),
	})
	if err != nil {
		return fail(k, err)
	}

	if dryRun {
		werr := plan.Write(os.Stdout)
		if err := l.Abandon(); err != nil {
			return fail(k, err)
		}
		if werr != nil {
			return fail(k, werr)
		}
		return subcommands.ExitSuccess
	}

	log.Infof("Dispatching %q at %v", argv[0], plan.Target)
	err = l.Dispatch()
	if aerr := l.Abandon(); aerr != nil {
		log.Warningf("Unable to clean up after failed dispatch: %v", aerr)
	}
	return fail(k, err)
}

// config returns the configuration for this run, with --dry-run applied.
func (r *Run) config(args []any) *config.Config {
	conf := configFrom(args)
	if r.dryRun {
		conf.DryRun = true
	}
	return conf
}

// fail reports err and exits. The return value is only used with kernels
// whose Exit returns.
func fail(k hostsyscall.Kernel, err error) subcommands.ExitStatus {
	log.Warningf("Launch failed (%v): %v", launch.Classify(err), err)
	launch.Fail(k, err)
	return subcommands.ExitFailure
}
