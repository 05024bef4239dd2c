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
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/subcommands"
	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/launch"
)

// Auxv implements subcommands.Command for the "auxv" command.
type Auxv struct {
	output string
}

// AuxvEntry is one printed auxiliary vector entry.
type AuxvEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`

	// Data is what the entry points to, for entries that point to strings
	// or to the random bytes.
	Data string `json:"data,omitempty"`
}

// Name implements subcommands.Command.Name.
func (*Auxv) Name() string {
	return "auxv"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Auxv) Synopsis() string {
	return "print the auxiliary vector elfload was started with"
}

// Usage implements subcommands.Command.Usage.
func (*Auxv) Usage() string {
	return `auxv [flags] - print the auxiliary vector that is passed on to launched programs.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Auxv) SetFlags(f *flag.FlagSet) {
	f.StringVar(&a.output, "o", "table", "Output format (table, json).")
}

// Execute implements subcommands.Command.Execute.
func (a *Auxv) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	self, err := launch.Snapshot()
	if err != nil {
		Fatalf("reading auxiliary vector: %v", err)
	}
	entries := auxvEntries(self)
	switch a.output {
	case "table":
		err = outputAuxvTable(os.Stdout, entries)
	case "json":
		e := json.NewEncoder(os.Stdout)
		e.SetIndent("", "  ")
		err = e.Encode(entries)
	default:
		Fatalf("Unsupported output format %q", a.output)
	}
	if err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

func auxvEntries(self *launch.Self) []AuxvEntry {
	entries := make([]AuxvEntry, 0, len(self.Auxv))
	for _, e := range self.Auxv {
		entry := AuxvEntry{
			Name:  linux.AuxvName(e.Key),
			Value: hex(e.Value),
		}
		switch e.Key {
		case linux.AT_PLATFORM:
			entry.Data = self.Platform
		case linux.AT_BASE_PLATFORM:
			entry.Data = self.BasePlatform
		case linux.AT_RANDOM:
			entry.Data = fmt.Sprintf("%x", self.Random)
		}
		entries = append(entries, entry)
	}
	return entries
}

func outputAuxvTable(w io.Writer, entries []AuxvEntry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		if _, err := fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Value, e.Data); err != nil {
			return err
		}
	}
	return tw.Flush()
}
