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

// Package cmd holds implementations of the elfload commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/elfload/elfload/config"
	"gvisor.dev/elfload/pkg/log"
)

// Fatalf logs the same message to the debug log and to stderr, and exits
// with a usage status.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL: %s", msg)
	fmt.Fprintf(os.Stderr, "elfload: %s\n", msg)
	os.Exit(int(subcommands.ExitUsageError))
}

// configFrom returns a copy of the Config passed to Execute by cli.Main.
// Commands may apply their own flags to the copy.
func configFrom(args []any) *config.Config {
	if len(args) == 0 {
		Fatalf("no configuration passed to command")
	}
	conf, ok := args[0].(*config.Config)
	if !ok {
		Fatalf("unexpected command argument %T", args[0])
	}
	return conf.Clone()
}
