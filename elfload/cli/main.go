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

// Package cli is the main entrypoint for elfload.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/subcommands"
	"gvisor.dev/elfload/elfload/cmd"
	"gvisor.dev/elfload/elfload/config"
	"gvisor.dev/elfload/pkg/log"
)

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Version is the elfload version, set with -ldflags at link time.
var Version = "unknown"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Are we showing the version?
	if flag.Lookup(versionFlagName).Value.(flag.Getter).Get().(bool) {
		fmt.Fprintf(os.Stdout, "elfload version %s\n", Version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	if err := setupLogging(conf, time.Now()); err != nil {
		cmd.Fatalf("%v", err)
	}

	const delimString = `**************** elfload ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %d CPUs, %s, PID %d, PPID %d, UID %d, GID %d", Version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid(), os.Getppid(), os.Getuid(), os.Getgid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof("Flags: %s", strings.Join(conf.ToFlags(), " "))
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration. A successful run
	// never gets here.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// elfload.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Run), "")

	const debugGroup = "debug"
	cb(new(cmd.Inspect), debugGroup)
	cb(new(cmd.Auxv), debugGroup)
}

// setupLogging installs the log emitters selected by conf. Stdout and stderr
// belong to the launched program, so logs are discarded unless a log file or
// --alsologtostderr is given.
func setupLogging(conf *config.Config, start time.Time) error {
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	if conf.LogFilename != "" {
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("error opening log file %q: %v", conf.LogFilename, err)
		}
		emitters = append(emitters, newEmitter(conf.LogFormat, f))
	}
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, log.PathPattern{PID: os.Getpid(), Start: start, Command: flag.Arg(0)})
		if err != nil {
			return fmt.Errorf("error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, f))
	}
	if conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, os.Stderr))
	}
	if len(emitters) == 0 {
		emitters = append(emitters, newEmitter("text", io.Discard))
	}

	switch len(emitters) {
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}
	return nil
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.TextEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	case "logrus":
		return log.NewLogrusEmitter(logFile)
	}
	cmd.Fatalf("invalid log format %q, must be 'text', 'json', or 'logrus'", format)
	panic("unreachable")
}
