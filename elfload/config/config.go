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

// Package config provides basic infrastructure to set configuration settings
// for elfload. Each setting that can be changed from the command line must be
// added to Config and registered in RegisterFlags.
package config

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/mohae/deepcopy"
	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/loader"
	"gvisor.dev/elfload/pkg/log"
)

// Config holds configuration that is not part of the launched program's
// arguments.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register the flag in flags.go.
type Config struct {
	// ConfigFile is a TOML file with settings. Flags set on the command
	// line take precedence over it.
	ConfigFile string `flag:"config" toml:"-"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug"`

	// DebugLog is the path to log debug information to, if not empty.
	// %PID% and %TIMESTAMP% are expanded.
	DebugLog string `flag:"debug-log" toml:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format" toml:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr"`

	// ProgramBias is the load bias requested for ET_DYN programs.
	ProgramBias Hex `flag:"program-bias" toml:"program-bias"`

	// InterpreterBias is the load bias requested for the interpreter.
	InterpreterBias Hex `flag:"interpreter-bias" toml:"interpreter-bias"`

	// StackSize is the size of the launched program's stack.
	StackSize Hex `flag:"stack-size" toml:"stack-size"`

	// DryRun makes run stop before dispatch. It can only be set in the
	// config file; run has its own --dry-run flag.
	DryRun bool `toml:"dry-run"`
}

func (c *Config) validate() error {
	for _, f := range []struct{ name, value string }{
		{"log-format", c.LogFormat},
		{"debug-log-format", c.DebugLogFormat},
	} {
		switch f.value {
		case "text", "json", "logrus":
		default:
			return fmt.Errorf("invalid %s %q, must be 'text', 'json' or 'logrus'", f.name, f.value)
		}
	}
	if c.StackSize == 0 {
		return fmt.Errorf("stack-size must not be zero")
	}
	if _, ok := hostarch.PageRoundUp(uint64(c.StackSize)); !ok {
		return fmt.Errorf("stack-size %v is too large", c.StackSize)
	}
	if !hostarch.Addr(c.ProgramBias).IsPageAligned() || !hostarch.Addr(c.InterpreterBias).IsPageAligned() {
		return fmt.Errorf("load biases must be page aligned: program-bias %v, interpreter-bias %v", c.ProgramBias, c.InterpreterBias)
	}
	return nil
}

// LoaderOptions returns the placement options for the loader.
func (c *Config) LoaderOptions() loader.Options {
	return loader.Options{
		ProgramBias:     hostarch.Addr(c.ProgramBias),
		InterpreterBias: hostarch.Addr(c.InterpreterBias),
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		log.Infof("  %s: %v", st.Field(i).Name, obj.Field(i).Interface())
	}
}

// Hex is a 64-bit integer flag written in hexadecimal. It accepts any
// strconv.ParseUint base-0 syntax.
type Hex uint64

// String implements flag.Value.String.
func (h Hex) String() string {
	return fmt.Sprintf("%#x", uint64(h))
}

// Get implements flag.Getter.Get.
func (h Hex) Get() any {
	return h
}

// Set implements flag.Value.Set.
func (h *Hex) Set(v string) error {
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid value %q: %w", v, err)
	}
	*h = Hex(n)
	return nil
}

// UnmarshalText implements encoding.TextUnmarshaler.UnmarshalText, for
// config files.
func (h *Hex) UnmarshalText(b []byte) error {
	return h.Set(string(b))
}

func hexPtr(v uint64) *Hex {
	h := Hex(v)
	return &h
}
