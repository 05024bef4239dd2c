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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/elfload/pkg/arch"
	"gvisor.dev/elfload/pkg/loader"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "TOML file with settings. Flags given on the command line override it.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is discard.")
	flagSet.String("log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("debug-log", "", "additional location for logs. The following variables are available: %PID%, %TIMESTAMP%.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, or logrus.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Flags that control placement.
	flagSet.Var(hexPtr(uint64(loader.DefaultProgramBias)), "program-bias", "load bias of position independent programs.")
	flagSet.Var(hexPtr(uint64(loader.DefaultInterpreterBias)), "interpreter-bias", "load bias of the interpreter.")
	flagSet.Var(hexPtr(arch.DefaultStackSize), "stack-size", "size of the launched program's stack.")
}

// getFlag returns the typed value of fl.
func getFlag(fl *flag.Flag) any {
	getter, ok := fl.Value.(flag.Getter)
	if !ok {
		panic(fmt.Sprintf("flag %q does not implement flag.Getter", fl.Name))
	}
	return getter.Get()
}

// setFromFlags copies flag values into conf. If onlySet is true, only flags
// given on the command line are copied.
func setFromFlags(conf *Config, flagSet *flag.FlagSet, onlySet bool) {
	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if onlySet && !set[name] {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		obj.Field(i).Set(reflect.ValueOf(getFlag(fl)))
	}
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is given, from a config file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	setFromFlags(conf, flagSet, false)
	if conf.ConfigFile != "" {
		md, err := toml.DecodeFile(conf.ConfigFile, conf)
		if err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys in config file %q: %v", conf.ConfigFile, undecoded)
		}
		setFromFlags(conf, flagSet, true)
	}
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
