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
	"bytes"
	"context"
	"debug/elf"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v2"
	"gvisor.dev/elfload/elfload/config"
	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/arch"
	"gvisor.dev/elfload/pkg/hostsyscall/hostsyscalltest"
	"gvisor.dev/elfload/pkg/launch"
	"gvisor.dev/elfload/pkg/loader"
	"gvisor.dev/elfload/pkg/loader/loadertest"
)

func testFiles() map[string][]byte {
	elf32 := (&loadertest.Builder{
		Ident: loader.Ident{Class: elf.ELFCLASS32, Data: elf.ELFDATA2LSB, Version: elf.EV_CURRENT},
		Type:  elf.ET_EXEC,
		Segments: []loadertest.Segment{
			{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: 0x8048000, Headers: true},
		},
	}).Build()
	return map[string][]byte{
		"/bin/hello":         loadertest.StaticHello().Bytes,
		"/bin/pie":           loadertest.PIE("/lib/ld.so").Bytes,
		"/lib/ld.so":         loadertest.Interpreter().Bytes,
		"/bin/elf32":         elf32.Bytes,
		"/etc/not-an-object": []byte("#!/bin/sh\necho hello\n"),
	}
}

func TestInspectFiles(t *testing.T) {
	k := hostsyscalltest.New(testFiles())
	paths := []string{"/bin/pie", "/bin/hello", "/bin/elf32"}
	infos, err := inspectFiles(context.Background(), k, paths, 1)
	if err != nil {
		t.Fatalf("inspectFiles: %v", err)
	}
	if len(infos) != len(paths) {
		t.Fatalf("got %d results, want %d", len(infos), len(paths))
	}
	for i, info := range infos {
		if info.Path != paths[i] {
			t.Errorf("result %d is %q, want %q", i, info.Path, paths[i])
		}
	}

	pie := infos[0]
	if pie.Interpreter != "/lib/ld.so" {
		t.Errorf("interpreter = %q, want /lib/ld.so", pie.Interpreter)
	}
	if !pie.Loadable || pie.Type != "ET_DYN" {
		t.Errorf("pie = %+v, want loadable ET_DYN", pie)
	}

	want := []SegmentInfo{
		{Type: "PT_LOAD", Flags: "RWE", Offset: "0x0", Vaddr: "0x400000", Align: "0x1000"},
		{Type: "PT_GNU_STACK", Flags: "RW ", Offset: "0x0", Vaddr: "0x0", Filesz: "0x0", Memsz: "0x0", Align: "0x10"},
	}
	hello := infos[1]
	if hello.Class != "ELFCLASS64" || hello.Machine != "EM_X86_64" || hello.Type != "ET_EXEC" || !hello.Loadable {
		t.Errorf("hello = %+v", hello)
	}
	// Sizes depend on the generated code.
	ignoreSizes := cmp.Transformer("sizes", func(s SegmentInfo) SegmentInfo {
		if s.Type == "PT_LOAD" {
			s.Filesz, s.Memsz = "", ""
		}
		return s
	})
	if diff := cmp.Diff(want, hello.Segments, ignoreSizes); diff != "" {
		t.Errorf("segments mismatch (-want +got):\n%s", diff)
	}

	elf32 := infos[2]
	if elf32.Loadable || !strings.Contains(elf32.Error, loader.ErrUnsupportedVariant.Error()) {
		t.Errorf("elf32 loadable = %v, error %q, want not loadable: %v", elf32.Loadable, elf32.Error, loader.ErrUnsupportedVariant)
	}

	if n := k.OpenFDs(); n != 0 {
		t.Errorf("%d descriptors left open", n)
	}
}

func TestInspectFilesErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		paths []string
		class launch.Class
	}{
		{
			name:  "missing",
			paths: []string{"/bin/hello", "/bin/missing"},
			class: launch.ClassResource,
		},
		{
			name:  "not ELF",
			paths: []string{"/etc/not-an-object", "/bin/hello"},
			class: launch.ClassFormat,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := hostsyscalltest.New(testFiles())
			_, err := inspectFiles(context.Background(), k, tc.paths, 1)
			if err == nil {
				t.Fatalf("inspectFiles(%v) succeeded", tc.paths)
			}
			if got := launch.Classify(err); got != tc.class {
				t.Errorf("Classify(%v) = %v, want %v", err, got, tc.class)
			}
		})
	}
}

func inspected(t *testing.T) []*FileInfo {
	t.Helper()
	k := hostsyscalltest.New(testFiles())
	infos, err := inspectFiles(context.Background(), k, []string{"/bin/hello", "/bin/pie", "/bin/elf32"}, 1)
	if err != nil {
		t.Fatalf("inspectFiles: %v", err)
	}
	return infos
}

func TestInspectOutput(t *testing.T) {
	infos := inspected(t)
	segments := 0
	for _, info := range infos {
		segments += len(info.Segments)
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		if err := outputInspectTable(&buf, infos); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		for _, want := range []string{
			"/bin/hello:\n",
			"interpreter: /lib/ld.so\n",
			"loadable: yes\n",
			"loadable: no: ",
			"PT_GNU_STACK",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("table output lacks %q:\n%s", want, out)
			}
		}
	})
	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := outputInspectJSON(&buf, infos); err != nil {
			t.Fatal(err)
		}
		var got []*FileInfo
		if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(infos, got); diff != "" {
			t.Errorf("json mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		if err := outputInspectYAML(&buf, infos); err != nil {
			t.Fatal(err)
		}
		var got []*FileInfo
		if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(infos, got); diff != "" {
			t.Errorf("yaml mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := outputInspectCSV(&buf, infos); err != nil {
			t.Fatal(err)
		}
		rows, err := csv.NewReader(&buf).ReadAll()
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if got, want := len(rows), 1+segments; got != want {
			t.Errorf("got %d rows, want %d", got, want)
		}
		if got, want := rows[1][0], "/bin/hello"; got != want {
			t.Errorf("first row path = %q, want %q", got, want)
		}
	})
}

func TestFlagString(t *testing.T) {
	for flags, want := range map[elf.ProgFlag]string{
		0:                                "   ",
		elf.PF_R:                         "R  ",
		elf.PF_R | elf.PF_X:              "R E",
		elf.PF_R | elf.PF_W:              "RW ",
		elf.PF_R | elf.PF_W | elf.PF_X:   "RWE",
		elf.PF_W | elf.PF_MASKOS | 0x100: " W ",
	} {
		if got := flagString(flags); got != want {
			t.Errorf("flagString(%v) = %q, want %q", flags, got, want)
		}
	}
}

func TestAuxvEntries(t *testing.T) {
	self := &launch.Self{
		Auxv: []arch.AuxEntry{
			{Key: linux.AT_PAGESZ, Value: 0x1000},
			{Key: linux.AT_PLATFORM, Value: 0x7ffc00001000},
			{Key: linux.AT_RANDOM, Value: 0x7ffc00002000},
			{Key: 99, Value: 1},
		},
		Random:   []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15},
		Platform: "x86_64",
	}
	want := []AuxvEntry{
		{Name: "AT_PAGESZ", Value: "0x1000"},
		{Name: "AT_PLATFORM", Value: "0x7ffc00001000", Data: "x86_64"},
		{Name: "AT_RANDOM", Value: "0x7ffc00002000", Data: "000102030405060708090a0b0c0d0e0f"},
		{Name: "AT_99", Value: "0x1"},
	}
	got := auxvEntries(self)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("auxvEntries mismatch (-want +got):\n%s", diff)
	}

	var buf bytes.Buffer
	if err := outputAuxvTable(&buf, got); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != len(want) {
		t.Errorf("table has %d lines, want %d:\n%s", lines, len(want), buf.String())
	}
}

func TestRunConfig(t *testing.T) {
	base := &config.Config{StackSize: 0x10000, LogFormat: "text"}
	for _, tc := range []struct {
		name   string
		dryRun bool
		conf   bool
		want   bool
	}{
		{name: "none"},
		{name: "flag", dryRun: true, want: true},
		{name: "config", conf: true, want: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			base.DryRun = tc.conf
			r := &Run{dryRun: tc.dryRun}
			got := r.config([]any{base})
			if got == base {
				t.Fatalf("config returned the shared configuration")
			}
			if got.DryRun != tc.want {
				t.Errorf("DryRun = %t, want %t", got.DryRun, tc.want)
			}
			if base.DryRun != tc.conf {
				t.Errorf("shared DryRun changed to %t", base.DryRun)
			}
			if got.StackSize != base.StackSize || got.LogFormat != base.LogFormat {
				t.Errorf("config = %+v, want a copy of %+v", got, base)
			}
		})
	}
}
