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
	"debug/elf"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"
	"gvisor.dev/elfload/pkg/hostsyscall"
	"gvisor.dev/elfload/pkg/launch"
	"gvisor.dev/elfload/pkg/loader"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	output string
	jobs   int
}

// FileInfo describes one inspected file.
type FileInfo struct {
	Path        string        `json:"path" yaml:"path"`
	Class       string        `json:"class" yaml:"class"`
	Data        string        `json:"data" yaml:"data"`
	OSABI       string        `json:"osabi" yaml:"osabi"`
	Type        string        `json:"type" yaml:"type"`
	Machine     string        `json:"machine" yaml:"machine"`
	Entry       string        `json:"entry" yaml:"entry"`
	Interpreter string        `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	Segments    []SegmentInfo `json:"segments" yaml:"segments"`

	// Loadable is true if the file passes every check made before mapping.
	// Otherwise Error says why not.
	Loadable bool   `json:"loadable" yaml:"loadable"`
	Error    string `json:"error,omitempty" yaml:"error,omitempty"`
}

// SegmentInfo describes one program header.
type SegmentInfo struct {
	Type   string `json:"type" yaml:"type"`
	Flags  string `json:"flags" yaml:"flags"`
	Offset string `json:"offset" yaml:"offset"`
	Vaddr  string `json:"vaddr" yaml:"vaddr"`
	Filesz string `json:"filesz" yaml:"filesz"`
	Memsz  string `json:"memsz" yaml:"memsz"`
	Align  string `json:"align" yaml:"align"`
}

type inspectOutputFunc func(io.Writer, []*FileInfo) error

// inspectOutputMap maps output type names to output functions.
var inspectOutputMap = map[string]inspectOutputFunc{
	"table": outputInspectTable,
	"json":  outputInspectJSON,
	"yaml":  outputInspectYAML,
	"csv":   outputInspectCSV,
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "print the ELF headers of files and whether they can be loaded"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect [flags] <path>... - print ELF identification, header and program headers.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.output, "o", "table", "Output format (table, json, yaml, csv).")
	f.IntVar(&i.jobs, "j", runtime.GOMAXPROCS(0), "number of files read concurrently.")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	out, ok := inspectOutputMap[i.output]
	if !ok {
		Fatalf("Unsupported output format %q", i.output)
	}
	k := hostsyscall.New()
	if f.NArg() < 1 {
		f.Usage()
		return fail(k, launch.UsageError("inspect needs at least one path"))
	}
	infos, err := inspectFiles(ctx, k, f.Args(), i.jobs)
	if err != nil {
		return fail(k, err)
	}
	if err := out(os.Stdout, infos); err != nil {
		Fatalf("Error writing output: %v", err)
	}
	return subcommands.ExitSuccess
}

// inspectFiles reads the metadata of every path, at most jobs at a time. The
// result is in the order of paths.
func inspectFiles(ctx context.Context, k hostsyscall.Kernel, paths []string, jobs int) ([]*FileInfo, error) {
	infos := make([]*FileInfo, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	if jobs > 0 {
		g.SetLimit(jobs)
	}
	for idx, path := range paths {
		idx, path := idx, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			md, err := loader.Inspect(k, path)
			if err != nil {
				return err
			}
			infos[idx] = newFileInfo(md)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return infos, nil
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

func newFileInfo(md *loader.Metadata) *FileInfo {
	info := &FileInfo{
		Path:        md.Path,
		Class:       md.Ident.Class.String(),
		Data:        md.Ident.Data.String(),
		OSABI:       md.Ident.OSABI.String(),
		Type:        md.Header.Type.String(),
		Machine:     md.Header.Machine.String(),
		Entry:       hex(md.Header.Entry),
		Interpreter: md.Interpreter,
		Loadable:    true,
	}
	for _, phdr := range md.Phdrs {
		info.Segments = append(info.Segments, SegmentInfo{
			Type:   phdr.Type.String(),
			Flags:  flagString(phdr.Flags),
			Offset: hex(phdr.Off),
			Vaddr:  hex(phdr.Vaddr),
			Filesz: hex(phdr.Filesz),
			Memsz:  hex(phdr.Memsz),
			Align:  hex(phdr.Align),
		})
	}
	if err := loader.Validate(md); err != nil {
		info.Loadable = false
		info.Error = err.Error()
	}
	return info
}

// flagString returns flags in readelf's "RWE" form.
func flagString(flags elf.ProgFlag) string {
	b := []byte("   ")
	if flags&elf.PF_R != 0 {
		b[0] = 'R'
	}
	if flags&elf.PF_W != 0 {
		b[1] = 'W'
	}
	if flags&elf.PF_X != 0 {
		b[2] = 'E'
	}
	return string(b)
}

// outputInspectTable outputs the file info in tabular format.
func outputInspectTable(w io.Writer, infos []*FileInfo) error {
	for n, info := range infos {
		if n > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s:\n", info.Path)
		fmt.Fprintf(w, "  %s %s %s, %s %s, entry %s\n", info.Class, info.Data, info.OSABI, info.Type, info.Machine, info.Entry)
		if info.Interpreter != "" {
			fmt.Fprintf(w, "  interpreter: %s\n", info.Interpreter)
		}
		if info.Loadable {
			fmt.Fprintf(w, "  loadable: yes\n\n")
		} else {
			fmt.Fprintf(w, "  loadable: no: %s\n\n", info.Error)
		}

		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		if _, err := fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n", "TYPE", "OFFSET", "VADDR", "FILESZ", "MEMSZ", "FLAGS", "ALIGN"); err != nil {
			return err
		}
		for _, s := range info.Segments {
			if _, err := fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\t%s\t%s\t%s\n", s.Type, s.Offset, s.Vaddr, s.Filesz, s.Memsz, s.Flags, s.Align); err != nil {
				return err
			}
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// outputInspectJSON outputs the file info in JSON format.
func outputInspectJSON(w io.Writer, infos []*FileInfo) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(infos)
}

// outputInspectYAML outputs the file info in YAML format.
func outputInspectYAML(w io.Writer, infos []*FileInfo) error {
	b, err := yaml.Marshal(infos)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// outputInspectCSV outputs one row per program header.
func outputInspectCSV(w io.Writer, infos []*FileInfo) error {
	csvWriter := csv.NewWriter(w)
	err := csvWriter.Write([]string{
		"Path",
		"Class",
		"Type",
		"Machine",
		"Loadable",
		"Segment",
		"Offset",
		"Vaddr",
		"Filesz",
		"Memsz",
		"Flags",
		"Align",
	})
	if err != nil {
		return err
	}
	for _, info := range infos {
		for _, s := range info.Segments {
			err := csvWriter.Write([]string{
				info.Path,
				info.Class,
				info.Type,
				info.Machine,
				strconv.FormatBool(info.Loadable),
				s.Type,
				s.Offset,
				s.Vaddr,
				s.Filesz,
				s.Memsz,
				s.Flags,
				s.Align,
			})
			if err != nil {
				return err
			}
		}
	}
	csvWriter.Flush()
	return csvWriter.Error()
}
