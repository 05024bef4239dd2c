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

// Package loader maps ELF executables into the current address space.
//
// An image is loaded in three steps: its metadata is read and validated,
// its PT_LOAD segments are copied into a single address space reservation,
// and, if it names one, its interpreter is loaded the same way. Nothing is
// left mapped when any step fails.
package loader

import (
	"context"
	"debug/elf"
	"fmt"

	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/cleanup"
	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/hostsyscall"
	"gvisor.dev/elfload/pkg/log"
)

const (
	// DefaultProgramBias is the load bias of position independent
	// programs. It is the address the Linux kernel uses for PIE
	// executables when randomization is disabled.
	DefaultProgramBias hostarch.Addr = 0x555555554000

	// DefaultInterpreterBias is the load bias of the interpreter.
	DefaultInterpreterBias hostarch.Addr = 0x7ffff7a00000
)

// Options control where images are placed.
type Options struct {
	// ProgramBias is the requested load bias of an ET_DYN program.
	ProgramBias hostarch.Addr

	// InterpreterBias is the requested load bias of the interpreter.
	InterpreterBias hostarch.Addr
}

// DefaultOptions returns the fixed-bias placement.
func DefaultOptions() Options {
	return Options{
		ProgramBias:     DefaultProgramBias,
		InterpreterBias: DefaultInterpreterBias,
	}
}

// Metadata is everything read from an image file without mapping it.
type Metadata struct {
	Path   string
	Size   uint64
	Ident  Ident
	Header Header
	Phdrs  []elf.ProgHeader

	// Interpreter is the PT_INTERP path, or "".
	Interpreter string
}

// Dynamic returns true for position independent images.
func (md *Metadata) Dynamic() bool {
	return md.Header.Type == elf.ET_DYN
}

// Image is a mapped ELF image.
type Image struct {
	Metadata

	// Bias is added to every link-time address. It is zero for ET_EXEC.
	Bias hostarch.Addr

	// Entry is the runtime entry point.
	Entry hostarch.Addr

	// Phdr is the runtime address of the program header table, or zero if
	// the table is not part of any segment.
	Phdr hostarch.Addr

	// Reservation is the address range owned by the image.
	Reservation hostarch.AddrRange

	// Windows are the mapped segments, in address order.
	Windows []Window

	// Protections are the final page protections, in address order.
	Protections []Protection
}

// Phent returns the size of one program header.
func (img *Image) Phent() uint64 {
	return uint64(img.Header.Phentsize)
}

// Phnum returns the number of program headers.
func (img *Image) Phnum() uint64 {
	return uint64(img.Header.Phnum)
}

// Unmap releases the image's reservation.
func (img *Image) Unmap(k hostsyscall.Kernel) error {
	return k.Munmap(img.Reservation.Start, img.Reservation.Length())
}

// Result is a loaded program and its optional interpreter.
type Result struct {
	Program *Image

	// Interpreter is nil for programs without PT_INTERP.
	Interpreter *Image
}

// Base returns the interpreter's load bias, or zero without an interpreter.
// This is the value of AT_BASE: it is zero for an ET_EXEC interpreter, and it
// is not the start of the interpreter's first mapping unless that segment is
// linked at zero.
func (r *Result) Base() hostarch.Addr {
	if r.Interpreter == nil {
		return 0
	}
	return r.Interpreter.Bias
}

// Target returns the address control is transferred to: the interpreter's
// entry point if there is one, else the program's.
func (r *Result) Target() hostarch.Addr {
	if r.Interpreter != nil {
		return r.Interpreter.Entry
	}
	return r.Program.Entry
}

// Unmap releases every image of r.
func (r *Result) Unmap(k hostsyscall.Kernel) error {
	var firstErr error
	for _, img := range []*Image{r.Interpreter, r.Program} {
		if img == nil {
			continue
		}
		if err := img.Unmap(k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// open opens path for reading.
func open(k hostsyscall.Kernel, path string) (int, error) {
	fd, err := k.OpenAt(linux.AT_FDCWD, path, linux.O_RDONLY|linux.O_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("opening %q: %w", path, err)
	}
	return fd, nil
}

// ReadMetadata reads the identification, header and program headers of fd.
// It does not check that the image can be loaded on this host.
func ReadMetadata(k hostsyscall.Kernel, fd int, path string) (*Metadata, error) {
	size, err := hostsyscall.FileSize(k, fd)
	if err != nil {
		return nil, fmt.Errorf("sizing %q: %w", path, err)
	}
	r, err := NewReader(k, fd)
	if err != nil {
		return nil, err
	}
	phdrs, err := r.ProgHeaders()
	if err != nil {
		return nil, err
	}
	md := &Metadata{
		Path:   path,
		Size:   size,
		Ident:  r.Ident,
		Header: r.Header,
		Phdrs:  phdrs,
	}
	md.Interpreter, err = interpreterPath(k, fd, phdrs, size)
	if err != nil {
		return nil, err
	}
	return md, nil
}

// Inspect opens path and returns its metadata. Unlike Load, it accepts any
// ELF class and encoding.
func Inspect(k hostsyscall.Kernel, path string) (*Metadata, error) {
	fd, err := open(k, path)
	if err != nil {
		return nil, err
	}
	defer k.Close(fd)
	return ReadMetadata(k, fd, path)
}

// Validate runs the checks Load makes before mapping anything: header sanity
// and PT_LOAD segment validation.
func Validate(md *Metadata) error {
	if err := CheckLoadable(md.Ident, md.Header, md.Size); err != nil {
		return err
	}
	_, err := validateSegments(md.Phdrs, md.Size)
	return err
}

// loadImage maps the image at path with the requested bias.
func loadImage(k hostsyscall.Kernel, path string, bias hostarch.Addr) (*Image, error) {
	fd, err := open(k, path)
	if err != nil {
		return nil, err
	}
	defer k.Close(fd)

	// Check loadability before reading the program headers: the header
	// checks bound the size of the table.
	size, err := hostsyscall.FileSize(k, fd)
	if err != nil {
		return nil, fmt.Errorf("sizing %q: %w", path, err)
	}
	r, err := NewReader(k, fd)
	if err != nil {
		return nil, err
	}
	if err := CheckLoadable(r.Ident, r.Header, size); err != nil {
		return nil, err
	}
	phdrs, err := r.ProgHeaders()
	if err != nil {
		return nil, err
	}
	interp, err := interpreterPath(k, fd, phdrs, size)
	if err != nil {
		return nil, err
	}
	loads, err := validateSegments(phdrs, size)
	if err != nil {
		return nil, err
	}

	md := Metadata{
		Path:        path,
		Size:        size,
		Ident:       r.Ident,
		Header:      r.Header,
		Phdrs:       phdrs,
		Interpreter: interp,
	}
	m, err := mapSegments(k, fd, loads, md.Dynamic(), bias)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Metadata:    md,
		Bias:        m.bias,
		Entry:       hostarch.Addr(r.Header.Entry) + m.bias,
		Reservation: m.reservation,
		Windows:     m.windows,
		Protections: m.protections,
	}
	if phdr, ok := phdrAddress(r.Header, phdrs, loads); ok {
		img.Phdr = hostarch.Addr(phdr) + m.bias
	} else {
		// Linux falls back to the address the file's start would have.
		img.Phdr = hostarch.Addr(loads[0].Vaddr-loads[0].Off+r.Header.Phoff) + m.bias
		log.Warningf("Program headers of %q are not mapped, using %v", path, img.Phdr)
	}
	if !img.Reservation.Contains(img.Entry) {
		log.Warningf("Entry point %v of %q is outside its image %v", img.Entry, path, img.Reservation)
	}
	log.Infof("Loaded %q (%v) at %v, bias %v, entry %v", path, r.Header.Type, img.Reservation, img.Bias, img.Entry)
	return img, nil
}

// Load maps the program at path and, if it names one, its interpreter.
//
// On failure nothing mapped by Load remains mapped. Errors that concern the
// interpreter are wrapped in *InterpreterError.
func Load(ctx context.Context, k hostsyscall.Kernel, path string, opts Options) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prog, err := loadImage(k, path, opts.ProgramBias)
	if err != nil {
		return nil, err
	}
	res := &Result{Program: prog}
	if prog.Interpreter == "" {
		log.Infof("No interpreter, %q is self-contained", path)
		return res, nil
	}

	cu := cleanup.Make(func() {
		if err := prog.Unmap(k); err != nil {
			log.Warningf("Unable to unmap %q: %v", path, err)
		}
	})
	defer cu.Clean()

	interp, err := loadImage(k, prog.Interpreter, opts.InterpreterBias)
	if err != nil {
		return nil, &InterpreterError{Path: prog.Interpreter, Err: err}
	}
	if interp.Interpreter != "" {
		interp.Unmap(k)
		return nil, &InterpreterError{
			Path: prog.Interpreter,
			Err:  fmt.Errorf("%w: interpreter requests its own interpreter %q", ErrBadInterpreter, interp.Interpreter),
		}
	}
	res.Interpreter = interp

	cu.Release()
	return res, nil
}
