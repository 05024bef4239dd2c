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

package loader

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/hostsyscall"
)

// Format errors. They are reported before anything is mapped.
var (
	// ErrInvalidFormat is returned for files that are not ELF, or whose
	// headers are inconsistent.
	ErrInvalidFormat = errors.New("invalid ELF format")

	// ErrTruncatedHeader is returned when a header field cannot be read in
	// full.
	ErrTruncatedHeader = errors.New("truncated ELF header")

	// ErrUnsupportedVariant is returned for class, encoding or machine
	// combinations that can be parsed but not loaded.
	ErrUnsupportedVariant = errors.New("unsupported ELF variant")

	// ErrBadSegment is returned for program headers that violate the ELF
	// ABI.
	ErrBadSegment = errors.New("bad ELF segment")

	// ErrBadInterpreter is returned for an unusable PT_INTERP entry.
	ErrBadInterpreter = errors.New("bad ELF interpreter")
)

const (
	// identSize is EI_NIDENT.
	identSize = 16

	// elfMagic is the value of the first four bytes of every ELF file.
	elfMagic = "\x7fELF"
)

// Ident is the ELF identification, the first identSize bytes of the file.
type Ident struct {
	Class      elf.Class
	Data       elf.Data
	Version    elf.Version
	OSABI      elf.OSABI
	ABIVersion uint8
}

// ByteOrder returns the byte order of the file.
func (id Ident) ByteOrder() binary.ByteOrder {
	if id.Data == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Encode returns the identSize bytes of id.
func (id Ident) Encode() []byte {
	b := make([]byte, identSize)
	copy(b, elfMagic)
	b[elf.EI_CLASS] = byte(id.Class)
	b[elf.EI_DATA] = byte(id.Data)
	b[elf.EI_VERSION] = byte(id.Version)
	b[elf.EI_OSABI] = byte(id.OSABI)
	b[elf.EI_ABIVERSION] = id.ABIVersion
	return b
}

// Header is the ELF file header, widened to 64 bits.
type Header struct {
	Type      elf.Type
	Machine   elf.Machine
	Version   elf.Version
	Entry     uint64
	Phoff     uint64
	Shoff     uint64
	Flags     uint32
	Ehsize    uint16
	Phentsize uint16
	Phnum     uint16
	Shentsize uint16
	Shnum     uint16
	Shstrndx  uint16
}

// field is the position of a fixed-size field within a record.
type field struct {
	off  int64
	size int
}

// layout describes the on-disk records of one ELF class.
type layout struct {
	// File header fields.
	typ       field
	machine   field
	version   field
	entry     field
	phoff     field
	shoff     field
	flags     field
	ehsize    field
	phentsize field
	phnum     field
	shentsize field
	shnum     field
	shstrndx  field

	// headerSize includes the identification.
	headerSize int

	// Program header fields.
	ptype   field
	pflags  field
	poff    field
	pvaddr  field
	ppaddr  field
	pfilesz field
	pmemsz  field
	palign  field

	progSize int
}

var layout64 = layout{
	typ:        field{16, 2},
	machine:    field{18, 2},
	version:    field{20, 4},
	entry:      field{24, 8},
	phoff:      field{32, 8},
	shoff:      field{40, 8},
	flags:      field{48, 4},
	ehsize:     field{52, 2},
	phentsize:  field{54, 2},
	phnum:      field{56, 2},
	shentsize:  field{58, 2},
	shnum:      field{60, 2},
	shstrndx:   field{62, 2},
	headerSize: 64,

	ptype:    field{0, 4},
	pflags:   field{4, 4},
	poff:     field{8, 8},
	pvaddr:   field{16, 8},
	ppaddr:   field{24, 8},
	pfilesz:  field{32, 8},
	pmemsz:   field{40, 8},
	palign:   field{48, 8},
	progSize: 56,
}

var layout32 = layout{
	typ:        field{16, 2},
	machine:    field{18, 2},
	version:    field{20, 4},
	entry:      field{24, 4},
	phoff:      field{28, 4},
	shoff:      field{32, 4},
	flags:      field{36, 4},
	ehsize:     field{40, 2},
	phentsize:  field{42, 2},
	phnum:      field{44, 2},
	shentsize:  field{46, 2},
	shnum:      field{48, 2},
	shstrndx:   field{50, 2},
	headerSize: 52,

	ptype:    field{0, 4},
	poff:     field{4, 4},
	pvaddr:   field{8, 4},
	ppaddr:   field{12, 4},
	pfilesz:  field{16, 4},
	pmemsz:   field{20, 4},
	pflags:   field{24, 4},
	palign:   field{28, 4},
	progSize: 32,
}

func layoutFor(class elf.Class) (*layout, error) {
	switch class {
	case elf.ELFCLASS64:
		return &layout64, nil
	case elf.ELFCLASS32:
		return &layout32, nil
	default:
		return nil, fmt.Errorf("%w: class %v", ErrUnsupportedVariant, class)
	}
}

// slot binds a field to the value it decodes into or encodes from.
type slot struct {
	field
	val *uint64
}

// progSlots returns the program header slots in file order.
func (l *layout) progSlots(v *[8]uint64) []slot {
	s := []slot{
		{l.ptype, &v[0]},
		{l.pflags, &v[1]},
		{l.poff, &v[2]},
		{l.pvaddr, &v[3]},
		{l.ppaddr, &v[4]},
		{l.pfilesz, &v[5]},
		{l.pmemsz, &v[6]},
		{l.palign, &v[7]},
	}
	sort.Slice(s, func(i, j int) bool { return s[i].off < s[j].off })
	return s
}

func progFromValues(v *[8]uint64) elf.ProgHeader {
	return elf.ProgHeader{
		Type:   elf.ProgType(v[0]),
		Flags:  elf.ProgFlag(v[1]),
		Off:    v[2],
		Vaddr:  v[3],
		Paddr:  v[4],
		Filesz: v[5],
		Memsz:  v[6],
		Align:  v[7],
	}
}

func progToValues(p elf.ProgHeader) [8]uint64 {
	return [8]uint64{uint64(p.Type), uint64(p.Flags), p.Off, p.Vaddr, p.Paddr, p.Filesz, p.Memsz, p.Align}
}

// fieldReader reads fields of a record one at a time, seeking before each
// read. Offsets must strictly increase within a record. The first error is
// sticky.
type fieldReader struct {
	k     hostsyscall.Kernel
	fd    int
	order binary.ByteOrder
	base  int64
	next  int64
	buf   [8]byte
	err   error
}

func (r *fieldReader) record(base int64) {
	r.base = base
	r.next = 0
}

func (r *fieldReader) read(f field) uint64 {
	if r.err != nil {
		return 0
	}
	if f.off < r.next {
		panic(fmt.Sprintf("field at %#x read after %#x", f.off, r.next))
	}
	b := r.buf[:f.size]
	if err := hostsyscall.ReadAt(r.k, r.fd, r.base+f.off, b); err != nil {
		r.err = readError(r.base+f.off, err)
		return 0
	}
	r.next = f.off + int64(f.size)
	switch f.size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(r.order.Uint16(b))
	case 4:
		return uint64(r.order.Uint32(b))
	case 8:
		return r.order.Uint64(b)
	default:
		panic(fmt.Sprintf("unsupported field size %d", f.size))
	}
}

// readError classifies a failed header read. Short reads and reads that keep
// getting interrupted are truncation; anything else is a host failure.
func readError(off int64, err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF || linuxerr.Equals(linuxerr.EINTR, err) {
		return fmt.Errorf("%w: at offset %#x: %v", ErrTruncatedHeader, off, err)
	}
	return fmt.Errorf("reading header at offset %#x: %w", off, err)
}

// Reader reads ELF metadata from an open file descriptor.
//
// The descriptor is treated as a plain byte stream: every field is read at an
// explicit offset, and nothing is buffered between fields.
type Reader struct {
	Ident  Ident
	Header Header

	fr     fieldReader
	layout *layout
}

// NewReader reads the identification and file header of fd.
func NewReader(k hostsyscall.Kernel, fd int) (*Reader, error) {
	r := &Reader{fr: fieldReader{k: k, fd: fd, order: binary.LittleEndian}}
	if err := r.readIdent(); err != nil {
		return nil, err
	}
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) readIdent() error {
	r.fr.record(0)
	var magic [4]byte
	for i := range magic {
		magic[i] = byte(r.fr.read(field{int64(i), 1}))
	}
	if r.fr.err != nil {
		return r.fr.err
	}
	if string(magic[:]) != elfMagic {
		return fmt.Errorf("%w: bad magic %q", ErrInvalidFormat, magic[:])
	}
	id := Ident{
		Class:      elf.Class(r.fr.read(field{elf.EI_CLASS, 1})),
		Data:       elf.Data(r.fr.read(field{elf.EI_DATA, 1})),
		Version:    elf.Version(r.fr.read(field{elf.EI_VERSION, 1})),
		OSABI:      elf.OSABI(r.fr.read(field{elf.EI_OSABI, 1})),
		ABIVersion: uint8(r.fr.read(field{elf.EI_ABIVERSION, 1})),
	}
	if r.fr.err != nil {
		return r.fr.err
	}
	if id.Version != elf.EV_CURRENT {
		return fmt.Errorf("%w: ident version %v", ErrInvalidFormat, id.Version)
	}
	switch id.Data {
	case elf.ELFDATA2LSB, elf.ELFDATA2MSB:
	default:
		return fmt.Errorf("%w: data encoding %v", ErrUnsupportedVariant, id.Data)
	}
	l, err := layoutFor(id.Class)
	if err != nil {
		return err
	}
	r.Ident = id
	r.layout = l
	r.fr.order = id.ByteOrder()
	return nil
}

func (r *Reader) readHeader() error {
	l := r.layout
	r.fr.record(0)
	h := Header{
		Type:      elf.Type(r.fr.read(l.typ)),
		Machine:   elf.Machine(r.fr.read(l.machine)),
		Version:   elf.Version(r.fr.read(l.version)),
		Entry:     r.fr.read(l.entry),
		Phoff:     r.fr.read(l.phoff),
		Shoff:     r.fr.read(l.shoff),
		Flags:     uint32(r.fr.read(l.flags)),
		Ehsize:    uint16(r.fr.read(l.ehsize)),
		Phentsize: uint16(r.fr.read(l.phentsize)),
		Phnum:     uint16(r.fr.read(l.phnum)),
		Shentsize: uint16(r.fr.read(l.shentsize)),
		Shnum:     uint16(r.fr.read(l.shnum)),
		Shstrndx:  uint16(r.fr.read(l.shstrndx)),
	}
	if r.fr.err != nil {
		return r.fr.err
	}
	r.Header = h
	return nil
}

// ProgHeader reads program header i.
func (r *Reader) ProgHeader(i int) (elf.ProgHeader, error) {
	if i < 0 || i >= int(r.Header.Phnum) {
		return elf.ProgHeader{}, fmt.Errorf("%w: program header %d of %d", ErrInvalidFormat, i, r.Header.Phnum)
	}
	base := r.Header.Phoff + uint64(i)*uint64(r.Header.Phentsize)
	if base < r.Header.Phoff || int64(base) < 0 {
		return elf.ProgHeader{}, fmt.Errorf("%w: program header %d offset overflows", ErrInvalidFormat, i)
	}
	r.fr.record(int64(base))
	var v [8]uint64
	for _, s := range r.layout.progSlots(&v) {
		*s.val = r.fr.read(s.field)
	}
	if r.fr.err != nil {
		return elf.ProgHeader{}, r.fr.err
	}
	return progFromValues(&v), nil
}

// ProgHeaders reads the whole program header table.
func (r *Reader) ProgHeaders() ([]elf.ProgHeader, error) {
	phdrs := make([]elf.ProgHeader, 0, r.Header.Phnum)
	for i := 0; i < int(r.Header.Phnum); i++ {
		p, err := r.ProgHeader(i)
		if err != nil {
			return nil, err
		}
		phdrs = append(phdrs, p)
	}
	return phdrs, nil
}

// put stores v at f in b.
func put(order binary.ByteOrder, b []byte, f field, v uint64) {
	switch f.size {
	case 1:
		b[f.off] = byte(v)
	case 2:
		order.PutUint16(b[f.off:], uint16(v))
	case 4:
		order.PutUint32(b[f.off:], uint32(v))
	case 8:
		order.PutUint64(b[f.off:], v)
	}
}

// EncodeHeader returns the identification followed by the file header, as
// laid out for id's class and encoding.
func EncodeHeader(id Ident, h Header) ([]byte, error) {
	l, err := layoutFor(id.Class)
	if err != nil {
		return nil, err
	}
	order := id.ByteOrder()
	b := make([]byte, l.headerSize)
	copy(b, id.Encode())
	put(order, b, l.typ, uint64(h.Type))
	put(order, b, l.machine, uint64(h.Machine))
	put(order, b, l.version, uint64(h.Version))
	put(order, b, l.entry, h.Entry)
	put(order, b, l.phoff, h.Phoff)
	put(order, b, l.shoff, h.Shoff)
	put(order, b, l.flags, uint64(h.Flags))
	put(order, b, l.ehsize, uint64(h.Ehsize))
	put(order, b, l.phentsize, uint64(h.Phentsize))
	put(order, b, l.phnum, uint64(h.Phnum))
	put(order, b, l.shentsize, uint64(h.Shentsize))
	put(order, b, l.shnum, uint64(h.Shnum))
	put(order, b, l.shstrndx, uint64(h.Shstrndx))
	return b, nil
}

// EncodeProgHeader returns the on-disk form of p for id's class and
// encoding.
func EncodeProgHeader(id Ident, p elf.ProgHeader) ([]byte, error) {
	l, err := layoutFor(id.Class)
	if err != nil {
		return nil, err
	}
	order := id.ByteOrder()
	b := make([]byte, l.progSize)
	v := progToValues(p)
	for _, s := range l.progSlots(&v) {
		put(order, b, s.field, *s.val)
	}
	return b, nil
}

// HeaderSize returns the file header size for class, including the
// identification.
func HeaderSize(class elf.Class) int {
	l, err := layoutFor(class)
	if err != nil {
		return 0
	}
	return l.headerSize
}

// ProgHeaderSize returns the program header entry size for class.
func ProgHeaderSize(class elf.Class) int {
	l, err := layoutFor(class)
	if err != nil {
		return 0
	}
	return l.progSize
}
