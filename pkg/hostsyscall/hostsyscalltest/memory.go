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

package hostsyscalltest

import (
	"fmt"

	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/errors/linuxerr"
	"gvisor.dev/elfload/pkg/hostarch"
	"gvisor.dev/elfload/pkg/hostsyscall"
)

// overlapping returns the regions that intersect ar.
func (k *Kernel) overlapping(ar hostarch.AddrRange) []*region {
	var rs []*region
	for _, r := range k.regions {
		if r.addrRange().Overlaps(ar) {
			rs = append(rs, r)
		}
	}
	return rs
}

// containing returns the single region that contains all of ar, or nil.
func (k *Kernel) containing(ar hostarch.AddrRange) *region {
	for _, r := range k.regions {
		if r.addrRange().IsSupersetOf(ar) {
			return r
		}
	}
	return nil
}

// isMapped returns true if every page of ar is mapped.
func (k *Kernel) isMapped(ar hostarch.AddrRange) bool {
	covered := uint64(0)
	for _, r := range k.overlapping(ar) {
		covered += r.addrRange().Intersect(ar).Length()
	}
	return covered == ar.Length()
}

// findFree returns the lowest free range of length bytes at or above
// mmapBase.
func (k *Kernel) findFree(length uint64) hostarch.Addr {
	addr := mmapBase
	for {
		ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length)}
		rs := k.overlapping(ar)
		if len(rs) == 0 {
			return addr
		}
		addr = rs[len(rs)-1].end()
	}
}

func (k *Kernel) insert(addr hostarch.Addr, length uint64, prot int) {
	npages := length / hostarch.PageSize
	r := &region{
		start: addr,
		data:  make([]byte, length),
		prot:  make([]int, npages),
	}
	for i := range r.prot {
		r.prot[i] = prot
	}
	k.regions = append(k.regions, r)
	k.sortRegions()
}

// Mmap implements hostsyscall.Kernel.Mmap.
//
// Only anonymous private mappings are supported. MAP_FIXED must either target
// free space or lie entirely within one existing mapping.
func (k *Kernel) Mmap(addr hostarch.Addr, length uint64, prot, flags, fd int, off int64) (hostarch.Addr, error) {
	return hostsyscall.RetryInterrupted(string(OpMmap), func() (hostarch.Addr, error) {
		if err := k.enter(OpMmap); err != nil {
			return 0, err
		}
		if flags&linux.MAP_ANONYMOUS == 0 || fd != -1 {
			return 0, linuxerr.ENODEV
		}
		if length == 0 {
			return 0, linuxerr.EINVAL
		}
		length, ok := hostarch.PageRoundUp(length)
		if !ok {
			return 0, linuxerr.ENOMEM
		}
		fixed := flags&linux.MAP_FIXED != 0
		noReplace := flags&linux.MAP_FIXED_NOREPLACE != 0
		if (fixed || noReplace) && !addr.IsPageAligned() {
			return 0, linuxerr.EINVAL
		}
		ar, ok := addr.ToRange(length)
		if !ok {
			return 0, linuxerr.ENOMEM
		}
		busy := len(k.overlapping(ar)) != 0

		switch {
		case noReplace && busy && !k.NoReplaceIsHint:
			return 0, linuxerr.EEXIST
		case fixed && busy:
			r := k.containing(ar)
			if r == nil {
				return 0, linuxerr.EINVAL
			}
			off := uint64(ar.Start - r.start)
			clear(r.data[off : off+length])
			for i := off / hostarch.PageSize; i < (off+length)/hostarch.PageSize; i++ {
				r.prot[i] = prot
			}
			return ar.Start, nil
		case (fixed || noReplace || addr != 0) && !busy:
			k.insert(ar.Start, length, prot)
			return ar.Start, nil
		default:
			a := k.findFree(length)
			k.insert(a, length, prot)
			return a, nil
		}
	})
}

// Mprotect implements hostsyscall.Kernel.Mprotect.
func (k *Kernel) Mprotect(addr hostarch.Addr, length uint64, prot int) error {
	_, err := hostsyscall.RetryInterrupted(string(OpMprotect), func() (struct{}, error) {
		if err := k.enter(OpMprotect); err != nil {
			return struct{}{}, err
		}
		if !addr.IsPageAligned() {
			return struct{}{}, linuxerr.EINVAL
		}
		length, ok := hostarch.PageRoundUp(length)
		if !ok {
			return struct{}{}, linuxerr.ENOMEM
		}
		ar, ok := addr.ToRange(length)
		if !ok || !k.isMapped(ar) {
			return struct{}{}, linuxerr.ENOMEM
		}
		for _, r := range k.overlapping(ar) {
			in := r.addrRange().Intersect(ar)
			for a := in.Start; a < in.End; a += hostarch.PageSize {
				r.prot[uint64(a-r.start)/hostarch.PageSize] = prot
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Munmap implements hostsyscall.Kernel.Munmap.
func (k *Kernel) Munmap(addr hostarch.Addr, length uint64) error {
	_, err := hostsyscall.RetryInterrupted(string(OpMunmap), func() (struct{}, error) {
		if err := k.enter(OpMunmap); err != nil {
			return struct{}{}, err
		}
		if !addr.IsPageAligned() || length == 0 {
			return struct{}{}, linuxerr.EINVAL
		}
		length, ok := hostarch.PageRoundUp(length)
		if !ok {
			return struct{}{}, linuxerr.EINVAL
		}
		ar, ok := addr.ToRange(length)
		if !ok {
			return struct{}{}, linuxerr.EINVAL
		}
		var kept []*region
		for _, r := range k.regions {
			rr := r.addrRange()
			if !rr.Overlaps(ar) {
				kept = append(kept, r)
				continue
			}
			if rr.Start < ar.Start {
				n := uint64(ar.Start - rr.Start)
				kept = append(kept, &region{
					start: rr.Start,
					data:  r.data[:n],
					prot:  r.prot[:n/hostarch.PageSize],
				})
			}
			if ar.End < rr.End {
				n := uint64(ar.End - rr.Start)
				kept = append(kept, &region{
					start: ar.End,
					data:  r.data[n:],
					prot:  r.prot[n/hostarch.PageSize:],
				})
			}
		}
		k.regions = kept
		k.sortRegions()
		return struct{}{}, nil
	})
	return err
}

// Slice implements hostsyscall.Kernel.Slice. The returned slice aliases the
// fake's memory. It panics if the range is not inside a single mapping, the
// way a real access would fault.
func (k *Kernel) Slice(addr hostarch.Addr, length uint64) []byte {
	if length == 0 {
		return nil
	}
	ar, ok := addr.ToRange(length)
	if !ok {
		panic(fmt.Sprintf("Slice(%v, %#x) overflows", addr, length))
	}
	r := k.containing(ar)
	if r == nil {
		panic(fmt.Sprintf("Slice(%v, %#x): range not mapped", addr, length))
	}
	off := uint64(ar.Start - r.start)
	return r.data[off : off+length : off+length]
}

// Occupy maps ar as an unrelated PROT_NONE mapping, as if something else
// already lived there.
func (k *Kernel) Occupy(ar hostarch.AddrRange) {
	if len(k.overlapping(ar)) != 0 {
		panic(fmt.Sprintf("Occupy(%v): already mapped", ar))
	}
	k.insert(ar.Start, ar.Length(), linux.PROT_NONE)
}

// Mapped returns every mapped range, in address order.
func (k *Kernel) Mapped() []hostarch.AddrRange {
	rs := make([]hostarch.AddrRange, 0, len(k.regions))
	for _, r := range k.regions {
		rs = append(rs, r.addrRange())
	}
	return rs
}

// MappedBytes returns the total number of mapped bytes.
func (k *Kernel) MappedBytes() uint64 {
	var n uint64
	for _, r := range k.regions {
		n += uint64(len(r.data))
	}
	return n
}

// Prot returns the protection of the page containing addr.
func (k *Kernel) Prot(addr hostarch.Addr) (int, bool) {
	for _, r := range k.regions {
		if r.addrRange().Contains(addr) {
			return r.prot[uint64(addr.RoundDown()-r.start)/hostarch.PageSize], true
		}
	}
	return 0, false
}
