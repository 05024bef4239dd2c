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

package arch

import (
	"gvisor.dev/elfload/pkg/abi/linux"
	"gvisor.dev/elfload/pkg/log"
)

// Patch is the set of auxiliary vector values that describe the launched
// image rather than the loader.
type Patch struct {
	// PHdr is the runtime address of the program's header table.
	PHdr uint64

	// PHent and PHnum describe the entries of the header table.
	PHent uint64
	PHnum uint64

	// Entry is the program's runtime entry point.
	Entry uint64

	// ExecFn is the address of the program path string.
	ExecFn uint64

	// Base is the interpreter's load address, or zero without an
	// interpreter.
	Base uint64
}

// Entries returns the pairs written by Apply, in the order it writes them.
func (p Patch) Entries() []AuxEntry {
	return []AuxEntry{
		{Key: linux.AT_PHDR, Value: p.PHdr},
		{Key: linux.AT_PHENT, Value: p.PHent},
		{Key: linux.AT_PHNUM, Value: p.PHnum},
		{Key: linux.AT_ENTRY, Value: p.Entry},
		{Key: linux.AT_EXECFN, Value: p.ExecFn},
		{Key: linux.AT_BASE, Value: p.Base},
	}
}

// Apply writes p into a. Entries of other types are left untouched and the
// terminator does not move. Types that a does not contain are skipped and
// returned.
func (a *Auxv) Apply(p Patch) (missing []uint64) {
	for _, e := range p.Entries() {
		old, ok := a.Get(e.Key)
		if !ok {
			log.Warningf("Auxiliary vector has no %s entry, leaving it out", linux.AuxvName(e.Key))
			missing = append(missing, e.Key)
			continue
		}
		a.Set(e.Key, e.Value)
		log.Debugf("Patched %s: %#x -> %#x", linux.AuxvName(e.Key), old, e.Value)
	}
	return missing
}
