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

package hostarch

const (
	// PageShift is the binary log of the system page size.
	// 4K pages: 2^12 = 4096
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// StackAlignment is the alignment the x86-64 ABI requires of the stack
	// pointer at process entry.
	StackAlignment = 16

	// WordSize is the size of a pointer-sized word on the stack.
	WordSize = 8
)
