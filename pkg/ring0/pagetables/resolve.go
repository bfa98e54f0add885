// Copyright 2026 The kmem Authors.
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

package pagetables

import (
	"fmt"

	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/physmem"
)

// levels is the number of table levels in Sv39.
const levels = 3

// Resolve translates va by walking the tables rooted at root the way the
// MMU does: superpage leaves are honoured at every level, and a misaligned
// superpage, a reserved W-without-R encoding or a missing entry fault. It
// returns the physical address and the leaf's flags. Permissions are left
// to the caller.
func Resolve(window physmem.Window, root hostarch.Frame, va hostarch.VirtAddr) (hostarch.PhysAddr, Flags, error) {
	table := tableAt(window, root)
	indices := [levels]int{va.P1Index(), va.P2Index(), va.P3Index()}
	for level := levels - 1; level >= 0; level-- {
		entry := &table[indices[level]]
		flags := entry.Flags()
		if !entry.Valid() || (flags&Writable != 0 && flags&Readable == 0) {
			return 0, flags, errors.New(errors.PageNotMapped, fmt.Sprintf("page fault at %v: level %d entry %v", va, level+1, entry))
		}
		if !entry.IsLeaf() {
			if level == 0 {
				return 0, flags, errors.New(errors.PageNotMapped, fmt.Sprintf("page fault at %v: leaf table entry %v has no permissions", va, entry))
			}
			table = tableAt(window, entry.Frame())
			continue
		}
		mask := uint64(1)<<(hostarch.PageShift+level*hostarch.IndexBits) - 1
		base := uint64(entry.Address())
		if base&mask != 0 {
			return 0, flags, errors.New(errors.PageNotMapped, fmt.Sprintf("page fault at %v: misaligned superpage %v", va, entry))
		}
		return hostarch.PhysAddr(base | uint64(va)&mask), flags, nil
	}
	panic("unreachable")
}
