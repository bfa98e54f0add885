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

package mm

import (
	"fmt"

	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/ring0/pagetables"
)

// PageEntry is a handle on the last-level entry of one page.
//
// Setters edit the entry in place and do not flush; call Update once the
// entry is in its final state.
type PageEntry struct {
	pte  *pagetables.PTE
	page hostarch.Page
	as   *AddressSpace
}

// Page returns the page the entry maps.
func (e *PageEntry) Page() hostarch.Page {
	return e.page
}

// Update invalidates the cached translation of the page.
func (e *PageEntry) Update() {
	e.as.cpu.FlushPage(uint64(e.page.Start()), e.as.ASID())
}

func (e *PageEntry) has(f pagetables.Flags) bool {
	return e.pte.Flags()&f != 0
}

// Accessed reports whether the page was accessed since A was last cleared.
func (e *PageEntry) Accessed() bool { return e.has(pagetables.Accessed) }

// ClearAccessed clears A.
func (e *PageEntry) ClearAccessed() { e.pte.SetFlag(pagetables.Accessed, false) }

// Dirty reports whether the page was written since D was last cleared.
func (e *PageEntry) Dirty() bool { return e.has(pagetables.Dirty) }

// ClearDirty clears D.
func (e *PageEntry) ClearDirty() { e.pte.SetFlag(pagetables.Dirty, false) }

// Writable reports whether W is set.
func (e *PageEntry) Writable() bool { return e.has(pagetables.Writable) }

// SetWritable sets or clears W.
func (e *PageEntry) SetWritable(on bool) { e.pte.SetFlag(pagetables.Writable, on) }

// Present reports whether the page is valid and readable.
func (e *PageEntry) Present() bool {
	return e.pte.Flags().Contains(pagetables.Valid | pagetables.Readable)
}

// User reports whether U is set.
func (e *PageEntry) User() bool { return e.has(pagetables.User) }

// SetUser sets or clears U.
func (e *PageEntry) SetUser(on bool) { e.pte.SetFlag(pagetables.User, on) }

// Execute reports whether X is set.
func (e *PageEntry) Execute() bool { return e.has(pagetables.Executable) }

// SetExecute sets or clears X.
func (e *PageEntry) SetExecute(on bool) { e.pte.SetFlag(pagetables.Executable, on) }

// SetPresent sets or clears both V and R.
func (e *PageEntry) SetPresent(on bool) {
	e.pte.SetFlag(pagetables.Valid|pagetables.Readable, on)
}

// Target returns the physical address the page maps to.
func (e *PageEntry) Target() hostarch.PhysAddr {
	return e.pte.Address()
}

// SetTarget points the entry at the frame containing pa, keeping the flags.
func (e *PageEntry) SetTarget(pa hostarch.PhysAddr) {
	e.pte.Set(hostarch.FrameFromAddr(pa), e.pte.Flags())
}

// String implements fmt.Stringer.String.
func (e *PageEntry) String() string {
	return fmt.Sprintf("%v -> %v", e.page, e.pte)
}
