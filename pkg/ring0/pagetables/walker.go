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
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/physmem"
)

// visitor is called for every entry in use that does not point to a
// further table.
type visitor interface {
	// visit is called with the first page the entry maps and the number of
	// bytes it maps. It may change or clear the entry. Returning false
	// stops the walk.
	visit(page hostarch.Page, entry *PTE, size uint64) bool
}

type visitorFunc func(page hostarch.Page, entry *PTE, size uint64) bool

func (f visitorFunc) visit(page hostarch.Page, entry *PTE, size uint64) bool {
	return f(page, entry, size)
}

// Walker walks a complete table tree.
type Walker struct {
	window  physmem.Window
	visitor visitor

	// free, if set, is called for every lower level table left without
	// entries once its subtree has been walked. The parent entry is
	// cleared first.
	free func(hostarch.Frame)
}

// walkP1 iterates over the entries of a leaf table.
//
// Returns:
//   - ok: whether the walk was successful.
//   - clearEntries: number of clear entries.
func (w *Walker) walkP1(entries *PTEs, p3, p2 int) (bool, int) {
	var clearEntries int
	for p1 := range entries {
		entry := &entries[p1]
		if entry.IsUnused() {
			clearEntries++
			continue
		}
		if !w.visitor.visit(hostarch.PageFromIndices(p3, p2, p1), entry, hostarch.PageSize) {
			return false, clearEntries
		}
		// Might have been cleared.
		if entry.IsUnused() {
			clearEntries++
		}
	}
	return true, clearEntries
}

// walkP2 iterates over the entries of a level-2 table. Leaves at this level
// are reported as megapages.
func (w *Walker) walkP2(entries *PTEs, p3 int) (bool, int) {
	var clearEntries int
	for p2 := range entries {
		entry := &entries[p2]
		if entry.IsUnused() {
			clearEntries++
			continue
		}
		if !entry.Valid() || entry.IsLeaf() {
			if !w.visitor.visit(hostarch.PageFromIndices(p3, p2, 0), entry, hostarch.HugePageSize) {
				return false, clearEntries
			}
			if entry.IsUnused() {
				clearEntries++
			}
			continue
		}

		next := entry.Frame()
		ok, clearP1Entries := w.walkP1(tableAt(w.window, next), p3, p2)
		if !ok {
			return false, clearEntries
		}

		// Check if we no longer need this table.
		if w.free != nil && clearP1Entries == hostarch.EntriesPerTable {
			entry.Clear()
			w.free(next)
			clearEntries++
		}
	}
	return true, clearEntries
}

// walkP3 iterates over the root table. Leaves at this level are reported as
// gigapages.
func (w *Walker) walkP3(entries *PTEs) bool {
	for p3 := range entries {
		entry := &entries[p3]
		if entry.IsUnused() {
			continue
		}
		if !entry.Valid() || entry.IsLeaf() {
			if !w.visitor.visit(hostarch.PageFromIndices(p3, 0, 0), entry, hostarch.GigaPageSize) {
				return false
			}
			continue
		}

		next := entry.Frame()
		ok, clearP2Entries := w.walkP2(tableAt(w.window, next), p3)
		if !ok {
			return false
		}
		if w.free != nil && clearP2Entries == hostarch.EntriesPerTable {
			entry.Clear()
			w.free(next)
		}
	}
	return true
}
