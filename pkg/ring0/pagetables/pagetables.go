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

// Package pagetables provides a generic implementation of Sv39 page tables.
package pagetables

import (
	"fmt"

	"kmem.dev/kmem/pkg/atomicbitops"
	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/physmem"
)

var logger = log.For("page table")

// FrameAllocator supplies frames for new page tables.
type FrameAllocator interface {
	// Alloc returns a free frame, or false if there is none.
	Alloc() (hostarch.Frame, bool)
}

// FrameDeallocator takes back frames released by the mapper.
type FrameDeallocator interface {
	Dealloc(hostarch.Frame)
}

// Flusher invalidates cached translations.
type Flusher interface {
	// FlushPage invalidates the translation of va tagged with asid.
	FlushPage(va uint64, asid uint16)
}

// NoFlush is a Flusher that does nothing. It is used for tables that are
// not active on any hart.
type NoFlush struct{}

// FlushPage implements Flusher.FlushPage.
func (NoFlush) FlushPage(uint64, uint16) {}

// Mapper edits a three-level page table rooted at a single frame.
//
// Tables are reached through a physmem.Window, so every frame the
// allocator hands out must be visible in it. A Mapper is not safe for
// concurrent use.
type Mapper[V hostarch.VirtualAddress] struct {
	root    hostarch.Frame
	window  physmem.Window
	flusher Flusher
	asid    uint16

	// pending counts flush tokens that were handed out but not yet
	// consumed.
	pending atomicbitops.Int64
}

// New returns a mapper for the table in root. The root table is used as is;
// callers creating a fresh address space must zero it first.
func New[V hostarch.VirtualAddress](root hostarch.Frame, window physmem.Window, flusher Flusher, asid uint16) *Mapper[V] {
	if flusher == nil {
		flusher = NoFlush{}
	}
	return &Mapper[V]{
		root:    root,
		window:  window,
		flusher: flusher,
		asid:    asid,
	}
}

// Root returns the frame holding the root table.
func (m *Mapper[V]) Root() hostarch.Frame {
	return m.root
}

// ASID returns the address space identifier flushes are tagged with.
func (m *Mapper[V]) ASID() uint16 {
	return m.asid
}

// Pending returns the number of flush tokens not yet consumed.
func (m *Mapper[V]) Pending() int64 {
	return m.pending.Load()
}

func (m *Mapper[V]) rootTable() *PTEs {
	return tableAt(m.window, m.root)
}

// Table returns the table stored in frame f.
func (m *Mapper[V]) Table(f hostarch.Frame) *PTEs {
	return tableAt(m.window, f)
}

// nextTable returns the table entry points to, or nil if entry is unused.
func (m *Mapper[V]) nextTable(entry *PTE) (*PTEs, error) {
	if entry.IsUnused() {
		return nil, nil
	}
	if entry.IsLeaf() {
		return nil, errors.New(errors.ParentEntryHugePage, fmt.Sprintf("intermediate entry %v maps a huge page", entry))
	}
	return tableAt(m.window, entry.Frame()), nil
}

// nextTableCreate is nextTable that installs a zeroed table in an unused
// entry.
func (m *Mapper[V]) nextTableCreate(entry *PTE, alloc FrameAllocator) (*PTEs, error) {
	next, err := m.nextTable(entry)
	if next != nil || err != nil {
		return next, err
	}
	f, ok := alloc.Alloc()
	if !ok {
		return nil, errors.ErrFrameAllocationFailed
	}
	next = tableAt(m.window, f)
	next.Zero()
	entry.setPageTable(f)
	logger.Debugf("new table at %v", f)
	return next, nil
}

// leaf returns the level-1 entry for page without creating tables.
func (m *Mapper[V]) leaf(page hostarch.PageOf[V]) (*PTE, error) {
	p2, err := m.nextTable(&m.rootTable()[page.P3Index()])
	if err != nil {
		return nil, err
	}
	if p2 == nil {
		return nil, errors.New(errors.PageNotMapped, fmt.Sprintf("%v not mapped: no level-2 table", page))
	}
	p1, err := m.nextTable(&p2[page.P2Index()])
	if err != nil {
		return nil, err
	}
	if p1 == nil {
		return nil, errors.New(errors.PageNotMapped, fmt.Sprintf("%v not mapped: no level-1 table", page))
	}
	return &p1[page.P1Index()], nil
}

func (m *Mapper[V]) newFlush(page hostarch.PageOf[V]) *Flush {
	m.pending.Add(1)
	return &Flush{
		flusher: m.flusher,
		va:      uint64(page.Start()),
		asid:    m.asid,
		pending: &m.pending,
	}
}

// MapTo maps page to frame with the given flags, allocating intermediate
// tables from alloc as needed. At most two frames are allocated.
//
// An existing mapping of page is left untouched and ErrPageAlreadyMapped is
// returned. The returned token must be consumed.
func (m *Mapper[V]) MapTo(page hostarch.PageOf[V], frame hostarch.Frame, flags Flags, alloc FrameAllocator) (*Flush, error) {
	p2, err := m.nextTableCreate(&m.rootTable()[page.P3Index()], alloc)
	if err != nil {
		return nil, err
	}
	p1, err := m.nextTableCreate(&p2[page.P2Index()], alloc)
	if err != nil {
		return nil, err
	}
	entry := &p1[page.P1Index()]
	if !entry.IsUnused() {
		return nil, errors.New(errors.PageAlreadyMapped, fmt.Sprintf("%v already mapped by %v", page, entry))
	}
	entry.Set(frame, flags)
	return m.newFlush(page), nil
}

// Unmap removes the mapping of page and returns the frame it pointed to.
// No tables are allocated or freed.
func (m *Mapper[V]) Unmap(page hostarch.PageOf[V]) (hostarch.Frame, *Flush, error) {
	entry, err := m.leaf(page)
	if err != nil {
		return hostarch.Frame{}, nil, err
	}
	if !entry.Valid() {
		return hostarch.Frame{}, nil, errors.New(errors.PageNotMapped, fmt.Sprintf("%v not mapped", page))
	}
	frame := entry.Frame()
	entry.Clear()
	return frame, m.newFlush(page), nil
}

// RefEntry returns the level-1 entry for page. The entry itself may be
// unused; only missing tables are an error.
func (m *Mapper[V]) RefEntry(page hostarch.PageOf[V]) (*PTE, error) {
	return m.leaf(page)
}

// UpdateFlags replaces the flags of the entry for page, keeping its frame.
// An entry that lost V but still holds a frame may be made valid again;
// an unused entry is not mapped.
func (m *Mapper[V]) UpdateFlags(page hostarch.PageOf[V], flags Flags) (*Flush, error) {
	entry, err := m.leaf(page)
	if err != nil {
		return nil, err
	}
	if entry.IsUnused() {
		return nil, errors.New(errors.PageNotMapped, fmt.Sprintf("%v not mapped", page))
	}
	entry.Set(entry.Frame(), flags)
	return m.newFlush(page), nil
}

// TranslatePage returns the frame page is mapped to. Like Unmap, it only
// considers entries with V set as mapped.
func (m *Mapper[V]) TranslatePage(page hostarch.PageOf[V]) (hostarch.Frame, bool) {
	entry, err := m.leaf(page)
	if err != nil || !entry.Valid() {
		return hostarch.Frame{}, false
	}
	return entry.Frame(), true
}

// IdentityMap maps frame at the virtual page with the same address.
func (m *Mapper[V]) IdentityMap(frame hostarch.Frame, flags Flags, alloc FrameAllocator) (*Flush, error) {
	start := uint64(frame.Start())
	if !hostarch.IsCanonical(start) {
		panic(fmt.Sprintf("%v cannot be identity mapped: %#x is not a canonical virtual address", frame, start))
	}
	return m.MapTo(hostarch.PageFromAddr(V(start)), frame, flags, alloc)
}

// Walk calls fn for every entry in use below an intermediate table, in
// ascending address order. size is the number of bytes the entry maps.
// The walk stops early if fn returns false.
func (m *Mapper[V]) Walk(fn func(page hostarch.Page, entry *PTE, size uint64) bool) {
	w := Walker{window: m.window, visitor: visitorFunc(fn)}
	w.walkP3(m.rootTable())
}

// Release clears every entry and returns all intermediate tables to
// dealloc. The frames that were mapped and the root frame are not freed.
// It returns the number of tables released.
func (m *Mapper[V]) Release(dealloc FrameDeallocator) int {
	var freed int
	w := Walker{
		window: m.window,
		visitor: visitorFunc(func(_ hostarch.Page, entry *PTE, _ uint64) bool {
			entry.Clear()
			return true
		}),
		free: func(f hostarch.Frame) {
			dealloc.Dealloc(f)
			freed++
		},
	}
	w.walkP3(m.rootTable())
	if n := m.pending.Load(); n != 0 {
		logger.Warningf("%v released with %d unconsumed flushes", m.root, n)
	}
	logger.Debugf("%v: released %d tables", m.root, freed)
	return freed
}
