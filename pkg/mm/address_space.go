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

// Package mm implements address spaces: a root page table together with the
// hart state needed to make it the active translation.
//
// Lifecycle: an AddressSpace is created with NewBare, populated with Map,
// installed on a hart with Activate, and torn down with Release once no hart
// uses it anymore.
package mm

import (
	"fmt"

	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/physmem"
	"kmem.dev/kmem/pkg/ring0"
	"kmem.dev/kmem/pkg/ring0/pagetables"
)

var logger = log.For("address space")

// Frames supplies and reclaims page table frames.
type Frames interface {
	pagetables.FrameAllocator
	pagetables.FrameDeallocator
}

// Opts are optional address space parameters.
type Opts struct {
	// ASID is used when ASIDs is nil.
	ASID uint16

	// ASIDs, if set, assigns the ASID from a shared pool. The ASID is
	// returned to the pool on Release.
	ASIDs *pagetables.ASIDs
}

// AddressSpace is one Sv39 translation regime.
//
// An AddressSpace is not safe for concurrent mutation; callers serialize
// Map, Unmap and entry updates.
type AddressSpace struct {
	frames Frames
	window physmem.Window
	cpu    ring0.CPU
	asids  *pagetables.ASIDs
	mapper *pagetables.Mapper[hostarch.VirtAddr]

	released bool
}

// NewBare returns an address space with an empty root table.
//
// There is no recovery from a failure to allocate the root frame this early,
// so NewBare panics if frames is exhausted.
func NewBare(frames Frames, window physmem.Window, cpu ring0.CPU, opts Opts) *AddressSpace {
	root, ok := frames.Alloc()
	if !ok {
		panic("no frame available for a root page table")
	}
	physmem.ZeroFrame(window, root)

	asid := opts.ASID
	if opts.ASIDs != nil {
		// Exhaustion leaves ASID 0, which is flushed on every switch.
		asid, _ = opts.ASIDs.Assign(root)
	}
	as := &AddressSpace{
		frames: frames,
		window: window,
		cpu:    cpu,
		asids:  opts.ASIDs,
		mapper: pagetables.New[hostarch.VirtAddr](root, window, cpu, asid),
	}
	logger.Debugf("new: root %v, ASID %d", root, asid)
	return as
}

// Mapper returns the underlying page table mapper.
func (as *AddressSpace) Mapper() *pagetables.Mapper[hostarch.VirtAddr] {
	return as.mapper
}

// Root returns the root table frame.
func (as *AddressSpace) Root() hostarch.Frame {
	return as.mapper.Root()
}

// ASID returns the address space identifier.
func (as *AddressSpace) ASID() uint16 {
	return as.mapper.ASID()
}

// Map maps the page containing va to the frame containing pa, readable and
// writable by the kernel.
func (as *AddressSpace) Map(va hostarch.VirtAddr, pa hostarch.PhysAddr) *PageEntry {
	return as.MapWithFlags(va, pa, pagetables.Valid|pagetables.Readable|pagetables.Writable)
}

// MapWithFlags is like Map with explicit flags.
//
// Failures here are programming errors and panic.
func (as *AddressSpace) MapWithFlags(va hostarch.VirtAddr, pa hostarch.PhysAddr, flags pagetables.Flags) *PageEntry {
	page := hostarch.PageFromAddr(va)
	flush, err := as.mapper.MapTo(page, hostarch.FrameFromAddr(pa), flags, as.frames)
	if err != nil {
		panic(fmt.Sprintf("Map(%v, %v) failed: %v", va, pa, err))
	}
	flush.Flush()
	entry, ok := as.Entry(va)
	if !ok {
		panic(fmt.Sprintf("no entry for %v after mapping it", va))
	}
	return entry
}

// Unmap removes the mapping of the page containing va.
//
// Unmapping a page that is not mapped panics.
func (as *AddressSpace) Unmap(va hostarch.VirtAddr) {
	_, flush, err := as.mapper.Unmap(hostarch.PageFromAddr(va))
	if err != nil {
		panic(fmt.Sprintf("Unmap(%v) failed: %v", va, err))
	}
	flush.Flush()
}

// Entry returns the last-level entry for va. The entry may be unused; false
// is returned only when the tables leading to it do not exist.
func (as *AddressSpace) Entry(va hostarch.VirtAddr) (*PageEntry, bool) {
	page := hostarch.PageFromAddr(va)
	pte, err := as.mapper.RefEntry(page)
	if err != nil {
		return nil, false
	}
	return &PageEntry{pte: pte, page: page, as: as}, true
}

// Translate returns the physical address va maps to.
func (as *AddressSpace) Translate(va hostarch.VirtAddr) (hostarch.PhysAddr, bool) {
	frame, ok := as.mapper.TranslatePage(hostarch.PageFromAddr(va))
	if !ok {
		return 0, false
	}
	return frame.Start().Add(va.PageOffset()), true
}

// Token returns the satp value that selects this address space.
func (as *AddressSpace) Token() ring0.Satp {
	return ring0.MakeSatp(ring0.Sv39, as.mapper.ASID(), as.mapper.Root())
}

// Activate makes this the hart's active address space. It does nothing if
// the address space is already active.
func (as *AddressSpace) Activate() {
	as.ActivateOn(as.cpu)
}

// ActivateOn is Activate for another hart. Map and Unmap only invalidate the
// TLB of the hart the address space was created with; other harts must be
// flushed by the caller.
func (as *AddressSpace) ActivateOn(cpu ring0.CPU) {
	token := as.Token()
	if cpu.ReadSatp() == token {
		return
	}
	cpu.WriteSatp(token)
	cpu.FlushAll()
	logger.Debugf("activated %v", token)
}

// Release frees every intermediate table and the root frame. Mapped frames
// belong to the caller and are not freed.
//
// The address space must not be active on any hart.
func (as *AddressSpace) Release() {
	if as.released {
		panic(fmt.Sprintf("address space %v released twice", as.Root()))
	}
	as.released = true
	if as.cpu.ReadSatp().Root() == as.Root() {
		logger.Warningf("releasing active %v", as.Token())
	}
	root := as.mapper.Root()
	n := as.mapper.Release(as.frames)
	if as.asids != nil {
		as.asids.Drop(root)
	}
	as.frames.Dealloc(root)
	logger.Debugf("released %v: %d tables", root, n+1)
}
