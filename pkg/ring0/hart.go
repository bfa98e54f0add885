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

package ring0

import (
	"fmt"

	"kmem.dev/kmem/pkg/atomicbitops"
	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/physmem"
	"kmem.dev/kmem/pkg/ring0/pagetables"
	"kmem.dev/kmem/pkg/sync"
)

// tlbEntries is the number of entries in the simulated TLB. It is direct
// mapped on the low bits of the page number.
const tlbEntries = 512

type tlbEntry struct {
	valid bool
	vpn   uint64
	asid  uint16
	frame uint64 // physical address of the 4K page
	flags pagetables.Flags
}

// HartStats are counters maintained by a Hart.
type HartStats struct {
	SatpWrites  uint64
	PageFlushes uint64
	FullFlushes uint64
	TLBHits     uint64
	TLBMisses   uint64
}

// Hart is a simulated hardware thread. It holds the satp register and a
// small ASID-tagged TLB in front of a hardware page-table walker that reads
// memory through a physmem.Window.
//
// A Hart is used by one goroutine at a time, as a real hart runs one
// instruction stream. The counters may be read concurrently.
type Hart struct {
	id     sync.HartID
	window physmem.Window
	logger *log.FieldLogger

	satp Satp
	tlb  [tlbEntries]tlbEntry

	// interrupts is the sstatus.SIE bit.
	interrupts bool

	// faultAddr is the value of stval after the last page fault.
	faultAddr uint64

	// errorCode is the scause of the last page fault.
	errorCode uintptr

	satpWrites  atomicbitops.Uint64
	pageFlushes atomicbitops.Uint64
	fullFlushes atomicbitops.Uint64
	tlbHits     atomicbitops.Uint64
	tlbMisses   atomicbitops.Uint64
}

var (
	_ CPU             = (*Hart)(nil)
	_ InterruptMasker = (*Hart)(nil)
)

// NewHart returns a hart in Bare mode with interrupts enabled.
func NewHart(id sync.HartID, window physmem.Window) *Hart {
	return &Hart{id: id, window: window, logger: log.For("hart").OnHart(id), interrupts: true}
}

// ID returns the hart ID.
func (h *Hart) ID() sync.HartID {
	return h.id
}

// ReadSatp implements CPU.ReadSatp.
func (h *Hart) ReadSatp() Satp {
	return h.satp
}

// WriteSatp implements CPU.WriteSatp. As on hardware, writing satp does not
// by itself invalidate the TLB.
func (h *Hart) WriteSatp(s Satp) {
	switch s.Mode() {
	case Bare, Sv39:
	default:
		// Unsupported modes leave satp unchanged.
		h.logger.Warningf("ignoring satp write with unsupported mode %v", s.Mode())
		return
	}
	h.satp = s
	h.satpWrites.Add(1)
	h.logger.Debugf("satp <- %v", s)
}

// FlushPage implements pagetables.Flusher.FlushPage, like sfence.vma va,
// asid. Over-invalidating is always correct, so global entries for va are
// dropped too.
func (h *Hart) FlushPage(va uint64, asid uint16) {
	h.pageFlushes.Add(1)
	vpn := hostarch.VirtAddr(va).PageNumber()
	e := &h.tlb[vpn%tlbEntries]
	if e.valid && e.vpn == vpn && (e.asid == asid || e.flags&pagetables.Global != 0) {
		e.valid = false
	}
}

// FlushAll implements CPU.FlushAll, like sfence.vma zero, zero.
func (h *Hart) FlushAll() {
	h.fullFlushes.Add(1)
	clear(h.tlb[:])
}

// DisableInterrupts implements InterruptMasker.DisableInterrupts.
func (h *Hart) DisableInterrupts() bool {
	prev := h.interrupts
	h.interrupts = false
	return prev
}

// RestoreInterrupts implements InterruptMasker.RestoreInterrupts.
func (h *Hart) RestoreInterrupts(enabled bool) {
	h.interrupts = enabled
}

// InterruptsEnabled returns the current interrupt enable bit.
func (h *Hart) InterruptsEnabled() bool {
	return h.interrupts
}

// ErrorCode returns the cause of the last page fault.
func (h *Hart) ErrorCode() uintptr {
	return h.errorCode
}

// FaultAddr returns the address of the last page fault.
func (h *Hart) FaultAddr() uint64 {
	return h.faultAddr
}

// Stats returns a snapshot of the hart's counters.
func (h *Hart) Stats() HartStats {
	return HartStats{
		SatpWrites:  h.satpWrites.Load(),
		PageFlushes: h.pageFlushes.Load(),
		FullFlushes: h.fullFlushes.Load(),
		TLBHits:     h.tlbHits.Load(),
		TLBMisses:   h.tlbMisses.Load(),
	}
}

func (h *Hart) fault(va hostarch.VirtAddr, at AccessType, err error) error {
	h.faultAddr = uint64(va)
	h.errorCode = at.faultCause()
	return err
}

// Translate performs the address translation the MMU does for an access of
// type at to va, from user mode if user is set. Translations are cached in
// the TLB, so stale entries are used until they are flushed.
func (h *Hart) Translate(va hostarch.VirtAddr, at AccessType, user bool) (hostarch.PhysAddr, error) {
	if h.satp.Mode() == Bare {
		return hostarch.PhysAddr(va), nil
	}

	vpn := va.PageNumber()
	asid := h.satp.ASID()
	e := &h.tlb[vpn%tlbEntries]
	if e.valid && e.vpn == vpn && (e.asid == asid || e.flags&pagetables.Global != 0) {
		h.tlbHits.Add(1)
	} else {
		h.tlbMisses.Add(1)
		pa, flags, err := pagetables.Resolve(h.window, h.satp.Root(), va)
		if err != nil {
			return 0, h.fault(va, at, err)
		}
		*e = tlbEntry{
			valid: true,
			vpn:   vpn,
			asid:  asid,
			frame: uint64(pa.Align4K()),
			flags: flags,
		}
	}

	if err := checkAccess(e.flags, at, user); err != nil {
		return 0, h.fault(va, at, fmt.Errorf("%s of %v: %w", at, va, err))
	}
	return hostarch.PhysAddr(e.frame | va.PageOffset()), nil
}

func checkAccess(flags pagetables.Flags, at AccessType, user bool) error {
	if user != (flags&pagetables.User != 0) {
		return errors.New(errors.AccessDenied, fmt.Sprintf("privilege mismatch with flags %v", flags))
	}
	var need pagetables.Flags
	switch at {
	case Read:
		need = pagetables.Readable
	case Write:
		need = pagetables.Writable
	case Execute:
		need = pagetables.Executable
	}
	if flags&need == 0 {
		return errors.New(errors.AccessDenied, fmt.Sprintf("flags %v deny access", flags))
	}
	return nil
}
