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
	goerrors "errors"
	"testing"

	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/physmem"
	"kmem.dev/kmem/pkg/ring0/pagetables"
)

func TestSatp(t *testing.T) {
	root := hostarch.FrameFromNumber(0x80123)
	s := MakeSatp(Sv39, 0xbeef, root)
	if s.Mode() != Sv39 || s.ASID() != 0xbeef || s.Root() != root {
		t.Errorf("satp fields = %v", s)
	}
	if got, want := uint64(s), uint64(8)<<60|uint64(0xbeef)<<44|0x80123; got != want {
		t.Errorf("satp = %#x, want %#x", got, want)
	}
	if got := Satp(0).Mode(); got != Bare {
		t.Errorf("zero satp mode = %v", got)
	}
	if got := Mode(3).String(); got != "Mode(3)" {
		t.Errorf("Mode(3).String() = %q", got)
	}
}

type bumpFrames struct {
	next, end uint64
}

func (b *bumpFrames) Alloc() (hostarch.Frame, bool) {
	if b.next == b.end {
		return hostarch.Frame{}, false
	}
	b.next++
	return hostarch.FrameFromNumber(b.next - 1), true
}

func newHartEnv(t *testing.T) (*Hart, *pagetables.Mapper[hostarch.VirtAddr], *bumpFrames) {
	t.Helper()
	a, err := physmem.NewArena(0x8000_0000, 32*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	first, n := a.Frames()
	frames := &bumpFrames{next: first.Number(), end: first.Number() + n}
	root, _ := frames.Alloc()
	physmem.ZeroFrame(a, root)
	h := NewHart(0, a)
	m := pagetables.New[hostarch.VirtAddr](root, a, h, 1)
	h.WriteSatp(MakeSatp(Sv39, 1, root))
	return h, m, frames
}

func TestTranslateUsesTLB(t *testing.T) {
	h, m, frames := newHartEnv(t)
	va := hostarch.NewVirtAddr(0x10_0123)
	page := hostarch.PageFromAddr(va)
	flush, err := m.MapTo(page, hostarch.FrameFromNumber(0x80010), pagetables.Valid|pagetables.Readable|pagetables.Writable, frames)
	if err != nil {
		t.Fatalf("MapTo: %v", err)
	}
	flush.Flush()

	pa, err := h.Translate(va, Write, false)
	if err != nil || pa != 0x8001_0123 {
		t.Fatalf("Translate = %v, %v; want 0x80010123", pa, err)
	}
	if _, err := h.Translate(va, Read, false); err != nil {
		t.Fatalf("second Translate: %v", err)
	}
	if s := h.Stats(); s.TLBMisses != 1 || s.TLBHits != 1 {
		t.Errorf("stats = %+v, want 1 miss and 1 hit", s)
	}

	// Without a flush the stale translation survives.
	_, flush, err = m.Unmap(page)
	if err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := h.Translate(va, Read, false); err != nil {
		t.Errorf("Translate before flush: %v", err)
	}
	flush.Flush()
	if _, err := h.Translate(va, Read, false); !goerrors.Is(err, errors.ErrPageNotMapped) {
		t.Errorf("Translate after flush = %v, want %v", err, errors.ErrPageNotMapped)
	}
	if h.ErrorCode() != LoadPageFault || h.FaultAddr() != uint64(va) {
		t.Errorf("fault state = %d at %#x", h.ErrorCode(), h.FaultAddr())
	}
}

func TestTranslatePermissions(t *testing.T) {
	h, m, frames := newHartEnv(t)
	va := hostarch.NewVirtAddr(0x20_0000)
	flush, _ := m.MapTo(hostarch.PageFromAddr(va), hostarch.FrameFromNumber(0x80011), pagetables.Valid|pagetables.Readable, frames)
	flush.Flush()

	for _, tc := range []struct {
		at    AccessType
		user  bool
		cause uintptr
	}{
		{Write, false, StorePageFault},
		{Execute, false, InstructionPageFault},
		{Read, true, LoadPageFault},
	} {
		if _, err := h.Translate(va, tc.at, tc.user); !goerrors.Is(err, errors.ErrAccessDenied) {
			t.Errorf("Translate(%v, user=%v) = %v, want %v", tc.at, tc.user, err, errors.ErrAccessDenied)
		}
		if h.ErrorCode() != tc.cause {
			t.Errorf("Translate(%v, user=%v) cause = %d, want %d", tc.at, tc.user, h.ErrorCode(), tc.cause)
		}
	}
}

func TestBareAndFlushAll(t *testing.T) {
	h, _, _ := newHartEnv(t)
	h.WriteSatp(0)
	if pa, err := h.Translate(0x1234, Execute, true); err != nil || pa != 0x1234 {
		t.Errorf("Bare Translate = %v, %v", pa, err)
	}
	before := h.ReadSatp()
	h.WriteSatp(Satp(uint64(Sv48) << 60))
	if h.ReadSatp() != before {
		t.Errorf("unsupported mode was installed")
	}
	h.FlushAll()
	if s := h.Stats(); s.FullFlushes != 1 || s.SatpWrites != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestInterruptMasking(t *testing.T) {
	h := NewHart(1, physmem.Linear{})
	if !h.InterruptsEnabled() {
		t.Fatalf("new hart has interrupts disabled")
	}
	prev := h.DisableInterrupts()
	if !prev || h.InterruptsEnabled() {
		t.Errorf("DisableInterrupts = %v, enabled = %v", prev, h.InterruptsEnabled())
	}
	h.RestoreInterrupts(prev)
	if !h.InterruptsEnabled() {
		t.Errorf("interrupts not restored")
	}
}
