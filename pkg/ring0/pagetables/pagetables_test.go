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
	goerrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/physmem"
)

const (
	arenaBase   = 0x8000_0000
	arenaFrames = 64
)

// frameSupplier hands out the arena's frames in order and records frames
// given back.
type frameSupplier struct {
	next  uint64
	end   uint64
	freed []hostarch.Frame
}

func (s *frameSupplier) Alloc() (hostarch.Frame, bool) {
	if s.next == s.end {
		return hostarch.Frame{}, false
	}
	f := hostarch.FrameFromNumber(s.next)
	s.next++
	return f, true
}

func (s *frameSupplier) Dealloc(f hostarch.Frame) {
	s.freed = append(s.freed, f)
}

// recordingFlusher records flushed addresses.
type recordingFlusher struct {
	pages []uint64
}

func (r *recordingFlusher) FlushPage(va uint64, _ uint16) {
	r.pages = append(r.pages, va)
}

type testEnv struct {
	arena  *physmem.Arena
	frames *frameSupplier
	flush  *recordingFlusher
	m      *Mapper[hostarch.VirtAddr]
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	a, err := physmem.NewArena(arenaBase, arenaFrames*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	first, n := a.Frames()
	fs := &frameSupplier{next: first.Number(), end: first.Number() + n}
	root, _ := fs.Alloc()
	physmem.ZeroFrame(a, root)
	rf := &recordingFlusher{}
	return &testEnv{
		arena:  a,
		frames: fs,
		flush:  rf,
		m:      New[hostarch.VirtAddr](root, a, rf, 7),
	}
}

type mapping struct {
	start hostarch.VirtAddr
	frame uint64
	flags Flags
	size  uint64
}

func checkMappings(t *testing.T, m *Mapper[hostarch.VirtAddr], want []mapping) {
	t.Helper()
	var got []mapping
	m.Walk(func(page hostarch.Page, entry *PTE, size uint64) bool {
		got = append(got, mapping{page.Start(), entry.Frame().Number(), entry.Flags(), size})
		return true
	})
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(mapping{})); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}
}

func page(va uint64) hostarch.Page {
	return hostarch.PageFromAddr(hostarch.NewVirtAddr(va))
}

func TestMapTranslateUnmap(t *testing.T) {
	env := newTestEnv(t)
	p := page(0x4000_1000)
	f := hostarch.FrameFromNumber(0x80020)

	flush, err := env.m.MapTo(p, f, Valid|Readable|Writable, env.frames)
	if err != nil {
		t.Fatalf("MapTo: %v", err)
	}
	flush.Flush()
	if got, ok := env.m.TranslatePage(p); !ok || got != f {
		t.Errorf("TranslatePage = %v, %v; want %v", got, ok, f)
	}
	checkMappings(t, env.m, []mapping{
		{0x4000_1000, 0x80020, Valid | Readable | Writable | Accessed | Dirty, hostarch.PageSize},
	})

	got, flush, err := env.m.Unmap(p)
	if err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	flush.Flush()
	if got != f {
		t.Errorf("Unmap returned %v, want %v", got, f)
	}
	if _, ok := env.m.TranslatePage(p); ok {
		t.Errorf("TranslatePage succeeded after Unmap")
	}

	// Mapping again succeeds and reuses the tables.
	used := env.frames.next
	flush, err = env.m.MapTo(p, f, Valid|Readable, env.frames)
	if err != nil {
		t.Fatalf("MapTo after Unmap: %v", err)
	}
	flush.Ignore()
	if env.frames.next != used {
		t.Errorf("remap allocated %d frames", env.frames.next-used)
	}

	if diff := cmp.Diff([]uint64{0x4000_1000, 0x4000_1000}, env.flush.pages); diff != "" {
		t.Errorf("flushed pages mismatch (-want +got):\n%s", diff)
	}
	if n := env.m.Pending(); n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
}

func TestMapAlreadyMapped(t *testing.T) {
	env := newTestEnv(t)
	p := page(0x1000)
	flush, err := env.m.MapTo(p, hostarch.FrameFromNumber(0x80030), Valid|Readable, env.frames)
	if err != nil {
		t.Fatalf("MapTo: %v", err)
	}
	flush.Ignore()

	if _, err := env.m.MapTo(p, hostarch.FrameFromNumber(0x80031), Valid|Writable|Readable, env.frames); !goerrors.Is(err, errors.ErrPageAlreadyMapped) {
		t.Fatalf("second MapTo = %v, want %v", err, errors.ErrPageAlreadyMapped)
	}
	checkMappings(t, env.m, []mapping{
		{0x1000, 0x80030, Valid | Readable | Accessed | Dirty, hostarch.PageSize},
	})
	if n := env.m.Pending(); n != 0 {
		t.Errorf("Pending = %d after failed MapTo", n)
	}
}

func TestUnmapNotMapped(t *testing.T) {
	env := newTestEnv(t)
	used := env.frames.next
	for _, va := range []uint64{0x1000, 0xffff_ffc0_0000_0000} {
		if _, _, err := env.m.Unmap(page(va)); !goerrors.Is(err, errors.ErrPageNotMapped) {
			t.Errorf("Unmap(%#x) = %v, want %v", va, err, errors.ErrPageNotMapped)
		}
	}
	if env.frames.next != used {
		t.Errorf("Unmap allocated tables")
	}

	// A leaf table exists but the entry is clear.
	flush, _ := env.m.MapTo(page(0x2000), hostarch.FrameFromNumber(0x80030), Valid|Readable, env.frames)
	flush.Ignore()
	if _, _, err := env.m.Unmap(page(0x3000)); !goerrors.Is(err, errors.ErrPageNotMapped) {
		t.Errorf("Unmap(0x3000) = %v, want %v", err, errors.ErrPageNotMapped)
	}
	if _, err := env.m.RefEntry(page(0x4000_0000)); !goerrors.Is(err, errors.ErrPageNotMapped) {
		t.Errorf("RefEntry = %v, want %v", err, errors.ErrPageNotMapped)
	}
}

func TestFrameAllocationFailed(t *testing.T) {
	env := newTestEnv(t)
	env.frames.end = env.frames.next + 1
	if _, err := env.m.MapTo(page(0x1000), hostarch.FrameFromNumber(0x80030), Valid|Readable, env.frames); !goerrors.Is(err, errors.ErrFrameAllocationFailed) {
		t.Errorf("MapTo = %v, want %v", err, errors.ErrFrameAllocationFailed)
	}
}

func TestParentEntryHugePage(t *testing.T) {
	env := newTestEnv(t)
	root := env.m.Table(env.m.Root())
	p := page(0x8000_0000)
	// A gigapage leaf in the root table.
	root[p.P3Index()].Set(hostarch.FrameFromNumber(0x80000), Valid|Readable|Writable)

	if _, err := env.m.MapTo(p, hostarch.FrameFromNumber(0x80030), Valid|Readable, env.frames); !goerrors.Is(err, errors.ErrParentEntryHugePage) {
		t.Errorf("MapTo = %v, want %v", err, errors.ErrParentEntryHugePage)
	}
	if _, _, err := env.m.Unmap(p); !goerrors.Is(err, errors.ErrParentEntryHugePage) {
		t.Errorf("Unmap = %v, want %v", err, errors.ErrParentEntryHugePage)
	}
	checkMappings(t, env.m, []mapping{
		{0x8000_0000, 0x80000, Valid | Readable | Writable | Accessed | Dirty, hostarch.GigaPageSize},
	})
}

func TestUpdateFlags(t *testing.T) {
	env := newTestEnv(t)
	p := page(0x20_0000)
	f := hostarch.FrameFromNumber(0x80031)
	flush, _ := env.m.MapTo(p, f, Valid|Readable|Writable, env.frames)
	flush.Flush()

	flush, err := env.m.UpdateFlags(p, Valid|Readable|Executable)
	if err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}
	flush.Flush()
	entry, err := env.m.RefEntry(p)
	if err != nil {
		t.Fatalf("RefEntry: %v", err)
	}
	if got, want := entry.Flags(), Valid|Readable|Executable|Accessed|Dirty; got != want {
		t.Errorf("flags = %v, want %v", got, want)
	}
	if entry.Frame() != f {
		t.Errorf("frame = %v, want %v", entry.Frame(), f)
	}

	// The neighbouring slot shares the level-1 table but is unused.
	empty := page(0x20_1000)
	if _, err := env.m.UpdateFlags(empty, Valid|Readable|Writable); !goerrors.Is(err, errors.ErrPageNotMapped) {
		t.Errorf("UpdateFlags(unused entry) = %v, want %v", err, errors.ErrPageNotMapped)
	}
	if got, ok := env.m.TranslatePage(empty); ok {
		t.Errorf("TranslatePage(unused entry) = %v, want not mapped", got)
	}
	if e, err := env.m.RefEntry(empty); err != nil || !e.IsUnused() {
		t.Errorf("RefEntry(unused entry) = %v, %v; want the unused entry", e, err)
	}
	if n := env.m.Pending(); n != 0 {
		t.Errorf("%d flushes pending", n)
	}
}

func TestInvalidEntryIsNotMapped(t *testing.T) {
	env := newTestEnv(t)
	p := page(0x40_0000)
	f := hostarch.FrameFromNumber(0x80032)
	flush, _ := env.m.MapTo(p, f, Valid|Readable, env.frames)
	flush.Flush()

	flush, err := env.m.UpdateFlags(p, Readable)
	if err != nil {
		t.Fatalf("UpdateFlags clearing V: %v", err)
	}
	flush.Flush()
	if got, ok := env.m.TranslatePage(p); ok {
		t.Errorf("TranslatePage(invalid entry) = %v, want not mapped", got)
	}
	if _, _, err := env.m.Unmap(p); !goerrors.Is(err, errors.ErrPageNotMapped) {
		t.Errorf("Unmap(invalid entry) = %v, want %v", err, errors.ErrPageNotMapped)
	}

	// The frame survives, so the entry can be made valid again.
	flush, err = env.m.UpdateFlags(p, Valid|Readable)
	if err != nil {
		t.Fatalf("UpdateFlags setting V: %v", err)
	}
	flush.Flush()
	if got, ok := env.m.TranslatePage(p); !ok || got != f {
		t.Errorf("TranslatePage = %v, %v; want %v", got, ok, f)
	}
	if _, flush, err := env.m.Unmap(p); err != nil {
		t.Errorf("Unmap: %v", err)
	} else {
		flush.Flush()
	}
}

func TestIdentityMap(t *testing.T) {
	env := newTestEnv(t)
	f := hostarch.FrameFromNumber(0x80005)
	flush, err := env.m.IdentityMap(f, Valid|Readable, env.frames)
	if err != nil {
		t.Fatalf("IdentityMap: %v", err)
	}
	flush.Ignore()
	got, ok := env.m.TranslatePage(page(0x8000_5000))
	if !ok || got != f {
		t.Errorf("TranslatePage = %v, %v; want %v", got, ok, f)
	}
}

func TestFlushConsumedTwice(t *testing.T) {
	env := newTestEnv(t)
	flush, _ := env.m.MapTo(page(0x1000), hostarch.FrameFromNumber(0x80030), Valid|Readable, env.frames)
	if env.m.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", env.m.Pending())
	}
	flush.Flush()
	defer func() {
		if recover() == nil {
			t.Errorf("second consumption did not panic")
		}
	}()
	flush.Ignore()
}

func TestRelease(t *testing.T) {
	env := newTestEnv(t)
	for _, va := range []uint64{0x1000, 0x2000, 0x40_0000, 0xffff_ffc0_0000_0000} {
		flush, err := env.m.MapTo(page(va), hostarch.FrameFromNumber(0x80030), Valid|Readable, env.frames)
		if err != nil {
			t.Fatalf("MapTo(%#x): %v", va, err)
		}
		flush.Ignore()
	}
	// 0x1000 and 0x2000 share a leaf table, 0x400000 has its own leaf
	// table under the same level-2 table, and the upper half has a
	// separate chain: 2 + 1 + 2 tables.
	if got := env.m.Release(env.frames); got != 5 {
		t.Errorf("Release freed %d tables, want 5", got)
	}
	if len(env.frames.freed) != 5 {
		t.Errorf("deallocated %d frames, want 5", len(env.frames.freed))
	}
	checkMappings(t, env.m, nil)
	root := env.m.Table(env.m.Root())
	for i := range root {
		if !root[i].IsUnused() {
			t.Errorf("root entry %d = %v after Release", i, &root[i])
		}
	}
}

func TestResolve(t *testing.T) {
	env := newTestEnv(t)
	flush, _ := env.m.MapTo(page(0xffff_ffc0_0010_0000), hostarch.FrameFromNumber(0x80030), Valid|Readable, env.frames)
	flush.Ignore()
	pa, flags, err := Resolve(env.arena, env.m.Root(), hostarch.NewVirtAddr(0xffff_ffc0_0010_0abc))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if pa != 0x8003_0abc || !flags.Contains(Valid|Readable) {
		t.Errorf("Resolve = %v, %v; want 0x80030abc, V|R", pa, flags)
	}

	// Megapage leaf in a level-2 table.
	mega := page(0x20_0000)
	flush, _ = env.m.MapTo(mega, hostarch.FrameFromNumber(0x80031), Valid|Readable, env.frames)
	flush.Ignore()
	l2 := env.m.Table(env.m.Table(env.m.Root())[mega.P3Index()].Frame())
	l2[1].Set(hostarch.FrameFromNumber(0x80200), Valid|Readable|Writable)
	pa, _, err = Resolve(env.arena, env.m.Root(), hostarch.NewVirtAddr(0x23_4567))
	if err != nil || pa != 0x8023_4567 {
		t.Errorf("Resolve(megapage) = %v, %v; want 0x80234567", pa, err)
	}

	// Misaligned megapage.
	l2[1].Set(hostarch.FrameFromNumber(0x80201), Valid|Readable)
	if _, _, err := Resolve(env.arena, env.m.Root(), hostarch.NewVirtAddr(0x20_0000)); !goerrors.Is(err, errors.ErrPageNotMapped) {
		t.Errorf("Resolve(misaligned) = %v, want page fault", err)
	}
	if _, _, err := Resolve(env.arena, env.m.Root(), hostarch.NewVirtAddr(0x5000_0000)); err == nil {
		t.Errorf("Resolve of unmapped address succeeded")
	}
}

func TestFlagsString(t *testing.T) {
	if got, want := (Valid | Readable | Writable | Accessed | Dirty).String(), "VRW---AD"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
	if got, want := (Valid | Reserved2).String(), "V------- RSW=2"; got != want {
		t.Errorf("String = %q, want %q", got, want)
	}
}

func TestPTE(t *testing.T) {
	var p PTE
	if !p.IsUnused() {
		t.Errorf("zero PTE is not unused")
	}
	f := hostarch.FrameFromNumber(0xfff_ffff_ffff)
	p.Set(f, Valid|User)
	if p.Frame() != f || p.Flags() != Valid|User|Accessed|Dirty {
		t.Errorf("PTE = %v", &p)
	}
	if p.IsLeaf() {
		t.Errorf("entry without R/W/X reported as leaf")
	}
	p.SetFlag(Accessed, false)
	p.SetFlag(Writable, true)
	if p.Frame() != f || p.Flags() != Valid|User|Writable|Dirty {
		t.Errorf("after SetFlag: PTE = %v", &p)
	}
	p.Clear()
	if !p.IsUnused() {
		t.Errorf("Clear left %#x", uint64(p))
	}
}

func TestASIDs(t *testing.T) {
	if _, err := NewASIDs(0, 4); err == nil {
		t.Errorf("NewASIDs(0, 4) succeeded")
	}
	a, err := NewASIDs(1, 2)
	if err != nil {
		t.Fatalf("NewASIDs: %v", err)
	}
	r1, r2, r3 := hostarch.FrameFromNumber(1), hostarch.FrameFromNumber(2), hostarch.FrameFromNumber(3)
	id1, cached := a.Assign(r1)
	if id1 != 1 || cached {
		t.Errorf("Assign(r1) = %d, %v; want lowest ASID 1, false", id1, cached)
	}
	if id, cached := a.Assign(r1); id != id1 || !cached {
		t.Errorf("second Assign(r1) = %d, %v; want %d, true", id, cached, id1)
	}
	id2, _ := a.Assign(r2)
	if id2 != 2 || a.Available() != 0 {
		t.Errorf("Assign(r2) = %d with %d available", id2, a.Available())
	}
	if id, _ := a.Assign(r3); id != 0 {
		t.Errorf("Assign on exhausted pool = %d, want 0", id)
	}
	a.Drop(r1)
	if id, cached := a.Assign(r3); id != id1 || cached {
		t.Errorf("Assign after Drop = %d, %v; want %d, false", id, cached, id1)
	}
}
