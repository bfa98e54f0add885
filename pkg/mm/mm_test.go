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
	goerrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/pgalloc"
	"kmem.dev/kmem/pkg/physmem"
	"kmem.dev/kmem/pkg/ring0"
	"kmem.dev/kmem/pkg/ring0/pagetables"
)

type testEnv struct {
	arena *physmem.Arena
	pool  *pgalloc.Pool
	hart  *ring0.Hart
}

func newTestEnv(t *testing.T, frames uint64) *testEnv {
	t.Helper()
	a, err := physmem.NewArena(0x8000_0000, frames*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	pool := pgalloc.New()
	if err := pool.AddRange(a.Frames()); err != nil {
		t.Fatalf("AddRange: %v", err)
	}
	return &testEnv{arena: a, pool: pool, hart: ring0.NewHart(0, a)}
}

func (e *testEnv) newAS(opts Opts) *AddressSpace {
	return NewBare(e.pool, e.arena, e.hart, opts)
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestNewBare(t *testing.T) {
	env := newTestEnv(t, 4)
	as := env.newAS(Opts{ASID: 3})
	if got := env.pool.FreeFrames(); got != 3 {
		t.Errorf("FreeFrames after NewBare = %d, want 3", got)
	}
	as.Mapper().Walk(func(p hostarch.Page, _ *pagetables.PTE, _ uint64) bool {
		t.Errorf("fresh address space has a mapping at %v", p)
		return true
	})
	want := ring0.MakeSatp(ring0.Sv39, 3, as.Root())
	if got := as.Token(); got != want {
		t.Errorf("Token() = %v, want %v", got, want)
	}
	if uint64(as.Token())>>60 != 8 {
		t.Errorf("Token() mode bits = %d, want 8", uint64(as.Token())>>60)
	}
}

func TestNewBareExhausted(t *testing.T) {
	env := newTestEnv(t, 1)
	env.newAS(Opts{})
	mustPanic(t, "NewBare with no frames", func() { env.newAS(Opts{}) })
}

func TestActivateIsIdempotent(t *testing.T) {
	env := newTestEnv(t, 8)
	as := env.newAS(Opts{})
	as.Activate()
	before := env.hart.Stats()
	if before.SatpWrites != 1 || before.FullFlushes != 1 {
		t.Fatalf("first Activate: stats = %+v", before)
	}
	as.Activate()
	if diff := cmp.Diff(before, env.hart.Stats()); diff != "" {
		t.Errorf("second Activate touched the hart (-before +after):\n%s", diff)
	}
	if env.hart.ReadSatp() != as.Token() {
		t.Errorf("satp = %v, want %v", env.hart.ReadSatp(), as.Token())
	}

	other := env.newAS(Opts{})
	other.Activate()
	if got := env.hart.Stats(); got.SatpWrites != 2 || got.FullFlushes != 2 {
		t.Errorf("switching address spaces: stats = %+v", got)
	}
}

func TestMapTranslateUnmap(t *testing.T) {
	env := newTestEnv(t, 8)
	as := env.newAS(Opts{})
	va := hostarch.NewVirtAddr(0xffff_ffc0_8020_1abc)
	pa := hostarch.NewPhysAddr(0x8765_4000)

	e := as.Map(va, pa)
	if got, want := e.Target(), pa; got != want {
		t.Errorf("Target() = %v, want %v", got, want)
	}
	if got, ok := as.Translate(va); !ok || got != pa.Add(0xabc) {
		t.Errorf("Translate(%v) = %v, %v; want %v", va, got, ok, pa.Add(0xabc))
	}
	if !e.Present() || !e.Writable() || e.User() || e.Execute() {
		t.Errorf("Map produced entry %v", e)
	}

	as.Activate()
	got, err := env.hart.Translate(va, ring0.Write, false)
	if err != nil || got != pa.Add(0xabc) {
		t.Errorf("hart Translate = %v, %v", got, err)
	}

	flushes := env.hart.Stats().PageFlushes
	as.Unmap(va)
	if env.hart.Stats().PageFlushes != flushes+1 {
		t.Errorf("Unmap did not flush")
	}
	if _, ok := as.Translate(va); ok {
		t.Errorf("%v still mapped after Unmap", va)
	}
	if _, err := env.hart.Translate(va, ring0.Read, false); err == nil {
		t.Errorf("hart still translates %v after Unmap", va)
	}
	mustPanic(t, "second Unmap", func() { as.Unmap(va) })

	// Remapping after unmap succeeds.
	as.Map(va, pa)
	mustPanic(t, "Map over a mapping", func() { as.Map(va, pa) })
}

func TestEntry(t *testing.T) {
	env := newTestEnv(t, 8)
	as := env.newAS(Opts{})
	if _, ok := as.Entry(0x1000); ok {
		t.Errorf("Entry in an empty address space succeeded")
	}
	as.Map(0x1000, 0x9000_0000)
	e, ok := as.Entry(0x2000)
	if !ok {
		t.Fatalf("Entry of a neighbouring page failed")
	}
	if e.Present() || e.Page() != hostarch.PageFromNumber(2) {
		t.Errorf("neighbouring entry = %v", e)
	}
}

func TestPageEntryAccessors(t *testing.T) {
	env := newTestEnv(t, 8)
	as := env.newAS(Opts{})
	va := hostarch.NewVirtAddr(0x40_0000)
	e := as.Map(va, 0x9000_0000)

	if !e.Accessed() || !e.Dirty() {
		t.Errorf("new mapping lacks A or D: %v", e)
	}
	e.ClearAccessed()
	e.ClearDirty()
	if e.Accessed() || e.Dirty() {
		t.Errorf("A or D survived clearing: %v", e)
	}
	e.SetUser(true)
	e.SetExecute(true)
	if !e.User() || !e.Execute() {
		t.Errorf("U or X not set: %v", e)
	}
	e.SetTarget(0x9000_3000)
	if e.Target() != 0x9000_3000 || !e.User() {
		t.Errorf("SetTarget: %v", e)
	}
	e.SetPresent(false)
	if e.Present() {
		t.Errorf("SetPresent(false) left the page present")
	}
	if pa, ok := as.Translate(va); ok {
		t.Errorf("Translate of an absent page = %v, want not mapped", pa)
	}
	e.SetPresent(true)
	if !e.Present() {
		t.Errorf("SetPresent(true) left the page absent")
	}
	if pa, ok := as.Translate(va); !ok || pa != 0x9000_3000 {
		t.Errorf("Translate = %v, %v; want 0x90003000", pa, ok)
	}
}

func TestUpdateFlushesStaleTranslation(t *testing.T) {
	env := newTestEnv(t, 8)
	as := env.newAS(Opts{ASID: 5})
	va := hostarch.NewVirtAddr(0x40_0000)
	e := as.Map(va, 0x9000_0000)
	as.Activate()

	if _, err := env.hart.Translate(va, ring0.Write, false); err != nil {
		t.Fatalf("Translate: %v", err)
	}
	e.SetWritable(false)
	if _, err := env.hart.Translate(va, ring0.Write, false); err != nil {
		t.Errorf("cached translation was dropped without a flush: %v", err)
	}
	e.Update()
	_, err := env.hart.Translate(va, ring0.Write, false)
	if !goerrors.Is(err, errors.ErrAccessDenied) {
		t.Errorf("write after Update = %v, want %v", err, errors.ErrAccessDenied)
	}
}

func TestRelease(t *testing.T) {
	env := newTestEnv(t, 16)
	asids, err := pagetables.NewASIDs(1, 4)
	if err != nil {
		t.Fatalf("NewASIDs: %v", err)
	}
	as := env.newAS(Opts{ASIDs: asids})
	if as.ASID() == 0 || asids.Available() != 3 {
		t.Errorf("ASID = %d with %d available", as.ASID(), asids.Available())
	}
	free := env.pool.FreeFrames()
	// Two pages in different gigapages need two p2 and two p1 tables.
	as.Map(0x1000, 0x9000_0000)
	as.Map(0x4000_1000, 0x9000_1000)
	if got := free - env.pool.FreeFrames(); got != 4 {
		t.Errorf("mapping allocated %d tables, want 4", got)
	}
	as.Release()
	if got, want := env.pool.FreeFrames(), env.pool.TotalFrames(); got != want {
		t.Errorf("FreeFrames after Release = %d, want %d", got, want)
	}
	if asids.Available() != 4 {
		t.Errorf("ASID not returned: %d available", asids.Available())
	}
	mustPanic(t, "second Release", as.Release)
}

func TestActivateOn(t *testing.T) {
	env := newTestEnv(t, 8)
	as := env.newAS(Opts{ASID: 2})
	va := hostarch.NewVirtAddr(0x5000)
	as.Map(va, 0x9000_0000)

	other := ring0.NewHart(1, env.arena)
	as.ActivateOn(other)
	as.ActivateOn(other)
	if got := other.Stats(); got.SatpWrites != 1 || got.FullFlushes != 1 {
		t.Errorf("other hart stats = %+v", got)
	}
	if got := env.hart.Stats().SatpWrites; got != 0 {
		t.Errorf("ActivateOn wrote satp on the owning hart %d times", got)
	}
	if pa, err := other.Translate(va, ring0.Read, false); err != nil || pa != 0x9000_0000 {
		t.Errorf("other hart Translate = %v, %v", pa, err)
	}
}
