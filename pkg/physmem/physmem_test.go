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

package physmem

import (
	"bytes"
	"testing"

	"kmem.dev/kmem/pkg/hostarch"
)

func newArena(t *testing.T, base hostarch.PhysAddr, size uint64) *Arena {
	t.Helper()
	a, err := NewArena(base, size)
	if err != nil {
		t.Fatalf("NewArena(%v, %#x): %v", base, size, err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return a
}

func TestArenaTranslation(t *testing.T) {
	a := newArena(t, 0x8000_0000, 16*hostarch.PageSize)
	first, n := a.Frames()
	if first.Number() != 0x80000 || n != 16 {
		t.Errorf("Frames = %v, %d; want frame 0x80000, 16", first, n)
	}

	pa := hostarch.PhysAddr(0x8000_3008)
	va := a.VirtOf(pa)
	if got, ok := a.PhysOf(va); !ok || got != pa {
		t.Errorf("PhysOf(VirtOf(%v)) = %v, %v", pa, got, ok)
	}
	if _, ok := a.PhysOf(a.VirtOf(a.Base()) - 1); ok {
		t.Errorf("PhysOf below the arena succeeded")
	}

	defer func() {
		if recover() == nil {
			t.Errorf("VirtOf outside the arena did not panic")
		}
	}()
	a.VirtOf(a.End())
}

func TestArenaMemory(t *testing.T) {
	a := newArena(t, 0x8000_0000, 4*hostarch.PageSize)
	f := hostarch.FrameFromNumber(0x80001)

	WritePhys(a, f.Start(), []byte("satp"))
	Store64(a.VirtOf(f.Start()+8), 0xdead_beef)
	if got := Load64(a.VirtOf(f.Start() + 8)); got != 0xdead_beef {
		t.Errorf("Load64 = %#x, want 0xdeadbeef", got)
	}

	ZeroFrame(a, f)
	buf := make([]byte, hostarch.PageSize)
	ReadPhys(a, f.Start(), buf)
	if !bytes.Equal(buf, make([]byte, hostarch.PageSize)) {
		t.Errorf("frame not zeroed")
	}
}

func TestArenaRejectsUnaligned(t *testing.T) {
	for _, tc := range []struct {
		base hostarch.PhysAddr
		size uint64
	}{
		{0x8000_0001, hostarch.PageSize},
		{0x8000_0000, 100},
		{0x8000_0000, 0},
	} {
		if a, err := NewArena(tc.base, tc.size); err == nil {
			a.Close()
			t.Errorf("NewArena(%v, %#x) succeeded", tc.base, tc.size)
		}
	}
}

func TestLinear(t *testing.T) {
	l := Linear{Offset: 0xffff_ffc0_0000_0000}
	pa := hostarch.PhysAddr(0x8020_0000)
	if got, want := l.VirtOf(pa), uintptr(0xffff_ffc0_8020_0000); got != want {
		t.Errorf("VirtOf = %#x, want %#x", got, want)
	}
	if got, ok := l.PhysOf(0xffff_ffc0_8020_0000); !ok || got != pa {
		t.Errorf("PhysOf = %v, %v; want %v", got, ok, pa)
	}
	if _, ok := l.PhysOf(0x1000); ok {
		t.Errorf("PhysOf below the offset succeeded")
	}
}
