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

package hostarch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: did not panic", name)
		}
	}()
	fn()
}

func TestVirtAddrCanonical(t *testing.T) {
	for _, tc := range []struct {
		v  uint64
		ok bool
	}{
		{0, true},
		{0x3f_ffff_ffff, true},
		{0xffff_ffc0_0000_0000, true},
		{0xffff_ffff_ffff_ffff, true},
		{0x40_0000_0000, false},
		{0x8000_0000_0000_0000, false},
		{0xffff_ff80_0000_0000, false},
	} {
		if got := IsCanonical(tc.v); got != tc.ok {
			t.Errorf("IsCanonical(%#x) = %v, want %v", tc.v, got, tc.ok)
		}
		if !tc.ok {
			mustPanic(t, "NewVirtAddr", func() { NewVirtAddr(tc.v) })
			continue
		}
		if got := NewVirtAddr(tc.v).Uint64(); got != tc.v {
			t.Errorf("NewVirtAddr(%#x).Uint64() = %#x", tc.v, got)
		}
	}
}

func TestPhysAddrBounds(t *testing.T) {
	p := NewPhysAddr(0x00ff_ffff_ffff_ffff)
	if got, want := p.PageNumber(), uint64(0xfff_ffff_ffff); got != want {
		t.Errorf("PageNumber = %#x, want %#x", got, want)
	}
	mustPanic(t, "bit 56 set", func() { NewPhysAddr(1 << 56) })
	mustPanic(t, "Add overflow", func() { p.Add(1) })
}

func TestVirtAddrFields(t *testing.T) {
	v := NewVirtAddr(0xffff_ffc0_8020_1abc)
	if got, want := v.PageOffset(), uint64(0xabc); got != want {
		t.Errorf("PageOffset = %#x, want %#x", got, want)
	}
	if got, want := v.Align4K(), VirtAddr(0xffff_ffc0_8020_1000); got != want {
		t.Errorf("Align4K = %v, want %v", got, want)
	}
	if got, want := [3]int{v.P3Index(), v.P2Index(), v.P1Index()}, [3]int{258, 1, 1}; got != want {
		t.Errorf("indices = %v, want %v", got, want)
	}
	if got, want := v.PageNumber(), uint64(0x408_0201); got != want {
		t.Errorf("PageNumber = %#x, want %#x", got, want)
	}
}

// Recomposing an address from its indices and offset yields the same
// address, including the sign extension of the upper half.
func TestIndicesRoundTrip(t *testing.T) {
	for _, raw := range []uint64{
		0,
		0x1000,
		0x8020_0000,
		0x3f_ffff_ffff,
		0xffff_ffc0_0000_0000,
		0xffff_ffff_ffff_f123,
		0xffff_ffe0_1234_5678,
	} {
		v := NewVirtAddr(raw)
		got := VirtAddrFromIndices(v.P3Index(), v.P2Index(), v.P1Index(), v.PageOffset())
		if got != v {
			t.Errorf("VirtAddrFromIndices(indices of %v) = %v", v, got)
		}
		if p := PageFromNumber(v.PageNumber()); p.Start() != v.Align4K() {
			t.Errorf("PageFromNumber(%#x) = %v, want start %v", v.PageNumber(), p, v.Align4K())
		}
	}
	mustPanic(t, "index 512", func() { VirtAddrFromIndices(512, 0, 0, 0) })
	mustPanic(t, "offset 4096", func() { VirtAddrFromIndices(0, 0, 0, PageSize) })
	mustPanic(t, "vpn too wide", func() { PageFromNumber(1 << PageNumberBits) })
}

func TestFrame(t *testing.T) {
	f := FrameFromAddr(NewPhysAddr(0x8020_0fff))
	if got, want := f.Start(), PhysAddr(0x8020_0000); got != want {
		t.Errorf("Start = %v, want %v", got, want)
	}
	if got, want := f.Number(), uint64(0x80200); got != want {
		t.Errorf("Number = %#x, want %#x", got, want)
	}
	if got := FrameFromNumber(0x80200); got != f {
		t.Errorf("FrameFromNumber = %v, want %v", got, f)
	}
	mustPanic(t, "ppn too wide", func() { FrameFromNumber(1 << FrameNumberBits) })
}

func TestPageRange(t *testing.T) {
	r := PageRangeOf(NewVirtAddr(0x1800), NewVirtAddr(0x4001))
	if got, want := r.Len(), 4; got != want {
		t.Errorf("Len = %d, want %d", got, want)
	}
	var got []VirtAddr
	for p := range r.All() {
		got = append(got, p.Start())
	}
	want := []VirtAddr{0x1000, 0x2000, 0x3000, 0x4000}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pages mismatch (-want +got):\n%s", diff)
	}

	empty := PageRangeOf(NewVirtAddr(0x2000), NewVirtAddr(0x2000))
	if empty.Len() != 0 {
		t.Errorf("empty range has %d pages", empty.Len())
	}
}

func TestHugeRound(t *testing.T) {
	v := NewVirtAddr(0x20_1000)
	if got, want := v.HugeRoundDown(), VirtAddr(0x20_0000); got != want {
		t.Errorf("HugeRoundDown = %v, want %v", got, want)
	}
	if got, ok := v.HugeRoundUp(); !ok || got != 0x40_0000 {
		t.Errorf("HugeRoundUp = %v, %v; want 0x400000, true", got, ok)
	}
	if _, ok := NewVirtAddr(0x3f_fff0_0000).HugeRoundUp(); ok {
		t.Errorf("HugeRoundUp past the lower half succeeded")
	}
}
