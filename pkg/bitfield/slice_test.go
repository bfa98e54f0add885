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

package bitfield

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSliceSingleElement(t *testing.T) {
	s := []uint8{0, 0, 0}
	SliceSetBits(s, Bits(9, 13), 0xb)
	if diff := cmp.Diff([]uint8{0, 0x16, 0}, s); diff != "" {
		t.Errorf("SliceSetBits mismatch (-want +got):\n%s", diff)
	}
	if got := SliceGetBits(s, Bits(9, 13)); got != 0xb {
		t.Errorf("SliceGetBits(9..13) = %#x, wanted 0xb", got)
	}
	if !SliceGetBit(s, 10) || SliceGetBit(s, 11) {
		t.Errorf("SliceGetBit returned wrong values for %v", s)
	}
}

func TestSliceStraddle(t *testing.T) {
	s := []uint8{0, 0}
	SliceSetBits(s, Bits(4, 12), 0xa5)
	if diff := cmp.Diff([]uint8{0x50, 0x0a}, s); diff != "" {
		t.Errorf("SliceSetBits mismatch (-want +got):\n%s", diff)
	}
	if got := SliceGetBits(s, Bits(4, 12)); got != 0xa5 {
		t.Errorf("SliceGetBits(4..12) = %#x, wanted 0xa5", got)
	}
	mustPanic(t, "value too wide", func() { SliceSetBits(s, Bits(4, 10), 0xff) })
}

func TestSliceElementBoundary(t *testing.T) {
	s := []uint16{0, 0}
	SliceSetBits(s, Bits(8, 16), 0xff)
	if diff := cmp.Diff([]uint16{0xff00, 0}, s); diff != "" {
		t.Errorf("SliceSetBits mismatch (-want +got):\n%s", diff)
	}
	if got := SliceGetBits(s, From(24)); got != 0 {
		t.Errorf("SliceGetBits(24..) = %#x, wanted 0", got)
	}
	SliceSetBit(s, 31, true)
	if s[1] != 0x8000 {
		t.Errorf("SliceSetBit(31) gave %#x, wanted 0x8000", s[1])
	}
}

func TestSliceInvalid(t *testing.T) {
	s := []uint8{0, 0, 0}
	mustPanic(t, "wider than element", func() { SliceGetBits(s, Bits(0, 9)) })
	mustPanic(t, "straddle wider than element", func() { SliceSetBits(s, Bits(4, 13), 0) })
	mustPanic(t, "beyond slice", func() { SliceGetBit(s, 24) })
	mustPanic(t, "empty", func() { SliceGetBits(s, Bits(3, 3)) })
}
