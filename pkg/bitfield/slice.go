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
	"fmt"

	"golang.org/x/exp/constraints"
)

// SliceBitLen returns the number of bits held by s.
func SliceBitLen[T constraints.Integer](s []T) int {
	return len(s) * Width[T]()
}

// SliceGetBit returns bit pos of s, where bit 0 is the least significant bit
// of s[0].
func SliceGetBit[T constraints.Integer](s []T, pos int) bool {
	width := Width[T]()
	checkSlicePos(s, pos)
	return GetBit(s[pos/width], pos%width)
}

// SliceSetBit sets bit pos of s to value.
func SliceSetBit[T constraints.Integer](s []T, pos int, value bool) {
	width := Width[T]()
	checkSlicePos(s, pos)
	SetBit(&s[pos/width], pos%width, value)
}

func checkSlicePos[T constraints.Integer](s []T, pos int) {
	if pos < 0 || pos >= SliceBitLen(s) {
		panic(fmt.Sprintf("bit %d out of range for %d-bit slice", pos, SliceBitLen(s)))
	}
}

// sliceRange validates r against s and returns the element and in-element
// bit coordinates of its two ends.
func sliceRange[T constraints.Integer](s []T, r Range) (first, last, start, end int) {
	width := Width[T]()
	r = r.check(SliceBitLen(s))
	if r.End-r.Start > width {
		panic(fmt.Sprintf("bit range %v is wider than a %d-bit element", r, width))
	}
	first, last = r.Start/width, r.End/width
	start, end = r.Start%width, r.End%width
	if last-first > 1 {
		panic(fmt.Sprintf("bit range %v spans more than two elements", r))
	}
	return first, last, start, end
}

// SliceGetBits returns the field r of s. The field may straddle two adjacent
// elements but may not be wider than one element.
func SliceGetBits[T constraints.Integer](s []T, r Range) T {
	width := Width[T]()
	first, last, start, end := sliceRange(s, r)
	switch {
	case first == last:
		return GetBits(s[first], Bits(start, end))
	case end == 0:
		return GetBits(s[first], Bits(start, width))
	default:
		ret := GetBits(s[first], Bits(start, width))
		SetBits(&ret, Bits(width-start, width-start+end), GetBits(s[last], Bits(0, end)))
		return ret
	}
}

// SliceSetBits replaces the field r of s with value.
func SliceSetBits[T constraints.Integer](s []T, r Range, value T) {
	width := Width[T]()
	first, last, start, end := sliceRange(s, r)
	switch {
	case first == last:
		SetBits(&s[first], Bits(start, end), value)
	case end == 0:
		SetBits(&s[first], Bits(start, width), value)
	default:
		low := width - start
		if uint64(value)&widthMask(width)&^lowMask(low+end) != 0 {
			panic(fmt.Sprintf("value %#x does not fit into bit range %v", value, r))
		}
		SetBits(&s[first], Bits(start, width), GetBits(value, Bits(0, low)))
		SetBits(&s[last], Bits(0, end), GetBits(value, Bits(low, low+end)))
	}
}
