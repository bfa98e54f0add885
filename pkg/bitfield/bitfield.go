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

// Package bitfield provides bit extraction and insertion over fixed-width
// integers and over slices of them.
//
// All operations panic when given a bit position or range that does not fit
// the operand; these indicate a programming error in the caller. Fields are
// always returned zero-extended, including for signed types.
package bitfield

import (
	"fmt"
	"unsafe"

	"golang.org/x/exp/constraints"
)

// unbounded marks a Range end that extends to the width of the operand.
const unbounded = -1

// Range is a half-open range of bit positions [Start, End).
//
// Use the constructors below; a Range built with From or All resolves its end
// against the width of the operand it is applied to.
type Range struct {
	Start int
	End   int
}

// Bits returns the half-open range [start, end).
func Bits(start, end int) Range {
	return Range{Start: start, End: end}
}

// Inclusive returns the range [first, last], normalized to half-open form.
func Inclusive(first, last int) Range {
	return Range{Start: first, End: last + 1}
}

// From returns the range from start to the most significant bit.
func From(start int) Range {
	return Range{Start: start, End: unbounded}
}

// To returns the range [0, end).
func To(end int) Range {
	return Range{Start: 0, End: end}
}

// All returns the range covering every bit of the operand.
func All() Range {
	return Range{Start: 0, End: unbounded}
}

// Len returns the number of bits in r once resolved against width.
func (r Range) Len(width int) int {
	r = r.resolve(width)
	return r.End - r.Start
}

// String implements fmt.Stringer.
func (r Range) String() string {
	if r.End == unbounded {
		return fmt.Sprintf("%d..", r.Start)
	}
	return fmt.Sprintf("%d..%d", r.Start, r.End)
}

func (r Range) resolve(width int) Range {
	if r.End == unbounded {
		r.End = width
	}
	return r
}

// check resolves r against width and panics if the result is not a
// non-empty range within [0, width).
func (r Range) check(width int) Range {
	r = r.resolve(width)
	if r.Start < 0 || r.Start >= width {
		panic(fmt.Sprintf("bit range %v starts outside of %d-bit operand", r, width))
	}
	if r.End > width {
		panic(fmt.Sprintf("bit range %v exceeds %d-bit operand", r, width))
	}
	if r.Start >= r.End {
		panic(fmt.Sprintf("bit range %v is empty", r))
	}
	return r
}

// Width returns the number of bits in T.
func Width[T constraints.Integer]() int {
	var v T
	return int(unsafe.Sizeof(v)) * 8
}

// widthMask returns a mask covering every bit of a T.
func widthMask(width int) uint64 {
	if width >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(width) - 1
}

// lowMask returns a mask of the n least significant bits.
func lowMask(n int) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return uint64(1)<<uint(n) - 1
}

// GetBit returns the bit at pos.
func GetBit[T constraints.Integer](v T, pos int) bool {
	width := Width[T]()
	if pos < 0 || pos >= width {
		panic(fmt.Sprintf("bit %d out of range for %d-bit operand", pos, width))
	}
	return uint64(v)&(uint64(1)<<uint(pos)) != 0
}

// SetBit sets the bit at pos to value.
func SetBit[T constraints.Integer](v *T, pos int, value bool) {
	width := Width[T]()
	if pos < 0 || pos >= width {
		panic(fmt.Sprintf("bit %d out of range for %d-bit operand", pos, width))
	}
	u := uint64(*v)
	if value {
		u |= uint64(1) << uint(pos)
	} else {
		u &^= uint64(1) << uint(pos)
	}
	*v = T(u)
}

// GetBits returns the field r of v, shifted down to bit 0.
func GetBits[T constraints.Integer](v T, r Range) T {
	width := Width[T]()
	r = r.check(width)
	u := uint64(v) & widthMask(width)
	return T((u >> uint(r.Start)) & lowMask(r.End-r.Start))
}

// SetBits replaces the field r of v with value.
//
// value must fit within the width of r: any bit of value above the range
// width must be zero.
func SetBits[T constraints.Integer](v *T, r Range, value T) {
	width := Width[T]()
	r = r.check(width)
	n := r.End - r.Start
	raw := uint64(value) & widthMask(width)
	if raw&^lowMask(n) != 0 {
		panic(fmt.Sprintf("value %#x does not fit into bit range %v", raw, r))
	}
	mask := lowMask(n) << uint(r.Start)
	u := uint64(*v) & widthMask(width)
	*v = T((u &^ mask) | (raw << uint(r.Start)))
}
