// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed size set of small integers.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of integers in [0, Size()).
//
// The zero value is an empty bitmap of size 0.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of usable bits.
	size uint32

	// bitBlock holds the bits, 64 per word.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding [0, size).
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// IsEmpty returns true iff no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// Contains returns true iff i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(1<<(i%64)) != 0
}

// FirstZero returns the first unset bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if start >= b.size {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			if r := uint32(bits.TrailingZeros64(^w) + i*64); r < b.size {
				return r, nil
			}
			break
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no unset bits")
}

// Add sets i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if old := b.bitBlock[blockNum]; old&mask == 0 {
		b.bitBlock[blockNum] = old | mask
		b.numOnes++
	}
}

// Remove clears i.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		return
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if old := b.bitBlock[blockNum]; old&mask != 0 {
		b.bitBlock[blockNum] = old &^ mask
		b.numOnes--
	}
}

// ToSlice returns the set bits in increasing order. For example, a bitmap
// of [0, 1, 0, 1] returns [1, 3].
func (b *Bitmap) ToSlice() []uint32 {
	bitmapSlice := make([]uint32, 0, b.numOnes)
	// base is the start number of a bitBlock
	base := uint32(0)
	for _, bitBlock := range b.bitBlock {
		for bitBlock != 0 {
			// Extract the lowest set bit.
			j := bitBlock & -bitBlock
			bitmapSlice = append(bitmapSlice, base+uint32(bits.OnesCount64(j-1)))
			bitBlock ^= j
		}
		base += 64
	}
	return bitmapSlice
}
