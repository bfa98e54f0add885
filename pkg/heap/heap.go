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

// Package heap implements a buddy system allocator for the kernel heap.
//
// Memory handed to the heap is split into power-of-two blocks, each kept on
// the free list of its size class. Allocation splits larger blocks in half
// until the requested class is reached; deallocation merges a block with its
// buddy, the block whose address differs only in the class bit, for as long
// as the buddy is free.
package heap

import (
	"fmt"

	"kmem.dev/kmem/pkg/bits"
	"kmem.dev/kmem/pkg/errors"
)

// DefaultOrder is the number of size classes of the kernel heap, allowing
// blocks of up to 2GB.
const DefaultOrder = 32

// wordSize is the smallest block: a free block must hold the next pointer.
const wordSize = 8

// Layout is the size and alignment of an allocation.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// String implements fmt.Stringer.String.
func (l Layout) String() string {
	return fmt.Sprintf("Layout{size: %d, align: %d}", l.Size, l.Align)
}

// blockSize returns the size of the block serving l.
//
// Precondition: l.Size and l.Align are at most 1<<63.
func (l Layout) blockSize() uintptr {
	return max(uintptr(bits.NextPowerOfTwo64(uint64(l.Size))), l.Align, wordSize)
}

// Heap is a buddy system allocator. It is not safe for concurrent use; see
// LockedHeap.
type Heap struct {
	freeList []freeList

	// user is the sum of requested sizes of live allocations.
	user uintptr

	// allocated is the sum of block sizes of live allocations.
	allocated uintptr

	// total is the number of bytes added to the heap.
	total uintptr
}

// New returns an empty heap with order size classes.
func New(order int) *Heap {
	if order <= 3 || order > 64 {
		panic(fmt.Sprintf("invalid heap order %d", order))
	}
	return &Heap{freeList: make([]freeList, order)}
}

// Order returns the number of size classes.
func (h *Heap) Order() int {
	return len(h.freeList)
}

// maxBlock returns the size of the largest block.
func (h *Heap) maxBlock() uintptr {
	return uintptr(1) << (len(h.freeList) - 1)
}

// checkLayout returns an InvalidLayout error if no block can serve l. Sizes
// are bounded before rounding, so rounding cannot overflow.
func (h *Heap) checkLayout(l Layout) error {
	if l.Size == 0 || !bits.IsPowerOfTwo64(uint64(l.Align)) {
		return errors.New(errors.InvalidLayout, fmt.Sprintf("invalid layout %v", l))
	}
	if l.Size > h.maxBlock() || l.Align > h.maxBlock() {
		return errors.New(errors.InvalidLayout, fmt.Sprintf("%v exceeds the largest block of %d bytes", l, h.maxBlock()))
	}
	return nil
}

// Init adds [start, start+size) to an empty heap.
func (h *Heap) Init(start, size uintptr) {
	h.AddToHeap(start, start+size)
}

// AddToHeap adds the memory in [start, end) to the heap. start is rounded
// up and end rounded down to a word boundary. The memory must not be used
// by anything else while it belongs to the heap.
func (h *Heap) AddToHeap(start, end uintptr) {
	start = uintptr(bits.AlignUp(uint64(start), wordSize))
	end = uintptr(bits.AlignDown(uint64(end), wordSize))
	if start > end {
		panic(fmt.Sprintf("invalid heap range [%#x, %#x)", start, end))
	}
	if start == 0 {
		panic("heap memory at address zero")
	}

	maxBlock := h.maxBlock()
	var total uintptr
	for cur := start; cur+wordSize <= end; {
		lowbit := uintptr(bits.LowestOne64(uint64(cur)))
		size := min(lowbit, uintptr(bits.PrevPowerOfTwo64(uint64(end-cur))), maxBlock)
		total += size
		h.freeList[bits.TrailingZeros64(uint64(size))].push(cur)
		cur += size
	}
	h.total += total
}

// Alloc returns the address of a block satisfying l.
//
// The block size is the next power of two of l.Size, but at least l.Align
// and one word. ErrOutOfMemory is returned if no block of that size or
// larger is free.
func (h *Heap) Alloc(l Layout) (uintptr, error) {
	if err := h.checkLayout(l); err != nil {
		return 0, err
	}
	size := l.blockSize()
	class := bits.TrailingZeros64(uint64(size))
	for i := class; i < len(h.freeList); i++ {
		if h.freeList[i].isEmpty() {
			continue
		}
		// Split down to the requested class, keeping the lower halves.
		for j := i; j > class; j-- {
			block, ok := h.freeList[j].pop()
			if !ok {
				return 0, errors.New(errors.Corrupted, fmt.Sprintf("free list %d emptied while splitting for %v", j, l))
			}
			h.freeList[j-1].push(block + uintptr(1)<<(j-1))
			h.freeList[j-1].push(block)
		}
		block, ok := h.freeList[class].pop()
		if !ok {
			panic("current block should have free space now")
		}
		h.user += l.Size
		h.allocated += size
		return block, nil
	}
	return 0, errors.New(errors.OutOfMemory, fmt.Sprintf("no free block for %v", l))
}

// Dealloc returns the block at ptr, allocated with l, to the heap and merges
// it with its free buddies.
func (h *Heap) Dealloc(ptr uintptr, l Layout) {
	if err := h.checkLayout(l); err != nil {
		panic(fmt.Sprintf("Dealloc(%#x): %v", ptr, err))
	}
	size := l.blockSize()
	class := bits.TrailingZeros64(uint64(size))

	h.freeList[class].push(ptr)
	for cur := ptr; class < len(h.freeList)-1; class++ {
		buddy := cur ^ uintptr(1)<<class
		if !h.freeList[class].remove(buddy) {
			break
		}
		// cur is at the head of the list.
		h.freeList[class].pop()
		cur = min(cur, buddy)
		h.freeList[class+1].push(cur)
	}

	h.user -= l.Size
	h.allocated -= size
}

// StatsAllocUser returns the bytes requested by live allocations.
func (h *Heap) StatsAllocUser() uintptr {
	return h.user
}

// StatsAllocActual returns the bytes of the blocks backing live
// allocations.
func (h *Heap) StatsAllocActual() uintptr {
	return h.allocated
}

// StatsTotalBytes returns the bytes added to the heap.
func (h *Heap) StatsTotalBytes() uintptr {
	return h.total
}

// Stats is a snapshot of a heap's counters.
type Stats struct {
	User      uintptr
	Allocated uintptr
	Total     uintptr

	// FreeBlocks is the number of free blocks per size class.
	FreeBlocks []int
}

// Stats returns a snapshot of the heap's counters.
func (h *Heap) Stats() Stats {
	s := Stats{
		User:       h.user,
		Allocated:  h.allocated,
		Total:      h.total,
		FreeBlocks: make([]int, len(h.freeList)),
	}
	for i := range h.freeList {
		s.FreeBlocks[i] = h.freeList[i].len()
	}
	return s
}

// FreeBlocks returns the addresses of the free blocks of every size class,
// each in ascending order. Class i holds blocks of 1<<i bytes.
func (h *Heap) FreeBlocks() [][]uintptr {
	out := make([][]uintptr, len(h.freeList))
	for i := range h.freeList {
		out[i] = h.freeList[i].blocks()
	}
	return out
}
