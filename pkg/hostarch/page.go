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
	"fmt"
	"iter"
)

// PageOf is a page-aligned virtual address.
type PageOf[V VirtualAddress] struct {
	start V
}

// Page is an Sv39 virtual page.
type Page = PageOf[VirtAddr]

// PageFromAddr returns the page containing v.
func PageFromAddr[V VirtualAddress](v V) PageOf[V] {
	return PageOf[V]{start: v &^ (PageSize - 1)}
}

// PageFromNumber returns the page with the given virtual page number.
func PageFromNumber(vpn uint64) Page {
	if vpn >= 1<<PageNumberBits {
		panic(fmt.Sprintf("virtual page number %#x out of range", vpn))
	}
	p3 := int(vpn >> (2 * IndexBits))
	p2 := int(vpn>>IndexBits) & (EntriesPerTable - 1)
	p1 := int(vpn) & (EntriesPerTable - 1)
	return PageFromIndices(p3, p2, p1)
}

// PageFromIndices returns the page selected by the three table indices.
func PageFromIndices(p3, p2, p1 int) Page {
	return Page{start: VirtAddrFromIndices(p3, p2, p1, 0)}
}

// Start returns the first address of the page.
func (p PageOf[V]) Start() V {
	return p.start
}

// Number returns the virtual page number.
func (p PageOf[V]) Number() uint64 {
	return p.start.PageNumber()
}

// P3Index returns the root table index.
func (p PageOf[V]) P3Index() int {
	return p.start.P3Index()
}

// P2Index returns the second level table index.
func (p PageOf[V]) P2Index() int {
	return p.start.P2Index()
}

// P1Index returns the leaf table index.
func (p PageOf[V]) P1Index() int {
	return p.start.P1Index()
}

// String implements fmt.Stringer.String.
func (p PageOf[V]) String() string {
	return fmt.Sprintf("Page(%#x)", uint64(p.start))
}

// Frame is a page-aligned physical address.
type Frame struct {
	start PhysAddr
}

// FrameFromAddr returns the frame containing p.
func FrameFromAddr(p PhysAddr) Frame {
	return Frame{start: p.Align4K()}
}

// FrameFromNumber returns the frame with the given physical page number.
func FrameFromNumber(ppn uint64) Frame {
	if ppn >= 1<<FrameNumberBits {
		panic(fmt.Sprintf("physical page number %#x out of range", ppn))
	}
	return Frame{start: PhysAddr(ppn << PageShift)}
}

// Start returns the first address of the frame.
func (f Frame) Start() PhysAddr {
	return f.start
}

// Number returns the physical page number.
func (f Frame) Number() uint64 {
	return f.start.PageNumber()
}

// P3Index returns the root table index the frame occupies when identity
// mapped.
func (f Frame) P3Index() int {
	return VirtAddr(f.start).P3Index()
}

// P2Index returns the second level index when identity mapped.
func (f Frame) P2Index() int {
	return VirtAddr(f.start).P2Index()
}

// P1Index returns the leaf index when identity mapped.
func (f Frame) P1Index() int {
	return VirtAddr(f.start).P1Index()
}

// String implements fmt.Stringer.String.
func (f Frame) String() string {
	return fmt.Sprintf("Frame(%#x)", uint64(f.start))
}

// PageRange is the set of pages covering [Start, End).
type PageRange struct {
	// Start is the first page in the range.
	Start Page

	// End is the page past the last page in the range.
	End Page
}

// PageRangeOf returns the pages covering the byte range [start, end).
func PageRangeOf(start, end VirtAddr) PageRange {
	if end < start {
		panic(fmt.Sprintf("invalid page range [%v, %v)", start, end))
	}
	last := (uint64(end) + PageSize - 1) &^ (PageSize - 1)
	return PageRange{
		Start: PageFromAddr(start),
		End:   Page{start: VirtAddr(last)},
	}
}

// Len returns the number of pages in the range.
func (r PageRange) Len() int {
	return int((uint64(r.End.start) - uint64(r.Start.start)) >> PageShift)
}

// All iterates over the pages of the range in ascending order. It panics
// if the range crosses the non-canonical hole.
func (r PageRange) All() iter.Seq[Page] {
	return func(yield func(Page) bool) {
		for a := uint64(r.Start.start); a < uint64(r.End.start); a += PageSize {
			if !yield(Page{start: NewVirtAddr(a)}) {
				return
			}
		}
	}
}
