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

	"kmem.dev/kmem/pkg/bitfield"
)

var (
	pageOffsetBits = bitfield.Bits(0, PageShift)
	vpnBits        = bitfield.Bits(PageShift, VirtAddrBits)
	ppnBits        = bitfield.Bits(PageShift, PhysAddrBits)
	upperVirtBits  = bitfield.From(VirtAddrBits - 1)
	upperPhysBits  = bitfield.From(PhysAddrBits)
	p3Bits         = bitfield.Bits(GigaPageShift, VirtAddrBits)
	p2Bits         = bitfield.Bits(HugePageShift, GigaPageShift)
	p1Bits         = bitfield.Bits(PageShift, HugePageShift)
)

// VirtualAddress is the set of operations the page-table walker needs from a
// virtual address. VirtAddr is the Sv39 implementation.
type VirtualAddress interface {
	~uint64

	// PageNumber returns the virtual page number.
	PageNumber() uint64

	// P3Index returns the index into the root table.
	P3Index() int

	// P2Index returns the index into the second level table.
	P2Index() int

	// P1Index returns the index into the leaf table.
	P1Index() int
}

// VirtAddr is an Sv39 virtual address. Bits 39 to 63 always equal bit 38.
type VirtAddr uint64

// IsCanonical reports whether v is a valid Sv39 virtual address.
func IsCanonical(v uint64) bool {
	upper := bitfield.GetBits(v, upperVirtBits)
	return upper == 0 || upper == bitfield.GetBits(^uint64(0), upperVirtBits)
}

// NewVirtAddr returns v as a VirtAddr. It panics if v is not canonical.
func NewVirtAddr(v uint64) VirtAddr {
	if !IsCanonical(v) {
		panic(fmt.Sprintf("invalid Sv39 virtual address %#x: bits 39..64 must equal bit 38", v))
	}
	return VirtAddr(v)
}

// VirtAddrFromIndices builds the address selected by the three table indices
// and a page offset. The result is sign extended from bit 38.
func VirtAddrFromIndices(p3, p2, p1 int, offset uint64) VirtAddr {
	for _, i := range [...]int{p3, p2, p1} {
		if i < 0 || i >= EntriesPerTable {
			panic(fmt.Sprintf("page table index %d out of range", i))
		}
	}
	if offset >= PageSize {
		panic(fmt.Sprintf("page offset %#x out of range", offset))
	}
	var v uint64
	bitfield.SetBits(&v, p3Bits, uint64(p3))
	bitfield.SetBits(&v, p2Bits, uint64(p2))
	bitfield.SetBits(&v, p1Bits, uint64(p1))
	bitfield.SetBits(&v, pageOffsetBits, offset)
	if bitfield.GetBit(v, VirtAddrBits-1) {
		bitfield.SetBits(&v, upperVirtBits, bitfield.GetBits(^uint64(0), upperVirtBits))
	}
	return VirtAddr(v)
}

// Uint64 returns v as a plain integer.
func (v VirtAddr) Uint64() uint64 {
	return uint64(v)
}

// PageNumber returns bits 12..39.
func (v VirtAddr) PageNumber() uint64 {
	return bitfield.GetBits(uint64(v), vpnBits)
}

// PageOffset returns bits 0..12.
func (v VirtAddr) PageOffset() uint64 {
	return bitfield.GetBits(uint64(v), pageOffsetBits)
}

// Align4K rounds v down to a page boundary.
func (v VirtAddr) Align4K() VirtAddr {
	return v &^ (PageSize - 1)
}

// IsPageAligned returns true if v is a multiple of PageSize.
func (v VirtAddr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v VirtAddr) HugeRoundDown() VirtAddr {
	return v &^ (HugePageSize - 1)
}

// HugeRoundUp returns the address rounded up to the nearest huge page boundary.
// ok is true iff rounding up did not wrap around or leave the canonical half
// that v lives in.
func (v VirtAddr) HugeRoundUp() (addr VirtAddr, ok bool) {
	addr = VirtAddr(v + HugePageSize - 1).HugeRoundDown()
	ok = addr >= v && IsCanonical(uint64(addr))
	return
}

// P3Index returns bits 30..39.
func (v VirtAddr) P3Index() int {
	return int(bitfield.GetBits(uint64(v), p3Bits))
}

// P2Index returns bits 21..30.
func (v VirtAddr) P2Index() int {
	return int(bitfield.GetBits(uint64(v), p2Bits))
}

// P1Index returns bits 12..21.
func (v VirtAddr) P1Index() int {
	return int(bitfield.GetBits(uint64(v), p1Bits))
}

// String implements fmt.Stringer.String.
func (v VirtAddr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// PhysAddr is an Sv39 physical address. Bits 56 to 63 are always zero.
type PhysAddr uint64

// NewPhysAddr returns v as a PhysAddr. It panics if v has bits set above
// bit 55.
func NewPhysAddr(v uint64) PhysAddr {
	if bitfield.GetBits(v, upperPhysBits) != 0 {
		panic(fmt.Sprintf("invalid Sv39 physical address %#x: bits 56..64 must be zero", v))
	}
	return PhysAddr(v)
}

// Uint64 returns p as a plain integer.
func (p PhysAddr) Uint64() uint64 {
	return uint64(p)
}

// PageNumber returns bits 12..56.
func (p PhysAddr) PageNumber() uint64 {
	return bitfield.GetBits(uint64(p), ppnBits)
}

// PageOffset returns bits 0..12.
func (p PhysAddr) PageOffset() uint64 {
	return bitfield.GetBits(uint64(p), pageOffsetBits)
}

// Align4K rounds p down to a page boundary.
func (p PhysAddr) Align4K() PhysAddr {
	return p &^ (PageSize - 1)
}

// Add returns p+off. It panics if the result is not a valid address.
func (p PhysAddr) Add(off uint64) PhysAddr {
	return NewPhysAddr(uint64(p) + off)
}

// String implements fmt.Stringer.String.
func (p PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}
