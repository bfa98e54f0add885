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

// Package hostarch describes the Sv39 address model: typed virtual and
// physical addresses, pages and frames.
package hostarch

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of a level-2 leaf (megapage).
	// PageShift + IndexBits = 12 + 9 = 21, giving 2MB pages.
	HugePageShift = PageShift + IndexBits

	// HugePageSize is the size of a megapage.
	HugePageSize = 1 << HugePageShift

	// GigaPageShift is the binary log of a level-3 leaf (gigapage).
	GigaPageShift = HugePageShift + IndexBits

	// GigaPageSize is the size of a gigapage.
	GigaPageSize = 1 << GigaPageShift

	// IndexBits is the width of one page-table index.
	IndexBits = 9

	// EntriesPerTable is the number of entries in a page table.
	EntriesPerTable = 1 << IndexBits

	// VirtAddrBits is the number of significant virtual address bits.
	VirtAddrBits = 39

	// PhysAddrBits is the number of physical address bits.
	PhysAddrBits = 56

	// PageNumberBits is the width of a virtual page number.
	PageNumberBits = VirtAddrBits - PageShift

	// FrameNumberBits is the width of a physical page number.
	FrameNumberBits = PhysAddrBits - PageShift
)
