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

package pagetables

import (
	"fmt"
	"strings"

	"kmem.dev/kmem/pkg/bitfield"
	"kmem.dev/kmem/pkg/hostarch"
)

// Flags are the low ten bits of a page table entry.
type Flags uint64

// Page table entry flags.
const (
	Valid Flags = 1 << iota
	Readable
	Writable
	Executable
	User
	Global
	Accessed
	Dirty
	Reserved1
	Reserved2
)

var flagNames = [...]struct {
	f    Flags
	name byte
}{
	{Valid, 'V'},
	{Readable, 'R'},
	{Writable, 'W'},
	{Executable, 'X'},
	{User, 'U'},
	{Global, 'G'},
	{Accessed, 'A'},
	{Dirty, 'D'},
}

// Contains reports whether all of other is set in f.
func (f Flags) Contains(other Flags) bool {
	return f&other == other
}

// String implements fmt.Stringer.String. Flags are printed as VRWXUGAD with
// a '-' for each clear bit, followed by the reserved-for-software bits when
// any is set.
func (f Flags) String() string {
	var b strings.Builder
	for _, n := range flagNames {
		if f&n.f != 0 {
			b.WriteByte(n.name)
		} else {
			b.WriteByte('-')
		}
	}
	if rsw := bitfield.GetBits(uint64(f), rswBits); rsw != 0 {
		fmt.Fprintf(&b, " RSW=%d", rsw)
	}
	return b.String()
}

var (
	flagBits = bitfield.Bits(0, 10)
	rswBits  = bitfield.Bits(8, 10)
	ppnBits  = bitfield.Bits(10, 54)
)

// leafFlags are the permission bits; an entry with any of them set is a
// leaf at whatever level it appears.
const leafFlags = Readable | Writable | Executable

// PTE is an Sv39 page table entry.
type PTE uint64

// Entry is the set of operations the mapper performs on an entry. *PTE is
// the Sv39 implementation.
type Entry interface {
	IsUnused() bool
	Clear()
	Flags() Flags
	Frame() hostarch.Frame
	Set(frame hostarch.Frame, flags Flags)
}

var _ Entry = (*PTE)(nil)

// IsUnused returns true iff the entry is zero.
//
//go:nosplit
func (p *PTE) IsUnused() bool {
	return *p == 0
}

// Clear zeroes the entry.
//
//go:nosplit
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff the V bit is set.
//
//go:nosplit
func (p *PTE) Valid() bool {
	return Flags(*p)&Valid != 0
}

// IsLeaf returns true iff any of R, W or X is set.
//
//go:nosplit
func (p *PTE) IsLeaf() bool {
	return Flags(*p)&leafFlags != 0
}

// Flags returns the flag bits.
func (p *PTE) Flags() Flags {
	return Flags(bitfield.GetBits(uint64(*p), flagBits))
}

// PPN returns the physical page number.
func (p *PTE) PPN() uint64 {
	return bitfield.GetBits(uint64(*p), ppnBits)
}

// Address returns the physical address the entry points to.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p.PPN() << hostarch.PageShift)
}

// Frame returns the frame the entry points to.
func (p *PTE) Frame() hostarch.Frame {
	return hostarch.FrameFromNumber(p.PPN())
}

// Set points the entry at frame with the given flags. Accessed and Dirty
// are always set: some implementations fault on A=0 or D=0 instead of
// updating the bits in hardware.
func (p *PTE) Set(frame hostarch.Frame, flags Flags) {
	p.set(frame, flags|Accessed|Dirty)
}

// setPageTable points the entry at the next level table. Only V is set, as
// A, D and U are reserved in non-leaf entries.
func (p *PTE) setPageTable(frame hostarch.Frame) {
	p.set(frame, Valid)
}

// SetFlag sets or clears f in place, leaving the frame and all other flags
// unchanged.
func (p *PTE) SetFlag(f Flags, on bool) {
	flags := p.Flags()
	if on {
		flags |= f
	} else {
		flags &^= f
	}
	p.set(p.Frame(), flags)
}

func (p *PTE) set(frame hostarch.Frame, flags Flags) {
	var v uint64
	bitfield.SetBits(&v, ppnBits, frame.Number())
	bitfield.SetBits(&v, flagBits, uint64(flags))
	*p = PTE(v)
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	return fmt.Sprintf("PTE{frame: %v, flags: %v}", p.Frame(), p.Flags())
}

// PTEs is a collection of entries occupying one frame.
type PTEs [hostarch.EntriesPerTable]PTE

// Table is the set of operations the mapper performs on a page table.
// *PTEs is the Sv39 implementation.
type Table interface {
	Len() int
	Entry(i int) Entry
	Zero()
}

var _ Table = (*PTEs)(nil)

// Len returns the number of entries.
func (t *PTEs) Len() int {
	return len(t)
}

// Entry returns entry i.
func (t *PTEs) Entry(i int) Entry {
	return &t[i]
}

// Zero clears all entries.
func (t *PTEs) Zero() {
	clear(t[:])
}

// String implements fmt.Stringer.String, listing the entries in use.
func (t *PTEs) String() string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for i := range t {
		if t[i].IsUnused() {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%d: %v", i, &t[i])
	}
	b.WriteByte('}')
	return b.String()
}
