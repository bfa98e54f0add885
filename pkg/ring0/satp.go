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

// Package ring0 models the supervisor-mode state of a RISC-V hart that the
// memory subsystem touches: the satp register, TLB invalidation and the
// interrupt enable bit.
package ring0

import (
	"fmt"

	"kmem.dev/kmem/pkg/bitfield"
	"kmem.dev/kmem/pkg/hostarch"
)

// Mode is the translation mode field of satp.
type Mode uint8

// Translation modes.
const (
	Bare Mode = 0
	Sv39 Mode = 8
	Sv48 Mode = 9
	Sv57 Mode = 10
	Sv64 Mode = 11
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case Bare:
		return "Bare"
	case Sv39:
		return "Sv39"
	case Sv48:
		return "Sv48"
	case Sv57:
		return "Sv57"
	case Sv64:
		return "Sv64"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

var (
	satpPPN  = bitfield.Bits(0, 44)
	satpASID = bitfield.Bits(44, 60)
	satpMode = bitfield.Bits(60, 64)
)

// Satp is a value of the supervisor address translation and protection
// register.
type Satp uint64

// MakeSatp builds a satp value.
func MakeSatp(mode Mode, asid uint16, root hostarch.Frame) Satp {
	var v uint64
	bitfield.SetBits(&v, satpMode, uint64(mode))
	bitfield.SetBits(&v, satpASID, uint64(asid))
	bitfield.SetBits(&v, satpPPN, root.Number())
	return Satp(v)
}

// Mode returns the translation mode.
func (s Satp) Mode() Mode {
	return Mode(bitfield.GetBits(uint64(s), satpMode))
}

// ASID returns the address space identifier.
func (s Satp) ASID() uint16 {
	return uint16(bitfield.GetBits(uint64(s), satpASID))
}

// PPN returns the physical page number of the root table.
func (s Satp) PPN() uint64 {
	return bitfield.GetBits(uint64(s), satpPPN)
}

// Root returns the frame holding the root table.
func (s Satp) Root() hostarch.Frame {
	return hostarch.FrameFromNumber(s.PPN())
}

// String implements fmt.Stringer.String.
func (s Satp) String() string {
	return fmt.Sprintf("Satp{mode: %v, asid: %d, ppn: %#x}", s.Mode(), s.ASID(), s.PPN())
}
