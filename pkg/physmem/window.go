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

// Package physmem provides access to physical memory through a linear
// window: every physical address is visible at a fixed offset in the kernel's
// virtual address space.
package physmem

import (
	"fmt"

	"kmem.dev/kmem/pkg/hostarch"
)

// Window translates physical addresses to addresses the current program can
// dereference, and back.
type Window interface {
	// VirtOf returns the address at which pa is visible. It panics if pa is
	// outside the window.
	VirtOf(pa hostarch.PhysAddr) uintptr

	// PhysOf returns the physical address visible at va, if any.
	PhysOf(va uintptr) (hostarch.PhysAddr, bool)
}

// Linear is a window covering all physical memory at a fixed offset. It is
// what a kernel running with a direct map uses.
type Linear struct {
	// Offset is added to a physical address to obtain its virtual alias.
	Offset uint64
}

// VirtOf implements Window.VirtOf.
func (l Linear) VirtOf(pa hostarch.PhysAddr) uintptr {
	return uintptr(uint64(pa) + l.Offset)
}

// PhysOf implements Window.PhysOf.
func (l Linear) PhysOf(va uintptr) (hostarch.PhysAddr, bool) {
	pa := uint64(va) - l.Offset
	if uint64(va) < l.Offset || pa >= 1<<hostarch.PhysAddrBits {
		return 0, false
	}
	return hostarch.PhysAddr(pa), true
}

// String implements fmt.Stringer.String.
func (l Linear) String() string {
	return fmt.Sprintf("Linear{Offset: %#x}", l.Offset)
}
