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

package physmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
)

// Arena is anonymous host memory standing in for a range of physical RAM.
// It lets the allocators and the page-table code run unmodified in a
// process: physical address Base() is backed by the first byte of the
// mapping.
type Arena struct {
	base hostarch.PhysAddr
	mem  []byte
}

// NewArena maps size bytes of zeroed memory to pose as physical memory
// starting at base. Both base and size must be page aligned.
func NewArena(base hostarch.PhysAddr, size uint64) (*Arena, error) {
	if base.PageOffset() != 0 || size%hostarch.PageSize != 0 || size == 0 {
		return nil, fmt.Errorf("arena [%v, +%#x) is not page aligned", base, size)
	}
	end := uint64(base) + size
	if end < uint64(base) || end > 1<<hostarch.PhysAddrBits {
		return nil, fmt.Errorf("arena [%v, +%#x) exceeds the physical address space", base, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of arena memory: %w", size, err)
	}
	log.Debugf("Arena: physical [%v, %#x) backed at %#x", base, end, uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
	return &Arena{base: base, mem: mem}, nil
}

// Close unmaps the arena. Any address obtained from it becomes invalid.
func (a *Arena) Close() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}

// Base returns the first physical address of the arena.
func (a *Arena) Base() hostarch.PhysAddr {
	return a.base
}

// Size returns the arena size in bytes.
func (a *Arena) Size() uint64 {
	return uint64(len(a.mem))
}

// End returns the physical address past the end of the arena.
func (a *Arena) End() hostarch.PhysAddr {
	return a.base + hostarch.PhysAddr(len(a.mem))
}

// Contains reports whether pa is backed by the arena.
func (a *Arena) Contains(pa hostarch.PhysAddr) bool {
	return pa >= a.base && pa < a.End()
}

// Frames returns the first frame and the number of frames in the arena.
func (a *Arena) Frames() (hostarch.Frame, uint64) {
	return hostarch.FrameFromAddr(a.base), a.Size() >> hostarch.PageShift
}

func (a *Arena) hostBase() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
}

// VirtOf implements Window.VirtOf.
func (a *Arena) VirtOf(pa hostarch.PhysAddr) uintptr {
	if !a.Contains(pa) {
		panic(fmt.Sprintf("physical address %v outside arena [%v, %v)", pa, a.base, a.End()))
	}
	return a.hostBase() + uintptr(pa-a.base)
}

// PhysOf implements Window.PhysOf.
func (a *Arena) PhysOf(va uintptr) (hostarch.PhysAddr, bool) {
	base := a.hostBase()
	if va < base || va-base >= uintptr(len(a.mem)) {
		return 0, false
	}
	return a.base + hostarch.PhysAddr(va-base), true
}
