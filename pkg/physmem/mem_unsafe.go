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
	"unsafe"

	"kmem.dev/kmem/pkg/hostarch"
)

// Load64 reads the word at addr.
//
//go:nosplit
func Load64(addr uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(addr))
}

// Store64 writes v to the word at addr.
//
//go:nosplit
func Store64(addr uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(addr)) = v
}

// Bytes returns the n bytes starting at addr as a slice. The caller must
// ensure that the memory outlives the slice and is not Go heap memory.
func Bytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Zero clears n bytes starting at addr.
func Zero(addr uintptr, n int) {
	clear(Bytes(addr, n))
}

// ZeroFrame clears the frame f through w.
func ZeroFrame(w Window, f hostarch.Frame) {
	Zero(w.VirtOf(f.Start()), hostarch.PageSize)
}

// ReadPhys copies len(dst) bytes starting at physical address pa into dst.
func ReadPhys(w Window, pa hostarch.PhysAddr, dst []byte) {
	copy(dst, Bytes(w.VirtOf(pa), len(dst)))
}

// WritePhys copies src to physical memory starting at pa.
func WritePhys(w Window, pa hostarch.PhysAddr, src []byte) {
	copy(Bytes(w.VirtOf(pa), len(src)), src)
}
