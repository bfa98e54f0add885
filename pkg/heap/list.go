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

package heap

import (
	"slices"

	"kmem.dev/kmem/pkg/physmem"
)

// freeList is an intrusive singly linked list of free blocks. The first
// word of every free block holds the address of the next one; zero ends the
// list.
type freeList struct {
	head uintptr
}

func (l *freeList) isEmpty() bool {
	return l.head == 0
}

func (l *freeList) push(block uintptr) {
	physmem.Store64(block, uint64(l.head))
	l.head = block
}

func (l *freeList) pop() (uintptr, bool) {
	if l.head == 0 {
		return 0, false
	}
	block := l.head
	l.head = uintptr(physmem.Load64(block))
	return block, true
}

// remove unlinks block, reporting whether it was found.
func (l *freeList) remove(block uintptr) bool {
	if l.head == 0 {
		return false
	}
	if l.head == block {
		l.head = uintptr(physmem.Load64(block))
		return true
	}
	for cur := l.head; ; {
		next := uintptr(physmem.Load64(cur))
		if next == 0 {
			return false
		}
		if next == block {
			physmem.Store64(cur, physmem.Load64(next))
			return true
		}
		cur = next
	}
}

// blocks returns the addresses on the list in ascending order.
func (l *freeList) blocks() []uintptr {
	var out []uintptr
	for cur := l.head; cur != 0; cur = uintptr(physmem.Load64(cur)) {
		out = append(out, cur)
	}
	slices.Sort(out)
	return out
}

// len returns the number of blocks on the list.
func (l *freeList) len() int {
	n := 0
	for cur := l.head; cur != 0; cur = uintptr(physmem.Load64(cur)) {
		n++
	}
	return n
}
