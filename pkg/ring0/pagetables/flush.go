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

	"kmem.dev/kmem/pkg/atomicbitops"
)

// Flush is a pending TLB invalidation for one page, returned by every
// mapper operation that changes an entry. Exactly one of Flush or Ignore
// must be called.
type Flush struct {
	flusher  Flusher
	va       uint64
	asid     uint16
	pending  *atomicbitops.Int64
	consumed bool
}

func (f *Flush) consume() {
	if f.consumed {
		panic(fmt.Sprintf("flush of %#x consumed twice", f.va))
	}
	f.consumed = true
	f.pending.Add(-1)
}

// Flush invalidates the page's translation for the mapper's ASID.
func (f *Flush) Flush() {
	f.consume()
	f.flusher.FlushPage(f.va, f.asid)
}

// Ignore discards the invalidation, e.g. because the table is not active
// or the caller will flush everything.
func (f *Flush) Ignore() {
	f.consume()
}

// Addr returns the address of the page to be flushed.
func (f *Flush) Addr() uint64 {
	return f.va
}
