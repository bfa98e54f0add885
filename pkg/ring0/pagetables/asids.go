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

	"kmem.dev/kmem/pkg/bitmap"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/sync"
)

// limitASID is the largest ASID satp can hold.
const limitASID = 1<<16 - 1

// ASIDs is a simple ASID database, keyed by root table.
type ASIDs struct {
	mu sync.SpinMutex[asidState]
}

type asidState struct {
	// cache are the assigned ASIDs.
	cache map[hostarch.Frame]uint16

	// start is the first ASID handed out.
	start uint16

	// used has bit i set iff ASID start+i is assigned.
	used bitmap.Bitmap
}

// NewASIDs returns a new ASID database handing out [start, start+size).
//
// start must be greater than 0; ASID 0 is what address spaces without an
// assigned ASID share.
func NewASIDs(start, size uint16) (*ASIDs, error) {
	if start == 0 {
		return nil, fmt.Errorf("ASID 0 is reserved")
	}
	if int(start)+int(size) > limitASID+1 {
		return nil, fmt.Errorf("ASID range [%d, %d) exceeds the limit of %d", start, int(start)+int(size), limitASID)
	}
	a := &ASIDs{}
	a.mu.With(func(s *asidState) {
		*s = asidState{
			cache: make(map[hostarch.Frame]uint16),
			start: start,
			used:  bitmap.New(uint32(size)),
		}
	})
	return a, nil
}

// Assign assigns an ASID to the address space rooted at root. The lowest
// free ASID is used.
//
// This may overwrite any previous assignment. It returns the ASID and true if
// the ASID was already assigned, in which case the cached translations are
// still this address space's. If no ASID is available, it returns 0 and
// false and the caller must flush all translations on activation.
func (a *ASIDs) Assign(root hostarch.Frame) (uint16, bool) {
	g := a.mu.Lock()
	defer g.Unlock()
	st := g.Value()
	if asid, ok := st.cache[root]; ok {
		return asid, true
	}
	i, err := st.used.FirstZero(0)
	if err != nil {
		return 0, false
	}
	st.used.Add(i)
	asid := st.start + uint16(i)
	st.cache[root] = asid
	return asid, false
}

// Drop drops references to the address space rooted at root. Its ASID
// becomes available again.
func (a *ASIDs) Drop(root hostarch.Frame) {
	g := a.mu.Lock()
	defer g.Unlock()
	st := g.Value()
	asid, ok := st.cache[root]
	if !ok {
		return
	}
	delete(st.cache, root)
	st.used.Remove(uint32(asid - st.start))
}

// Available returns the number of unassigned ASIDs.
func (a *ASIDs) Available() int {
	g := a.mu.Lock()
	defer g.Unlock()
	st := g.Value()
	return int(st.used.Size() - st.used.GetNumOnes())
}
