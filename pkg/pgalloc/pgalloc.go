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

// Package pgalloc provides a pool of physical frames.
//
// Free frames are kept as maximal ranges of frame numbers in a B-tree
// ordered by the first frame, so that allocation, release and merging of
// neighbouring ranges are logarithmic in the number of ranges.
package pgalloc

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/sync"
)

// degree is the B-tree degree. Pools rarely hold more than a handful of
// ranges.
const degree = 8

var logger = log.For("frame pool")

// Range is a range of frames [Start, Start+Len).
type Range struct {
	Start uint64
	Len   uint64
}

// End returns the frame number past the range.
func (r Range) End() uint64 {
	return r.Start + r.Len
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End())
}

func rangeLess(a, b Range) bool {
	return a.Start < b.Start
}

type poolState struct {
	free *btree.BTreeG[Range]

	// owned holds every frame ever added, merged the same way as free.
	owned *btree.BTreeG[Range]

	nfree uint64
	total uint64
}

// Pool is a set of free frames. It implements the frame allocator and
// deallocator interfaces of the page table code.
type Pool struct {
	mu sync.SpinMutex[poolState]

	// exhausted logs allocation failures at most once a second.
	exhausted log.Logger
}

// New returns an empty pool.
func New() *Pool {
	p := &Pool{exhausted: logger.Every(time.Second)}
	p.mu.With(func(st *poolState) {
		st.free = btree.NewG(degree, rangeLess)
		st.owned = btree.NewG(degree, rangeLess)
	})
	return p
}

// neighbours returns the last range of t starting at or before r and the
// first range starting after it.
func neighbours(t *btree.BTreeG[Range], r Range) (prev, next Range, hasPrev, hasNext bool) {
	t.DescendLessOrEqual(r, func(item Range) bool {
		prev, hasPrev = item, true
		return false
	})
	t.AscendGreaterOrEqual(Range{Start: r.Start + 1}, func(item Range) bool {
		next, hasNext = item, true
		return false
	})
	return
}

// overlapping returns a range of t that overlaps r, if any.
func overlapping(t *btree.BTreeG[Range], r Range) (Range, bool) {
	prev, next, hasPrev, hasNext := neighbours(t, r)
	if hasPrev && prev.End() > r.Start {
		return prev, true
	}
	if hasNext && next.Start < r.End() {
		return next, true
	}
	return Range{}, false
}

// coalesce adds r, which must not overlap any range of t, merging it with
// adjacent ranges.
func coalesce(t *btree.BTreeG[Range], r Range) {
	prev, next, hasPrev, hasNext := neighbours(t, r)
	merged := r
	if hasPrev && prev.End() == r.Start {
		t.Delete(prev)
		merged.Start = prev.Start
		merged.Len += prev.Len
	}
	if hasNext && next.Start == r.End() {
		t.Delete(next)
		merged.Len += next.Len
	}
	t.ReplaceOrInsert(merged)
}

// owns reports whether every frame of r was added to the pool.
func (st *poolState) owns(r Range) bool {
	var o Range
	found := false
	st.owned.DescendLessOrEqual(r, func(item Range) bool {
		o, found = item, true
		return false
	})
	return found && r.Start < o.End() && r.Len <= o.End()-r.Start
}

// insert adds r to the free ranges, merging it with its neighbours. It
// fails without changing the pool if r overlaps a free range.
func (st *poolState) insert(r Range) error {
	if o, ok := overlapping(st.free, r); ok {
		return errors.New(errors.DoubleFree, fmt.Sprintf("frames %v overlap free frames %v", r, o))
	}
	coalesce(st.free, r)
	st.nfree += r.Len
	return nil
}

// AddRange adds n frames starting at first to the pool.
func (p *Pool) AddRange(first hostarch.Frame, n uint64) error {
	if n == 0 {
		return nil
	}
	if n > 1<<hostarch.FrameNumberBits-first.Number() {
		return fmt.Errorf("frame range %v+%d exceeds the physical address space", first, n)
	}
	r := Range{Start: first.Number(), Len: n}
	return p.mu.Do(func(st *poolState) error {
		if o, ok := overlapping(st.owned, r); ok {
			return errors.New(errors.DoubleFree, fmt.Sprintf("frames %v overlap pool frames %v", r, o))
		}
		if err := st.insert(r); err != nil {
			return err
		}
		coalesce(st.owned, r)
		st.total += n
		logger.Debugf("added %d frames at %v", n, first)
		return nil
	})
}

// Alloc implements pagetables.FrameAllocator.Alloc. It returns the lowest
// free frame.
func (p *Pool) Alloc() (hostarch.Frame, bool) {
	return p.AllocContiguous(1)
}

// AllocContiguous returns the first of n contiguous free frames, taken
// from the lowest range large enough.
func (p *Pool) AllocContiguous(n uint64) (hostarch.Frame, bool) {
	if n == 0 {
		panic("AllocContiguous(0)")
	}
	var (
		found Range
		ok    bool
	)
	p.mu.With(func(st *poolState) {
		st.free.Ascend(func(item Range) bool {
			if item.Len >= n {
				found, ok = item, true
				return false
			}
			return true
		})
		if !ok {
			return
		}
		st.free.Delete(found)
		if found.Len > n {
			st.free.ReplaceOrInsert(Range{Start: found.Start + n, Len: found.Len - n})
		}
		st.nfree -= n
	})
	if !ok {
		p.exhausted.Warningf("no run of %d free frames", n)
		return hostarch.Frame{}, false
	}
	return hostarch.FrameFromNumber(found.Start), true
}

// Free returns n frames starting at first to the pool. Freeing a frame that
// is already free fails with ErrDoubleFree. Only frames previously added
// with AddRange may be freed.
func (p *Pool) Free(first hostarch.Frame, n uint64) error {
	if n == 0 {
		return fmt.Errorf("freeing no frames at %v", first)
	}
	r := Range{Start: first.Number(), Len: n}
	return p.mu.Do(func(st *poolState) error {
		if !st.owns(r) {
			return fmt.Errorf("frames %#x+%d were never added to the pool", r.Start, n)
		}
		return st.insert(r)
	})
}

// Dealloc implements pagetables.FrameDeallocator.Dealloc. A double free is
// a kernel bug and panics.
func (p *Pool) Dealloc(f hostarch.Frame) {
	if err := p.Free(f, 1); err != nil {
		panic(fmt.Sprintf("Dealloc(%v): %v", f, err))
	}
}

// FreeFrames returns the number of free frames.
func (p *Pool) FreeFrames() (n uint64) {
	p.mu.With(func(st *poolState) { n = st.nfree })
	return n
}

// TotalFrames returns the number of frames ever added to the pool.
func (p *Pool) TotalFrames() (n uint64) {
	p.mu.With(func(st *poolState) { n = st.total })
	return n
}

// Ranges returns the free ranges in ascending order.
func (p *Pool) Ranges() []Range {
	var out []Range
	p.mu.With(func(st *poolState) {
		out = make([]Range, 0, st.free.Len())
		st.free.Ascend(func(item Range) bool {
			out = append(out, item)
			return true
		})
	})
	return out
}

// String implements fmt.Stringer.String.
func (p *Pool) String() string {
	return fmt.Sprintf("Pool{free: %d/%d, ranges: %v}", p.FreeFrames(), p.TotalFrames(), p.Ranges())
}
