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
	goerrors "errors"
	"sync/atomic"

	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/sync"
)

var logger = log.For("heap")

// LockedHeap is a Heap guarded by a spin lock.
type LockedHeap struct {
	mu sync.SpinMutex[Heap]
}

// NewLockedHeap returns an empty locked heap with order size classes.
func NewLockedHeap(order int) *LockedHeap {
	l := &LockedHeap{}
	l.mu.With(func(h *Heap) { *h = *New(order) })
	return l
}

// Lock acquires the heap. The caller must call Unlock on the guard.
func (l *LockedHeap) Lock() *sync.Guard[Heap] {
	return l.mu.Lock()
}

// Init adds [start, start+size) to the heap.
func (l *LockedHeap) Init(start, size uintptr) {
	l.mu.With(func(h *Heap) { h.Init(start, size) })
}

// AddToHeap adds [start, end) to the heap.
func (l *LockedHeap) AddToHeap(start, end uintptr) {
	l.mu.With(func(h *Heap) { h.AddToHeap(start, end) })
}

// Alloc implements Provider.Alloc.
func (l *LockedHeap) Alloc(layout Layout) (ptr uintptr, err error) {
	l.mu.With(func(h *Heap) { ptr, err = h.Alloc(layout) })
	return ptr, err
}

// Dealloc implements Provider.Dealloc.
func (l *LockedHeap) Dealloc(ptr uintptr, layout Layout) {
	l.mu.With(func(h *Heap) { h.Dealloc(ptr, layout) })
}

// Stats returns a snapshot of the heap's counters.
func (l *LockedHeap) Stats() (s Stats) {
	l.mu.With(func(h *Heap) { s = h.Stats() })
	return s
}

// RescueFunc is called with the heap locked when an allocation fails. It
// may grow the heap with AddToHeap.
type RescueFunc func(h *Heap, layout Layout)

// LockedHeapWithRescue is a LockedHeap that gives a rescue function one
// chance to add memory when an allocation runs out.
type LockedHeapWithRescue struct {
	LockedHeap
	rescue RescueFunc
}

// NewLockedHeapWithRescue returns an empty heap calling rescue on
// exhaustion.
func NewLockedHeapWithRescue(order int, rescue RescueFunc) *LockedHeapWithRescue {
	l := &LockedHeapWithRescue{rescue: rescue}
	l.mu.With(func(h *Heap) { *h = *New(order) })
	return l
}

// Alloc implements Provider.Alloc. On failure the rescue function runs
// once under the lock and the allocation is retried once.
func (l *LockedHeapWithRescue) Alloc(layout Layout) (ptr uintptr, err error) {
	l.mu.With(func(h *Heap) {
		ptr, err = h.Alloc(layout)
		if err == nil || !goerrors.Is(err, errors.ErrOutOfMemory) {
			return
		}
		logger.Infof("exhausted by %v with %d of %d bytes in use, rescuing", layout, h.StatsAllocActual(), h.StatsTotalBytes())
		l.rescue(h, layout)
		ptr, err = h.Alloc(layout)
	})
	return ptr, err
}

// Provider is a source of dynamic memory.
type Provider interface {
	Alloc(Layout) (uintptr, error)
	Dealloc(uintptr, Layout)
}

var (
	_ Provider = (*LockedHeap)(nil)
	_ Provider = (*LockedHeapWithRescue)(nil)
)

var provider atomic.Pointer[Provider]

// Register makes p the provider used by Allocate and Free and returns the
// previous one. It must be called before the first allocation; the
// provider lives for the rest of the kernel's lifetime.
func Register(p Provider) Provider {
	var next *Provider
	if p != nil {
		next = &p
	}
	old := provider.Swap(next)
	if old == nil {
		return nil
	}
	return *old
}

func current() Provider {
	p := provider.Load()
	if p == nil {
		panic("heap: no provider registered")
	}
	return *p
}

// Allocate allocates from the registered provider. Running out of memory is
// fatal.
func Allocate(layout Layout) uintptr {
	ptr, err := current().Alloc(layout)
	if err != nil {
		allocError(layout, err)
	}
	return ptr
}

// Free returns memory obtained from Allocate.
func Free(ptr uintptr, layout Layout) {
	current().Dealloc(ptr, layout)
}

func allocError(layout Layout, err error) {
	log.Fatalf("allocation of %v failed: %v", layout, err)
}
