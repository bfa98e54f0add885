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

// Package sync provides synchronization primitives.
//
// The kernel allocators cannot sleep, so the primary lock here is SpinMutex,
// a test-and-test-and-set lock that owns the value it protects. The aliases
// of the standard library types are provided for hosted code such as logging
// and tooling.
package sync

import (
	"fmt"
	"runtime"

	"kmem.dev/kmem/pkg/atomicbitops"
	"kmem.dev/kmem/pkg/errors"
)

// activeSpin is the number of failed polls before a waiter starts yielding
// its goroutine. On a real hart the yield is a pause hint.
const activeSpin = 64

// HartID identifies a hardware thread.
type HartID uint32

// SpinMutex is a spin lock that protects a value of type T.
//
// The zero value is an unlocked mutex holding the zero T. A SpinMutex must
// not be copied after first use.
type SpinMutex[T any] struct {
	_ noCopy

	locked atomicbitops.Bool

	// owner is the holding hart plus one, or zero when the holder did not
	// identify itself. It is only meaningful while locked is set.
	owner atomicbitops.Uint32

	data T
}

// NewSpinMutex returns an unlocked SpinMutex holding v.
func NewSpinMutex[T any](v T) *SpinMutex[T] {
	return &SpinMutex[T]{data: v}
}

// Guard grants exclusive access to the value protected by a SpinMutex until
// Unlock is called.
type Guard[T any] struct {
	m *SpinMutex[T]
}

// Value returns the protected value.
func (g *Guard[T]) Value() *T {
	if g.m == nil {
		panic("sync: use of released guard")
	}
	return &g.m.data
}

// Unlock releases the mutex. The guard must not be used afterwards.
func (g *Guard[T]) Unlock() {
	if g.m == nil {
		panic("sync: unlock of released guard")
	}
	m := g.m
	g.m = nil
	m.unlock()
}

func backoff(iter int) int {
	if iter >= activeSpin {
		runtime.Gosched()
	}
	return iter + 1
}

func (m *SpinMutex[T]) lock() {
	for iter := 0; !m.locked.CompareAndSwap(false, true); {
		// Wait on a plain load so the cache line is not written while
		// another hart holds the lock.
		for m.locked.Load() {
			iter = backoff(iter)
		}
	}
}

func (m *SpinMutex[T]) unlock() {
	m.owner.Store(0)
	m.locked.Store(false)
}

// Lock spins until the mutex is acquired.
func (m *SpinMutex[T]) Lock() *Guard[T] {
	m.lock()
	return &Guard[T]{m: m}
}

// TryLock makes a single attempt to acquire the mutex.
func (m *SpinMutex[T]) TryLock() (*Guard[T], bool) {
	if m.locked.Load() || !m.locked.CompareAndSwap(false, true) {
		return nil, false
	}
	return &Guard[T]{m: m}, true
}

// LockOn acquires the mutex on behalf of hart. It fails instead of spinning
// forever if hart already holds the mutex.
func (m *SpinMutex[T]) LockOn(hart HartID) (*Guard[T], error) {
	if m.locked.Load() && m.owner.Load() == uint32(hart)+1 {
		return nil, errors.New(errors.WouldDeadlock, fmt.Sprintf("hart %d already holds this lock", hart))
	}
	m.lock()
	m.owner.Store(uint32(hart) + 1)
	return &Guard[T]{m: m}, nil
}

// IsLocked reports whether the mutex is held. The answer may be stale by
// the time the caller looks at it.
func (m *SpinMutex[T]) IsLocked() bool {
	return m.locked.Load()
}

// ForceUnlock releases the mutex regardless of who holds it.
//
// This is only safe when the holder is known to be gone, e.g. when a hart
// panicked inside the critical section and the caller is recovering.
func (m *SpinMutex[T]) ForceUnlock() {
	m.unlock()
}

// Do runs f with the mutex held. The mutex is released on every exit path.
func (m *SpinMutex[T]) Do(f func(*T) error) error {
	g := m.Lock()
	defer g.Unlock()
	return f(g.Value())
}

// With runs f with the mutex held.
func (m *SpinMutex[T]) With(f func(*T)) {
	g := m.Lock()
	defer g.Unlock()
	f(g.Value())
}

// String implements fmt.Stringer. It never blocks: a held mutex is printed
// as <locked>.
func (m *SpinMutex[T]) String() string {
	g, ok := m.TryLock()
	if !ok {
		return "SpinMutex { <locked> }"
	}
	defer g.Unlock()
	return fmt.Sprintf("SpinMutex { data: %v }", *g.Value())
}

// noCopy may be embedded into structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock() {}

// Unlock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Unlock() {}
