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

package sync

// InterruptMasker masks and restores interrupts on the current hart.
type InterruptMasker interface {
	// DisableInterrupts masks interrupts and reports whether they were
	// enabled before the call.
	DisableInterrupts() bool

	// RestoreInterrupts re-enables interrupts if enabled is true.
	RestoreInterrupts(enabled bool)
}

// IRQSafe is a SpinMutex whose critical sections run with interrupts
// masked, so that a handler on the same hart cannot spin on a lock its
// interrupted context holds.
type IRQSafe[T any] struct {
	mu     SpinMutex[T]
	masker InterruptMasker
}

// NewIRQSafe returns an unlocked IRQSafe holding v.
func NewIRQSafe[T any](masker InterruptMasker, v T) *IRQSafe[T] {
	return &IRQSafe[T]{mu: SpinMutex[T]{data: v}, masker: masker}
}

// Do runs f with interrupts masked and the mutex held.
func (m *IRQSafe[T]) Do(f func(*T) error) error {
	enabled := m.masker.DisableInterrupts()
	defer m.masker.RestoreInterrupts(enabled)
	return m.mu.Do(f)
}

// With runs f with interrupts masked and the mutex held.
func (m *IRQSafe[T]) With(f func(*T)) {
	enabled := m.masker.DisableInterrupts()
	defer m.masker.RestoreInterrupts(enabled)
	m.mu.With(f)
}

// IsLocked reports whether the mutex is held.
func (m *IRQSafe[T]) IsLocked() bool {
	return m.mu.IsLocked()
}
