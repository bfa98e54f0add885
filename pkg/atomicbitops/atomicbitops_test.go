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

package atomicbitops

import "testing"

func TestBool(t *testing.T) {
	b := FromBool(false)
	if b.Load() {
		t.Fatalf("FromBool(false).Load() = true")
	}
	if !b.CompareAndSwap(false, true) {
		t.Fatalf("CompareAndSwap(false, true) failed on a false value")
	}
	if b.CompareAndSwap(false, true) {
		t.Fatalf("CompareAndSwap(false, true) succeeded on a true value")
	}
	if prev := b.Swap(false); !prev {
		t.Errorf("Swap(false) returned %v, wanted true", prev)
	}
	if b.RacyLoad() {
		t.Errorf("RacyLoad() = true after Swap(false)")
	}
}

func TestInt64CompareAndSwap(t *testing.T) {
	i := FromInt64(-1)
	if i.CompareAndSwap(0, 3) {
		t.Fatalf("CompareAndSwap(0, 3) succeeded on -1")
	}
	if !i.CompareAndSwap(-1, 3) {
		t.Fatalf("CompareAndSwap(-1, 3) failed on -1")
	}
	if got := i.Add(2); got != 5 {
		t.Errorf("Add(2) = %d, wanted 5", got)
	}
}

func TestUint64Add(t *testing.T) {
	var u Uint64
	for i := 0; i < 10; i++ {
		u.Add(3)
	}
	if got := u.Load(); got != 30 {
		t.Errorf("Load() = %d, wanted 30", got)
	}
}
