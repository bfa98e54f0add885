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

package ring0

import (
	"kmem.dev/kmem/pkg/ring0/pagetables"
	"kmem.dev/kmem/pkg/sync"
)

// CPU is the per-hart control surface used by address spaces.
type CPU interface {
	pagetables.Flusher

	// ReadSatp returns the active satp value.
	ReadSatp() Satp

	// WriteSatp installs a new satp value.
	WriteSatp(Satp)

	// FlushAll invalidates every cached translation.
	FlushAll()
}

// InterruptMasker masks and restores supervisor interrupts.
type InterruptMasker = sync.InterruptMasker

// AccessType is the kind of memory access being translated.
type AccessType uint8

// Access types.
const (
	Read AccessType = iota
	Write
	Execute
)

// String implements fmt.Stringer.String.
func (a AccessType) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Execute:
		return "execute"
	default:
		return "unknown"
	}
}

// Exception causes reported for page faults.
const (
	InstructionPageFault = 12
	LoadPageFault        = 13
	StorePageFault       = 15
)

func (a AccessType) faultCause() uintptr {
	switch a {
	case Write:
		return StorePageFault
	case Execute:
		return InstructionPageFault
	default:
		return LoadPageFault
	}
}
