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

package metric

import (
	"strconv"

	"kmem.dev/kmem/pkg/heap"
	"kmem.dev/kmem/pkg/ring0"
)

// HeapSource reports heap statistics.
type HeapSource interface {
	Stats() heap.Stats
}

// FrameSource reports frame pool occupancy.
type FrameSource interface {
	FreeFrames() uint64
	TotalFrames() uint64
}

// HartSource reports hart counters.
type HartSource interface {
	Stats() ring0.HartStats
}

func orderValues(n int) []string {
	v := make([]string, n)
	for i := range v {
		v[i] = strconv.Itoa(i)
	}
	return v
}

// RegisterHeap registers the statistics of h.
func (r *Registry) RegisterHeap(h HeapSource) {
	r.MustRegisterCustomUint64Metric("kmem_heap_user_bytes", false, "Bytes requested by live heap allocations.", func(...string) uint64 {
		return uint64(h.Stats().User)
	})
	r.MustRegisterCustomUint64Metric("kmem_heap_allocated_bytes", false, "Bytes of heap blocks handed out, after rounding.", func(...string) uint64 {
		return uint64(h.Stats().Allocated)
	})
	r.MustRegisterCustomUint64Metric("kmem_heap_total_bytes", false, "Bytes managed by the heap.", func(...string) uint64 {
		return uint64(h.Stats().Total)
	})
	order := len(h.Stats().FreeBlocks)
	r.MustRegisterCustomUint64Metric("kmem_heap_free_blocks", false, "Free heap blocks by order (block size 1<<order).", func(fields ...string) uint64 {
		i, _ := strconv.Atoi(fields[0])
		return uint64(h.Stats().FreeBlocks[i])
	}, NewField("order", orderValues(order)))
}

// RegisterFrames registers the occupancy of a frame pool.
func (r *Registry) RegisterFrames(p FrameSource) {
	r.MustRegisterCustomUint64Metric("kmem_frames_free", false, "Free physical frames.", func(...string) uint64 {
		return p.FreeFrames()
	})
	r.MustRegisterCustomUint64Metric("kmem_frames_total", false, "Physical frames managed by the pool.", func(...string) uint64 {
		return p.TotalFrames()
	})
}

// RegisterHarts registers the counters of harts, labelled by index.
func (r *Registry) RegisterHarts(harts []HartSource) {
	field := NewField("hart", orderValues(len(harts)))
	counter := func(name, description string, get func(ring0.HartStats) uint64) {
		r.MustRegisterCustomUint64Metric(name, true, description, func(fields ...string) uint64 {
			i, _ := strconv.Atoi(fields[0])
			return get(harts[i].Stats())
		}, field)
	}
	counter("kmem_hart_satp_writes_total", "Writes to satp.", func(s ring0.HartStats) uint64 { return s.SatpWrites })
	counter("kmem_hart_page_flushes_total", "Single page TLB invalidations.", func(s ring0.HartStats) uint64 { return s.PageFlushes })
	counter("kmem_hart_full_flushes_total", "Full TLB invalidations.", func(s ring0.HartStats) uint64 { return s.FullFlushes })
	counter("kmem_hart_tlb_hits_total", "Translations served from the TLB.", func(s ring0.HartStats) uint64 { return s.TLBHits })
	counter("kmem_hart_tlb_misses_total", "Translations that walked the page tables.", func(s ring0.HartStats) uint64 { return s.TLBMisses })
}
