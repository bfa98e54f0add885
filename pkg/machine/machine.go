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

// Package machine assembles a simulated RISC-V machine: RAM backed by host
// memory, a frame pool, harts, the kernel heap and the kernel address space.
package machine

import (
	"fmt"

	"kmem.dev/kmem/pkg/bits"
	"kmem.dev/kmem/pkg/cleanup"
	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/heap"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/metric"
	"kmem.dev/kmem/pkg/mm"
	"kmem.dev/kmem/pkg/pgalloc"
	"kmem.dev/kmem/pkg/physmem"
	"kmem.dev/kmem/pkg/ring0"
	"kmem.dev/kmem/pkg/ring0/pagetables"
	"kmem.dev/kmem/pkg/sync"
)

var logger = log.For("machine")

// kernelFlags are the flags of the kernel's mappings of RAM.
const kernelFlags = pagetables.Valid | pagetables.Readable | pagetables.Writable | pagetables.Global

// Machine is a simulated machine.
type Machine struct {
	conf   *config.Config
	arena  *physmem.Arena
	frames *pgalloc.Pool
	harts  []*ring0.Hart
	asids  *pagetables.ASIDs
	heap   *heap.LockedHeapWithRescue

	// kernel is only modified with hart 0's interrupts masked.
	kernel   *sync.IRQSafe[*mm.AddressSpace]
	kernelAS *mm.AddressSpace

	metrics       *metric.Registry
	rescues       *metric.Uint64Metric
	stressRetries *metric.Uint64Metric

	booted       bool
	prevProvider heap.Provider
	cleanup      func()
}

// New creates a machine as described by conf. The kernel address space is
// empty until Boot.
func New(conf *config.Config) (*Machine, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	arena, err := physmem.NewArena(hostarch.PhysAddr(conf.Memory.PhysBase), conf.Memory.Size)
	if err != nil {
		return nil, fmt.Errorf("creating RAM: %w", err)
	}
	cu := cleanup.Make(func() { arena.Close() })
	defer cu.Clean()

	m := &Machine{
		conf:    conf.Clone(),
		arena:   arena,
		frames:  pgalloc.New(),
		metrics: metric.NewRegistry(),
	}

	// The heap takes the start of RAM, the frame pool the rest.
	first, n := arena.Frames()
	heapFrames := conf.Heap.Size / hostarch.PageSize
	m.heap = heap.NewLockedHeapWithRescue(conf.Heap.Order, m.rescue)
	if heapFrames > 0 {
		m.heap.Init(arena.VirtOf(arena.Base()), uintptr(conf.Heap.Size))
	}
	if err := m.frames.AddRange(hostarch.FrameFromNumber(first.Number()+heapFrames), n-heapFrames); err != nil {
		return nil, err
	}

	for i := 0; i < conf.Memory.Harts; i++ {
		m.harts = append(m.harts, ring0.NewHart(sync.HartID(i), arena))
	}
	if conf.Paging.ASIDs > 0 {
		if m.asids, err = pagetables.NewASIDs(1, uint16(conf.Paging.ASIDs)); err != nil {
			return nil, err
		}
	}
	m.kernelAS = mm.NewBare(m.frames, arena, m.harts[0], mm.Opts{ASIDs: m.asids})
	m.kernel = sync.NewIRQSafe[*mm.AddressSpace](m.harts[0], m.kernelAS)

	m.metrics.RegisterHeap(m.heap)
	m.metrics.RegisterFrames(m.frames)
	sources := make([]metric.HartSource, len(m.harts))
	for i, h := range m.harts {
		sources[i] = h
	}
	m.metrics.RegisterHarts(sources)
	m.rescues = m.metrics.MustCreateNewUint64Metric("kmem_heap_rescues_total", "Times the heap grew after running out of memory.")
	m.stressRetries = m.metrics.MustCreateNewUint64Metric("kmem_stress_oom_retries_total", "Stress allocations retried after running out of memory.")
	if err := m.metrics.Initialize(); err != nil {
		return nil, err
	}

	m.cleanup = cu.Release()
	logger.Infof("%d harts, RAM [%v, %v), heap %#x bytes, %d frames in the pool", len(m.harts), arena.Base(), arena.End(), conf.Heap.Size, m.frames.FreeFrames())
	return m, nil
}

// rescue grows the heap from the frame pool. It runs with the heap locked.
func (m *Machine) rescue(h *heap.Heap, layout heap.Layout) {
	n := m.conf.Heap.RescueFrames
	if n == 0 {
		return
	}
	// An aligned block of size b is only guaranteed in a region of 2b.
	block := bits.NextPowerOfTwo64(uint64(max(layout.Size, layout.Align)))
	n = max(n, bits.AlignUp(2*block, hostarch.PageSize)/hostarch.PageSize)
	f, ok := m.frames.AllocContiguous(n)
	if !ok {
		logger.Warningf("heap rescue for %v: no %d contiguous frames", layout, n)
		return
	}
	start := m.arena.VirtOf(f.Start())
	h.AddToHeap(start, start+uintptr(n*hostarch.PageSize))
	m.rescues.Increment()
	logger.Infof("heap rescue for %v: added %d frames at %v", layout, n, f)
}

// KernelAddr returns the kernel virtual address of pa.
func (m *Machine) KernelAddr(pa hostarch.PhysAddr) hostarch.VirtAddr {
	return hostarch.NewVirtAddr(m.conf.Paging.KernelBase + uint64(pa) - m.conf.Memory.PhysBase)
}

// Boot maps RAM into the kernel address space, installs the kernel heap as
// the global allocator and activates the kernel address space on every
// hart.
func (m *Machine) Boot() error {
	if m.booted {
		return fmt.Errorf("machine already booted")
	}
	first, n := m.arena.Frames()
	tablesBefore := m.frames.FreeFrames()
	err := m.kernel.Do(func(as **mm.AddressSpace) error {
		kas := *as
		for i := uint64(0); i < n; i++ {
			f := hostarch.FrameFromNumber(first.Number() + i)
			va := m.KernelAddr(f.Start())
			flush, err := kas.Mapper().MapTo(hostarch.PageFromAddr(va), f, kernelFlags, m.frames)
			if err != nil {
				return fmt.Errorf("mapping %v at %v: %w", f, va, err)
			}
			flush.Flush()
			if !m.conf.Paging.IdentityMap {
				continue
			}
			flush, err = kas.Mapper().IdentityMap(f, kernelFlags, m.frames)
			if err != nil {
				return fmt.Errorf("identity mapping %v: %w", f, err)
			}
			flush.Flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.Infof("kernel address space: mapped %d frames using %d tables", n, tablesBefore-m.frames.FreeFrames())

	m.prevProvider = heap.Register(m.heap)
	for _, h := range m.harts {
		m.kernelAS.ActivateOn(h)
	}
	m.booted = true
	return m.Verify()
}

// Verify checks that every hart translates the kernel mapping of the first
// and last frame of RAM.
func (m *Machine) Verify() error {
	for _, pa := range []hostarch.PhysAddr{m.arena.Base(), m.arena.End() - hostarch.PageSize} {
		va := m.KernelAddr(pa)
		for _, h := range m.harts {
			got, err := h.Translate(va, ring0.Read, false)
			if err != nil {
				return fmt.Errorf("hart %d: translating %v: %w", h.ID(), va, err)
			}
			if got != pa {
				return fmt.Errorf("hart %d: %v translates to %v, want %v", h.ID(), va, got, pa)
			}
		}
	}
	return nil
}

// NewAddressSpace returns an empty address space on hart 0.
func (m *Machine) NewAddressSpace() *mm.AddressSpace {
	return mm.NewBare(m.frames, m.arena, m.harts[0], mm.Opts{ASIDs: m.asids})
}

// Close releases the kernel address space and RAM. The machine must not be
// used afterwards.
func (m *Machine) Close() {
	if m.booted {
		heap.Register(m.prevProvider)
	}
	for _, h := range m.harts {
		h.WriteSatp(ring0.MakeSatp(ring0.Bare, 0, hostarch.Frame{}))
	}
	m.kernel.With(func(as **mm.AddressSpace) { (*as).Release() })
	m.cleanup()
}

// Config returns the machine's configuration.
func (m *Machine) Config() *config.Config { return m.conf }

// Arena returns the machine's RAM.
func (m *Machine) Arena() *physmem.Arena { return m.arena }

// Frames returns the frame pool.
func (m *Machine) Frames() *pgalloc.Pool { return m.frames }

// Harts returns the harts.
func (m *Machine) Harts() []*ring0.Hart { return m.harts }

// Heap returns the kernel heap.
func (m *Machine) Heap() *heap.LockedHeapWithRescue { return m.heap }

// Kernel returns the kernel address space.
func (m *Machine) Kernel() *mm.AddressSpace { return m.kernelAS }

// Metrics returns the machine's metrics.
func (m *Machine) Metrics() *metric.Registry { return m.metrics }
