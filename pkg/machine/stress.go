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

package machine

import (
	"context"
	goerrors "errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/errgroup"

	"kmem.dev/kmem/pkg/atomicbitops"
	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/heap"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/physmem"
)

// StressOpts configures Stress.
type StressOpts struct {
	// Ops is the number of allocations per hart.
	Ops int

	// MaxSize is the largest allocation size.
	MaxSize uint64

	// MaxRetries bounds the retries of an allocation that ran out of
	// memory, waiting for other harts to free blocks.
	MaxRetries uint64

	// Seed seeds every hart's random sequence.
	Seed uint64
}

// StressResult counts what a stress run did.
type StressResult struct {
	Allocs   uint64 `json:"allocs"`
	Frees    uint64 `json:"frees"`
	Retries  uint64 `json:"retries"`
	Failures uint64 `json:"failures"`
}

type stressBlock struct {
	ptr    uintptr
	layout heap.Layout
}

// Stress runs random allocations on the kernel heap from every hart at once.
// Each block is filled with a pattern unique to its hart and checked before
// it is freed, so blocks handed out twice are detected.
func (m *Machine) Stress(ctx context.Context, opts StressOpts) (StressResult, error) {
	var allocs, frees, retries, failures atomicbitops.Uint64
	eg, ctx := errgroup.WithContext(ctx)
	for hart := range m.harts {
		eg.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(hart)))
			pattern := byte(hart + 1)
			var live []stressBlock

			free := func(j int) error {
				b := live[j]
				for k, c := range physmem.Bytes(b.ptr, int(b.layout.Size)) {
					if c != pattern {
						return fmt.Errorf("hart %d: block %#x byte %d is %#x, want %#x", hart, b.ptr, k, c, pattern)
					}
				}
				m.heap.Dealloc(b.ptr, b.layout)
				live[j] = live[len(live)-1]
				live = live[:len(live)-1]
				frees.Add(1)
				return nil
			}
			defer func() {
				for len(live) > 0 {
					if err := free(len(live) - 1); err != nil {
						log.Warningf("Stress: %v", err)
						live = live[:len(live)-1]
					}
				}
			}()

			for op := 0; op < opts.Ops; op++ {
				if len(live) > 0 && rng.IntN(2) == 0 {
					if err := free(rng.IntN(len(live))); err != nil {
						return err
					}
				}
				layout := heap.Layout{
					Size:  uintptr(1 + rng.Uint64N(opts.MaxSize)),
					Align: uintptr(1) << rng.IntN(7),
				}
				var ptr uintptr
				alloc := func() error {
					var err error
					ptr, err = m.heap.Alloc(layout)
					if goerrors.Is(err, errors.ErrOutOfMemory) {
						retries.Add(1)
						m.stressRetries.Increment()
						return err
					}
					if err != nil {
						return backoff.Permanent(err)
					}
					return nil
				}
				b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), opts.MaxRetries), ctx)
				if err := backoff.Retry(alloc, b); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if !goerrors.Is(err, errors.ErrOutOfMemory) {
						return fmt.Errorf("hart %d: %w", hart, err)
					}
					failures.Add(1)
					continue
				}
				allocs.Add(1)
				mem := physmem.Bytes(ptr, int(layout.Size))
				for k := range mem {
					mem[k] = pattern
				}
				live = append(live, stressBlock{ptr: ptr, layout: layout})
			}
			return nil
		})
	}
	err := eg.Wait()
	res := StressResult{
		Allocs:   allocs.Load(),
		Frees:    frees.Load(),
		Retries:  retries.Load(),
		Failures: failures.Load(),
	}
	log.Infof("Stress: %+v", res)
	return res, err
}
