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

// Package trace replays allocation traces against a heap.
//
// A trace is a YAML document:
//
//	name: small
//	heap_size: 4096
//	steps:
//	  - alloc: a
//	    size: 100
//	    align: 8
//	  - alloc: big
//	    size: 8192
//	    expect_error: OutOfMemory
//	  - free: a
//
// Every block that is allocated must be freed by the end of the trace;
// blocks still live at the end are reported as leaks.
package trace

import (
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"kmem.dev/kmem/pkg/errors"
	"kmem.dev/kmem/pkg/heap"
	"kmem.dev/kmem/pkg/log"
)

// Step is one operation of a trace. Exactly one of Alloc and Free is set.
type Step struct {
	// Alloc names the block being allocated.
	Alloc string `yaml:"alloc,omitempty"`
	Size  uint64 `yaml:"size,omitempty"`

	// Align defaults to 1.
	Align uint64 `yaml:"align,omitempty"`

	// ExpectError is the kind of error the allocation must fail with, e.g.
	// "OutOfMemory". Empty means the allocation must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`

	// Free names a live block to release.
	Free string `yaml:"free,omitempty"`
}

func (s *Step) layout() heap.Layout {
	align := s.Align
	if align == 0 {
		align = 1
	}
	return heap.Layout{Size: uintptr(s.Size), Align: uintptr(align)}
}

func (s *Step) String() string {
	if s.Free != "" {
		return fmt.Sprintf("free %s", s.Free)
	}
	return fmt.Sprintf("alloc %s %v", s.Alloc, s.layout())
}

// Trace is a sequence of steps.
type Trace struct {
	Name string `yaml:"name"`

	// HeapSize is the heap size the trace was written for. Zero means any.
	HeapSize uint64 `yaml:"heap_size,omitempty"`

	Steps []Step `yaml:"steps"`
}

// Parse decodes and validates a trace. Unknown keys are an error.
func Parse(r io.Reader) (*Trace, error) {
	var t Trace
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("unable to decode trace: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load parses the trace in filename.
func Load(filename string) (*Trace, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("unable to open trace: %w", err)
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", filename, err)
	}
	return t, nil
}

// Validate checks the shape of every step.
func (t *Trace) Validate() error {
	for i := range t.Steps {
		s := &t.Steps[i]
		switch {
		case s.Alloc == "" && s.Free == "":
			return fmt.Errorf("step %d: one of alloc or free is required", i)
		case s.Alloc != "" && s.Free != "":
			return fmt.Errorf("step %d: alloc and free are exclusive", i)
		case s.Free != "" && (s.Size != 0 || s.Align != 0 || s.ExpectError != ""):
			return fmt.Errorf("step %d: free takes no size, align or expect_error", i)
		}
		if s.ExpectError != "" && !validKind(s.ExpectError) {
			return fmt.Errorf("step %d: unknown error kind %q", i, s.ExpectError)
		}
	}
	return nil
}

func validKind(name string) bool {
	for k := errors.Unknown + 1; k <= errors.AccessDenied; k++ {
		if k.String() == name {
			return true
		}
	}
	return false
}

// Marshal encodes t as YAML.
func (t *Trace) Marshal() ([]byte, error) {
	return yaml.Marshal(t)
}

// Result summarizes a replay.
type Result struct {
	Allocs   int `yaml:"allocs"`
	Frees    int `yaml:"frees"`
	Failures int `yaml:"failures"`

	// PeakUser is the largest number of live requested bytes.
	PeakUser uint64 `yaml:"peak_user"`

	// Leaked names the blocks still live at the end, sorted.
	Leaked []string `yaml:"leaked,omitempty"`
}

type block struct {
	ptr    uintptr
	layout heap.Layout
}

func (b block) end() uintptr {
	return b.ptr + b.layout.Size
}

// Replay runs the trace against p. It stops at the first step whose outcome
// differs from the trace, or that breaks an allocator guarantee: misaligned
// or overlapping blocks.
func (t *Trace) Replay(p heap.Provider) (*Result, error) {
	var (
		res  Result
		live = make(map[string]block)
		user uint64
	)
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.Free != "" {
			b, ok := live[s.Free]
			if !ok {
				return &res, fmt.Errorf("step %d (%v): no live block %q", i, s, s.Free)
			}
			p.Dealloc(b.ptr, b.layout)
			delete(live, s.Free)
			user -= uint64(b.layout.Size)
			res.Frees++
			continue
		}

		if _, ok := live[s.Alloc]; ok {
			return &res, fmt.Errorf("step %d (%v): block %q is already live", i, s, s.Alloc)
		}
		l := s.layout()
		ptr, err := p.Alloc(l)
		if s.ExpectError != "" {
			if err == nil {
				p.Dealloc(ptr, l)
				return &res, fmt.Errorf("step %d (%v): succeeded, want %s", i, s, s.ExpectError)
			}
			if got := errors.KindOf(err).String(); got != s.ExpectError {
				return &res, fmt.Errorf("step %d (%v): failed with %s (%v), want %s", i, s, got, err, s.ExpectError)
			}
			res.Failures++
			continue
		}
		if err != nil {
			return &res, fmt.Errorf("step %d (%v): %w", i, s, err)
		}
		b := block{ptr: ptr, layout: l}
		if ptr%l.Align != 0 {
			return &res, fmt.Errorf("step %d (%v): block %#x is misaligned", i, s, ptr)
		}
		for name, other := range live {
			if b.ptr < other.end() && other.ptr < b.end() {
				return &res, fmt.Errorf("step %d (%v): block [%#x, %#x) overlaps %q at [%#x, %#x)", i, s, b.ptr, b.end(), name, other.ptr, other.end())
			}
		}
		live[s.Alloc] = b
		user += uint64(l.Size)
		res.PeakUser = max(res.PeakUser, user)
		res.Allocs++
	}

	for name := range live {
		res.Leaked = append(res.Leaked, name)
	}
	sort.Strings(res.Leaked)
	if len(res.Leaked) > 0 {
		log.Warningf("Trace %q leaked %d blocks: %v", t.Name, len(res.Leaked), res.Leaked)
	}
	log.Debugf("Trace %q: %d allocs, %d frees, %d expected failures", t.Name, res.Allocs, res.Frees, res.Failures)
	return &res, nil
}

// Random returns a trace of n allocations of up to maxSize bytes with
// power-of-two alignments of at most 64, interleaved with frees of random
// live blocks. Every block is freed by the end of the trace.
func Random(name string, n int, maxSize uint64, rng *rand.Rand) *Trace {
	t := &Trace{Name: name}
	var live []string
	free := func(i int) {
		t.Steps = append(t.Steps, Step{Free: live[i]})
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
	}
	for i := 0; i < n; i++ {
		if len(live) > 0 && rng.IntN(3) == 0 {
			free(rng.IntN(len(live)))
		}
		s := Step{
			Alloc: fmt.Sprintf("b%d", i),
			Size:  1 + rng.Uint64N(maxSize),
			Align: 1 << rng.IntN(7),
		}
		t.Steps = append(t.Steps, s)
		live = append(live, s.Alloc)
	}
	for len(live) > 0 {
		free(rng.IntN(len(live)))
	}
	return t
}
