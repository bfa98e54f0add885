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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v3"

	"kmem.dev/kmem/pkg/bits"
	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/trace"
)

// Heap implements subcommands.Command for the "heap" command.
type Heap struct {
	random  int
	maxSize uint64
	seed    uint64
	save    string
}

// Name implements subcommands.Command.Name.
func (*Heap) Name() string {
	return "heap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Heap) Synopsis() string {
	return "replay allocation traces against the kernel heap"
}

// Usage implements subcommands.Command.Usage.
func (*Heap) Usage() string {
	return `heap [-random=N [-max-size=B] [-seed=S] [-save=file]] [<trace.yaml>...] - replays each trace on a fresh machine and prints the results as YAML

A trace that names a heap_size runs on a heap of exactly that size, without
growth from the frame pool.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (h *Heap) SetFlags(f *flag.FlagSet) {
	f.IntVar(&h.random, "random", 0, "also replay a random trace of this many allocations")
	f.Uint64Var(&h.maxSize, "max-size", 512, "largest allocation of the random trace")
	f.Uint64Var(&h.seed, "seed", 1, "seed of the random trace")
	f.StringVar(&h.save, "save", "", "write the random trace to this file")
}

// Execute implements subcommands.Command.Execute.
func (h *Heap) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)

	var traces []*trace.Trace
	for _, name := range f.Args() {
		t, err := trace.Load(name)
		if err != nil {
			Fatalf("%v", err)
		}
		traces = append(traces, t)
	}
	if h.random > 0 {
		if h.maxSize == 0 {
			Fatalf("-max-size must be positive")
		}
		t := trace.Random(fmt.Sprintf("random-%d", h.seed), h.random, h.maxSize, rand.New(rand.NewPCG(h.seed, 0)))
		if h.save != "" {
			b, err := t.Marshal()
			if err != nil {
				Fatalf("encoding trace: %v", err)
			}
			if err := os.WriteFile(h.save, b, 0644); err != nil {
				Fatalf("writing trace: %v", err)
			}
		}
		traces = append(traces, t)
	}
	if len(traces) == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	results := make(map[string]*trace.Result)
	status := subcommands.ExitSuccess
	for _, t := range traces {
		res, err := h.replay(conf, t)
		if err != nil {
			log.Warningf("Trace %q: %v", t.Name, err)
			fmt.Fprintf(os.Stderr, "trace %q: %v\n", t.Name, err)
			status = subcommands.ExitFailure
		}
		results[t.Name] = res
	}
	out, err := yaml.Marshal(results)
	if err != nil {
		Fatalf("encoding results: %v", err)
	}
	os.Stdout.Write(out)
	return status
}

func (h *Heap) replay(conf *config.Config, t *trace.Trace) (*trace.Result, error) {
	conf = conf.Clone()
	if t.HeapSize > 0 {
		conf.Heap.Size = bits.AlignUp(t.HeapSize, hostarch.PageSize)
		conf.Heap.RescueFrames = 0
	}
	m := newMachine(conf, false)
	defer m.Close()
	res, err := t.Replay(m.Heap())
	if err != nil {
		return res, err
	}
	if s := m.Heap().Stats(); s.User != 0 && len(res.Leaked) == 0 {
		return res, fmt.Errorf("%d bytes in use after freeing every block", s.User)
	}
	return res, nil
}
