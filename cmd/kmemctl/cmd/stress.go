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
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/google/subcommands"

	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/machine"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	opts    machine.StressOpts
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "allocate from the kernel heap on every hart at once"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [-ops=N] [-max-size=B] [-retries=R] [-seed=S] [-timeout=D] - runs random allocations concurrently on every hart and prints the counts as JSON
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.opts.Ops, "ops", 10000, "allocations per hart")
	f.Uint64Var(&s.opts.MaxSize, "max-size", 1024, "largest allocation")
	f.Uint64Var(&s.opts.MaxRetries, "retries", 100, "retries of an allocation that ran out of memory")
	f.Uint64Var(&s.opts.Seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	f.DurationVar(&s.timeout, "timeout", 0, "abort after this long, 0 for no limit")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.opts.MaxSize == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	m := newMachine(conf, true)
	defer m.Close()

	res, err := m.Stress(ctx, s.opts)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		Fatalf("encoding result: %v", err)
	}
	if err != nil {
		Fatalf("stress: %v", err)
	}
	return subcommands.ExitSuccess
}
