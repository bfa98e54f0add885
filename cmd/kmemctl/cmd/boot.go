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

	"github.com/google/subcommands"

	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/ring0/pagetables"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	dump bool
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "build the kernel address space and verify it on every hart"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-dump] - maps RAM into the kernel address space, activates it on every hart and prints a summary
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&b.dump, "dump", false, "print every mapping of the kernel address space")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m := newMachine(conf, true)
	defer m.Close()

	kas := m.Kernel()
	if b.dump && isTerminal() {
		fmt.Printf("%-18s    %-18s %s\n", "VIRTUAL", "PHYSICAL", "FLAGS")
	}
	var pages, bytes uint64
	kas.Mapper().Walk(func(page hostarch.Page, entry *pagetables.PTE, size uint64) bool {
		pages++
		bytes += size
		if b.dump {
			fmt.Printf("%-18v -> %-18v %v\n", page.Start(), entry.Address(), entry.Flags())
		}
		return true
	})
	fmt.Printf("satp:     %v\n", kas.Token())
	fmt.Printf("harts:    %d\n", len(m.Harts()))
	fmt.Printf("mappings: %d (%#x bytes)\n", pages, bytes)
	fmt.Printf("frames:   %d of %d free\n", m.Frames().FreeFrames(), m.Frames().TotalFrames())
	fmt.Printf("heap:     %#x bytes\n", m.Heap().Stats().Total)
	return subcommands.ExitSuccess
}
