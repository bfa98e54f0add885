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
	"kmem.dev/kmem/pkg/ring0"
	"kmem.dev/kmem/pkg/ring0/pagetables"
)

// Map implements subcommands.Command for the "map" command.
type Map struct {
	perms string
	hart  int
	dump  bool
}

// Name implements subcommands.Command.Name.
func (*Map) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Map) Synopsis() string {
	return "map pages into a new address space and translate them"
}

// Usage implements subcommands.Command.Usage.
func (*Map) Usage() string {
	return `map [-perms=rwu] [-hart=0] [-dump] <va> [<va>...] - maps each page to a fresh frame in a new address space, activates it and translates every page
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (mc *Map) SetFlags(f *flag.FlagSet) {
	f.StringVar(&mc.perms, "perms", "rwu", "page permissions, a subset of rwxug")
	f.IntVar(&mc.hart, "hart", 0, "hart to activate the address space on")
	f.BoolVar(&mc.dump, "dump", false, "print the mappings of the address space")
}

// Execute implements subcommands.Command.Execute.
func (mc *Map) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	flags, err := parseFlags(mc.perms)
	if err != nil {
		Fatalf("%v", err)
	}
	var vas []hostarch.VirtAddr
	for _, arg := range f.Args() {
		va, err := parseVirtAddr(arg)
		if err != nil {
			Fatalf("%v", err)
		}
		vas = append(vas, va.Align4K())
	}
	if mc.hart < 0 || mc.hart >= conf.Memory.Harts {
		Fatalf("hart %d out of range [0, %d)", mc.hart, conf.Memory.Harts)
	}

	m := newMachine(conf, true)
	defer m.Close()
	hart := m.Harts()[mc.hart]

	as := m.NewAddressSpace()
	var frames []hostarch.Frame
	defer func() {
		m.Kernel().ActivateOn(hart)
		as.Release()
		for _, fr := range frames {
			m.Frames().Dealloc(fr)
		}
	}()

	for _, va := range vas {
		if _, ok := as.Translate(va); ok {
			Fatalf("%v is given twice", va)
		}
		fr, ok := m.Frames().Alloc()
		if !ok {
			Fatalf("out of frames mapping %v", va)
		}
		frames = append(frames, fr)
		as.MapWithFlags(va, fr.Start(), flags)
	}
	as.ActivateOn(hart)
	fmt.Printf("satp: %v\n", as.Token())

	user := flags&pagetables.User != 0
	for _, va := range vas {
		for _, at := range []ring0.AccessType{ring0.Read, ring0.Write, ring0.Execute} {
			pa, err := hart.Translate(va, at, user)
			if err != nil {
				fmt.Printf("%v %-7v fault: %v\n", va, at, err)
				continue
			}
			fmt.Printf("%v %-7v -> %v\n", va, at, pa)
		}
	}

	if mc.dump {
		if isTerminal() {
			fmt.Printf("%-18s %-8s %s\n", "VIRTUAL", "SIZE", "ENTRY")
		}
		as.Mapper().Walk(func(page hostarch.Page, entry *pagetables.PTE, size uint64) bool {
			fmt.Printf("%-18v %-8s %v\n", page.Start(), fmt.Sprintf("%#x", size), entry)
			return true
		})
	}
	for _, va := range vas {
		as.Unmap(va)
	}
	return subcommands.ExitSuccess
}
