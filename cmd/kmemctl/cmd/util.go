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

// Package cmd holds implementations of the kmemctl commands.
package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/machine"
	"kmem.dev/kmem/pkg/ring0/pagetables"
)

// Fatalf logs the same message to the log and stderr, then exits.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "kmemctl: %s\n", msg)
	os.Exit(128)
}

// newMachine creates a machine from conf, booting it if boot is set.
func newMachine(conf *config.Config, boot bool) *machine.Machine {
	m, err := machine.New(conf)
	if err != nil {
		Fatalf("creating machine: %v", err)
	}
	if boot {
		if err := m.Boot(); err != nil {
			m.Close()
			Fatalf("booting machine: %v", err)
		}
	}
	return m
}

// parseVirtAddr parses a canonical virtual address in any base strconv
// accepts.
func parseVirtAddr(s string) (hostarch.VirtAddr, error) {
	v, err := strconv.ParseUint(strings.ReplaceAll(s, "_", ""), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if !hostarch.IsCanonical(v) {
		return 0, fmt.Errorf("address %#x is not canonical", v)
	}
	return hostarch.NewVirtAddr(v), nil
}

// parseFlags parses permissions written as a subset of "rwxug".
func parseFlags(s string) (pagetables.Flags, error) {
	flags := pagetables.Valid
	for _, c := range s {
		switch c {
		case 'r':
			flags |= pagetables.Readable
		case 'w':
			flags |= pagetables.Writable
		case 'x':
			flags |= pagetables.Executable
		case 'u':
			flags |= pagetables.User
		case 'g':
			flags |= pagetables.Global
		default:
			return 0, fmt.Errorf("invalid permission %q in %q", c, s)
		}
	}
	if flags&(pagetables.Readable|pagetables.Writable|pagetables.Executable) == 0 {
		return 0, fmt.Errorf("permissions %q grant no access", s)
	}
	if flags&pagetables.Writable != 0 && flags&pagetables.Readable == 0 {
		return 0, fmt.Errorf("permissions %q: writable pages must be readable", s)
	}
	return flags, nil
}

// isTerminal reports whether stdout is a terminal. Column headers are only
// printed for terminals so that piped output stays one record per line.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}
