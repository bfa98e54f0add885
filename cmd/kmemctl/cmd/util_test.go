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
	"strings"
	"testing"

	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/ring0/pagetables"
	"kmem.dev/kmem/pkg/trace"
)

func TestParseVirtAddr(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
		err  bool
	}{
		{in: "0x1000", want: 0x1000},
		{in: "4096", want: 0x1000},
		{in: "0xffff_ffc0_0000_0000", want: 0xffff_ffc0_0000_0000},
		{in: "0x40_0000_0000", err: true},
		{in: "page", err: true},
	} {
		got, err := parseVirtAddr(tc.in)
		if tc.err {
			if err == nil {
				t.Errorf("parseVirtAddr(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil || got != hostarch.NewVirtAddr(tc.want) {
			t.Errorf("parseVirtAddr(%q) = %v, %v; want %#x", tc.in, got, err, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want pagetables.Flags
		err  string
	}{
		{in: "r", want: pagetables.Valid | pagetables.Readable},
		{in: "rwu", want: pagetables.Valid | pagetables.Readable | pagetables.Writable | pagetables.User},
		{in: "xg", want: pagetables.Valid | pagetables.Executable | pagetables.Global},
		{in: "", err: "no access"},
		{in: "u", err: "no access"},
		{in: "w", err: "must be readable"},
		{in: "rq", err: "invalid permission"},
	} {
		got, err := parseFlags(tc.in)
		if tc.err != "" {
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("parseFlags(%q) = %v, %v; want error containing %q", tc.in, got, err, tc.err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseFlags(%q) = %v, %v; want %v", tc.in, got, err, tc.want)
		}
	}
}

func TestHeapReplayUsesTraceHeapSize(t *testing.T) {
	conf := config.Default()
	conf.Memory.Size = 4 << 20
	conf.Memory.Harts = 1
	conf.Heap.Size = 64 << 10

	tr, err := trace.Parse(strings.NewReader(`
name: exact
heap_size: 4096
steps:
  - alloc: a
    size: 4096
  - alloc: b
    size: 8
    expect_error: OutOfMemory
  - free: a
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	res, err := new(Heap).replay(conf, tr)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if res.Allocs != 1 || res.Failures != 1 || res.Frees != 1 {
		t.Errorf("replay = %+v", res)
	}
}
