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
	"os"

	"github.com/google/subcommands"
	"google.golang.org/protobuf/encoding/protojson"

	"kmem.dev/kmem/pkg/config"
	"kmem.dev/kmem/pkg/log"
	"kmem.dev/kmem/pkg/machine"
	"kmem.dev/kmem/pkg/prometheus"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	format         string
	exporterPrefix string
	stressOps      int
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "export metric data of a booted machine"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-format=text|json] [-exporter-prefix=<prefix>] [-stress-ops=N] - boots a machine and prints its metrics
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "text", "output format: text for the Prometheus exposition format, json for one metric family per line")
	f.StringVar(&s.exporterPrefix, "exporter-prefix", "", "prefix for all metric names, following Prometheus exporter convention")
	f.IntVar(&s.stressOps, "stress-ops", 0, "run a stress pass of this many allocations per hart before exporting")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m := newMachine(conf, true)
	defer m.Close()

	if s.stressOps > 0 {
		if _, err := m.Stress(ctx, machine.StressOpts{Ops: s.stressOps, MaxSize: 1024, MaxRetries: 100, Seed: 1}); err != nil {
			Fatalf("stress: %v", err)
		}
	}

	snapshot, err := m.Metrics().Snapshot()
	if err != nil {
		Fatalf("taking snapshot: %v", err)
	}
	opts := prometheus.ExportOptions{ExporterPrefix: s.exporterPrefix}
	switch s.format {
	case "text":
		written, err := prometheus.Write(os.Stdout, fmt.Sprintf("kmemctl export of a machine with %d harts", len(m.Harts())), snapshot, opts)
		if err != nil {
			Fatalf("cannot write metrics to stdout: %v", err)
		}
		log.Debugf("Wrote %d bytes of Prometheus metric data to stdout", written)
	case "json":
		families, err := snapshot.MetricFamilies(opts)
		if err != nil {
			Fatalf("%v", err)
		}
		for _, mf := range families {
			b, err := protojson.Marshal(mf)
			if err != nil {
				Fatalf("encoding %s: %v", mf.GetName(), err)
			}
			fmt.Printf("%s\n", b)
		}
	default:
		Fatalf("invalid format %q, must be 'text' or 'json'", s.format)
	}
	return subcommands.ExitSuccess
}
