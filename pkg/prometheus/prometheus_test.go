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

package prometheus

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/testing/protocmp"
)

var (
	fooMetric = &Metric{Name: "foo_frames", Type: TypeGauge, Help: "Free frames."}
	barMetric = &Metric{Name: "bar_total", Type: TypeCounter, Help: "Bars\nwith a newline."}
)

func fixedSnapshot() *Snapshot {
	when := time.Unix(1700000000, 0)
	orig := timeNow
	timeNow = func() time.Time { return when }
	defer func() { timeNow = orig }()
	return NewSnapshot().Add(
		LabeledIntData(fooMetric, map[string]string{"pool": "b"}, 7),
		NewIntData(barMetric, 3),
		LabeledIntData(fooMetric, map[string]string{"pool": "a"}, 0),
	)
}

func TestWriteParses(t *testing.T) {
	s := fixedSnapshot()
	var buf bytes.Buffer
	n, err := Write(&buf, "kmem stats\nsecond line", s, ExportOptions{
		ExporterPrefix: "kmem_",
		ExtraLabels:    map[string]string{"hart": "0"},
	})
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != buf.Len() {
		t.Errorf("Write returned %d, wrote %d bytes", n, buf.Len())
	}
	if !strings.HasPrefix(buf.String(), "# kmem stats\n# second line\n") {
		t.Errorf("missing comment header:\n%s", buf.String())
	}

	got, err := (&expfmt.TextParser{}).TextToMetricFamilies(&buf)
	if err != nil {
		t.Fatalf("output does not parse: %v\n%s", err, buf.String())
	}
	ts := proto.Int64(1700000000000)
	label := func(kv ...string) []*dto.LabelPair {
		var pairs []*dto.LabelPair
		for i := 0; i < len(kv); i += 2 {
			pairs = append(pairs, &dto.LabelPair{Name: proto.String(kv[i]), Value: proto.String(kv[i+1])})
		}
		return pairs
	}
	want := map[string]*dto.MetricFamily{
		"kmem_foo_frames": {
			Name: proto.String("kmem_foo_frames"),
			Help: proto.String("Free frames."),
			Type: dto.MetricType_GAUGE.Enum(),
			Metric: []*dto.Metric{
				{Label: label("hart", "0", "pool", "b"), Gauge: &dto.Gauge{Value: proto.Float64(7)}, TimestampMs: ts},
				{Label: label("hart", "0", "pool", "a"), Gauge: &dto.Gauge{Value: proto.Float64(0)}, TimestampMs: ts},
			},
		},
		"kmem_bar_total": {
			Name: proto.String("kmem_bar_total"),
			Help: proto.String("Bars\nwith a newline."),
			Type: dto.MetricType_COUNTER.Enum(),
			Metric: []*dto.Metric{
				{Label: label("hart", "0"), Counter: &dto.Counter{Value: proto.Float64(3)}, TimestampMs: ts},
			},
		},
	}
	if diff := cmp.Diff(want, got, protocmp.Transform()); diff != "" {
		t.Errorf("parsed metrics mismatch (-want +got):\n%s", diff)
	}
}

func TestMetricFamiliesSorted(t *testing.T) {
	families, err := fixedSnapshot().MetricFamilies(ExportOptions{})
	if err != nil {
		t.Fatalf("MetricFamilies: %v", err)
	}
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	if diff := cmp.Diff([]string{"bar_total", "foo_frames"}, names); diff != "" {
		t.Errorf("family order mismatch (-want +got):\n%s", diff)
	}
}

func TestDuplicateLabel(t *testing.T) {
	s := NewSnapshot().Add(LabeledIntData(fooMetric, map[string]string{"hart": "1"}, 1))
	if _, err := Write(&bytes.Buffer{}, "", s, ExportOptions{ExtraLabels: map[string]string{"hart": "0"}}); err == nil {
		t.Errorf("Write with a duplicate label succeeded")
	}
}

func TestConflictingTypes(t *testing.T) {
	s := NewSnapshot().Add(
		NewIntData(fooMetric, 1),
		NewIntData(&Metric{Name: fooMetric.Name, Type: TypeCounter}, 1),
	)
	if _, err := s.MetricFamilies(ExportOptions{}); err == nil {
		t.Errorf("MetricFamilies accepted a metric with two types")
	}
}

func TestNumber(t *testing.T) {
	for _, tc := range []struct {
		n       Number
		str     string
		integer bool
	}{
		{Number{}, "0", true},
		{Number{Int: -4}, "-4", true},
		{Number{Float: 2.5}, "2.500000", false},
		{Number{Float: 3}, "3.000000", true},
	} {
		if got := tc.n.String(); got != tc.str {
			t.Errorf("%+v.String() = %q, want %q", tc.n, got, tc.str)
		}
		if got := tc.n.IsInteger(); got != tc.integer {
			t.Errorf("%+v.IsInteger() = %v, want %v", tc.n, got, tc.integer)
		}
	}
}
