// Copyright 2022 The gVisor Authors.
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

// Package prometheus contains Prometheus-compliant metric data structures and
// utilities. Snapshots are exported in the Prometheus text exposition format,
// documented at https://prometheus.io/docs/instrumenting/exposition_formats/
package prometheus

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
)

// timeNow is the time.Now() function. Can be mocked in tests.
var timeNow = time.Now

// Type is a Prometheus metric type.
type Type int

// List of supported Prometheus metric types.
const (
	TypeUntyped = Type(iota)
	TypeGauge
	TypeCounter
)

// String implements fmt.Stringer.String.
func (t Type) String() string {
	switch t {
	case TypeGauge:
		return "gauge"
	case TypeCounter:
		return "counter"
	default:
		return "untyped"
	}
}

func (t Type) proto() dto.MetricType {
	switch t {
	case TypeGauge:
		return dto.MetricType_GAUGE
	case TypeCounter:
		return dto.MetricType_COUNTER
	default:
		return dto.MetricType_UNTYPED
	}
}

// Metric is a Prometheus metric metadata.
type Metric struct {
	// Name is the Prometheus metric name.
	Name string `json:"name"`

	// Type is the type of the metric.
	Type Type `json:"type"`

	// Help is an optional helpful string explaining what the metric is about.
	Help string `json:"help"`
}

// Number represents a numerical value.
// In Prometheus, all numbers are float64s. Integers are kept as such until
// export so that counters stay exact while they are being accumulated.
type Number struct {
	// Float is the float value of this number.
	// Mutually exclusive with Int.
	Float float64 `json:"float,omitempty"`

	// Int is the integer value of this number.
	// Mutually exclusive with Float.
	Int int64 `json:"int,omitempty"`
}

// IsInteger returns whether this number contains an integer value.
func (n *Number) IsInteger() bool {
	if n.Float == 0 {
		return true
	}
	if math.IsNaN(n.Float) || math.IsInf(n.Float, 0) {
		return false
	}
	return math.Round(n.Float) == n.Float
}

// Value returns the number as a float.
func (n *Number) Value() float64 {
	if n.Int != 0 {
		return float64(n.Int)
	}
	return n.Float
}

// String returns a string representation of this number.
func (n *Number) String() string {
	switch {
	case n.Int == 0 && n.Float == 0:
		return "0"
	case n.Int != 0:
		return fmt.Sprintf("%d", n.Int)
	case math.IsInf(n.Float, -1):
		return "-Inf"
	case math.IsInf(n.Float, 1):
		return "+Inf"
	case math.IsNaN(n.Float):
		return "NaN"
	default:
		return fmt.Sprintf("%f", n.Float)
	}
}

// Data is an observation of the value of a single metric at a certain point in time.
type Data struct {
	// Metric is the metric for which the value is being reported.
	Metric *Metric `json:"metric"`

	// Labels is a key-value pair representing the labels set on this metric.
	// This may be merged with other labels during export.
	Labels map[string]string `json:"labels,omitempty"`

	// Number is the value.
	Number *Number `json:"val,omitempty"`
}

// NewIntData returns a new Data struct with the given metric and value.
func NewIntData(metric *Metric, val int64) *Data {
	return &Data{Metric: metric, Number: &Number{Int: val}}
}

// LabeledIntData returns a new Data struct with the given metric, labels, and value.
func LabeledIntData(metric *Metric, labels map[string]string, val int64) *Data {
	return &Data{Metric: metric, Labels: labels, Number: &Number{Int: val}}
}

// NewFloatData returns a new Data struct with the given metric and value.
func NewFloatData(metric *Metric, val float64) *Data {
	return &Data{Metric: metric, Number: &Number{Float: val}}
}

// ExportOptions contains options that control how metric data is exported.
type ExportOptions struct {
	// ExporterPrefix is prepended to all metric names.
	ExporterPrefix string

	// ExtraLabels is added as labels for all metric values.
	ExtraLabels map[string]string
}

// Snapshot is a snapshot of the values of all the metrics at a certain point in time.
type Snapshot struct {
	// When is the timestamp at which the snapshot was taken.
	// Note that Prometheus ultimately encodes timestamps as millisecond-precision int64s from epoch.
	When time.Time `json:"when,omitempty"`

	// Data is the whole snapshot data.
	// Each Data must be a unique combination of (Metric, Labels) within a Snapshot.
	Data []*Data `json:"data,omitempty"`
}

// NewSnapshot returns a new Snapshot at the current time.
func NewSnapshot() *Snapshot {
	return &Snapshot{When: timeNow()}
}

// Add data point(s) to the snapshot.
// Returns itself for chainability.
func (s *Snapshot) Add(data ...*Data) *Snapshot {
	s.Data = append(s.Data, data...)
	return s
}

// labelPairs merges label maps into pairs sorted by name.
func labelPairs(labels ...map[string]string) ([]*dto.LabelPair, error) {
	seen := make(map[string]struct{})
	var pairs []*dto.LabelPair
	for _, m := range labels {
		for k, v := range m {
			if _, ok := seen[k]; ok {
				return nil, fmt.Errorf("duplicate label name %q", k)
			}
			seen[k] = struct{}{}
			pairs = append(pairs, &dto.LabelPair{Name: proto.String(k), Value: proto.String(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].GetName() < pairs[j].GetName() })
	return pairs, nil
}

func (d *Data) toProto(when time.Time, options ExportOptions) (*dto.Metric, error) {
	if d.Number == nil {
		return nil, fmt.Errorf("metric %s has no value", d.Metric.Name)
	}
	labels, err := labelPairs(d.Labels, options.ExtraLabels)
	if err != nil {
		return nil, fmt.Errorf("metric %s: %w", d.Metric.Name, err)
	}
	m := &dto.Metric{Label: labels}
	if !when.IsZero() {
		m.TimestampMs = proto.Int64(when.UnixMilli())
	}
	v := d.Number.Value()
	switch d.Metric.Type {
	case TypeGauge:
		m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
	case TypeCounter:
		m.Counter = &dto.Counter{Value: proto.Float64(v)}
	case TypeUntyped:
		m.Untyped = &dto.Untyped{Value: proto.Float64(v)}
	default:
		return nil, fmt.Errorf("unknown metric type for metric %s: %v", d.Metric.Name, d.Metric.Type)
	}
	return m, nil
}

// MetricFamilies groups the snapshot's data by metric, sorted by name.
func (s *Snapshot) MetricFamilies(options ExportOptions) ([]*dto.MetricFamily, error) {
	byName := make(map[string]*dto.MetricFamily)
	var names []string
	for _, d := range s.Data {
		name := options.ExporterPrefix + d.Metric.Name
		mf, ok := byName[name]
		if !ok {
			mf = &dto.MetricFamily{
				Name: proto.String(name),
				Type: d.Metric.Type.proto().Enum(),
			}
			if d.Metric.Help != "" {
				mf.Help = proto.String(d.Metric.Help)
			}
			byName[name] = mf
			names = append(names, name)
		} else if mf.GetType() != d.Metric.Type.proto() {
			return nil, fmt.Errorf("metric %s reported with types %v and %v", name, mf.GetType(), d.Metric.Type)
		}
		m, err := d.toProto(s.When, options)
		if err != nil {
			return nil, err
		}
		mf.Metric = append(mf.Metric, m)
	}
	sort.Strings(names)
	families := make([]*dto.MetricFamily, 0, len(names))
	for _, name := range names {
		families = append(families, byName[name])
	}
	return families, nil
}

// countingWriter implements io.Writer, and counts the number of bytes written to it.
type countingWriter struct {
	w       *bufio.Writer
	written int
}

// Write implements io.Writer.Write.
func (w *countingWriter) Write(b []byte) (int, error) {
	written, err := w.w.Write(b)
	w.written += written
	return written, err
}

// Written returns the number of bytes written to the underlying writer (minus buffered writes).
func (w *countingWriter) Written() int {
	return w.written - w.w.Buffered()
}

// Write writes the snapshot to w in the Prometheus text format, preceded by
// commentHeader if it is not empty. It returns the number of bytes written.
func Write(w io.Writer, commentHeader string, snapshot *Snapshot, options ExportOptions) (int, error) {
	families, err := snapshot.MetricFamilies(options)
	if err != nil {
		return 0, err
	}
	cw := &countingWriter{w: bufio.NewWriter(w)}
	if commentHeader != "" {
		for _, line := range strings.Split(commentHeader, "\n") {
			if _, err := fmt.Fprintf(cw, "# %s\n", line); err != nil {
				return cw.Written(), err
			}
		}
	}
	enc := expfmt.NewEncoder(cw, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return cw.Written(), err
		}
	}
	if err := cw.w.Flush(); err != nil {
		return cw.Written(), err
	}
	return cw.Written(), nil
}
