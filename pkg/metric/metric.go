// Copyright 2018 The gVisor Authors.
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

// Package metric provides primitives for collecting metrics.
//
// Metrics are registered on a Registry, which is then initialized. Once
// initialized no more metrics can be registered, and the registry can be
// sampled into prometheus.Snapshots.
package metric

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"kmem.dev/kmem/pkg/atomicbitops"
	"kmem.dev/kmem/pkg/prometheus"
	"kmem.dev/kmem/pkg/sync"
)

var (
	// ErrNameInUse indicates that another metric is already defined for
	// the given name.
	ErrNameInUse = errors.New("metric name already in use")

	// ErrInitializationDone indicates that the caller tried to create a
	// new metric after initialization.
	ErrInitializationDone = errors.New("metric cannot be created after initialization is complete")

	// ErrFieldValueContainsIllegalChar indicates that the value of a metric
	// field had an invalid character in it.
	ErrFieldValueContainsIllegalChar = errors.New("metric field value contains illegal character")

	// ErrFieldHasNoAllowedValues indicates that the field needs to define some
	// allowed values to be a valid and useful field.
	ErrFieldHasNoAllowedValues = errors.New("metric field does not define any allowed values")
)

// Field contains the field name and allowed values for the metric which is
// used in registration of the metric.
type Field struct {
	// name is the metric field name.
	name string

	// allowedValues is the list of allowed values for the field.
	allowedValues []string
}

// NewField defines a new Field that can be used to break down a metric.
func NewField(name string, allowedValues []string) Field {
	return Field{
		name:          name,
		allowedValues: allowedValues,
	}
}

func (f Field) validate() error {
	if len(f.allowedValues) == 0 {
		return ErrFieldHasNoAllowedValues
	}
	for _, v := range f.allowedValues {
		if strings.ContainsAny(v, "\",\\\n") {
			return ErrFieldValueContainsIllegalChar
		}
	}
	return nil
}

type customUint64Metric struct {
	// metadata describes the metric. It is immutable.
	metadata *prometheus.Metric

	// field optionally breaks the metric down.
	field *Field

	// value returns the current value of the metric for the given set of
	// fields. It takes a variadic number of field values as argument.
	value func(fieldValues ...string) uint64
}

// Registry is a set of metrics.
type Registry struct {
	mu sync.Mutex

	// initialized indicates that all metrics are registered. metrics is
	// immutable once initialized is true.
	initialized bool

	// metrics are the registered metrics, by name.
	metrics map[string]customUint64Metric
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{metrics: make(map[string]customUint64Metric)}
}

// Initialize marks all metrics as registered.
//
// Precondition:
//   - Initialize has not been called.
func (r *Registry) Initialize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return errors.New("metric.Initialize called twice")
	}
	r.initialized = true
	return nil
}

// RegisterCustomUint64Metric registers a metric with the given name whose
// value is read from value at sampling time. Cumulative metrics are exported
// as counters, others as gauges.
//
// Preconditions:
//   - name must be unique in r.
//   - Initialize has not been called.
//   - value is expected to accept exactly len(fields) arguments.
func (r *Registry) RegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) error {
	if l := len(fields); l > 1 {
		return fmt.Errorf("%d fields provided, must be <= 1", l)
	}
	m := customUint64Metric{
		metadata: &prometheus.Metric{
			Name: name,
			Type: prometheus.TypeGauge,
			Help: description,
		},
		value: value,
	}
	if cumulative {
		m.metadata.Type = prometheus.TypeCounter
	}
	if len(fields) == 1 {
		if err := fields[0].validate(); err != nil {
			return err
		}
		m.field = &fields[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return ErrInitializationDone
	}
	if _, ok := r.metrics[name]; ok {
		return ErrNameInUse
	}
	r.metrics[name] = m
	return nil
}

// MustRegisterCustomUint64Metric calls RegisterCustomUint64Metric and panics
// if it returns an error.
func (r *Registry) MustRegisterCustomUint64Metric(name string, cumulative bool, description string, value func(...string) uint64, fields ...Field) {
	if err := r.RegisterCustomUint64Metric(name, cumulative, description, value, fields...); err != nil {
		panic(fmt.Sprintf("Unable to register metric %q: %s", name, err))
	}
}

// Uint64Metric encapsulates a uint64 that represents some kind of cumulative
// value, optionally broken down by one field.
type Uint64Metric struct {
	field  *Field
	values []atomicbitops.Uint64
}

// NewUint64Metric creates and registers a new cumulative metric with the given
// name.
func (r *Registry) NewUint64Metric(name, description string, fields ...Field) (*Uint64Metric, error) {
	m := &Uint64Metric{values: make([]atomicbitops.Uint64, 1)}
	if len(fields) == 1 {
		m.field = &fields[0]
		m.values = make([]atomicbitops.Uint64, len(fields[0].allowedValues))
	}
	return m, r.RegisterCustomUint64Metric(name, true /* cumulative */, description, m.Value, fields...)
}

// MustCreateNewUint64Metric calls NewUint64Metric and panics if it returns an
// error.
func (r *Registry) MustCreateNewUint64Metric(name, description string, fields ...Field) *Uint64Metric {
	m, err := r.NewUint64Metric(name, description, fields...)
	if err != nil {
		panic(fmt.Sprintf("Unable to create metric %q: %s", name, err))
	}
	return m
}

func (m *Uint64Metric) index(fieldValues []string) int {
	if m.field == nil {
		if len(fieldValues) != 0 {
			panic(fmt.Sprintf("metric has no fields, got %v", fieldValues))
		}
		return 0
	}
	if len(fieldValues) != 1 {
		panic(fmt.Sprintf("metric has field %q, got values %v", m.field.name, fieldValues))
	}
	for i, v := range m.field.allowedValues {
		if v == fieldValues[0] {
			return i
		}
	}
	panic(fmt.Sprintf("value %q not allowed for field %q", fieldValues[0], m.field.name))
}

// Value returns the current value of the metric for the given set of fields.
func (m *Uint64Metric) Value(fieldValues ...string) uint64 {
	return m.values[m.index(fieldValues)].Load()
}

// Increment increments the metric field by 1.
func (m *Uint64Metric) Increment(fieldValues ...string) {
	m.IncrementBy(1, fieldValues...)
}

// IncrementBy increments the metric by v.
func (m *Uint64Metric) IncrementBy(v uint64, fieldValues ...string) {
	m.values[m.index(fieldValues)].Add(v)
}

// Snapshot samples every metric in r.
func (r *Registry) Snapshot() (*prometheus.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return nil, errors.New("metric.Snapshot called before metric.Initialize")
	}
	names := make([]string, 0, len(r.metrics))
	for name := range r.metrics {
		names = append(names, name)
	}
	sort.Strings(names)

	s := prometheus.NewSnapshot()
	for _, name := range names {
		m := r.metrics[name]
		if m.field == nil {
			s.Add(prometheus.NewIntData(m.metadata, int64(m.value())))
			continue
		}
		for _, v := range m.field.allowedValues {
			s.Add(prometheus.LabeledIntData(m.metadata, map[string]string{m.field.name: v}, int64(m.value(v))))
		}
	}
	return s, nil
}
