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

// Package config holds the configuration of a simulated machine: its
// physical memory, the kernel heap, paging and logging.
//
// Configuration is read from a TOML file and may be overridden by command
// line flags. Each field that can be set from the command line carries a
// `flag` tag naming the flag and a `help` tag with its usage.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"

	"kmem.dev/kmem/pkg/hostarch"
	"kmem.dev/kmem/pkg/log"
)

// Memory describes the physical memory of the machine.
type Memory struct {
	// PhysBase is the physical address of the first byte of RAM.
	PhysBase uint64 `toml:"phys_base" flag:"phys-base" help:"physical address where RAM starts."`

	// Size is the amount of RAM in bytes.
	Size uint64 `toml:"size" flag:"mem-size" help:"amount of RAM in bytes."`

	// Harts is the number of harts sharing the memory.
	Harts int `toml:"harts" flag:"harts" help:"number of harts."`
}

// Heap configures the kernel heap.
type Heap struct {
	// Size is the initial heap size in bytes, carved from the start of RAM.
	Size uint64 `toml:"size" flag:"heap-size" help:"initial kernel heap size in bytes."`

	// Order is the number of size classes of the buddy allocator.
	Order int `toml:"order" flag:"heap-order" help:"number of buddy allocator size classes."`

	// RescueFrames is the number of frames added to the heap when an
	// allocation runs out of memory. Zero disables heap growth.
	RescueFrames uint64 `toml:"rescue_frames" flag:"heap-rescue-frames" help:"frames added to the heap on exhaustion, 0 disables growth."`
}

// Paging configures the kernel address space.
type Paging struct {
	// KernelBase is the virtual address RAM is mapped at.
	KernelBase uint64 `toml:"kernel_base" flag:"kernel-base" help:"virtual address the kernel maps RAM at."`

	// IdentityMap additionally maps RAM at its physical address.
	IdentityMap bool `toml:"identity_map" flag:"identity-map" help:"also map RAM at its physical address."`

	// ASIDs is the size of the ASID pool. With zero, all address spaces
	// share ASID 0.
	ASIDs uint `toml:"asids" flag:"asids" help:"number of ASIDs handed out to address spaces."`
}

// Log configures logging.
type Log struct {
	Level  string `toml:"level" flag:"log-level" help:"log level: warning, info or debug."`
	Format string `toml:"format" flag:"log-format" help:"log format: text or json."`

	// File is a file name pattern; see log.PatternOpts. Empty means stderr.
	File string `toml:"file" flag:"log-file" help:"file to write logs to. %TIMESTAMP%, %PID% and %COMMAND% are expanded."`
}

// Config is the machine configuration.
type Config struct {
	Memory Memory `toml:"memory"`
	Heap   Heap   `toml:"heap"`
	Paging Paging `toml:"paging"`
	Log    Log    `toml:"log"`
}

var defaultConfig = Config{
	Memory: Memory{
		PhysBase: 0x8000_0000,
		Size:     16 << 20,
		Harts:    4,
	},
	Heap: Heap{
		Size:         1 << 20,
		Order:        32,
		RescueFrames: 16,
	},
	Paging: Paging{
		KernelBase:  0xffff_ffc0_0000_0000,
		IdentityMap: true,
		ASIDs:       64,
	},
	Log: Log{
		Level:  "info",
		Format: "text",
	},
}

// Default returns the default configuration.
func Default() *Config {
	return deepcopy.Copy(&defaultConfig).(*Config)
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Load reads the configuration at path on top of the defaults. Keys that do
// not correspond to a field are an error.
func Load(path string) (*Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, fmt.Errorf("decoding %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%q: unknown keys %v", path, undecoded)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	return c, nil
}

// field is a configuration field settable by a flag.
type field struct {
	name string
	help string
	val  reflect.Value
}

// flagFields returns the fields of c that carry a flag tag.
func (c *Config) flagFields() []field {
	var fields []field
	obj := reflect.ValueOf(c).Elem()
	for i := 0; i < obj.NumField(); i++ {
		section := obj.Field(i)
		st := section.Type()
		for j := 0; j < st.NumField(); j++ {
			f := st.Field(j)
			name, ok := f.Tag.Lookup("flag")
			if !ok {
				continue
			}
			fields = append(fields, field{name: name, help: f.Tag.Get("help"), val: section.Field(j)})
		}
	}
	return fields
}

// RegisterFlags registers a flag for every settable field, with the current
// value of c as default.
func (c *Config) RegisterFlags(flagSet *flag.FlagSet) {
	for _, f := range c.flagFields() {
		switch v := f.val.Addr().Interface().(type) {
		case *uint64:
			flagSet.Uint64(f.name, *v, f.help)
		case *uint:
			flagSet.Uint(f.name, *v, f.help)
		case *int:
			flagSet.Int(f.name, *v, f.help)
		case *bool:
			flagSet.Bool(f.name, *v, f.help)
		case *string:
			flagSet.String(f.name, *v, f.help)
		default:
			panic(fmt.Sprintf("flag %q: unsupported type %T", f.name, v))
		}
	}
}

// ApplyFlags copies the flags that were set on the command line into c and
// validates the result.
func (c *Config) ApplyFlags(flagSet *flag.FlagSet) error {
	byName := make(map[string]reflect.Value)
	for _, f := range c.flagFields() {
		byName[f.name] = f.val
	}
	var err error
	flagSet.Visit(func(fl *flag.Flag) {
		v, ok := byName[fl.Name]
		if !ok || err != nil {
			return
		}
		g, ok := fl.Value.(flag.Getter)
		if !ok {
			err = fmt.Errorf("flag %q has no value getter", fl.Name)
			return
		}
		x := reflect.ValueOf(g.Get())
		if x.Type() != v.Type() {
			err = fmt.Errorf("flag %q has type %v, field has type %v", fl.Name, x.Type(), v.Type())
			return
		}
		v.Set(x)
	})
	if err != nil {
		return err
	}
	return c.Validate()
}

// Validate checks that c describes a machine that can be built.
func (c *Config) Validate() error {
	m := c.Memory
	switch {
	case m.PhysBase%hostarch.PageSize != 0:
		return fmt.Errorf("memory.phys_base %#x is not page aligned", m.PhysBase)
	case m.Size == 0 || m.Size%hostarch.PageSize != 0:
		return fmt.Errorf("memory.size %#x is not a positive multiple of the page size", m.Size)
	case m.PhysBase+m.Size < m.PhysBase || m.PhysBase+m.Size > 1<<hostarch.PhysAddrBits:
		return fmt.Errorf("memory [%#x, %#x) exceeds the physical address space", m.PhysBase, m.PhysBase+m.Size)
	case m.Harts < 1:
		return fmt.Errorf("memory.harts must be at least 1, got %d", m.Harts)
	}

	h := c.Heap
	switch {
	case h.Order <= 3 || h.Order > 64:
		return fmt.Errorf("heap.order must be in (3, 64], got %d", h.Order)
	case h.Size%hostarch.PageSize != 0:
		return fmt.Errorf("heap.size %#x is not page aligned", h.Size)
	case h.Size+h.RescueFrames*hostarch.PageSize > m.Size/2:
		return fmt.Errorf("heap.size plus rescue frames (%#x) exceeds half of memory (%#x)", h.Size+h.RescueFrames*hostarch.PageSize, m.Size/2)
	}

	p := c.Paging
	switch {
	case !hostarch.IsCanonical(p.KernelBase):
		return fmt.Errorf("paging.kernel_base %#x is not canonical", p.KernelBase)
	case p.KernelBase%hostarch.HugePageSize != 0:
		return fmt.Errorf("paging.kernel_base %#x is not aligned to %#x", p.KernelBase, hostarch.HugePageSize)
	case p.KernelBase+m.Size-1 < p.KernelBase || !hostarch.IsCanonical(p.KernelBase+m.Size-1):
		return fmt.Errorf("paging.kernel_base %#x leaves no room for %#x bytes of memory", p.KernelBase, m.Size)
	case p.ASIDs > 1<<16-1:
		return fmt.Errorf("paging.asids %d exceeds %d", p.ASIDs, 1<<16-1)
	}
	if p.IdentityMap {
		if !hostarch.IsCanonical(m.PhysBase + m.Size - 1) {
			return fmt.Errorf("memory [%#x, %#x) cannot be identity mapped", m.PhysBase, m.PhysBase+m.Size)
		}
		if p.KernelBase < m.PhysBase+m.Size && m.PhysBase < p.KernelBase+m.Size {
			return fmt.Errorf("kernel mapping [%#x, %#x) overlaps the identity mapping [%#x, %#x)", p.KernelBase, p.KernelBase+m.Size, m.PhysBase, m.PhysBase+m.Size)
		}
	}

	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// LogLevel returns the parsed log level. c must be valid.
func (c *Config) LogLevel() log.Level {
	l, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		panic(fmt.Sprintf("invalid log level in validated config: %v", err))
	}
	return l
}

// Dump logs the configuration at Info level.
func (c *Config) Dump() {
	log.Infof("Configuration:")
	for _, f := range c.flagFields() {
		log.Infof("\t\t%s: %s", f.name, format(f.val))
	}
}

func format(v reflect.Value) string {
	switch v.Kind() {
	case reflect.Uint64:
		return "0x" + strconv.FormatUint(v.Uint(), 16)
	default:
		return fmt.Sprint(v.Interface())
	}
}
