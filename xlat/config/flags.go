// Copyright 2026 The gVisor Authors.
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

package config

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
	"gvisor.dev/guestmmu/pkg/mmu"
	"gvisor.dev/guestmmu/pkg/tlb"
	"gvisor.dev/guestmmu/xlat/flag"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML file whose [flags] table sets flags not given on the command line.")

	// Debugging flags.
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as to --log.")
	flagSet.Duration("fault-log-interval", mmu.DefaultOptions.FaultLogInterval, "minimum interval between logged page faults.")

	// Machine flags.
	flagSet.Uint64("ram-size", 64<<20, "guest RAM size in bytes.")
	flagSet.Uint("max-phys-bits", 52, "guest physical address width in bits.")

	// Translation cache flags.
	g := tlb.DefaultGeometry
	flagSet.Int("tlb-l1-4k-sets", g.L1Small.Sets, "sets in each first-level 4KB TLB array.")
	flagSet.Int("tlb-l1-4k-ways", g.L1Small.Ways, "ways in each first-level 4KB TLB array.")
	flagSet.Int("tlb-l1-large-sets", g.L1Large.Sets, "sets in each first-level large-page TLB array.")
	flagSet.Int("tlb-l1-large-ways", g.L1Large.Ways, "ways in each first-level large-page TLB array.")
	flagSet.Int("tlb-l2-sets", g.L2.Sets, "sets in the second-level TLB.")
	flagSet.Int("tlb-l2-ways", g.L2.Ways, "ways in the second-level TLB.")
	flagSet.Int("jit-entries", mmu.DefaultOptions.JITEntries, "JIT translation cache entries; a power of two.")
	flagSet.Uint64("salt-seed", 0, "seed of the JIT translation cache salt sequence.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}

	if conf.ConfigFile != "" {
		if err := conf.ApplyFile(flagSet, conf.ConfigFile); err != nil {
			return nil, err
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

// Override writes a new value to a flag.
func (c *Config) Override(flagSet *flag.FlagSet, name string, value string) error {
	if err := c.set(flagSet, name, value); err != nil {
		return err
	}
	// Validates the config again to ensure it's left in a consistent state.
	return c.validate()
}

// set writes a new value to a flag without validating the result.
func (c *Config) set(flagSet *flag.FlagSet, name string, value string) error {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		fieldName, ok := f.Tag.Lookup("flag")
		if !ok || fieldName != name {
			// Not a flag field, or flag name doesn't match.
			continue
		}
		if name == "config" {
			return fmt.Errorf("flag %q cannot be overridden", name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			// Flag must exist if there is a field match above.
			panic(fmt.Sprintf("Flag %q not found", name))
		}

		// Use flag to convert the string value to the underlying flag type, using
		// the same rules as the command-line for consistency.
		if err := fl.Value.Set(value); err != nil {
			return fmt.Errorf("error setting flag %s=%q: %w", name, value, err)
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
		return nil
	}
	return fmt.Errorf("flag %q not found. Cannot set it to %q", name, value)
}

// fileFormat is the layout of a config file.
type fileFormat struct {
	Flags map[string]any `toml:"flags"`
}

// ApplyFile sets flags from the [flags] table of the TOML file at path.
// Flags given explicitly in flagSet take precedence over the file. The
// result is not validated.
func (c *Config) ApplyFile(flagSet *flag.FlagSet, path string) error {
	var ff fileFormat
	md, err := toml.DecodeFile(path, &ff)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %q: unknown keys %v", path, undecoded)
	}

	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	// Apply in a stable order, so that errors are reproducible.
	names := make([]string, 0, len(ff.Flags))
	for name := range ff.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if explicit[name] {
			continue
		}
		if err := c.set(flagSet, name, fmt.Sprint(ff.Flags[name])); err != nil {
			return fmt.Errorf("config file %q: %w", path, err)
		}
	}
	return nil
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
