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

// Package scenario runs scripted guest paging scenarios against a
// translator. A scenario is a TOML file describing the guest's paging
// registers, its page table mappings, MMIO regions, and a list of steps
// such as translations, invalidations and self-modifying code checks.
package scenario

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/tlb"
)

// Paging is the initial paging configuration of the guest.
type Paging struct {
	// Enabled sets CR0.PG. Without it, addresses translate to themselves.
	Enabled bool `toml:"enabled"`

	// WriteProtect sets CR0.WP.
	WriteProtect bool `toml:"write-protect"`

	// PGE sets CR4.PGE.
	PGE bool `toml:"pge"`

	// PCIDE sets CR4.PCIDE.
	PCIDE bool `toml:"pcide"`

	// NXE sets EFER.NXE.
	NXE bool `toml:"nxe"`

	// PCID is loaded into CR3 with the root table.
	PCID uint16 `toml:"pcid"`

	// Tables and TablesSize are the physical range page tables are
	// allocated from.
	Tables     uint64 `toml:"tables"`
	TablesSize uint64 `toml:"tables-size"`

	// MaxPageSize is the largest page size mappings may use: 4K, 2M or 1G.
	// The default is 1G.
	MaxPageSize string `toml:"max-page-size"`
}

// Mapping is a range of guest virtual memory.
type Mapping struct {
	Virt   uint64 `toml:"virt"`
	Phys   uint64 `toml:"phys"`
	Length uint64 `toml:"length"`

	// Access is in the form "rwx", with '-' for missing permissions.
	Access string `toml:"access"`
	User   bool   `toml:"user"`
	Global bool   `toml:"global"`
}

// MMIO is a device region on the physical bus.
type MMIO struct {
	Name string `toml:"name"`
	Base uint64 `toml:"base"`
	Size uint64 `toml:"size"`
}

// Step operations.
const (
	OpTranslate  = "translate"
	OpProbe      = "probe"
	OpJIT        = "jit"
	OpInvlpg     = "invlpg"
	OpInvpcid    = "invpcid"
	OpCPL        = "cpl"
	OpFlush      = "flush"
	OpMap        = "map"
	OpUnmap      = "unmap"
	OpStore      = "store"
	OpCompile    = "compile"
	OpCheck      = "check"
	OpAddMMIO    = "add-mmio"
	OpRemoveMMIO = "remove-mmio"
)

// Step is a single scenario action.
type Step struct {
	Op string `toml:"op"`

	// Addr is the virtual address of translate, probe, jit, invlpg,
	// invpcid, store and compile, and the physical base of remove-mmio.
	Addr uint64 `toml:"addr"`

	// Access is the access kind of translate, probe and jit: read, write
	// or execute.
	Access string `toml:"access"`

	// Value is the CPL of cpl and the 64-bit value written by store.
	Value uint64 `toml:"value"`

	// Length is the length of compile.
	Length uint64 `toml:"length"`

	// Name identifies the unit of compile and check.
	Name string `toml:"name"`

	// Mode and PCID are the operands of invpcid.
	Mode string `toml:"mode"`
	PCID uint16 `toml:"pcid"`

	// Mapping is the operand of map and unmap. Unmap uses only Virt and
	// Length.
	Mapping *Mapping `toml:"mapping"`

	// MMIO is the operand of add-mmio.
	MMIO *MMIO `toml:"mmio"`

	// Expect is the physical address a translate, probe or jit must
	// return.
	Expect *uint64 `toml:"expect"`

	// ExpectFault requires translate, probe or jit to fault.
	ExpectFault bool `toml:"expect-fault"`

	// ExpectStale is the staleness check must report.
	ExpectStale *bool `toml:"expect-stale"`
}

// Scenario is a complete scenario.
type Scenario struct {
	Paging Paging    `toml:"paging"`
	Maps   []Mapping `toml:"map"`
	MMIO   []MMIO    `toml:"mmio"`
	Steps  []Step    `toml:"step"`
}

// Decode reads a scenario from r.
func Decode(r io.Reader) (*Scenario, error) {
	var s Scenario
	md, err := toml.NewDecoder(r).Decode(&s)
	if err != nil {
		return nil, fmt.Errorf("decoding scenario: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown scenario keys %v", undecoded)
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Load reads a scenario from the file at path.
func Load(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	s, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", path, err)
	}
	return s, nil
}

func (s *Scenario) validate() error {
	if s.Paging.Enabled && s.Paging.TablesSize == 0 {
		return fmt.Errorf("paging enabled without a page table region")
	}
	size, err := guestarch.ParsePageSize(s.Paging.MaxPageSize)
	if err != nil {
		return err
	}
	if size == guestarch.Size4M {
		return fmt.Errorf("max-page-size %v needs two-level tables, which the builder does not create", size)
	}
	for i := range s.Maps {
		if _, err := parseAccessType(s.Maps[i].Access); err != nil {
			return fmt.Errorf("map %d: %w", i, err)
		}
	}
	for i := range s.Steps {
		if err := s.Steps[i].validate(); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Steps[i].Op, err)
		}
	}
	return nil
}

func (st *Step) validate() error {
	switch st.Op {
	case OpTranslate, OpProbe, OpJIT:
		if _, err := guestarch.ParseAccessKind(st.Access); err != nil {
			return err
		}
		if st.Expect != nil && st.ExpectFault {
			return fmt.Errorf("both expect and expect-fault given")
		}
	case OpInvpcid:
		if _, err := tlb.ParseInvpcidMode(st.Mode); err != nil {
			return err
		}
	case OpCPL:
		if st.Value > 3 {
			return fmt.Errorf("invalid CPL %d", st.Value)
		}
	case OpMap, OpUnmap:
		if st.Mapping == nil {
			return fmt.Errorf("missing mapping")
		}
		if _, err := parseAccessType(st.Mapping.Access); err != nil && st.Op == OpMap {
			return err
		}
	case OpCompile:
		if st.Name == "" || st.Length == 0 {
			return fmt.Errorf("compile needs a name and a length")
		}
	case OpCheck:
		if st.Name == "" {
			return fmt.Errorf("check needs a name")
		}
	case OpAddMMIO:
		if st.MMIO == nil {
			return fmt.Errorf("missing mmio")
		}
	case OpInvlpg, OpFlush, OpStore, OpRemoveMMIO:
	default:
		return fmt.Errorf("unknown op %q", st.Op)
	}
	return nil
}

// parseAccessType parses the output of guestarch.AccessType.String.
func parseAccessType(s string) (guestarch.AccessType, error) {
	if len(s) != 3 {
		return guestarch.NoAccess, fmt.Errorf("invalid access type %q", s)
	}
	var at guestarch.AccessType
	bits := [3]*bool{&at.Read, &at.Write, &at.Execute}
	for i, want := range []byte("rwx") {
		switch s[i] {
		case want:
			*bits[i] = true
		case '-':
		default:
			return guestarch.NoAccess, fmt.Errorf("invalid access type %q", s)
		}
	}
	return at, nil
}
