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

package pagetables

import (
	"fmt"
)

// Control register bits consulted by translation.
const (
	CR0_WP = 1 << 16
	CR0_PG = 1 << 31

	CR3_PCID    = 0xfff
	CR3_NOFLUSH = 1 << 63

	CR4_PSE   = 1 << 4
	CR4_PAE   = 1 << 5
	CR4_PGE   = 1 << 7
	CR4_PCIDE = 1 << 17

	EFER_LME = 1 << 8
	EFER_NXE = 1 << 11
)

// DefaultMaxPhysBits is the physical address width used when none is
// configured.
const DefaultMaxPhysBits = 52

// Mode is a paging mode, selected by CR0.PG, CR4.PAE and EFER.LME.
type Mode uint8

// Paging modes.
const (
	// ModeDisabled is CR0.PG clear: linear addresses are physical.
	ModeDisabled Mode = iota

	// ModeLegacy32 is two-level paging of a 32-bit linear address, with
	// 4KB pages and 4MB pages under CR4.PSE.
	ModeLegacy32

	// ModePAE is three-level paging of a 32-bit linear address, with 4KB
	// and 2MB pages.
	ModePAE

	// ModeLong is four-level paging of a 48-bit linear address, with 4KB,
	// 2MB and 1GB pages.
	ModeLong
)

// String implements fmt.Stringer.String.
func (m Mode) String() string {
	switch m {
	case ModeDisabled:
		return "disabled"
	case ModeLegacy32:
		return "legacy32"
	case ModePAE:
		return "pae"
	case ModeLong:
		return "long"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// PagingState is the architectural state that controls translation.
type PagingState struct {
	CR0  uint64
	CR3  uint64
	CR4  uint64
	EFER uint64

	// MaxPhysBits is the physical address width, 1 to 52.
	MaxPhysBits uint8
}

// Enabled returns CR0.PG.
func (s *PagingState) Enabled() bool {
	return s.CR0&CR0_PG != 0
}

// LongMode returns true iff four-level paging is selected.
func (s *PagingState) LongMode() bool {
	return s.CR4&CR4_PAE != 0 && s.EFER&EFER_LME != 0
}

// Mode returns the selected paging mode.
func (s *PagingState) Mode() Mode {
	switch {
	case !s.Enabled():
		return ModeDisabled
	case s.CR4&CR4_PAE == 0:
		return ModeLegacy32
	case s.EFER&EFER_LME == 0:
		return ModePAE
	default:
		return ModeLong
	}
}

// PSE returns CR4.PSE.
func (s *PagingState) PSE() bool {
	return s.CR4&CR4_PSE != 0
}

// WriteProtect returns CR0.WP.
func (s *PagingState) WriteProtect() bool {
	return s.CR0&CR0_WP != 0
}

// NXE returns EFER.NXE.
func (s *PagingState) NXE() bool {
	return s.EFER&EFER_NXE != 0
}

// PGE returns CR4.PGE.
func (s *PagingState) PGE() bool {
	return s.CR4&CR4_PGE != 0
}

// PCIDE returns CR4.PCIDE.
func (s *PagingState) PCIDE() bool {
	return s.CR4&CR4_PCIDE != 0
}

// UsesPCIDs returns true iff translations are tagged with PCIDs, which
// requires CR4.PCIDE and long mode.
func (s *PagingState) UsesPCIDs() bool {
	return s.PCIDE() && s.LongMode()
}

// PCID returns the current process context identifier, or zero when PCIDs
// are not in use.
func (s *PagingState) PCID() uint16 {
	if !s.UsesPCIDs() {
		return 0
	}
	return uint16(s.CR3 & CR3_PCID)
}

// Root returns the physical address of the top-level table: the PML4 in
// long mode, the 32-byte PDPT under PAE, and the page directory otherwise.
// Outside long mode only the low 32 bits of CR3 are used.
func (s *PagingState) Root() uint64 {
	switch s.Mode() {
	case ModeLegacy32:
		return uint64(uint32(s.CR3)) &^ (pteSize - 1)
	case ModePAE:
		return uint64(uint32(s.CR3)) &^ (paePDPTSize - 1)
	default:
		return s.CR3 & physMask(s.maxPhysBits()) &^ (pteSize - 1)
	}
}

func (s *PagingState) maxPhysBits() uint8 {
	if s.MaxPhysBits == 0 {
		return DefaultMaxPhysBits
	}
	return s.MaxPhysBits
}

// String implements fmt.Stringer.String.
func (s PagingState) String() string {
	return fmt.Sprintf("cr0=%#x cr3=%#x cr4=%#x efer=%#x maxphys=%d", s.CR0, s.CR3, s.CR4, s.EFER, s.maxPhysBits())
}
