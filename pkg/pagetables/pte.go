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

// Package pagetables implements x86 guest page tables: the architectural
// walker used for translation in two-level, PAE and four-level paging, and a
// builder that constructs four-level tables in guest physical memory.
package pagetables

import (
	"fmt"
	"strings"

	"gvisor.dev/guestmmu/pkg/guestarch"
)

// Address constraints.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift

	entriesPerPage = 512
	entryIndexMask = entriesPerPage - 1
	entrySize      = 8
)

// PTE is a 64-bit paging-structure entry at any level.
//
// An entry without Present set is opaque: no other bit is interpreted.
type PTE uint64

// Entry bits.
const (
	Present        PTE = 1 << 0
	Writable       PTE = 1 << 1
	User           PTE = 1 << 2
	WriteThrough   PTE = 1 << 3
	CacheDisable   PTE = 1 << 4
	Accessed       PTE = 1 << 5
	Dirty          PTE = 1 << 6
	Super          PTE = 1 << 7
	Global         PTE = 1 << 8
	ExecuteDisable PTE = 1 << 63

	// ignoredHigh are bits 62:52, available to software in every entry.
	// Protection keys (bits 62:59) are not enforced.
	ignoredHigh PTE = 0x7ff << 52

	// lowFlags are bits 11:0.
	lowFlags PTE = 0xfff

	// largePAT is the PAT bit of a 2MB or 1GB leaf.
	largePAT PTE = 1 << 12
)

// Valid returns true iff the entry is present.
func (p PTE) Valid() bool {
	return p&Present != 0
}

// IsSuper returns true iff the entry maps a large page. Only meaningful at
// the PDPT and PD levels.
func (p PTE) IsSuper() bool {
	return p&Super != 0
}

// Address returns the 4KB-aligned physical address field, masked to
// maxPhysBits.
func (p PTE) Address(maxPhysBits uint8) uint64 {
	return uint64(p) & physMask(maxPhysBits) &^ (pteSize - 1)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return fmt.Sprintf("%#016x[-]", uint64(p))
	}
	var flags []string
	for _, f := range []struct {
		bit  PTE
		name string
	}{
		{Writable, "w"},
		{User, "u"},
		{Accessed, "a"},
		{Dirty, "d"},
		{Super, "ps"},
		{Global, "g"},
		{ExecuteDisable, "nx"},
	} {
		if p&f.bit != 0 {
			flags = append(flags, f.name)
		}
	}
	return fmt.Sprintf("%#016x[p %s]", uint64(p), strings.Join(flags, " "))
}

// physMask returns the mask of valid physical address bits.
func physMask(maxPhysBits uint8) uint64 {
	if maxPhysBits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << maxPhysBits) - 1
}

// MapOpts are options passed to Map.
type MapOpts struct {
	// AccessType defines permissions. An empty AccessType unmaps.
	AccessType guestarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool
}

// leafPTE returns the leaf entry for physical with the given options. nxe
// indicates whether ExecuteDisable may be used.
func (opts MapOpts) leafPTE(physical uint64, nxe bool) PTE {
	if !opts.AccessType.Any() {
		return 0
	}
	p := PTE(physical) | Present
	if opts.AccessType.Write {
		p |= Writable
	}
	if opts.User {
		p |= User
	}
	if opts.Global {
		p |= Global
	}
	if nxe && !opts.AccessType.Execute {
		p |= ExecuteDisable
	}
	return p
}

// Opts returns the MapOpts encoded by a leaf entry.
func (p PTE) Opts() MapOpts {
	if !p.Valid() {
		return MapOpts{}
	}
	return MapOpts{
		AccessType: guestarch.AccessType{
			Read:    true,
			Write:   p&Writable != 0,
			Execute: p&ExecuteDisable == 0,
		},
		Global: p&Global != 0,
		User:   p&User != 0,
	}
}
