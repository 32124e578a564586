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

// Package jitcache implements the direct-mapped translation cache consulted
// by generated code.
//
// The cache is a power-of-two array of two-word entries. For a linear address
// with page number vpn, the entry at vpn&IndexMask is valid iff its tag is
// (vpn^Salt)|1. Changing the salt invalidates every entry at once, without
// touching the array. The low bit of every tag is set, so a zeroed entry
// never matches.
//
// Generated code is passed a pointer to a Context, laid out as described by
// the offset constants, separately from the architectural CPU state.
package jitcache

import (
	"fmt"

	"gvisor.dev/guestmmu/pkg/guestarch"
)

// Flags are stored in the low bits of Entry.Data.
const (
	FlagRead  = 1 << 0
	FlagWrite = 1 << 1
	FlagExec  = 1 << 2

	// FlagIsRAM is set if the page is plain guest RAM, which generated code
	// may access at Context.RAMBase+paddr. Otherwise the access must be
	// routed through the memory bus.
	FlagIsRAM = 1 << 3

	// FlagCodeWatch is reserved for write-watching pages holding compiled
	// code. It is never set.
	FlagCodeWatch = 1 << 4

	// FlagsMask covers every flag bit; the rest of Data is the page.
	FlagsMask = guestarch.PageOffsetMask

	flagsReserved = FlagsMask &^ (FlagRead | FlagWrite | FlagExec | FlagIsRAM | FlagCodeWatch)
	flagsPerms    = FlagRead | FlagWrite | FlagExec
)

// FaultSentinel is returned in place of entry data when resolution raised a
// fault. It has reserved flag bits set and is never stored.
const FaultSentinel = ^uint64(0)

// MinEntries is the smallest supported cache.
const MinEntries = 4

// Entry is a single cache slot. Tag is at offset 0 and Data at offset 8.
type Entry struct {
	Tag  uint64
	Data uint64
}

// Context is the state generated code needs to use the cache.
type Context struct {
	// RAMBase is the host address of guest physical address zero.
	RAMBase uint64

	// Salt is the current salt.
	Salt uint64

	// IndexMask is the number of entries minus one.
	IndexMask uint64

	// Table is the first entry of the array.
	Table *Entry
}

// Status is the outcome of a lookup.
type Status uint8

// Lookup outcomes.
const (
	// Miss means the slow path must resolve the address.
	Miss Status = iota

	// Hit means the returned RAM address may be accessed directly.
	Hit

	// Routed means the translation is valid, but the physical address is
	// not plain RAM and must be accessed through the memory bus.
	Routed
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case Miss:
		return "miss"
	case Hit:
		return "hit"
	case Routed:
		return "routed"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// FlagsFor returns the entry flags for the permissions perms.
func FlagsFor(perms guestarch.AccessType, isRAM bool) uint64 {
	var f uint64
	if perms.Read {
		f |= FlagRead
	}
	if perms.Write {
		f |= FlagWrite
	}
	if perms.Execute {
		f |= FlagExec
	}
	if isRAM {
		f |= FlagIsRAM
	}
	return f
}

// consistent returns true if flags could have been produced by Fill.
func consistent(flags uint64) bool {
	return flags&flagsReserved == 0 && flags&FlagCodeWatch == 0 && flags&flagsPerms != 0
}

// permits returns true if flags allow access.
func permits(flags uint64, access guestarch.AccessKind) bool {
	switch access {
	case guestarch.Read:
		return flags&FlagRead != 0
	case guestarch.Write:
		return flags&FlagWrite != 0
	case guestarch.Execute:
		return flags&FlagExec != 0
	default:
		return false
	}
}

// Resolver performs the slow-path translation for the cache.
type Resolver interface {
	// TranslateForJIT translates vaddr for access and returns the 4KB-aligned
	// physical page and entry flags. On failure it returns the fault, which
	// the caller delivers.
	TranslateForJIT(vaddr guestarch.Addr, access guestarch.AccessKind) (physPage uint64, flags uint64, err error)
}

// Cache is a JIT translation cache.
//
// Like the architectural TLB, a Cache is owned by one virtual CPU.
type Cache struct {
	ctx     Context
	entries []Entry

	// seed and generation determine the salt.
	seed       uint64
	generation uint64
}

// New returns an empty cache of n entries, which must be a power of two no
// smaller than MinEntries. seed selects the salt sequence.
func New(n int, seed uint64) (*Cache, error) {
	if n < MinEntries || n&(n-1) != 0 {
		return nil, fmt.Errorf("jit cache size %d is not a power of two of at least %d", n, MinEntries)
	}
	c := &Cache{
		entries: make([]Entry, n),
		seed:    seed,
	}
	c.ctx.IndexMask = uint64(n - 1)
	c.ctx.Table = &c.entries[0]
	c.ctx.Salt = c.salt(0)
	return c, nil
}

// Context returns the context to pass to generated code. It remains valid for
// the life of the cache.
func (c *Cache) Context() *Context {
	return &c.ctx
}

// SetRAMBase sets the host address of guest physical zero.
func (c *Cache) SetRAMBase(base uint64) {
	c.ctx.RAMBase = base
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Salt returns the current salt.
func (c *Cache) Salt() uint64 {
	return c.ctx.Salt
}

// Tag returns the tag that an entry for vaddr has under the current salt.
func (c *Cache) Tag(vaddr guestarch.Addr) uint64 {
	return (vaddr.PageNumber() ^ c.ctx.Salt) | 1
}

func (c *Cache) slot(vaddr guestarch.Addr) *Entry {
	return &c.entries[vaddr.PageNumber()&c.ctx.IndexMask]
}

// Lookup performs the same check as generated code. On Hit and Routed it
// returns the physical address of vaddr.
//
// An entry whose flags are inconsistent is a Miss.
func (c *Cache) Lookup(vaddr guestarch.Addr, access guestarch.AccessKind) (uint64, Status) {
	e := c.slot(vaddr)
	if e.Tag != c.Tag(vaddr) {
		return 0, Miss
	}
	flags := e.Data & FlagsMask
	if !consistent(flags) || !permits(flags, access) {
		return 0, Miss
	}
	paddr := e.Data&^FlagsMask | vaddr.PageOffset()
	if flags&FlagIsRAM == 0 {
		return paddr, Routed
	}
	return paddr, Hit
}

// Fill stores the translation of vaddr's page to physPage and returns the
// stored data word.
func (c *Cache) Fill(vaddr guestarch.Addr, physPage, flags uint64) uint64 {
	if physPage&FlagsMask != 0 {
		panic(fmt.Sprintf("unaligned physical page %#x", physPage))
	}
	if !consistent(flags) {
		panic(fmt.Sprintf("inconsistent flags %#x", flags))
	}
	data := physPage | flags
	*c.slot(vaddr) = Entry{Tag: c.Tag(vaddr), Data: data}
	return data
}

// Resolve is the slow path: it resolves vaddr through r, fills the entry and
// returns the data word. If r faults, Resolve returns FaultSentinel and the
// fault; the entry is not modified.
func (c *Cache) Resolve(vaddr guestarch.Addr, access guestarch.AccessKind, r Resolver) (uint64, error) {
	physPage, flags, err := r.TranslateForJIT(vaddr, access)
	if err != nil {
		resolvesMetric.Increment("fault")
		return FaultSentinel, err
	}
	resolvesMetric.Increment("filled")
	return c.Fill(vaddr, physPage, flags), nil
}

// InvalidatePage clears the slot that vaddr maps to.
func (c *Cache) InvalidatePage(vaddr guestarch.Addr) {
	*c.slot(vaddr) = Entry{}
}

// RotateSalt invalidates every entry.
//
// Index bits above bit zero of successive salts are a counter, so an entry
// stored under any of the previous Len()/2-1 salts cannot match: its tag
// differs from every current tag for its slot in those bits. Older entries
// are excluded by the high bits, which are pseudo-random.
func (c *Cache) RotateSalt() {
	c.generation++
	c.ctx.Salt = c.salt(c.generation)
	rotationsMetric.Increment()
}

// Generation returns the number of salt rotations.
func (c *Cache) Generation() uint64 {
	return c.generation
}

// Reset clears every entry.
func (c *Cache) Reset() {
	clear(c.entries)
}

func (c *Cache) salt(generation uint64) uint64 {
	return splitmix64(c.seed+generation)&^c.ctx.IndexMask | (generation<<1)&c.ctx.IndexMask
}

// splitmix64 is the SplitMix64 output function.
func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}
