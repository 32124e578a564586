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
	"errors"
	"fmt"

	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/physmem"
)

// ErrOutOfTables is returned when an Allocator has no table pages left.
var ErrOutOfTables = errors.New("no page table pages available")

// Allocator hands out guest physical pages for page tables.
type Allocator interface {
	// NewPTEs returns the physical address of a new, zeroed table page.
	NewPTEs() (uint64, error)

	// FreePTEs releases a table page returned by NewPTEs.
	FreePTEs(table uint64)
}

// BumpAllocator allocates table pages sequentially from a physical range.
// Freed pages are reused before the range is extended.
type BumpAllocator struct {
	bus   physmem.Bus
	base  uint64
	next  uint64
	limit uint64
	free  []uint64
}

// NewBumpAllocator returns an allocator for [base, base+size). base must be
// page aligned.
func NewBumpAllocator(bus physmem.Bus, base, size uint64) *BumpAllocator {
	if base%pteSize != 0 {
		panic(fmt.Sprintf("unaligned table region base: %#x", base))
	}
	return &BumpAllocator{bus: bus, base: base, next: base, limit: base + size}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *BumpAllocator) NewPTEs() (uint64, error) {
	var table uint64
	if n := len(a.free); n > 0 {
		table = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		if a.next >= a.limit || a.limit-a.next < pteSize {
			return 0, ErrOutOfTables
		}
		table = a.next
		a.next += pteSize
	}
	var zero [pteSize]byte
	a.bus.Write(table, zero[:])
	return table, nil
}

// FreePTEs implements Allocator.FreePTEs.
func (a *BumpAllocator) FreePTEs(table uint64) {
	a.free = append(a.free, table)
}

// Used returns the number of table pages currently allocated.
func (a *BumpAllocator) Used() int {
	return int((a.next-a.base)/pteSize) - len(a.free)
}

// Builder constructs four-level page tables in guest physical memory.
type Builder struct {
	bus physmem.Bus

	// Allocator is used to allocate table pages.
	Allocator Allocator

	// MaxPageSize limits the leaf size Map may use.
	MaxPageSize guestarch.PageSizeClass

	// NXE indicates that the tables will be used with EFER.NXE set, so
	// non-executable mappings may use the execute-disable bit.
	NXE bool

	root uint64
}

// NewBuilder returns a Builder with a new, empty root table.
func NewBuilder(bus physmem.Bus, a Allocator) (*Builder, error) {
	root, err := a.NewPTEs()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	return &Builder{
		bus:         bus,
		Allocator:   a,
		MaxPageSize: guestarch.Size1G,
		root:        root,
	}, nil
}

// Root returns the physical address of the PML4 table, suitable for CR3.
func (b *Builder) Root() uint64 {
	return b.root
}

// Map installs a mapping of [addr, addr+length) to physical, using the
// largest pages that fit both the virtual and physical alignment.
//
// Precondition: addr, length and physical must be page-aligned, and the range
// must not span the non-canonical hole.
func (b *Builder) Map(addr guestarch.Addr, length uint64, opts MapOpts, physical uint64) error {
	if !opts.AccessType.Any() {
		return b.Unmap(addr, length)
	}
	start, end, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	if physical%pteSize != 0 {
		return fmt.Errorf("unaligned physical address %#x", physical)
	}
	superOK := func(s uint64, size guestarch.PageSizeClass) bool {
		return size <= b.MaxPageSize && (physical+(s-start))&size.Mask() == 0
	}
	return b.iterateRange(start, end, &iteration{
		alloc:   true,
		superOK: superOK,
		fn: func(s, e uint64, pte PTE, size guestarch.PageSizeClass) PTE {
			p := opts.leafPTE(physical+(s-start), b.NXE)
			if size != guestarch.Size4K {
				p |= Super
			}
			return p
		},
	})
}

// Unmap removes mappings of [addr, addr+length), splitting large pages as
// needed and freeing tables that become empty.
func (b *Builder) Unmap(addr guestarch.Addr, length uint64) error {
	start, end, err := checkRange(addr, length)
	if err != nil {
		return err
	}
	return b.iterateRange(start, end, &iteration{
		prune: true,
		fn: func(s, e uint64, pte PTE, size guestarch.PageSizeClass) PTE {
			return 0
		},
	})
}

// Lookup returns the leaf entry mapping addr, without modifying anything.
func (b *Builder) Lookup(addr guestarch.Addr) (pte PTE, size guestarch.PageSizeClass, ok bool) {
	table := b.root
	for level := LevelPML4; level < numLevels; level++ {
		pte = PTE(b.bus.ReadU64(table + level.index(addr)*entrySize))
		if !pte.Valid() {
			return 0, 0, false
		}
		if level == LevelPT || (level != LevelPML4 && pte.IsSuper()) {
			return pte, leafSize(level), true
		}
		table = pte.Address(DefaultMaxPhysBits)
	}
	return 0, 0, false
}

// Mapping is a single leaf mapping.
type Mapping struct {
	Start  guestarch.Addr
	Length uint64
	PTE    PTE
}

// Mappings returns all leaf mappings in linear address order.
func (b *Builder) Mappings() []Mapping {
	var ms []Mapping
	it := &iteration{
		fn: func(s, e uint64, pte PTE, size guestarch.PageSizeClass) PTE {
			ms = append(ms, Mapping{Start: guestarch.Addr(s), Length: e - s, PTE: pte})
			return pte
		},
	}
	// Neither call can fail: nothing is allocated.
	_ = b.iterateRange(0, lowerTop+1, it)
	_ = b.iterateRange(upperBottom, 0, it)
	return ms
}

// checkRange validates a linear range and returns its bounds. An end of zero
// denotes the top of the address space.
func checkRange(addr guestarch.Addr, length uint64) (uint64, uint64, error) {
	if !addr.IsPageAligned() || length%pteSize != 0 {
		return 0, 0, fmt.Errorf("unaligned range [%v, +%#x)", addr, length)
	}
	start := uint64(addr)
	end := start + length
	if length == 0 || (end != 0 && end < start) {
		return 0, 0, fmt.Errorf("invalid range [%v, +%#x)", addr, length)
	}
	last := guestarch.Addr(end - 1)
	if !addr.IsCanonical() || !last.IsCanonical() || (start <= lowerTop) != (uint64(last) <= lowerTop) {
		return 0, 0, fmt.Errorf("range [%v, +%#x) is not canonical", addr, length)
	}
	return start, end, nil
}

type visitor func(s, e uint64, pte PTE, size guestarch.PageSizeClass) PTE

// iteration holds the parameters of a single iterateRange call.
type iteration struct {
	// alloc indicates that missing tables are allocated and fn must return
	// a valid entry.
	alloc bool

	// prune indicates that tables left without a present entry are freed.
	prune bool

	// superOK reports whether a large page may be offered to fn.
	superOK func(s uint64, size guestarch.PageSizeClass) bool

	fn visitor
}

// iterateRange iterates over all appropriate levels of page tables for the
// given range, calling it.fn on every leaf and storing the entry it returns.
//
// If alloc is set, then fn must return a valid entry. Super pages are
// offered to fn when superOK allows and the range covers a whole aligned
// large page; otherwise the walk continues to individual entries.
//
// Large pages partially covered by the range are split.
//
// Precondition: start and end must be page-aligned and lie in the same
// canonical half. An end of zero denotes the top of the address space.
func (b *Builder) iterateRange(start, end uint64, it *iteration) error {
	return b.walkTable(b.root, LevelPML4, start, end-1, it)
}

// walkTable visits [start, last] within table at level.
func (b *Builder) walkTable(table uint64, level Level, start, last uint64, it *iteration) error {
	shift := levelShifts[level]
	size := uint64(1) << shift

	for index := (start >> shift) & entryIndexMask; ; index++ {
		entryAddr := table + index*entrySize
		pte := PTE(b.bus.ReadU64(entryAddr))

		// segLast is the last address of this entry's span within the range.
		segLast := start | (size - 1)
		if segLast > last {
			segLast = last
		}
		whole := start&(size-1) == 0 && segLast-start == size-1

		switch {
		case level == LevelPT:
			if !pte.Valid() && !it.alloc {
				break
			}
			npte := it.fn(start, segLast+1, pte, guestarch.Size4K)
			if it.alloc && !npte.Valid() {
				panic("PTE not set after iteration with alloc=true!")
			}
			b.store(entryAddr, pte, npte)

		case !pte.Valid():
			if !it.alloc {
				// Skip over this entry.
				break
			}
			class := leafSize(level)
			if level != LevelPML4 && whole && it.superOK != nil && it.superOK(start, class) {
				if npte := it.fn(start, segLast+1, Super, class); npte.Valid() {
					b.store(entryAddr, pte, npte)
					break
				}
			}
			child, err := b.Allocator.NewPTEs()
			if err != nil {
				return err
			}
			pte = PTE(child) | Present | Writable | User
			b.bus.WriteU64(entryAddr, uint64(pte))
			if err := b.descend(entryAddr, pte, level, start, segLast, it); err != nil {
				return err
			}

		case level != LevelPML4 && pte.IsSuper():
			if !whole {
				// Split the large page into the next level.
				child, err := b.split(pte, level)
				if err != nil {
					return err
				}
				pte = PTE(child) | Present | Writable | User
				b.bus.WriteU64(entryAddr, uint64(pte))
				if err := b.descend(entryAddr, pte, level, start, segLast, it); err != nil {
					return err
				}
				break
			}
			b.store(entryAddr, pte, it.fn(start, segLast+1, pte, leafSize(level)))

		default:
			if err := b.descend(entryAddr, pte, level, start, segLast, it); err != nil {
				return err
			}
		}

		if segLast == last || index == entryIndexMask {
			return nil
		}
		start = segLast + 1
	}
}

// descend walks the table referenced by pte, and frees it if pruning left it
// without a present entry.
func (b *Builder) descend(entryAddr uint64, pte PTE, level Level, start, last uint64, it *iteration) error {
	child := pte.Address(DefaultMaxPhysBits)
	if err := b.walkTable(child, level+1, start, last, it); err != nil {
		return err
	}
	if it.prune && b.tableEmpty(child) {
		b.bus.WriteU64(entryAddr, 0)
		b.Allocator.FreePTEs(child)
	}
	return nil
}

// tableEmpty returns true if no entry of table is present.
func (b *Builder) tableEmpty(table uint64) bool {
	for i := uint64(0); i < entriesPerPage; i++ {
		if PTE(b.bus.ReadU64(table + i*entrySize)).Valid() {
			return false
		}
	}
	return true
}

// split returns a new table at level+1 reproducing the large page pte.
func (b *Builder) split(pte PTE, level Level) (uint64, error) {
	child, err := b.Allocator.NewPTEs()
	if err != nil {
		return 0, err
	}
	step := uint64(1) << levelShifts[level+1]
	flags := pte &^ PTE(physMask(DefaultMaxPhysBits)&^(pteSize-1)) &^ largePAT
	base := uint64(pte) & physMask(DefaultMaxPhysBits) &^ leafSize(level).Mask()
	if level+1 == LevelPT {
		// PS is the PAT bit in a 4KB entry.
		flags &^= Super
	}
	for i := uint64(0); i < entriesPerPage; i++ {
		b.bus.WriteU64(child+i*entrySize, uint64(PTE(base+i*step)|flags))
	}
	return child, nil
}

// store writes npte at entryAddr if it differs from old.
func (b *Builder) store(entryAddr uint64, old, npte PTE) {
	if npte != old {
		b.bus.WriteU64(entryAddr, uint64(npte))
	}
}
