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

// Package tlb models an x86-64 translation lookaside buffer.
//
// The model has the structure of real hardware: split instruction and data
// first-level arrays, each with separate sets for 4KB and large pages, backed
// by a unified second-level array. Every array is a fixed arena of entries
// indexed by set and way, so no lookup, insertion or invalidation allocates.
//
// A TLB is owned by a single virtual CPU. Remote invalidations must be
// delivered by the owner, or with the owner stopped.
package tlb

import (
	"errors"
	"fmt"

	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/pagetables"
)

// Stream selects a first-level array.
type Stream uint8

// Streams.
const (
	Data Stream = iota
	Instruction
	numStreams
)

// String implements fmt.Stringer.String.
func (s Stream) String() string {
	switch s {
	case Data:
		return "data"
	case Instruction:
		return "instruction"
	default:
		return fmt.Sprintf("Stream(%d)", uint8(s))
	}
}

// StreamOf returns the stream that serves access.
func StreamOf(access guestarch.AccessKind) Stream {
	if access == guestarch.Execute {
		return Instruction
	}
	return Data
}

// InvpcidMode is an INVPCID invalidation type.
type InvpcidMode uint8

// INVPCID types, numbered as the instruction encodes them.
const (
	IndividualAddress InvpcidMode = iota
	SingleContext
	AllIncludingGlobal
	AllExcludingGlobal
)

// String implements fmt.Stringer.String.
func (m InvpcidMode) String() string {
	switch m {
	case IndividualAddress:
		return "individual-address"
	case SingleContext:
		return "single-context"
	case AllIncludingGlobal:
		return "all-including-global"
	case AllExcludingGlobal:
		return "all-excluding-global"
	default:
		return fmt.Sprintf("InvpcidMode(%d)", uint8(m))
	}
}

// ParseInvpcidMode parses the output of InvpcidMode.String.
func ParseInvpcidMode(s string) (InvpcidMode, error) {
	for m := IndividualAddress; m <= AllExcludingGlobal; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrInvalidMode, s)
}

// ErrInvalidMode is returned for an INVPCID type above AllExcludingGlobal.
var ErrInvalidMode = errors.New("invalid INVPCID type")

// Shape is the shape of a set-associative array.
type Shape struct {
	// Sets is the number of sets. It must be a power of two.
	Sets int

	// Ways is the associativity.
	Ways int
}

func (s Shape) validate(name string) error {
	if s.Sets <= 0 || s.Sets&(s.Sets-1) != 0 {
		return fmt.Errorf("%s: set count %d is not a power of two", name, s.Sets)
	}
	if s.Ways <= 0 {
		return fmt.Errorf("%s: way count %d must be positive", name, s.Ways)
	}
	return nil
}

// Geometry is the shape of every array in a TLB.
type Geometry struct {
	// L1Small is the shape of each stream's 4KB array.
	L1Small Shape

	// L1Large is the shape of each stream's 2MB and 1GB array.
	L1Large Shape

	// L2 is the shape of the unified second-level array.
	L2 Shape
}

// DefaultGeometry is a typical contemporary core.
var DefaultGeometry = Geometry{
	L1Small: Shape{Sets: 16, Ways: 4},
	L1Large: Shape{Sets: 8, Ways: 4},
	L2:      Shape{Sets: 256, Ways: 8},
}

// Validate returns an error if any shape is invalid.
func (g Geometry) Validate() error {
	if err := g.L1Small.validate("L1 4K"); err != nil {
		return err
	}
	if err := g.L1Large.validate("L1 large"); err != nil {
		return err
	}
	return g.L2.validate("L2")
}

// Request describes the access being looked up.
type Request struct {
	Access guestarch.AccessKind

	// User is set for accesses at CPL 3.
	User bool

	// WriteProtect is CR0.WP.
	WriteProtect bool
}

// Stats are cumulative counters for a TLB.
type Stats struct {
	Lookups [numStreams]uint64
	L1Hits  [numStreams]uint64
	L2Hits  [numStreams]uint64
	Misses  [numStreams]uint64
	Inserts uint64

	// Evictions counts valid entries replaced on insertion.
	Evictions uint64
}

// way is a single slot of an array.
type way struct {
	t pagetables.Translation

	// lru is the clock value of the last use; zero for invalid slots.
	lru uint64
}

// array is a set-associative array of translations. Slot (set, w) is
// entries[set*ways+w].
type array struct {
	setMask uint64
	ways    int
	entries []way
}

func newArray(s Shape) array {
	return array{
		setMask: uint64(s.Sets - 1),
		ways:    s.Ways,
		entries: make([]way, s.Sets*s.Ways),
	}
}

// set returns the ways of the set holding vaddr at size.
func (a *array) set(vaddr guestarch.Addr, size guestarch.PageSizeClass) []way {
	i := int((uint64(vaddr) >> size.Shift()) & a.setMask)
	return a.entries[i*a.ways : (i+1)*a.ways]
}

// covers returns true if the valid translation t maps vaddr.
func covers(t *pagetables.Translation, vaddr guestarch.Addr) bool {
	return t.VirtBase == vaddr&^guestarch.Addr(t.Size.Mask())
}

// find returns the slot holding a translation of vaddr at size visible to
// pcid, or nil.
func (a *array) find(vaddr guestarch.Addr, size guestarch.PageSizeClass, pcid uint16) *way {
	ws := a.set(vaddr, size)
	for i := range ws {
		w := &ws[i]
		if w.t.Valid && w.t.Size == size && covers(&w.t, vaddr) && (w.t.Global || w.t.PCID == pcid) {
			return w
		}
	}
	return nil
}

// insert stores t, replacing an existing translation of the same page and
// context, else an invalid way, else the least recently used way. It returns
// true if a valid, unrelated translation was evicted.
func (a *array) insert(t pagetables.Translation, clock uint64) bool {
	ws := a.set(t.VirtBase, t.Size)
	for i := range ws {
		w := &ws[i]
		if w.t.Valid && w.t.Size == t.Size && w.t.VirtBase == t.VirtBase && w.t.Global == t.Global && w.t.PCID == t.PCID {
			*w = way{t: t, lru: clock}
			return false
		}
	}
	victim := 0
	for i := range ws {
		if !ws[i].t.Valid {
			victim = i
			break
		}
		if ws[i].lru < ws[victim].lru {
			victim = i
		}
	}
	evicted := ws[victim].t.Valid
	ws[victim] = way{t: t, lru: clock}
	return evicted
}

// invalidate clears every valid slot for which drop returns true, and
// returns true if a large page was cleared.
func (a *array) invalidate(drop func(t *pagetables.Translation) bool) bool {
	large := false
	for i := range a.entries {
		w := &a.entries[i]
		if w.t.Valid && drop(&w.t) {
			large = large || w.t.Size != guestarch.Size4K
			*w = way{}
		}
	}
	return large
}

// invalidatePage clears translations of vaddr at every size for which drop
// returns true, visiting only the sets that can hold them.
func (a *array) invalidatePage(vaddr guestarch.Addr, sizes []guestarch.PageSizeClass, drop func(t *pagetables.Translation) bool) bool {
	large := false
	for _, size := range sizes {
		ws := a.set(vaddr, size)
		for i := range ws {
			w := &ws[i]
			if w.t.Valid && w.t.Size == size && covers(&w.t, vaddr) && drop(&w.t) {
				large = large || size != guestarch.Size4K
				*w = way{}
			}
		}
	}
	return large
}

var (
	smallSizes = []guestarch.PageSizeClass{guestarch.Size4K}
	largeSizes = []guestarch.PageSizeClass{guestarch.Size2M, guestarch.Size4M, guestarch.Size1G}
	allSizes   = []guestarch.PageSizeClass{guestarch.Size4K, guestarch.Size2M, guestarch.Size4M, guestarch.Size1G}
)

// TLB is a two-level translation lookaside buffer.
//
// The zero value is not usable; use New.
type TLB struct {
	geometry Geometry

	// small and large are the first-level arrays, by stream.
	small [numStreams]array
	large [numStreams]array

	// l2 is the unified second-level array.
	l2 array

	// clock orders uses for replacement.
	clock uint64

	stats Stats
}

// New returns an empty TLB with the given geometry.
func New(g Geometry) (*TLB, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}
	t := &TLB{
		geometry: g,
		l2:       newArray(g.L2),
	}
	for s := Stream(0); s < numStreams; s++ {
		t.small[s] = newArray(g.L1Small)
		t.large[s] = newArray(g.L1Large)
	}
	return t, nil
}

// Geometry returns the geometry the TLB was created with.
func (t *TLB) Geometry() Geometry {
	return t.geometry
}

// Stats returns a copy of the cumulative counters.
func (t *TLB) Stats() Stats {
	return t.stats
}

func (t *TLB) tick() uint64 {
	t.clock++
	return t.clock
}

// l1 returns the first-level array for stream and size.
func (t *TLB) l1(s Stream, size guestarch.PageSizeClass) *array {
	if size == guestarch.Size4K {
		return &t.small[s]
	}
	return &t.large[s]
}

// usable returns true if the cached translation can satisfy req without a
// walk. A write through a clean entry must walk to set the dirty bit.
func usable(tr *pagetables.Translation, req Request) bool {
	if !pagetables.AccessAllowed(tr.User, tr.Writable, tr.NoExecute, req.Access, req.User, req.WriteProtect) {
		return false
	}
	return req.Access != guestarch.Write || tr.Dirty
}

// Lookup returns the cached translation of vaddr in context pcid. Global
// translations match any context. A translation that does not permit req is
// a miss, so that the walk raises the fault or updates the entry.
//
// The returned translation's PhysPage is the sub-page containing vaddr.
func (t *TLB) Lookup(vaddr guestarch.Addr, pcid uint16, req Request) (pagetables.Translation, bool) {
	s := StreamOf(req.Access)
	t.stats.Lookups[s]++

	for _, size := range allSizes {
		if w := t.l1(s, size).find(vaddr, size, pcid); w != nil {
			if !usable(&w.t, req) {
				// At most one size maps vaddr, so fall through to the
				// second level, which misses in the same way and
				// leaves the fault to the walk.
				break
			}
			w.lru = t.tick()
			t.stats.L1Hits[s]++
			lookupsMetric.Increment(s.String(), "l1_hit")
			return subPage(w.t, vaddr), true
		}
	}

	for _, size := range allSizes {
		if w := t.l2.find(vaddr, size, pcid); w != nil {
			if !usable(&w.t, req) {
				break
			}
			clock := t.tick()
			w.lru = clock
			// Promote into the first level.
			if t.l1(s, size).insert(w.t, clock) {
				t.stats.Evictions++
			}
			t.stats.L2Hits[s]++
			lookupsMetric.Increment(s.String(), "l2_hit")
			return subPage(w.t, vaddr), true
		}
	}

	t.stats.Misses[s]++
	lookupsMetric.Increment(s.String(), "miss")
	return pagetables.Translation{}, false
}

// subPage returns tr with PhysPage recomputed for vaddr.
func subPage(tr pagetables.Translation, vaddr guestarch.Addr) pagetables.Translation {
	tr.PhysPage = tr.Physical(vaddr) &^ guestarch.PageOffsetMask
	return tr
}

// Insert caches the valid translation tr produced by a walk for access. It
// is stored in the first-level array of access's stream and in the second
// level.
func (t *TLB) Insert(tr pagetables.Translation, access guestarch.AccessKind) {
	if !tr.Valid {
		panic(fmt.Sprintf("inserting invalid translation %+v", tr))
	}
	clock := t.tick()
	t.stats.Inserts++
	if t.l1(StreamOf(access), tr.Size).insert(tr, clock) {
		t.stats.Evictions++
	}
	if t.l2.insert(tr, clock) {
		t.stats.Evictions++
	}
}

// InvalidatePage removes every translation of the page containing vaddr, at
// every page size and in every context, including global translations. It
// returns true if a large-page translation was removed.
func (t *TLB) InvalidatePage(vaddr guestarch.Addr) bool {
	flushesMetric.Increment("page")
	return t.invalidatePage(vaddr, func(*pagetables.Translation) bool { return true })
}

// InvalidatePagePCID removes translations of the page containing vaddr in
// context pcid. Global translations are removed only if includeGlobal is
// set. It returns true if a large-page translation was removed.
func (t *TLB) InvalidatePagePCID(vaddr guestarch.Addr, pcid uint16, includeGlobal bool) bool {
	flushesMetric.Increment("page")
	return t.invalidatePage(vaddr, func(tr *pagetables.Translation) bool {
		if tr.Global {
			return includeGlobal
		}
		return tr.PCID == pcid
	})
}

func (t *TLB) invalidatePage(vaddr guestarch.Addr, drop func(*pagetables.Translation) bool) bool {
	large := false
	for s := Stream(0); s < numStreams; s++ {
		large = t.small[s].invalidatePage(vaddr, smallSizes, drop) || large
		large = t.large[s].invalidatePage(vaddr, largeSizes, drop) || large
	}
	return t.l2.invalidatePage(vaddr, allSizes, drop) || large
}

// Flush removes all translations, except global translations if
// preserveGlobal is set.
func (t *TLB) Flush(preserveGlobal bool) {
	if preserveGlobal {
		flushesMetric.Increment("nonglobal")
		t.invalidate(func(tr *pagetables.Translation) bool { return !tr.Global })
		return
	}
	flushesMetric.Increment("all")
	t.invalidate(func(*pagetables.Translation) bool { return true })
}

// InvalidatePCID performs an INVPCID of the given type. vaddr is consulted
// only for IndividualAddress.
func (t *TLB) InvalidatePCID(pcid uint16, mode InvpcidMode, vaddr guestarch.Addr) error {
	switch mode {
	case IndividualAddress:
		t.InvalidatePagePCID(vaddr, pcid, false)
	case SingleContext:
		flushesMetric.Increment("pcid")
		t.invalidate(func(tr *pagetables.Translation) bool { return !tr.Global && tr.PCID == pcid })
	case AllIncludingGlobal:
		t.Flush(false)
	case AllExcludingGlobal:
		t.Flush(true)
	default:
		return fmt.Errorf("%w: %d", ErrInvalidMode, mode)
	}
	return nil
}

func (t *TLB) invalidate(drop func(*pagetables.Translation) bool) {
	for s := Stream(0); s < numStreams; s++ {
		t.small[s].invalidate(drop)
		t.large[s].invalidate(drop)
	}
	t.l2.invalidate(drop)
}

// Len returns the number of valid translations held at each level.
func (t *TLB) Len() (l1, l2 int) {
	count := func(a *array) int {
		n := 0
		for i := range a.entries {
			if a.entries[i].t.Valid {
				n++
			}
		}
		return n
	}
	for s := Stream(0); s < numStreams; s++ {
		l1 += count(&t.small[s]) + count(&t.large[s])
	}
	return l1, count(&t.l2)
}
