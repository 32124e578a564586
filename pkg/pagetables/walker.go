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
	"encoding/binary"

	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/physmem"
)

// Translation is the result of a successful walk.
type Translation struct {
	// VirtBase is the linear address of the start of the leaf page.
	VirtBase guestarch.Addr

	// PhysBase is the physical address of the start of the leaf page.
	PhysBase uint64

	// PhysPage is the 4KB-aligned physical address of the 4KB sub-page
	// containing the walked address, even for large pages.
	PhysPage uint64

	// Size is the leaf page size.
	Size guestarch.PageSizeClass

	// Writable, User and NoExecute are the effective permissions across all
	// levels.
	Writable  bool
	User      bool
	NoExecute bool

	// Global is set iff the leaf is global and CR4.PGE is set.
	Global bool

	// PCID is the context the walk was performed in.
	PCID uint16

	// Dirty is the leaf's dirty bit after the walk.
	Dirty bool

	// LeafAddr is the physical address of the leaf entry.
	LeafAddr uint64

	// Valid is set for every translation returned by a successful walk.
	Valid bool
}

// Physical returns the physical address of vaddr, which must lie within the
// translated page. Only the page offset bits of vaddr are used, so an
// address that was truncated to 32 bits for the walk may be passed whole.
func (t *Translation) Physical(vaddr guestarch.Addr) uint64 {
	return t.PhysBase + uint64(vaddr)&t.Size.Mask()
}

// Perms returns the effective permission set.
func (t *Translation) Perms() guestarch.AccessType {
	return guestarch.AccessType{
		Read:    true,
		Write:   t.Writable,
		Execute: !t.NoExecute,
	}
}

// AccessAllowed implements the final permission check of a walk on the
// effective permissions user, writable and nx.
//
// User accesses require user pages. Writes require writable pages unless the
// access is a supervisor access with CR0.WP clear. Fetches require NX clear.
func AccessAllowed(user, writable, nx bool, access guestarch.AccessKind, isUser, writeProtect bool) bool {
	if isUser && !user {
		return false
	}
	if access == guestarch.Write && !writable && (isUser || writeProtect) {
		return false
	}
	if access == guestarch.Execute && nx {
		return false
	}
	return true
}

// Walker walks guest page tables through a physical memory bus.
//
// A Walker does no caching; given the same state and memory it always
// produces the same result.
type Walker struct {
	bus physmem.Bus
}

// NewWalker returns a Walker reading tables from bus.
func NewWalker(bus physmem.Bus) *Walker {
	return &Walker{bus: bus}
}

// Walk translates vaddr for the given access at privilege level cpl, using
// the tables of the paging mode state selects. The accessed bit is set on
// every present entry consulted, and the dirty bit is set on the leaf of a
// successful write.
//
// On failure the error is a *PageFault.
//
// Outside long mode only the low 32 bits of vaddr are translated.
//
// Preconditions: state has paging enabled.
func (w *Walker) Walk(vaddr guestarch.Addr, access guestarch.AccessKind, cpl uint8, state *PagingState) (Translation, error) {
	return w.walk(vaddr, access, cpl, state, true)
}

// ProbeWalk is like Walk, but does not modify any entry.
func (w *Walker) ProbeWalk(vaddr guestarch.Addr, access guestarch.AccessKind, cpl uint8, state *PagingState) (Translation, error) {
	return w.walk(vaddr, access, cpl, state, false)
}

// walkState accumulates the effective permissions of a single walk.
type walkState struct {
	vaddr  guestarch.Addr
	access guestarch.AccessKind
	isUser bool
	state  *PagingState
	update bool

	user     bool
	writable bool
	nx       bool
}

func (ws *walkState) fault(level Level, present, reserved bool) error {
	return newFault(ws.vaddr, ws.access, ws.isUser, level, present, reserved)
}

// restrict folds the permission bits of a present entry into the effective
// permissions.
func (ws *walkState) restrict(pte PTE) {
	ws.user = ws.user && pte&User != 0
	ws.writable = ws.writable && pte&Writable != 0
	ws.nx = ws.nx || (ws.state.NXE() && pte&ExecuteDisable != 0)
}

func (w *Walker) walk(vaddr guestarch.Addr, access guestarch.AccessKind, cpl uint8, state *PagingState, update bool) (Translation, error) {
	ws := &walkState{
		vaddr:    vaddr,
		access:   access,
		isUser:   cpl == 3,
		state:    state,
		update:   update,
		user:     true,
		writable: true,
	}
	switch state.Mode() {
	case ModeLegacy32:
		return w.walkLegacy32(ws)
	case ModePAE:
		return w.walkPAE(ws)
	default:
		return w.walkLong(ws)
	}
}

func (w *Walker) walkLong(ws *walkState) (Translation, error) {
	var (
		maxPhys = ws.state.maxPhysBits()
		nxe     = ws.state.NXE()
		table   = ws.state.Root()
	)
	for level := LevelPML4; level < numLevels; level++ {
		entryAddr := table + level.index(ws.vaddr)*entrySize
		pte := PTE(w.bus.ReadU64(entryAddr))
		if !pte.Valid() {
			return Translation{}, ws.fault(level, false, false)
		}
		leaf := level == LevelPT || (level != LevelPML4 && pte.IsSuper())
		if reservedBitsSet(pte, ModeLong, level, leaf, maxPhys, nxe) {
			return Translation{}, ws.fault(level, true, true)
		}
		pte = w.setAccessed(ws, entryAddr, entrySize, pte)
		ws.restrict(pte)

		if !leaf {
			table = pte.Address(maxPhys)
			continue
		}
		size := leafSize(level)
		return w.finish(ws, level, entryAddr, entrySize, pte, size, uint64(pte)&physMask(maxPhys)&^size.Mask())
	}
	panic("walk fell off the last level")
}

// setAccessed sets the accessed bit of the width-byte entry at addr, unless
// the walk is a probe.
func (w *Walker) setAccessed(ws *walkState, addr, width uint64, pte PTE) PTE {
	if ws.update && pte&Accessed == 0 {
		pte |= Accessed
		w.writeEntry(addr, width, pte)
	}
	return pte
}

// finish completes a walk at the leaf pte: it checks the effective
// permissions, sets the dirty bit of a write and builds the translation of
// the size-byte page at physBase.
func (w *Walker) finish(ws *walkState, level Level, entryAddr, width uint64, pte PTE, size guestarch.PageSizeClass, physBase uint64) (Translation, error) {
	if !AccessAllowed(ws.user, ws.writable, ws.nx, ws.access, ws.isUser, ws.state.WriteProtect()) {
		return Translation{}, ws.fault(level, true, false)
	}
	if ws.update && ws.access == guestarch.Write && pte&Dirty == 0 {
		pte |= Dirty
		w.writeEntry(entryAddr, width, pte)
	}

	mask := size.Mask()
	return Translation{
		VirtBase:  ws.vaddr &^ guestarch.Addr(mask),
		PhysBase:  physBase,
		PhysPage:  (physBase + uint64(ws.vaddr)&mask) &^ guestarch.PageOffsetMask,
		Size:      size,
		Writable:  ws.writable,
		User:      ws.user,
		NoExecute: ws.nx,
		Global:    ws.state.PGE() && pte&Global != 0,
		PCID:      ws.state.PCID(),
		Dirty:     pte&Dirty != 0,
		LeafAddr:  entryAddr,
		Valid:     true,
	}, nil
}

// readEntry reads the width-byte entry at addr.
func (w *Walker) readEntry(addr, width uint64) PTE {
	if width == entrySize {
		return PTE(w.bus.ReadU64(addr))
	}
	var b [legacyEntrySize]byte
	w.bus.Read(addr, b[:])
	return PTE(binary.LittleEndian.Uint32(b[:]))
}

// writeEntry writes the width-byte entry at addr.
func (w *Walker) writeEntry(addr, width uint64, pte PTE) {
	if width == entrySize {
		w.bus.WriteU64(addr, uint64(pte))
		return
	}
	var b [legacyEntrySize]byte
	binary.LittleEndian.PutUint32(b[:], uint32(pte))
	w.bus.Write(addr, b[:])
}

func newFault(vaddr guestarch.Addr, access guestarch.AccessKind, isUser bool, level Level, present, reserved bool) *PageFault {
	return &PageFault{
		Addr:      vaddr,
		ErrorCode: errorCode(present, access, isUser, reserved),
		Access:    access,
		Level:     level,
	}
}

// leafSize returns the page size mapped by a leaf at level.
func leafSize(level Level) guestarch.PageSizeClass {
	switch level {
	case LevelPDPT:
		return guestarch.Size1G
	case LevelPD:
		return guestarch.Size2M
	default:
		return guestarch.Size4K
	}
}

// reservedBitsSet returns true if a present 64-bit entry has a reserved
// bit set: NX without EFER.NXE, PS in a PML4 entry, an address bit at or
// above maxPhys, or a large-page base that is not aligned to the page size.
// Bits 62:52 are available to software in long mode but reserved under PAE.
// A PAE PDPT entry only holds present, the cache controls, software bits, NX
// and the address.
func reservedBitsSet(pte PTE, mode Mode, level Level, leaf bool, maxPhys uint8, nxe bool) bool {
	if !nxe && pte&ExecuteDisable != 0 {
		return true
	}
	if mode == ModePAE && level == LevelPDPT {
		allowed := Present | WriteThrough | CacheDisable | paePDPTEAvailable | ExecuteDisable
		allowed |= PTE(physMask(maxPhys) &^ (pteSize - 1))
		return pte&^allowed != 0
	}
	if level == LevelPML4 && pte.IsSuper() {
		return true
	}
	align := uint64(pteSize)
	allowed := lowFlags | ExecuteDisable
	if mode == ModeLong {
		allowed |= ignoredHigh
	}
	if leaf && level != LevelPT {
		align = leafSize(level).Bytes()
		allowed |= largePAT
	}
	allowed |= PTE(physMask(maxPhys) &^ (align - 1))
	return pte&^allowed != 0
}
