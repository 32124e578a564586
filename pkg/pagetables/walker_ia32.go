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
	"gvisor.dev/guestmmu/pkg/guestarch"
)

// Two-level and PAE table layout.
const (
	legacyEntrySize = 4
	legacyIndexMask = 0x3ff
	legacyPDShift   = 22
	legacyAddrMask  = 0xfffff000
	legacyLargeMask = 0xffc00000

	// legacyLargeReserved are bits 21:13 of a 4MB PDE. Physical address
	// extension through these bits is not supported, so they must be zero.
	legacyLargeReserved PTE = 0x3fe000

	paePDPTSize      = 32
	paePDPTIndexMask = 0x3

	// paePDPTEAvailable are bits 11:9 of a PAE PDPT entry.
	paePDPTEAvailable PTE = 0x7 << 9
)

// walkLegacy32 walks two-level tables of 4-byte entries. There is no NX
// bit, and a PDE maps a 4MB page when PS and CR4.PSE are both set. Without
// CR4.PSE the PS bit is ignored.
func (w *Walker) walkLegacy32(ws *walkState) (Translation, error) {
	ws.vaddr = guestarch.Addr(uint32(ws.vaddr))
	vaddr := uint64(ws.vaddr)

	pdeAddr := ws.state.Root() + (vaddr>>legacyPDShift&legacyIndexMask)*legacyEntrySize
	pde := w.readEntry(pdeAddr, legacyEntrySize)
	if !pde.Valid() {
		return Translation{}, ws.fault(LevelPD, false, false)
	}
	large := ws.state.PSE() && pde.IsSuper()
	if large && pde&legacyLargeReserved != 0 {
		return Translation{}, ws.fault(LevelPD, true, true)
	}
	pde = w.setAccessed(ws, pdeAddr, legacyEntrySize, pde)
	ws.user = pde&User != 0
	ws.writable = pde&Writable != 0
	if large {
		return w.finish(ws, LevelPD, pdeAddr, legacyEntrySize, pde, guestarch.Size4M, uint64(pde)&legacyLargeMask)
	}

	pteAddr := uint64(pde)&legacyAddrMask + (vaddr>>pteShift&legacyIndexMask)*legacyEntrySize
	pte := w.readEntry(pteAddr, legacyEntrySize)
	if !pte.Valid() {
		return Translation{}, ws.fault(LevelPT, false, false)
	}
	pte = w.setAccessed(ws, pteAddr, legacyEntrySize, pte)
	ws.user = ws.user && pte&User != 0
	ws.writable = ws.writable && pte&Writable != 0
	return w.finish(ws, LevelPT, pteAddr, legacyEntrySize, pte, guestarch.Size4K, uint64(pte)&legacyAddrMask)
}

// walkPAE walks a four-entry PDPT followed by 512-entry directories and
// tables of 8-byte entries. PDPT entries carry no accessed bit and do not
// restrict user or write access, but may set NX. A PDE with PS maps a 2MB
// page regardless of CR4.PSE.
func (w *Walker) walkPAE(ws *walkState) (Translation, error) {
	ws.vaddr = guestarch.Addr(uint32(ws.vaddr))
	var (
		vaddr   = ws.vaddr
		maxPhys = ws.state.maxPhysBits()
		nxe     = ws.state.NXE()
	)

	pdpteAddr := ws.state.Root() + (uint64(vaddr)>>pudShift&paePDPTIndexMask)*entrySize
	pdpte := PTE(w.bus.ReadU64(pdpteAddr))
	if !pdpte.Valid() {
		return Translation{}, ws.fault(LevelPDPT, false, false)
	}
	if reservedBitsSet(pdpte, ModePAE, LevelPDPT, false, maxPhys, nxe) {
		return Translation{}, ws.fault(LevelPDPT, true, true)
	}
	ws.nx = nxe && pdpte&ExecuteDisable != 0

	table := pdpte.Address(maxPhys)
	for level := LevelPD; level < numLevels; level++ {
		entryAddr := table + level.index(vaddr)*entrySize
		pte := PTE(w.bus.ReadU64(entryAddr))
		if !pte.Valid() {
			return Translation{}, ws.fault(level, false, false)
		}
		leaf := level == LevelPT || pte.IsSuper()
		if reservedBitsSet(pte, ModePAE, level, leaf, maxPhys, nxe) {
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
