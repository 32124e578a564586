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

package scenario

import (
	"errors"
	"fmt"
	"io"

	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/jitcache"
	"gvisor.dev/guestmmu/pkg/log"
	"gvisor.dev/guestmmu/pkg/mmu"
	"gvisor.dev/guestmmu/pkg/pagetables"
	"gvisor.dev/guestmmu/pkg/pageversion"
	"gvisor.dev/guestmmu/pkg/physmem"
	"gvisor.dev/guestmmu/pkg/tlb"
)

// ErrExpectation is returned by Machine.Run if a step's result did not
// match its expectation.
var ErrExpectation = errors.New("scenario expectation failed")

// device is an MMIO device that counts accesses.
type device struct {
	name   string
	reads  uint64
	writes uint64
}

// ReadMMIO implements physmem.MMIOHandler.ReadMMIO.
func (d *device) ReadMMIO(off uint64, b []byte) {
	d.reads++
	log.Debugf("%s: read %d bytes at %#x", d.name, len(b), off)
	clear(b)
}

// WriteMMIO implements physmem.MMIOHandler.WriteMMIO.
func (d *device) WriteMMIO(off uint64, b []byte) {
	d.writes++
	log.Debugf("%s: write %d bytes at %#x", d.name, len(b), off)
}

// Machine is a guest memory system running a scenario.
type Machine struct {
	scenario *Scenario

	mem     *physmem.Memory
	as      *pagetables.Builder
	tr      *mmu.Translator
	tracker *pageversion.Tracker
	code    *pageversion.CodeCache[string]

	// entries maps compiled unit names to their physical entry points.
	entries map[string]uint64

	// devices maps MMIO bases to devices.
	devices map[uint64]*device
}

// NewMachine builds the guest described by s with ramSize bytes of RAM and
// loads its initial paging state.
func NewMachine(s *Scenario, ramSize uint64, opts mmu.Options) (*Machine, error) {
	mem, err := physmem.New(ramSize)
	if err != nil {
		return nil, err
	}
	m := &Machine{
		scenario: s,
		mem:      mem,
		tracker:  pageversion.NewTracker(ramSize),
		entries:  make(map[string]uint64),
		devices:  make(map[uint64]*device),
	}
	if err := m.init(opts); err != nil {
		mem.Release()
		return nil, err
	}
	return m, nil
}

func (m *Machine) init(opts mmu.Options) error {
	m.mem.OnWrite(m.tracker.OnGuestWrite)
	m.code = pageversion.NewCodeCache[string](m.tracker)
	for _, r := range m.scenario.MMIO {
		if err := m.addMMIO(r); err != nil {
			return err
		}
	}

	tr, err := mmu.New(m.mem, opts)
	if err != nil {
		return err
	}
	m.tr = tr
	m.tr.SetJITRAMBase(uint64(m.mem.HostAddr()))

	p := &m.scenario.Paging
	if p.TablesSize != 0 {
		as, err := pagetables.NewBuilder(m.mem, pagetables.NewBumpAllocator(m.mem, p.Tables, p.TablesSize))
		if err != nil {
			return fmt.Errorf("creating page tables: %w", err)
		}
		as.NXE = p.NXE
		if p.MaxPageSize != "" {
			// Validated by Decode.
			as.MaxPageSize, _ = guestarch.ParsePageSize(p.MaxPageSize)
		}
		m.as = as
		for i := range m.scenario.Maps {
			if err := m.mapRange(&m.scenario.Maps[i]); err != nil {
				return fmt.Errorf("map %d: %w", i, err)
			}
		}
	}

	cr4 := uint64(pagetables.CR4_PAE)
	if p.PGE {
		cr4 |= pagetables.CR4_PGE
	}
	if p.PCIDE {
		cr4 |= pagetables.CR4_PCIDE
	}
	efer := uint64(pagetables.EFER_LME)
	if p.NXE {
		efer |= pagetables.EFER_NXE
	}
	m.tr.OnCR4Write(cr4)
	m.tr.OnEFERWrite(efer)
	if m.as != nil {
		m.tr.OnCR3Write(m.as.Root() | uint64(p.PCID&pagetables.CR3_PCID))
	}
	var cr0 uint64
	if p.Enabled {
		cr0 |= pagetables.CR0_PG
	}
	if p.WriteProtect {
		cr0 |= pagetables.CR0_WP
	}
	m.tr.OnCR0Write(cr0)
	log.Infof("Machine ready: %v, %d mappings, %d MMIO regions", m.tr.PagingState(), len(m.scenario.Maps), len(m.scenario.MMIO))
	return nil
}

// Release frees guest memory.
func (m *Machine) Release() {
	if err := m.mem.Release(); err != nil {
		log.Warningf("Releasing guest memory: %v", err)
	}
}

// Translator returns the machine's translator.
func (m *Machine) Translator() *mmu.Translator {
	return m.tr
}

// Tracker returns the machine's page version tracker.
func (m *Machine) Tracker() *pageversion.Tracker {
	return m.tracker
}

func (m *Machine) addMMIO(r MMIO) error {
	d := &device{name: r.Name}
	if d.name == "" {
		d.name = fmt.Sprintf("mmio@%#x", r.Base)
	}
	if err := m.mem.AddMMIO(r.Base, r.Size, d); err != nil {
		return fmt.Errorf("adding %s: %w", d.name, err)
	}
	m.devices[r.Base] = d
	return nil
}

func (m *Machine) mapRange(mp *Mapping) error {
	at, err := parseAccessType(mp.Access)
	if err != nil {
		return err
	}
	opts := pagetables.MapOpts{AccessType: at, User: mp.User, Global: mp.Global}
	return m.as.Map(guestarch.Addr(mp.Virt), mp.Length, opts, mp.Phys)
}

// Run executes every step, writing one line per step to w. It returns an
// error wrapping ErrExpectation if any step's expectation failed, and stops
// at the first step that cannot be executed.
func (m *Machine) Run(w io.Writer) error {
	failed := 0
	for i := range m.scenario.Steps {
		st := &m.scenario.Steps[i]
		res, err := m.step(st)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, st.Op, err)
		}
		mark := ""
		if res.mismatch != "" {
			failed++
			mark = "  FAILED: " + res.mismatch
		}
		fmt.Fprintf(w, "%3d %-11s %s%s\n", i, st.Op, res.text, mark)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d of %d steps", ErrExpectation, failed, len(m.scenario.Steps))
	}
	return nil
}

// result is the outcome of a step.
type result struct {
	text     string
	mismatch string
}

func (m *Machine) step(st *Step) (result, error) {
	vaddr := guestarch.Addr(st.Addr)
	switch st.Op {
	case OpTranslate:
		kind, _ := guestarch.ParseAccessKind(st.Access)
		paddr, err := m.tr.Translate(vaddr, kind)
		return m.translation(st, fmt.Sprintf("%v %v", vaddr, kind), paddr, err), nil

	case OpProbe:
		kind, _ := guestarch.ParseAccessKind(st.Access)
		t, err := m.tr.Probe(vaddr, kind)
		return m.translation(st, fmt.Sprintf("%v %v", vaddr, kind), t.Physical(vaddr), err), nil

	case OpJIT:
		kind, _ := guestarch.ParseAccessKind(st.Access)
		desc := fmt.Sprintf("%v %v", vaddr, kind)
		paddr, status := m.tr.JITLookup(vaddr, kind)
		if status == jitcache.Miss {
			if _, err := m.tr.ResolveJIT(vaddr, kind); err != nil {
				return m.translation(st, desc+" miss", 0, err), nil
			}
			paddr, status = m.tr.JITLookup(vaddr, kind)
			desc += " filled"
		}
		return m.translation(st, fmt.Sprintf("%s %v", desc, status), paddr, nil), nil

	case OpInvlpg:
		m.tr.OnInvlpg(vaddr)
		return result{text: vaddr.String()}, nil

	case OpInvpcid:
		mode, _ := tlb.ParseInvpcidMode(st.Mode)
		if err := m.tr.OnInvpcid(st.PCID, mode, vaddr); err != nil {
			return result{text: fmt.Sprintf("%v pcid %d: %v", mode, st.PCID, err)}, nil
		}
		return result{text: fmt.Sprintf("%v pcid %d", mode, st.PCID)}, nil

	case OpCPL:
		m.tr.SetCPL(uint8(st.Value))
		return result{text: fmt.Sprintf("%d", st.Value)}, nil

	case OpFlush:
		m.tr.Flush()
		return result{}, nil

	case OpMap, OpUnmap:
		if m.as == nil {
			return result{}, fmt.Errorf("no page tables")
		}
		mp := st.Mapping
		var err error
		if st.Op == OpMap {
			err = m.mapRange(mp)
		} else {
			err = m.as.Unmap(guestarch.Addr(mp.Virt), mp.Length)
		}
		if err != nil {
			return result{}, err
		}
		return result{text: fmt.Sprintf("%#x-%#x", mp.Virt, mp.Virt+mp.Length)}, nil

	case OpStore:
		paddr, err := m.tr.Translate(vaddr, guestarch.Write)
		if err != nil {
			return m.translation(st, vaddr.String(), 0, err), nil
		}
		m.mem.WriteU64(paddr, st.Value)
		return result{text: fmt.Sprintf("%v -> %#x = %#x", vaddr, paddr, st.Value)}, nil

	case OpCompile:
		return m.compile(st, vaddr)

	case OpCheck:
		entry, ok := m.entries[st.Name]
		if !ok {
			return result{}, fmt.Errorf("unit %q was never compiled", st.Name)
		}
		_, valid := m.code.Lookup(entry)
		res := result{text: fmt.Sprintf("%s at %#x: stale=%t", st.Name, entry, !valid)}
		if st.ExpectStale != nil && *st.ExpectStale == valid {
			res.mismatch = fmt.Sprintf("want stale=%t", *st.ExpectStale)
		}
		return res, nil

	case OpAddMMIO:
		if err := m.addMMIO(*st.MMIO); err != nil {
			return result{}, err
		}
		return result{text: fmt.Sprintf("%#x-%#x", st.MMIO.Base, st.MMIO.Base+st.MMIO.Size)}, nil

	case OpRemoveMMIO:
		d, ok := m.devices[st.Addr]
		if !ok {
			return result{}, fmt.Errorf("no device at %#x", st.Addr)
		}
		if err := m.mem.Remove(st.Addr); err != nil {
			return result{}, err
		}
		delete(m.devices, st.Addr)
		return result{text: fmt.Sprintf("%s (%d reads, %d writes)", d.name, d.reads, d.writes)}, nil

	default:
		return result{}, fmt.Errorf("unknown op %q", st.Op)
	}
}

// translation formats the outcome of an access and checks it against the
// step's expectation. A page fault is taken, so the next step starts with
// no fault pending.
func (m *Machine) translation(st *Step, desc string, paddr uint64, err error) result {
	var res result
	switch {
	case err == nil:
		res.text = fmt.Sprintf("%s -> %#x", desc, paddr)
		if st.ExpectFault {
			res.mismatch = "want fault"
		} else if st.Expect != nil && *st.Expect != paddr {
			res.mismatch = fmt.Sprintf("want %#x", *st.Expect)
		}
		return res
	default:
		if pf, ok := m.tr.TakeFault(); ok {
			res.text = fmt.Sprintf("%s -> #PF error %#x (%s), cr2 %v", desc, pf.ErrorCode, pf.Reason(), m.tr.CR2())
		} else {
			res.text = fmt.Sprintf("%s -> %v", desc, err)
		}
		if !st.ExpectFault {
			res.mismatch = "unexpected fault"
		}
		return res
	}
}

func (m *Machine) compile(st *Step, vaddr guestarch.Addr) (result, error) {
	entry, err := m.tr.Translate(vaddr, guestarch.Execute)
	if err != nil {
		return m.translation(st, vaddr.String(), 0, err), nil
	}
	// The unit's source must be physically contiguous.
	end, ok := vaddr.AddLength(st.Length)
	if !ok {
		return result{}, fmt.Errorf("range %v+%#x overflows", vaddr, st.Length)
	}
	for va := (vaddr + guestarch.PageSize).RoundDown(); va < end; va += guestarch.PageSize {
		paddr, err := m.tr.Translate(va, guestarch.Execute)
		if err != nil {
			return m.translation(st, va.String(), 0, err), nil
		}
		if paddr != entry+uint64(va-vaddr) {
			return result{}, fmt.Errorf("range %v+%#x is not physically contiguous", vaddr, st.Length)
		}
	}
	unit := &pageversion.Unit[string]{
		Handle:   st.Name,
		Snapshot: m.tracker.Snapshot(entry, st.Length),
	}
	installed := m.code.Install(entry, unit)
	if installed == pageversion.Accepted {
		m.entries[st.Name] = entry
	}
	return result{text: fmt.Sprintf("%s at %#x (%d pages): %v", st.Name, entry, len(unit.Snapshot.Pages), installed)}, nil
}
