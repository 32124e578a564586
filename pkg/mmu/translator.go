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

// Package mmu composes the page table walker, the architectural TLB and the
// JIT translation cache into the address translation unit of a virtual CPU.
//
// A Translator is owned by a single virtual CPU. It is driven by the CPU
// core, which reports control register writes and TLB management
// instructions, and delivers the faults the Translator raises. Another CPU
// that needs to invalidate this CPU's translations must have the owner call
// OnInvlpg or Flush on its behalf, synchronously.
package mmu

import (
	"errors"
	"fmt"
	"time"

	"gvisor.dev/guestmmu/pkg/atomicbitops"
	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/jitcache"
	"gvisor.dev/guestmmu/pkg/log"
	"gvisor.dev/guestmmu/pkg/pagetables"
	"gvisor.dev/guestmmu/pkg/physmem"
	"gvisor.dev/guestmmu/pkg/tlb"
)

// State is the translation state of a Translator.
type State uint8

const (
	// Identity means paging is disabled; linear addresses are physical.
	Identity State = iota

	// Translating means paging is enabled.
	Translating

	// Faulted means a fault was raised and has not been taken yet. No
	// translation is performed in this state.
	Faulted

	// Invalidating means a bulk invalidation is in progress. It is only
	// observable from within invalidation callbacks.
	Invalidating
)

// String implements fmt.Stringer.String.
func (s State) String() string {
	switch s {
	case Identity:
		return "identity"
	case Translating:
		return "translating"
	case Faulted:
		return "faulted"
	case Invalidating:
		return "invalidating"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// ErrFaultPending is returned by translations attempted while a fault is
// pending. The CPU core must call TakeFault first.
var ErrFaultPending = errors.New("page fault pending delivery")

// NonCanonicalError is returned for a non-canonical linear address. The CPU
// core raises #GP(0) or #SS(0) for it; it is not a page fault.
type NonCanonicalError struct {
	Addr guestarch.Addr
}

// Error implements error.Error.
func (e *NonCanonicalError) Error() string {
	return fmt.Sprintf("non-canonical address %v", e.Addr)
}

// Options configure a Translator.
type Options struct {
	// Geometry is the TLB geometry.
	Geometry tlb.Geometry

	// JITEntries is the number of JIT cache entries.
	JITEntries int

	// SaltSeed selects the JIT salt sequence.
	SaltSeed uint64

	// MaxPhysBits is the physical address width.
	MaxPhysBits uint8

	// FaultLogInterval is the minimum interval between logged page faults.
	FaultLogInterval time.Duration
}

// DefaultOptions are used for zero fields of the Options passed to New.
var DefaultOptions = Options{
	Geometry:         tlb.DefaultGeometry,
	JITEntries:       4096,
	MaxPhysBits:      pagetables.DefaultMaxPhysBits,
	FaultLogInterval: time.Second,
}

// Stats are cumulative counters for a Translator.
type Stats struct {
	// Translations counts successful translations.
	Translations uint64

	// Walks counts page table walks, including faulting walks.
	Walks uint64

	// Faults counts raised page faults.
	Faults uint64

	// Flushes counts full TLB flushes.
	Flushes uint64

	// SaltRotations counts JIT cache salt rotations.
	SaltRotations uint64

	// JITResolves counts JIT slow-path resolutions.
	JITResolves uint64

	// TLB are the TLB's own counters.
	TLB tlb.Stats
}

// routingNotifier is implemented by buses whose routing can change.
type routingNotifier interface {
	OnRoutingChange(fn func())
}

// Translator translates linear addresses for one virtual CPU.
type Translator struct {
	bus    physmem.Bus
	walker *pagetables.Walker
	tlb    *tlb.TLB
	jit    *jitcache.Cache

	faultLog log.Logger

	paging pagetables.PagingState
	cpl    uint8
	state  State

	// fault is the pending fault in state Faulted.
	fault *pagetables.PageFault

	// cr2 is the address of the last raised page fault.
	cr2 guestarch.Addr

	// jitLarge is set if the JIT cache may hold sub-pages of large pages
	// filled under the current salt.
	jitLarge bool

	// routingChanged is set by the bus, possibly from another goroutine,
	// and consumed by the owner.
	routingChanged atomicbitops.Bool

	stats Stats
}

var _ jitcache.Resolver = (*Translator)(nil)

// New returns a Translator in the Identity state with privilege level 0.
func New(bus physmem.Bus, opts Options) (*Translator, error) {
	if opts.Geometry == (tlb.Geometry{}) {
		opts.Geometry = DefaultOptions.Geometry
	}
	if opts.JITEntries == 0 {
		opts.JITEntries = DefaultOptions.JITEntries
	}
	if opts.MaxPhysBits == 0 {
		opts.MaxPhysBits = DefaultOptions.MaxPhysBits
	}
	if opts.FaultLogInterval == 0 {
		opts.FaultLogInterval = DefaultOptions.FaultLogInterval
	}
	if err := validPhysBits(opts.MaxPhysBits); err != nil {
		return nil, err
	}
	tl, err := tlb.New(opts.Geometry)
	if err != nil {
		return nil, fmt.Errorf("creating TLB: %w", err)
	}
	jit, err := jitcache.New(opts.JITEntries, opts.SaltSeed)
	if err != nil {
		return nil, fmt.Errorf("creating JIT cache: %w", err)
	}
	t := &Translator{
		bus:      bus,
		walker:   pagetables.NewWalker(bus),
		tlb:      tl,
		jit:      jit,
		faultLog: log.BasicRateLimitedLogger(opts.FaultLogInterval),
		paging:   pagetables.PagingState{MaxPhysBits: opts.MaxPhysBits},
	}
	if n, ok := bus.(routingNotifier); ok {
		n.OnRoutingChange(func() { t.routingChanged.Store(true) })
	}
	return t, nil
}

func validPhysBits(bits uint8) error {
	if bits < 32 || bits > pagetables.DefaultMaxPhysBits {
		return fmt.Errorf("physical address width %d out of range [32, %d]", bits, pagetables.DefaultMaxPhysBits)
	}
	return nil
}

// State returns the translation state.
func (t *Translator) State() State {
	return t.state
}

// PagingState returns a copy of the paging state.
func (t *Translator) PagingState() pagetables.PagingState {
	return t.paging
}

// CPL returns the current privilege level.
func (t *Translator) CPL() uint8 {
	return t.cpl
}

// CR2 returns the linear address of the most recent page fault.
func (t *Translator) CR2() guestarch.Addr {
	return t.cr2
}

// Stats returns a copy of the cumulative counters.
func (t *Translator) Stats() Stats {
	s := t.stats
	s.TLB = t.tlb.Stats()
	return s
}

// JITContext returns the context to pass to generated code.
func (t *Translator) JITContext() *jitcache.Context {
	t.syncRouting()
	return t.jit.Context()
}

// SetJITRAMBase sets the host address of guest physical address zero seen by
// generated code.
func (t *Translator) SetJITRAMBase(base uint64) {
	t.jit.SetRAMBase(base)
}

// settledState returns the state implied by the paging state.
func (t *Translator) settledState() State {
	if t.paging.Enabled() {
		return Translating
	}
	return Identity
}

// Translate returns the physical address of vaddr for access. On failure
// the error is a *pagetables.PageFault, a *NonCanonicalError, or
// ErrFaultPending.
//
// Outside long mode the linear address is the low 32 bits of vaddr.
func (t *Translator) Translate(vaddr guestarch.Addr, access guestarch.AccessKind) (uint64, error) {
	tr, err := t.TranslateFull(vaddr, access)
	if err != nil {
		return 0, err
	}
	return tr.Physical(vaddr), nil
}

// TranslateFull is like Translate, but returns the whole translation of the
// page containing vaddr.
func (t *Translator) TranslateFull(vaddr guestarch.Addr, access guestarch.AccessKind) (pagetables.Translation, error) {
	t.syncRouting()
	switch t.state {
	case Faulted:
		return pagetables.Translation{}, ErrFaultPending
	case Identity:
		t.stats.Translations++
		translationsMetric.Increment("identity")
		return identity(vaddr), nil
	}
	vaddr, err := t.checkMode(vaddr)
	if err != nil {
		return pagetables.Translation{}, err
	}

	pcid := t.paging.PCID()
	req := tlb.Request{
		Access:       access,
		User:         t.cpl == 3,
		WriteProtect: t.paging.WriteProtect(),
	}
	if tr, ok := t.tlb.Lookup(vaddr, pcid, req); ok {
		t.stats.Translations++
		translationsMetric.Increment("tlb")
		return tr, nil
	}

	t.stats.Walks++
	tr, err := t.walker.Walk(vaddr, access, t.cpl, &t.paging)
	if err != nil {
		var pf *pagetables.PageFault
		if errors.As(err, &pf) {
			t.raise(pf)
		}
		return pagetables.Translation{}, err
	}
	t.tlb.Insert(tr, access)
	t.stats.Translations++
	translationsMetric.Increment("walk")
	return tr, nil
}

// Probe translates vaddr without setting accessed or dirty bits, caching, or
// raising a fault. A *pagetables.PageFault error reports the fault that the
// access would raise.
func (t *Translator) Probe(vaddr guestarch.Addr, access guestarch.AccessKind) (pagetables.Translation, error) {
	if !t.paging.Enabled() {
		return identity(vaddr), nil
	}
	vaddr, err := t.checkMode(vaddr)
	if err != nil {
		return pagetables.Translation{}, err
	}
	return t.walker.ProbeWalk(vaddr, access, t.cpl, &t.paging)
}

// checkMode returns the linear address that the current paging mode walks
// for vaddr: vaddr itself in long mode, where it must be canonical, and its
// low 32 bits otherwise.
func (t *Translator) checkMode(vaddr guestarch.Addr) (guestarch.Addr, error) {
	if !t.paging.LongMode() {
		return guestarch.Addr(uint32(vaddr)), nil
	}
	if !vaddr.IsCanonical() {
		return 0, &NonCanonicalError{Addr: vaddr}
	}
	return vaddr, nil
}

// identity returns the translation of vaddr with paging disabled.
func identity(vaddr guestarch.Addr) pagetables.Translation {
	page := vaddr.RoundDown()
	return pagetables.Translation{
		VirtBase: page,
		PhysBase: uint64(page),
		PhysPage: uint64(page),
		Size:     guestarch.Size4K,
		Writable: true,
		User:     true,
		Dirty:    true,
		Valid:    true,
	}
}

// raise records pf as the pending fault.
func (t *Translator) raise(pf *pagetables.PageFault) {
	t.fault = pf
	t.cr2 = pf.Addr
	t.state = Faulted
	t.stats.Faults++
	faultsMetric.Increment(faultKind(pf))
	t.faultLog.Debugf("Raising %v", pf)
}

func faultKind(pf *pagetables.PageFault) string {
	switch {
	case pf.ErrorCode&pagetables.ErrCodeReserved != 0:
		return "reserved"
	case pf.Present():
		return "protection"
	default:
		return "not_present"
	}
}

// TakeFault returns the pending fault and resumes translation. It returns
// false if no fault is pending.
func (t *Translator) TakeFault() (*pagetables.PageFault, bool) {
	if t.state != Faulted {
		return nil, false
	}
	pf := t.fault
	t.fault = nil
	t.state = t.settledState()
	return pf, true
}

// SetCPL sets the current privilege level.
func (t *Translator) SetCPL(cpl uint8) {
	if cpl > 3 {
		panic(fmt.Sprintf("invalid CPL %d", cpl))
	}
	if cpl == t.cpl {
		return
	}
	t.cpl = cpl
	// JIT entries carry the permissions of the level they were filled at.
	t.rotateSalt("cpl")
}

// OnCR0Write updates CR0.
func (t *Translator) OnCR0Write(v uint64) {
	old := t.paging.CR0
	t.paging.CR0 = v
	if (old^v)&(pagetables.CR0_PG|pagetables.CR0_WP) != 0 {
		t.flushAll("cr0")
	}
}

// OnCR3Write updates CR3. Translations of the previous address space are
// discarded, except global translations when CR4.PGE is set. With PCIDs
// enabled, only translations of the new PCID are discarded, and none if
// bit 63 is set.
func (t *Translator) OnCR3Write(v uint64) {
	noFlush := v&pagetables.CR3_NOFLUSH != 0
	t.paging.CR3 = v &^ pagetables.CR3_NOFLUSH
	t.invalidate(func() {
		if !t.paging.UsesPCIDs() {
			t.tlb.Flush(t.paging.PGE())
		} else if !noFlush {
			// SingleContext never fails.
			_ = t.tlb.InvalidatePCID(t.paging.PCID(), tlb.SingleContext, 0)
		}
		t.rotateSalt("cr3")
	})
	if log.IsLogging(log.Debug) {
		log.Debugf("CR3 write: %#x (pcid %d, noflush %t)", v, t.paging.PCID(), noFlush)
	}
}

// OnCR4Write updates CR4.
func (t *Translator) OnCR4Write(v uint64) {
	old := t.paging.CR4
	t.paging.CR4 = v
	const mask = pagetables.CR4_PSE | pagetables.CR4_PAE | pagetables.CR4_PGE | pagetables.CR4_PCIDE
	if (old^v)&mask != 0 {
		t.flushAll("cr4")
	}
}

// OnEFERWrite updates EFER.
func (t *Translator) OnEFERWrite(v uint64) {
	old := t.paging.EFER
	t.paging.EFER = v
	if (old^v)&(pagetables.EFER_LME|pagetables.EFER_NXE) != 0 {
		t.flushAll("efer")
	}
}

// SetMaxPhysBits sets the physical address width.
func (t *Translator) SetMaxPhysBits(bits uint8) error {
	if err := validPhysBits(bits); err != nil {
		return err
	}
	if bits != t.paging.MaxPhysBits {
		t.paging.MaxPhysBits = bits
		t.flushAll("maxphys")
	}
	return nil
}

// OnInvlpg invalidates translations of the page containing vaddr. With
// PCIDs enabled, translations of other PCIDs are kept, but global ones are
// not.
func (t *Translator) OnInvlpg(vaddr guestarch.Addr) {
	if !t.paging.LongMode() {
		vaddr = guestarch.Addr(uint32(vaddr))
	}
	if t.paging.UsesPCIDs() {
		t.tlb.InvalidatePagePCID(vaddr, t.paging.PCID(), true)
	} else {
		t.tlb.InvalidatePage(vaddr)
	}
	// Sub-pages of a large page occupy independent JIT slots.
	if t.jitLarge {
		t.rotateSalt("invlpg")
	} else {
		t.jit.InvalidatePage(vaddr)
	}
}

// OnInvpcid performs INVPCID. It returns an error, for which the CPU core
// raises #GP(0), for an invalid type or PCID, or a non-canonical address.
func (t *Translator) OnInvpcid(pcid uint16, mode tlb.InvpcidMode, vaddr guestarch.Addr) error {
	if pcid > pagetables.CR3_PCID {
		return fmt.Errorf("invalid PCID %#x", pcid)
	}
	if mode == tlb.IndividualAddress && !vaddr.IsCanonical() {
		return &NonCanonicalError{Addr: vaddr}
	}
	var err error
	t.invalidate(func() {
		if err = t.tlb.InvalidatePCID(pcid, mode, vaddr); err == nil {
			t.rotateSalt("invpcid")
		}
	})
	return err
}

// Flush discards every translation, including global ones.
func (t *Translator) Flush() {
	t.flushAll("flush")
}

func (t *Translator) flushAll(cause string) {
	t.invalidate(func() {
		t.tlb.Flush(false)
		t.stats.Flushes++
		t.rotateSalt(cause)
	})
	if log.IsLogging(log.Debug) {
		log.Debugf("Translation flush (%s): %v", cause, t.paging)
	}
}

// invalidate runs fn in the Invalidating state. A pending fault stays
// pending.
func (t *Translator) invalidate(fn func()) {
	prev := t.state
	t.state = Invalidating
	fn()
	if prev == Faulted {
		t.state = Faulted
	} else {
		t.state = t.settledState()
	}
}

func (t *Translator) rotateSalt(cause string) {
	t.jit.RotateSalt()
	t.jitLarge = false
	t.stats.SaltRotations++
	rotationsMetric.Increment(cause)
}

// syncRouting applies a routing change reported by the bus.
func (t *Translator) syncRouting() {
	if t.routingChanged.Swap(false) {
		t.rotateSalt("routing")
	}
}
