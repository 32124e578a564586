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

package jitcache

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/guestmmu/pkg/guestarch"
)

func newCache(t *testing.T, n int) *Cache {
	t.Helper()
	c, err := New(n, 0x1234)
	if err != nil {
		t.Fatalf("New(%d): %v", n, err)
	}
	return c
}

func TestLayout(t *testing.T) {
	got := []uintptr{EntrySize, EntryTagOffset, EntryDataOffset, RAMBaseOffset, SaltOffset, IndexMaskOffset, TableOffset}
	want := []uintptr{16, 0, 8, 0, 8, 16, 24}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("layout mismatch (-want +got):\n%s", diff)
	}
}

func TestNew(t *testing.T) {
	for _, n := range []int{-1, 0, 1, 2, 3, 12, 100} {
		if _, err := New(n, 0); err == nil {
			t.Errorf("New(%d) succeeded", n)
		}
	}
	c := newCache(t, 64)
	if c.Len() != 64 || c.Context().IndexMask != 63 {
		t.Errorf("New(64): Len = %d, IndexMask = %#x", c.Len(), c.Context().IndexMask)
	}
	if c.TableAddr() != uintptr(unsafe.Pointer(&c.entries[0])) {
		t.Errorf("TableAddr does not address the first entry")
	}
}

func TestFillLookup(t *testing.T) {
	c := newCache(t, 64)
	c.Fill(0x1000, 0x2000, FlagsFor(guestarch.ReadWrite, true))
	c.Fill(0x7000, 0xfee00000, FlagsFor(guestarch.ReadWrite, false))
	c.Fill(0x9000, 0x3000, FlagsFor(guestarch.ReadExec, true))

	for _, tc := range []struct {
		name   string
		vaddr  guestarch.Addr
		access guestarch.AccessKind
		paddr  uint64
		status Status
	}{
		{name: "ram read", vaddr: 0x1abc, access: guestarch.Read, paddr: 0x2abc, status: Hit},
		{name: "ram write", vaddr: 0x1ffc, access: guestarch.Write, paddr: 0x2ffc, status: Hit},
		{name: "ram fetch without exec", vaddr: 0x1000, access: guestarch.Execute, status: Miss},
		{name: "mmio read", vaddr: 0x70f0, access: guestarch.Read, paddr: 0xfee000f0, status: Routed},
		{name: "code fetch", vaddr: 0x9010, access: guestarch.Execute, paddr: 0x3010, status: Hit},
		{name: "code write", vaddr: 0x9010, access: guestarch.Write, status: Miss},
		{name: "empty slot", vaddr: 0x2000, access: guestarch.Read, status: Miss},
		{name: "aliasing page", vaddr: 0x1000 + 64<<guestarch.PageShift, access: guestarch.Read, status: Miss},
	} {
		t.Run(tc.name, func(t *testing.T) {
			paddr, status := c.Lookup(tc.vaddr, tc.access)
			if status != tc.status || paddr != tc.paddr {
				t.Errorf("Lookup(%v, %v) = %#x, %v, want %#x, %v", tc.vaddr, tc.access, paddr, status, tc.paddr, tc.status)
			}
		})
	}
}

func TestZeroEntryNeverMatches(t *testing.T) {
	c := newCache(t, 16)
	// Page 5 XOR salt 5 is zero.
	c.ctx.Salt = 5
	if c.Tag(0x5000) == 0 {
		t.Fatalf("Tag(0x5000) is zero")
	}
	if _, status := c.Lookup(0x5000, guestarch.Read); status != Miss {
		t.Errorf("Lookup in an empty slot = %v, want %v", status, Miss)
	}
}

func TestInconsistentEntryMisses(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags uint64
	}{
		{name: "reserved bit", flags: FlagRead | FlagIsRAM | 1<<7},
		{name: "code watch", flags: FlagRead | FlagIsRAM | FlagCodeWatch},
		{name: "no permissions", flags: FlagIsRAM},
		{name: "fault sentinel", flags: FaultSentinel & FlagsMask},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newCache(t, 16)
			*c.slot(0x3000) = Entry{Tag: c.Tag(0x3000), Data: 0x8000 | tc.flags}
			if _, status := c.Lookup(0x3000, guestarch.Read); status != Miss {
				t.Errorf("Lookup = %v, want %v", status, Miss)
			}
		})
	}
}

func TestFillPanics(t *testing.T) {
	for _, tc := range []struct {
		name     string
		physPage uint64
		flags    uint64
	}{
		{name: "unaligned", physPage: 0x2010, flags: FlagRead},
		{name: "no permissions", physPage: 0x2000, flags: FlagIsRAM},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Errorf("Fill(%#x, %#x) did not panic", tc.physPage, tc.flags)
				}
			}()
			newCache(t, 16).Fill(0x1000, tc.physPage, tc.flags)
		})
	}
}

func TestRotateSaltInvalidatesAll(t *testing.T) {
	const n = 64
	c := newCache(t, n)
	flags := FlagsFor(guestarch.AnyAccess, true)

	// Fill every slot with a page from a different alias class.
	var vaddrs []guestarch.Addr
	for i := uint64(0); i < n; i++ {
		v := guestarch.Addr((i + (i*7%5)*n) << guestarch.PageShift)
		c.Fill(v, i<<guestarch.PageShift, flags)
		vaddrs = append(vaddrs, v)
	}
	old := make([]Entry, n)
	copy(old, c.entries)

	for r := 1; r < n/2; r++ {
		c.RotateSalt()
		for _, v := range vaddrs {
			if _, status := c.Lookup(v, guestarch.Read); status != Miss {
				t.Fatalf("rotation %d: Lookup(%v) = %v after rotation", r, v, status)
			}
		}
		// No page that maps to a slot can produce the stale tag.
		for i := uint64(0); i < n; i++ {
			for k := uint64(0); k < 16; k++ {
				v := guestarch.Addr((i + k*n) << guestarch.PageShift)
				if c.Tag(v) == old[i].Tag {
					t.Fatalf("rotation %d: Tag(%v) equals stale tag %#x", r, v, old[i].Tag)
				}
			}
		}
	}
	if got := c.Generation(); got != n/2-1 {
		t.Errorf("Generation() = %d, want %d", got, n/2-1)
	}
}

func TestRotateSaltIsDeterministic(t *testing.T) {
	a := newCache(t, 256)
	b := newCache(t, 256)
	for i := 0; i < 10; i++ {
		if a.Salt() != b.Salt() {
			t.Fatalf("rotation %d: salts %#x and %#x differ for the same seed", i, a.Salt(), b.Salt())
		}
		a.RotateSalt()
		b.RotateSalt()
	}
}

func TestInvalidatePage(t *testing.T) {
	c := newCache(t, 16)
	flags := FlagsFor(guestarch.ReadOnly, true)
	c.Fill(0x1000, 0x5000, flags)
	c.Fill(0x2000, 0x6000, flags)

	c.InvalidatePage(0x1fff)
	if _, status := c.Lookup(0x1000, guestarch.Read); status != Miss {
		t.Errorf("invalidated page: %v, want %v", status, Miss)
	}
	if _, status := c.Lookup(0x2000, guestarch.Read); status != Hit {
		t.Errorf("other page: %v, want %v", status, Hit)
	}
	if got := c.entries[1]; got != (Entry{}) {
		t.Errorf("invalidated slot = %+v, want zero", got)
	}
}

type fakeResolver struct {
	physPage uint64
	flags    uint64
	err      error
	calls    int
}

func (f *fakeResolver) TranslateForJIT(vaddr guestarch.Addr, access guestarch.AccessKind) (uint64, uint64, error) {
	f.calls++
	return f.physPage, f.flags, f.err
}

var errFault = errors.New("page fault")

func TestResolve(t *testing.T) {
	c := newCache(t, 16)

	r := &fakeResolver{physPage: 0xa000, flags: FlagsFor(guestarch.ReadWrite, true)}
	data, err := c.Resolve(0x4123, guestarch.Write, r)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := uint64(0xa000 | FlagRead | FlagWrite | FlagIsRAM); data != want {
		t.Errorf("Resolve = %#x, want %#x", data, want)
	}
	if paddr, status := c.Lookup(0x4123, guestarch.Write); status != Hit || paddr != 0xa123 {
		t.Errorf("Lookup after Resolve = %#x, %v", paddr, status)
	}

	before := c.entries[5]
	r = &fakeResolver{err: errFault}
	data, err = c.Resolve(0x5000, guestarch.Read, r)
	if !errors.Is(err, errFault) || data != FaultSentinel {
		t.Errorf("faulting Resolve = %#x, %v, want %#x, %v", data, err, FaultSentinel, errFault)
	}
	if c.entries[5] != before {
		t.Errorf("faulting Resolve modified the slot")
	}
}

// generatedLookup reads the cache the way generated code does, through the
// context pointer and byte offsets only.
func generatedLookup(ctx *Context, vaddr uint64) (tag, data uint64, expected uint64) {
	base := unsafe.Pointer(ctx)
	salt := *(*uint64)(unsafe.Add(base, SaltOffset))
	mask := *(*uint64)(unsafe.Add(base, IndexMaskOffset))
	table := *(*unsafe.Pointer)(unsafe.Add(base, TableOffset))
	vpn := vaddr >> guestarch.PageShift
	e := unsafe.Add(table, uintptr(vpn&mask)*EntrySize)
	tag = *(*uint64)(unsafe.Add(e, EntryTagOffset))
	data = *(*uint64)(unsafe.Add(e, EntryDataOffset))
	return tag, data, (vpn ^ salt) | 1
}

func TestGeneratedCodeView(t *testing.T) {
	c := newCache(t, 32)
	c.SetRAMBase(0x7f0000000000)
	c.Fill(0x1234000, 0x9000, FlagsFor(guestarch.ReadWrite, true))

	tag, data, expected := generatedLookup(c.Context(), 0x1234567)
	if tag != expected {
		t.Fatalf("tag %#x, expected %#x", tag, expected)
	}
	if data != 0x9000|FlagRead|FlagWrite|FlagIsRAM {
		t.Errorf("data = %#x", data)
	}
	if got := *(*uint64)(unsafe.Add(unsafe.Pointer(c.Context()), RAMBaseOffset)); got != 0x7f0000000000 {
		t.Errorf("RAM base = %#x", got)
	}

	c.RotateSalt()
	if tag, _, expected := generatedLookup(c.Context(), 0x1234567); tag == expected {
		t.Errorf("entry matches after salt rotation")
	}
}
