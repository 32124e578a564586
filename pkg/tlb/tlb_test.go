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

package tlb

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/pagetables"
)

func newTLB(t *testing.T, g Geometry) *TLB {
	t.Helper()
	tl, err := New(g)
	if err != nil {
		t.Fatalf("New(%+v): %v", g, err)
	}
	return tl
}

func page(va, pa uint64, size guestarch.PageSizeClass, pcid uint16, global bool) pagetables.Translation {
	return pagetables.Translation{
		VirtBase: guestarch.Addr(va),
		PhysBase: pa,
		PhysPage: pa,
		Size:     size,
		Writable: true,
		Global:   global,
		PCID:     pcid,
		Dirty:    true,
		Valid:    true,
	}
}

var (
	read  = Request{Access: guestarch.Read, WriteProtect: true}
	write = Request{Access: guestarch.Write, WriteProtect: true}
	fetch = Request{Access: guestarch.Execute, WriteProtect: true}
)

func TestLookup(t *testing.T) {
	tl := newTLB(t, DefaultGeometry)
	tl.Insert(page(0x1000, 0x2000, guestarch.Size4K, 1, false), guestarch.Read)
	tl.Insert(page(0x5000, 0x9000, guestarch.Size4K, 1, true), guestarch.Read)

	for _, tc := range []struct {
		name  string
		vaddr guestarch.Addr
		pcid  uint16
		want  uint64
		hit   bool
	}{
		{name: "same context", vaddr: 0x1234, pcid: 1, want: 0x2000, hit: true},
		{name: "other context", vaddr: 0x1234, pcid: 2},
		{name: "other page", vaddr: 0x2000, pcid: 1},
		{name: "global any context", vaddr: 0x5fff, pcid: 7, want: 0x9000, hit: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tl.Lookup(tc.vaddr, tc.pcid, read)
			if ok != tc.hit {
				t.Fatalf("Lookup(%v, %d) hit = %t, want %t", tc.vaddr, tc.pcid, ok, tc.hit)
			}
			if ok && got.PhysPage != tc.want {
				t.Errorf("Lookup(%v, %d).PhysPage = %#x, want %#x", tc.vaddr, tc.pcid, got.PhysPage, tc.want)
			}
		})
	}
}

func TestLargePageSubPage(t *testing.T) {
	tl := newTLB(t, DefaultGeometry)
	tl.Insert(page(0x400000, 0x800000, guestarch.Size2M, 0, false), guestarch.Read)
	tl.Insert(page(0x40000000, 0x80000000, guestarch.Size1G, 0, false), guestarch.Read)
	tl.Insert(page(0xc00000, 0x1000000, guestarch.Size4M, 0, false), guestarch.Read)

	for _, tc := range []struct {
		vaddr guestarch.Addr
		want  uint64
	}{
		{vaddr: 0x4abcde, want: 0x8ab000},
		{vaddr: 0x400000, want: 0x800000},
		{vaddr: 0x5fffff, want: 0x9ff000},
		{vaddr: 0x7fffffff, want: 0xbffff000},
		{vaddr: 0xc00000, want: 0x1000000},
		{vaddr: 0xfabcde, want: 0x13ab000},
	} {
		got, ok := tl.Lookup(tc.vaddr, 0, read)
		if !ok {
			t.Errorf("Lookup(%v) missed", tc.vaddr)
			continue
		}
		if got.PhysPage != tc.want {
			t.Errorf("Lookup(%v).PhysPage = %#x, want %#x", tc.vaddr, got.PhysPage, tc.want)
		}
		if got.Physical(tc.vaddr)&^guestarch.PageOffsetMask != tc.want {
			t.Errorf("Lookup(%v).Physical = %#x, want page %#x", tc.vaddr, got.Physical(tc.vaddr), tc.want)
		}
	}
}

// A 4MB page is indexed by its own size, so it is found and invalidated
// from any address it covers.
func TestLegacyLargePage(t *testing.T) {
	tl := newTLB(t, DefaultGeometry)
	tl.Insert(page(0x400000, 0x800000, guestarch.Size4M, 0, false), guestarch.Read)

	if _, ok := tl.Lookup(0x800000, 0, read); ok {
		t.Errorf("Lookup past the end of the 4MB page hit")
	}
	if !tl.InvalidatePage(0x7ff000) {
		t.Errorf("InvalidatePage of a 4MB page did not report a large page")
	}
	for _, vaddr := range []guestarch.Addr{0x400000, 0x600000, 0x7fffff} {
		if _, ok := tl.Lookup(vaddr, 0, read); ok {
			t.Errorf("Lookup(%v) hit after InvalidatePage", vaddr)
		}
	}
}

func TestPermissionMismatchMisses(t *testing.T) {
	ro := page(0x1000, 0x2000, guestarch.Size4K, 0, false)
	ro.Writable = false
	clean := page(0x3000, 0x4000, guestarch.Size4K, 0, false)
	clean.Dirty = false
	nx := page(0x5000, 0x6000, guestarch.Size4K, 0, false)
	nx.NoExecute = true
	user := page(0x7000, 0x8000, guestarch.Size4K, 0, false)
	user.User = true

	tl := newTLB(t, DefaultGeometry)
	for _, tr := range []pagetables.Translation{ro, clean, nx, user} {
		tl.Insert(tr, guestarch.Read)
		tl.Insert(tr, guestarch.Execute)
	}

	for _, tc := range []struct {
		name  string
		vaddr guestarch.Addr
		req   Request
		hit   bool
	}{
		{name: "read only read", vaddr: 0x1000, req: read, hit: true},
		{name: "read only write", vaddr: 0x1000, req: write},
		{name: "read only supervisor write without WP", vaddr: 0x1000, req: Request{Access: guestarch.Write}, hit: true},
		{name: "clean read", vaddr: 0x3000, req: read, hit: true},
		{name: "clean write", vaddr: 0x3000, req: write},
		{name: "NX fetch", vaddr: 0x5000, req: fetch},
		{name: "NX read", vaddr: 0x5000, req: read, hit: true},
		{name: "supervisor page user read", vaddr: 0x1000, req: Request{Access: guestarch.Read, User: true}},
		{name: "user page user read", vaddr: 0x7000, req: Request{Access: guestarch.Read, User: true}, hit: true},
		{name: "user page supervisor fetch", vaddr: 0x7000, req: fetch, hit: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, ok := tl.Lookup(tc.vaddr, 0, tc.req); ok != tc.hit {
				t.Errorf("Lookup(%v, %+v) hit = %t, want %t", tc.vaddr, tc.req, ok, tc.hit)
			}
		})
	}
}

func TestSecondLevelPromotion(t *testing.T) {
	tl := newTLB(t, DefaultGeometry)
	tl.Insert(page(0x1000, 0x2000, guestarch.Size4K, 0, false), guestarch.Read)

	// The instruction stream has never seen the page; the fetch is served
	// by the unified level and promoted.
	if _, ok := tl.Lookup(0x1000, 0, fetch); !ok {
		t.Fatalf("first fetch missed")
	}
	if _, ok := tl.Lookup(0x1000, 0, fetch); !ok {
		t.Fatalf("second fetch missed")
	}
	got := tl.Stats()
	want := Stats{Inserts: 1}
	want.Lookups[Instruction] = 2
	want.L2Hits[Instruction] = 1
	want.L1Hits[Instruction] = 1
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Stats mismatch (-want +got):\n%s", diff)
	}
	if l1, l2 := tl.Len(); l1 != 2 || l2 != 1 {
		t.Errorf("Len() = %d, %d, want 2, 1", l1, l2)
	}
}

func TestReplacement(t *testing.T) {
	tl := newTLB(t, Geometry{
		L1Small: Shape{Sets: 1, Ways: 2},
		L1Large: Shape{Sets: 1, Ways: 1},
		L2:      Shape{Sets: 1, Ways: 2},
	})
	a := page(0x1000, 0x11000, guestarch.Size4K, 0, false)
	b := page(0x2000, 0x12000, guestarch.Size4K, 0, false)
	c := page(0x3000, 0x13000, guestarch.Size4K, 0, false)

	tl.Insert(a, guestarch.Read)
	tl.Insert(b, guestarch.Read)
	if got := tl.Stats().Evictions; got != 0 {
		t.Fatalf("Evictions = %d with free ways", got)
	}
	// Touch a in the first level, so that b is its LRU way there. The
	// unified level still orders a before b.
	if _, ok := tl.Lookup(0x1000, 0, read); !ok {
		t.Fatalf("lookup of a missed")
	}
	tl.Insert(c, guestarch.Read)
	if got := tl.Stats().Evictions; got != 2 {
		t.Errorf("Evictions = %d, want 2", got)
	}

	l1Hits := tl.Stats().L1Hits[Data]
	if _, ok := tl.Lookup(0x1000, 0, read); !ok {
		t.Fatalf("lookup of a missed after replacement")
	}
	if got := tl.Stats().L1Hits[Data]; got != l1Hits+1 {
		t.Errorf("a was not served by the first level")
	}
	if _, ok := tl.Lookup(0x2000, 0, read); !ok {
		t.Fatalf("lookup of b missed after replacement")
	}
	if got := tl.Stats().L2Hits[Data]; got != 1 {
		t.Errorf("L2Hits = %d, want 1", got)
	}
}

func TestInsertReplacesSamePage(t *testing.T) {
	tl := newTLB(t, DefaultGeometry)
	ro := page(0x1000, 0x2000, guestarch.Size4K, 0, false)
	ro.Writable = false
	tl.Insert(ro, guestarch.Read)
	tl.Insert(page(0x1000, 0x2000, guestarch.Size4K, 0, false), guestarch.Read)

	if l1, l2 := tl.Len(); l1 != 1 || l2 != 1 {
		t.Errorf("Len() = %d, %d, want 1, 1", l1, l2)
	}
	if _, ok := tl.Lookup(0x1000, 0, write); !ok {
		t.Errorf("write missed the replacement translation")
	}
}

func TestInvalidatePage(t *testing.T) {
	tl := newTLB(t, DefaultGeometry)
	tl.Insert(page(0x1000, 0x2000, guestarch.Size4K, 1, false), guestarch.Read)
	tl.Insert(page(0x1000, 0x3000, guestarch.Size4K, 2, false), guestarch.Execute)
	tl.Insert(page(0x1000, 0x4000, guestarch.Size4K, 3, true), guestarch.Read)
	tl.Insert(page(0x400000, 0x800000, guestarch.Size2M, 1, false), guestarch.Read)

	if tl.InvalidatePage(0x1fff) {
		t.Errorf("InvalidatePage(0x1fff) reported a large page")
	}
	for pcid := uint16(1); pcid <= 3; pcid++ {
		if _, ok := tl.Lookup(0x1000, pcid, read); ok {
			t.Errorf("Lookup(0x1000, %d) hit after InvalidatePage", pcid)
		}
	}
	if _, ok := tl.Lookup(0x400000, 1, read); !ok {
		t.Errorf("unrelated large page was invalidated")
	}
	if !tl.InvalidatePage(0x5ff000) {
		t.Errorf("InvalidatePage(0x5ff000) did not report the large page")
	}
	if l1, l2 := tl.Len(); l1 != 0 || l2 != 0 {
		t.Errorf("Len() = %d, %d, want empty", l1, l2)
	}
}

func TestInvalidatePagePCID(t *testing.T) {
	for _, includeGlobal := range []bool{false, true} {
		tl := newTLB(t, DefaultGeometry)
		tl.Insert(page(0x1000, 0x2000, guestarch.Size4K, 1, false), guestarch.Read)
		tl.Insert(page(0x1000, 0x3000, guestarch.Size4K, 2, false), guestarch.Read)
		tl.Insert(page(0x9000, 0x4000, guestarch.Size4K, 1, true), guestarch.Read)

		tl.InvalidatePagePCID(0x1000, 1, includeGlobal)
		tl.InvalidatePagePCID(0x9000, 1, includeGlobal)

		if _, ok := tl.Lookup(0x1000, 1, read); ok {
			t.Errorf("includeGlobal=%t: PCID 1 entry survived", includeGlobal)
		}
		if _, ok := tl.Lookup(0x1000, 2, read); !ok {
			t.Errorf("includeGlobal=%t: PCID 2 entry was removed", includeGlobal)
		}
		if _, ok := tl.Lookup(0x9000, 1, read); ok == includeGlobal {
			t.Errorf("includeGlobal=%t: global entry present = %t", includeGlobal, ok)
		}
	}
}

// contents returns which of the fixture translations are still visible.
func contents(tl *TLB) []string {
	var got []string
	for _, e := range []struct {
		name  string
		vaddr guestarch.Addr
		pcid  uint16
	}{
		{"pcid1", 0x1000, 1},
		{"pcid1-other", 0x2000, 1},
		{"pcid2", 0x1000, 2},
		{"global", 0x400000, 5},
	} {
		if _, ok := tl.Lookup(e.vaddr, e.pcid, read); ok {
			got = append(got, e.name)
		}
	}
	return got
}

func fixture(t *testing.T) *TLB {
	tl := newTLB(t, DefaultGeometry)
	tl.Insert(page(0x1000, 0x11000, guestarch.Size4K, 1, false), guestarch.Read)
	tl.Insert(page(0x2000, 0x12000, guestarch.Size4K, 1, false), guestarch.Read)
	tl.Insert(page(0x1000, 0x21000, guestarch.Size4K, 2, false), guestarch.Read)
	tl.Insert(page(0x400000, 0x800000, guestarch.Size2M, 0, true), guestarch.Read)
	return tl
}

func TestFlush(t *testing.T) {
	tl := fixture(t)
	tl.Flush(true)
	if diff := cmp.Diff([]string{"global"}, contents(tl)); diff != "" {
		t.Errorf("Flush(true) mismatch (-want +got):\n%s", diff)
	}
	tl.Flush(false)
	if got := contents(tl); len(got) != 0 {
		t.Errorf("Flush(false) left %v", got)
	}
}

func TestInvalidatePCID(t *testing.T) {
	for _, tc := range []struct {
		mode  InvpcidMode
		vaddr guestarch.Addr
		want  []string
	}{
		{mode: IndividualAddress, vaddr: 0x1000, want: []string{"pcid1-other", "pcid2", "global"}},
		{mode: IndividualAddress, vaddr: 0x400000, want: []string{"pcid1", "pcid1-other", "pcid2", "global"}},
		{mode: SingleContext, want: []string{"pcid2", "global"}},
		{mode: AllIncludingGlobal, want: nil},
		{mode: AllExcludingGlobal, want: []string{"global"}},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			tl := fixture(t)
			if err := tl.InvalidatePCID(1, tc.mode, tc.vaddr); err != nil {
				t.Fatalf("InvalidatePCID: %v", err)
			}
			if diff := cmp.Diff(tc.want, contents(tl)); diff != "" {
				t.Errorf("contents mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInvalidatePCIDBadMode(t *testing.T) {
	tl := fixture(t)
	if err := tl.InvalidatePCID(1, 4, 0); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("InvalidatePCID(mode 4) = %v, want %v", err, ErrInvalidMode)
	}
	if got := contents(tl); len(got) != 4 {
		t.Errorf("bad mode invalidated entries: %v", got)
	}
}

func TestParseInvpcidMode(t *testing.T) {
	for m := IndividualAddress; m <= AllExcludingGlobal; m++ {
		got, err := ParseInvpcidMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseInvpcidMode(%q) = %v, %v, want %v", m.String(), got, err, m)
		}
	}
	if _, err := ParseInvpcidMode("everything"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("ParseInvpcidMode(everything) = %v, want %v", err, ErrInvalidMode)
	}
}

func TestGeometryValidate(t *testing.T) {
	for _, tc := range []struct {
		name string
		g    Geometry
		ok   bool
	}{
		{name: "default", g: DefaultGeometry, ok: true},
		{name: "sets not power of two", g: Geometry{L1Small: Shape{3, 4}, L1Large: Shape{8, 4}, L2: Shape{256, 8}}},
		{name: "zero ways", g: Geometry{L1Small: Shape{16, 4}, L1Large: Shape{8, 0}, L2: Shape{256, 8}}},
		{name: "zero sets", g: Geometry{L1Small: Shape{16, 4}, L1Large: Shape{8, 4}, L2: Shape{0, 8}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.g); (err == nil) != tc.ok {
				t.Errorf("New(%+v) = %v, want ok=%t", tc.g, err, tc.ok)
			}
		})
	}
}
