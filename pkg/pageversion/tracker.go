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

// Package pageversion tracks modifications of guest physical pages, so that
// code compiled from guest memory can detect that its source has changed.
//
// Every 4KB page has a 32-bit version, incremented by each write that touches
// the page. Compiled code records the versions of the pages it was compiled
// from; it is stale if any of them has changed since.
//
// Versions wrap modulo 2^32. A page written exactly a multiple of 2^32 times
// since a snapshot appears unmodified; every other number of writes is
// detected.
package pageversion

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gvisor.dev/guestmmu/pkg/atomicbitops"
	"gvisor.dev/guestmmu/pkg/guestarch"
)

const (
	// leafShift is the binary log of the number of pages per leaf.
	leafShift = 12
	leafPages = 1 << leafShift
	leafMask  = leafPages - 1
)

// leaf holds the versions of a contiguous run of pages.
type leaf [leafPages]atomicbitops.Uint32

// Tracker holds page versions for physical addresses below a fixed limit.
// Pages at or above the limit are not tracked: they always have version
// zero, and writes to them are ignored.
//
// All methods are safe for concurrent use. Versions are read and incremented
// atomically per page; a Snapshot is not atomic across pages, and a write
// racing with Snapshot may make the snapshot stale immediately.
type Tracker struct {
	// leaves is indexed by page number >> leafShift. Leaves are allocated on
	// first write.
	leaves []atomic.Pointer[leaf]

	// pages is the number of tracked pages.
	pages uint64
}

// NewTracker returns a Tracker for physical addresses below limit.
func NewTracker(limit uint64) *Tracker {
	pages := (limit + guestarch.PageSize - 1) >> guestarch.PageShift
	return &Tracker{
		leaves: make([]atomic.Pointer[leaf], (pages+leafPages-1)>>leafShift),
		pages:  pages,
	}
}

// Limit returns the first untracked physical address.
func (t *Tracker) Limit() uint64 {
	return t.pages << guestarch.PageShift
}

// counter returns the counter of page, allocating its leaf if alloc is set.
// It returns nil if the page is untracked, or unallocated and !alloc.
func (t *Tracker) counter(page uint64, alloc bool) *atomicbitops.Uint32 {
	if page >= t.pages {
		return nil
	}
	slot := &t.leaves[page>>leafShift]
	l := slot.Load()
	if l == nil {
		if !alloc {
			return nil
		}
		l = new(leaf)
		if !slot.CompareAndSwap(nil, l) {
			l = slot.Load()
		}
	}
	return &l[page&leafMask]
}

// OnGuestWrite records a write of length bytes at paddr. Every page
// overlapping the range is incremented exactly once.
func (t *Tracker) OnGuestWrite(paddr, length uint64) {
	first, last, ok := guestarch.PageRange(guestarch.Addr(paddr), length)
	if !ok {
		return
	}
	if last >= t.pages {
		if first >= t.pages {
			return
		}
		last = t.pages - 1
	}
	for page := first; ; page++ {
		t.counter(page, true).Add(1)
		if page == last {
			break
		}
	}
	writesMetric.Increment()
}

// Version returns the current version of page.
func (t *Tracker) Version(page uint64) uint32 {
	if c := t.counter(page, false); c != nil {
		return c.Load()
	}
	return 0
}

// addForTest adds delta to the version of page, as delta writes would.
func (t *Tracker) addForTest(page uint64, delta uint32) {
	t.counter(page, true).Add(delta)
}

// PageVersion is the version of a single page.
type PageVersion struct {
	Page    uint64
	Version uint32
}

// Snapshot records the versions of the pages of a physical range.
type Snapshot struct {
	// Base and Length are the range.
	Base   uint64
	Length uint64

	// Pages holds every page of the range, in order.
	Pages []PageVersion
}

// ErrMalformedSnapshot is returned by Snapshot.Validate.
var ErrMalformedSnapshot = errors.New("malformed page version snapshot")

// Validate returns an error if s does not list exactly the pages of its
// range, in order.
func (s *Snapshot) Validate() error {
	first, last, ok := guestarch.PageRange(guestarch.Addr(s.Base), s.Length)
	if !ok {
		return fmt.Errorf("%w: empty range at %#x", ErrMalformedSnapshot, s.Base)
	}
	if uint64(len(s.Pages)) != last-first+1 {
		return fmt.Errorf("%w: %d pages recorded for %d-page range at %#x", ErrMalformedSnapshot, len(s.Pages), last-first+1, s.Base)
	}
	for i, pv := range s.Pages {
		if pv.Page != first+uint64(i) {
			return fmt.Errorf("%w: entry %d is page %#x, want %#x", ErrMalformedSnapshot, i, pv.Page, first+uint64(i))
		}
	}
	return nil
}

// Snapshot returns the current versions of the pages of [paddr,
// paddr+length). A zero length yields an empty, invalid snapshot.
func (t *Tracker) Snapshot(paddr, length uint64) Snapshot {
	s := Snapshot{Base: paddr, Length: length}
	first, last, ok := guestarch.PageRange(guestarch.Addr(paddr), length)
	if !ok {
		return s
	}
	s.Pages = make([]PageVersion, 0, last-first+1)
	for page := first; ; page++ {
		s.Pages = append(s.Pages, PageVersion{Page: page, Version: t.Version(page)})
		if page == last {
			break
		}
	}
	return s
}

// IsStale returns true if any page recorded in s has a different version
// now.
func (t *Tracker) IsStale(s *Snapshot) bool {
	for _, pv := range s.Pages {
		if t.Version(pv.Page) != pv.Version {
			return true
		}
	}
	return false
}
