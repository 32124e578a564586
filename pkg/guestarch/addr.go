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

// Package guestarch provides guest architecture definitions for x86-64
// address translation: addresses, page sizes and access kinds.
package guestarch

import "fmt"

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// PageOffsetMask masks the offset within a base page.
	PageOffsetMask = PageSize - 1

	// HugePageShift is the binary log of the 2MB page size.
	HugePageShift = 21

	// HugePageSize is the 2MB page size.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the 1GB page size.
	GiantPageShift = 30

	// GiantPageSize is the 1GB page size.
	GiantPageSize = 1 << GiantPageShift

	// LegacyHugePageShift is the binary log of the 4MB page size of
	// two-level paging.
	LegacyHugePageShift = 22

	// LegacyHugePageSize is the 4MB page size.
	LegacyHugePageSize = 1 << LegacyHugePageShift
)

// Addr represents a guest virtual or guest physical address.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ Addr(PageOffsetMask)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageOffsetMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & PageOffsetMask)
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// PageNumber returns the base page number of v.
func (v Addr) PageNumber() uint64 {
	return uint64(v) >> PageShift
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// IsCanonical returns true if v is a canonical 48-bit address, i.e. bits
// 63:47 are all equal.
func (v Addr) IsCanonical() bool {
	top := uint64(v) >> 47
	return top == 0 || top == 0x1ffff
}

// PageRange returns the page numbers of the first and last base pages
// touched by [start, start+length). ok is false if length is zero.
//
// A range running past the top of the address space is clamped.
func PageRange(start Addr, length uint64) (first, last uint64, ok bool) {
	if length == 0 {
		return 0, 0, false
	}
	end, fits := start.AddLength(length - 1)
	if !fits {
		end = ^Addr(0)
	}
	return start.PageNumber(), end.PageNumber(), true
}
