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

package guestarch

import (
	"testing"
)

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0, true},
		{0x00007fff_ffffffff, true},
		{0x00008000_00000000, false},
		{0xffff8000_00000000, true},
		{0xfffeffff_ffffffff, false},
		{0xffffffff_ffffffff, true},
	} {
		if got := tc.addr.IsCanonical(); got != tc.want {
			t.Errorf("%v.IsCanonical() = %t, want %t", tc.addr, got, tc.want)
		}
	}
}

func TestPageRange(t *testing.T) {
	for _, tc := range []struct {
		name        string
		start       Addr
		length      uint64
		first, last uint64
		ok          bool
	}{
		{name: "empty", start: 0x1000, length: 0},
		{name: "single byte", start: 0x1fff, length: 1, first: 1, last: 1, ok: true},
		{name: "straddle", start: 0x1ffe, length: 4, first: 1, last: 2, ok: true},
		{name: "exact page", start: 0x1000, length: 0x1000, first: 1, last: 1, ok: true},
		{name: "top of space", start: ^Addr(0) - 1, length: 16, first: 0xfffffffffffff, last: 0xfffffffffffff, ok: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			first, last, ok := PageRange(tc.start, tc.length)
			if ok != tc.ok || (ok && (first != tc.first || last != tc.last)) {
				t.Errorf("PageRange(%v, %d) = (%#x, %#x, %t), want (%#x, %#x, %t)", tc.start, tc.length, first, last, ok, tc.first, tc.last, tc.ok)
			}
		})
	}
}

func TestAccessType(t *testing.T) {
	if got, want := ReadExec.String(), "r-x"; got != want {
		t.Errorf("ReadExec.String() = %q, want %q", got, want)
	}
	if ReadOnly.Allows(Write) {
		t.Errorf("ReadOnly allows write")
	}
	if !AnyAccess.SupersetOf(ReadWrite) || ReadWrite.SupersetOf(AnyAccess) {
		t.Errorf("SupersetOf is wrong")
	}
	if got := ReadWrite.Intersect(ReadExec); got != ReadOnly {
		t.Errorf("Intersect = %v, want %v", got, ReadOnly)
	}
}

func TestPageSizeClass(t *testing.T) {
	for _, s := range []PageSizeClass{Size4K, Size2M, Size1G, Size4M} {
		p, err := ParsePageSize(s.String())
		if err != nil || p != s {
			t.Errorf("ParsePageSize(%q) = %v, %v", s.String(), p, err)
		}
	}
	if got := Size2M.Bytes(); got != HugePageSize {
		t.Errorf("Size2M.Bytes() = %#x", got)
	}
	if got := Size4M.Mask(); got != 0x3fffff {
		t.Errorf("Size4M.Mask() = %#x", got)
	}
}
