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

import "fmt"

// PageSizeClass is the size class of a leaf translation.
type PageSizeClass uint8

const (
	// Size4K is a 4KB page mapped by a PTE.
	Size4K PageSizeClass = iota

	// Size2M is a 2MB page mapped by a PDE with PS set.
	Size2M

	// Size1G is a 1GB page mapped by a PDPTE with PS set.
	Size1G

	// Size4M is a 4MB page mapped by a 32-bit PDE with PS set.
	Size4M

	// NumPageSizes is the number of page size classes.
	NumPageSizes
)

// Shift returns the binary log of the page size.
func (s PageSizeClass) Shift() uint {
	switch s {
	case Size2M:
		return HugePageShift
	case Size1G:
		return GiantPageShift
	case Size4M:
		return LegacyHugePageShift
	default:
		return PageShift
	}
}

// Bytes returns the page size in bytes.
func (s PageSizeClass) Bytes() uint64 {
	return 1 << s.Shift()
}

// Mask returns the mask of the offset within a page of this size.
func (s PageSizeClass) Mask() uint64 {
	return s.Bytes() - 1
}

// String implements fmt.Stringer.String.
func (s PageSizeClass) String() string {
	switch s {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	case Size4M:
		return "4M"
	default:
		return fmt.Sprintf("PageSizeClass(%d)", uint8(s))
	}
}

// ParsePageSize parses the output of PageSizeClass.String.
func ParsePageSize(s string) (PageSizeClass, error) {
	switch s {
	case "4K", "4k", "":
		return Size4K, nil
	case "2M", "2m":
		return Size2M, nil
	case "1G", "1g":
		return Size1G, nil
	case "4M", "4m":
		return Size4M, nil
	default:
		return 0, fmt.Errorf("invalid page size %q", s)
	}
}
