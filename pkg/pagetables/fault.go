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
	"fmt"

	"gvisor.dev/guestmmu/pkg/guestarch"
)

// Page fault error code bits.
const (
	ErrCodePresent     = 1 << 0
	ErrCodeWrite       = 1 << 1
	ErrCodeUser        = 1 << 2
	ErrCodeReserved    = 1 << 3
	ErrCodeInstruction = 1 << 4
)

// Level is a paging-structure level.
type Level uint8

// Levels, from the root down.
const (
	LevelPML4 Level = iota
	LevelPDPT
	LevelPD
	LevelPT
	numLevels
)

// levelShifts are the linear address shifts of the index of each level.
var levelShifts = [numLevels]uint{pgdShift, pudShift, pmdShift, pteShift}

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case LevelPML4:
		return "PML4"
	case LevelPDPT:
		return "PDPT"
	case LevelPD:
		return "PD"
	case LevelPT:
		return "PT"
	default:
		return fmt.Sprintf("Level(%d)", uint8(l))
	}
}

// index returns the entry index for vaddr at this level.
func (l Level) index(vaddr guestarch.Addr) uint64 {
	return (uint64(vaddr) >> levelShifts[l]) & entryIndexMask
}

// PageFault is an architectural #PF.
type PageFault struct {
	// Addr is the faulting linear address, exactly as requested.
	Addr guestarch.Addr

	// ErrorCode is the error code pushed with the exception.
	ErrorCode uint32

	// Access is the access that faulted.
	Access guestarch.AccessKind

	// Level is the paging-structure level at which the fault was detected.
	Level Level
}

// Error implements error.Error.
func (f *PageFault) Error() string {
	return fmt.Sprintf("page fault at %v (%v, error code %#x, %s at %v)", f.Addr, f.Access, f.ErrorCode, f.Reason(), f.Level)
}

// Present returns true iff the fault was not a not-present fault.
func (f *PageFault) Present() bool {
	return f.ErrorCode&ErrCodePresent != 0
}

// Reason returns a short description of the fault cause.
func (f *PageFault) Reason() string {
	switch {
	case f.ErrorCode&ErrCodeReserved != 0:
		return "reserved bit"
	case f.ErrorCode&ErrCodePresent != 0:
		return "protection"
	default:
		return "not present"
	}
}

// errorCode builds the error code for a fault.
func errorCode(present bool, access guestarch.AccessKind, user, reserved bool) uint32 {
	var code uint32
	if present {
		code |= ErrCodePresent
	}
	if access == guestarch.Write {
		code |= ErrCodeWrite
	}
	if user {
		code |= ErrCodeUser
	}
	if reserved {
		code |= ErrCodeReserved
	}
	if access == guestarch.Execute {
		code |= ErrCodeInstruction
	}
	return code
}
