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

// AccessKind is the kind of a single guest memory access.
type AccessKind uint8

const (
	// Read is a data read.
	Read AccessKind = iota

	// Write is a data write.
	Write

	// Execute is an instruction fetch.
	Execute
)

// String implements fmt.Stringer.String.
func (k AccessKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	case Execute:
		return "execute"
	default:
		return fmt.Sprintf("AccessKind(%d)", uint8(k))
	}
}

// ParseAccessKind parses the output of AccessKind.String.
func ParseAccessKind(s string) (AccessKind, error) {
	switch s {
	case "read", "r":
		return Read, nil
	case "write", "w":
		return Write, nil
	case "execute", "exec", "x":
		return Execute, nil
	default:
		return 0, fmt.Errorf("invalid access kind %q", s)
	}
}

// AccessType specifies a set of permissions.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.Execute {
		bits[2] = 'x'
	}
	return string(bits[:])
}

// Any returns true iff at least one of Read, Write or Execute is true.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// Allows returns true iff the permission set admits an access of kind k.
func (a AccessType) Allows(k AccessKind) bool {
	switch k {
	case Read:
		return a.Read
	case Write:
		return a.Write
	case Execute:
		return a.Execute
	default:
		return false
	}
}

// SupersetOf returns true iff the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	if !a.Execute && other.Execute {
		return false
	}
	return true
}

// Intersect returns the access types set in both a and other.
func (a AccessType) Intersect(other AccessType) AccessType {
	return AccessType{
		Read:    a.Read && other.Read,
		Write:   a.Write && other.Write,
		Execute: a.Execute && other.Execute,
	}
}

// Convenient access types.
var (
	NoAccess  = AccessType{}
	ReadOnly  = AccessType{Read: true}
	ReadWrite = AccessType{Read: true, Write: true}
	ReadExec  = AccessType{Read: true, Execute: true}
	AnyAccess = AccessType{Read: true, Write: true, Execute: true}
)
