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

package pageversion

import (
	"gvisor.dev/guestmmu/pkg/sync"
)

// Unit is a compiled code unit and the snapshot it was compiled against.
type Unit[H any] struct {
	// Handle is the compiled code.
	Handle H

	// Snapshot covers every byte of guest memory the code was compiled
	// from.
	Snapshot Snapshot
}

// InstallResult is the outcome of CodeCache.Install.
type InstallResult uint8

const (
	// Accepted means the unit was installed.
	Accepted InstallResult = iota

	// RejectedStale means guest memory changed during compilation; the
	// unit was discarded and must be recompiled.
	RejectedStale
)

// String implements fmt.Stringer.String.
func (r InstallResult) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "rejected-stale"
}

// CodeCache holds compiled units keyed by the physical address of their entry
// point, discarding units whose source pages have been written.
type CodeCache[H any] struct {
	tracker *Tracker

	mu    sync.Mutex
	units map[uint64]*Unit[H]
}

// NewCodeCache returns an empty cache validated against t.
func NewCodeCache[H any](t *Tracker) *CodeCache[H] {
	return &CodeCache[H]{
		tracker: t,
		units:   make(map[uint64]*Unit[H]),
	}
}

// Install installs u at entry, unless its snapshot is malformed or already
// stale. An accepted unit replaces any unit at entry.
func (c *CodeCache[H]) Install(entry uint64, u *Unit[H]) InstallResult {
	if u.Snapshot.Validate() != nil || c.tracker.IsStale(&u.Snapshot) {
		staleMetric.Increment("install")
		return RejectedStale
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units[entry] = u
	return Accepted
}

// Lookup returns the unit at entry. A stale unit is removed and not
// returned.
func (c *CodeCache[H]) Lookup(entry uint64) (*Unit[H], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[entry]
	if !ok {
		return nil, false
	}
	if c.tracker.IsStale(&u.Snapshot) {
		staleMetric.Increment("lookup")
		delete(c.units, entry)
		return nil, false
	}
	return u, true
}

// Revalidate returns true if u is still current. It is called from safe
// points within long-running units; on false the caller must leave u.
func (c *CodeCache[H]) Revalidate(u *Unit[H]) bool {
	if c.tracker.IsStale(&u.Snapshot) {
		staleMetric.Increment("revalidate")
		return false
	}
	return true
}

// Invalidate removes the unit at entry, if any.
func (c *CodeCache[H]) Invalidate(entry uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.units, entry)
}

// Len returns the number of installed units, including any not yet found
// stale.
func (c *CodeCache[H]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.units)
}
