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

package mmu

import (
	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/jitcache"
	"gvisor.dev/guestmmu/pkg/pagetables"
)

// TranslateForJIT implements jitcache.Resolver.TranslateForJIT.
//
// The returned flags hold the permissions of the page at the current
// privilege level. Write is granted only once the page is dirty, so that
// the first write through generated code takes the slow path and sets the
// dirty bit.
func (t *Translator) TranslateForJIT(vaddr guestarch.Addr, access guestarch.AccessKind) (uint64, uint64, error) {
	tr, err := t.TranslateFull(vaddr, access)
	if err != nil {
		return 0, 0, err
	}
	isUser := t.cpl == 3
	wp := t.paging.WriteProtect()
	allowed := func(k guestarch.AccessKind) bool {
		return pagetables.AccessAllowed(tr.User, tr.Writable, tr.NoExecute, k, isUser, wp)
	}
	perms := guestarch.AccessType{
		Read:    allowed(guestarch.Read),
		Write:   allowed(guestarch.Write) && tr.Dirty,
		Execute: allowed(guestarch.Execute),
	}
	if tr.Size != guestarch.Size4K {
		t.jitLarge = true
	}
	// A page is RAM only if no overlay covers any part of it.
	isRAM := t.bus.IsRAM(tr.PhysPage, guestarch.PageSize)
	return tr.PhysPage, jitcache.FlagsFor(perms, isRAM), nil
}

// ResolveJIT is the slow path of generated code: it translates vaddr, fills
// the JIT cache entry, and returns the entry's data word. On failure it
// returns jitcache.FaultSentinel and the error; a page fault is left pending
// for delivery, and generated code must not resume the access.
func (t *Translator) ResolveJIT(vaddr guestarch.Addr, access guestarch.AccessKind) (uint64, error) {
	t.syncRouting()
	t.stats.JITResolves++
	return t.jit.Resolve(vaddr, access, t)
}

// JITLookup performs the fast-path check of generated code against the JIT
// cache.
func (t *Translator) JITLookup(vaddr guestarch.Addr, access guestarch.AccessKind) (uint64, jitcache.Status) {
	t.syncRouting()
	return t.jit.Lookup(vaddr, access)
}
