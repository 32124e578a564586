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
	"unsafe"
)

// Offsets used by generated code.
const (
	EntrySize       = unsafe.Sizeof(Entry{})
	EntryTagOffset  = unsafe.Offsetof(Entry{}.Tag)
	EntryDataOffset = unsafe.Offsetof(Entry{}.Data)

	RAMBaseOffset   = unsafe.Offsetof(Context{}.RAMBase)
	SaltOffset      = unsafe.Offsetof(Context{}.Salt)
	IndexMaskOffset = unsafe.Offsetof(Context{}.IndexMask)
	TableOffset     = unsafe.Offsetof(Context{}.Table)
)

// TableAddr returns the host address of the first entry.
func (c *Cache) TableAddr() uintptr {
	return uintptr(unsafe.Pointer(c.ctx.Table))
}
