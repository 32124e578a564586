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

package physmem

import (
	"unsafe"
)

// HostAddr returns the host address of guest physical address 0, for use
// as the RAM base by generated code. It returns 0 if there is no RAM.
func (m *Memory) HostAddr() uintptr {
	if len(m.ram) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(m.ram)))
}
