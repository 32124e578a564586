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

// Package physmem implements the guest physical memory bus: anonymous
// host memory backing guest RAM, overlaid by MMIO and ROM regions.
//
// Reads from unmapped space return all-ones and writes to it are dropped,
// as on a real bus with no device decoding the address.
package physmem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/btree"
	"golang.org/x/sys/unix"

	"gvisor.dev/guestmmu/pkg/guestarch"
	"gvisor.dev/guestmmu/pkg/log"
	"gvisor.dev/guestmmu/pkg/sync"
)

var (
	// ErrUnmapped is returned when an operation names a region that does not
	// exist.
	ErrUnmapped = errors.New("physical address not mapped")

	// ErrOverlap is returned when a new region would overlap an existing one.
	ErrOverlap = errors.New("physical region overlaps an existing region")
)

// Kind is the routing classification of a guest physical address.
type Kind uint8

const (
	// Unmapped addresses decode to nothing.
	Unmapped Kind = iota

	// RAM is directly accessible guest memory.
	RAM

	// MMIO is routed to a device handler.
	MMIO

	// ROM is readable, write-ignored memory.
	ROM
)

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	switch k {
	case Unmapped:
		return "unmapped"
	case RAM:
		return "ram"
	case MMIO:
		return "mmio"
	case ROM:
		return "rom"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Bus is the physical memory capability used by the page table walker and
// the translator. All accesses are by guest physical address; nothing on a
// Bus ever goes through virtual addressing.
type Bus interface {
	// ReadU64 reads a little-endian 64-bit value.
	ReadU64(paddr uint64) uint64

	// WriteU64 writes a little-endian 64-bit value.
	WriteU64(paddr uint64, v uint64)

	// Read fills b from guest physical memory at paddr.
	Read(paddr uint64, b []byte)

	// Write copies b into guest physical memory at paddr.
	Write(paddr uint64, b []byte)

	// Classify returns the routing kind of paddr.
	Classify(paddr uint64) Kind

	// IsRAM returns true iff every byte of [paddr, paddr+length) is RAM.
	IsRAM(paddr, length uint64) bool
}

// MMIOHandler services accesses to an MMIO region. off is relative to the
// region base.
type MMIOHandler interface {
	ReadMMIO(off uint64, b []byte)
	WriteMMIO(off uint64, b []byte)
}

// region is an MMIO or ROM overlay.
type region struct {
	base    uint64
	size    uint64
	kind    Kind
	handler MMIOHandler
	data    []byte
}

func (r region) end() uint64 {
	return r.base + r.size
}

func regionLess(a, b region) bool {
	return a.base < b.base
}

// RegionInfo describes an overlay region.
type RegionInfo struct {
	Base uint64
	Size uint64
	Kind Kind
}

// Memory is a Bus backed by host memory.
//
// RAM occupies [0, RAMSize()). MMIO and ROM regions take precedence over RAM
// where they overlap it.
type Memory struct {
	ram []byte

	// mu protects the fields below. RAM contents are not protected; guest
	// RAM has no ordering guarantees beyond those of the host.
	mu        sync.RWMutex
	regions   *btree.BTreeG[region]
	routing   []func()
	observers []func(paddr, length uint64)
}

var _ Bus = (*Memory)(nil)

// New allocates ramSize bytes of guest RAM. ramSize must be a multiple of the
// page size.
func New(ramSize uint64) (*Memory, error) {
	if ramSize%guestarch.PageSize != 0 {
		return nil, fmt.Errorf("RAM size %#x is not page aligned", ramSize)
	}
	m := &Memory{
		regions: btree.NewG[region](8, regionLess),
	}
	if ramSize > 0 {
		ram, err := unix.Mmap(-1, 0, int(ramSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
		if err != nil {
			return nil, fmt.Errorf("mmap of %#x bytes of guest RAM: %w", ramSize, err)
		}
		m.ram = ram
	}
	log.Debugf("Guest RAM: %#x bytes", ramSize)
	return m, nil
}

// Release unmaps guest RAM. The Memory must not be used afterwards.
func (m *Memory) Release() error {
	if m.ram == nil {
		return nil
	}
	err := unix.Munmap(m.ram)
	m.ram = nil
	return err
}

// RAMSize returns the size of guest RAM in bytes.
func (m *Memory) RAMSize() uint64 {
	return uint64(len(m.ram))
}

// RAM returns the guest RAM backing slice.
func (m *Memory) RAM() []byte {
	return m.ram
}

// OnRoutingChange registers fn to be called after any region is added or
// removed.
func (m *Memory) OnRoutingChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routing = append(m.routing, fn)
}

// OnWrite registers fn to be called after every write that reaches RAM,
// once for each contiguous RAM range written. Parts of the write routed to
// MMIO or ROM, or dropped, are not reported.
func (m *Memory) OnWrite(fn func(paddr, length uint64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

// AddMMIO routes [base, base+size) to h.
func (m *Memory) AddMMIO(base, size uint64, h MMIOHandler) error {
	return m.add(region{base: base, size: size, kind: MMIO, handler: h})
}

// AddROM maps a copy of data at base. Writes to it are ignored.
func (m *Memory) AddROM(base uint64, data []byte) error {
	d := make([]byte, len(data))
	copy(d, data)
	return m.add(region{base: base, size: uint64(len(data)), kind: ROM, data: d})
}

func (m *Memory) add(r region) error {
	if r.size == 0 || r.end() < r.base {
		return fmt.Errorf("invalid region [%#x, +%#x)", r.base, r.size)
	}
	m.mu.Lock()
	if m.overlapsLocked(r) {
		m.mu.Unlock()
		return fmt.Errorf("region [%#x, %#x): %w", r.base, r.end(), ErrOverlap)
	}
	m.regions.ReplaceOrInsert(r)
	listeners := m.routing
	m.mu.Unlock()

	log.Debugf("Physical region [%#x, %#x) mapped as %v", r.base, r.end(), r.kind)
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// Remove removes the region starting at base.
func (m *Memory) Remove(base uint64) error {
	m.mu.Lock()
	r, ok := m.regions.Delete(region{base: base})
	listeners := m.routing
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no region at %#x: %w", base, ErrUnmapped)
	}

	log.Debugf("Physical region [%#x, %#x) removed", r.base, r.end())
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// Regions returns the overlay regions in address order.
func (m *Memory) Regions() []RegionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var infos []RegionInfo
	m.regions.Ascend(func(r region) bool {
		infos = append(infos, RegionInfo{Base: r.base, Size: r.size, Kind: r.kind})
		return true
	})
	return infos
}

// Preconditions: m.mu must be locked.
func (m *Memory) overlapsLocked(r region) bool {
	overlap := false
	m.regions.DescendLessOrEqual(region{base: r.base}, func(prev region) bool {
		overlap = prev.end() > r.base
		return false
	})
	if overlap {
		return true
	}
	m.regions.AscendGreaterOrEqual(region{base: r.base}, func(next region) bool {
		overlap = next.base < r.end()
		return false
	})
	return overlap
}

// Classify implements Bus.Classify.
func (m *Memory) Classify(paddr uint64) Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, _, _ := m.spanLocked(paddr)
	return k
}

// IsRAM implements Bus.IsRAM.
func (m *Memory) IsRAM(paddr, length uint64) bool {
	if length == 0 {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, _, last := m.spanLocked(paddr)
	return k == RAM && last-paddr >= length-1
}

// spanLocked returns what paddr decodes to and the last byte of the
// contiguous span with the same decoding. The last span of the address
// space ends at ^uint64(0).
//
// Preconditions: m.mu must be locked for reading.
func (m *Memory) spanLocked(paddr uint64) (Kind, *region, uint64) {
	var (
		hit   region
		found bool
	)
	m.regions.DescendLessOrEqual(region{base: paddr}, func(r region) bool {
		if paddr < r.end() {
			hit, found = r, true
		}
		return false
	})
	if found {
		return hit.kind, &hit, hit.end() - 1
	}

	// Not in an overlay: the span runs until the next overlay begins.
	last := ^uint64(0)
	m.regions.AscendGreaterOrEqual(region{base: paddr}, func(r region) bool {
		last = r.base - 1
		return false
	})
	if ramEnd := uint64(len(m.ram)); paddr < ramEnd {
		return RAM, nil, min(last, ramEnd-1)
	}
	return Unmapped, nil, last
}

// chunk returns the number of bytes of an n-byte access at paddr that fall
// in a span ending at last. n must be non-zero.
func chunk(paddr, last, n uint64) uint64 {
	if last-paddr < n-1 {
		return last - paddr + 1
	}
	return n
}

// Read implements Bus.Read. Bytes beyond the top of the physical address
// space read as unmapped.
func (m *Memory) Read(paddr uint64, b []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for len(b) > 0 {
		kind, r, last := m.spanLocked(paddr)
		n := chunk(paddr, last, uint64(len(b)))
		c := b[:n]
		switch kind {
		case RAM:
			copy(c, m.ram[paddr:])
		case ROM:
			copy(c, r.data[paddr-r.base:])
		case MMIO:
			r.handler.ReadMMIO(paddr-r.base, c)
		default:
			fillUnmapped(c)
		}
		b = b[n:]
		if paddr += n; paddr == 0 {
			fillUnmapped(b)
			return
		}
	}
}

func fillUnmapped(b []byte) {
	for i := range b {
		b[i] = 0xff
	}
}

// span is a range of guest physical memory.
type span struct {
	start, length uint64
}

// Write implements Bus.Write. Bytes beyond the top of the physical address
// space are dropped.
func (m *Memory) Write(paddr uint64, b []byte) {
	var buf [2]span
	written := buf[:0]

	m.mu.RLock()
	for len(b) > 0 {
		kind, r, last := m.spanLocked(paddr)
		n := chunk(paddr, last, uint64(len(b)))
		c := b[:n]
		switch kind {
		case RAM:
			copy(m.ram[paddr:], c)
			written = append(written, span{paddr, n})
		case MMIO:
			r.handler.WriteMMIO(paddr-r.base, c)
		}
		b = b[n:]
		if paddr += n; paddr == 0 {
			break
		}
	}
	observers := m.observers
	m.mu.RUnlock()

	for _, w := range written {
		for _, fn := range observers {
			fn(w.start, w.length)
		}
	}
}

// ReadU64 implements Bus.ReadU64.
func (m *Memory) ReadU64(paddr uint64) uint64 {
	var b [8]byte
	m.Read(paddr, b[:])
	return binary.LittleEndian.Uint64(b[:])
}

// WriteU64 implements Bus.WriteU64.
func (m *Memory) WriteU64(paddr uint64, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	m.Write(paddr, b[:])
}
