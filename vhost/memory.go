package vhost

import (
	"fmt"
	"sort"
	"sync/atomic"
	"unsafe"
)

// MemoryRegion describes a single contiguous range of guest memory that has
// been mapped into this process, as handed in by the hypervisor through the
// (out of scope) vhost-user SET_MEM_TABLE / memory-table exchange.
type MemoryRegion struct {
	// GuestPhysAddr is the first guest physical address covered by this
	// region.
	GuestPhysAddr uint64
	// Size is the length of the region in bytes.
	Size uint64
	// HostPtr is the address in this process's address space where the
	// region has been mapped.
	HostPtr uintptr
}

func (r MemoryRegion) contains(gpa uint64, length uint32) bool {
	if length == 0 {
		return gpa >= r.GuestPhysAddr && gpa <= r.GuestPhysAddr+r.Size
	}
	end := gpa + uint64(length)
	if end < gpa {
		// overflow
		return false
	}
	return gpa >= r.GuestPhysAddr && end <= r.GuestPhysAddr+r.Size
}

func (r MemoryRegion) translate(gpa uint64) uintptr {
	return r.HostPtr + uintptr(gpa-r.GuestPhysAddr)
}

// memoryTable is an immutable, sorted-by-GuestPhysAddr snapshot of the
// currently mapped regions. A new table is built and atomically swapped in
// whenever the hypervisor updates the memory layout; translations already
// in flight keep using the table pointer they read and are unaffected by the
// swap.
type memoryTable struct {
	regions []MemoryRegion
}

func newMemoryTable(regions []MemoryRegion) *memoryTable {
	cp := make([]MemoryRegion, len(regions))
	copy(cp, regions)
	sort.Slice(cp, func(i, j int) bool { return cp[i].GuestPhysAddr < cp[j].GuestPhysAddr })
	return &memoryTable{regions: cp}
}

func (t *memoryTable) find(gpa uint64, length uint32) (MemoryRegion, bool) {
	regions := t.regions
	// Binary search for the last region starting at or before gpa.
	i := sort.Search(len(regions), func(i int) bool { return regions[i].GuestPhysAddr > gpa })
	if i == 0 {
		return MemoryRegion{}, false
	}
	r := regions[i-1]
	if !r.contains(gpa, length) {
		return MemoryRegion{}, false
	}
	return r, true
}

// GuestMemory tracks the set of guest memory regions currently mapped into
// this process and translates guest physical addresses into host pointers
// for the descriptor walker. Lookups are lock-free; updates to the region
// set swap in a brand new table.
//
// A single reference count is kept for the GuestMemory as a whole, not per
// table, so that the device-lifecycle layer (C7) can tell when it is safe to
// release the mappings behind an outdated table: Idle reports true once every
// Queue that took a reference via Ref, against whichever table, has released
// it via Unref. SetTable neither waits for that nor unmaps anything itself.
type GuestMemory struct {
	table   atomic.Pointer[memoryTable]
	refs    atomic.Int64
	mapCB   func(gpa uint64, length uint32) (unsafe.Pointer, error)
	unmapCB func(gpa uint64, length uint32)
}

// NewGuestMemory creates an empty GuestMemory map. mapCB/unmapCB are
// optional hooks (see BlockDeviceInfo.MapCB) that are stored but never
// called by this package: SetTable and Translate only use the HostPtr the
// caller has already mapped for each region.
func NewGuestMemory(mapCB func(gpa uint64, length uint32) (unsafe.Pointer, error), unmapCB func(gpa uint64, length uint32)) *GuestMemory {
	gm := &GuestMemory{mapCB: mapCB, unmapCB: unmapCB}
	gm.table.Store(newMemoryTable(nil))
	return gm
}

// SetTable atomically replaces the current set of mapped regions. Callers
// outside this package are expected to call this in response to the
// vhost-user memory-table message; translating this library's Region type
// from the wire message format happens in that external code.
func (gm *GuestMemory) SetTable(regions []MemoryRegion) {
	gm.table.Store(newMemoryTable(regions))
}

// Translate resolves a guest physical address range to a host pointer. The
// returned slice aliases guest memory directly; callers must not retain it
// beyond the lifetime of the descriptor chain it came from.
func (gm *GuestMemory) Translate(gpa uint64, length uint32) ([]byte, error) {
	t := gm.table.Load()
	r, ok := t.find(gpa, length)
	if !ok {
		return nil, fmt.Errorf("%w: gpa=0x%x len=%d", ErrTranslationFailed, gpa, length)
	}
	if length == 0 {
		return nil, nil
	}
	host := r.translate(gpa)
	//goland:noinspection GoVetUnsafePointer
	return unsafe.Slice((*byte)(unsafe.Pointer(host)), length), nil
}

// TranslatePtr resolves a guest physical address range to a raw host
// pointer without constructing a slice, used for overlaying ring/descriptor
// table structures whose length is only known in units other than bytes.
func (gm *GuestMemory) TranslatePtr(gpa uint64, length uint64) (unsafe.Pointer, error) {
	t := gm.table.Load()
	r, ok := t.find(gpa, uint32(min(length, uint64(^uint32(0)))))
	if !ok {
		return nil, fmt.Errorf("%w: gpa=0x%x len=%d", ErrTranslationFailed, gpa, length)
	}
	//goland:noinspection GoVetUnsafePointer
	return unsafe.Pointer(r.translate(gpa)), nil
}

// Ref must be called by a Queue before it begins walking a batch of
// descriptor chains against the table in effect at that moment, and Unref
// once that batch (and any buffer vectors it produced) are no longer
// accessed. It lets device-lifecycle teardown (C7) wait for outstanding
// translations to drain before unmapping regions.
func (gm *GuestMemory) Ref() { gm.refs.Add(1) }

// Unref releases a reference taken by Ref.
func (gm *GuestMemory) Unref() { gm.refs.Add(-1) }

// Idle reports whether there are no outstanding references, meaning it is
// safe to unmap memory behind the current table.
func (gm *GuestMemory) Idle() bool { return gm.refs.Load() == 0 }
