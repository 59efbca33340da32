package vhost

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// usedRingFlag is a flag that describes a UsedRing.
type usedRingFlag uint16

const (
	// usedRingFlagNoNotify is set by the device to advise the driver not to
	// kick it when adding a buffer. This implementation never sets it.
	usedRingFlagNoNotify usedRingFlag = 1 << iota
)

// usedRingSize is the number of bytes needed to store a UsedRing with the
// given queue size in memory.
func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

const usedRingAlignment = 4

// UsedRing is where the device reports completed descriptor chains back to
// the driver. It is written by this side and only read by the driver.
type UsedRing struct {
	// flagsAndIdx packs flags (low 16 bits) and idx (high 16 bits), matching
	// the wire layout; see AvailRing for why they're read/written together.
	flagsAndIdx *uint32
	ring        []UsedElement
	// availEvent is not written by this implementation but reserved to
	// match the memory layout the driver expects.
	availEvent *uint16
}

// newUsedRing overlays a UsedRing onto host memory of exactly
// usedRingSize(queueSize) bytes.
func newUsedRing(queueSize int, mem []byte) *UsedRing {
	size := usedRingSize(queueSize)
	if len(mem) != size {
		panic(fmt.Sprintf("memory size (%d) does not match required size for used ring: %d", len(mem), size))
	}
	return &UsedRing{
		flagsAndIdx: (*uint32)(unsafe.Pointer(&mem[0])),
		ring:        unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		availEvent:  (*uint16)(unsafe.Pointer(&mem[size-2])),
	}
}

func (r *UsedRing) loadIdx() uint16 {
	return uint16(atomic.LoadUint32(r.flagsAndIdx) >> 16)
}

// storeIdx stores a new idx while preserving the current flags, with
// release semantics: any writes to r.ring slots made before this call are
// guaranteed visible to a driver that observes the new idx.
func (r *UsedRing) storeIdx(idx uint16) {
	flags := uint16(atomic.LoadUint32(r.flagsAndIdx))
	atomic.StoreUint32(r.flagsAndIdx, uint32(flags)|uint32(idx)<<16)
}

// Put writes a single UsedElement into the next ring slot and advances idx.
// Callers must have already made all writes into the chain's device-
// writable buffers before calling this, and must Kick/Call the driver
// afterwards.
func (r *UsedRing) Put(id uint16, length uint32) {
	idx := r.loadIdx()
	slot := idx % uint16(len(r.ring))
	r.ring[slot] = UsedElement{ID: uint32(id), Len: length}
	r.storeIdx(idx + 1)
}

// PutBatch writes a batch of UsedElements and advances idx once at the end,
// so the driver observes the whole batch atomically.
func (r *UsedRing) PutBatch(elems []UsedElement) {
	if len(elems) == 0 {
		return
	}
	idx := r.loadIdx()
	for i, e := range elems {
		slot := (idx + uint16(i)) % uint16(len(r.ring))
		r.ring[slot] = e
	}
	r.storeIdx(idx + uint16(len(elems)))
}
