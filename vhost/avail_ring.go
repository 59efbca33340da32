package vhost

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// availRingFlag is a flag that describes an AvailRing.
type availRingFlag uint16

const (
	// availRingFlagNoInterrupt is set by the driver to advise the device to
	// not interrupt it when consuming a buffer. It's unreliable, so it's
	// simply an optimization; this implementation does not act on it
	// itself and leaves interrupt suppression decisions to the caller.
	availRingFlagNoInterrupt availRingFlag = 1 << iota
)

// availRingSize is the number of bytes needed to store an AvailRing with
// the given queue size in memory.
func availRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

const availRingAlignment = 2

// AvailRing is where the driver offers descriptor chains to the device.
// Each ring entry refers to the head of a descriptor chain. It is written by
// the driver and only read by this side.
//
// Because the size of the ring depends on the queue size, there is no
// static Go struct that maps onto it; instead this type holds pointers into
// the guest-memory-backed region. Go has no atomic load for a bare uint16,
// so flags and idx (which sit next to each other at a 4-byte aligned offset
// in the wire layout) are read together as a single uint32 to get the
// acquire semantics the ring protocol requires.
type AvailRing struct {
	flagsAndIdx *uint32
	ring        []uint16
	// usedEvent is not consumed by this implementation but reserved to
	// match the memory layout the driver expects.
	usedEvent *uint16

	// lastIdx is the internal idx up to which all entries have already
	// been consumed by this side.
	lastIdx uint16
}

// newAvailRing overlays an AvailRing onto host memory of exactly
// availRingSize(queueSize) bytes.
func newAvailRing(queueSize int, mem []byte) *AvailRing {
	size := availRingSize(queueSize)
	if len(mem) != size {
		panic(fmt.Sprintf("memory size (%d) does not match required size for avail ring: %d", len(mem), size))
	}
	r := &AvailRing{
		flagsAndIdx: (*uint32)(unsafe.Pointer(&mem[0])),
		ring:        unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		usedEvent:   (*uint16)(unsafe.Pointer(&mem[size-2])),
	}
	return r
}

func (r *AvailRing) loadIdx() uint16 {
	return uint16(atomic.LoadUint32(r.flagsAndIdx) >> 16)
}

func (r *AvailRing) loadFlags() availRingFlag {
	return availRingFlag(atomic.LoadUint32(r.flagsAndIdx))
}

// pending returns the number of descriptor chain heads offered by the
// driver that have not yet been consumed (see advance).
func (r *AvailRing) pending() uint16 {
	return r.loadIdx() - r.lastIdx
}

// peek returns the nth not-yet-consumed head without advancing lastIdx.
func (r *AvailRing) peek(n uint16) uint16 {
	slot := (r.lastIdx + n) % uint16(len(r.ring))
	return r.ring[slot]
}

// advance marks n entries as consumed.
func (r *AvailRing) advance(n uint16) {
	r.lastIdx += n
}
