package vhost

import (
	"fmt"
	"os"
	"sort"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// inflightVersion is the on-disk format version written into every new
// inflight region.
const inflightVersion = 1

// inflightHeaderSize is the padded size of inflightHeader, matching the
// wire layout: four 8-byte counters padded out to a 64-byte cache line so
// the entry table that follows stays aligned regardless of descriptor
// count.
const inflightHeaderSize = 64

// inflightDescEntry is a single per-descriptor-head slot of the inflight
// side table.
type inflightDescEntry struct {
	// Inflight is non-zero while a request for this head has been
	// dequeued but not yet committed.
	Inflight uint64
	// Counter is the monotonically increasing submission sequence number
	// assigned when the head was marked inflight. Used to replay requests
	// in arrival order after a crash.
	Counter uint64
	// Num is the number of buffers in the descriptor chain, kept so replay
	// does not need to re-walk the chain to know its shape.
	Num uint16
	// Next is reserved for future multi-descriptor-head bookkeeping and is
	// not consumed by this implementation.
	Next uint16
	_    uint32
}

const inflightDescEntrySize = 24

// inflightHeader is the fixed-size prefix of the inflight region.
type inflightHeader struct {
	Version    uint64
	DescNum    uint64
	UsedIdx    uint64
	OldUsedIdx uint64
}

// InflightRegion is a crash-safe, memory-mapped side table that records
// which descriptor chains a Queue has dequeued but not yet completed. If
// the process restarts, the per-head Inflight flags identify which heads
// were left inflight, comparing the used ring's idx against the region's
// recorded UsedIdx detects a crash in the middle of a commit, and the
// Counter values give the order to replay the heads in.
type InflightRegion struct {
	mem    []byte
	header *inflightHeader
	descs  []inflightDescEntry

	counter atomic.Uint64
}

// inflightRegionSize returns the number of bytes needed to back an
// InflightRegion for a queue of the given size.
func inflightRegionSize(queueSize int) int {
	return inflightHeaderSize + queueSize*inflightDescEntrySize
}

// NewInflightRegion creates (or reopens) an inflight region of queueSize
// descriptor slots, memory-mapped from path if given or from an anonymous
// mapping otherwise. An anonymous mapping provides no crash safety and
// exists only for tests and for fs devices for which vhost-user does not
// require inflight tracking.
func NewInflightRegion(path string, queueSize int) (*InflightRegion, error) {
	size := inflightRegionSize(queueSize)

	var mem []byte
	var err error
	if path == "" {
		mem, err = unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("mmap anonymous inflight region: %w", err)
		}
	} else {
		f, err2 := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
		if err2 != nil {
			return nil, fmt.Errorf("open inflight region file: %w", err2)
		}
		defer f.Close()

		if err2 = f.Truncate(int64(size)); err2 != nil {
			return nil, fmt.Errorf("size inflight region file: %w", err2)
		}

		mem, err = unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("mmap inflight region file: %w", err)
		}
	}

	ir := &InflightRegion{
		mem:    mem,
		header: (*inflightHeader)(unsafe.Pointer(&mem[0])),
		descs:  unsafe.Slice((*inflightDescEntry)(unsafe.Pointer(&mem[inflightHeaderSize])), queueSize),
	}

	if ir.header.Version == 0 {
		ir.header.Version = inflightVersion
		ir.header.DescNum = uint64(queueSize)
	}

	var maxCounter uint64
	for _, d := range ir.descs {
		if d.Counter > maxCounter {
			maxCounter = d.Counter
		}
	}
	ir.counter.Store(maxCounter)

	return ir, nil
}

// MarkPending records that head has been dequeued and is being processed,
// assigning it the next monotonic counter value. It must be called after
// the chain has been successfully walked (so Num is known) and before the
// caller returns control past the avail-ring consumption point, per the
// ordering invariant that drives crash recovery.
func (ir *InflightRegion) MarkPending(head uint16, num uint16) (uint64, error) {
	if int(head) >= len(ir.descs) {
		return 0, fmt.Errorf("head %d out of range for inflight region of size %d", head, len(ir.descs))
	}
	c := ir.counter.Add(1)
	d := &ir.descs[head]
	d.Num = num
	d.Counter = c
	atomic.StoreUint64(&d.Inflight, 1)
	return c, nil
}

// MarkComplete clears the inflight flag for head. Must be called after the
// completion has been written into the used ring but, per the acquire/
// release ordering invariant, its own write to Inflight and UsedIdx must be
// visible only after that used-ring write, which Queue.Commit guarantees by
// calling this after UsedRing.Put/PutBatch.
func (ir *InflightRegion) MarkComplete(head uint16) error {
	if int(head) >= len(ir.descs) {
		return fmt.Errorf("head %d out of range for inflight region of size %d", head, len(ir.descs))
	}
	atomic.StoreUint64(&ir.descs[head].Inflight, 0)
	atomic.StoreUint64(&ir.header.UsedIdx, atomic.LoadUint64(&ir.header.UsedIdx)+1)
	return nil
}

// PendingEntry is a single descriptor head that Recover found left
// inflight by a previous, now-dead, instance of this process.
type PendingEntry struct {
	Head    uint16
	Counter uint64
	Num     uint16
}

// Recover compares the inflight region's bookkeeping against used's current
// idx and returns every head that was marked pending but never completed,
// in ascending Counter order (the order the driver originally submitted
// them in, which is the order replay must use to keep per-file offsets
// consistent for backends that care about ordering).
//
// If used.idx has advanced past what this region last recorded, a crash
// landed between the used-ring publish and the inflight-clear steps of a
// commit (Queue.Commit's internal ordering): the head that commit was in
// the middle of completing, found at used.ring[(used.idx-1) % qsz], is
// already correctly reflected in the used ring and must not be replayed, so
// its stale inflight bit is cleared here before the resubmit set is
// collected.
func (ir *InflightRegion) Recover(used *UsedRing) []PendingEntry {
	usedIdx := used.loadIdx()
	recorded := atomic.LoadUint64(&ir.header.UsedIdx)

	if uint64(usedIdx) > recorded {
		slot := (usedIdx - 1) % uint16(len(used.ring))
		head := uint16(used.ring[slot].ID)
		if int(head) < len(ir.descs) {
			atomic.StoreUint64(&ir.descs[head].Inflight, 0)
		}
	}

	var pending []PendingEntry
	for head, d := range ir.descs {
		if atomic.LoadUint64(&d.Inflight) != 0 {
			pending = append(pending, PendingEntry{Head: uint16(head), Counter: d.Counter, Num: d.Num})
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Counter < pending[j].Counter })

	atomic.StoreUint64(&ir.header.OldUsedIdx, recorded)
	atomic.StoreUint64(&ir.header.UsedIdx, uint64(usedIdx))
	return pending
}

// Close unmaps the inflight region.
func (ir *InflightRegion) Close() error {
	if ir.mem == nil {
		return nil
	}
	mem := ir.mem
	ir.mem = nil
	return unix.Munmap(mem)
}
