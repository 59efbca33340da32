// Package queuetest builds an anonymous-memory-backed split virtqueue
// (descriptor table, avail ring, used ring; inflight regions are created
// separately with vhost.NewInflightRegion) for exercising
// package vhost without a real hypervisor on the other end of a vhost-user
// socket, mirroring the queue_data test harness the original C++ test suite
// builds in test/virtio/qdata.h.
package queuetest

import (
	"encoding/binary"
	"unsafe"

	"github.com/wrfsh/vhostd/vhost"
)

// Dir is a buffer's direction from the device's point of view, matching
// qdata.h's iodir enum.
type Dir int

const (
	DeviceRead Dir = iota
	DeviceWrite
)

// IOVec describes one buffer to place in a descriptor chain built by
// BuildChain/BuildIndirectChain.
type IOVec struct {
	Data []byte
	Dir  Dir
}

const (
	descFlagNext     = 1
	descFlagWrite    = 2
	descFlagIndirect = 4
)

// Guest physical bases for the fixture's four regions, chosen far enough
// apart that no two overlap regardless of arena/table size used in tests.
const (
	arenaBase     = 0x1000_0000
	descTableBase = 0x2000_0000
	availBase     = 0x3000_0000
	usedBase      = 0x4000_0000
)

// Queue is a complete in-process virtqueue fixture: a single guest memory
// region covering every buffer handed to BuildChain, plus the three ring
// areas, ready to pass to vhost.AttachQueue.
type Queue struct {
	QSize int

	mem       []byte
	descTable []byte
	availMem  []byte
	usedMem   []byte

	arenaOffset  int
	nextFreeDesc uint16

	GM      *vhost.GuestMemory
	regions []vhost.MemoryRegion
}

// New creates a Queue fixture with qsz descriptor slots and a backing guest
// memory arena of arenaSize bytes, all mapped starting at distinct guest
// physical bases.
func New(qsz int, arenaSize int) *Queue {
	q := &Queue{
		QSize:     qsz,
		mem:       make([]byte, arenaSize),
		descTable: make([]byte, qsz*16),
		availMem:  make([]byte, 6+2*qsz),
		usedMem:   make([]byte, 6+8*qsz),
	}

	q.regions = []vhost.MemoryRegion{
		{GuestPhysAddr: arenaBase, Size: uint64(len(q.mem)), HostPtr: sliceAddr(q.mem)},
		{GuestPhysAddr: descTableBase, Size: uint64(len(q.descTable)), HostPtr: sliceAddr(q.descTable)},
		{GuestPhysAddr: availBase, Size: uint64(len(q.availMem)), HostPtr: sliceAddr(q.availMem)},
		{GuestPhysAddr: usedBase, Size: uint64(len(q.usedMem)), HostPtr: sliceAddr(q.usedMem)},
	}

	q.GM = vhost.NewGuestMemory(nil, nil)
	q.GM.SetTable(q.regions)

	return q
}

// Regions returns the fixture's guest memory regions, for a test that needs
// to load them into a different GuestMemory than the fixture's own GM (for
// example a vhost.Device's, which owns its guest memory map independently).
func (q *Queue) Regions() []vhost.MemoryRegion {
	return append([]vhost.MemoryRegion(nil), q.regions...)
}

func sliceAddr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Config returns the QueueConfig a test should pass to vhost.AttachQueue
// for this fixture. kickFD/callFD must be real eventfds (e.g. from
// vhost/eventfd.New) since AttachQueue adopts them.
func (q *Queue) Config(kickFD, callFD, inflightFD int) vhost.QueueConfig {
	return vhost.QueueConfig{
		Size:       q.QSize,
		DescAddr:   descTableBase,
		AvailAddr:  availBase,
		UsedAddr:   usedBase,
		KickFD:     kickFD,
		CallFD:     callFD,
		InflightFD: inflightFD,
	}
}

func putDesc(b []byte, addr uint64, length uint32, flags uint16, next uint16) {
	binary.LittleEndian.PutUint64(b[0:8], addr)
	binary.LittleEndian.PutUint32(b[8:12], length)
	binary.LittleEndian.PutUint16(b[12:14], flags)
	binary.LittleEndian.PutUint16(b[14:16], next)
}

// arenaAlloc carves n bytes off the arena and returns their guest physical
// address plus a Go slice aliasing them directly.
func (q *Queue) arenaAlloc(n int) (uint64, []byte) {
	off := q.arenaOffset
	q.arenaOffset += n
	return arenaBase + uint64(off), q.mem[off : off+n]
}

// BuildChain lays out a direct descriptor chain for the given buffers,
// copying device-read buffer contents into the guest arena, and returns the
// head descriptor index to publish via PublishAvail.
func (q *Queue) BuildChain(vecs []IOVec) uint16 {
	head := q.nextFreeDesc
	prevOff := -1

	for _, v := range vecs {
		idx := q.nextFreeDesc
		q.nextFreeDesc = (q.nextFreeDesc + 1) % uint16(q.QSize)

		gpa, dst := q.arenaAlloc(len(v.Data))
		if v.Dir == DeviceRead {
			copy(dst, v.Data)
		}

		var flags uint16
		if v.Dir == DeviceWrite {
			flags |= descFlagWrite
		}

		off := int(idx) * 16
		putDesc(q.descTable[off:off+16], gpa, uint32(len(v.Data)), flags, 0)

		if prevOff >= 0 {
			prevFlags := binary.LittleEndian.Uint16(q.descTable[prevOff+12 : prevOff+14])
			binary.LittleEndian.PutUint16(q.descTable[prevOff+12:prevOff+14], prevFlags|descFlagNext)
			binary.LittleEndian.PutUint16(q.descTable[prevOff+14:prevOff+16], idx)
		}
		prevOff = off
	}

	return head
}

// BuildIndirectChain writes vecs into a freshly allocated indirect
// descriptor table inside the arena and returns the head index of the
// single direct descriptor that points at it.
func (q *Queue) BuildIndirectChain(vecs []IOVec) uint16 {
	tableGPA, tableDst := q.arenaAlloc(len(vecs) * 16)
	local := make([]byte, len(vecs)*16)

	prevOff := -1
	for i, v := range vecs {
		bufGPA, buf := q.arenaAlloc(len(v.Data))
		if v.Dir == DeviceRead {
			copy(buf, v.Data)
		}

		var flags uint16
		if v.Dir == DeviceWrite {
			flags |= descFlagWrite
		}

		off := i * 16
		putDesc(local[off:off+16], bufGPA, uint32(len(v.Data)), flags, 0)

		if prevOff >= 0 {
			prevFlags := binary.LittleEndian.Uint16(local[prevOff+12 : prevOff+14])
			binary.LittleEndian.PutUint16(local[prevOff+12:prevOff+14], prevFlags|descFlagNext)
			binary.LittleEndian.PutUint16(local[prevOff+14:prevOff+16], uint16(i))
		}
		prevOff = off
	}
	copy(tableDst, local)

	head := q.nextFreeDesc
	q.nextFreeDesc = (q.nextFreeDesc + 1) % uint16(q.QSize)
	off := int(head) * 16
	putDesc(q.descTable[off:off+16], tableGPA, uint32(len(local)), descFlagIndirect, 0)

	return head
}

// Link overwrites the descriptor at tailIdx so its Next field points at
// target with DescFlagNext set, stitching two independently built chains
// together. Pointing target back at an already-visited head creates a cycle
// for loop-detection tests.
func (q *Queue) Link(tailIdx, target uint16) {
	off := int(tailIdx) * 16
	flags := binary.LittleEndian.Uint16(q.descTable[off+12 : off+14])
	binary.LittleEndian.PutUint16(q.descTable[off+12:off+14], flags|descFlagNext)
	binary.LittleEndian.PutUint16(q.descTable[off+14:off+16], target)
}

// DescTableAddr returns the guest physical address of the queue's main
// descriptor table, for tests that need to translate it directly.
func (q *Queue) DescTableAddr() uint64 { return descTableBase }

// MarkIndirectEntryIndirect flips DescFlagIndirect on on the entryIndex'th
// slot of the indirect table that headIdx's descriptor points at, for
// exercising the one-level-of-indirection rejection path.
func (q *Queue) MarkIndirectEntryIndirect(headIdx uint16, entryIndex int) {
	headOff := int(headIdx) * 16
	tableGPA := binary.LittleEndian.Uint64(q.descTable[headOff : headOff+8])
	arenaOff := int(tableGPA - arenaBase)
	entryOff := arenaOff + entryIndex*16 + 12
	flags := binary.LittleEndian.Uint16(q.mem[entryOff : entryOff+2])
	binary.LittleEndian.PutUint16(q.mem[entryOff:entryOff+2], flags|descFlagIndirect)
}

// CorruptDescriptor points descIdx's address/length at something outside
// every mapped region, for out-of-bounds descriptor tests.
func (q *Queue) CorruptDescriptor(descIdx uint16, length uint32) {
	off := int(descIdx) * 16
	putDesc(q.descTable[off:off+16], 0xdead_beef_0000_0000, length, 0, 0)
}

// PublishAvail appends head to the avail ring and advances idx, as the
// driver would after offering a new chain.
func (q *Queue) PublishAvail(head uint16) {
	idx := binary.LittleEndian.Uint16(q.availMem[2:4])
	slot := int(idx) % q.QSize
	binary.LittleEndian.PutUint16(q.availMem[4+slot*2:4+slot*2+2], head)
	binary.LittleEndian.PutUint16(q.availMem[2:4], idx+1)
}

// UsedIdx reads the used ring's current idx, as a driver polling for
// completions would.
func (q *Queue) UsedIdx() uint16 {
	return binary.LittleEndian.Uint16(q.usedMem[2:4])
}
