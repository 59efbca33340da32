package vhost

import (
	"fmt"
	"unsafe"
)

// DescriptorFlag is a flag that describes a Descriptor.
type DescriptorFlag uint16

const (
	// DescFlagNext marks a descriptor chain as continuing via the Next
	// field.
	DescFlagNext DescriptorFlag = 1 << iota
	// DescFlagWrite marks a buffer as device write-only (otherwise device
	// read-only).
	DescFlagWrite
	// DescFlagIndirect means the buffer contains a table of further
	// descriptors instead of data. Only one level of indirection is
	// honored; an indirect descriptor found while already walking an
	// indirect table is a protocol violation.
	DescFlagIndirect
)

// descriptorSize is the number of bytes needed to store a Descriptor in
// memory, as laid out by the virtio specification.
const descriptorSize = 16

// Descriptor is a single entry of a split virtqueue's descriptor table, as
// written by the driver. It describes a contiguous range of guest memory,
// either device-readable or device-writable, and optionally continues a
// chain via Next.
type Descriptor struct {
	// Addr is the guest physical address of the buffer.
	Addr uint64
	// Len is the number of bytes at Addr.
	Len uint32
	// Flags describes this descriptor.
	Flags DescriptorFlag
	// Next is the index of the next descriptor continuing this chain, when
	// DescFlagNext is set.
	Next uint16
}

// descriptorTableSize is the number of bytes needed to store a descriptor
// table for the given queue size in memory.
func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// descriptorTableAlignment is the minimum alignment of a descriptor table
// in memory, as required by the virtio spec.
const descriptorTableAlignment = 16

// translateDescriptors resolves a guest-physical descriptor table address
// into a slice of count Descriptors backed directly by guest memory.
func translateDescriptors(gm *GuestMemory, gpa uint64, count int) ([]Descriptor, error) {
	ptr, err := gm.TranslatePtr(gpa, uint64(count*descriptorSize))
	if err != nil {
		return nil, fmt.Errorf("translate descriptor table at 0x%x: %w", gpa, err)
	}
	return unsafe.Slice((*Descriptor)(ptr), count), nil
}
