package vhost

import (
	"fmt"
)

// Buffer is a single device-readable or device-writable range materialized
// from a descriptor, already translated into this process's address space.
type Buffer struct {
	// Data aliases guest memory directly. It must not be retained past the
	// request that produced it.
	Data []byte
	// Write is true when the device may write into Data (the buffer came
	// from a descriptor with DescFlagWrite set).
	Write bool
}

// walkChain walks the descriptor chain starting at head within table,
// resolving indirect tables and buffer addresses through gm, and returns the
// ordered list of buffers the chain describes.
//
// table is the main descriptor table of the queue (already translated into
// host memory). head must be < len(table).
//
// Exactly one level of indirection is honored: a descriptor with
// DescFlagIndirect switches the walk into a second table read out of guest
// memory at that descriptor's address; encountering another indirect
// descriptor while already inside an indirect table is a protocol
// violation. A chain may mix a direct prefix with a single indirect
// descriptor as its tail (the "combined" case), but an indirect descriptor
// may not have DescFlagNext set together with further direct descriptors
// following it outside of its own table.
//
// The walk is bounded to at most qsz hops per table level; exceeding that
// means the chain loops back on itself, since a well-formed chain can never
// visit more descriptors than the table has slots.
func walkChain(gm *GuestMemory, table []Descriptor, head uint16, qsz int) ([]Buffer, error) {
	if int(head) >= len(table) {
		return nil, fmt.Errorf("%w: head index %d out of range", ErrInvalidDescriptorChain, head)
	}

	var bufs []Buffer
	sawWrite := false

	cur := table
	idx := head
	hops := 0
	indirectDepth := 0

	for {
		hops++
		if hops > qsz {
			return nil, fmt.Errorf("%w", ErrDescriptorChainLoop)
		}

		if int(idx) >= len(cur) {
			return nil, fmt.Errorf("%w: index %d out of range", ErrInvalidDescriptorChain, idx)
		}
		desc := cur[idx]

		if desc.Flags&DescFlagIndirect != 0 {
			if desc.Flags&DescFlagNext != 0 {
				return nil, fmt.Errorf("%w: descriptor cannot be both DescFlagNext and DescFlagIndirect", ErrInvalidDescriptorChain)
			}
			if indirectDepth > 0 {
				return nil, fmt.Errorf("%w: nested indirect descriptor", ErrInvalidDescriptorChain)
			}
			if desc.Len == 0 || desc.Len%descriptorSize != 0 {
				return nil, fmt.Errorf("%w: indirect table length %d is not a multiple of %d",
					ErrInvalidDescriptorChain, desc.Len, descriptorSize)
			}

			indirectTable, err := translateDescriptorTable(gm, desc.Addr, int(desc.Len)/descriptorSize)
			if err != nil {
				return nil, fmt.Errorf("%w: indirect table: %v", ErrInvalidDescriptorChain, err)
			}

			cur = indirectTable
			idx = 0
			indirectDepth++
			hops = 0
			continue
		}

		buf, err := materialize(gm, desc)
		if err != nil {
			return nil, err
		}

		if buf.Write {
			sawWrite = true
		} else if sawWrite {
			return nil, fmt.Errorf("%w: read-only buffer follows a write-only one", ErrInvalidDescriptorChain)
		}

		bufs = append(bufs, buf)

		if desc.Flags&DescFlagNext == 0 {
			break
		}

		next := desc.Next
		if next == head && indirectDepth == 0 {
			return nil, fmt.Errorf("%w", ErrDescriptorChainLoop)
		}
		idx = next
	}

	if len(bufs) == 0 {
		return nil, fmt.Errorf("%w: empty descriptor chain", ErrInvalidDescriptorChain)
	}

	return bufs, nil
}

func materialize(gm *GuestMemory, desc Descriptor) (Buffer, error) {
	data, err := gm.Translate(desc.Addr, desc.Len)
	if err != nil {
		return Buffer{}, fmt.Errorf("%w: %v", ErrInvalidDescriptorChain, err)
	}
	return Buffer{Data: data, Write: desc.Flags&DescFlagWrite != 0}, nil
}

func translateDescriptorTable(gm *GuestMemory, gpa uint64, count int) ([]Descriptor, error) {
	return translateDescriptors(gm, gpa, count)
}
