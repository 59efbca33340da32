package vhost

// usedElementSize is the number of bytes needed to store a UsedElement in
// memory.
const usedElementSize = 8

// UsedElement is an entry the device writes into the used ring to report a
// completed descriptor chain back to the driver.
type UsedElement struct {
	// ID is the index of the head of the used descriptor chain in the
	// descriptor table. It is 32-bit here for padding reasons, matching the
	// virtio specification.
	ID uint32
	// Len is the number of bytes the device wrote into the device-writable
	// portion of the buffer described by the chain.
	Len uint32
}
