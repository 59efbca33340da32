package vhost

import "errors"

var (
	// ErrQueueSizeInvalid is returned when a queue size is not a power of 2
	// between 1 and 32768.
	ErrQueueSizeInvalid = errors.New("queue size is invalid")

	// ErrInvalidRingBase is returned by AttachQueue when the descriptor
	// table, available ring or used ring address does not translate to a
	// valid host address through the guest memory map.
	ErrInvalidRingBase = errors.New("ring base address does not translate")

	// ErrInvalidDescriptorChain is returned when a descriptor chain read
	// from the available ring violates the virtio descriptor chain
	// invariants (out of range index, more than one level of indirection,
	// read-only buffer following a write-only one, and so on).
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")

	// ErrDescriptorChainLoop is returned when walking a descriptor chain
	// would require more hops than the queue has descriptors, which can
	// only happen if the chain loops back on itself.
	ErrDescriptorChainLoop = errors.New("descriptor chain contains a loop")

	// ErrQueueBroken is returned by every operation on a Queue once it has
	// observed a protocol violation from the driver. The queue never
	// recovers from this state; it must be detached and reattached.
	ErrQueueBroken = errors.New("virtqueue is broken")

	// ErrTranslationFailed is returned when a guest physical address does
	// not fall within any region of the current memory map.
	ErrTranslationFailed = errors.New("guest physical address does not translate")

	// ErrNoDescriptors is returned by Next when the available ring has no
	// new descriptor chains to offer right now. It is not an error
	// condition, just an indication to stop polling.
	ErrNoDescriptors = errors.New("no descriptor chains available")
)
