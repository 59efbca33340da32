package vhost

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/wrfsh/vhostd/util"
	"github.com/wrfsh/vhostd/vhost/eventfd"
	"github.com/wrfsh/vhostd/vhost/eventloop"
)

// QueueConfig describes the guest-supplied addresses of the three parts of
// a split virtqueue, as handed in by the (out of scope) vhost-user
// SET_VRING_ADDR message.
type QueueConfig struct {
	Size       int
	DescAddr   uint64
	AvailAddr  uint64
	UsedAddr   uint64
	KickFD     int
	CallFD     int
	InflightFD int
}

// Request is a single descriptor chain dequeued from a Queue, materialized
// into a buffer vector ready for dispatch to a Backend.
type Request struct {
	Head    uint16
	Bufs    []Buffer
	counter uint64
	q       *Queue
}

// ReadOnly returns the device-readable buffers of the chain, in order.
func (r *Request) ReadOnly() []Buffer {
	var out []Buffer
	for _, b := range r.Bufs {
		if !b.Write {
			out = append(out, b)
		}
	}
	return out
}

// WriteOnly returns the device-writable buffers of the chain, in order.
func (r *Request) WriteOnly() []Buffer {
	var out []Buffer
	for _, b := range r.Bufs {
		if b.Write {
			out = append(out, b)
		}
	}
	return out
}

// Queue is the device side of a single split virtqueue: it consumes
// descriptor chains the driver offers through the available ring, and
// reports completions through the used ring, tracking every submitted but
// not-yet-completed request in an inflight region so a restarted server can
// replay them.
type Queue struct {
	index int
	size  int
	gm    *GuestMemory
	l     *logrus.Logger

	descTable []Descriptor
	avail     *AvailRing
	used      *UsedRing
	inflight  *InflightRegion

	// replay holds heads recovered from the inflight region at attach
	// time, in the ascending-counter order they must be redelivered to
	// the backend in before any new avail entry is consumed.
	replay []PendingEntry

	kick eventfd.EventFD
	call eventfd.EventFD
	el   *eventloop.EventLoop

	mu     sync.Mutex
	broken error

	metrics *queueMetrics
}

// SetEventLoop associates this queue with the event loop that owns it, so
// that CompleteAsync can safely marshal completions back onto that loop's
// goroutine from a worker thread.
func (q *Queue) SetEventLoop(el *eventloop.EventLoop) { q.el = el }

// CompleteAsync schedules req's completion to run on the queue's owning
// event loop, where it is safe to touch the used ring and inflight region
// without additional locking against the loop's own fd callbacks. This is
// how the request queue's worker thread (C6) hands a finished request back
// to the queue that produced it.
func (q *Queue) CompleteAsync(req *Request, length uint32, onDone func(error)) {
	el := q.el
	if el == nil {
		// No event loop wired up (e.g. in unit tests exercising Queue
		// directly): complete synchronously.
		err := q.Commit(req, length)
		if err == nil {
			err = q.Call()
		}
		if onDone != nil {
			onDone(err)
		}
		return
	}
	el.ScheduleOneshot(func() {
		err := q.Commit(req, length)
		if err == nil {
			err = q.Call()
		}
		if onDone != nil {
			onDone(err)
		}
	})
}

// AttachQueue builds a Queue from a QueueConfig, translating all three ring
// addresses through gm. It fails with ErrInvalidRingBase if any of them do
// not resolve to valid guest memory.
//
// The new queue's last_avail starts at the used ring's current idx. If
// inflight is non-nil, this also performs the reattach sequence: invoke
// inflight.Recover to repair any crash-in-commit inconsistency and collect
// the set of heads left outstanding by a previous instance of this process,
// and advance last_avail past them, since they were already taken from the
// avail ring. Those heads are returned from Next, in ascending counter
// order, before any new avail entry is consumed.
func AttachQueue(l *logrus.Logger, gm *GuestMemory, index int, cfg QueueConfig, inflight *InflightRegion, metrics *queueMetrics) (*Queue, error) {
	if err := CheckQueueSize(cfg.Size); err != nil {
		return nil, err
	}

	descTable, err := translateDescriptors(gm, cfg.DescAddr, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: descriptor table: %v", ErrInvalidRingBase, err)
	}

	availPtr, err := gm.TranslatePtr(cfg.AvailAddr, uint64(availRingSize(cfg.Size)))
	if err != nil {
		return nil, fmt.Errorf("%w: available ring: %v", ErrInvalidRingBase, err)
	}
	avail := newAvailRing(cfg.Size, rawBytes(availPtr, availRingSize(cfg.Size)))

	usedPtr, err := gm.TranslatePtr(cfg.UsedAddr, uint64(usedRingSize(cfg.Size)))
	if err != nil {
		return nil, fmt.Errorf("%w: used ring: %v", ErrInvalidRingBase, err)
	}
	used := newUsedRing(cfg.Size, rawBytes(usedPtr, usedRingSize(cfg.Size)))

	kick, err := eventfd.Adopt(cfg.KickFD)
	if err != nil {
		return nil, fmt.Errorf("adopt kick fd: %w", err)
	}
	call, err := eventfd.Adopt(cfg.CallFD)
	if err != nil {
		return nil, fmt.Errorf("adopt call fd: %w", err)
	}

	var replay []PendingEntry
	if inflight != nil {
		replay = inflight.Recover(used)
	}

	// Init last_avail from used.idx plus the recovered heads: a reattaching
	// queue has already consumed every avail entry that the used ring
	// carries a completion for or that is about to be replayed.
	avail.lastIdx = used.loadIdx() + uint16(len(replay))

	q := &Queue{
		index:     index,
		size:      cfg.Size,
		gm:        gm,
		l:         l,
		descTable: descTable,
		avail:     avail,
		used:      used,
		inflight:  inflight,
		replay:    replay,
		kick:      kick,
		call:      call,
		metrics:   metrics,
	}
	return q, nil
}

// HasReplay reports whether the queue still has heads recovered from the
// inflight region waiting to be redelivered to the backend before new
// avail entries are consumed.
func (q *Queue) HasReplay() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.replay) > 0
}

// KickFD returns the file descriptor the event loop (C5) should register to
// be notified when the driver has offered new descriptor chains.
func (q *Queue) KickFD() int { return q.kick.FD() }

// ClearKick must be called after the event loop is woken by KickFD to reset
// the eventfd counter.
func (q *Queue) ClearKick() error { return q.kick.Clear() }

// Call notifies the driver that new entries are available in the used
// ring.
func (q *Queue) Call() error { return q.call.Kick() }

// rawBytes overlays a []byte of length n onto host memory pointed to by p.
// Centralizing this cast keeps unsafe usage for ring overlays in one place.
func rawBytes(p unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(p), n)
}

// markBroken transitions the queue into its sticky error state. Every further
// call returns the same wrapped error until the queue is detached.
func (q *Queue) markBroken(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrQueueBroken, err)
	q.broken = wrapped
	if q.metrics != nil {
		q.metrics.broken.Inc()
	}
	util.LogWithContextIfNeeded("virtqueue protocol violation", util.NewContextualError(
		"virtqueue broken", map[string]any{"queue": q.index}, err), q.l)
	return wrapped
}

// Next dequeues and materializes the next available descriptor chain, or
// returns ErrNoDescriptors if the driver has not offered anything new.
// Recovered heads left outstanding by a previous instance of this process
// are drained first, in ascending counter order, before any new avail
// entry is consumed. Once a chain is successfully returned, the caller
// owns it until it calls Commit or Abort.
func (q *Queue) Next() (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.broken != nil {
		return nil, q.broken
	}

	if len(q.replay) > 0 {
		entry := q.replay[0]
		q.replay = q.replay[1:]

		q.gm.Ref()
		bufs, err := walkChain(q.gm, q.descTable, entry.Head, q.size)
		if err != nil {
			q.gm.Unref()
			return nil, q.markBroken(err)
		}
		if q.metrics != nil {
			q.metrics.dequeued.Inc()
		}
		return &Request{Head: entry.Head, Bufs: bufs, counter: entry.Counter, q: q}, nil
	}

	if q.avail.pending() == 0 {
		return nil, ErrNoDescriptors
	}

	head := q.avail.peek(0)

	q.gm.Ref()
	bufs, err := walkChain(q.gm, q.descTable, head, q.size)
	if err != nil {
		q.gm.Unref()
		return nil, q.markBroken(err)
	}

	var counter uint64
	if q.inflight != nil {
		counter, err = q.inflight.MarkPending(head, chainLen(bufs))
		if err != nil {
			q.gm.Unref()
			return nil, q.markBroken(err)
		}
	}

	q.avail.advance(1)
	if q.metrics != nil {
		q.metrics.dequeued.Inc()
	}

	return &Request{Head: head, Bufs: bufs, counter: counter, q: q}, nil
}

func chainLen(bufs []Buffer) uint16 {
	return uint16(len(bufs))
}

// Commit reports a completed request back to the driver through the used
// ring, clears its inflight entry, and releases the guest-memory reference
// taken while it was being processed. length is the number of bytes written
// into the chain's device-writable buffers.
func (q *Queue) Commit(req *Request, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.broken != nil {
		q.gm.Unref()
		return q.broken
	}

	q.used.Put(req.Head, length)

	if q.inflight != nil {
		if err := q.inflight.MarkComplete(req.Head); err != nil {
			q.gm.Unref()
			return q.markBroken(err)
		}
	}

	q.gm.Unref()
	if q.metrics != nil {
		q.metrics.committed.Inc()
	}
	return nil
}

// CommitBatch is the batched form of Commit, used so a worker draining many
// completions at once only advances the used ring index once, matching the
// atomic-batch visibility Commit gives for a single request.
func (q *Queue) CommitBatch(reqs []*Request, lengths []uint32) error {
	if len(reqs) != len(lengths) {
		return errors.New("reqs and lengths must have the same length")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.broken != nil {
		for range reqs {
			q.gm.Unref()
		}
		return q.broken
	}

	elems := make([]UsedElement, len(reqs))
	for i, r := range reqs {
		elems[i] = UsedElement{ID: uint32(r.Head), Len: lengths[i]}
	}
	q.used.PutBatch(elems)

	if q.inflight != nil {
		for _, r := range reqs {
			if err := q.inflight.MarkComplete(r.Head); err != nil {
				for range reqs {
					q.gm.Unref()
				}
				return q.markBroken(err)
			}
		}
	}

	for range reqs {
		q.gm.Unref()
	}
	if q.metrics != nil {
		q.metrics.committed.Add(float64(len(reqs)))
	}
	return nil
}

// Abort releases a dequeued request without completing it, for use when a
// queue is being torn down with requests still outstanding. It does not
// touch the used ring.
func (q *Queue) Abort(req *Request) {
	q.gm.Unref()
}

// Broken reports the queue's sticky error, if any.
func (q *Queue) Broken() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.broken
}

// Close closes the queue's kick and call EventFD wrappers. Both were adopted
// in AttachQueue, so the underlying file descriptors are left open and stay
// the caller's to close. The descriptor table and rings alias guest memory
// and are not unmapped here; that is the guest-memory map's responsibility.
func (q *Queue) Close() error {
	var errs []error
	if err := q.kick.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close kick fd: %w", err))
	}
	if err := q.call.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close call fd: %w", err))
	}
	return errors.Join(errs...)
}
