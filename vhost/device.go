package vhost

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/wrfsh/vhostd/vhost/eventloop"
)

// ErrDeviceClosed is returned from Device methods once Unregister has
// completed.
var ErrDeviceClosed = errors.New("device was unregistered")

// BlockDeviceInfo describes a virtio-blk device to register. The
// vhost-user handshake that negotiates the socket connection and feature
// bits happens outside this library; by the time RegisterBlockDevice is
// called, SocketPath only needs to be recorded for logging/metrics
// purposes and the queues themselves are attached afterwards via
// Device.AttachQueue as SET_VRING_* messages arrive.
type BlockDeviceInfo struct {
	SocketPath  string
	Serial      string
	BlockSize   uint32
	TotalBlocks uint64
	NumQueues   int
	ReadOnly    bool

	// MapCB/UnmapCB are handed to the device's guest memory map, which
	// stores them but never calls them: every region passed to SetTable
	// must already be backed by a host pointer the caller mapped itself.
	MapCB   func(gpa uint64, length uint32) (unsafe.Pointer, error)
	UnmapCB func(gpa uint64, length uint32)
}

// FSDeviceInfo describes a virtio-fs device to register. This library only
// handles the virtqueue/inflight/event-loop plumbing for it; FUSE message
// parsing is the caller-supplied Backend's job.
type FSDeviceInfo struct {
	SocketPath string
	NumQueues  int
	Tag        string
}

// Device ties together a guest memory map, one or more Queues, the event
// loop that drives them, and the request queue/worker that dispatches to a
// Backend. It is the unit that register_blockdev/register_fs hand back.
type Device struct {
	l    *logrus.Logger
	name string

	gm *GuestMemory
	el *eventloop.EventLoop
	rq *RequestQueue

	backend   Backend
	queues    []*Queue
	inflights []*InflightRegion

	mu       sync.Mutex
	started  bool
	closed   bool
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
}

func newDevice(l *logrus.Logger, name string, backend Backend, numQueues int, mapCB func(gpa uint64, length uint32) (unsafe.Pointer, error), unmapCB func(gpa uint64, length uint32)) (_ *Device, err error) {
	if numQueues < 1 {
		return nil, fmt.Errorf("register %s: numQueues must be at least 1, got %d", name, numQueues)
	}

	d := &Device{
		l:       l,
		name:    name,
		gm:      NewGuestMemory(mapCB, unmapCB),
		backend: backend,
		rq:      NewRequestQueue(),
	}

	defer func() {
		if err != nil {
			_ = d.Unregister(context.Background())
		}
	}()

	if d.el, err = eventloop.New(); err != nil {
		return nil, fmt.Errorf("create event loop: %w", err)
	}

	devPtr := d
	runtime.SetFinalizer(devPtr, (*Device).finalize)

	return d, nil
}

// RegisterBlockDevice creates a Device serving virtio-blk requests against
// storage through an internally constructed BlockBackend.
func RegisterBlockDevice(l *logrus.Logger, info BlockDeviceInfo, storage BlockStorage) (*Device, error) {
	backend := NewBlockBackend(storage, info.Serial, info.ReadOnly)
	d, err := newDevice(l, "blk:"+info.SocketPath, backend, info.NumQueues, info.MapCB, info.UnmapCB)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// RegisterFSDevice creates a Device that dispatches every request to the
// caller-supplied Backend, which is expected to speak FUSE-over-virtio.
func RegisterFSDevice(l *logrus.Logger, info FSDeviceInfo, backend Backend) (*Device, error) {
	return newDevice(l, "fs:"+info.Tag, backend, info.NumQueues, nil, nil)
}

// GuestMemory returns the device's guest memory map, for the caller to feed
// SetTable updates into as they arrive over the vhost-user control socket.
func (d *Device) GuestMemory() *GuestMemory { return d.gm }

// AttachQueue builds and registers a new Queue from the given
// configuration, wiring it into this device's event loop so its kick
// eventfd is polled and its completions can be scheduled back onto the
// loop. inflightPath may be empty to use an anonymous (non-crash-safe)
// inflight region.
func (d *Device) AttachQueue(index int, cfg QueueConfig, inflightPath string) (*Queue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDeviceClosed
	}

	inflight, err := NewInflightRegion(inflightPath, cfg.Size)
	if err != nil {
		return nil, fmt.Errorf("create inflight region for queue %d: %w", index, err)
	}

	metrics := NewQueueMetrics(d.name, index)
	q, err := AttachQueue(d.l, d.gm, index, cfg, inflight, metrics)
	if err != nil {
		_ = inflight.Close()
		return nil, err
	}
	q.SetEventLoop(d.el)

	if err = d.el.AddFD(q.KickFD(), d.kickHandler(q)); err != nil {
		_ = q.Close()
		_ = inflight.Close()
		return nil, fmt.Errorf("register kick fd for queue %d: %w", index, err)
	}

	d.queues = append(d.queues, q)
	d.inflights = append(d.inflights, inflight)

	if q.HasReplay() {
		// Requests the inflight region recovered from a previous instance
		// of this process must reach the backend before any new avail
		// entry, independent of whether the driver kicks again after
		// reattaching.
		d.el.ScheduleOneshot(func() { d.drainQueue(q) })
	}

	return q, nil
}

// drainQueue dequeues every request q currently has ready — recovered
// replay entries first, then newly available descriptor chains — and hands
// each to the request queue.
func (d *Device) drainQueue(q *Queue) {
	for {
		req, err := q.Next()
		if errors.Is(err, ErrNoDescriptors) {
			return
		}
		if err != nil {
			logBrokenQueue(d.l, d.name, err)
			return
		}
		if !d.rq.Enqueue(q, d.backend, req) {
			q.Abort(req)
			return
		}
	}
}

// kickHandler returns the event loop callback that drains newly available
// descriptor chains from q and hands them to the request queue.
func (d *Device) kickHandler(q *Queue) eventloop.Callback {
	return func() {
		_ = q.ClearKick()
		d.drainQueue(q)
	}
}

// Start begins running the device's event loop and request-queue worker on
// their own goroutines. It returns immediately.
func (d *Device) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("device already started")
	}
	d.started = true
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.mu.Unlock()

	d.workerWG.Add(2)
	go func() {
		defer d.workerWG.Done()
		if err := d.el.Run(); err != nil && !errors.Is(err, eventloop.ErrTerminated) {
			d.l.WithField("device", d.name).WithError(err).Error("event loop exited with error")
		}
	}()
	go func() {
		defer d.workerWG.Done()
		if err := d.rq.Run(ctx); err != nil && ctx.Err() == nil {
			d.l.WithField("device", d.name).WithError(err).Error("request queue worker exited with error")
		}
	}()

	return nil
}

// Unregister drains outstanding requests and tears the device down.
// Requests already dequeued are allowed to finish (bounded by ctx); no new
// ones are accepted once draining starts.
func (d *Device) Unregister(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	cancel := d.cancel
	el := d.el
	queues := d.queues
	inflights := d.inflights
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if el != nil {
		el.Terminate()
	}

	drained := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		d.l.WithField("device", d.name).WithError(ctx.Err()).Warn("device drain did not complete before deadline")
	}

	var errs []error
	for _, q := range queues {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ir := range inflights {
		if err := ir.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if el != nil {
		if err := el.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	runtime.SetFinalizer(d, nil)
	return errors.Join(errs...)
}

func (d *Device) finalize() {
	_ = d.Unregister(context.Background())
}

func logBrokenQueue(l *logrus.Logger, device string, err error) {
	l.WithField("device", device).WithError(err).Error("virtqueue broke while dequeuing, halting dispatch for this queue")
}
