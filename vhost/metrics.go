package vhost

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// queueMetrics holds the per-queue counters registered against a
// prometheus.Registerer, labeled by device id and queue index.
type queueMetrics struct {
	dequeued  prometheus.Counter
	committed prometheus.Counter
	broken    prometheus.Counter
}

var (
	dequeuedDesc = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vhostd",
		Subsystem: "virtqueue",
		Name:      "chains_dequeued_total",
		Help:      "Descriptor chains consumed from the available ring.",
	}, []string{"device", "queue"})

	committedDesc = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vhostd",
		Subsystem: "virtqueue",
		Name:      "chains_committed_total",
		Help:      "Descriptor chains reported back through the used ring.",
	}, []string{"device", "queue"})

	brokenDesc = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vhostd",
		Subsystem: "virtqueue",
		Name:      "broken_total",
		Help:      "Number of times a virtqueue transitioned into its broken state.",
	}, []string{"device", "queue"})
)

// RegisterMetrics registers this package's collectors against reg. Call
// once per process; NewQueueMetrics then hands out the per-queue counter
// views.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{dequeuedDesc, committedDesc, brokenDesc} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}

// NewQueueMetrics returns the counter set for one device/queue pair.
func NewQueueMetrics(device string, queue int) *queueMetrics {
	labels := prometheus.Labels{"device": device, "queue": strconv.Itoa(queue)}
	return &queueMetrics{
		dequeued:  dequeuedDesc.With(labels),
		committed: committedDesc.With(labels),
		broken:    brokenDesc.With(labels),
	}
}
