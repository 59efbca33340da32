// Package vhostd wires the vhost package's device lifecycle, the
// configuration/logging ambient stack, and the reference block storage
// backends together into a runnable server, the way the teacher's root
// package wires its subsystems together behind Main/Control.
package vhostd

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/wrfsh/vhostd/blockdev"
	"github.com/wrfsh/vhostd/config"
	"github.com/wrfsh/vhostd/util"
	"github.com/wrfsh/vhostd/vhost"
)

// Control is the handle Main hands back to the CLI: the set of registered
// devices plus whatever ambient services (metrics) were configured.
type Control struct {
	l       *logrus.Logger
	devices []*vhost.Device
	metrics *http.Server
}

// Main loads every devices[] entry out of c, registers a vhost.Device for
// each, and returns a Control ready to Start. It does not open the
// vhost-user control sockets themselves or speak the handshake that would
// feed SetTable/AttachQueue calls — that protocol layer is explicitly out
// of this library's scope and is expected to live in the caller that drives
// the returned devices.
func Main(c *config.C, configTest bool, buildVersion string, l *logrus.Logger) (*Control, error) {
	if err := configureLogger(l, c); err != nil {
		return nil, util.NewContextualError("failed to configure the logger", nil, err)
	}

	l.WithField("version", buildVersion).Info("vhostd starting")

	if configTest {
		return nil, nil
	}

	reg := prometheus.DefaultRegisterer
	if err := vhost.RegisterMetrics(reg); err != nil {
		return nil, util.NewContextualError("failed to register metrics", nil, err)
	}

	specs, ok := c.Get("devices").([]any)
	if !ok || len(specs) == 0 {
		return nil, util.NewContextualError("no devices configured", nil, nil)
	}

	ctrl := &Control{l: l}

	for i, raw := range specs {
		spec, ok := raw.(map[string]any)
		if !ok {
			return nil, util.NewContextualError("invalid devices entry", map[string]any{"index": i}, nil)
		}

		dev, err := buildDevice(l, spec)
		if err != nil {
			ctrl.shutdownAll(context.Background())
			return nil, util.NewContextualError("failed to build device", map[string]any{"index": i}, err)
		}
		ctrl.devices = append(ctrl.devices, dev)
	}

	if addr := c.GetString("metrics.listen", ""); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		ctrl.metrics = &http.Server{Addr: addr, Handler: mux}
	}

	return ctrl, nil
}

func buildDevice(l *logrus.Logger, spec map[string]any) (*vhost.Device, error) {
	get := func(k, d string) string {
		v, _ := spec[k].(string)
		if v == "" {
			return d
		}
		return v
	}

	switch get("type", "block") {
	case "block":
		numQueues := 1
		if v, ok := spec["queues"].(int); ok && v > 0 {
			numQueues = v
		}

		storage, err := buildBlockStorage(spec)
		if err != nil {
			return nil, err
		}

		info := vhost.BlockDeviceInfo{
			SocketPath: get("socket", ""),
			Serial:     get("serial", "vhostd0"),
			NumQueues:  numQueues,
			ReadOnly:   spec["readonly"] == true,
		}

		return vhost.RegisterBlockDevice(l, info, storage)

	case "fs":
		numQueues := 1
		if v, ok := spec["queues"].(int); ok && v > 0 {
			numQueues = v
		}
		info := vhost.FSDeviceInfo{
			SocketPath: get("socket", ""),
			NumQueues:  numQueues,
			Tag:        get("tag", "vhostd"),
		}
		return vhost.RegisterFSDevice(l, info, noopFSBackend{})

	default:
		return nil, fmt.Errorf("unknown device type %q", spec["type"])
	}
}

func buildBlockStorage(spec map[string]any) (vhost.BlockStorage, error) {
	backend, _ := spec["backend"].(string)
	switch backend {
	case "", "mem":
		sizeMB := 64
		if v, ok := spec["size_mb"].(int); ok && v > 0 {
			sizeMB = v
		}
		return blockdev.NewMemStorage(int64(sizeMB) * 1024 * 1024), nil

	case "file":
		path, _ := spec["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("backend \"file\" requires a path")
		}
		sizeMB := 64
		if v, ok := spec["size_mb"].(int); ok && v > 0 {
			sizeMB = v
		}
		readOnly := spec["readonly"] == true
		return blockdev.OpenFileStorage(path, int64(sizeMB)*1024*1024, readOnly)

	default:
		return nil, fmt.Errorf("unknown block backend %q", backend)
	}
}

// Start brings up every registered device's event loop and request queue,
// plus the metrics endpoint if one was configured.
func (ctrl *Control) Start(ctx context.Context) error {
	for _, d := range ctrl.devices {
		if err := d.Start(ctx); err != nil {
			return err
		}
	}

	if ctrl.metrics != nil {
		go func() {
			if err := ctrl.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				ctrl.l.WithError(err).Error("metrics server exited")
			}
		}()
	}

	return nil
}

// ShutdownBlock stops the metrics endpoint, if any, then drains every device
// bounded by ctx. It does not wait for a termination signal; main.go handles
// the signal itself and calls this afterwards. It is named to mirror the
// teacher's Control.ShutdownBlock, even though here it takes an explicit
// context instead of listening for OS signals itself.
func (ctrl *Control) ShutdownBlock(ctx context.Context) {
	if ctrl.metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = ctrl.metrics.Shutdown(shutdownCtx)
		cancel()
	}
	ctrl.shutdownAll(ctx)
}

func (ctrl *Control) shutdownAll(ctx context.Context) {
	for _, d := range ctrl.devices {
		if err := d.Unregister(ctx); err != nil {
			ctrl.l.WithError(err).Warn("error while unregistering device")
		}
	}
}

type noopFSBackend struct{}

func (noopFSBackend) HandleRequest(ctx context.Context, req *vhost.Request) (uint32, error) {
	return 0, fmt.Errorf("no FUSE backend configured")
}
