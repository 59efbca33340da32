package vhost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrfsh/vhostd/blockdev"
	"github.com/wrfsh/vhostd/vhost/eventfd"
	"github.com/wrfsh/vhostd/vhost/queuetest"
)

func TestDevice_BlockEndToEnd(t *testing.T) {
	storage := blockdev.NewMemStorage(64 * 1024)
	dev, err := RegisterBlockDevice(testLogger(), BlockDeviceInfo{
		SocketPath: "/tmp/does-not-matter.sock",
		Serial:     "e2e-test",
		NumQueues:  1,
	}, storage)
	require.NoError(t, err)

	fx := queuetest.New(8, 64*1024)
	kick, err := eventfd.New()
	require.NoError(t, err)
	call, err := eventfd.New()
	require.NoError(t, err)

	// The device owns its own GuestMemory, separate from the fixture's;
	// load the fixture's regions into it before attaching any queue.
	dev.gm.SetTable(fx.Regions())

	_, err = dev.AttachQueue(0, fx.Config(kick.FD(), call.FD(), -1), "")
	require.NoError(t, err)

	require.NoError(t, dev.Start(context.Background()))

	head := fx.BuildChain([]queuetest.IOVec{
		{Data: blkHeader(blkTypeGetID, 0), Dir: queuetest.DeviceRead},
		{Data: make([]byte, blkSerialMaxLen), Dir: queuetest.DeviceWrite},
		{Data: []byte{0xff}, Dir: queuetest.DeviceWrite},
	})
	fx.PublishAvail(head)
	require.NoError(t, kick.Kick())

	require.Eventually(t, func() bool { return fx.UsedIdx() == 1 }, 2*time.Second, time.Millisecond)

	assert.NoError(t, dev.Unregister(context.Background()))
	kick.Close()
	call.Close()
}

func TestDevice_UnregisterIsIdempotent(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	dev, err := RegisterBlockDevice(testLogger(), BlockDeviceInfo{NumQueues: 1}, storage)
	require.NoError(t, err)

	require.NoError(t, dev.Unregister(context.Background()))
	require.NoError(t, dev.Unregister(context.Background()))
}

func TestDevice_AttachQueueAfterCloseFails(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	dev, err := RegisterBlockDevice(testLogger(), BlockDeviceInfo{NumQueues: 1}, storage)
	require.NoError(t, err)
	require.NoError(t, dev.Unregister(context.Background()))

	fx := queuetest.New(4, 4096)
	kick, err := eventfd.New()
	require.NoError(t, err)
	defer kick.Close()
	call, err := eventfd.New()
	require.NoError(t, err)
	defer call.Close()

	_, err = dev.AttachQueue(0, fx.Config(kick.FD(), call.FD(), -1), "")
	assert.ErrorIs(t, err, ErrDeviceClosed)
}

func TestDevice_NumQueuesMustBePositive(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	_, err := RegisterBlockDevice(testLogger(), BlockDeviceInfo{NumQueues: 0}, storage)
	assert.Error(t, err)
}

func TestDevice_StartTwiceFails(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	dev, err := RegisterBlockDevice(testLogger(), BlockDeviceInfo{NumQueues: 1}, storage)
	require.NoError(t, err)
	defer dev.Unregister(context.Background())

	require.NoError(t, dev.Start(context.Background()))
	assert.Error(t, dev.Start(context.Background()))
}
