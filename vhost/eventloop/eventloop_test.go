package eventloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrfsh/vhostd/vhost/eventfd"
)

func TestEventLoop_ScheduleOneshotRunsOnLoopGoroutine(t *testing.T) {
	el, err := New()
	require.NoError(t, err)
	defer el.Close()

	done := make(chan struct{})
	go func() {
		err := el.Run()
		assert.ErrorIs(t, err, ErrTerminated)
		close(done)
	}()

	result := make(chan int, 1)
	el.ScheduleOneshot(func() { result <- 42 })

	select {
	case v := <-result:
		assert.Equal(t, 42, v)
	case <-time.After(2 * time.Second):
		t.Fatal("bottom half never ran")
	}

	el.Terminate()
	<-done
}

func TestEventLoop_BottomHalvesRunInOrder(t *testing.T) {
	el, err := New()
	require.NoError(t, err)
	defer el.Close()

	done := make(chan struct{})
	go func() {
		_ = el.Run()
		close(done)
	}()

	var order []int
	results := make(chan []int, 1)
	const n = 50
	for i := 0; i < n; i++ {
		i := i
		el.ScheduleOneshot(func() {
			order = append(order, i)
			if len(order) == n {
				results <- order
			}
		})
	}

	select {
	case got := <-results:
		for i, v := range got {
			assert.Equal(t, i, v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bottom halves never all ran")
	}

	el.Terminate()
	<-done
}

func TestEventLoop_AddFDDispatchesOnReadable(t *testing.T) {
	el, err := New()
	require.NoError(t, err)
	defer el.Close()

	efd, err := eventfd.New()
	require.NoError(t, err)
	defer efd.Close()

	fired := make(chan struct{}, 1)
	el.ScheduleOneshot(func() {
		_ = el.AddFD(efd.FD(), func() {
			_ = efd.Clear()
			fired <- struct{}{}
		})
	})

	done := make(chan struct{})
	go func() {
		_ = el.Run()
		close(done)
	}()

	require.NoError(t, efd.Kick())

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("fd callback never fired")
	}

	el.Terminate()
	<-done
}

func TestEventLoop_TerminateIsIdempotentAndSafeConcurrently(t *testing.T) {
	el, err := New()
	require.NoError(t, err)
	defer el.Close()

	done := make(chan struct{})
	go func() {
		_ = el.Run()
		close(done)
	}()

	el.Terminate()
	el.Terminate()
	<-done
}
