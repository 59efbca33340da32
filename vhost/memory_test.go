package vhost

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuestMemory_TranslateWithinRegion(t *testing.T) {
	buf := make([]byte, 256)
	buf[10] = 0xAB

	gm := NewGuestMemory(nil, nil)
	gm.SetTable([]MemoryRegion{
		{GuestPhysAddr: 0x1000, Size: uint64(len(buf)), HostPtr: sliceHostPtr(buf)},
	})

	data, err := gm.Translate(0x1000+10, 4)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), data[0])
}

func TestGuestMemory_TranslateOutOfRange(t *testing.T) {
	buf := make([]byte, 256)
	gm := NewGuestMemory(nil, nil)
	gm.SetTable([]MemoryRegion{
		{GuestPhysAddr: 0x1000, Size: uint64(len(buf)), HostPtr: sliceHostPtr(buf)},
	})

	_, err := gm.Translate(0x1000+250, 16)
	assert.ErrorIs(t, err, ErrTranslationFailed)

	_, err = gm.Translate(0x2000, 1)
	assert.ErrorIs(t, err, ErrTranslationFailed)
}

func TestGuestMemory_TranslateAcrossMultipleRegions(t *testing.T) {
	a := make([]byte, 128)
	b := make([]byte, 128)
	b[0] = 0x42

	gm := NewGuestMemory(nil, nil)
	// Insert out of GPA order to exercise the sort in newMemoryTable.
	gm.SetTable([]MemoryRegion{
		{GuestPhysAddr: 0x5000, Size: uint64(len(b)), HostPtr: sliceHostPtr(b)},
		{GuestPhysAddr: 0x1000, Size: uint64(len(a)), HostPtr: sliceHostPtr(a)},
	})

	data, err := gm.Translate(0x5000, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), data[0])

	// A range that runs past the end of its region must not translate even
	// though its start address falls within it.
	_, err = gm.Translate(0x1000+120, 16)
	assert.ErrorIs(t, err, ErrTranslationFailed)
}

func TestGuestMemory_RefUnrefIdle(t *testing.T) {
	gm := NewGuestMemory(nil, nil)
	assert.True(t, gm.Idle())

	gm.Ref()
	assert.False(t, gm.Idle())

	gm.Ref()
	gm.Unref()
	assert.False(t, gm.Idle())

	gm.Unref()
	assert.True(t, gm.Idle())
}

func TestGuestMemory_SetTableSwapsAtomically(t *testing.T) {
	a := make([]byte, 16)
	gm := NewGuestMemory(nil, nil)
	gm.SetTable([]MemoryRegion{{GuestPhysAddr: 0x1000, Size: uint64(len(a)), HostPtr: sliceHostPtr(a)}})

	_, err := gm.Translate(0x1000, 1)
	require.NoError(t, err)

	gm.SetTable(nil)
	_, err = gm.Translate(0x1000, 1)
	assert.ErrorIs(t, err, ErrTranslationFailed)
}

func sliceHostPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
