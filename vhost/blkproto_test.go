package vhost

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrfsh/vhostd/blockdev"
)

func blkHeader(typ uint32, sector uint64) []byte {
	b := make([]byte, blkReqHeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], typ)
	binary.LittleEndian.PutUint64(b[8:16], sector)
	return b
}

func TestBlockBackend_Read(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	_, err := storage.WriteAt([]byte("hello, block device"), 512)
	require.NoError(t, err)

	b := NewBlockBackend(storage, "test-serial", true)

	data := make([]byte, 19)
	status := []byte{0xff}
	req := &Request{Bufs: []Buffer{
		{Data: blkHeader(blkTypeIn, 1), Write: false},
		{Data: data, Write: true},
		{Data: status, Write: true},
	}}

	written, err := b.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint32(19), written)
	assert.Equal(t, "hello, block device", string(data))
	assert.Equal(t, blkStatusOK, status[0])
}

func TestBlockBackend_WriteRejectedWhenReadOnly(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	b := NewBlockBackend(storage, "ro", true)

	status := []byte{0xff}
	req := &Request{Bufs: []Buffer{
		{Data: blkHeader(blkTypeOut, 0), Write: false},
		{Data: []byte("payload"), Write: false},
		{Data: status, Write: true},
	}}

	_, err := b.HandleRequest(context.Background(), req)
	require.NoError(t, err) // status byte communicates failure, not a Go error
	assert.Equal(t, blkStatusUnsupp, status[0])
}

func TestBlockBackend_Write(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	b := NewBlockBackend(storage, "rw", false)

	status := []byte{0xff}
	req := &Request{Bufs: []Buffer{
		{Data: blkHeader(blkTypeOut, 2), Write: false},
		{Data: []byte("payload"), Write: false},
		{Data: status, Write: true},
	}}

	written, err := b.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), written)
	assert.Equal(t, blkStatusOK, status[0])

	readBack := make([]byte, 7)
	_, err = storage.ReadAt(readBack, 1024)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(readBack))
}

func TestBlockBackend_Flush(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	b := NewBlockBackend(storage, "flush", false)

	status := []byte{0xff}
	req := &Request{Bufs: []Buffer{
		{Data: blkHeader(blkTypeFlush, 0), Write: false},
		{Data: status, Write: true},
	}}

	_, err := b.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, blkStatusOK, status[0])
}

func TestBlockBackend_GetID(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	b := NewBlockBackend(storage, "my-serial-0", false)

	id := make([]byte, blkSerialMaxLen)
	status := []byte{0xff}
	req := &Request{Bufs: []Buffer{
		{Data: blkHeader(blkTypeGetID, 0), Write: false},
		{Data: id, Write: true},
		{Data: status, Write: true},
	}}

	_, err := b.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, blkStatusOK, status[0])
	assert.Equal(t, "my-serial-0", string(id[:len("my-serial-0")]))
}

func TestBlockBackend_UnknownTypeIsUnsupported(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	b := NewBlockBackend(storage, "x", false)

	status := []byte{0xff}
	req := &Request{Bufs: []Buffer{
		{Data: blkHeader(99, 0), Write: false},
		{Data: status, Write: true},
	}}

	_, err := b.HandleRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, blkStatusUnsupp, status[0])
}

func TestBlockBackend_TooFewBuffersIsRejected(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	b := NewBlockBackend(storage, "x", false)

	req := &Request{Bufs: []Buffer{{Data: blkHeader(blkTypeFlush, 0)}}}
	_, err := b.HandleRequest(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}

func TestBlockBackend_StatusBufferMustBeSingleByte(t *testing.T) {
	storage := blockdev.NewMemStorage(4096)
	b := NewBlockBackend(storage, "x", false)

	req := &Request{Bufs: []Buffer{
		{Data: blkHeader(blkTypeFlush, 0), Write: false},
		{Data: make([]byte, 2), Write: true},
	}}
	_, err := b.HandleRequest(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}
