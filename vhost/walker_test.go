package vhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrfsh/vhostd/vhost/queuetest"
)

func TestWalkChain_WriteThenReadIsRejected(t *testing.T) {
	fx := queuetest.New(4, 4096)

	head := fx.BuildChain([]queuetest.IOVec{
		{Data: make([]byte, 4), Dir: queuetest.DeviceWrite},
		{Data: []byte("a"), Dir: queuetest.DeviceRead},
	})

	descTable, err := translateDescriptors(fx.GM, fx.DescTableAddr(), 4)
	require.NoError(t, err)

	_, err = walkChain(fx.GM, descTable, head, 4)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}

func TestWalkChain_HeadOutOfRange(t *testing.T) {
	fx := queuetest.New(4, 4096)
	descTable, err := translateDescriptors(fx.GM, fx.DescTableAddr(), 4)
	require.NoError(t, err)

	_, err = walkChain(fx.GM, descTable, 99, 4)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}

func TestWalkChain_NestedIndirectIsRejected(t *testing.T) {
	fx := queuetest.New(8, 8192)

	// Build a legitimate indirect chain, then additionally mark its first
	// indirect-table entry as itself indirect, violating the one-level rule.
	head := fx.BuildIndirectChain([]queuetest.IOVec{
		{Data: []byte("a"), Dir: queuetest.DeviceRead},
	})
	fx.MarkIndirectEntryIndirect(head, 0)

	descTable, err := translateDescriptors(fx.GM, fx.DescTableAddr(), 8)
	require.NoError(t, err)

	_, err = walkChain(fx.GM, descTable, head, 8)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}

func TestWalkChain_IndirectWithNextIsRejected(t *testing.T) {
	fx := queuetest.New(4, 4096)

	// An indirect descriptor additionally carrying DescFlagNext is
	// malformed on its own, independent of what its Next field points at.
	head := fx.BuildIndirectChain([]queuetest.IOVec{
		{Data: []byte("a"), Dir: queuetest.DeviceRead},
	})
	fx.Link(head, head)

	descTable, err := translateDescriptors(fx.GM, fx.DescTableAddr(), 4)
	require.NoError(t, err)

	_, err = walkChain(fx.GM, descTable, head, 4)
	assert.ErrorIs(t, err, ErrInvalidDescriptorChain)
}

func TestWalkChain_BoundedHopsCatchesLoop(t *testing.T) {
	fx := queuetest.New(4, 4096)

	head := fx.BuildChain([]queuetest.IOVec{
		{Data: []byte("a"), Dir: queuetest.DeviceRead},
		{Data: []byte("b"), Dir: queuetest.DeviceRead},
	})
	// The second descriptor points back at itself rather than at the head,
	// so only the qsz hop bound stops the walk.
	fx.Link(head+1, head+1)

	descTable, err := translateDescriptors(fx.GM, fx.DescTableAddr(), 4)
	require.NoError(t, err)

	_, err = walkChain(fx.GM, descTable, head, 4)
	assert.ErrorIs(t, err, ErrDescriptorChainLoop)
}
