package channel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryEndPointPairsTwoPeers(t *testing.T) {
	ep, err := AllocateEndPoint("pair-test")
	require.NoError(t, err)
	defer DeallocateEndPoint("pair-test")

	srcA, sinkA, releaseA, err := ep.connect()
	require.NoError(t, err)
	defer releaseA()
	srcB, sinkB, releaseB, err := ep.connect()
	require.NoError(t, err)
	defer releaseB()

	sinkA.Write([]byte("a to b"))
	_, err = sinkA.Flush(context.Background())
	require.NoError(t, err)
	res, err := srcB.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("a to b"), res.Buffer)

	sinkB.Write([]byte("b to a"))
	_, err = sinkB.Flush(context.Background())
	require.NoError(t, err)
	res, err = srcA.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("b to a"), res.Buffer)
}

func TestMemoryEndPointThirdPeerRejected(t *testing.T) {
	ep, err := AllocateEndPoint("three-peers")
	require.NoError(t, err)
	defer DeallocateEndPoint("three-peers")

	_, _, r1, err := ep.connect()
	require.NoError(t, err)
	defer r1()
	_, _, r2, err := ep.connect()
	require.NoError(t, err)
	defer r2()
	_, _, _, err = ep.connect()
	assert.Error(t, err)
}

func TestMemoryEndPointDuplicateAllocation(t *testing.T) {
	_, err := AllocateEndPoint("dup")
	require.NoError(t, err)
	defer DeallocateEndPoint("dup")
	_, err = AllocateEndPoint("dup")
	assert.Error(t, err)
}

func TestMemoryEndPointPeerLeaveKillsPair(t *testing.T) {
	ep, err := AllocateEndPoint("leaver")
	require.NoError(t, err)
	defer DeallocateEndPoint("leaver")

	srcA, _, releaseA, err := ep.connect()
	require.NoError(t, err)
	_, _, releaseB, err := ep.connect()
	require.NoError(t, err)

	releaseB()
	res, err := srcA.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)
	releaseA()

	// The pair slot is free again: two fresh peers can join.
	_, _, r1, err := ep.connect()
	require.NoError(t, err)
	defer r1()
	_, _, r2, err := ep.connect()
	require.NoError(t, err)
	defer r2()
}

func TestMemoryEndPointDeallocateCompletesPipes(t *testing.T) {
	ep, err := AllocateEndPoint("dealloc")
	require.NoError(t, err)
	srcA, _, releaseA, err := ep.connect()
	require.NoError(t, err)
	defer releaseA()

	require.True(t, DeallocateEndPoint("dealloc"))
	assert.False(t, DeallocateEndPoint("dealloc"))

	res, err := srcA.Read(context.Background())
	require.NoError(t, err)
	assert.True(t, res.IsCompleted)

	_, _, _, err = ep.connect()
	assert.Error(t, err)
}
