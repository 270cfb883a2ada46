package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenplace/relay/pkg/relayerr"
)

// startStream submits a request and has the worker take it.
func startStream(t *testing.T, d *Dispatcher) string {
	t.Helper()
	reqID, err := d.Submit(testClientFP, testEnvelope())
	require.NoError(t, err)
	item, err := d.WorkerPoll(context.Background(), "w1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, item)
	return reqID
}

func TestStreamInOrderDelivery(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"w1"})
	reqID := startStream(t, d)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(i, i == 2)))
	}

	out, err := d.ClientStreamRetrieve(reqID, testClientFP, 0)
	require.NoError(t, err)
	require.Len(t, out.Chunks, 3)
	assert.True(t, out.FinalSeen)
	assert.Equal(t, 3, out.NextIndex)
	for i, c := range out.Chunks {
		assert.Equal(t, i, *c.ChunkIndex)
	}

	// Final chunk handed out: the ticket is gone.
	assert.Equal(t, 0, d.TicketCount())
}

func TestStreamOutOfOrderHeldUntilGapCloses(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"w1"})
	reqID := startStream(t, d)

	// Publish 0 then 2; chunk 2 must be held back.
	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(0, false)))
	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(2, true)))

	out, err := d.ClientStreamRetrieve(reqID, testClientFP, 0)
	require.NoError(t, err)
	require.Len(t, out.Chunks, 1)
	assert.False(t, out.FinalSeen)

	// Closing the gap releases everything in order.
	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(1, false)))

	out, err = d.ClientStreamRetrieve(reqID, testClientFP, 1)
	require.NoError(t, err)
	require.Len(t, out.Chunks, 2)
	assert.Equal(t, 1, *out.Chunks[0].ChunkIndex)
	assert.Equal(t, 2, *out.Chunks[1].ChunkIndex)
	assert.True(t, out.FinalSeen)
}

func TestStreamIncrementalRetrieve(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"w1"})
	reqID := startStream(t, d)

	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(0, false)))

	out, err := d.ClientStreamRetrieve(reqID, testClientFP, 0)
	require.NoError(t, err)
	require.Len(t, out.Chunks, 1)
	assert.Equal(t, 1, out.NextIndex)

	// Nothing new yet.
	out, err = d.ClientStreamRetrieve(reqID, testClientFP, 1)
	require.NoError(t, err)
	assert.Empty(t, out.Chunks)
	assert.Equal(t, 1, out.NextIndex)

	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(1, true)))

	out, err = d.ClientStreamRetrieve(reqID, testClientFP, 1)
	require.NoError(t, err)
	require.Len(t, out.Chunks, 1)
	assert.True(t, out.FinalSeen)
}

func TestStreamGapTimeoutFailsStream(t *testing.T) {
	clock := time.Now()
	d, _ := newTestDispatcher(t, []string{"w1"},
		WithClock(func() time.Time { return clock }),
		WithStreamGapTimeout(10*time.Second))
	reqID := startStream(t, d)

	// Chunk 1 arrives without chunk 0: a gap opens.
	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(1, false)))

	clock = clock.Add(11 * time.Second)
	d.Sweep()

	_, err := d.ClientStreamRetrieve(reqID, testClientFP, 0)
	assert.True(t, relayerr.IsKind(err, relayerr.KindStreamGap))
}

func TestStreamDuplicateChunkIgnored(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"w1"})
	reqID := startStream(t, d)

	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(0, false)))
	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(0, false)))
	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(1, true)))

	out, err := d.ClientStreamRetrieve(reqID, testClientFP, 0)
	require.NoError(t, err)
	assert.Len(t, out.Chunks, 2)
}

func TestStreamRetrieveFingerprintMismatch(t *testing.T) {
	d, _ := newTestDispatcher(t, []string{"w1"})
	reqID := startStream(t, d)

	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(0, false)))

	_, err := d.ClientStreamRetrieve(reqID, "intruder", 0)
	assert.True(t, relayerr.IsKind(err, relayerr.KindUnauthorized))
}

func TestStreamFinalReleasesInFlight(t *testing.T) {
	d, reg := newTestDispatcher(t, []string{"w1"})
	reqID := startStream(t, d)

	w, ok := reg.Get("w1")
	require.True(t, ok)
	require.Equal(t, 1, w.InFlight)

	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(0, false)))
	w, _ = reg.Get("w1")
	assert.Equal(t, 1, w.InFlight)

	require.NoError(t, d.WorkerPublish("w1", reqID, testChunk(1, true)))
	w, _ = reg.Get("w1")
	assert.Equal(t, 0, w.InFlight)
}
