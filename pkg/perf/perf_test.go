package perf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledMonitorRecordsNothing(t *testing.T) {
	m := New(false)
	m.Record("op", time.Millisecond)
	assert.Nil(t, m.Snapshot())
	assert.False(t, m.Enabled())

	// Nil receiver is safe too.
	var nilMon *Monitor
	nilMon.Record("op", time.Millisecond)
	assert.False(t, nilMon.Enabled())
}

func TestSnapshotStats(t *testing.T) {
	m := New(true)
	for i := 1; i <= 100; i++ {
		m.Record("encrypt", time.Duration(i)*time.Millisecond)
	}

	stats := m.Snapshot()
	require.Len(t, stats, 1)
	s := stats[0]
	assert.Equal(t, "encrypt", s.Op)
	assert.Equal(t, uint64(100), s.Count)
	assert.Equal(t, time.Millisecond, s.Min)
	assert.Equal(t, 100*time.Millisecond, s.Max)
	assert.Equal(t, 50*time.Millisecond, s.P50)
	assert.Equal(t, 95*time.Millisecond, s.P95)
}

func TestRingWrapsAtCapacity(t *testing.T) {
	m := New(true)
	for i := 0; i < DefaultRingSize+500; i++ {
		m.Record("decrypt", time.Duration(i))
	}

	stats := m.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(DefaultRingSize+500), stats[0].Count)
	// Early samples have been overwritten.
	assert.GreaterOrEqual(t, stats[0].Min, time.Duration(500))
}

func TestSnapshotSortedByOp(t *testing.T) {
	m := New(true)
	m.Record("b", time.Millisecond)
	m.Record("a", time.Millisecond)

	stats := m.Snapshot()
	require.Len(t, stats, 2)
	assert.Equal(t, "a", stats[0].Op)
	assert.Equal(t, "b", stats[1].Op)
}

func TestReset(t *testing.T) {
	m := New(true)
	m.Record("op", time.Millisecond)
	m.Reset()
	assert.Empty(t, m.Snapshot())
}
