package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenplace/relay/pkg/relayerr"
)

func TestAllowWithinBudget(t *testing.T) {
	l := New(WithLimit(BucketSubmit, 3))

	for i := 0; i < 3; i++ {
		assert.NoError(t, l.Allow("fp1", BucketSubmit))
	}

	err := l.Allow("fp1", BucketSubmit)
	require.Error(t, err)
	assert.True(t, relayerr.IsKind(err, relayerr.KindRateLimited))
	assert.Greater(t, relayerr.RetryAfterOf(err), time.Duration(0))
}

func TestWindowSlides(t *testing.T) {
	clock := time.Now()
	l := New(WithLimit(BucketSubmit, 2), WithClock(func() time.Time { return clock }))

	require.NoError(t, l.Allow("fp1", BucketSubmit))
	clock = clock.Add(30 * time.Second)
	require.NoError(t, l.Allow("fp1", BucketSubmit))

	err := l.Allow("fp1", BucketSubmit)
	assert.True(t, relayerr.IsKind(err, relayerr.KindRateLimited))

	// The first event ages out after a full window.
	clock = clock.Add(31 * time.Second)
	assert.NoError(t, l.Allow("fp1", BucketSubmit))
}

func TestBucketsAreIndependent(t *testing.T) {
	l := New(WithLimit(BucketSubmit, 1), WithLimit(BucketStreamRetrieve, 1))

	require.NoError(t, l.Allow("fp1", BucketSubmit))
	assert.Error(t, l.Allow("fp1", BucketSubmit))

	// The stream bucket still has budget.
	assert.NoError(t, l.Allow("fp1", BucketStreamRetrieve))
}

func TestFingerprintsAreIndependent(t *testing.T) {
	l := New(WithLimit(BucketSubmit, 1))

	require.NoError(t, l.Allow("fp1", BucketSubmit))
	assert.Error(t, l.Allow("fp1", BucketSubmit))
	assert.NoError(t, l.Allow("fp2", BucketSubmit))
}

func TestRetryAfterShrinksAsWindowAdvances(t *testing.T) {
	clock := time.Now()
	l := New(WithLimit(BucketSubmit, 1), WithClock(func() time.Time { return clock }))

	require.NoError(t, l.Allow("fp1", BucketSubmit))

	err := l.Allow("fp1", BucketSubmit)
	first := relayerr.RetryAfterOf(err)

	clock = clock.Add(40 * time.Second)
	err = l.Allow("fp1", BucketSubmit)
	second := relayerr.RetryAfterOf(err)

	assert.Less(t, second, first)
}

func TestNegativeLimitDisables(t *testing.T) {
	l := New(WithLimit(BucketSubmit, -1))
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Allow("fp1", BucketSubmit))
	}
}

func TestSweepDropsIdleFingerprints(t *testing.T) {
	clock := time.Now()
	l := New(WithClock(func() time.Time { return clock }))

	require.NoError(t, l.Allow("fp1", BucketSubmit))
	clock = clock.Add(2 * time.Minute)
	l.Sweep()

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Empty(t, l.events)
}
