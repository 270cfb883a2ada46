package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenplace/relay/pkg/keymgr"
	"github.com/tokenplace/relay/pkg/relayerr"
)

// testPublicKey returns a valid base64-SPKI key for announcements.
func testPublicKey(t *testing.T) string {
	t.Helper()
	m, err := keymgr.New()
	require.NoError(t, err)
	return m.OwnPublicKey()
}

func TestAnnounceUpsertsAndRefreshes(t *testing.T) {
	clock := time.Now()
	r := New(WithClock(func() time.Time { return clock }))
	key := testPublicKey(t)

	snap, err := r.Announce("w1", key, "")
	require.NoError(t, err)
	assert.Equal(t, "w1", snap.ID)
	assert.NotEmpty(t, snap.Fingerprint)
	first := snap.LastSeen

	clock = clock.Add(10 * time.Second)
	snap, err = r.Announce("w1", key, "")
	require.NoError(t, err)
	assert.True(t, snap.LastSeen.After(first))
	assert.Equal(t, 1, r.Count())
}

func TestAnnounceValidation(t *testing.T) {
	r := New(WithAuthToken("sekrit"))
	key := testPublicKey(t)

	_, err := r.Announce("", key, "sekrit")
	assert.True(t, relayerr.IsKind(err, relayerr.KindMissingField))

	_, err = r.Announce("w1", "not a key", "sekrit")
	assert.True(t, relayerr.IsKind(err, relayerr.KindInvalidInput))

	_, err = r.Announce("w1", key, "wrong")
	assert.True(t, relayerr.IsKind(err, relayerr.KindUnauthorized))

	_, err = r.Announce("w1", key, "sekrit")
	assert.NoError(t, err)
}

func TestPickNextRoundRobin(t *testing.T) {
	clock := time.Now()
	r := New(WithClock(func() time.Time { return clock }))
	key := testPublicKey(t)

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Announce(id, key, "")
		require.NoError(t, err)
		clock = clock.Add(time.Millisecond)
	}

	var picked []string
	for i := 0; i < 6; i++ {
		w, err := r.PickNext()
		require.NoError(t, err)
		picked = append(picked, w.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, picked)
}

func TestPickNextRotationBeatsIdleTime(t *testing.T) {
	clock := time.Now()
	r := New(WithClock(func() time.Time { return clock }))
	key := testPublicKey(t)

	_, err := r.Announce("stale", key, "")
	require.NoError(t, err)
	clock = clock.Add(30 * time.Second)
	_, err = r.Announce("fresh", key, "")
	require.NoError(t, err)

	// "stale" has been idle 30s longer, but rotation order decides:
	// once the cursor has moved past it, "fresh" gets the next pick
	// instead of the same worker being selected over and over.
	w, err := r.PickNext()
	require.NoError(t, err)
	assert.Equal(t, "stale", w.ID)

	w, err = r.PickNext()
	require.NoError(t, err)
	assert.Equal(t, "fresh", w.ID)

	w, err = r.PickNext()
	require.NoError(t, err)
	assert.Equal(t, "stale", w.ID)
}

func TestPickNextSkipsSaturatedWorkers(t *testing.T) {
	r := New(WithMaxInFlight(1))
	key := testPublicKey(t)

	_, err := r.Announce("a", key, "")
	require.NoError(t, err)
	_, err = r.Announce("b", key, "")
	require.NoError(t, err)

	r.IncInFlight("a")

	for i := 0; i < 3; i++ {
		w, err := r.PickNext()
		require.NoError(t, err)
		assert.Equal(t, "b", w.ID)
	}

	r.IncInFlight("b")
	_, err = r.PickNext()
	assert.True(t, relayerr.IsKind(err, relayerr.KindNoWorkers))

	r.DecInFlight("a")
	w, err := r.PickNext()
	require.NoError(t, err)
	assert.Equal(t, "a", w.ID)
}

func TestPickNextSkipsDraining(t *testing.T) {
	r := New()
	key := testPublicKey(t)

	_, err := r.Announce("a", key, "")
	require.NoError(t, err)
	require.True(t, r.SetDraining("a", true))

	_, err = r.PickNext()
	assert.True(t, relayerr.IsKind(err, relayerr.KindNoWorkers))

	// Re-announcing clears the drain flag.
	_, err = r.Announce("a", key, "")
	require.NoError(t, err)
	w, err := r.PickNext()
	require.NoError(t, err)
	assert.Equal(t, "a", w.ID)
}

func TestPickNextEmpty(t *testing.T) {
	r := New()
	_, err := r.PickNext()
	assert.True(t, relayerr.IsKind(err, relayerr.KindNoWorkers))
}

func TestReapDropsSilentWorkers(t *testing.T) {
	clock := time.Now()
	r := New(WithClock(func() time.Time { return clock }), WithWorkerTTL(time.Minute))
	key := testPublicKey(t)

	_, err := r.Announce("old", key, "")
	require.NoError(t, err)
	clock = clock.Add(45 * time.Second)
	_, err = r.Announce("new", key, "")
	require.NoError(t, err)

	clock = clock.Add(30 * time.Second) // "old" now 75s silent, "new" 30s

	reaped := r.Reap()
	assert.Equal(t, []string{"old"}, reaped)
	assert.Equal(t, 1, r.Count())

	_, ok := r.Get("old")
	assert.False(t, ok)
	_, ok = r.Get("new")
	assert.True(t, ok)
}

func TestTouchDefersReaping(t *testing.T) {
	clock := time.Now()
	r := New(WithClock(func() time.Time { return clock }), WithWorkerTTL(time.Minute))
	key := testPublicKey(t)

	_, err := r.Announce("w", key, "")
	require.NoError(t, err)

	clock = clock.Add(50 * time.Second)
	r.Touch("w")
	clock = clock.Add(50 * time.Second)

	assert.Empty(t, r.Reap())
	assert.Equal(t, 1, r.Count())
}

func TestUnregister(t *testing.T) {
	r := New()
	key := testPublicKey(t)

	_, err := r.Announce("a", key, "")
	require.NoError(t, err)
	_, err = r.Announce("b", key, "")
	require.NoError(t, err)

	assert.True(t, r.Unregister("a"))
	assert.False(t, r.Unregister("a"))

	w, err := r.PickNext()
	require.NoError(t, err)
	assert.Equal(t, "b", w.ID)
}

func TestListSnapshots(t *testing.T) {
	r := New()
	key := testPublicKey(t)

	_, err := r.Announce("a", key, "")
	require.NoError(t, err)
	_, err = r.Announce("b", key, "")
	require.NoError(t, err)
	r.IncInFlight("b")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, 1, list[1].InFlight)
}
