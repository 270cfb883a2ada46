package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokenplace/relay/pkg/api/handlers"
	"github.com/tokenplace/relay/pkg/config"
)

func TestShutdownFlipsDrainMode(t *testing.T) {
	relay := &handlers.Relay{}
	srv := NewServer(config.ServerConfig{
		Host:          "127.0.0.1",
		Port:          0,
		ShutdownGrace: time.Second,
	}, http.NewServeMux())
	srv.OnShutdown(func() { relay.SetDraining(true) })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	// Give the listener a moment to come up, then trigger shutdown.
	time.Sleep(50 * time.Millisecond)
	require.False(t, relay.Draining())
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop within the grace period")
	}

	// Shutdown hooks run concurrently with the drain.
	assert.Eventually(t, relay.Draining, time.Second, 10*time.Millisecond)
}
