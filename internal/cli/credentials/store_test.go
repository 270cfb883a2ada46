package credentials

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		expected  bool
	}{
		{
			name:      "expired in past",
			expiresAt: time.Now().Add(-1 * time.Hour),
			expected:  true,
		},
		{
			name:      "expires soon (within 60s)",
			expiresAt: time.Now().Add(30 * time.Second),
			expected:  true,
		},
		{
			name:      "not expired",
			expiresAt: time.Now().Add(2 * time.Hour),
			expected:  false,
		},
		{
			name:      "zero time is expired",
			expiresAt: time.Time{},
			expected:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &Context{ExpiresAt: tt.expiresAt}
			assert.Equal(t, tt.expected, ctx.IsExpired())
		})
	}
}

func TestStoreOperations(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmpDir)

	store, err := NewStore()
	require.NoError(t, err)

	// Fresh store: nothing current
	_, err = store.GetCurrentContext()
	assert.ErrorIs(t, err, ErrNoCurrentContext)

	// Setting a context makes it current
	ctx := &Context{
		ServerURL:   "http://localhost:5010",
		Username:    "admin",
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.SetContext("default", ctx))
	assert.Equal(t, "default", store.GetCurrentContextName())

	got, err := store.GetCurrentContext()
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Username)
	assert.False(t, got.IsExpired())

	// Config file is written with owner-only permissions
	info, err := os.Stat(filepath.Join(tmpDir, DefaultConfigDir, ConfigFileName))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FilePermissions), info.Mode().Perm())

	// Round-trip through a fresh store
	store2, err := NewStore()
	require.NoError(t, err)
	got2, err := store2.GetCurrentContext()
	require.NoError(t, err)
	assert.Equal(t, "tok", got2.AccessToken)

	// Logout clears the token but keeps the context
	require.NoError(t, store2.ClearCurrentContext())
	got3, err := store2.GetCurrentContext()
	require.NoError(t, err)
	assert.Empty(t, got3.AccessToken)
	assert.True(t, got3.IsExpired())

	// Delete removes the context entirely
	require.NoError(t, store2.DeleteContext("default"))
	_, err = store2.GetCurrentContext()
	assert.Error(t, err)
}

func TestUseUnknownContext(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	store, err := NewStore()
	require.NoError(t, err)

	assert.ErrorIs(t, store.UseContext("missing"), ErrContextNotFound)
	assert.ErrorIs(t, store.DeleteContext("missing"), ErrContextNotFound)
}
