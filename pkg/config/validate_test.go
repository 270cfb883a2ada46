package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckProductionSafety(t *testing.T) {
	t.Run("development never refuses", func(t *testing.T) {
		cfg := GetDefaultConfig()
		assert.NoError(t, CheckProductionSafety(cfg))
	})

	t.Run("production with insecure defaults refuses", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Mode = "production"

		err := CheckProductionSafety(cfg)
		require.Error(t, err)

		var ipe *InsecureProductionError
		require.ErrorAs(t, err, &ipe)
		assert.Contains(t, ipe.Missing, "auth.worker_token")
		assert.Contains(t, ipe.Missing, "auth.admin_password_hash")
		assert.Contains(t, ipe.Missing, "auth.jwt_secret")
	})

	t.Run("production with credentials starts", func(t *testing.T) {
		cfg := GetDefaultConfig()
		cfg.Mode = "production"
		cfg.Auth.WorkerToken = "t"
		cfg.Auth.AdminPasswordHash = "$2a$10$hash"
		cfg.Auth.JWTSecret = "s"
		assert.NoError(t, CheckProductionSafety(cfg))
	})
}
