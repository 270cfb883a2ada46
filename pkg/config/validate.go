package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validate checks structural constraints declared in the validate tags
// plus cross-field rules the tags cannot express.
func Validate(cfg *Config) error {
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("field %s failed rule %q", f.Namespace(), f.Tag())
		}
		return err
	}

	if cfg.Relay.PollTimeout >= cfg.Server.WriteTimeout {
		return fmt.Errorf("relay.poll_timeout (%s) must be below server.write_timeout (%s)",
			cfg.Relay.PollTimeout, cfg.Server.WriteTimeout)
	}
	if cfg.Relay.StreamPollTimeout >= cfg.Server.WriteTimeout {
		return fmt.Errorf("relay.stream_poll_timeout (%s) must be below server.write_timeout (%s)",
			cfg.Relay.StreamPollTimeout, cfg.Server.WriteTimeout)
	}
	return nil
}

// InsecureProductionError describes why a production start was refused.
type InsecureProductionError struct {
	Missing []string
}

func (e *InsecureProductionError) Error() string {
	return fmt.Sprintf("production mode refuses insecure defaults; set: %v", e.Missing)
}

// CheckProductionSafety rejects production configurations that leave the
// worker registration or admin surface unauthenticated. The start
// command exits with status 3 on this error.
func CheckProductionSafety(cfg *Config) error {
	if cfg.Mode != "production" {
		return nil
	}

	var missing []string
	if cfg.Auth.WorkerToken == "" {
		missing = append(missing, "auth.worker_token")
	}
	if cfg.Auth.AdminPasswordHash == "" {
		missing = append(missing, "auth.admin_password_hash")
	}
	if cfg.Auth.JWTSecret == "" {
		missing = append(missing, "auth.jwt_secret")
	}
	if len(missing) > 0 {
		return &InsecureProductionError{Missing: missing}
	}
	return nil
}
