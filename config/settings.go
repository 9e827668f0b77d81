package config

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Session timeout policy bounds. The minimum exists so a mistyped setting can
// never log cashiers out mid-transaction; the default covers a failed fetch.
const (
	DefaultSessionTimeout = 30 * time.Minute
	MinSessionTimeout     = 5 * time.Minute
)

// Settings supplies tunable policy values to the session layer. Implementations
// may be backed by a remote settings service, the environment, or fixed values;
// callers treat every fetch as potentially failing I/O.
type Settings interface {
	// SessionTimeout returns how long a session stays valid after its last
	// recorded activity.
	SessionTimeout(ctx context.Context) (time.Duration, error)
}

// Static is a Settings implementation with fixed values, used for embedding
// and tests.
type Static struct {
	Timeout time.Duration
}

func (s Static) SessionTimeout(_ context.Context) (time.Duration, error) {
	if s.Timeout <= 0 {
		return 0, errors.New("[Static.SessionTimeout] no timeout configured")
	}
	return s.Timeout, nil
}

// EnvSessionTimeoutVar names the environment variable read by Env.
const EnvSessionTimeoutVar = "POS_SESSION_TIMEOUT_MINUTES"

// Env reads settings from environment variables.
type Env struct{}

func (Env) SessionTimeout(_ context.Context) (time.Duration, error) {
	raw := os.Getenv(EnvSessionTimeoutVar)
	if raw == "" {
		return 0, errors.Errorf("[Env.SessionTimeout] %s not set", EnvSessionTimeoutVar)
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "[Env.SessionTimeout] invalid %s %q", EnvSessionTimeoutVar, raw)
	}
	if minutes <= 0 {
		return 0, errors.Errorf("[Env.SessionTimeout] %s must be positive, got %d", EnvSessionTimeoutVar, minutes)
	}
	return time.Duration(minutes) * time.Minute, nil
}

var (
	_ Settings = Static{}
	_ Settings = Env{}
)
