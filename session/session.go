package session

import (
	"time"

	"github.com/pkg/errors"
	"github.com/retailgrid/poscore/users"
)

// Sentinel errors returned by the session layer.
var (
	ErrNoSession        = errors.New("no active session")
	ErrPermissionDenied = errors.New("permission denied")
)

// Session is the single live login record for this process. At most one exists
// in storage at any time; the token is generated once at creation and never
// changes for the session's lifetime.
type Session struct {
	UserID      int64          `json:"user_id"`
	ExternalID  string         `json:"external_id"` // Human-facing identifier (badge / employee code)
	DisplayName string         `json:"display_name"`
	Role        users.RoleType `json:"role"`
	IsManager   bool           `json:"is_manager"` // Derivable from Role, stored for fast checks

	LoginTime    time.Time `json:"login_time"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"` // Always LastActivity + timeout, advanced only by Extend

	Token string `json:"token"` // Opaque credential, checked against the stored copy on every read

	// WarningShown records that the expiry warning fired for the current
	// countdown. Reset by Extend and re-armed by the monitor when remaining
	// time climbs back above the threshold.
	WarningShown bool `json:"warning_shown"`
}

// Remaining returns the time left until expiry relative to now, never negative.
func (s *Session) Remaining(now time.Time) time.Duration {
	remaining := s.ExpiresAt.Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}
