package session

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/retailgrid/poscore/config"
	"github.com/retailgrid/poscore/users"
)

// Header names attached to authenticated backend requests.
const (
	HeaderUserID       = "X-User-Id"
	HeaderUserName     = "X-User-Name"
	HeaderSessionToken = "X-Session-Token"
)

// Placeholder identity used when no session exists, so callers can always
// attach headers uniformly.
const (
	anonymousUserID   = "0"
	anonymousUserName = "Unknown"
)

// settingsCacheTTL bounds how often the timeout policy is re-fetched from the
// settings collaborator.
const settingsCacheTTL = 5 * time.Minute

// Signals are the outbound events consumed by the UI layer. All fields are
// optional; nil fields are skipped. Signals fire synchronously but never while
// the manager's lock is held, so handlers may call back into the manager.
type Signals struct {
	// Expired fires when the session is forcibly ended (idle expiry or a
	// backend 401). The UI should redirect to the login screen.
	Expired func(reason string)

	// Warning fires once per countdown when remaining time drops to or below
	// the warning threshold. Rendering the prompt is the UI's job; the core
	// never blocks on user input.
	Warning func(remaining time.Duration)

	// WarningCleared fires when an extension lands while a warning is
	// outstanding, so an open warning dialog can be dismissed immediately.
	WarningCleared func()
}

// Manager is the public surface for creating, reading, extending, and clearing
// the process's single session. All mutation goes through the manager; the
// monitor only reads and, on expiry, clears.
type Manager struct {
	storage   Storage
	settings  config.Settings
	issuer    TokenIssuer
	scheduler Scheduler
	signals   Signals
	logger    zerolog.Logger
	nowTime   func() time.Time

	mu             sync.Mutex
	monitor        *Monitor
	cachedTimeout  time.Duration
	timeoutFetched time.Time
}

// ManagerOption defines a function type to modify the Manager instance.
type ManagerOption func(*Manager)

// WithNowTime sets the now time function (primarily for testing).
func WithNowTime(nowFunc func() time.Time) ManagerOption {
	return func(m *Manager) { m.nowTime = nowFunc }
}

// WithTokenIssuer replaces the default crypto/rand token issuer.
func WithTokenIssuer(issuer TokenIssuer) ManagerOption {
	return func(m *Manager) { m.issuer = issuer }
}

// WithScheduler replaces the default timer scheduler (virtual clocks in tests).
func WithScheduler(s Scheduler) ManagerOption {
	return func(m *Manager) { m.scheduler = s }
}

// WithSignals registers the outbound UI signals.
func WithSignals(s Signals) ManagerOption {
	return func(m *Manager) { m.signals = s }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// NewManager initializes a Manager with required dependencies. Optional
// configuration can be provided via options (e.g., WithNowTime for testing).
func NewManager(storage Storage, settings config.Settings, options ...ManagerOption) (*Manager, error) {
	if storage == nil {
		return nil, errors.New("[NewManager] storage is required")
	}
	if settings == nil {
		return nil, errors.New("[NewManager] settings is required")
	}

	m := &Manager{
		storage:   storage,
		settings:  settings,
		issuer:    CryptoTokenIssuer{},
		scheduler: TimerScheduler{},
		logger:    log.Logger,
		nowTime:   time.Now,
	}

	for _, opt := range options {
		opt(m)
	}

	m.monitor = newMonitor(m)
	return m, nil
}

// Monitor returns the manager's expiry monitor.
func (m *Manager) Monitor() *Monitor {
	return m.monitor
}

// CreateSession ends any prior session state (including its monitor loop),
// issues a fresh token, persists the record plus the tamper-check token copy,
// and starts the monitor.
func (m *Manager) CreateSession(ctx context.Context, identity users.Identity) (*Session, error) {
	m.mu.Lock()

	m.monitor.Stop()
	m.clearStorageLocked()

	token, err := m.issuer.Issue()
	if err != nil {
		m.mu.Unlock()
		return nil, errors.Wrap(err, "[CreateSession] issuing token")
	}

	now := m.nowTime()
	timeout := m.sessionTimeoutLocked(ctx)
	sess := &Session{
		UserID:       identity.ID,
		ExternalID:   identity.ExternalID,
		DisplayName:  identity.DisplayName,
		Role:         identity.Role,
		IsManager:    identity.Role.IsManager(),
		LoginTime:    now,
		LastActivity: now,
		ExpiresAt:    now.Add(timeout),
		Token:        token,
	}

	if err := m.persistLocked(sess); err != nil {
		m.mu.Unlock()
		return nil, errors.Wrap(err, "[CreateSession] persisting session")
	}
	m.monitor.Start()
	m.mu.Unlock()

	m.logger.Info().
		Int64("user_id", sess.UserID).
		Str("role", string(sess.Role)).
		Time("expires_at", sess.ExpiresAt).
		Msg("session created")
	return sess, nil
}

// Current returns the live session, or nil if none exists. A missing record,
// missing token copy, token mismatch, or elapsed expiry all clear storage and
// return nil; validity is never cached across mutation.
func (m *Manager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

// Valid reports whether a live session exists.
func (m *Manager) Valid() bool {
	return m.Current() != nil
}

// Extend records user activity consent: LastActivity moves to now and
// ExpiresAt is recomputed from it. Returns false when no session exists.
func (m *Manager) Extend(ctx context.Context) bool {
	return m.extend(ctx, "")
}

// ExtendForAction is Extend triggered by completing a business action (e.g.
// finishing a transaction). The reason is recorded for audit logging only.
func (m *Manager) ExtendForAction(ctx context.Context, reason string) bool {
	return m.extend(ctx, reason)
}

func (m *Manager) extend(ctx context.Context, reason string) bool {
	m.mu.Lock()
	sess := m.currentLocked()
	if sess == nil {
		m.mu.Unlock()
		return false
	}

	now := m.nowTime()
	timeout := m.sessionTimeoutLocked(ctx)
	warned := sess.WarningShown

	sess.LastActivity = now
	sess.ExpiresAt = now.Add(timeout)
	sess.WarningShown = false
	err := m.persistLocked(sess)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Msg("session extend failed to persist")
		return false
	}

	evt := m.logger.Info().Time("expires_at", sess.ExpiresAt)
	if reason != "" {
		evt = evt.Str("reason", reason)
	}
	evt.Msg("session extended")

	// An extension lands while the warning dialog may be open; dismiss it now
	// rather than waiting for the next monitor tick.
	if warned && m.signals.WarningCleared != nil {
		m.signals.WarningCleared()
	}
	return true
}

// Clear deletes both stored keys and cancels the monitor. Used for explicit
// logout.
func (m *Manager) Clear() {
	m.mu.Lock()
	m.monitor.Stop()
	m.clearStorageLocked()
	m.mu.Unlock()
	m.logger.Info().Msg("session cleared")
}

// ForceLogout clears the session and fires the Expired signal. Used when the
// backend rejects the credential regardless of local validity.
func (m *Manager) ForceLogout(reason string) {
	m.mu.Lock()
	m.monitor.Stop()
	m.clearStorageLocked()
	m.mu.Unlock()

	m.logger.Warn().Str("reason", reason).Msg("session force-logged-out")
	if m.signals.Expired != nil {
		m.signals.Expired(reason)
	}
}

// MinutesUntilExpiry returns max(0, floor(remaining/minute)), or 0 when no
// session exists.
func (m *Manager) MinutesUntilExpiry() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.currentLocked()
	if sess == nil {
		return 0
	}
	return int(sess.Remaining(m.nowTime()) / time.Minute)
}

// NeedsExtensionPrompt reports whether the UI should ask the user to extend:
// a session exists and its remaining time is at or below the warning
// threshold. This is a pure decision; rendering the prompt and collecting the
// answer is the UI collaborator's job, and the core never blocks on it.
func (m *Manager) NeedsExtensionPrompt() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.currentLocked()
	if sess == nil {
		return false
	}
	return sess.ExpiresAt.Sub(m.nowTime()) <= warningThreshold
}

// HasPermission reports whether the current session's role grants permission.
// No session grants nothing.
func (m *Manager) HasPermission(permission users.Permission) bool {
	sess := m.Current()
	if sess == nil {
		return false
	}
	return sess.Role.HasPermission(permission)
}

// RequirePermission fails with ErrPermissionDenied when the current session
// (if any) does not grant permission.
func (m *Manager) RequirePermission(permission users.Permission) error {
	if !m.HasPermission(permission) {
		return errors.Wrapf(ErrPermissionDenied, "[RequirePermission] %s", permission)
	}
	return nil
}

// AuthHeaders returns the identity headers for outbound requests. It never
// fails: without a session it returns the zero-identity placeholder set and
// omits the token header entirely.
func (m *Manager) AuthHeaders() map[string]string {
	sess := m.Current()
	if sess == nil {
		return map[string]string{
			HeaderUserID:   anonymousUserID,
			HeaderUserName: anonymousUserName,
		}
	}
	return map[string]string{
		HeaderUserID:       strconv.FormatInt(sess.UserID, 10),
		HeaderUserName:     sess.DisplayName,
		HeaderSessionToken: sess.Token,
	}
}

// ApplyTimeoutPolicy re-reads the timeout from settings (bypassing the cache)
// and rebases the running session's expiry on *now* rather than LastActivity:
// a timeout-policy change is an administrative action, not user activity.
// The monitor restarts so the new deadline is observed promptly.
func (m *Manager) ApplyTimeoutPolicy(ctx context.Context) bool {
	m.mu.Lock()
	sess := m.currentLocked()
	if sess == nil {
		m.mu.Unlock()
		return false
	}

	m.cachedTimeout = 0
	timeout := m.sessionTimeoutLocked(ctx)
	sess.ExpiresAt = m.nowTime().Add(timeout)
	err := m.persistLocked(sess)
	m.monitor.Stop()
	m.monitor.Start()
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Msg("timeout policy change failed to persist")
		return false
	}
	m.logger.Info().Dur("timeout", timeout).Time("expires_at", sess.ExpiresAt).Msg("timeout policy applied")
	return true
}

// currentLocked implements the validity check: both keys present, tokens
// matching, expiry not reached. Any failure clears storage synchronously.
func (m *Manager) currentLocked() *Session {
	raw, ok := m.storage.Get(StorageKeySession)
	if !ok {
		m.clearStorageLocked()
		return nil
	}
	tokenCopy, ok := m.storage.Get(StorageKeyToken)
	if !ok {
		m.clearStorageLocked()
		return nil
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		m.logger.Warn().Err(err).Msg("stored session is corrupt, clearing")
		m.clearStorageLocked()
		return nil
	}
	if sess.Token != tokenCopy {
		m.logger.Warn().Msg("session token mismatch, clearing")
		m.clearStorageLocked()
		return nil
	}
	if !m.nowTime().Before(sess.ExpiresAt) {
		m.clearStorageLocked()
		return nil
	}
	return &sess
}

// peekLocked reads the record without the validity side effects. Used by the
// monitor, which decides expiry itself.
func (m *Manager) peekLocked() *Session {
	raw, ok := m.storage.Get(StorageKeySession)
	if !ok {
		return nil
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil
	}
	return &sess
}

func (m *Manager) persistLocked(sess *Session) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return errors.Wrap(err, "[persistLocked] marshalling session")
	}
	m.storage.Set(StorageKeySession, string(b))
	m.storage.Set(StorageKeyToken, sess.Token)
	return nil
}

func (m *Manager) clearStorageLocked() {
	m.storage.Delete(StorageKeySession)
	m.storage.Delete(StorageKeyToken)
}

// sessionTimeoutLocked fetches the timeout policy, clamping to the minimum,
// falling back to the default on fetch failure, and caching the result for up
// to settingsCacheTTL.
func (m *Manager) sessionTimeoutLocked(ctx context.Context) time.Duration {
	now := m.nowTime()
	if m.cachedTimeout > 0 && now.Sub(m.timeoutFetched) < settingsCacheTTL {
		return m.cachedTimeout
	}

	timeout, err := m.settings.SessionTimeout(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Dur("fallback", config.DefaultSessionTimeout).
			Msg("session timeout fetch failed, using default")
		timeout = config.DefaultSessionTimeout
	}
	if timeout < config.MinSessionTimeout {
		timeout = config.MinSessionTimeout
	}

	m.cachedTimeout = timeout
	m.timeoutFetched = now
	return timeout
}

// Monitor support. These run without the manager lock held by the caller.

func (m *Manager) monitorSnapshot() (remaining time.Duration, warned bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess := m.peekLocked()
	if sess == nil {
		return 0, false, false
	}
	return sess.ExpiresAt.Sub(m.nowTime()), sess.WarningShown, true
}

func (m *Manager) expire() {
	m.mu.Lock()
	m.clearStorageLocked()
	m.mu.Unlock()

	m.logger.Info().Msg("session expired")
	if m.signals.Expired != nil {
		m.signals.Expired("session expired")
	}
}

func (m *Manager) setWarningShown(shown bool) {
	m.mu.Lock()
	sess := m.peekLocked()
	if sess == nil || sess.WarningShown == shown {
		m.mu.Unlock()
		return
	}
	sess.WarningShown = shown
	err := m.persistLocked(sess)
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Msg("warning flag failed to persist")
	}
}

func (m *Manager) signalWarning(remaining time.Duration) {
	if m.signals.Warning != nil {
		m.signals.Warning(remaining)
	}
}
