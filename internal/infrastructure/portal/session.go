package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"LabSync/internal/config"
	"LabSync/internal/domain"
	"LabSync/internal/ports"
)

// loginBackoffBase is the first retry delay; tests shrink it.
var loginBackoffBase = time.Second

// session is an authenticated portal browser session. It is owned
// exclusively by the Manager and never escapes it.
type session struct {
	browser   ports.Browser
	createdAt time.Time
	lastUsed  time.Time
}

// Manager owns the one live portal session: login with backoff, idle and
// redirect expiry, and teardown. All navigation through the session is
// serialized; holding the lock across login also makes authentication
// single-flight, so concurrent callers wait on the in-flight attempt
// instead of triggering duplicate logins.
type Manager struct {
	mu      sync.Mutex
	factory ports.BrowserFactory
	cfg     config.PortalConfig
	logger  *slog.Logger
	current *session
}

// NewManager wires the browser factory and portal settings.
func NewManager(factory ports.BrowserFactory, cfg config.PortalConfig, logger *slog.Logger) *Manager {
	return &Manager{factory: factory, cfg: cfg, logger: logger}
}

// With runs fn against a live session, re-authenticating first when the
// session is idle-expired. If fn reports a login redirect
// (domain.ErrSessionExpired), the session is rebuilt and fn retried once.
func (m *Manager) With(ctx context.Context, fn func(ctx context.Context, b ports.Browser) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureSessionLocked(ctx); err != nil {
		return err
	}

	err := fn(ctx, m.current.browser)
	if errors.Is(err, domain.ErrSessionExpired) {
		m.info("portal session expired mid-use, re-authenticating")
		m.destroyLocked()
		if err = m.ensureSessionLocked(ctx); err != nil {
			return err
		}
		err = fn(ctx, m.current.browser)
	}

	// Any use counts against idle expiry, failed fetches included; a
	// session under active load is not idle.
	if m.current != nil {
		m.current.lastUsed = time.Now()
	}
	return err
}

// Close destroys the current session and its browser, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyLocked()
}

func (m *Manager) ensureSessionLocked(ctx context.Context) error {
	idle := m.cfg.IdleTimeout.Std()
	if m.current != nil {
		if idle <= 0 || time.Since(m.current.lastUsed) < idle {
			return nil
		}
		m.info("portal session idle-expired", "idle", idle)
		m.destroyLocked()
	}
	return m.loginLocked(ctx)
}

func (m *Manager) loginLocked(ctx context.Context) error {
	attempts := m.cfg.LoginAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	backoff := loginBackoffBase
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		b, err := m.factory(ctx)
		if err != nil {
			lastErr = fmt.Errorf("%w: open browser: %v", domain.ErrUnavailable, err)
			continue
		}

		if err := m.authenticate(ctx, b); err != nil {
			_ = b.Close()
			lastErr = err
			m.info("portal login attempt failed", "attempt", attempt, "error", err)
			continue
		}

		now := time.Now()
		m.current = &session{browser: b, createdAt: now, lastUsed: now}
		m.info("portal session established")
		return nil
	}

	return fmt.Errorf("login failed after %d attempts: %w", attempts, lastErr)
}

// authenticate submits the login form and verifies the portal navigated
// away from the login page. Staying on it means bad credentials.
func (m *Manager) authenticate(ctx context.Context, b ports.Browser) error {
	loginURL := m.cfg.BaseURL + m.cfg.LoginPath

	if err := b.Navigate(ctx, loginURL); err != nil {
		return fmt.Errorf("%w: navigate login page: %v", domain.ErrUnavailable, err)
	}
	if err := b.WaitVisible(ctx, `input[name="username"]`); err != nil {
		return fmt.Errorf("%w: login form not rendered: %v", domain.ErrUnavailable, err)
	}
	if err := b.Fill(ctx, `input[name="username"]`, m.cfg.Username); err != nil {
		return fmt.Errorf("%w: fill username: %v", domain.ErrUnavailable, err)
	}
	if err := b.Fill(ctx, `input[name="password"]`, m.cfg.Password); err != nil {
		return fmt.Errorf("%w: fill password: %v", domain.ErrUnavailable, err)
	}
	if err := b.Click(ctx, `button[type="submit"]`); err != nil {
		return fmt.Errorf("%w: submit login: %v", domain.ErrUnavailable, err)
	}

	location, err := b.Location(ctx)
	if err != nil {
		return fmt.Errorf("%w: read location after login: %v", domain.ErrUnavailable, err)
	}
	if strings.Contains(location, m.cfg.LoginPath) {
		return domain.ErrAuth
	}
	return nil
}

func (m *Manager) destroyLocked() {
	if m.current == nil {
		return
	}
	if err := m.current.browser.Close(); err != nil {
		m.info("closing portal browser failed", "error", err)
	}
	m.current = nil
}

func (m *Manager) info(msg string, args ...any) {
	if m.logger != nil {
		m.logger.Info(msg, args...)
	}
}
