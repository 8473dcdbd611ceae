package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/lexiqai/speechstream/config"
	"github.com/lexiqai/speechstream/internal/observability"
	"github.com/lexiqai/speechstream/internal/resilience"
)

// DefaultTokenTTL is assumed when the auth endpoint does not declare a
// time-to-live. Service tokens last ten minutes.
const DefaultTokenTTL = 10 * time.Minute

// DefaultExpiryMargin is the minimum remaining validity a credential must
// have to be used for a new connection
const DefaultExpiryMargin = 5 * time.Minute

// AuthError reports a credential rejection or an unreachable auth endpoint
// after the retry budget is exhausted. It is fatal: a session cannot start
// without a credential.
type AuthError struct {
	StatusCode int
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("auth error: endpoint returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("auth error: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Credential is an opaque bearer token with its validity window.
// Credentials are immutable; a refresh replaces the cached value atomically.
type Credential struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the credential retains at least margin of validity
func (c Credential) Valid(margin time.Duration) bool {
	return c.Token != "" && time.Until(c.ExpiresAt) > margin
}

// Manager acquires and refreshes the short-lived bearer credential from the
// auth endpoint. Concurrent Acquire calls during a refresh collapse into one
// outbound request and all receive the same result.
type Manager struct {
	endpoint        string
	subscriptionKey string
	margin          time.Duration
	attemptTimeout  time.Duration
	retry           *resilience.RetryConfig
	breaker         *resilience.CircuitBreaker
	httpClient      *http.Client
	logger          zerolog.Logger

	group singleflight.Group

	mu     sync.RWMutex
	cached Credential
}

// NewManager creates a token manager from the client configuration
func NewManager(cfg *config.Config, logger zerolog.Logger) *Manager {
	return &Manager{
		endpoint:        cfg.AuthEndpoint,
		subscriptionKey: cfg.SubscriptionKey,
		margin:          time.Duration(cfg.TokenExpiryMarginS) * time.Second,
		attemptTimeout:  time.Duration(cfg.TokenRefreshTimeoutMs) * time.Millisecond,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.TokenRetryAttempts,
			InitialBackoff:    time.Duration(cfg.TokenRetryBackoffMs) * time.Millisecond,
			MaxBackoff:        10 * time.Second,
			BackoffMultiplier: 2.0,
		},
		breaker: resilience.NewCircuitBreaker(
			"auth",
			cfg.CircuitBreakerMaxFailures,
			time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second,
		),
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "auth").Logger(),
	}
}

// Acquire returns a valid credential, refreshing synchronously when the
// cached one is absent or inside the expiry margin
func (m *Manager) Acquire(ctx context.Context) (Credential, error) {
	m.mu.RLock()
	cached := m.cached
	m.mu.RUnlock()

	if cached.Valid(m.margin) {
		return cached, nil
	}

	v, err, _ := m.group.Do("refresh", func() (interface{}, error) {
		// Another caller may have completed the refresh while we waited
		m.mu.RLock()
		cached := m.cached
		m.mu.RUnlock()
		if cached.Valid(m.margin) {
			return cached, nil
		}

		cred, err := m.refresh(ctx)
		if err != nil {
			return Credential{}, err
		}

		m.mu.Lock()
		m.cached = cred
		m.mu.Unlock()
		return cred, nil
	})
	if err != nil {
		return Credential{}, err
	}
	return v.(Credential), nil
}

// Invalidate discards the cached credential, forcing the next Acquire to
// refresh. Used when the service rejects a token mid-session.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	m.cached = Credential{}
	m.mu.Unlock()
}

// Cached returns the currently cached credential without refreshing
func (m *Manager) Cached() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cached
}

func (m *Manager) refresh(ctx context.Context) (Credential, error) {
	var cred Credential

	err := resilience.Retry(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.attemptTimeout)
		defer cancel()

		err := m.breaker.Call(func() error {
			c, err := m.fetchToken(attemptCtx)
			if err != nil {
				return err
			}
			cred = c
			return nil
		})

		observability.RecordTokenRefresh(err == nil)
		if err != nil {
			m.logger.Warn().Err(err).Msg("Token refresh attempt failed")
		}
		return err
	}, m.retry, func(err error) bool {
		// Rejected credentials never become valid by retrying
		var authErr *AuthError
		if errors.As(err, &authErr) && (authErr.StatusCode == http.StatusUnauthorized || authErr.StatusCode == http.StatusForbidden) {
			return false
		}
		return true
	})

	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return Credential{}, err
		}
		return Credential{}, &AuthError{Err: err}
	}

	m.logger.Debug().Time("expires_at", cred.ExpiresAt).Msg("Credential refreshed")
	return cred, nil
}

func (m *Manager) fetchToken(ctx context.Context) (Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", m.subscriptionKey)
	req.Header.Set("Content-Length", "0")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Credential{}, &AuthError{StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read token response: %w", err)
	}
	if len(body) == 0 {
		return Credential{}, fmt.Errorf("auth endpoint returned empty token")
	}

	now := time.Now()
	ttl := DefaultTokenTTL
	if header := resp.Header.Get("Expires-In"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			ttl = time.Duration(seconds) * time.Second
		}
	}

	return Credential{
		Token:     string(body),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}, nil
}
