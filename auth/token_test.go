package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speechstream/config"
)

func testConfig(endpoint string) *config.Config {
	return &config.Config{
		SubscriptionKey:            "test-subscription-key",
		AuthEndpoint:               endpoint,
		TokenExpiryMarginS:         300,
		TokenRefreshTimeoutMs:      2000,
		TokenRetryAttempts:         3,
		TokenRetryBackoffMs:        10,
		CircuitBreakerMaxFailures:  10,
		CircuitBreakerResetTimeout: 1,
	}
}

func testManager(endpoint string) *Manager {
	return NewManager(testConfig(endpoint), zerolog.New(io.Discard))
}

func TestAcquire_FetchesAndCachesToken(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if r.Header.Get("Ocp-Apim-Subscription-Key") != "test-subscription-key" {
			t.Errorf("Missing subscription key header")
		}
		w.Header().Set("Expires-In", "600")
		w.Write([]byte("token-1"))
	}))
	defer server.Close()

	m := testManager(server.URL)

	cred, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if cred.Token != "token-1" {
		t.Errorf("Expected token 'token-1', got '%s'", cred.Token)
	}
	if !cred.Valid(DefaultExpiryMargin) {
		t.Error("Expected fresh credential to be valid within margin")
	}

	// Second acquire uses the cache
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Second Acquire() failed: %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("Expected 1 auth request, got %d", n)
	}
}

func TestAcquire_SingleFlight(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		time.Sleep(100 * time.Millisecond) // Hold all callers in one refresh window
		w.Write([]byte("token-shared"))
	}))
	defer server.Close()

	m := testManager(server.URL)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := m.Acquire(context.Background())
			tokens[i] = cred.Token
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("Acquire() %d failed: %v", i, errs[i])
		}
		if tokens[i] != "token-shared" {
			t.Errorf("Caller %d got token '%s', expected 'token-shared'", i, tokens[i])
		}
	}
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("Expected exactly 1 auth request for %d concurrent callers, got %d", callers, n)
	}
}

func TestAcquire_RefreshesWithinExpiryMargin(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		// 4 minutes of validity: inside the 5 minute margin
		w.Header().Set("Expires-In", "240")
		if n == 1 {
			w.Write([]byte("token-short"))
		} else {
			w.Write([]byte("token-refreshed"))
		}
	}))
	defer server.Close()

	m := testManager(server.URL)

	cred, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if cred.Token != "token-short" {
		t.Errorf("Expected 'token-short', got '%s'", cred.Token)
	}

	// The cached credential is within the margin, so the next acquire must
	// trigger exactly one more refresh
	cred, err = m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Second Acquire() failed: %v", err)
	}
	if cred.Token != "token-refreshed" {
		t.Errorf("Expected 'token-refreshed', got '%s'", cred.Token)
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("Expected 2 auth requests, got %d", n)
	}
}

func TestAcquire_RejectedCredentials(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	m := testManager(server.URL)

	_, err := m.Acquire(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthError, got %v", err)
	}
	if authErr.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", authErr.StatusCode)
	}

	// Rejection is not retryable
	if n := atomic.LoadInt32(&requests); n != 1 {
		t.Errorf("Expected 1 auth request for rejected credentials, got %d", n)
	}
}

func TestAcquire_RetriesOnServerError(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&requests, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("token-after-retries"))
	}))
	defer server.Close()

	m := testManager(server.URL)

	cred, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if cred.Token != "token-after-retries" {
		t.Errorf("Expected 'token-after-retries', got '%s'", cred.Token)
	}
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Errorf("Expected 3 auth requests, got %d", n)
	}
}

func TestAcquire_ExhaustedRetryBudget(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := testManager(server.URL)

	_, err := m.Acquire(context.Background())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthError after exhausted retries, got %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 3 {
		t.Errorf("Expected 3 auth requests, got %d", n)
	}
}

func TestAcquire_DefaultTTLWhenUndeclared(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("token-no-ttl"))
	}))
	defer server.Close()

	m := testManager(server.URL)

	cred, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}

	remaining := time.Until(cred.ExpiresAt)
	if remaining < 9*time.Minute || remaining > 10*time.Minute {
		t.Errorf("Expected roughly 10 minutes of validity, got %v", remaining)
	}
}

func TestInvalidate(t *testing.T) {
	var requests int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write([]byte("token"))
	}))
	defer server.Close()

	m := testManager(server.URL)

	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	m.Invalidate()
	if m.Cached().Token != "" {
		t.Error("Expected cached credential to be cleared")
	}
	if _, err := m.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() after invalidate failed: %v", err)
	}
	if n := atomic.LoadInt32(&requests); n != 2 {
		t.Errorf("Expected 2 auth requests, got %d", n)
	}
}

func TestCredential_Valid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name     string
		cred     Credential
		margin   time.Duration
		expected bool
	}{
		{"empty credential", Credential{}, 0, false},
		{"plenty of validity", Credential{Token: "t", ExpiresAt: now.Add(time.Hour)}, 5 * time.Minute, true},
		{"inside margin", Credential{Token: "t", ExpiresAt: now.Add(4 * time.Minute)}, 5 * time.Minute, false},
		{"already expired", Credential{Token: "t", ExpiresAt: now.Add(-time.Minute)}, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cred.Valid(tt.margin); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}
