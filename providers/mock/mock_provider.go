// Package mock provides a configurable Provider for tests.
package mock

import (
	"context"
	"net/http"
	"net/url"
	"sync"

	"github.com/Osminogka/OAuthServer/providers"
	"github.com/Osminogka/OAuthServer/storage"
)

// DefaultSubject is the subject returned by the default Authenticate.
const DefaultSubject = "mock-user-123"

// MockProvider is a mock implementation of providers.Provider and
// providers.SessionProvider
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// LoginURLFunc is called when LoginURL() is invoked
	LoginURLFunc func(ctx context.Context, pending *storage.PendingAuthorization, state string) (string, error)

	// AuthenticateFunc is called when Authenticate() is invoked
	AuthenticateFunc func(ctx context.Context, r *http.Request, pending *storage.PendingAuthorization) (*providers.Identity, error)

	// CurrentIdentityFunc is called when CurrentIdentity() is invoked.
	// Nil reports ErrLoginRequired so flows suspend for login.
	CurrentIdentityFunc func(ctx context.Context, r *http.Request, pending *storage.PendingAuthorization) (*providers.Identity, error)

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var (
	_ providers.Provider        = (*MockProvider)(nil)
	_ providers.SessionProvider = (*MockProvider)(nil)
)

// NewMockProvider creates a new mock provider with default implementations
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		LoginURLFunc: func(_ context.Context, _ *storage.PendingAuthorization, state string) (string, error) {
			return "https://login.example.com/login?state=" + url.QueryEscape(state), nil
		},
		AuthenticateFunc: func(_ context.Context, r *http.Request, _ *storage.PendingAuthorization) (*providers.Identity, error) {
			if err := providers.CallbackError(r); err != nil {
				return nil, err
			}
			return &providers.Identity{
				Subject:       DefaultSubject,
				Email:         "mock@example.com",
				EmailVerified: true,
				Name:          "Mock User",
			}, nil
		},
	}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// Release the lock before calling user functions; they may call back into the mock.
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// LoginURL returns the login URL for pending
func (m *MockProvider) LoginURL(ctx context.Context, pending *storage.PendingAuthorization, state string) (string, error) {
	m.mu.Lock()
	m.CallCounts["LoginURL"]++
	fn := m.LoginURLFunc
	m.mu.Unlock()
	if fn == nil {
		return "https://login.example.com/login?state=" + url.QueryEscape(state), nil
	}
	return fn(ctx, pending, state)
}

// Authenticate resolves the callback request
func (m *MockProvider) Authenticate(ctx context.Context, r *http.Request, pending *storage.PendingAuthorization) (*providers.Identity, error) {
	m.mu.Lock()
	m.CallCounts["Authenticate"]++
	fn := m.AuthenticateFunc
	m.mu.Unlock()
	if fn == nil {
		return &providers.Identity{Subject: DefaultSubject}, nil
	}
	return fn(ctx, r, pending)
}

// CurrentIdentity reports an existing session
func (m *MockProvider) CurrentIdentity(ctx context.Context, r *http.Request, pending *storage.PendingAuthorization) (*providers.Identity, error) {
	m.mu.Lock()
	m.CallCounts["CurrentIdentity"]++
	fn := m.CurrentIdentityFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, providers.ErrLoginRequired
	}
	return fn(ctx, r, pending)
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
