// Package mock provides mock implementations of the IdentityProvider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/ptero-auth/providers"
)

// MockProvider is a mock implementation of the IdentityProvider interface for testing
type MockProvider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthenticateFunc is called when Authenticate() is invoked
	AuthenticateFunc func(ctx context.Context, username, password string) error

	// ClaimsFunc is called when Claims() is invoked
	ClaimsFunc func(ctx context.Context, username string, fields []string) (map[string]any, error)

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

var _ providers.IdentityProvider = (*MockProvider)(nil)

// NewMockProvider creates a mock that accepts any user whose password equals
// the username reversed and reports fixed posix and roles claims.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthenticateFunc: func(_ context.Context, username, password string) error {
			if username == "" || password != reverse(username) {
				return providers.ErrInvalidCredentials
			}
			return nil
		},
		ClaimsFunc: func(_ context.Context, username string, fields []string) (map[string]any, error) {
			result := make(map[string]any, len(fields))
			for _, field := range fields {
				switch field {
				case providers.ClaimPosix:
					result[field] = providers.PosixInfo{Username: username, UID: 1000, GID: 1000, Groups: []int{1000}}
				case providers.ClaimRoles:
					result[field] = []string{"users"}
				default:
					return nil, fmt.Errorf("%w: %s", providers.ErrUnknownClaimField, field)
				}
			}
			return result, nil
		},
		HealthCheckFunc: func(context.Context) error {
			return nil
		},
	}
}

func reverse(s string) string {
	r := []rune(s)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	return string(r)
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	// Release lock BEFORE calling user function (it may call other mock methods)
	m.mu.Lock()
	m.CallCounts["Name"]++
	fn := m.NameFunc
	m.mu.Unlock()

	if fn == nil {
		return "mock"
	}
	return fn()
}

// Authenticate verifies a username/password pair
func (m *MockProvider) Authenticate(ctx context.Context, username, password string) error {
	m.mu.Lock()
	m.CallCounts["Authenticate"]++
	fn := m.AuthenticateFunc
	m.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("AuthenticateFunc not configured")
	}
	return fn(ctx, username, password)
}

// Claims returns the requested claim fields
func (m *MockProvider) Claims(ctx context.Context, username string, fields []string) (map[string]any, error) {
	m.mu.Lock()
	m.CallCounts["Claims"]++
	fn := m.ClaimsFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("ClaimsFunc not configured")
	}
	return fn(ctx, username, fields)
}

// HealthCheck verifies the provider is healthy
func (m *MockProvider) HealthCheck(ctx context.Context) error {
	m.mu.Lock()
	m.CallCounts["HealthCheck"]++
	fn := m.HealthCheckFunc
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
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
