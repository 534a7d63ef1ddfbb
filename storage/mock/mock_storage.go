// Package mock provides a fault-injecting storage.Store for testing.
package mock

import (
	"context"
	"sync"

	"github.com/Osminogka/OAuthServer/storage"
)

// Store wraps a real store and lets tests make chosen operations fail.
// Operations are keyed by their method name, e.g. "GetClient".
type Store struct {
	inner storage.Store

	mu         sync.Mutex
	CallCounts map[string]int
	// BeforeFunc, when set, runs before every delegated call. A non-nil
	// error is returned without calling the wrapped store.
	BeforeFunc func(ctx context.Context, op string, call int) error
	failures   map[string][]error
}

var _ storage.Store = (*Store)(nil)

// Wrap creates a mock delegating to inner.
func Wrap(inner storage.Store) *Store {
	return &Store{
		inner:      inner,
		CallCounts: make(map[string]int),
		failures:   make(map[string][]error),
	}
}

// FailNext makes the next n calls of op return err.
func (m *Store) FailNext(op string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[op] = append(m.failures[op], err)
	}
}

// GetCallCount returns how many times op was called, failed calls included.
func (m *Store) GetCallCount(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[op]
}

// ResetCallCounts resets all call counters
func (m *Store) ResetCallCounts() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts = make(map[string]int)
}

func (m *Store) before(ctx context.Context, op string) error {
	m.mu.Lock()
	m.CallCounts[op]++
	call := m.CallCounts[op]
	var err error
	if queued := m.failures[op]; len(queued) > 0 {
		err = queued[0]
		m.failures[op] = queued[1:]
	}
	hook := m.BeforeFunc
	m.mu.Unlock()

	if err != nil {
		return err
	}
	if hook != nil {
		return hook(ctx, op, call)
	}
	return nil
}

// ============================================================
// ClientStore
// ============================================================

func (m *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if err := m.before(ctx, "CreateClient"); err != nil {
		return err
	}
	return m.inner.CreateClient(ctx, client)
}

func (m *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if err := m.before(ctx, "SaveClient"); err != nil {
		return err
	}
	return m.inner.SaveClient(ctx, client)
}

func (m *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := m.before(ctx, "GetClient"); err != nil {
		return nil, err
	}
	return m.inner.GetClient(ctx, clientID)
}

func (m *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	if err := m.before(ctx, "ListClients"); err != nil {
		return nil, err
	}
	return m.inner.ListClients(ctx)
}

// ============================================================
// FlowStore
// ============================================================

func (m *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if err := m.before(ctx, "SavePendingAuthorization"); err != nil {
		return err
	}
	return m.inner.SavePendingAuthorization(ctx, pending)
}

func (m *Store) GetPendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	if err := m.before(ctx, "GetPendingAuthorization"); err != nil {
		return nil, err
	}
	return m.inner.GetPendingAuthorization(ctx, id)
}

func (m *Store) ConsumePendingAuthorization(ctx context.Context, id string) (*storage.PendingAuthorization, error) {
	if err := m.before(ctx, "ConsumePendingAuthorization"); err != nil {
		return nil, err
	}
	return m.inner.ConsumePendingAuthorization(ctx, id)
}

func (m *Store) DeletePendingAuthorization(ctx context.Context, id string) error {
	if err := m.before(ctx, "DeletePendingAuthorization"); err != nil {
		return err
	}
	return m.inner.DeletePendingAuthorization(ctx, id)
}

func (m *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if err := m.before(ctx, "SaveAuthorizationCode"); err != nil {
		return err
	}
	return m.inner.SaveAuthorizationCode(ctx, code)
}

func (m *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := m.before(ctx, "GetAuthorizationCode"); err != nil {
		return nil, err
	}
	return m.inner.GetAuthorizationCode(ctx, code)
}

func (m *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if err := m.before(ctx, "AtomicCheckAndMarkAuthCodeUsed"); err != nil {
		return nil, err
	}
	return m.inner.AtomicCheckAndMarkAuthCodeUsed(ctx, code)
}

func (m *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	if err := m.before(ctx, "DeleteAuthorizationCode"); err != nil {
		return err
	}
	return m.inner.DeleteAuthorizationCode(ctx, code)
}

// ============================================================
// TokenStore
// ============================================================

func (m *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	if err := m.before(ctx, "SaveRefreshToken"); err != nil {
		return err
	}
	return m.inner.SaveRefreshToken(ctx, token)
}

func (m *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := m.before(ctx, "GetRefreshToken"); err != nil {
		return nil, err
	}
	return m.inner.GetRefreshToken(ctx, token)
}

func (m *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	if err := m.before(ctx, "AtomicGetAndDeleteRefreshToken"); err != nil {
		return nil, err
	}
	return m.inner.AtomicGetAndDeleteRefreshToken(ctx, token)
}

func (m *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	if err := m.before(ctx, "DeleteRefreshToken"); err != nil {
		return err
	}
	return m.inner.DeleteRefreshToken(ctx, token)
}

func (m *Store) GetRefreshTokenFamily(ctx context.Context, token string) (*storage.RefreshTokenFamilyMetadata, error) {
	if err := m.before(ctx, "GetRefreshTokenFamily"); err != nil {
		return nil, err
	}
	return m.inner.GetRefreshTokenFamily(ctx, token)
}

func (m *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	if err := m.before(ctx, "RevokeRefreshTokenFamily"); err != nil {
		return err
	}
	return m.inner.RevokeRefreshTokenFamily(ctx, familyID)
}

func (m *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if err := m.before(ctx, "RevokeAllTokensForUserClient"); err != nil {
		return 0, err
	}
	return m.inner.RevokeAllTokensForUserClient(ctx, userID, clientID)
}
