package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Osminogka/OAuthServer/internal/testutil"
	"github.com/Osminogka/OAuthServer/storage"
	"github.com/Osminogka/OAuthServer/storage/memory"
	storagemock "github.com/Osminogka/OAuthServer/storage/mock"
)

func newFaultyEnv(t *testing.T, mutate func(*Config)) (*testEnv, *storagemock.Store) {
	t.Helper()
	cfg := testConfig()
	cfg.ClientCacheTTL = -1
	if mutate != nil {
		mutate(cfg)
	}

	mem := memory.New()
	t.Cleanup(mem.Stop)
	faulty := storagemock.Wrap(mem)
	return newTestEnvWithStore(t, cfg, faulty, mem), faulty
}

func TestStoreCall_RetriesTransientFailures(t *testing.T) {
	env, faulty := newFaultyEnv(t, nil)
	faulty.FailNext("GetClient", 2, storage.ErrStoreUnavailable)

	client, err := env.srv.GetClient(context.Background(), testutil.TestClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if client.ClientID != testutil.TestClientID {
		t.Errorf("ClientID = %q", client.ClientID)
	}
	if got := faulty.GetCallCount("GetClient"); got != 3 {
		t.Errorf("GetClient calls = %d, want 3", got)
	}
}

func TestStoreCall_ExhaustedRetriesAreTransient(t *testing.T) {
	env, faulty := newFaultyEnv(t, nil)
	faulty.FailNext("GetClient", 3, storage.ErrStoreUnavailable)

	_, err := env.srv.GetClient(context.Background(), testutil.TestClientID)
	if !IsTransient(err) {
		t.Fatalf("GetClient() error = %v, want transient", err)
	}
	if ErrorCode(err) != ErrorCodeTemporarilyUnavailable {
		t.Errorf("ErrorCode() = %q, want temporarily_unavailable", ErrorCode(err))
	}
	if IsClientError(err) {
		t.Error("an outage must not look like an unknown client")
	}
	if got := faulty.GetCallCount("GetClient"); got != 3 {
		t.Errorf("GetClient calls = %d, want 3", got)
	}
}

func TestStoreCall_PermanentErrorsAreNotRetried(t *testing.T) {
	env, faulty := newFaultyEnv(t, nil)
	boom := errors.New("constraint violated")
	faulty.FailNext("GetClient", 1, boom)

	_, err := env.srv.GetClient(context.Background(), testutil.TestClientID)
	if !errors.Is(err, boom) {
		t.Fatalf("GetClient() error = %v, want %v", err, boom)
	}
	if IsTransient(err) {
		t.Error("permanent error reported as transient")
	}
	if got := faulty.GetCallCount("GetClient"); got != 1 {
		t.Errorf("GetClient calls = %d, want 1", got)
	}
}

func TestStoreCall_TimeoutIsRetried(t *testing.T) {
	env, faulty := newFaultyEnv(t, func(c *Config) {
		c.StoreTimeout = 20 * time.Millisecond
	})
	faulty.BeforeFunc = func(ctx context.Context, op string, call int) error {
		if op == "GetClient" && call == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	if _, err := env.srv.GetClient(context.Background(), testutil.TestClientID); err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got := faulty.GetCallCount("GetClient"); got != 2 {
		t.Errorf("GetClient calls = %d, want 2", got)
	}
}

func TestStoreCall_CallerCancellationIsNotRetried(t *testing.T) {
	env, faulty := newFaultyEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	faulty.BeforeFunc = func(context.Context, string, int) error {
		cancel()
		return context.Canceled
	}

	_, err := env.srv.GetClient(ctx, testutil.TestClientID)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("GetClient() error = %v, want context.Canceled", err)
	}
	if got := faulty.GetCallCount("GetClient"); got != 1 {
		t.Errorf("GetClient calls = %d, want 1", got)
	}
}

func TestExchangeAuthorizationCode_RedeemIsNotRetried(t *testing.T) {
	env, faulty := newFaultyEnv(t, nil)
	code, verifier := authorize(t, env, "email")

	faulty.FailNext("AtomicCheckAndMarkAuthCodeUsed", 1, storage.ErrStoreUnavailable)
	_, err := exchange(env, code, verifier)
	if !IsTransient(err) {
		t.Fatalf("ExchangeAuthorizationCode() error = %v, want transient", err)
	}
	if got := faulty.GetCallCount("AtomicCheckAndMarkAuthCodeUsed"); got != 1 {
		t.Errorf("redeem calls = %d, want 1", got)
	}

	// The failed call never reached the store, so the code is still good.
	if _, err := exchange(env, code, verifier); err != nil {
		t.Fatalf("ExchangeAuthorizationCode() after outage error = %v", err)
	}
}

func TestRefreshAccessToken_RotateIsNotRetried(t *testing.T) {
	env, faulty := newFaultyEnv(t, nil)
	code, verifier := authorize(t, env, "email")
	first, err := exchange(env, code, verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	faulty.FailNext("AtomicGetAndDeleteRefreshToken", 1, storage.ErrStoreUnavailable)
	if _, err := refresh(env, first.RefreshToken); !IsTransient(err) {
		t.Fatalf("RefreshAccessToken() error = %v, want transient", err)
	}
	if got := faulty.GetCallCount("AtomicGetAndDeleteRefreshToken"); got != 1 {
		t.Errorf("rotate calls = %d, want 1", got)
	}
}

func TestIssueAuthorizationCode_SaveIsRetried(t *testing.T) {
	env, faulty := newFaultyEnv(t, nil)
	faulty.FailNext("SaveAuthorizationCode", 1, storage.ErrStoreUnavailable)

	code, _ := authorize(t, env, "email")
	if _, err := env.store.GetAuthorizationCode(context.Background(), code); err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if got := faulty.GetCallCount("SaveAuthorizationCode"); got != 2 {
		t.Errorf("SaveAuthorizationCode calls = %d, want 2", got)
	}
}
