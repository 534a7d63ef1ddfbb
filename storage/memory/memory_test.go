package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Osminogka/OAuthServer/instrumentation"
	"github.com/Osminogka/OAuthServer/internal/testutil"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestStore_Conformance(t *testing.T) {
	testutil.RunStoreSuite(t, newTestStore)
}

func TestStore_EncryptsProviderVerifierAtRest(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	s := New()
	defer s.Stop()
	s.SetEncryptor(enc)

	ctx := context.Background()
	pending := testutil.GenerateTestPendingAuthorization()
	if err := s.SavePendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	s.mu.RLock()
	raw := s.pending[pending.ID].ProviderCodeVerifier
	s.mu.RUnlock()

	if raw == pending.ProviderCodeVerifier || !strings.HasPrefix(raw, "enc:v1:") {
		t.Errorf("stored verifier = %q, want ciphertext", raw)
	}

	got, err := s.ConsumePendingAuthorization(ctx, pending.ID)
	if err != nil {
		t.Fatalf("ConsumePendingAuthorization() error = %v", err)
	}
	if got.ProviderCodeVerifier != pending.ProviderCodeVerifier {
		t.Errorf("ProviderCodeVerifier = %q, want %q", got.ProviderCodeVerifier, pending.ProviderCodeVerifier)
	}
}

func TestStore_CallerCannotMutateStoredRecords(t *testing.T) {
	s := New()
	defer s.Stop()
	ctx := context.Background()

	client := testutil.GenerateTestClient()
	if err := s.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	client.RedirectURIs[0] = "https://evil.example.com/cb"

	got, _ := s.GetClient(ctx, client.ClientID)
	if got.RedirectURIs[0] != testutil.TestRedirectURI {
		t.Errorf("stored redirect URI changed to %q", got.RedirectURIs[0])
	}

	got.Scopes = append(got.Scopes, "admin")
	again, _ := s.GetClient(ctx, client.ClientID)
	if len(again.Scopes) != 3 {
		t.Errorf("stored scopes changed to %v", again.Scopes)
	}
}

func TestStore_Cleanup(t *testing.T) {
	s := New()
	defer s.Stop()
	ctx := context.Background()

	expiredCode := testutil.GenerateTestAuthorizationCode()
	expiredCode.ExpiresAt = testutil.Expired()
	liveCode := testutil.GenerateTestAuthorizationCode()

	expiredRT := testutil.GenerateTestRefreshToken()
	expiredRT.ExpiresAt = testutil.Expired()
	liveRT := testutil.GenerateTestRefreshToken()

	for _, c := range []*storage.AuthorizationCode{expiredCode, liveCode} {
		if err := s.SaveAuthorizationCode(ctx, c); err != nil {
			t.Fatalf("SaveAuthorizationCode() error = %v", err)
		}
	}
	for _, rt := range []*storage.RefreshToken{expiredRT, liveRT} {
		if err := s.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken() error = %v", err)
		}
	}

	s.cleanup()

	if _, err := s.GetAuthorizationCode(ctx, expiredCode.Code); !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("expired code survived cleanup: %v", err)
	}
	if _, err := s.GetAuthorizationCode(ctx, liveCode.Code); err != nil {
		t.Errorf("live code removed: %v", err)
	}

	// The expired token's family has no live member left, so its lineage goes too.
	if _, err := s.GetRefreshTokenFamily(ctx, expiredRT.Token); !errors.Is(err, storage.ErrRefreshTokenFamilyNotFound) {
		t.Errorf("expired family survived cleanup: %v", err)
	}
	if _, err := s.GetRefreshTokenFamily(ctx, liveRT.Token); err != nil {
		t.Errorf("live family removed: %v", err)
	}
}

func TestStore_CleanupKeepsRevokedFamilyForRetention(t *testing.T) {
	s := New()
	defer s.Stop()
	ctx := context.Background()

	rt := testutil.GenerateTestRefreshToken()
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if err := s.RevokeRefreshTokenFamily(ctx, rt.FamilyID); err != nil {
		t.Fatalf("RevokeRefreshTokenFamily() error = %v", err)
	}

	s.cleanup()
	family, err := s.GetRefreshTokenFamily(ctx, rt.Token)
	if err != nil || !family.Revoked {
		t.Fatalf("revoked family dropped before retention: %+v, %v", family, err)
	}

	s.mu.Lock()
	s.families[rt.FamilyID].RevokedAt = time.Now().Add(-100 * 24 * time.Hour)
	s.mu.Unlock()

	s.cleanup()
	if _, err := s.GetRefreshTokenFamily(ctx, rt.Token); !errors.Is(err, storage.ErrRefreshTokenFamilyNotFound) {
		t.Errorf("revoked family kept past retention: %v", err)
	}
}

func TestStore_SetInstrumentation(t *testing.T) {
	inst, err := instrumentation.New(instrumentation.Config{Enabled: true})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	s := New()
	defer s.Stop()
	s.SetInstrumentation(inst)

	ctx := context.Background()
	if err := s.CreateClient(ctx, testutil.GenerateTestClient()); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}
	if got := s.clientsCountAtomic.Load(); got != 1 {
		t.Errorf("clients counter = %d, want 1", got)
	}
}

func TestStore_StopIdempotent(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
}
