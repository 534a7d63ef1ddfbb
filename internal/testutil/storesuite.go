package testutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Osminogka/OAuthServer/storage"
)

// RunStoreSuite runs the behaviour every storage.Store back-end must share.
// newStore is called once per subtest and must return an empty store.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Helper()

	t.Run("CreateClient", func(t *testing.T) { testCreateClient(t, newStore(t)) })
	t.Run("SaveClientReplaces", func(t *testing.T) { testSaveClientReplaces(t, newStore(t)) })
	t.Run("PendingAuthorizationSingleUse", func(t *testing.T) { testPendingSingleUse(t, newStore(t)) })
	t.Run("PendingAuthorizationExpired", func(t *testing.T) { testPendingExpired(t, newStore(t)) })
	t.Run("RedeemCodeOnce", func(t *testing.T) { testRedeemOnce(t, newStore(t)) })
	t.Run("RedeemExpiredCode", func(t *testing.T) { testRedeemExpired(t, newStore(t)) })
	t.Run("RedeemUnknownCode", func(t *testing.T) { testRedeemUnknown(t, newStore(t)) })
	t.Run("ConcurrentRedeem", func(t *testing.T) { testConcurrentRedeem(t, newStore(t)) })
	t.Run("RefreshTokenRotation", func(t *testing.T) { testRefreshRotation(t, newStore(t)) })
	t.Run("ExpiredRefreshToken", func(t *testing.T) { testRefreshExpired(t, newStore(t)) })
	t.Run("ConcurrentRotation", func(t *testing.T) { testConcurrentRotation(t, newStore(t)) })
	t.Run("NoGraceAfterExpiry", func(t *testing.T) { testNoGraceAfterExpiry(t, newStore(t)) })
	t.Run("ResaveRefreshToken", func(t *testing.T) { testResaveRefreshToken(t, newStore(t)) })
	t.Run("RevokeFamily", func(t *testing.T) { testRevokeFamily(t, newStore(t)) })
	t.Run("RevokeAllForUserClient", func(t *testing.T) { testRevokeAllForUserClient(t, newStore(t)) })
}

func testCreateClient(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client := GenerateTestClient()

	if err := s.CreateClient(ctx, client); err != nil {
		t.Fatalf("CreateClient() error = %v", err)
	}

	err := s.CreateClient(ctx, GenerateTestClient())
	if !errors.Is(err, storage.ErrClientExists) {
		t.Fatalf("second CreateClient() error = %v, want ErrClientExists", err)
	}

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientType != storage.ClientTypePublic || !got.RequirePKCE {
		t.Errorf("GetClient() = %+v", got)
	}
	if len(got.RedirectURIs) != 1 || got.RedirectURIs[0] != TestRedirectURI {
		t.Errorf("RedirectURIs = %v", got.RedirectURIs)
	}
	if len(got.Scopes) != 3 {
		t.Errorf("Scopes = %v", got.Scopes)
	}

	if _, err := s.GetClient(ctx, "missing"); !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("GetClient(missing) error = %v, want ErrClientNotFound", err)
	}

	clients, err := s.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(clients) != 1 {
		t.Errorf("ListClients() returned %d clients, want 1", len(clients))
	}
}

func testSaveClientReplaces(t *testing.T, s storage.Store) {
	ctx := context.Background()
	client := GenerateTestClient()
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	client.ClientName = "Renamed"
	client.Scopes = []string{"email"}
	if err := s.SaveClient(ctx, client); err != nil {
		t.Fatalf("SaveClient() update error = %v", err)
	}

	got, err := s.GetClient(ctx, client.ClientID)
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got.ClientName != "Renamed" || len(got.Scopes) != 1 {
		t.Errorf("GetClient() after update = %+v", got)
	}
}

func testPendingSingleUse(t *testing.T, s storage.Store) {
	ctx := context.Background()
	pending := GenerateTestPendingAuthorization()

	if err := s.SavePendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	peek, err := s.GetPendingAuthorization(ctx, pending.ID)
	if err != nil {
		t.Fatalf("GetPendingAuthorization() error = %v", err)
	}
	if peek.ProviderCodeVerifier != pending.ProviderCodeVerifier {
		t.Errorf("ProviderCodeVerifier = %q, want %q", peek.ProviderCodeVerifier, pending.ProviderCodeVerifier)
	}

	got, err := s.ConsumePendingAuthorization(ctx, pending.ID)
	if err != nil {
		t.Fatalf("ConsumePendingAuthorization() error = %v", err)
	}
	if got.ClientID != pending.ClientID || got.CodeChallenge != pending.CodeChallenge || got.State != pending.State {
		t.Errorf("ConsumePendingAuthorization() = %+v", got)
	}

	_, err = s.ConsumePendingAuthorization(ctx, pending.ID)
	if !errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
		t.Errorf("second ConsumePendingAuthorization() error = %v, want ErrPendingAuthorizationNotFound", err)
	}
}

func testPendingExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	pending := GenerateTestPendingAuthorization()
	pending.ExpiresAt = Expired()

	if err := s.SavePendingAuthorization(ctx, pending); err != nil {
		t.Fatalf("SavePendingAuthorization() error = %v", err)
	}

	_, err := s.ConsumePendingAuthorization(ctx, pending.ID)
	if !errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
		t.Errorf("ConsumePendingAuthorization() error = %v, want ErrPendingAuthorizationNotFound", err)
	}
}

func testRedeemOnce(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := GenerateTestAuthorizationCode()

	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
	if err != nil {
		t.Fatalf("AtomicCheckAndMarkAuthCodeUsed() error = %v", err)
	}
	if got.UserID != code.UserID || got.RedirectURI != code.RedirectURI || got.CodeChallenge != code.CodeChallenge {
		t.Errorf("AtomicCheckAndMarkAuthCodeUsed() = %+v", got)
	}

	reused, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeUsed) {
		t.Fatalf("second redeem error = %v, want ErrAuthorizationCodeUsed", err)
	}
	if reused == nil || reused.UserID != code.UserID || reused.ClientID != code.ClientID {
		t.Errorf("reused code = %+v, want owner details for revocation", reused)
	}
}

func testRedeemExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := GenerateTestAuthorizationCode()
	code.ExpiresAt = Expired()

	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	got, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
	if !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Fatalf("redeem error = %v, want ErrAuthorizationCodeExpired", err)
	}
	if got != nil {
		t.Errorf("expired redeem returned %+v, want nil", got)
	}
}

func testRedeemUnknown(t *testing.T, s storage.Store) {
	_, err := s.AtomicCheckAndMarkAuthCodeUsed(context.Background(), "does-not-exist")
	if !errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
		t.Errorf("redeem error = %v, want ErrAuthorizationCodeNotFound", err)
	}
}

func testConcurrentRedeem(t *testing.T, s storage.Store) {
	ctx := context.Background()
	code := GenerateTestAuthorizationCode()
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		failures  int
		unexpect  []error
	)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrAuthorizationCodeUsed), errors.Is(err, storage.ErrAuthorizationCodeNotFound):
				failures++
			default:
				unexpect = append(unexpect, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(unexpect) > 0 {
		t.Fatalf("unexpected errors: %v", unexpect)
	}
	if successes != 1 || failures != n-1 {
		t.Errorf("successes = %d, failures = %d; want 1 and %d", successes, failures, n-1)
	}
}

func testRefreshRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	first := GenerateTestRefreshToken()
	if err := s.SaveRefreshToken(ctx, first); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	if _, err := s.GetRefreshToken(ctx, first.Token); err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}

	got, err := s.AtomicGetAndDeleteRefreshToken(ctx, first.Token)
	if err != nil {
		t.Fatalf("AtomicGetAndDeleteRefreshToken() error = %v", err)
	}
	if got.FamilyID != first.FamilyID || got.Generation != 1 || got.UserID != first.UserID {
		t.Errorf("AtomicGetAndDeleteRefreshToken() = %+v", got)
	}

	second := GenerateTestRefreshToken()
	second.FamilyID = first.FamilyID
	second.Generation = 2
	if err := s.SaveRefreshToken(ctx, second); err != nil {
		t.Fatalf("SaveRefreshToken(gen 2) error = %v", err)
	}

	if _, err := s.AtomicGetAndDeleteRefreshToken(ctx, first.Token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Fatalf("replayed rotation error = %v, want ErrTokenNotFound", err)
	}

	// Lineage survives rotation.
	family, err := s.GetRefreshTokenFamily(ctx, first.Token)
	if err != nil {
		t.Fatalf("GetRefreshTokenFamily(rotated) error = %v", err)
	}
	if family.FamilyID != first.FamilyID || family.Generation != 2 || family.Revoked {
		t.Errorf("family = %+v, want generation 2 not revoked", family)
	}

	if _, err := s.GetRefreshTokenFamily(ctx, "never-issued"); !errors.Is(err, storage.ErrRefreshTokenFamilyNotFound) {
		t.Errorf("GetRefreshTokenFamily(unknown) error = %v", err)
	}
}

func testRefreshExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rt := GenerateTestRefreshToken()
	rt.ExpiresAt = Expired()
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := s.AtomicGetAndDeleteRefreshToken(ctx, rt.Token); !errors.Is(err, storage.ErrTokenExpired) {
			t.Fatalf("attempt %d error = %v, want ErrTokenExpired", i+1, err)
		}
	}
}

// testNoGraceAfterExpiry checks that neither a code nor a refresh token is
// honoured one second after its expiry.
func testNoGraceAfterExpiry(t *testing.T, s storage.Store) {
	ctx := context.Background()
	expiresAt := time.Now().Add(-time.Second)

	code := GenerateTestAuthorizationCode()
	code.ExpiresAt = expiresAt
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}
	if got, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code); !errors.Is(err, storage.ErrAuthorizationCodeExpired) {
		t.Errorf("redeem 1s after expiry = %+v, %v; want ErrAuthorizationCodeExpired", got, err)
	}

	rt := GenerateTestRefreshToken()
	rt.ExpiresAt = expiresAt
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}
	if got, err := s.AtomicGetAndDeleteRefreshToken(ctx, rt.Token); !errors.Is(err, storage.ErrTokenExpired) {
		t.Errorf("rotate 1s after expiry = %+v, %v; want ErrTokenExpired", got, err)
	}
}

// testResaveRefreshToken puts a consumed token back into service, as the
// server does when rotation is disabled.
func testResaveRefreshToken(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rt := GenerateTestRefreshToken()
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := s.AtomicGetAndDeleteRefreshToken(ctx, rt.Token)
		if err != nil {
			t.Fatalf("round %d: AtomicGetAndDeleteRefreshToken() error = %v", i+1, err)
		}
		if err := s.SaveRefreshToken(ctx, got); err != nil {
			t.Fatalf("round %d: re-save error = %v", i+1, err)
		}
	}

	if _, err := s.GetRefreshToken(ctx, rt.Token); err != nil {
		t.Errorf("GetRefreshToken() after re-save error = %v", err)
	}
	family, err := s.GetRefreshTokenFamily(ctx, rt.Token)
	if err != nil {
		t.Fatalf("GetRefreshTokenFamily() error = %v", err)
	}
	if family.Revoked || family.Generation != rt.Generation {
		t.Errorf("family = %+v, want generation %d not revoked", family, rt.Generation)
	}
}

func testConcurrentRotation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rt := GenerateTestRefreshToken()
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		unexpect  []error
	)
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.AtomicGetAndDeleteRefreshToken(ctx, rt.Token)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrTokenNotFound):
			default:
				unexpect = append(unexpect, err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(unexpect) > 0 {
		t.Fatalf("unexpected errors: %v", unexpect)
	}
	if successes != 1 {
		t.Errorf("successes = %d, want exactly 1", successes)
	}
}

func testRevokeFamily(t *testing.T, s storage.Store) {
	ctx := context.Background()
	rt := GenerateTestRefreshToken()
	if err := s.SaveRefreshToken(ctx, rt); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	if err := s.RevokeRefreshTokenFamily(ctx, rt.FamilyID); err != nil {
		t.Fatalf("RevokeRefreshTokenFamily() error = %v", err)
	}

	if _, err := s.GetRefreshToken(ctx, rt.Token); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("GetRefreshToken() after revoke error = %v, want ErrTokenNotFound", err)
	}

	family, err := s.GetRefreshTokenFamily(ctx, rt.Token)
	if err != nil {
		t.Fatalf("GetRefreshTokenFamily() error = %v", err)
	}
	if !family.Revoked || family.RevokedAt.IsZero() {
		t.Errorf("family = %+v, want revoked", family)
	}

	next := GenerateTestRefreshToken()
	next.FamilyID = rt.FamilyID
	next.Generation = 2
	if err := s.SaveRefreshToken(ctx, next); !errors.Is(err, storage.ErrRefreshTokenFamilyRevoked) {
		t.Errorf("SaveRefreshToken() into revoked family error = %v, want ErrRefreshTokenFamilyRevoked", err)
	}
}

func testRevokeAllForUserClient(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rt := GenerateTestRefreshToken()
		if err := s.SaveRefreshToken(ctx, rt); err != nil {
			t.Fatalf("SaveRefreshToken(%d) error = %v", i, err)
		}
	}

	other := GenerateTestRefreshToken()
	other.ClientID = "other-client"
	if err := s.SaveRefreshToken(ctx, other); err != nil {
		t.Fatalf("SaveRefreshToken(other) error = %v", err)
	}

	n, err := s.RevokeAllTokensForUserClient(ctx, TestUserID, TestClientID)
	if err != nil {
		t.Fatalf("RevokeAllTokensForUserClient() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RevokeAllTokensForUserClient() = %d, want 3", n)
	}

	if _, err := s.GetRefreshToken(ctx, other.Token); err != nil {
		t.Errorf("token for another client was revoked: %v", err)
	}
}
