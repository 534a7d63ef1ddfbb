package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Osminogka/OAuthServer/internal/testutil"
	"github.com/Osminogka/OAuthServer/security"
	"github.com/Osminogka/OAuthServer/storage"
)

// newTestStore opens a migrated SQLite database under t.TempDir().
func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(context.Background(), Config{
		DSN: filepath.Join(t.TempDir(), "oauth.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreSuite(t *testing.T) {
	testutil.RunStoreSuite(t, func(t *testing.T) storage.Store {
		return newTestStore(t)
	})
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	require.Error(t, err)

	_, err = Open(context.Background(), Config{Dialect: "postgres", DSN: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported SQL dialect")
}

func TestOpen_MigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth.db")
	ctx := context.Background()

	first, err := Open(ctx, Config{DSN: path})
	require.NoError(t, err)
	require.NoError(t, first.CreateClient(ctx, testutil.GenerateTestClient()))
	require.NoError(t, first.Close())

	second, err := Open(ctx, Config{DSN: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	got, err := second.GetClient(ctx, testutil.TestClientID)
	require.NoError(t, err)
	assert.Equal(t, testutil.TestRedirectURI, got.RedirectURIs[0])
}

func TestClientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := testutil.GenerateConfidentialClient(t)
	require.NoError(t, s.CreateClient(ctx, want))

	got, err := s.GetClient(ctx, want.ClientID)
	require.NoError(t, err)
	assert.Equal(t, want.ClientSecretHash, got.ClientSecretHash)
	assert.Equal(t, want.ClientType, got.ClientType)
	assert.Equal(t, want.GrantTypes, got.GrantTypes)
	assert.Equal(t, want.TokenEndpointAuthMethod, got.TokenEndpointAuthMethod)
	assert.False(t, got.RequirePKCE)
	assert.Nil(t, got.PostLogoutRedirectURIs)
	assert.Equal(t, want.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestSecretsStoredAsDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))
	rt := testutil.GenerateTestRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, rt))

	var codeHash, tokenHash string
	require.NoError(t, s.db.QueryRow(`SELECT code_hash FROM authorization_codes`).Scan(&codeHash))
	require.NoError(t, s.db.QueryRow(`SELECT token_hash FROM refresh_tokens`).Scan(&tokenHash))

	assert.Equal(t, storage.HashToken(code.Code), codeHash)
	assert.Equal(t, storage.HashToken(rt.Token), tokenHash)

	got, err := s.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.Equal(t, code.Code, got.Code)
}

func TestSaveAuthorizationCode_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))
	assert.Error(t, s.SaveAuthorizationCode(ctx, code))
}

func TestRedeemIncrementsVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, 1, got.Version)

	stored, err := s.GetAuthorizationCode(ctx, code.Code)
	require.NoError(t, err)
	assert.True(t, stored.Used)
	assert.Equal(t, 1, stored.Version)
}

func TestConcurrentRedeemWithErrgroup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	const n = 8
	results := make([]error, n)
	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			_, results[i] = s.AtomicCheckAndMarkAuthCodeUsed(ctx, code.Code)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	}
	assert.Equal(t, 1, successes)
}

func TestPendingVerifierEncryptedAtRest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	key, err := security.GenerateKey()
	require.NoError(t, err)
	enc, err := security.NewEncryptor(key)
	require.NoError(t, err)
	s.SetEncryptor(enc)

	pending := testutil.GenerateTestPendingAuthorization()
	require.NoError(t, s.SavePendingAuthorization(ctx, pending))

	var stored string
	require.NoError(t, s.db.QueryRow(
		`SELECT provider_code_verifier FROM pending_authorizations WHERE id = ?`, pending.ID,
	).Scan(&stored))
	assert.NotEqual(t, pending.ProviderCodeVerifier, stored)

	got, err := s.ConsumePendingAuthorization(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, pending.ProviderCodeVerifier, got.ProviderCodeVerifier)
}

func TestRevokeFamilyKeepsFirstRevocationTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rt := testutil.GenerateTestRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, rt))
	require.NoError(t, s.RevokeRefreshTokenFamily(ctx, rt.FamilyID))

	first, err := s.GetRefreshTokenFamily(ctx, rt.Token)
	require.NoError(t, err)
	require.True(t, first.Revoked)

	// Pretend the first revocation happened earlier.
	_, err = s.db.Exec(`UPDATE refresh_token_families SET revoked_at = ? WHERE family_id = ?`,
		first.RevokedAt.Add(-time.Hour).Unix(), rt.FamilyID)
	require.NoError(t, err)

	require.NoError(t, s.RevokeRefreshTokenFamily(ctx, rt.FamilyID))
	second, err := s.GetRefreshTokenFamily(ctx, rt.Token)
	require.NoError(t, err)
	assert.Equal(t, first.RevokedAt.Add(-time.Hour).Unix(), second.RevokedAt.Unix())
}

func TestCleanup(t *testing.T) {
	s := newTestStore(t)
	s.SetRevokedFamilyRetentionDays(1)
	ctx := context.Background()

	expiredPending := testutil.GenerateTestPendingAuthorization()
	expiredPending.ExpiresAt = testutil.Expired()
	require.NoError(t, s.SavePendingAuthorization(ctx, expiredPending))

	livePending := testutil.GenerateTestPendingAuthorization()
	require.NoError(t, s.SavePendingAuthorization(ctx, livePending))

	oldCode := testutil.GenerateTestAuthorizationCode()
	oldCode.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.SaveAuthorizationCode(ctx, oldCode))

	recentCode := testutil.GenerateTestAuthorizationCode()
	recentCode.ExpiresAt = testutil.Expired()
	require.NoError(t, s.SaveAuthorizationCode(ctx, recentCode))

	expiredToken := testutil.GenerateTestRefreshToken()
	expiredToken.ExpiresAt = testutil.Expired()
	require.NoError(t, s.SaveRefreshToken(ctx, expiredToken))

	revoked := testutil.GenerateTestRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, revoked))
	require.NoError(t, s.RevokeRefreshTokenFamily(ctx, revoked.FamilyID))
	_, err := s.db.Exec(`UPDATE refresh_token_families SET revoked_at = ? WHERE family_id = ?`,
		time.Now().Add(-48*time.Hour).Unix(), revoked.FamilyID)
	require.NoError(t, err)

	live := testutil.GenerateTestRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, live))

	n, err := s.Cleanup(ctx)
	require.NoError(t, err)
	assert.Positive(t, n)

	_, err = s.GetPendingAuthorization(ctx, livePending.ID)
	assert.NoError(t, err)
	_, err = s.GetAuthorizationCode(ctx, oldCode.Code)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeNotFound)
	_, err = s.GetAuthorizationCode(ctx, recentCode.Code)
	assert.NoError(t, err, "recently expired codes are kept for replay detection")

	_, err = s.GetRefreshTokenFamily(ctx, expiredToken.Token)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenFamilyNotFound)
	_, err = s.GetRefreshTokenFamily(ctx, revoked.Token)
	assert.ErrorIs(t, err, storage.ErrRefreshTokenFamilyNotFound)

	_, err = s.GetRefreshToken(ctx, live.Token)
	assert.NoError(t, err)
	_, err = s.GetRefreshTokenFamily(ctx, live.Token)
	assert.NoError(t, err)

	var pendingRows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM pending_authorizations`).Scan(&pendingRows))
	assert.Equal(t, 1, pendingRows)
}

func TestRunCleanupStopsWithContext(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.RunCleanup(ctx, 10*time.Millisecond) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("RunCleanup did not return after cancel")
	}
}

func TestWrapError(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"invalid conn", mysql.ErrInvalidConn, true},
		{"deadline", context.DeadlineExceeded, true},
		{"duplicate key", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, false},
		{"syntax", errors.New("near \"SELEC\": syntax error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapError("get client", tt.err)
			assert.Equal(t, tt.unavailable, errors.Is(err, storage.ErrStoreUnavailable))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestIsUniqueViolation_MySQL(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062})))
	assert.False(t, isUniqueViolation(&mysql.MySQLError{Number: 1146}))
	assert.False(t, isUniqueViolation(errors.New("other")))
}

func TestDSNBuilders(t *testing.T) {
	dsn := MySQLDSN(MySQLConfig{User: "oauth", Password: "pw", Host: "db", Port: 3306, Name: "oauth"})
	assert.True(t, strings.HasPrefix(dsn, "oauth:pw@tcp(db:3306)/oauth?"), dsn)
	assert.Contains(t, dsn, "parseTime=true")

	cfg, err := mysql.ParseDSN(dsn)
	require.NoError(t, err)
	assert.Equal(t, "oauth", cfg.DBName)

	assert.Equal(t, "file:/tmp/x.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", SQLiteDSN("/tmp/x.db"))
}

func TestResaveKeepsSingleLineageRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rt := testutil.GenerateTestRefreshToken()
	require.NoError(t, s.SaveRefreshToken(ctx, rt))
	got, err := s.AtomicGetAndDeleteRefreshToken(ctx, rt.Token)
	require.NoError(t, err)
	require.NoError(t, s.SaveRefreshToken(ctx, got))

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM refresh_token_lineage WHERE token_hash = ?`, storage.HashToken(rt.Token)).Scan(&n))
	assert.Equal(t, 1, n)

	assert.Equal(t, "INSERT OR IGNORE", s.insertIgnore())
	assert.Equal(t, "INSERT IGNORE", (&Store{dialect: DialectMySQL}).insertIgnore())
}
