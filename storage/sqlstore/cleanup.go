package sqlstore

import (
	"context"
	"time"
)

// codeRetention keeps used and expired codes for a while after expiry so
// that a replay is still reported as one.
const codeRetention = 10 * time.Minute

// Cleanup deletes expired records and returns how many rows were removed.
//
// Revoked families and the lineage of their tokens are kept for the
// revoked family retention period. Active families are dropped once none
// of their tokens is live.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	now := time.Now()
	cutoff := now.Unix()
	revokedBefore := now.Add(-s.revokedRetention()).Unix()

	statements := []struct {
		op    string
		query string
		args  []any
	}{
		{"delete expired pending authorizations",
			`DELETE FROM pending_authorizations WHERE expires_at < ?`,
			[]any{cutoff}},
		{"delete expired authorization codes",
			`DELETE FROM authorization_codes WHERE expires_at < ?`,
			[]any{now.Add(-codeRetention).Unix()}},
		{"delete expired refresh tokens",
			`DELETE FROM refresh_tokens WHERE expires_at < ?`,
			[]any{cutoff}},
		{"delete stale refresh token families",
			`DELETE FROM refresh_token_families
			 WHERE (revoked = 1 AND revoked_at < ?)
			    OR (revoked = 0 AND NOT EXISTS (
			        SELECT 1 FROM refresh_tokens t WHERE t.family_id = refresh_token_families.family_id))`,
			[]any{revokedBefore}},
		{"delete orphaned lineage",
			`DELETE FROM refresh_token_lineage
			 WHERE NOT EXISTS (
			     SELECT 1 FROM refresh_token_families f WHERE f.family_id = refresh_token_lineage.family_id)`,
			nil},
	}

	var total int64
	for _, st := range statements {
		res, err := s.db.ExecContext(ctx, st.query, st.args...)
		if err != nil {
			return total, wrapError(st.op, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, wrapError(st.op, err)
		}
		total += n
	}

	if total > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", total)
	}
	return total, nil
}

// RunCleanup calls Cleanup every interval until ctx is done. Failures are
// logged and retried on the next tick.
func (s *Store) RunCleanup(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.Warn("Failed to clean up SQL storage", "error", err)
			}
		}
	}
}
