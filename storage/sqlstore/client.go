package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Osminogka/OAuthServer/storage"
)

// clientColumns is the column list shared by inserts and selects.
const clientColumns = `client_id, client_secret_hash, client_type, client_name,
	token_endpoint_auth_method, require_pkce, redirect_uris,
	post_logout_redirect_uris, grant_types, response_types, scopes, created_at`

// encodeList stores a string list as a JSON array; nil becomes [].
func encodeList(list []string) (string, error) {
	if list == nil {
		return "[]", nil
	}
	data, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeList(data string) ([]string, error) {
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}

// clientArgs returns the insert arguments matching clientColumns.
func clientArgs(client *storage.Client) ([]any, error) {
	lists := [][]string{
		client.RedirectURIs,
		client.PostLogoutRedirectURIs,
		client.GrantTypes,
		client.ResponseTypes,
		client.Scopes,
	}
	encoded := make([]any, 0, len(lists))
	for _, list := range lists {
		data, err := encodeList(list)
		if err != nil {
			return nil, fmt.Errorf("failed to encode client: %w", err)
		}
		encoded = append(encoded, data)
	}

	args := []any{
		client.ClientID,
		client.ClientSecretHash,
		client.ClientType,
		client.ClientName,
		client.TokenEndpointAuthMethod,
		client.RequirePKCE,
	}
	args = append(args, encoded...)
	return append(args, unixSeconds(client.CreatedAt)), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*storage.Client, error) {
	var (
		c                                                  storage.Client
		redirectURIs, postLogout, grants, responses, scope string
		createdAt                                          int64
	)
	if err := row.Scan(
		&c.ClientID,
		&c.ClientSecretHash,
		&c.ClientType,
		&c.ClientName,
		&c.TokenEndpointAuthMethod,
		&c.RequirePKCE,
		&redirectURIs,
		&postLogout,
		&grants,
		&responses,
		&scope,
		&createdAt,
	); err != nil {
		return nil, err
	}

	var err error
	for _, f := range []struct {
		dst  *[]string
		data string
	}{
		{&c.RedirectURIs, redirectURIs},
		{&c.PostLogoutRedirectURIs, postLogout},
		{&c.GrantTypes, grants},
		{&c.ResponseTypes, responses},
		{&c.Scopes, scope},
	} {
		if *f.dst, err = decodeList(f.data); err != nil {
			return nil, fmt.Errorf("failed to decode client %s: %w", c.ClientID, err)
		}
	}
	c.CreatedAt = unixTime(createdAt)
	return &c, nil
}

// CreateClient stores a new client, failing with storage.ErrClientExists
// if the ID is taken. The primary key makes the check and insert one step.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	args, err := clientArgs(client)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
		}
		return wrapError("create client", err)
	}

	s.logger.Debug("Created client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client ID cannot be empty")
	}

	args, err := clientArgs(client)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("begin transaction", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM clients WHERE client_id = ?`, client.ClientID); err != nil {
		return wrapError("replace client", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO clients (`+clientColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		args...); err != nil {
		return wrapError("save client", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapError("commit client", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = ?`, clientID)

	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		}
		return nil, wrapError("get client", err)
	}
	return client, nil
}

// ListClients lists all registered clients, ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, wrapError("list clients", err)
	}
	defer rows.Close()

	var clients []*storage.Client
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, wrapError("scan client", err)
		}
		clients = append(clients, client)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("list clients", err)
	}
	return clients, nil
}
