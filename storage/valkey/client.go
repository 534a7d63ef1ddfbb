package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/Osminogka/OAuthServer/storage"
)

// ============================================================
// ClientStore Implementation
// ============================================================

func marshalClient(client *storage.Client) (string, error) {
	if client == nil || client.ClientID == "" {
		return "", fmt.Errorf("client ID cannot be empty")
	}
	if err := validateStringLength(client.ClientID, MaxIDLength, "clientID"); err != nil {
		return "", err
	}
	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return "", fmt.Errorf("failed to marshal client: %w", err)
	}
	return string(data), nil
}

// CreateClient stores a new client, failing with storage.ErrClientExists
// if the ID is taken. SET NX makes the check and the write one step.
func (s *Store) CreateClient(ctx context.Context, client *storage.Client) error {
	data, err := marshalClient(client)
	if err != nil {
		return err
	}

	key := s.clientKey(client.ClientID)
	err = s.client.Do(ctx, s.client.B().Set().Key(key).Value(data).Nx().Build()).Error()
	if err != nil {
		if isNilError(err) {
			return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
		}
		return wrapError("create client", err)
	}

	s.logger.Debug("Created client", "client_id", client.ClientID, "client_type", client.ClientType)
	return nil
}

// SaveClient creates or replaces a client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	data, err := marshalClient(client)
	if err != nil {
		return err
	}

	key := s.clientKey(client.ClientID)
	if err := s.client.Do(ctx, s.client.B().Set().Key(key).Value(data).Build()).Error(); err != nil {
		return wrapError("save client", err)
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if err := validateStringLength(clientID, MaxIDLength, "clientID"); err != nil {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, err)
	}

	j, err := getAndUnmarshal[clientJSON](ctx, s, s.clientKey(clientID), storage.ErrClientNotFound)
	if err != nil {
		return nil, err
	}
	return fromClientJSON(j), nil
}

// ListClients lists all registered clients, ordered by ID
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	pattern := s.clientKey("*")

	// SCAN can return a key more than once across iterations
	clientMap := make(map[string]*storage.Client)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, wrapError("scan clients", err)
		}

		for _, key := range result.Elements {
			if _, exists := clientMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // deleted between SCAN and GET
				}
				return nil, wrapError("get client", err)
			}

			var j clientJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal client, skipping",
					"key", key,
					"error", err)
				continue
			}

			clientMap[key] = fromClientJSON(&j)
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	clients := make([]*storage.Client, 0, len(clientMap))
	for _, c := range clientMap {
		clients = append(clients, c)
	}
	slices.SortFunc(clients, func(a, b *storage.Client) int {
		return strings.Compare(a.ClientID, b.ClientID)
	})
	return clients, nil
}
