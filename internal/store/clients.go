package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// APIKeyPrefix starts every client API key.
const APIKeyPrefix = "rgk_"

// KeyPrefixLen is the number of leading key characters stored in clear for
// lookup.
const KeyPrefixLen = 12

// Client represents a row in the api_clients table. A client authenticates
// as one principal and carries that principal's groups.
type Client struct {
	ID           string
	Name         string
	Principal    string
	Groups       []string
	CanApprove   bool
	APIKeyHash   string
	APIKeyPrefix string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateClientParams holds the fields for a new client.
type CreateClientParams struct {
	Name       string
	Principal  string
	Groups     []string
	CanApprove bool
}

// GenerateAPIKey creates a new rgk_ API key with its bcrypt hash and prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the user once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := APIKeyPrefix + hex.EncodeToString(raw)

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullKey), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}

	prefix := fullKey[:KeyPrefixLen] // "rgk_abcd1234"
	return fullKey, string(hashBytes), prefix, nil
}

const clientColumns = `id, name, principal, groups, can_approve, api_key_hash, api_key_prefix, created_at, updated_at`

func scanClient(row rowScanner) (*Client, error) {
	var c Client
	var groups []byte
	if err := row.Scan(&c.ID, &c.Name, &c.Principal, &groups, &c.CanApprove,
		&c.APIKeyHash, &c.APIKeyPrefix, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalList(groups, &c.Groups); err != nil {
		return nil, fmt.Errorf("client %s groups: %w", c.ID, err)
	}
	return &c, nil
}

// CreateClient inserts a new client. Returns the client and the plaintext
// API key (shown once).
func (s *Store) CreateClient(ctx context.Context, params CreateClientParams) (*Client, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("CreateClient: %w", err)
	}

	c, err := scanClient(s.db.QueryRowContext(ctx, `
		INSERT INTO api_clients (id, name, principal, groups, can_approve, api_key_hash, api_key_prefix)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+clientColumns,
		uuid.NewString(), params.Name, params.Principal, marshalList(params.Groups), params.CanApprove,
		keyHash, keyPrefix,
	))
	if err != nil {
		return nil, "", fmt.Errorf("CreateClient: %w", err)
	}
	return c, fullKey, nil
}

// ListClients returns all clients ordered by created_at DESC.
func (s *Store) ListClients(ctx context.Context) ([]*Client, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM api_clients ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListClients: %w", err)
	}
	defer rows.Close()

	var clients []*Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("ListClients: %w", err)
		}
		clients = append(clients, c)
	}
	return clients, rows.Err()
}

// GetClient returns a client by ID, or nil if not found.
func (s *Store) GetClient(ctx context.Context, id string) (*Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM api_clients WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetClient: %w", err)
	}
	return c, nil
}

// DeleteClient deletes a client by ID.
func (s *Store) DeleteClient(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_clients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteClient: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RotateAPIKey generates a new API key for a client. Returns nil if the client
// does not exist, otherwise the updated client and the plaintext key.
func (s *Store) RotateAPIKey(ctx context.Context, id string) (*Client, string, error) {
	fullKey, keyHash, keyPrefix, err := GenerateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}

	c, err := scanClient(s.db.QueryRowContext(ctx, `
		UPDATE api_clients SET
			api_key_hash   = $2,
			api_key_prefix = $3,
			updated_at     = now()
		WHERE id = $1
		RETURNING `+clientColumns,
		id, keyHash, keyPrefix,
	))
	if err == sql.ErrNoRows {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("RotateAPIKey: %w", err)
	}
	return c, fullKey, nil
}

// LookupByPrefix finds a client by API key prefix (first KeyPrefixLen chars), or nil.
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupByPrefix(ctx context.Context, prefix string) (*Client, error) {
	c, err := scanClient(s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM api_clients WHERE api_key_prefix = $1`, prefix))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupByPrefix: %w", err)
	}
	return c, nil
}
