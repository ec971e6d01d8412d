package auth

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const tokenPrefix = "smp_"

var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrCredentialRevoked  = errors.New("credential revoked")
	ErrInvalidToken       = errors.New("invalid token format")
)

// Store handles credential persistence
type Store struct {
	db *sql.DB
}

// NewStore creates a new credential store with SQLite backend
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS credentials (
		token TEXT PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		plan TEXT NOT NULL,
		verified INTEGER NOT NULL DEFAULT 0,
		scopes TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		last_used_at DATETIME,
		revoked_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_credentials_tenant ON credentials(tenant_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// Create mints a new credential for a tenant and returns it together
// with the bearer token. The token is only available here; afterwards
// the store can match it but never show it again.
func (s *Store) Create(name, tenantID string, plan Plan, verified bool, scopes []string) (*Credential, string, error) {
	if !plan.Valid() {
		return nil, "", fmt.Errorf("unknown plan %q", plan)
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return nil, "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := tokenPrefix + hex.EncodeToString(tokenBytes)

	now := time.Now()
	cred := &Credential{
		ID:        uuid.New().String(),
		Token:     token,
		Name:      name,
		TenantID:  tenantID,
		Plan:      plan,
		Verified:  verified,
		Scopes:    scopes,
		CreatedAt: now,
	}

	_, err := s.db.Exec(
		`INSERT INTO credentials (token, id, name, tenant_id, plan, verified, scopes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cred.Token, cred.ID, cred.Name, cred.TenantID, string(cred.Plan), boolToInt(cred.Verified), joinScopes(cred.Scopes), cred.CreatedAt,
	)
	if err != nil {
		return nil, "", fmt.Errorf("failed to insert credential: %w", err)
	}

	return cred, token, nil
}

// Lookup resolves a bearer token to the caller's identity. Revoked
// credentials fail with ErrCredentialRevoked; unknown or malformed
// tokens fail with ErrCredentialNotFound / ErrInvalidToken.
func (s *Store) Lookup(token string) (*Identity, error) {
	if len(token) < len(tokenPrefix) || token[:len(tokenPrefix)] != tokenPrefix {
		return nil, ErrInvalidToken
	}

	var (
		id       Identity
		plan     string
		verified int
		scopes   string
		revoked  sql.NullTime
	)

	err := s.db.QueryRow(
		`SELECT id, tenant_id, plan, verified, scopes, revoked_at FROM credentials WHERE token = ?`,
		token,
	).Scan(&id.CredentialID, &id.TenantID, &plan, &verified, &scopes, &revoked)

	if err == sql.ErrNoRows {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query credential: %w", err)
	}

	if revoked.Valid {
		return nil, ErrCredentialRevoked
	}

	id.Plan = Plan(plan)
	id.Verified = verified != 0
	id.Scopes = splitScopes(scopes)

	go s.updateLastUsed(token)

	return &id, nil
}

func (s *Store) updateLastUsed(token string) {
	_, _ = s.db.Exec(`UPDATE credentials SET last_used_at = ? WHERE token = ?`, time.Now(), token)
}

// List returns all credentials, newest first. Tokens are not included.
func (s *Store) List() ([]*Credential, error) {
	rows, err := s.db.Query(
		`SELECT id, name, tenant_id, plan, verified, scopes, created_at, last_used_at, revoked_at FROM credentials ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var creds []*Credential
	for rows.Next() {
		var (
			cred     Credential
			plan     string
			verified int
			scopes   string
			lastUsed sql.NullTime
			revoked  sql.NullTime
		)

		if err := rows.Scan(&cred.ID, &cred.Name, &cred.TenantID, &plan, &verified, &scopes, &cred.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}

		cred.Plan = Plan(plan)
		cred.Verified = verified != 0
		cred.Scopes = splitScopes(scopes)
		if lastUsed.Valid {
			cred.LastUsedAt = &lastUsed.Time
		}
		if revoked.Valid {
			cred.RevokedAt = &revoked.Time
		}

		creds = append(creds, &cred)
	}

	return creds, rows.Err()
}

// Revoke marks a credential revoked by its id. The row is kept so
// usage history stays attributable.
func (s *Store) Revoke(credentialID string) error {
	result, err := s.db.Exec(
		`UPDATE credentials SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		time.Now(), credentialID,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke credential: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrCredentialNotFound
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
