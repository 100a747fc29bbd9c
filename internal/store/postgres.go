package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/postflow-hq/postflow/internal/platform"
)

const (
	defaultStateTable = "oauth_states"
	defaultTokenTable = "oauth_tokens"
)

// PostgresStoreConfig captures configuration required to initialize a
// Postgres-backed store.
type PostgresStoreConfig struct {
	DSN        string
	Schema     string
	StateTable string
	TokenTable string
	StateTTL   time.Duration
}

// PostgresStore persists authorization states and token records in
// PostgreSQL. It is the deployment backend: a shared database lets the
// authorization begin and the provider callback land on different instances,
// and a single DELETE ... RETURNING makes state consumption atomic across all
// of them.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresStoreConfig
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore establishes a connection to PostgreSQL and verifies it.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	if cfg.StateTable == "" {
		cfg.StateTable = defaultStateTable
	}
	if cfg.TokenTable == "" {
		cfg.TokenTable = defaultTokenTable
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = StateTTL
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return &PostgresStore{db: db, cfg: cfg}, nil
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the required tables (and schema when provided).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			token TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			platform TEXT NOT NULL,
			pkce_verifier TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		)
	`, s.fullTableName(s.cfg.StateTable))); err != nil {
		return fmt.Errorf("postgres store: create state table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			platform TEXT NOT NULL,
			project_id TEXT NOT NULL,
			access_token_ciphertext TEXT NOT NULL,
			refresh_token_ciphertext TEXT NOT NULL DEFAULT '',
			format_version INT NOT NULL DEFAULT 1,
			expires_at TIMESTAMPTZ,
			scope TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (platform, project_id)
		)
	`, s.fullTableName(s.cfg.TokenTable))); err != nil {
		return fmt.Errorf("postgres store: create token table: %w", err)
	}
	return nil
}

// CreateState implements StateStore.
func (s *PostgresStore) CreateState(ctx context.Context, userID, projectID string, p platform.Platform, pkceVerifier string) (string, error) {
	token, err := generateStateToken()
	if err != nil {
		return "", err
	}
	now := time.Now()
	query := fmt.Sprintf(`
		INSERT INTO %s (token, user_id, project_id, platform, pkce_verifier, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, s.fullTableName(s.cfg.StateTable))
	if _, err = s.db.ExecContext(ctx, query, token, userID, projectID, string(p), pkceVerifier, now, now.Add(s.cfg.StateTTL)); err != nil {
		return "", fmt.Errorf("postgres store: insert state: %w", err)
	}
	return token, nil
}

// ConsumeState implements StateStore. The DELETE ... RETURNING is a single
// statement, so concurrent callers presenting the same token race inside the
// database and exactly one receives the row. An expired row is still deleted
// but reported as not found.
func (s *PostgresStore) ConsumeState(ctx context.Context, token string) (*AuthorizationState, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE token = $1
		RETURNING token, user_id, project_id, platform, pkce_verifier, created_at, expires_at
	`, s.fullTableName(s.cfg.StateTable))

	var (
		state       AuthorizationState
		platformRaw string
	)
	err := s.db.QueryRowContext(ctx, query, token).Scan(
		&state.Token, &state.UserID, &state.ProjectID, &platformRaw,
		&state.PKCEVerifier, &state.CreatedAt, &state.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: consume state: %w", err)
	}
	if time.Now().After(state.ExpiresAt) {
		return nil, ErrStateNotFound
	}
	state.Platform = platform.Platform(platformRaw)
	return &state, nil
}

// SweepExpiredStates implements StateStore.
func (s *PostgresStore) SweepExpiredStates(ctx context.Context) (int, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE expires_at < NOW()", s.fullTableName(s.cfg.StateTable))
	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("postgres store: sweep states: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres store: sweep states row count: %w", err)
	}
	return int(affected), nil
}

// SaveToken implements TokenStore.
func (s *PostgresStore) SaveToken(ctx context.Context, rec *TokenRecord) error {
	if rec == nil {
		return fmt.Errorf("postgres store: token record is nil")
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (platform, project_id, access_token_ciphertext, refresh_token_ciphertext,
			format_version, expires_at, scope, username, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (platform, project_id)
		DO UPDATE SET access_token_ciphertext = EXCLUDED.access_token_ciphertext,
			refresh_token_ciphertext = EXCLUDED.refresh_token_ciphertext,
			format_version = EXCLUDED.format_version,
			expires_at = EXCLUDED.expires_at,
			scope = EXCLUDED.scope,
			username = EXCLUDED.username,
			updated_at = NOW()
	`, s.fullTableName(s.cfg.TokenTable))
	var expires any
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt
	}
	if _, err := s.db.ExecContext(ctx, query,
		string(rec.Platform), rec.ProjectID, rec.AccessTokenCiphertext, rec.RefreshTokenCiphertext,
		rec.FormatVersion, expires, rec.Scope, rec.Username,
	); err != nil {
		return fmt.Errorf("postgres store: upsert token record: %w", err)
	}
	return nil
}

// GetToken implements TokenStore.
func (s *PostgresStore) GetToken(ctx context.Context, p platform.Platform, projectID string) (*TokenRecord, error) {
	query := fmt.Sprintf(`
		SELECT platform, project_id, access_token_ciphertext, refresh_token_ciphertext,
			format_version, expires_at, scope, username, created_at, updated_at
		FROM %s WHERE platform = $1 AND project_id = $2
	`, s.fullTableName(s.cfg.TokenTable))

	var (
		rec         TokenRecord
		platformRaw string
		expires     sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, string(p), projectID).Scan(
		&platformRaw, &rec.ProjectID, &rec.AccessTokenCiphertext, &rec.RefreshTokenCiphertext,
		&rec.FormatVersion, &expires, &rec.Scope, &rec.Username, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: load token record: %w", err)
	}
	rec.Platform = platform.Platform(platformRaw)
	if expires.Valid {
		rec.ExpiresAt = expires.Time
	}
	return &rec, nil
}

// DeleteToken implements TokenStore.
func (s *PostgresStore) DeleteToken(ctx context.Context, p platform.Platform, projectID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE platform = $1 AND project_id = $2", s.fullTableName(s.cfg.TokenTable))
	if _, err := s.db.ExecContext(ctx, query, string(p), projectID); err != nil {
		return fmt.Errorf("postgres store: delete token record: %w", err)
	}
	return nil
}

// ListTokens implements TokenStore.
func (s *PostgresStore) ListTokens(ctx context.Context, projectID string) ([]*TokenRecord, error) {
	query := fmt.Sprintf(`
		SELECT platform, project_id, access_token_ciphertext, refresh_token_ciphertext,
			format_version, expires_at, scope, username, created_at, updated_at
		FROM %s WHERE project_id = $1 ORDER BY platform
	`, s.fullTableName(s.cfg.TokenTable))
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list token records: %w", err)
	}
	defer rows.Close()

	records := make([]*TokenRecord, 0, 8)
	for rows.Next() {
		var (
			rec         TokenRecord
			platformRaw string
			expires     sql.NullTime
		)
		if err = rows.Scan(
			&platformRaw, &rec.ProjectID, &rec.AccessTokenCiphertext, &rec.RefreshTokenCiphertext,
			&rec.FormatVersion, &expires, &rec.Scope, &rec.Username, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres store: scan token row: %w", err)
		}
		rec.Platform = platform.Platform(platformRaw)
		if expires.Valid {
			rec.ExpiresAt = expires.Time
		}
		records = append(records, &rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres store: iterate token rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) fullTableName(name string) string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(name)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(name)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
