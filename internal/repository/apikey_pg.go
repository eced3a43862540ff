package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoDePIN/orchgate/internal/model"
	"github.com/jmoiron/sqlx"
)

var ErrKeyNotFound = errors.New("api key not found")

type PostgresApiKeyRepo struct {
	db *sqlx.DB
}

func NewPostgresApiKeyRepo(db *sqlx.DB) *PostgresApiKeyRepo {
	repo := &PostgresApiKeyRepo{db: db}
	_ = repo.ensureSchema(context.Background())
	return repo
}

type apiKeyRow struct {
	ID                 int64          `db:"id"`
	KeyHash            string         `db:"key_hash"`
	KeyPreview         string         `db:"key_prefix"`
	Name               string         `db:"name"`
	Description        sql.NullString `db:"description"`
	CreatedAt          time.Time      `db:"created_at"`
	ExpiresAt          sql.NullTime   `db:"expires_at"`
	LastUsedAt         sql.NullTime   `db:"last_used_at"`
	IsActive           bool           `db:"is_active"`
	RateLimitPerMinute int            `db:"rate_limit_per_minute"`
	Permissions        []byte         `db:"permissions"`
}

func (row *apiKeyRow) toDomain() *model.ApiKey {
	k := &model.ApiKey{
		ID:                 row.ID,
		KeyHash:            row.KeyHash,
		KeyPreview:         row.KeyPreview,
		Name:               row.Name,
		Description:        row.Description.String,
		CreatedAt:          row.CreatedAt,
		IsActive:           row.IsActive,
		RateLimitPerMinute: row.RateLimitPerMinute,
	}
	if row.ExpiresAt.Valid {
		t := row.ExpiresAt.Time
		k.ExpiresAt = &t
	}
	if row.LastUsedAt.Valid {
		t := row.LastUsedAt.Time
		k.LastUsedAt = &t
	}
	_ = json.Unmarshal(row.Permissions, &k.Permissions)
	return k
}

const apiKeyColumns = `id, key_hash, key_prefix, name, description, created_at, expires_at, last_used_at, is_active, rate_limit_per_minute, permissions`

// Create inserts a new key record and returns its id.
func (r *PostgresApiKeyRepo) Create(ctx context.Context, k *model.ApiKey) (int64, error) {
	perms, _ := json.Marshal(k.Permissions)
	var id int64
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO api_keys (key_hash, key_prefix, name, description, created_at, expires_at, is_active, rate_limit_per_minute, permissions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, k.KeyHash, k.KeyPreview, k.Name, nullString(k.Description), k.CreatedAt,
		nullTime(k.ExpiresAt), k.IsActive, k.RateLimitPerMinute, perms).Scan(&id)
	return id, err
}

// ListActive returns active, non-expired keys for verification. The caller
// verifies the presented plaintext against each hash.
func (r *PostgresApiKeyRepo) ListActive(ctx context.Context, now time.Time) ([]*model.ApiKey, error) {
	var rows []apiKeyRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE is_active = TRUE AND (expires_at IS NULL OR expires_at > $1)
	`, now)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ApiKey, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// List returns all keys, newest first.
func (r *PostgresApiKeyRepo) List(ctx context.Context) ([]*model.ApiKey, error) {
	var rows []apiKeyRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	out := make([]*model.ApiKey, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (r *PostgresApiKeyRepo) GetByID(ctx context.Context, id int64) (*model.ApiKey, error) {
	var row apiKeyRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+apiKeyColumns+` FROM api_keys WHERE id = $1 LIMIT 1
	`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// Update rewrites mutable attributes: name, description, activity, rate
// limit, permissions, expiration.
func (r *PostgresApiKeyRepo) Update(ctx context.Context, k *model.ApiKey) error {
	perms, _ := json.Marshal(k.Permissions)
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys
		SET name = $2, description = $3, is_active = $4, rate_limit_per_minute = $5, permissions = $6, expires_at = $7
		WHERE id = $1
	`, k.ID, k.Name, nullString(k.Description), k.IsActive, k.RateLimitPerMinute, perms, nullTime(k.ExpiresAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (r *PostgresApiKeyRepo) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// TouchLastUsed is the best-effort last_used_at update; errors are the
// caller's to ignore.
func (r *PostgresApiKeyRepo) TouchLastUsed(ctx context.Context, id int64, when time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, when)
	return err
}

func (r *PostgresApiKeyRepo) ensureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS api_keys (
			id BIGSERIAL PRIMARY KEY,
			key_hash TEXT NOT NULL UNIQUE,
			key_prefix TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			description TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ,
			last_used_at TIMESTAMPTZ,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			rate_limit_per_minute INTEGER NOT NULL DEFAULT 60,
			permissions JSONB NOT NULL DEFAULT '[]'
		)
	`)
	if err != nil {
		return err
	}
	_, _ = r.db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS idx_api_keys_hash ON api_keys(key_hash)`)
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
