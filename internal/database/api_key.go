package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"expresso-wa/internal/config"
)

const (
	accessKeyLength = 20
	secretKeyLength = 35
)

var ErrNotFound = errors.New("api key not found")

// APIKey is a credential pair allowed to call the v1 API.
type APIKey struct {
	ID        string       `db:"id" json:"id"`
	AccessKey string       `db:"access_key" json:"accessKey"`
	SecretKey string       `db:"secret_key" json:"secretKey"`
	CreatedAt time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time    `db:"updated_at" json:"updatedAt"`
	DeletedAt sql.NullTime `db:"deleted_at" json:"-"`
}

type APIKeyRepository struct {
	db *sqlx.DB
}

func NewAPIKeyRepository(db *sqlx.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// Generate creates and stores a new random key pair.
func (r *APIKeyRepository) Generate(ctx context.Context) (*APIKey, error) {
	access, err := config.RandomString(accessKeyLength)
	if err != nil {
		return nil, err
	}
	secret, err := config.RandomString(secretKeyLength)
	if err != nil {
		return nil, err
	}
	return r.Create(ctx, access, secret)
}

func (r *APIKeyRepository) Create(ctx context.Context, accessKey, secretKey string) (*APIKey, error) {
	now := time.Now().UTC()
	key := &APIKey{
		ID:        uuid.NewString(),
		AccessKey: accessKey,
		SecretKey: secretKey,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := r.db.Rebind(`INSERT INTO api_key (id, access_key, secret_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if _, err := r.db.ExecContext(ctx, query, key.ID, key.AccessKey, key.SecretKey, key.CreatedAt, key.UpdatedAt); err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}
	return key, nil
}

// FindByAccessKey returns the active key with the given access key.
func (r *APIKeyRepository) FindByAccessKey(ctx context.Context, accessKey string) (*APIKey, error) {
	query := r.db.Rebind(`SELECT id, access_key, secret_key, created_at, updated_at, deleted_at
		FROM api_key WHERE access_key = ? AND deleted_at IS NULL`)

	var key APIKey
	err := r.db.GetContext(ctx, &key, query, accessKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find api key: %w", err)
	}
	return &key, nil
}

func (r *APIKeyRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM api_key WHERE deleted_at IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count api keys: %w", err)
	}
	return n, nil
}

func (r *APIKeyRepository) SoftDelete(ctx context.Context, id string) error {
	now := time.Now().UTC()
	query := r.db.Rebind(`UPDATE api_key SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)
	res, err := r.db.ExecContext(ctx, query, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Seed generates the first key pair when the table is empty. It returns the
// new key, or nil when keys already exist.
func (r *APIKeyRepository) Seed(ctx context.Context) (*APIKey, error) {
	n, err := r.Count(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, nil
	}

	key, err := r.Generate(ctx)
	if err != nil {
		return nil, err
	}
	log.Info().Str("accessKey", key.AccessKey).Msg("Seeded initial api key")
	return key, nil
}
