// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/filecrate/filecrate/pkg/types"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// Postgres implements Store on PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres opens a PostgreSQL-backed file registry.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Postgres{db: db}, nil
}

// Migrate creates the files table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS files (
			id           UUID PRIMARY KEY,
			name         TEXT NOT NULL,
			size         BIGINT NOT NULL,
			content_type TEXT NOT NULL,
			storage_key  TEXT NOT NULL,
			owner_id     TEXT NOT NULL,
			status       TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at   BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create files table: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_files_owner_hash
		ON files (owner_id, content_hash, size)
	`)
	if err != nil {
		return fmt.Errorf("create files index: %w", err)
	}
	return nil
}

func (p *Postgres) CreateFile(ctx context.Context, ref *types.FileRef) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO files (id, name, size, content_type, storage_key, owner_id, status, content_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		ref.ID.String(),
		ref.Name,
		ref.Size,
		ref.ContentType,
		ref.StorageKey,
		ref.OwnerID,
		ref.Status,
		ref.ContentHash,
		ref.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

func (p *Postgres) GetFile(ctx context.Context, id uuid.UUID) (*types.FileRef, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, size, content_type, storage_key, owner_id, status, content_hash, created_at
		FROM files
		WHERE id = $1
	`, id.String())

	return scanFile(row)
}

func (p *Postgres) FindOwnedByHashAndSize(ctx context.Context, ownerID, contentHash string, size int64) (*types.FileRef, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, name, size, content_type, storage_key, owner_id, status, content_hash, created_at
		FROM files
		WHERE owner_id = $1 AND content_hash = $2 AND size = $3 AND status = $4
		ORDER BY created_at
		LIMIT 1
	`, ownerID, contentHash, size, types.FileStatusActive)

	return scanFile(row)
}

func (p *Postgres) UpdateStatus(ctx context.Context, id uuid.UUID, status types.FileStatus) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE files SET status = $1 WHERE id = $2
	`, status, id.String())
	if err != nil {
		return fmt.Errorf("update file status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrFileNotFound
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*types.FileRef, error) {
	var ref types.FileRef
	var id string

	err := row.Scan(
		&id,
		&ref.Name,
		&ref.Size,
		&ref.ContentType,
		&ref.StorageKey,
		&ref.OwnerID,
		&ref.Status,
		&ref.ContentHash,
		&ref.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse file id: %w", err)
	}
	ref.ID = parsed
	return &ref, nil
}

var _ Store = (*Postgres)(nil)
