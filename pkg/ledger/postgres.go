// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

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

// NewPostgres opens a PostgreSQL-backed ledger.
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

// Migrate creates the chunk ledger table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS upload_chunks (
			upload_id    TEXT NOT NULL,
			chunk_number INT NOT NULL,
			file_name    TEXT NOT NULL,
			total_size   BIGINT NOT NULL,
			file_hash    TEXT NOT NULL,
			chunk_size   BIGINT NOT NULL,
			storage_key  TEXT NOT NULL,
			uploader_id  TEXT NOT NULL,
			status       TEXT NOT NULL,
			file_id      UUID,
			created_at   BIGINT NOT NULL,
			updated_at   BIGINT NOT NULL,
			PRIMARY KEY (upload_id, chunk_number)
		)
	`)
	if err != nil {
		return fmt.Errorf("create upload_chunks table: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_upload_chunks_updated
		ON upload_chunks (status, updated_at)
	`)
	if err != nil {
		return fmt.Errorf("create upload_chunks index: %w", err)
	}
	return nil
}

func (p *Postgres) PutChunk(ctx context.Context, rec *types.ChunkRecord) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO upload_chunks (upload_id, chunk_number, file_name, total_size, file_hash, chunk_size, storage_key, uploader_id, status, file_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (upload_id, chunk_number) DO UPDATE SET
			chunk_size = EXCLUDED.chunk_size,
			storage_key = EXCLUDED.storage_key,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
	`,
		rec.UploadID,
		rec.ChunkNumber,
		rec.FileName,
		rec.TotalSize,
		rec.FileHash,
		rec.ChunkSize,
		rec.StorageKey,
		rec.UploaderID,
		rec.Status,
		nullableUUID(rec.FileID),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put chunk: %w", err)
	}
	return nil
}

func (p *Postgres) GetChunk(ctx context.Context, uploadID string, chunkNumber int) (*types.ChunkRecord, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT upload_id, chunk_number, file_name, total_size, file_hash, chunk_size, storage_key, uploader_id, status, file_id, created_at, updated_at
		FROM upload_chunks
		WHERE upload_id = $1 AND chunk_number = $2
	`, uploadID, chunkNumber)

	return scanChunk(row)
}

func (p *Postgres) ListChunks(ctx context.Context, uploadID string) ([]*types.ChunkRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT upload_id, chunk_number, file_name, total_size, file_hash, chunk_size, storage_key, uploader_id, status, file_id, created_at, updated_at
		FROM upload_chunks
		WHERE upload_id = $1
		ORDER BY chunk_number
	`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var recs []*types.ChunkRecord
	for rows.Next() {
		rec, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (p *Postgres) MarkMerged(ctx context.Context, uploadID string, fileID uuid.UUID) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE upload_chunks
		SET status = $1, file_id = $2, updated_at = $3
		WHERE upload_id = $4
	`, types.ChunkStatusMerged, fileID.String(), time.Now().UnixNano(), uploadID)
	if err != nil {
		return fmt.Errorf("mark merged: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteChunks(ctx context.Context, uploadID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM upload_chunks WHERE upload_id = $1`, uploadID)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (p *Postgres) ListStaleUploads(ctx context.Context, cutoff int64, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT upload_id
		FROM upload_chunks
		WHERE status != $1
		GROUP BY upload_id
		HAVING MAX(updated_at) < $2
		LIMIT $3
	`, types.ChunkStatusMerged, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChunk(row scanner) (*types.ChunkRecord, error) {
	var rec types.ChunkRecord
	var fileID sql.NullString

	err := row.Scan(
		&rec.UploadID,
		&rec.ChunkNumber,
		&rec.FileName,
		&rec.TotalSize,
		&rec.FileHash,
		&rec.ChunkSize,
		&rec.StorageKey,
		&rec.UploaderID,
		&rec.Status,
		&fileID,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}

	if fileID.Valid {
		id, err := uuid.Parse(fileID.String)
		if err != nil {
			return nil, fmt.Errorf("parse file id: %w", err)
		}
		rec.FileID = id
	}
	return &rec, nil
}

func nullableUUID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

var _ Store = (*Postgres)(nil)
