// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

// Package ledger tracks received chunks per upload session. The ledger is
// the authority on upload progress; the blob store is only consulted for
// chunk bytes, never for what has been received.
package ledger

import (
	"context"
	"errors"

	"github.com/filecrate/filecrate/pkg/types"

	"github.com/google/uuid"
)

// ErrChunkNotFound is returned when no row exists for (uploadID, chunkNumber).
var ErrChunkNotFound = errors.New("chunk not found")

// Store is the chunk ledger interface.
type Store interface {
	// PutChunk inserts or replaces the row keyed by (UploadID, ChunkNumber).
	PutChunk(ctx context.Context, rec *types.ChunkRecord) error

	// GetChunk returns the row for (uploadID, chunkNumber) or ErrChunkNotFound.
	GetChunk(ctx context.Context, uploadID string, chunkNumber int) (*types.ChunkRecord, error)

	// ListChunks returns all rows for uploadID ordered by chunk number ascending.
	// An unknown uploadID yields an empty slice, not an error.
	ListChunks(ctx context.Context, uploadID string) ([]*types.ChunkRecord, error)

	// MarkMerged flips every row of uploadID to MERGED and stamps the file ID.
	MarkMerged(ctx context.Context, uploadID string, fileID uuid.UUID) error

	// DeleteChunks removes all rows for uploadID. Unknown uploadID is a no-op.
	DeleteChunks(ctx context.Context, uploadID string) error

	// ListStaleUploads returns distinct upload IDs whose newest non-MERGED row
	// is older than cutoff (Unix nanos). Used by the janitor.
	ListStaleUploads(ctx context.Context, cutoff int64, limit int) ([]string, error)

	Close() error
}
