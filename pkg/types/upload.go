// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package types

import "github.com/google/uuid"

// ChunkStatus tracks the lifecycle of a single uploaded chunk.
type ChunkStatus string

const (
	// ChunkStatusUploading is set before the chunk bytes are durably stored.
	ChunkStatusUploading ChunkStatus = "UPLOADING"
	// ChunkStatusCompleted means the bytes are in the blob store and the
	// chunk counts toward merge eligibility.
	ChunkStatusCompleted ChunkStatus = "COMPLETED"
	// ChunkStatusMerged means the chunk has been consumed by a merge.
	ChunkStatusMerged ChunkStatus = "MERGED"
)

// ChunkRecord is one row of the chunk ledger, keyed by (UploadID, ChunkNumber).
// The ledger is the single source of truth for what has been durably received;
// the blob store is never trusted alone.
type ChunkRecord struct {
	UploadID    string      `json:"upload_id"`
	ChunkNumber int         `json:"chunk_number"` // zero-based
	FileName    string      `json:"file_name"`
	TotalSize   int64       `json:"total_size"` // declared whole-file size
	FileHash    string      `json:"file_hash"`  // declared whole-file MD5 (hex)
	ChunkSize   int64       `json:"chunk_size"`
	StorageKey  string      `json:"storage_key"`
	UploaderID  string      `json:"uploader_id"`
	Status      ChunkStatus `json:"status"`
	FileID      uuid.UUID   `json:"file_id,omitempty"` // stamped when merged
	CreatedAt   int64       `json:"created_at"`        // Unix nano timestamp
	UpdatedAt   int64       `json:"updated_at"`        // Unix nano timestamp
}

// FileStatus tracks the lifecycle of a finalized file.
type FileStatus string

const (
	FileStatusActive  FileStatus = "ACTIVE"
	FileStatusDeleted FileStatus = "DELETED"
)

// FileRef is a finalized file produced by a successful merge (or reused
// directly on instant-upload dedup). It is owned by the uploading user and
// referenced, never owned, by downstream collections and shares.
type FileRef struct {
	ID          uuid.UUID  `json:"id"`
	Name        string     `json:"name"`
	Size        int64      `json:"size"`
	ContentType string     `json:"content_type"`
	StorageKey  string     `json:"storage_key"`
	OwnerID     string     `json:"owner_id"`
	Status      FileStatus `json:"status"`
	ContentHash string     `json:"content_hash"` // whole-file MD5 (hex)
	CreatedAt   int64      `json:"created_at"`   // Unix nano timestamp
}
