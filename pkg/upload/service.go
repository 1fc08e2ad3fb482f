// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

// Package upload implements the chunked upload core: session initiation with
// instant-upload dedup, idempotent chunk receipt, ordered merge with integrity
// verification, and cancellation cleanup.
package upload

import (
	"context"
	"io"

	"github.com/filecrate/filecrate/pkg/types"
)

// InstantPrefix marks a session token that needs no byte transfer: the
// declared content already exists for this owner and the suffix is the
// reusable file ID.
const InstantPrefix = "INSTANT:"

// Service defines the interface for chunked upload operations.
// This separates business logic from HTTP handling.
type Service interface {
	// InitUpload starts an upload session or short-circuits via dedup.
	InitUpload(ctx context.Context, req *InitUploadRequest) (*InitUploadResult, error)

	// UploadChunk receives one chunk; the last chunk triggers the merge.
	UploadChunk(ctx context.Context, req *UploadChunkRequest) (*UploadChunkResult, error)

	// Merge assembles all chunks of a session into the final file.
	Merge(ctx context.Context, uploadID, ownerID string) (*types.FileRef, error)

	// CheckChunk reports whether a chunk has been durably received.
	CheckChunk(ctx context.Context, uploadID string, chunkNumber int) (bool, error)

	// ListCompleted returns the durably received chunk numbers, ascending.
	ListCompleted(ctx context.Context, uploadID string) ([]int, error)

	// Cancel abandons a session, removing its chunks and ledger rows.
	Cancel(ctx context.Context, uploadID string) error
}

// InitUploadRequest contains parameters for starting an upload session
type InitUploadRequest struct {
	FileName string
	FileSize int64
	FileHash string // whole-file MD5, hex
	OwnerID  string
}

// InitUploadResult contains the session token. An InstantPrefix token means
// the file already exists and no chunks need to be sent.
type InitUploadResult struct {
	UploadID string
}

// UploadChunkRequest contains parameters for receiving one chunk
type UploadChunkRequest struct {
	UploadID    string
	ChunkNumber int // zero-based
	TotalChunks int
	FileName    string
	TotalSize   int64
	FileHash    string
	Body        io.Reader
	ChunkSize   int64
	IsLast      bool
	OwnerID     string
}

// UploadChunkResult reports the outcome of a chunk receipt
type UploadChunkResult struct {
	// AlreadyReceived is set when the chunk was a duplicate and no bytes
	// were written.
	AlreadyReceived bool
	// Merged is set when this chunk completed the session.
	Merged bool
	// File is the finalized file when Merged is set, or the deduplicated
	// file for instant sessions.
	File *types.FileRef
}
