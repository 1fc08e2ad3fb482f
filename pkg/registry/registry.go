// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry stores finalized file references. A FileRef is created by
// a successful merge or reused on instant-upload dedup.
package registry

import (
	"context"
	"errors"

	"github.com/filecrate/filecrate/pkg/types"

	"github.com/google/uuid"
)

// ErrFileNotFound is returned when no file matches the lookup.
var ErrFileNotFound = errors.New("file not found")

// Store is the file registry interface.
type Store interface {
	// CreateFile persists a new FileRef.
	CreateFile(ctx context.Context, ref *types.FileRef) error

	// GetFile returns the FileRef with the given ID or ErrFileNotFound.
	GetFile(ctx context.Context, id uuid.UUID) (*types.FileRef, error)

	// FindOwnedByHashAndSize returns an ACTIVE file owned by ownerID with the
	// given content hash and size, or ErrFileNotFound. Used for instant-upload
	// dedup; matching is scoped to the owner so users never see each other's
	// content.
	FindOwnedByHashAndSize(ctx context.Context, ownerID, contentHash string, size int64) (*types.FileRef, error)

	// UpdateStatus sets the lifecycle status of a file.
	UpdateStatus(ctx context.Context, id uuid.UUID, status types.FileStatus) error

	Close() error
}
