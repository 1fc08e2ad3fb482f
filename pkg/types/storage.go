// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"context"
	"io"
)

// StorageType identifies a blob store backend implementation.
type StorageType string

const (
	StorageTypeLocal StorageType = "local"
	StorageTypeS3    StorageType = "s3"
)

// BackendConfig holds configuration for a blob store backend.
type BackendConfig struct {
	Type StorageType

	// Local
	Path string

	// S3
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// BackendStorage is the blob store consumed by the upload core. Both
// in-progress chunks and finalized merged objects are written through it.
type BackendStorage interface {
	Type() StorageType

	Write(ctx context.Context, key string, data io.Reader, size int64) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// DeleteBatch removes several keys, returning the first error after
	// attempting all of them. Missing keys are not errors.
	DeleteBatch(ctx context.Context, keys []string) error
	Exists(ctx context.Context, key string) (bool, error)
	Size(ctx context.Context, key string) (int64, error)

	Close() error
}
