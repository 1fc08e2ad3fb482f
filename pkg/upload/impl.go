// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/filecrate/filecrate/pkg/ledger"
	"github.com/filecrate/filecrate/pkg/logger"
	"github.com/filecrate/filecrate/pkg/registry"
	"github.com/filecrate/filecrate/pkg/types"
	"github.com/filecrate/filecrate/pkg/utils"

	"github.com/google/uuid"
)

const mergedContentType = "application/octet-stream"

// Config holds configuration for the upload service
type Config struct {
	Ledger   ledger.Store
	Registry registry.Store
	Backend  types.BackendStorage

	// MaxFileSize caps the declared whole-file size. Zero means no cap.
	MaxFileSize int64
	// MaxChunks caps the declared chunk count per session.
	MaxChunks int
	// ChunkReadTimeout bounds each chunk read during merge.
	ChunkReadTimeout time.Duration
}

// serviceImpl implements the Service interface
type serviceImpl struct {
	ledger   ledger.Store
	registry registry.Store
	backend  types.BackendStorage

	maxFileSize      int64
	maxChunks        int
	chunkReadTimeout time.Duration

	// Per-session merge locks. Concurrent last-chunk retries serialize here;
	// the winner merges, the loser fails the all-completed precondition.
	mergeMu sync.Mutex
	merging map[string]*mergeLock
}

type mergeLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a new upload service
func NewService(cfg Config) (Service, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("Ledger is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("Registry is required")
	}
	if cfg.Backend == nil {
		return nil, errors.New("Backend is required")
	}

	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 10000
	}
	chunkReadTimeout := cfg.ChunkReadTimeout
	if chunkReadTimeout <= 0 {
		chunkReadTimeout = 30 * time.Second
	}

	return &serviceImpl{
		ledger:           cfg.Ledger,
		registry:         cfg.Registry,
		backend:          cfg.Backend,
		maxFileSize:      cfg.MaxFileSize,
		maxChunks:        maxChunks,
		chunkReadTimeout: chunkReadTimeout,
		merging:          make(map[string]*mergeLock),
	}, nil
}

func (s *serviceImpl) InitUpload(ctx context.Context, req *InitUploadRequest) (*InitUploadResult, error) {
	if req.FileName == "" {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: "file name is required",
		}
	}
	if req.FileSize <= 0 {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: "file size must be positive",
		}
	}
	if s.maxFileSize > 0 && req.FileSize > s.maxFileSize {
		return nil, &Error{
			Code:    ErrCodeSizeLimit,
			Message: "file size exceeds limit",
		}
	}

	// Dedup: a hash+size match among the owner's active files means the bytes
	// are already stored and no transfer is needed.
	if req.FileHash != "" {
		existing, err := s.registry.FindOwnedByHashAndSize(ctx, req.OwnerID, req.FileHash, req.FileSize)
		if err == nil {
			instantUploadsTotal.Inc()
			logger.Ctx(ctx).Debug().
				Str("owner_id", req.OwnerID).
				Str("file_id", existing.ID.String()).
				Msg("instant upload via content dedup")
			return &InitUploadResult{
				UploadID: InstantPrefix + existing.ID.String(),
			}, nil
		}
		if !errors.Is(err, registry.ErrFileNotFound) {
			return nil, &Error{
				Code:    ErrCodeInternal,
				Message: "failed to check for existing file",
				Err:     err,
			}
		}
	}

	// Generate upload ID (base64-encoded UUID)
	uploadUUID := uuid.New()
	uploadID := base64.RawURLEncoding.EncodeToString(uploadUUID[:])

	return &InitUploadResult{UploadID: uploadID}, nil
}

func (s *serviceImpl) UploadChunk(ctx context.Context, req *UploadChunkRequest) (*UploadChunkResult, error) {
	if req.Body == nil || req.ChunkSize == 0 {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: "chunk body is empty",
		}
	}
	if req.ChunkNumber < 0 {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: "chunk number must not be negative",
		}
	}
	if req.TotalChunks <= 0 {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: "total chunks must be positive",
		}
	}
	if req.TotalChunks > s.maxChunks {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: "total chunks exceeds limit of " + strconv.Itoa(s.maxChunks),
		}
	}
	if req.ChunkNumber >= req.TotalChunks {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: "chunk number must be less than total chunks",
		}
	}

	// Instant sessions carry no bytes; resolve the referenced file directly.
	if fileID, ok := strings.CutPrefix(req.UploadID, InstantPrefix); ok {
		return s.resolveInstant(ctx, fileID)
	}

	// Idempotency: a chunk already durably received is acknowledged without
	// touching the blob store.
	existing, err := s.ledger.GetChunk(ctx, req.UploadID, req.ChunkNumber)
	if err == nil && existing.Status == types.ChunkStatusCompleted {
		chunksDuplicateTotal.Inc()
		return &UploadChunkResult{AlreadyReceived: true}, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrChunkNotFound) {
		return nil, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to check chunk state",
			Err:     err,
		}
	}

	now := time.Now().UnixNano()
	storageKey := chunkKey(req.UploadID, req.ChunkNumber)
	rec := &types.ChunkRecord{
		UploadID:    req.UploadID,
		ChunkNumber: req.ChunkNumber,
		FileName:    req.FileName,
		TotalSize:   req.TotalSize,
		FileHash:    req.FileHash,
		ChunkSize:   req.ChunkSize,
		StorageKey:  storageKey,
		UploaderID:  req.OwnerID,
		Status:      types.ChunkStatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Record intent before writing bytes so a failed write leaves a row that
	// a retry simply overwrites.
	if err := s.ledger.PutChunk(ctx, rec); err != nil {
		return nil, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to record chunk",
			Err:     err,
		}
	}

	if err := s.backend.Write(ctx, storageKey, req.Body, req.ChunkSize); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("upload_id", req.UploadID).
			Int("chunk_number", req.ChunkNumber).
			Msg("failed to write chunk to storage")
		return nil, &Error{
			Code:    ErrCodeStorage,
			Message: "failed to write chunk",
			Err:     err,
		}
	}

	rec.Status = types.ChunkStatusCompleted
	rec.UpdatedAt = time.Now().UnixNano()
	if err := s.ledger.PutChunk(ctx, rec); err != nil {
		return nil, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to mark chunk completed",
			Err:     err,
		}
	}
	chunksReceivedTotal.Inc()

	if !req.IsLast {
		return &UploadChunkResult{}, nil
	}

	file, err := s.Merge(ctx, req.UploadID, req.OwnerID)
	if err != nil {
		return nil, err
	}
	return &UploadChunkResult{Merged: true, File: file}, nil
}

func (s *serviceImpl) resolveInstant(ctx context.Context, rawID string) (*UploadChunkResult, error) {
	fileID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeValidation,
			Message: "malformed instant upload token",
			Err:     err,
		}
	}

	file, err := s.registry.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, registry.ErrFileNotFound) {
			return nil, &Error{
				Code:    ErrCodeNotFound,
				Message: "deduplicated file no longer exists",
			}
		}
		return nil, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to resolve deduplicated file",
			Err:     err,
		}
	}

	return &UploadChunkResult{Merged: true, File: file}, nil
}

func (s *serviceImpl) Merge(ctx context.Context, uploadID, ownerID string) (*types.FileRef, error) {
	lock := s.acquireMergeLock(uploadID)
	defer s.releaseMergeLock(uploadID, lock)

	start := time.Now()
	file, err := s.merge(ctx, uploadID, ownerID)
	if err != nil {
		var uploadErr *Error
		reason := "internal"
		if errors.As(err, &uploadErr) {
			switch uploadErr.Code {
			case ErrCodeNotFound:
				reason = "not_found"
			case ErrCodeIncomplete:
				reason = "incomplete"
			case ErrCodeIntegrity:
				reason = "integrity"
			case ErrCodeStorage:
				reason = "storage"
			}
		}
		mergeFailuresTotal.WithLabelValues(reason).Inc()
		return nil, err
	}

	mergesTotal.Inc()
	mergeDuration.Observe(time.Since(start).Seconds())
	return file, nil
}

func (s *serviceImpl) merge(ctx context.Context, uploadID, ownerID string) (*types.FileRef, error) {
	recs, err := s.ledger.ListChunks(ctx, uploadID)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to list chunks",
			Err:     err,
		}
	}
	if len(recs) == 0 {
		return nil, &Error{
			Code:    ErrCodeNotFound,
			Message: "no chunks found for upload",
		}
	}

	// All-or-nothing: every recorded chunk must be durably stored. A MERGED
	// row means a concurrent merge already won.
	for _, rec := range recs {
		if rec.Status != types.ChunkStatusCompleted {
			return nil, &Error{
				Code:    ErrCodeIncomplete,
				Message: fmt.Sprintf("chunk %d is %s, not COMPLETED", rec.ChunkNumber, rec.Status),
			}
		}
	}

	first := recs[0]

	// Concatenate in chunk-number order, hashing as we go. Buffering before
	// the final write keeps the integrity check ahead of any persistence.
	buf := utils.SyncPoolGetBuffer()
	defer utils.SyncPoolPutBuffer(buf)
	hasher := utils.Md5PoolGetHasher()
	defer utils.Md5PoolPutHasher(hasher)

	sink := io.MultiWriter(buf, hasher)
	for _, rec := range recs {
		if err := s.copyChunk(ctx, rec.StorageKey, sink); err != nil {
			return nil, &Error{
				Code:    ErrCodeStorage,
				Message: fmt.Sprintf("failed to read chunk %d", rec.ChunkNumber),
				Err:     err,
			}
		}
	}

	actualHash := hex.EncodeToString(hasher.Sum(nil))
	if first.FileHash != "" && actualHash != first.FileHash {
		return nil, &Error{
			Code:    ErrCodeIntegrity,
			Message: "merged content hash does not match declared hash",
		}
	}

	fileID := uuid.New()
	finalKey := finalObjectKey(ownerID, first.FileName, fileID)
	size := int64(buf.Len())

	if err := s.backend.Write(ctx, finalKey, buf, size); err != nil {
		return nil, &Error{
			Code:    ErrCodeStorage,
			Message: "failed to write merged file",
			Err:     err,
		}
	}

	file := &types.FileRef{
		ID:          fileID,
		Name:        first.FileName,
		Size:        size,
		ContentType: mergedContentType,
		StorageKey:  finalKey,
		OwnerID:     ownerID,
		Status:      types.FileStatusActive,
		ContentHash: actualHash,
		CreatedAt:   time.Now().UnixNano(),
	}
	if err := s.registry.CreateFile(ctx, file); err != nil {
		return nil, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to register merged file",
			Err:     err,
		}
	}

	if err := s.ledger.MarkMerged(ctx, uploadID, fileID); err != nil {
		return nil, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to mark chunks merged",
			Err:     err,
		}
	}

	// Chunk blobs are no longer needed; losing some to a crash only leaves
	// orphans for the janitor.
	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		keys = append(keys, rec.StorageKey)
	}
	if err := s.backend.DeleteBatch(ctx, keys); err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("upload_id", uploadID).
			Msg("failed to delete chunk blobs after merge")
	}

	logger.Ctx(ctx).Info().
		Str("upload_id", uploadID).
		Str("file_id", fileID.String()).
		Int64("size", size).
		Int("chunks", len(recs)).
		Msg("upload merged")

	return file, nil
}

// copyChunk streams one chunk into w with a bounded read deadline.
func (s *serviceImpl) copyChunk(ctx context.Context, key string, w io.Writer) error {
	readCtx, cancel := context.WithTimeout(ctx, s.chunkReadTimeout)
	defer cancel()

	rc, err := s.backend.Read(readCtx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(w, rc)
	return err
}

func (s *serviceImpl) CheckChunk(ctx context.Context, uploadID string, chunkNumber int) (bool, error) {
	rec, err := s.ledger.GetChunk(ctx, uploadID, chunkNumber)
	if err != nil {
		if errors.Is(err, ledger.ErrChunkNotFound) {
			return false, nil
		}
		return false, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to check chunk",
			Err:     err,
		}
	}
	return rec.Status == types.ChunkStatusCompleted, nil
}

func (s *serviceImpl) ListCompleted(ctx context.Context, uploadID string) ([]int, error) {
	recs, err := s.ledger.ListChunks(ctx, uploadID)
	if err != nil {
		return nil, &Error{
			Code:    ErrCodeInternal,
			Message: "failed to list chunks",
			Err:     err,
		}
	}

	numbers := make([]int, 0, len(recs))
	for _, rec := range recs {
		if rec.Status == types.ChunkStatusCompleted {
			numbers = append(numbers, rec.ChunkNumber)
		}
	}
	return numbers, nil
}

func (s *serviceImpl) Cancel(ctx context.Context, uploadID string) error {
	recs, err := s.ledger.ListChunks(ctx, uploadID)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).
			Str("upload_id", uploadID).
			Msg("failed to list chunks for cleanup")
	}

	// Blob cleanup is best effort; the ledger delete below is what retires
	// the session.
	if len(recs) > 0 {
		keys := make([]string, 0, len(recs))
		for _, rec := range recs {
			keys = append(keys, rec.StorageKey)
		}
		if err := s.backend.DeleteBatch(ctx, keys); err != nil {
			logger.Ctx(ctx).Warn().Err(err).
				Str("upload_id", uploadID).
				Int("chunks", len(recs)).
				Msg("failed to delete some chunk blobs during cancel")
		}
	}

	if err := s.ledger.DeleteChunks(ctx, uploadID); err != nil {
		return &Error{
			Code:    ErrCodeInternal,
			Message: "failed to delete chunk records",
			Err:     err,
		}
	}

	cancelsTotal.Inc()
	return nil
}

func (s *serviceImpl) acquireMergeLock(uploadID string) *mergeLock {
	s.mergeMu.Lock()
	lock, ok := s.merging[uploadID]
	if !ok {
		lock = &mergeLock{}
		s.merging[uploadID] = lock
	}
	lock.refs++
	s.mergeMu.Unlock()

	lock.mu.Lock()
	return lock
}

func (s *serviceImpl) releaseMergeLock(uploadID string, lock *mergeLock) {
	lock.mu.Unlock()

	s.mergeMu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.merging, uploadID)
	}
	s.mergeMu.Unlock()
}

func chunkKey(uploadID string, chunkNumber int) string {
	return "chunks/" + uploadID + "/" + strconv.Itoa(chunkNumber)
}

// finalObjectKey builds a date-partitioned key for the merged object,
// preserving the original extension.
func finalObjectKey(ownerID, fileName string, fileID uuid.UUID) string {
	now := time.Now().UTC()
	ext := filepath.Ext(fileName)
	random := base64.RawURLEncoding.EncodeToString(fileID[:])
	return fmt.Sprintf("%s/%04d/%02d/%02d/%s%s",
		ownerID, now.Year(), now.Month(), now.Day(), random, ext)
}
