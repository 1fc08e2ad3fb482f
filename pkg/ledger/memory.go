// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/filecrate/filecrate/pkg/types"

	"github.com/google/uuid"
)

// Memory is an in-memory Store for tests and single-node setups.
type Memory struct {
	mu     sync.RWMutex
	chunks map[string]map[int]*types.ChunkRecord // uploadID -> chunkNumber -> record
}

// NewMemory creates an in-memory chunk ledger.
func NewMemory() *Memory {
	return &Memory{
		chunks: make(map[string]map[int]*types.ChunkRecord),
	}
}

func (m *Memory) PutChunk(ctx context.Context, rec *types.ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byNumber, ok := m.chunks[rec.UploadID]
	if !ok {
		byNumber = make(map[int]*types.ChunkRecord)
		m.chunks[rec.UploadID] = byNumber
	}

	cp := *rec
	byNumber[rec.ChunkNumber] = &cp
	return nil
}

func (m *Memory) GetChunk(ctx context.Context, uploadID string, chunkNumber int) (*types.ChunkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.chunks[uploadID][chunkNumber]
	if !ok {
		return nil, ErrChunkNotFound
	}

	cp := *rec
	return &cp, nil
}

func (m *Memory) ListChunks(ctx context.Context, uploadID string) ([]*types.ChunkRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byNumber := m.chunks[uploadID]
	recs := make([]*types.ChunkRecord, 0, len(byNumber))
	for _, rec := range byNumber {
		cp := *rec
		recs = append(recs, &cp)
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].ChunkNumber < recs[j].ChunkNumber
	})
	return recs, nil
}

func (m *Memory) MarkMerged(ctx context.Context, uploadID string, fileID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	for _, rec := range m.chunks[uploadID] {
		rec.Status = types.ChunkStatusMerged
		rec.FileID = fileID
		rec.UpdatedAt = now
	}
	return nil
}

func (m *Memory) DeleteChunks(ctx context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, uploadID)
	return nil
}

func (m *Memory) ListStaleUploads(ctx context.Context, cutoff int64, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for uploadID, byNumber := range m.chunks {
		var newest int64
		merged := false
		for _, rec := range byNumber {
			if rec.Status == types.ChunkStatusMerged {
				merged = true
				break
			}
			if rec.UpdatedAt > newest {
				newest = rec.UpdatedAt
			}
		}
		if merged || newest >= cutoff {
			continue
		}
		ids = append(ids, uploadID)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[string]map[int]*types.ChunkRecord)
	return nil
}

var _ Store = (*Memory)(nil)
