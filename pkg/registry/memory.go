// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"sync"

	"github.com/filecrate/filecrate/pkg/types"

	"github.com/google/uuid"
)

// Memory is an in-memory Store for tests and single-node setups.
type Memory struct {
	mu    sync.RWMutex
	files map[uuid.UUID]*types.FileRef
}

// NewMemory creates an in-memory file registry.
func NewMemory() *Memory {
	return &Memory{
		files: make(map[uuid.UUID]*types.FileRef),
	}
}

func (m *Memory) CreateFile(ctx context.Context, ref *types.FileRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *ref
	m.files[ref.ID] = &cp
	return nil
}

func (m *Memory) GetFile(ctx context.Context, id uuid.UUID) (*types.FileRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ref, ok := m.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}

	cp := *ref
	return &cp, nil
}

func (m *Memory) FindOwnedByHashAndSize(ctx context.Context, ownerID, contentHash string, size int64) (*types.FileRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var oldest *types.FileRef
	for _, ref := range m.files {
		if ref.OwnerID != ownerID || ref.ContentHash != contentHash || ref.Size != size {
			continue
		}
		if ref.Status != types.FileStatusActive {
			continue
		}
		if oldest == nil || ref.CreatedAt < oldest.CreatedAt {
			oldest = ref
		}
	}

	if oldest == nil {
		return nil, ErrFileNotFound
	}
	cp := *oldest
	return &cp, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id uuid.UUID, status types.FileStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.files[id]
	if !ok {
		return ErrFileNotFound
	}
	ref.Status = status
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = make(map[uuid.UUID]*types.FileRef)
	return nil
}

var _ Store = (*Memory)(nil)
