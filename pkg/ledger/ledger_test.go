package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/filecrate/filecrate/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(uploadID string, chunkNumber int) *types.ChunkRecord {
	now := time.Now().UnixNano()
	return &types.ChunkRecord{
		UploadID:    uploadID,
		ChunkNumber: chunkNumber,
		FileName:    "report.pdf",
		TotalSize:   300,
		FileHash:    "9e107d9d372bb6826bd81d3542a419d6",
		ChunkSize:   100,
		StorageKey:  "chunks/" + uploadID + "/0",
		UploaderID:  "user-1",
		Status:      types.ChunkStatusCompleted,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMemory_PutGetChunk(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	rec := newRecord("upload-1", 0)
	require.NoError(t, store.PutChunk(ctx, rec))

	got, err := store.GetChunk(ctx, "upload-1", 0)
	require.NoError(t, err)
	assert.Equal(t, rec.UploadID, got.UploadID)
	assert.Equal(t, rec.ChunkNumber, got.ChunkNumber)
	assert.Equal(t, types.ChunkStatusCompleted, got.Status)
}

func TestMemory_GetChunk_NotFound(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()

	_, err := store.GetChunk(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, ErrChunkNotFound)
}

func TestMemory_PutChunk_Upsert(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	rec := newRecord("upload-1", 0)
	rec.Status = types.ChunkStatusUploading
	require.NoError(t, store.PutChunk(ctx, rec))

	rec.Status = types.ChunkStatusCompleted
	require.NoError(t, store.PutChunk(ctx, rec))

	got, err := store.GetChunk(ctx, "upload-1", 0)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusCompleted, got.Status)

	recs, err := store.ListChunks(ctx, "upload-1")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestMemory_ListChunks_Sorted(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	// Insert out of order
	for _, n := range []int{2, 0, 1} {
		require.NoError(t, store.PutChunk(ctx, newRecord("upload-1", n)))
	}

	recs, err := store.ListChunks(ctx, "upload-1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Equal(t, i, rec.ChunkNumber)
	}
}

func TestMemory_ListChunks_UnknownUpload(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()

	recs, err := store.ListChunks(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestMemory_MarkMerged(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	for n := 0; n < 3; n++ {
		require.NoError(t, store.PutChunk(ctx, newRecord("upload-1", n)))
	}

	fileID := uuid.New()
	require.NoError(t, store.MarkMerged(ctx, "upload-1", fileID))

	recs, err := store.ListChunks(ctx, "upload-1")
	require.NoError(t, err)
	for _, rec := range recs {
		assert.Equal(t, types.ChunkStatusMerged, rec.Status)
		assert.Equal(t, fileID, rec.FileID)
	}
}

func TestMemory_DeleteChunks(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	require.NoError(t, store.PutChunk(ctx, newRecord("upload-1", 0)))
	require.NoError(t, store.PutChunk(ctx, newRecord("upload-2", 0)))

	require.NoError(t, store.DeleteChunks(ctx, "upload-1"))

	recs, err := store.ListChunks(ctx, "upload-1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// Other uploads are untouched
	recs, err = store.ListChunks(ctx, "upload-2")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// Deleting again is a no-op
	require.NoError(t, store.DeleteChunks(ctx, "upload-1"))
}

func TestMemory_ListStaleUploads(t *testing.T) {
	t.Parallel()

	store := NewMemory()
	defer store.Close()
	ctx := context.Background()

	old := newRecord("stale-upload", 0)
	old.UpdatedAt = time.Now().Add(-2 * time.Hour).UnixNano()
	require.NoError(t, store.PutChunk(ctx, old))

	fresh := newRecord("fresh-upload", 0)
	require.NoError(t, store.PutChunk(ctx, fresh))

	merged := newRecord("merged-upload", 0)
	merged.UpdatedAt = time.Now().Add(-2 * time.Hour).UnixNano()
	merged.Status = types.ChunkStatusMerged
	require.NoError(t, store.PutChunk(ctx, merged))

	cutoff := time.Now().Add(-time.Hour).UnixNano()
	ids, err := store.ListStaleUploads(ctx, cutoff, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale-upload"}, ids)
}
