package upload

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filecrate/filecrate/pkg/ledger"
	"github.com/filecrate/filecrate/pkg/registry"
	"github.com/filecrate/filecrate/pkg/storage/backend"
	"github.com/filecrate/filecrate/pkg/types"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	service  Service
	ledger   *ledger.Memory
	registry *registry.Memory
	backend  *backend.MemoryStorage
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()

	env := &testEnv{
		ledger:   ledger.NewMemory(),
		registry: registry.NewMemory(),
		backend:  backend.NewMemoryStorage(),
	}
	cfg.Ledger = env.ledger
	cfg.Registry = env.registry
	cfg.Backend = env.backend

	svc, err := NewService(cfg)
	require.NoError(t, err)
	env.service = svc
	return env
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// uploadChunk sends one chunk of content split into 100-byte pieces.
func uploadChunk(t *testing.T, env *testEnv, uploadID string, number, total int, data []byte, fileHash string, isLast bool) *UploadChunkResult {
	t.Helper()

	res, err := env.service.UploadChunk(context.Background(), &UploadChunkRequest{
		UploadID:    uploadID,
		ChunkNumber: number,
		TotalChunks: total,
		FileName:    "report.bin",
		TotalSize:   int64(total * 100),
		FileHash:    fileHash,
		Body:        bytes.NewReader(data),
		ChunkSize:   int64(len(data)),
		IsLast:      isLast,
		OwnerID:     "user-1",
	})
	require.NoError(t, err)
	return res
}

func chunkBytes(n int) []byte {
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte('A' + n)
	}
	return data
}

func TestUploadChunk_OutOfOrderMerge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	b0, b1, b2 := chunkBytes(0), chunkBytes(1), chunkBytes(2)
	whole := append(append(append([]byte{}, b0...), b1...), b2...)
	hash := md5Hex(whole)

	init, err := env.service.InitUpload(ctx, &InitUploadRequest{
		FileName: "report.bin",
		FileSize: 300,
		FileHash: hash,
		OwnerID:  "user-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, init.UploadID)
	require.False(t, strings.HasPrefix(init.UploadID, InstantPrefix))

	// Chunks arrive out of order; only the explicit last flag merges
	res := uploadChunk(t, env, init.UploadID, 2, 3, b2, hash, false)
	assert.False(t, res.Merged)
	res = uploadChunk(t, env, init.UploadID, 0, 3, b0, hash, false)
	assert.False(t, res.Merged)
	res = uploadChunk(t, env, init.UploadID, 1, 3, b1, hash, true)

	require.True(t, res.Merged)
	require.NotNil(t, res.File)
	assert.Equal(t, int64(300), res.File.Size)
	assert.Equal(t, hash, res.File.ContentHash)
	assert.Equal(t, "user-1", res.File.OwnerID)
	assert.Equal(t, types.FileStatusActive, res.File.Status)

	// Merged bytes are the chunks in ascending chunk-number order
	rc, err := env.backend.Read(ctx, res.File.StorageKey)
	require.NoError(t, err)
	merged, err := io.ReadAll(rc)
	rc.Close()
	require.NoError(t, err)
	assert.Equal(t, whole, merged)

	// Ledger rows are flipped to MERGED and stamped with the file ID
	recs, err := env.ledger.ListChunks(ctx, init.UploadID)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, types.ChunkStatusMerged, rec.Status)
		assert.Equal(t, res.File.ID, rec.FileID)
	}

	// Chunk blobs are cleaned up after the merge
	for n := 0; n < 3; n++ {
		exists, err := env.backend.Exists(ctx, chunkKey(init.UploadID, n))
		require.NoError(t, err)
		assert.False(t, exists)
	}
}

func TestUploadChunk_IdempotentReupload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})

	b0 := chunkBytes(0)
	res := uploadChunk(t, env, "upload-1", 0, 3, b0, "", false)
	assert.False(t, res.AlreadyReceived)
	writes := env.backend.WriteCount()

	// Same chunk again: acknowledged without a blob write
	res = uploadChunk(t, env, "upload-1", 0, 3, b0, "", false)
	assert.True(t, res.AlreadyReceived)
	assert.Equal(t, writes, env.backend.WriteCount())
}

func TestUploadChunk_ValidationOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		req     *UploadChunkRequest
		wantMsg string
	}{
		{
			name: "empty body first",
			req: &UploadChunkRequest{
				UploadID:    "u",
				ChunkNumber: -1, // also invalid, but body check wins
				TotalChunks: 0,
			},
			wantMsg: "chunk body is empty",
		},
		{
			name: "negative chunk number",
			req: &UploadChunkRequest{
				UploadID:    "u",
				ChunkNumber: -1,
				TotalChunks: 0,
				Body:        strings.NewReader("x"),
				ChunkSize:   1,
			},
			wantMsg: "chunk number must not be negative",
		},
		{
			name: "non-positive total",
			req: &UploadChunkRequest{
				UploadID:    "u",
				ChunkNumber: 0,
				TotalChunks: 0,
				Body:        strings.NewReader("x"),
				ChunkSize:   1,
			},
			wantMsg: "total chunks must be positive",
		},
		{
			name: "chunk number out of range",
			req: &UploadChunkRequest{
				UploadID:    "u",
				ChunkNumber: 3,
				TotalChunks: 3,
				Body:        strings.NewReader("x"),
				ChunkSize:   1,
			},
			wantMsg: "chunk number must be less than total chunks",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.service.UploadChunk(ctx, tt.req)
			require.Error(t, err)

			var upErr *Error
			require.ErrorAs(t, err, &upErr)
			assert.Equal(t, ErrCodeValidation, upErr.Code)
			assert.Contains(t, upErr.Message, tt.wantMsg)
		})
	}
}

func TestUploadChunk_TotalChunksBound(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{MaxChunks: 10})

	_, err := env.service.UploadChunk(context.Background(), &UploadChunkRequest{
		UploadID:    "u",
		ChunkNumber: 0,
		TotalChunks: 11,
		Body:        strings.NewReader("x"),
		ChunkSize:   1,
	})
	require.Error(t, err)

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ErrCodeValidation, upErr.Code)
}

func TestInitUpload_SizeLimit(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{MaxFileSize: 1000})

	_, err := env.service.InitUpload(context.Background(), &InitUploadRequest{
		FileName: "big.bin",
		FileSize: 1001,
		OwnerID:  "user-1",
	})
	require.Error(t, err)

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ErrCodeSizeLimit, upErr.Code)
}

func TestInitUpload_InstantDedup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	existing := &types.FileRef{
		ID:          uuid.New(),
		Name:        "photo.jpg",
		Size:        300,
		ContentType: "image/jpeg",
		StorageKey:  "user-1/2026/08/31/existing.jpg",
		OwnerID:     "user-1",
		Status:      types.FileStatusActive,
		ContentHash: "aabbccddeeff00112233445566778899",
		CreatedAt:   time.Now().UnixNano(),
	}
	require.NoError(t, env.registry.CreateFile(ctx, existing))

	init, err := env.service.InitUpload(ctx, &InitUploadRequest{
		FileName: "copy-of-photo.jpg",
		FileSize: 300,
		FileHash: existing.ContentHash,
		OwnerID:  "user-1",
	})
	require.NoError(t, err)
	assert.Equal(t, InstantPrefix+existing.ID.String(), init.UploadID)

	// The instant session resolves to the existing file with no ledger rows
	// and no blob writes
	res, err := env.service.UploadChunk(ctx, &UploadChunkRequest{
		UploadID:    init.UploadID,
		ChunkNumber: 0,
		TotalChunks: 1,
		Body:        strings.NewReader("ignored"),
		ChunkSize:   7,
		IsLast:      true,
		OwnerID:     "user-1",
	})
	require.NoError(t, err)
	require.True(t, res.Merged)
	assert.Equal(t, existing.ID, res.File.ID)

	recs, err := env.ledger.ListChunks(ctx, init.UploadID)
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Equal(t, 0, env.backend.WriteCount())
}

func TestInitUpload_DedupScopedToOwner(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	existing := &types.FileRef{
		ID:          uuid.New(),
		Name:        "photo.jpg",
		Size:        300,
		StorageKey:  "user-2/2026/08/31/existing.jpg",
		OwnerID:     "user-2",
		Status:      types.FileStatusActive,
		ContentHash: "aabbccddeeff00112233445566778899",
		CreatedAt:   time.Now().UnixNano(),
	}
	require.NoError(t, env.registry.CreateFile(ctx, existing))

	// Another user's identical content is not visible to dedup
	init, err := env.service.InitUpload(ctx, &InitUploadRequest{
		FileName: "photo.jpg",
		FileSize: 300,
		FileHash: existing.ContentHash,
		OwnerID:  "user-1",
	})
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(init.UploadID, InstantPrefix))
}

func TestMerge_IntegrityGate(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	b0, b1 := chunkBytes(0), chunkBytes(1)
	wrongHash := md5Hex([]byte("something else entirely"))

	uploadChunk(t, env, "upload-x", 0, 2, b0, wrongHash, false)

	_, err := env.service.UploadChunk(ctx, &UploadChunkRequest{
		UploadID:    "upload-x",
		ChunkNumber: 1,
		TotalChunks: 2,
		FileName:    "report.bin",
		TotalSize:   200,
		FileHash:    wrongHash,
		Body:        bytes.NewReader(b1),
		ChunkSize:   int64(len(b1)),
		IsLast:      true,
		OwnerID:     "user-1",
	})
	require.Error(t, err)

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ErrCodeIntegrity, upErr.Code)

	// Nothing was persisted: no file ref, chunks still COMPLETED and retryable
	_, err = env.registry.FindOwnedByHashAndSize(ctx, "user-1", wrongHash, 200)
	assert.ErrorIs(t, err, registry.ErrFileNotFound)

	recs, err := env.ledger.ListChunks(ctx, "upload-x")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, types.ChunkStatusCompleted, rec.Status)
	}
}

func TestMerge_IncompletePrecondition(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	uploadChunk(t, env, "upload-y", 0, 3, chunkBytes(0), "", false)

	// A crashed upload left chunk 1 in UPLOADING
	now := time.Now().UnixNano()
	require.NoError(t, env.ledger.PutChunk(ctx, &types.ChunkRecord{
		UploadID:    "upload-y",
		ChunkNumber: 1,
		FileName:    "report.bin",
		ChunkSize:   100,
		StorageKey:  chunkKey("upload-y", 1),
		UploaderID:  "user-1",
		Status:      types.ChunkStatusUploading,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	_, err := env.service.Merge(ctx, "upload-y", "user-1")
	require.Error(t, err)

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ErrCodeIncomplete, upErr.Code)
	assert.Contains(t, upErr.Message, "chunk 1")
}

func TestMerge_UnknownUpload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})

	_, err := env.service.Merge(context.Background(), "no-such-upload", "user-1")
	require.Error(t, err)

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ErrCodeNotFound, upErr.Code)
}

func TestMerge_RemergeRejected(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	data := chunkBytes(0)
	hash := md5Hex(data)

	res := uploadChunk(t, env, "upload-z", 0, 1, data, hash, true)
	require.True(t, res.Merged)

	// The rows are MERGED now, so a second merge fails the precondition
	_, err := env.service.Merge(ctx, "upload-z", "user-1")
	require.Error(t, err)

	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ErrCodeIncomplete, upErr.Code)
}

func TestMerge_ConcurrentLastChunk(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	data := chunkBytes(0)
	hash := md5Hex(data)
	uploadChunk(t, env, "upload-c", 0, 1, data, hash, false)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = env.service.Merge(ctx, "upload-c", "user-1")
		}(i)
	}
	wg.Wait()

	// Exactly one merge wins; the loser fails the all-completed check
	var ok, failed int
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		failed++
		var upErr *Error
		require.ErrorAs(t, err, &upErr)
		assert.Equal(t, ErrCodeIncomplete, upErr.Code)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, failed)
}

func TestCheckChunk(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	ok, err := env.service.CheckChunk(ctx, "upload-1", 0)
	require.NoError(t, err)
	assert.False(t, ok)

	uploadChunk(t, env, "upload-1", 0, 3, chunkBytes(0), "", false)

	ok, err = env.service.CheckChunk(ctx, "upload-1", 0)
	require.NoError(t, err)
	assert.True(t, ok)

	// UPLOADING rows do not count as received
	now := time.Now().UnixNano()
	require.NoError(t, env.ledger.PutChunk(ctx, &types.ChunkRecord{
		UploadID:    "upload-1",
		ChunkNumber: 1,
		Status:      types.ChunkStatusUploading,
		StorageKey:  chunkKey("upload-1", 1),
		CreatedAt:   now,
		UpdatedAt:   now,
	}))
	ok, err = env.service.CheckChunk(ctx, "upload-1", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListCompleted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	numbers, err := env.service.ListCompleted(ctx, "upload-1")
	require.NoError(t, err)
	assert.Empty(t, numbers)

	for _, n := range []int{4, 0, 2} {
		uploadChunk(t, env, "upload-1", n, 5, chunkBytes(n), "", false)
	}

	numbers, err = env.service.ListCompleted(ctx, "upload-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 4}, numbers)
}

func TestCancel_CleansUp(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	for n := 0; n < 2; n++ {
		uploadChunk(t, env, "upload-1", n, 3, chunkBytes(n), "", false)
	}

	require.NoError(t, env.service.Cancel(ctx, "upload-1"))

	recs, err := env.ledger.ListChunks(ctx, "upload-1")
	require.NoError(t, err)
	assert.Empty(t, recs)

	for n := 0; n < 2; n++ {
		exists, err := env.backend.Exists(ctx, chunkKey("upload-1", n))
		require.NoError(t, err)
		assert.False(t, exists)
	}

	// A merge after cancel finds nothing
	_, err = env.service.Merge(ctx, "upload-1", "user-1")
	var upErr *Error
	require.ErrorAs(t, err, &upErr)
	assert.Equal(t, ErrCodeNotFound, upErr.Code)
}

func TestCancel_UnknownUpload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})

	// Cancelling an unknown session is a no-op
	assert.NoError(t, env.service.Cancel(context.Background(), "no-such-upload"))
}

func TestJanitor_ReapsStaleSessions(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	uploadChunk(t, env, "stale-upload", 0, 3, chunkBytes(0), "", false)

	// Age the session past the retention window
	rec, err := env.ledger.GetChunk(ctx, "stale-upload", 0)
	require.NoError(t, err)
	rec.UpdatedAt = time.Now().Add(-48 * time.Hour).UnixNano()
	require.NoError(t, env.ledger.PutChunk(ctx, rec))

	uploadChunk(t, env, "fresh-upload", 0, 3, chunkBytes(0), "", false)

	j := NewJanitor(JanitorConfig{
		Ledger:    env.ledger,
		Service:   env.service,
		Retention: 24 * time.Hour,
	})
	j.Sweep(ctx)

	recs, err := env.ledger.ListChunks(ctx, "stale-upload")
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = env.ledger.ListChunks(ctx, "fresh-upload")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}
