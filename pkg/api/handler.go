// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/filecrate/filecrate/pkg/logger"
	"github.com/filecrate/filecrate/pkg/types"
	"github.com/filecrate/filecrate/pkg/upload"
)

// userIDHeader carries the caller identity. Authentication happens upstream;
// the value is treated as opaque.
const userIDHeader = "X-User-ID"

// maxFormMemory bounds the in-memory portion of multipart parsing; larger
// chunks spill to temp files.
const maxFormMemory = 32 << 20

type initRequest struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	FileHash string `json:"file_hash"`
}

type initResponse struct {
	UploadID string `json:"upload_id"`
}

type uploadResponse struct {
	AlreadyReceived bool           `json:"already_received,omitempty"`
	Merged          bool           `json:"merged,omitempty"`
	File            *types.FileRef `json:"file,omitempty"`
}

type checkResponse struct {
	Completed bool `json:"completed"`
}

type listResponse struct {
	Chunks []int `json:"chunks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *UploadServer) InitHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ownerID := r.Header.Get(userIDHeader)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userIDHeader+" header")
		return
	}

	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := s.service.InitUpload(r.Context(), &upload.InitUploadRequest{
		FileName: req.FileName,
		FileSize: req.FileSize,
		FileHash: req.FileHash,
		OwnerID:  ownerID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, initResponse{UploadID: result.UploadID})
}

func (s *UploadServer) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ownerID := r.Header.Get(userIDHeader)
	if ownerID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+userIDHeader+" header")
		return
	}

	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	chunkNumber, err := formInt(r, "chunk_number")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk_number")
		return
	}
	totalChunks, err := formInt(r, "total_chunks")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid total_chunks")
		return
	}
	totalSize, err := formInt64(r, "total_size")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid total_size")
		return
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing chunk file field")
		return
	}
	defer file.Close()

	result, err := s.service.UploadChunk(r.Context(), &upload.UploadChunkRequest{
		UploadID:    r.FormValue("upload_id"),
		ChunkNumber: chunkNumber,
		TotalChunks: totalChunks,
		FileName:    r.FormValue("file_name"),
		TotalSize:   totalSize,
		FileHash:    r.FormValue("file_hash"),
		Body:        file,
		ChunkSize:   header.Size,
		IsLast:      r.FormValue("is_last") == "true",
		OwnerID:     ownerID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{
		AlreadyReceived: result.AlreadyReceived,
		Merged:          result.Merged,
		File:            result.File,
	})
}

func (s *UploadServer) CheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uploadID := r.URL.Query().Get("upload_id")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "missing upload_id")
		return
	}
	chunkNumber, err := strconv.Atoi(r.URL.Query().Get("chunk_number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid chunk_number")
		return
	}

	completed, err := s.service.CheckChunk(r.Context(), uploadID, chunkNumber)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, checkResponse{Completed: completed})
}

func (s *UploadServer) ListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uploadID := r.URL.Query().Get("upload_id")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "missing upload_id")
		return
	}

	chunks, err := s.service.ListCompleted(r.Context(), uploadID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, listResponse{Chunks: chunks})
}

func (s *UploadServer) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uploadID := r.URL.Query().Get("upload_id")
	if uploadID == "" {
		writeError(w, http.StatusBadRequest, "missing upload_id")
		return
	}

	if err := s.service.Cancel(r.Context(), uploadID); err != nil {
		writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func formInt(r *http.Request, field string) (int, error) {
	return strconv.Atoi(r.FormValue(field))
}

func formInt64(r *http.Request, field string) (int64, error) {
	return strconv.ParseInt(r.FormValue(field), 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeServiceError maps upload service error codes to HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var upErr *upload.Error
	if !errors.As(err, &upErr) {
		logger.Ctx(r.Context()).Error().Err(err).Msg("unexpected upload error")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch upErr.Code {
	case upload.ErrCodeValidation:
		status = http.StatusBadRequest
	case upload.ErrCodeSizeLimit:
		status = http.StatusRequestEntityTooLarge
	case upload.ErrCodeNotFound:
		status = http.StatusNotFound
	case upload.ErrCodeIncomplete:
		status = http.StatusConflict
	case upload.ErrCodeIntegrity:
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		logger.Ctx(r.Context()).Error().Err(err).Msg("upload request failed")
	}
	writeError(w, status, upErr.Message)
}
