// Copyright 2025 Filecrate Authors
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the chunked upload service over HTTP.
package api

import (
	"net/http"

	"github.com/filecrate/filecrate/pkg/upload"
)

// UploadServer routes chunk endpoints to the upload service.
type UploadServer struct {
	service upload.Service
}

// NewUploadServer registers the chunk endpoints on mux.
func NewUploadServer(mux *http.ServeMux, service upload.Service) *UploadServer {
	s := &UploadServer{service: service}

	mux.HandleFunc("/chunks/init", s.InitHandler)
	mux.HandleFunc("/chunks/upload", s.UploadHandler)
	mux.HandleFunc("/chunks/check", s.CheckHandler)
	mux.HandleFunc("/chunks/list", s.ListHandler)
	mux.HandleFunc("/chunks/cancel", s.CancelHandler)

	return s
}
