// SPDX-License-Identifier: MIT

package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tommy2202/dubd/internal/errdef"
)

type uploadInitRequest struct {
	Filename   string `json:"filename"`
	TotalBytes int64  `json:"total_bytes"`
}

// handleUploadInit starts a resumable upload session. The server picks the
// chunk size; the client must honor it.
func (s *Server) handleUploadInit(w http.ResponseWriter, r *http.Request) {
	var req uploadInitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	sess, err := s.uploads.Init(r.Context(), identityFrom(r.Context()), req.Filename, req.TotalBytes)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleUploadChunk appends one chunk. Index, offset and hash travel as
// query parameters; the body is the raw chunk.
func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	uploadID := chi.URLParam(r, "id")
	q := r.URL.Query()
	index, err := strconv.Atoi(q.Get("index"))
	if err != nil || index < 0 {
		writeErr(w, r, errdef.Validation("bad_index", "index must be a non-negative integer"))
		return
	}
	offset, err := strconv.ParseInt(q.Get("offset"), 10, 64)
	if err != nil || offset < 0 {
		writeErr(w, r, errdef.Validation("bad_offset", "offset must be a non-negative integer"))
		return
	}
	sum := r.Header.Get("X-Chunk-Sha256")
	if sum == "" {
		sum = q.Get("sha256")
	}
	if sum == "" {
		writeErr(w, r, errdef.Validation("missing_hash", "X-Chunk-Sha256 header is required"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.UploadChunkBytes+(8<<10)))
	if err != nil {
		writeErr(w, r, errdef.Validation("chunk_too_large", "chunk exceeds negotiated size"))
		return
	}

	sess, err := s.uploads.Chunk(r.Context(), identityFrom(r.Context()), uploadID, index, offset, body, sum)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type uploadCompleteRequest struct {
	SHA256 string `json:"sha256,omitempty"`
}

// handleUploadComplete finalizes the upload into the input directory.
func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	var req uploadCompleteRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	sess, err := s.uploads.Complete(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"), req.SHA256)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// handleUploadGet reports session progress for resume.
func (s *Server) handleUploadGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.uploads.Get(r.Context(), identityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
