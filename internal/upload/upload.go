// SPDX-License-Identifier: MIT

// Package upload implements the resumable chunked upload protocol: init,
// chunk append with per-chunk integrity, and finalize into the input
// directory. Sessions persist in the job store so uploads survive restarts.
package upload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/fsutil"
	"github.com/tommy2202/dubd/internal/log"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/quota"
	"github.com/tommy2202/dubd/internal/store"
)

// chunkSlack tolerates trailing-chunk padding from HTTP clients.
const chunkSlack = 4 << 10

// Manager owns upload sessions and their sidecar files.
type Manager struct {
	Store      *store.Store
	Quota      *quota.Enforcer
	InputDir   string
	ChunkBytes int64
	SessionTTL time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// NewManager builds an upload manager writing sidecars under
// inputDir/.partial.
func NewManager(s *store.Store, q *quota.Enforcer, inputDir string, chunkBytes int64, sessionTTL time.Duration) *Manager {
	return &Manager{
		Store:      s,
		Quota:      q,
		InputDir:   inputDir,
		ChunkBytes: chunkBytes,
		SessionTTL: sessionTTL,
		logger:     log.WithComponent("upload"),
		now:        time.Now,
	}
}

// Init starts a resumable upload for the identity. The server picks the
// chunk size and applies the upload-size and storage quotas.
func (m *Manager) Init(ctx context.Context, id *model.Identity, filename string, totalBytes int64) (*model.UploadSession, error) {
	if filename == "" {
		return nil, errdef.Validation("missing_filename", "filename is required")
	}
	if totalBytes <= 0 {
		return nil, errdef.Validation("invalid_total_bytes", "total_bytes must be positive")
	}
	if err := m.Quota.RequireUploadBytes(ctx, id.User.ID, totalBytes, "upload_init"); err != nil {
		return nil, err
	}

	uploadID := uuid.NewString()
	sess := &model.UploadSession{
		UploadID:    uploadID,
		OwnerID:     id.User.ID,
		Filename:    filename,
		TotalBytes:  totalBytes,
		ChunkBytes:  m.ChunkBytes,
		SidecarPath: m.sidecarPath(uploadID),
	}
	if err := os.MkdirAll(filepath.Dir(sess.SidecarPath), 0o755); err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if err := m.Store.PutUploadSession(ctx, sess); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("upload_id", uploadID).
		Str("owner", id.User.ID).
		Int64("total_bytes", totalBytes).
		Msg("upload session started")
	return sess, nil
}

// Get returns a session visible to the identity (owner or admin).
func (m *Manager) Get(ctx context.Context, id *model.Identity, uploadID string) (*model.UploadSession, error) {
	sess, err := m.Store.GetUploadSession(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != id.User.ID && !id.IsAdmin() {
		return nil, errdef.NotFound("upload session not found")
	}
	return sess, nil
}

// Chunk appends one chunk. Re-sending an already received (index, offset)
// pair is idempotent. The body hash must match the client-supplied digest
// and the running total must still fit the storage quota.
func (m *Manager) Chunk(ctx context.Context, id *model.Identity, uploadID string, index int, offset int64, body []byte, sha256hex string) (*model.UploadSession, error) {
	sess, err := m.Get(ctx, id, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.Finalized {
		return nil, errdef.Conflict("upload already finalized")
	}
	if sess.Dead {
		return nil, errdef.Conflict("upload session is dead")
	}

	// Idempotent replay of a received chunk.
	if sess.HasChunk(index) {
		return sess, nil
	}

	if int64(len(body)) > sess.ChunkBytes+chunkSlack {
		return nil, errdef.Validation("chunk_too_large", "chunk exceeds negotiated size")
	}
	sum := sha256.Sum256(body)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), sha256hex) {
		return nil, errdef.Validation("chunk_hash_mismatch", "chunk hash does not match body")
	}
	if offset != sess.ReceivedBytes {
		return nil, errdef.Validation("bad_offset",
			fmt.Sprintf("expected offset %d, got %d", sess.ReceivedBytes, offset))
	}
	if sess.ReceivedBytes+int64(len(body)) > sess.TotalBytes {
		return nil, errdef.Validation("overflow", "chunk exceeds declared total size")
	}

	if err := m.Quota.RequireUploadProgress(ctx, sess.OwnerID, sess.ReceivedBytes+int64(len(body)), "upload_chunk"); err != nil {
		_, _ = m.Store.UpdateUploadSession(ctx, uploadID, func(u *model.UploadSession) error {
			u.Dead = true
			return nil
		})
		return nil, err
	}

	if err := appendAt(sess.SidecarPath, offset, body); err != nil {
		return nil, errdef.PersistFailed(err)
	}

	return m.Store.UpdateUploadSession(ctx, uploadID, func(u *model.UploadSession) error {
		if u.HasChunk(index) {
			return nil
		}
		u.ReceivedBytes += int64(len(body))
		u.ChunksReceived = append(u.ChunksReceived, index)
		return nil
	})
}

// Complete verifies the byte count (and full hash when provided), moves the
// sidecar to its canonical path and finalizes the session.
func (m *Manager) Complete(ctx context.Context, id *model.Identity, uploadID, finalSHA256 string) (*model.UploadSession, error) {
	sess, err := m.Get(ctx, id, uploadID)
	if err != nil {
		return nil, err
	}
	if sess.Finalized {
		return sess, nil
	}
	if sess.ReceivedBytes != sess.TotalBytes {
		return nil, errdef.Validation("incomplete",
			fmt.Sprintf("received %d of %d bytes", sess.ReceivedBytes, sess.TotalBytes))
	}

	if finalSHA256 != "" {
		actual, err := hashFile(sess.SidecarPath)
		if err != nil {
			return nil, errdef.PersistFailed(err)
		}
		if !strings.EqualFold(actual, finalSHA256) {
			return nil, errdef.Validation("final_hash_mismatch", "assembled file hash does not match")
		}
	}

	name := uploadID[:8] + "_" + fsutil.SafeName(sess.Filename)
	videoPath, err := fsutil.ConfineRel(m.InputDir, name)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}

	// Charge the assembled file against the owner before the rename so a
	// failed write leaves the session retryable instead of unaccounted.
	if err := m.Store.SetJobStorageBytes(ctx, "upload:"+uploadID, sess.OwnerID, sess.TotalBytes); err != nil {
		return nil, err
	}
	if err := os.Rename(sess.SidecarPath, videoPath); err != nil {
		return nil, errdef.PersistFailed(err)
	}

	final, err := m.Store.UpdateUploadSession(ctx, uploadID, func(u *model.UploadSession) error {
		u.Finalized = true
		u.VideoPath = videoPath
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("upload_id", uploadID).
		Str("video_path", videoPath).
		Msg("upload finalized")
	return final, nil
}

// SweepExpired reclaims unfinalized sessions past the TTL: sidecars are
// deleted and the rows removed. Returns the number swept.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	expired, err := m.Store.ExpiredUploadSessions(ctx, m.now().Add(-m.SessionTTL))
	if err != nil {
		return 0, err
	}
	for _, sess := range expired {
		if sess.SidecarPath != "" {
			_ = os.Remove(sess.SidecarPath)
		}
		if err := m.Store.DeleteUploadSession(ctx, sess.UploadID); err != nil {
			return 0, err
		}
		m.logger.Info().Str("upload_id", sess.UploadID).Msg("reclaimed expired upload session")
	}
	return len(expired), nil
}

func (m *Manager) sidecarPath(uploadID string) string {
	return filepath.Join(m.InputDir, ".partial", uploadID+".part")
}

// appendAt writes body at the given offset, which equals the current file
// size for in-order chunks.
func appendAt(path string, offset int64, body []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.WriteAt(body, offset); err != nil {
		return err
	}
	return f.Sync()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
