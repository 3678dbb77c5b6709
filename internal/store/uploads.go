// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

const uploadColumns = `upload_id, owner_id, filename, total_bytes, chunk_bytes, received_bytes,
	sha256_partial, chunks_json, finalized, dead, video_path, sidecar_path,
	created_at_ms, updated_at_ms`

// PutUploadSession inserts or overwrites an upload session.
func (s *Store) PutUploadSession(ctx context.Context, sess *model.UploadSession) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.now()
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = sess.CreatedAt
	}
	chunksJSON, err := json.Marshal(sess.ChunksReceived)
	if err != nil {
		return errdef.PersistFailed(err)
	}

	_, err = s.DB.ExecContext(ctx, `
	INSERT INTO upload_sessions (`+uploadColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(upload_id) DO UPDATE SET
		received_bytes = excluded.received_bytes,
		sha256_partial = excluded.sha256_partial,
		chunks_json = excluded.chunks_json,
		finalized = excluded.finalized,
		dead = excluded.dead,
		video_path = excluded.video_path,
		sidecar_path = excluded.sidecar_path,
		updated_at_ms = excluded.updated_at_ms`,
		sess.UploadID, sess.OwnerID, sess.Filename, sess.TotalBytes, sess.ChunkBytes, sess.ReceivedBytes,
		sess.SHA256Partial, string(chunksJSON), boolInt(sess.Finalized), boolInt(sess.Dead),
		sess.VideoPath, sess.SidecarPath,
		sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

// GetUploadSession returns the session with the given id, or NOT_FOUND.
func (s *Store) GetUploadSession(ctx context.Context, uploadID string) (*model.UploadSession, error) {
	row := s.DB.QueryRowContext(ctx,
		"SELECT "+uploadColumns+" FROM upload_sessions WHERE upload_id = ?", uploadID)
	sess, err := scanUpload(row)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if sess == nil {
		return nil, errdef.NotFound("upload session not found")
	}
	return sess, nil
}

// UpdateUploadSession loads, mutates and persists a session in one
// transaction so concurrent chunk posts serialize against the row.
func (s *Store) UpdateUploadSession(ctx context.Context, uploadID string, fn func(*model.UploadSession) error) (*model.UploadSession, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := scanUpload(tx.QueryRowContext(ctx,
		"SELECT "+uploadColumns+" FROM upload_sessions WHERE upload_id = ?", uploadID))
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if sess == nil {
		return nil, errdef.NotFound("upload session not found")
	}

	if err := fn(sess); err != nil {
		return nil, err
	}

	sess.UpdatedAt = s.nextUpdatedAt(sess.UpdatedAt)
	chunksJSON, err := json.Marshal(sess.ChunksReceived)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE upload_sessions SET
			received_bytes = ?, sha256_partial = ?, chunks_json = ?,
			finalized = ?, dead = ?, video_path = ?, sidecar_path = ?, updated_at_ms = ?
		WHERE upload_id = ?`,
		sess.ReceivedBytes, sess.SHA256Partial, string(chunksJSON),
		boolInt(sess.Finalized), boolInt(sess.Dead), sess.VideoPath, sess.SidecarPath,
		sess.UpdatedAt.UnixMilli(), sess.UploadID,
	)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, errdef.PersistFailed(err)
	}
	return sess, nil
}

// DeleteUploadSession removes a session row.
func (s *Store) DeleteUploadSession(ctx context.Context, uploadID string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM upload_sessions WHERE upload_id = ?", uploadID)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

// ExpiredUploadSessions returns unfinalized sessions untouched since the
// cutoff, for the janitor.
func (s *Store) ExpiredUploadSessions(ctx context.Context, cutoff time.Time) ([]*model.UploadSession, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+uploadColumns+" FROM upload_sessions WHERE finalized = 0 AND updated_at_ms < ?",
		cutoff.UnixMilli())
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer func() { _ = rows.Close() }()

	var results []*model.UploadSession
	for rows.Next() {
		sess, err := scanUpload(rows)
		if err != nil {
			return nil, errdef.PersistFailed(err)
		}
		results = append(results, sess)
	}
	return results, rows.Err()
}

func scanUpload(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.UploadSession, error) {
	var sess model.UploadSession
	var chunksJSON string
	var finalized, dead int
	var createdAt, updatedAt int64

	err := scanner.Scan(
		&sess.UploadID, &sess.OwnerID, &sess.Filename, &sess.TotalBytes, &sess.ChunkBytes, &sess.ReceivedBytes,
		&sess.SHA256Partial, &chunksJSON, &finalized, &dead, &sess.VideoPath, &sess.SidecarPath,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, err
	}

	sess.Finalized = finalized != 0
	sess.Dead = dead != 0
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	_ = json.Unmarshal([]byte(chunksJSON), &sess.ChunksReceived)
	return &sess, nil
}
