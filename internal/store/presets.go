// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"strings"
	"time"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

// PutPreset inserts or replaces a submission preset. The (owner, name) pair
// is unique; re-posting the same name updates the existing row in place.
func (s *Store) PutPreset(ctx context.Context, p *model.Preset) error {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO presets (
		preset_id, owner_id, name, mode, device, src_lang, tgt_lang,
		series_title, visibility, created_at_ms, updated_at_ms
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(owner_id, name) DO UPDATE SET
		mode = excluded.mode,
		device = excluded.device,
		src_lang = excluded.src_lang,
		tgt_lang = excluded.tgt_lang,
		series_title = excluded.series_title,
		visibility = excluded.visibility,
		updated_at_ms = excluded.updated_at_ms`,
		p.ID, p.OwnerID, p.Name, string(p.Mode), string(p.Device),
		p.SrcLang, p.TgtLang, p.SeriesTitle, string(p.Visibility),
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return errdef.Conflict("preset name already exists")
		}
		return errdef.PersistFailed(err)
	}
	return nil
}

// GetPreset returns one preset by ID.
func (s *Store) GetPreset(ctx context.Context, presetID string) (*model.Preset, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT preset_id, owner_id, name, mode, device, src_lang, tgt_lang,
			series_title, visibility, created_at_ms, updated_at_ms
		FROM presets WHERE preset_id = ?`, presetID)
	p, err := scanPreset(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errdef.NotFound("preset not found")
		}
		return nil, errdef.PersistFailed(err)
	}
	return p, nil
}

// ListPresets returns a user's presets, newest update first.
func (s *Store) ListPresets(ctx context.Context, ownerID string) ([]*model.Preset, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT preset_id, owner_id, name, mode, device, src_lang, tgt_lang,
			series_title, visibility, created_at_ms, updated_at_ms
		FROM presets WHERE owner_id = ? ORDER BY updated_at_ms DESC`, ownerID)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer rows.Close()

	var out []*model.Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, errdef.PersistFailed(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errdef.PersistFailed(err)
	}
	return out, nil
}

// DeletePreset removes a preset. Missing rows report NotFound so the API can
// 404 instead of silently succeeding.
func (s *Store) DeletePreset(ctx context.Context, presetID string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM presets WHERE preset_id = ?`, presetID)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.NotFound("preset not found")
	}
	return nil
}

func scanPreset(scanner interface {
	Scan(dest ...interface{}) error
}) (*model.Preset, error) {
	var p model.Preset
	var createdMs, updatedMs int64
	err := scanner.Scan(&p.ID, &p.OwnerID, &p.Name, &p.Mode, &p.Device,
		&p.SrcLang, &p.TgtLang, &p.SeriesTitle, &p.Visibility, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = time.UnixMilli(createdMs).UTC()
	p.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &p, nil
}
