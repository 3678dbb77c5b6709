// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

type presetRequest struct {
	Name        string `json:"name"`
	Mode        string `json:"mode,omitempty"`
	Device      string `json:"device,omitempty"`
	SrcLang     string `json:"src_lang,omitempty"`
	TgtLang     string `json:"tgt_lang,omitempty"`
	SeriesTitle string `json:"series_title,omitempty"`
	Visibility  string `json:"visibility,omitempty"`
}

// handlePresetList returns the caller's own presets.
func (s *Server) handlePresetList(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	presets, err := s.store.ListPresets(r.Context(), id.User.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if presets == nil {
		presets = []*model.Preset{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": presets})
}

// handlePresetCreate stores a named bundle of submission defaults. Posting an
// existing name updates that preset in place.
func (s *Server) handlePresetCreate(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())

	var req presetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}

	p := &model.Preset{
		ID:          ulid.Make().String(),
		OwnerID:     id.User.ID,
		Name:        strings.TrimSpace(req.Name),
		Mode:        model.Mode(strings.ToLower(req.Mode)),
		Device:      model.Device(strings.ToLower(req.Device)),
		SrcLang:     req.SrcLang,
		TgtLang:     req.TgtLang,
		SeriesTitle: req.SeriesTitle,
		Visibility:  model.Visibility(strings.ToLower(req.Visibility)),
	}
	if reason := p.Validate(); reason != "" {
		writeErr(w, r, errdef.Validation(reason, "invalid preset"))
		return
	}

	if err := s.store.PutPreset(r.Context(), p); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handlePresetDelete removes one of the caller's presets. Admins can delete
// anyone's.
func (s *Server) handlePresetDelete(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	presetID := chi.URLParam(r, "id")

	p, err := s.store.GetPreset(r.Context(), presetID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if p.OwnerID != id.User.ID && !id.IsAdmin() {
		writeErr(w, r, errdef.NotFound("preset not found"))
		return
	}
	if err := s.store.DeletePreset(r.Context(), presetID); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// applyPreset fills blank submission fields from a stored preset. Explicit
// request values always win.
func (s *Server) applyPreset(r *http.Request, req *jobSubmitRequest) error {
	id := identityFrom(r.Context())
	p, err := s.store.GetPreset(r.Context(), req.PresetID)
	if err != nil {
		return err
	}
	if p.OwnerID != id.User.ID && !id.IsAdmin() {
		return errdef.NotFound("preset not found")
	}

	if req.Mode == "" {
		req.Mode = string(p.Mode)
	}
	if req.Device == "" {
		req.Device = string(p.Device)
	}
	if req.SrcLang == "" {
		req.SrcLang = p.SrcLang
	}
	if req.TgtLang == "" {
		req.TgtLang = p.TgtLang
	}
	if req.SeriesTitle == "" {
		req.SeriesTitle = p.SeriesTitle
	}
	if req.Visibility == "" {
		req.Visibility = string(p.Visibility)
	}
	return nil
}
