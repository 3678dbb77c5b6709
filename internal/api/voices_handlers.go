// SPDX-License-Identifier: MIT

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tommy2202/dubd/internal/errdef"
)

// handleVoicesList enumerates the character slugs of a series.
func (s *Server) handleVoicesList(w http.ResponseWriter, r *http.Request) {
	series := chi.URLParam(r, "series")
	chars, err := s.voices.ListCharacters(series)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"series": series, "characters": chars})
}

// handleVoiceVersions lists a character's reference history, newest first.
func (s *Server) handleVoiceVersions(w http.ResponseWriter, r *http.Request) {
	series := chi.URLParam(r, "series")
	character := chi.URLParam(r, "character")
	versions, err := s.voices.ListCharacterVersions(series, character)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"series": series, "character": character, "versions": versions,
	})
}

type voiceRollbackRequest struct {
	VersionID string `json:"version_id"`
}

// handleVoiceRollback re-installs a historical reference as the canonical
// one. The displaced canonical is archived first, so rollbacks are themselves
// reversible.
func (s *Server) handleVoiceRollback(w http.ResponseWriter, r *http.Request) {
	var req voiceRollbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.VersionID == "" {
		writeErr(w, r, errdef.Validation("missing_version", "version_id is required"))
		return
	}
	meta, err := s.voices.Rollback(chi.URLParam(r, "series"), chi.URLParam(r, "character"), req.VersionID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// handleVoiceDelete removes a character and its history.
func (s *Server) handleVoiceDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.voices.DeleteCharacter(chi.URLParam(r, "series"), chi.URLParam(r, "character")); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
