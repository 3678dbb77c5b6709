// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

// handleLibrarySeries lists series summaries. Admins get the raw aggregate;
// everyone else gets summaries recomputed from the rows they may see, so a
// series that is entirely private to others does not exist for them.
func (s *Server) handleLibrarySeries(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if id.IsAdmin() {
		series, err := s.store.ListSeries(r.Context())
		if err != nil {
			writeErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"series": series})
		return
	}

	all, err := s.store.ListSeries(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	var visible []*model.SeriesSummary
	for _, sum := range all {
		rows, err := s.store.LibraryRowsForSeries(r.Context(), sum.SeriesSlug)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if v := summarizeVisible(rows, id); v != nil {
			visible = append(visible, v)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].UpdatedAt.After(visible[j].UpdatedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"series": visible})
}

// handleLibrarySeasons lists the seasons of a series the caller may see.
func (s *Server) handleLibrarySeasons(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	slug := chi.URLParam(r, "slug")

	if id.IsAdmin() {
		seasons, err := s.store.ListSeasons(r.Context(), slug)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if len(seasons) == 0 {
			writeErr(w, r, errdef.NotFound("series not found"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"series_slug": slug, "seasons": seasons})
		return
	}

	rows, err := s.store.LibraryRowsForSeries(r.Context(), slug)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	seen := map[int]bool{}
	var seasons []int
	for _, row := range rows {
		if row.VisibleTo(id) && !seen[row.SeasonNumber] {
			seen[row.SeasonNumber] = true
			seasons = append(seasons, row.SeasonNumber)
		}
	}
	if len(seasons) == 0 {
		writeErr(w, r, errdef.NotFound("series not found"))
		return
	}
	sort.Ints(seasons)
	writeJSON(w, http.StatusOK, map[string]any{"series_slug": slug, "seasons": seasons})
}

// handleLibraryEpisodes lists a season's episodes. By default only the most
// recent dub per episode is returned; include_versions=true returns the full
// history. Rows invisible to the caller are dropped before the response.
func (s *Server) handleLibraryEpisodes(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	slug := chi.URLParam(r, "slug")
	season, err := strconv.Atoi(chi.URLParam(r, "season"))
	if err != nil || season < 0 {
		writeErr(w, r, errdef.Validation("bad_season", "season must be a non-negative integer"))
		return
	}

	q := r.URL.Query()
	includeVersions := q.Get("include_versions") == "true" || q.Get("include_versions") == "1"
	episode := queryInt(q.Get("episode"), 0)

	rows, err := s.store.ListLibraryEpisodes(r.Context(), slug, season, episode, includeVersions)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	visible := rows[:0]
	for _, row := range rows {
		if row.VisibleTo(id) {
			visible = append(visible, row)
		}
	}
	if len(visible) == 0 {
		writeErr(w, r, errdef.NotFound("no episodes found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"series_slug": slug,
		"season":      season,
		"episodes":    visible,
	})
}

// summarizeVisible recomputes a series summary from the subset of rows the
// caller may see. Returns nil when nothing is visible.
func summarizeVisible(rows []*model.LibraryRow, id *model.Identity) *model.SeriesSummary {
	seasons := map[int]bool{}
	episodes := map[[2]int]bool{}
	var sum *model.SeriesSummary
	for _, row := range rows {
		if !row.VisibleTo(id) {
			continue
		}
		if sum == nil {
			sum = &model.SeriesSummary{SeriesSlug: row.SeriesSlug, SeriesTitle: row.SeriesTitle}
		}
		seasons[row.SeasonNumber] = true
		episodes[[2]int{row.SeasonNumber, row.EpisodeNumber}] = true
		if row.UpdatedAt.After(sum.UpdatedAt) {
			sum.UpdatedAt = row.UpdatedAt
			sum.SeriesTitle = row.SeriesTitle
		}
	}
	if sum == nil {
		return nil
	}
	sum.SeasonCount = len(seasons)
	sum.EpisodeCount = len(episodes)
	return sum
}
