// SPDX-License-Identifier: MIT

package model

import "time"

// LibraryRow is the denormalized per-job row backing library browse.
// Rebuilt from authoritative job rows on demand.
type LibraryRow struct {
	JobID         string     `json:"job_id"`
	OwnerID       string     `json:"owner_id"`
	SeriesSlug    string     `json:"series_slug"`
	SeriesTitle   string     `json:"series_title"`
	SeasonNumber  int        `json:"season_number"`
	EpisodeNumber int        `json:"episode_number"`
	Visibility    Visibility `json:"visibility"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SeriesSummary aggregates a series for the browse index.
type SeriesSummary struct {
	SeriesSlug   string    `json:"series_slug"`
	SeriesTitle  string    `json:"series_title"`
	SeasonCount  int       `json:"season_count"`
	EpisodeCount int       `json:"episode_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VisibleTo reports whether the row may be read by the given identity.
// Shared and public rows are readable by any authenticated user; writes are
// always owner-or-admin and enforced elsewhere.
func (r *LibraryRow) VisibleTo(id *Identity) bool {
	if id.IsAdmin() || r.OwnerID == id.User.ID {
		return true
	}
	switch r.Visibility {
	case VisibilityPublic, VisibilityShared:
		return true
	}
	return false
}
