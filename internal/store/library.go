// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

const libraryColumns = `job_id, owner_id, series_slug, series_title,
	season_number, episode_number, visibility, created_at_ms, updated_at_ms`

// ListSeries aggregates library rows into per-series summaries, newest first.
func (s *Store) ListSeries(ctx context.Context) ([]*model.SeriesSummary, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT series_slug, MAX(series_title),
			COUNT(DISTINCT season_number),
			COUNT(DISTINCT season_number || ':' || episode_number),
			MAX(updated_at_ms)
		FROM jobs
		GROUP BY series_slug
		ORDER BY MAX(updated_at_ms) DESC`)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer func() { _ = rows.Close() }()

	var results []*model.SeriesSummary
	for rows.Next() {
		var sum model.SeriesSummary
		var updatedAt int64
		if err := rows.Scan(&sum.SeriesSlug, &sum.SeriesTitle, &sum.SeasonCount, &sum.EpisodeCount, &updatedAt); err != nil {
			return nil, errdef.PersistFailed(err)
		}
		sum.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		results = append(results, &sum)
	}
	return results, rows.Err()
}

// ListSeasons returns the distinct season numbers of a series, ascending.
func (s *Store) ListSeasons(ctx context.Context, slug string) ([]int, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT DISTINCT season_number FROM jobs WHERE series_slug = ? ORDER BY season_number ASC", slug)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer func() { _ = rows.Close() }()

	var seasons []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, errdef.PersistFailed(err)
		}
		seasons = append(seasons, n)
	}
	return seasons, rows.Err()
}

// ListLibraryEpisodes returns library rows for one season. Without versions
// it picks the most recently updated row per episode (window over the
// episode partition); with versions it returns every row sorted by
// (episode asc, updated_at desc). A non-zero episodeNumber narrows to that
// episode.
func (s *Store) ListLibraryEpisodes(ctx context.Context, slug string, season int, episodeNumber int, includeVersions bool) ([]*model.LibraryRow, error) {
	var query string
	args := []interface{}{slug, season}

	if includeVersions {
		query = "SELECT " + libraryColumns + ` FROM jobs
			WHERE series_slug = ? AND season_number = ?`
		if episodeNumber > 0 {
			query += " AND episode_number = ?"
			args = append(args, episodeNumber)
		}
		query += " ORDER BY episode_number ASC, updated_at_ms DESC"
	} else {
		query = "SELECT " + libraryColumns + ` FROM (
			SELECT *, ROW_NUMBER() OVER (
				PARTITION BY episode_number ORDER BY updated_at_ms DESC, job_id DESC
			) AS rn
			FROM jobs WHERE series_slug = ? AND season_number = ?`
		if episodeNumber > 0 {
			query += " AND episode_number = ?"
			args = append(args, episodeNumber)
		}
		query += `) WHERE rn = 1 ORDER BY episode_number ASC`
	}

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer func() { _ = rows.Close() }()

	var results []*model.LibraryRow
	for rows.Next() {
		var r model.LibraryRow
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.JobID, &r.OwnerID, &r.SeriesSlug, &r.SeriesTitle,
			&r.SeasonNumber, &r.EpisodeNumber, &r.Visibility, &createdAt, &updatedAt); err != nil {
			return nil, errdef.PersistFailed(err)
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		results = append(results, &r)
	}
	return results, rows.Err()
}

// LibraryRowsForSeries returns all library rows of a series for visibility
// filtering in access checks.
func (s *Store) LibraryRowsForSeries(ctx context.Context, slug string) ([]*model.LibraryRow, error) {
	rows, err := s.DB.QueryContext(ctx,
		"SELECT "+libraryColumns+" FROM jobs WHERE series_slug = ?", slug)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	defer func() { _ = rows.Close() }()

	var results []*model.LibraryRow
	for rows.Next() {
		var r model.LibraryRow
		var createdAt, updatedAt int64
		if err := rows.Scan(&r.JobID, &r.OwnerID, &r.SeriesSlug, &r.SeriesTitle,
			&r.SeasonNumber, &r.EpisodeNumber, &r.Visibility, &createdAt, &updatedAt); err != nil {
			return nil, errdef.PersistFailed(err)
		}
		r.CreatedAt = time.UnixMilli(createdAt).UTC()
		r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
		results = append(results, &r)
	}
	return results, rows.Err()
}
