// SPDX-License-Identifier: MIT

// Package manifest persists per-job output manifests and the global registry
// used to repair library browsing after database loss. Every write is
// atomic; the registry is a derived index and can always be rebuilt from the
// per-job files.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/log"
	"github.com/tommy2202/dubd/internal/model"
)

// FileName is the per-job manifest inside the job output directory.
const FileName = "manifest.json"

// registryVersion guards the registry schema.
const registryVersion = 1

// Manifest describes one finished job's outputs.
type Manifest struct {
	JobID         string           `json:"job_id"`
	OwnerID       string           `json:"owner_id"`
	SeriesTitle   string           `json:"series_title"`
	SeriesSlug    string           `json:"series_slug"`
	SeasonNumber  int              `json:"season_number"`
	EpisodeNumber int              `json:"episode_number"`
	Visibility    model.Visibility `json:"visibility"`
	SrcLang       string           `json:"src_lang"`
	TgtLang       string           `json:"tgt_lang"`
	DurationS     float64          `json:"duration_s,omitempty"`
	OutputMKV     string           `json:"output_mkv,omitempty"`
	OutputSRT     string           `json:"output_srt,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	FinishedAt    time.Time        `json:"finished_at"`
}

type registryFile struct {
	Version   int                  `json:"version"`
	UpdatedAt time.Time            `json:"updated_at"`
	Manifests map[string]*Manifest `json:"manifests"` // keyed by job ID
}

// Registry owns the per-job manifests under outputRoot and the global index
// at outputRoot/_state/manifest_registry.json.
type Registry struct {
	outputRoot string
	logger     zerolog.Logger
	now        func() time.Time

	mu sync.Mutex // serializes registry read-modify-write
}

// NewRegistry builds a registry rooted at outputRoot.
func NewRegistry(outputRoot string) *Registry {
	return &Registry{
		outputRoot: outputRoot,
		logger:     log.WithComponent("manifest"),
		now:        time.Now,
	}
}

func (r *Registry) registryPath() string {
	return filepath.Join(r.outputRoot, "_state", "manifest_registry.json")
}

func (r *Registry) jobManifestPath(jobID string) string {
	return filepath.Join(r.outputRoot, jobID, FileName)
}

// WriteJobManifest records a finished job's outputs and indexes them.
func (r *Registry) WriteJobManifest(job *model.Job) (*Manifest, error) {
	m := &Manifest{
		JobID:         job.ID,
		OwnerID:       job.OwnerID,
		SeriesTitle:   job.SeriesTitle,
		SeriesSlug:    job.SeriesSlug,
		SeasonNumber:  job.SeasonNumber,
		EpisodeNumber: job.EpisodeNumber,
		Visibility:    job.Visibility,
		SrcLang:       job.SrcLang,
		TgtLang:       job.TgtLang,
		DurationS:     job.DurationS,
		OutputMKV:     job.OutputMKV,
		OutputSRT:     job.OutputSRT,
		CreatedAt:     job.CreatedAt,
		FinishedAt:    r.now().UTC(),
	}
	if err := os.MkdirAll(filepath.Dir(r.jobManifestPath(job.ID)), 0o755); err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if err := writeJSONAtomic(r.jobManifestPath(job.ID), m); err != nil {
		return nil, err
	}
	if err := r.updateRegistry(func(reg *registryFile) {
		reg.Manifests[m.JobID] = m
	}); err != nil {
		return nil, err
	}
	r.logger.Info().Str("job_id", job.ID).Str("series", m.SeriesSlug).Msg("job manifest written")
	return m, nil
}

// ReadJobManifest loads one job's manifest, or NOT_FOUND.
func (r *Registry) ReadJobManifest(jobID string) (*Manifest, error) {
	raw, err := os.ReadFile(r.jobManifestPath(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdef.NotFound("no manifest for job")
		}
		return nil, errdef.PersistFailed(err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errdef.PersistFailed(err)
	}
	return &m, nil
}

// Remove deletes a job's manifest and its registry entry.
func (r *Registry) Remove(jobID string) error {
	if err := os.Remove(r.jobManifestPath(jobID)); err != nil && !os.IsNotExist(err) {
		return errdef.PersistFailed(err)
	}
	return r.updateRegistry(func(reg *registryFile) {
		delete(reg.Manifests, jobID)
	})
}

// List returns all indexed manifests.
func (r *Registry) List() ([]*Manifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, err := r.readRegistry()
	if err != nil {
		return nil, err
	}
	out := make([]*Manifest, 0, len(reg.Manifests))
	for _, m := range reg.Manifests {
		out = append(out, m)
	}
	return out, nil
}

// Rebuild scans the output tree for per-job manifest files and rewrites the
// registry from scratch. Used for library browse repair when the index is
// lost or stale. Returns the number of manifests found.
func (r *Registry) Rebuild() (int, error) {
	entries, err := os.ReadDir(r.outputRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errdef.PersistFailed(err)
	}

	found := map[string]*Manifest{}
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "_state" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(r.outputRoot, e.Name(), FileName))
		if err != nil {
			continue
		}
		var m Manifest
		if err := json.Unmarshal(raw, &m); err != nil || m.JobID == "" {
			r.logger.Warn().Str("dir", e.Name()).Msg("skipping unreadable manifest")
			continue
		}
		found[m.JobID] = &m
	}

	err = r.updateRegistry(func(reg *registryFile) {
		reg.Manifests = found
	})
	if err != nil {
		return 0, err
	}
	r.logger.Info().Int("manifests", len(found)).Msg("manifest registry rebuilt")
	return len(found), nil
}

func (r *Registry) readRegistry() (*registryFile, error) {
	reg := &registryFile{Version: registryVersion, Manifests: map[string]*Manifest{}}
	raw, err := os.ReadFile(r.registryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, errdef.PersistFailed(err)
	}
	var got registryFile
	if err := json.Unmarshal(raw, &got); err != nil || got.Version != registryVersion {
		// Corrupt or unknown registry reads as empty; Rebuild restores it.
		return reg, nil
	}
	if got.Manifests == nil {
		got.Manifests = map[string]*Manifest{}
	}
	return &got, nil
}

func (r *Registry) updateRegistry(mutate func(*registryFile)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.readRegistry()
	if err != nil {
		return err
	}
	mutate(reg)
	reg.Version = registryVersion
	reg.UpdatedAt = r.now().UTC()

	if err := os.MkdirAll(filepath.Dir(r.registryPath()), 0o755); err != nil {
		return errdef.PersistFailed(err)
	}
	return writeJSONAtomic(r.registryPath(), reg)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdef.PersistFailed(err)
	}
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return errdef.PersistFailed(err)
	}
	defer pf.Cleanup() //nolint:errcheck
	if _, err := pf.Write(data); err != nil {
		return errdef.PersistFailed(err)
	}
	return pf.CloseAtomicallyReplace()
}
