// SPDX-License-Identifier: MIT

// Package checkpoint tracks per-job stage completion on disk so a crashed
// job resumes without redoing finished stages. Files are written atomically
// and artifacts are content-hashed; a stage only counts as done while every
// recorded hash still validates.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/tommy2202/dubd/internal/errdef"
)

// fileVersion guards the on-disk schema. Unknown versions read as empty.
const fileVersion = 1

// FileName is the per-job checkpoint file inside the job directory.
const FileName = ".checkpoint.json"

// Stage statuses.
const (
	StatusStarted = "started"
	StatusDone    = "done"
	StatusSkipped = "skipped"
)

// Artifact records one produced file with its integrity hash.
type Artifact struct {
	Path   string    `json:"path"`
	SHA256 string    `json:"sha256"`
	Size   int64     `json:"size"`
	MTime  time.Time `json:"mtime"`
}

// StageRecord is the per-stage ledger entry.
type StageRecord struct {
	Status     string              `json:"status"`
	StartedAt  time.Time           `json:"started_at,omitempty"`
	DoneAt     time.Time           `json:"done_at,omitempty"`
	SkippedAt  time.Time           `json:"skipped_at,omitempty"`
	SkipReason string              `json:"skip_reason,omitempty"`
	Artifacts  map[string]Artifact `json:"artifacts,omitempty"`
	Meta       map[string]string   `json:"meta,omitempty"`
}

// Event is one append-only lifecycle record.
type Event struct {
	Time  time.Time `json:"time"`
	Type  string    `json:"type"`
	Stage string    `json:"stage"`
}

// File is the on-disk checkpoint document.
type File struct {
	Version int                    `json:"version"`
	JobID   string                 `json:"job_id"`
	Stages  map[string]StageRecord `json:"stages"`
	Events  []Event                `json:"events"`
}

// Manager reads and writes one job's checkpoint file.
type Manager struct {
	path  string
	jobID string
	now   func() time.Time
}

// NewManager builds a manager for the checkpoint inside workDir.
func NewManager(workDir, jobID string) *Manager {
	return &Manager{path: filepath.Join(workDir, FileName), jobID: jobID, now: time.Now}
}

// RecordStarted marks a stage as started.
func (m *Manager) RecordStarted(stage string, meta map[string]string) error {
	return m.update(func(f *File) {
		rec := f.Stages[stage]
		rec.Status = StatusStarted
		rec.StartedAt = m.now()
		rec.Meta = meta
		f.Stages[stage] = rec
		f.Events = append(f.Events, Event{Time: m.now(), Type: "stage_started", Stage: stage})
	})
}

// RecordDone hashes each artifact file and marks the stage done.
func (m *Manager) RecordDone(stage string, artifactPaths map[string]string, meta map[string]string) error {
	artifacts := make(map[string]Artifact, len(artifactPaths))
	for name, path := range artifactPaths {
		a, err := hashArtifact(path)
		if err != nil {
			return errdef.Wrap(errdef.KindPersistFailed, "hash artifact "+name, err)
		}
		artifacts[name] = a
	}
	return m.update(func(f *File) {
		rec := f.Stages[stage]
		rec.Status = StatusDone
		rec.DoneAt = m.now()
		rec.Artifacts = artifacts
		if meta != nil {
			rec.Meta = meta
		}
		f.Stages[stage] = rec
		f.Events = append(f.Events, Event{Time: m.now(), Type: "stage_finished", Stage: stage})
	})
}

// RecordSkipped marks a stage skipped with a reason.
func (m *Manager) RecordSkipped(stage, reason string, meta map[string]string) error {
	return m.update(func(f *File) {
		rec := f.Stages[stage]
		rec.Status = StatusSkipped
		rec.SkippedAt = m.now()
		rec.SkipReason = reason
		if meta != nil {
			rec.Meta = meta
		}
		f.Stages[stage] = rec
		f.Events = append(f.Events, Event{Time: m.now(), Type: "stage_skipped", Stage: stage})
	})
}

// IsDone reports whether a stage completed and all of its recorded
// artifacts still exist with matching hashes. Missing or tampered artifacts
// force a re-run.
func (m *Manager) IsDone(stage string) bool {
	f, err := m.Load()
	if err != nil {
		return false
	}
	rec, ok := f.Stages[stage]
	if !ok || rec.Status != StatusDone {
		return false
	}
	for _, a := range rec.Artifacts {
		current, err := hashArtifact(a.Path)
		if err != nil || current.SHA256 != a.SHA256 {
			return false
		}
	}
	return true
}

// Load reads the checkpoint. Missing, corrupt or unknown-version files read
// as empty so a damaged checkpoint can never block a re-run.
func (m *Manager) Load() (*File, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m.empty(), nil
		}
		return nil, errdef.Wrap(errdef.KindPersistFailed, "read checkpoint", err)
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil || f.Version != fileVersion {
		return m.empty(), nil
	}
	if f.Stages == nil {
		f.Stages = map[string]StageRecord{}
	}
	return &f, nil
}

// Timeline returns the stage records and events for the timeline endpoint.
func (m *Manager) Timeline() (*File, error) { return m.Load() }

func (m *Manager) update(mutate func(*File)) error {
	f, err := m.Load()
	if err != nil {
		return err
	}
	mutate(f)

	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return errdef.PersistFailed(err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return errdef.PersistFailed(err)
	}

	pf, err := renameio.NewPendingFile(m.path, renameio.WithPermissions(0o644))
	if err != nil {
		return errdef.PersistFailed(err)
	}
	defer pf.Cleanup() //nolint:errcheck

	if _, err := pf.Write(data); err != nil {
		return errdef.PersistFailed(err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

func (m *Manager) empty() *File {
	return &File{Version: fileVersion, JobID: m.jobID, Stages: map[string]StageRecord{}}
}

func hashArtifact(path string) (Artifact, error) {
	f, err := os.Open(path)
	if err != nil {
		return Artifact{}, err
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return Artifact{}, err
	}
	info, err := f.Stat()
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{
		Path:   path,
		SHA256: hex.EncodeToString(h.Sum(nil)),
		Size:   n,
		MTime:  info.ModTime().UTC(),
	}, nil
}
