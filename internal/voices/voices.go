// SPDX-License-Identifier: MIT

// Package voices is the filesystem-backed per-series voice identity store.
// Each character keeps one canonical reference clip plus an append-only
// history of prior versions; writers to the same character are serialized by
// a named lock.
package voices

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/fsutil"
	"github.com/tommy2202/dubd/internal/log"
	"github.com/tommy2202/dubd/internal/model"
)

// CharacterMeta is the per-character metadata document.
type CharacterMeta struct {
	Character string            `json:"character"`
	Series    string            `json:"series"`
	UpdatedAt time.Time         `json:"updated_at"`
	SourceJob string            `json:"source_job,omitempty"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// Version is one historical canonical reference.
type Version struct {
	ID        string    `json:"id"` // timestamp-derived, sortable
	CreatedAt time.Time `json:"created_at"`
	SourceJob string    `json:"source_job,omitempty"`
}

// indexEntry is one character's row in the series index.
type indexEntry struct {
	Character string    `json:"character"`
	UpdatedAt time.Time `json:"updated_at"`
	Versions  int       `json:"versions"`
}

type seriesIndex struct {
	Series     string                `json:"series"`
	Characters map[string]indexEntry `json:"characters"`
	// NextSpeaker is the monotonic counter behind SPEAKER_NN allocation.
	NextSpeaker int `json:"next_speaker"`
}

// Store manages voice references under one root directory.
type Store struct {
	root   string
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex // series/character -> writer lock
}

// NewStore builds a voice store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{
		root:   dir,
		logger: log.WithComponent("voices"),
		now:    time.Now,
		locks:  map[string]*sync.Mutex{},
	}
}

// SaveCharacterRef atomically installs wav as the canonical reference for
// (series, character), archives the previous canonical as a version, appends
// the clip to refs/ and updates the series index.
func (s *Store) SaveCharacterRef(series, character string, wav io.Reader, sourceJob string, extra map[string]string) (*CharacterMeta, error) {
	series, character = model.Slugify(series), model.Slugify(character)
	unlock := s.lock(series, character)
	defer unlock()

	dir, err := s.characterDir(series, character)
	if err != nil {
		return nil, err
	}
	for _, sub := range []string{"refs", "versions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errdef.PersistFailed(err)
		}
	}

	now := s.now().UTC()
	versionID := now.Format("20060102T150405.000000000")

	// Archive the current canonical before overwriting it.
	canonical := filepath.Join(dir, "ref.wav")
	if _, err := os.Stat(canonical); err == nil {
		verDir := filepath.Join(dir, "versions", versionID)
		if err := os.MkdirAll(verDir, 0o755); err != nil {
			return nil, errdef.PersistFailed(err)
		}
		if err := copyFile(canonical, filepath.Join(verDir, "ref.wav")); err != nil {
			return nil, errdef.PersistFailed(err)
		}
		prev, _ := s.readMeta(dir)
		verMeta := Version{ID: versionID, CreatedAt: now}
		if prev != nil {
			verMeta.SourceJob = prev.SourceJob
		}
		if err := writeJSONAtomic(filepath.Join(verDir, "metadata.json"), verMeta); err != nil {
			return nil, err
		}
	}

	data, err := io.ReadAll(wav)
	if err != nil {
		return nil, errdef.PersistFailed(err)
	}
	if err := writeFileAtomic(canonical, data); err != nil {
		return nil, err
	}
	refName := fsutil.SafeName(sourceJob)
	if refName == "upload" {
		refName = "manual"
	}
	if err := writeFileAtomic(filepath.Join(dir, "refs", refName+"_"+versionID+".wav"), data); err != nil {
		return nil, err
	}

	meta := &CharacterMeta{
		Character: character,
		Series:    series,
		UpdatedAt: now,
		SourceJob: sourceJob,
		Extra:     extra,
	}
	if err := writeJSONAtomic(filepath.Join(dir, "meta.json"), meta); err != nil {
		return nil, err
	}
	if err := s.updateIndex(series, func(idx *seriesIndex) {
		e := idx.Characters[character]
		e.Character = character
		e.UpdatedAt = now
		e.Versions++
		idx.Characters[character] = e
	}); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("series", series).
		Str("character", character).
		Str("source_job", sourceJob).
		Msg("voice reference saved")
	return meta, nil
}

// GetCharacterRef returns the canonical reference path, or NOT_FOUND.
func (s *Store) GetCharacterRef(series, character string) (string, *CharacterMeta, error) {
	dir, err := s.characterDir(model.Slugify(series), model.Slugify(character))
	if err != nil {
		return "", nil, err
	}
	canonical := filepath.Join(dir, "ref.wav")
	if _, err := os.Stat(canonical); err != nil {
		return "", nil, errdef.NotFound("no voice reference for character")
	}
	meta, _ := s.readMeta(dir)
	return canonical, meta, nil
}

// ListCharacters returns the characters known for a series, newest first.
func (s *Store) ListCharacters(series string) ([]string, error) {
	idx, err := s.readIndex(model.Slugify(series))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(idx.Characters))
	for name := range idx.Characters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return idx.Characters[names[i]].UpdatedAt.After(idx.Characters[names[j]].UpdatedAt)
	})
	return names, nil
}

// ListCharacterVersions lists archived versions, newest first.
func (s *Store) ListCharacterVersions(series, character string) ([]Version, error) {
	dir, err := s.characterDir(model.Slugify(series), model.Slugify(character))
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(dir, "versions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errdef.PersistFailed(err)
	}
	var versions []Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v := Version{ID: e.Name()}
		raw, err := os.ReadFile(filepath.Join(dir, "versions", e.Name(), "metadata.json"))
		if err == nil {
			_ = json.Unmarshal(raw, &v)
			v.ID = e.Name()
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID > versions[j].ID })
	return versions, nil
}

// Rollback re-installs a historical version as the new canonical. The
// current canonical is archived first, so rollback itself is reversible.
func (s *Store) Rollback(series, character, versionID string) (*CharacterMeta, error) {
	series, character = model.Slugify(series), model.Slugify(character)
	dir, err := s.characterDir(series, character)
	if err != nil {
		return nil, err
	}
	verWav, err := fsutil.ConfineRel(dir, filepath.Join("versions", versionID, "ref.wav"))
	if err != nil {
		return nil, errdef.Validation("bad_version_id", "invalid version id")
	}
	f, err := os.Open(verWav)
	if err != nil {
		return nil, errdef.NotFound("version not found")
	}
	defer func() { _ = f.Close() }()

	return s.SaveCharacterRef(series, character, f, "rollback:"+versionID, nil)
}

// DeleteCharacter removes a character tree best-effort and updates the
// index.
func (s *Store) DeleteCharacter(series, character string) error {
	series, character = model.Slugify(series), model.Slugify(character)
	unlock := s.lock(series, character)
	defer unlock()

	dir, err := s.characterDir(series, character)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errdef.PersistFailed(err)
	}
	return s.updateIndex(series, func(idx *seriesIndex) {
		delete(idx.Characters, character)
	})
}

// Match returns the existing character whose reference is most similar to
// the probe embedding, provided the cosine similarity clears the threshold.
// With no match (or no embedder) it allocates a fresh SPEAKER_NN slug.
func (s *Store) Match(probe []float32, series string, embed func(wavPath string) ([]float32, error), threshold float64) (string, bool, error) {
	series = model.Slugify(series)

	best, bestScore := "", -1.0
	if embed != nil && len(probe) > 0 {
		chars, err := s.ListCharacters(series)
		if err != nil {
			return "", false, err
		}
		for _, c := range chars {
			refPath, _, err := s.GetCharacterRef(series, c)
			if err != nil {
				continue
			}
			vec, err := embed(refPath)
			if err != nil {
				continue
			}
			if score := cosine(probe, vec); score > bestScore {
				best, bestScore = c, score
			}
		}
		if best != "" && bestScore >= threshold {
			return best, true, nil
		}
	}

	name, err := s.allocateSpeaker(series)
	if err != nil {
		return "", false, err
	}
	return name, false, nil
}

// allocateSpeaker reserves the next SPEAKER_NN name for a series, returned
// in its slug form.
func (s *Store) allocateSpeaker(series string) (string, error) {
	var name string
	err := s.updateIndex(series, func(idx *seriesIndex) {
		idx.NextSpeaker++
		name = model.Slugify(fmt.Sprintf("SPEAKER_%02d", idx.NextSpeaker))
	})
	return name, err
}

func (s *Store) characterDir(series, character string) (string, error) {
	p, err := fsutil.ConfineRel(s.root, filepath.Join(series, "characters", character))
	if err != nil {
		return "", errdef.Validation("bad_name", "invalid series or character name")
	}
	return p, nil
}

func (s *Store) lock(series, character string) func() {
	key := series + "/" + character
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (s *Store) readMeta(dir string) (*CharacterMeta, error) {
	raw, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return nil, err
	}
	var m CharacterMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) indexPath(series string) string {
	return filepath.Join(s.root, series, "index.json")
}

func (s *Store) readIndex(series string) (*seriesIndex, error) {
	idx := &seriesIndex{Series: series, Characters: map[string]indexEntry{}}
	raw, err := os.ReadFile(s.indexPath(series))
	if err != nil {
		if os.IsNotExist(err) {
			return idx, nil
		}
		return nil, errdef.PersistFailed(err)
	}
	if err := json.Unmarshal(raw, idx); err != nil {
		// A corrupt index is rebuilt implicitly by subsequent saves.
		return &seriesIndex{Series: series, Characters: map[string]indexEntry{}}, nil
	}
	if idx.Characters == nil {
		idx.Characters = map[string]indexEntry{}
	}
	return idx, nil
}

// updateIndex applies a read-modify-write under the series index lock.
func (s *Store) updateIndex(series string, mutate func(*seriesIndex)) error {
	unlock := s.lock(series, "_index")
	defer unlock()

	idx, err := s.readIndex(series)
	if err != nil {
		return err
	}
	mutate(idx)
	if err := os.MkdirAll(filepath.Dir(s.indexPath(series)), 0o755); err != nil {
		return errdef.PersistFailed(err)
	}
	return writeJSONAtomic(s.indexPath(series), idx)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return writeFileAtomic(path, data)
}

func writeFileAtomic(path string, data []byte) error {
	pf, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
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

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// cosine computes cosine similarity; mismatched lengths score zero.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
