// SPDX-License-Identifier: MIT

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestStartedDoneLifecycle(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "j1")

	require.NoError(t, m.RecordStarted("extract", map[string]string{"codec": "aac"}))
	assert.False(t, m.IsDone("extract"), "started is not done")

	wav := writeArtifact(t, dir, "audio.wav", "pcm-data")
	require.NoError(t, m.RecordDone("extract", map[string]string{"audio": wav}, nil))
	assert.True(t, m.IsDone("extract"))

	f, err := m.Load()
	require.NoError(t, err)
	rec := f.Stages["extract"]
	assert.Equal(t, StatusDone, rec.Status)
	assert.Equal(t, "aac", rec.Meta["codec"])
	require.Len(t, f.Events, 2)
	assert.Equal(t, "stage_started", f.Events[0].Type)
	assert.Equal(t, "stage_finished", f.Events[1].Type)
}

func TestTamperedArtifactForcesRerun(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "j1")

	wav := writeArtifact(t, dir, "audio.wav", "original")
	require.NoError(t, m.RecordDone("extract", map[string]string{"audio": wav}, nil))
	require.True(t, m.IsDone("extract"))

	require.NoError(t, os.WriteFile(wav, []byte("tampered"), 0o644))
	assert.False(t, m.IsDone("extract"), "hash mismatch invalidates the stage")
}

func TestMissingArtifactForcesRerun(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "j1")

	wav := writeArtifact(t, dir, "audio.wav", "data")
	require.NoError(t, m.RecordDone("extract", map[string]string{"audio": wav}, nil))
	require.NoError(t, os.Remove(wav))
	assert.False(t, m.IsDone("extract"))
}

func TestSkipped(t *testing.T) {
	m := NewManager(t.TempDir(), "j1")
	require.NoError(t, m.RecordSkipped("separate", "no_music_track", nil))

	f, err := m.Load()
	require.NoError(t, err)
	rec := f.Stages["separate"]
	assert.Equal(t, StatusSkipped, rec.Status)
	assert.Equal(t, "no_music_track", rec.SkipReason)
	assert.False(t, m.IsDone("separate"))
}

func TestCorruptFileReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, "j1")
	require.NoError(t, m.RecordStarted("extract", nil))

	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o644))

	f, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, f.Stages)
	assert.False(t, m.IsDone("extract"))
}

func TestUnknownVersionReadsAsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName),
		[]byte(`{"version": 99, "stages": {"x": {"status": "done"}}}`), 0o644))

	m := NewManager(dir, "j1")
	f, err := m.Load()
	require.NoError(t, err)
	assert.Empty(t, f.Stages)
}

func TestMissingFileIsEmpty(t *testing.T) {
	m := NewManager(t.TempDir(), "j1")
	f, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "j1", f.JobID)
	assert.Empty(t, f.Stages)
}
