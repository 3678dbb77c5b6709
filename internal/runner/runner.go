// SPDX-License-Identifier: MIT

// Package runner defines the contracts between the scheduler and the
// external processing world: the stage executor that does ML/DSP work, the
// media toolchain, and the speaker embedder. The pipeline runner sequences
// stages, scopes them to resource phases and checkpoints their artifacts.
package runner

import (
	"context"

	"github.com/tommy2202/dubd/internal/checkpoint"
	"github.com/tommy2202/dubd/internal/model"
)

// Phase names. Each ML-intensive stage enters exactly one phase; the
// scheduler owns the per-phase concurrency caps.
const (
	PhaseAudio      = "audio"
	PhaseTranscribe = "transcribe"
	PhaseTTS        = "tts"
	PhaseMux        = "mux"
)

// JobContext carries everything a running job needs from the scheduler.
type JobContext struct {
	Job        *model.Job
	Checkpoint *checkpoint.Manager
	WorkDir    string

	// Progress persists a monotonic progress value with a short message.
	Progress func(progress float64, message string)

	// EnterPhase acquires the named phase semaphore; the returned release
	// must be called when the phase section ends. Blocks honoring ctx.
	EnterPhase func(ctx context.Context, phase string) (release func(), err error)
}

// StageResult is what one executed stage hands back for checkpointing.
type StageResult struct {
	// Artifacts maps artifact names to produced file paths.
	Artifacts map[string]string
	// Meta is free-form stage metadata recorded in the checkpoint.
	Meta map[string]string
	// Skipped marks a stage the executor decided not to run.
	Skipped    bool
	SkipReason string
}

// StageExecutor performs the actual ML/DSP work of one named stage. The
// orchestration core never transcribes, translates or synthesizes itself.
type StageExecutor interface {
	RunStage(ctx context.Context, stage string, jc *JobContext) (*StageResult, error)
}

// ProbeResult is the advisory media metadata used at submission.
type ProbeResult struct {
	DurationS    float64
	VideoCodec   string
	AudioCodec   string
	AudioStreams int
	Width        int
	Height       int
}

// Toolchain is the media subprocess boundary. Implementations fail with
// typed errors; a missing capability yields UNAVAILABLE, handled in exactly
// one place per call site.
type Toolchain interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
	ExtractAudio(ctx context.Context, videoPath, wavPath string) error
	Mux(ctx context.Context, videoPath, audioPath, subsPath, outPath string) error
	Transcode(ctx context.Context, inPath, outPath string, args []string) error
	// Can reports whether the named capability (probe, extract_audio, mux,
	// transcode) is present on this host.
	Can(capability string) bool
}

// Embedder produces speaker embedding vectors for voice matching. Optional;
// Available gates every use.
type Embedder interface {
	Available() bool
	Embed(ctx context.Context, wavPath string) ([]float32, error)
}

// Runner drives one job from RUNNING to a terminal state.
type Runner interface {
	Run(ctx context.Context, jc *JobContext) error
}
