// SPDX-License-Identifier: MIT

package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/log"
)

// DefaultExecutor runs the media stages on the local toolchain and hands the
// ML stages (separate, transcribe, translate, synthesize, mix) to an external
// worker command. The worker contract is: argv = WorkerCmd + [--stage NAME,
// --work-dir DIR, --job ID]; it reads its inputs from the work dir and writes
// its artifacts back there, exiting non-zero on failure.
type DefaultExecutor struct {
	Toolchain Toolchain
	WorkerCmd []string

	logger zerolog.Logger
}

// NewDefaultExecutor builds the standard stage executor.
func NewDefaultExecutor(tc Toolchain, workerCmd []string) *DefaultExecutor {
	return &DefaultExecutor{
		Toolchain: tc,
		WorkerCmd: workerCmd,
		logger:    log.WithComponent("executor"),
	}
}

var _ StageExecutor = (*DefaultExecutor)(nil)

// RunStage dispatches one stage by name.
func (e *DefaultExecutor) RunStage(ctx context.Context, stage string, jc *JobContext) (*StageResult, error) {
	switch stage {
	case "probe":
		return e.probe(ctx, jc)
	case "extract_audio":
		return e.extractAudio(ctx, jc)
	case "mux":
		return e.mux(ctx, jc)
	default:
		return e.worker(ctx, jc, stage)
	}
}

func (e *DefaultExecutor) probe(ctx context.Context, jc *JobContext) (*StageResult, error) {
	res, err := e.Toolchain.Probe(ctx, jc.Job.VideoPath)
	if err != nil {
		return nil, err
	}
	meta := map[string]string{
		"duration_s":    strconv.FormatFloat(res.DurationS, 'f', 3, 64),
		"audio_streams": strconv.Itoa(res.AudioStreams),
		"video_codec":   res.VideoCodec,
	}
	return &StageResult{Meta: meta}, nil
}

func (e *DefaultExecutor) extractAudio(ctx context.Context, jc *JobContext) (*StageResult, error) {
	out := filepath.Join(jc.WorkDir, "audio_source.wav")
	if err := e.Toolchain.ExtractAudio(ctx, jc.Job.VideoPath, out); err != nil {
		return nil, err
	}
	return &StageResult{Artifacts: map[string]string{"audio_source": out}}, nil
}

func (e *DefaultExecutor) mux(ctx context.Context, jc *JobContext) (*StageResult, error) {
	dubbed := filepath.Join(jc.WorkDir, "dubbed_audio.wav")
	if _, err := os.Stat(dubbed); err != nil {
		return nil, errdef.New(errdef.KindToolchainFailed, "mix output missing, cannot mux")
	}
	subs := filepath.Join(jc.WorkDir, "subtitles.srt")
	if _, err := os.Stat(subs); err != nil {
		subs = ""
	}
	out := filepath.Join(jc.WorkDir, "output.mkv")
	if err := e.Toolchain.Mux(ctx, jc.Job.VideoPath, dubbed, subs, out); err != nil {
		return nil, err
	}
	artifacts := map[string]string{"output_mkv": out}
	if subs != "" {
		artifacts["output_srt"] = subs
	}
	return &StageResult{Artifacts: artifacts}, nil
}

func (e *DefaultExecutor) worker(ctx context.Context, jc *JobContext, stage string) (*StageResult, error) {
	if len(e.WorkerCmd) == 0 {
		return nil, errdef.Unavailable("stage worker for " + stage)
	}
	args := append(append([]string{}, e.WorkerCmd[1:]...),
		"--stage", stage,
		"--work-dir", jc.WorkDir,
		"--job", jc.Job.ID,
		"--mode", string(jc.Job.Mode),
		"--device", string(jc.Job.Device),
		"--src-lang", jc.Job.SrcLang,
		"--tgt-lang", jc.Job.TgtLang,
	)
	cmd := exec.CommandContext(ctx, e.WorkerCmd[0], args...)
	cmd.Dir = jc.WorkDir

	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return nil, errdef.Canceled("stage " + stage + " interrupted")
		}
		e.logger.Error().Str("stage", stage).Str("job_id", jc.Job.ID).
			Str("output", tail(string(out), 2048)).Msg("stage worker failed")
		return nil, errdef.ToolchainFailed(stage, fmt.Errorf("worker: %w", err))
	}

	// The worker leaves its artifact under a conventional name per stage.
	artifacts := map[string]string{}
	if name, ok := workerArtifacts[stage]; ok {
		p := filepath.Join(jc.WorkDir, name)
		if _, err := os.Stat(p); err == nil {
			artifacts[stage] = p
		}
	}
	return &StageResult{Artifacts: artifacts}, nil
}

// workerArtifacts maps ML stages to the file the worker is expected to
// produce in the work dir.
var workerArtifacts = map[string]string{
	"separate":   "vocals.wav",
	"transcribe": "transcript.json",
	"translate":  "translation.json",
	"synthesize": "synthesis.wav",
	"mix":        "dubbed_audio.wav",
}
