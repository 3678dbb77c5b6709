// SPDX-License-Identifier: MIT

package runner

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/log"
)

// stageSpec binds a stage name to its resource phase and the share of the
// progress bar it occupies. Weights sum to 1.0.
type stageSpec struct {
	Name   string
	Phase  string
	Weight float64
}

// dubStages is the fixed dubbing pipeline. Separation is optional; the
// executor reports Skipped when the source has no separable music track.
var dubStages = []stageSpec{
	{Name: "probe", Phase: PhaseAudio, Weight: 0.02},
	{Name: "extract_audio", Phase: PhaseAudio, Weight: 0.05},
	{Name: "separate", Phase: PhaseAudio, Weight: 0.08},
	{Name: "transcribe", Phase: PhaseTranscribe, Weight: 0.25},
	{Name: "translate", Phase: PhaseTranscribe, Weight: 0.10},
	{Name: "synthesize", Phase: PhaseTTS, Weight: 0.35},
	{Name: "mix", Phase: PhaseMux, Weight: 0.08},
	{Name: "mux", Phase: PhaseMux, Weight: 0.07},
}

// Pipeline runs the dubbing stages in order, entering one resource phase per
// stage, skipping stages whose checkpoint still validates, and persisting
// progress after each stage boundary.
type Pipeline struct {
	Executor StageExecutor

	logger zerolog.Logger
	stages []stageSpec
}

// NewPipeline builds the standard dubbing pipeline over the given executor.
func NewPipeline(exec StageExecutor) *Pipeline {
	return &Pipeline{
		Executor: exec,
		logger:   log.WithComponent("pipeline"),
		stages:   dubStages,
	}
}

// Run executes the pipeline for one job. Cancellation is checked at every
// stage boundary and inside executors via ctx; a canceled context surfaces as
// a CANCELED error so the scheduler never records it as a failure.
func (p *Pipeline) Run(ctx context.Context, jc *JobContext) error {
	done := 0.0
	for _, st := range p.stages {
		if err := ctx.Err(); err != nil {
			return errdef.Canceled("job canceled before stage " + st.Name)
		}

		lg := p.logger.With().Str("job_id", jc.Job.ID).Str("stage", st.Name).Logger()

		if jc.Checkpoint.IsDone(st.Name) {
			lg.Info().Msg("stage checkpoint valid, skipping")
			done += st.Weight
			jc.Progress(done, "resumed past "+st.Name)
			continue
		}

		if err := p.runStage(ctx, jc, st, done); err != nil {
			return err
		}
		done += st.Weight
		jc.Progress(done, st.Name+" finished")
	}
	jc.Progress(1.0, "completed")
	return nil
}

func (p *Pipeline) runStage(ctx context.Context, jc *JobContext, st stageSpec, done float64) error {
	release, err := jc.EnterPhase(ctx, st.Phase)
	if err != nil {
		if errdef.KindOf(err) == errdef.KindCanceled {
			return err
		}
		return errdef.Wrap(errdef.KindInternal, "enter phase "+st.Phase, err)
	}
	defer release()

	if err := jc.Checkpoint.RecordStarted(st.Name, nil); err != nil {
		return err
	}
	jc.Progress(done, st.Name+" running")

	res, err := p.Executor.RunStage(ctx, st.Name, jc)
	if err != nil {
		if ctx.Err() != nil && errdef.KindOf(err) != errdef.KindCanceled {
			return errdef.Canceled("job canceled during stage " + st.Name)
		}
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}
	if res == nil {
		res = &StageResult{}
	}
	if res.Skipped {
		return jc.Checkpoint.RecordSkipped(st.Name, res.SkipReason, res.Meta)
	}
	return jc.Checkpoint.RecordDone(st.Name, res.Artifacts, res.Meta)
}

// Stages exposes the stage order for timeline rendering.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, st := range p.stages {
		names[i] = st.Name
	}
	return names
}
