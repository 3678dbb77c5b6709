// SPDX-License-Identifier: MIT

// Package policy evaluates submission-time and dispatch-time rules. The
// rules rewrite mode and device where the host cannot honor the request and
// reject or defer where quotas forbid it. Every decision emits one audit
// event.
package policy

import (
	"time"

	"github.com/tommy2202/dubd/internal/audit"
	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

// Rewrite reasons recorded on the job's runtime map.
const (
	ReasonGPUDeviceDowngrade = "gpu_unavailable_device_downgrade"
	ReasonGPUModeDowngrade   = "gpu_unavailable_mode_downgrade"
)

// Counts are the user's current queue counters at decision time.
type Counts struct {
	Running int
	Queued  int
	Today   int
}

// Engine holds the host capabilities and global policy switches.
type Engine struct {
	Audit             *audit.Logger
	GPUAvailable      bool
	HighModeAdminOnly bool
	MaxHighRunning    int
}

// SubmissionResult is the outcome of a submission-time evaluation. On
// acceptance Mode and Device carry the possibly-rewritten plan.
type SubmissionResult struct {
	Mode    model.Mode
	Device  model.Device
	Reasons []string
}

// EvaluateSubmission applies the admission rules in order and returns the
// effective plan or a classified rejection.
func (e *Engine) EvaluateSubmission(role model.Role, mode model.Mode, device model.Device, counts Counts, q model.Quota, actor, jobRef string) (*SubmissionResult, error) {
	res := &SubmissionResult{Mode: mode, Device: device}

	if mode == model.ModeHigh && e.HighModeAdminOnly && role != model.RoleAdmin {
		e.log(actor, jobRef, false, []string{errdef.ReasonHighModeAdminOnly})
		return nil, errdef.Forbidden("high mode is restricted to admins")
	}

	if (device == model.DeviceCUDA || device == model.DeviceAuto) && !e.GPUAvailable {
		if device == model.DeviceCUDA {
			res.Device = model.DeviceCPU
			res.Reasons = append(res.Reasons, ReasonGPUDeviceDowngrade)
			if res.Mode == model.ModeHigh {
				res.Mode = model.ModeMedium
				res.Reasons = append(res.Reasons, ReasonGPUModeDowngrade)
			}
		} else {
			res.Device = model.DeviceCPU
		}
	} else if device == model.DeviceAuto {
		if e.GPUAvailable {
			res.Device = model.DeviceCUDA
		} else {
			res.Device = model.DeviceCPU
		}
	}

	if q.JobsPerDay > 0 && counts.Today >= q.JobsPerDay && role != model.RoleAdmin {
		e.log(actor, jobRef, false, []string{errdef.ReasonDailyJobCap})
		return nil, errdef.Quota(errdef.ReasonDailyJobCap, "daily job limit reached", 6*time.Hour)
	}

	if q.MaxQueuedJobs > 0 && counts.Queued >= q.MaxQueuedJobs && role != model.RoleAdmin {
		e.log(actor, jobRef, false, []string{errdef.ReasonUserQueuedCap})
		return nil, errdef.Quota(errdef.ReasonUserQueuedCap, "queued job limit reached", 30*time.Second)
	}

	e.log(actor, jobRef, true, res.Reasons)
	return res, nil
}

// DispatchDecision is the outcome of a dispatch-time evaluation. When
// Dispatch is false the job is requeued and retried after RetryAfter.
type DispatchDecision struct {
	Dispatch   bool
	RetryAfter time.Duration
	Reasons    []string
}

// EvaluateDispatch is the dispatch-time safety net: per-user running cap and
// global high-mode cap, with the admin-only rule repeated.
func (e *Engine) EvaluateDispatch(role model.Role, mode model.Mode, counts Counts, globalHighRunning int, q model.Quota, actor, jobRef string) DispatchDecision {
	if mode == model.ModeHigh && e.HighModeAdminOnly && role != model.RoleAdmin {
		d := DispatchDecision{RetryAfter: 10 * time.Second, Reasons: []string{errdef.ReasonHighModeAdminOnly}}
		e.logDispatch(actor, jobRef, d)
		return d
	}

	if q.MaxConcurrentJobs > 0 && counts.Running >= q.MaxConcurrentJobs && role != model.RoleAdmin {
		d := DispatchDecision{RetryAfter: 5 * time.Second, Reasons: []string{errdef.ReasonUserRunningCap}}
		e.logDispatch(actor, jobRef, d)
		return d
	}

	if mode == model.ModeHigh && e.MaxHighRunning > 0 && globalHighRunning >= e.MaxHighRunning {
		d := DispatchDecision{RetryAfter: 10 * time.Second, Reasons: []string{errdef.ReasonGlobalHighRunningCap}}
		e.logDispatch(actor, jobRef, d)
		return d
	}

	d := DispatchDecision{Dispatch: true}
	e.logDispatch(actor, jobRef, d)
	return d
}

func (e *Engine) log(actor, jobRef string, accepted bool, reasons []string) {
	if e.Audit != nil {
		e.Audit.SubmissionDecision(actor, jobRef, accepted, reasons)
	}
}

func (e *Engine) logDispatch(actor, jobRef string, d DispatchDecision) {
	if e.Audit != nil {
		e.Audit.DispatchDecision(actor, jobRef, d.Dispatch, d.Reasons, d.RetryAfter)
	}
}
