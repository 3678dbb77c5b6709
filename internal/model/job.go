// SPDX-License-Identifier: MIT

// Package model holds the persistent domain types shared by the store, the
// queue, the scheduler and the HTTP surface.
package model

import (
	"encoding/json"
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued   State = "QUEUED"
	StateRunning  State = "RUNNING"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
	StateCanceled State = "CANCELED"
)

// Terminal reports whether a job in this state will never run again.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateCanceled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateDone, StateFailed, StateCanceled:
		return true
	}
	return false
}

// allowedTransitions is the closed transition set. RUNNING to QUEUED exists
// for the admin re-queue path only; callers gate it on role.
var allowedTransitions = map[State]map[State]bool{
	StateQueued: {
		StateRunning:  true,
		StateCanceled: true,
	},
	StateRunning: {
		StateDone:     true,
		StateFailed:   true,
		StateCanceled: true,
		StateQueued:   true,
	},
	StateDone:     {StateQueued: true},
	StateFailed:   {StateQueued: true},
	StateCanceled: {StateQueued: true},
}

// CanTransition reports whether the state machine permits from -> to.
// Self transitions are allowed so progress updates need no special casing.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	return allowedTransitions[from][to]
}

// AdminOnlyTransition reports whether from -> to requires the admin role.
// Any path back to QUEUED is a re-queue and is reserved for admins.
func AdminOnlyTransition(from, to State) bool {
	return to == StateQueued && from != to
}

// Mode is the quality/effort plan for a job.
type Mode string

const (
	ModeHigh   Mode = "high"
	ModeMedium Mode = "medium"
	ModeLow    Mode = "low"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeHigh, ModeMedium, ModeLow:
		return true
	}
	return false
}

// Degrade returns the next lower mode, or low when already there.
func (m Mode) Degrade() Mode {
	switch m {
	case ModeHigh:
		return ModeMedium
	case ModeMedium:
		return ModeLow
	}
	return ModeLow
}

// Device selects the compute device requested for a job.
type Device string

const (
	DeviceAuto Device = "auto"
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Valid reports whether d is a known device.
func (d Device) Valid() bool {
	switch d {
	case DeviceAuto, DeviceCPU, DeviceCUDA:
		return true
	}
	return false
}

// Visibility is the per-object access class for library items.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityPublic  Visibility = "public"
	VisibilityShared  Visibility = "shared"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPrivate, VisibilityPublic, VisibilityShared:
		return true
	}
	return false
}

// Job is one end-to-end dubbing run and its persistent record.
type Job struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`

	VideoPath string  `json:"video_path"`
	DurationS float64 `json:"duration_s,omitempty"`

	Mode    Mode   `json:"mode"`
	Device  Device `json:"device"`
	SrcLang string `json:"src_lang"`
	TgtLang string `json:"tgt_lang"`

	SeriesTitle   string     `json:"series_title"`
	SeriesSlug    string     `json:"series_slug"`
	SeasonNumber  int        `json:"season_number"`
	EpisodeNumber int        `json:"episode_number"`
	Visibility    Visibility `json:"visibility"`

	State    State   `json:"state"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
	Error    string  `json:"error,omitempty"`

	Priority int  `json:"priority"`
	Archived bool `json:"archived,omitempty"`

	OutputMKV string `json:"output_mkv,omitempty"`
	OutputSRT string `json:"output_srt,omitempty"`
	WorkDir   string `json:"work_dir,omitempty"`
	LogPath   string `json:"log_path,omitempty"`

	// Runtime holds free-form per-job metadata: policy rewrite reasons,
	// tags, skipped-stage records.
	Runtime map[string]any `json:"runtime,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RuntimeJSON serializes the runtime map for storage. An empty map encodes
// as "{}" so scans never deal with NULL.
func (j *Job) RuntimeJSON() (string, error) {
	if len(j.Runtime) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(j.Runtime)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AppendPolicyReason records a policy rewrite reason in the runtime map.
func (j *Job) AppendPolicyReason(reason string) {
	if j.Runtime == nil {
		j.Runtime = map[string]any{}
	}
	reasons, _ := j.Runtime["policy_reasons"].([]string)
	if reasons == nil {
		if raw, ok := j.Runtime["policy_reasons"].([]any); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					reasons = append(reasons, s)
				}
			}
		}
	}
	j.Runtime["policy_reasons"] = append(reasons, reason)
}

// JobPatch is an atomic partial update applied by the store. Nil fields are
// left untouched.
type JobPatch struct {
	// Privileged marks patches issued by an admin or by startup recovery.
	// Transitions back to QUEUED are rejected without it.
	Privileged bool

	State      *State
	Progress   *float64
	Message    *string
	Error      *string
	Priority   *int
	Mode       *Mode
	Device     *Device
	Visibility *Visibility
	Archived   *bool
	DurationS  *float64
	OutputMKV  *string
	OutputSRT  *string
	WorkDir    *string
	LogPath    *string
	Runtime    map[string]any // merged key-by-key into the stored map
}

// JobFilter narrows list queries.
type JobFilter struct {
	OwnerID    string
	States     []State
	SeriesSlug string
	Visibility Visibility
	Archived   *bool
	Tag        string
}

// JobOrder selects the sort order for list queries.
type JobOrder string

const (
	OrderUpdatedDesc JobOrder = "updated_desc"
	OrderCreatedAsc  JobOrder = "created_asc"
)
