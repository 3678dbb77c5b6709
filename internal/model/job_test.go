// SPDX-License-Identifier: MIT

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{StateQueued, StateRunning},
		{StateQueued, StateCanceled},
		{StateRunning, StateDone},
		{StateRunning, StateFailed},
		{StateRunning, StateCanceled},
		{StateRunning, StateQueued},
		{StateDone, StateQueued},
		{StateFailed, StateQueued},
		{StateCanceled, StateQueued},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]State{
		{StateQueued, StateDone},
		{StateQueued, StateFailed},
		{StateDone, StateRunning},
		{StateFailed, StateRunning},
		{StateCanceled, StateRunning},
		{StateDone, StateFailed},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	// Self transitions carry progress updates.
	assert.True(t, CanTransition(StateRunning, StateRunning))
}

func TestAdminOnlyTransition(t *testing.T) {
	assert.True(t, AdminOnlyTransition(StateRunning, StateQueued))
	assert.True(t, AdminOnlyTransition(StateDone, StateQueued))
	assert.False(t, AdminOnlyTransition(StateQueued, StateQueued))
	assert.False(t, AdminOnlyTransition(StateQueued, StateRunning))
}

func TestModeDegrade(t *testing.T) {
	assert.Equal(t, ModeMedium, ModeHigh.Degrade())
	assert.Equal(t, ModeLow, ModeMedium.Degrade())
	assert.Equal(t, ModeLow, ModeLow.Degrade())
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, RoleAdmin.AtLeast(RoleOperator))
	assert.True(t, RoleEditor.AtLeast(RoleOperator))
	assert.True(t, RoleOperator.AtLeast(RoleOperator))
	assert.False(t, RoleViewer.AtLeast(RoleOperator))
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "my-show", Slugify("My Show"))
	assert.Equal(t, "my-show", Slugify("  My   Show  "))
	assert.Equal(t, "attack-on-titan-s2", Slugify("Attack on Titan / S2"))
	assert.Equal(t, "untitled", Slugify("***"))
	assert.Equal(t, "untitled", Slugify(""))
}

func TestAppendPolicyReason(t *testing.T) {
	j := &Job{}
	j.AppendPolicyReason("gpu_unavailable_device_downgrade")
	j.AppendPolicyReason("gpu_unavailable_mode_downgrade")
	reasons, ok := j.Runtime["policy_reasons"].([]string)
	assert.True(t, ok)
	assert.Equal(t, []string{
		"gpu_unavailable_device_downgrade",
		"gpu_unavailable_mode_downgrade",
	}, reasons)
}

func TestQuotaOverrideApply(t *testing.T) {
	defaults := Quota{MaxUploadBytes: 100, JobsPerDay: 5, MaxQueuedJobs: 10}
	var o *QuotaOverride
	assert.Equal(t, defaults, o.Apply(defaults))

	up := int64(200)
	q := (&QuotaOverride{MaxUploadBytes: &up}).Apply(defaults)
	assert.Equal(t, int64(200), q.MaxUploadBytes)
	assert.Equal(t, 5, q.JobsPerDay)
}

func TestLibraryRowVisibleTo(t *testing.T) {
	owner := &Identity{Kind: IdentityUser, User: User{ID: "u1", Role: RoleOperator}}
	other := &Identity{Kind: IdentityUser, User: User{ID: "u2", Role: RoleViewer}}
	admin := &Identity{Kind: IdentityUser, User: User{ID: "u3", Role: RoleAdmin}}

	private := &LibraryRow{OwnerID: "u1", Visibility: VisibilityPrivate}
	assert.True(t, private.VisibleTo(owner))
	assert.False(t, private.VisibleTo(other))
	assert.True(t, private.VisibleTo(admin))

	public := &LibraryRow{OwnerID: "u1", Visibility: VisibilityPublic}
	assert.True(t, public.VisibleTo(other))

	shared := &LibraryRow{OwnerID: "u1", Visibility: VisibilityShared}
	assert.True(t, shared.VisibleTo(other))
}
