// SPDX-License-Identifier: MIT

package auth

import "github.com/tommy2202/dubd/internal/model"

// Known scopes. ScopeAdmin implies everything.
const (
	ScopeReadJob   = "read:job"
	ScopeSubmitJob = "submit:job"
	ScopeUpload    = "upload:file"
	ScopeAdmin     = "admin:*"
)

// ScopesForRole maps a role to the scopes its sessions carry.
func ScopesForRole(role model.Role) []string {
	switch role {
	case model.RoleAdmin:
		return []string{ScopeAdmin}
	case model.RoleEditor, model.RoleOperator:
		return []string{ScopeReadJob, ScopeSubmitJob, ScopeUpload}
	default:
		return []string{ScopeReadJob}
	}
}

// HasScope reports whether the scope list grants the required scope, either
// directly or via admin:*.
func HasScope(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required || s == ScopeAdmin {
			return true
		}
	}
	return false
}
