// SPDX-License-Identifier: MIT

package model

import "time"

// Role is the coarse permission tier of a user.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleEditor   Role = "editor"
	RoleAdmin    Role = "admin"
)

// roleRank orders roles for coarse gating checks.
var roleRank = map[Role]int{
	RoleViewer:   0,
	RoleOperator: 1,
	RoleEditor:   2,
	RoleAdmin:    3,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r grants at least the permissions of min.
func (r Role) AtLeast(min Role) bool {
	return roleRank[r] >= roleRank[min]
}

// User is a human account in the identity database.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	TOTPSecret   string    `json:"-"`
	TOTPEnabled  bool      `json:"totp_enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIKey is a machine credential. The full secret is shown once at creation;
// only the prefix and a hash persist.
type APIKey struct {
	ID        string    `json:"id"`
	Prefix    string    `json:"prefix"`
	KeyHash   string    `json:"-"`
	Scopes    []string  `json:"scopes"`
	UserID    string    `json:"user_id"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// IdentityKind distinguishes the credential classes a request may carry.
type IdentityKind string

const (
	IdentityUser   IdentityKind = "user"
	IdentityAPIKey IdentityKind = "api_key"
)

// Identity is the resolved principal for a request.
type Identity struct {
	Kind         IdentityKind
	User         User
	Scopes       []string
	APIKeyPrefix string
	// CookieSession is true when the identity came from the session cookie
	// and state-changing requests must pass the CSRF check.
	CookieSession bool
}

// IsAdmin reports whether the resolved principal has the admin role.
func (id *Identity) IsAdmin() bool { return id.User.Role == RoleAdmin }
