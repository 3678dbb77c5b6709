// SPDX-License-Identifier: MIT

package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/identity"
	"github.com/tommy2202/dubd/internal/model"
)

// Cookie names used by the session flow.
const (
	SessionCookie = "session"
	RefreshCookie = "refresh"
	CSRFCookie    = "csrf"
	CSRFHeader    = "X-CSRF-Token"
)

// Resolver turns an HTTP request into an Identity. Resolution order is
// API key, bearer token, session cookie, then the gated legacy query
// parameter. First match wins.
type Resolver struct {
	Users  *identity.Store
	Signer *TokenSigner

	// AllowLegacyToken enables the ?token= fallback. Even when enabled it
	// only applies to loopback and RFC1918 peers.
	AllowLegacyToken bool
}

// Resolve authenticates the request or returns UNAUTHENTICATED.
func (rv *Resolver) Resolve(r *http.Request) (*model.Identity, error) {
	// 1. API key: dedicated header, or Bearer value carrying the key scheme.
	if key := apiKeyFromRequest(r); key != "" {
		return rv.resolveAPIKey(r, key)
	}

	// 2. Bearer access token.
	if token := bearerToken(r); token != "" {
		id, err := rv.resolveAccessToken(r, token, false)
		if err != nil {
			return nil, err
		}
		return id, nil
	}

	// 3. Session cookie carrying an access token. CSRF applies.
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return rv.resolveAccessToken(r, c.Value, true)
	}

	// 4. Legacy ?token= for local browser WebSocket clients only.
	if rv.AllowLegacyToken {
		if token := r.URL.Query().Get("token"); token != "" && isPrivatePeer(r.RemoteAddr) {
			return rv.resolveAccessToken(r, token, false)
		}
	}

	return nil, errdef.Unauthenticated("no credentials")
}

func (rv *Resolver) resolveAPIKey(r *http.Request, presented string) (*model.Identity, error) {
	key, err := rv.Users.VerifyAPIKey(r.Context(), presented)
	if err != nil {
		return nil, err
	}
	user, err := rv.Users.GetUser(r.Context(), key.UserID)
	if err != nil {
		return nil, errdef.Unauthenticated("api key user missing")
	}
	return &model.Identity{
		Kind:         model.IdentityAPIKey,
		User:         *user,
		Scopes:       key.Scopes,
		APIKeyPrefix: key.Prefix,
	}, nil
}

func (rv *Resolver) resolveAccessToken(r *http.Request, token string, cookie bool) (*model.Identity, error) {
	claims, err := rv.Signer.VerifyAccess(token)
	if err != nil {
		return nil, err
	}
	user, err := rv.Users.GetUser(r.Context(), claims.Subject)
	if err != nil {
		return nil, errdef.Unauthenticated("token subject missing")
	}
	return &model.Identity{
		Kind:          model.IdentityUser,
		User:          *user,
		Scopes:        claims.Scopes,
		CookieSession: cookie,
	}, nil
}

// CheckCSRF enforces the double-submit pattern for cookie sessions on
// state-changing methods. API-key and pure-bearer flows are exempt.
func CheckCSRF(r *http.Request, id *model.Identity) error {
	if id == nil || !id.CookieSession {
		return nil
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
	default:
		return nil
	}

	c, err := r.Cookie(CSRFCookie)
	if err != nil || c.Value == "" {
		return errdef.Forbidden("missing csrf cookie")
	}
	header := r.Header.Get(CSRFHeader)
	if header == "" || header != c.Value {
		return errdef.Forbidden("csrf token mismatch")
	}
	return nil
}

func apiKeyFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Api-Key"); v != "" {
		return v
	}
	if token := bearerToken(r); strings.HasPrefix(token, identity.APIKeyScheme) {
		return token
	}
	return ""
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// isPrivatePeer reports whether the peer address is loopback or RFC1918
// private. Enforced unconditionally for the legacy token path.
func isPrivatePeer(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
