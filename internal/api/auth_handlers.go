// SPDX-License-Identifier: MIT

package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/tommy2202/dubd/internal/auth"
	"github.com/tommy2202/dubd/internal/errdef"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	CSRFToken   string `json:"csrf_token"`
	Role        string `json:"role"`
}

// handleLogin verifies the password (and TOTP when enrolled), issues an
// access token plus a rotating refresh token, and installs the session
// cookies.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	user, err := s.users.VerifyPassword(r.Context(), req.Username, req.Password, req.TOTPCode)
	if err != nil {
		if s.audit != nil {
			s.audit.AuthFailure(clientIP(r), "/auth/login", "bad_credentials")
		}
		writeErr(w, r, errdef.Unauthenticated("invalid credentials"))
		return
	}

	scopes := auth.ScopesForRole(user.Role)
	access, err := s.signer.SignAccess(user.ID, scopes, s.cfg.AccessTokenTTL)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	refresh, err := s.users.IssueRefreshToken(r.Context(), user.ID, s.cfg.RefreshTokenTTL)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	csrf := randomToken()

	s.setSessionCookies(w, access, refresh, csrf)
	if s.audit != nil {
		s.audit.AuthSuccess(user.ID, clientIP(r), "/auth/login")
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: access, CSRFToken: csrf, Role: string(user.Role)})
}

// handleRefresh rotates the refresh token and re-issues the access token.
// The old refresh token is revoked whether or not rotation succeeds.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(auth.RefreshCookie)
	if err != nil || c.Value == "" {
		writeErr(w, r, errdef.Unauthenticated("no refresh token"))
		return
	}
	next, userID, err := s.users.RotateRefreshToken(r.Context(), c.Value, s.cfg.RefreshTokenTTL)
	if err != nil {
		s.clearSessionCookies(w)
		writeErr(w, r, errdef.Unauthenticated("refresh token rejected"))
		return
	}
	user, err := s.users.GetUser(r.Context(), userID)
	if err != nil {
		s.clearSessionCookies(w)
		writeErr(w, r, errdef.Unauthenticated("user no longer exists"))
		return
	}

	scopes := auth.ScopesForRole(user.Role)
	access, err := s.signer.SignAccess(user.ID, scopes, s.cfg.AccessTokenTTL)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	csrf := randomToken()
	s.setSessionCookies(w, access, next, csrf)
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: access, CSRFToken: csrf, Role: string(user.Role)})
}

// handleLogout revokes the refresh token and clears the cookies. Always
// succeeds from the client's point of view.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(auth.RefreshCookie); err == nil && c.Value != "" {
		_ = s.users.RevokeRefreshToken(r.Context(), c.Value)
	}
	s.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) setSessionCookies(w http.ResponseWriter, access, refresh, csrf string) {
	secure := s.cfg.CookieSecure
	http.SetCookie(w, &http.Cookie{
		Name: auth.SessionCookie, Value: access, Path: "/",
		MaxAge: int(s.cfg.SessionCookieMaxAge.Seconds()),
		HttpOnly: true, Secure: secure, SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name: auth.RefreshCookie, Value: refresh, Path: "/auth",
		MaxAge: int(s.cfg.RefreshTokenTTL.Seconds()),
		HttpOnly: true, Secure: secure, SameSite: http.SameSiteStrictMode,
	})
	// Readable by the frontend for the double-submit header.
	http.SetCookie(w, &http.Cookie{
		Name: auth.CSRFCookie, Value: csrf, Path: "/",
		MaxAge: int(s.cfg.SessionCookieMaxAge.Seconds()),
		Secure: secure, SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	for _, c := range []struct{ name, path string }{
		{auth.SessionCookie, "/"},
		{auth.RefreshCookie, "/auth"},
		{auth.CSRFCookie, "/"},
	} {
		http.SetCookie(w, &http.Cookie{Name: c.name, Value: "", Path: c.path, MaxAge: -1})
	}
}

func randomToken() string {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
