// SPDX-License-Identifier: MIT

// Package auth resolves request identities and issues the daemon's compact
// access tokens. Tokens are HMAC-SHA256 signed JSON claims; API keys and
// refresh tokens live in the identity store.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/tommy2202/dubd/internal/errdef"
)

// tokenTypeAccess distinguishes access tokens from anything else that might
// be signed with the same key later.
const tokenTypeAccess = "access"

// Claims is the signed payload of a compact token.
type Claims struct {
	Subject  string   `json:"sub"`
	Scopes   []string `json:"scopes"`
	Type     string   `json:"typ"`
	IssuedAt int64    `json:"iat"`
	Expires  int64    `json:"exp"`
}

// TokenSigner mints and verifies compact access tokens.
type TokenSigner struct {
	secret []byte
	now    func() time.Time
}

// NewTokenSigner builds a signer over the shared server secret.
func NewTokenSigner(secret []byte) *TokenSigner {
	return &TokenSigner{secret: secret, now: time.Now}
}

// SignAccess mints an access token for a user with the given scopes.
func (t *TokenSigner) SignAccess(userID string, scopes []string, ttl time.Duration) (string, error) {
	now := t.now()
	claims := Claims{
		Subject:  userID,
		Scopes:   scopes,
		Type:     tokenTypeAccess,
		IssuedAt: now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errdef.Internal(err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + t.sign(body), nil
}

// VerifyAccess checks signature, type and expiry, returning the claims.
func (t *TokenSigner) VerifyAccess(token string) (*Claims, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, errdef.Unauthenticated("malformed token")
	}
	expected := t.sign(body)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return nil, errdef.Unauthenticated("invalid token signature")
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, errdef.Unauthenticated("malformed token payload")
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errdef.Unauthenticated("malformed token payload")
	}
	if claims.Type != tokenTypeAccess {
		return nil, errdef.Unauthenticated("wrong token type")
	}
	if claims.Expires < t.now().Unix() {
		return nil, errdef.Unauthenticated("token expired")
	}
	return &claims, nil
}

func (t *TokenSigner) sign(body string) string {
	mac := hmac.New(sha256.New, t.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
