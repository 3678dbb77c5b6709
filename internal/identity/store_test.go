// SPDX-License-Identifier: MIT

package identity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndVerifyUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "Alice", "s3cret-pass", model.RoleOperator)
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
	assert.NotEqual(t, "s3cret-pass", u.PasswordHash)

	// Case-insensitive uniqueness.
	_, err = s.CreateUser(ctx, "alice", "other", model.RoleViewer)
	assert.Equal(t, errdef.KindConflict, errdef.KindOf(err))

	got, err := s.VerifyPassword(ctx, "ALICE", "s3cret-pass", "")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = s.VerifyPassword(ctx, "alice", "wrong", "")
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))

	_, err = s.VerifyPassword(ctx, "nobody", "whatever", "")
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))
}

func TestTOTPEnrollment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "bob", "hunter22", model.RoleEditor)
	require.NoError(t, err)

	secret := GenerateTOTPSecret()
	require.NoError(t, s.SetTOTP(ctx, u.ID, secret, true))

	// Password alone no longer suffices.
	_, err = s.VerifyPassword(ctx, "bob", "hunter22", "")
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))

	now := time.Now()
	key, _ := decodeBase32(secret)
	code := hotp(key, uint64(now.Unix())/30)
	got, err := s.VerifyPassword(ctx, "bob", "hunter22", code)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
}

func TestValidateTOTPWindow(t *testing.T) {
	secret := GenerateTOTPSecret()
	key, err := decodeBase32(secret)
	require.NoError(t, err)

	at := time.Unix(1767225600, 0) // fixed instant
	counter := uint64(at.Unix()) / 30

	assert.True(t, ValidateTOTP(secret, hotp(key, counter), at))
	assert.True(t, ValidateTOTP(secret, hotp(key, counter-1), at), "previous step within skew")
	assert.True(t, ValidateTOTP(secret, hotp(key, counter+1), at), "next step within skew")
	assert.False(t, ValidateTOTP(secret, hotp(key, counter+2), at), "outside skew")
	assert.False(t, ValidateTOTP(secret, "000000", at))
	assert.False(t, ValidateTOTP(secret, "12345", at), "wrong length")
}

func TestAPIKeyLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "carol", "passpass", model.RoleOperator)
	require.NoError(t, err)

	k, full, err := s.CreateAPIKey(ctx, u.ID, []string{"read:job", "submit:job"})
	require.NoError(t, err)
	assert.Contains(t, full, APIKeyScheme)
	assert.Contains(t, full, k.Prefix)

	got, err := s.VerifyAPIKey(ctx, full)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)
	assert.Equal(t, []string{"read:job", "submit:job"}, got.Scopes)

	_, err = s.VerifyAPIKey(ctx, APIKeyScheme+k.Prefix+".wrongsecret")
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))

	_, err = s.VerifyAPIKey(ctx, "not-a-key")
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))

	require.NoError(t, s.RevokeAPIKey(ctx, k.ID))
	_, err = s.VerifyAPIKey(ctx, full)
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))
}

func TestRefreshTokenRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "dave", "passpass", model.RoleViewer)
	require.NoError(t, err)

	tok, err := s.IssueRefreshToken(ctx, u.ID, time.Hour)
	require.NoError(t, err)

	next, userID, err := s.RotateRefreshToken(ctx, tok, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, u.ID, userID)
	assert.NotEqual(t, tok, next)

	// The old token is single-use.
	_, _, err = s.RotateRefreshToken(ctx, tok, time.Hour)
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))

	require.NoError(t, s.RevokeRefreshToken(ctx, next))
	_, _, err = s.RotateRefreshToken(ctx, next, time.Hour)
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))
}

func TestExpiredRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.CreateUser(ctx, "erin", "passpass", model.RoleViewer)
	require.NoError(t, err)

	tok, err := s.IssueRefreshToken(ctx, u.ID, time.Hour)
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, _, err = s.RotateRefreshToken(ctx, tok, time.Hour)
	assert.Equal(t, errdef.KindUnauthenticated, errdef.KindOf(err))
}

func decodeBase32(secret string) ([]byte, error) {
	return base32NoPad.DecodeString(secret)
}
