// SPDX-License-Identifier: MIT

// Package identity owns auth.db: user accounts, API keys and refresh tokens.
// Passwords are bcrypt-hashed; API key secrets and refresh tokens persist
// only as SHA-256 digests.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/tommy2202/dubd/internal/errdef"
	"github.com/tommy2202/dubd/internal/model"
	"github.com/tommy2202/dubd/internal/persistence/sqlite"
)

const schemaVersion = 1

// APIKeyScheme prefixes every issued API key so the resolver can recognize
// them inside an Authorization header.
const APIKeyScheme = "dubk_"

// Store is the identity database.
type Store struct {
	DB  *sql.DB
	now func() time.Time
}

// Open initializes the identity store at dbPath and applies migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("identity store: migration failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		username_lower TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL,
		totp_secret TEXT NOT NULL DEFAULT '',
		totp_enabled INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS api_keys (
		key_id TEXT PRIMARY KEY,
		prefix TEXT NOT NULL UNIQUE,
		key_hash TEXT NOT NULL,
		scopes TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);

	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		revoked INTEGER NOT NULL DEFAULT 0,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_refresh_user ON refresh_tokens(user_id);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateUser registers a new user. Usernames are unique case-insensitively.
func (s *Store) CreateUser(ctx context.Context, username, password string, role model.Role) (*model.User, error) {
	if username == "" || password == "" {
		return nil, errdef.Validation("invalid_credentials", "username and password required")
	}
	if !role.Valid() {
		return nil, errdef.Validation("invalid_role", "unknown role")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errdef.Internal(err)
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
		CreatedAt:    s.now(),
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO users (user_id, username, username_lower, password_hash, role, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, strings.ToLower(u.Username), u.PasswordHash, u.Role, u.CreatedAt.UnixMilli())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, errdef.Conflict("username already taken")
		}
		return nil, errdef.PersistFailed(err)
	}
	return u, nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	return s.getUser(ctx, "user_id = ?", id)
}

// GetUserByUsername performs a case-insensitive lookup.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.getUser(ctx, "username_lower = ?", strings.ToLower(username))
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*model.User, error) {
	var u model.User
	var totpEnabled int
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash, role, totp_secret, totp_enabled, created_at_ms
		FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.TOTPSecret, &totpEnabled, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errdef.NotFound("user not found")
		}
		return nil, errdef.PersistFailed(err)
	}
	u.TOTPEnabled = totpEnabled != 0
	u.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &u, nil
}

// VerifyPassword authenticates a user by username, password and, when
// enrolled, a TOTP code. Failures are indistinguishable to the caller.
func (s *Store) VerifyPassword(ctx context.Context, username, password, totpCode string) (*model.User, error) {
	u, err := s.GetUserByUsername(ctx, username)
	if err != nil {
		// Burn a bcrypt comparison so missing users cost the same as bad
		// passwords.
		_ = bcrypt.CompareHashAndPassword(
			[]byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5B0CtGJxWWbCGEoq/iuZ4y0eXykaa"), []byte(password))
		return nil, errdef.Unauthenticated("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, errdef.Unauthenticated("invalid credentials")
	}
	if u.TOTPEnabled {
		if !ValidateTOTP(u.TOTPSecret, totpCode, s.now()) {
			return nil, errdef.Unauthenticated("invalid credentials")
		}
	}
	return u, nil
}

// SetTOTP enrolls or clears a user's TOTP secret.
func (s *Store) SetTOTP(ctx context.Context, userID, secret string, enabled bool) error {
	res, err := s.DB.ExecContext(ctx,
		"UPDATE users SET totp_secret = ?, totp_enabled = ? WHERE user_id = ?",
		secret, boolInt(enabled), userID)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.NotFound("user not found")
	}
	return nil
}

// CreateAPIKey mints a new key for a user. The full secret is returned
// exactly once; only its hash persists.
func (s *Store) CreateAPIKey(ctx context.Context, userID string, scopes []string) (*model.APIKey, string, error) {
	prefix := randomHex(6)
	secret := randomHex(24)
	full := APIKeyScheme + prefix + "." + secret

	k := &model.APIKey{
		ID:        uuid.NewString(),
		Prefix:    prefix,
		KeyHash:   hashSecret(secret),
		Scopes:    scopes,
		UserID:    userID,
		CreatedAt: s.now(),
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, prefix, key_hash, scopes, user_id, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		k.ID, k.Prefix, k.KeyHash, strings.Join(scopes, " "), k.UserID, k.CreatedAt.UnixMilli())
	if err != nil {
		return nil, "", errdef.PersistFailed(err)
	}
	return k, full, nil
}

// VerifyAPIKey resolves a presented key of the form "dubk_<prefix>.<secret>".
// The secret is compared in constant time against the stored hash.
func (s *Store) VerifyAPIKey(ctx context.Context, presented string) (*model.APIKey, error) {
	raw, ok := strings.CutPrefix(presented, APIKeyScheme)
	if !ok {
		return nil, errdef.Unauthenticated("malformed api key")
	}
	prefix, secret, ok := strings.Cut(raw, ".")
	if !ok {
		return nil, errdef.Unauthenticated("malformed api key")
	}

	var k model.APIKey
	var scopes string
	var revoked int
	var createdAt int64
	err := s.DB.QueryRowContext(ctx, `
		SELECT key_id, prefix, key_hash, scopes, user_id, revoked, created_at_ms
		FROM api_keys WHERE prefix = ?`, prefix).
		Scan(&k.ID, &k.Prefix, &k.KeyHash, &scopes, &k.UserID, &revoked, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errdef.Unauthenticated("unknown api key")
		}
		return nil, errdef.PersistFailed(err)
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(k.KeyHash)) != 1 {
		return nil, errdef.Unauthenticated("invalid api key")
	}
	if revoked != 0 {
		return nil, errdef.Unauthenticated("revoked api key")
	}
	k.Scopes = strings.Fields(scopes)
	k.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &k, nil
}

// RevokeAPIKey marks a key revoked.
func (s *Store) RevokeAPIKey(ctx context.Context, keyID string) error {
	res, err := s.DB.ExecContext(ctx, "UPDATE api_keys SET revoked = 1 WHERE key_id = ?", keyID)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdef.NotFound("api key not found")
	}
	return nil
}

// IssueRefreshToken mints an opaque refresh token for a user.
func (s *Store) IssueRefreshToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	token := randomHex(32)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?)`,
		hashSecret(token), userID, s.now().Add(ttl).UnixMilli(), s.now().UnixMilli())
	if err != nil {
		return "", errdef.PersistFailed(err)
	}
	return token, nil
}

// RotateRefreshToken atomically revokes the presented token and issues a
// replacement. A revoked or expired token authenticates nothing.
func (s *Store) RotateRefreshToken(ctx context.Context, token string, ttl time.Duration) (string, string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", "", errdef.PersistFailed(err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	var expiresAt int64
	var revoked int
	err = tx.QueryRowContext(ctx,
		"SELECT user_id, expires_at_ms, revoked FROM refresh_tokens WHERE token_hash = ?",
		hashSecret(token)).Scan(&userID, &expiresAt, &revoked)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", "", errdef.Unauthenticated("unknown refresh token")
		}
		return "", "", errdef.PersistFailed(err)
	}
	if revoked != 0 || expiresAt < s.now().UnixMilli() {
		return "", "", errdef.Unauthenticated("refresh token expired or revoked")
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?", hashSecret(token)); err != nil {
		return "", "", errdef.PersistFailed(err)
	}

	next := randomHex(32)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (token_hash, user_id, expires_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?)`,
		hashSecret(next), userID, s.now().Add(ttl).UnixMilli(), s.now().UnixMilli()); err != nil {
		return "", "", errdef.PersistFailed(err)
	}
	if err := tx.Commit(); err != nil {
		return "", "", errdef.PersistFailed(err)
	}
	return next, userID, nil
}

// RevokeRefreshToken invalidates one token (logout).
func (s *Store) RevokeRefreshToken(ctx context.Context, token string) error {
	_, err := s.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?", hashSecret(token))
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}

// SweepExpiredTokens deletes refresh tokens past their expiry. Revoked rows
// inside their window are kept so reuse still reads as revoked, not unknown.
func (s *Store) SweepExpiredTokens(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		"DELETE FROM refresh_tokens WHERE expires_at_ms < ?", s.now().UnixMilli())
	if err != nil {
		return 0, errdef.PersistFailed(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountUsers reports how many users exist (bootstrap check).
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, errdef.PersistFailed(err)
	}
	return n, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // crypto/rand failure is unrecoverable
	}
	return hex.EncodeToString(buf)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
