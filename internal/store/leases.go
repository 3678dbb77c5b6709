// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"time"

	"github.com/tommy2202/dubd/internal/errdef"
)

// TryAcquireLease takes or steals the advisory lease for key when it is free
// or expired. Returns false while another owner holds it.
func (s *Store) TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, errdef.PersistFailed(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now().UnixMilli()
	expiresAt := s.now().Add(ttl).UnixMilli()

	var currentOwner string
	var currentExpires int64
	err = tx.QueryRowContext(ctx, "SELECT owner, expires_at_ms FROM leases WHERE key = ?", key).
		Scan(&currentOwner, &currentExpires)
	if err == nil {
		if currentExpires > now && currentOwner != owner {
			return false, nil
		}
	} else if !isNoRows(err) {
		return false, errdef.PersistFailed(err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO leases (key, owner, expires_at_ms) VALUES (?, ?, ?)",
		key, owner, expiresAt); err != nil {
		return false, errdef.PersistFailed(err)
	}
	if err := tx.Commit(); err != nil {
		return false, errdef.PersistFailed(err)
	}
	return true, nil
}

// RenewLease extends a held lease. Same semantics as TryAcquireLease because
// the holder always wins the CAS.
func (s *Store) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	return s.TryAcquireLease(ctx, key, owner, ttl)
}

// ReleaseLease drops the lease if still held by owner.
func (s *Store) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.DB.ExecContext(ctx, "DELETE FROM leases WHERE key = ? AND owner = ?", key, owner)
	if err != nil {
		return errdef.PersistFailed(err)
	}
	return nil
}
