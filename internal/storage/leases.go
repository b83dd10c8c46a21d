package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AcquireThreadLease takes the per-thread run-lease for ownerID with the
// given TTL. A lease held by a live owner returns ErrLeaseHeld: callers
// fail fast with Busy rather than queueing. An expired lease is taken over
// regardless of its previous owner, so a crashed orchestrator cannot wedge
// a thread forever.
func (db *DB) AcquireThreadLease(ctx context.Context, threadID, ownerID uuid.UUID, ttl time.Duration) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO thread_leases (thread_id, owner_id, expires_at, acquired_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (thread_id) DO UPDATE
		 SET owner_id = EXCLUDED.owner_id,
		     expires_at = EXCLUDED.expires_at,
		     acquired_at = EXCLUDED.acquired_at
		 WHERE thread_leases.expires_at <= $4`,
		threadID, ownerID, now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("storage: acquire thread lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: thread %s", ErrLeaseHeld, threadID)
	}
	return nil
}

// RenewThreadLease extends a lease the owner still holds. Turns that outlive
// the initial TTL (slow producers) renew periodically.
func (db *DB) RenewThreadLease(ctx context.Context, threadID, ownerID uuid.UUID, ttl time.Duration) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE thread_leases SET expires_at = $1
		 WHERE thread_id = $2 AND owner_id = $3`,
		time.Now().UTC().Add(ttl), threadID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("storage: renew thread lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: thread %s", ErrLeaseHeld, threadID)
	}
	return nil
}

// ReleaseThreadLease drops the lease if ownerID still holds it. Releasing a
// lease that expired and was taken over is a no-op, never an error: the new
// owner's lease must not be clobbered.
func (db *DB) ReleaseThreadLease(ctx context.Context, threadID, ownerID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM thread_leases WHERE thread_id = $1 AND owner_id = $2`,
		threadID, ownerID,
	)
	if err != nil {
		return fmt.Errorf("storage: release thread lease: %w", err)
	}
	return nil
}
