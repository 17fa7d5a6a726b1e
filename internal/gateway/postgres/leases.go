package postgres

import (
	"context"
	"time"

	"github.com/rezkam/workcoord/internal/lockarbiter"
)

// TryAcquireLease implements scheduler.LeaseArbiter over the shared
// cron_job_leases table, letting the scheduler's retention sweep run on a
// single worker process at a time. The actual claim logic lives in lockarbiter so every
// conditional-update primitive in this module, claims and leases alike,
// goes through one place.
func (s *Store) TryAcquireLease(ctx context.Context, runType, holderID string, leaseDuration time.Duration) (bool, error) {
	return lockarbiter.TryAcquireLease(ctx, s.Pool, runType, holderID, leaseDuration)
}
