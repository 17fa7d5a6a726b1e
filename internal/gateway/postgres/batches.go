package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rezkam/workcoord/internal/batchengine"
	"github.com/rezkam/workcoord/internal/coreerr"
	"github.com/rezkam/workcoord/internal/model"
)

// BatchStore implements batchengine.Repository over the batches/batch_parts
// tables.
type BatchStore struct {
	*Store
}

// NewBatchStore wraps a shared Store for the batch engine.
func NewBatchStore(s *Store) *BatchStore { return &BatchStore{Store: s} }

func (s *BatchStore) InsertBatch(ctx context.Context, b *model.Batch, parts []*model.BatchPart) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (
			id, type, status, total, priority, max_retries, config, tenant_id, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		b.ID, b.Type, b.Status, b.Total, b.Priority, b.MaxRetries, b.Config, b.TenantID, b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	for _, p := range parts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO batch_parts (id, batch_id, type, status, data, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			p.ID, p.BatchID, p.Type, p.Status, p.Data, p.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert batch part: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (s *BatchStore) AppendParts(ctx context.Context, batchID string, parts []*model.BatchPart) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append parts tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, p := range parts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO batch_parts (id, batch_id, type, status, data, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			p.ID, p.BatchID, p.Type, p.Status, p.Data, p.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert appended batch part: %w", err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE batches SET total = total + $1 WHERE id = $2`, len(parts), batchID); err != nil {
		return fmt.Errorf("bump batch total: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *BatchStore) SelectActiveBatches(ctx context.Context, max int) ([]*model.Batch, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, type, status, total, processed_total, success_total, fail_total, skipped_total,
		       priority, max_retries, config, tenant_id, created_at, started_at, ended_at, error_message
		FROM batches
		WHERE status IN ($1, $2)
		ORDER BY priority DESC, created_at ASC
		LIMIT $3`,
		model.BatchPending, model.BatchRunning, max,
	)
	if err != nil {
		return nil, fmt.Errorf("select active batches: %w", err)
	}
	defer rows.Close()

	var out []*model.Batch
	for rows.Next() {
		b, err := scanBatchRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatchRow(row rowScanner) (*model.Batch, error) {
	b := &model.Batch{}
	err := row.Scan(
		&b.ID, &b.Type, &b.Status, &b.Total, &b.ProcessedTotal, &b.SuccessTotal, &b.FailTotal, &b.SkippedTotal,
		&b.Priority, &b.MaxRetries, &b.Config, &b.TenantID, &b.CreatedAt, &b.StartedAt, &b.EndedAt, &b.ErrorMessage,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coreerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	return b, nil
}

func (s *BatchStore) FindBatchByID(ctx context.Context, id string) (*model.Batch, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, type, status, total, processed_total, success_total, fail_total, skipped_total,
		       priority, max_retries, config, tenant_id, created_at, started_at, ended_at, error_message
		FROM batches WHERE id = $1`, id)
	return scanBatchRow(row)
}

func (s *BatchStore) TransitionToRunning(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE batches SET status = $1, started_at = now()
		WHERE id = $2 AND status = $3`,
		model.BatchRunning, id, model.BatchPending)
	if err != nil {
		return fmt.Errorf("transition batch to running: %w", err)
	}
	return nil
}

func (s *BatchStore) FetchPendingParts(ctx context.Context, batchID string, limit int) ([]*model.BatchPart, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, batch_id, type, status, data, result, error_message, retry_count, lock_owner,
		       created_at, started_at, ended_at
		FROM batch_parts
		WHERE batch_id = $1 AND status = $2
		LIMIT $3`,
		batchID, model.PartPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending parts: %w", err)
	}
	defer rows.Close()

	var out []*model.BatchPart
	for rows.Next() {
		p := &model.BatchPart{}
		if err := rows.Scan(
			&p.ID, &p.BatchID, &p.Type, &p.Status, &p.Data, &p.Result, &p.ErrorMessage, &p.RetryCount, &p.LockOwner,
			&p.CreatedAt, &p.StartedAt, &p.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending part: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *BatchStore) CountRunningParts(ctx context.Context, batchID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `
		SELECT count(*) FROM batch_parts WHERE batch_id = $1 AND status = $2`,
		batchID, model.PartRunning,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count running parts: %w", err)
	}
	return n, nil
}

// ClaimPart is a single-tick claim with no lock TTL: batch parts run to
// completion within one scheduler tick rather than across a lease, so the
// conditional UPDATE's predicate is simply "still pending".
func (s *BatchStore) ClaimPart(ctx context.Context, partID, workerID string) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE batch_parts
		SET status = $1, lock_owner = $2, started_at = now()
		WHERE id = $3 AND status = $4`,
		model.PartRunning, workerID, partID, model.PartPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim batch part: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *BatchStore) CompletePart(ctx context.Context, partID string, result []byte) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE batch_parts SET status = $1, result = $2, ended_at = now()
		WHERE id = $3`,
		model.PartCompleted, result, partID,
	)
	if err != nil {
		return fmt.Errorf("complete batch part: %w", err)
	}
	return nil
}

func (s *BatchStore) FailPart(ctx context.Context, partID string, errorMessage string, retryExhausted bool) error {
	if retryExhausted {
		_, err := s.Pool.Exec(ctx, `
			UPDATE batch_parts SET status = $1, error_message = $2, ended_at = now()
			WHERE id = $3`,
			model.PartFailed, errorMessage, partID,
		)
		if err != nil {
			return fmt.Errorf("fail batch part (terminal): %w", err)
		}
		return nil
	}

	_, err := s.Pool.Exec(ctx, `
		UPDATE batch_parts
		SET status = $1, error_message = $2, retry_count = retry_count + 1, lock_owner = NULL
		WHERE id = $3`,
		model.PartPending, errorMessage, partID,
	)
	if err != nil {
		return fmt.Errorf("return batch part to pending for retry: %w", err)
	}
	return nil
}

func (s *BatchStore) RecomputeCounters(ctx context.Context, batchID string) (*model.Batch, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin recompute counters tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		UPDATE batches b
		SET processed_total = agg.processed, success_total = agg.success,
		    fail_total = agg.failed, skipped_total = agg.skipped
		FROM (
			SELECT batch_id,
			       count(*) FILTER (WHERE status IN ('completed', 'failed', 'skipped')) AS processed,
			       count(*) FILTER (WHERE status = 'completed') AS success,
			       count(*) FILTER (WHERE status = 'failed') AS failed,
			       count(*) FILTER (WHERE status = 'skipped') AS skipped
			FROM batch_parts
			WHERE batch_id = $1
			GROUP BY batch_id
		) AS agg
		WHERE b.id = agg.batch_id AND b.id = $1`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("recompute batch counters: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT id, type, status, total, processed_total, success_total, fail_total, skipped_total,
		       priority, max_retries, config, tenant_id, created_at, started_at, ended_at, error_message
		FROM batches WHERE id = $1`, batchID)
	b, err := scanBatchRow(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *BatchStore) FinalizeBatch(ctx context.Context, batchID string, status model.BatchStatus) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE batches SET status = $1, ended_at = now() WHERE id = $2`,
		status, batchID,
	)
	if err != nil {
		return fmt.Errorf("finalize batch: %w", err)
	}
	return nil
}

func (s *BatchStore) CancelBatch(ctx context.Context, batchID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cancel batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE batches SET status = $1, ended_at = now()
		WHERE id = $2 AND status IN ($3, $4)`,
		model.BatchCancelled, batchID, model.BatchPending, model.BatchRunning,
	); err != nil {
		return fmt.Errorf("cancel batch: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE batch_parts SET status = $1, ended_at = now()
		WHERE batch_id = $2 AND status = $3`,
		model.PartSkipped, batchID, model.PartPending,
	); err != nil {
		return fmt.Errorf("skip pending parts: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *BatchStore) ResetFailedParts(ctx context.Context, batchID string) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin reset failed parts tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		UPDATE batch_parts
		SET status = $1, retry_count = 0, error_message = NULL, started_at = NULL, ended_at = NULL
		WHERE batch_id = $2 AND status = $3`,
		model.PartPending, batchID, model.PartFailed,
	); err != nil {
		return fmt.Errorf("reset failed parts: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE batches SET status = $1, ended_at = NULL
		WHERE id = $2 AND status = $3`,
		model.BatchPending, batchID, model.BatchFailed,
	); err != nil {
		return fmt.Errorf("reset failed batch: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *BatchStore) Stats(ctx context.Context) ([]batchengine.TypeStatusTenantCount, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT type, status, tenant_id, count(*)
		FROM batches
		GROUP BY type, status, tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("batch stats: %w", err)
	}
	defer rows.Close()

	var out []batchengine.TypeStatusTenantCount
	for rows.Next() {
		var c batchengine.TypeStatusTenantCount
		if err := rows.Scan(&c.Type, &c.Status, &c.TenantID, &c.Count); err != nil {
			return nil, fmt.Errorf("scan batch stats row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteTerminalOlderThan deletes completed/failed/cancelled batches whose
// endedAt predates cutoff. Parts cascade via the batch_parts foreign key.
func (s *BatchStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM batches
		WHERE status IN ($1, $2, $3) AND ended_at IS NOT NULL AND ended_at < $4`,
		model.BatchCompleted, model.BatchFailed, model.BatchCancelled, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("delete terminal batches: %w", err)
	}
	return tag.RowsAffected(), nil
}
