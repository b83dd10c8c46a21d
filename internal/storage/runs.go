package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// CreateRun inserts a new run in the queued state and returns it.
func (db *DB) CreateRun(ctx context.Context, threadID uuid.UUID) (model.Run, error) {
	run := model.Run{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Status:    model.RunStatusQueued,
		Version:   1,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, thread_id, status, input_tokens, output_tokens, total_tokens,
		                   tokens_estimated, cost_usd, cancel_requested, version, created_at)
		 VALUES ($1, $2, $3, 0, 0, 0, FALSE, 0, FALSE, $4, $5)`,
		run.ID, run.ThreadID, string(run.Status), run.Version, run.CreatedAt,
	)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var r model.Run
	err := db.pool.QueryRow(ctx,
		`SELECT id, thread_id, status, input_tokens, output_tokens, total_tokens,
		        tokens_estimated, cost_usd, error, cancel_requested, version,
		        started_at, completed_at, created_at
		 FROM runs WHERE id = $1`, id,
	).Scan(
		&r.ID, &r.ThreadID, &r.Status, &r.InputTokens, &r.OutputTokens, &r.TotalTokens,
		&r.TokensEstimated, &r.CostUSD, &r.Error, &r.CancelRequested, &r.Version,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// UpdateRun writes a run's mutable fields guarded by optimistic
// concurrency on the version column. On success the version in r is bumped
// in place; a stale version returns ErrConflict so the caller can re-read
// and retry finalization.
func (db *DB) UpdateRun(ctx context.Context, r *model.Run) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET status = $1, input_tokens = $2, output_tokens = $3, total_tokens = $4,
		        tokens_estimated = $5, cost_usd = $6, error = $7,
		        started_at = $8, completed_at = $9, version = version + 1
		 WHERE id = $10 AND version = $11`,
		string(r.Status), r.InputTokens, r.OutputTokens, r.TotalTokens,
		r.TokensEstimated, r.CostUSD, r.Error,
		r.StartedAt, r.CompletedAt, r.ID, r.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, r.ID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: update run: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: run %s", ErrNotFound, r.ID)
		}
		return fmt.Errorf("%w: run %s", ErrConflict, r.ID)
	}
	r.Version++
	return nil
}

// RequestRunCancel flags a run for cooperative cancellation. The
// orchestrator polls the flag between producer events; a terminal run is
// left untouched.
func (db *DB) RequestRunCancel(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET cancel_requested = TRUE
		 WHERE id = $1 AND status IN ($2, $3)`,
		id, string(model.RunStatusQueued), string(model.RunStatusInProgress),
	)
	if err != nil {
		return fmt.Errorf("storage: request run cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: request run cancel: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		// Already terminal: cancellation is a no-op, not an error.
	}
	return nil
}

// RunCancelRequested reports whether cooperative cancellation was requested.
func (db *DB) RunCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := db.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM runs WHERE id = $1`, id,
	).Scan(&requested)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return false, fmt.Errorf("storage: run cancel requested: %w", err)
	}
	return requested, nil
}

// ListRunsByThread returns runs for a thread ordered by creation time
// descending.
func (db *DB) ListRunsByThread(ctx context.Context, threadID uuid.UUID, limit, offset int) ([]model.Run, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE thread_id = $1`, threadID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count runs: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, thread_id, status, input_tokens, output_tokens, total_tokens,
		        tokens_estimated, cost_usd, error, cancel_requested, version,
		        started_at, completed_at, created_at
		 FROM runs WHERE thread_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		threadID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var r model.Run
		if err := rows.Scan(
			&r.ID, &r.ThreadID, &r.Status, &r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.TokensEstimated, &r.CostUSD, &r.Error, &r.CancelRequested, &r.Version,
			&r.StartedAt, &r.CompletedAt, &r.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, total, rows.Err()
}
