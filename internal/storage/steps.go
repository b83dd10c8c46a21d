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

// CreateStep inserts a step for a run and returns it with populated ID and
// timestamps. The step starts in the status the caller set (pending or
// running).
func (db *DB) CreateStep(ctx context.Context, step model.Step) (model.Step, error) {
	step.ID = uuid.New()
	step.CreatedAt = time.Now().UTC()
	if step.StartedAt.IsZero() {
		step.StartedAt = step.CreatedAt
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, step_type, status, tool_call_id, tool_name, tool_type,
		                    input, output, latency_ms, tokens, started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		step.ID, step.RunID, string(step.Type), string(step.Status),
		step.ToolCallID, step.ToolName, step.ToolType,
		step.Input, step.Output, step.LatencyMs, step.Tokens,
		step.StartedAt, step.CompletedAt, step.CreatedAt,
	)
	if err != nil {
		return model.Step{}, fmt.Errorf("storage: create step: %w", err)
	}
	return step, nil
}

// UpdateStep overwrites a step's mutable fields. Steps are exclusively
// owned by the single orchestrator instance processing their run, so the
// write is guarded by id alone.
func (db *DB) UpdateStep(ctx context.Context, step model.Step) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE steps SET status = $1, output = $2, latency_ms = $3, tokens = $4, completed_at = $5
		 WHERE id = $6`,
		string(step.Status), step.Output, step.LatencyMs, step.Tokens, step.CompletedAt, step.ID,
	)
	if err != nil {
		return fmt.Errorf("storage: update step: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: step %s", ErrNotFound, step.ID)
	}
	return nil
}

// GetStep retrieves a step by ID.
func (db *DB) GetStep(ctx context.Context, id uuid.UUID) (model.Step, error) {
	var s model.Step
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, step_type, status, tool_call_id, tool_name, tool_type,
		        input, output, latency_ms, tokens, started_at, completed_at, created_at
		 FROM steps WHERE id = $1`, id,
	).Scan(
		&s.ID, &s.RunID, &s.Type, &s.Status, &s.ToolCallID, &s.ToolName, &s.ToolType,
		&s.Input, &s.Output, &s.LatencyMs, &s.Tokens, &s.StartedAt, &s.CompletedAt, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Step{}, fmt.Errorf("%w: step %s", ErrNotFound, id)
		}
		return model.Step{}, fmt.Errorf("storage: get step: %w", err)
	}
	return s, nil
}

// ListStepsByRun returns the steps of a run ordered by start time.
func (db *DB) ListStepsByRun(ctx context.Context, runID uuid.UUID, limit, offset int) ([]model.Step, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM steps WHERE run_id = $1`, runID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count steps: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, run_id, step_type, status, tool_call_id, tool_name, tool_type,
		        input, output, latency_ms, tokens, started_at, completed_at, created_at
		 FROM steps WHERE run_id = $1
		 ORDER BY started_at ASC, created_at ASC
		 LIMIT $2 OFFSET $3`,
		runID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var s model.Step
		if err := rows.Scan(
			&s.ID, &s.RunID, &s.Type, &s.Status, &s.ToolCallID, &s.ToolName, &s.ToolType,
			&s.Input, &s.Output, &s.LatencyMs, &s.Tokens, &s.StartedAt, &s.CompletedAt, &s.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, total, rows.Err()
}
