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

// CreateThread inserts a new conversation thread and returns it.
func (db *DB) CreateThread(ctx context.Context, agentID, title string) (model.Thread, error) {
	now := time.Now().UTC()
	thread := model.Thread{
		ID:        uuid.New(),
		AgentID:   agentID,
		Title:     title,
		Status:    model.ThreadStatusActive,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO threads (id, agent_id, title, status, deleted, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7)`,
		thread.ID, thread.AgentID, thread.Title, string(thread.Status),
		thread.Version, thread.CreatedAt, thread.UpdatedAt,
	)
	if err != nil {
		return model.Thread{}, fmt.Errorf("storage: create thread: %w", err)
	}
	return thread, nil
}

// GetThread retrieves a thread by ID. Soft-deleted threads are reported as
// not found.
func (db *DB) GetThread(ctx context.Context, id uuid.UUID) (model.Thread, error) {
	var t model.Thread
	err := db.pool.QueryRow(ctx,
		`SELECT id, agent_id, title, status, deleted, version, created_at, updated_at
		 FROM threads WHERE id = $1 AND deleted = FALSE`, id,
	).Scan(&t.ID, &t.AgentID, &t.Title, &t.Status, &t.Deleted, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Thread{}, fmt.Errorf("%w: thread %s", ErrNotFound, id)
		}
		return model.Thread{}, fmt.Errorf("storage: get thread: %w", err)
	}
	return t, nil
}

// UpdateThread writes the mutable thread fields (title, status) guarded by
// optimistic concurrency. On success the version in t is bumped in place.
func (db *DB) UpdateThread(ctx context.Context, t *model.Thread) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE threads SET title = $1, status = $2, version = version + 1, updated_at = $3
		 WHERE id = $4 AND deleted = FALSE AND version = $5`,
		t.Title, string(t.Status), time.Now().UTC(), t.ID, t.Version,
	)
	if err != nil {
		return fmt.Errorf("storage: update thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return db.threadUpdateMiss(ctx, t.ID)
	}
	t.Version++
	return nil
}

// TouchThread bumps a thread's updated_at after a message append. Not
// version-guarded: last-writer-wins on the timestamp is fine.
func (db *DB) TouchThread(ctx context.Context, id uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE threads SET updated_at = $1 WHERE id = $2 AND deleted = FALSE`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: touch thread: %w", err)
	}
	return nil
}

// ListThreadsByAgent returns threads for an agent ordered by creation time
// descending, excluding soft-deleted rows.
func (db *DB) ListThreadsByAgent(ctx context.Context, agentID string, limit, offset int) ([]model.Thread, int, error) {
	limit, offset = clampPage(limit, offset)

	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM threads WHERE agent_id = $1 AND deleted = FALSE`, agentID,
	).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count threads: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, title, status, deleted, version, created_at, updated_at
		 FROM threads WHERE agent_id = $1 AND deleted = FALSE
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`,
		agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list threads: %w", err)
	}
	defer rows.Close()

	var threads []model.Thread
	for rows.Next() {
		var t model.Thread
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Title, &t.Status, &t.Deleted, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("storage: scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	return threads, total, rows.Err()
}

// SoftDeleteThread marks a thread deleted but retains the row and its
// messages for administrative recovery.
func (db *DB) SoftDeleteThread(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE threads SET deleted = TRUE, status = $1, updated_at = $2
		 WHERE id = $3 AND deleted = FALSE`,
		string(model.ThreadStatusDeleted), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: soft delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	return nil
}

// HardDeleteThread removes a thread and, via cascade, its messages, runs,
// steps, and lease. Administrative purge only; not part of the streaming path.
func (db *DB) HardDeleteThread(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("storage: hard delete thread: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	return nil
}

// threadUpdateMiss distinguishes a stale version from a missing row after a
// zero-row update.
func (db *DB) threadUpdateMiss(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM threads WHERE id = $1 AND deleted = FALSE)`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("storage: update thread: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: thread %s", ErrConflict, id)
}

// clampPage applies the default page size and floors for list queries.
func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
