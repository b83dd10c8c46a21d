package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kaiwa/internal/model"
)

// CreateMessage appends a message to a thread and returns it. Messages are
// append-only: no update or delete path exists below thread deletion.
func (db *DB) CreateMessage(ctx context.Context, threadID uuid.UUID, role model.MessageRole, content string, runID *uuid.UUID) (model.Message, error) {
	msg := model.Message{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Role:      role,
		Content:   content,
		RunID:     runID,
		CreatedAt: time.Now().UTC(),
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, role, content, run_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.ThreadID, string(msg.Role), msg.Content, msg.RunID, msg.CreatedAt,
	)
	if err != nil {
		return model.Message{}, fmt.Errorf("storage: create message: %w", err)
	}
	return msg, nil
}

// ListMessagesByThread returns the full message history of a thread in
// creation order. Turn context assembly needs the whole sequence, so this
// is not paginated.
func (db *DB) ListMessagesByThread(ctx context.Context, threadID uuid.UUID) ([]model.Message, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, thread_id, role, content, run_id, created_at
		 FROM messages WHERE thread_id = $1
		 ORDER BY created_at ASC, id ASC`,
		threadID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &m.RunID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
