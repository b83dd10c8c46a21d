// Package model defines the core domain types for Kaiwa.
//
// All types correspond directly to database tables and wire payloads.
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// ThreadStatus represents the lifecycle state of a conversation thread.
type ThreadStatus string

const (
	ThreadStatusActive   ThreadStatus = "active"
	ThreadStatusArchived ThreadStatus = "archived"
	ThreadStatusDeleted  ThreadStatus = "deleted"
)

// MaxThreadTitleLen bounds auto-generated and user-supplied titles.
const MaxThreadTitleLen = 80

// Thread is a persisted conversation between a user and one agent.
// Its message sequence is append-only and ordered by creation time.
type Thread struct {
	ID        uuid.UUID    `json:"id"`
	AgentID   string       `json:"agent_id"`
	Title     string       `json:"title"`
	Status    ThreadStatus `json:"status"`
	Deleted   bool         `json:"-"`
	Version   int64        `json:"version"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// MessageRole identifies who authored a message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one persisted turn in a thread. Assistant messages carry a
// link to the run that produced them.
type Message struct {
	ID        uuid.UUID   `json:"id"`
	ThreadID  uuid.UUID   `json:"thread_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	RunID     *uuid.UUID  `json:"run_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// TitleFromMessage derives a thread title from the first user message.
// Whole-rune truncation with an ellipsis, bounded by MaxThreadTitleLen.
func TitleFromMessage(content string) string {
	runes := []rune(content)
	if len(runes) <= MaxThreadTitleLen {
		return content
	}
	return string(runes[:MaxThreadTitleLen-1]) + "…"
}
