// Package session persists conversation state: per-session history in the
// provider-agnostic message shape, the per-message audit trail, and
// analytics events.
//
// All writes are best-effort from the orchestrator's perspective; only the
// history load gates a chat turn.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/embedo/embedo/internal/llm"
)

// Message roles persisted in the messages table.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one persisted conversation message (audit trail, not the
// adapter history).
type Message struct {
	ID        uuid.UUID
	ProductID string
	SessionID string
	Role      string
	Content   string
	ToolCalls []ToolCallRecord
	CreatedAt time.Time
}

// ToolCallRecord is one executed or deferred tool call stored alongside an
// assistant message.
type ToolCallRecord struct {
	Name     string         `json:"name"`
	Args     map[string]any `json:"args,omitempty"`
	Response any            `json:"response,omitempty"`
	Origin   string         `json:"origin,omitempty"`
}

// Event is one analytics event.
type Event struct {
	ProductID string
	EventType string
	Metadata  map[string]any
}

// Store manages session persistence with a PostgreSQL backend.
// Safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a session Store.
func New(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// LoadHistory returns the stored adapter history for a session, or nil when
// the session has no history yet.
func (s *Store) LoadHistory(ctx context.Context, sessionID string) ([]llm.Message, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT history FROM sessions WHERE id = $1`, sessionID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %q: %w", sessionID, err)
	}

	var history []llm.Message
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("decoding history for session %q: %w", sessionID, err)
	}
	return history, nil
}

// SaveHistory upserts the adapter history for a session.
func (s *Store) SaveHistory(ctx context.Context, sessionID, productID string, history []llm.Message) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, product_id, history)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET history = EXCLUDED.history,
		    updated_at = now()`,
		sessionID, productID, raw)
	if err != nil {
		return fmt.Errorf("saving session %q: %w", sessionID, err)
	}
	return nil
}

// AppendMessage records one message in the audit trail.
func (s *Store) AppendMessage(ctx context.Context, msg Message) error {
	toolCalls, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("encoding tool calls: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, product_id, session_id, role, content, tool_calls)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.New(), msg.ProductID, msg.SessionID, msg.Role, msg.Content, toolCalls)
	if err != nil {
		return fmt.Errorf("appending message: %w", err)
	}
	return nil
}

// RecordEvent stores one analytics event.
func (s *Store) RecordEvent(ctx context.Context, event Event) error {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return fmt.Errorf("encoding event metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO analytics_events (id, product_id, event_type, metadata)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), event.ProductID, event.EventType, metadata)
	if err != nil {
		return fmt.Errorf("recording event: %w", err)
	}
	return nil
}
