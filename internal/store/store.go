// Package store provides the storage interface and implementations for the
// kosuke control plane. Handlers and services depend on the interface only,
// so tests run against the in-memory store and production runs on
// PostgreSQL.
package store

import (
	"context"

	"github.com/kosuke-ai/kosuke/pkg/models"
)

// Store is the primary storage interface for the control plane.
type Store interface {
	ProjectStore
	ChatSessionStore
	MessageStore

	// Ping checks if the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ── Project Store ───────────────────────────────────────────

type ProjectStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateProject(ctx context.Context, project *models.Project) error
	UpdateProject(ctx context.Context, project *models.Project) error
	// ListProjects returns unarchived projects, optionally scoped to an org.
	ListProjects(ctx context.Context, orgID string) ([]models.Project, error)
	// ArchiveProject soft-deletes; the row and its sessions stay queryable.
	ArchiveProject(ctx context.Context, id string) error
}

// ── Chat Session Store ──────────────────────────────────────

type ChatSessionStore interface {
	// GetChatSession looks a session up by its URL-safe session_id.
	GetChatSession(ctx context.Context, projectID, sessionID string) (*models.ChatSession, error)
	CreateChatSession(ctx context.Context, session *models.ChatSession) error
	UpdateChatSession(ctx context.Context, session *models.ChatSession) error
	// ListChatSessions orders by last_activity_at descending.
	ListChatSessions(ctx context.Context, projectID string) ([]models.ChatSession, error)
	// DefaultChatSession returns the project's default session, if any.
	DefaultChatSession(ctx context.Context, projectID string) (*models.ChatSession, error)
}

// ── Message Store ───────────────────────────────────────────

type MessageStore interface {
	// AppendMessage persists a message, assigning a project-monotonic ID.
	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListMessagesAfter returns up to limit project messages with id >
	// afterID, newest first.
	ListMessagesAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]models.Message, error)
	// ListSessionMessages returns a session's messages in ascending order.
	ListSessionMessages(ctx context.Context, projectID, sessionID string, limit int) ([]models.Message, error)
	// TokenTotals aggregates token accounting over a project's messages.
	TokenTotals(ctx context.Context, projectID string) (models.TokenUsage, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
