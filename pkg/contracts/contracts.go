// Package contracts defines the service interfaces of the kosuke control
// plane. Handlers depend on these interfaces only, so the wiring code in
// pkg/server decides which concrete orchestrators serve a deployment and
// tests substitute fakes with no HTTP scaffolding changes.
package contracts

import (
	"context"

	"github.com/kosuke-ai/kosuke/internal/activity"
	"github.com/kosuke-ai/kosuke/internal/sessiondb"
	"github.com/kosuke-ai/kosuke/internal/store"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed in pkg/
// so external wiring can reference it without importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal store's not-found error.
type ErrNotFound = store.ErrNotFound

// ── Preview Service ─────────────────────────────────────────

// PreviewService drives the per-session preview container lifecycle.
// Implementation: internal/preview.Service.
type PreviewService interface {
	// GetPreviewStatus reports container existence, run state, health and URL.
	GetPreviewStatus(ctx context.Context, projectID, sessionID string) (models.PreviewStatus, error)

	// StartPreview brings the session's container up, creating workspace and
	// database on first use. Callers poll GetPreviewStatus for readiness.
	StartPreview(ctx context.Context, projectID, sessionID, token string, envVars map[string]string) (models.PreviewStatus, error)

	// StopPreview stops and removes the container; absent counts as success.
	StopPreview(ctx context.Context, projectID, sessionID string) error

	// RestartPreviewContainer restarts in place, cold-starting when absent.
	RestartPreviewContainer(ctx context.Context, projectID, sessionID, token string) (models.PreviewStatus, error)

	// Logs returns the tail of the container's output.
	Logs(ctx context.Context, projectID, sessionID string, tail int) (string, error)

	// PingEngine reports container engine reachability.
	PingEngine(ctx context.Context) error
}

// ── Session Service ─────────────────────────────────────────

// SessionService manages chat sessions and their Git branches.
// Implementation: internal/sessions.Manager.
type SessionService interface {
	// EnsureSessionWorkspace guarantees the project clone, the session
	// branch, and the session record all exist.
	EnsureSessionWorkspace(ctx context.Context, projectID, sessionID, token string) error

	// CreateSession mints a new session with a generated session ID.
	CreateSession(ctx context.Context, projectID, userID, title, description string) (*models.ChatSession, error)

	// GetSession looks a session up by its URL-safe session_id.
	GetSession(ctx context.Context, projectID, sessionID string) (*models.ChatSession, error)

	// ListSessions returns the project's sessions, most recently active
	// first, refreshing stale merge state from the Git host when a token is
	// available.
	ListSessions(ctx context.Context, projectID, token string) ([]models.ChatSession, error)

	// UpdateSessionTitle renames a session.
	UpdateSessionTitle(ctx context.Context, projectID, sessionID, title string) (*models.ChatSession, error)

	// ArchiveSession marks a session archived; its branch and database stay.
	ArchiveSession(ctx context.Context, projectID, sessionID string) error

	// PullSessionBranch fast-forwards the session branch and restarts the
	// preview when commits arrived and a container exists.
	PullSessionBranch(ctx context.Context, projectID, sessionID, token string) (*models.PullOutcome, error)

	// CommitSessionChanges commits and pushes the agent's changes. Returns
	// nil with no error when the working tree is clean.
	CommitSessionChanges(ctx context.Context, projectID, sessionID, message, token string) (*models.Commit, error)

	// RevertToCommit hard-resets the session branch to sha and force-pushes.
	RevertToCommit(ctx context.Context, projectID, sessionID, sha, token string) error
}

// ── Session Database Service ────────────────────────────────

// DatabaseService provisions and inspects per-session Postgres databases.
// Implementation: internal/sessiondb.Provisioner.
type DatabaseService interface {
	GetDatabaseInfo(ctx context.Context, projectID, sessionID string) (*sessiondb.DatabaseInfo, error)
	GetSchema(ctx context.Context, projectID, sessionID string) (*sessiondb.Schema, error)
	GetTableData(ctx context.Context, projectID, sessionID, table string, limit, offset int) (*sessiondb.TableData, error)
	ExecuteQuery(ctx context.Context, projectID, sessionID, query string) (*sessiondb.QueryResult, error)
}

// ── Activity Service ────────────────────────────────────────

// EventSink receives activity-stream frames. A Send error means the client
// is gone and the stream must end. Aliased so the streamer's Stream method
// satisfies ActivityService directly.
type EventSink = activity.Sink

// ActivityService runs long-lived event streams for sessions.
// Implementation: internal/activity.Streamer.
type ActivityService interface {
	// Stream pushes events to sink until ctx is cancelled or a send fails.
	Stream(ctx context.Context, projectID string, lastMessageID int64, sink EventSink) error
}
