package preview

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/docker"
	"github.com/kosuke-ai/kosuke/internal/store"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

// Janitor removes preview containers whose sessions are gone or archived.
// Remove failures are logged and the sweep continues; a container that
// survives one cycle is picked up by the next.
type Janitor struct {
	engine   Engine
	sessions SessionReader
	interval time.Duration
}

// SessionReader is the store surface the janitor needs.
type SessionReader interface {
	GetChatSession(ctx context.Context, projectID, sessionID string) (*models.ChatSession, error)
}

// NewJanitor creates a sweeper that runs on the given interval when started.
func NewJanitor(engine Engine, sessions SessionReader, interval time.Duration) *Janitor {
	return &Janitor{engine: engine, sessions: sessions, interval: interval}
}

// Start runs the janitor until ctx is cancelled. It is a no-op when the
// interval is unset.
func (j *Janitor) Start(ctx context.Context) {
	if j.interval <= 0 {
		return
	}
	log.Info().Dur("interval", j.interval).Msg("Preview janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Preview janitor stopped")
			return
		case <-ticker.C:
			if _, err := j.Sweep(ctx); err != nil {
				log.Warn().Err(err).Msg("Preview sweep failed")
			}
		}
	}
}

// Sweep removes managed containers whose sessions are missing or archived,
// returning how many it removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	containers, err := j.engine.ListByLabel(ctx, map[string]string{docker.LabelManaged: "true"})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range containers {
		projectID := c.Labels[docker.LabelProject]
		sessionID := c.Labels[docker.LabelSession]
		if projectID == "" || sessionID == "" {
			continue
		}

		if !j.orphaned(ctx, projectID, sessionID) {
			continue
		}

		if err := j.engine.Stop(ctx, c.Name, stopGrace); err != nil {
			log.Warn().Err(err).Str("container", c.Name).Msg("Janitor failed to stop container")
			continue
		}
		if err := j.engine.Remove(ctx, c.Name, false); err != nil {
			log.Warn().Err(err).Str("container", c.Name).Msg("Janitor failed to remove container")
			continue
		}
		removed++
		log.Info().
			Str("container", c.Name).
			Str("project_id", projectID).
			Str("session_id", sessionID).
			Msg("Removed orphaned preview container")
	}
	return removed, nil
}

func (j *Janitor) orphaned(ctx context.Context, projectID, sessionID string) bool {
	session, err := j.sessions.GetChatSession(ctx, projectID, sessionID)
	if err != nil {
		var nf *store.ErrNotFound
		return errors.As(err, &nf)
	}
	return session.Status == models.SessionStatusArchived
}
