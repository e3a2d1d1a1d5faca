package preview

import (
	"context"
	"testing"
	"time"

	"github.com/kosuke-ai/kosuke/internal/docker"
	"github.com/kosuke-ai/kosuke/internal/fault"
	"github.com/kosuke-ai/kosuke/internal/store"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

func managedContainer(name, projectID, sessionID string) models.ContainerInspect {
	return models.ContainerInspect{
		Name:    name,
		Running: true,
		Labels: map[string]string{
			docker.LabelManaged: "true",
			docker.LabelProject: projectID,
			docker.LabelSession: sessionID,
		},
	}
}

func TestJanitorSweep(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()

	s.CreateChatSession(ctx, &models.ChatSession{
		ID: "r1", ProjectID: "p7", SessionID: "kosuke-chat-live11",
		Status: models.SessionStatusActive,
	})
	s.CreateChatSession(ctx, &models.ChatSession{
		ID: "r2", ProjectID: "p8", SessionID: "kosuke-chat-done22",
		Status: models.SessionStatusArchived,
	})

	engine := newFakeEngine()
	engine.seed(managedContainer("kosuke-preview-p7-live", "p7", "kosuke-chat-live11"))
	engine.seed(managedContainer("kosuke-preview-p8-done", "p8", "kosuke-chat-done22"))
	engine.seed(managedContainer("kosuke-preview-p9-gone", "p9", "kosuke-chat-gone33"))

	j := NewJanitor(engine, s, time.Minute)
	removed, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 2 {
		t.Errorf("Sweep() removed %d, want 2 (archived + missing)", removed)
	}

	remaining, _ := engine.ListByLabel(ctx, map[string]string{docker.LabelManaged: "true"})
	if len(remaining) != 1 || remaining[0].Name != "kosuke-preview-p7-live" {
		t.Errorf("remaining containers = %v, want only the live session's", remaining)
	}
}

func TestJanitorSweep_EngineError(t *testing.T) {
	engine := newFakeEngine()
	engine.listErr = fault.New(fault.KindEngineUnavailable, "container engine unavailable")
	j := NewJanitor(engine, store.NewMemoryStore(), time.Minute)

	if _, err := j.Sweep(context.Background()); !fault.IsKind(err, fault.KindEngineUnavailable) {
		t.Errorf("Sweep() error kind = %q, want engine_unavailable", fault.KindOf(err))
	}
}
