// Package store — in-memory Store implementation.
// Used for local development and tests; production runs on PostgreSQL.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kosuke-ai/kosuke/pkg/models"
)

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]*models.Project     // key: id
	sessions map[string]*models.ChatSession // key: project_id:session_id
	messages map[string][]*models.Message   // key: project_id, ascending by id
	nextID   map[string]int64               // key: project_id
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]*models.Project),
		sessions: make(map[string]*models.ChatSession),
		messages: make(map[string][]*models.Message),
		nextID:   make(map[string]int64),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }

func sessionKey(projectID, sessionID string) string {
	return projectID + ":" + sessionID
}

// ── Projects ────────────────────────────────────────────────

func (m *MemoryStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateProject(_ context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = now
	}
	project.UpdatedAt = now
	cp := *project
	m.projects[project.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateProject(_ context.Context, project *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[project.ID]; !ok {
		return &ErrNotFound{Entity: "project", Key: project.ID}
	}
	project.UpdatedAt = time.Now().UTC()
	cp := *project
	m.projects[project.ID] = &cp
	return nil
}

func (m *MemoryStore) ListProjects(_ context.Context, orgID string) ([]models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Project, 0)
	for _, p := range m.projects {
		if p.Archived {
			continue
		}
		if orgID != "" && p.OrgID != orgID {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ArchiveProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return &ErrNotFound{Entity: "project", Key: id}
	}
	p.Archived = true
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// ── Chat Sessions ───────────────────────────────────────────

func (m *MemoryStore) GetChatSession(_ context.Context, projectID, sessionID string) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionKey(projectID, sessionID)]
	if !ok {
		return nil, &ErrNotFound{Entity: "chat session", Key: sessionID}
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) CreateChatSession(_ context.Context, session *models.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = now
	}
	session.UpdatedAt = now
	cp := *session
	m.sessions[sessionKey(session.ProjectID, session.SessionID)] = &cp
	return nil
}

func (m *MemoryStore) UpdateChatSession(_ context.Context, session *models.ChatSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := sessionKey(session.ProjectID, session.SessionID)
	if _, ok := m.sessions[key]; !ok {
		return &ErrNotFound{Entity: "chat session", Key: session.SessionID}
	}
	session.UpdatedAt = time.Now().UTC()
	cp := *session
	m.sessions[key] = &cp
	return nil
}

func (m *MemoryStore) ListChatSessions(_ context.Context, projectID string) ([]models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ChatSession, 0)
	for _, s := range m.sessions {
		if s.ProjectID == projectID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (m *MemoryStore) DefaultChatSession(_ context.Context, projectID string) (*models.ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ProjectID == projectID && s.IsDefault {
			cp := *s
			return &cp, nil
		}
	}
	return nil, &ErrNotFound{Entity: "default chat session", Key: projectID}
}

// ── Messages ────────────────────────────────────────────────

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID[msg.ProjectID]++
	msg.ID = m.nextID[msg.ProjectID]
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	cp := *msg
	m.messages[msg.ProjectID] = append(m.messages[msg.ProjectID], &cp)
	return nil
}

func (m *MemoryStore) ListMessagesAfter(_ context.Context, projectID string, afterID int64, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[projectID]
	out := make([]models.Message, 0, limit)
	// Stored ascending; walk backwards for newest first.
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if all[i].ID > afterID {
			out = append(out, *all[i])
		}
	}
	return out, nil
}

func (m *MemoryStore) ListSessionMessages(_ context.Context, projectID, sessionID string, limit int) ([]models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, msg := range m.messages[projectID] {
		if msg.SessionID == sessionID {
			out = append(out, *msg)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) TokenTotals(_ context.Context, projectID string) (models.TokenUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var usage models.TokenUsage
	msgs := m.messages[projectID]
	for _, msg := range msgs {
		if msg.TokensInput != nil {
			usage.TokensSent += *msg.TokensInput
		}
		if msg.TokensOutput != nil {
			usage.TokensReceived += *msg.TokensOutput
		}
	}
	// Context size tracks the newest message only; a message without a
	// count resets it to zero.
	if len(msgs) > 0 {
		if ct := msgs[len(msgs)-1].ContextTokens; ct != nil {
			usage.ContextSize = *ct
		}
	}
	return usage, nil
}
