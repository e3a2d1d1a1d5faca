package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kosuke-ai/kosuke/internal/store"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

// newTestStore creates a fresh in-memory store for tests with no persistence.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(n int) *int { return &n }

// ─── Project CRUD ────────────────────────────────────────────

func TestCreateAndGetProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	project := &models.Project{
		ID:            "proj-7",
		OrgID:         "org-1",
		CreatedBy:     "user-1",
		Name:          "storefront",
		RepoOwner:     "kosuke-ai",
		RepoName:      "storefront",
		DefaultBranch: "main",
	}

	if err := s.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	got, err := s.GetProject(ctx, "proj-7")
	if err != nil {
		t.Fatalf("GetProject() error = %v", err)
	}
	if got.Name != "storefront" {
		t.Errorf("GetProject().Name = %q, want %q", got.Name, "storefront")
	}
	if !got.GitBacked() {
		t.Error("GetProject().GitBacked() = false, want true")
	}
	if got.CreatedAt.IsZero() {
		t.Error("GetProject().CreatedAt is zero, want set on create")
	}
}

func TestGetProject_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetProject(context.Background(), "missing")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetProject() error = %v, want *store.ErrNotFound", err)
	}
	if nf.Entity != "project" {
		t.Errorf("ErrNotFound.Entity = %q, want %q", nf.Entity, "project")
	}
}

func TestUpdateProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateProject(ctx, &models.Project{ID: "upd", Name: "before"})

	updated := &models.Project{ID: "upd", Name: "after"}
	if err := s.UpdateProject(ctx, updated); err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}

	got, _ := s.GetProject(ctx, "upd")
	if got.Name != "after" {
		t.Errorf("After update, Name = %q, want %q", got.Name, "after")
	}
}

func TestListProjects(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2", "p3"} {
		s.CreateProject(ctx, &models.Project{ID: id, OrgID: "org-a", Name: id})
	}
	s.CreateProject(ctx, &models.Project{ID: "other", OrgID: "org-b", Name: "other"})

	projects, err := s.ListProjects(ctx, "org-a")
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(projects) != 3 {
		t.Errorf("ListProjects() returned %d projects, want 3", len(projects))
	}

	all, _ := s.ListProjects(ctx, "")
	if len(all) != 4 {
		t.Errorf("ListProjects(\"\") returned %d projects, want 4", len(all))
	}
}

func TestArchiveProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateProject(ctx, &models.Project{ID: "arch", OrgID: "org-a", Name: "arch"})
	if err := s.ArchiveProject(ctx, "arch"); err != nil {
		t.Fatalf("ArchiveProject() error = %v", err)
	}

	// Archived projects stay readable but drop out of listings.
	got, err := s.GetProject(ctx, "arch")
	if err != nil {
		t.Fatalf("GetProject() after archive error = %v", err)
	}
	if !got.Archived {
		t.Error("After archive, Archived = false, want true")
	}

	projects, _ := s.ListProjects(ctx, "org-a")
	if len(projects) != 0 {
		t.Errorf("ListProjects() after archive returned %d, want 0", len(projects))
	}
}

// ─── Chat Session CRUD ───────────────────────────────────────

func TestCreateAndGetChatSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session := &models.ChatSession{
		ID:         "row-1",
		ProjectID:  "proj-7",
		UserID:     "user-1",
		SessionID:  "kosuke-chat-abc123",
		Title:      "Add checkout page",
		BranchName: "kosuke/chat-kosuke-chat-abc123",
		Status:     models.SessionStatusActive,
	}
	if err := s.CreateChatSession(ctx, session); err != nil {
		t.Fatalf("CreateChatSession() error = %v", err)
	}

	got, err := s.GetChatSession(ctx, "proj-7", "kosuke-chat-abc123")
	if err != nil {
		t.Fatalf("GetChatSession() error = %v", err)
	}
	if got.Title != "Add checkout page" {
		t.Errorf("GetChatSession().Title = %q, want %q", got.Title, "Add checkout page")
	}
	if got.Status != models.SessionStatusActive {
		t.Errorf("GetChatSession().Status = %q, want %q", got.Status, models.SessionStatusActive)
	}
	if got.LastActivityAt.IsZero() {
		t.Error("GetChatSession().LastActivityAt is zero, want set on create")
	}
}

func TestGetChatSession_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetChatSession(context.Background(), "proj-7", "kosuke-chat-nope")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("GetChatSession() error = %v, want *store.ErrNotFound", err)
	}
}

func TestUpdateChatSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateChatSession(ctx, &models.ChatSession{
		ID: "row-1", ProjectID: "p", SessionID: "kosuke-chat-aaa111",
		Status: models.SessionStatusActive,
	})

	mergedAt := time.Now().UTC()
	updated := &models.ChatSession{
		ID: "row-1", ProjectID: "p", SessionID: "kosuke-chat-aaa111",
		Status:       models.SessionStatusArchived,
		MessageCount: 12,
		MergeInfo:    &models.MergeInfo{PRNumber: 42, MergedAt: &mergedAt},
	}
	if err := s.UpdateChatSession(ctx, updated); err != nil {
		t.Fatalf("UpdateChatSession() error = %v", err)
	}

	got, _ := s.GetChatSession(ctx, "p", "kosuke-chat-aaa111")
	if got.Status != models.SessionStatusArchived {
		t.Errorf("After update, Status = %q, want %q", got.Status, models.SessionStatusArchived)
	}
	if got.MergeInfo == nil || got.MergeInfo.PRNumber != 42 {
		t.Errorf("After update, MergeInfo = %+v, want PR 42", got.MergeInfo)
	}
}

func TestListChatSessions_OrderedByActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, id := range []string{"kosuke-chat-old111", "kosuke-chat-new222", "kosuke-chat-mid333"} {
		s.CreateChatSession(ctx, &models.ChatSession{
			ID: id, ProjectID: "p", SessionID: id,
		})
		cs, _ := s.GetChatSession(ctx, "p", id)
		switch i {
		case 0:
			cs.LastActivityAt = base.Add(-2 * time.Hour)
		case 1:
			cs.LastActivityAt = base
		case 2:
			cs.LastActivityAt = base.Add(-1 * time.Hour)
		}
		s.UpdateChatSession(ctx, cs)
	}
	s.CreateChatSession(ctx, &models.ChatSession{
		ID: "elsewhere", ProjectID: "q", SessionID: "kosuke-chat-other44",
	})

	sessions, err := s.ListChatSessions(ctx, "p")
	if err != nil {
		t.Fatalf("ListChatSessions() error = %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("ListChatSessions() returned %d, want 3", len(sessions))
	}
	want := []string{"kosuke-chat-new222", "kosuke-chat-mid333", "kosuke-chat-old111"}
	for i, w := range want {
		if sessions[i].SessionID != w {
			t.Errorf("sessions[%d].SessionID = %q, want %q", i, sessions[i].SessionID, w)
		}
	}
}

func TestDefaultChatSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.CreateChatSession(ctx, &models.ChatSession{
		ID: "r1", ProjectID: "p", SessionID: "kosuke-chat-aaa111",
	})
	s.CreateChatSession(ctx, &models.ChatSession{
		ID: "r2", ProjectID: "p", SessionID: "kosuke-chat-bbb222", IsDefault: true,
	})

	got, err := s.DefaultChatSession(ctx, "p")
	if err != nil {
		t.Fatalf("DefaultChatSession() error = %v", err)
	}
	if got.SessionID != "kosuke-chat-bbb222" {
		t.Errorf("DefaultChatSession().SessionID = %q, want %q", got.SessionID, "kosuke-chat-bbb222")
	}

	_, err = s.DefaultChatSession(ctx, "empty-project")
	var nf *store.ErrNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("DefaultChatSession() on empty project error = %v, want *store.ErrNotFound", err)
	}
}

// ─── Messages ────────────────────────────────────────────────

func TestAppendMessage_AssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		m := &models.Message{ProjectID: "p", SessionID: "kosuke-chat-aaa111", Role: models.RoleUser, Content: "hi"}
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
		if m.Timestamp.IsZero() {
			t.Error("AppendMessage() left Timestamp zero, want stamped")
		}
		ids = append(ids, m.ID)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Errorf("message IDs not ascending: %v", ids)
		}
	}

	// IDs are scoped per project.
	other := &models.Message{ProjectID: "q", SessionID: "kosuke-chat-bbb222", Role: models.RoleUser}
	s.AppendMessage(ctx, other)
	if other.ID != 1 {
		t.Errorf("first message in project q got ID %d, want 1", other.ID)
	}
}

func TestListMessagesAfter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		s.AppendMessage(ctx, &models.Message{
			ProjectID: "p", SessionID: "kosuke-chat-aaa111",
			Role: models.RoleAssistant, Content: "m",
		})
	}

	msgs, err := s.ListMessagesAfter(ctx, "p", 5, 10)
	if err != nil {
		t.Fatalf("ListMessagesAfter() error = %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("ListMessagesAfter() returned %d, want 10", len(msgs))
	}
	// Newest first: 15 down to 6.
	if msgs[0].ID != 15 || msgs[9].ID != 6 {
		t.Errorf("ListMessagesAfter() range = [%d..%d], want [15..6]", msgs[0].ID, msgs[9].ID)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID >= msgs[i-1].ID {
			t.Fatalf("ListMessagesAfter() not newest-first at index %d", i)
		}
	}

	none, _ := s.ListMessagesAfter(ctx, "p", 15, 10)
	if len(none) != 0 {
		t.Errorf("ListMessagesAfter() past the end returned %d, want 0", len(none))
	}
}

func TestListSessionMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		s.AppendMessage(ctx, &models.Message{ProjectID: "p", SessionID: "kosuke-chat-aaa111", Role: models.RoleUser})
	}
	s.AppendMessage(ctx, &models.Message{ProjectID: "p", SessionID: "kosuke-chat-bbb222", Role: models.RoleUser})

	msgs, err := s.ListSessionMessages(ctx, "p", "kosuke-chat-aaa111", 0)
	if err != nil {
		t.Fatalf("ListSessionMessages() error = %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("ListSessionMessages() returned %d, want 4", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].ID <= msgs[i-1].ID {
			t.Fatalf("ListSessionMessages() not chronological at index %d", i)
		}
	}

	// A limit keeps the newest N, still chronological.
	tail, _ := s.ListSessionMessages(ctx, "p", "kosuke-chat-aaa111", 2)
	if len(tail) != 2 {
		t.Fatalf("ListSessionMessages(limit=2) returned %d, want 2", len(tail))
	}
	if tail[0].ID != 3 || tail[1].ID != 4 {
		t.Errorf("ListSessionMessages(limit=2) IDs = [%d %d], want [3 4]", tail[0].ID, tail[1].ID)
	}
}

func TestTokenTotals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendMessage(ctx, &models.Message{
		ProjectID: "p", SessionID: "kosuke-chat-aaa111", Role: models.RoleUser,
		TokensInput: intPtr(10),
	})
	s.AppendMessage(ctx, &models.Message{
		ProjectID: "p", SessionID: "kosuke-chat-aaa111", Role: models.RoleAssistant,
		TokensInput: intPtr(5), TokensOutput: intPtr(40), ContextTokens: intPtr(1000),
	})

	usage, err := s.TokenTotals(ctx, "p")
	if err != nil {
		t.Fatalf("TokenTotals() error = %v", err)
	}
	if usage.TokensSent != 15 {
		t.Errorf("TokenTotals().TokensSent = %d, want 15", usage.TokensSent)
	}
	if usage.TokensReceived != 40 {
		t.Errorf("TokenTotals().TokensReceived = %d, want 40", usage.TokensReceived)
	}
	if usage.ContextSize != 1000 {
		t.Errorf("TokenTotals().ContextSize = %d, want 1000", usage.ContextSize)
	}

	// A newer message without a context count sums into nothing and resets
	// the context size to zero.
	s.AppendMessage(ctx, &models.Message{
		ProjectID: "p", SessionID: "kosuke-chat-aaa111", Role: models.RoleUser,
	})
	usage, err = s.TokenTotals(ctx, "p")
	if err != nil {
		t.Fatalf("TokenTotals() error = %v", err)
	}
	if usage.TokensSent != 15 || usage.TokensReceived != 40 {
		t.Errorf("TokenTotals() sums = %d/%d, want 15/40 unchanged", usage.TokensSent, usage.TokensReceived)
	}
	if usage.ContextSize != 0 {
		t.Errorf("TokenTotals().ContextSize = %d, want 0 for newest message without a count", usage.ContextSize)
	}

	empty, err := s.TokenTotals(ctx, "never-used")
	if err != nil {
		t.Fatalf("TokenTotals() on empty project error = %v", err)
	}
	if empty.TokensSent != 0 || empty.TokensReceived != 0 || empty.ContextSize != 0 {
		t.Errorf("TokenTotals() on empty project = %+v, want zeros", empty)
	}
}
