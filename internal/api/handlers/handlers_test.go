package handlers_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/kosuke-ai/kosuke/internal/api"
	"github.com/kosuke-ai/kosuke/internal/api/handlers"
	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/internal/fault"
	"github.com/kosuke-ai/kosuke/internal/sessiondb"
	"github.com/kosuke-ai/kosuke/internal/store"
	"github.com/kosuke-ai/kosuke/pkg/contracts"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

// ── Fakes ───────────────────────────────────────────────────

type fakePreviews struct {
	mu      sync.Mutex
	status  models.PreviewStatus
	err     error
	pingErr error
	calls   []string
}

func (f *fakePreviews) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePreviews) GetPreviewStatus(_ context.Context, projectID, sessionID string) (models.PreviewStatus, error) {
	f.record("status " + sessionID)
	return f.status, f.err
}

func (f *fakePreviews) StartPreview(_ context.Context, projectID, sessionID, token string, envVars map[string]string) (models.PreviewStatus, error) {
	f.record("start " + sessionID + " token=" + token)
	return f.status, f.err
}

func (f *fakePreviews) StopPreview(_ context.Context, projectID, sessionID string) error {
	f.record("stop " + sessionID)
	return f.err
}

func (f *fakePreviews) RestartPreviewContainer(_ context.Context, projectID, sessionID, token string) (models.PreviewStatus, error) {
	f.record("restart " + sessionID)
	return f.status, f.err
}

func (f *fakePreviews) Logs(_ context.Context, projectID, sessionID string, tail int) (string, error) {
	f.record("logs " + sessionID)
	return "line one\nline two", f.err
}

func (f *fakePreviews) PingEngine(context.Context) error { return f.pingErr }

type fakeSessions struct {
	mu      sync.Mutex
	session *models.ChatSession
	list    []models.ChatSession
	outcome *models.PullOutcome
	commit  *models.Commit
	err     error
	calls   []string
}

func (f *fakeSessions) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeSessions) EnsureSessionWorkspace(_ context.Context, projectID, sessionID, token string) error {
	f.record("ensure " + sessionID)
	return f.err
}

func (f *fakeSessions) CreateSession(_ context.Context, projectID, userID, title, description string) (*models.ChatSession, error) {
	f.record("create " + title + " by " + userID)
	return f.session, f.err
}

func (f *fakeSessions) GetSession(_ context.Context, projectID, sessionID string) (*models.ChatSession, error) {
	f.record("get " + sessionID)
	return f.session, f.err
}

func (f *fakeSessions) ListSessions(_ context.Context, projectID, token string) ([]models.ChatSession, error) {
	f.record("list token=" + token)
	return f.list, f.err
}

func (f *fakeSessions) UpdateSessionTitle(_ context.Context, projectID, sessionID, title string) (*models.ChatSession, error) {
	f.record("rename " + sessionID + " to " + title)
	return f.session, f.err
}

func (f *fakeSessions) ArchiveSession(_ context.Context, projectID, sessionID string) error {
	f.record("archive " + sessionID)
	return f.err
}

func (f *fakeSessions) PullSessionBranch(_ context.Context, projectID, sessionID, token string) (*models.PullOutcome, error) {
	f.record("pull " + sessionID + " token=" + token)
	return f.outcome, f.err
}

func (f *fakeSessions) CommitSessionChanges(_ context.Context, projectID, sessionID, message, token string) (*models.Commit, error) {
	f.record("commit " + sessionID + " msg=" + message)
	return f.commit, f.err
}

func (f *fakeSessions) RevertToCommit(_ context.Context, projectID, sessionID, sha, token string) error {
	f.record("revert " + sessionID + " to " + sha)
	return f.err
}

type fakeDatabases struct {
	err error
}

func (f *fakeDatabases) GetDatabaseInfo(context.Context, string, string) (*sessiondb.DatabaseInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sessiondb.DatabaseInfo{Connected: true, TablesCount: 3, SizePretty: "8 MB"}, nil
}

func (f *fakeDatabases) GetSchema(context.Context, string, string) (*sessiondb.Schema, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sessiondb.Schema{Tables: []sessiondb.TableSchema{{Name: "users"}}}, nil
}

func (f *fakeDatabases) GetTableData(_ context.Context, _, _, table string, limit, offset int) (*sessiondb.TableData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sessiondb.TableData{Limit: limit, Offset: offset}, nil
}

func (f *fakeDatabases) ExecuteQuery(context.Context, string, string, string) (*sessiondb.QueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sessiondb.QueryResult{Columns: []string{"id"}, RowCount: 1}, nil
}

type fakeActivity struct{}

func (fakeActivity) Stream(ctx context.Context, projectID string, lastMessageID int64, sink contracts.EventSink) error {
	if err := sink.Send(models.ActivityEvent{Type: models.EventHeartbeat, Timestamp: 1}); err != nil {
		return err
	}
	return nil
}

// ── Harness ─────────────────────────────────────────────────

type testEnv struct {
	store    *store.MemoryStore
	previews *fakePreviews
	sessions *fakeSessions
	dbs      *fakeDatabases
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		previews: &fakePreviews{status: models.PreviewStatus{Running: true, URL: "http://localhost:4001"}},
		sessions: &fakeSessions{},
		dbs:      &fakeDatabases{},
	}

	err := env.store.CreateProject(context.Background(), &models.Project{
		ID:            "p7",
		OrgID:         "org-1",
		CreatedBy:     "user-1",
		Name:          "demo",
		RepoOwner:     "acme",
		RepoName:      "demo",
		DefaultBranch: "main",
	})
	if err != nil {
		t.Fatalf("seeding project: %v", err)
	}

	h := handlers.New(env.store, env.previews, env.sessions, env.dbs, fakeActivity{}, "test")
	env.handler = api.NewRouter(&config.Config{}, h)
	return env
}

// do issues a request as user-1 (the project creator) unless headers say
// otherwise.
func (env *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Kosuke-User", "user-1")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

// ── Projects ────────────────────────────────────────────────

func TestCreateAndGetProject(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/projects", `{"name":"shop","repo_owner":"acme","repo_name":"shop"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	var created models.Project
	decodeBody(t, w, &created)
	if created.ID == "" || created.CreatedBy != "user-1" || created.DefaultBranch != "main" {
		t.Errorf("created = %+v, want id set, creator user-1, branch main", created)
	}

	w = env.do(t, http.MethodGet, "/api/v1/projects/"+created.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body string
	}{
		{"no name", `{}`},
		{"owner without repo", `{"name":"x","repo_owner":"acme"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/projects", tc.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
		})
	}
}

func TestProjectAccessControl(t *testing.T) {
	env := newTestEnv(t)

	// A stranger from another org cannot see the project.
	w := env.do(t, http.MethodGet, "/api/v1/projects/p7", "", map[string]string{
		"X-Kosuke-User": "intruder",
		"X-Kosuke-Org":  "org-2",
	})
	if w.Code != http.StatusForbidden {
		t.Errorf("stranger status = %d, want %d", w.Code, http.StatusForbidden)
	}

	// An org member can.
	w = env.do(t, http.MethodGet, "/api/v1/projects/p7", "", map[string]string{
		"X-Kosuke-User": "colleague",
		"X-Kosuke-Org":  "org-1",
	})
	if w.Code != http.StatusOK {
		t.Errorf("org member status = %d, want %d", w.Code, http.StatusOK)
	}

	// No identity at all is unauthorized.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/projects/p7", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/projects/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ── Sessions ────────────────────────────────────────────────

func TestCreateSessionForwardsIdentity(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.session = &models.ChatSession{SessionID: "kosuke-chat-abc123", Title: "tweak nav"}

	w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions", `{"title":"tweak nav"}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if got := env.sessions.calls[0]; got != "create tweak nav by user-1" {
		t.Errorf("call = %q", got)
	}
}

func TestPullForwardsGitToken(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.outcome = &models.PullOutcome{Success: true}

	w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/pull", "", map[string]string{
		"X-Kosuke-Git-Token": "ghs_secret",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	var outcome models.PullOutcome
	decodeBody(t, w, &outcome)
	if !outcome.Success {
		t.Errorf("outcome = %+v, want success", outcome)
	}
	if got := env.sessions.calls[0]; got != "pull kosuke-chat-abc123 token=ghs_secret" {
		t.Errorf("call = %q, want the forwarded token", got)
	}
}

func TestCommitCleanTree(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.commit = nil // clean tree

	w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/commit", `{"message":"wip"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Committed bool `json:"committed"`
	}
	decodeBody(t, w, &resp)
	if resp.Committed {
		t.Error("committed = true, want false for a clean tree")
	}
}

func TestRevertRequiresSHA(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.err = fault.New(fault.KindBadRequest, "sha is required")

	w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/revert", `{"sha":""}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestFaultStatusMapping(t *testing.T) {
	cases := []struct {
		kind fault.Kind
		want int
	}{
		{fault.KindNotFound, http.StatusNotFound},
		{fault.KindGitAuthMissing, http.StatusUnauthorized},
		{fault.KindGitConflict, http.StatusConflict},
		{fault.KindConflict, http.StatusConflict},
		{fault.KindEngineUnavailable, http.StatusServiceUnavailable},
		{fault.KindPushFailed, http.StatusBadGateway},
		{fault.KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			env := newTestEnv(t)
			env.sessions.err = fault.New(tc.kind, "boom")

			w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/pull", "", nil)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}

			var resp struct {
				Error string `json:"error"`
			}
			decodeBody(t, w, &resp)
			if resp.Error != string(tc.kind) {
				t.Errorf("error = %q, want %q", resp.Error, tc.kind)
			}
		})
	}
}

func TestInternalFaultHidesDetail(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.err = fault.New(fault.KindInternal, "pq: password authentication failed")

	w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/pull", "", nil)

	var resp struct {
		Message string `json:"message"`
	}
	decodeBody(t, w, &resp)
	if strings.Contains(resp.Message, "password") {
		t.Errorf("message %q leaks internals", resp.Message)
	}
}

// ── Messages ────────────────────────────────────────────────

func TestAppendAndListMessages(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.session = &models.ChatSession{SessionID: "kosuke-chat-abc123"}

	body := `{"role":"assistant","content":"done","tokens_input":5,"tokens_output":9}`
	w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/messages", body, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("append status = %d, body %s", w.Code, w.Body.String())
	}

	var msg models.Message
	decodeBody(t, w, &msg)
	if msg.ID == 0 || msg.SessionID != "kosuke-chat-abc123" {
		t.Errorf("message = %+v, want assigned id and session", msg)
	}

	w = env.do(t, http.MethodGet, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/messages", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var msgs []models.Message
	decodeBody(t, w, &msgs)
	if len(msgs) != 1 {
		t.Errorf("len(msgs) = %d, want 1", len(msgs))
	}
}

func TestAppendMessageRejectsBadRole(t *testing.T) {
	env := newTestEnv(t)
	env.sessions.session = &models.ChatSession{SessionID: "kosuke-chat-abc123"}

	w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/messages", `{"role":"robot","content":"x"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ── Preview ─────────────────────────────────────────────────

func TestPreviewLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t)
	base := "/api/v1/projects/p7/sessions/kosuke-chat-abc123/preview"

	w := env.do(t, http.MethodGet, base, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var status models.PreviewStatus
	decodeBody(t, w, &status)
	if !status.Running || status.URL == "" {
		t.Errorf("status = %+v, want running with URL", status)
	}

	w = env.do(t, http.MethodPost, base+"/start", `{"env_vars":{"FOO":"bar"}}`, map[string]string{
		"X-Kosuke-Git-Token": "tok",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("start status = %d", w.Code)
	}

	w = env.do(t, http.MethodPost, base+"/stop", "", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("stop status = %d", w.Code)
	}

	env.previews.mu.Lock()
	calls := append([]string(nil), env.previews.calls...)
	env.previews.mu.Unlock()
	want := []string{"status kosuke-chat-abc123", "start kosuke-chat-abc123 token=tok", "stop kosuke-chat-abc123"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestPreviewLogsTailValidation(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/preview/logs?tail=-5", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ── Database ────────────────────────────────────────────────

func TestDatabaseRoutes(t *testing.T) {
	env := newTestEnv(t)
	base := "/api/v1/projects/p7/sessions/kosuke-chat-abc123/database"

	w := env.do(t, http.MethodGet, base, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("info status = %d", w.Code)
	}

	w = env.do(t, http.MethodGet, base+"/tables/users?limit=10&offset=20", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("table status = %d", w.Code)
	}
	var data sessiondb.TableData
	decodeBody(t, w, &data)
	if data.Limit != 10 || data.Offset != 20 {
		t.Errorf("paging = %d/%d, want 10/20", data.Limit, data.Offset)
	}

	w = env.do(t, http.MethodPost, base+"/query", `{"query":"DROP TABLE users"}`, nil)
	// The fake accepts everything; the rejection path flows through faults.
	if w.Code != http.StatusOK {
		t.Fatalf("query status = %d", w.Code)
	}
}

func TestExecuteQueryRejectedStatement(t *testing.T) {
	env := newTestEnv(t)
	env.dbs.err = fault.New(fault.KindInvalidQuery, "only SELECT statements are allowed")

	w := env.do(t, http.MethodPost, "/api/v1/projects/p7/sessions/kosuke-chat-abc123/database/query", `{"query":"DELETE FROM users"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ── Activity ────────────────────────────────────────────────

func TestActivityStreamFraming(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/projects/p7/activity", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body := w.Body.String()
	if !strings.HasPrefix(body, "data: ") || !strings.HasSuffix(body, "\n\n") {
		t.Fatalf("body %q is not an SSE frame", body)
	}
	var event models.ActivityEvent
	if err := json.Unmarshal([]byte(strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")), &event); err != nil {
		t.Fatalf("frame payload: %v", err)
	}
	if event.Type != models.EventHeartbeat {
		t.Errorf("event type = %q, want heartbeat", event.Type)
	}
}

func TestActivityStreamRejectsBadCursor(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/projects/p7/activity?last_message_id=abc", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// ── Health & version ────────────────────────────────────────

func TestHealthDegradedWhenEngineDown(t *testing.T) {
	env := newTestEnv(t)
	env.previews.pingErr = fault.New(fault.KindEngineUnavailable, "cannot connect to the Docker daemon")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp struct {
		Status string `json:"status"`
	}
	decodeBody(t, w, &resp)
	if resp.Status != "degraded" {
		t.Errorf("status = %q, want degraded", resp.Status)
	}
}

func TestVersionIsPublic(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Version string `json:"version"`
	}
	decodeBody(t, w, &resp)
	if resp.Version != "test" {
		t.Errorf("version = %q, want test", resp.Version)
	}
}
