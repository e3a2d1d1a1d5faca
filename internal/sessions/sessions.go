// Package sessions manages chat sessions: their records, their Git
// branches, and the pull/commit/revert operations the agent runtime and
// the UI drive. Mutating operations on the same (project, session) pair
// serialize through the shared keyed lock; the lock is released before any
// preview restart so container operations never nest inside a Git hold.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/kosuke-ai/kosuke/internal/fault"
	"github.com/kosuke-ai/kosuke/internal/gitops"
	"github.com/kosuke-ai/kosuke/internal/locks"
	"github.com/kosuke-ai/kosuke/internal/naming"
	"github.com/kosuke-ai/kosuke/internal/store"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

// mergeRefreshParallelism caps concurrent Git-host lookups per list call.
const mergeRefreshParallelism = 4

// timeNow is swapped in tests.
var timeNow = func() time.Time { return time.Now().UTC() }

// Git is the gitops surface the manager consumes.
type Git interface {
	WorkspaceExists(projectID string) bool
	ProjectPath(projectID string) string
	Clone(ctx context.Context, repoURL, projectID, token string) (string, error)
	CheckoutSessionBranch(ctx context.Context, projectPath, sessionID string) (string, error)
	CommitSessionChanges(ctx context.Context, req gitops.CommitRequest) (*models.Commit, error)
	RevertToCommit(ctx context.Context, sessionPath, sha, token string) error
	Pull(ctx context.Context, sessionPath, token string) (*models.PullResult, error)
}

// Host answers the questions only the Git hosting provider can.
type Host interface {
	MergeState(ctx context.Context, token string, project *models.Project, branch string) (*models.MergeInfo, error)
	CloneURL(project *models.Project) string
}

// Previews is the container surface the manager touches after a pull.
type Previews interface {
	HasContainer(ctx context.Context, projectID, sessionID string) (bool, error)
	RestartPreviewContainer(ctx context.Context, projectID, sessionID, token string) (models.PreviewStatus, error)
}

// Manager implements the session operations over the store, gitops and the
// Git host.
type Manager struct {
	store        store.Store
	git          Git
	host         Host
	previews     Previews
	locks        *locks.Keyed
	branchPrefix string
}

// NewManager wires the session manager. Previews is bound separately via
// BindPreviews because the preview service needs the manager first (it
// materializes workspaces through it).
func NewManager(s store.Store, git Git, host Host, keyed *locks.Keyed, branchPrefix string) *Manager {
	return &Manager{
		store:        s,
		git:          git,
		host:         host,
		locks:        keyed,
		branchPrefix: branchPrefix,
	}
}

// BindPreviews attaches the preview service after construction. Must be
// called before the manager serves traffic.
func (m *Manager) BindPreviews(p Previews) { m.previews = p }

// notFound converts a store miss into the not_found fault kind; other
// errors pass through.
func notFound(err error, format string, args ...any) error {
	var nf *store.ErrNotFound
	if errors.As(err, &nf) {
		return fault.New(fault.KindNotFound, format, args...)
	}
	return err
}

// ── Workspace ────────────────────────────────────────────────

// EnsureSessionWorkspace guarantees the project clone, the session branch
// and the session record all exist.
func (m *Manager) EnsureSessionWorkspace(ctx context.Context, projectID, sessionID, token string) error {
	unlock := m.locks.Lock(locks.SessionKey(projectID, sessionID))
	defer unlock()
	return m.ensureWorkspace(ctx, projectID, sessionID, token)
}

// EnsureSessionWorkspaceHeld is EnsureSessionWorkspace for callers that
// already hold the session's keyed lock. The preview service starts
// containers under its own lock on the same key; the keyed mutexes are not
// reentrant, so it must come in through here.
func (m *Manager) EnsureSessionWorkspaceHeld(ctx context.Context, projectID, sessionID, token string) error {
	return m.ensureWorkspace(ctx, projectID, sessionID, token)
}

// ensureWorkspace is EnsureSessionWorkspace without locking; callers hold
// the session lock.
func (m *Manager) ensureWorkspace(ctx context.Context, projectID, sessionID, token string) error {
	if !naming.ValidSessionID(sessionID) {
		return fault.New(fault.KindBadRequest, "session id %q is not URL-safe", sessionID)
	}
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return notFound(err, "project %s not found", projectID)
	}
	if !project.GitBacked() {
		return fault.New(fault.KindBadRequest, "project %s has no configured repository", projectID)
	}

	if !m.git.WorkspaceExists(projectID) {
		if token == "" {
			return fault.New(fault.KindGitAuthMissing, "no token available to clone project %s", projectID)
		}
		if _, err := m.git.Clone(ctx, m.host.CloneURL(project), projectID, token); err != nil {
			return err
		}
	}

	if _, err := m.git.CheckoutSessionBranch(ctx, m.git.ProjectPath(projectID), sessionID); err != nil {
		return err
	}

	if _, err := m.store.GetChatSession(ctx, projectID, sessionID); err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			return err
		}
		session := &models.ChatSession{
			ID:         uuid.NewString(),
			ProjectID:  projectID,
			UserID:     project.CreatedBy,
			SessionID:  sessionID,
			Title:      sessionID,
			BranchName: naming.BranchName(m.branchPrefix, sessionID),
			Status:     models.SessionStatusActive,
		}
		if err := m.store.CreateChatSession(ctx, session); err != nil {
			return err
		}
		log.Info().
			Str("project_id", projectID).
			Str("session_id", sessionID).
			Msg("Recorded chat session")
	}
	return nil
}

// ── Session records ──────────────────────────────────────────

// CreateSession mints a new session with a generated session ID.
func (m *Manager) CreateSession(ctx context.Context, projectID, userID, title, description string) (*models.ChatSession, error) {
	if _, err := m.store.GetProject(ctx, projectID); err != nil {
		return nil, notFound(err, "project %s not found", projectID)
	}
	if title == "" {
		title = "New chat"
	}

	sessionID := naming.NewSessionID()
	session := &models.ChatSession{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		UserID:      userID,
		SessionID:   sessionID,
		Title:       title,
		Description: description,
		BranchName:  naming.BranchName(m.branchPrefix, sessionID),
		Status:      models.SessionStatusActive,
	}
	if err := m.store.CreateChatSession(ctx, session); err != nil {
		return nil, err
	}
	log.Info().
		Str("project_id", projectID).
		Str("session_id", sessionID).
		Msg("Created chat session")
	return session, nil
}

// GetSession looks a session up by its URL-safe session_id.
func (m *Manager) GetSession(ctx context.Context, projectID, sessionID string) (*models.ChatSession, error) {
	session, err := m.store.GetChatSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, notFound(err, "session %s not found", sessionID)
	}
	return session, nil
}

// ListSessions returns the project's sessions, most recently active first.
// A project with no sessions gets its default session created here, so the
// first UI load always has somewhere to chat. Merge state is refreshed from
// the Git host for sessions whose branch has no recorded merge; lookup
// failures keep the previous state and never fail the list.
func (m *Manager) ListSessions(ctx context.Context, projectID, token string) ([]models.ChatSession, error) {
	project, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, notFound(err, "project %s not found", projectID)
	}

	sessions, err := m.store.ListChatSessions(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		def, err := m.ensureDefaultSession(ctx, project)
		if err != nil {
			return nil, err
		}
		return []models.ChatSession{*def}, nil
	}

	if project.GitBacked() {
		m.refreshMergeState(ctx, project, token, sessions)
	}
	return sessions, nil
}

func (m *Manager) ensureDefaultSession(ctx context.Context, project *models.Project) (*models.ChatSession, error) {
	sessionID := naming.SessionIDPrefix + "default"
	session := &models.ChatSession{
		ID:         uuid.NewString(),
		ProjectID:  project.ID,
		UserID:     project.CreatedBy,
		SessionID:  sessionID,
		Title:      "Main chat",
		BranchName: naming.BranchName(m.branchPrefix, sessionID),
		Status:     models.SessionStatusActive,
		IsDefault:  true,
	}
	if err := m.store.CreateChatSession(ctx, session); err != nil {
		return nil, err
	}
	log.Info().Str("project_id", project.ID).Msg("Created default chat session")
	return session, nil
}

// refreshMergeState probes the Git host for sessions whose branch has no
// recorded merge and persists what it learns. Failures are logged per
// session and swallowed.
func (m *Manager) refreshMergeState(ctx context.Context, project *models.Project, token string, sessions []models.ChatSession) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(mergeRefreshParallelism)

	for i := range sessions {
		s := &sessions[i]
		if s.BranchName == "" || (s.MergeInfo != nil && s.MergeInfo.MergedAt != nil) {
			continue
		}
		g.Go(func() error {
			mi, err := m.host.MergeState(ctx, token, project, s.BranchName)
			if err != nil {
				log.Warn().Err(err).
					Str("project_id", project.ID).
					Str("branch", s.BranchName).
					Msg("Merge state refresh failed")
				return nil
			}
			if mi == nil {
				return nil
			}
			s.MergeInfo = mi
			if err := m.store.UpdateChatSession(ctx, s); err != nil {
				log.Warn().Err(err).
					Str("session_id", s.SessionID).
					Msg("Failed to persist merge state")
			}
			return nil
		})
	}
	// Goroutines only ever return nil; Wait is for completion.
	_ = g.Wait()
}

// UpdateSessionTitle renames a session.
func (m *Manager) UpdateSessionTitle(ctx context.Context, projectID, sessionID, title string) (*models.ChatSession, error) {
	session, err := m.store.GetChatSession(ctx, projectID, sessionID)
	if err != nil {
		return nil, notFound(err, "session %s not found", sessionID)
	}
	if title == "" {
		return nil, fault.New(fault.KindBadRequest, "session title must not be empty")
	}
	session.Title = title
	if err := m.store.UpdateChatSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// ArchiveSession marks a session archived. Its branch, database, and any
// stopped container stay for the janitor and the Git host to reason about.
func (m *Manager) ArchiveSession(ctx context.Context, projectID, sessionID string) error {
	session, err := m.store.GetChatSession(ctx, projectID, sessionID)
	if err != nil {
		return notFound(err, "session %s not found", sessionID)
	}
	session.Status = models.SessionStatusArchived
	return m.store.UpdateChatSession(ctx, session)
}

// touch bumps a session's activity clock, counting a message when asked.
func (m *Manager) touch(ctx context.Context, projectID, sessionID string, countMessage bool) {
	session, err := m.store.GetChatSession(ctx, projectID, sessionID)
	if err != nil {
		return
	}
	session.LastActivityAt = timeNow()
	if countMessage {
		session.MessageCount++
	}
	if err := m.store.UpdateChatSession(ctx, session); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to bump session activity")
	}
}

// ── Git operations ───────────────────────────────────────────

// PullSessionBranch fast-forwards the session branch. When commits arrived
// and a container exists, the preview is restarted so the running dev
// server picks them up; the Git lock is released first.
func (m *Manager) PullSessionBranch(ctx context.Context, projectID, sessionID, token string) (*models.PullOutcome, error) {
	if _, err := m.GetSession(ctx, projectID, sessionID); err != nil {
		return nil, err
	}

	unlock := m.locks.Lock(locks.SessionKey(projectID, sessionID))
	result, err := func() (*models.PullResult, error) {
		defer unlock()
		if err := m.ensureWorkspace(ctx, projectID, sessionID, token); err != nil {
			return nil, err
		}
		return m.git.Pull(ctx, m.git.ProjectPath(projectID), token)
	}()
	if err != nil {
		return nil, err
	}

	outcome := &models.PullOutcome{Success: true, PullResult: result}
	if result.Changed && result.CommitsPulled > 0 {
		m.touch(ctx, projectID, sessionID, false)
		outcome.ContainerRestarted = m.restartIfRunning(ctx, projectID, sessionID, token)
	}
	return outcome, nil
}

// restartIfRunning restarts the session's preview when one exists. Restart
// problems are logged, not surfaced: the pull itself succeeded.
func (m *Manager) restartIfRunning(ctx context.Context, projectID, sessionID, token string) bool {
	has, err := m.previews.HasContainer(ctx, projectID, sessionID)
	if err != nil || !has {
		if err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Container lookup after pull failed")
		}
		return false
	}
	if _, err := m.previews.RestartPreviewContainer(ctx, projectID, sessionID, token); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Preview restart after pull failed")
		return false
	}
	log.Info().
		Str("project_id", projectID).
		Str("session_id", sessionID).
		Msg("Preview restarted after pull")
	return true
}

// CommitSessionChanges commits and pushes whatever the agent changed in the
// session workspace. A clean tree returns (nil, nil).
func (m *Manager) CommitSessionChanges(ctx context.Context, projectID, sessionID, message, token string) (*models.Commit, error) {
	unlock := m.locks.Lock(locks.SessionKey(projectID, sessionID))
	defer unlock()

	if err := m.ensureWorkspace(ctx, projectID, sessionID, token); err != nil {
		return nil, err
	}

	commit, err := m.git.CommitSessionChanges(ctx, gitops.CommitRequest{
		SessionPath: m.git.ProjectPath(projectID),
		SessionID:   sessionID,
		Message:     message,
		Token:       token,
	})
	if err != nil || commit == nil {
		return nil, err
	}

	m.touch(ctx, projectID, sessionID, true)
	return commit, nil
}

// RevertToCommit hard-resets the session branch to sha and force-pushes.
func (m *Manager) RevertToCommit(ctx context.Context, projectID, sessionID, sha, token string) error {
	if sha == "" {
		return fault.New(fault.KindBadRequest, "commit sha must not be empty")
	}

	unlock := m.locks.Lock(locks.SessionKey(projectID, sessionID))
	defer unlock()

	if err := m.ensureWorkspace(ctx, projectID, sessionID, token); err != nil {
		return err
	}
	if err := m.git.RevertToCommit(ctx, m.git.ProjectPath(projectID), sha, token); err != nil {
		return err
	}
	m.touch(ctx, projectID, sessionID, false)
	return nil
}
