// Package store — PostgreSQL Store implementation backed by pgxpool.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/pkg/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies reachability, and ensures the schema.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store migrate: %w", err)
	}

	log.Info().Int("max_conns", maxConns).Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS projects (
			id             TEXT PRIMARY KEY,
			org_id         TEXT NOT NULL DEFAULT '',
			created_by     TEXT NOT NULL,
			name           TEXT NOT NULL,
			repo_owner     TEXT NOT NULL DEFAULT '',
			repo_name      TEXT NOT NULL DEFAULT '',
			default_branch TEXT NOT NULL DEFAULT 'main',
			archived       BOOLEAN NOT NULL DEFAULT FALSE,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS chat_sessions (
			id               TEXT PRIMARY KEY,
			project_id       TEXT NOT NULL REFERENCES projects(id),
			user_id          TEXT NOT NULL,
			session_id       TEXT NOT NULL,
			title            TEXT NOT NULL DEFAULT '',
			description      TEXT NOT NULL DEFAULT '',
			branch_name      TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'active',
			message_count    INTEGER NOT NULL DEFAULT 0,
			last_activity_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			is_default       BOOLEAN NOT NULL DEFAULT FALSE,
			merge_info       JSONB,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (project_id, session_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			id             BIGSERIAL PRIMARY KEY,
			project_id     TEXT NOT NULL,
			session_id     TEXT NOT NULL,
			role           TEXT NOT NULL,
			content        TEXT NOT NULL DEFAULT '',
			tokens_input   INTEGER,
			tokens_output  INTEGER,
			context_tokens INTEGER,
			blocks         JSONB,
			ts             TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_chat_sessions_project
			ON chat_sessions (project_id, last_activity_at DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_project
			ON messages (project_id, id DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_session
			ON messages (project_id, session_id, id);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Projects ────────────────────────────────────────────────

const projectColumns = `id, org_id, created_by, name, repo_owner, repo_name,
	default_branch, archived, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.OrgID, &p.CreatedBy, &p.Name, &p.RepoOwner,
		&p.RepoName, &p.DefaultBranch, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, err := scanProject(s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	return p, err
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, org_id, created_by, name, repo_owner, repo_name, default_branch, archived)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		project.ID, project.OrgID, project.CreatedBy, project.Name,
		project.RepoOwner, project.RepoName, project.DefaultBranch, project.Archived)
	return err
}

func (s *PostgresStore) UpdateProject(ctx context.Context, project *models.Project) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE projects
		SET org_id = $2, created_by = $3, name = $4, repo_owner = $5,
		    repo_name = $6, default_branch = $7, archived = $8, updated_at = NOW()
		WHERE id = $1`,
		project.ID, project.OrgID, project.CreatedBy, project.Name,
		project.RepoOwner, project.RepoName, project.DefaultBranch, project.Archived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "project", Key: project.ID}
	}
	return nil
}

func (s *PostgresStore) ListProjects(ctx context.Context, orgID string) ([]models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE NOT archived`
	args := []any{}
	if orgID != "" {
		query += ` AND org_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ArchiveProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET archived = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "project", Key: id}
	}
	return nil
}

// ── Chat Sessions ───────────────────────────────────────────

const sessionColumns = `id, project_id, user_id, session_id, title, description,
	branch_name, status, message_count, last_activity_at, is_default, merge_info,
	created_at, updated_at`

func scanSession(row pgx.Row) (*models.ChatSession, error) {
	var cs models.ChatSession
	var mergeInfo []byte
	err := row.Scan(&cs.ID, &cs.ProjectID, &cs.UserID, &cs.SessionID, &cs.Title,
		&cs.Description, &cs.BranchName, &cs.Status, &cs.MessageCount,
		&cs.LastActivityAt, &cs.IsDefault, &mergeInfo, &cs.CreatedAt, &cs.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(mergeInfo) > 0 {
		var mi models.MergeInfo
		if err := json.Unmarshal(mergeInfo, &mi); err == nil {
			cs.MergeInfo = &mi
		}
	}
	return &cs, nil
}

func marshalMergeInfo(mi *models.MergeInfo) (any, error) {
	if mi == nil {
		return nil, nil
	}
	return json.Marshal(mi)
}

func (s *PostgresStore) GetChatSession(ctx context.Context, projectID, sessionID string) (*models.ChatSession, error) {
	cs, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions WHERE project_id = $1 AND session_id = $2`,
		projectID, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "chat session", Key: sessionID}
	}
	return cs, err
}

func (s *PostgresStore) CreateChatSession(ctx context.Context, session *models.ChatSession) error {
	mergeInfo, err := marshalMergeInfo(session.MergeInfo)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO chat_sessions (id, project_id, user_id, session_id, title,
			description, branch_name, status, message_count, last_activity_at,
			is_default, merge_info)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10, $11)`,
		session.ID, session.ProjectID, session.UserID, session.SessionID,
		session.Title, session.Description, session.BranchName, session.Status,
		session.MessageCount, session.IsDefault, mergeInfo)
	return err
}

func (s *PostgresStore) UpdateChatSession(ctx context.Context, session *models.ChatSession) error {
	mergeInfo, err := marshalMergeInfo(session.MergeInfo)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE chat_sessions
		SET title = $3, description = $4, branch_name = $5, status = $6,
		    message_count = $7, last_activity_at = $8, is_default = $9,
		    merge_info = $10, updated_at = NOW()
		WHERE project_id = $1 AND session_id = $2`,
		session.ProjectID, session.SessionID, session.Title, session.Description,
		session.BranchName, session.Status, session.MessageCount,
		session.LastActivityAt, session.IsDefault, mergeInfo)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "chat session", Key: session.SessionID}
	}
	return nil
}

func (s *PostgresStore) ListChatSessions(ctx context.Context, projectID string) ([]models.ChatSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE project_id = $1 ORDER BY last_activity_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ChatSession
	for rows.Next() {
		cs, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DefaultChatSession(ctx context.Context, projectID string) (*models.ChatSession, error) {
	cs, err := scanSession(s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM chat_sessions
		 WHERE project_id = $1 AND is_default ORDER BY created_at LIMIT 1`, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "default chat session", Key: projectID}
	}
	return cs, err
}

// ── Messages ────────────────────────────────────────────────

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	// BIGSERIAL is globally ascending, hence monotonic within any project.
	return s.pool.QueryRow(ctx, `
		INSERT INTO messages (project_id, session_id, role, content,
			tokens_input, tokens_output, context_tokens, blocks)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, ts`,
		msg.ProjectID, msg.SessionID, msg.Role, msg.Content,
		msg.TokensInput, msg.TokensOutput, msg.ContextTokens, msg.Blocks,
	).Scan(&msg.ID, &msg.Timestamp)
}

func scanMessage(rows pgx.Rows) (models.Message, error) {
	var m models.Message
	err := rows.Scan(&m.ID, &m.ProjectID, &m.SessionID, &m.Role, &m.Content,
		&m.TokensInput, &m.TokensOutput, &m.ContextTokens, &m.Blocks, &m.Timestamp)
	return m, err
}

const messageColumns = `id, project_id, session_id, role, content,
	tokens_input, tokens_output, context_tokens, blocks, ts`

func (s *PostgresStore) ListMessagesAfter(ctx context.Context, projectID string, afterID int64, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE project_id = $1 AND id > $2
		 ORDER BY id DESC LIMIT $3`, projectID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSessionMessages(ctx context.Context, projectID, sessionID string, limit int) ([]models.Message, error) {
	// With a limit the newest N are wanted, still in chronological order.
	query := `SELECT ` + messageColumns + ` FROM messages
		WHERE project_id = $1 AND session_id = $2 ORDER BY id`
	args := []any{projectID, sessionID}
	if limit > 0 {
		query = `SELECT ` + messageColumns + ` FROM (
			SELECT ` + messageColumns + ` FROM messages
			WHERE project_id = $1 AND session_id = $2
			ORDER BY id DESC LIMIT $3
		) tail ORDER BY id`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TokenTotals(ctx context.Context, projectID string) (models.TokenUsage, error) {
	var usage models.TokenUsage
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0)
		FROM messages WHERE project_id = $1`, projectID,
	).Scan(&usage.TokensSent, &usage.TokensReceived)
	if err != nil {
		return usage, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(context_tokens, 0) FROM messages
		WHERE project_id = $1
		ORDER BY id DESC LIMIT 1`, projectID,
	).Scan(&usage.ContextSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return usage, nil
	}
	return usage, err
}
