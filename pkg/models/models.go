// Package models defines the shared domain types for the kosuke control
// plane: projects, chat sessions, messages, preview routing, and the
// activity-stream event payloads.
package models

import (
	"encoding/json"
	"time"
)

// ── Project ──────────────────────────────────────────────────

// Project is a code base managed by the platform, backed by a Git repository.
// (RepoOwner, RepoName) are both set for Git-backed projects and both empty
// otherwise.
type Project struct {
	ID            string    `json:"id"`
	OrgID         string    `json:"org_id,omitempty"`
	CreatedBy     string    `json:"created_by"`
	Name          string    `json:"name"`
	RepoOwner     string    `json:"repo_owner,omitempty"`
	RepoName      string    `json:"repo_name,omitempty"`
	DefaultBranch string    `json:"default_branch"`
	Archived      bool      `json:"archived"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// GitBacked reports whether the project has a configured remote repository.
func (p *Project) GitBacked() bool {
	return p.RepoOwner != "" && p.RepoName != ""
}

// ── Chat Session ─────────────────────────────────────────────

type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "active"
	SessionStatusArchived SessionStatus = "archived"
)

// ChatSession is a conversation thread bound to its own Git branch and
// preview environment. SessionID is URL-safe and unique within the project;
// BranchName is derived purely from SessionID and the process-wide branch
// prefix.
type ChatSession struct {
	ID             string        `json:"id"`
	ProjectID      string        `json:"project_id"`
	UserID         string        `json:"user_id"`
	SessionID      string        `json:"session_id"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	BranchName     string        `json:"branch_name"`
	Status         SessionStatus `json:"status"`
	MessageCount   int           `json:"message_count"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	IsDefault      bool          `json:"is_default"`
	MergeInfo      *MergeInfo    `json:"merge_info,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// MergeInfo records the merge state of a session branch, refreshed from the
// Git hosting provider.
type MergeInfo struct {
	PRNumber  int        `json:"pr_number,omitempty"`
	PRURL     string     `json:"pr_url,omitempty"`
	MergedAt  *time.Time `json:"merged_at,omitempty"`
	CheckedAt time.Time  `json:"checked_at"`
}

// ── Message ──────────────────────────────────────────────────

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is a single chat message. IDs are monotonic per project and
// assigned by the store. Token fields are nil when the agent runtime did
// not report usage for the message.
type Message struct {
	ID            int64           `json:"id"`
	ProjectID     string          `json:"project_id"`
	SessionID     string          `json:"session_id"`
	Role          MessageRole     `json:"role"`
	Content       string          `json:"content"`
	TokensInput   *int            `json:"tokens_input,omitempty"`
	TokensOutput  *int            `json:"tokens_output,omitempty"`
	ContextTokens *int            `json:"context_tokens,omitempty"`
	Blocks        json.RawMessage `json:"blocks,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// TokenUsage aggregates token accounting over a project's messages.
// ContextSize is the context_tokens of the newest message, zero when that
// message reports none.
type TokenUsage struct {
	TokensSent     int `json:"tokensSent"`
	TokensReceived int `json:"tokensReceived"`
	ContextSize    int `json:"contextSize"`
}

// ── Commit / Pull results ────────────────────────────────────

// Commit is the ephemeral result of committing session changes.
type Commit struct {
	SHA          string    `json:"sha"`
	Message      string    `json:"message"`
	URL          string    `json:"url,omitempty"`
	FilesChanged int       `json:"files_changed"`
	Timestamp    time.Time `json:"timestamp"`
}

// PullOutcome is what a pull operation reports back to the caller: the Git
// result plus whether the running preview was restarted to pick it up.
type PullOutcome struct {
	Success            bool        `json:"success"`
	ContainerRestarted bool        `json:"container_restarted"`
	PullResult         *PullResult `json:"pullResult"`
}

// PullResult reports the outcome of a fast-forward pull on a session branch.
type PullResult struct {
	Changed        bool   `json:"changed"`
	CommitsPulled  int    `json:"commitsPulled"`
	PreviousCommit string `json:"previousCommit,omitempty"`
	NewCommit      string `json:"newCommit,omitempty"`
	BranchName     string `json:"branchName"`
	Message        string `json:"message"`
}

// ── Preview routing ──────────────────────────────────────────

type RouteMode string

const (
	RoutePort  RouteMode = "port"
	RouteProxy RouteMode = "proxy"
)

// RouteInfo describes how a preview container is reachable. For port mode
// the URL is http://localhost:<port>; for proxy mode it is
// https://<subdomain> and Labels carry the reverse-proxy route declaration.
type RouteInfo struct {
	URL       string            `json:"url"`
	Mode      RouteMode         `json:"mode"`
	Port      int               `json:"port,omitempty"`
	Subdomain string            `json:"subdomain,omitempty"`
	Labels    map[string]string `json:"labels"`
}

// PreviewStatus is the observable state of a session's preview.
type PreviewStatus struct {
	Running      bool   `json:"running"`
	IsResponding bool   `json:"is_responding"`
	URL          string `json:"url,omitempty"`
}

// ContainerInspect is the engine-neutral view of a container that the
// routing and preview layers operate on. Ports maps a container port spec
// ("3000/tcp") to the bound host port.
type ContainerInspect struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Running   bool              `json:"running"`
	ExitCode  int               `json:"exit_code"`
	StartedAt time.Time         `json:"started_at"`
	Labels    map[string]string `json:"labels"`
	Ports     map[string]string `json:"ports"`
}

// ── Activity stream events ───────────────────────────────────

type EventType string

const (
	EventHeartbeat   EventType = "heartbeat"
	EventNewMessage  EventType = "new_message"
	EventFileUpdated EventType = "file_updated"
	EventTokenUpdate EventType = "token_update"
)

// FileOperation is the payload an assistant message announces behind the
// file-operation marker: {"type": "create"|"edit"|"delete", "path": ...}.
type FileOperation struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// StreamMessage is the message shape carried inside new_message frames.
// Field names follow the browser client's camelCase contract.
type StreamMessage struct {
	ID            int64           `json:"id"`
	Content       string          `json:"content"`
	Role          MessageRole     `json:"role"`
	TokensInput   *int            `json:"tokensInput,omitempty"`
	TokensOutput  *int            `json:"tokensOutput,omitempty"`
	ContextTokens *int            `json:"contextTokens,omitempty"`
	Blocks        json.RawMessage `json:"blocks,omitempty"`
}

// ActivityEvent is one frame on the activity stream. Exactly one of the
// optional payloads is set, selected by Type.
type ActivityEvent struct {
	Type      EventType      `json:"type"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
	Message   *StreamMessage `json:"message,omitempty"`
	Operation *FileOperation `json:"operation,omitempty"`
	Tokens    *TokenUsage    `json:"tokens,omitempty"`
}
