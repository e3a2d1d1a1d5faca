// Package gitops drives per-project Git working trees through the git CLI:
// cloning, session branch management, commit-and-push of agent changes,
// fast-forward pulls, and hard-reset reverts. Remotes are stored
// credential-free; tokens are spliced into the origin URL only for the
// duration of a push or pull and the sanitized URL is always restored.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/fault"
	"github.com/kosuke-ai/kosuke/internal/naming"
	"github.com/kosuke-ai/kosuke/pkg/models"
)

const (
	cloneTimeout  = 90 * time.Second
	pushTimeout   = 90 * time.Second
	pullTimeout   = 90 * time.Second
	revertTimeout = 120 * time.Second

	commitAuthorName  = "Kosuke"
	commitAuthorEmail = "agent@kosuke.ai"
)

// credentialRe matches user:token@ segments embedded in remote URLs.
var credentialRe = regexp.MustCompile(`(?i)(https?://)[^/@:]+:[^/@]+@`)

// ignoredDirs are path fragments whose changes never get committed.
var ignoredDirs = []string{
	".git/", "node_modules/", ".next/", "dist/", "build/", "__pycache__/", ".DS_Store",
}

// runner executes git in a working directory and returns stdout, stderr.
type runner func(ctx context.Context, dir string, args ...string) (string, string, error)

// Operator owns the project working trees under a base path.
type Operator struct {
	base         string
	branchPrefix string
	commitPrefix string
	run          runner
}

// NewOperator builds a Git operator rooted at basePath.
func NewOperator(basePath, branchPrefix, commitPrefix string) *Operator {
	o := &Operator{
		base:         basePath,
		branchPrefix: branchPrefix,
		commitPrefix: commitPrefix,
	}
	o.run = o.execGit
	return o
}

func (o *Operator) execGit(ctx context.Context, dir string, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), err
}

// git runs a git command and classifies failures, sanitizing any URL that
// could carry credentials out of the error string.
func (o *Operator) git(ctx context.Context, dir string, args ...string) (string, error) {
	stdout, stderr, err := o.run(ctx, dir, args...)
	if err == nil {
		return stdout, nil
	}
	op := subcommand(args)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "", fault.Wrap(err, fault.KindTimeout, "git %s timed out", op)
	case errors.Is(err, context.Canceled):
		return "", fault.Wrap(err, fault.KindCancelled, "git %s cancelled", op)
	}
	return "", fault.New(fault.KindInternal, "git %s: %s", op, SanitizeURL(stderr))
}

// subcommand skips leading -c key=value pairs to name the actual operation.
func subcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-c" {
			i++
			continue
		}
		return args[i]
	}
	return "git"
}

// ProjectPath returns the working tree location for a project.
func (o *Operator) ProjectPath(projectID string) string {
	return filepath.Join(o.base, projectID)
}

// WorkspaceExists reports whether a project already has a clone on disk.
func (o *Operator) WorkspaceExists(projectID string) bool {
	_, err := os.Stat(filepath.Join(o.ProjectPath(projectID), ".git"))
	return err == nil
}

// Clone materializes a fresh working tree for the project, replacing any
// existing directory. The remote is immediately rewritten credential-free.
func (o *Operator) Clone(ctx context.Context, repoURL, projectID, token string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	dest := o.ProjectPath(projectID)
	if err := os.RemoveAll(dest); err != nil {
		return "", fault.Wrap(err, fault.KindInternal, "clearing workspace for project %s", projectID)
	}
	if err := os.MkdirAll(o.base, 0o755); err != nil {
		return "", fault.Wrap(err, fault.KindInternal, "creating projects base path")
	}

	clean := StripCredentials(ToHTTPS(repoURL))
	authed, err := AuthedURL(clean, token)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("project_id", projectID).
		Str("repo", SanitizeURL(clean)).
		Msg("Cloning project repository")

	if _, err := o.git(ctx, o.base, "clone", authed, dest); err != nil {
		return "", fault.Wrap(err, fault.KindInternal, "cloning project %s", projectID)
	}
	// Never leave the token on disk.
	if _, err := o.git(ctx, dest, "remote", "set-url", "origin", clean); err != nil {
		return "", err
	}
	return dest, nil
}

// CheckoutSessionBranch switches the working tree to the session's branch,
// creating it from the current HEAD when absent.
func (o *Operator) CheckoutSessionBranch(ctx context.Context, projectPath, sessionID string) (string, error) {
	branch := naming.BranchName(o.branchPrefix, sessionID)

	if _, _, err := o.run(ctx, projectPath, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
		if _, err := o.git(ctx, projectPath, "checkout", branch); err != nil {
			return "", err
		}
		return branch, nil
	}
	if _, err := o.git(ctx, projectPath, "checkout", "-b", branch); err != nil {
		return "", err
	}
	log.Info().Str("branch", branch).Msg("Created session branch")
	return branch, nil
}

// CurrentBranch returns the checked-out branch name.
func (o *Operator) CurrentBranch(ctx context.Context, projectPath string) (string, error) {
	return o.git(ctx, projectPath, "rev-parse", "--abbrev-ref", "HEAD")
}

// CommitRequest describes a commit-and-push of session changes.
type CommitRequest struct {
	SessionPath string
	SessionID   string
	// Message overrides the generated commit message when non-empty.
	Message string
	Token   string
}

// CommitSessionChanges stages everything the agent touched, commits on the
// session branch, and pushes under temporary credentials. Returns nil when
// the tree is clean.
func (o *Operator) CommitSessionChanges(ctx context.Context, req CommitRequest) (*models.Commit, error) {
	if req.Token == "" {
		return nil, fault.New(fault.KindGitAuthMissing, "no token available to push session %s", req.SessionID)
	}
	ctx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	statusOut, err := o.git(ctx, req.SessionPath, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	files := filterIgnored(ParseStatus(statusOut))
	if len(files) == 0 {
		return nil, nil
	}

	branch := naming.BranchName(o.branchPrefix, req.SessionID)
	current, err := o.CurrentBranch(ctx, req.SessionPath)
	if err != nil {
		return nil, err
	}
	if current != branch {
		if _, err := o.CheckoutSessionBranch(ctx, req.SessionPath, req.SessionID); err != nil {
			return nil, err
		}
	}

	addArgs := append([]string{"add", "--"}, files...)
	if _, err := o.git(ctx, req.SessionPath, addArgs...); err != nil {
		return nil, err
	}

	message := req.Message
	if message == "" {
		message = CommitMessage(o.commitPrefix, files, req.SessionID)
	}
	if _, err := o.git(ctx, req.SessionPath,
		"-c", "user.name="+commitAuthorName,
		"-c", "user.email="+commitAuthorEmail,
		"commit", "-m", message); err != nil {
		return nil, err
	}

	sha, err := o.git(ctx, req.SessionPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	var remote string
	err = o.withAuthedOrigin(ctx, req.SessionPath, req.Token, func(cleanOrigin string) error {
		remote = cleanOrigin
		if _, err := o.git(ctx, req.SessionPath, "push", "origin", branch); err == nil {
			return nil
		}
		// First push of a new branch needs upstream tracking.
		_, err := o.git(ctx, req.SessionPath, "push", "--set-upstream", "origin", branch)
		return err
	})
	if err != nil {
		// The commit stays on the local branch; name it so callers can
		// retry or revert deliberately.
		return nil, fault.Wrap(err, fault.KindPushFailed,
			"pushing branch %s (commit %s remains local)", branch, sha)
	}

	log.Info().
		Str("session_id", req.SessionID).
		Str("sha", sha).
		Int("files", len(files)).
		Msg("Committed session changes")

	return &models.Commit{
		SHA:          sha,
		Message:      message,
		URL:          CommitURL(remote, sha),
		FilesChanged: len(files),
		Timestamp:    time.Now().UTC(),
	}, nil
}

// RevertToCommit hard-resets the session branch to sha and force-pushes.
func (o *Operator) RevertToCommit(ctx context.Context, sessionPath, sha, token string) error {
	if token == "" {
		return fault.New(fault.KindGitAuthMissing, "no token available to push revert")
	}
	ctx, cancel := context.WithTimeout(ctx, revertTimeout)
	defer cancel()

	if _, err := o.git(ctx, sessionPath, "reset", "--hard", sha); err != nil {
		return err
	}
	branch, err := o.CurrentBranch(ctx, sessionPath)
	if err != nil {
		return err
	}

	err = o.withAuthedOrigin(ctx, sessionPath, token, func(string) error {
		_, err := o.git(ctx, sessionPath, "push", "--force", "origin", branch)
		return err
	})
	if err != nil {
		return fault.Wrap(err, fault.KindPushFailed, "force-pushing revert of %s", branch)
	}

	log.Info().Str("branch", branch).Str("sha", sha).Msg("Reverted session branch")
	return nil
}

// Pull fast-forwards the current session branch from origin. Divergent
// history is surfaced as a git_conflict, never merged.
func (o *Operator) Pull(ctx context.Context, sessionPath, token string) (*models.PullResult, error) {
	if token == "" {
		return nil, fault.New(fault.KindGitAuthMissing, "no token available to pull")
	}
	ctx, cancel := context.WithTimeout(ctx, pullTimeout)
	defer cancel()

	branch, err := o.CurrentBranch(ctx, sessionPath)
	if err != nil {
		return nil, err
	}
	prev, err := o.git(ctx, sessionPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	err = o.withAuthedOrigin(ctx, sessionPath, token, func(string) error {
		if _, perr := o.git(ctx, sessionPath, "pull", "--ff-only", "origin", branch); perr != nil {
			low := strings.ToLower(perr.Error())
			if strings.Contains(low, "not possible to fast-forward") ||
				strings.Contains(low, "divergent") ||
				strings.Contains(low, "would be overwritten") {
				return fault.Wrap(perr, fault.KindGitConflict, "branch %s diverged from origin", branch)
			}
			return perr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	head, err := o.git(ctx, sessionPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	res := &models.PullResult{BranchName: branch}
	if head == prev {
		res.Message = "Already up to date"
		return res, nil
	}
	res.Changed = true
	res.PreviousCommit = prev
	res.NewCommit = head
	if out, err := o.git(ctx, sessionPath, "rev-list", "--count", prev+".."+head); err == nil {
		res.CommitsPulled, _ = strconv.Atoi(out)
	}
	res.Message = fmt.Sprintf("Pulled %d commit(s)", res.CommitsPulled)

	log.Info().
		Str("branch", branch).
		Int("commits", res.CommitsPulled).
		Msg("Fast-forwarded session branch")
	return res, nil
}

// withAuthedOrigin swaps origin to a tokened URL around fn and restores the
// credential-free URL on every exit path, including cancellation.
func (o *Operator) withAuthedOrigin(ctx context.Context, dir, token string, fn func(cleanOrigin string) error) error {
	origin, err := o.git(ctx, dir, "remote", "get-url", "origin")
	if err != nil {
		return err
	}
	clean := StripCredentials(origin)
	authed, err := AuthedURL(clean, token)
	if err != nil {
		return err
	}
	if _, err := o.git(ctx, dir, "remote", "set-url", "origin", authed); err != nil {
		return err
	}
	defer func() {
		restore := context.WithoutCancel(ctx)
		if _, rerr := o.git(restore, dir, "remote", "set-url", "origin", clean); rerr != nil {
			log.Error().Err(rerr).Str("dir", dir).Msg("Failed to restore sanitized origin URL")
		}
	}()
	return fn(clean)
}

// ── Status parsing and filtering ─────────────────────────────

// ParseStatus extracts changed paths from `git status --porcelain` output.
// Rename entries yield the rename target.
func ParseStatus(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		if path != "" {
			files = append(files, path)
		}
	}
	return files
}

func filterIgnored(files []string) []string {
	var kept []string
	for _, f := range files {
		if !IgnoredPath(f) {
			kept = append(kept, f)
		}
	}
	return kept
}

// IgnoredPath reports whether a changed path is excluded from session
// commits: build output, dependency trees, caches, and local env files.
func IgnoredPath(path string) bool {
	for _, frag := range ignoredDirs {
		if strings.Contains(path, frag) {
			return true
		}
	}
	base := filepath.Base(path)
	switch base {
	case ".env", ".env.local":
		return true
	}
	switch {
	case strings.HasSuffix(base, ".pyc"), strings.HasSuffix(base, ".log"):
		return true
	}
	return false
}

// ── Message and URL helpers ──────────────────────────────────

// CommitMessage builds the generated message for a session commit. Up to
// three files are named; larger changes report a count.
func CommitMessage(prefix string, files []string, sessionID string) string {
	desc := fmt.Sprintf("%d files", len(files))
	if len(files) <= 3 {
		desc = strings.Join(files, ", ")
	}
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	ts := time.Now().UTC().Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s%s: Modified %s (chat: %s)", prefix, ts, desc, short)
}

// SanitizeURL masks embedded credentials for logs and surfaced errors.
func SanitizeURL(s string) string {
	return credentialRe.ReplaceAllString(s, "${1}***@")
}

// StripCredentials removes any user:token@ segment entirely.
func StripCredentials(url string) string {
	return credentialRe.ReplaceAllString(url, "$1")
}

// ToHTTPS converts an SSH remote (git@host:owner/repo.git) to its HTTPS
// form; HTTPS URLs pass through.
func ToHTTPS(url string) string {
	if strings.HasPrefix(url, "git@") {
		rest := strings.TrimPrefix(url, "git@")
		rest = strings.Replace(rest, ":", "/", 1)
		return "https://" + rest
	}
	return url
}

// AuthedURL splices an oauth2 token into an HTTPS remote URL.
func AuthedURL(url, token string) (string, error) {
	url = ToHTTPS(url)
	if !strings.HasPrefix(url, "https://") && !strings.HasPrefix(url, "http://") {
		return "", fault.New(fault.KindBadRequest, "unsupported remote url format")
	}
	scheme := "https://"
	if strings.HasPrefix(url, "http://") {
		scheme = "http://"
	}
	return scheme + "oauth2:" + token + "@" + strings.TrimPrefix(url, scheme), nil
}

// CommitURL derives the provider's web URL for a commit from the remote.
func CommitURL(remote, sha string) string {
	url := StripCredentials(ToHTTPS(remote))
	url = strings.TrimSuffix(url, ".git")
	if url == "" {
		return ""
	}
	return url + "/commit/" + sha
}
