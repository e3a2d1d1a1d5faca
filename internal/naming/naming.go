// Package naming derives every resource name the orchestrator creates from
// the (project_id, session_id) pair. All derivations are pure: the same pair
// always maps to the same container, database, branch, and subdomain, which
// is what lets restart and recovery find resources without persisted state.
package naming

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// SessionIDPrefix starts every generated chat session ID.
const SessionIDPrefix = "kosuke-chat-"

// dbNamePrefix starts every per-session database name before lowering.
const dbNamePrefix = "kosuke_preview_"

// maxDBNameLen is the Postgres identifier limit.
const maxDBNameLen = 63

// maxSubdomainSession caps the session part of a proxy subdomain.
const maxSubdomainSession = 20

var (
	sessionIDRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	dbNameRe      = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]*$`)
	tableNameRe   = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	unsafeNameCh  = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
	nonAlnumCh    = regexp.MustCompile(`[^a-z0-9]+`)
	repeatHyphens = regexp.MustCompile(`-{2,}`)
)

// NewSessionID mints a fresh URL-safe session ID: the fixed prefix plus six
// hex characters of randomness.
func NewSessionID() string {
	return SessionIDPrefix + uuid.NewString()[:6]
}

// ValidSessionID reports whether id is URL-safe per the session contract.
func ValidSessionID(id string) bool {
	return sessionIDRe.MatchString(id)
}

// SanitizeSessionID maps a session ID onto the container-name-safe alphabet,
// replacing anything outside [a-zA-Z0-9_.-] with a hyphen.
func SanitizeSessionID(sessionID string) string {
	return unsafeNameCh.ReplaceAllString(sessionID, "-")
}

// ContainerName derives the preview container name for a session.
func ContainerName(prefix, projectID, sessionID string) string {
	return prefix + "-" + projectID + "-" + SanitizeSessionID(sessionID)
}

// DBName derives the per-session database name: the fixed prefix, project
// and session joined by underscores, lowercased with hyphens stripped, then
// truncated to the Postgres identifier limit.
func DBName(projectID, sessionID string) (string, error) {
	name := dbNamePrefix + projectID + "_" + sessionID
	name = strings.ToLower(strings.ReplaceAll(name, "-", ""))
	if len(name) > maxDBNameLen {
		name = name[:maxDBNameLen]
	}
	if !dbNameRe.MatchString(name) {
		return "", fmt.Errorf("derived database name %q is not a valid identifier", name)
	}
	return name, nil
}

// ValidTableName reports whether a user-supplied table name is safe to
// interpolate into introspection SQL.
func ValidTableName(table string) bool {
	return tableNameRe.MatchString(table)
}

// BranchName derives the Git branch for a session.
func BranchName(branchPrefix, sessionID string) string {
	return branchPrefix + sessionID
}

// Subdomain derives the proxy-mode host for a session:
// "project-<project>-<session>.<base>" with the session part lowercased,
// squeezed onto [a-z0-9-], truncated, and stripped of edge hyphens.
func Subdomain(projectID, sessionID, baseDomain string) string {
	s := strings.ToLower(sessionID)
	s = nonAlnumCh.ReplaceAllString(s, "-")
	s = repeatHyphens.ReplaceAllString(s, "-")
	if len(s) > maxSubdomainSession {
		s = s[:maxSubdomainSession]
	}
	s = strings.Trim(s, "-")
	return fmt.Sprintf("project-%s-%s.%s", projectID, s, baseDomain)
}
