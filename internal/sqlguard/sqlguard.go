// Package sqlguard validates user-supplied SQL before it reaches a session
// database. The session query surface is read-only: only single SELECT
// statements pass, checked before any connection is opened.
package sqlguard

import (
	"regexp"
	"strings"

	"github.com/kosuke-ai/kosuke/internal/fault"
)

var firstTokenRe = regexp.MustCompile(`^\s*([A-Za-z]+)`)

// ValidateQuery rejects anything that is not a single SELECT statement.
// The first non-whitespace token decides; a conservative multi-statement
// check catches piggybacked writes after a legitimate SELECT.
func ValidateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fault.New(fault.KindInvalidQuery, "empty query")
	}

	m := firstTokenRe.FindStringSubmatch(trimmed)
	if m == nil || strings.ToUpper(m[1]) != "SELECT" {
		return fault.New(fault.KindInvalidQuery, "only SELECT queries are allowed")
	}

	// One trailing semicolon is tolerated; anything after it is another
	// statement. This rejects semicolons inside string literals too, which
	// is the safe direction for a guard.
	if rest := strings.TrimSuffix(trimmed, ";"); strings.Contains(rest, ";") {
		return fault.New(fault.KindInvalidQuery, "multiple statements are not allowed")
	}
	return nil
}
