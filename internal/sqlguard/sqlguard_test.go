package sqlguard

import (
	"testing"

	"github.com/kosuke-ai/kosuke/internal/fault"
)

func TestValidateQueryAllowsSelect(t *testing.T) {
	allowed := []string{
		"SELECT * FROM users",
		"select id, email from users where id = 1",
		"  \n\tSELECT count(*) FROM sessions;",
		"SeLeCt 1",
	}
	for _, q := range allowed {
		if err := ValidateQuery(q); err != nil {
			t.Errorf("ValidateQuery(%q) = %v, want nil", q, err)
		}
	}
}

func TestValidateQueryRejectsNonSelect(t *testing.T) {
	rejected := []string{
		"",
		"   ",
		" update users set admin = true",
		"DELETE FROM users",
		"INSERT INTO users VALUES (1)",
		"DROP TABLE users",
		"TRUNCATE users",
		"WITH x AS (SELECT 1) SELECT * FROM x", // first token is WITH
		"-- comment\nSELECT 1",
		"EXPLAIN SELECT 1",
	}
	for _, q := range rejected {
		err := ValidateQuery(q)
		if err == nil {
			t.Errorf("ValidateQuery(%q) = nil, want invalid_query", q)
			continue
		}
		if !fault.IsKind(err, fault.KindInvalidQuery) {
			t.Errorf("ValidateQuery(%q) kind = %v, want invalid_query", q, fault.KindOf(err))
		}
	}
}

func TestValidateQueryRejectsMultipleStatements(t *testing.T) {
	err := ValidateQuery("SELECT 1; DROP TABLE users")
	if !fault.IsKind(err, fault.KindInvalidQuery) {
		t.Errorf("piggybacked statement passed the guard: %v", err)
	}
}
