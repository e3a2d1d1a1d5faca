package sessiondb

import (
	"context"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/internal/fault"
)

// fakeConn records Execs and satisfies the narrow Conn interface.
type fakeConn struct {
	execs  []string
	execFn func(sql string) error
	closed bool
}

func (f *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)
	if f.execFn != nil {
		return pgconn.CommandTag{}, f.execFn(sql)
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeConn) Query(context.Context, string, ...any) (Rows, error) {
	return nil, &pgconn.PgError{Code: "0A000", Message: "not scripted"}
}

func (f *fakeConn) QueryRow(context.Context, string, ...any) Row {
	return scanErrRow{}
}

func (f *fakeConn) Close(context.Context) error {
	f.closed = true
	return nil
}

type scanErrRow struct{}

func (scanErrRow) Scan(...any) error {
	return &pgconn.PgError{Code: "0A000", Message: "not scripted"}
}

func testConfig() config.PostgresConfig {
	return config.PostgresConfig{Host: "db", Port: 5432, DB: "postgres", User: "admin", Password: "pw"}
}

func TestAcquireCreatesMissingDatabase(t *testing.T) {
	var attempts []string
	admin := &fakeConn{}
	session := &fakeConn{}

	p := New(testConfig())
	p.connect = func(_ context.Context, dsn string) (Conn, error) {
		attempts = append(attempts, dsn)
		switch {
		case strings.HasSuffix(dsn, "/postgres"):
			return admin, nil
		case len(attempts) == 1:
			// First session connect: database missing.
			return nil, &pgconn.PgError{Code: codeDatabaseMissing, Message: "database does not exist"}
		default:
			return session, nil
		}
	}

	conn, dbName, err := p.acquire(context.Background(), "7", "kosuke-chat-abc123")
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(context.Background())

	if dbName != "kosuke_preview_7_kosukechatabc123" {
		t.Errorf("dbName = %q", dbName)
	}
	if len(admin.execs) != 1 || admin.execs[0] != `CREATE DATABASE "kosuke_preview_7_kosukechatabc123"` {
		t.Errorf("admin execs = %v", admin.execs)
	}
	if !admin.closed {
		t.Error("admin connection left open")
	}
	if len(attempts) != 3 {
		t.Errorf("connect attempts = %d, want session, admin, session", len(attempts))
	}
}

func TestAcquireSwallowsDuplicateRace(t *testing.T) {
	first := true
	p := New(testConfig())
	p.connect = func(_ context.Context, dsn string) (Conn, error) {
		if strings.HasSuffix(dsn, "/postgres") {
			return &fakeConn{execFn: func(string) error {
				// Lost the create race to a parallel start.
				return &pgconn.PgError{Code: codeDuplicateDatabase, Message: "already exists"}
			}}, nil
		}
		if first {
			first = false
			return nil, &pgconn.PgError{Code: codeDatabaseMissing}
		}
		return &fakeConn{}, nil
	}

	if _, _, err := p.acquire(context.Background(), "7", "s1"); err != nil {
		t.Errorf("duplicate-database race should be swallowed, got %v", err)
	}
}

func TestAcquireSkipsCreateWhenPresent(t *testing.T) {
	var adminDialed bool
	p := New(testConfig())
	p.connect = func(_ context.Context, dsn string) (Conn, error) {
		if strings.HasSuffix(dsn, "/postgres") {
			adminDialed = true
		}
		return &fakeConn{}, nil
	}

	if _, _, err := p.acquire(context.Background(), "7", "s1"); err != nil {
		t.Fatal(err)
	}
	if adminDialed {
		t.Error("admin dialed although the session database exists")
	}
}

func TestAcquireSurfacesOtherConnectErrors(t *testing.T) {
	p := New(testConfig())
	p.connect = func(context.Context, string) (Conn, error) {
		return nil, &pgconn.PgError{Code: "28P01", Message: "password authentication failed"}
	}

	_, _, err := p.acquire(context.Background(), "7", "s1")
	if err == nil {
		t.Fatal("auth failure should surface")
	}
	if fault.KindOf(err) != fault.KindInternal {
		t.Errorf("kind = %v", fault.KindOf(err))
	}
}

func TestExecuteQueryGuardRunsBeforeConnect(t *testing.T) {
	var dialed bool
	p := New(testConfig())
	p.connect = func(context.Context, string) (Conn, error) {
		dialed = true
		return &fakeConn{}, nil
	}

	_, err := p.ExecuteQuery(context.Background(), "7", "s1", " update users set admin = true")
	if !fault.IsKind(err, fault.KindInvalidQuery) {
		t.Errorf("kind = %v, want invalid_query", fault.KindOf(err))
	}
	if dialed {
		t.Error("guard must reject before opening a connection")
	}
}

func TestGetTableDataRejectsBadName(t *testing.T) {
	var dialed bool
	p := New(testConfig())
	p.connect = func(context.Context, string) (Conn, error) {
		dialed = true
		return &fakeConn{}, nil
	}

	_, err := p.GetTableData(context.Background(), "7", "s1", `users"; DROP TABLE x; --`, 10, 0)
	if !fault.IsKind(err, fault.KindBadRequest) {
		t.Errorf("kind = %v, want bad_request", fault.KindOf(err))
	}
	if dialed {
		t.Error("invalid identifier must be rejected before opening a connection")
	}
}

func TestDatabaseURL(t *testing.T) {
	p := New(testConfig())
	url, err := p.DatabaseURL("7", "kosuke-chat-abc123")
	if err != nil {
		t.Fatal(err)
	}
	if url != "postgres://admin:pw@db:5432/kosuke_preview_7_kosukechatabc123" {
		t.Errorf("url = %q", url)
	}
}
