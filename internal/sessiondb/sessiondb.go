// Package sessiondb provisions and inspects per-session Postgres databases.
// A session's database is created on first access and never dropped by the
// control plane. Connections are per-operation: acquired, used, and closed
// inside each call so a stuck preview cannot pin the admin cluster.
package sessiondb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/kosuke-ai/kosuke/internal/config"
	"github.com/kosuke-ai/kosuke/internal/fault"
	"github.com/kosuke-ai/kosuke/internal/naming"
	"github.com/kosuke-ai/kosuke/internal/sqlguard"
)

// Postgres SQLSTATE codes the provisioner reacts to.
const (
	codeDatabaseMissing   = "3D000" // invalid_catalog_name
	codeDuplicateDatabase = "42P04" // duplicate_database
)

// queryTimeout bounds user-issued SELECTs.
const queryTimeout = 30 * time.Second

// Rows is the subset of pgx row iteration the provisioner consumes.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
	FieldDescriptions() []pgconn.FieldDescription
	Values() ([]any, error)
}

// Row mirrors pgx.Row.
type Row interface {
	Scan(dest ...any) error
}

// Conn is the subset of a pgx connection the provisioner consumes.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) Row
	Close(ctx context.Context) error
}

// connector opens a connection to a DSN.
type connector func(ctx context.Context, dsn string) (Conn, error)

// pgxConn adapts *pgx.Conn to the narrow Conn interface.
type pgxConn struct{ conn *pgx.Conn }

func (c pgxConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

func (c pgxConn) Query(ctx context.Context, sql string, args ...any) (Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

func (c pgxConn) QueryRow(ctx context.Context, sql string, args ...any) Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

func (c pgxConn) Close(ctx context.Context) error { return c.conn.Close(ctx) }

func pgxConnect(ctx context.Context, dsn string) (Conn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return pgxConn{conn: conn}, nil
}

// Provisioner ensures per-session databases exist and answers introspection
// and read-only query requests against them.
type Provisioner struct {
	pg      config.PostgresConfig
	connect connector
}

// New builds a provisioner against the admin cluster.
func New(pg config.PostgresConfig) *Provisioner {
	return &Provisioner{pg: pg, connect: pgxConnect}
}

// DatabaseURL is the connection string injected into preview containers.
func (p *Provisioner) DatabaseURL(projectID, sessionID string) (string, error) {
	dbName, err := p.dbName(projectID, sessionID)
	if err != nil {
		return "", err
	}
	return p.pg.SessionDSN(dbName), nil
}

func (p *Provisioner) dbName(projectID, sessionID string) (string, error) {
	dbName, err := naming.DBName(projectID, sessionID)
	if err != nil {
		return "", fault.Wrap(err, fault.KindBadRequest, "deriving session database name")
	}
	return dbName, nil
}

// acquire opens a connection to the session database, creating the database
// on first access. Callers must Close the returned Conn.
func (p *Provisioner) acquire(ctx context.Context, projectID, sessionID string) (Conn, string, error) {
	dbName, err := p.dbName(projectID, sessionID)
	if err != nil {
		return nil, "", err
	}

	conn, err := p.connect(ctx, p.pg.SessionDSN(dbName))
	if err == nil {
		return conn, dbName, nil
	}
	if !hasSQLState(err, codeDatabaseMissing) {
		return nil, "", fault.Wrap(err, fault.KindInternal, "connecting to session database %s", dbName)
	}

	if err := p.createDatabase(ctx, dbName); err != nil {
		return nil, "", err
	}

	conn, err = p.connect(ctx, p.pg.SessionDSN(dbName))
	if err != nil {
		return nil, "", fault.Wrap(err, fault.KindInternal, "connecting to session database %s after create", dbName)
	}
	return conn, dbName, nil
}

func (p *Provisioner) createDatabase(ctx context.Context, dbName string) error {
	admin, err := p.connect(ctx, p.pg.AdminDSN())
	if err != nil {
		return fault.Wrap(err, fault.KindInternal, "connecting to admin database")
	}
	defer admin.Close(ctx)

	// dbName already passed the identifier regex; quoting guards the rest.
	_, err = admin.Exec(ctx, fmt.Sprintf(`CREATE DATABASE %q`, dbName))
	if err != nil && !hasSQLState(err, codeDuplicateDatabase) {
		return fault.Wrap(err, fault.KindInternal, "creating session database %s", dbName)
	}
	if err == nil {
		log.Info().Str("database", dbName).Msg("Created session database")
	}
	return nil
}

func hasSQLState(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}

// ── Introspection ────────────────────────────────────────────

// DatabaseInfo summarizes a session database.
type DatabaseInfo struct {
	Connected   bool   `json:"connected"`
	Path        string `json:"path"`
	TablesCount int    `json:"tables_count"`
	SizePretty  string `json:"size_pretty"`
}

// ColumnSchema describes one column of a public table.
type ColumnSchema struct {
	Name         string  `json:"name"`
	Type         string  `json:"type"`
	Nullable     bool    `json:"nullable"`
	Default      *string `json:"default,omitempty"`
	IsPrimaryKey bool    `json:"is_primary_key"`
	// ForeignKey is "<table>.<column>" when the column references another
	// table.
	ForeignKey string `json:"foreign_key,omitempty"`
}

// TableSchema describes one public table.
type TableSchema struct {
	Name     string         `json:"name"`
	Columns  []ColumnSchema `json:"columns"`
	RowCount int64          `json:"row_count"`
}

// Schema is the full public-schema description of a session database.
type Schema struct {
	Tables []TableSchema `json:"tables"`
}

// TableData is a page of rows from one table.
type TableData struct {
	TotalRows    int64            `json:"total_rows"`
	ReturnedRows int              `json:"returned_rows"`
	Limit        int              `json:"limit"`
	Offset       int              `json:"offset"`
	Data         []map[string]any `json:"data"`
}

// QueryResult is the outcome of a user SELECT.
type QueryResult struct {
	Columns  []string         `json:"columns"`
	RowCount int              `json:"row_count"`
	Data     []map[string]any `json:"data"`
}

// GetDatabaseInfo reports connection state, table count and on-disk size.
func (p *Provisioner) GetDatabaseInfo(ctx context.Context, projectID, sessionID string) (*DatabaseInfo, error) {
	conn, dbName, err := p.acquire(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	info := &DatabaseInfo{Connected: true, Path: dbName}
	err = conn.QueryRow(ctx,
		`SELECT count(*) FROM information_schema.tables WHERE table_schema = 'public'`,
	).Scan(&info.TablesCount)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "counting tables in %s", dbName)
	}
	err = conn.QueryRow(ctx,
		`SELECT pg_size_pretty(pg_database_size(current_database()))`,
	).Scan(&info.SizePretty)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "sizing database %s", dbName)
	}
	return info, nil
}

// GetSchema enumerates public tables with columns, key membership, foreign
// key targets, and row counts.
func (p *Provisioner) GetSchema(ctx context.Context, projectID, sessionID string) (*Schema, error) {
	conn, dbName, err := p.acquire(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	columns, order, err := p.loadColumns(ctx, conn)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "loading schema of %s", dbName)
	}
	if err := p.markPrimaryKeys(ctx, conn, columns); err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "loading primary keys of %s", dbName)
	}
	if err := p.markForeignKeys(ctx, conn, columns); err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "loading foreign keys of %s", dbName)
	}

	schema := &Schema{Tables: make([]TableSchema, 0, len(order))}
	for _, table := range order {
		ts := TableSchema{Name: table, Columns: columns[table]}
		// Validated table names only; quoting closes the rest.
		err := conn.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %q`, table)).Scan(&ts.RowCount)
		if err != nil {
			return nil, fault.Wrap(err, fault.KindInternal, "counting rows of %s.%s", dbName, table)
		}
		schema.Tables = append(schema.Tables, ts)
	}
	return schema, nil
}

func (p *Provisioner) loadColumns(ctx context.Context, conn Conn) (map[string][]ColumnSchema, []string, error) {
	rows, err := conn.Query(ctx, `
		SELECT table_name, column_name, data_type, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = 'public'
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns := make(map[string][]ColumnSchema)
	var order []string
	for rows.Next() {
		var table, name, dataType, nullable string
		var def *string
		if err := rows.Scan(&table, &name, &dataType, &nullable, &def); err != nil {
			return nil, nil, err
		}
		if _, seen := columns[table]; !seen {
			order = append(order, table)
		}
		columns[table] = append(columns[table], ColumnSchema{
			Name:     name,
			Type:     dataType,
			Nullable: nullable == "YES",
			Default:  def,
		})
	}
	return columns, order, rows.Err()
}

func (p *Provisioner) markPrimaryKeys(ctx context.Context, conn Conn, columns map[string][]ColumnSchema) error {
	rows, err := conn.Query(ctx, `
		SELECT tc.table_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = 'public'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return err
		}
		for i := range columns[table] {
			if columns[table][i].Name == column {
				columns[table][i].IsPrimaryKey = true
			}
		}
	}
	return rows.Err()
}

func (p *Provisioner) markForeignKeys(ctx context.Context, conn Conn, columns map[string][]ColumnSchema) error {
	rows, err := conn.Query(ctx, `
		SELECT tc.table_name, kcu.column_name, ccu.table_name, ccu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name
		 AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage ccu
		  ON tc.constraint_name = ccu.constraint_name
		 AND tc.table_schema = ccu.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = 'public'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var table, column, refTable, refColumn string
		if err := rows.Scan(&table, &column, &refTable, &refColumn); err != nil {
			return err
		}
		for i := range columns[table] {
			if columns[table][i].Name == column {
				columns[table][i].ForeignKey = refTable + "." + refColumn
			}
		}
	}
	return rows.Err()
}

// GetTableData pages through one table's rows.
func (p *Provisioner) GetTableData(ctx context.Context, projectID, sessionID, table string, limit, offset int) (*TableData, error) {
	if !naming.ValidTableName(table) {
		return nil, fault.New(fault.KindBadRequest, "invalid table name %q", table)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	conn, dbName, err := p.acquire(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	var exists bool
	err = conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = $1
		)`, table).Scan(&exists)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "checking table %s.%s", dbName, table)
	}
	if !exists {
		return nil, fault.New(fault.KindNotFound, "table %q not found", table)
	}

	data := &TableData{Limit: limit, Offset: offset}
	err = conn.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %q`, table)).Scan(&data.TotalRows)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "counting rows of %s.%s", dbName, table)
	}

	rows, err := conn.Query(ctx,
		fmt.Sprintf(`SELECT * FROM %q LIMIT $1 OFFSET $2`, table), limit, offset)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "reading rows of %s.%s", dbName, table)
	}
	defer rows.Close()

	data.Data, err = collectRows(rows)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInternal, "scanning rows of %s.%s", dbName, table)
	}
	data.ReturnedRows = len(data.Data)
	return data, nil
}

// ExecuteQuery runs a guarded SELECT against the session database. The
// guard runs before any connection is opened.
func (p *Provisioner) ExecuteQuery(ctx context.Context, projectID, sessionID, query string) (*QueryResult, error) {
	if err := sqlguard.ValidateQuery(query); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	conn, dbName, err := p.acquire(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInvalidQuery, "executing query against %s", dbName)
	}
	defer rows.Close()

	result := &QueryResult{Columns: columnNames(rows)}
	result.Data, err = collectRows(rows)
	if err != nil {
		return nil, fault.Wrap(err, fault.KindInvalidQuery, "reading query results from %s", dbName)
	}
	result.RowCount = len(result.Data)
	if len(result.Columns) == 0 && len(result.Data) > 0 {
		for col := range result.Data[0] {
			result.Columns = append(result.Columns, col)
		}
	}
	return result, nil
}

func columnNames(rows Rows) []string {
	fields := rows.FieldDescriptions()
	cols := make([]string, 0, len(fields))
	for _, f := range fields {
		cols = append(cols, f.Name)
	}
	return cols
}

// collectRows materializes rows as name→value maps, JSON-friendly.
func collectRows(rows Rows) ([]map[string]any, error) {
	cols := columnNames(rows)
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(values))
		for i, v := range values {
			name := fmt.Sprintf("column_%d", i)
			if i < len(cols) {
				name = cols[i]
			}
			switch tv := v.(type) {
			case [16]byte: // uuid
				row[name] = fmt.Sprintf("%x-%x-%x-%x-%x", tv[0:4], tv[4:6], tv[6:8], tv[8:10], tv[10:16])
			case time.Time:
				row[name] = tv.UTC().Format(time.RFC3339)
			default:
				row[name] = v
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
