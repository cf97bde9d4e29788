// Package store persists users, tenants, conversations, messages, usage
// records and the user tool catalogue over database/sql. It speaks PostgreSQL,
// MySQL and SQLite through the same query set, switching placeholders per
// dialect.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("record not found")

// Store is the SQL persistence layer. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	dialect string
}

// New wraps an open connection pool and bootstraps the schema.
// dialect is the database/sql driver name: "postgres", "mysql" or "sqlite3".
func New(db *sql.DB, dialect string) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite3)", dialect)
	}

	s := &Store{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying pool for context-aware builtins.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the driver name the store was opened with.
func (s *Store) Dialect() string { return s.dialect }

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, ddl := range schemaStatements(s.dialect) {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

// bind rewrites ? placeholders into the $n form PostgreSQL expects. The other
// dialects take the query as written.
func (s *Store) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// marshalNullable encodes v as JSON, mapping nil to SQL NULL.
func marshalNullable(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal %T: %w", v, err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// unmarshalNullable decodes a JSON column into v, leaving v untouched on NULL.
func unmarshalNullable(col sql.NullString, v interface{}) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), v)
}
