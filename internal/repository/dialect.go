package repository

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Dialect captures the SQL differences between the supported backends
type Dialect struct {
	Name       string
	Driver     string
	postgres   bool
	primaryKey string
}

var (
	// SQLite is the embedded backend used on client devices
	SQLite = Dialect{
		Name:       "sqlite",
		Driver:     "sqlite3",
		primaryKey: "INTEGER PRIMARY KEY AUTOINCREMENT",
	}

	// Postgres backs the item store when DATABASE_URL is configured
	Postgres = Dialect{
		Name:       "postgresql",
		Driver:     "postgres",
		postgres:   true,
		primaryKey: "BIGSERIAL PRIMARY KEY",
	}
)

// Rebind rewrites ? placeholders into the dialect's form
func (d Dialect) Rebind(query string) string {
	if !d.postgres {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// PrimaryKey returns the column definition of an auto-assigned int64 key
func (d Dialect) PrimaryKey() string {
	return d.primaryKey
}

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// InsertReturningID runs an INSERT and returns the assigned id
func (d Dialect) InsertReturningID(ctx context.Context, q execer, query string, args ...interface{}) (int64, error) {
	if d.postgres {
		var id int64
		err := q.QueryRowContext(ctx, d.Rebind(query)+" RETURNING id", args...).Scan(&id)
		return id, err
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ColumnExists checks whether table already has column
func (d Dialect) ColumnExists(ctx context.Context, q execer, table, column string) (bool, error) {
	if d.postgres {
		var n int
		err := q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM information_schema.columns WHERE table_name = $1 AND column_name = $2`,
			table, column,
		).Scan(&n)
		return n > 0, err
	}

	rows, err := q.QueryContext(ctx, "PRAGMA table_info("+table+")")
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// TableExists checks whether table exists
func (d Dialect) TableExists(ctx context.Context, q execer, table string) (bool, error) {
	var n int
	var err error
	if d.postgres {
		err = q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = $1`, table,
		).Scan(&n)
	} else {
		err = q.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&n)
	}
	return n > 0, err
}
