package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB opens a PostgreSQL connection and checks it is reachable
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open(Postgres.Driver, connStr)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}
