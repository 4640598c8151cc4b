// Package db implements the opening and graceful closing of database connections.
package db

import (
	"errors"

	"github.com/tarancss/portfolio/lib/store"
	"github.com/tarancss/portfolio/lib/store/mongo"
	"github.com/tarancss/portfolio/lib/store/postgres"
)

// Database types.
const (
	MONGODB  string = "mongodb"
	POSTGRES string = "postgresql"
)

// ErrUnknownDB is returned for database types not implemented.
var ErrUnknownDB = errors.New("unknown database type")

// New returns a new database connection according to the options (database type).
func New(options, connection string) (store.DB, error) {
	switch options {
	case MONGODB:
		return mongo.New(connection)
	case POSTGRES:
		return postgres.New(connection)
	}

	return nil, ErrUnknownDB
}

// Close gracefully closes the database connection.
func Close(options string, dh store.DB) error {
	switch options {
	case MONGODB:
		return dh.(*mongo.Mongo).CloseMongo()
	case POSTGRES:
		return dh.(*postgres.Postgres).ClosePostgres()
	}

	return ErrUnknownDB
}
