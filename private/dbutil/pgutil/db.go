// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgutil contains postgres helpers shared by the database packages.
package pgutil

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"github.com/lib/pq"
	"github.com/zeebo/errs"
)

// Error is the error class for this package.
var Error = errs.Class("pgutil")

// CheckApplicationName ensures that the connection string contains an
// application name, adding name when it is missing.
func CheckApplicationName(connstr, name string) string {
	if strings.Contains(connstr, "application_name") {
		return connstr
	}
	if !strings.Contains(connstr, "?") {
		return connstr + "?application_name=" + url.QueryEscape(name)
	}
	return connstr + "&application_name=" + url.QueryEscape(name)
}

// IsConstraintError checks if given error is about constraint violation.
func IsConstraintError(err error) bool {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		return pgErr.Code.Class() == "23"
	}
	return false
}

// TempDatabase is a database living in its own schema, which is dropped on Close.
type TempDatabase struct {
	*sql.DB
	ConnStr string
	Schema  string
}

// Close drops the schema and closes the database.
func (db *TempDatabase) Close() error {
	_, err := db.DB.Exec(`DROP SCHEMA ` + pq.QuoteIdentifier(db.Schema) + ` CASCADE`)
	return Error.Wrap(errs.Combine(err, db.DB.Close()))
}

// OpenUnique opens a postgres database with a unique schema that is dropped
// when the database is closed.
func OpenUnique(ctx context.Context, connstr, schemaPrefix string) (*TempDatabase, error) {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return nil, Error.Wrap(err)
	}
	schema := schemaPrefix + "-" + hex.EncodeToString(suffix[:])
	connStrWithSchema := ConnstrWithSchema(connstr, schema)

	db, err := sql.Open("postgres", connStrWithSchema)
	if err == nil {
		// check that connection actually worked before trying to create the schema
		err = db.PingContext(ctx)
	}
	if err != nil {
		return nil, Error.New("failed to connect to %q: %w", connStrWithSchema, errs.Combine(err, closeIfOpen(db)))
	}

	_, err = db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+pq.QuoteIdentifier(schema))
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	return &TempDatabase{
		DB:      db,
		ConnStr: connStrWithSchema,
		Schema:  schema,
	}, nil
}

// ConnstrWithSchema adds schema to a connection string as the search path.
func ConnstrWithSchema(connstr, schema string) string {
	if strings.Contains(connstr, "?") {
		connstr += "&options="
	} else {
		connstr += "?options="
	}
	return connstr + url.QueryEscape("--search_path="+pq.QuoteIdentifier(schema))
}

func closeIfOpen(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
