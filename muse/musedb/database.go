// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package musedb implements the muse database on postgres.
package musedb

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/lib/pq" // registers the postgres driver
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/muse/muse/uploads"
	"storj.io/muse/private/dbutil/pgutil"
)

var (
	mon = monkit.Package()

	// Error is the default musedb errs class.
	Error = errs.Class("musedb")
)

// Options includes options for how the database runs.
type Options struct {
	// ApplicationName is reported to postgres for every connection.
	ApplicationName string
	// Channel is the notification channel written by the uploads trigger.
	Channel string
}

// DB is the muse postgres database.
type DB struct {
	log  *zap.Logger
	db   *sql.DB
	opts Options
}

// Open opens the postgres database at databaseURL.
func Open(ctx context.Context, log *zap.Logger, databaseURL string, opts Options) (_ *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
		return nil, Error.New("unsupported database url %q", databaseURL)
	}
	if opts.ApplicationName == "" {
		opts.ApplicationName = "muse"
	}
	if opts.Channel == "" {
		opts.Channel = "upload_notification"
	}

	source := pgutil.CheckApplicationName(databaseURL, opts.ApplicationName)
	sqlDB, err := sql.Open("postgres", source)
	if err != nil {
		return nil, Error.New("failed opening database: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, Error.New("failed connecting to database: %w", errs.Combine(err, sqlDB.Close()))
	}
	log.Debug("Connected to database")

	return Wrap(log, sqlDB, opts), nil
}

// Wrap creates a DB on top of an open postgres connection pool.
func Wrap(log *zap.Logger, sqlDB *sql.DB, opts Options) *DB {
	if opts.Channel == "" {
		opts.Channel = "upload_notification"
	}
	return &DB{log: log, db: sqlDB, opts: opts}
}

// MigrateToLatest brings the schema to the latest version and installs the
// notification trigger for the configured channel.
func (db *DB) MigrateToLatest(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := db.migration().Run(ctx, db.log.Named("migrate"), db.db); err != nil {
		return Error.Wrap(err)
	}

	_, err = db.db.ExecContext(ctx, notifyFunction(db.opts.Channel))
	return Error.Wrap(err)
}

// CheckVersion confirms that the schema is migrated to the latest version.
func (db *DB) CheckVersion(ctx context.Context) error {
	return Error.Wrap(db.migration().ValidateVersions(ctx, db.log, db.db))
}

// Ping checks that the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return Error.Wrap(db.db.PingContext(ctx))
}

// Uploads returns the uploads table.
func (db *DB) Uploads() uploads.DB {
	return &uploadsDB{db: db.db}
}

// Close closes the connection pool.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}
