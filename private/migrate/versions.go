// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package migrate applies versioned schema changes to a postgres database.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/muse/private/dbutil/txutil"
)

var (
	// Error is the error class for migrations.
	Error = errs.Class("migrate")
	// ErrValidateVersionMismatch is returned when the database is older than the migration.
	ErrValidateVersionMismatch = errs.Class("validate db version mismatch error")
)

// Migration describes migration steps recorded in Table.
//
// Steps are not undone: a failed step rolls back its own transaction and
// leaves earlier steps applied.
type Migration struct {
	Table string
	Steps []*Step
}

// Step describes a single step in migration.
type Step struct {
	Description string
	Version     int // Versions should start at 0
	Action      Action
}

// Action is something that needs to be done.
type Action interface {
	Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error
}

// ValidTableName checks whether the version table name is valid.
func (migration *Migration) ValidTableName() error {
	matched, err := regexp.MatchString(`^[a-z_]+$`, migration.Table)
	if !matched || err != nil {
		return Error.New("invalid table name: %v", migration.Table)
	}
	return nil
}

// ValidateSteps checks that the version for each migration step increments in order.
func (migration *Migration) ValidateSteps() error {
	sorted := sort.SliceIsSorted(migration.Steps, func(i, j int) bool {
		return migration.Steps[i].Version <= migration.Steps[j].Version
	})
	if !sorted {
		return Error.New("steps have incorrect order")
	}
	return nil
}

// ValidateVersions checks that db has every step applied.
func (migration *Migration) ValidateVersions(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	version, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	if len(migration.Steps) == 0 {
		return nil
	}

	last := migration.Steps[len(migration.Steps)-1]
	if last.Version > version {
		return ErrValidateVersionMismatch.New("expected %d <= %d", last.Version, version)
	}
	log.Debug("Database version is up to date", zap.Int("version", version))
	return nil
}

// Run applies the steps that db does not have yet.
func (migration *Migration) Run(ctx context.Context, log *zap.Logger, db *sql.DB) error {
	if err := migration.ValidTableName(); err != nil {
		return err
	}
	if err := migration.ValidateSteps(); err != nil {
		return err
	}

	version, err := migration.CurrentVersion(ctx, db)
	if err != nil {
		return err
	}
	initialSetup := version < 0

	for _, step := range migration.Steps {
		if step.Version <= version {
			continue
		}

		stepLog := log.Named(strconv.Itoa(step.Version))
		if !initialSetup {
			stepLog.Info(step.Description)
		}

		err = txutil.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
			if err := step.Action.Run(ctx, stepLog, tx); err != nil {
				return err
			}
			return migration.addVersion(ctx, tx, step.Version)
		})
		if err != nil {
			return Error.New("step %d: %w", step.Version, err)
		}
	}

	if len(migration.Steps) > 0 {
		last := migration.Steps[len(migration.Steps)-1]
		if initialSetup {
			log.Info("Database Created", zap.Int("version", last.Version))
		} else {
			log.Info("Database Version", zap.Int("version", last.Version))
		}
	}
	return nil
}

// CurrentVersion returns the latest applied version, or -1 for a fresh database.
func (migration *Migration) CurrentVersion(ctx context.Context, db *sql.DB) (int, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+migration.Table+` (version int, committed_at timestamptz)`)
	if err != nil {
		return -1, Error.New("creating version table failed: %w", err)
	}

	var version sql.NullInt64
	err = db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+migration.Table).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !version.Valid) {
		return -1, nil
	}
	if err != nil {
		return -1, Error.Wrap(err)
	}
	return int(version.Int64), nil
}

func (migration *Migration) addVersion(ctx context.Context, tx *sql.Tx, version int) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO `+migration.Table+` (version, committed_at) VALUES ($1, $2)`,
		version, time.Now(),
	)
	return err
}

// SQL statements that are executed on the database.
type SQL []string

// Run runs the SQL statements.
func (statements SQL) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) (err error) {
	for _, query := range statements {
		_, err := tx.ExecContext(ctx, query)
		if err != nil {
			return errs.Wrap(err)
		}
	}
	return nil
}

// Func is an arbitrary operation.
type Func func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error

// Run runs the migration.
func (fn Func) Run(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
	return fn(ctx, log, tx)
}
