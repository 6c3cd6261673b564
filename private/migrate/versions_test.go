// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/muse/private/dbutil/pgutil"
	"storj.io/muse/private/dbutil/pgutil/pgtest"
	"storj.io/muse/private/migrate"
)

func TestValidation(t *testing.T) {
	m := migrate.Migration{Table: "Bad-Name"}
	require.Error(t, m.ValidTableName())

	m = migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{{Version: 1}, {Version: 0}},
	}
	require.NoError(t, m.ValidTableName())
	require.Error(t, m.ValidateSteps())
}

func TestBasicMigration(t *testing.T) {
	connstr := pgtest.PickPostgres(t)
	ctx := testcontext.New(t)
	log := zaptest.NewLogger(t)

	db, err := pgutil.OpenUnique(ctx, connstr, "migrate")
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	var ran []int
	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				Description: "create users",
				Version:     0,
				Action:      migrate.SQL{`CREATE TABLE users (id int)`},
			},
			{
				Description: "fill users",
				Version:     1,
				Action: migrate.Func(func(ctx context.Context, log *zap.Logger, tx *sql.Tx) error {
					ran = append(ran, 1)
					_, err := tx.ExecContext(ctx, `INSERT INTO users (id) VALUES (1)`)
					return err
				}),
			},
		},
	}

	require.Error(t, m.ValidateVersions(ctx, log, db.DB))
	require.NoError(t, m.Run(ctx, log, db.DB))
	require.NoError(t, m.Run(ctx, log, db.DB))
	require.Equal(t, []int{1}, ran)
	require.NoError(t, m.ValidateVersions(ctx, log, db.DB))

	version, err := m.CurrentVersion(ctx, db.DB)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	m.Steps = append(m.Steps, &migrate.Step{
		Description: "broken",
		Version:     2,
		Action:      migrate.SQL{`CREATE TABLE users (id int)`},
	})
	require.Error(t, m.Run(ctx, log, db.DB))

	version, err = m.CurrentVersion(ctx, db.DB)
	require.NoError(t, err)
	require.Equal(t, 1, version)
}
