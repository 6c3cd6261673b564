// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package musedb_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"
	"storj.io/muse/muse/musedb"
	"storj.io/muse/muse/uploads"
	"storj.io/muse/muse/uploadstream"
	"storj.io/muse/private/dbutil/pgutil"
	"storj.io/muse/private/dbutil/pgutil/pgtest"
)

func run(t *testing.T, channel string, test func(ctx *testcontext.Context, t *testing.T, db *musedb.DB, connstr string)) {
	connstr := pgtest.PickPostgres(t)
	ctx := testcontext.New(t)
	log := zaptest.NewLogger(t)

	temp, err := pgutil.OpenUnique(ctx, connstr, "musedb")
	require.NoError(t, err)
	defer ctx.Check(temp.Close)

	db := musedb.Wrap(log, temp.DB, musedb.Options{Channel: channel})
	require.NoError(t, db.MigrateToLatest(ctx))
	require.NoError(t, db.MigrateToLatest(ctx))
	require.NoError(t, db.CheckVersion(ctx))
	require.NoError(t, db.Ping(ctx))

	test(ctx, t, db, temp.ConnStr)
}

func newUpload(userID uuid.UUID) uploads.Upload {
	return uploads.Upload{
		ID:           testrand.UUID(),
		UserID:       userID,
		SubmissionID: testrand.UUID(),
		StudyID:      "S1",
		FileName:     "a.fasta",
		Status:       uploads.StatusQueued,
	}
}

func TestUploads(t *testing.T) {
	run(t, "upload_notification", func(ctx *testcontext.Context, t *testing.T, db *musedb.DB, _ string) {
		store := db.Uploads()
		userID := testrand.UUID()

		inserted, err := store.Insert(ctx, newUpload(userID))
		require.NoError(t, err)
		require.False(t, inserted.CreatedAt.IsZero())

		_, err = store.Insert(ctx, inserted)
		require.True(t, uploads.ErrDuplicate.Has(err))

		require.NoError(t, store.Update(ctx, inserted.ID, uploads.Update{Status: uploads.StatusUploading, AnalysisID: "A1"}))
		require.NoError(t, store.Update(ctx, inserted.ID, uploads.Update{Status: uploads.StatusUploading, ObjectID: "O1"}))

		got, err := store.Get(ctx, inserted.ID)
		require.NoError(t, err)
		require.Equal(t, uploads.StatusUploading, got.Status)
		require.Equal(t, "A1", got.AnalysisID)
		require.Equal(t, "O1", got.ObjectID)
		require.Equal(t, inserted.SubmissionID, got.SubmissionID)
		require.False(t, got.UpdatedAt.Before(got.CreatedAt))

		_, err = store.Get(ctx, testrand.UUID())
		require.True(t, uploads.ErrNotFound.Has(err))

		err = store.Update(ctx, testrand.UUID(), uploads.Update{Status: uploads.StatusFailed})
		require.True(t, uploads.ErrNotFound.Has(err))
	})
}

func TestUploads_List(t *testing.T) {
	run(t, "upload_notification", func(ctx *testcontext.Context, t *testing.T, db *musedb.DB, _ string) {
		store := db.Uploads()
		userID := testrand.UUID()

		var ids []uuid.UUID
		for i := 0; i < 5; i++ {
			upload, err := store.Insert(ctx, newUpload(userID))
			require.NoError(t, err)
			ids = append(ids, upload.ID)
		}
		_, err := store.Insert(ctx, newUpload(testrand.UUID()))
		require.NoError(t, err)

		page, err := store.List(ctx, uploads.ListOptions{UserID: userID, Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.EqualValues(t, 5, page.TotalCount)
		require.Len(t, page.Uploads, 2)

		all, err := store.List(ctx, uploads.ListOptions{UserID: userID})
		require.NoError(t, err)
		require.Len(t, all.Uploads, 5)
		var listed []uuid.UUID
		for i, upload := range all.Uploads {
			listed = append(listed, upload.ID)
			if i > 0 {
				require.False(t, upload.CreatedAt.After(all.Uploads[i-1].CreatedAt))
			}
		}
		require.ElementsMatch(t, ids, listed)

		single, err := store.List(ctx, uploads.ListOptions{UserID: userID, SubmissionID: &all.Uploads[0].SubmissionID})
		require.NoError(t, err)
		require.EqualValues(t, 1, single.TotalCount)
		require.Equal(t, all.Uploads[0].ID, single.Uploads[0].ID)
	})
}

func TestUploads_Notify(t *testing.T) {
	channel := "upload_notification_" + testrand.UUID().String()[:8]
	run(t, channel, func(ctx *testcontext.Context, t *testing.T, db *musedb.DB, connstr string) {
		listener, err := uploadstream.Open(ctx, zaptest.NewLogger(t), connstr, channel)
		require.NoError(t, err)

		received := make(chan uploads.Upload, 4)
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			done <- listener.Run(runCtx, func(upload uploads.Upload) { received <- upload })
		}()

		store := db.Uploads()
		upload, err := store.Insert(ctx, newUpload(testrand.UUID()))
		require.NoError(t, err)
		require.NoError(t, store.Update(ctx, upload.ID, uploads.Update{Status: uploads.StatusFailed, Error: "boom"}))

		for _, expected := range []uploads.Status{uploads.StatusQueued, uploads.StatusFailed} {
			select {
			case got := <-received:
				require.Equal(t, upload.ID, got.ID)
				require.Equal(t, upload.UserID, got.UserID)
				require.Equal(t, expected, got.Status)
			case <-time.After(10 * time.Second):
				require.FailNow(t, "notification not received")
			}
		}

		cancel()
		require.NoError(t, <-done)
		require.NoError(t, listener.Close())
	})
}
