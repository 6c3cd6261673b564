// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package musedb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
	"storj.io/muse/muse/uploads"
	"storj.io/muse/private/dbutil/pgutil"
	"storj.io/muse/private/dbutil/txutil"
)

// ensures that uploadsDB implements uploads.DB.
var _ uploads.DB = (*uploadsDB)(nil)

const uploadColumns = `id, user_id, submission_id, study_id, analysis_id, object_id, file_name, status, error, created_at, updated_at`

// uploadsDB implements uploads.DB on the uploads table.
type uploadsDB struct {
	db *sql.DB
}

// Insert implements uploads.DB.
func (db *uploadsDB) Insert(ctx context.Context, upload uploads.Upload) (_ uploads.Upload, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.db.QueryRowContext(ctx, `
		INSERT INTO uploads (id, user_id, submission_id, study_id, analysis_id, object_id, file_name, status, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		upload.ID.String(), upload.UserID.String(), upload.SubmissionID.String(),
		upload.StudyID, upload.AnalysisID, upload.ObjectID, upload.FileName,
		string(upload.Status), upload.Error,
	).Scan(&upload.CreatedAt, &upload.UpdatedAt)
	if err != nil {
		if pgutil.IsConstraintError(err) {
			return uploads.Upload{}, uploads.ErrDuplicate.New("%s", upload.ID)
		}
		return uploads.Upload{}, Error.Wrap(err)
	}
	return upload, nil
}

// Update implements uploads.DB.
func (db *uploadsDB) Update(ctx context.Context, id uuid.UUID, update uploads.Update) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE uploads SET
			status      = COALESCE(NULLIF($2, ''), status),
			analysis_id = COALESCE(NULLIF($3, ''), analysis_id),
			object_id   = COALESCE(NULLIF($4, ''), object_id),
			error       = COALESCE(NULLIF($5, ''), error),
			updated_at  = now()
		WHERE id = $1`,
		id.String(), string(update.Status), update.AnalysisID, update.ObjectID, update.Error,
	)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return uploads.ErrNotFound.New("%s", id)
	}
	return nil
}

// Get implements uploads.DB.
func (db *uploadsDB) Get(ctx context.Context, id uuid.UUID) (_ uploads.Upload, err error) {
	defer mon.Task()(&ctx)(&err)

	upload, err := scanUpload(db.db.QueryRowContext(ctx, `
		SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return uploads.Upload{}, uploads.ErrNotFound.New("%s", id)
	}
	return upload, Error.Wrap(err)
}

// List implements uploads.DB.
func (db *uploadsDB) List(ctx context.Context, opts uploads.ListOptions) (_ uploads.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	var submissionID sql.NullString
	if opts.SubmissionID != nil {
		submissionID = sql.NullString{String: opts.SubmissionID.String(), Valid: true}
	}
	var limit sql.NullInt64
	if opts.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(opts.Limit), Valid: true}
	}

	page := uploads.Page{
		Uploads: []uploads.Upload{},
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}

	err = txutil.WithTx(ctx, db.db, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
		func(ctx context.Context, tx *sql.Tx) (err error) {
			page.Uploads = page.Uploads[:0]

			err = tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM uploads
				WHERE user_id = $1 AND ($2::uuid IS NULL OR submission_id = $2::uuid)`,
				opts.UserID.String(), submissionID,
			).Scan(&page.TotalCount)
			if err != nil {
				return err
			}

			rows, err := tx.QueryContext(ctx, `
				SELECT `+uploadColumns+` FROM uploads
				WHERE user_id = $1 AND ($2::uuid IS NULL OR submission_id = $2::uuid)
				ORDER BY created_at DESC, id
				LIMIT $3 OFFSET $4`,
				opts.UserID.String(), submissionID, limit, opts.Offset,
			)
			if err != nil {
				return err
			}
			defer func() { err = errs.Combine(err, rows.Close()) }()

			for rows.Next() {
				upload, err := scanUpload(rows)
				if err != nil {
					return err
				}
				page.Uploads = append(page.Uploads, upload)
			}
			return rows.Err()
		})
	if err != nil {
		return uploads.Page{}, Error.Wrap(err)
	}
	return page, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUpload(row scanner) (uploads.Upload, error) {
	var upload uploads.Upload
	var id, userID, submissionID, status string
	err := row.Scan(&id, &userID, &submissionID,
		&upload.StudyID, &upload.AnalysisID, &upload.ObjectID, &upload.FileName,
		&status, &upload.Error, &upload.CreatedAt, &upload.UpdatedAt)
	if err != nil {
		return uploads.Upload{}, err
	}
	upload.Status = uploads.Status(status)

	var group errs.Group
	upload.ID, err = uuid.FromString(id)
	group.Add(err)
	upload.UserID, err = uuid.FromString(userID)
	group.Add(err)
	upload.SubmissionID, err = uuid.FromString(submissionID)
	group.Add(err)
	return upload, group.Err()
}
