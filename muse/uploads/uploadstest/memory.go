// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package uploadstest implements an in-memory uploads database for tests.
package uploadstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"storj.io/common/uuid"
	"storj.io/muse/muse/uploads"
)

// DB is an in-memory uploads.DB. Every write is reported to the channel
// returned by Changes, the way the notify trigger reports rows.
type DB struct {
	mu      sync.Mutex
	now     func() time.Time
	uploads map[uuid.UUID]uploads.Upload
	history map[uuid.UUID][]uploads.Status
	changes chan uploads.Upload
}

var _ uploads.DB = (*DB)(nil)

// NewDB creates an empty in-memory database. Changes buffers up to buffer rows;
// writes beyond that are not reported.
func NewDB(buffer int) *DB {
	return &DB{
		now:     time.Now,
		uploads: map[uuid.UUID]uploads.Upload{},
		history: map[uuid.UUID][]uploads.Status{},
		changes: make(chan uploads.Upload, buffer),
	}
}

// Changes returns the written rows in write order.
func (db *DB) Changes() <-chan uploads.Upload { return db.changes }

// History returns every status written for id.
func (db *DB) History(id uuid.UUID) []uploads.Status {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]uploads.Status(nil), db.history[id]...)
}

// Insert implements uploads.DB.
func (db *DB) Insert(ctx context.Context, upload uploads.Upload) (uploads.Upload, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, ok := db.uploads[upload.ID]; ok {
		return uploads.Upload{}, uploads.ErrDuplicate.New("%s", upload.ID)
	}
	now := db.now().UTC()
	upload.CreatedAt, upload.UpdatedAt = now, now
	db.write(upload)
	return upload, nil
}

// Update implements uploads.DB.
func (db *DB) Update(ctx context.Context, id uuid.UUID, update uploads.Update) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	upload, ok := db.uploads[id]
	if !ok {
		return uploads.ErrNotFound.New("%s", id)
	}
	if update.Status != "" {
		upload.Status = update.Status
	}
	if update.AnalysisID != "" {
		upload.AnalysisID = update.AnalysisID
	}
	if update.ObjectID != "" {
		upload.ObjectID = update.ObjectID
	}
	if update.Error != "" {
		upload.Error = update.Error
	}
	upload.UpdatedAt = db.now().UTC()
	db.write(upload)
	return nil
}

// Get implements uploads.DB.
func (db *DB) Get(ctx context.Context, id uuid.UUID) (uploads.Upload, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	upload, ok := db.uploads[id]
	if !ok {
		return uploads.Upload{}, uploads.ErrNotFound.New("%s", id)
	}
	return upload, nil
}

// List implements uploads.DB.
func (db *DB) List(ctx context.Context, opts uploads.ListOptions) (uploads.Page, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var matching []uploads.Upload
	for _, upload := range db.uploads {
		if upload.UserID != opts.UserID {
			continue
		}
		if opts.SubmissionID != nil && upload.SubmissionID != *opts.SubmissionID {
			continue
		}
		matching = append(matching, upload)
	}
	sort.Slice(matching, func(i, k int) bool {
		if matching[i].CreatedAt.Equal(matching[k].CreatedAt) {
			return matching[i].ID.Less(matching[k].ID)
		}
		return matching[i].CreatedAt.After(matching[k].CreatedAt)
	})

	page := uploads.Page{
		Uploads:    []uploads.Upload{},
		Limit:      opts.Limit,
		Offset:     opts.Offset,
		TotalCount: int64(len(matching)),
	}
	if opts.Offset < len(matching) {
		matching = matching[opts.Offset:]
		if opts.Limit > 0 && opts.Limit < len(matching) {
			matching = matching[:opts.Limit]
		}
		page.Uploads = matching
	}
	return page, nil
}

func (db *DB) write(upload uploads.Upload) {
	db.uploads[upload.ID] = upload
	db.history[upload.ID] = append(db.history[upload.ID], upload.Status)
	select {
	case db.changes <- upload:
	default:
	}
}
