// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package uploads contains the upload record shared between the submission
// service, the postgres store and the notification stream.
package uploads

import (
	"context"
	"encoding/json"
	"time"

	"github.com/zeebo/errs"

	"storj.io/common/uuid"
)

var (
	// ErrNotFound is returned when an upload does not exist.
	ErrNotFound = errs.Class("upload not found")
	// ErrDuplicate is returned when an upload with the same id already exists.
	ErrDuplicate = errs.Class("upload already exists")
	// ErrPayload is the error class for malformed notification payloads.
	ErrPayload = errs.Class("upload payload")
)

// Status is the processing state of an upload.
//
// The set is open: values written by other workers decode without error.
type Status string

const (
	// StatusQueued is set when a submission has been accepted.
	StatusQueued Status = "QUEUED"
	// StatusUploading is set while the payload and file are sent to song and score.
	StatusUploading Status = "UPLOADING"
	// StatusValidating is set once the upload is finalized and the analysis is being published.
	StatusValidating Status = "VALIDATING"
	// StatusPublished is set when the analysis has been published.
	StatusPublished Status = "PUBLISHED"
	// StatusFailed is set when any stage of the submission failed.
	StatusFailed Status = "FAILED"
)

// Terminal returns whether no further transitions are expected.
func (status Status) Terminal() bool {
	return status == StatusPublished || status == StatusFailed
}

// String implements fmt.Stringer.
func (status Status) String() string { return string(status) }

// Upload is a single file submission tracked in the uploads table.
//
// The json field names match the table columns, since the notify trigger
// serializes rows with row_to_json.
type Upload struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	SubmissionID uuid.UUID `json:"submission_id"`
	StudyID      string    `json:"study_id"`
	AnalysisID   string    `json:"analysis_id"`
	ObjectID     string    `json:"object_id"`
	FileName     string    `json:"file_name"`
	Status       Status    `json:"status"`
	Error        string    `json:"error"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// DecodePayload decodes a notification payload into an Upload.
func DecodePayload(payload string) (Upload, error) {
	var upload Upload
	if err := json.Unmarshal([]byte(payload), &upload); err != nil {
		return Upload{}, ErrPayload.Wrap(err)
	}
	if upload.ID.IsZero() || upload.UserID.IsZero() || upload.SubmissionID.IsZero() {
		return Upload{}, ErrPayload.New("missing identifiers in %q", payload)
	}
	return upload, nil
}

// EncodePayload encodes an upload in the notification payload format.
func EncodePayload(upload Upload) (string, error) {
	data, err := json.Marshal(upload)
	if err != nil {
		return "", ErrPayload.Wrap(err)
	}
	return string(data), nil
}

// Update describes a status transition. Empty string fields leave the stored
// value untouched.
type Update struct {
	Status     Status
	AnalysisID string
	ObjectID   string
	Error      string
}

// ListOptions selects a page of uploads belonging to a user.
type ListOptions struct {
	UserID       uuid.UUID
	SubmissionID *uuid.UUID

	Limit  int
	Offset int
}

// Page is a page of uploads ordered by creation time, newest first.
type Page struct {
	Uploads    []Upload `json:"uploads"`
	Limit      int      `json:"limit"`
	Offset     int      `json:"offset"`
	TotalCount int64    `json:"totalCount"`
}

// DB stores uploads.
//
// architecture: Database
type DB interface {
	// Insert stores a new upload and returns it with timestamps filled in.
	Insert(ctx context.Context, upload Upload) (Upload, error)
	// Update applies a status transition.
	Update(ctx context.Context, id uuid.UUID, update Update) error
	// Get returns a single upload.
	Get(ctx context.Context, id uuid.UUID) (Upload, error)
	// List returns a page of uploads for a user.
	List(ctx context.Context, opts ListOptions) (Page, error)
}
