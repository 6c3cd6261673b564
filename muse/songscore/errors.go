// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package songscore

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

var (
	// Error is the error class for song and score client errors.
	Error = errs.Class("songscore")

	// ErrTransport is returned when a request could not be sent or its response could not be read.
	ErrTransport = errs.Class("transport")
	// ErrRemoteRejection is returned when song or score respond with a non-2xx status.
	ErrRemoteRejection = errs.Class("remote rejection")
	// ErrDecode is returned when a response body or header is malformed.
	ErrDecode = errs.Class("decode")
	// ErrPrecondition is returned when a response is well formed but unusable,
	// e.g. an upload spec without parts.
	ErrPrecondition = errs.Class("precondition")
)

// Stage names the remote call that failed.
type Stage string

// Stages of the song/score protocol.
const (
	StageSubmit         Stage = "submit"
	StageFetchFile      Stage = "fetch-file"
	StageGetAnalysis    Stage = "get-analysis"
	StageInitUpload     Stage = "init-upload"
	StageUploadPart     Stage = "upload-part"
	StageFinalizePart   Stage = "finalize-part"
	StageFinalizeUpload Stage = "finalize-upload"
	StagePublish        Stage = "publish"
	StageDownloadLink   Stage = "download-link"
	StageDownload       Stage = "download"
)

// String implements fmt.Stringer.
func (stage Stage) String() string { return string(stage) }

// SubmissionError is a failure tagged with the stage it happened in.
type SubmissionError struct {
	Stage Stage
	Err   error
}

// Error implements error.
func (err *SubmissionError) Error() string {
	return fmt.Sprintf("%s failed: %v", err.Stage, err.Err)
}

// Unwrap returns the underlying error.
func (err *SubmissionError) Unwrap() error { return err.Err }

// FailedStage returns the stage of the first SubmissionError in err's chain.
func FailedStage(err error) (Stage, bool) {
	var submissionErr *SubmissionError
	if errors.As(err, &submissionErr) {
		return submissionErr.Stage, true
	}
	return "", false
}

func stageError(stage Stage, err error) error {
	if err == nil {
		return nil
	}
	return &SubmissionError{Stage: stage, Err: err}
}
