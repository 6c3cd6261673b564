// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package submission

import (
	"context"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/muse/muse/songscore"
)

var (
	mon = monkit.Package()

	// Error is the error class for submission errors.
	Error = errs.Class("submission")
)

// Gateway is the subset of song and score calls used by the pipeline.
//
// *songscore.Client implements it.
type Gateway interface {
	SubmitPayload(ctx context.Context, studyID, payload string) (songscore.SubmitResponse, error)
	GetAnalysis(ctx context.Context, studyID, analysisID string) (songscore.Analysis, error)
	FetchAnalysisFile(ctx context.Context, studyID, analysisID string) (songscore.AnalysisFile, bool, error)
	InitUpload(ctx context.Context, file songscore.AnalysisFile, md5 string) (songscore.UploadSpec, error)
	UploadPart(ctx context.Context, spec songscore.UploadSpec, content []byte, md5 string) (string, error)
	FinalizePart(ctx context.Context, spec songscore.UploadSpec, md5, etag string) error
	FinalizeUpload(ctx context.Context, spec songscore.UploadSpec) error
	PublishAnalysis(ctx context.Context, studyID, analysisID string) error
	FetchDownloadLink(ctx context.Context, objectID string) (string, error)
	DownloadPart(ctx context.Context, presignedURL string) ([]byte, error)
}

// Stage is the state of a single submission.
type Stage int

// Stages in the order they are reached. StageFailed is terminal.
const (
	StagePending Stage = iota
	StageSubmitted
	StageFileRegistered
	StageUploadInitialized
	StagePartUploaded
	StageFinalized
	StagePublished
	StageFailed
)

// String implements fmt.Stringer.
func (stage Stage) String() string {
	switch stage {
	case StagePending:
		return "PENDING"
	case StageSubmitted:
		return "SUBMITTED"
	case StageFileRegistered:
		return "FILE_REGISTERED"
	case StageUploadInitialized:
		return "UPLOAD_INITIALIZED"
	case StagePartUploaded:
		return "PART_UPLOADED"
	case StageFinalized:
		return "FINALIZED"
	case StagePublished:
		return "PUBLISHED"
	case StageFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Submission is an analysis payload together with its single file.
type Submission struct {
	StudyID     string
	PayloadJSON string
	Content     []byte
	MD5         string
}

// Progress is the accumulated state of a submission. Every stage reads the
// identifiers produced by the stages before it.
type Progress struct {
	Stage Stage

	StudyID    string
	AnalysisID string
	MD5        string
	File       songscore.AnalysisFile
	Upload     songscore.UploadSpec
	ETag       string

	// FailedStage and Err are set when Stage is StageFailed.
	FailedStage songscore.Stage
	Err         error
}

// Observer is called after every transition, including the transition to StageFailed.
type Observer func(ctx context.Context, progress Progress)

// Pipeline drives submissions through song and score.
//
// Stages of one submission run strictly in sequence, independent submissions
// run concurrently. Stages following the payload submission are serialized per
// analysis id. Failures are not compensated: an analysis that was submitted
// stays unpublished.
type Pipeline struct {
	log          *zap.Logger
	gateway      Gateway
	stageTimeout time.Duration
	analyses     *keyedLocks
}

// NewPipeline creates a new pipeline. A positive stageTimeout bounds every stage.
func NewPipeline(log *zap.Logger, gateway Gateway, stageTimeout time.Duration) *Pipeline {
	return &Pipeline{
		log:          log,
		gateway:      gateway,
		stageTimeout: stageTimeout,
		analyses:     newKeyedLocks(),
	}
}

type step struct {
	reaches Stage
	run     func(ctx context.Context, progress *Progress) error
}

// Run submits the payload and takes the file through upload, finalization and publication.
func (pipeline *Pipeline) Run(ctx context.Context, submission Submission, observe Observer) (_ Progress, err error) {
	defer mon.Task()(&ctx)(&err)

	progress := Progress{
		Stage:   StagePending,
		StudyID: submission.StudyID,
		MD5:     submission.MD5,
	}

	err = pipeline.advance(ctx, &progress, observe, []step{{
		reaches: StageSubmitted,
		run: func(ctx context.Context, progress *Progress) error {
			response, err := pipeline.gateway.SubmitPayload(ctx, progress.StudyID, submission.PayloadJSON)
			if err != nil {
				return err
			}
			progress.AnalysisID = response.AnalysisID
			return nil
		},
	}})
	if err != nil {
		return progress, err
	}

	unlock, err := pipeline.analyses.lock(ctx, progress.AnalysisID)
	if err != nil {
		return progress, pipeline.fail(ctx, &progress, observe, songscore.StageFetchFile, err)
	}
	defer unlock()

	err = pipeline.advance(ctx, &progress, observe, pipeline.uploadSteps(submission.Content))
	return progress, err
}

// RunAnalysis takes the file of an already submitted analysis through upload,
// finalization and publication.
func (pipeline *Pipeline) RunAnalysis(ctx context.Context, studyID, analysisID string, content []byte, md5 string, observe Observer) (_ Progress, err error) {
	defer mon.Task()(&ctx)(&err)

	progress := Progress{
		Stage:      StageSubmitted,
		StudyID:    studyID,
		AnalysisID: analysisID,
		MD5:        md5,
	}

	unlock, err := pipeline.analyses.lock(ctx, analysisID)
	if err != nil {
		return progress, pipeline.fail(ctx, &progress, observe, songscore.StageGetAnalysis, err)
	}
	defer unlock()

	var analysis songscore.Analysis
	err = pipeline.call(ctx, func(ctx context.Context) (err error) {
		analysis, err = pipeline.gateway.GetAnalysis(ctx, studyID, analysisID)
		return err
	})
	if err == nil && analysis.IsPublished() {
		err = &songscore.SubmissionError{
			Stage: songscore.StageGetAnalysis,
			Err:   songscore.ErrPrecondition.New("analysis %q is already published", analysisID),
		}
	}
	if err != nil {
		return progress, pipeline.fail(ctx, &progress, observe, songscore.StageGetAnalysis, err)
	}

	err = pipeline.advance(ctx, &progress, observe, pipeline.uploadSteps(content))
	return progress, err
}

// Download returns the content of a stored object.
func (pipeline *Pipeline) Download(ctx context.Context, objectID string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	var link string
	err = pipeline.call(ctx, func(ctx context.Context) (err error) {
		link, err = pipeline.gateway.FetchDownloadLink(ctx, objectID)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var content []byte
	err = pipeline.call(ctx, func(ctx context.Context) (err error) {
		content, err = pipeline.gateway.DownloadPart(ctx, link)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return content, nil
}

// uploadSteps are the stages following the payload submission.
func (pipeline *Pipeline) uploadSteps(content []byte) []step {
	return []step{
		{
			reaches: StageFileRegistered,
			run: func(ctx context.Context, progress *Progress) error {
				file, ok, err := pipeline.gateway.FetchAnalysisFile(ctx, progress.StudyID, progress.AnalysisID)
				if err != nil {
					return err
				}
				if !ok {
					return &songscore.SubmissionError{
						Stage: songscore.StageFetchFile,
						Err:   songscore.ErrPrecondition.New("no file registered for analysis %q", progress.AnalysisID),
					}
				}
				progress.File = file
				return nil
			},
		},
		{
			reaches: StageUploadInitialized,
			run: func(ctx context.Context, progress *Progress) (err error) {
				progress.Upload, err = pipeline.gateway.InitUpload(ctx, progress.File, progress.MD5)
				return err
			},
		},
		{
			reaches: StagePartUploaded,
			run: func(ctx context.Context, progress *Progress) (err error) {
				progress.ETag, err = pipeline.gateway.UploadPart(ctx, progress.Upload, content, progress.MD5)
				return err
			},
		},
		{
			reaches: StageFinalized,
			run: func(ctx context.Context, progress *Progress) error {
				// score finalizes every part before the upload itself, even with a single part
				if err := pipeline.gateway.FinalizePart(ctx, progress.Upload, progress.MD5, progress.ETag); err != nil {
					return err
				}
				return pipeline.gateway.FinalizeUpload(ctx, progress.Upload)
			},
		},
		{
			reaches: StagePublished,
			run: func(ctx context.Context, progress *Progress) error {
				return pipeline.gateway.PublishAnalysis(ctx, progress.StudyID, progress.AnalysisID)
			},
		},
	}
}

// advance runs steps in order and stops at the first failure.
func (pipeline *Pipeline) advance(ctx context.Context, progress *Progress, observe Observer, steps []step) error {
	for _, step := range steps {
		err := pipeline.call(ctx, func(ctx context.Context) error {
			return step.run(ctx, progress)
		})
		if err != nil {
			return pipeline.fail(ctx, progress, observe, stageAfter(progress.Stage), err)
		}

		progress.Stage = step.reaches
		pipeline.log.Debug("submission advanced",
			zap.Stringer("stage", progress.Stage),
			zap.String("study", progress.StudyID),
			zap.String("analysis", progress.AnalysisID))
		if observe != nil {
			observe(ctx, *progress)
		}
	}
	return nil
}

// call runs fn bounded by the stage timeout.
func (pipeline *Pipeline) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if pipeline.stageTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, pipeline.stageTimeout)
	defer cancel()
	return fn(ctx)
}

// fail moves progress into the terminal state. fallback names the stage when
// err does not carry one.
func (pipeline *Pipeline) fail(ctx context.Context, progress *Progress, observe Observer, fallback songscore.Stage, err error) error {
	stage, ok := songscore.FailedStage(err)
	if !ok {
		stage = fallback
		err = &songscore.SubmissionError{Stage: stage, Err: err}
	}

	progress.Stage = StageFailed
	progress.FailedStage = stage
	progress.Err = err

	mon.Counter("submission_failed", monkit.NewSeriesTag("stage", string(stage))).Inc(1)
	pipeline.log.Debug("submission failed",
		zap.Stringer("stage", stage),
		zap.String("study", progress.StudyID),
		zap.String("analysis", progress.AnalysisID),
		zap.Error(err))

	if observe != nil {
		observe(ctx, *progress)
	}
	return Error.Wrap(err)
}

// stageAfter names the gateway call that leads out of stage.
func stageAfter(stage Stage) songscore.Stage {
	switch stage {
	case StagePending:
		return songscore.StageSubmit
	case StageSubmitted:
		return songscore.StageFetchFile
	case StageFileRegistered:
		return songscore.StageInitUpload
	case StageUploadInitialized:
		return songscore.StageUploadPart
	case StagePartUploaded:
		return songscore.StageFinalizePart
	default:
		return songscore.StagePublish
	}
}
