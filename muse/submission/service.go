// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package submission

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/uuid"
	"storj.io/muse/muse/uploads"
)

var (
	// ErrInvalidRequest is returned for submissions that can not be started.
	ErrInvalidRequest = errs.Class("invalid submission")
	// ErrClosed is returned when submitting to a closed service.
	ErrClosed = errs.Class("submission service closed")
)

// Config contains configurable values for submissions.
type Config struct {
	StageTimeout      time.Duration `help:"timeout of a single submission stage, 0 means no timeout" default:"0s"`
	SubmissionTimeout time.Duration `help:"timeout of a whole background submission, 0 means no timeout" default:"30m0s"`
}

// Request is a submission as received from a client.
type Request struct {
	StudyID     string
	PayloadJSON string
	FileName    string
	Content     []byte
}

// AnalysisRequest is the file of an already submitted analysis.
type AnalysisRequest struct {
	StudyID    string
	AnalysisID string
	FileName   string
	Content    []byte
}

// Service accepts submissions, records them as uploads and runs them through
// the pipeline in the background.
//
// architecture: Service
type Service struct {
	log      *zap.Logger
	uploads  uploads.DB
	pipeline *Pipeline
	config   Config

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new submission service.
func NewService(log *zap.Logger, db uploads.DB, pipeline *Pipeline, config Config) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		log:      log,
		uploads:  db,
		pipeline: pipeline,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Submit records a queued upload for userID and starts the pipeline for it.
// The returned upload is in StatusQueued; later transitions are written to
// the uploads database.
func (service *Service) Submit(ctx context.Context, userID uuid.UUID, request Request) (_ uploads.Upload, err error) {
	defer mon.Task()(&ctx)(&err)

	if err := validate(request); err != nil {
		return uploads.Upload{}, err
	}

	submission := Submission{
		StudyID:     request.StudyID,
		PayloadJSON: request.PayloadJSON,
		Content:     request.Content,
		MD5:         md5Hex(request.Content),
	}

	return service.start(ctx, uploads.Upload{
		UserID:   userID,
		StudyID:  request.StudyID,
		FileName: request.FileName,
	}, func(ctx context.Context, observe Observer) (Progress, error) {
		return service.pipeline.Run(ctx, submission, observe)
	})
}

// SubmitAnalysis records a queued upload for the file of an analysis that
// was submitted earlier and starts uploading it.
func (service *Service) SubmitAnalysis(ctx context.Context, userID uuid.UUID, request AnalysisRequest) (_ uploads.Upload, err error) {
	defer mon.Task()(&ctx)(&err)

	var group errs.Group
	if request.StudyID == "" {
		group.Add(errs.New("study id is required"))
	}
	if request.AnalysisID == "" {
		group.Add(errs.New("analysis id is required"))
	}
	if len(request.Content) == 0 {
		group.Add(errs.New("file is empty"))
	}
	if err := ErrInvalidRequest.Wrap(group.Err()); err != nil {
		return uploads.Upload{}, err
	}

	checksum := md5Hex(request.Content)
	return service.start(ctx, uploads.Upload{
		UserID:     userID,
		StudyID:    request.StudyID,
		AnalysisID: request.AnalysisID,
		FileName:   request.FileName,
	}, func(ctx context.Context, observe Observer) (Progress, error) {
		return service.pipeline.RunAnalysis(ctx, request.StudyID, request.AnalysisID, request.Content, checksum, observe)
	})
}

type runFunc func(ctx context.Context, observe Observer) (Progress, error)

// start inserts upload as queued and runs fn in the background.
func (service *Service) start(ctx context.Context, upload uploads.Upload, fn runFunc) (_ uploads.Upload, err error) {
	upload.ID, err = uuid.New()
	if err != nil {
		return uploads.Upload{}, Error.Wrap(err)
	}
	upload.SubmissionID, err = uuid.New()
	if err != nil {
		return uploads.Upload{}, Error.Wrap(err)
	}
	upload.Status = uploads.StatusQueued

	service.mu.Lock()
	if service.closed {
		service.mu.Unlock()
		return uploads.Upload{}, ErrClosed.New("")
	}
	service.wg.Add(1)
	service.mu.Unlock()

	upload, err = service.uploads.Insert(ctx, upload)
	if err != nil {
		service.wg.Done()
		return uploads.Upload{}, Error.Wrap(err)
	}

	go func() {
		defer service.wg.Done()
		service.run(upload, fn)
	}()

	return upload, nil
}

// Download returns the content of a stored object.
func (service *Service) Download(ctx context.Context, objectID string) ([]byte, error) {
	return service.pipeline.Download(ctx, objectID)
}

// Close cancels running submissions and waits for them to stop.
func (service *Service) Close() error {
	service.mu.Lock()
	service.closed = true
	service.mu.Unlock()

	service.cancel()
	service.wg.Wait()
	return nil
}

func (service *Service) run(upload uploads.Upload, fn runFunc) {
	ctx := service.ctx
	if service.config.SubmissionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, service.config.SubmissionTimeout)
		defer cancel()
	}

	progress, err := fn(ctx, service.recorder(upload.ID))
	if err != nil {
		service.log.Error("submission failed",
			zap.Stringer("upload", upload.ID),
			zap.Stringer("submission", upload.SubmissionID),
			zap.Stringer("stage", progress.FailedStage),
			zap.Error(err))
		return
	}

	service.log.Info("submission published",
		zap.Stringer("upload", upload.ID),
		zap.String("study", progress.StudyID),
		zap.String("analysis", progress.AnalysisID),
		zap.String("object", progress.File.ObjectID))
}

// recorder mirrors pipeline transitions into the uploads table. Every write
// triggers a notification for subscribers of the upload.
func (service *Service) recorder(id uuid.UUID) Observer {
	return func(ctx context.Context, progress Progress) {
		var update uploads.Update
		switch progress.Stage {
		case StageSubmitted:
			update = uploads.Update{Status: uploads.StatusUploading, AnalysisID: progress.AnalysisID}
		case StageFileRegistered:
			update = uploads.Update{Status: uploads.StatusUploading, ObjectID: progress.File.ObjectID}
		case StageFinalized:
			update = uploads.Update{Status: uploads.StatusValidating}
		case StagePublished:
			update = uploads.Update{Status: uploads.StatusPublished}
		case StageFailed:
			update = uploads.Update{Status: uploads.StatusFailed, Error: progress.Err.Error()}
			// the submission context may be what failed
			ctx = context.WithoutCancel(ctx)
		default:
			return
		}

		if err := service.uploads.Update(ctx, id, update); err != nil {
			service.log.Error("failed to record submission progress",
				zap.Stringer("upload", id),
				zap.Stringer("stage", progress.Stage),
				zap.Error(err))
		}
	}
}

func md5Hex(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

func validate(request Request) error {
	var group errs.Group
	if request.StudyID == "" {
		group.Add(errs.New("study id is required"))
	}
	if !json.Valid([]byte(request.PayloadJSON)) {
		group.Add(errs.New("payload is not valid json"))
	}
	if len(request.Content) == 0 {
		group.Add(errs.New("file is empty"))
	}
	return ErrInvalidRequest.Wrap(group.Err())
}
