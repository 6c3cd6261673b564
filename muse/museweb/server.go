// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

// Package museweb implements the muse HTTP API.
package museweb

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/common/errs2"
	"storj.io/common/memory"
	"storj.io/common/uuid"
	"storj.io/muse/muse/submission"
	"storj.io/muse/muse/uploads"
	"storj.io/muse/muse/uploadstream"
)

var (
	mon = monkit.Package()

	// Error is the error class for the web server.
	Error = errs.Class("museweb")
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Config contains configurable values for the HTTP API.
type Config struct {
	Address       string      `help:"address to listen on for the HTTP API" default:"127.0.0.1:8080" testDefault:"127.0.0.1:0"`
	UserHeader    string      `help:"request header carrying the authenticated user id" default:"X-Muse-User-Id"`
	MaxUploadSize memory.Size `help:"largest accepted submission request" default:"256MiB"`
}

// Submissions starts submissions and serves stored objects.
//
// *submission.Service implements it.
type Submissions interface {
	Submit(ctx context.Context, userID uuid.UUID, request submission.Request) (uploads.Upload, error)
	SubmitAnalysis(ctx context.Context, userID uuid.UUID, request submission.AnalysisRequest) (uploads.Upload, error)
	Download(ctx context.Context, objectID string) ([]byte, error)
}

// Stream subscribes to upload changes.
//
// *uploadstream.Router implements it.
type Stream interface {
	Subscribe(filter uploadstream.Filter) *uploadstream.Subscription
}

// Server implements the REST API for submissions and upload notifications.
type Server struct {
	log         *zap.Logger
	config      Config
	auth        Auth
	submissions Submissions
	uploads     uploads.DB
	stream      Stream

	listener net.Listener
	server   http.Server
}

// NewServer creates a new HTTP API server serving on listener.
func NewServer(log *zap.Logger, listener net.Listener, config Config, auth Auth, submissions Submissions, db uploads.DB, stream Stream) *Server {
	s := &Server{
		log:         log,
		config:      config,
		auth:        auth,
		submissions: submissions,
		uploads:     db,
		stream:      stream,
		listener:    listener,
	}

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/submissions/{studyId}", s.HandleSubmit).Methods(http.MethodPost)
	api.HandleFunc("/submissions/{studyId}/analyses/{analysisId}", s.HandleSubmitAnalysis).Methods(http.MethodPost)
	api.HandleFunc("/submissions/{submissionId}/events", s.HandleSubmissionEvents).Methods(http.MethodGet)
	api.HandleFunc("/uploads", s.HandleList).Methods(http.MethodGet)
	api.HandleFunc("/uploads/events", s.HandleEvents).Methods(http.MethodGet)
	api.HandleFunc("/uploads/{uploadId}", s.HandleGet).Methods(http.MethodGet)
	api.HandleFunc("/download/{objectId}", s.HandleDownload).Methods(http.MethodGet)

	s.server = http.Server{
		Handler: router,
	}

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Run serves requests until ctx is canceled. Event streams are ended when ctx
// is canceled.
func (s *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(s.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := s.server.Serve(s.listener)
		if errs2.IsCanceled(err) || errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})

	return group.Wait()
}

// Close stops the server.
func (s *Server) Close() error {
	return Error.Wrap(s.server.Close())
}

// HandleSubmit accepts a multipart submission with a payload field and a file part.
func (s *Server) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	userID, err := s.auth.Authenticate(ctx, r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	fileName, content, err := s.readFile(w, r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	upload, err := s.submissions.Submit(ctx, userID, submission.Request{
		StudyID:     mux.Vars(r)["studyId"],
		PayloadJSON: r.FormValue("payload"),
		FileName:    fileName,
		Content:     content,
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, upload)
}

// HandleSubmitAnalysis accepts the file of an analysis submitted earlier.
func (s *Server) HandleSubmitAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	userID, err := s.auth.Authenticate(ctx, r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	fileName, content, err := s.readFile(w, r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	vars := mux.Vars(r)
	upload, err := s.submissions.SubmitAnalysis(ctx, userID, submission.AnalysisRequest{
		StudyID:    vars["studyId"],
		AnalysisID: vars["analysisId"],
		FileName:   fileName,
		Content:    content,
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.jsonResponse(w, http.StatusAccepted, upload)
}

// HandleList returns a page of the user's uploads.
func (s *Server) HandleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	userID, err := s.auth.Authenticate(ctx, r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	opts, err := listOptions(r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	opts.UserID = userID

	page, err := s.uploads.List(ctx, opts)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.jsonResponse(w, http.StatusOK, page)
}

// HandleGet returns a single upload of the user.
func (s *Server) HandleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	userID, err := s.auth.Authenticate(ctx, r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	id, err := uuid.FromString(mux.Vars(r)["uploadId"])
	if err != nil {
		s.errorResponse(w, badRequest("invalid upload id"))
		return
	}

	upload, err := s.uploads.Get(ctx, id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if upload.UserID != userID {
		s.errorResponse(w, ErrNotFound)
		return
	}

	s.jsonResponse(w, http.StatusOK, upload)
}

// HandleEvents streams every change of the user's uploads.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r.Context(), r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	s.streamEvents(w, r, uploadstream.Filter{UserID: userID})
}

// HandleSubmissionEvents streams the changes of a single submission of the user.
func (s *Server) HandleSubmissionEvents(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.Authenticate(r.Context(), r)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	submissionID, err := uuid.FromString(mux.Vars(r)["submissionId"])
	if err != nil {
		s.errorResponse(w, badRequest("invalid submission id"))
		return
	}

	s.streamEvents(w, r, uploadstream.Filter{UserID: userID, SubmissionID: &submissionID})
}

// HandleDownload returns the content of a stored object.
func (s *Server) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if _, err = s.auth.Authenticate(ctx, r); err != nil {
		s.errorResponse(w, err)
		return
	}

	content, err := s.submissions.Download(ctx, mux.Vars(r)["objectId"])
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		s.log.Debug("failed to write download", zap.Error(err))
	}
}

// streamEvents writes matching uploads as newline delimited json until the
// client goes away or the stream ends.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, filter uploadstream.Filter) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, ErrInternalError)
		return
	}

	subscription := s.stream.Subscribe(filter)
	defer subscription.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return
		case upload, ok := <-subscription.Events():
			if !ok {
				return
			}
			if err = encoder.Encode(upload); err != nil {
				s.log.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

// readFile reads the file part of a multipart request.
func (s *Server) readFile(w http.ResponseWriter, r *http.Request) (fileName string, content []byte, err error) {
	limit := s.config.MaxUploadSize.Int64()
	if limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	if err := r.ParseMultipartForm(32 * memory.MiB.Int64()); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", nil, &ErrorResponse{StatusCode: http.StatusRequestEntityTooLarge, Message: "request too large"}
		}
		return "", nil, badRequest("invalid multipart form: %v", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, badRequest("missing file part")
	}
	defer func() { err = errs.Combine(err, file.Close()) }()

	content, err = io.ReadAll(file)
	if err != nil {
		return "", nil, badRequest("failed to read file: %v", err)
	}
	return header.Filename, content, nil
}

func listOptions(r *http.Request) (opts uploads.ListOptions, err error) {
	query := r.URL.Query()

	opts.Limit = defaultPageLimit
	if value := query.Get("limit"); value != "" {
		opts.Limit, err = strconv.Atoi(value)
		if err != nil || opts.Limit <= 0 {
			return opts, badRequest("invalid limit %q", value)
		}
		if opts.Limit > maxPageLimit {
			opts.Limit = maxPageLimit
		}
	}

	if value := query.Get("offset"); value != "" {
		opts.Offset, err = strconv.Atoi(value)
		if err != nil || opts.Offset < 0 {
			return opts, badRequest("invalid offset %q", value)
		}
	}

	if value := query.Get("submissionId"); value != "" {
		submissionID, err := uuid.FromString(value)
		if err != nil {
			return opts, badRequest("invalid submission id %q", value)
		}
		opts.SubmissionID = &submissionID
	}

	return opts, nil
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, body any) {
	jsonBytes, err := json.Marshal(body)
	if err != nil {
		s.errorResponse(w, Error.Wrap(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(jsonBytes); err != nil {
		s.log.Debug("failed to write response", zap.Error(err))
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	e := toResponse(err)
	if e.StatusCode >= http.StatusInternalServerError {
		s.log.Error("error during API request", zap.Error(err))
	} else {
		s.log.Debug("rejected API request", zap.Error(err))
	}

	resp, _ := json.Marshal(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	_, _ = w.Write(resp)
}
