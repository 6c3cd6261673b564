// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package museweb_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/common/uuid"
	"storj.io/muse/muse/museweb"
	"storj.io/muse/muse/songscore"
	"storj.io/muse/muse/submission"
	"storj.io/muse/muse/uploads"
	"storj.io/muse/muse/uploads/uploadstest"
	"storj.io/muse/muse/uploadstream"
)

const userHeader = "X-Muse-User-Id"

// fakeSubmissions records submissions into the database without running them.
type fakeSubmissions struct {
	db *uploadstest.DB

	mu       sync.Mutex
	requests []submission.Request
	analyses []submission.AnalysisRequest
}

func (f *fakeSubmissions) Submit(ctx context.Context, userID uuid.UUID, request submission.Request) (uploads.Upload, error) {
	if request.StudyID == "" || len(request.Content) == 0 {
		return uploads.Upload{}, submission.ErrInvalidRequest.New("missing fields")
	}
	f.mu.Lock()
	f.requests = append(f.requests, request)
	f.mu.Unlock()
	return f.db.Insert(ctx, uploads.Upload{
		ID:           testrand.UUID(),
		UserID:       userID,
		SubmissionID: testrand.UUID(),
		StudyID:      request.StudyID,
		FileName:     request.FileName,
		Status:       uploads.StatusQueued,
	})
}

func (f *fakeSubmissions) SubmitAnalysis(ctx context.Context, userID uuid.UUID, request submission.AnalysisRequest) (uploads.Upload, error) {
	f.mu.Lock()
	f.analyses = append(f.analyses, request)
	f.mu.Unlock()
	return f.db.Insert(ctx, uploads.Upload{
		ID:           testrand.UUID(),
		UserID:       userID,
		SubmissionID: testrand.UUID(),
		StudyID:      request.StudyID,
		AnalysisID:   request.AnalysisID,
		Status:       uploads.StatusQueued,
	})
}

func (f *fakeSubmissions) recorded() ([]submission.Request, []submission.AnalysisRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission.Request(nil), f.requests...), append([]submission.AnalysisRequest(nil), f.analyses...)
}

func (f *fakeSubmissions) Download(ctx context.Context, objectID string) ([]byte, error) {
	switch objectID {
	case "O1":
	case "split":
		return nil, songscore.ErrPrecondition.New("object %q has 2 parts, expected 1", objectID)
	default:
		return nil, songscore.ErrRemoteRejection.New("status 404")
	}
	return []byte("ACGT"), nil
}

type env struct {
	server      *museweb.Server
	http        *httptest.Server
	db          *uploadstest.DB
	router      *uploadstream.Router
	submissions *fakeSubmissions
}

func newEnv(t *testing.T) *env {
	log := zaptest.NewLogger(t)
	db := uploadstest.NewDB(64)
	router := uploadstream.NewRouter(log, 64)
	submissions := &fakeSubmissions{db: db}

	config := museweb.Config{UserHeader: userHeader, MaxUploadSize: memory.MiB}
	server := museweb.NewServer(log, nil, config, museweb.NewHeaderAuth(userHeader), submissions, db, router)
	httpServer := httptest.NewServer(server.Handler())
	t.Cleanup(httpServer.Close)

	return &env{server: server, http: httpServer, db: db, router: router, submissions: submissions}
}

func (env *env) do(t *testing.T, method, path string, userID *uuid.UUID, body io.Reader, contentType string) *http.Response {
	req, err := http.NewRequest(method, env.http.URL+path, body)
	require.NoError(t, err)
	if userID != nil {
		req.Header.Set(userHeader, userID.String())
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := env.http.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func multipartBody(t *testing.T, payload string, content []byte) (*bytes.Buffer, string) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if payload != "" {
		require.NoError(t, writer.WriteField("payload", payload))
	}
	if content != nil {
		part, err := writer.CreateFormFile("file", "a.fasta")
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func decode[T any](t *testing.T, resp *http.Response) T {
	var value T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&value))
	return value
}

func TestSubmit(t *testing.T) {
	env := newEnv(t)
	userID := testrand.UUID()

	body, contentType := multipartBody(t, `{"studyId":"S1"}`, []byte("ACGT"))
	resp := env.do(t, http.MethodPost, "/api/v1/submissions/S1", &userID, body, contentType)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	upload := decode[uploads.Upload](t, resp)
	require.Equal(t, userID, upload.UserID)
	require.Equal(t, uploads.StatusQueued, upload.Status)

	requests, _ := env.submissions.recorded()
	require.Equal(t, []submission.Request{{
		StudyID:     "S1",
		PayloadJSON: `{"studyId":"S1"}`,
		FileName:    "a.fasta",
		Content:     []byte("ACGT"),
	}}, requests)
}

func TestSubmit_Errors(t *testing.T) {
	env := newEnv(t)
	userID := testrand.UUID()

	body, contentType := multipartBody(t, `{}`, []byte("ACGT"))
	resp := env.do(t, http.MethodPost, "/api/v1/submissions/S1", nil, body, contentType)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body, contentType = multipartBody(t, `{}`, nil)
	resp = env.do(t, http.MethodPost, "/api/v1/submissions/S1", &userID, body, contentType)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/v1/submissions/S1", &userID, bytes.NewBufferString("{}"), "application/json")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body, contentType = multipartBody(t, `{}`, testrand.BytesInt(memory.MiB.Int()+4*memory.KiB.Int()))
	resp = env.do(t, http.MethodPost, "/api/v1/submissions/S1", &userID, body, contentType)
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	requests, _ := env.submissions.recorded()
	require.Empty(t, requests)
}

func TestSubmitAnalysis(t *testing.T) {
	env := newEnv(t)
	userID := testrand.UUID()

	body, contentType := multipartBody(t, "", []byte("ACGT"))
	resp := env.do(t, http.MethodPost, "/api/v1/submissions/S1/analyses/A7", &userID, body, contentType)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	upload := decode[uploads.Upload](t, resp)
	require.Equal(t, "A7", upload.AnalysisID)
	_, analyses := env.submissions.recorded()
	require.Equal(t, []submission.AnalysisRequest{{
		StudyID:    "S1",
		AnalysisID: "A7",
		FileName:   "a.fasta",
		Content:    []byte("ACGT"),
	}}, analyses)
}

func TestListAndGet(t *testing.T) {
	ctx := testcontext.New(t)
	env := newEnv(t)
	userID, otherID := testrand.UUID(), testrand.UUID()

	var created []uploads.Upload
	for i := 0; i < 3; i++ {
		upload, err := env.submissions.Submit(ctx, userID, submission.Request{StudyID: "S1", Content: []byte("x")})
		require.NoError(t, err)
		created = append(created, upload)
	}
	other, err := env.submissions.Submit(ctx, otherID, submission.Request{StudyID: "S1", Content: []byte("x")})
	require.NoError(t, err)

	resp := env.do(t, http.MethodGet, "/api/v1/uploads?limit=2", &userID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[uploads.Page](t, resp)
	require.EqualValues(t, 3, page.TotalCount)
	require.Len(t, page.Uploads, 2)

	resp = env.do(t, http.MethodGet, "/api/v1/uploads?submissionId="+created[1].SubmissionID.String(), &userID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page = decode[uploads.Page](t, resp)
	require.Len(t, page.Uploads, 1)
	require.Equal(t, created[1].ID, page.Uploads[0].ID)

	resp = env.do(t, http.MethodGet, "/api/v1/uploads?limit=-1", &userID, nil, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/uploads/"+created[0].ID.String(), &userID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, created[0].ID, decode[uploads.Upload](t, resp).ID)

	resp = env.do(t, http.MethodGet, "/api/v1/uploads/"+other.ID.String(), &userID, nil, "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/uploads/not-a-uuid", &userID, nil, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownload(t *testing.T) {
	env := newEnv(t)
	userID := testrand.UUID()

	resp := env.do(t, http.MethodGet, "/api/v1/download/O1", &userID, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	content, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ACGT", string(content))

	resp = env.do(t, http.MethodGet, "/api/v1/download/missing", &userID, nil, "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/v1/download/split", &userID, nil, "")
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	ctx := testcontext.New(t)
	env := newEnv(t)
	userID := testrand.UUID()
	submissionID := testrand.UUID()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	open := func(path string) *bufio.Scanner {
		req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, env.http.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set(userHeader, userID.String())
		resp, err := env.http.Client().Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { _ = resp.Body.Close() })
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))
		return bufio.NewScanner(resp.Body)
	}

	all := open("/api/v1/uploads/events")
	single := open("/api/v1/submissions/" + submissionID.String() + "/events")

	// the headers are flushed after subscribing, so both streams are registered
	publish := func(submissionID uuid.UUID, status uploads.Status) uploads.Upload {
		upload := uploads.Upload{ID: testrand.UUID(), UserID: userID, SubmissionID: submissionID, Status: status}
		env.router.Publish(upload)
		return upload
	}
	otherSubmission := publish(testrand.UUID(), uploads.StatusQueued)
	env.router.Publish(uploads.Upload{ID: testrand.UUID(), UserID: testrand.UUID(), SubmissionID: submissionID})
	mine := publish(submissionID, uploads.StatusPublished)

	next := func(scanner *bufio.Scanner) uploads.Upload {
		lines := make(chan []byte, 1)
		go func() {
			if scanner.Scan() {
				lines <- append([]byte(nil), scanner.Bytes()...)
			}
			close(lines)
		}()
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended")
			var upload uploads.Upload
			require.NoError(t, json.Unmarshal(line, &upload))
			return upload
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out waiting for event")
			return uploads.Upload{}
		}
	}

	require.Equal(t, otherSubmission.ID, next(all).ID)
	require.Equal(t, mine.ID, next(all).ID)
	got := next(single)
	require.Equal(t, mine.ID, got.ID)
	require.Equal(t, uploads.StatusPublished, got.Status)

	// stopping the router ends the streams
	require.NoError(t, env.router.Close())
	require.False(t, single.Scan())
}

func TestEvents_Unauthorized(t *testing.T) {
	env := newEnv(t)

	resp := env.do(t, http.MethodGet, "/api/v1/uploads/events", nil, nil, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	userID := testrand.UUID()
	resp = env.do(t, http.MethodGet, "/api/v1/submissions/nope/events", &userID, nil, "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
