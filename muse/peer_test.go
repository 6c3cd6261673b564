// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package muse_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/common/memory"
	"storj.io/common/testcontext"
	"storj.io/common/testrand"
	"storj.io/muse/muse"
	"storj.io/muse/muse/museweb"
	"storj.io/muse/muse/songscore"
	"storj.io/muse/muse/uploads"
	"storj.io/muse/muse/uploads/uploadstest"
	"storj.io/muse/muse/uploadstream"
	"storj.io/muse/private/healthcheck"
)

type testDB struct {
	uploads *uploadstest.DB
}

func (db *testDB) MigrateToLatest(ctx context.Context) error { return nil }
func (db *testDB) CheckVersion(ctx context.Context) error    { return nil }
func (db *testDB) Ping(ctx context.Context) error            { return nil }
func (db *testDB) Uploads() uploads.DB                       { return db.uploads }
func (db *testDB) Close() error                              { return nil }

// changesSource replays the writes of the in-memory database the way the
// notify trigger does for postgres.
type changesSource struct {
	db *uploadstest.DB
}

func (source changesSource) Run(ctx context.Context, emit func(uploads.Upload)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upload := <-source.db.Changes():
			emit(upload)
		}
	}
}

var _ uploadstream.Source = changesSource{}

func songScoreServer(t *testing.T) *httptest.Server {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /song/submit/S1":
			_, _ = w.Write([]byte(`{"analysisId":"A1","status":"OK"}`))
		case "GET /song/studies/S1/analysis/A1/files":
			_, _ = w.Write([]byte(`[{"objectId":"O1","fileName":"a.fasta","fileSize":4,"fileMd5sum":"f1f8f4bf413b16ad135722aa4591043e"}]`))
		case "POST /score/upload/O1/uploads":
			_, _ = w.Write([]byte(`{"objectId":"O1","uploadId":"U1","parts":[{"partNumber":1,"url":"` +
				url.QueryEscape(server.URL+"/bucket/O1?partNumber=1") + `"}]}`))
		case "PUT /bucket/O1":
			w.Header().Set("ETag", `"E1"`)
		case "POST /score/upload/O1/parts", "POST /score/upload/O1", "PUT /song/studies/S1/analysis/publish/A1":
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newPeer(t *testing.T, ctx *testcontext.Context, db *uploadstest.DB, config *muse.Config) *muse.Peer {
	peer, err := muse.New(zaptest.NewLogger(t), &testDB{uploads: db}, changesSource{db: db}, config)
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- peer.Run(runCtx) }()

	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, peer.Close())
	})
	return peer
}

func TestPeer_Submission(t *testing.T) {
	ctx := testcontext.New(t)
	songScore := songScoreServer(t)
	db := uploadstest.NewDB(64)

	peer := newPeer(t, ctx, db, &muse.Config{
		SongScore: songscore.Config{
			SongURL:  songScore.URL + "/song",
			ScoreURL: songScore.URL + "/score",
		},
		Stream: uploadstream.Config{BufferSize: 64},
		Web: museweb.Config{
			Address:       "127.0.0.1:0",
			UserHeader:    "X-Muse-User-Id",
			MaxUploadSize: memory.MiB,
		},
	})
	baseURL := "http://" + peer.WebAddr() + "/api/v1"
	userID := testrand.UUID()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, baseURL+"/uploads/events", nil)
	require.NoError(t, err)
	req.Header.Set("X-Muse-User-Id", userID.String())
	events, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = events.Body.Close() }()
	require.Equal(t, http.StatusOK, events.StatusCode)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("payload", `{"studyId":"S1"}`))
	part, err := writer.CreateFormFile("file", "a.fasta")
	require.NoError(t, err)
	_, err = part.Write([]byte("ACGT"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err = http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/submissions/S1", &body)
	require.NoError(t, err)
	req.Header.Set("X-Muse-User-Id", userID.String())
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var submitted uploads.Upload
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&submitted))

	lines := make(chan uploads.Upload, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(events.Body)
		for scanner.Scan() {
			var upload uploads.Upload
			if json.Unmarshal(scanner.Bytes(), &upload) == nil {
				lines <- upload
			}
		}
	}()

	var statuses []uploads.Status
	timeout := time.After(10 * time.Second)
	for len(statuses) == 0 || statuses[len(statuses)-1] != uploads.StatusPublished {
		select {
		case upload, ok := <-lines:
			require.True(t, ok, "stream ended")
			require.Equal(t, submitted.ID, upload.ID)
			statuses = append(statuses, upload.Status)
		case <-timeout:
			require.FailNow(t, "timed out", "statuses so far: %v", statuses)
		}
	}
	require.Equal(t, uploads.StatusQueued, statuses[0])

	stored, err := db.Get(ctx, submitted.ID)
	require.NoError(t, err)
	require.Equal(t, "A1", stored.AnalysisID)
	require.Equal(t, "O1", stored.ObjectID)
	require.Empty(t, stored.Error)
}

func TestPeer_HealthCheck(t *testing.T) {
	ctx := testcontext.New(t)
	db := uploadstest.NewDB(64)

	peer := newPeer(t, ctx, db, &muse.Config{
		Stream:      uploadstream.Config{BufferSize: 1},
		Web:         museweb.Config{Address: "127.0.0.1:0", UserHeader: "X-Muse-User-Id"},
		HealthCheck: healthcheck.Config{Enabled: true, Address: "127.0.0.1:0"},
	})

	resp, err := http.Get("http://" + peer.HealthCheck.Server.Addr().String() + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var checks map[string]bool
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&checks))
	require.Equal(t, map[string]bool{"database": true, "stream": true}, checks)
}
