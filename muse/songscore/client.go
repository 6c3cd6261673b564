// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package songscore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"

	"storj.io/common/memory"
)

var mon = monkit.Package()

// maxResponseSize limits json responses from song and score.
const maxResponseSize = 16 * memory.MiB

// Config is the configuration for the song and score client.
type Config struct {
	SongURL        string        `help:"root url of the song metadata service" default:"http://localhost:8080"`
	ScoreURL       string        `help:"root url of the score storage service" default:"http://localhost:8087"`
	SystemAPIToken string        `help:"bearer token sent with every song and score request" default:""`
	Timeout        time.Duration `help:"timeout of a single http request, 0 means no timeout" default:"0s"`
}

// Client sends requests to song (metadata) and score (storage).
//
// Client is stateless and safe for concurrent use.
//
// architecture: Client
type Client struct {
	log    *zap.Logger
	config Config
	http   *http.Client
}

// NewClient creates a new song and score client.
func NewClient(log *zap.Logger, config Config) *Client {
	return NewClientWithHTTP(log, config, &http.Client{Timeout: config.Timeout})
}

// NewClientWithHTTP creates a new song and score client sending requests
// through httpClient. config.Timeout is ignored.
func NewClientWithHTTP(log *zap.Logger, config Config, httpClient *http.Client) *Client {
	return &Client{
		log:    log,
		config: config,
		http:   httpClient,
	}
}

// SubmitPayload submits an analysis payload for a study.
func (client *Client) SubmitPayload(ctx context.Context, studyID, payload string) (_ SubmitResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	var response SubmitResponse
	_, err = client.send(ctx, request{
		method:      http.MethodPost,
		url:         endpoint(client.config.SongURL, nil, "submit", studyID),
		body:        []byte(payload),
		contentType: "application/json",
		authorize:   true,
	}, &response)
	if err != nil {
		return SubmitResponse{}, stageError(StageSubmit, err)
	}
	if response.AnalysisID == "" {
		return SubmitResponse{}, stageError(StageSubmit, ErrDecode.New("response without analysisId"))
	}

	client.log.Debug("submitted payload", zap.String("study", studyID), zap.String("analysis", response.AnalysisID))
	return response, nil
}

// FetchAnalysisFile returns the first file registered for an analysis.
// ok is false when song has no files for the analysis yet.
func (client *Client) FetchAnalysisFile(ctx context.Context, studyID, analysisID string) (_ AnalysisFile, ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var files []AnalysisFile
	_, err = client.send(ctx, request{
		method:    http.MethodGet,
		url:       endpoint(client.config.SongURL, nil, "studies", studyID, "analysis", analysisID, "files"),
		authorize: true,
	}, &files)
	if err != nil {
		return AnalysisFile{}, false, stageError(StageFetchFile, err)
	}

	switch len(files) {
	case 0:
		return AnalysisFile{}, false, nil
	case 1:
	default:
		client.log.Warn("analysis has more than one file, using the first",
			zap.String("analysis", analysisID),
			zap.Int("files", len(files)))
	}
	return files[0], true, nil
}

// GetAnalysis returns the song view of an analysis.
func (client *Client) GetAnalysis(ctx context.Context, studyID, analysisID string) (_ Analysis, err error) {
	defer mon.Task()(&ctx)(&err)

	var analysis Analysis
	_, err = client.send(ctx, request{
		method:    http.MethodGet,
		url:       endpoint(client.config.SongURL, nil, "studies", studyID, "analysis", analysisID),
		authorize: true,
	}, &analysis)
	if err != nil {
		return Analysis{}, stageError(StageGetAnalysis, err)
	}
	return analysis, nil
}

// InitUpload starts an upload in score for the given file.
func (client *Client) InitUpload(ctx context.Context, file AnalysisFile, md5 string) (_ UploadSpec, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("fileSize", strconv.FormatInt(file.FileSize, 10))
	query.Set("md5", md5)
	query.Set("overwrite", "true")

	var spec UploadSpec
	_, err = client.send(ctx, request{
		method:    http.MethodPost,
		url:       endpoint(client.config.ScoreURL, query, "upload", file.ObjectID, "uploads"),
		authorize: true,
	}, &spec)
	if err != nil {
		return UploadSpec{}, stageError(StageInitUpload, err)
	}

	client.log.Debug("initialized upload", zap.String("object", spec.ObjectID), zap.String("upload", spec.UploadID))
	return spec, nil
}

// UploadPart uploads content to the presigned url of the first part and
// returns the unquoted etag reported by the storage backend.
func (client *Client) UploadPart(ctx context.Context, spec UploadSpec, content []byte, md5 string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	part, err := spec.firstPart()
	if err != nil {
		return "", stageError(StageUploadPart, err)
	}
	presignedURL, err := decodeURL(part.URL)
	if err != nil {
		return "", stageError(StageUploadPart, err)
	}

	header, err := client.send(ctx, request{
		method:      http.MethodPut,
		url:         presignedURL,
		body:        content,
		contentType: "text/plain",
	}, nil)
	if err != nil {
		return "", stageError(StageUploadPart, err)
	}

	etag := strings.ReplaceAll(header.Get("ETag"), `"`, "")
	if etag == "" {
		return "", stageError(StageUploadPart, ErrDecode.New("response without ETag"))
	}
	return etag, nil
}

// FinalizePart marks the first part of the upload as complete.
func (client *Client) FinalizePart(ctx context.Context, spec UploadSpec, md5, etag string) (err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("uploadId", spec.UploadID)
	query.Set("etag", etag)
	query.Set("md5", md5)
	query.Set("partNumber", "1")

	_, err = client.send(ctx, request{
		method:    http.MethodPost,
		url:       endpoint(client.config.ScoreURL, query, "upload", spec.ObjectID, "parts"),
		authorize: true,
	}, nil)
	return stageError(StageFinalizePart, err)
}

// FinalizeUpload completes the whole upload. Every part must be finalized first.
func (client *Client) FinalizeUpload(ctx context.Context, spec UploadSpec) (err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("uploadId", spec.UploadID)

	_, err = client.send(ctx, request{
		method:    http.MethodPost,
		url:       endpoint(client.config.ScoreURL, query, "upload", spec.ObjectID),
		authorize: true,
	}, nil)
	return stageError(StageFinalizeUpload, err)
}

// PublishAnalysis publishes an analysis in song.
func (client *Client) PublishAnalysis(ctx context.Context, studyID, analysisID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("ignoreUndefinedMd5", "false")

	_, err = client.send(ctx, request{
		method:    http.MethodPut,
		url:       endpoint(client.config.SongURL, query, "studies", studyID, "analysis", "publish", analysisID),
		authorize: true,
	}, nil)
	if err != nil {
		return stageError(StagePublish, err)
	}

	client.log.Debug("published analysis", zap.String("study", studyID), zap.String("analysis", analysisID))
	return nil
}

// FetchDownloadLink returns the presigned url for the whole object.
func (client *Client) FetchDownloadLink(ctx context.Context, objectID string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("offset", "0")
	query.Set("length", "-1")
	query.Set("external", "true")

	var spec UploadSpec
	_, err = client.send(ctx, request{
		method:    http.MethodGet,
		url:       endpoint(client.config.ScoreURL, query, "download", objectID),
		authorize: true,
	}, &spec)
	if err != nil {
		return "", stageError(StageDownloadLink, err)
	}

	// length=-1 returns the object as a single part
	part, err := spec.firstPart()
	if err != nil {
		return "", stageError(StageDownloadLink, err)
	}
	return part.URL, nil
}

// DownloadPart downloads the content behind a presigned url.
func (client *Client) DownloadPart(ctx context.Context, presignedURL string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	decoded, err := decodeURL(presignedURL)
	if err != nil {
		return nil, stageError(StageDownload, err)
	}

	var content []byte
	_, err = client.send(ctx, request{
		method: http.MethodGet,
		url:    decoded,
		raw:    &content,
	}, nil)
	if err != nil {
		return nil, stageError(StageDownload, err)
	}
	return content, nil
}

type request struct {
	method      string
	url         string
	body        []byte
	contentType string
	authorize   bool

	// raw receives the unparsed response body when set.
	raw *[]byte
}

// send executes a single request. When out is not nil the response body is
// decoded into it.
func (client *Client) send(ctx context.Context, r request, out interface{}) (http.Header, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return nil, ErrTransport.Wrap(err)
	}
	if r.body != nil {
		req.ContentLength = int64(len(r.body))
	}
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if r.authorize {
		req.Header.Set("Authorization", "Bearer "+client.config.SystemAPIToken)
	}

	resp, err := client.http.Do(req)
	if err != nil {
		return nil, ErrTransport.Wrap(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, ErrRemoteRejection.New("%s %s%s: status %d: %s", r.method, req.URL.Host, req.URL.Path, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	switch {
	case r.raw != nil:
		*r.raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, ErrTransport.Wrap(err)
		}
	case out != nil:
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize.Int64()))
		if err != nil {
			return nil, ErrTransport.Wrap(err)
		}
		if err := json.Unmarshal(data, out); err != nil {
			return nil, ErrDecode.Wrap(err)
		}
	}

	return resp.Header, nil
}

// endpoint joins root with escaped path segments and an optional query.
func endpoint(root string, query url.Values, segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(root, "/"))
	for _, segment := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(segment))
	}
	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(query.Encode())
	}
	return b.String()
}

// decodeURL percent-decodes a url returned by score.
func decodeURL(raw string) (string, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		return "", ErrDecode.New("invalid presigned url: %v", err)
	}
	return decoded, nil
}
