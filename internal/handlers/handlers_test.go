package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagrab/internal/artifacts"
	"mediagrab/internal/extractor"
	"mediagrab/internal/jobs"
	"mediagrab/internal/models"
	"mediagrab/internal/ratelimit"
)

const videoURL = "https://www.youtube.com/watch?v=dQw4w9WgXcQ"

type fakeClient struct {
	describeErr error
	release     chan struct{}

	mu            sync.Mutex
	describeCalls int
}

func (f *fakeClient) Describe(ctx context.Context, url string) (models.Preview, error) {
	f.mu.Lock()
	f.describeCalls++
	f.mu.Unlock()
	if f.describeErr != nil {
		return models.Preview{}, f.describeErr
	}
	return models.Preview{Title: "Never Gonna Give You Up", Uploader: "Rick Astley", Duration: 213}, nil
}

func (f *fakeClient) Retrieve(ctx context.Context, spec models.RequestSpec, dir string, cb extractor.ProgressCallback) (extractor.Outcome, error) {
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return extractor.Outcome{}, ctx.Err()
		}
	}
	cb(100, "download finished")
	path := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(path, []byte("video-bytes"), 0o644); err != nil {
		return extractor.Outcome{}, err
	}
	return extractor.Outcome{Files: []string{path}}, nil
}

type harness struct {
	app    *App
	store  *jobs.Store
	runner *jobs.Runner
	root   string
}

type harnessOptions struct {
	client        *fakeClient
	maxConcurrent int
	ttl           time.Duration
	limits        Limits
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.client == nil {
		opts.client = &fakeClient{}
	}
	if opts.maxConcurrent == 0 {
		opts.maxConcurrent = 3
	}
	if opts.ttl == 0 {
		opts.ttl = time.Hour
	}
	if opts.limits == (Limits{}) {
		opts.limits = Limits{Start: 100, Progress: 1000, File: 100}
	}

	gateway, err := artifacts.NewGateway(t.TempDir())
	require.NoError(t, err)
	root := gateway.Root()

	store := jobs.NewStore(logger)
	admission := jobs.NewAdmission(opts.maxConcurrent)
	limiter := ratelimit.New()
	runner := jobs.NewRunner(logger, store, opts.client, admission, jobs.RunnerConfig{
		Root:         root,
		MaxFileBytes: 1 << 20,
		MaxAttempts:  3,
		RetryBackoff: 10 * time.Millisecond,
	})
	reaper := jobs.NewReaper(logger, store, limiter, jobs.ReaperConfig{Root: root, TTL: opts.ttl})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = runner.Shutdown(ctx)
	})

	app := NewApp(Deps{
		Logger:          logger,
		Store:           store,
		Runner:          runner,
		Admission:       admission,
		Reaper:          reaper,
		Limiter:         limiter,
		Client:          opts.client,
		Gateway:         gateway,
		Limits:          opts.limits,
		DescribeTimeout: time.Second,
	})
	return &harness{app: app, store: store, runner: runner, root: root}
}

func (h *harness) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	req.RemoteAddr = "192.0.2.10:40000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.app.Router().ServeHTTP(rec, req)
	return rec
}

func (h *harness) submit(t *testing.T, body map[string]string) startResponse {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/start", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp startResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.ID)
	return resp
}

func (h *harness) poll(t *testing.T, id string) models.Progress {
	t.Helper()
	var p models.Progress
	require.Eventually(t, func() bool {
		rec := h.do(t, http.MethodGet, "/progress/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		p = models.Progress{}
		if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
			return false
		}
		return p.Done
	}, 5*time.Second, 10*time.Millisecond)
	return p
}

func TestSingleVideoEndToEnd(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	resp := h.submit(t, map[string]string{"url": videoURL, "format": "video", "mode": "single"})
	require.NotNil(t, resp.Preview)
	assert.Equal(t, "Never Gonna Give You Up", resp.Preview.Title)
	assert.Empty(t, resp.Warning)

	p := h.poll(t, resp.ID)
	assert.Equal(t, models.StatusReady, p.Status)
	assert.Equal(t, resp.ID+"/clip.mp4", p.File)
	assert.Empty(t, p.Zip)
	assert.Empty(t, p.Error)

	rec := h.do(t, http.MethodGet, "/file/"+p.File, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video-bytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "attachment")
}

func TestProgressIsIdempotent(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	resp := h.submit(t, map[string]string{"url": videoURL})
	h.poll(t, resp.ID)

	first := h.do(t, http.MethodGet, "/progress/"+resp.ID, nil)
	second := h.do(t, http.MethodGet, "/progress/"+resp.ID, nil)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestStart_FourthConcurrentSubmissionIsRejected(t *testing.T) {
	client := &fakeClient{release: make(chan struct{})}
	h := newHarness(t, harnessOptions{client: client, maxConcurrent: 3})

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		codes = map[int]int{}
		start = make(chan struct{})
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			rec := h.do(t, http.MethodPost, "/start", map[string]string{"url": videoURL})
			mu.Lock()
			codes[rec.Code]++
			mu.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 3, codes[http.StatusAccepted])
	assert.Equal(t, 1, codes[http.StatusServiceUnavailable])
	assert.Equal(t, 3, h.store.Len())

	close(client.release)
	for _, job := range h.store.List() {
		h.poll(t, job.ID)
	}
}

func TestStart_InvalidRequestsCreateNoJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	cases := []map[string]string{
		{},
		{"url": "not a url"},
		{"url": "https://vimeo.com/12345"},
		{"url": "ftp://www.youtube.com/watch?v=abc"},
		{"url": videoURL, "format": "gif"},
		{"url": videoURL, "mode": "everything"},
	}
	for _, body := range cases {
		rec := h.do(t, http.MethodPost, "/start", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Contains(t, rec.Body.String(), "error")
	}

	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.app.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, 0, h.store.Len())
}

func TestStart_RateLimited(t *testing.T) {
	h := newHarness(t, harnessOptions{limits: Limits{Start: 2, Progress: 100, File: 100}})

	h.submit(t, map[string]string{"url": videoURL})
	h.submit(t, map[string]string{"url": videoURL, "format": "audio"})

	rec := h.do(t, http.MethodPost, "/start", map[string]string{"url": videoURL})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, 2, h.store.Len())
}

func TestStart_PreviewFailureStillCreatesJob(t *testing.T) {
	client := &fakeClient{describeErr: extractor.NewError(extractor.KindPermanent, "Video unavailable")}
	h := newHarness(t, harnessOptions{client: client})

	resp := h.submit(t, map[string]string{"url": videoURL})
	assert.Nil(t, resp.Preview)
	assert.Contains(t, resp.Warning, "preview unavailable")

	_, ok := h.store.Get(resp.ID)
	assert.True(t, ok)
	p := h.poll(t, resp.ID)
	assert.Equal(t, models.StatusReady, p.Status)
}

func TestProgress_UnknownJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(t, http.MethodGet, "/progress/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExpiredJobIsGone(t *testing.T) {
	h := newHarness(t, harnessOptions{ttl: 50 * time.Millisecond})

	resp := h.submit(t, map[string]string{"url": videoURL})
	var file string
	require.Eventually(t, func() bool {
		job, ok := h.store.Get(resp.ID)
		if !ok || job.Status != models.StatusReady {
			return false
		}
		file = job.Result.File
		return true
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(120 * time.Millisecond)

	rec := h.do(t, http.MethodGet, "/progress/"+resp.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(t, http.MethodGet, "/file/"+file, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoDirExists(t, filepath.Join(h.root, resp.ID))
}

func TestFile_RejectsTraversal(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	outside := filepath.Join(filepath.Dir(h.root), "secret.txt")

	for _, target := range []string{
		"/file/../../etc/passwd",
		"/file/..%2F..%2Fetc%2Fpasswd",
		"/file/%2Fetc%2Fpasswd",
		"/file/job/../../" + filepath.Base(outside),
	} {
		rec := h.do(t, http.MethodGet, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec := h.do(t, http.MethodGet, "/file/job/missing.mp4", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFile_OnlyServesReadyArtifacts(t *testing.T) {
	client := &fakeClient{release: make(chan struct{})}
	h := newHarness(t, harnessOptions{client: client})
	require.NoError(t, os.WriteFile(filepath.Join(h.root, ".mediagrab.lock"), nil, 0o644))

	resp := h.submit(t, map[string]string{"url": videoURL})
	require.Eventually(t, func() bool {
		job, ok := h.store.Get(resp.ID)
		return ok && job.Status == models.StatusProcessing
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(h.root, resp.ID, "clip.mp4"), []byte("partial"), 0o644))

	rec := h.do(t, http.MethodGet, "/file/"+resp.ID+"/clip.mp4", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "in-flight output is not served")
	rec = h.do(t, http.MethodGet, "/file/.mediagrab.lock", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	close(client.release)
	p := h.poll(t, resp.ID)
	rec = h.do(t, http.MethodGet, "/file/"+p.File, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video-bytes", rec.Body.String())
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "active_jobs")
	assert.Contains(t, body, "in_flight")
}

func TestJobWS_StreamsUntilTerminal(t *testing.T) {
	client := &fakeClient{release: make(chan struct{})}
	h := newHarness(t, harnessOptions{client: client})
	srv := httptest.NewServer(h.app.Router())
	defer srv.Close()

	resp := h.submit(t, map[string]string{"url": videoURL})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + resp.ID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first models.Progress
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, resp.ID, first.ID)
	assert.False(t, first.Done)

	close(client.release)

	var last models.Progress
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var p models.Progress
		if err := conn.ReadJSON(&p); err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), err)
			break
		}
		last = p
	}
	assert.True(t, last.Done)
	assert.Equal(t, models.StatusReady, last.Status)
	assert.Equal(t, resp.ID+"/clip.mp4", last.File)
}

func TestJobWS_UnknownJob(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(t, http.MethodGet, "/ws/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
