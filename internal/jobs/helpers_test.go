package jobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mediagrab/internal/extractor"
	"mediagrab/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type retrieveFunc func(ctx context.Context, call int, dir string, cb extractor.ProgressCallback) (extractor.Outcome, error)

// fakeClient stands in for yt-dlp. Each Retrieve call is numbered from 1.
type fakeClient struct {
	mu       sync.Mutex
	calls    int
	retrieve retrieveFunc
}

func (f *fakeClient) Describe(ctx context.Context, url string) (models.Preview, error) {
	return models.Preview{Title: "fake"}, nil
}

func (f *fakeClient) Retrieve(ctx context.Context, spec models.RequestSpec, dir string, cb extractor.ProgressCallback) (extractor.Outcome, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.retrieve(ctx, call, dir, cb)
}

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func writeOutput(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func videoSpec() models.RequestSpec {
	return models.RequestSpec{URL: "https://www.youtube.com/watch?v=abc123", Format: models.FormatVideo, Mode: models.ModeSingle}
}

func playlistSpec() models.RequestSpec {
	return models.RequestSpec{URL: "https://www.youtube.com/playlist?list=PL1", Format: models.FormatAudio, Mode: models.ModePlaylist}
}

type memJournal struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	deleted []string
}

func newMemJournal(seed ...*models.Job) *memJournal {
	j := &memJournal{jobs: make(map[string]*models.Job)}
	for _, job := range seed {
		j.jobs[job.ID] = job.Clone()
	}
	return j
}

func (m *memJournal) LoadJobs(ctx context.Context) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*models.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		ret = append(ret, job.Clone())
	}
	return ret, nil
}

func (m *memJournal) UpsertJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[job.ID]; ok && existing.Rev > job.Rev {
		return nil
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *memJournal) DeleteJob(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	m.deleted = append(m.deleted, jobID)
	return nil
}

func (m *memJournal) get(id string) (*models.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}
