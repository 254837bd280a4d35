package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"mediagrab/internal/extractor"
	"mediagrab/internal/models"
)

var (
	// ErrAtCapacity is returned by Submit when every admission slot is held.
	ErrAtCapacity = errors.New("server busy, too many jobs in progress")
	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("server is shutting down")
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 2 * time.Second
)

// RunnerConfig holds the worker limits.
type RunnerConfig struct {
	// Root is the storage root; each job writes to Root/<jobID>.
	Root         string
	MaxFileBytes int64
	MaxAttempts  int
	RetryBackoff time.Duration
	// HeartbeatInterval is how often a running job is touched while the
	// extraction call blocks. Zero disables heartbeats.
	HeartbeatInterval time.Duration
}

// HeartbeatInterval derives a touch interval that keeps a running job well
// inside ttl.
func HeartbeatInterval(ttl time.Duration) time.Duration {
	interval := ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

// Runner spawns one worker goroutine per admitted job.
type Runner struct {
	logger    *slog.Logger
	store     *Store
	client    extractor.Client
	admission *Admission
	cfg       RunnerConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewRunner(logger *slog.Logger, store *Store, client extractor.Client, admission *Admission, cfg RunnerConfig) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger:    logger,
		store:     store,
		client:    client,
		admission: admission,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit admits spec, records a queued job and starts its worker. Nothing is
// recorded when admission fails.
func (r *Runner) Submit(spec models.RequestSpec) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrShuttingDown
	}
	if !r.admission.TryAdmit() {
		return nil, ErrAtCapacity
	}
	job, err := r.store.Create(spec)
	if err != nil {
		r.admission.Release()
		return nil, err
	}
	r.wg.Add(1)
	go r.run(job.ID, spec)
	return job, nil
}

// Shutdown cancels running retrievals and waits for their workers to record
// a final state.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) run(id string, spec models.RequestSpec) {
	defer r.wg.Done()
	defer r.admission.Release()

	logger := r.logger.With("job_id", id, "format", spec.Format, "mode", spec.Mode)
	jobDir := filepath.Join(r.cfg.Root, id)
	started := time.Now()

	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		r.fail(logger, id, jobDir, extractor.WrapError(extractor.KindStorage, "could not prepare storage", err))
		return
	}

	result, err := r.process(logger, id, spec, jobDir)
	if err != nil {
		r.fail(logger, id, jobDir, err)
		return
	}

	_, err = r.store.Update(id, func(j *models.Job) {
		j.Status = models.StatusReady
		j.Message = "ready"
		j.Percent = 100
		j.Result = result
		j.ErrorDetail = ""
	})
	if err != nil {
		r.abandon(logger, jobDir, err)
		return
	}
	logger.Info("job ready",
		"artifact", result.Name(),
		"duration", time.Since(started).Round(time.Millisecond).String(),
	)
}

// process drives processing <-> retrying until the retrieval succeeds, fails
// permanently or runs out of attempts.
func (r *Runner) process(logger *slog.Logger, id string, spec models.RequestSpec, jobDir string) (*models.Result, error) {
	for attempt := 1; ; attempt++ {
		_, err := r.store.Update(id, func(j *models.Job) {
			j.Status = models.StatusProcessing
			j.Attempt = attempt
			j.Message = "retrieving media"
			j.Percent = 0
		})
		if err != nil {
			return nil, err
		}

		outcome, err := r.retrieve(id, spec, jobDir)
		if err == nil {
			return r.collect(logger, id, spec, jobDir, outcome)
		}
		if r.ctx.Err() != nil {
			return nil, r.ctx.Err()
		}
		if !extractor.IsKind(err, extractor.KindTransient) || attempt >= r.cfg.MaxAttempts {
			return nil, err
		}

		logger.Warn("transient retrieval failure, retrying",
			"attempt", attempt,
			"max_attempts", r.cfg.MaxAttempts,
			"backoff", r.cfg.RetryBackoff.String(),
			"error", err,
		)
		_, err = r.store.Update(id, func(j *models.Job) {
			j.Status = models.StatusRetrying
			j.Message = fmt.Sprintf("source busy, retrying (attempt %d/%d)", attempt+1, r.cfg.MaxAttempts)
			j.Percent = 0
		})
		if err != nil {
			return nil, err
		}
		// partial files would make the next attempt skip the entry
		if err := resetDir(jobDir); err != nil {
			return nil, extractor.WrapError(extractor.KindStorage, "could not prepare storage", err)
		}
		if err := sleepCtx(r.ctx, r.cfg.RetryBackoff); err != nil {
			return nil, err
		}
	}
}

func (r *Runner) retrieve(id string, spec models.RequestSpec, jobDir string) (extractor.Outcome, error) {
	hbCtx, stop := context.WithCancel(r.ctx)
	defer stop()
	if r.cfg.HeartbeatInterval > 0 {
		go r.heartbeat(hbCtx, id)
	}

	lastPercent, lastMessage := -1, ""
	progress := func(percent int, message string) {
		if percent == lastPercent && message == lastMessage {
			return
		}
		lastPercent, lastMessage = percent, message
		_, _ = r.store.Update(id, func(j *models.Job) {
			j.Percent = percent
			j.Message = message
		})
	}
	return r.client.Retrieve(r.ctx, spec, jobDir, progress)
}

func (r *Runner) heartbeat(ctx context.Context, id string) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, ok := r.store.Touch(id); !ok {
				return
			}
		}
	}
}

// collect checks the produced files against the size limit and turns them
// into the job's result.
func (r *Runner) collect(logger *slog.Logger, id string, spec models.RequestSpec, jobDir string, outcome extractor.Outcome) (*models.Result, error) {
	usable, total := usableFiles(logger, jobDir, outcome.Files)

	if spec.Mode != models.ModePlaylist {
		if len(usable) == 0 {
			return nil, extractor.NewError(extractor.KindStorage, "retrieval produced no usable file")
		}
		if r.overLimit(total) {
			_ = resetDir(jobDir)
			return nil, extractor.NewError(extractor.KindSizeLimit,
				fmt.Sprintf("file is %s, over the %s limit", humanize.Bytes(uint64(total)), humanize.Bytes(uint64(r.cfg.MaxFileBytes))))
		}
		return &models.Result{File: extractor.OutputName(id, usable[0])}, nil
	}

	if len(usable) == 0 {
		return nil, extractor.NewError(extractor.KindPermanent, "no playlist entries could be retrieved")
	}
	if skipped := len(outcome.Files) - len(usable); skipped > 0 {
		logger.Warn("playlist entries excluded", "skipped", skipped, "kept", len(usable))
	}
	if r.overLimit(total) {
		_ = resetDir(jobDir)
		return nil, extractor.NewError(extractor.KindSizeLimit,
			fmt.Sprintf("playlist is %s, over the %s limit", humanize.Bytes(uint64(total)), humanize.Bytes(uint64(r.cfg.MaxFileBytes))))
	}

	_, _ = r.store.Update(id, func(j *models.Job) {
		j.Message = fmt.Sprintf("packaging %d entries", len(usable))
	})
	archive, err := packagePlaylist(r.cfg.Root, jobDir, id, usable)
	if err != nil {
		return nil, extractor.WrapError(extractor.KindStorage, "could not package playlist", err)
	}
	logger.Info("playlist packaged", "entries", len(usable), "size", humanize.Bytes(uint64(total)))
	return &models.Result{Archive: extractor.OutputName(id, archive)}, nil
}

func (r *Runner) overLimit(size int64) bool {
	return r.cfg.MaxFileBytes > 0 && size > r.cfg.MaxFileBytes
}

// fail records err on the job with a client-safe message and drops any
// partial output.
func (r *Runner) fail(logger *slog.Logger, id, jobDir string, err error) {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
		r.abandon(logger, jobDir, err)
		return
	}
	logger.Error("job failed", "error", err)
	_ = os.RemoveAll(jobDir)

	detail := extractor.PublicMessage(err)
	_, uerr := r.store.Update(id, func(j *models.Job) {
		j.Status = models.StatusError
		j.Message = "failed"
		j.ErrorDetail = detail
		j.Result = nil
	})
	if uerr != nil && !errors.Is(uerr, ErrNotFound) && !errors.Is(uerr, ErrInvalidTransition) {
		logger.Error("failed to record job failure", "error", uerr)
	}
}

// abandon removes output of a job whose record was expired or reaped while
// the worker was still running.
func (r *Runner) abandon(logger *slog.Logger, jobDir string, cause error) {
	logger.Info("job no longer tracked, removing its artifacts", "reason", cause)
	if err := os.RemoveAll(jobDir); err != nil {
		logger.Warn("failed to remove abandoned job directory", "path", jobDir, "error", err)
	}
}

// usableFiles keeps the regular, non-empty files that live directly inside
// jobDir and returns their combined size.
func usableFiles(logger *slog.Logger, jobDir string, files []string) ([]string, int64) {
	var (
		usable []string
		total  int64
		seen   = make(map[string]bool, len(files))
	)
	for _, path := range files {
		if !filepath.IsAbs(path) {
			path = filepath.Join(jobDir, path)
		}
		path = filepath.Clean(path)
		if seen[path] {
			continue
		}
		seen[path] = true
		if filepath.Dir(path) != filepath.Clean(jobDir) || strings.HasPrefix(filepath.Base(path), ".") {
			logger.Warn("ignoring output outside job directory", "path", path)
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
			logger.Warn("excluding missing or empty output", "path", path)
			continue
		}
		usable = append(usable, path)
		total += info.Size()
	}
	return usable, total
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
