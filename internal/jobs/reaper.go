package jobs

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"mediagrab/internal/models"
)

const (
	DefaultTTL             = time.Hour
	DefaultReapSchedule    = "@every 30s"
	DefaultReapMinInterval = 5 * time.Second

	expiredMessage = "job expired"
)

// Pruner forgets idle rate-limit identities.
type Pruner interface {
	Prune(now time.Time) int
}

// ReaperConfig controls how long idle jobs are kept.
type ReaperConfig struct {
	Root string
	// TTL applies to every status and is measured from LastTouchedAt.
	TTL time.Duration
	// MinInterval bounds how often MaybeSweep actually sweeps.
	MinInterval time.Duration
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired          []string
	PrunedIdentities int
	DirsRemoved      int
}

// Reaper expires idle jobs and deletes their artifacts.
type Reaper struct {
	logger *slog.Logger
	store  *Store
	pruner Pruner
	cfg    ReaperConfig

	sweepMu   sync.Mutex
	mu        sync.Mutex
	lastSweep time.Time
	cron      *cron.Cron
}

func NewReaper(logger *slog.Logger, store *Store, pruner Pruner, cfg ReaperConfig) *Reaper {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	return &Reaper{
		logger: logger,
		store:  store,
		pruner: pruner,
		cfg:    cfg,
	}
}

// Start schedules sweeps with a cron expression such as "@every 30s".
func (r *Reaper) Start(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultReapSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.Sweep(time.Now()) }); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	r.logger.Info("reaper scheduled", "schedule", schedule, "ttl", r.cfg.TTL.String())
	return nil
}

// Stop halts scheduled sweeps and waits for a running one to finish.
func (r *Reaper) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MaybeSweep sweeps unless one ran within MinInterval of now. It reports
// whether a sweep ran.
func (r *Reaper) MaybeSweep(now time.Time) bool {
	r.mu.Lock()
	due := r.lastSweep.IsZero() || now.Sub(r.lastSweep) >= r.cfg.MinInterval
	r.mu.Unlock()
	if !due {
		return false
	}
	r.Sweep(now)
	return true
}

// Sweep expires every job idle for longer than the TTL, removes its
// directory and record, prunes idle rate-limit identities and removes stale
// scratch directories. Running it twice with the same now is a no-op the
// second time.
func (r *Reaper) Sweep(now time.Time) SweepResult {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()
	r.mu.Lock()
	r.lastSweep = now
	r.mu.Unlock()

	var result SweepResult
	for _, id := range r.store.ListExpirable(r.cfg.TTL, now) {
		r.expire(id)
		result.Expired = append(result.Expired, id)
	}
	if r.pruner != nil {
		result.PrunedIdentities = r.pruner.Prune(now)
	}
	result.DirsRemoved = r.removeStaleDirs(now)

	if len(result.Expired) > 0 || result.DirsRemoved > 0 {
		r.logger.Info("reaper sweep",
			"expired", len(result.Expired),
			"pruned_identities", result.PrunedIdentities,
			"dirs_removed", result.DirsRemoved,
		)
	}
	return result
}

func (r *Reaper) expire(id string) {
	_, err := r.store.Update(id, func(j *models.Job) {
		j.Status = models.StatusExpired
		j.Message = expiredMessage
		j.ErrorDetail = expiredMessage
		j.Result = nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		r.logger.Warn("failed to mark job expired", "job_id", id, "error", err)
	}
	if dir, ok := r.jobDir(id); ok {
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Warn("failed to remove job artifacts", "job_id", id, "path", dir, "error", err)
		}
	}
	r.store.Delete(id)
}

func (r *Reaper) jobDir(id string) (string, bool) {
	if r.cfg.Root == "" || id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return "", false
	}
	return filepath.Join(r.cfg.Root, id), true
}

// removeStaleDirs deletes scratch directories and job directories no record
// refers to, once they are older than the TTL.
func (r *Reaper) removeStaleDirs(now time.Time) int {
	if r.cfg.Root == "" {
		return 0
	}
	entries, err := os.ReadDir(r.cfg.Root)
	if err != nil {
		if !os.IsNotExist(err) {
			r.logger.Warn("failed to list storage root", "path", r.cfg.Root, "error", err)
		}
		return 0
	}
	cutoff := now.Add(-r.cfg.TTL)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if !strings.HasPrefix(name, stagingPrefix) {
			if _, tracked := r.store.Get(name); tracked {
				continue
			}
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(r.cfg.Root, name)
		if err := os.RemoveAll(path); err != nil {
			r.logger.Warn("failed to remove stale directory", "path", path, "error", err)
			continue
		}
		removed++
	}
	return removed
}
