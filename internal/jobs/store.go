package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediagrab/internal/models"
)

var (
	// ErrNotFound is returned for ids the store does not hold, including
	// jobs already removed by the reaper.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when an update would move a job along
	// an edge the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// interruptedMessage is recorded on jobs that were in flight when the
// process stopped.
const interruptedMessage = "interrupted by server restart"

// Journal persists job snapshots so finished jobs survive a restart.
type Journal interface {
	LoadJobs(ctx context.Context) ([]*models.Job, error)
	UpsertJob(ctx context.Context, job *models.Job) error
	DeleteJob(ctx context.Context, jobID string) error
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithJournal mirrors every mutation into j.
func WithJournal(j Journal) StoreOption {
	return func(s *Store) { s.journal = j }
}

// WithClock overrides the time source used for CreatedAt and LastTouchedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the in-memory registry of jobs. Callers only ever see clones.
type Store struct {
	logger  *slog.Logger
	journal Journal
	now     func() time.Time

	// journalMu orders journal writes against Delete. It is always taken
	// before mu.
	journalMu sync.Mutex

	mu      sync.RWMutex
	jobs    map[string]*models.Job
	subs    map[string]map[uint64]chan models.Job
	nextSub uint64
}

func NewStore(logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		logger: logger,
		now:    time.Now,
		jobs:   make(map[string]*models.Job),
		subs:   make(map[string]map[uint64]chan models.Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create registers a new queued job for spec.
func (s *Store) Create(spec models.RequestSpec) (*models.Job, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	now := s.now()
	job := &models.Job{
		ID:            id.String(),
		Spec:          spec,
		Status:        models.StatusQueued,
		Message:       "queued",
		Rev:           1,
		CreatedAt:     now,
		LastTouchedAt: now,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	snapshot := job.Clone()
	s.mu.Unlock()

	s.persist(snapshot)
	return snapshot, nil
}

// Get returns a snapshot of the job.
func (s *Store) Get(id string) (*models.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return job.Clone(), true
}

// Touch refreshes the job's activity timestamp and returns a snapshot.
func (s *Store) Touch(id string) (*models.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	job.LastTouchedAt = s.now()
	return job.Clone(), true
}

// Update applies fn to a copy of the job and commits it if the resulting
// status is reachable from the current one. The record is left untouched on
// any error.
func (s *Store) Update(id string, fn func(*models.Job)) (*models.Job, error) {
	s.mu.Lock()
	current, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	next := current.Clone()
	fn(next)
	next.ID = current.ID
	next.Spec = current.Spec
	next.CreatedAt = current.CreatedAt
	if err := models.ValidateTransition(id, current.Status, next.Status); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	next.Rev = current.Rev + 1
	next.LastTouchedAt = s.now()
	s.jobs[id] = next
	snapshot := next.Clone()
	s.publishLocked(snapshot)
	s.mu.Unlock()

	s.persist(snapshot)
	return snapshot, nil
}

// Delete removes the job and closes its subscriptions. Deleting an unknown
// id is a no-op. A snapshot still waiting to be journaled is dropped.
func (s *Store) Delete(id string) {
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	for subID, ch := range s.subs[id] {
		close(ch)
		delete(s.subs[id], subID)
	}
	delete(s.subs, id)
	s.mu.Unlock()

	if ok && s.journal != nil {
		if err := s.journal.DeleteJob(context.Background(), id); err != nil {
			s.logger.Error("failed to delete job from journal", "job_id", id, "error", err)
		}
	}
}

// ListExpirable returns ids of jobs idle for strictly longer than ttl.
func (s *Store) ListExpirable(ttl time.Duration, now time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, job := range s.jobs {
		if now.Sub(job.LastTouchedAt) > ttl {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// ActiveCount reports how many jobs have not reached a terminal status.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			n++
		}
	}
	return n
}

// Len reports the number of stored jobs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// List returns snapshots of every job ordered by creation time.
func (s *Store) List() []*models.Job {
	s.mu.RLock()
	ret := make([]*models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		ret = append(ret, job.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.Before(ret[j].CreatedAt)
	})
	return ret
}

// Subscribe returns a channel that receives a snapshot after every update of
// the job. Slow readers only see the latest snapshot. The channel is closed
// when the job is deleted or cancel is called.
func (s *Store) Subscribe(id string) (<-chan models.Job, func(), bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil, func() {}, false
	}
	s.nextSub++
	subID := s.nextSub
	ch := make(chan models.Job, 1)
	if s.subs[id] == nil {
		s.subs[id] = make(map[uint64]chan models.Job)
	}
	s.subs[id][subID] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id][subID]; ok {
				close(c)
				delete(s.subs[id], subID)
				if len(s.subs[id]) == 0 {
					delete(s.subs, id)
				}
			}
		})
	}
	return ch, cancel, true
}

// publishLocked never blocks: a full buffer has its stale value replaced.
func (s *Store) publishLocked(job *models.Job) {
	for _, ch := range s.subs[job.ID] {
		select {
		case ch <- *job:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- *job:
		default:
		}
	}
}

// Hydrate restores journaled jobs. Jobs that were still running when the
// process stopped are failed, since no worker owns them anymore.
func (s *Store) Hydrate(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	loaded, err := s.journal.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("load journaled jobs: %w", err)
	}

	now := s.now()
	var interrupted []*models.Job
	s.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := raw.Clone()
		if !job.Status.Terminal() {
			job.Status = models.StatusError
			job.Message = interruptedMessage
			job.ErrorDetail = interruptedMessage
			job.Result = nil
			job.Rev++
			job.LastTouchedAt = now
			interrupted = append(interrupted, job.Clone())
		}
		s.jobs[job.ID] = job
	}
	s.mu.Unlock()

	for _, job := range interrupted {
		s.persist(job)
	}
	if len(interrupted) > 0 {
		s.logger.Warn("failed jobs interrupted by restart", "count", len(interrupted))
	}
	return len(loaded), nil
}

// persist writes job to the journal unless the record was deleted after the
// snapshot was taken.
func (s *Store) persist(job *models.Job) {
	if s.journal == nil || job == nil {
		return
	}
	s.journalMu.Lock()
	defer s.journalMu.Unlock()

	s.mu.RLock()
	_, live := s.jobs[job.ID]
	s.mu.RUnlock()
	if !live {
		return
	}
	if err := s.journal.UpsertJob(context.Background(), job); err != nil {
		s.logger.Error("failed to persist job", "job_id", job.ID, "error", err)
	}
}
