// Package cleanup bounds the realtime store's growth: it deletes completed
// jobs past retention and migrates retry-exhausted failed jobs into the
// dlq quarantine collection, archiving both to Postgres first.
package cleanup

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/marketbay/jobpipe/internal/archive"
	"github.com/marketbay/jobpipe/internal/domain"
	"github.com/marketbay/jobpipe/internal/store"
)

// chunkSize bounds how many records are handled between cooperative yields.
const chunkSize = 100

// Archiver records a job before the sweep reclaims it. A nil Archiver
// disables archival.
type Archiver interface {
	ArchiveJob(ctx context.Context, j *domain.Job, reason string) error
}

type Config struct {
	Interval     time.Duration
	RetentionAge time.Duration
	// DefaultMaxRetries applies to jobs written without a maxRetries of
	// their own; it must match the processor's setting or quarantine and
	// retry decisions diverge.
	DefaultMaxRetries int
}

type Result struct {
	RunID       string `json:"runId"`
	Deleted     int    `json:"deleted"`
	Quarantined int    `json:"quarantined"`
}

type Service struct {
	store store.Store
	arch  Archiver
	log   *zap.Logger
	clk   clock.Clock
	cfg   Config

	mu      sync.Mutex
	stop    chan struct{}
	running bool

	// serializes manual and scheduled sweeps
	runMu sync.Mutex
}

func New(st store.Store, arch Archiver, log *zap.Logger, clk clock.Clock, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = 24 * time.Hour
	}
	return &Service{store: st, arch: arch, log: log, clk: clk, cfg: cfg}
}

// Start launches the recurring schedule. No-op when already running.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.stop = make(chan struct{})
	s.running = true
	go s.loop(s.stop)
	s.log.Info("cleanup schedule started", zap.Duration("interval", s.cfg.Interval))
}

// Stop detaches the schedule. An in-progress sweep runs to completion.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stop)
	s.running = false
	s.log.Info("cleanup schedule stopped")
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) Interval() time.Duration     { return s.cfg.Interval }
func (s *Service) RetentionAge() time.Duration { return s.cfg.RetentionAge }

func (s *Service) loop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-s.clk.After(s.cfg.Interval):
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			if _, err := s.RunCleanup(ctx, s.cfg.RetentionAge); err != nil {
				// next scheduled run retries naturally
				s.log.Error("scheduled cleanup", zap.Error(err))
			}
			cancel()
		}
	}
}

// RunCleanup sweeps the jobs collection once. Completed jobs whose
// completedAt is older than olderThan are deleted; failed jobs with an
// exhausted retry budget move to dlq/{id}. Per-job errors are collected and
// returned together; they never abort the sweep.
func (s *Service) RunCleanup(ctx context.Context, olderThan time.Duration) (Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	res := Result{RunID: uuid.NewString()}
	log := s.log.With(zap.String("run_id", res.RunID))
	log.Info("cleanup sweep starting", zap.Duration("older_than", olderThan))

	snap, err := s.store.List(ctx, store.JobsPath)
	if err != nil {
		return res, errors.Wrap(err, "list jobs")
	}
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cutoff := domain.Millis(s.clk.Now().Add(-olderThan))
	var errs error
	for i, id := range ids {
		if i > 0 && i%chunkSize == 0 {
			runtime.Gosched()
		}
		var job domain.Job
		if err := json.Unmarshal(snap[id], &job); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "decode job %s", id))
			continue
		}
		if job.ID == "" {
			job.ID = id
		}

		switch {
		case job.Status == domain.StatusCompleted && job.CompletedAt > 0 && job.CompletedAt < cutoff:
			if err := s.expire(ctx, &job); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			res.Deleted++
		case job.RetriesExhausted(s.cfg.DefaultMaxRetries):
			if err := s.quarantine(ctx, &job); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			res.Quarantined++
		}
	}

	log.Info("cleanup sweep finished",
		zap.Int("deleted", res.Deleted),
		zap.Int("quarantined", res.Quarantined),
		zap.Int("scanned", len(ids)))
	if errs != nil {
		log.Warn("cleanup sweep had per-job errors", zap.Error(errs))
	}
	return res, errs
}

// expire archives then deletes an old completed job. A job that cannot be
// archived is left in place for the next run rather than lost.
func (s *Service) expire(ctx context.Context, job *domain.Job) error {
	if s.arch != nil {
		if err := s.arch.ArchiveJob(ctx, job, archive.ReasonExpired); err != nil {
			return errors.Wrapf(err, "archive expired job %s", job.ID)
		}
	}
	if err := s.store.Delete(ctx, store.JobPath(job.ID)); err != nil {
		return errors.Wrapf(err, "delete expired job %s", job.ID)
	}
	return nil
}

// quarantine copies the full record to dlq/{id} with the migration markers,
// then deletes the original. The copy keeps the job's id.
func (s *Service) quarantine(ctx context.Context, job *domain.Job) error {
	moved := *job
	moved.MovedToDLQAt = domain.Millis(s.clk.Now())
	moved.OriginalPath = store.JobPath(job.ID)

	if s.arch != nil {
		if err := s.arch.ArchiveJob(ctx, &moved, archive.ReasonQuarantined); err != nil {
			return errors.Wrapf(err, "archive quarantined job %s", job.ID)
		}
	}
	if err := s.store.Write(ctx, store.DLQJobPath(job.ID), &moved); err != nil {
		return errors.Wrapf(err, "write dlq record %s", job.ID)
	}
	if err := s.store.Delete(ctx, store.JobPath(job.ID)); err != nil {
		return errors.Wrapf(err, "delete quarantined job %s", job.ID)
	}
	return nil
}
