package pipeline

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/WatchBeam/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/marketbay/jobpipe/internal/domain"
)

// yieldEvery bounds how many dispatches happen between cooperative yields,
// so one large batch cannot starve other goroutines under GOMAXPROCS=1.
const yieldEvery = 10

// JobRunner executes one job to a terminal-for-this-attempt outcome. It must
// contain its own errors; the scheduler treats every run as settled when it
// returns.
type JobRunner interface {
	Process(ctx context.Context, job *domain.Job)
}

type SchedulerConfig struct {
	MaxConcurrent         int64
	BatchSize             int
	BackpressureThreshold int
}

// Scheduler fans a snapshot's pending jobs out over the runner while keeping
// at most MaxConcurrent in flight and at most BatchSize dispatches per
// snapshot. Excess pending jobs surface again on the next snapshot, since
// the listener's feed is always the full collection.
type Scheduler struct {
	runner JobRunner
	log    *zap.Logger
	clk    clock.Clock
	cfg    SchedulerConfig
	sem    *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewScheduler(runner JobRunner, log *zap.Logger, clk clock.Clock, cfg SchedulerConfig) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Scheduler{
		runner:   runner,
		log:      log,
		clk:      clk,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		inflight: make(map[string]struct{}),
	}
}

// InFlight reports how many jobs this instance is currently processing. The
// count is local to the process; it provides no cross-instance exclusion.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// HandleSnapshot runs one batch and returns once every dispatched job has
// settled, which keeps snapshots serialized relative to each other.
func (s *Scheduler) HandleSnapshot(ctx context.Context, jobs map[string]*domain.Job) {
	pending := make([]*domain.Job, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == domain.StatusPending {
			pending = append(pending, j)
		}
	}
	if len(pending) == 0 {
		return
	}

	s.log.Info("queue depth",
		zap.Int("pending", len(pending)),
		zap.Int("total", len(jobs)))
	if s.cfg.BackpressureThreshold > 0 && len(jobs) > s.cfg.BackpressureThreshold {
		s.log.Warn("backpressure: jobs collection is outgrowing cleanup",
			zap.Int("total", len(jobs)),
			zap.Int("threshold", s.cfg.BackpressureThreshold))
	}

	// Oldest first, so the batch cap never starves early jobs.
	sort.Slice(pending, func(i, k int) bool {
		if pending[i].QueuedAt != pending[k].QueuedAt {
			return pending[i].QueuedAt < pending[k].QueuedAt
		}
		return pending[i].ID < pending[k].ID
	})
	if len(pending) > s.cfg.BatchSize {
		pending = pending[:s.cfg.BatchSize]
	}

	start := s.clk.Now()
	var wg sync.WaitGroup
	dispatched := 0
	for _, job := range pending {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// shutdown mid-batch; already-dispatched jobs still settle below
			break
		}
		s.track(job.ID)
		wg.Add(1)
		go func(j *domain.Job) {
			defer wg.Done()
			defer s.sem.Release(1)
			defer s.untrack(j.ID)
			s.runner.Process(ctx, j)
		}(job)
		dispatched++
		if dispatched%yieldEvery == 0 {
			runtime.Gosched()
		}
	}
	wg.Wait()

	elapsed := s.clk.Now().Sub(start)
	var perJob time.Duration
	if dispatched > 0 {
		perJob = elapsed / time.Duration(dispatched)
	}
	s.log.Info("batch settled",
		zap.Int("dispatched", dispatched),
		zap.Duration("elapsed", elapsed),
		zap.Duration("per_job", perJob))
}

func (s *Scheduler) track(id string) {
	s.mu.Lock()
	s.inflight[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}
