// Package pipeline contains the realtime dispatch path: the store
// subscription (Listener), the bounded-concurrency fan-out (Scheduler) and
// the per-job state machine (Processor).
package pipeline

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/marketbay/jobpipe/internal/domain"
	"github.com/marketbay/jobpipe/internal/store"
)

// SnapshotHandler receives the full decoded jobs collection on every change.
type SnapshotHandler interface {
	HandleSnapshot(ctx context.Context, jobs map[string]*domain.Job)
}

// Listener holds the single live subscription to the jobs collection and
// forwards every snapshot to the handler. The service cannot operate without
// this feed; a subscribe failure is returned to the caller and treated as
// fatal at start-up.
type Listener struct {
	store   store.Store
	handler SnapshotHandler
	log     *zap.Logger

	mu     sync.Mutex
	unsub  func()
	subCtx context.Context
}

func NewListener(st store.Store, handler SnapshotHandler, log *zap.Logger) *Listener {
	return &Listener{store: st, handler: handler, log: log}
}

// Start subscribes to the jobs collection. No-op when already listening.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsub != nil {
		return nil
	}
	unsub, err := l.store.Subscribe(ctx, store.JobsPath, func(snap store.Snapshot) {
		l.handler.HandleSnapshot(ctx, l.decode(snap))
	})
	if err != nil {
		return err
	}
	l.unsub = unsub
	l.subCtx = ctx
	l.log.Info("job listener started", zap.String("path", store.JobsPath))
	return nil
}

// Stop detaches the subscription. No-op when not listening. In-flight jobs
// are not pre-empted.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unsub == nil {
		return
	}
	l.unsub()
	l.unsub = nil
	l.subCtx = nil
	l.log.Info("job listener stopped")
}

// Running reports whether the feed is actually live: a canceled Start
// context kills the subscription goroutines, so it counts as down even
// before Stop is called.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unsub != nil && l.subCtx.Err() == nil
}

func (l *Listener) decode(snap store.Snapshot) map[string]*domain.Job {
	jobs := make(map[string]*domain.Job, len(snap))
	for id, raw := range snap {
		var j domain.Job
		if err := json.Unmarshal(raw, &j); err != nil {
			l.log.Warn("skipping undecodable job record",
				zap.String("job_id", id), zap.Error(err))
			continue
		}
		if j.ID == "" {
			j.ID = id
		}
		jobs[id] = &j
	}
	return jobs
}
