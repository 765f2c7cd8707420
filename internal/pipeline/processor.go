package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/WatchBeam/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/marketbay/jobpipe/internal/broker"
	"github.com/marketbay/jobpipe/internal/domain"
	"github.com/marketbay/jobpipe/internal/store"
)

// Error codes written to failed job records. Routing errors are not
// distinguishable from publish errors by the retry logic; both consume an
// attempt.
const (
	codeRoutingFailed = "ROUTING_FAILED"
	codePublishFailed = "PUBLISH_FAILED"
)

const (
	actionProcessUpload = "process_upload"
	actionSyncSearch    = "sync_search"
)

type ProcessorConfig struct {
	UploadQueue     string
	SearchSyncQueue string
	RetryDelay      time.Duration
	// DefaultMaxRetries applies to jobs written without a maxRetries of
	// their own.
	DefaultMaxRetries int
}

// Processor drives one job through the state machine:
// pending -> processing -> completed, or -> failed with a delayed
// re-admission to pending while the retry budget lasts. All errors are
// contained here; Process never panics the scheduler on a poisoned job.
type Processor struct {
	store    store.Store
	pub      broker.Publisher
	notifier Notifier
	log      *zap.Logger
	clk      clock.Clock
	cfg      ProcessorConfig
}

func NewProcessor(st store.Store, pub broker.Publisher, notifier Notifier, log *zap.Logger, clk clock.Clock, cfg ProcessorConfig) *Processor {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Processor{store: st, pub: pub, notifier: notifier, log: log, clk: clk, cfg: cfg}
}

func (p *Processor) Process(ctx context.Context, job *domain.Job) {
	log := p.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))

	// Snapshot copies go stale across overlapping snapshots; re-read before
	// the guard. A failed read falls back to the snapshot copy.
	var cur domain.Job
	found, err := p.store.Read(ctx, store.JobPath(job.ID), &cur)
	if err != nil {
		log.Warn("re-reading job before dispatch", zap.Error(err))
	} else if !found {
		return // deleted since the snapshot
	} else {
		job = &cur
	}

	// Idempotency guard: only pending may move to processing. Skips
	// completed and processing records, and failed ones awaiting their
	// delayed re-admission. Best effort only: two dispatches racing between
	// this check and the processing write can both proceed.
	if !domain.CanTransition(job.Status, domain.StatusProcessing) {
		return
	}

	processedAt := domain.Millis(p.clk.Now())
	var queueWait int64
	if job.QueuedAt > 0 {
		queueWait = processedAt - job.QueuedAt
	}
	err = p.store.Update(ctx, store.JobPath(job.ID), map[string]interface{}{
		"status":        domain.StatusProcessing,
		"processedAt":   processedAt,
		"queueWaitTime": queueWait,
	})
	if err != nil {
		// Leave the record as the last successful write left it; the next
		// snapshot re-admits it naturally.
		log.Error("marking job processing", zap.Error(err))
		return
	}
	job.Status = domain.StatusProcessing
	job.ProcessedAt = processedAt
	job.QueueWaitTime = queueWait

	queue, env, err := p.route(job)
	if err != nil {
		p.fail(ctx, log, job, err, codeRoutingFailed)
		return
	}
	if err := p.pub.Publish(ctx, queue, env); err != nil {
		p.fail(ctx, log, job, err, codePublishFailed)
		return
	}

	completedAt := domain.Millis(p.clk.Now())
	processingDuration := completedAt - processedAt
	var totalDuration int64
	if job.QueuedAt > 0 {
		totalDuration = completedAt - job.QueuedAt
	}
	err = p.store.Update(ctx, store.JobPath(job.ID), map[string]interface{}{
		"status":             domain.StatusCompleted,
		"completedAt":        completedAt,
		"processingDuration": processingDuration,
		"totalDuration":      totalDuration,
	})
	if err != nil {
		// Message is already published; the record stays processing until an
		// operator or retry intervenes. Known partial-update gap.
		log.Error("marking job completed", zap.Error(err))
		return
	}
	job.Status = domain.StatusCompleted
	job.CompletedAt = completedAt
	job.ProcessingDuration = processingDuration
	job.TotalDuration = totalDuration
	log.Info("job completed",
		zap.String("queue", queue),
		zap.Int64("queue_wait_ms", queueWait),
		zap.Int64("processing_ms", processingDuration),
		zap.Int64("total_ms", totalDuration))

	p.maybeNotify(ctx, log, job)
}

// route builds the queue-bound envelope for the job's family.
func (p *Processor) route(job *domain.Job) (string, domain.Envelope, error) {
	env := domain.Envelope{
		ID:        job.ID,
		Type:      job.Type,
		Timestamp: domain.Millis(p.clk.Now()),
		Source:    job.Source,
	}
	switch job.Family() {
	case domain.FamilyImage:
		if job.ImageID == "" {
			return "", env, errors.Errorf("image job %s has no imageId", job.ID)
		}
		env.Action = actionProcessUpload
		env.RecordID = job.ImageID
		env.Data = domain.ImagePayload{
			ImageID:         job.ImageID,
			UserID:          job.UserID,
			UploadKind:      job.Metadata["uploadKind"],
			Transformations: job.Metadata["transformations"],
		}
		return p.cfg.UploadQueue, env, nil
	default:
		if job.ListingID == "" {
			return "", env, errors.Errorf("listing job %s has no listingId", job.ID)
		}
		env.Action = actionSyncSearch
		env.RecordID = job.ListingID
		env.Data = domain.ListingPayload{
			ListingID: job.ListingID,
			Change: domain.StatusChange{
				Field:     "status",
				NewValue:  job.Metadata["newStatus"],
				ChangedAt: job.Timestamp,
			},
		}
		return p.cfg.SearchSyncQueue, env, nil
	}
}

// fail records the failed attempt and, while the retry budget lasts,
// schedules the delayed flip back to pending.
func (p *Processor) fail(ctx context.Context, log *zap.Logger, job *domain.Job, cause error, code string) {
	now := domain.Millis(p.clk.Now())
	retryCount := job.RetryCount + 1
	var processingDuration int64
	if job.ProcessedAt > 0 {
		processingDuration = now - job.ProcessedAt
	}
	err := p.store.Update(ctx, store.JobPath(job.ID), map[string]interface{}{
		"status":             domain.StatusFailed,
		"failedAt":           now,
		"lastErrorAt":        now,
		"processingDuration": processingDuration,
		"errorMessage":       cause.Error(),
		"errorCode":          code,
		"errorStack":         fmt.Sprintf("%+v", cause),
		"retryCount":         retryCount,
	})
	if err != nil {
		log.Error("marking job failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	job.Status = domain.StatusFailed
	job.RetryCount = retryCount

	if !job.CanRetry(p.cfg.DefaultMaxRetries) {
		log.Warn("retry budget exhausted, leaving job failed for quarantine",
			zap.Int("retry_count", retryCount),
			zap.Int("max_retries", job.MaxAttempts(p.cfg.DefaultMaxRetries)),
			zap.String("error_code", code),
			zap.Error(cause))
		return
	}
	log.Info("job failed, scheduling re-admission",
		zap.Int("retry_count", retryCount),
		zap.Duration("delay", p.cfg.RetryDelay),
		zap.String("error_code", code),
		zap.Error(cause))
	go p.readmit(log, job.ID, retryCount)
}

// readmit flips the job back to pending after the constant retry delay. The
// write uses its own context: re-admission must survive the snapshot
// callback that spawned it.
func (p *Processor) readmit(log *zap.Logger, id string, retryCount int) {
	<-p.clk.After(p.cfg.RetryDelay)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := p.store.Update(ctx, store.JobPath(id), map[string]interface{}{
		"status":     domain.StatusPending,
		"retryCount": retryCount,
	})
	if err != nil {
		log.Error("re-admitting failed job", zap.Error(err))
		return
	}
	log.Info("job re-admitted to pending", zap.Int("retry_count", retryCount))
}

// maybeNotify fires the best-effort listing-activated notification. Not part
// of the job's correctness contract; failures are only logged.
func (p *Processor) maybeNotify(ctx context.Context, log *zap.Logger, job *domain.Job) {
	if p.notifier == nil || job.Family() != domain.FamilyListing {
		return
	}
	if job.Metadata["newStatus"] != "active" {
		return
	}
	if err := p.notifier.ListingActivated(ctx, job); err != nil {
		log.Warn("listing-activated notification", zap.Error(err))
	}
}
