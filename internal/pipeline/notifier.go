package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/marketbay/jobpipe/internal/broker"
	"github.com/marketbay/jobpipe/internal/domain"
)

// Notifier receives the best-effort side effects the processor fires after a
// job completes.
type Notifier interface {
	ListingActivated(ctx context.Context, job *domain.Job) error
}

// QueueNotifier publishes notifications through the same broker the routing
// envelopes use, onto a dedicated notifications queue.
type QueueNotifier struct {
	pub   broker.Publisher
	queue string
}

type notificationPayload struct {
	ListingID string `json:"listingId"`
	UserID    string `json:"userId,omitempty"`
	JobID     string `json:"jobId"`
}

func NewQueueNotifier(pub broker.Publisher, queue string) *QueueNotifier {
	return &QueueNotifier{pub: pub, queue: queue}
}

func (n *QueueNotifier) ListingActivated(ctx context.Context, job *domain.Job) error {
	env := domain.Envelope{
		ID:        uuid.NewString(),
		Type:      "notification",
		Action:    "listing_active",
		Timestamp: job.CompletedAt,
		Source:    job.Source,
		RecordID:  job.ListingID,
		Data: notificationPayload{
			ListingID: job.ListingID,
			UserID:    job.UserID,
			JobID:     job.ID,
		},
	}
	return n.pub.Publish(ctx, n.queue, env)
}
