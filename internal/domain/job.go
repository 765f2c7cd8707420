package domain

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// DefaultMaxRetries applies when a job record carries no maxRetries of its own.
const DefaultMaxRetries = 3

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// transitions holds the legal status edges. failed -> pending is the retry
// re-admission and is additionally gated on the retry budget (see CanRetry).
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusFailed:     {StatusPending},
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Job is the durable work item held under jobs/{id} in the realtime store.
// Creators write it; the processor mutates it in place; cleanup reclaims it.
// All timestamps are epoch milliseconds, all durations plain milliseconds.
type Job struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status Status `json:"status"`
	Source string `json:"source,omitempty"`

	ListingID string `json:"listingId,omitempty"`
	ImageID   string `json:"imageId,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
	QueuedAt  int64 `json:"queuedAt,omitempty"`

	ProcessedAt int64 `json:"processedAt,omitempty"`
	CompletedAt int64 `json:"completedAt,omitempty"`
	FailedAt    int64 `json:"failedAt,omitempty"`
	LastErrorAt int64 `json:"lastErrorAt,omitempty"`

	QueueWaitTime      int64 `json:"queueWaitTime,omitempty"`
	ProcessingDuration int64 `json:"processingDuration,omitempty"`
	TotalDuration      int64 `json:"totalDuration,omitempty"`

	RetryCount int `json:"retryCount"`
	MaxRetries int `json:"maxRetries,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorStack   string `json:"errorStack,omitempty"`

	ServiceName string `json:"serviceName,omitempty"`
	Version     string `json:"version,omitempty"`
	Environment string `json:"environment,omitempty"`

	UserID        string `json:"userId,omitempty"`
	IPAddress     string `json:"ipAddress,omitempty"`
	UserAgent     string `json:"userAgent,omitempty"`
	RequestID     string `json:"requestId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`

	// Set only on quarantined copies under dlq/{id}.
	MovedToDLQAt int64  `json:"movedToDLQAt,omitempty"`
	OriginalPath string `json:"originalPath,omitempty"`
}

// MaxAttempts returns the job's retry ceiling. Records written without one
// fall back to the service-configured default, then to DefaultMaxRetries.
func (j *Job) MaxAttempts(defaultMax int) int {
	if j.MaxRetries > 0 {
		return j.MaxRetries
	}
	if defaultMax > 0 {
		return defaultMax
	}
	return DefaultMaxRetries
}

func (j *Job) CanRetry(defaultMax int) bool {
	return j.RetryCount < j.MaxAttempts(defaultMax)
}

// RetriesExhausted reports whether a failed job is terminal and eligible for
// quarantine migration.
func (j *Job) RetriesExhausted(defaultMax int) bool {
	return j.Status == StatusFailed && j.RetryCount >= j.MaxAttempts(defaultMax)
}

func Millis(t time.Time) int64 { return t.UnixMilli() }
