// Package broker abstracts the durable message broker that downstream
// services consume from. The application only ever publishes; consuming is
// the collaborators' side of the contract.
package broker

import (
	"context"

	"github.com/marketbay/jobpipe/internal/domain"
)

// Publisher persists an envelope to a named queue. Implementations provision
// the queue (durable, with dead-letter and TTL arguments) on first use.
type Publisher interface {
	Publish(ctx context.Context, queue string, env domain.Envelope) error
}
