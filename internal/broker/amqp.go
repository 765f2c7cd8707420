package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/marketbay/jobpipe/internal/domain"
)

// AMQP publishes persistent messages to RabbitMQ. Queues are declared
// lazily, durable, with a per-queue dead-letter exchange and a message TTL,
// and the declaration is remembered so the broker round-trip happens once
// per queue per process.
type AMQP struct {
	conn       *amqp.Connection
	messageTTL time.Duration

	mu       sync.Mutex
	ch       *amqp.Channel
	declared map[string]struct{}
}

func NewAMQP(ctx context.Context, url string, messageTTL time.Duration) (*AMQP, error) {
	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.Dial(url)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(dial, bo); err != nil {
		return nil, errors.Wrap(err, "amqp dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "amqp channel")
	}
	return &AMQP{
		conn:       conn,
		messageTTL: messageTTL,
		ch:         ch,
		declared:   make(map[string]struct{}),
	}, nil
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

// ensureQueue declares the queue plus its dead-letter pair. Caller holds mu.
func (p *AMQP) ensureQueue(queue string) error {
	if _, ok := p.declared[queue]; ok {
		return nil
	}
	dlx := queue + ".dlx"
	if err := p.ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare dlx for %s", queue)
	}
	if _, err := p.ch.QueueDeclare(queue+".dead", true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare dead queue for %s", queue)
	}
	if err := p.ch.QueueBind(queue+".dead", "", dlx, false, nil); err != nil {
		return errors.Wrapf(err, "bind dead queue for %s", queue)
	}
	_, err := p.ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
		"x-message-ttl":          p.messageTTL.Milliseconds(),
	})
	if err != nil {
		return errors.Wrapf(err, "declare queue %s", queue)
	}
	p.declared[queue] = struct{}{}
	return nil
}

func (p *AMQP) Publish(ctx context.Context, queue string, env domain.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	// amqp channels are not safe for concurrent use.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureQueue(queue); err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID,
		Timestamp:    time.UnixMilli(env.Timestamp),
		Body:         body,
	})
	if err != nil {
		return errors.Wrapf(err, "publish to %s", queue)
	}
	return nil
}
