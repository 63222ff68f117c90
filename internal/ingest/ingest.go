// Package ingest feeds frames published on a NATS subject into the pipeline
// queue.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/nats-io/nats.go"

	"github.com/linnemanlabs/roadwatch/internal/pipeline"
)

// DefaultEnqueueTimeout bounds how long one message may wait for queue space.
const DefaultEnqueueTimeout = 5 * time.Second

// Enqueuer accepts frames for asynchronous processing.
type Enqueuer interface {
	Enqueue(ctx context.Context, f pipeline.Frame) error
}

// Stats counts message outcomes since the consumer was created.
type Stats struct {
	Enqueued uint64
	Invalid  uint64
	Dropped  uint64
}

// Consumer decodes frame messages and enqueues them.
type Consumer struct {
	enq     Enqueuer
	logger  log.Logger
	timeout time.Duration

	enqueued atomic.Uint64
	invalid  atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a Consumer. A timeout <= 0 uses DefaultEnqueueTimeout.
func New(enq Enqueuer, timeout time.Duration, logger log.Logger) *Consumer {
	if enq == nil {
		panic(xerrors.New("ingest: enqueuer is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultEnqueueTimeout
	}
	return &Consumer{enq: enq, logger: logger, timeout: timeout}
}

// Subscribe attaches c to subject. Consumers sharing a queue group split the
// stream between them.
func Subscribe(conn *nats.Conn, subject, queue string, c *Consumer) (*nats.Subscription, error) {
	sub, err := conn.QueueSubscribe(subject, queue, c.Handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Handle is a nats.MsgHandler. It blocks while the pipeline queue is full, so
// a saturated pipeline pushes back on the subscription.
func (c *Consumer) Handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	if err := c.handle(ctx, msg.Data); err != nil {
		c.logger.Warn(ctx, "frame message dropped", "subject", msg.Subject, "err", err)
	}
}

var errInvalid = errors.New("invalid frame")

func (c *Consumer) handle(ctx context.Context, data []byte) error {
	var f pipeline.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		c.invalid.Add(1)
		return fmt.Errorf("%w: %w", errInvalid, err)
	}
	if err := f.Validate(); err != nil {
		c.invalid.Add(1)
		return fmt.Errorf("%w: %w", errInvalid, err)
	}
	if err := c.enq.Enqueue(ctx, f); err != nil {
		c.dropped.Add(1)
		return fmt.Errorf("enqueue %s/%d: %w", f.SourceID, f.FrameIndex, err)
	}
	c.enqueued.Add(1)
	return nil
}

// Stats returns a snapshot of the counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Enqueued: c.enqueued.Load(),
		Invalid:  c.invalid.Load(),
		Dropped:  c.dropped.Load(),
	}
}
