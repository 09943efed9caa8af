// Package worker drains the event queue into the ingest coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/okian/racepulse/internal/adapters/mq/queue"
	"github.com/okian/racepulse/internal/domain/ingest"
	"github.com/okian/racepulse/internal/domain/model"
	"github.com/okian/racepulse/pkg/logger"
	"github.com/okian/racepulse/pkg/metrics"
)

// Default worker configuration constants.
const (
	defaultRetries      = 3
	defaultRetryInitial = 200 * time.Millisecond
	defaultRetryMax     = 5 * time.Second
)

// Processor runs one event through the pipeline.
type Processor interface {
	Process(ctx context.Context, raw model.RawCheckpointEvent) (ingest.Outcome, error)
}

// Queue defines how workers receive events.
type Queue interface {
	Dequeue() <-chan queue.Event
}

// InMemoryWorker processes queued events one at a time.
type InMemoryWorker struct {
	queue     Queue
	processor Processor
	name      string
	logger    logger.Logger

	retries      int
	retryInitial time.Duration
	retryMax     time.Duration

	done chan struct{}
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(q Queue, processor Processor, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:        q,
		processor:    processor,
		name:         "worker",
		retries:      defaultRetries,
		retryInitial: defaultRetryInitial,
		retryMax:     defaultRetryMax,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = logger.Get().Named(w.name)
	}
	return w
}

// Run consumes events until the queue channel closes or ctx is done.
// Events already buffered when the queue closes are still processed.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	events := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := w.handle(ctx, ev); err != nil {
				w.logger.Error(ctx, "event dropped",
					logger.String("raceId", ev.CompetitionID),
					logger.String("participantId", ev.ParticipantID),
					logger.Error(err),
				)
			}
		}
	}
}

// Done is closed once Run returns.
func (w *InMemoryWorker) Done() <-chan struct{} {
	return w.done
}

// handle processes ev, retrying with exponential backoff while the failure
// is a downstream dependency. Validation and configuration errors are final.
func (w *InMemoryWorker) handle(ctx context.Context, ev queue.Event) error { //nolint:gocritic // hugeParam: values come off the channel
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.retryInitial
	b.MaxInterval = w.retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	for attempt := 0; ; attempt++ {
		_, err := w.processor.Process(ctx, ev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrDownstreamDependency) || attempt >= w.retries {
			metrics.RecordErrorByComponent("worker", "process")
			return err
		}
		wait := b.NextBackOff()
		w.logger.Warn(ctx, "retrying event",
			logger.String("participantId", ev.ParticipantID),
			logger.Int("attempt", attempt+1),
			logger.Duration("wait", wait),
			logger.Error(err),
		)
		select {
		case <-ctx.Done():
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers []*InMemoryWorker
	queue   queue.Queue
	logger  logger.Logger

	closeOnce sync.Once
}

// NewPool creates workerCount workers. workerCount < 1 means one per CPU.
func NewPool(workerCount int, q queue.Queue, processor Processor, opts ...Option) *Pool {
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	p := &Pool{
		workers: make([]*InMemoryWorker, workerCount),
		queue:   q,
		logger:  logger.Get().Named("worker-pool"),
	}
	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, opts...)
		p.workers[i] = NewInMemoryWorker(q, processor, wopts...)
	}
	metrics.UpdateWorkerCount(workerCount)
	return p
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
}

// Shutdown closes the queue and waits for the workers to drain it, or for
// ctx to end.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.closeOnce.Do(func() {
		if err := p.queue.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	})

	for i, w := range p.workers {
		select {
		case <-w.done:
		case <-ctx.Done():
			p.logger.Warn(ctx, "worker shutdown timed out",
				logger.Int("worker_id", i), logger.Int("pending", p.queue.Len()))
			return fmt.Errorf("shutdown timed out: %w", ctx.Err())
		}
	}
	metrics.UpdateWorkerCount(0)
	return nil
}
