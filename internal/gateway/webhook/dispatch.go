package webhook

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jkaninda/daraja/internal/domain"
	"github.com/jkaninda/daraja/internal/observability"
)

// job is one acknowledged event awaiting processing.
type job struct {
	event   *domain.CanonicalEvent
	eventID string // Platform event id, empty on socket-style payloads.
	logger  *slog.Logger
}

// dispatcher decouples acknowledgement from processing. Handlers enqueue
// and return; a fixed worker pool drains. The queue is bounded, and a full
// queue drops the newest event rather than blocking the listener.
type dispatcher struct {
	label   string
	queue   chan *job
	logger  *slog.Logger
	metrics *observability.MetricsCollector
	process func(ctx context.Context, j *job)

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newDispatcher(label string, size int, logger *slog.Logger, process func(ctx context.Context, j *job)) *dispatcher {
	return &dispatcher{
		label:   label,
		queue:   make(chan *job, size),
		logger:  logger,
		process: process,
		stopCh:  make(chan struct{}),
	}
}

func (d *dispatcher) start(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work(ctx)
	}
}

// stop signals the workers to drain and waits for them until the context
// expires.
func (d *dispatcher) stop(ctx context.Context) {
	d.stopOnce.Do(func() { close(d.stopCh) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("abandoning queued events on shutdown", slog.Int("queued", len(d.queue)))
	}
}

// enqueue hands a job to the worker pool. Returns false when the queue is
// full; the event is already acknowledged by then, so the drop surfaces
// only in logs and metrics.
func (d *dispatcher) enqueue(j *job) bool {
	select {
	case d.queue <- j:
		d.recordDepth()
		return true
	default:
		if d.metrics != nil {
			d.metrics.WebhookDroppedTotal.WithLabelValues(d.label).Inc()
		}
		j.logger.Warn("event queue full, dropping event",
			slog.String("event_id", j.eventID),
			slog.String("message_id", j.event.MessageID),
		)
		return false
	}
}

func (d *dispatcher) work(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.queue:
			d.run(ctx, j)
			d.recordDepth()
		case <-d.stopCh:
			d.drain(ctx)
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain empties whatever is already queued, then returns.
func (d *dispatcher) drain(ctx context.Context) {
	for {
		select {
		case j := <-d.queue:
			d.run(ctx, j)
		default:
			return
		}
	}
}

// run executes one job, containing handler panics so a single poisoned
// event cannot take a worker down.
func (d *dispatcher) run(ctx context.Context, j *job) {
	defer func() {
		if rec := recover(); rec != nil {
			j.logger.Error("event handler panicked",
				slog.String("message_id", j.event.MessageID),
				slog.Any("panic", rec),
			)
		}
	}()
	d.process(ctx, j)
}

func (d *dispatcher) recordDepth() {
	if d.metrics != nil {
		d.metrics.WebhookQueueDepth.WithLabelValues(d.label).Set(float64(len(d.queue)))
	}
}
