// Package delivery fans completed utterances out to their destinations.
//
// A [Dispatcher] sits between the real-time endpointing engines and the slow
// outside world: it implements [endpoint.Sink] with a non-blocking, bounded
// queue and delivers every queued utterance to all configured [Target]s from
// background workers. When the queue is full, new utterances are dropped and
// counted rather than stalling an audio stream.
//
// The targets themselves live in sub-packages (wavdir, relay, whisper,
// openai, pgarchive).
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/endpoint"
)

var (
	// ErrQueueFull is returned by [Dispatcher.Offer] when the delivery queue
	// has no free slot.
	ErrQueueFull = errors.New("delivery: queue full")

	// ErrClosed is returned by [Dispatcher.Offer] after [Dispatcher.Close].
	ErrClosed = errors.New("delivery: dispatcher closed")
)

const (
	defaultQueueSize = 32
	defaultTimeout   = 30 * time.Second
)

// Dispatcher queues utterances and delivers each one to every target.
// All methods are safe for concurrent use.
type Dispatcher struct {
	targets []Target
	queue   chan audio.Utterance
	timeout time.Duration
	workers int
	metrics *observe.Metrics
	log     *slog.Logger

	// ctx is cancelled when Close gives up waiting for the drain.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Compile-time interface assertion.
var _ endpoint.Sink = (*Dispatcher)(nil)

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithQueueSize bounds the number of utterances waiting for delivery.
// Default: 32.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queue = make(chan audio.Utterance, n)
		}
	}
}

// WithTimeout bounds a single delivery to one target. Default: 30s.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithWorkers sets the number of delivery workers. With one worker (the
// default) utterances reach each target in emission order.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithMetrics records delivery metrics into m. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.metrics = m
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher creates a dispatcher for targets and starts its workers.
// The dispatcher owns the targets from here on and closes them in [Close].
func NewDispatcher(targets []Target, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		targets: targets,
		queue:   make(chan audio.Utterance, defaultQueueSize),
		timeout: defaultTimeout,
		workers: 1,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.wg.Add(d.workers)
	for range d.workers {
		go d.work()
	}
	return d
}

// Targets returns the targets the dispatcher delivers to.
func (d *Dispatcher) Targets() []Target { return d.targets }

// Emit implements [endpoint.Sink]. It never blocks; failures to enqueue are
// logged and counted.
func (d *Dispatcher) Emit(u audio.Utterance) {
	if err := d.Offer(u); err != nil {
		d.log.Warn("delivery: utterance dropped",
			"utterance_id", u.ID,
			"session_id", u.SessionID,
			"err", err,
		)
	}
}

// Offer enqueues u without blocking. It returns [ErrQueueFull] when the queue
// is full and [ErrClosed] after Close; in both cases u is dropped.
func (d *Dispatcher) Offer(u audio.Utterance) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- u:
		return nil
	default:
		d.metrics.RecordDropped(context.Background())
		return ErrQueueFull
	}
}

// Pending returns the number of queued utterances not yet picked up.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Close stops accepting utterances and waits until the queue is drained or
// ctx is done, whichever comes first. In the latter case in-flight deliveries
// are cancelled. The targets are closed last.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	var errs []error
	select {
	case <-drained:
	case <-ctx.Done():
		d.cancel()
		<-drained
		errs = append(errs, fmt.Errorf("delivery: drain: %w", ctx.Err()))
	}
	d.cancel()

	for _, t := range d.targets {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("delivery: close %s: %w", t.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for u := range d.queue {
		_ = d.Deliver(d.ctx, u)
	}
}

// Deliver sends u to every target concurrently and waits for all of them.
// One target failing does not cancel the others; the returned error joins
// every failure. Most callers use [Dispatcher.Emit] instead.
func (d *Dispatcher) Deliver(ctx context.Context, u audio.Utterance) error {
	ctx, span := observe.StartSpan(ctx, "delivery.utterance",
		trace.WithAttributes(
			attribute.String("utterance.id", u.ID),
			attribute.String("session.id", u.SessionID),
			attribute.Int("utterance.samples", u.Samples()),
		),
	)
	defer span.End()
	log := observe.LoggerFrom(ctx, d.log)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, t := range d.targets {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			start := time.Now()
			err := t.Deliver(tctx, u)
			d.metrics.RecordDelivery(ctx, t.Name(), time.Since(start), err)
			if err != nil {
				log.Error("delivery: target failed",
					"target", t.Name(),
					"utterance_id", u.ID,
					"err", err,
				)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
				mu.Unlock()
				return nil
			}
			log.Debug("delivery: delivered", "target", t.Name(), "utterance_id", u.ID)
			return nil
		})
	}
	_ = g.Wait()

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
	}
	return err
}
