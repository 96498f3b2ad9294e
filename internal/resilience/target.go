package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// ErrAllFailed is returned by [Fallback.Deliver] when every target failed or
// was skipped because its breaker was open.
var ErrAllFailed = errors.New("resilience: all targets failed")

// Guarded is a [delivery.Target] behind a [CircuitBreaker].
type Guarded struct {
	delivery.Target
	breaker *CircuitBreaker
}

var (
	_ delivery.Target  = (*Guarded)(nil)
	_ delivery.Checker = (*Guarded)(nil)
)

// Guard wraps t with a circuit breaker configured by cfg. The breaker is
// named after the target when cfg.Name is empty.
func Guard(t delivery.Target, cfg CircuitBreakerConfig) *Guarded {
	if cfg.Name == "" {
		cfg.Name = t.Name()
	}
	return &Guarded{Target: t, breaker: NewCircuitBreaker(cfg)}
}

// Deliver forwards to the wrapped target unless the breaker is open.
func (g *Guarded) Deliver(ctx context.Context, u audio.Utterance) error {
	err := g.breaker.Execute(func() error { return g.Target.Deliver(ctx, u) })
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%s: %w", g.Name(), err)
	}
	return err
}

// Check fails while the breaker is open and otherwise defers to the wrapped
// target's own check, if it has one.
func (g *Guarded) Check(ctx context.Context) error {
	if g.breaker.State() == StateOpen {
		return ErrCircuitOpen
	}
	if c, ok := g.Target.(delivery.Checker); ok {
		return c.Check(ctx)
	}
	return nil
}

// Breaker exposes the breaker for inspection.
func (g *Guarded) Breaker() *CircuitBreaker { return g.breaker }

// Fallback delivers to the first target that succeeds, trying them in the
// order given. Each target has its own breaker, so a dead primary is skipped
// without waiting for its timeout.
type Fallback struct {
	name    string
	entries []*Guarded
}

var (
	_ delivery.Target  = (*Fallback)(nil)
	_ delivery.Checker = (*Fallback)(nil)
)

// NewFallback creates a [Fallback] reported under name. Every target gets a
// breaker built from cfg.
func NewFallback(name string, cfg CircuitBreakerConfig, targets ...delivery.Target) *Fallback {
	f := &Fallback{name: name}
	for _, t := range targets {
		c := cfg
		c.Name = t.Name()
		f.entries = append(f.entries, Guard(t, c))
	}
	return f
}

// Name returns the name passed to [NewFallback].
func (f *Fallback) Name() string { return f.name }

// Deliver tries each target in order until one succeeds.
func (f *Fallback) Deliver(ctx context.Context, u audio.Utterance) error {
	var errs []error
	for _, e := range f.entries {
		err := e.Deliver(ctx, u)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
		if !errors.Is(err, ErrCircuitOpen) {
			e.breaker.cfg.Logger.Warn("delivery target failed, trying next",
				"fallback", f.name,
				"target", e.Name(),
				"err", err,
			)
		}
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Check succeeds when at least one target is available.
func (f *Fallback) Check(ctx context.Context) error {
	var errs []error
	for _, e := range f.entries {
		err := e.Check(ctx)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
	}
	return fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Close closes every target.
func (f *Fallback) Close() error {
	var errs []error
	for _, e := range f.entries {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}
