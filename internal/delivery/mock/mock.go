// Package mock provides test doubles for the delivery package interfaces.
//
// Use Target to record delivered utterances and to inject delivery errors or
// latency.
//
// Example:
//
//	tgt := &mock.Target{NameValue: "archive"}
//	d := delivery.NewDispatcher([]delivery.Target{tgt})
//	d.Emit(u)
//	_ = d.Close(ctx)
//	got := tgt.Delivered()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/delivery"
	"github.com/MrWong99/voxgate/pkg/audio"
)

// Target is a mock implementation of delivery.Target and delivery.Checker.
type Target struct {
	mu sync.Mutex

	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// DeliverErr, if non-nil, is returned from every Deliver call.
	DeliverErr error

	// Delay makes Deliver wait before returning. A cancelled context ends
	// the wait early with ctx.Err().
	Delay time.Duration

	// CheckErr is returned from Check.
	CheckErr error

	// CloseErr is returned from Close.
	CloseErr error

	delivered  []audio.Utterance
	closeCalls int
}

// Name returns NameValue or "mock".
func (t *Target) Name() string {
	if t.NameValue == "" {
		return "mock"
	}
	return t.NameValue
}

// Deliver records u and returns DeliverErr after Delay.
func (t *Target) Deliver(ctx context.Context, u audio.Utterance) error {
	t.mu.Lock()
	delay, err := t.Delay, t.DeliverErr
	t.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.delivered = append(t.delivered, u)
	return err
}

// Check returns CheckErr.
func (t *Target) Check(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CheckErr
}

// Close records the call and returns CloseErr.
func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeCalls++
	return t.CloseErr
}

// Delivered returns a copy of every utterance passed to Deliver.
func (t *Target) Delivered() []audio.Utterance {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]audio.Utterance, len(t.delivered))
	copy(out, t.delivered)
	return out
}

// CloseCalls returns the number of Close calls.
func (t *Target) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Ensure Target implements the delivery interfaces at compile time.
var (
	_ delivery.Target  = (*Target)(nil)
	_ delivery.Checker = (*Target)(nil)
)
