package delivery

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// Target is one destination for completed utterances.
//
// Implementations must be safe for concurrent use: the [Dispatcher] may call
// Deliver for different utterances at the same time.
type Target interface {
	// Name identifies the target in logs and metrics.
	Name() string

	// Deliver sends u to the target. It must honour ctx cancellation.
	// u.PCM must not be modified; it is shared with the other targets.
	Deliver(ctx context.Context, u audio.Utterance) error

	// Close releases connections and files held by the target.
	Close() error
}

// Checker is implemented by targets that can report readiness. The gateway's
// /readyz endpoint calls Check on every target that implements it.
type Checker interface {
	Check(ctx context.Context) error
}
