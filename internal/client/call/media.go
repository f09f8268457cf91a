package call

import (
	"context"
	"encoding/json"

	"github.com/dkeye/Pulse/internal/domain"
)

// MediaProvider acquires local capture devices and a peer connection for
// one call. It is only invoked on Start and Accept.
type MediaProvider interface {
	Open(ctx context.Context, callType domain.CallType) (MediaSession, error)
}

// MediaSession wraps one peer connection. SDP and ICE values are carried
// as opaque JSON so the signaling path never depends on the media stack.
type MediaSession interface {
	CreateOffer() (json.RawMessage, error)
	Answer(offer json.RawMessage) (json.RawMessage, error)
	ApplyAnswer(answer json.RawMessage) error
	AddCandidate(candidate json.RawMessage) error
	OnCandidate(fn func(json.RawMessage))
	// OnFailed fires when the peer connection fails or disconnects.
	OnFailed(fn func())
	// Close releases capture devices and the peer connection. Idempotent.
	Close() error
}
