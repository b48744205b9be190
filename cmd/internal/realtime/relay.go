package realtime

import (
	"context"

	v1 "wander/contracts/realtime/v1"
)

// Delivery is one fan-out crossing instance boundaries.
type Delivery struct {
	Origin           string      `json:"origin"`
	ConversationID   string      `json:"conversation_id"`
	ExcludeSessionID string      `json:"exclude_session_id,omitempty"`
	Envelope         v1.Envelope `json:"envelope"`
}

// Relay forwards fan-out to other gateway instances. The local hub is always delivered
// to directly by the gateway; a Relay only reaches remote instances.
type Relay interface {
	Publish(ctx context.Context, d Delivery) error
	// Run consumes remote deliveries until ctx is done.
	Run(ctx context.Context) error
}

// LocalRelay is the single-instance relay: nothing to forward.
type LocalRelay struct{}

// Publish is a no-op.
func (LocalRelay) Publish(context.Context, Delivery) error { return nil }

// Run blocks until ctx is done.
func (LocalRelay) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}
