package interfaces

import (
	"context"

	"github.com/mailtide/mailtide/internal/enum"
)

// ProtocolClient is the lifecycle shared by every mail protocol client.
// Connect and Disconnect are idempotent; Status reports the client's own
// view of the connection, independent of account state.
type ProtocolClient interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Status() enum.ConnectionStatus
}

// LivenessProber checks that an established connection is still usable,
// typically with a protocol NOOP. Only clients with a cheap liveness
// command implement it.
type LivenessProber interface {
	Probe(ctx context.Context) error
}
