// Package pier defines the capability every chat network implements toward the
// bridge, plus the shared ingestion helper and the registry of live piers.
package pier

import (
	"context"

	"github.com/dayuer/pierbridge/internal/bus"
)

// Pier is one chat network connection. The router only ever talks to piers
// through this interface.
type Pier interface {
	// ID returns the identifier used in mappings and as Message.SourcePier.
	ID() string

	// Connect establishes the session and blocks until it is ready or ctx
	// ends. Calling it again after a successful connect returns nil at once.
	Connect(ctx context.Context, creds Credentials) error

	// SendMessage delivers text to channel. Errors are *SendError.
	SendMessage(ctx context.Context, channel, text string) error

	// Shutdown releases the session within a bounded grace period.
	// Safe to call more than once.
	Shutdown()
}

// Limiter is implemented by piers whose network caps message length.
// The router truncates outbound text to MaxMessageLength bytes.
type Limiter interface {
	MaxMessageLength() int
}

// Credentials are network specific and opaque to the bridge.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Publisher accepts inbound messages; bus.Queue satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg bus.Message) error
}
