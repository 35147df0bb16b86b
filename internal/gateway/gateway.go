// Package gateway supervises the per-account transports that carry inbound
// events from the QQ bot platform. Exactly one transport runs per account:
// either the persistent-socket transport or the webhook callback transport,
// selected by configuration. Both feed the same canonical event callback,
// so consumers never see which transport an account uses.
package gateway

import (
	"context"

	"github.com/jkaninda/daraja/internal/domain"
)

// Transport is one way to receive platform events for a single account.
type Transport interface {
	// Start runs the transport's event loop and blocks until the transport
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline for
	// the grace period. Start unblocks before Stop returns.
	Stop(ctx context.Context) error
}

// Callbacks are the consumer-facing hooks a transport feeds. Any member may
// be nil. OnEvent and OnFatalError are invoked from transport goroutines;
// implementations must be safe for concurrent use and must not block for
// unbounded time.
type Callbacks struct {
	// OnEvent receives each canonical inbound message.
	OnEvent func(ctx context.Context, ev *domain.CanonicalEvent)

	// OnReady fires when the socket transport completes its handshake.
	// The webhook transport fires it once its listener is serving, with an
	// empty session id.
	OnReady func(sessionID string, bot domain.BotIdentity)

	// OnFatalError fires at most once per transport start, when the
	// transport gives up for good: a fatal close code, an exhausted
	// session-start quota, or an exhausted reconnect budget. Event
	// delivery for the account stays down until an operator restarts it.
	OnFatalError func(err error)
}
