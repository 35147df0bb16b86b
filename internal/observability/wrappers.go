package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/daraja/internal/domain"
)

// EventHandler consumes one canonical event. Shared by the transports, the
// supervisor, and whatever sink the daemon wires behind them.
type EventHandler func(ctx context.Context, ev *domain.CanonicalEvent)

// InstrumentEventDelivery wraps an event handler in a delivery span carrying
// the account and message identity. A nil receiver or nil handler passes
// through unchanged.
func (o *Observability) InstrumentEventDelivery(account string, next EventHandler) EventHandler {
	if o == nil || next == nil {
		return next
	}
	if o.Tracer == nil {
		return next
	}
	tracer := o.Tracer.Tracer()

	return func(ctx context.Context, ev *domain.CanonicalEvent) {
		ctx, span := tracer.Start(ctx, "event.deliver",
			trace.WithAttributes(
				attribute.String("account", account),
				attribute.String("message.id", ev.MessageID),
				attribute.String("message.channel_id", ev.ChannelID),
				attribute.Bool("message.direct", ev.IsDirect),
			))
		defer span.End()
		next(ctx, ev)
	}
}
