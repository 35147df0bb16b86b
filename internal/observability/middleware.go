package observability

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware wraps a callback-listener handler with a request span and
// the per-account request duration histogram. A nil receiver returns the
// handler unchanged, so transports never need their own nil checks.
func (o *Observability) HTTPMiddleware(account string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if o == nil {
			return next
		}

		metrics := o.Metrics
		var tracer trace.Tracer
		if o.Tracer != nil {
			tracer = o.Tracer.Tracer()
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tracer != nil {
				ctx, span := tracer.Start(r.Context(), "webhook.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.path", r.URL.Path),
						attribute.String("account", account),
					))
				defer span.End()
				r = r.WithContext(ctx)
			}

			start := time.Now()
			next.ServeHTTP(w, r)

			if metrics != nil {
				metrics.WebhookRequestDuration.WithLabelValues(account).Observe(time.Since(start).Seconds())
			}
		})
	}
}
