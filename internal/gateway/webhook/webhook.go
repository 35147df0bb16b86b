// Package webhook implements the callback transport: an HTTPS endpoint the
// platform pushes signed events to. The listener answers the Ed25519
// provisioning challenge, verifies dispatch signatures, acknowledges every
// accepted post before processing it, and hands message events to a bounded
// worker pool.
//
// Security:
//   - Dispatch signatures verified against the key pair derived from the
//     account secret (constant scheme, no key exchange)
//   - Unsigned posts rejected unless the account opts into lenient mode
//   - Per-source rate limiting ahead of any body read
//   - Request bodies capped; every request logged with a correlation ID
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/daraja/internal/domain"
	"github.com/jkaninda/daraja/internal/events"
	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/protocol"
	"github.com/jkaninda/daraja/internal/ratelimit"
	"github.com/jkaninda/daraja/internal/signature"
)

const (
	maxCallbackSize = 256 << 10 // Callback payloads are small.

	headerSignature = "X-Signature-Ed25519"
	headerTimestamp = "X-Signature-Timestamp"

	defaultPath      = "/webhook"
	defaultQueueSize = 256
	defaultWorkers   = 4
)

// Config configures one callback listener.
type Config struct {
	Credentials *domain.AccountCredentials
	Label       string // Log and metric label. Defaults to the app id.

	ListenAddr    string // Required, e.g. ":8443".
	Path          string // Default: "/webhook".
	AllowUnsigned bool   // Accept posts without signature headers. Default: false.
	QueueSize     int    // Dispatch queue capacity. Default: 256.
	Workers       int    // Dispatch worker count. Default: 4.
}

// Transport is the callback transport for a single account. Start runs the
// HTTP listener in the calling goroutine; dispatch workers run as child
// goroutines.
type Transport struct {
	cfg     Config
	logger  *slog.Logger
	obs     *observability.Observability
	metrics *observability.MetricsCollector
	limiter *ratelimit.Limiter
	queue   *dispatcher

	onEvent func(ctx context.Context, ev *domain.CanonicalEvent)
	onReady func(sessionID string, bot domain.BotIdentity)

	server *http.Server
}

// New creates a callback transport.
func New(cfg Config, logger *slog.Logger) *Transport {
	if cfg.Label == "" {
		cfg.Label = cfg.Credentials.AppID
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	t := &Transport{
		cfg:    cfg,
		logger: logger.With(slog.String("transport", "webhook"), slog.String("account", cfg.Label)),
	}
	t.queue = newDispatcher(cfg.Label, cfg.QueueSize, t.logger, t.deliver)
	return t
}

// WithObservability enables request instrumentation and queue metrics.
func (t *Transport) WithObservability(obs *observability.Observability) *Transport {
	t.obs = obs
	t.metrics = obs.MetricsOrNil()
	t.queue.metrics = t.metrics
	return t
}

// WithRateLimit enables per-source flood protection.
func (t *Transport) WithRateLimit(limiter *ratelimit.Limiter) *Transport {
	t.limiter = limiter
	return t
}

// OnEvent sets the canonical-event callback, invoked from dispatch workers.
func (t *Transport) OnEvent(fn func(ctx context.Context, ev *domain.CanonicalEvent)) {
	t.onEvent = fn
}

// OnReady sets the callback fired once the listener is accepting requests.
// The transport has no session or identity of its own, so both arguments
// come through empty.
func (t *Transport) OnReady(fn func(sessionID string, bot domain.BotIdentity)) {
	t.onReady = fn
}

// Start launches the callback listener and blocks until it exits.
func (t *Transport) Start(ctx context.Context) error {
	t.queue.start(ctx, t.cfg.Workers)

	var handler http.Handler = http.HandlerFunc(t.handleCallback)
	handler = t.obs.HTTPMiddleware(t.cfg.Label)(handler)

	t.server = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("binding callback listener: %w", err)
	}

	t.logger.Info("callback listener serving",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", t.cfg.Path),
	)
	if t.onReady != nil {
		t.onReady("", domain.BotIdentity{})
	}

	err = t.server.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop shuts the listener down and drains queued events until the context
// expires.
func (t *Transport) Stop(ctx context.Context) error {
	if t.server == nil {
		return nil
	}
	t.logger.Info("callback listener stopping")
	err := t.server.Shutdown(ctx)
	t.queue.stop(ctx)
	return err
}

// --- Request handling ---

func (t *Transport) handleCallback(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			t.recordRequest("panic")
			t.logger.Error("callback handler panicked", slog.Any("panic", rec))
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}()

	// Anything off the configured route does not exist, including wrong
	// methods on the right path.
	if r.Method != http.MethodPost || r.URL.Path != t.cfg.Path {
		t.recordRequest("not_found")
		http.NotFound(w, r)
		return
	}

	logger := t.logger.With(slog.String("correlation_id", uuid.NewString()))

	if t.limiter != nil {
		if err := t.limiter.Allow(sourceKey(r)); err != nil {
			t.recordRequest("rate_limited")
			logger.Warn("rate limiting callback source", slog.String("source", sourceKey(r)))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackSize))
	if err != nil {
		t.recordRequest("read_error")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var env protocol.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.recordRequest("malformed")
		logger.Warn("rejecting malformed callback body", slog.String("error", err.Error()))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch env.Op {
	case protocol.OpHTTPCallbackVerify:
		t.handleChallenge(w, logger, &env)
	case protocol.OpDispatch:
		t.handleDispatch(w, r, logger, body, &env)
	default:
		// Well-formed callbacks with unexpected opcodes are acknowledged
		// and ignored, so platform-side additions never bounce.
		t.recordRequest("ignored")
		logger.Debug("ignoring callback", slog.Int("op", int(env.Op)))
		t.writeAck(w)
	}
}

// handleChallenge answers the endpoint validation challenge posted during
// provisioning: the event_ts + plain_token concatenation signed with the
// account's derived key.
func (t *Transport) handleChallenge(w http.ResponseWriter, logger *slog.Logger, env *protocol.WebhookEnvelope) {
	var req protocol.ValidationRequest
	if err := env.Decode(&req); err != nil {
		t.recordRequest("malformed")
		logger.Warn("rejecting unreadable challenge", slog.String("error", err.Error()))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.PlainToken == "" || req.EventTs == "" {
		t.recordRequest("malformed")
		logger.Warn("rejecting challenge without plain_token or event_ts")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	t.recordRequest("challenge")
	logger.Info("answering endpoint validation challenge")

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.ValidationResponse{
		PlainToken: req.PlainToken,
		Signature:  signature.Sign(t.cfg.Credentials.AppSecret, req.EventTs, req.PlainToken),
	})
}

func (t *Transport) handleDispatch(w http.ResponseWriter, r *http.Request, logger *slog.Logger, body []byte, env *protocol.WebhookEnvelope) {
	sig := r.Header.Get(headerSignature)
	ts := r.Header.Get(headerTimestamp)

	switch {
	case sig == "" || ts == "":
		if !t.cfg.AllowUnsigned {
			t.recordRequest("unauthorized")
			logger.Warn("rejecting unsigned dispatch")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		logger.Warn("accepting unsigned dispatch", slog.String("type", env.Type))
	case !signature.Verify(t.cfg.Credentials.AppSecret, sig, ts, body):
		// Lenient mode tolerates missing signatures, never wrong ones.
		t.recordRequest("unauthorized")
		logger.Warn("rejecting dispatch with invalid signature")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// Receipt is acknowledged before any processing so slow consumers
	// cannot push the platform into redelivery.
	t.writeAck(w)

	if !events.IsMessage(env.Type) {
		t.recordRequest("ignored")
		logger.Debug("ignoring dispatch", slog.String("type", env.Type))
		return
	}

	ev, err := events.Normalize(env.Type, env.Data)
	if err != nil {
		t.recordRequest("undecodable")
		logger.Warn("dropping undecodable dispatch",
			slog.String("type", env.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	t.recordRequest("ok")
	t.recordEvent(env.Type)
	t.queue.enqueue(&job{event: ev, eventID: env.ID, logger: logger})
}

func (t *Transport) deliver(ctx context.Context, j *job) {
	if t.onEvent != nil {
		t.onEvent(ctx, j.event)
	}
}

func (t *Transport) writeAck(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.CallbackAck{Op: protocol.OpHTTPCallbackAck})
}

func (t *Transport) recordRequest(outcome string) {
	if t.metrics != nil {
		t.metrics.WebhookRequestsTotal.WithLabelValues(t.cfg.Label, outcome).Inc()
	}
}

func (t *Transport) recordEvent(eventType string) {
	if t.metrics != nil {
		t.metrics.EventsTotal.WithLabelValues(t.cfg.Label, eventType).Inc()
	}
}

// sourceKey buckets requests by remote host for rate limiting.
func sourceKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
