package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/credentials"
	"github.com/jkaninda/daraja/internal/domain"
	"github.com/jkaninda/daraja/internal/gateway/socket"
	"github.com/jkaninda/daraja/internal/gateway/webhook"
	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/ratelimit"
)

// Supervisor owns one transport per configured account: it builds the
// transport the account's mode calls for, runs it in its own goroutine,
// and tears transports down in reverse start order on shutdown.
//
// The supervisor never restarts a transport. Reconnection is the socket
// transport's own job, and a transport that gives up stays down until an
// operator intervenes; readiness reporting surfaces the gap.
type Supervisor struct {
	logger    *slog.Logger
	tokens    *credentials.Manager
	obs       *observability.Observability
	callbacks Callbacks

	// Overridden in tests to substitute transports.
	newTransport func(acct *config.AccountConfig, socketCfg *config.SocketConfig) (Transport, string)

	mu      sync.Mutex
	handles map[string]*handle
	order   []string // App IDs in start order.
}

// handle tracks one running transport.
type handle struct {
	appID     string
	label     string
	mode      string
	transport Transport
	cancel    context.CancelFunc
	done      chan struct{} // Closed when the run goroutine exits.
}

// NewSupervisor creates a supervisor with no accounts running.
func NewSupervisor(tokens *credentials.Manager, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		logger:  logger,
		tokens:  tokens,
		handles: make(map[string]*handle),
	}
	s.newTransport = s.buildTransport
	return s
}

// WithObservability enables transport metrics and event-delivery tracing.
func (s *Supervisor) WithObservability(obs *observability.Observability) *Supervisor {
	s.obs = obs
	return s
}

// WithCallbacks sets the consumer hooks wired into every transport.
func (s *Supervisor) WithCallbacks(cb Callbacks) *Supervisor {
	s.callbacks = cb
	return s
}

// StartAll starts a transport for every configured account. Failures stay
// contained to their account: a transport that cannot come up logs and
// reports through readiness, it never prevents the others from starting.
func (s *Supervisor) StartAll(ctx context.Context, cfg *config.Config) {
	for i := range cfg.Accounts {
		s.StartAccount(ctx, &cfg.Accounts[i], cfg.Socket)
	}
}

// StartAccount starts the account's transport. Starting an account that is
// already running is a no-op.
func (s *Supervisor) StartAccount(ctx context.Context, acct *config.AccountConfig, socketCfg *config.SocketConfig) {
	s.mu.Lock()
	if _, running := s.handles[acct.AppID]; running {
		s.mu.Unlock()
		s.logger.Debug("account transport already running", slog.String("app_id", acct.AppID))
		return
	}

	tr, mode := s.newTransport(acct, socketCfg)
	runCtx, cancel := context.WithCancel(ctx)
	h := &handle{
		appID:     acct.AppID,
		label:     acct.Label(),
		mode:      mode,
		transport: tr,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.handles[acct.AppID] = h
	s.order = append(s.order, acct.AppID)
	s.mu.Unlock()

	s.recordActive(mode, 1)
	go s.run(runCtx, h)
}

// StopAccount gracefully stops the account's transport and waits for it to
// exit within the context deadline. Stopping an account that is not
// running is a no-op.
func (s *Supervisor) StopAccount(ctx context.Context, appID string) error {
	s.mu.Lock()
	h := s.handles[appID]
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	err := h.transport.Stop(ctx)
	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
	}

	// The next start for this account begins with a fresh token.
	if s.tokens != nil {
		s.tokens.Forget(ctx, appID)
	}
	return err
}

// StopAll stops every running transport, last started first.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	for i := len(order) - 1; i >= 0; i-- {
		if err := s.StopAccount(ctx, order[i]); err != nil {
			s.logger.Warn("error stopping account transport",
				slog.String("app_id", order[i]),
				slog.String("error", err.Error()),
			)
		}
	}
}

// RunningAccounts returns the app IDs with a live transport, sorted.
func (s *Supervisor) RunningAccounts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// run executes the transport's event loop and cleans up its handle when
// the loop exits, however it exits.
func (s *Supervisor) run(ctx context.Context, h *handle) {
	defer close(h.done)
	s.logger.Info("starting account transport",
		slog.String("account", h.label),
		slog.String("mode", h.mode),
	)

	err := h.transport.Start(ctx)

	s.mu.Lock()
	if s.handles[h.appID] == h {
		delete(s.handles, h.appID)
		s.dropOrderLocked(h.appID)
	}
	s.mu.Unlock()
	s.recordActive(h.mode, -1)

	if err != nil {
		s.logger.Error("account transport exited",
			slog.String("account", h.label),
			slog.String("mode", h.mode),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("account transport stopped",
		slog.String("account", h.label),
		slog.String("mode", h.mode),
	)
}

// buildTransport assembles the transport for the account's configured mode
// and wires the consumer callbacks into it.
func (s *Supervisor) buildTransport(acct *config.AccountConfig, socketCfg *config.SocketConfig) (Transport, string) {
	creds := &domain.AccountCredentials{
		AppID:     acct.AppID,
		AppSecret: acct.AppSecret,
		Sandbox:   acct.Sandbox,
	}
	label := acct.Label()
	onEvent := s.obs.InstrumentEventDelivery(label, s.callbacks.OnEvent)

	if acct.TransportMode() == string(domain.ModeWebhook) {
		wh := acct.Webhook
		tr := webhook.New(webhook.Config{
			Credentials:   creds,
			Label:         label,
			ListenAddr:    wh.ListenAddr,
			Path:          wh.WebhookPath(),
			AllowUnsigned: wh.AllowUnsigned,
			QueueSize:     wh.Queue(),
			Workers:       wh.WorkerCount(),
		}, s.logger).WithObservability(s.obs)
		if wh.RateLimit.RequestsPerMinute > 0 {
			tr.WithRateLimit(ratelimit.NewLimiter(ratelimit.Config{
				RequestsPerMinute: wh.RateLimit.RequestsPerMinute,
				BurstSize:         wh.RateLimit.BurstSize,
			}))
		}
		tr.OnEvent(onEvent)
		if s.callbacks.OnReady != nil {
			tr.OnReady(s.callbacks.OnReady)
		}
		return tr, string(domain.ModeWebhook)
	}

	tr := socket.New(socket.Config{
		Credentials:      creds,
		Label:            label,
		MaxAttempts:      socketCfg.MaxAttempts(),
		HandshakeTimeout: socketCfg.HandshakeTimeout(),
	}, s.tokens, s.logger).WithMetrics(s.obs.MetricsOrNil())
	tr.OnEvent(onEvent)
	if s.callbacks.OnReady != nil {
		tr.OnReady(s.callbacks.OnReady)
	}
	if s.callbacks.OnFatalError != nil {
		tr.OnFatalError(s.callbacks.OnFatalError)
	}
	return tr, string(domain.ModeSocket)
}

func (s *Supervisor) dropOrderLocked(appID string) {
	for i, id := range s.order {
		if id == appID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Supervisor) recordActive(mode string, delta float64) {
	if m := s.obs.MetricsOrNil(); m != nil {
		m.ActiveTransports.WithLabelValues(mode).Add(delta)
	}
}
