// Package socket implements the persistent-socket transport: a long-lived
// WebSocket session against the platform gateway with the
// Hello/Identify/Ready handshake, server-paced heartbeats, and bounded
// reconnection.
//
// Sessions are never resumed. Every reconnect re-identifies from scratch
// with a freshly refreshed token, and the previous session's sequence
// counter is discarded at the connection boundary.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/daraja/internal/credentials"
	"github.com/jkaninda/daraja/internal/domain"
	"github.com/jkaninda/daraja/internal/events"
	"github.com/jkaninda/daraja/internal/observability"
	"github.com/jkaninda/daraja/internal/protocol"
)

// State is the connection lifecycle phase of the transport.
type State string

const (
	StateDisconnected  State = "disconnected"
	StateConnecting    State = "connecting"
	StateAwaitingHello State = "awaiting_hello"
	StateIdentifying   State = "identifying"
	StateReady         State = "ready"
	StateClosing       State = "closing"
	StateFailed        State = "failed"
)

const (
	productionAPIBase = "https://api.sgroup.qq.com"
	sandboxAPIBase    = "https://sandbox.api.sgroup.qq.com"

	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 300 * time.Second

	defaultMaxAttempts      = 5
	defaultHandshakeTimeout = 10 * time.Second

	// invalidSessionDelay is the extra wait after an InvalidSession frame,
	// so a rejected Identify cannot loop at full speed.
	invalidSessionDelay = 3 * time.Second

	// lowSessionQuota is the remaining-session threshold below which a
	// connect logs a warning before proceeding.
	lowSessionQuota = 10

	discoveryTimeout  = 10 * time.Second
	maxDiscoveryBytes = 64 << 10
)

// Sentinel reasons for server-initiated reconnects. Both are transient.
var (
	errReconnectRequested = errors.New("server requested reconnect")
	errInvalidSession     = errors.New("server invalidated the session")
)

// Config configures one socket transport instance.
type Config struct {
	Credentials *domain.AccountCredentials
	Label       string // Log and metric label. Defaults to the app id.

	MaxAttempts      int           // Reconnect attempt budget. Default: 5.
	HandshakeTimeout time.Duration // Hello wait after connect. Default: 10s.
}

// Transport is the persistent-socket transport for a single account.
// Start runs the connect/read loop in the calling goroutine; the heartbeat
// runs as a child goroutine cancelled on every disconnect.
type Transport struct {
	cfg        Config
	tokens     *credentials.Manager
	logger     *slog.Logger
	metrics    *observability.MetricsCollector
	httpClient *http.Client
	apiBase    string

	onEvent func(ctx context.Context, ev *domain.CanonicalEvent)
	onReady func(sessionID string, bot domain.BotIdentity)
	onFatal func(err error)

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	session    *domain.GatewaySession
	lastSeq    int64
	hbInterval time.Duration // Advertised by the current connection's Hello.
	attempts   int
	closing    bool

	writeMu sync.Mutex // Serializes frame writes (heartbeat vs. handshake).

	stopOnce  sync.Once
	stopCh    chan struct{}
	fatalOnce sync.Once

	// Overridden in tests to avoid real waits.
	backoff            func(attempt int) time.Duration
	invalidSessionWait time.Duration
}

// New creates a socket transport. The API host follows the account's
// sandbox flag.
func New(cfg Config, tokens *credentials.Manager, logger *slog.Logger) *Transport {
	if cfg.Label == "" {
		cfg.Label = cfg.Credentials.AppID
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	apiBase := productionAPIBase
	if cfg.Credentials.Sandbox {
		apiBase = sandboxAPIBase
	}
	return &Transport{
		cfg:                cfg,
		tokens:             tokens,
		logger:             logger.With(slog.String("transport", "socket"), slog.String("account", cfg.Label)),
		httpClient:         &http.Client{Timeout: discoveryTimeout},
		apiBase:            apiBase,
		state:              StateDisconnected,
		stopCh:             make(chan struct{}),
		backoff:            backoffDelay,
		invalidSessionWait: invalidSessionDelay,
	}
}

// WithMetrics enables transport instrumentation.
func (t *Transport) WithMetrics(m *observability.MetricsCollector) *Transport {
	t.metrics = m
	return t
}

// WithAPIBase overrides the discovery API host. Used by tests.
func (t *Transport) WithAPIBase(url string) *Transport {
	t.apiBase = url
	return t
}

// OnEvent sets the canonical-event callback, invoked from the read loop.
func (t *Transport) OnEvent(fn func(ctx context.Context, ev *domain.CanonicalEvent)) {
	t.onEvent = fn
}

// OnReady sets the callback fired on every completed handshake.
func (t *Transport) OnReady(fn func(sessionID string, bot domain.BotIdentity)) {
	t.onReady = fn
}

// OnFatalError sets the callback fired at most once when the transport
// gives up for good.
func (t *Transport) OnFatalError(fn func(err error)) {
	t.onFatal = fn
}

// Start runs the connect/read loop until the context is canceled, Stop is
// called, or the transport fails fatally. Transient disconnects reconnect
// with exponential backoff; a fatal close code, quota exhaustion, or an
// exhausted attempt budget surfaces through OnFatalError and ends the loop.
func (t *Transport) Start(ctx context.Context) error {
	forceRefresh := false
	for {
		err := t.connectOnce(ctx, forceRefresh)
		if ctx.Err() != nil || t.stopping() {
			t.setState(StateDisconnected)
			return nil
		}

		var fatal *domain.FatalError
		if errors.As(err, &fatal) {
			t.fail(fatal)
			return fatal
		}

		// A rejected session must not redial immediately.
		if errors.Is(err, errInvalidSession) {
			select {
			case <-ctx.Done():
				t.setState(StateDisconnected)
				return nil
			case <-t.stopCh:
				t.setState(StateDisconnected)
				return nil
			case <-time.After(t.invalidSessionWait):
			}
		}

		t.mu.Lock()
		t.attempts++
		attempt := t.attempts
		t.mu.Unlock()

		if attempt > t.cfg.MaxAttempts {
			terminal := &domain.FatalError{
				Reason: fmt.Sprintf("reconnect budget exhausted after %d attempts: %v", t.cfg.MaxAttempts, err),
			}
			t.fail(terminal)
			return terminal
		}

		delay := t.backoff(attempt)
		t.logger.Warn("socket disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.String("backoff", delay.String()),
			slog.Int("attempt", attempt),
		)

		select {
		case <-ctx.Done():
			t.setState(StateDisconnected)
			return nil
		case <-t.stopCh:
			t.setState(StateDisconnected)
			return nil
		case <-time.After(delay):
		}

		// Stale tokens are the most common reconnect cause, so every
		// redial starts from a fresh one.
		forceRefresh = true
	}
}

// Stop closes the open connection and prevents further reconnect attempts.
// It does not wait for Start to return; callers own that handshake.
func (t *Transport) Stop(_ context.Context) error {
	t.stopOnce.Do(func() { close(t.stopCh) })

	t.mu.Lock()
	t.closing = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		t.setState(StateClosing)
		conn.Close(websocket.StatusNormalClosure, "transport stopping")
	}
	return nil
}

// State returns the current lifecycle phase.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Session returns a copy of the live session, if any. The second return is
// false between disconnect and the next Ready.
func (t *Transport) Session() (domain.GatewaySession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return domain.GatewaySession{}, false
	}
	return *t.session, true
}

// connectOnce performs one full connection attempt: token, discovery,
// dial, handshake, read loop. It returns when the connection is gone, with
// the error that ended it.
func (t *Transport) connectOnce(ctx context.Context, forceRefresh bool) error {
	tok, err := t.tokens.GetToken(ctx, t.cfg.Credentials, forceRefresh)
	if err != nil {
		t.recordConnect("auth_error")
		return fmt.Errorf("fetching access token: %w", err)
	}

	info, err := t.discoverGateway(ctx, tok.Value)
	if err != nil {
		t.recordConnect("discovery_error")
		return fmt.Errorf("discovering gateway: %w", err)
	}

	limit := info.SessionStartLimit
	resetAfter := time.Duration(limit.ResetAfter) * time.Millisecond
	if limit.Remaining <= 0 {
		t.recordConnect("quota_exhausted")
		return &domain.FatalError{
			Reason:     fmt.Sprintf("session-start quota exhausted (0 of %d remaining)", limit.Total),
			ResetAfter: resetAfter,
		}
	}
	if limit.Remaining < lowSessionQuota {
		t.logger.Warn("session-start quota running low",
			slog.Int("remaining", limit.Remaining),
			slog.Int("total", limit.Total),
			slog.String("reset_after", resetAfter.String()),
		)
	}

	t.setState(StateConnecting)
	conn, _, err := websocket.Dial(ctx, info.URL, nil)
	if err != nil {
		t.recordConnect("dial_error")
		return fmt.Errorf("dialing gateway %s: %w", info.URL, err)
	}
	t.recordConnect("ok")

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	defer func() {
		// The session dies with its connection; the sequence counter is
		// never carried across the boundary.
		t.mu.Lock()
		t.conn = nil
		t.session = nil
		t.lastSeq = 0
		t.hbInterval = 0
		t.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	return t.serve(ctx, conn, tok.Value)
}

func (t *Transport) serve(ctx context.Context, conn *websocket.Conn, token string) error {
	t.setState(StateAwaitingHello)

	hello, err := t.awaitHello(ctx, conn)
	if err != nil {
		return err
	}
	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	t.mu.Lock()
	t.hbInterval = interval
	t.mu.Unlock()

	// The cancel fires before this attempt returns and the loop redials,
	// so at most one heartbeat ticker ever exists per transport.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go t.heartbeatLoop(hbCtx, conn, interval)

	if err := t.sendIdentify(ctx, conn, token); err != nil {
		return fmt.Errorf("sending identify: %w", err)
	}
	t.setState(StateIdentifying)
	t.logger.Debug("identify sent",
		slog.String("heartbeat_interval", interval.String()),
		slog.Int("intents", protocol.DefaultIntents),
	)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return t.classifyReadError(err)
		}

		var frame protocol.Envelope
		if err := json.Unmarshal(data, &frame); err != nil {
			// A malformed frame never tears down the connection.
			t.logger.Warn("discarding malformed frame", slog.String("error", err.Error()))
			continue
		}

		if err := t.handleFrame(ctx, &frame); err != nil {
			return err
		}
	}
}

// awaitHello reads the first frame, which must be a Hello within the
// handshake timeout.
func (t *Transport) awaitHello(ctx context.Context, conn *websocket.Conn) (*protocol.HelloPayload, error) {
	helloCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(helloCtx)
	if err != nil {
		return nil, t.classifyReadError(err)
	}

	var frame protocol.Envelope
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("parsing hello frame: %w", err)
	}
	if frame.Op != protocol.OpHello {
		return nil, fmt.Errorf("expected hello (op %d) as first frame, got op %d", protocol.OpHello, frame.Op)
	}

	var hello protocol.HelloPayload
	if err := frame.Decode(&hello); err != nil {
		return nil, fmt.Errorf("decoding hello: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("hello carries no heartbeat interval")
	}
	return &hello, nil
}

func (t *Transport) handleFrame(ctx context.Context, frame *protocol.Envelope) error {
	switch frame.Op {
	case protocol.OpDispatch:
		t.observeSequence(frame.Sequence)
		t.handleDispatch(ctx, frame)
		return nil
	case protocol.OpHeartbeatAck:
		return nil
	case protocol.OpReconnect:
		t.logger.Info("server requested reconnect")
		t.recordDisconnect("transient")
		return errReconnectRequested
	case protocol.OpInvalidSession:
		t.logger.Warn("server invalidated the session")
		t.recordDisconnect("transient")
		return errInvalidSession
	default:
		t.logger.Debug("ignoring frame", slog.Int("op", int(frame.Op)))
		return nil
	}
}

func (t *Transport) handleDispatch(ctx context.Context, frame *protocol.Envelope) {
	switch {
	case frame.Type == protocol.EventReady:
		var ready protocol.ReadyPayload
		if err := frame.Decode(&ready); err != nil {
			t.logger.Warn("discarding undecodable ready dispatch", slog.String("error", err.Error()))
			return
		}
		t.mu.Lock()
		t.session = &domain.GatewaySession{
			SessionID:         ready.SessionID,
			LastSequence:      t.lastSeq,
			HeartbeatInterval: t.hbInterval,
		}
		t.attempts = 0
		t.mu.Unlock()
		t.setState(StateReady)
		t.logger.Info("gateway session ready",
			slog.String("session_id", ready.SessionID),
			slog.String("bot_id", ready.User.ID),
			slog.String("bot_username", ready.User.Username),
		)
		if t.onReady != nil {
			t.onReady(ready.SessionID, domain.BotIdentity{ID: ready.User.ID, Username: ready.User.Username})
		}

	case frame.Type == protocol.EventResumed:
		// Sessions are never resumed by this transport; an unsolicited
		// notice is worth a log line and nothing else.
		t.logger.Info("server reports session resumed")

	case events.IsMessage(frame.Type):
		ev, err := events.Normalize(frame.Type, frame.Data)
		if err != nil {
			t.logger.Warn("dropping undecodable message event",
				slog.String("type", frame.Type),
				slog.String("error", err.Error()),
			)
			return
		}
		t.recordEvent(frame.Type)
		if t.onEvent != nil {
			t.onEvent(ctx, ev)
		}

	default:
		t.logger.Debug("ignoring dispatch", slog.String("type", frame.Type))
	}
}

// heartbeatLoop sends op 1 frames at the server-advertised interval, each
// carrying the most recently observed sequence (JSON null before any).
func (t *Transport) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := protocol.NewHeartbeat(t.currentSeq())
			if err != nil {
				continue
			}
			if err := t.writeFrame(ctx, conn, frame); err != nil {
				// The read loop surfaces the disconnect.
				t.logger.Debug("heartbeat write failed", slog.String("error", err.Error()))
				return
			}
			t.recordHeartbeat()
		}
	}
}

func (t *Transport) sendIdentify(ctx context.Context, conn *websocket.Conn, token string) error {
	frame, err := protocol.NewEnvelope(protocol.OpIdentify, protocol.IdentifyPayload{
		Token:   "QQBot " + token,
		Intents: protocol.DefaultIntents,
		Shard:   [2]int{0, 1},
		Properties: map[string]string{
			"$os":      runtime.GOOS,
			"$browser": "daraja",
			"$device":  "daraja",
		},
	})
	if err != nil {
		return err
	}
	return t.writeFrame(ctx, conn, frame)
}

func (t *Transport) writeFrame(ctx context.Context, conn *websocket.Conn, frame *protocol.Envelope) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.Write(ctx, websocket.MessageText, data)
}

// discoverGateway resolves the socket URL and session-start quota.
func (t *Transport) discoverGateway(ctx context.Context, token string) (*protocol.GatewayInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.apiBase+"/gateway/bot", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDiscoveryBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}

	var info protocol.GatewayInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	if info.URL == "" {
		return nil, fmt.Errorf("response carries no gateway url")
	}
	return &info, nil
}

// classifyReadError maps a read failure to the transient/fatal split. Fatal
// close codes come back as *domain.FatalError; everything else reconnects.
func (t *Transport) classifyReadError(err error) error {
	code := int(websocket.CloseStatus(err))
	if code < 0 {
		t.recordDisconnect("transient")
		return fmt.Errorf("socket read: %w", err)
	}
	if protocol.Classify(code).Fatal {
		t.recordDisconnect("fatal")
		return &domain.FatalError{Code: code, Reason: protocol.CloseText(code)}
	}
	t.recordDisconnect("transient")
	return fmt.Errorf("socket closed (%d %s): %w", code, protocol.CloseText(code), err)
}

func (t *Transport) observeSequence(seq int64) {
	if seq == 0 {
		return
	}
	t.mu.Lock()
	if seq > t.lastSeq {
		t.lastSeq = seq
		if t.session != nil {
			t.session.LastSequence = seq
		}
	}
	t.mu.Unlock()
}

func (t *Transport) currentSeq() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSeq
}

func (t *Transport) stopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closing
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()
	if prev != s {
		t.logger.Debug("socket state", slog.String("from", string(prev)), slog.String("to", string(s)))
	}
}

func (t *Transport) fail(err *domain.FatalError) {
	t.setState(StateFailed)
	t.fatalOnce.Do(func() {
		t.logger.Error("socket transport failed", slog.String("error", err.Error()))
		if t.onFatal != nil {
			t.onFatal(err)
		}
	})
}

func (t *Transport) recordConnect(status string) {
	if t.metrics != nil {
		t.metrics.SocketConnectsTotal.WithLabelValues(t.cfg.Label, status).Inc()
	}
}

func (t *Transport) recordDisconnect(class string) {
	if t.metrics != nil {
		t.metrics.SocketDisconnectsTotal.WithLabelValues(t.cfg.Label, class).Inc()
	}
}

func (t *Transport) recordHeartbeat() {
	if t.metrics != nil {
		t.metrics.SocketHeartbeatsTotal.WithLabelValues(t.cfg.Label).Inc()
	}
}

func (t *Transport) recordEvent(eventType string) {
	if t.metrics != nil {
		t.metrics.EventsTotal.WithLabelValues(t.cfg.Label, eventType).Inc()
	}
}

// backoffDelay returns the reconnect delay for the given attempt: 5s
// doubling per attempt, capped at 300s.
func backoffDelay(attempt int) time.Duration {
	mult := math.Pow(2, float64(attempt-1))
	d := time.Duration(float64(baseReconnectDelay) * mult)
	if d <= 0 || d > maxReconnectDelay {
		return maxReconnectDelay
	}
	return d
}
