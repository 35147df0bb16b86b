package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/credentials"
	"github.com/jkaninda/daraja/internal/gateway/socket"
	"github.com/jkaninda/daraja/internal/gateway/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTransport blocks in Start until its context is canceled, unless
// primed with a failure.
type fakeTransport struct {
	mu      sync.Mutex
	started int
	stopped int
	failErr error
	onStop  func()
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started++
	fail := f.failErr
	f.mu.Unlock()
	if fail != nil {
		return fail
	}
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Stop(_ context.Context) error {
	f.mu.Lock()
	f.stopped++
	onStop := f.onStop
	f.mu.Unlock()
	if onStop != nil {
		onStop()
	}
	return nil
}

func (f *fakeTransport) counts() (started, stopped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

func newTestSupervisor(fakes map[string]*fakeTransport) *Supervisor {
	s := NewSupervisor(credentials.NewManager(testLogger()), testLogger())
	s.newTransport = func(acct *config.AccountConfig, _ *config.SocketConfig) (Transport, string) {
		return fakes[acct.AppID], "socket"
	}
	return s
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartAccountIdempotent(t *testing.T) {
	f := &fakeTransport{}
	s := newTestSupervisor(map[string]*fakeTransport{"10001": f})
	acct := config.AccountConfig{AppID: "10001", AppSecret: "x"}
	ctx := context.Background()

	s.StartAccount(ctx, &acct, nil)
	s.StartAccount(ctx, &acct, nil)

	waitUntil(t, func() bool { started, _ := f.counts(); return started >= 1 }, "transport never started")
	if started, _ := f.counts(); started != 1 {
		t.Errorf("transport started %d times, want 1", started)
	}
	if got := s.RunningAccounts(); len(got) != 1 || got[0] != "10001" {
		t.Errorf("running accounts = %v, want [10001]", got)
	}

	s.StopAccount(ctx, "10001")
}

func TestStopAccountClearsState(t *testing.T) {
	f := &fakeTransport{}
	s := newTestSupervisor(map[string]*fakeTransport{"10001": f})
	acct := config.AccountConfig{AppID: "10001", AppSecret: "x"}
	ctx := context.Background()

	s.StartAccount(ctx, &acct, nil)
	waitUntil(t, func() bool { started, _ := f.counts(); return started == 1 }, "transport never started")

	if err := s.StopAccount(ctx, "10001"); err != nil {
		t.Fatalf("StopAccount: %v", err)
	}
	if _, stopped := f.counts(); stopped != 1 {
		t.Errorf("transport stopped %d times, want 1", stopped)
	}
	if got := s.RunningAccounts(); len(got) != 0 {
		t.Errorf("running accounts after stop = %v, want none", got)
	}

	// Stopping again is a no-op.
	if err := s.StopAccount(ctx, "10001"); err != nil {
		t.Errorf("second StopAccount: %v", err)
	}
	if _, stopped := f.counts(); stopped != 1 {
		t.Error("second StopAccount reached the transport")
	}
}

func TestRestartAfterStop(t *testing.T) {
	f := &fakeTransport{}
	s := newTestSupervisor(map[string]*fakeTransport{"10001": f})
	acct := config.AccountConfig{AppID: "10001", AppSecret: "x"}
	ctx := context.Background()

	s.StartAccount(ctx, &acct, nil)
	waitUntil(t, func() bool { started, _ := f.counts(); return started == 1 }, "transport never started")
	s.StopAccount(ctx, "10001")

	s.StartAccount(ctx, &acct, nil)
	waitUntil(t, func() bool { started, _ := f.counts(); return started == 2 }, "transport never restarted")
	if got := s.RunningAccounts(); len(got) != 1 {
		t.Errorf("running accounts after restart = %v, want [10001]", got)
	}
	s.StopAccount(ctx, "10001")
}

func TestTransportFailureRemovesAccount(t *testing.T) {
	f := &fakeTransport{failErr: errors.New("listener bind failed")}
	s := newTestSupervisor(map[string]*fakeTransport{"10001": f})
	acct := config.AccountConfig{AppID: "10001", AppSecret: "x"}

	s.StartAccount(context.Background(), &acct, nil)
	waitUntil(t, func() bool { return len(s.RunningAccounts()) == 0 }, "failed transport still listed as running")
}

func TestStopAllReverseOrder(t *testing.T) {
	var mu sync.Mutex
	var stops []string
	record := func(id string) func() {
		return func() {
			mu.Lock()
			stops = append(stops, id)
			mu.Unlock()
		}
	}
	f1 := &fakeTransport{onStop: record("first")}
	f2 := &fakeTransport{onStop: record("second")}
	s := newTestSupervisor(map[string]*fakeTransport{"first": f1, "second": f2})
	ctx := context.Background()

	s.StartAccount(ctx, &config.AccountConfig{AppID: "first", AppSecret: "x"}, nil)
	s.StartAccount(ctx, &config.AccountConfig{AppID: "second", AppSecret: "x"}, nil)
	waitUntil(t, func() bool {
		s1, _ := f1.counts()
		s2, _ := f2.counts()
		return s1 == 1 && s2 == 1
	}, "transports never started")

	s.StopAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(stops) != 2 || stops[0] != "second" || stops[1] != "first" {
		t.Errorf("stop order = %v, want [second first]", stops)
	}
}

func TestBuildTransportModeSelection(t *testing.T) {
	s := NewSupervisor(credentials.NewManager(testLogger()), testLogger())

	tr, mode := s.buildTransport(&config.AccountConfig{AppID: "1", AppSecret: "s"}, nil)
	if mode != "socket" {
		t.Errorf("default mode = %q, want socket", mode)
	}
	if _, ok := tr.(*socket.Transport); !ok {
		t.Errorf("default transport is %T, want *socket.Transport", tr)
	}

	tr, mode = s.buildTransport(&config.AccountConfig{
		AppID:     "2",
		AppSecret: "s",
		Mode:      "webhook",
		Webhook:   &config.WebhookConfig{ListenAddr: "127.0.0.1:0"},
	}, nil)
	if mode != "webhook" {
		t.Errorf("webhook mode = %q, want webhook", mode)
	}
	if _, ok := tr.(*webhook.Transport); !ok {
		t.Errorf("webhook transport is %T, want *webhook.Transport", tr)
	}
}
