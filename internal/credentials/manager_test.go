package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/daraja/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCreds() *domain.AccountCredentials {
	return &domain.AccountCredentials{AppID: "102099100", AppSecret: "secret"}
}

func issuanceServer(t *testing.T, calls *atomic.Int64, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost {
			t.Errorf("issuance request method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("issuance content type = %s, want application/json", ct)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetTokenCachesUntilExpiry(t *testing.T) {
	var calls atomic.Int64
	srv := issuanceServer(t, &calls, `{"access_token":"tok-1","expires_in":7200}`)
	m := NewManager(testLogger()).WithEndpoint(srv.URL)

	tok, err := m.GetToken(context.Background(), testCreds(), false)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Value != "tok-1" {
		t.Errorf("token = %q, want tok-1", tok.Value)
	}
	if remaining := time.Until(tok.ExpiresAt); remaining < 7100*time.Second || remaining > 7200*time.Second {
		t.Errorf("token lifetime = %v, want about 7200s", remaining)
	}

	again, err := m.GetToken(context.Background(), testCreds(), false)
	if err != nil {
		t.Fatalf("second GetToken: %v", err)
	}
	if again.Value != "tok-1" {
		t.Errorf("second token = %q, want cached tok-1", again.Value)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("issuance calls = %d, want 1", got)
	}
}

func TestGetTokenRefreshesNearExpiry(t *testing.T) {
	var calls atomic.Int64
	// 30s lifetime is inside the refresh window, so every call re-issues.
	srv := issuanceServer(t, &calls, `{"access_token":"tok-short","expires_in":30}`)
	m := NewManager(testLogger()).WithEndpoint(srv.URL)

	for i := 0; i < 2; i++ {
		if _, err := m.GetToken(context.Background(), testCreds(), false); err != nil {
			t.Fatalf("GetToken #%d: %v", i+1, err)
		}
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("issuance calls = %d, want 2", got)
	}
}

func TestGetTokenForceRefresh(t *testing.T) {
	var calls atomic.Int64
	srv := issuanceServer(t, &calls, `{"access_token":"tok-fresh","expires_in":7200}`)
	m := NewManager(testLogger()).WithEndpoint(srv.URL)

	if _, err := m.GetToken(context.Background(), testCreds(), false); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if _, err := m.GetToken(context.Background(), testCreds(), true); err != nil {
		t.Fatalf("forced GetToken: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("issuance calls = %d, want 2 (force bypasses cache)", got)
	}
}

func TestConcurrentGetTokenSharesOneIssuance(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // Hold the flight open so callers pile up.
		io.WriteString(w, `{"access_token":"tok-shared","expires_in":7200}`)
	}))
	defer srv.Close()
	m := NewManager(testLogger()).WithEndpoint(srv.URL)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := m.GetToken(context.Background(), testCreds(), false)
			if err != nil {
				errs <- err
				return
			}
			if tok.Value != "tok-shared" {
				errs <- errors.New("unexpected token " + tok.Value)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent GetToken: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("issuance calls = %d, want 1 (coalesced)", got)
	}
}

func TestGetTokenPlatformError(t *testing.T) {
	var calls atomic.Int64
	srv := issuanceServer(t, &calls, `{"code":100007,"message":"appid invalid"}`)
	m := NewManager(testLogger()).WithEndpoint(srv.URL)

	_, err := m.GetToken(context.Background(), testCreds(), false)
	if err == nil {
		t.Fatal("expected error for platform rejection, got nil")
	}
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error type = %T, want *AuthError", err)
	}
	if authErr.AppID != "102099100" {
		t.Errorf("AuthError.AppID = %q, want 102099100", authErr.AppID)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("issuance calls = %d, want 1 (no internal retry)", got)
	}
}

func TestGetTokenHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	m := NewManager(testLogger()).WithEndpoint(srv.URL)

	_, err := m.GetToken(context.Background(), testCreds(), false)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("error = %v (%T), want *AuthError", err, err)
	}
}

func TestExpiresInAcceptsStringAndNumber(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Duration
	}{
		{"number", `{"access_token":"t","expires_in":7200}`, 7200 * time.Second},
		{"string", `{"access_token":"t","expires_in":"7200"}`, 7200 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			srv := issuanceServer(t, &calls, tt.body)
			m := NewManager(testLogger()).WithEndpoint(srv.URL)

			tok, err := m.GetToken(context.Background(), testCreds(), false)
			if err != nil {
				t.Fatalf("GetToken: %v", err)
			}
			remaining := time.Until(tok.ExpiresAt)
			if remaining < tt.want-time.Minute || remaining > tt.want {
				t.Errorf("token lifetime = %v, want about %v", remaining, tt.want)
			}
		})
	}
}

func TestForgetDropsCacheAndStore(t *testing.T) {
	var calls atomic.Int64
	srv := issuanceServer(t, &calls, `{"access_token":"tok-1","expires_in":7200}`)
	store := newFakeStore()
	m := NewManager(testLogger()).WithEndpoint(srv.URL).WithStore(store)

	ctx := context.Background()
	if _, err := m.GetToken(ctx, testCreds(), false); err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if _, found, _ := store.LoadToken(ctx, "102099100"); !found {
		t.Fatal("issued token was not persisted")
	}

	m.Forget(ctx, "102099100")
	if _, found, _ := store.LoadToken(ctx, "102099100"); found {
		t.Error("Forget left the stored token behind")
	}

	if _, err := m.GetToken(ctx, testCreds(), false); err != nil {
		t.Fatalf("GetToken after Forget: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("issuance calls = %d, want 2 (cache was cleared)", got)
	}
}

func TestGetTokenReusesStoredToken(t *testing.T) {
	var calls atomic.Int64
	srv := issuanceServer(t, &calls, `{"access_token":"tok-net","expires_in":7200}`)
	store := newFakeStore()
	stored := domain.AccessToken{Value: "tok-stored", ExpiresAt: time.Now().Add(time.Hour)}
	store.SaveToken(context.Background(), "102099100", stored)
	m := NewManager(testLogger()).WithEndpoint(srv.URL).WithStore(store)

	tok, err := m.GetToken(context.Background(), testCreds(), false)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Value != "tok-stored" {
		t.Errorf("token = %q, want persisted tok-stored", tok.Value)
	}
	if got := calls.Load(); got != 0 {
		t.Errorf("issuance calls = %d, want 0", got)
	}
}

func TestGetTokenIgnoresExpiredStoredToken(t *testing.T) {
	var calls atomic.Int64
	srv := issuanceServer(t, &calls, `{"access_token":"tok-net","expires_in":7200}`)
	store := newFakeStore()
	store.SaveToken(context.Background(), "102099100", domain.AccessToken{
		Value:     "tok-stale",
		ExpiresAt: time.Now().Add(10 * time.Second),
	})
	m := NewManager(testLogger()).WithEndpoint(srv.URL).WithStore(store)

	tok, err := m.GetToken(context.Background(), testCreds(), false)
	if err != nil {
		t.Fatalf("GetToken: %v", err)
	}
	if tok.Value != "tok-net" {
		t.Errorf("token = %q, want freshly issued tok-net", tok.Value)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("issuance calls = %d, want 1", got)
	}
}

// fakeStore is an in-memory TokenStore.
type fakeStore struct {
	mu     sync.Mutex
	tokens map[string]domain.AccessToken
}

func newFakeStore() *fakeStore {
	return &fakeStore{tokens: make(map[string]domain.AccessToken)}
}

func (f *fakeStore) SaveToken(_ context.Context, appID string, token domain.AccessToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[appID] = token
	return nil
}

func (f *fakeStore) LoadToken(_ context.Context, appID string) (domain.AccessToken, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[appID]
	return tok, ok, nil
}

func (f *fakeStore) DeleteToken(_ context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, appID)
	return nil
}
