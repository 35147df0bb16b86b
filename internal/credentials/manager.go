// Package credentials obtains and caches access tokens for bot accounts
// from the platform token-issuance endpoint.
//
// The issuance endpoint is rate limited per app, so the manager hands out a
// cached token while it has more than a minute of life left, coalesces
// concurrent refreshes for the same account into a single upstream call,
// and can persist issued tokens so a restart inside a token's lifetime
// does not spend another issuance.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jkaninda/daraja/internal/domain"
	"github.com/jkaninda/daraja/internal/observability"
)

const (
	// DefaultEndpoint is the platform token-issuance endpoint, shared by
	// sandbox and production accounts.
	DefaultEndpoint = "https://bots.qq.com/app/getAppAccessToken"

	// refreshSkew forces a refresh when the cached token is within this
	// window of expiry, so callers never receive a token about to lapse
	// mid-request.
	refreshSkew = 60 * time.Second

	requestTimeout   = 10 * time.Second
	maxResponseBytes = 64 << 10
)

// AuthError reports a rejected or failed token issuance. The manager
// surfaces it to the caller unmodified and never retries internally;
// retry policy belongs to the transport driving the refresh.
type AuthError struct {
	AppID string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token issuance for app %s: %v", e.AppID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TokenStore persists issued tokens across process restarts. A nil store
// disables persistence and the manager runs memory-only.
type TokenStore interface {
	SaveToken(ctx context.Context, appID string, token domain.AccessToken) error
	LoadToken(ctx context.Context, appID string) (domain.AccessToken, bool, error)
	DeleteToken(ctx context.Context, appID string) error
}

// Manager caches one access token per account.
type Manager struct {
	httpClient *http.Client
	endpoint   string
	store      TokenStore
	metrics    *observability.MetricsCollector
	logger     *slog.Logger

	mu     sync.Mutex
	tokens map[string]domain.AccessToken
	group  singleflight.Group
}

// NewManager creates a memory-only Manager.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		httpClient: &http.Client{Timeout: requestTimeout},
		endpoint:   DefaultEndpoint,
		logger:     logger,
		tokens:     make(map[string]domain.AccessToken),
	}
}

// WithStore enables token persistence.
func (m *Manager) WithStore(store TokenStore) *Manager {
	m.store = store
	return m
}

// WithMetrics enables refresh instrumentation.
func (m *Manager) WithMetrics(metrics *observability.MetricsCollector) *Manager {
	m.metrics = metrics
	return m
}

// WithEndpoint overrides the issuance endpoint. Used by tests and
// private-domain platform deployments.
func (m *Manager) WithEndpoint(url string) *Manager {
	m.endpoint = url
	return m
}

// GetToken returns a valid token for the account, issuing a new one when
// none is cached, the cached one expires within a minute, or forceRefresh
// is set. Concurrent refreshes for the same account share one upstream
// call; issuance failures are returned as *AuthError without retries.
func (m *Manager) GetToken(ctx context.Context, creds *domain.AccountCredentials, forceRefresh bool) (domain.AccessToken, error) {
	if !forceRefresh {
		if tok, ok := m.cached(creds.AppID); ok {
			return tok, nil
		}
		if tok, ok := m.fromStore(ctx, creds.AppID); ok {
			return tok, nil
		}
	}

	v, err, _ := m.group.Do(creds.AppID, func() (any, error) {
		// Re-check under the flight: a caller that lost the race to an
		// already-completed refresh takes the cached token instead of
		// spending another issuance.
		if !forceRefresh {
			if tok, ok := m.cached(creds.AppID); ok {
				return tok, nil
			}
		}
		return m.issue(ctx, creds)
	})
	if err != nil {
		return domain.AccessToken{}, err
	}
	return v.(domain.AccessToken), nil
}

// Forget drops the account's token from the cache and the store. Called on
// account teardown so a later start begins with a clean slate.
func (m *Manager) Forget(ctx context.Context, appID string) {
	m.mu.Lock()
	delete(m.tokens, appID)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.DeleteToken(ctx, appID); err != nil {
			m.logger.Warn("failed to delete stored token", "app_id", appID, "error", err)
		}
	}
}

func (m *Manager) cached(appID string) (domain.AccessToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[appID]
	if !ok || !tok.Valid(time.Now(), refreshSkew) {
		return domain.AccessToken{}, false
	}
	return tok, true
}

func (m *Manager) fromStore(ctx context.Context, appID string) (domain.AccessToken, bool) {
	if m.store == nil {
		return domain.AccessToken{}, false
	}
	tok, found, err := m.store.LoadToken(ctx, appID)
	if err != nil {
		m.logger.Warn("failed to load stored token", "app_id", appID, "error", err)
		return domain.AccessToken{}, false
	}
	if !found || !tok.Valid(time.Now(), refreshSkew) {
		return domain.AccessToken{}, false
	}
	m.mu.Lock()
	m.tokens[appID] = tok
	m.mu.Unlock()
	m.logger.Debug("reusing stored token", "app_id", appID, "expires_at", tok.ExpiresAt)
	return tok, true
}

type issuanceRequest struct {
	AppID        string `json:"appId"`
	ClientSecret string `json:"clientSecret"`
}

type issuanceResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   expiresIn `json:"expires_in"`
	TokenType   string    `json:"token_type"`
	Code        int       `json:"code"`
	Message     string    `json:"message"`
}

// expiresIn tolerates the live endpoint returning expires_in as either a
// JSON number or a quoted string.
type expiresIn int64

func (e *expiresIn) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*e = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("expires_in %q is not a number", s)
	}
	*e = expiresIn(n)
	return nil
}

func (m *Manager) issue(ctx context.Context, creds *domain.AccountCredentials) (domain.AccessToken, error) {
	tok, err := m.requestToken(ctx, creds)
	m.recordRefresh(creds.AppID, err)
	if err != nil {
		return domain.AccessToken{}, err
	}

	m.mu.Lock()
	m.tokens[creds.AppID] = tok
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveToken(ctx, creds.AppID, tok); err != nil {
			m.logger.Warn("failed to persist token", "app_id", creds.AppID, "error", err)
		}
	}

	m.logger.Debug("issued access token", "app_id", creds.AppID, "expires_at", tok.ExpiresAt)
	return tok, nil
}

func (m *Manager) requestToken(ctx context.Context, creds *domain.AccountCredentials) (domain.AccessToken, error) {
	body, err := json.Marshal(issuanceRequest{AppID: creds.AppID, ClientSecret: creds.AppSecret})
	if err != nil {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("calling issuance endpoint: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("endpoint returned %d: %s", resp.StatusCode, truncate(data, 200))}
	}

	var ir issuanceResponse
	if err := json.Unmarshal(data, &ir); err != nil {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("parsing response: %w", err)}
	}
	// The endpoint reports credential errors in-band with a 200 status.
	if ir.Code != 0 {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("platform error %d: %s", ir.Code, ir.Message)}
	}
	if ir.AccessToken == "" {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("response carries no access_token")}
	}
	if ir.ExpiresIn <= 0 {
		return domain.AccessToken{}, &AuthError{AppID: creds.AppID, Err: fmt.Errorf("response carries no expires_in")}
	}

	return domain.AccessToken{
		Value:     ir.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(ir.ExpiresIn) * time.Second),
	}, nil
}

func (m *Manager) recordRefresh(appID string, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.metrics.TokenRefreshesTotal.WithLabelValues(appID, status).Inc()
}

func truncate(data []byte, n int) string {
	if len(data) <= n {
		return string(data)
	}
	return string(data[:n]) + "..."
}
