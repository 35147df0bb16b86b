package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/credentials"
	"github.com/jkaninda/daraja/internal/domain"
)

var _ credentials.TokenStore = (*Store)(nil)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.db")
	s, err := OpenSQLite(SQLiteOptions{Path: path}, testLogger())
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	return s
}

func TestTokenRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	want := domain.AccessToken{
		Value:     "tok-abc",
		ExpiresAt: time.Now().Add(2 * time.Hour).UTC().Truncate(time.Second),
	}
	if err := s.SaveToken(ctx, "10001", want); err != nil {
		t.Fatalf("saving token: %v", err)
	}

	got, found, err := s.LoadToken(ctx, "10001")
	if err != nil {
		t.Fatalf("loading token: %v", err)
	}
	if !found {
		t.Fatal("token not found after save")
	}
	if got.Value != want.Value {
		t.Errorf("token value = %q, want %q", got.Value, want.Value)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Errorf("expiry = %v, want %v", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestLoadMissingToken(t *testing.T) {
	s := testStore(t)

	_, found, err := s.LoadToken(context.Background(), "99999")
	if err != nil {
		t.Fatalf("loading missing token: %v", err)
	}
	if found {
		t.Error("found = true for app with no stored token")
	}
}

func TestSaveTokenUpserts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	first := domain.AccessToken{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour).UTC()}
	second := domain.AccessToken{Value: "tok-2", ExpiresAt: time.Now().Add(2 * time.Hour).UTC()}
	if err := s.SaveToken(ctx, "10001", first); err != nil {
		t.Fatalf("saving first token: %v", err)
	}
	if err := s.SaveToken(ctx, "10001", second); err != nil {
		t.Fatalf("saving second token: %v", err)
	}

	got, found, err := s.LoadToken(ctx, "10001")
	if err != nil || !found {
		t.Fatalf("loading token: found=%v err=%v", found, err)
	}
	if got.Value != "tok-2" {
		t.Errorf("token value = %q, want %q", got.Value, "tok-2")
	}

	var rows int64
	if err := s.db.Model(&TokenRecord{}).Count(&rows).Error; err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if rows != 1 {
		t.Errorf("row count after upsert = %d, want 1", rows)
	}
}

func TestDeleteToken(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	tok := domain.AccessToken{Value: "tok-1", ExpiresAt: time.Now().Add(time.Hour).UTC()}
	if err := s.SaveToken(ctx, "10001", tok); err != nil {
		t.Fatalf("saving token: %v", err)
	}
	if err := s.DeleteToken(ctx, "10001"); err != nil {
		t.Fatalf("deleting token: %v", err)
	}

	_, found, err := s.LoadToken(ctx, "10001")
	if err != nil {
		t.Fatalf("loading after delete: %v", err)
	}
	if found {
		t.Error("token still present after delete")
	}

	// Deleting an absent row is a no-op.
	if err := s.DeleteToken(ctx, "10001"); err != nil {
		t.Errorf("deleting missing token: %v", err)
	}
}

func TestPurgeExpired(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := domain.AccessToken{Value: "tok-old", ExpiresAt: now.Add(-time.Minute)}
	live := domain.AccessToken{Value: "tok-live", ExpiresAt: now.Add(time.Hour)}
	if err := s.SaveToken(ctx, "10001", expired); err != nil {
		t.Fatalf("saving expired token: %v", err)
	}
	if err := s.SaveToken(ctx, "10002", live); err != nil {
		t.Fatalf("saving live token: %v", err)
	}

	removed, err := s.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("purging: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, found, _ := s.LoadToken(ctx, "10001"); found {
		t.Error("expired token survived purge")
	}
	if _, found, _ := s.LoadToken(ctx, "10002"); !found {
		t.Error("live token removed by purge")
	}
}

func TestPing(t *testing.T) {
	s := testStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")

	s, err := Open(nil, path, testLogger())
	if err != nil {
		t.Fatalf("opening with nil config: %v", err)
	}
	defer s.Close()
	if got := s.Driver(); got != DriverSQLite {
		t.Errorf("driver = %q, want %q", got, DriverSQLite)
	}

	if _, err := Open(&config.StorageConfig{Driver: "postgres"}, path, testLogger()); err == nil {
		t.Error("expected error opening postgres without dsn")
	}
	if _, err := Open(&config.StorageConfig{Driver: "bolt"}, path, testLogger()); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestJanitorRejectsBadSchedule(t *testing.T) {
	s := testStore(t)
	j := NewJanitor(s, "not a cron spec", testLogger())

	if _, err := j.Start(context.Background()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestJanitorStartStop(t *testing.T) {
	s := testStore(t)
	j := NewJanitor(s, "0 * * * *", testLogger())

	stop, err := j.Start(context.Background())
	if err != nil {
		t.Fatalf("starting janitor: %v", err)
	}
	stop()
}
