// Package storage persists issued access tokens across process restarts.
// Without it a restart inside a token's lifetime would re-hit the issuance
// endpoint, which is rate limited per app. The store is optional: when no
// storage section is configured the credential manager runs purely in memory.
//
// Backed by GORM with two drivers: SQLite (pure Go, no CGO) by default, and
// PostgreSQL for deployments that already run one. Only tokens are persisted;
// events and gateway sessions never touch the database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/daraja/internal/config"
	"github.com/jkaninda/daraja/internal/domain"
)

// Driver names reported by Store.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// TokenRecord is the persisted form of an issued access token, one row per
// app id.
type TokenRecord struct {
	ID        uint      `gorm:"primaryKey"`
	AppID     string    `gorm:"uniqueIndex;size:64;not null"`
	Token     string    `gorm:"not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides GORM's pluralised default.
func (TokenRecord) TableName() string { return "access_tokens" }

// Store is a token store backed by a relational database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string
}

// Open selects the backing database from configuration. The fallbackPath is
// used for SQLite when no explicit path is configured (derived from the data
// directory by the caller).
func Open(cfg *config.StorageConfig, fallbackPath string, slogger *slog.Logger) (*Store, error) {
	switch cfg.StorageDriver() {
	case DriverPostgres:
		opts := PostgresOptions{}
		if cfg != nil && cfg.Postgres != nil {
			opts.DSN = cfg.Postgres.DSN
			opts.MaxOpenConns = cfg.Postgres.MaxOpenConns
			opts.MaxIdleConns = cfg.Postgres.MaxIdleConns
			opts.ConnMaxLifetime = time.Duration(cfg.Postgres.ConnMaxLifetimeS) * time.Second
		}
		return OpenPostgres(opts, slogger)
	case DriverSQLite:
		opts := SQLiteOptions{Path: fallbackPath}
		if cfg != nil && cfg.SQLite != nil {
			if cfg.SQLite.Path != "" {
				opts.Path = cfg.SQLite.Path
			}
			opts.JournalMode = cfg.SQLite.JournalMode
		}
		return OpenSQLite(opts, slogger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver())
	}
}

// Migrate creates or updates the token table.
func (s *Store) Migrate(_ context.Context) error {
	return s.db.AutoMigrate(&TokenRecord{})
}

// SaveToken upserts the token for an app id.
func (s *Store) SaveToken(ctx context.Context, appID string, token domain.AccessToken) error {
	rec := TokenRecord{
		AppID:     appID,
		Token:     token.Value,
		ExpiresAt: token.ExpiresAt.UTC(),
	}
	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "app_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "expires_at", "updated_at"}),
		}).
		Create(&rec).Error; err != nil {
		return fmt.Errorf("saving token for app %s: %w", appID, err)
	}
	return nil
}

// LoadToken retrieves the token for an app id. The second return value is
// false when no row exists; expiry is not checked here, callers validate
// against their own clock skew.
func (s *Store) LoadToken(ctx context.Context, appID string) (domain.AccessToken, bool, error) {
	var rec TokenRecord
	err := s.db.WithContext(ctx).Where("app_id = ?", appID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AccessToken{}, false, nil
	}
	if err != nil {
		return domain.AccessToken{}, false, fmt.Errorf("loading token for app %s: %w", appID, err)
	}
	return domain.AccessToken{Value: rec.Token, ExpiresAt: rec.ExpiresAt}, true, nil
}

// DeleteToken removes the token row for an app id. Deleting a missing row is
// not an error.
func (s *Store) DeleteToken(ctx context.Context, appID string) error {
	if err := s.db.WithContext(ctx).Where("app_id = ?", appID).Delete(&TokenRecord{}).Error; err != nil {
		return fmt.Errorf("deleting token for app %s: %w", appID, err)
	}
	return nil
}

// PurgeExpired deletes all rows whose expiry is at or before now and returns
// the number removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&TokenRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("purging expired tokens: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Ping verifies database connectivity. Used by the readiness check.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns the name of the backing driver.
func (s *Store) Driver() string {
	return s.driver
}

func newGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}
