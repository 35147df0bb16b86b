package storage

import (
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// PostgresOptions holds PostgreSQL-specific configuration.
type PostgresOptions struct {
	DSN             string
	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 30 min
	ConnMaxIdleTime time.Duration // Default: 10 min
}

func (o PostgresOptions) maxOpen() int {
	if o.MaxOpenConns > 0 {
		return o.MaxOpenConns
	}
	return 25
}

func (o PostgresOptions) maxIdle() int {
	if o.MaxIdleConns > 0 {
		return o.MaxIdleConns
	}
	return 5
}

func (o PostgresOptions) maxLifetime() time.Duration {
	if o.ConnMaxLifetime > 0 {
		return o.ConnMaxLifetime
	}
	return 30 * time.Minute
}

func (o PostgresOptions) maxIdleTime() time.Duration {
	if o.ConnMaxIdleTime > 0 {
		return o.ConnMaxIdleTime
	}
	return 10 * time.Minute
}

// OpenPostgres creates a PostgreSQL-backed Store.
func OpenPostgres(opts PostgresOptions, slogger *slog.Logger) (*Store, error) {
	if opts.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}

	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger:      newGormLogger(slogger),
		NowFunc:     func() time.Time { return time.Now().UTC() },
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("accessing connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(opts.maxOpen())
	sqlDB.SetMaxIdleConns(opts.maxIdle())
	sqlDB.SetConnMaxLifetime(opts.maxLifetime())
	sqlDB.SetConnMaxIdleTime(opts.maxIdleTime())

	s := &Store{
		db:     db,
		logger: slogger,
		driver: DriverPostgres,
	}

	slogger.Info("postgres token store opened",
		slog.Int("max_open_conns", opts.maxOpen()),
		slog.Int("max_idle_conns", opts.maxIdle()),
	)
	return s, nil
}
