package storage

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// SQLiteOptions holds SQLite-specific configuration.
type SQLiteOptions struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// OpenSQLite creates a SQLite-backed Store. The pure-Go driver keeps the
// binary CGO-free; WAL journaling allows concurrent reads while the janitor
// writes.
func OpenSQLite(opts SQLiteOptions, slogger *slog.Logger) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// Ensure parent directory exists.
	dir := filepath.Dir(opts.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := opts.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	// Build DSN with pragmas.
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", opts.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  newGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: slogger,
		driver: DriverSQLite,
	}

	slogger.Info("sqlite token store opened",
		slog.String("path", opts.Path),
		slog.String("journal_mode", journalMode),
	)
	return s, nil
}
