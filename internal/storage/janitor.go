package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor deletes expired token rows on a cron schedule so that revoked or
// stale credentials do not accumulate in the store.
type Janitor struct {
	store  *Store
	logger *slog.Logger
	spec   string
	parser cron.Parser
}

// NewJanitor creates a Janitor running on the given five-field cron spec.
func NewJanitor(store *Store, spec string, logger *slog.Logger) *Janitor {
	return &Janitor{
		store:  store,
		logger: logger,
		spec:   spec,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start begins the purge loop. Returns a cancel function, or an error when
// the schedule does not parse.
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	sched, err := j.parser.Parse(j.spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", j.spec, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		j.logger.Info("token janitor started", slog.String("schedule", j.spec))
		for {
			next := sched.Next(time.Now().UTC())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("token janitor stopped")
				return
			case <-timer.C:
				j.purge(ctx)
			}
		}
	}()
	return cancel, nil
}

func (j *Janitor) purge(ctx context.Context) {
	removed, err := j.store.PurgeExpired(ctx, time.Now())
	if err != nil {
		j.logger.Error("token purge failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		j.logger.Info("purged expired tokens", slog.Int64("removed", removed))
	}
}
