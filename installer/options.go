package installer

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/installsession-go/journal"
)

type options struct {
	log     *slog.Logger
	metrics *Metrics
	journal journal.Store
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// Option configures a Broker, TransferEngine, CommitCoordinator or Installer.
// Options that do not apply to a component are ignored by it.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithMetrics records lifecycle metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithJournal persists session records into s. Brokers default to an
// in-memory journal.
func WithJournal(s journal.Store) Option {
	return func(o *options) { o.journal = s }
}

// WithSleep replaces the settle-delay sleep; tests use it to observe delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option {
	return func(o *options) { o.now = fn }
}

func newOptions(opts []Option) options {
	o := options{
		log:   slog.Default(),
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
