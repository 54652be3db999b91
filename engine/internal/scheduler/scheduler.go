// Package scheduler runs periodic maintenance for the engine.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/merlinhq/merlin/common/logging"
)

// Expirer closes proposals past their expiry.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Sweeper periodically expires stale change proposals.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

func NewSweeper(expirer Expirer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		logger:   logger.With(logging.Component("scheduler")),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start runs a sweep immediately and then every interval until Stop is
// called or ctx ends. Call it in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	defer close(s.stopped)

	s.logger.Info("proposal sweeper started", slog.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweep(ctx)
		case <-s.stop:
			s.logger.Info("proposal sweeper stopped")
			return
		case <-ctx.Done():
			s.logger.Info("proposal sweeper context cancelled")
			return
		}
	}
}

// Stop signals the sweeper and waits for the loop to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.stopped
}

func (s *Sweeper) sweep(ctx context.Context) {
	n, err := s.expirer.ExpireDue(ctx)
	if err != nil {
		s.logger.Error("failed to expire proposals", logging.Error(err))
		return
	}
	if n > 0 {
		s.logger.Info("expired stale proposals", slog.Int("count", n))
	}
}
