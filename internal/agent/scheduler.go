package agent

import (
	"context"
	"time"

	"github.com/rahul/matseg/internal/observability"
	"go.uber.org/zap"
)

// Sweeper drops sessions that have been idle too long.
type Sweeper interface {
	Sweep() int
}

// Scheduler runs the periodic housekeeping: expiring idle sessions and
// emitting a heartbeat.
type Scheduler struct {
	Sessions Sweeper
	Logger   *observability.Logger
	Interval time.Duration
}

func NewScheduler(sessions Sweeper, logger *observability.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		Sessions: sessions,
		Logger:   logger,
		Interval: interval,
	}
}

// Start blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	s.Logger.Zap().Info("session scheduler started", zap.Duration("interval", s.Interval))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	if n := s.Sessions.Sweep(); n > 0 {
		s.Logger.Zap().Sugar().Infof("expired %d idle sessions", n)
	}
	observability.Heartbeat()
	s.Logger.LogHeartbeat()
}
