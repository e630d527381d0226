package scheduler

import (
	"context"
	"sync"
	"time"

	fiberlog "github.com/gofiber/fiber/v2/log"
)

// Healer returns expired Resting credentials to Healthy.
type Healer interface {
	HealExpired(ctx context.Context) (int64, error)
}

// HealScheduler runs the heal sweep on a fixed interval so the dashboard
// reflects recovered credentials even without proxy traffic.
type HealScheduler struct {
	healer   Healer
	interval time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
}

func NewHealScheduler(healer Healer, interval time.Duration) *HealScheduler {
	if interval == 0 {
		interval = 30 * time.Second
	}
	return &HealScheduler{
		healer:   healer,
		interval: interval,
		stopChan: make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is done.
func (s *HealScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	fiberlog.Infof("Heal scheduler started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			healed, err := s.healer.HealExpired(ctx)
			if err != nil {
				fiberlog.Errorf("Error healing resting keys: %v", err)
			} else if healed > 0 {
				fiberlog.Infof("Healed %d resting keys", healed)
			}
		case <-s.stopChan:
			fiberlog.Info("Heal scheduler stopped")
			return
		case <-ctx.Done():
			fiberlog.Info("Heal scheduler stopped due to context cancellation")
			return
		}
	}
}

func (s *HealScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}
