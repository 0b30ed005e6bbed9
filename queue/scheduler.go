package queue

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// SchedulerInterval is the sweep period for delayed tasks. Ripe items must
// reach their queue at most this long after becoming due.
const SchedulerInterval = 5 * time.Second

// Scheduler migrates ripe delayed tasks into their queues. One instance per
// deployment is sufficient; running several is safe because promotion is
// remove-then-push.
type Scheduler struct {
	broker   *Broker
	interval time.Duration
	log      *logrus.Entry
	stopChan chan struct{}
}

// NewScheduler creates a scheduler with the standard interval.
func NewScheduler(broker *Broker, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		broker:   broker,
		interval: SchedulerInterval,
		log:      logger.WithField("component", "scheduler"),
		stopChan: make(chan struct{}),
	}
}

// Run sweeps the delayed set until Stop is called or the context ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.WithField("interval", s.interval.String()).Info("Scheduler started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("Scheduler stopped: context done")
			return
		case <-s.stopChan:
			s.log.Info("Scheduler stopped")
			return
		case now := <-ticker.C:
			promoted, err := s.broker.PromoteDue(ctx, now)
			if err != nil {
				s.log.WithError(err).Error("Failed to promote delayed tasks")
				continue
			}
			if promoted > 0 {
				s.log.WithField("promoted", promoted).Debug("Promoted delayed tasks")
			}
		}
	}
}

// Stop signals the scheduler loop to exit.
func (s *Scheduler) Stop() {
	close(s.stopChan)
}
