package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/db"
)

// ReaperInterval is how often orphaned phases are swept.
const ReaperInterval = 5 * time.Minute

// Reaper fails processing phases that blew past their expected completion,
// typically because a worker died mid-task. The store marks the phase with
// a timeout error and fails the owning job.
type Reaper struct {
	store    db.Store
	interval time.Duration
	log      *logrus.Entry
	stopChan chan struct{}
}

func NewReaper(store db.Store, logger *logrus.Logger) *Reaper {
	return &Reaper{
		store:    store,
		interval: ReaperInterval,
		log:      logger.WithField("component", "reaper"),
		stopChan: make(chan struct{}),
	}
}

// Run sweeps until the context is cancelled or Stop is called.
func (r *Reaper) Run(ctx context.Context) {
	r.log.WithField("interval", r.interval.String()).Info("Reaper started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reaper stopped")
			return
		case <-r.stopChan:
			r.log.Info("Reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	reaped, err := r.store.ReapOrphans(ctx, time.Now())
	if err != nil {
		r.log.WithError(err).Error("Orphan sweep failed")
		return
	}
	for _, phase := range reaped {
		r.log.WithFields(logrus.Fields{
			"phase_id": phase.ID,
			"job_id":   phase.PipelineJobID,
			"phase":    phase.Phase,
		}).Warn("Reaped orphaned phase")
	}
}

// Stop terminates the loop.
func (r *Reaper) Stop() {
	close(r.stopChan)
}
