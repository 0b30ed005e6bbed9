package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
)

// maxErrorMessageChars caps what lands in job metadata and phase rows.
const maxErrorMessageChars = 500

// Outcome is what the retry policy decided for a failed phase.
type Outcome string

const (
	OutcomeRetried Outcome = "retried"
	OutcomeGaveUp  Outcome = "gave_up"
)

// Enqueuer is the slice of the queue broker the pipeline publishes through.
type Enqueuer interface {
	Enqueue(ctx context.Context, queue string, payload interface{}, description string) (string, error)
	EnqueueIn(ctx context.Context, delay time.Duration, queue string, payload interface{}, description string) (string, error)
}

// PayloadFunc builds the queue payload for a retry attempt.
type PayloadFunc func(retryCount int, parentPhaseID string) interface{}

// Retrier applies the retry policy to failed phases.
type Retrier struct {
	store  db.Store
	broker Enqueuer
	log    *logrus.Entry

	now func() time.Time
}

func NewRetrier(store db.Store, broker Enqueuer, logger *logrus.Logger) *Retrier {
	return &Retrier{
		store:  store,
		broker: broker,
		log:    logger.WithField("component", "retrier"),
		now:    time.Now,
	}
}

// Truncate bounds an error message for storage.
func Truncate(msg string) string {
	if len(msg) > maxErrorMessageChars {
		return msg[:maxErrorMessageChars]
	}
	return msg
}

// HandleFailure marks the phase failed and either schedules a fresh attempt
// or fails the whole job. A retry writes a new queued phase row chained to
// the failed one and publishes the task with a delay; the payload carries
// the queued row's id so the retried handler runs under it, and the job
// metadata gets a retry hint the status API surfaces.
func (r *Retrier) HandleFailure(ctx context.Context, job *db.PipelineJob, phase *db.PipelinePhase, queueName string, makePayload PayloadFunc, cause error) (Outcome, error) {
	now := r.now()
	errType := common.ErrorName(cause)
	errMsg := Truncate(cause.Error())

	if err := r.store.FailPhase(ctx, phase.ID, errType, errMsg); err != nil {
		return "", err
	}

	log := r.log.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"phase":       phase.Phase,
		"retry_count": phase.RetryCount,
		"error_type":  errType,
	})

	if !common.IsRetryable(cause) || phase.RetryCount >= MaxRetries {
		completedAt := now
		if err := r.store.SetJobStatus(ctx, job.ID, db.JobStatusFailed, &completedAt); err != nil {
			return "", err
		}
		if err := r.store.MergeJobMetadata(ctx, job.ID, map[string]interface{}{
			"last_error": errMsg,
		}); err != nil {
			return "", err
		}
		log.Error("Phase failed permanently, job failed")
		return OutcomeGaveUp, nil
	}

	delay := RetryDelay(phase.RetryCount)
	if hint := common.RetryAfterHint(cause); hint > 0 {
		delay = hint
	}
	retryAt := now.Add(delay)
	nextRetryCount := phase.RetryCount + 1

	queuedAt := retryAt
	next := &db.PipelinePhase{
		PipelineJobID: phase.PipelineJobID,
		Phase:         phase.Phase,
		Status:        db.PhaseStatusQueued,
		ParentPhaseID: &phase.ID,
		RetryCount:    nextRetryCount,
		InputLocation: phase.InputLocation,
		QueuedAt:      &queuedAt,
	}
	if err := r.store.CreatePhase(ctx, next); err != nil {
		return "", err
	}

	if err := r.store.MergeJobMetadata(ctx, job.ID, map[string]interface{}{
		"retry_at":    retryAt.UTC().Format(time.RFC3339),
		"retry_count": nextRetryCount,
		"last_error":  errMsg,
	}); err != nil {
		return "", err
	}

	payload := makePayload(nextRetryCount, next.ID)
	if _, err := r.broker.EnqueueIn(ctx, delay, queueName, payload,
		phase.Phase+" retry for job "+job.ID); err != nil {
		return "", err
	}

	log.WithField("delay", delay.String()).Warn("Phase failed, retry scheduled")
	return OutcomeRetried, nil
}

// CombinedPayloadFunc builds the retry payload for the dual-row handler,
// carrying one queued-row id per phase label.
type CombinedPayloadFunc func(retryCount int, ingestRef, extractRef string) interface{}

// HandleCombinedFailure applies the retry policy to the ingest+extract
// handler, which owns two phase rows. Both rows are marked failed, the
// ingestion row even when it had already completed, and a retry queues one
// sibling per label so the rerun repeats the whole combined step. extPhase
// is nil when the failure happened before the extraction row existed; its
// retry sibling then starts a fresh chain.
func (r *Retrier) HandleCombinedFailure(ctx context.Context, job *db.PipelineJob, ingPhase, extPhase *db.PipelinePhase, queueName string, makePayload CombinedPayloadFunc, cause error) (Outcome, error) {
	now := r.now()
	errType := common.ErrorName(cause)
	errMsg := Truncate(cause.Error())

	if err := r.store.FailPhase(ctx, ingPhase.ID, errType, errMsg); err != nil {
		return "", err
	}
	if extPhase != nil {
		if err := r.store.FailPhase(ctx, extPhase.ID, errType, errMsg); err != nil {
			return "", err
		}
	}

	retryCount := ingPhase.RetryCount
	log := r.log.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"phase":       ingPhase.Phase,
		"retry_count": retryCount,
		"error_type":  errType,
	})

	if !common.IsRetryable(cause) || retryCount >= MaxRetries {
		completedAt := now
		if err := r.store.SetJobStatus(ctx, job.ID, db.JobStatusFailed, &completedAt); err != nil {
			return "", err
		}
		if err := r.store.MergeJobMetadata(ctx, job.ID, map[string]interface{}{
			"last_error": errMsg,
		}); err != nil {
			return "", err
		}
		log.Error("Combined step failed permanently, job failed")
		return OutcomeGaveUp, nil
	}

	delay := RetryDelay(retryCount)
	if hint := common.RetryAfterHint(cause); hint > 0 {
		delay = hint
	}
	retryAt := now.Add(delay)
	nextRetryCount := retryCount + 1
	queuedAt := retryAt

	nextIng := &db.PipelinePhase{
		PipelineJobID: ingPhase.PipelineJobID,
		Phase:         ingPhase.Phase,
		Status:        db.PhaseStatusQueued,
		ParentPhaseID: &ingPhase.ID,
		RetryCount:    nextRetryCount,
		InputLocation: ingPhase.InputLocation,
		QueuedAt:      &queuedAt,
	}
	if err := r.store.CreatePhase(ctx, nextIng); err != nil {
		return "", err
	}

	nextExt := &db.PipelinePhase{
		PipelineJobID: ingPhase.PipelineJobID,
		Phase:         db.PhaseExtraction,
		Status:        db.PhaseStatusQueued,
		RetryCount:    nextRetryCount,
		InputLocation: ingPhase.InputLocation,
		QueuedAt:      &queuedAt,
	}
	if extPhase != nil {
		nextExt.ParentPhaseID = &extPhase.ID
		nextExt.InputLocation = extPhase.InputLocation
	}
	if err := r.store.CreatePhase(ctx, nextExt); err != nil {
		return "", err
	}

	if err := r.store.MergeJobMetadata(ctx, job.ID, map[string]interface{}{
		"retry_at":    retryAt.UTC().Format(time.RFC3339),
		"retry_count": nextRetryCount,
		"last_error":  errMsg,
	}); err != nil {
		return "", err
	}

	payload := makePayload(nextRetryCount, nextIng.ID, nextExt.ID)
	if _, err := r.broker.EnqueueIn(ctx, delay, queueName, payload,
		ingPhase.Phase+" retry for job "+job.ID); err != nil {
		return "", err
	}

	log.WithField("delay", delay.String()).Warn("Combined step failed, retry scheduled")
	return OutcomeRetried, nil
}
