package pipeline

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/queue"
)

// SubmitRequest starts a pipeline run for a document. Exactly one of
// RawLocation and SourceLocation must be set: RawLocation points at bytes
// already in the object store, SourceLocation points at a file on the
// origin platform that ingestion must download first.
type SubmitRequest struct {
	DocumentID     string
	TenantID       string
	UserID         string
	RawLocation    string
	SourceLocation string
	StoreRaw       bool
}

// Coordinator owns job creation and cancellation.
type Coordinator struct {
	store  db.Store
	broker Enqueuer
	log    *logrus.Entry

	now func() time.Time
}

func NewCoordinator(store db.Store, broker Enqueuer, logger *logrus.Logger) *Coordinator {
	return &Coordinator{
		store:  store,
		broker: broker,
		log:    logger.WithField("component", "coordinator"),
		now:    time.Now,
	}
}

// Submit validates the request, creates the job and publishes the first
// work item. A document already known to the object store skips ingestion
// with a synthetic skipped phase row so every job's history starts at the
// same place.
func (c *Coordinator) Submit(ctx context.Context, req SubmitRequest) (*db.PipelineJob, error) {
	if (req.RawLocation == "") == (req.SourceLocation == "") {
		return nil, common.NewValidationError(
			"exactly one of raw_location and source_location must be set")
	}

	doc, err := c.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.TenantID != req.TenantID {
		return nil, common.NewTenantMismatchError(
			"document %s does not belong to tenant %s", req.DocumentID, req.TenantID)
	}

	active, err := c.store.ActiveJobsForDocument(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, common.NewValidationError(
			"document %s already has an active pipeline job", req.DocumentID)
	}

	firstPhase := db.PhaseIngestion
	if req.RawLocation != "" {
		firstPhase = db.PhaseExtraction
	}

	job := &db.PipelineJob{
		DocumentID:   req.DocumentID,
		TenantID:     req.TenantID,
		CurrentPhase: firstPhase,
		Status:       db.JobStatusPending,
		Metadata:     db.JSONMap{"progress": Progress(firstPhase)},
	}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	now := c.now()
	if req.RawLocation != "" {
		// Bytes are already ours; record ingestion as skipped and go
		// straight to extraction.
		skipped := &db.PipelinePhase{
			PipelineJobID: job.ID,
			Phase:         db.PhaseIngestion,
			Status:        db.PhaseStatusSkipped,
			QueuedAt:      &now,
			CompletedAt:   &now,
		}
		if err := c.store.CreatePhase(ctx, skipped); err != nil {
			return nil, err
		}

		payload := queue.ExtractionPayload{
			PipelineJobID:  job.ID,
			DocumentID:     doc.ID,
			RawLocation:    req.RawLocation,
			FileType:       doc.FileType,
			SourceName:     doc.Title,
			SourcePlatform: doc.SourcePlatform,
			TenantID:       doc.TenantID,
		}
		if _, err := c.broker.Enqueue(ctx, queue.QueueExtraction, payload,
			"extraction for document "+doc.ID); err != nil {
			return nil, err
		}
	} else {
		payload := queue.IngestExtractPayload{
			PipelineJobID:  job.ID,
			DocumentID:     doc.ID,
			SourceLocation: req.SourceLocation,
			StoreRaw:       req.StoreRaw,
			FileType:       doc.FileType,
			SourceName:     doc.Title,
			SourcePlatform: doc.SourcePlatform,
			TenantID:       doc.TenantID,
			UserID:         req.UserID,
		}
		if _, err := c.broker.Enqueue(ctx, queue.QueueIngestExtract, payload,
			"ingest+extract for document "+doc.ID); err != nil {
			return nil, err
		}
	}

	c.log.WithFields(logrus.Fields{
		"job_id":      job.ID,
		"document_id": doc.ID,
		"tenant_id":   doc.TenantID,
		"first_phase": firstPhase,
	}).Info("Pipeline job submitted")
	return job, nil
}

// Cancel stops a job. Queued and processing phases of the job are closed
// out by the store; in-flight handlers notice the cancelled status the next
// time they reload the job and skip.
func (c *Coordinator) Cancel(ctx context.Context, jobID, tenantID, reason string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.TenantID != tenantID {
		return common.NewTenantMismatchError(
			"job %s does not belong to tenant %s", jobID, tenantID)
	}
	if db.JobTerminal(job.Status) {
		return common.NewValidationError("job %s is already %s", jobID, job.Status)
	}

	if err := c.store.CancelJob(ctx, jobID, reason); err != nil {
		return err
	}
	if reason != "" {
		if err := c.store.MergeJobMetadata(ctx, jobID, map[string]interface{}{
			"cancel_reason": reason,
		}); err != nil {
			return err
		}
	}
	c.log.WithFields(logrus.Fields{"job_id": jobID, "reason": reason}).Info("Pipeline job cancelled")
	return nil
}

// AdvanceJob moves a job to its next phase after a phase completes,
// updating the progress checkpoint. Entering the terminal phase completes
// the job and flips the document to its search-ready status.
func (c *Coordinator) AdvanceJob(ctx context.Context, job *db.PipelineJob) (string, error) {
	next, ok := NextPhase(job.CurrentPhase)
	if !ok {
		return "", common.NewRuntimeError("job %s has no phase after %s", job.ID, job.CurrentPhase)
	}

	if err := c.store.UpdateJobPhase(ctx, job.ID, next); err != nil {
		return "", err
	}
	if err := c.store.MergeJobMetadata(ctx, job.ID, map[string]interface{}{
		"progress": Progress(next),
	}); err != nil {
		return "", err
	}

	if next == db.PhaseCompleted {
		now := c.now()
		if err := c.store.SetJobStatus(ctx, job.ID, db.JobStatusCompleted, &now); err != nil {
			return "", err
		}
		if err := c.store.UpdateDocumentStatus(ctx, job.DocumentID, db.DocStatusAvailable); err != nil {
			return "", err
		}
	}
	return next, nil
}

// CompleteEarly finishes a job before its natural end, used when extraction
// finds no content worth chunking.
func (c *Coordinator) CompleteEarly(ctx context.Context, job *db.PipelineJob, docStatus string) error {
	now := c.now()
	if err := c.store.UpdateJobPhase(ctx, job.ID, db.PhaseCompleted); err != nil {
		return err
	}
	if err := c.store.MergeJobMetadata(ctx, job.ID, map[string]interface{}{
		"progress": Progress(db.PhaseCompleted),
	}); err != nil {
		return err
	}
	if err := c.store.SetJobStatus(ctx, job.ID, db.JobStatusCompleted, &now); err != nil {
		return err
	}
	return c.store.UpdateDocumentStatus(ctx, job.DocumentID, docStatus)
}
