package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/graphworks/docpipe/chunker"
	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/extract"
	"github.com/graphworks/docpipe/kgraph"
	"github.com/graphworks/docpipe/pipeline"
	"github.com/graphworks/docpipe/queue"
	"github.com/graphworks/docpipe/storage"
)

// FetcherFactory builds a source fetcher with the credential of the user
// who connected the origin platform.
type FetcherFactory func(ctx context.Context, userID, tenantID, platform string) (extract.SourceFetcher, error)

// GDriveFetcherFactory resolves the stored OAuth token and opens a Drive
// client with it. A missing token is a non-retryable authentication error;
// the user has to reconnect, retrying will not help.
func GDriveFetcherFactory(store db.Store, oauthCfg *oauth2.Config, logger *logrus.Logger) FetcherFactory {
	return func(ctx context.Context, userID, tenantID, platform string) (extract.SourceFetcher, error) {
		tok, err := store.GetOAuthToken(ctx, userID, tenantID, platform)
		if err != nil {
			if db.IsNotFound(err) {
				return nil, common.NewAuthenticationError("no %s credential for user %s", platform, userID)
			}
			return nil, err
		}
		return extract.NewGDriveFetcher(ctx, &oauth2.Token{
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			Expiry:       tok.Expiry,
		}, oauthCfg, logger)
	}
}

// TaskProgress reports coarse progress onto the queue's task status record,
// where the job API's queue view can read it mid-run.
type TaskProgress interface {
	SetProgress(ctx context.Context, taskID string, progress int) error
}

// Deps bundles everything the queue handlers touch.
type Deps struct {
	Store       db.Store
	Objects     storage.ObjectStore
	Extractor   *extract.Service
	Chunker     *chunker.Chunker
	Ingestor    *kgraph.Ingestor
	Coordinator *pipeline.Coordinator
	Retrier     *pipeline.Retrier
	Broker      pipeline.Enqueuer
	Progress    TaskProgress
	FetcherFor  FetcherFactory
}

// Handlers holds the four queue consumers. Each handler owns its retry
// policy: domain failures are routed through the retrier and the task is
// acknowledged, only infrastructure errors propagate to the pool.
type Handlers struct {
	deps Deps
	log  *logrus.Entry
	now  func() time.Time
}

func NewHandlers(deps Deps, logger *logrus.Logger) *Handlers {
	return &Handlers{
		deps: deps,
		log:  logger.WithField("component", "handlers"),
		now:  time.Now,
	}
}

// Routes maps queue names to their handlers, ready for NewPool.
func (h *Handlers) Routes() map[string]Handler {
	return map[string]Handler{
		queue.QueueExtraction:    HandlerFunc(h.HandleExtraction),
		queue.QueueIngestExtract: HandlerFunc(h.HandleIngestExtract),
		queue.QueueChunking:      HandlerFunc(h.HandleChunking),
		queue.QueueKGIngest:      HandlerFunc(h.HandleKGIngest),
	}
}

// checkJob loads the job a task belongs to. A nil job with a nil error
// means the task should be dropped: the job row is gone or already
// terminal, usually because the document was deleted or the job cancelled
// while the task sat in the queue.
func (h *Handlers) checkJob(ctx context.Context, jobID string) (*db.PipelineJob, error) {
	job, err := h.deps.Store.GetJob(ctx, jobID)
	if err != nil {
		if db.IsNotFound(err) {
			h.log.WithField("job_id", jobID).Warn("Dropping task for unknown job")
			return nil, nil
		}
		return nil, err
	}
	if db.JobTerminal(job.Status) {
		h.log.WithFields(logrus.Fields{
			"job_id": jobID,
			"status": job.Status,
		}).Info("Dropping task for finished job")
		return nil, nil
	}
	return job, nil
}

// reportProgress records coarse progress on the task status record. Errors
// here never fail the task.
func (h *Handlers) reportProgress(ctx context.Context, task *queue.Task, progress int) {
	if h.deps.Progress == nil {
		return
	}
	if err := h.deps.Progress.SetProgress(ctx, task.ID, progress); err != nil {
		h.log.WithError(err).WithField("task_id", task.ID).Debug("Failed to record task progress")
	}
}

// beginPhase opens the phase row an attempt runs under. First attempts get
// a fresh processing row with no parent; retries adopt the queued row the
// retrier created, identified by phaseRef, and clear the job's retry hint.
// When the ref does not name an adoptable row a new one is chained to it
// instead, keeping the per-label retry chain intact.
func (h *Handlers) beginPhase(ctx context.Context, job *db.PipelineJob, phaseName string, retryCount int, phaseRef string, inputLocation *string) (*db.PipelinePhase, error) {
	now := h.now()
	expected := pipeline.ExpectedCompletion(phaseName, now)

	if retryCount > 0 {
		if err := h.deps.Store.ClearJobRetryHint(ctx, job.ID); err != nil && !db.IsNotFound(err) {
			return nil, err
		}
		if phaseRef != "" {
			queued, err := h.deps.Store.GetPhase(ctx, phaseRef)
			if err == nil && queued.Status == db.PhaseStatusQueued {
				if err := h.deps.Store.StartPhase(ctx, queued.ID, now, expected); err != nil {
					return nil, err
				}
				queued.Status = db.PhaseStatusProcessing
				queued.StartedAt = &now
				queued.ExpectedCompletionAt = &expected
				return queued, nil
			}
			if err != nil && !db.IsNotFound(err) {
				return nil, err
			}
		}
	}

	phase := &db.PipelinePhase{
		PipelineJobID:        job.ID,
		Phase:                phaseName,
		Status:               db.PhaseStatusProcessing,
		RetryCount:           retryCount,
		InputLocation:        inputLocation,
		QueuedAt:             &now,
		StartedAt:            &now,
		ExpectedCompletionAt: &expected,
	}
	if retryCount > 0 && phaseRef != "" {
		ref := phaseRef
		phase.ParentPhaseID = &ref
	}
	if err := h.deps.Store.CreatePhase(ctx, phase); err != nil {
		return nil, err
	}

	if job.Status == db.JobStatusPending {
		if err := h.deps.Store.SetJobStatus(ctx, job.ID, db.JobStatusProcessing, nil); err != nil {
			return nil, err
		}
		if err := h.deps.Store.UpdateDocumentStatus(ctx, job.DocumentID, db.DocStatusProcessing); err != nil {
			return nil, err
		}
		job.Status = db.JobStatusProcessing
	}
	return phase, nil
}

// HandleExtraction extracts text from a raw object already in storage and
// queues chunking.
func (h *Handlers) HandleExtraction(ctx context.Context, task *queue.Task) error {
	var p queue.ExtractionPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("malformed extraction payload: %w", err)
	}

	job, err := h.checkJob(ctx, p.PipelineJobID)
	if job == nil || err != nil {
		return err
	}

	phase, err := h.beginPhase(ctx, job, db.PhaseExtraction, p.RetryCount, p.ParentPhaseID, &p.RawLocation)
	if err != nil {
		return err
	}

	result, err := h.deps.Extractor.Extract(ctx, p.DocumentID, p.FileType, p.RawLocation)
	if err != nil {
		_, ferr := h.deps.Retrier.HandleFailure(ctx, job, phase, queue.QueueExtraction,
			func(retryCount int, phaseID string) interface{} {
				retry := p
				retry.RetryCount = retryCount
				retry.ParentPhaseID = phaseID
				return retry
			}, err)
		return ferr
	}

	if result.Empty {
		return h.completeEmpty(ctx, job, phase, result)
	}

	if err := h.deps.Store.CompletePhase(ctx, phase.ID, &result.TextLocation, result.Metadata); err != nil {
		return err
	}
	if _, err := h.deps.Coordinator.AdvanceJob(ctx, job); err != nil {
		return err
	}

	_, err = h.deps.Broker.Enqueue(ctx, queue.QueueChunking, queue.ChunkingPayload{
		PipelineJobID:  p.PipelineJobID,
		DocumentID:     p.DocumentID,
		TextLocation:   result.TextLocation,
		SourceName:     p.SourceName,
		SourcePlatform: p.SourcePlatform,
		TenantID:       p.TenantID,
		Meta:           p.Meta,
	}, "chunking for document "+p.DocumentID)
	return err
}

// HandleIngestExtract downloads a document from its origin platform and
// extracts it in one pass, writing one phase row for each of the two steps.
func (h *Handlers) HandleIngestExtract(ctx context.Context, task *queue.Task) error {
	var p queue.IngestExtractPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("malformed ingest_extract payload: %w", err)
	}

	job, err := h.checkJob(ctx, p.PipelineJobID)
	if job == nil || err != nil {
		return err
	}

	ingPhase, err := h.beginPhase(ctx, job, db.PhaseIngestion, p.RetryCount, p.ParentIngestPhaseID, &p.SourceLocation)
	if err != nil {
		return err
	}
	h.reportProgress(ctx, task, 10)

	// Failure anywhere in the combined step fails both rows and retries
	// both labels, so the rerun repeats download and extraction together.
	failCombined := func(extPhase *db.PipelinePhase, cause error) error {
		_, ferr := h.deps.Retrier.HandleCombinedFailure(ctx, job, ingPhase, extPhase, queue.QueueIngestExtract,
			func(retryCount int, ingestRef, extractRef string) interface{} {
				retry := p
				retry.RetryCount = retryCount
				retry.ParentIngestPhaseID = ingestRef
				retry.ParentExtractPhaseID = extractRef
				return retry
			}, cause)
		return ferr
	}

	fetcher, err := h.deps.FetcherFor(ctx, p.UserID, p.TenantID, p.SourcePlatform)
	if err != nil {
		return failCombined(nil, err)
	}
	raw, mime, err := fetcher.Fetch(ctx, p.SourceLocation, p.FileType)
	if err != nil {
		return failCombined(nil, err)
	}
	if mime == "" {
		mime = p.FileType
	}
	h.reportProgress(ctx, task, 30)

	var rawLoc *string
	if p.StoreRaw {
		key := storage.RawKey(p.DocumentID, extract.Extension(mime))
		if err := h.deps.Objects.Put(ctx, key, raw, mime); err != nil {
			return err
		}
		rawLoc = &key
	}
	if err := h.deps.Store.CompletePhase(ctx, ingPhase.ID, rawLoc, db.JSONMap{
		"bytes":     len(raw),
		"mime_type": mime,
	}); err != nil {
		return err
	}
	if _, err := h.deps.Coordinator.AdvanceJob(ctx, job); err != nil {
		return err
	}
	job.CurrentPhase = db.PhaseExtraction

	extPhase, err := h.beginPhase(ctx, job, db.PhaseExtraction, p.RetryCount, p.ParentExtractPhaseID, rawLoc)
	if err != nil {
		return err
	}
	h.reportProgress(ctx, task, 40)

	result, err := h.deps.Extractor.ExtractBytes(ctx, p.DocumentID, mime, raw)
	if err != nil {
		return failCombined(extPhase, err)
	}

	if result.Empty {
		return h.completeEmpty(ctx, job, extPhase, result)
	}

	if err := h.deps.Store.CompletePhase(ctx, extPhase.ID, &result.TextLocation, result.Metadata); err != nil {
		return err
	}
	if _, err := h.deps.Coordinator.AdvanceJob(ctx, job); err != nil {
		return err
	}

	_, err = h.deps.Broker.Enqueue(ctx, queue.QueueChunking, queue.ChunkingPayload{
		PipelineJobID:  p.PipelineJobID,
		DocumentID:     p.DocumentID,
		TextLocation:   result.TextLocation,
		SourceName:     p.SourceName,
		SourcePlatform: p.SourcePlatform,
		TenantID:       p.TenantID,
		Meta:           p.Meta,
	}, "chunking for document "+p.DocumentID)
	return err
}

// completeEmpty closes out an extraction that produced no text. There is
// nothing to chunk, so the job finishes here and the document still becomes
// available.
func (h *Handlers) completeEmpty(ctx context.Context, job *db.PipelineJob, phase *db.PipelinePhase, result *extract.Result) error {
	meta := result.Metadata
	if meta == nil {
		meta = db.JSONMap{}
	}
	meta["reason"] = "no extractable content"
	if err := h.deps.Store.CompletePhase(ctx, phase.ID, nil, meta); err != nil {
		return err
	}
	h.log.WithFields(common.PhaseFields(job.ID, job.DocumentID, phase.Phase, job.TenantID)).
		Warn("Extraction produced no text, completing job early")
	return h.deps.Coordinator.CompleteEarly(ctx, job, db.DocStatusAvailable)
}

// HandleChunking splits the extracted text, contextualizes the chunks and
// queues knowledge-graph ingest.
func (h *Handlers) HandleChunking(ctx context.Context, task *queue.Task) error {
	var p queue.ChunkingPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("malformed chunking payload: %w", err)
	}

	job, err := h.checkJob(ctx, p.PipelineJobID)
	if job == nil || err != nil {
		return err
	}

	phase, err := h.beginPhase(ctx, job, db.PhaseChunking, p.RetryCount, p.ParentPhaseID, &p.TextLocation)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		_, ferr := h.deps.Retrier.HandleFailure(ctx, job, phase, queue.QueueChunking,
			func(retryCount int, phaseID string) interface{} {
				retry := p
				retry.RetryCount = retryCount
				retry.ParentPhaseID = phaseID
				return retry
			}, cause)
		return ferr
	}

	text, err := h.deps.Objects.Get(ctx, p.TextLocation)
	if err != nil {
		return fail(err)
	}
	doc, err := h.deps.Store.GetDocument(ctx, p.DocumentID)
	if err != nil {
		if db.IsNotFound(err) {
			return fail(common.NewValueError("document %s no longer exists", p.DocumentID))
		}
		return err
	}

	chunks, err := h.deps.Chunker.Chunk(ctx, p.DocumentID, doc.Title, string(text))
	if err != nil {
		return fail(err)
	}

	if err := h.deps.Store.ReplaceChunks(ctx, p.DocumentID, chunks); err != nil {
		return err
	}
	if err := h.deps.Store.CompletePhase(ctx, phase.ID, nil, db.JSONMap{
		"chunk_count": len(chunks),
	}); err != nil {
		return err
	}
	if _, err := h.deps.Coordinator.AdvanceJob(ctx, job); err != nil {
		return err
	}

	_, err = h.deps.Broker.Enqueue(ctx, queue.QueueKGIngest, queue.KGIngestPayload{
		PipelineJobID:  p.PipelineJobID,
		DocumentID:     p.DocumentID,
		SourceName:     p.SourceName,
		SourcePlatform: p.SourcePlatform,
		TenantID:       p.TenantID,
		Meta:           p.Meta,
	}, "knowledge graph ingest for document "+p.DocumentID)
	return err
}

// HandleKGIngest writes the document's chunks into the knowledge graph and
// finishes the job.
func (h *Handlers) HandleKGIngest(ctx context.Context, task *queue.Task) error {
	var p queue.KGIngestPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		return fmt.Errorf("malformed kg_ingest payload: %w", err)
	}

	job, err := h.checkJob(ctx, p.PipelineJobID)
	if job == nil || err != nil {
		return err
	}

	phase, err := h.beginPhase(ctx, job, db.PhaseKGIngest, p.RetryCount, p.ParentPhaseID, nil)
	if err != nil {
		return err
	}

	fail := func(cause error) error {
		_, ferr := h.deps.Retrier.HandleFailure(ctx, job, phase, queue.QueueKGIngest,
			func(retryCount int, phaseID string) interface{} {
				retry := p
				retry.RetryCount = retryCount
				retry.ParentPhaseID = phaseID
				return retry
			}, cause)
		return ferr
	}

	doc, err := h.deps.Store.GetDocument(ctx, p.DocumentID)
	if err != nil {
		if db.IsNotFound(err) {
			return fail(common.NewValueError("document %s no longer exists", p.DocumentID))
		}
		return err
	}
	chunks, err := h.deps.Store.ChunksForDocument(ctx, p.DocumentID)
	if err != nil {
		return err
	}

	result, err := h.deps.Ingestor.Ingest(ctx, doc, chunks)
	if err != nil {
		if result != nil {
			if merr := h.deps.Store.SetPhaseMetadata(ctx, phase.ID, db.JSONMap{
				"episode_count":       result.EpisodeCount,
				"chunk_count":         len(chunks),
				"failed_count":        len(chunks) - result.EpisodeCount,
				"cleaned_up_episodes": result.CleanedUp,
				"episode_ids":         result.EpisodeIDs,
			}); merr != nil {
				h.log.WithError(merr).WithField("phase_id", phase.ID).
					Warn("Failed to record partial ingest counts")
			}
		}
		return fail(err)
	}

	if err := h.deps.Store.CompletePhase(ctx, phase.ID, nil, db.JSONMap{
		"episode_count": result.EpisodeCount,
		"mapping_count": result.MappingCount,
		"chunk_count":   len(chunks),
		"episode_ids":   result.EpisodeIDs,
	}); err != nil {
		return err
	}
	if _, err := h.deps.Coordinator.AdvanceJob(ctx, job); err != nil {
		return err
	}

	h.log.WithFields(common.PhaseFields(job.ID, p.DocumentID, phase.Phase, p.TenantID)).
		WithField("episodes", result.EpisodeCount).Info("Pipeline complete")
	return nil
}
