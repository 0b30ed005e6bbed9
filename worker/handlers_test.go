package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphworks/docpipe/chunker"
	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/extract"
	"github.com/graphworks/docpipe/kgraph"
	"github.com/graphworks/docpipe/pipeline"
	"github.com/graphworks/docpipe/queue"
	"github.com/graphworks/docpipe/storage"
)

type enqueuedTask struct {
	queue   string
	payload interface{}
	delay   time.Duration
}

type fakeBroker struct {
	mu       sync.Mutex
	tasks    []enqueuedTask
	progress []int
}

func (b *fakeBroker) Enqueue(_ context.Context, queueName string, payload interface{}, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, enqueuedTask{queue: queueName, payload: payload})
	return fmt.Sprintf("task-%d", len(b.tasks)), nil
}

func (b *fakeBroker) EnqueueIn(_ context.Context, delay time.Duration, queueName string, payload interface{}, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tasks = append(b.tasks, enqueuedTask{queue: queueName, payload: payload, delay: delay})
	return fmt.Sprintf("task-%d", len(b.tasks)), nil
}

func (b *fakeBroker) SetProgress(_ context.Context, _ string, progress int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progress = append(b.progress, progress)
	return nil
}

type fakeFetcher struct {
	data []byte
	mime string
	err  error
}

func (f *fakeFetcher) Fetch(_ context.Context, _, _ string) ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return f.data, f.mime, nil
}

type fakeGraph struct {
	mu       sync.Mutex
	nextID   int
	failOn   map[string]error
	episodes map[string]kgraph.Episode
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{failOn: map[string]error{}, episodes: map[string]kgraph.Episode{}}
}

func (g *fakeGraph) AddEpisode(_ context.Context, ep kgraph.Episode) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.failOn[ep.Name]; ok {
		return "", err
	}
	g.nextID++
	id := fmt.Sprintf("ep-%d", g.nextID)
	g.episodes[id] = ep
	return id, nil
}

func (g *fakeGraph) RemoveEpisode(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.episodes, id)
	return nil
}

type fakeTranscriber struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (*extract.TranscriptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &extract.TranscriptionResult{Text: f.text, DurationSeconds: 60}, nil
}

type nopGovernor struct{}

func (nopGovernor) WaitForRequest(context.Context, string) error { return nil }

func (nopGovernor) WaitForTokens(context.Context, string, int) error { return nil }

type harness struct {
	store       *db.MemStore
	objects     *storage.MemStore
	broker      *fakeBroker
	graph       *fakeGraph
	transcriber *fakeTranscriber
	fetcher     *fakeFetcher
	fetchErr    error
	coordinator *pipeline.Coordinator
	handlers    *Handlers
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := common.NewLogger(common.DefaultLoggerConfig())

	h := &harness{
		store:       db.NewMemStore(),
		objects:     storage.NewMemStore(),
		broker:      &fakeBroker{},
		graph:       newFakeGraph(),
		transcriber: &fakeTranscriber{text: "transcribed words"},
		fetcher:     &fakeFetcher{},
	}

	extractor := extract.NewService(h.objects, h.transcriber, nil, 0.006, logger)
	chunks := chunker.New(chunker.NewContextualizer(nil, "test-model", 200, logger), nopGovernor{}, "anthropic", 2, logger)
	ingestor := kgraph.NewIngestor(h.graph, h.store, nopGovernor{}, "graphiti", 2, logger)
	coord := pipeline.NewCoordinator(h.store, h.broker, logger)
	retrier := pipeline.NewRetrier(h.store, h.broker, logger)
	h.coordinator = coord

	h.handlers = NewHandlers(Deps{
		Store:       h.store,
		Objects:     h.objects,
		Extractor:   extractor,
		Chunker:     chunks,
		Ingestor:    ingestor,
		Coordinator: coord,
		Retrier:     retrier,
		Broker:      h.broker,
		Progress:    h.broker,
		FetcherFor: func(context.Context, string, string, string) (extract.SourceFetcher, error) {
			if h.fetchErr != nil {
				return nil, h.fetchErr
			}
			return h.fetcher, nil
		},
	}, logger)
	return h
}

func (h *harness) seedDocument(t *testing.T, mimeType string) *db.Document {
	t.Helper()
	doc := &db.Document{
		TenantID:       "tenant-a",
		Title:          "Quarterly Report",
		FileType:       mimeType,
		SourcePlatform: "upload",
		Status:         db.DocStatusPending,
	}
	require.NoError(t, h.store.CreateDocument(context.Background(), doc))
	return doc
}

func (h *harness) seedJob(t *testing.T, doc *db.Document, phase, status string) *db.PipelineJob {
	t.Helper()
	job := &db.PipelineJob{
		DocumentID:   doc.ID,
		TenantID:     doc.TenantID,
		CurrentPhase: phase,
		Status:       status,
		Metadata:     db.JSONMap{},
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	return job
}

func taskFor(t *testing.T, queueName string, payload interface{}) *queue.Task {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Task{ID: "t1", Queue: queueName, Payload: raw}
}

func TestHandleExtraction_HappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseExtraction, db.JobStatusPending)

	rawKey := storage.RawKey(doc.ID, "txt")
	require.NoError(t, h.objects.Put(ctx, rawKey, []byte("A short but real document."), extract.MimePlain))

	err := h.handlers.HandleExtraction(ctx, taskFor(t, queue.QueueExtraction, queue.ExtractionPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		RawLocation:   rawKey,
		FileType:      extract.MimePlain,
		TenantID:      doc.TenantID,
	}))
	require.NoError(t, err)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, db.PhaseExtraction, phases[0].Phase)
	assert.Equal(t, db.PhaseStatusCompleted, phases[0].Status)
	assert.Nil(t, phases[0].ParentPhaseID)
	require.NotNil(t, phases[0].OutputLocation)
	assert.Equal(t, storage.TextKey(doc.ID), *phases[0].OutputLocation)

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PhaseChunking, updated.CurrentPhase)
	assert.Equal(t, db.JobStatusProcessing, updated.Status)

	gotDoc, err := h.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DocStatusProcessing, gotDoc.Status)

	require.Len(t, h.broker.tasks, 1)
	assert.Equal(t, queue.QueueChunking, h.broker.tasks[0].queue)
	next := h.broker.tasks[0].payload.(queue.ChunkingPayload)
	assert.Equal(t, storage.TextKey(doc.ID), next.TextLocation)
	assert.Empty(t, next.ParentPhaseID)
}

func TestHandleExtraction_FirstAttemptHasNoParent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)

	rawKey := storage.RawKey(doc.ID, "txt")
	require.NoError(t, h.objects.Put(ctx, rawKey, []byte("Submitted through the coordinator."), extract.MimePlain))

	job, err := h.coordinator.Submit(ctx, pipeline.SubmitRequest{
		DocumentID:  doc.ID,
		TenantID:    doc.TenantID,
		RawLocation: rawKey,
	})
	require.NoError(t, err)

	require.Len(t, h.broker.tasks, 1)
	payload := h.broker.tasks[0].payload.(queue.ExtractionPayload)
	assert.Empty(t, payload.ParentPhaseID)
	h.broker.tasks = nil

	require.NoError(t, h.handlers.HandleExtraction(ctx, taskFor(t, queue.QueueExtraction, payload)))

	// The skipped ingestion row and the first extraction attempt are both
	// chain roots: null parent, retry zero.
	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	for _, phase := range phases {
		assert.Nil(t, phase.ParentPhaseID, phase.Phase)
		assert.Equal(t, 0, phase.RetryCount)
	}
}

func TestHandleExtraction_EmptyCompletesJobEarly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseExtraction, db.JobStatusPending)

	rawKey := storage.RawKey(doc.ID, "txt")
	require.NoError(t, h.objects.Put(ctx, rawKey, []byte("   \n\n  "), extract.MimePlain))

	err := h.handlers.HandleExtraction(ctx, taskFor(t, queue.QueueExtraction, queue.ExtractionPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		RawLocation:   rawKey,
		FileType:      extract.MimePlain,
	}))
	require.NoError(t, err)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, db.PhaseStatusCompleted, phases[0].Status)
	assert.Equal(t, true, phases[0].Metadata["empty_extraction"])
	assert.Equal(t, "no extractable content", phases[0].Metadata["reason"])

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, updated.Status)
	assert.Equal(t, db.PhaseCompleted, updated.CurrentPhase)

	gotDoc, err := h.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DocStatusAvailable, gotDoc.Status)

	assert.Empty(t, h.broker.tasks)
}

func TestHandleExtraction_DropsTaskForTerminalJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseExtraction, db.JobStatusCancelled)

	err := h.handlers.HandleExtraction(ctx, taskFor(t, queue.QueueExtraction, queue.ExtractionPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		RawLocation:   "raw_documents/nope.txt",
		FileType:      extract.MimePlain,
	}))
	require.NoError(t, err)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, phases)
	assert.Empty(t, h.broker.tasks)
}

func TestHandleExtraction_RetryableFailureThenRecovery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, "audio/mpeg")
	job := h.seedJob(t, doc, db.PhaseExtraction, db.JobStatusProcessing)

	rawKey := storage.RawKey(doc.ID, "mp3")
	require.NoError(t, h.objects.Put(ctx, rawKey, []byte("fake audio"), "audio/mpeg"))
	h.transcriber.err = common.NewRuntimeError("transcription service hiccup")

	err := h.handlers.HandleExtraction(ctx, taskFor(t, queue.QueueExtraction, queue.ExtractionPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		RawLocation:   rawKey,
		FileType:      "audio/mpeg",
	}))
	require.NoError(t, err)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, db.PhaseStatusFailed, phases[0].Status)
	assert.Equal(t, common.ErrNameRuntime, *phases[0].ErrorType)
	assert.Equal(t, db.PhaseStatusQueued, phases[1].Status)
	assert.Equal(t, 1, phases[1].RetryCount)

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusProcessing, updated.Status)
	assert.Equal(t, 1, updated.Metadata["retry_count"])

	require.Len(t, h.broker.tasks, 1)
	retry := h.broker.tasks[0].payload.(queue.ExtractionPayload)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, phases[1].ID, retry.ParentPhaseID)
	assert.Equal(t, 60*time.Second, h.broker.tasks[0].delay)

	// The retried attempt adopts the queued row instead of adding another.
	h.transcriber.err = nil
	require.NoError(t, h.handlers.HandleExtraction(ctx, taskFor(t, queue.QueueExtraction, retry)))

	phases, err = h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	assert.Equal(t, db.PhaseStatusCompleted, phases[1].Status)

	updated, err = h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PhaseChunking, updated.CurrentPhase)
	assert.NotContains(t, updated.Metadata, "retry_at")
}

func TestHandleExtraction_NonRetryableFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, "application/zip")
	job := h.seedJob(t, doc, db.PhaseExtraction, db.JobStatusProcessing)

	rawKey := storage.RawKey(doc.ID, "zip")
	require.NoError(t, h.objects.Put(ctx, rawKey, []byte("zip bytes"), "application/zip"))

	err := h.handlers.HandleExtraction(ctx, taskFor(t, queue.QueueExtraction, queue.ExtractionPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		RawLocation:   rawKey,
		FileType:      "application/zip",
	}))
	require.NoError(t, err)

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, updated.Status)
	assert.Contains(t, updated.Metadata["last_error"], "unsupported MIME type")

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, common.ErrNameInvalidFileFormat, *phases[0].ErrorType)
	assert.Empty(t, h.broker.tasks)
}

func TestHandleIngestExtract_HappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimeGoogleDoc)
	job := h.seedJob(t, doc, db.PhaseIngestion, db.JobStatusPending)

	h.fetcher.data = []byte("Downloaded document body.")
	h.fetcher.mime = extract.MimePlain

	err := h.handlers.HandleIngestExtract(ctx, taskFor(t, queue.QueueIngestExtract, queue.IngestExtractPayload{
		PipelineJobID:  job.ID,
		DocumentID:     doc.ID,
		SourceLocation: "drive-file-1",
		FileType:       extract.MimeGoogleDoc,
		SourcePlatform: "google_drive",
		TenantID:       doc.TenantID,
		StoreRaw:       true,
		UserID:         "user-1",
	}))
	require.NoError(t, err)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)

	ing := phases[0]
	assert.Equal(t, db.PhaseIngestion, ing.Phase)
	assert.Equal(t, db.PhaseStatusCompleted, ing.Status)
	assert.Nil(t, ing.ParentPhaseID)
	require.NotNil(t, ing.OutputLocation)
	assert.Equal(t, storage.RawKey(doc.ID, "txt"), *ing.OutputLocation)

	ext := phases[1]
	assert.Equal(t, db.PhaseExtraction, ext.Phase)
	assert.Equal(t, db.PhaseStatusCompleted, ext.Status)
	assert.Nil(t, ext.ParentPhaseID)
	require.NotNil(t, ext.OutputLocation)
	assert.Equal(t, storage.TextKey(doc.ID), *ext.OutputLocation)

	raw, err := h.objects.Get(ctx, storage.RawKey(doc.ID, "txt"))
	require.NoError(t, err)
	assert.Equal(t, "Downloaded document body.", string(raw))

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PhaseChunking, updated.CurrentPhase)

	require.Len(t, h.broker.tasks, 1)
	assert.Equal(t, queue.QueueChunking, h.broker.tasks[0].queue)
	next := h.broker.tasks[0].payload.(queue.ChunkingPayload)
	assert.Empty(t, next.ParentPhaseID)

	assert.Equal(t, []int{10, 30, 40}, h.broker.progress)
}

func TestHandleIngestExtract_SkipsRawWhenNotRequested(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseIngestion, db.JobStatusPending)

	h.fetcher.data = []byte("Ephemeral source body.")
	h.fetcher.mime = extract.MimePlain

	err := h.handlers.HandleIngestExtract(ctx, taskFor(t, queue.QueueIngestExtract, queue.IngestExtractPayload{
		PipelineJobID:  job.ID,
		DocumentID:     doc.ID,
		SourceLocation: "drive-file-2",
		FileType:       extract.MimePlain,
		SourcePlatform: "google_drive",
		TenantID:       doc.TenantID,
		UserID:         "user-1",
	}))
	require.NoError(t, err)

	_, err = h.objects.Get(ctx, storage.RawKey(doc.ID, "txt"))
	assert.Error(t, err)

	text, err := h.objects.Get(ctx, storage.TextKey(doc.ID))
	require.NoError(t, err)
	assert.Equal(t, "Ephemeral source body.", string(text))
}

func TestHandleIngestExtract_RetryableFailureRetriesBothPhases(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, "audio/mpeg")
	job := h.seedJob(t, doc, db.PhaseIngestion, db.JobStatusPending)

	h.fetcher.data = []byte("audio bytes")
	h.fetcher.mime = "audio/mpeg"
	h.transcriber.err = common.NewRuntimeError("transcription backend down")

	payload := queue.IngestExtractPayload{
		PipelineJobID:  job.ID,
		DocumentID:     doc.ID,
		SourceLocation: "drive-file-9",
		FileType:       "audio/mpeg",
		SourcePlatform: "google_drive",
		TenantID:       doc.TenantID,
		UserID:         "user-1",
	}
	require.NoError(t, h.handlers.HandleIngestExtract(ctx, taskFor(t, queue.QueueIngestExtract, payload)))

	// Both rows of the combined step are failed, and each label gets a
	// queued retry sibling chained to its failed attempt.
	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 4)

	byKey := map[string]db.PipelinePhase{}
	for _, p := range phases {
		byKey[fmt.Sprintf("%s/%d", p.Phase, p.RetryCount)] = p
	}
	failedIng := byKey[db.PhaseIngestion+"/0"]
	failedExt := byKey[db.PhaseExtraction+"/0"]
	assert.Equal(t, db.PhaseStatusFailed, failedIng.Status)
	assert.Equal(t, db.PhaseStatusFailed, failedExt.Status)

	queuedIng := byKey[db.PhaseIngestion+"/1"]
	queuedExt := byKey[db.PhaseExtraction+"/1"]
	assert.Equal(t, db.PhaseStatusQueued, queuedIng.Status)
	assert.Equal(t, db.PhaseStatusQueued, queuedExt.Status)
	require.NotNil(t, queuedIng.ParentPhaseID)
	assert.Equal(t, failedIng.ID, *queuedIng.ParentPhaseID)
	require.NotNil(t, queuedExt.ParentPhaseID)
	assert.Equal(t, failedExt.ID, *queuedExt.ParentPhaseID)

	require.Len(t, h.broker.tasks, 1)
	retry := h.broker.tasks[0].payload.(queue.IngestExtractPayload)
	assert.Equal(t, 1, retry.RetryCount)
	assert.Equal(t, queuedIng.ID, retry.ParentIngestPhaseID)
	assert.Equal(t, queuedExt.ID, retry.ParentExtractPhaseID)
	assert.Equal(t, 60*time.Second, h.broker.tasks[0].delay)
	h.broker.tasks = nil

	// The retry adopts both queued rows and completes the combined step.
	h.transcriber.err = nil
	require.NoError(t, h.handlers.HandleIngestExtract(ctx, taskFor(t, queue.QueueIngestExtract, retry)))

	phases, err = h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 4)
	for _, p := range phases {
		if p.RetryCount == 1 {
			assert.Equal(t, db.PhaseStatusCompleted, p.Status, p.Phase)
		}
	}

	require.Len(t, h.broker.tasks, 1)
	assert.Equal(t, queue.QueueChunking, h.broker.tasks[0].queue)
}

func TestHandleIngestExtract_AuthFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseIngestion, db.JobStatusPending)

	h.fetchErr = common.NewAuthenticationError("no google_drive credential for user user-1")

	err := h.handlers.HandleIngestExtract(ctx, taskFor(t, queue.QueueIngestExtract, queue.IngestExtractPayload{
		PipelineJobID:  job.ID,
		DocumentID:     doc.ID,
		SourceLocation: "drive-file-3",
		FileType:       extract.MimePlain,
		SourcePlatform: "google_drive",
		TenantID:       doc.TenantID,
		UserID:         "user-1",
	}))
	require.NoError(t, err)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, db.PhaseIngestion, phases[0].Phase)
	assert.Equal(t, db.PhaseStatusFailed, phases[0].Status)
	assert.Equal(t, common.ErrNameAuthentication, *phases[0].ErrorType)

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, updated.Status)
	assert.Empty(t, h.broker.tasks)
}

func TestHandleChunking_HappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseChunking, db.JobStatusProcessing)

	textKey := storage.TextKey(doc.ID)
	require.NoError(t, h.objects.Put(ctx, textKey, []byte("One sentence. Another sentence here."), "text/plain"))

	err := h.handlers.HandleChunking(ctx, taskFor(t, queue.QueueChunking, queue.ChunkingPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		TextLocation:  textKey,
		TenantID:      doc.TenantID,
	}))
	require.NoError(t, err)

	chunks, err := h.store.ChunksForDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, doc.Title, chunks[0].Context)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, db.PhaseStatusCompleted, phases[0].Status)
	assert.Equal(t, 1, phases[0].Metadata["chunk_count"])

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PhaseKGIngest, updated.CurrentPhase)

	require.Len(t, h.broker.tasks, 1)
	assert.Equal(t, queue.QueueKGIngest, h.broker.tasks[0].queue)
	next := h.broker.tasks[0].payload.(queue.KGIngestPayload)
	assert.Empty(t, next.ParentPhaseID)
}

func TestHandleChunking_MissingTextFailsJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseChunking, db.JobStatusProcessing)

	err := h.handlers.HandleChunking(ctx, taskFor(t, queue.QueueChunking, queue.ChunkingPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		TextLocation:  storage.TextKey(doc.ID),
		TenantID:      doc.TenantID,
	}))
	require.NoError(t, err)

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, updated.Status)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, common.ErrNameFileNotFound, *phases[0].ErrorType)
}

func TestHandleKGIngest_HappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseKGIngest, db.JobStatusProcessing)

	require.NoError(t, h.store.ReplaceChunks(ctx, doc.ID, []db.DocumentChunk{
		{DocumentID: doc.ID, ChunkIndex: 0, Content: "First chunk.", Context: "About the report."},
		{DocumentID: doc.ID, ChunkIndex: 1, Content: "Second chunk.", Context: "More of the report."},
	}))

	err := h.handlers.HandleKGIngest(ctx, taskFor(t, queue.QueueKGIngest, queue.KGIngestPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		TenantID:      doc.TenantID,
	}))
	require.NoError(t, err)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, db.PhaseStatusCompleted, phases[0].Status)
	assert.Equal(t, 2, phases[0].Metadata["episode_count"])

	mappings, err := h.store.MappingsForDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Len(t, mappings, 2)

	updated, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, updated.Status)
	assert.Equal(t, db.PhaseCompleted, updated.CurrentPhase)

	gotDoc, err := h.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DocStatusAvailable, gotDoc.Status)
}

func TestHandleKGIngest_PartialFailureCompensatesAndRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	doc := h.seedDocument(t, extract.MimePlain)
	job := h.seedJob(t, doc, db.PhaseKGIngest, db.JobStatusProcessing)

	require.NoError(t, h.store.ReplaceChunks(ctx, doc.ID, []db.DocumentChunk{
		{DocumentID: doc.ID, ChunkIndex: 0, Content: "First chunk."},
		{DocumentID: doc.ID, ChunkIndex: 1, Content: "Second chunk."},
		{DocumentID: doc.ID, ChunkIndex: 2, Content: "Third chunk."},
	}))
	h.graph.failOn[doc.Title+" - Chunk 1"] = common.NewRuntimeError("graph engine timeout")

	err := h.handlers.HandleKGIngest(ctx, taskFor(t, queue.QueueKGIngest, queue.KGIngestPayload{
		PipelineJobID: job.ID,
		DocumentID:    doc.ID,
		TenantID:      doc.TenantID,
	}))
	require.NoError(t, err)

	// Compensation rolled everything back.
	assert.Empty(t, h.graph.episodes)
	mappings, err := h.store.MappingsForDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, mappings)

	phases, err := h.store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	failed := phases[0]
	assert.Equal(t, db.PhaseStatusFailed, failed.Status)
	assert.Equal(t, common.ErrNamePartialIngest, *failed.ErrorType)
	assert.Equal(t, 2, failed.Metadata["episode_count"])
	assert.Equal(t, 3, failed.Metadata["chunk_count"])
	assert.Equal(t, 1, failed.Metadata["failed_count"])
	assert.Equal(t, 2, failed.Metadata["cleaned_up_episodes"])

	assert.Equal(t, db.PhaseStatusQueued, phases[1].Status)
	require.Len(t, h.broker.tasks, 1)
	retry := h.broker.tasks[0].payload.(queue.KGIngestPayload)
	assert.Equal(t, 1, retry.RetryCount)
}
