package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/queue"
	"github.com/graphworks/docpipe/storage"
)

func newTestCoordinator(store *db.MemStore, broker *fakeBroker) *Coordinator {
	c := NewCoordinator(store, broker, common.NewLogger(common.DefaultLoggerConfig()))
	c.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func seedDocument(t *testing.T, store *db.MemStore) *db.Document {
	t.Helper()
	doc := &db.Document{
		TenantID:       "tenant-a",
		Title:          "Q3 Review",
		FileType:       "application/pdf",
		SourcePlatform: "gdrive",
		Status:         db.DocStatusPending,
	}
	require.NoError(t, store.CreateDocument(context.Background(), doc))
	return doc
}

func TestSubmit_RawLocationSkipsIngestion(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	broker := &fakeBroker{}
	c := newTestCoordinator(store, broker)
	doc := seedDocument(t, store)

	job, err := c.Submit(ctx, SubmitRequest{
		DocumentID:  doc.ID,
		TenantID:    "tenant-a",
		RawLocation: storage.RawKey(doc.ID, "pdf"),
	})
	require.NoError(t, err)
	assert.Equal(t, db.PhaseExtraction, job.CurrentPhase)
	assert.Equal(t, db.JobStatusPending, job.Status)

	phases, err := store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 1)
	assert.Equal(t, db.PhaseIngestion, phases[0].Phase)
	assert.Equal(t, db.PhaseStatusSkipped, phases[0].Status)
	require.NotNil(t, phases[0].CompletedAt)

	require.Len(t, broker.tasks, 1)
	assert.Equal(t, queue.QueueExtraction, broker.tasks[0].queue)
	payload := broker.tasks[0].payload.(queue.ExtractionPayload)
	assert.Equal(t, job.ID, payload.PipelineJobID)
	assert.Empty(t, payload.ParentPhaseID)
}

func TestSubmit_SourceLocationStartsIngestion(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	broker := &fakeBroker{}
	c := newTestCoordinator(store, broker)
	doc := seedDocument(t, store)

	job, err := c.Submit(ctx, SubmitRequest{
		DocumentID:     doc.ID,
		TenantID:       "tenant-a",
		SourceLocation: "drive-file-123",
		StoreRaw:       true,
		UserID:         "user-7",
	})
	require.NoError(t, err)
	assert.Equal(t, db.PhaseIngestion, job.CurrentPhase)

	require.Len(t, broker.tasks, 1)
	assert.Equal(t, queue.QueueIngestExtract, broker.tasks[0].queue)
	payload := broker.tasks[0].payload.(queue.IngestExtractPayload)
	assert.Equal(t, "drive-file-123", payload.SourceLocation)
	assert.True(t, payload.StoreRaw)
	assert.Equal(t, "user-7", payload.UserID)
}

func TestSubmit_Validation(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	c := newTestCoordinator(store, &fakeBroker{})
	doc := seedDocument(t, store)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{
			name: "BothLocations",
			req: SubmitRequest{
				DocumentID:     doc.ID,
				TenantID:       "tenant-a",
				RawLocation:    "raw_documents/x.pdf",
				SourceLocation: "drive-file-123",
			},
		},
		{
			name: "NeitherLocation",
			req:  SubmitRequest{DocumentID: doc.ID, TenantID: "tenant-a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Submit(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, common.ErrNameValidation, common.ErrorName(err))
		})
	}
}

func TestSubmit_TenantMismatch(t *testing.T) {
	store := db.NewMemStore()
	c := newTestCoordinator(store, &fakeBroker{})
	doc := seedDocument(t, store)

	_, err := c.Submit(context.Background(), SubmitRequest{
		DocumentID:  doc.ID,
		TenantID:    "tenant-b",
		RawLocation: "raw_documents/x.pdf",
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrNameTenantMismatch, common.ErrorName(err))
}

func TestSubmit_RejectsConcurrentJob(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	c := newTestCoordinator(store, &fakeBroker{})
	doc := seedDocument(t, store)

	_, err := c.Submit(ctx, SubmitRequest{
		DocumentID: doc.ID, TenantID: "tenant-a", RawLocation: "raw_documents/x.pdf",
	})
	require.NoError(t, err)

	_, err = c.Submit(ctx, SubmitRequest{
		DocumentID: doc.ID, TenantID: "tenant-a", RawLocation: "raw_documents/x.pdf",
	})
	require.Error(t, err)
	assert.Equal(t, common.ErrNameValidation, common.ErrorName(err))
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	c := newTestCoordinator(store, &fakeBroker{})
	doc := seedDocument(t, store)

	job, err := c.Submit(ctx, SubmitRequest{
		DocumentID: doc.ID, TenantID: "tenant-a", RawLocation: "raw_documents/x.pdf",
	})
	require.NoError(t, err)

	require.NoError(t, c.Cancel(ctx, job.ID, "tenant-a", "user requested"))

	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCancelled, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	assert.Equal(t, "user requested", updated.Metadata["cancel_reason"])

	// Cancelling twice is an error, the job is already terminal.
	err = c.Cancel(ctx, job.ID, "tenant-a", "again")
	require.Error(t, err)
}

func TestCancel_ClosesOutPhases(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	broker := &fakeBroker{}
	c := newTestCoordinator(store, broker)
	r := newTestRetrier(store, broker)

	job, phase := seedJobWithPhase(t, store, 0)

	// A transient failure leaves a queued retry row behind.
	outcome, err := r.HandleFailure(ctx, job, phase, queue.QueueExtraction,
		payloadFor(job), common.NewRuntimeError("socket reset"))
	require.NoError(t, err)
	require.Equal(t, OutcomeRetried, outcome)

	require.NoError(t, c.Cancel(ctx, job.ID, "tenant-a", "user requested"))

	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCancelled, updated.Status)

	// No queued or processing phases may survive under a terminal job.
	phases, err := store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	for _, p := range phases {
		assert.True(t, db.PhaseTerminal(p.Status), p.Status)
	}
	for _, p := range phases {
		if p.RetryCount == 1 {
			assert.Equal(t, db.PhaseStatusCancelled, p.Status)
			require.NotNil(t, p.CompletedAt)
		}
	}
}

func TestAdvanceJob_ToCompletion(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	c := newTestCoordinator(store, &fakeBroker{})
	doc := seedDocument(t, store)

	job := &db.PipelineJob{
		DocumentID:   doc.ID,
		TenantID:     "tenant-a",
		CurrentPhase: db.PhaseKGIngest,
		Status:       db.JobStatusProcessing,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	next, err := c.AdvanceJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, db.PhaseCompleted, next)

	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, updated.Status)
	assert.Equal(t, db.PhaseCompleted, updated.CurrentPhase)
	assert.Equal(t, 100, updated.Metadata["progress"])

	refreshed, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, db.DocStatusAvailable, refreshed.Status)
}

func TestAdvanceJob_IntermediatePhase(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	c := newTestCoordinator(store, &fakeBroker{})
	doc := seedDocument(t, store)

	job := &db.PipelineJob{
		DocumentID:   doc.ID,
		TenantID:     "tenant-a",
		CurrentPhase: db.PhaseExtraction,
		Status:       db.JobStatusProcessing,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	next, err := c.AdvanceJob(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, db.PhaseChunking, next)

	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusProcessing, updated.Status)
	assert.Equal(t, 50, updated.Metadata["progress"])
}

func TestCompleteEarly(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	c := newTestCoordinator(store, &fakeBroker{})
	doc := seedDocument(t, store)

	job := &db.PipelineJob{
		DocumentID:   doc.ID,
		TenantID:     "tenant-a",
		CurrentPhase: db.PhaseExtraction,
		Status:       db.JobStatusProcessing,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	require.NoError(t, c.CompleteEarly(ctx, job, db.DocStatusAvailable))

	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusCompleted, updated.Status)
	assert.Equal(t, db.PhaseCompleted, updated.CurrentPhase)
	assert.Equal(t, 100, updated.Metadata["progress"])
}
