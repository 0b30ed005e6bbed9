package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/queue"
)

type enqueued struct {
	queue       string
	payload     interface{}
	description string
	delay       time.Duration
}

type fakeBroker struct {
	mu    sync.Mutex
	tasks []enqueued
}

func (f *fakeBroker) Enqueue(_ context.Context, q string, payload interface{}, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, enqueued{queue: q, payload: payload, description: description})
	return "task-1", nil
}

func (f *fakeBroker) EnqueueIn(_ context.Context, delay time.Duration, q string, payload interface{}, description string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, enqueued{queue: q, payload: payload, description: description, delay: delay})
	return "task-1", nil
}

func seedJobWithPhase(t *testing.T, store *db.MemStore, retryCount int) (*db.PipelineJob, *db.PipelinePhase) {
	t.Helper()
	ctx := context.Background()
	doc := &db.Document{TenantID: "tenant-a", Title: "Doc", FileType: "application/pdf"}
	require.NoError(t, store.CreateDocument(ctx, doc))

	job := &db.PipelineJob{
		DocumentID:   doc.ID,
		TenantID:     "tenant-a",
		CurrentPhase: db.PhaseExtraction,
		Status:       db.JobStatusProcessing,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	phase := &db.PipelinePhase{
		PipelineJobID: job.ID,
		Phase:         db.PhaseExtraction,
		Status:        db.PhaseStatusProcessing,
		RetryCount:    retryCount,
	}
	require.NoError(t, store.CreatePhase(ctx, phase))
	return job, phase
}

func payloadFor(job *db.PipelineJob) PayloadFunc {
	return func(retryCount int, parentPhaseID string) interface{} {
		return queue.ExtractionPayload{
			PipelineJobID: job.ID,
			RetryCount:    retryCount,
			ParentPhaseID: parentPhaseID,
		}
	}
}

func newTestRetrier(store *db.MemStore, broker *fakeBroker) *Retrier {
	r := NewRetrier(store, broker, common.NewLogger(common.DefaultLoggerConfig()))
	r.now = func() time.Time { return time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC) }
	return r
}

func TestHandleFailure_SchedulesRetry(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	broker := &fakeBroker{}
	r := newTestRetrier(store, broker)
	job, phase := seedJobWithPhase(t, store, 0)

	outcome, err := r.HandleFailure(ctx, job, phase, queue.QueueExtraction,
		payloadFor(job), common.NewRuntimeError("transient blip"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRetried, outcome)

	// Failed attempt is closed out.
	failed, err := store.GetPhase(ctx, phase.ID)
	require.NoError(t, err)
	assert.Equal(t, db.PhaseStatusFailed, failed.Status)
	assert.Equal(t, common.ErrNameRuntime, *failed.ErrorType)

	// A fresh attempt is queued, chained to the failed one.
	phases, err := store.PhasesForJob(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, phases, 2)
	next := phases[1]
	assert.Equal(t, db.PhaseStatusQueued, next.Status)
	assert.Equal(t, 1, next.RetryCount)
	assert.Equal(t, phase.ID, *next.ParentPhaseID)
	assert.Equal(t, r.now().Add(60*time.Second), next.QueuedAt.UTC())

	// Job metadata carries the retry hint, job itself stays active.
	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusProcessing, updated.Status)
	assert.Equal(t, 1, updated.Metadata["retry_count"])
	assert.Equal(t, "2026-01-01T12:01:00Z", updated.Metadata["retry_at"])

	require.Len(t, broker.tasks, 1)
	assert.Equal(t, queue.QueueExtraction, broker.tasks[0].queue)
	assert.Equal(t, 60*time.Second, broker.tasks[0].delay)
	payload := broker.tasks[0].payload.(queue.ExtractionPayload)
	assert.Equal(t, 1, payload.RetryCount)
	assert.Equal(t, next.ID, payload.ParentPhaseID)
}

func TestHandleFailure_RetryAfterHintOverridesDelay(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	broker := &fakeBroker{}
	r := newTestRetrier(store, broker)
	job, phase := seedJobWithPhase(t, store, 0)

	cause := common.NewRateLimitError(90*time.Second, "slow down")
	_, err := r.HandleFailure(ctx, job, phase, queue.QueueExtraction, payloadFor(job), cause)
	require.NoError(t, err)
	require.Len(t, broker.tasks, 1)
	assert.Equal(t, 90*time.Second, broker.tasks[0].delay)
}

func TestHandleFailure_GivesUpAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	broker := &fakeBroker{}
	r := newTestRetrier(store, broker)
	job, phase := seedJobWithPhase(t, store, MaxRetries)

	outcome, err := r.HandleFailure(ctx, job, phase, queue.QueueExtraction,
		payloadFor(job), common.NewRuntimeError("still broken"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGaveUp, outcome)

	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	assert.Equal(t, "RuntimeError: still broken", updated.Metadata["last_error"])
	assert.Empty(t, broker.tasks)
}

func TestHandleFailure_NonRetryableGivesUpImmediately(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	broker := &fakeBroker{}
	r := newTestRetrier(store, broker)
	job, phase := seedJobWithPhase(t, store, 0)

	outcome, err := r.HandleFailure(ctx, job, phase, queue.QueueExtraction,
		payloadFor(job), common.NewValueError("video has no audio track"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGaveUp, outcome)

	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobStatusFailed, updated.Status)
}

func TestHandleFailure_TruncatesLongErrors(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	broker := &fakeBroker{}
	r := newTestRetrier(store, broker)
	job, phase := seedJobWithPhase(t, store, 0)

	long := strings.Repeat("x", 2000)
	_, err := r.HandleFailure(ctx, job, phase, queue.QueueExtraction,
		payloadFor(job), common.NewRuntimeError("%s", long))
	require.NoError(t, err)

	updated, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, updated.Metadata["last_error"], 500)

	failed, err := store.GetPhase(ctx, phase.ID)
	require.NoError(t, err)
	assert.Len(t, *failed.ErrorMessage, 500)
}
