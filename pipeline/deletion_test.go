package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/kgraph"
	"github.com/graphworks/docpipe/storage"
)

type fakeGraph struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeGraph) AddEpisode(_ context.Context, _ kgraph.Episode) (string, error) {
	return "", nil
}

func (f *fakeGraph) RemoveEpisode(_ context.Context, episodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, episodeID)
	return nil
}

func newTestDeleter(store *db.MemStore, objects storage.ObjectStore, graph kgraph.GraphClient) *Deleter {
	return NewDeleter(store, objects, map[string]kgraph.GraphClient{"graphiti": graph},
		common.NewLogger(common.DefaultLoggerConfig()))
}

func seedDeletable(t *testing.T, store *db.MemStore, provider string) *db.Document {
	t.Helper()
	ctx := context.Background()
	doc := &db.Document{TenantID: "tenant-a", Title: "Doomed", FileType: "application/pdf"}
	require.NoError(t, store.CreateDocument(ctx, doc))

	job := &db.PipelineJob{
		DocumentID:   doc.ID,
		TenantID:     "tenant-a",
		CurrentPhase: db.PhaseChunking,
		Status:       db.JobStatusProcessing,
	}
	require.NoError(t, store.CreateJob(ctx, job))

	for i := 0; i < 3; i++ {
		require.NoError(t, store.CreateMapping(ctx, &db.KGEntityMapping{
			TenantID:   "tenant-a",
			DocumentID: doc.ID,
			EntityID:   "ep-" + doc.ID[:4] + string(rune('a'+i)),
			Provider:   provider,
		}))
	}
	return doc
}

func TestDelete_RemovesEverything(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	objects := storage.NewMemStore()
	graph := &fakeGraph{}
	d := newTestDeleter(store, objects, graph)
	doc := seedDeletable(t, store, "graphiti")

	require.NoError(t, objects.Put(ctx, storage.RawKey(doc.ID, "pdf"), []byte("raw"), ""))
	require.NoError(t, objects.Put(ctx, storage.TextKey(doc.ID), []byte("text"), ""))

	require.NoError(t, d.Delete(ctx, doc.ID, "tenant-a"))

	_, err := store.GetDocument(ctx, doc.ID)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.Len(t, graph.removed, 3)
	assert.Equal(t, 0, objects.Len())

	// Active jobs were cancelled with the deletion message.
	jobs, err := store.ActiveJobsForDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestDelete_TenantMismatch(t *testing.T) {
	store := db.NewMemStore()
	d := newTestDeleter(store, storage.NewMemStore(), &fakeGraph{})
	doc := seedDeletable(t, store, "graphiti")

	err := d.Delete(context.Background(), doc.ID, "tenant-b")
	require.Error(t, err)
	assert.Equal(t, common.ErrNameTenantMismatch, common.ErrorName(err))

	// Nothing was touched.
	_, err = store.GetDocument(context.Background(), doc.ID)
	assert.NoError(t, err)
}

func TestDelete_UnsupportedProviderAborts(t *testing.T) {
	store := db.NewMemStore()
	graph := &fakeGraph{}
	d := newTestDeleter(store, storage.NewMemStore(), graph)
	doc := seedDeletable(t, store, "neo4j")

	err := d.Delete(context.Background(), doc.ID, "tenant-a")
	require.Error(t, err)
	assert.Equal(t, common.ErrNameValidation, common.ErrorName(err))
	assert.Empty(t, graph.removed)

	_, err = store.GetDocument(context.Background(), doc.ID)
	assert.NoError(t, err)
}

func TestDeleteBatch(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	graph := &fakeGraph{}
	d := newTestDeleter(store, storage.NewMemStore(), graph)

	a := seedDeletable(t, store, "graphiti")
	b := seedDeletable(t, store, "graphiti")

	result, err := d.DeleteBatch(ctx, []string{a.ID, b.ID}, "tenant-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, result.Deleted)
	assert.Empty(t, result.Failed)
}

func TestDeleteBatch_UnsupportedProviderAbortsWholeBatch(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemStore()
	d := newTestDeleter(store, storage.NewMemStore(), &fakeGraph{})

	a := seedDeletable(t, store, "graphiti")
	b := seedDeletable(t, store, "neo4j")

	_, err := d.DeleteBatch(ctx, []string{a.ID, b.ID}, "tenant-a")
	require.Error(t, err)

	// Neither document was deleted.
	_, err = store.GetDocument(ctx, a.ID)
	assert.NoError(t, err)
	_, err = store.GetDocument(ctx, b.ID)
	assert.NoError(t, err)
}
