package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
	"github.com/graphworks/docpipe/extract"
	"github.com/graphworks/docpipe/kgraph"
	"github.com/graphworks/docpipe/storage"
)

// cancelOnDelete is the message written onto jobs killed by a deletion.
const cancelOnDelete = "Document was deleted"

// Deleter removes a document everywhere: active jobs are cancelled, graph
// episodes are removed through the mapping rows, stored objects and the
// database rows go last.
type Deleter struct {
	store   db.Store
	objects storage.ObjectStore
	graphs  map[string]kgraph.GraphClient // keyed by provider label
	log     *logrus.Entry
}

func NewDeleter(store db.Store, objects storage.ObjectStore, graphs map[string]kgraph.GraphClient, logger *logrus.Logger) *Deleter {
	return &Deleter{
		store:   store,
		objects: objects,
		graphs:  graphs,
		log:     logger.WithField("component", "deleter"),
	}
}

// Delete removes one document for a tenant. Asking for another tenant's
// document is an error, not a no-op.
func (d *Deleter) Delete(ctx context.Context, documentID, tenantID string) error {
	doc, err := d.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.TenantID != tenantID {
		return common.NewTenantMismatchError(
			"document %s does not belong to tenant %s", documentID, tenantID)
	}

	mappings, err := d.store.MappingsForDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if err := d.checkProviders(mappings); err != nil {
		return err
	}

	if err := d.store.CancelDocumentJobs(ctx, documentID, cancelOnDelete); err != nil {
		return err
	}

	for _, m := range mappings {
		client := d.graphs[m.Provider]
		if err := client.RemoveEpisode(ctx, m.EntityID); err != nil {
			return fmt.Errorf("failed to remove episode %s: %w", m.EntityID, err)
		}
	}

	// Stored objects are cleaned best effort; the bucket is prefixed by
	// document id so strays are findable.
	rawKey := storage.RawKey(documentID, extract.Extension(doc.FileType))
	if err := d.objects.Delete(ctx, rawKey); err != nil {
		d.log.WithError(err).WithField("key", rawKey).Warn("Failed to delete raw object")
	}
	textKey := storage.TextKey(documentID)
	if err := d.objects.Delete(ctx, textKey); err != nil {
		d.log.WithError(err).WithField("key", textKey).Warn("Failed to delete text object")
	}

	if err := d.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}

	d.log.WithFields(logrus.Fields{
		"document_id": documentID,
		"tenant_id":   tenantID,
		"episodes":    len(mappings),
	}).Info("Document deleted")
	return nil
}

// BatchResult reports per-document outcomes of a batch deletion.
type BatchResult struct {
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// DeleteBatch removes several documents in parallel. Before touching
// anything it verifies every document's mappings reference a configured
// graph provider; an unknown label aborts the whole batch untouched.
func (d *Deleter) DeleteBatch(ctx context.Context, documentIDs []string, tenantID string) (*BatchResult, error) {
	for _, id := range documentIDs {
		mappings, err := d.store.MappingsForDocument(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := d.checkProviders(mappings); err != nil {
			return nil, err
		}
	}

	result := &BatchResult{Failed: map[string]string{}}
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range documentIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := d.Delete(ctx, id, tenantID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[id] = err.Error()
				return
			}
			result.Deleted = append(result.Deleted, id)
		}(id)
	}
	wg.Wait()
	return result, nil
}

func (d *Deleter) checkProviders(mappings []db.KGEntityMapping) error {
	for _, m := range mappings {
		if _, ok := d.graphs[m.Provider]; !ok {
			return common.NewValidationError(
				"mapping %s references unsupported graph provider %q", m.ID, m.Provider)
		}
	}
	return nil
}
