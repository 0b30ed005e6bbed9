package kgraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/graphworks/docpipe/chunker"
	"github.com/graphworks/docpipe/common"
	"github.com/graphworks/docpipe/db"
)

// metadataEpisodeIDCap bounds how many episode ids land in phase metadata
// after a partial failure. Enough to debug, small enough to store.
const metadataEpisodeIDCap = 10

// Result summarizes a full or partial ingest run.
type Result struct {
	EpisodeCount int
	MappingCount int
	// CleanedUp counts the episodes removed during compensation.
	CleanedUp int
	// EpisodeIDs holds at most metadataEpisodeIDCap created ids, for the
	// phase metadata on failure.
	EpisodeIDs []string
}

// MappingStore is the slice of the database layer the ingestor writes to.
type MappingStore interface {
	CreateMapping(ctx context.Context, mapping *db.KGEntityMapping) error
	DeleteMappingsForDocument(ctx context.Context, documentID string) error
}

// RateGovernor is the slice of the rate limiter episode writes go through.
type RateGovernor interface {
	WaitForRequest(ctx context.Context, provider string) error
	WaitForTokens(ctx context.Context, provider string, tokens int) error
}

// Ingestor pushes a document's chunks into the graph engine, one episode
// per chunk, recording a mapping row for each created episode. Every
// add_episode call acquires an RPM permit and TPM permits for the episode
// body before it goes out.
type Ingestor struct {
	graph         GraphClient
	store         MappingStore
	governor      RateGovernor
	provider      string
	maxConcurrent int64
	log           *logrus.Entry
}

func NewIngestor(graph GraphClient, store MappingStore, governor RateGovernor, provider string, maxConcurrent int, logger *logrus.Logger) *Ingestor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Ingestor{
		graph:         graph,
		store:         store,
		governor:      governor,
		provider:      provider,
		maxConcurrent: int64(maxConcurrent),
		log:           logger.WithField("component", "kg_ingestor"),
	}
}

// acquireQuota blocks until the provider window admits one request plus the
// estimated tokens of the episode body.
func (in *Ingestor) acquireQuota(ctx context.Context, body string) error {
	if err := in.governor.WaitForRequest(ctx, in.provider); err != nil {
		return err
	}
	return in.governor.WaitForTokens(ctx, in.provider, chunker.EstimateTokens(body))
}

type episodeOutcome struct {
	chunkID   string
	episodeID string
	err       error
}

// Ingest writes every chunk as an episode under the document's tenant. On
// any failure it deletes the mapping rows it created and best-effort removes
// the episodes, then reports a retryable partial-ingest error so the whole
// phase reruns against a clean graph.
func (in *Ingestor) Ingest(ctx context.Context, doc *db.Document, chunks []db.DocumentChunk) (*Result, error) {
	if len(chunks) == 0 {
		return &Result{}, nil
	}

	sem := semaphore.NewWeighted(in.maxConcurrent)
	outcomes := make([]episodeOutcome, len(chunks))
	var wg sync.WaitGroup

	for i, chunk := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			outcomes[i] = episodeOutcome{chunkID: chunk.ID, err: err}
			break
		}
		wg.Add(1)
		go func(i int, chunk db.DocumentChunk) {
			defer wg.Done()
			defer sem.Release(1)

			body := chunk.Context + "\n\n" + chunk.Content
			if err := in.acquireQuota(ctx, body); err != nil {
				outcomes[i] = episodeOutcome{chunkID: chunk.ID, err: err}
				return
			}
			episodeID, err := in.graph.AddEpisode(ctx, Episode{
				Name:          fmt.Sprintf("%s - Chunk %d", doc.Title, chunk.ChunkIndex),
				EpisodeBody:   body,
				ReferenceTime: doc.CreatedAt,
				GroupID:       doc.TenantID,
				SourceDesc:    doc.SourcePlatform,
			})
			outcomes[i] = episodeOutcome{chunkID: chunk.ID, episodeID: episodeID, err: err}
		}(i, chunk)
	}
	wg.Wait()

	result := &Result{}
	var created []episodeOutcome
	var firstErr error
	for _, out := range outcomes {
		if out.err != nil {
			if firstErr == nil {
				firstErr = out.err
			}
			continue
		}
		if out.episodeID == "" {
			continue
		}
		created = append(created, out)
		result.EpisodeCount++
		if len(result.EpisodeIDs) < metadataEpisodeIDCap {
			result.EpisodeIDs = append(result.EpisodeIDs, out.episodeID)
		}
	}

	if firstErr == nil {
		for _, out := range created {
			if err := in.store.CreateMapping(ctx, &db.KGEntityMapping{
				TenantID:   doc.TenantID,
				DocumentID: doc.ID,
				EntityID:   out.episodeID,
				Provider:   in.provider,
				ChunkIDs:   db.StringList{out.chunkID},
			}); err != nil {
				firstErr = err
				break
			}
			result.MappingCount++
		}
	}

	if firstErr != nil {
		in.compensate(ctx, doc, created, result)
		return result, common.NewPartialIngestError(result.EpisodeCount, len(chunks)-result.EpisodeCount)
	}

	in.log.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"tenant_id":   doc.TenantID,
		"episodes":    result.EpisodeCount,
	}).Info("Knowledge graph ingest complete")
	return result, nil
}

// compensate rolls the graph and the mapping table back after a partial
// run. Mapping rows go first so a crash mid-compensation leaves orphan
// episodes rather than mappings pointing at deleted episodes. Episode
// removal is best effort and deliberately skips the rate governor.
func (in *Ingestor) compensate(ctx context.Context, doc *db.Document, created []episodeOutcome, result *Result) {
	if err := in.store.DeleteMappingsForDocument(ctx, doc.ID); err != nil {
		in.log.WithError(err).WithField("document_id", doc.ID).
			Error("Failed to delete mappings during compensation")
	}
	result.MappingCount = 0

	removed := 0
	for _, out := range created {
		if err := in.graph.RemoveEpisode(ctx, out.episodeID); err != nil {
			in.log.WithError(err).WithField("episode_id", out.episodeID).
				Warn("Failed to remove episode during compensation")
			continue
		}
		removed++
	}
	result.CleanedUp = removed
	in.log.WithFields(logrus.Fields{
		"document_id": doc.ID,
		"created":     len(created),
		"removed":     removed,
	}).Warn("Compensated partial knowledge graph ingest")
}
