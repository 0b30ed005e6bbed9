package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store for tests and local development. Behavior
// mirrors PostgresStore including terminal-status guards and cascade
// deletes, minus row locking.
type MemStore struct {
	mu        sync.Mutex
	documents map[string]*Document
	jobs      map[string]*PipelineJob
	phases    map[string]*PipelinePhase
	chunks    map[string][]DocumentChunk
	mappings  map[string][]KGEntityMapping
	tokens    map[string]*OAuthToken // userID|tenantID|provider

	// Now is swappable so tests control the clock.
	Now func() time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		documents: map[string]*Document{},
		jobs:      map[string]*PipelineJob{},
		phases:    map[string]*PipelinePhase{},
		chunks:    map[string][]DocumentChunk{},
		mappings:  map[string][]KGEntityMapping{},
		tokens:    map[string]*OAuthToken{},
		Now:       time.Now,
	}
}

func (m *MemStore) CreateDocument(_ context.Context, doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	doc.CreatedAt = m.Now()
	doc.UpdatedAt = doc.CreatedAt
	doc.SourceMetadata = NormalizeDocumentMetadata(doc.SourceMetadata)
	cp := *doc
	m.documents[doc.ID] = &cp
	return nil
}

func (m *MemStore) GetDocument(_ context.Context, id string) (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

func (m *MemStore) UpdateDocumentStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	doc.Status = status
	doc.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) MergeDocumentMeta(_ context.Context, id string, updates JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.documents[id]
	if !ok {
		return ErrNotFound
	}
	doc.SourceMetadata = MergeDocumentMetadata(doc.SourceMetadata, updates)
	doc.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.documents[id]; !ok {
		return ErrNotFound
	}
	delete(m.documents, id)
	delete(m.chunks, id)
	delete(m.mappings, id)
	return nil
}

func (m *MemStore) CreateJob(_ context.Context, job *PipelineJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.CreatedAt = m.Now()
	job.UpdatedAt = job.CreatedAt
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemStore) GetJob(_ context.Context, id string) (*PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *MemStore) UpdateJobPhase(_ context.Context, id, phase string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.CurrentPhase = phase
	job.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) SetJobStatus(_ context.Context, id, status string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	// A terminal job never becomes active again.
	if JobTerminal(job.Status) && !JobTerminal(status) {
		return ErrNotFound
	}
	job.Status = status
	if status == JobStatusProcessing {
		now := m.Now()
		job.StartedAt = &now
	}
	if completedAt != nil {
		job.CompletedAt = completedAt
	}
	job.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) MergeJobMetadata(_ context.Context, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if job.Metadata == nil {
		job.Metadata = JSONMap{}
	}
	for k, v := range fields {
		job.Metadata[k] = v
	}
	job.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) ClearJobRetryHint(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	delete(job.Metadata, "retry_at")
	job.UpdatedAt = m.Now()
	return nil
}

func (m *MemStore) ActiveJobsForDocument(_ context.Context, documentID string) ([]PipelineJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PipelineJob
	for _, job := range m.jobs {
		if job.DocumentID == documentID && !JobTerminal(job.Status) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (m *MemStore) CancelJob(_ context.Context, jobID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	job.Status = JobStatusCancelled
	job.CompletedAt = &now
	for _, phase := range m.phases {
		if phase.PipelineJobID != jobID || PhaseTerminal(phase.Status) {
			continue
		}
		phase.Status = PhaseStatusCancelled
		phase.CompletedAt = &now
		msg := message
		phase.ErrorMessage = &msg
	}
	return nil
}

func (m *MemStore) CancelDocumentJobs(_ context.Context, documentID, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	for _, job := range m.jobs {
		if job.DocumentID != documentID || JobTerminal(job.Status) {
			continue
		}
		job.Status = JobStatusCancelled
		job.CompletedAt = &now
		if job.Metadata == nil {
			job.Metadata = JSONMap{}
		}
		job.Metadata["cancel_reason"] = message
		for _, phase := range m.phases {
			if phase.PipelineJobID != job.ID || PhaseTerminal(phase.Status) {
				continue
			}
			phase.Status = PhaseStatusCancelled
			phase.CompletedAt = &now
			msg := message
			phase.ErrorMessage = &msg
		}
	}
	return nil
}

func (m *MemStore) CreatePhase(_ context.Context, phase *PipelinePhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if phase.ID == "" {
		phase.ID = uuid.NewString()
	}
	phase.CreatedAt = m.Now()
	cp := *phase
	m.phases[phase.ID] = &cp
	return nil
}

func (m *MemStore) GetPhase(_ context.Context, id string) (*PipelinePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *phase
	return &cp, nil
}

func (m *MemStore) StartPhase(_ context.Context, id string, startedAt, expectedCompletionAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[id]
	if !ok {
		return ErrNotFound
	}
	phase.Status = PhaseStatusProcessing
	phase.StartedAt = &startedAt
	phase.ExpectedCompletionAt = &expectedCompletionAt
	return nil
}

func (m *MemStore) CompletePhase(_ context.Context, id string, outputLocation *string, metadata JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[id]
	if !ok {
		return ErrNotFound
	}
	now := m.Now()
	phase.Status = PhaseStatusCompleted
	phase.CompletedAt = &now
	phase.OutputLocation = outputLocation
	if metadata != nil {
		phase.Metadata = metadata
	}
	return nil
}

func (m *MemStore) SetPhaseMetadata(_ context.Context, id string, metadata JSONMap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[id]
	if !ok {
		return ErrNotFound
	}
	phase.Metadata = metadata
	return nil
}

func (m *MemStore) FailPhase(_ context.Context, id, errorType, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	phase, ok := m.phases[id]
	if !ok {
		return ErrNotFound
	}
	now := m.Now()
	phase.Status = PhaseStatusFailed
	phase.CompletedAt = &now
	phase.ErrorType = &errorType
	phase.ErrorMessage = &errorMessage
	return nil
}

func (m *MemStore) PhasesForJob(_ context.Context, jobID string) ([]PipelinePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PipelinePhase
	for _, phase := range m.phases {
		if phase.PipelineJobID == jobID {
			out = append(out, *phase)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RetryCount < out[j].RetryCount
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemStore) ReapOrphans(_ context.Context, now time.Time) ([]PipelinePhase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reaped []PipelinePhase
	for _, phase := range m.phases {
		if phase.Status != PhaseStatusProcessing {
			continue
		}
		if phase.ExpectedCompletionAt == nil || !phase.ExpectedCompletionAt.Before(now) {
			continue
		}
		errType := "TimeoutError"
		errMsg := "phase exceeded expected completion time"
		phase.Status = PhaseStatusFailed
		phase.CompletedAt = &now
		phase.ErrorType = &errType
		phase.ErrorMessage = &errMsg
		if job, ok := m.jobs[phase.PipelineJobID]; ok && !JobTerminal(job.Status) {
			job.Status = JobStatusFailed
			job.CompletedAt = &now
		}
		reaped = append(reaped, *phase)
	}
	return reaped, nil
}

func (m *MemStore) ReplaceChunks(_ context.Context, documentID string, chunks []DocumentChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DocumentChunk, len(chunks))
	for i, ch := range chunks {
		if ch.ID == "" {
			ch.ID = uuid.NewString()
		}
		ch.CreatedAt = m.Now()
		out[i] = ch
	}
	m.chunks[documentID] = out
	return nil
}

func (m *MemStore) ChunksForDocument(_ context.Context, documentID string) ([]DocumentChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks := append([]DocumentChunk(nil), m.chunks[documentID]...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkIndex < chunks[j].ChunkIndex })
	return chunks, nil
}

func (m *MemStore) CreateMapping(_ context.Context, mapping *KGEntityMapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	mapping.CreatedAt = m.Now()
	m.mappings[mapping.DocumentID] = append(m.mappings[mapping.DocumentID], *mapping)
	return nil
}

func (m *MemStore) MappingsForDocument(_ context.Context, documentID string) ([]KGEntityMapping, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]KGEntityMapping(nil), m.mappings[documentID]...), nil
}

func (m *MemStore) DeleteMappingsForDocument(_ context.Context, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mappings, documentID)
	return nil
}

// PutOAuthToken seeds a credential for tests.
func (m *MemStore) PutOAuthToken(token *OAuthToken) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[token.UserID+"|"+token.TenantID+"|"+token.Provider] = &cp
}

func (m *MemStore) GetOAuthToken(_ context.Context, userID, tenantID, provider string) (*OAuthToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.tokens[userID+"|"+tenantID+"|"+provider]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *token
	return &cp, nil
}
