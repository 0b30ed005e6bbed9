package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store is the persistence contract the pipeline components depend on.
// Implementations must be safe for concurrent use.
type Store interface {
	// Documents
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpdateDocumentStatus(ctx context.Context, id, status string) error
	MergeDocumentMeta(ctx context.Context, id string, updates JSONMap) error
	DeleteDocument(ctx context.Context, id string) error

	// Pipeline jobs
	CreateJob(ctx context.Context, job *PipelineJob) error
	GetJob(ctx context.Context, id string) (*PipelineJob, error)
	UpdateJobPhase(ctx context.Context, id, phase string) error
	SetJobStatus(ctx context.Context, id, status string, completedAt *time.Time) error
	MergeJobMetadata(ctx context.Context, id string, fields map[string]interface{}) error
	ClearJobRetryHint(ctx context.Context, id string) error
	ActiveJobsForDocument(ctx context.Context, documentID string) ([]PipelineJob, error)
	CancelJob(ctx context.Context, jobID, message string) error
	CancelDocumentJobs(ctx context.Context, documentID, message string) error

	// Pipeline phases
	CreatePhase(ctx context.Context, phase *PipelinePhase) error
	GetPhase(ctx context.Context, id string) (*PipelinePhase, error)
	StartPhase(ctx context.Context, id string, startedAt, expectedCompletionAt time.Time) error
	CompletePhase(ctx context.Context, id string, outputLocation *string, metadata JSONMap) error
	SetPhaseMetadata(ctx context.Context, id string, metadata JSONMap) error
	FailPhase(ctx context.Context, id, errorType, errorMessage string) error
	PhasesForJob(ctx context.Context, jobID string) ([]PipelinePhase, error)
	ReapOrphans(ctx context.Context, now time.Time) ([]PipelinePhase, error)

	// Chunks
	ReplaceChunks(ctx context.Context, documentID string, chunks []DocumentChunk) error
	ChunksForDocument(ctx context.Context, documentID string) ([]DocumentChunk, error)

	// Knowledge-graph entity mappings
	CreateMapping(ctx context.Context, mapping *KGEntityMapping) error
	MappingsForDocument(ctx context.Context, documentID string) ([]KGEntityMapping, error)
	DeleteMappingsForDocument(ctx context.Context, documentID string) error

	// OAuth tokens for the origin adapter
	GetOAuthToken(ctx context.Context, userID, tenantID, provider string) (*OAuthToken, error)
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// IsNotFound reports whether err means a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

// PostgresStore implements Store on top of Postgres via GORM.
type PostgresStore struct {
	db  *gorm.DB
	log *logrus.Entry
}

var _ Store = (*PostgresStore)(nil)

// StoreConfig contains connection pool settings for NewPostgresStore.
type StoreConfig struct {
	URL             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultStoreConfig returns pool settings suitable for a worker process.
func DefaultStoreConfig(url string) StoreConfig {
	return StoreConfig{
		URL:             url,
		MaxIdleConns:    10,
		MaxOpenConns:    100,
		ConnMaxLifetime: time.Hour,
	}
}

// NewPostgresStore connects to Postgres, configures the pool and migrates
// the pipeline schema.
func NewPostgresStore(cfg StoreConfig, logger *logrus.Logger) (*PostgresStore, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store := &PostgresStore{
		db:  gdb,
		log: logger.WithField("component", "store"),
	}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// NewStoreFromDB wraps an existing GORM handle. Used by integration tests.
func NewStoreFromDB(gdb *gorm.DB, logger *logrus.Logger) (*PostgresStore, error) {
	store := &PostgresStore{
		db:  gdb,
		log: logger.WithField("component", "store"),
	}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate() error {
	err := s.db.AutoMigrate(
		&Document{},
		&PipelineJob{},
		&PipelinePhase{},
		&DocumentChunk{},
		&KGEntityMapping{},
		&OAuthToken{},
		&Folder{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// CreateDocument inserts a document, normalizing its metadata shape.
func (s *PostgresStore) CreateDocument(ctx context.Context, doc *Document) error {
	doc.SourceMetadata = NormalizeDocumentMetadata(doc.SourceMetadata)
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to create document: %w", err)
	}
	return nil
}

// GetDocument loads a document, migrating legacy metadata on read.
func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	if err := s.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load document %s: %w", id, err)
	}
	doc.SourceMetadata = NormalizeDocumentMetadata(doc.SourceMetadata)
	return &doc, nil
}

// UpdateDocumentStatus sets the document's processing status.
func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, id, status string) error {
	res := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update document status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeDocumentMeta merges updates into the document's namespaced metadata.
// The read-merge-write runs inside a transaction with the row locked so
// concurrent processing writes cannot drop the source namespace.
func (s *PostgresStore) MergeDocumentMeta(ctx context.Context, id string, updates JSONMap) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&doc, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load document %s: %w", id, err)
		}
		merged := MergeDocumentMetadata(doc.SourceMetadata, updates)
		if err := tx.Model(&doc).Update("source_metadata", merged).Error; err != nil {
			return fmt.Errorf("failed to merge document metadata: %w", err)
		}
		return nil
	})
}

// DeleteDocument removes the document and, via the same transaction, its
// chunks and entity mappings.
func (s *PostgresStore) DeleteDocument(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", id).Delete(&DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("failed to delete chunks: %w", err)
		}
		if err := tx.Where("document_id = ?", id).Delete(&KGEntityMapping{}).Error; err != nil {
			return fmt.Errorf("failed to delete entity mappings: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&Document{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete document: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CreateJob inserts a pipeline job.
func (s *PostgresStore) CreateJob(ctx context.Context, job *PipelineJob) error {
	if job.Metadata == nil {
		job.Metadata = JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
		return fmt.Errorf("failed to create pipeline job: %w", err)
	}
	return nil
}

// GetJob loads a pipeline job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*PipelineJob, error) {
	var job PipelineJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pipeline job %s: %w", id, err)
	}
	return &job, nil
}

// UpdateJobPhase advances the job's current phase.
func (s *PostgresStore) UpdateJobPhase(ctx context.Context, id, phase string) error {
	res := s.db.WithContext(ctx).Model(&PipelineJob{}).Where("id = ?", id).Update("current_phase", phase)
	if res.Error != nil {
		return fmt.Errorf("failed to update job phase: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetJobStatus writes the job status. Terminal statuses never transition
// back to an active one.
func (s *PostgresStore) SetJobStatus(ctx context.Context, id, status string, completedAt *time.Time) error {
	updates := map[string]interface{}{"status": status}
	if completedAt != nil {
		updates["completed_at"] = *completedAt
	}
	if status == JobStatusProcessing {
		updates["started_at"] = time.Now().UTC()
	}

	query := s.db.WithContext(ctx).Model(&PipelineJob{}).Where("id = ?", id)
	if !JobTerminal(status) {
		// Never re-activate a terminal job.
		query = query.Where("status NOT IN ?", []string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled})
	}
	res := query.Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to set job status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeJobMetadata merges fields into the job metadata map under a row lock.
func (s *PostgresStore) MergeJobMetadata(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job PipelineJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load pipeline job %s: %w", id, err)
		}
		if job.Metadata == nil {
			job.Metadata = JSONMap{}
		}
		for k, v := range fields {
			job.Metadata[k] = v
		}
		if err := tx.Model(&job).Update("metadata", job.Metadata).Error; err != nil {
			return fmt.Errorf("failed to merge job metadata: %w", err)
		}
		return nil
	})
}

// ClearJobRetryHint removes retry_at from the job metadata so the UI stops
// showing a pending retry.
func (s *PostgresStore) ClearJobRetryHint(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job PipelineJob
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&job, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("failed to load pipeline job %s: %w", id, err)
		}
		if job.Metadata == nil {
			return nil
		}
		if _, ok := job.Metadata["retry_at"]; !ok {
			return nil
		}
		delete(job.Metadata, "retry_at")
		if err := tx.Model(&job).Update("metadata", job.Metadata).Error; err != nil {
			return fmt.Errorf("failed to clear retry hint: %w", err)
		}
		return nil
	})
}

// ActiveJobsForDocument returns the document's non-terminal jobs.
func (s *PostgresStore) ActiveJobsForDocument(ctx context.Context, documentID string) ([]PipelineJob, error) {
	var jobs []PipelineJob
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND status IN ?", documentID, []string{JobStatusPending, JobStatusProcessing}).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return jobs, nil
}

// CancelJob marks one job and each of its non-terminal phases cancelled in
// a single transaction, so a terminal job never leaves queued retry rows or
// processing phases behind.
func (s *PostgresStore) CancelJob(ctx context.Context, jobID, message string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&PipelineJob{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"status":       JobStatusCancelled,
			"completed_at": now,
		}).Error
		if err != nil {
			return fmt.Errorf("failed to cancel job %s: %w", jobID, err)
		}

		nonTerminal := []string{PhaseStatusQueued, PhaseStatusProcessing}
		err = tx.Model(&PipelinePhase{}).
			Where("pipeline_job_id = ? AND status IN ?", jobID, nonTerminal).
			Updates(map[string]interface{}{
				"status":        PhaseStatusCancelled,
				"completed_at":  now,
				"error_message": message,
			}).Error
		if err != nil {
			return fmt.Errorf("failed to cancel phases for job %s: %w", jobID, err)
		}
		return nil
	})
}

// CancelDocumentJobs marks every non-terminal job for the document and each
// of their non-terminal phases as cancelled with the given message.
func (s *PostgresStore) CancelDocumentJobs(ctx context.Context, documentID, message string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var jobs []PipelineJob
		active := []string{JobStatusPending, JobStatusProcessing}
		if err := tx.Where("document_id = ? AND status IN ?", documentID, active).Find(&jobs).Error; err != nil {
			return fmt.Errorf("failed to list jobs for cancellation: %w", err)
		}

		for _, job := range jobs {
			err := tx.Model(&PipelineJob{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
				"status":       JobStatusCancelled,
				"completed_at": now,
			}).Error
			if err != nil {
				return fmt.Errorf("failed to cancel job %s: %w", job.ID, err)
			}

			nonTerminal := []string{PhaseStatusQueued, PhaseStatusProcessing}
			err = tx.Model(&PipelinePhase{}).
				Where("pipeline_job_id = ? AND status IN ?", job.ID, nonTerminal).
				Updates(map[string]interface{}{
					"status":        PhaseStatusCancelled,
					"completed_at":  now,
					"error_message": message,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to cancel phases for job %s: %w", job.ID, err)
			}
		}
		return nil
	})
}

// CreatePhase inserts a phase row.
func (s *PostgresStore) CreatePhase(ctx context.Context, phase *PipelinePhase) error {
	if phase.Metadata == nil {
		phase.Metadata = JSONMap{}
	}
	if err := s.db.WithContext(ctx).Create(phase).Error; err != nil {
		return fmt.Errorf("failed to create pipeline phase: %w", err)
	}
	return nil
}

// GetPhase loads a phase row by id.
func (s *PostgresStore) GetPhase(ctx context.Context, id string) (*PipelinePhase, error) {
	var phase PipelinePhase
	if err := s.db.WithContext(ctx).First(&phase, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load pipeline phase %s: %w", id, err)
	}
	return &phase, nil
}

// CompletePhase marks a phase completed with its output location and
// accumulated metadata.
// StartPhase moves a queued phase row to processing.
func (s *PostgresStore) StartPhase(ctx context.Context, id string, startedAt, expectedCompletionAt time.Time) error {
	res := s.db.WithContext(ctx).Model(&PipelinePhase{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":                 PhaseStatusProcessing,
		"started_at":             startedAt,
		"expected_completion_at": expectedCompletionAt,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to start phase: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CompletePhase(ctx context.Context, id string, outputLocation *string, metadata JSONMap) error {
	updates := map[string]interface{}{
		"status":       PhaseStatusCompleted,
		"completed_at": time.Now().UTC(),
	}
	if outputLocation != nil {
		updates["output_location"] = *outputLocation
	}
	if metadata != nil {
		updates["metadata"] = metadata
	}
	res := s.db.WithContext(ctx).Model(&PipelinePhase{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to complete phase: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPhaseMetadata replaces a phase's metadata, used to attach diagnostic
// counts before failing the phase.
func (s *PostgresStore) SetPhaseMetadata(ctx context.Context, id string, metadata JSONMap) error {
	res := s.db.WithContext(ctx).Model(&PipelinePhase{}).Where("id = ?", id).
		Update("metadata", metadata)
	if res.Error != nil {
		return fmt.Errorf("failed to set phase metadata: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// FailPhase marks a phase failed with its error classification.
func (s *PostgresStore) FailPhase(ctx context.Context, id, errorType, errorMessage string) error {
	res := s.db.WithContext(ctx).Model(&PipelinePhase{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":        PhaseStatusFailed,
		"completed_at":  time.Now().UTC(),
		"error_type":    errorType,
		"error_message": errorMessage,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to fail phase: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PhasesForJob returns every phase row of a job, oldest first.
func (s *PostgresStore) PhasesForJob(ctx context.Context, jobID string) ([]PipelinePhase, error) {
	var phases []PipelinePhase
	err := s.db.WithContext(ctx).
		Where("pipeline_job_id = ?", jobID).
		Order("created_at ASC").
		Find(&phases).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list phases: %w", err)
	}
	return phases, nil
}

// ReapOrphans fails every processing phase whose expected completion passed
// and marks the owning jobs failed. Returns the reaped phases.
func (s *PostgresStore) ReapOrphans(ctx context.Context, now time.Time) ([]PipelinePhase, error) {
	var orphans []PipelinePhase
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("status = ? AND expected_completion_at < ?", PhaseStatusProcessing, now).
			Find(&orphans).Error
		if err != nil {
			return fmt.Errorf("failed to find orphaned phases: %w", err)
		}

		for _, phase := range orphans {
			err := tx.Model(&PipelinePhase{}).Where("id = ?", phase.ID).Updates(map[string]interface{}{
				"status":        PhaseStatusFailed,
				"error_type":    "TimeoutError",
				"error_message": "phase exceeded its expected completion deadline",
				"completed_at":  now,
			}).Error
			if err != nil {
				return fmt.Errorf("failed to reap phase %s: %w", phase.ID, err)
			}

			err = tx.Model(&PipelineJob{}).
				Where("id = ? AND status NOT IN ?", phase.PipelineJobID,
					[]string{JobStatusCompleted, JobStatusFailed, JobStatusCancelled}).
				Updates(map[string]interface{}{
					"status":       JobStatusFailed,
					"completed_at": now,
				}).Error
			if err != nil {
				return fmt.Errorf("failed to fail job %s: %w", phase.PipelineJobID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return orphans, nil
}

// ReplaceChunks atomically replaces the document's chunk set. Deletion and
// batch insert share one transaction so a retried chunking phase never
// leaves a partial sequence behind.
func (s *PostgresStore) ReplaceChunks(ctx context.Context, documentID string, chunks []DocumentChunk) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", documentID).Delete(&DocumentChunk{}).Error; err != nil {
			return fmt.Errorf("failed to clear previous chunks: %w", err)
		}
		if len(chunks) == 0 {
			return nil
		}
		if err := tx.Create(&chunks).Error; err != nil {
			return fmt.Errorf("failed to insert chunk batch: %w", err)
		}
		return nil
	})
}

// ChunksForDocument returns the document's chunks ordered by chunk index.
func (s *PostgresStore) ChunksForDocument(ctx context.Context, documentID string) ([]DocumentChunk, error) {
	var chunks []DocumentChunk
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	return chunks, nil
}

// CreateMapping records one episode's provenance.
func (s *PostgresStore) CreateMapping(ctx context.Context, mapping *KGEntityMapping) error {
	if err := s.db.WithContext(ctx).Create(mapping).Error; err != nil {
		return fmt.Errorf("failed to create entity mapping: %w", err)
	}
	return nil
}

// MappingsForDocument returns every entity mapping of a document.
func (s *PostgresStore) MappingsForDocument(ctx context.Context, documentID string) ([]KGEntityMapping, error) {
	var mappings []KGEntityMapping
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Find(&mappings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list entity mappings: %w", err)
	}
	return mappings, nil
}

// DeleteMappingsForDocument removes every mapping of a document. Used by
// compensation and deletion.
func (s *PostgresStore) DeleteMappingsForDocument(ctx context.Context, documentID string) error {
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Delete(&KGEntityMapping{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete entity mappings: %w", err)
	}
	return nil
}

// GetOAuthToken loads the origin credential for a user within a tenant.
func (s *PostgresStore) GetOAuthToken(ctx context.Context, userID, tenantID, provider string) (*OAuthToken, error) {
	var token OAuthToken
	err := s.db.WithContext(ctx).
		First(&token, "user_id = ? AND tenant_id = ? AND provider = ?", userID, tenantID, provider).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load oauth token: %w", err)
	}
	return &token, nil
}
