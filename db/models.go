// Package db provides the relational persistence layer for the ingestion
// pipeline: documents, pipeline jobs and phases, chunks and knowledge-graph
// entity mappings, backed by Postgres via GORM.
package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Pipeline phase labels. current_phase advances strictly left to right.
const (
	PhaseIngestion  = "ingestion"
	PhaseExtraction = "extraction"
	PhaseChunking   = "chunking"
	PhaseKGIngest   = "kg_ingest"
	PhaseCompleted  = "completed"
)

// Pipeline job statuses.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Pipeline phase statuses.
const (
	PhaseStatusQueued     = "queued"
	PhaseStatusProcessing = "processing"
	PhaseStatusCompleted  = "completed"
	PhaseStatusFailed     = "failed"
	PhaseStatusSkipped    = "skipped"
	PhaseStatusCancelled  = "cancelled"
)

// Document processing statuses.
const (
	DocStatusPending    = "pending"
	DocStatusProcessing = "processing"
	DocStatusAvailable  = "available_to_ai"
)

// JobTerminal reports whether a job status is terminal.
func JobTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed || status == JobStatusCancelled
}

// PhaseTerminal reports whether a phase status is terminal.
func PhaseTerminal(status string) bool {
	switch status {
	case PhaseStatusCompleted, PhaseStatusFailed, PhaseStatusSkipped, PhaseStatusCancelled:
		return true
	}
	return false
}

// JSONMap is a free-form JSON object persisted in a jsonb column.
type JSONMap map[string]interface{}

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	if len(raw) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(raw, m)
}

// StringList is a JSON array of strings persisted in a jsonb column.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", value)
	}
	if len(raw) == 0 {
		*l = StringList{}
		return nil
	}
	return json.Unmarshal(raw, l)
}

// Document is one ingested source file. The tenant is immutable; at most one
// active pipeline job references a document at a time.
type Document struct {
	ID             string  `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID       string  `gorm:"index;not null" json:"tenant_id"`
	Title          string  `json:"title"`
	FileType       string  `json:"file_type"`
	SourcePlatform string  `json:"source_platform"`
	FolderID       *string `gorm:"type:uuid" json:"folder_id,omitempty"`
	SourceMetadata JSONMap `gorm:"type:jsonb" json:"source_metadata"`
	Status         string  `gorm:"default:pending" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID primary key.
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	return nil
}

// PipelineJob is one logical ingestion of one document. Jobs are never
// deleted; they are the audit log of the pipeline.
type PipelineJob struct {
	ID           string  `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID   string  `gorm:"type:uuid;index;not null" json:"document_id"`
	TenantID     string  `gorm:"index;not null" json:"tenant_id"`
	CurrentPhase string  `gorm:"not null" json:"current_phase"`
	Status       string  `gorm:"index;not null" json:"status"`
	Metadata     JSONMap `gorm:"type:jsonb" json:"metadata"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// BeforeCreate assigns a UUID primary key.
func (j *PipelineJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	return nil
}

// PipelinePhase is one attempt at one named pipeline step. Every attempt,
// first try and retry alike, gets its own row; rows are never deleted and a
// row only ever moves queued -> processing -> terminal.
type PipelinePhase struct {
	ID            string  `gorm:"type:uuid;primaryKey" json:"id"`
	PipelineJobID string  `gorm:"type:uuid;index;not null" json:"pipeline_job_id"`
	Phase         string  `gorm:"index;not null" json:"phase"`
	Status        string  `gorm:"index;not null" json:"status"`
	ParentPhaseID *string `gorm:"type:uuid" json:"parent_phase_id,omitempty"`
	RetryCount    int     `gorm:"default:0" json:"retry_count"`

	InputLocation  *string `json:"input_location,omitempty"`
	OutputLocation *string `json:"output_location,omitempty"`

	QueuedAt             *time.Time `json:"queued_at,omitempty"`
	StartedAt            *time.Time `json:"started_at,omitempty"`
	CompletedAt          *time.Time `json:"completed_at,omitempty"`
	ExpectedCompletionAt *time.Time `gorm:"index" json:"expected_completion_at,omitempty"`

	ErrorType    *string `json:"error_type,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Metadata     JSONMap `gorm:"type:jsonb" json:"metadata"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID primary key.
func (p *PipelinePhase) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// DocumentChunk is one sentence-aligned slice of the extracted text with its
// LLM-generated situating context. Chunks of a document form a dense
// zero-based sequence and are inserted in a single batch.
type DocumentChunk struct {
	ID         string `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID string `gorm:"type:uuid;index;not null;constraint:OnDelete:CASCADE" json:"document_id"`
	ChunkIndex int    `gorm:"not null" json:"chunk_index"`
	Content    string `gorm:"not null" json:"content"`
	Context    string `json:"context"`
	TokenCount int    `json:"token_count"`
	StartChar  int    `json:"start_char"`
	EndChar    int    `json:"end_char"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate assigns a UUID primary key.
func (c *DocumentChunk) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// KGEntityMapping is the deletion pointer from a document to the episodes it
// created in the knowledge graph. The mapping table is the reconciliation
// ledger for partial-failure compensation.
type KGEntityMapping struct {
	ID         string     `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID   string     `gorm:"index;not null" json:"tenant_id"`
	DocumentID string     `gorm:"type:uuid;index;not null;constraint:OnDelete:CASCADE" json:"document_id"`
	EntityID   string     `gorm:"not null" json:"entity_id"`
	Provider   string     `gorm:"not null" json:"provider"`
	ChunkIDs   StringList `gorm:"type:jsonb" json:"chunk_ids"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate assigns a UUID primary key.
func (m *KGEntityMapping) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// OAuthToken holds the origin-provider credential for one user in one
// tenant. Used only by the external-source ingestion path.
type OAuthToken struct {
	ID           string    `gorm:"type:uuid;primaryKey" json:"id"`
	UserID       string    `gorm:"index;not null" json:"user_id"`
	TenantID     string    `gorm:"index;not null" json:"tenant_id"`
	Provider     string    `gorm:"not null" json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	Expiry       time.Time `json:"expiry"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate assigns a UUID primary key.
func (t *OAuthToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

// Folder is an optional placement container for documents.
type Folder struct {
	ID       string `gorm:"type:uuid;primaryKey" json:"id"`
	TenantID string `gorm:"index;not null" json:"tenant_id"`
	Name     string `gorm:"not null" json:"name"`

	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate assigns a UUID primary key.
func (f *Folder) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	return nil
}
