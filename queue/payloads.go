package queue

import "encoding/json"

// Typed payloads, one per queue. Handler signatures are closed; fields the
// pipeline does not interpret ride in Meta untouched. The parent phase
// fields are set only on retries, naming the queued retry row the handler
// should run under; first attempts leave them empty.

// ExtractionPayload drives the local-upload extraction handler.
type ExtractionPayload struct {
	PipelineJobID  string `json:"pipeline_job_id"`
	DocumentID     string `json:"document_id"`
	RawLocation    string `json:"raw_location"`
	FileType       string `json:"file_type"`
	SourceName     string `json:"source_name"`
	SourcePlatform string `json:"source_platform"`
	TenantID       string `json:"tenant_id"`
	RetryCount     int    `json:"retry_count"`
	ParentPhaseID  string `json:"parent_phase_id,omitempty"`

	Meta map[string]json.RawMessage `json:"metadata,omitempty"`
}

// IngestExtractPayload drives the combined external-source handler. It is
// the only payload with two retry pointers, one per phase row the handler
// writes.
type IngestExtractPayload struct {
	PipelineJobID        string `json:"pipeline_job_id"`
	DocumentID           string `json:"document_id"`
	SourceLocation       string `json:"source_location"`
	FileType             string `json:"file_type"`
	SourceName           string `json:"source_name"`
	SourcePlatform       string `json:"source_platform"`
	TenantID             string `json:"tenant_id"`
	StoreRaw             bool   `json:"store_raw"`
	UserID               string `json:"user_id"`
	RetryCount           int    `json:"retry_count"`
	ParentIngestPhaseID  string `json:"parent_ingest_phase_id,omitempty"`
	ParentExtractPhaseID string `json:"parent_extract_phase_id,omitempty"`

	Meta map[string]json.RawMessage `json:"metadata,omitempty"`
}

// ChunkingPayload drives the chunking handler.
type ChunkingPayload struct {
	PipelineJobID  string `json:"pipeline_job_id"`
	DocumentID     string `json:"document_id"`
	TextLocation   string `json:"text_location"`
	SourceName     string `json:"source_name"`
	SourcePlatform string `json:"source_platform"`
	TenantID       string `json:"tenant_id"`
	RetryCount     int    `json:"retry_count"`
	ParentPhaseID  string `json:"parent_phase_id,omitempty"`

	Meta map[string]json.RawMessage `json:"metadata,omitempty"`
}

// KGIngestPayload drives the knowledge-graph ingest handler.
type KGIngestPayload struct {
	PipelineJobID  string `json:"pipeline_job_id"`
	DocumentID     string `json:"document_id"`
	SourceName     string `json:"source_name"`
	SourcePlatform string `json:"source_platform"`
	TenantID       string `json:"tenant_id"`
	RetryCount     int    `json:"retry_count"`
	ParentPhaseID  string `json:"parent_phase_id,omitempty"`

	Meta map[string]json.RawMessage `json:"metadata,omitempty"`
}
