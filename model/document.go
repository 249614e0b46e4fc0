package model

import (
	"os"
	"path/filepath"
	"time"
)

// Workspace partitions every stored row: KV, vector, graph, and doc-status
// operations are always scoped to exactly one workspace.
type Workspace string

// Document is the caller-facing unit of ingestion: either the bare text of
// a record, or the projection of a structured record's text fields, plus
// whatever metadata the caller attached or the ingest planner merged in.
type Document struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata,omitempty"`
}

// NewDocumentFromFile reads a file and creates a Document with the file
// content, carrying the file path as source metadata. The document ID is
// left empty; callers content-address it with ids.DocID.
func NewDocumentFromFile(filePath string, metadata Metadata) (*Document, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	if metadata == nil {
		metadata = Metadata{}
	}
	metadata["source"] = filePath
	metadata["file_name"] = filepath.Base(filePath)

	return &Document{
		Content:  string(content),
		Metadata: metadata,
	}, nil
}

// DocStatusValue is the ingestion state of a document.
type DocStatusValue string

const (
	DocPending    DocStatusValue = "PENDING"
	DocProcessing DocStatusValue = "PROCESSING"
	DocProcessed  DocStatusValue = "PROCESSED"
	DocFailed     DocStatusValue = "FAILED"
)

// DocStatus is the persisted row tracking one document through the
// pipeline coordinator's state machine.
type DocStatus struct {
	ID             string         `json:"id"`
	Status         DocStatusValue `json:"status"`
	ContentSummary string         `json:"content_summary"`
	ContentLength  int            `json:"content_length"`
	ChunksCount    int            `json:"chunks_count"`
	Metadata       Metadata       `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
