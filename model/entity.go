package model

// Entity is a graph node extracted from one or more chunks. Description
// and SourceID accumulate across merges as separator-joined, deduplicated
// strings; see extract.Merger.
type Entity struct {
	Name        string   `json:"name"`
	EntityType  string   `json:"entity_type"`
	Description string   `json:"description"`
	SourceID    string   `json:"source_id"`
	Metadata    Metadata `json:"metadata,omitempty"`
}
