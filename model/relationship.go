package model

// Relationship is an undirected graph edge between two entity names.
// Weight, Description, Keywords, and SourceID accumulate across merges;
// see extract.Merger.
type Relationship struct {
	SrcName     string   `json:"src_name"`
	TgtName     string   `json:"tgt_name"`
	Weight      float64  `json:"weight"`
	Description string   `json:"description"`
	Keywords    string   `json:"keywords"`
	SourceID    string   `json:"source_id"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// TraversalNode is one step of a k-hop neighborhood expansion over the
// entity graph, used by the mini retrieval strategy.
type TraversalNode struct {
	Name  string
	Depth int
	Path  []string
}
