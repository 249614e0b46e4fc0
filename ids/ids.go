// Package ids computes the content-addressed, typed-prefix identifiers
// every stored row in kgrag is keyed by, so reinserting the same content
// never produces a new row. This replaces the teacher's random
// uuid.New()-per-insert pattern (model.Chunk.ID, model.Entity.ID, ...)
// with deterministic hashing, per the data model's identity rules.
package ids

import (
	"crypto/md5" //nolint:gosec // content addressing, not a security boundary
	"encoding/hex"
	"sort"
)

func hash(parts ...string) string {
	h := md5.New() //nolint:gosec
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DocID identifies a document by its raw content.
func DocID(content string) string {
	return "doc-" + hash(content)
}

// ChunkID identifies a chunk. field is the source field name ("" for a
// bare-text document, "all" for the combined-fields chunk); docID is the
// owning document's id.
func ChunkID(field, docID, content string) string {
	prefix := "chunk-"
	switch field {
	case "":
		// no-op, plain "chunk-" prefix
	case "all":
		prefix = "chunk-all-"
	default:
		prefix = "chunk-" + field + "-"
	}
	return prefix + hash(docID, content)
}

// EntityID identifies an entity node by its canonicalized name.
func EntityID(name string) string {
	return "ent-" + hash(name)
}

// EntityNameID identifies the entity-name vector index row for name,
// distinct from EntityID so the "entities" and "entities_name" vector
// indexes never collide.
func EntityNameID(name string) string {
	return "Ename-" + hash(name)
}

// RelationID identifies a relationship between two entity names. The pair
// is unordered: RelationID(a, b) == RelationID(b, a).
func RelationID(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return "rel-" + hash(pair[0], pair[1])
}
