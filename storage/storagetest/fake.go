// Package storagetest provides an in-memory implementation of every
// storage interface, used by the rest of kgrag's test suites in place of a
// live Postgres instance — the teacher tested its *DBHandler types
// directly against a *sql.DB; these fakes let pipeline/retrieval tests
// exercise the same call shapes without a database.
package storagetest

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/siherrmann/kgrag/filter"
	"github.com/siherrmann/kgrag/model"
	"github.com/siherrmann/kgrag/storage"
)

// KV is an in-memory storage.KV.
type KV struct {
	mu   sync.Mutex
	rows map[string]map[string]any
}

func NewKV() *KV { return &KV{rows: map[string]map[string]any{}} }

func (k *KV) GetByID(_ context.Context, id string) (map[string]any, bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	row, ok := k.rows[id]
	return row, ok, nil
}

func (k *KV) GetByIDs(_ context.Context, ids []string) (map[string]map[string]any, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := map[string]map[string]any{}
	for _, id := range ids {
		if row, ok := k.rows[id]; ok {
			out[id] = row
		}
	}
	return out, nil
}

func (k *KV) FilterKeys(_ context.Context, ids []string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var missing []string
	for _, id := range ids {
		if _, ok := k.rows[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (k *KV) Upsert(_ context.Context, rows map[string]map[string]any) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for id, row := range rows {
		k.rows[id] = row
	}
	return nil
}

func (k *KV) DeleteByDocIDs(_ context.Context, docIDs []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range docIDs {
		wanted[id] = true
	}
	for id, row := range k.rows {
		if docID, _ := row["full_doc_id"].(string); wanted[docID] || wanted[id] {
			delete(k.rows, id)
		}
	}
	return nil
}

func (k *KV) GetChunkIDsByDocIDs(_ context.Context, docIDs []string) ([]string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range docIDs {
		wanted[id] = true
	}
	var out []string
	for id, row := range k.rows {
		if docID, _ := row["full_doc_id"].(string); wanted[docID] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (k *KV) IndexDoneCallback(context.Context) error { return nil }

var _ storage.KV = (*KV)(nil)

// Vector is an in-memory storage.Vector using brute-force cosine search.
type Vector struct {
	mu   sync.Mutex
	rows map[string]storage.VectorUpsert
}

func NewVector() *Vector { return &Vector{rows: map[string]storage.VectorUpsert{}} }

func (v *Vector) Upsert(_ context.Context, rows []storage.VectorUpsert) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, r := range rows {
		v.rows[r.ID] = r
	}
	return nil
}

func (v *Vector) Query(_ context.Context, q []float32, topK int, threshold float64, f *filter.Filter) ([]storage.VectorMatch, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var matches []storage.VectorMatch
	for _, r := range v.rows {
		similarity := cosine(q, r.Vector)
		if similarity < threshold {
			continue
		}
		if !f.Matches(r.Metadata, time.Now()) {
			continue
		}
		matches = append(matches, storage.VectorMatch{
			ID:       r.ID,
			Distance: similarity,
			Metadata: r.Metadata,
		})
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Distance > matches[j].Distance })
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

func (v *Vector) DeleteByIDs(_ context.Context, ids []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		delete(v.rows, id)
	}
	return nil
}

func (v *Vector) DeleteByDocIDs(_ context.Context, docIDs []string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range docIDs {
		wanted[id] = true
	}
	for id, r := range v.rows {
		if docID, _ := r.Metadata["full_doc_id"].(string); wanted[docID] {
			delete(v.rows, id)
		}
	}
	return nil
}

func (v *Vector) DeleteEntity(_ context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, r := range v.rows {
		if n, _ := r.Metadata["entity_name"].(string); n == name {
			delete(v.rows, id)
		}
	}
	return nil
}

func (v *Vector) DeleteRelation(_ context.Context, src, tgt string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, r := range v.rows {
		s, _ := r.Metadata["src_name"].(string)
		t, _ := r.Metadata["tgt_name"].(string)
		if (s == src && t == tgt) || (s == tgt && t == src) {
			delete(v.rows, id)
		}
	}
	return nil
}

var _ storage.Vector = (*Vector)(nil)

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
