// Package filter implements the single metadata/time predicate every
// vector query and retrieval strategy post-filter shares, so the two can
// never disagree about what "matches" means.
package filter

import (
	"fmt"
	"time"

	"github.com/siherrmann/kgrag/model"
)

// Filter narrows a vector query or retrieval pass to rows whose metadata
// and update time satisfy every constraint. A nil Filter matches
// everything.
type Filter struct {
	// Metadata maps a metadata key to either a scalar (equality) or a
	// []any (membership).
	Metadata  map[string]any
	StartTime *time.Time
	EndTime   *time.Time
}

// Matches reports whether meta/updatedAt satisfy f. A nil f matches
// everything.
func (f *Filter) Matches(meta model.Metadata, updatedAt time.Time) bool {
	if f == nil {
		return true
	}

	if f.StartTime != nil && updatedAt.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && updatedAt.After(*f.EndTime) {
		return false
	}

	for key, want := range f.Metadata {
		got, ok := meta[key]
		if !ok {
			return false
		}
		if list, isList := want.([]any); isList {
			if !contains(list, got) {
				return false
			}
			continue
		}
		if got != want {
			return false
		}
	}

	return true
}

func contains(list []any, v any) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// And merges f with other, erroring if both name the same metadata key
// with conflicting equality values (the only conflict the field-targeting
// merge in retrieval queries can introduce: "text_field" equality from the
// query combined with a caller-supplied equality on the same key).
func (f *Filter) And(other *Filter) (*Filter, error) {
	if f == nil {
		return other, nil
	}
	if other == nil {
		return f, nil
	}

	merged := &Filter{
		Metadata:  map[string]any{},
		StartTime: f.StartTime,
		EndTime:   f.EndTime,
	}
	if other.StartTime != nil && (merged.StartTime == nil || other.StartTime.After(*merged.StartTime)) {
		merged.StartTime = other.StartTime
	}
	if other.EndTime != nil && (merged.EndTime == nil || other.EndTime.Before(*merged.EndTime)) {
		merged.EndTime = other.EndTime
	}

	for k, v := range f.Metadata {
		merged.Metadata[k] = v
	}
	for k, v := range other.Metadata {
		if existing, ok := merged.Metadata[k]; ok && existing != v {
			return nil, fmt.Errorf("filter: conflicting equality on metadata key %q: %v vs %v", k, existing, v)
		}
		merged.Metadata[k] = v
	}

	return merged, nil
}
