package filter

import (
	"testing"
	"time"

	"github.com/siherrmann/kgrag/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilFilterMatchesEverything(t *testing.T) {
	var f *Filter
	assert.True(t, f.Matches(model.Metadata{"a": 1}, time.Now()))
}

func TestMatchesScalarEquality(t *testing.T) {
	f := &Filter{Metadata: map[string]any{"text_field": "title"}}
	assert.True(t, f.Matches(model.Metadata{"text_field": "title"}, time.Now()))
	assert.False(t, f.Matches(model.Metadata{"text_field": "body"}, time.Now()))
	assert.False(t, f.Matches(model.Metadata{}, time.Now()))
}

func TestMatchesListMembership(t *testing.T) {
	f := &Filter{Metadata: map[string]any{"text_field": []any{"title", "body"}}}
	assert.True(t, f.Matches(model.Metadata{"text_field": "title"}, time.Now()))
	assert.False(t, f.Matches(model.Metadata{"text_field": "other"}, time.Now()))
}

func TestMatchesTimeBounds(t *testing.T) {
	now := time.Now()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	f := &Filter{StartTime: &start, EndTime: &end}

	assert.True(t, f.Matches(model.Metadata{}, now))
	assert.False(t, f.Matches(model.Metadata{}, now.Add(-2*time.Hour)))
	assert.False(t, f.Matches(model.Metadata{}, now.Add(2*time.Hour)))
}

func TestAndMergesMetadataAndTime(t *testing.T) {
	now := time.Now()
	start := now.Add(-time.Hour)
	end := now.Add(time.Hour)
	a := &Filter{Metadata: map[string]any{"k1": "v1"}, StartTime: &start}
	b := &Filter{Metadata: map[string]any{"k2": "v2"}, EndTime: &end}

	merged, err := a.And(b)
	require.NoError(t, err)
	assert.Equal(t, "v1", merged.Metadata["k1"])
	assert.Equal(t, "v2", merged.Metadata["k2"])
	assert.Equal(t, &start, merged.StartTime)
	assert.Equal(t, &end, merged.EndTime)
}

func TestAndErrorsOnConflict(t *testing.T) {
	a := &Filter{Metadata: map[string]any{"text_field": "title"}}
	b := &Filter{Metadata: map[string]any{"text_field": "body"}}

	_, err := a.And(b)
	assert.Error(t, err)
}

func TestAndWithNil(t *testing.T) {
	a := &Filter{Metadata: map[string]any{"k": "v"}}
	merged, err := a.And(nil)
	require.NoError(t, err)
	assert.Same(t, a, merged)

	var n *Filter
	merged, err = n.And(a)
	require.NoError(t, err)
	assert.Same(t, a, merged)
}
