package ingest

import (
	"testing"

	"github.com/siherrmann/kgrag/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanBareText(t *testing.T) {
	docs, err := Plan([]Item{{Text: "hello world"}}, nil, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "hello world", docs[0].Content)
	assert.NotEmpty(t, docs[0].ID)
}

func TestPlanIDPrecedence(t *testing.T) {
	docs, err := Plan([]Item{{ID: "explicit-1", Text: "x"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "explicit-1", docs[0].ID)
}

func TestPlanRecordWithSchema(t *testing.T) {
	schema := &Schema{
		Table:    "articles",
		IDColumn: "id",
		Fields: []SchemaField{
			{Name: "id", Type: FieldInteger},
			{Name: "title", Type: FieldText},
			{Name: "body", Type: FieldText},
			{Name: "views", Type: FieldInteger},
		},
	}

	docs, err := Plan([]Item{{
		Record: map[string]any{
			"id":    "42",
			"title": "Intro",
			"body":  "Some content",
			"views": 10,
		},
	}}, schema, nil)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "42", docs[0].ID)
	assert.Contains(t, docs[0].Content, "Intro")
	assert.Contains(t, docs[0].Content, "Some content")
	assert.Equal(t, 10, docs[0].StructuredRow["views"])
	assert.NotNil(t, docs[0].Metadata["_original_data"])
}

func TestPlanExplicitTextFields(t *testing.T) {
	docs, err := Plan([]Item{{
		Record: map[string]any{"title": "T", "summary": "S", "body": "B"},
	}}, nil, []string{"title", "body"})
	require.NoError(t, err)
	assert.Equal(t, "T\nB", docs[0].Content)
}

func TestPlanArityValidation(t *testing.T) {
	_, err := Plan([]Item{{ID: "a", Text: "x"}, {Text: "y"}}, nil, nil)
	assert.Error(t, err)
}

func TestPlanMetadataMergeOrder(t *testing.T) {
	schema := &Schema{
		IDColumn: "id",
		Fields: []SchemaField{
			{Name: "id", Type: FieldInteger},
			{Name: "category", Type: FieldText},
		},
	}
	docs, err := Plan([]Item{{
		Record: map[string]any{
			"id":       "1",
			"category": "news",
			"metadata": map[string]any{"category": "record-meta"},
		},
		Metadata: model.Metadata{"category": "caller-meta"},
	}}, schema, []string{})
	require.NoError(t, err)
	assert.Equal(t, "caller-meta", docs[0].Metadata["category"])
}
