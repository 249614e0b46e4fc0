// Package ingest turns caller-supplied strings or records into
// content-addressed model.Document rows and, during processing, into
// field-aware model.Chunk rows — the planning half of what the teacher's
// Grapher.ProcessAndInsertDocument did inline before handing content to
// its pipeline.
package ingest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/siherrmann/kgrag/ids"
	"github.com/siherrmann/kgrag/model"
)

// FieldType is the declared coercion target for one schema field.
type FieldType string

const (
	FieldText        FieldType = "text"
	FieldInteger      FieldType = "integer"
	FieldFloat        FieldType = "float"
	FieldNumeric      FieldType = "numeric"
	FieldBoolean      FieldType = "boolean"
	FieldPassthrough FieldType = "passthrough"
)

// SchemaField declares one record field's type and nullability.
type SchemaField struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// Schema describes how to project records for relational sideload and
// how to coerce/validate their fields.
type Schema struct {
	Table    string
	IDColumn string
	Fields   []SchemaField
}

// Item is one unit of caller input: either bare text or a record, plus
// optional caller-supplied id/metadata.
type Item struct {
	ID       string
	Text     string
	Record   map[string]any
	Metadata model.Metadata
}

// PlannedDocument is the result of running Plan over one Item.
type PlannedDocument struct {
	ID            string
	Content       string
	Metadata      model.Metadata
	StructuredRow map[string]any
}

func isTextual(t FieldType) bool {
	return t == FieldText || t == FieldPassthrough
}

func coerce(field SchemaField, value any) (any, error) {
	if value == nil {
		if !field.Nullable {
			return nil, fmt.Errorf("ingest: field %q is not nullable", field.Name)
		}
		return nil, nil
	}

	switch field.Type {
	case FieldText:
		return fmt.Sprintf("%v", value), nil
	case FieldInteger:
		switch v := value.(type) {
		case int:
			return v, nil
		case float64:
			return int(v), nil
		case string:
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("ingest: field %q: %w", field.Name, err)
			}
			return n, nil
		default:
			return nil, fmt.Errorf("ingest: field %q: cannot coerce %T to integer", field.Name, value)
		}
	case FieldFloat, FieldNumeric:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("ingest: field %q: %w", field.Name, err)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("ingest: field %q: cannot coerce %T to float", field.Name, value)
		}
	case FieldBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("ingest: field %q: %w", field.Name, err)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("ingest: field %q: cannot coerce %T to boolean", field.Name, value)
		}
	default:
		// passthrough and unknown types pass through unchanged
		return value, nil
	}
}

func joinTextValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []string:
		return strings.Join(t, "\n")
	case []any:
		parts := make([]string, 0, len(t))
		for _, e := range t {
			parts = append(parts, fmt.Sprintf("%v", e))
		}
		return strings.Join(parts, "\n")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Plan projects items into PlannedDocuments per the seven ingest rules:
// schema coercion, text-field selection, id precedence, metadata merge
// order, arity validation, and structured-row sideload.
func Plan(items []Item, schema *Schema, textFields []string) ([]PlannedDocument, error) {
	hasIDs, hasMeta := 0, 0
	for _, it := range items {
		if it.ID != "" {
			hasIDs++
		}
		if it.Metadata != nil {
			hasMeta++
		}
	}
	if hasIDs != 0 && hasIDs != len(items) {
		return nil, fmt.Errorf("ingest: explicit ids must be given for all or none of the items")
	}
	if hasMeta != 0 && hasMeta != len(items) {
		return nil, fmt.Errorf("ingest: explicit metadatas must be given for all or none of the items")
	}
	if hasMeta != 0 && schema == nil && hasIDs == 0 {
		return nil, fmt.Errorf("ingest: explicit ids are required when explicit metadatas are supplied for unstructured input")
	}

	out := make([]PlannedDocument, 0, len(items))
	for _, it := range items {
		isRecord := it.Record != nil

		var content string
		merged := model.Metadata{}
		var structuredRow map[string]any

		if isRecord {
			row := map[string]any{}
			fieldMeta := model.Metadata{}
			var recordMeta model.Metadata
			if m, ok := it.Record["metadata"].(map[string]any); ok {
				recordMeta = model.Metadata(m)
			}

			var textParts []string
			if schema != nil {
				structuredRow = map[string]any{}
				for _, f := range schema.Fields {
					raw, present := it.Record[f.Name]
					if !present {
						if !f.Nullable {
							return nil, fmt.Errorf("ingest: missing required field %q", f.Name)
						}
						continue
					}
					coerced, err := coerce(f, raw)
					if err != nil {
						return nil, err
					}
					structuredRow[f.Name] = coerced
					if f.Name != schema.IDColumn {
						fieldMeta[f.Name] = coerced
					}
					if len(textFields) == 0 && isTextual(f.Type) {
						textParts = append(textParts, joinTextValue(coerced))
					}
					row[f.Name] = coerced
				}
				for k, v := range it.Record {
					found := false
					for _, f := range schema.Fields {
						if f.Name == k {
							found = true
							break
						}
					}
					if !found && k != "metadata" {
						fieldMeta[k] = v
					}
				}
			} else {
				for k, v := range it.Record {
					if k == "metadata" {
						continue
					}
					if s, ok := v.(string); ok {
						fieldMeta[k] = v
						if len(textFields) == 0 {
							textParts = append(textParts, s)
						}
					} else {
						fieldMeta[k] = v
					}
				}
			}

			if len(textFields) > 0 {
				textParts = nil
				sortedFields := append([]string{}, textFields...)
				sort.Strings(sortedFields)
				for _, tf := range textFields {
					if v, ok := it.Record[tf]; ok {
						textParts = append(textParts, joinTextValue(v))
					}
				}
			}
			content = strings.Join(textParts, "\n")

			for k, v := range recordMeta {
				merged[k] = v
			}
			for k, v := range fieldMeta {
				merged[k] = v
			}
			merged["_original_data"] = it.Record
		} else {
			content = it.Text
		}

		for k, v := range it.Metadata {
			merged[k] = v
		}

		id := it.ID
		if id == "" && schema != nil && structuredRow != nil {
			if v, ok := structuredRow[schema.IDColumn]; ok {
				id = fmt.Sprintf("%v", v)
			}
		}
		if id == "" {
			id = ids.DocID(content)
		}

		out = append(out, PlannedDocument{
			ID:            id,
			Content:       content,
			Metadata:      merged,
			StructuredRow: structuredRow,
		})
	}

	return out, nil
}
