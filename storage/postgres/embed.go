package postgres

import _ "embed"

//go:embed schema.sql
var schemaSQL string

//go:embed vector_schema.sql
var vectorSchemaSQL string

//go:embed graph_schema.sql
var graphSchemaSQL string

//go:embed docstatus_schema.sql
var docStatusSchemaSQL string
