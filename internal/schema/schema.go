// Package schema defines the Schema document type and the SchemaResolver
// capability the core consumes (SPEC_FULL.md §2, §5.3). The schema
// *document format* is explicitly out of scope for the core to define;
// this package only states the shape the core needs (§id, $schema,
// cotype, title, properties, items, indexing) and the resolution
// capability (human-readable key or co-id -> co-id, plus document
// lookup).
//
// Grounded on internal/resolver/resolver.go's small capability-interface
// style (a Resolver interface with one scoring/matching method) and
// internal/query/evaluator.go's "capability consumed by the core, not
// implemented by it" posture.
package schema

import (
	"context"

	"github.com/oMaiaCity/covalue/internal/coid"
)

// MetaSchemaMarker is the distinguished title value that marks a schema
// co-value as itself a schema-definition (SPEC_FULL.md §4, "the core may
// classify a schema as 'schema-definition' when title equals a
// designated meta-schema marker").
const MetaSchemaMarker = "@meta-schema"

// Document is the subset of a schema document the core inspects.
type Document struct {
	ID         coid.ID
	SchemaMeta coid.ID // "$schema"
	Cotype     string  // "comap" | "colist" | "costream", optional
	Title      string
	Properties map[string]any
	Items      map[string]any // e.g. {"$co": "<schema key or co-id>"}
	Indexing   bool
	Validator  Validator
}

// IsSchemaDefinition reports whether this document's title marks it as
// defining a schema rather than an ordinary record type.
func (d *Document) IsSchemaDefinition() bool {
	return d != nil && d.Title == MetaSchemaMarker
}

// AllowedKeys returns the set of property keys this schema declares, or
// nil if the schema does not constrain properties (SPEC_FULL.md §5.7
// update step 3: "compute allowed = schema.properties.keys() if
// present").
func (d *Document) AllowedKeys() map[string]bool {
	if d == nil || len(d.Properties) == 0 {
		return nil
	}
	out := make(map[string]bool, len(d.Properties))
	for k := range d.Properties {
		out[k] = true
	}
	return out
}

// ValidationError describes one field-level validation failure.
type ValidationError struct {
	Field   string
	Message string
}

// Validator validates a merged record against a schema document. The
// core never implements a general JSON Schema validator itself
// (SPEC_FULL.md §2 Non-goals) — it only calls this capability.
type Validator interface {
	Validate(data map[string]any) []ValidationError
}

// ReturnType selects what Resolve returns, matching the
// "returnType=coId" parameter mentioned in SPEC_FULL.md §5.3.
type ReturnType string

const ReturnTypeCoID ReturnType = "coId"

// Resolver is the SchemaResolver capability the core consumes: it maps
// human-readable schema keys and co-ids to schema documents and
// validators.
type Resolver interface {
	// Resolve maps a human-readable schema key (or an already-valid
	// CoId, returned as-is) to its CoId.
	Resolve(ctx context.Context, key string) (coid.ID, bool)

	// Document fetches the schema document for a resolved schema CoId.
	Document(ctx context.Context, id coid.ID) (*Document, bool)
}

// ExceptionKeys are schema identities update() never validates against,
// even when a validator is available (SPEC_FULL.md §5.7 update step 3).
var ExceptionKeys = map[string]bool{
	"@account": true,
	"@group":   true,
}
