package crud

import (
	"context"

	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/extractor"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// Create implements create(schema, data, {spark}) (SPEC_FULL.md §5.7).
// On success it returns {id, ...data, ...extracted}; if the new
// co-value does not become available within DefaultTimeout, it falls
// back to {id, ...data, type, schema} rather than erroring, matching
// the spec's "on timeout fall back" rule.
func (e *Engine) Create(ctx context.Context, schemaKey string, data map[string]any, spark string) (map[string]any, error) {
	schemaID, ok := e.Index.ResolveSchema(ctx, schemaKey)
	if !ok {
		return nil, covalue.NewError(covalue.KindSchemaUnresolved, schemaKey, nil)
	}

	doc, _ := e.Schemas.Document(ctx, schemaID)
	cotype := inferCotype(doc, data)
	isSchemaDef := doc != nil && doc.IsSchemaDefinition()
	if isSchemaDef {
		cotype = covalue.KindComap
	}

	id, err := e.Peer.CreateCoValue(ctx, covalue.CreateArgs{
		Spark:              spark,
		Schema:             schemaID,
		Kind:               cotype,
		Data:               data,
		IsSchemaDefinition: isSchemaDef,
	})
	if err != nil {
		return nil, err
	}

	e.Index.RecordCreated(ctx, schemaID, id)

	readCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	handle, err := e.Loader.Ensure(readCtx, id, loader.Options{})
	if err != nil {
		out := map[string]any{"id": string(id), "type": string(cotype), "schema": string(schemaID)}
		for k, v := range data {
			out[k] = v
		}
		return out, nil
	}

	rec := extractor.Extract(handle.CoValue, extractor.Hint{})
	out := rec.ToMap()
	for k, v := range data {
		if _, exists := out[k]; !exists {
			out[k] = v
		}
	}
	out["id"] = string(id)
	return out, nil
}

// inferCotype determines the co-value kind to create: the schema
// document's declared cotype wins; absent that, data shape decides
// (array -> colist, object -> comap). Strings are rejected by the
// caller's schema validation, never reached here.
func inferCotype(doc *schema.Document, data map[string]any) covalue.ValueKind {
	if doc != nil && doc.Cotype != "" {
		return covalue.ValueKind(doc.Cotype)
	}
	if _, ok := data["items"].([]any); ok {
		return covalue.KindColist
	}
	return covalue.KindComap
}
