package crud

import (
	"context"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
)

// Update implements update(schema, id, data) (SPEC_FULL.md §5.7). It
// takes no schema argument: the schema used for validation is always
// read from the co-value's own header, never trusted from the caller
// (step 2 of the spec).
func (e *Engine) Update(ctx context.Context, id coid.ID, data map[string]any) error {
	cv, ok := e.Peer.Get(ctx, id)
	if !ok || !cv.Available() {
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	if cv.Header.Kind != covalue.KindComap {
		return covalue.NewError(covalue.KindUnsupportedOperation, "update only supports comap", nil)
	}

	schemaID := cv.Header.Schema
	if err := e.Gate.ValidateForUpdate(ctx, schemaID, cv.Fields, data); err != nil {
		return err
	}

	for key, value := range data {
		if err := e.Peer.Set(ctx, id, key, value); err != nil {
			return err
		}
	}

	e.Cache.InvalidateResolvedData(id)
	return nil
}

// Delete implements delete(schema, id) (SPEC_FULL.md §5.7): hard delete
// of every key on a comap, with a best-effort, non-fatal index removal
// attempt first.
func (e *Engine) Delete(ctx context.Context, schemaKey string, id coid.ID) error {
	cv, ok := e.Peer.Get(ctx, id)
	if !ok || !cv.Available() {
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	if cv.Header.Kind != covalue.KindComap {
		return covalue.NewError(covalue.KindUnsupportedOperation, "delete only supports comap", nil)
	}

	if schemaID, ok := e.Index.ResolveSchema(ctx, schemaKey); ok {
		e.Index.RecordDeleted(ctx, schemaID, id)
	}

	for _, key := range append([]string(nil), cv.Keys...) {
		_ = e.Peer.DeleteKey(ctx, id, key)
	}

	e.Cache.InvalidateResolvedData(id)
	return nil
}
