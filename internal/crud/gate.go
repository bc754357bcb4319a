// Package crud implements the CRUD operations (SPEC_FULL.md §5.7):
// create, update, delete, findFirst, and the read dispatch
// (readSingleCoValue / readCollection / readAll / unified store).
// update() runs through the ValidationGate before touching the Peer;
// create() leaves validation to Peer.CreateCoValue, and delete() does
// not validate.
//
// Grounded on the teacher's internal/gate/gate.go (session-gate-before-
// hook-action: a guard that must pass before the guarded action
// proceeds), repurposed here from Claude-Code hook gating to
// schema-validate-before-CRDT-mutate gating, and on
// internal/storage/sqlite/issues.go's insertIssue/updateIssue
// prepared-statement style for the create/update/delete operation
// shape.
package crud

import (
	"context"
	"strings"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// metadataKeys are stripped from both the current record and incoming
// data before validation (SPEC_FULL.md §5.7 update step 3: "strip
// metadata from both current and data").
var metadataKeys = map[string]bool{
	"id":      true,
	"$schema": true,
	"type":    true,
	"cotype":  true,
}

// systemSparkSchema extends schema.ExceptionKeys with the system
// spark schema, which update() also never validates against
// (SPEC_FULL.md §5.7 update step 3: "@account, @group, system spark").
const systemSparkSchema = "@spark"

func isUpdateExceptionSchema(s string) bool {
	return schema.ExceptionKeys[s] || s == systemSparkSchema
}

// Gate is the ValidationGate: the sole entry point that may validate
// data against a schema before a Peer mutation proceeds.
type Gate struct {
	resolver schema.Resolver
}

// NewGate returns a Gate backed by resolver.
func NewGate(resolver schema.Resolver) *Gate {
	return &Gate{resolver: resolver}
}

func stripMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if metadataKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// ValidateForUpdate merges data onto current and validates the result
// against schemaID's document, unless schemaID is in the update
// exception set or the schema carries no validator. Returns nil if
// validation should be skipped or passes.
func (g *Gate) ValidateForUpdate(ctx context.Context, schemaID coid.ID, current, data map[string]any) error {
	if isUpdateExceptionSchema(string(schemaID)) {
		return nil
	}
	doc, ok := g.resolver.Document(ctx, schemaID)
	if !ok || doc == nil || doc.Validator == nil {
		return nil
	}

	merged := stripMetadata(current)
	for k, v := range stripMetadata(data) {
		merged[k] = v
	}

	if allowed := doc.AllowedKeys(); allowed != nil {
		for k := range merged {
			if !allowed[k] {
				delete(merged, k)
			}
		}
	}

	if errs := doc.Validator.Validate(merged); len(errs) > 0 {
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.Field+": "+e.Message)
		}
		return covalue.NewError(covalue.KindValidationFailure, strings.Join(msgs, "; "), nil)
	}
	return nil
}

// emptySkeletonKeys is the literal {id, type, $schema} set from
// SPEC_FULL.md §9 P8 — deliberately narrower than metadataKeys. A
// minimal schema-definition record uses `cotype` in place of `type`
// (SPEC_FULL.md §7), so reusing the broader metadataKeys set here would
// misclassify one as an empty skeleton and suppress it.
var emptySkeletonKeys = map[string]bool{
	"id":      true,
	"$schema": true,
	"type":    true,
}

// isEmptyComapSkeleton reports whether a projected comap's keys are
// exactly a subset of {id, type, $schema} — content that replicated in
// but whose payload hasn't synced yet. Collection/all-read outputs
// never include these (SPEC_FULL.md §9 P8).
func isEmptyComapSkeleton(fields map[string]any) bool {
	for k := range fields {
		if !emptySkeletonKeys[k] {
			return false
		}
	}
	return true
}
