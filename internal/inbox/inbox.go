// Package inbox implements ProcessInbox and CreateAndPushMessage
// (SPEC_FULL.md §5.9): an inbox is a costream whose items are CoIds of
// message comaps, processed at most once via a CRDT-converging
// `processed` flag.
//
// Grounded on the teacher's internal/notification/dispatch.go (a
// sequential per-item dispatch loop that tolerates and logs individual
// failures rather than aborting the batch) and
// internal/eventbus/bus.go's skip-already-handled dispatch discipline,
// adapted from notification delivery to message-by-message inbox
// draining.
package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/crud"
	"github.com/oMaiaCity/covalue/internal/extractor"
	"github.com/oMaiaCity/covalue/internal/loader"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// DefaultMessageSchemaKey is the fallback schema CreateAndPushMessage
// resolves against when the inbox schema's items.$co reference is
// absent or unresolvable (SPEC_FULL.md §5.9 step 1 "fallback to
// resolving the event schema").
const DefaultMessageSchemaKey = "event"

// readinessTimeout bounds ProcessInbox's per-message read wait
// (SPEC_FULL.md §5.9 step 2: "await readiness (timeout <= 2s)").
const readinessTimeout = 2 * time.Second

// verifyTimeout bounds the post-mark-processed re-read
// (SPEC_FULL.md §5.9 step 2: "verify via re-read (<= 1s) but do not
// hard-fail on verification").
const verifyTimeout = 1 * time.Second

// internalKeys are stripped from a processed message before it is
// returned to the caller (SPEC_FULL.md §5.9 step 2).
var internalKeys = map[string]bool{
	"processed":     true,
	"id":            true,
	"$schema":       true,
	"hasProperties": true,
	"properties":    true,
}

// Message is one drained, extracted inbox entry.
type Message struct {
	Fields    map[string]any
	CoID      coid.ID
	SessionID string
	MadeAt    time.Time
}

// Result is ProcessInbox's return value.
type Result struct {
	Messages []Message
}

// ProcessInbox drains inboxID's costream: for every not-yet-processed,
// well-formed message item across every session, it marks the message
// processed (the CRDT convergence point that makes delivery at-most-
// once under concurrent processors) and returns the extracted messages
// sorted by MadeAt ascending (SPEC_FULL.md §5.9).
func ProcessInbox(ctx context.Context, engine *crud.Engine, actorID string, inboxID coid.ID) (Result, error) {
	handle, err := engine.Loader.Ensure(ctx, inboxID, loader.Options{Timeout: readinessTimeout})
	if err != nil {
		return Result{}, fmt.Errorf("inbox: loading inbox %s: %w", inboxID, err)
	}
	if handle.CoValue.Header.Kind != covalue.KindCostream {
		return Result{}, covalue.NewError(covalue.KindUnsupportedOperation, "inbox co-value must be a costream", nil)
	}

	rec := extractor.Extract(handle.CoValue, extractor.Hint{})

	var out []Message
	for sessionID, txs := range rec.SessionStream {
		for _, tx := range txs {
			msg, ok := processItem(ctx, engine, tx, sessionID)
			if !ok {
				continue
			}
			out = append(out, msg)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].MadeAt.Before(out[j].MadeAt) })
	return Result{Messages: out}, nil
}

func processItem(ctx context.Context, engine *crud.Engine, tx covalue.Tx, sessionID string) (Message, bool) {
	envelope, ok := tx.Value.(map[string]any)
	if !ok {
		// Legacy inline objects (anything not shaped as an envelope map
		// carrying _coId) are rejected silently.
		return Message{}, false
	}

	if t, _ := envelope["type"].(string); t == "INIT" {
		return Message{}, false
	}
	if from, _ := envelope["from"].(string); from == "system" {
		return Message{}, false
	}

	coIDStr, _ := envelope["_coId"].(string)
	id, ok := coid.Parse(coIDStr)
	if !ok {
		return Message{}, false
	}

	handle, err := engine.Loader.Ensure(ctx, id, loader.Options{Timeout: readinessTimeout})
	if err != nil {
		return Message{}, false
	}

	fields := extractor.Extract(handle.CoValue, extractor.Hint{}).Fields
	if processed, _ := fields["processed"].(bool); processed {
		return Message{}, false
	}

	// Mark processed first: this is the ordering point that makes
	// concurrent processors converge on at-most-once delivery, since
	// the flag update is itself last-writer-wins under the Peer.
	_ = engine.Update(ctx, id, map[string]any{"processed": true})
	verifyProcessed(ctx, engine, id)

	msgType, hasType := fields["type"].(string)
	if !hasType || msgType == "" {
		return Message{}, false
	}
	if msgType == "REMOVE_MEMBER" {
		payload, _ := fields["payload"].(map[string]any)
		memberID, _ := payload["memberId"].(string)
		if _, ok := coid.Parse(memberID); !ok {
			return Message{}, false
		}
	}

	extracted := make(map[string]any, len(fields))
	for k, v := range fields {
		if internalKeys[k] || strings.HasPrefix(k, "_") {
			continue
		}
		extracted[k] = v
	}
	extracted["_coId"] = string(id)
	extracted["_sessionID"] = sessionID
	extracted["_madeAt"] = tx.MadeAt

	return Message{Fields: extracted, CoID: id, SessionID: sessionID, MadeAt: tx.MadeAt}, true
}

// verifyProcessed re-reads id once, bounded by verifyTimeout. The
// result is not inspected, so a processed flag that did not land goes
// unreported. It never returns an error (SPEC_FULL.md §5.9).
func verifyProcessed(ctx context.Context, engine *crud.Engine, id coid.ID) {
	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	_, _ = engine.Peer.Get(vctx, id)
}

// CreateAndPushMessage implements SPEC_FULL.md §5.9's mutation half:
// discover the message schema from the inbox's declared item schema
// (falling back to DefaultMessageSchemaKey), merge defaults, reject
// unresolved expressions, create through the CRUD gate, then push the
// new co-id onto the inbox stream.
func CreateAndPushMessage(ctx context.Context, engine *crud.Engine, schemas schema.Resolver, inboxID coid.ID, message map[string]any) (map[string]any, error) {
	inboxCV, ok := engine.Peer.Get(ctx, inboxID)
	if !ok {
		return nil, covalue.NewError(covalue.KindNotFound, string(inboxID), nil)
	}

	schemaKey := messageSchemaKey(ctx, schemas, inboxCV.Header.Schema)

	merged := make(map[string]any, len(message)+1)
	for k, v := range message {
		merged[k] = v
	}
	if _, ok := merged["processed"]; !ok {
		merged["processed"] = false
	}

	if hasUnresolvedExpression(merged) {
		return nil, fmt.Errorf("inbox: message payload still contains unresolved expressions")
	}

	created, err := engine.Create(ctx, schemaKey, merged, "")
	if err != nil {
		return nil, fmt.Errorf("inbox: creating message: %w", err)
	}

	newID, ok := created["id"].(string)
	if !ok || newID == "" {
		return nil, fmt.Errorf("inbox: created message has no id")
	}

	if err := engine.Peer.Push(ctx, inboxID, newID); err != nil {
		return nil, fmt.Errorf("inbox: pushing message onto inbox: %w", err)
	}

	return created, nil
}

// messageSchemaKey resolves the human-readable or co-id schema key the
// inbox's own schema document declares under items.$co, falling back to
// DefaultMessageSchemaKey when absent or unresolvable.
func messageSchemaKey(ctx context.Context, schemas schema.Resolver, inboxSchemaID coid.ID) string {
	if inboxSchemaID == "" {
		return DefaultMessageSchemaKey
	}
	doc, ok := schemas.Document(ctx, inboxSchemaID)
	if !ok || doc == nil || doc.Items == nil {
		return DefaultMessageSchemaKey
	}
	key, _ := doc.Items["$co"].(string)
	if key == "" {
		return DefaultMessageSchemaKey
	}
	return key
}

// hasUnresolvedExpression reports whether v (recursively) contains a
// string value shaped like an unresolved `$path`-style expression
// (SPEC_FULL.md §5.9 step 3; expression syntax per §5.4 MapTransform).
func hasUnresolvedExpression(v any) bool {
	switch val := v.(type) {
	case string:
		return strings.HasPrefix(val, "$") && len(val) > 1 && val[1] != '$'
	case map[string]any:
		for _, item := range val {
			if hasUnresolvedExpression(item) {
				return true
			}
		}
	case []any:
		for _, item := range val {
			if hasUnresolvedExpression(item) {
				return true
			}
		}
	}
	return false
}
