package covalue

import (
	"context"

	"github.com/oMaiaCity/covalue/internal/coid"
)

// Unsubscribe is returned by Peer.Subscribe; calling it unsubscribes.
// Idempotent, matching the ReactiveStore unsubscribe contract in
// SPEC_FULL.md §5.6.
type Unsubscribe func()

// CreateArgs are the inputs to Peer.CreateCoValue (SPEC_FULL.md §5.7,
// create step 3).
type CreateArgs struct {
	Spark            string
	Schema           coid.ID
	Kind             ValueKind
	Data             map[string]any
	IsSchemaDefinition bool
}

// Peer is the opaque CRDT/transport capability the core consumes. It is
// explicitly out of scope to implement (SPEC_FULL.md §2) — the core only
// depends on this interface. internal/peer, internal/peer/jsonfile, and
// internal/peer/dolt ship reference implementations purely so the core
// is exercisable in tests; none of them is part of the core's contract.
//
// Every method is safe for concurrent use: the core may call Get/
// Subscribe/Load from many goroutines at once (SPEC_FULL.md §6,
// "SubscriptionCache — safe for concurrent use").
type Peer interface {
	// Get returns the current materialized CoValue for id, or
	// (nil, false) if the Peer has never heard of it.
	Get(ctx context.Context, id coid.ID) (*CoValue, bool)

	// Load triggers an asynchronous load-from-storage for id if it is
	// not already available. It must not block past enqueueing the
	// load; availability is observed via Subscribe, not via Load's
	// return.
	Load(ctx context.Context, id coid.ID)

	// Subscribe registers fn to be called whenever id's materialized
	// state changes (including the availability transition). Returns an
	// idempotent unsubscribe function.
	Subscribe(id coid.ID, fn func(*CoValue)) Unsubscribe

	// CreateCoValue creates a new co-value through the CRDT primitive.
	// The Peer is responsible for routing this through whatever
	// validation gate it has been configured with before committing
	// (SPEC_FULL.md §5.7 create step 3) — from the core's perspective
	// this call either succeeds (id returned) or fails.
	CreateCoValue(ctx context.Context, args CreateArgs) (coid.ID, error)

	// Set applies a last-writer-wins field update to a comap co-value,
	// creating a new transaction. Used by update() and by ProcessInbox's
	// processed-flag flip.
	Set(ctx context.Context, id coid.ID, key string, value any) error

	// DeleteKey removes a single field from a comap co-value.
	DeleteKey(ctx context.Context, id coid.ID, key string) error

	// Push appends an item to a colist or costream co-value.
	Push(ctx context.Context, id coid.ID, item any) error

	// AllIDs returns every co-value id the Peer currently knows about,
	// for readAll (SPEC_FULL.md §5.7 readAll).
	AllIDs(ctx context.Context) []coid.ID

	// LoadBinaryAsDataURL loads a binary co-value and renders it as a
	// data URL, backing MapTransform's :asDataUrl suffix (SPEC_FULL.md
	// §5.4). Returns false if id does not refer to a binary co-value.
	LoadBinaryAsDataURL(ctx context.Context, id coid.ID) (string, bool)
}
