// Package loader implements the CoValueLoader (SPEC_FULL.md §5.1): it
// asks a Peer to make a co-value available and returns a stable handle
// without retrying — retry policy belongs to callers (ReactiveResolver,
// DeepResolver), not the loader itself.
//
// Grounded on the teacher's internal/daemon client Get/Load plumbing
// (internal/daemon/client.go), adapted from a single daemon round-trip
// into a Peer-backed Ensure/Await pair, and instrumented with otel spans
// the way internal/telemetry/tracer.go wraps daemon RPCs.
package loader

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
)

var tracer = otel.Tracer("covalue/loader")

// Handle is a stable reference to a co-value as currently known by the
// Peer. It is a thin wrapper so future callers can attach loader-owned
// bookkeeping (e.g. last-loaded-at) without changing covalue.CoValue's
// own shape.
type Handle struct {
	CoValue *covalue.CoValue
}

// Options configures Ensure.
type Options struct {
	// RequireSchema, when true, also waits for Header.Meta.Schema to be
	// populated before returning (SPEC_FULL.md §5.1).
	RequireSchema bool
	// Timeout bounds the wait. Zero means no deadline beyond ctx's own.
	Timeout time.Duration
}

// Loader wraps a Peer with the Ensure/Await contract the rest of the
// core depends on.
type Loader struct {
	peer covalue.Peer
}

// New returns a Loader backed by peer.
func New(peer covalue.Peer) *Loader {
	return &Loader{peer: peer}
}

// Ensure asks the Peer to load id and returns a Handle once the
// co-value reports itself Available. It does not retry: a timeout is
// returned as-is to the caller, which decides whether to retry
// (SPEC_FULL.md §5.1, "the loader itself never retries").
func (l *Loader) Ensure(ctx context.Context, id coid.ID, opts Options) (*Handle, error) {
	ctx, span := tracer.Start(ctx, "loader.Ensure")
	defer span.End()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if cv, ok := l.peer.Get(ctx, id); ok && cv.Available() {
		if !opts.RequireSchema || cv.Header.Meta.Schema != "" {
			return &Handle{CoValue: cv}, nil
		}
	}

	cv, err := l.awaitAvailable(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if opts.RequireSchema && cv.Header.Meta.Schema == "" {
		schemaID, err := l.AwaitSchemaInHeader(ctx, id, 0)
		if err != nil {
			return nil, err
		}
		cv.Header.Meta.Schema = schemaID
	}

	return &Handle{CoValue: cv}, nil
}

// awaitAvailable triggers Peer.Load and blocks until a Subscribe
// callback reports an available co-value or ctx is done.
func (l *Loader) awaitAvailable(ctx context.Context, id coid.ID) (*covalue.CoValue, error) {
	changed := make(chan *covalue.CoValue, 1)
	unsub := l.peer.Subscribe(id, func(cv *covalue.CoValue) {
		if cv.Available() {
			select {
			case changed <- cv:
			default:
			}
		}
	})
	defer unsub()

	// Re-check after subscribing in case availability flipped between
	// the initial Get and the subscribe call.
	if cv, ok := l.peer.Get(ctx, id); ok && cv.Available() {
		return cv, nil
	}

	l.peer.Load(ctx, id)

	select {
	case cv := <-changed:
		return cv, nil
	case <-ctx.Done():
		return nil, covalue.NewError(covalue.KindTimeout, "co-value did not become available", ctx.Err())
	}
}

// AwaitSchemaInHeader polls the Peer for id's header until
// Header.Meta.Schema is populated or timeout elapses. Availability of
// the co-value does not imply this field has synced yet, so this is a
// distinct wait from Ensure's base availability wait (SPEC_FULL.md
// §5.1).
func (l *Loader) AwaitSchemaInHeader(ctx context.Context, id coid.ID, timeout time.Duration) (coid.ID, error) {
	ctx, span := tracer.Start(ctx, "loader.AwaitSchemaInHeader")
	defer span.End()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	const pollInterval = 20 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if cv, ok := l.peer.Get(ctx, id); ok && cv.Header.Meta.Schema != "" {
			return cv.Header.Meta.Schema, nil
		}
		select {
		case <-ctx.Done():
			span.RecordError(ctx.Err())
			return "", covalue.NewError(covalue.KindTimeout, "timed out waiting for schema in header", ctx.Err())
		case <-ticker.C:
		}
	}
}
