package covalue

import (
	"time"

	"github.com/oMaiaCity/covalue/internal/coid"
)

// Kind of co-value, SPEC_FULL.md §4.
type ValueKind string

const (
	KindComap    ValueKind = "comap"
	KindColist   ValueKind = "colist"
	KindCostream ValueKind = "costream"
)

// Header is the immutable metadata carried by every co-value.
type Header struct {
	Kind   ValueKind
	Type   string   // e.g. "account", "group", "" for plain records
	Schema coid.ID  // "$schema", optional (zero value means absent)
	Meta   HeaderMeta
}

// HeaderMeta mirrors the subset of header.meta the core inspects.
// AwaitSchemaInHeader polls Schema specifically because availability of
// the co-value does not imply this field has synced yet (SPEC_FULL.md
// §5.1).
type HeaderMeta struct {
	Schema coid.ID
}

// Tx is a single transaction recorded in a session log.
type Tx struct {
	Value   any
	MadeAt  time.Time
	Session string
}

// CoValue is the content-addressable record the core operates on. The
// core never mutates a CoValue in place — Peer.Set/Peer.Push create new
// transactions; this struct is the core's read-side view of the current
// materialized state.
type CoValue struct {
	ID     coid.ID
	Header Header

	// Comap: last-writer-wins per key, insertion order preserved.
	Keys   []string
	Fields map[string]any

	// Colist: ordered items.
	Items []any

	// Costream: per-session ordered transaction logs.
	Sessions map[string][]Tx

	available bool
}

// Available is a derived boolean: true iff the header and at least the
// locally required sessions are loaded (SPEC_FULL.md §4).
func (c *CoValue) Available() bool {
	return c != nil && c.available
}

// SetAvailable is called by a Peer implementation once the co-value's
// header and required sessions have loaded.
func (c *CoValue) SetAvailable(v bool) { c.available = v }

// Clone returns a deep-enough copy safe to hand to a caller without
// aliasing the Peer's internal storage, mirroring the defensive copying
// in the teacher's in-memory WispStore (internal/daemon/wisp_store.go).
func (c *CoValue) Clone() *CoValue {
	if c == nil {
		return nil
	}
	out := &CoValue{
		ID:        c.ID,
		Header:    c.Header,
		available: c.available,
	}
	if c.Keys != nil {
		out.Keys = append([]string(nil), c.Keys...)
	}
	if c.Fields != nil {
		out.Fields = make(map[string]any, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	if c.Items != nil {
		out.Items = append([]any(nil), c.Items...)
	}
	if c.Sessions != nil {
		out.Sessions = make(map[string][]Tx, len(c.Sessions))
		for s, txs := range c.Sessions {
			out.Sessions[s] = append([]Tx(nil), txs...)
		}
	}
	return out
}

// Sealed marks a comap field whose plaintext the Peer has not made
// available to the core (e.g. group-sealed/encrypted content). The core
// never attempts to unseal anything; the Extractor masks Sealed values
// on projection (SPEC_FULL.md §5.2).
type Sealed struct{}

// Record is the normalized flat projection the Extractor produces from a
// CoValue (SPEC_FULL.md §4, "Projected Record"). It is a plain map for
// comap/costream-flattened shapes and wraps a slice for colist via the
// List field. MapTransform, DeepResolver, and the CRUD read path all
// operate on Record, never on CoValue directly, once extraction has run.
type Record struct {
	ID     coid.ID
	Schema coid.ID
	Kind   ValueKind

	// Fields holds comap-shaped data: key -> annotated value.
	Fields map[string]any

	// List holds colist-shaped data: ordered items.
	List []any

	// Stream holds costream-shaped data flattened across sessions,
	// ordered by MadeAt.
	Stream []Tx

	// SessionStream preserves the per-session partition, used by
	// ProcessInbox (SPEC_FULL.md §5.9) which needs to know which
	// session a message arrived on.
	SessionStream map[string][]Tx

	// Types annotates each Fields entry with the Extractor's type tag
	// (string, number, bool, null, object, array, co-id, key, sealed),
	// per SPEC_FULL.md §5.2.
	Types map[string]string
}

// Clone returns a shallow-safe copy of the record (deep enough that
// mutating the returned Fields/List does not alias the original).
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{ID: r.ID, Schema: r.Schema, Kind: r.Kind}
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			out.Fields[k] = v
		}
	}
	if r.List != nil {
		out.List = append([]any(nil), r.List...)
	}
	if r.Stream != nil {
		out.Stream = append([]Tx(nil), r.Stream...)
	}
	if r.SessionStream != nil {
		out.SessionStream = make(map[string][]Tx, len(r.SessionStream))
		for s, txs := range r.SessionStream {
			out.SessionStream[s] = append([]Tx(nil), txs...)
		}
	}
	if r.Types != nil {
		out.Types = make(map[string]string, len(r.Types))
		for k, v := range r.Types {
			out.Types[k] = v
		}
	}
	return out
}

// ToMap renders the record as a plain map for output at the API
// boundary: its fields plus id and $schema whenever they are set.
// Schema-definition records are rendered the same way; their id is not
// suppressed and type is not replaced by cotype.
func (r *Record) ToMap() map[string]any {
	out := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	if r.ID != "" {
		out["id"] = string(r.ID)
	}
	if r.Schema != "" {
		out["$schema"] = string(r.Schema)
	}
	return out
}
