// Package index implements the IndexManager and CollectionHelpers
// (SPEC_FULL.md §5.3): it maintains account.os.indexes, a comap mapping
// schema CoId to index-list CoId, and lazily creates index lists for
// schemas whose definition opts into indexing.
//
// Grounded on the teacher's internal/storage/sqlite/index.go (a
// best-effort secondary-index maintainer invoked from the same
// write path as the primary record, tolerant of races and failures),
// generalized from a fixed set of SQL indexes to a schema-keyed colist
// registry, and on internal/registry/registry.go for the
// lookup-or-lazily-register pattern behind EnsureIndexList.
package index

import (
	"context"
	"sync"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// Manager resolves schema keys to co-ids and maintains the per-schema
// index-list registry backed by account.os.indexes.
type Manager struct {
	peer     covalue.Peer
	resolver schema.Resolver

	mu        sync.Mutex
	indexesID coid.ID // the account.os.indexes comap co-id
}

// New returns a Manager. indexesID is the co-id of the account's
// pre-existing os.indexes comap; if empty, one is lazily created on
// first EnsureIndexList call via the Peer.
func New(peer covalue.Peer, resolver schema.Resolver, indexesID coid.ID) *Manager {
	return &Manager{peer: peer, resolver: resolver, indexesID: indexesID}
}

// ResolveSchema resolves key to a schema CoId: co-id-shaped strings pass
// through, everything else is resolved via the SchemaResolver
// (SPEC_FULL.md §5.3).
func (m *Manager) ResolveSchema(ctx context.Context, key string) (coid.ID, bool) {
	if id, ok := coid.Parse(key); ok {
		return id, true
	}
	return m.resolver.Resolve(ctx, key)
}

func (m *Manager) ensureIndexesMap(ctx context.Context) (coid.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.indexesID != "" {
		return m.indexesID, nil
	}
	id, err := m.peer.CreateCoValue(ctx, covalue.CreateArgs{
		Kind: covalue.KindComap,
		Data: map[string]any{},
	})
	if err != nil {
		return "", err
	}
	m.indexesID = id
	return id, nil
}

// IndexListFor looks up the index-list co-id registered for
// schemaCoId. If absent, it attempts EnsureIndexList. Returns
// (id, false) silently if the schema is not indexable.
func (m *Manager) IndexListFor(ctx context.Context, schemaCoId coid.ID) (coid.ID, bool) {
	indexesID, err := m.ensureIndexesMap(ctx)
	if err != nil {
		return "", false
	}
	cv, ok := m.peer.Get(ctx, indexesID)
	if ok && cv != nil {
		if v, exists := cv.Fields[string(schemaCoId)]; exists {
			if s, ok := v.(string); ok {
				if id, ok := coid.Parse(s); ok {
					return id, true
				}
			}
		}
	}
	return m.EnsureIndexList(ctx, schemaCoId)
}

// EnsureIndexList creates an empty colist for schemaCoId iff the
// schema's definition sets its indexing flag, and registers it under
// account.os.indexes. Returns (id, false) if the schema is not
// indexable or its definition cannot be resolved.
func (m *Manager) EnsureIndexList(ctx context.Context, schemaCoId coid.ID) (coid.ID, bool) {
	doc, ok := m.resolver.Document(ctx, schemaCoId)
	if !ok || doc == nil || !doc.Indexing {
		return "", false
	}

	indexesID, err := m.ensureIndexesMap(ctx)
	if err != nil {
		return "", false
	}

	listID, err := m.peer.CreateCoValue(ctx, covalue.CreateArgs{
		Kind: covalue.KindColist,
		Data: map[string]any{"items": []any{}},
	})
	if err != nil {
		return "", false
	}

	if err := m.peer.Set(ctx, indexesID, string(schemaCoId), string(listID)); err != nil {
		return "", false
	}
	return listID, true
}

// RecordCreated appends recordID to schemaCoId's index list. It is
// called directly from crud's Engine.Create; co-values that reach the
// Peer by any other path (direct Peer writes, replication) are not
// indexed. Duplicate entries are possible; readers must dedupe (see
// Dedup).
func (m *Manager) RecordCreated(ctx context.Context, schemaCoId, recordID coid.ID) {
	listID, ok := m.IndexListFor(ctx, schemaCoId)
	if !ok {
		return
	}
	_ = m.peer.Push(ctx, listID, string(recordID))
}

// RecordDeleted attempts to remove recordID from schemaCoId's index
// list. Failure is non-fatal: the Peer interface exposes no
// list-item-removal primitive, so this is a best-effort no-op unless a
// future Peer extension adds one; dedup-on-read plus tombstone
// filtering in the CRUD layer covers the gap in the meantime.
func (m *Manager) RecordDeleted(ctx context.Context, schemaCoId, recordID coid.ID) {
	// Intentionally a no-op: see doc comment. Kept as a named method so
	// call sites read correctly and a real removal primitive can be
	// wired in later without changing callers.
	_ = ctx
	_ = schemaCoId
	_ = recordID
}

// Dedup removes duplicate co-ids from ids, preserving first-seen order.
// Readers must call this on any index-list read (SPEC_FULL.md §5.3:
// "Duplicates are possible under replication races; readers MUST
// dedupe").
func Dedup(ids []coid.ID) []coid.ID {
	seen := make(map[coid.ID]bool, len(ids))
	out := make([]coid.ID, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
