// Package peer provides an in-memory reference implementation of
// covalue.Peer, used by every unit test in this repository and suitable
// as a starting point for embedding the core in a process that already
// owns its own CRDT transport.
//
// Grounded on the teacher's memoryWispStore (internal/daemon/wisp_store.go
// in steveyegge/beads): an RWMutex-protected map with defensive copies on
// read and write, plus an atomic closed flag. The subscription registry
// has no analog in WispStore (issues there are polled, not pushed) and is
// instead grounded on internal/eventbus/bus.go's Register/Dispatch
// pattern: a mutex-protected slice of handlers, snapshotted before
// invocation so a handler may safely subscribe/unsubscribe during
// dispatch.
package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
)

type subscriber struct {
	id int
	fn func(*covalue.CoValue)
}

// Memory is a goroutine-safe, process-local covalue.Peer. Nothing it
// holds survives process restart.
type Memory struct {
	mu     sync.RWMutex
	values map[coid.ID]*covalue.CoValue
	subs   map[coid.ID][]subscriber
	nextID int
	nonce  int
	binary map[coid.ID]string
}

// New creates an empty in-memory Peer.
func New() *Memory {
	return &Memory{
		values: make(map[coid.ID]*covalue.CoValue),
		subs:   make(map[coid.ID][]subscriber),
		binary: make(map[coid.ID]string),
	}
}

var _ covalue.Peer = (*Memory)(nil)

func (m *Memory) Get(_ context.Context, id coid.ID) (*covalue.CoValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cv, ok := m.values[id]
	if !ok {
		return nil, false
	}
	return cv.Clone(), true
}

// Load is a no-op for Memory: every co-value it will ever know about is
// already resident, so there is nothing to fetch from storage. Real
// Peers (internal/peer/jsonfile, internal/peer/dolt) do real I/O here.
func (m *Memory) Load(_ context.Context, _ coid.ID) {}

func (m *Memory) Subscribe(id coid.ID, fn func(*covalue.CoValue)) covalue.Unsubscribe {
	m.mu.Lock()
	sid := m.nextID
	m.nextID++
	m.subs[id] = append(m.subs[id], subscriber{id: sid, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			list := m.subs[id]
			for i, s := range list {
				if s.id == sid {
					m.subs[id] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (m *Memory) notify(id coid.ID) {
	m.mu.RLock()
	cv, ok := m.values[id]
	subsSnapshot := append([]subscriber(nil), m.subs[id]...)
	m.mu.RUnlock()

	if !ok {
		return
	}
	for _, s := range subsSnapshot {
		s.fn(cv.Clone())
	}
}

func (m *Memory) CreateCoValue(_ context.Context, args covalue.CreateArgs) (coid.ID, error) {
	m.mu.Lock()
	m.nonce++
	nonce := m.nonce
	m.mu.Unlock()

	now := time.Now()
	id := coid.Generate(string(args.Kind), []byte(fmt.Sprintf("%s|%v", args.Schema, args.Data)), now, nonce)

	cv := &covalue.CoValue{
		ID: id,
		Header: covalue.Header{
			Kind:   args.Kind,
			Schema: args.Schema,
			Meta:   covalue.HeaderMeta{Schema: args.Schema},
		},
	}
	cv.SetAvailable(true)

	switch args.Kind {
	case covalue.KindComap:
		cv.Fields = make(map[string]any, len(args.Data))
		for k, v := range args.Data {
			cv.Keys = append(cv.Keys, k)
			cv.Fields[k] = v
		}
	case covalue.KindColist:
		if items, ok := args.Data["items"].([]any); ok {
			cv.Items = append([]any(nil), items...)
		}
	case covalue.KindCostream:
		cv.Sessions = make(map[string][]covalue.Tx)
	}

	m.mu.Lock()
	m.values[id] = cv
	m.mu.Unlock()

	m.notify(id)
	return id, nil
}

func (m *Memory) Set(_ context.Context, id coid.ID, key string, value any) error {
	m.mu.Lock()
	cv, ok := m.values[id]
	if !ok {
		m.mu.Unlock()
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	if cv.Header.Kind != covalue.KindComap {
		m.mu.Unlock()
		return covalue.NewError(covalue.KindUnsupportedOperation, "Set only supports comap", nil)
	}
	if cv.Fields == nil {
		cv.Fields = make(map[string]any)
	}
	if _, existed := cv.Fields[key]; !existed {
		cv.Keys = append(cv.Keys, key)
	}
	cv.Fields[key] = value
	m.mu.Unlock()

	m.notify(id)
	return nil
}

func (m *Memory) DeleteKey(_ context.Context, id coid.ID, key string) error {
	m.mu.Lock()
	cv, ok := m.values[id]
	if !ok {
		m.mu.Unlock()
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	delete(cv.Fields, key)
	for i, k := range cv.Keys {
		if k == key {
			cv.Keys = append(cv.Keys[:i:i], cv.Keys[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	m.notify(id)
	return nil
}

func (m *Memory) Push(_ context.Context, id coid.ID, item any) error {
	m.mu.Lock()
	cv, ok := m.values[id]
	if !ok {
		m.mu.Unlock()
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	switch cv.Header.Kind {
	case covalue.KindColist:
		cv.Items = append(cv.Items, item)
	case covalue.KindCostream:
		if cv.Sessions == nil {
			cv.Sessions = make(map[string][]covalue.Tx)
		}
		session := "local"
		cv.Sessions[session] = append(cv.Sessions[session], covalue.Tx{
			Value:   item,
			MadeAt:  time.Now(),
			Session: session,
		})
	default:
		m.mu.Unlock()
		return covalue.NewError(covalue.KindUnsupportedOperation, "Push requires colist or costream", nil)
	}
	m.mu.Unlock()

	m.notify(id)
	return nil
}

func (m *Memory) AllIDs(_ context.Context) []coid.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]coid.ID, 0, len(m.values))
	for id := range m.values {
		out = append(out, id)
	}
	return out
}

// PutBinary registers a binary co-value's data URL for
// LoadBinaryAsDataURL. Test/demo helper only; real Peers would derive
// this from actual binary co-value content.
func (m *Memory) PutBinary(id coid.ID, dataURL string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.binary[id] = dataURL
}

func (m *Memory) LoadBinaryAsDataURL(_ context.Context, id coid.ID) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.binary[id]
	return v, ok
}

// PutRaw inserts a fully-formed CoValue directly, bypassing
// CreateCoValue/the validation gate — used by tests to set up fixtures
// (e.g. cyclic reference graphs for P5) that create() could never
// construct validly.
func (m *Memory) PutRaw(cv *covalue.CoValue) {
	m.mu.Lock()
	m.values[cv.ID] = cv
	m.mu.Unlock()
	m.notify(cv.ID)
}
