// Package jsonfile provides a single-file, fsnotify-watched reference
// implementation of covalue.Peer, suitable for embedding the core in a
// process whose CRDT storage is "one JSON file on disk" — the simplest
// real I/O-backed Peer the corpus supports (internal/peer is purely
// in-memory and has no on-disk representation at all).
//
// Grounded on cmd/bd/list.go's `bd list --watch` loop: an fsnotify
// watcher on a directory, debounced re-reads on Write events to the
// watched file, restricted to file-basename matching. Atomic
// write-then-rename persistence is grounded on the teacher's bootstrap
// pattern of never leaving a partially-written state file behind
// (internal/storage/dolt/bootstrap.go).
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
)

// debounceDelay coalesces bursts of filesystem events into one reload,
// run 300ms after the last event of a burst.
const debounceDelay = 300 * time.Millisecond

type subscriber struct {
	id int
	fn func(*covalue.CoValue)
}

// fileDoc is the on-disk shape: every co-value plus the binary blob
// registry, keyed by co-id.
type fileDoc struct {
	Values map[coid.ID]*fileRecord `json:"values"`
	Binary map[coid.ID]string      `json:"binary,omitempty"`
}

type fileRecord struct {
	ID         coid.ID             `json:"id"`
	Kind       covalue.ValueKind   `json:"kind"`
	Type       string              `json:"type,omitempty"`
	Schema     coid.ID             `json:"schema,omitempty"`
	MetaSchema coid.ID             `json:"metaSchema,omitempty"`
	Available  bool                `json:"available"`
	Keys       []string            `json:"keys,omitempty"`
	Fields     map[string]any      `json:"fields,omitempty"`
	Items      []any               `json:"items,omitempty"`
	Sessions   map[string][]fileTx `json:"sessions,omitempty"`
}

type fileTx struct {
	Value   any       `json:"value"`
	MadeAt  time.Time `json:"madeAt"`
	Session string    `json:"session"`
}

// Peer is a covalue.Peer backed by a single JSON file. Reads are served
// from an in-memory materialization; Load triggers a re-read of the
// file from disk. An fsnotify watcher on the file's directory keeps
// that materialization current when another process writes the file,
// notifying subscribers of anything that changed.
type Peer struct {
	path string

	mu     sync.RWMutex
	values map[coid.ID]*covalue.CoValue
	binary map[coid.ID]string
	subs   map[coid.ID][]subscriber
	nextID int
	nonce  int

	watcher *fsnotify.Watcher
	closeCh chan struct{}
}

// Open loads path if it exists (an empty Peer otherwise) and starts
// watching its directory for external writes.
func Open(path string) (*Peer, error) {
	p := &Peer{
		path:    path,
		values:  make(map[coid.ID]*covalue.CoValue),
		binary:  make(map[coid.ID]string),
		subs:    make(map[coid.ID][]subscriber),
		closeCh: make(chan struct{}),
	}
	if err := p.reload(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("jsonfile: initial load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("jsonfile: creating watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("jsonfile: watching %s: %w", dir, err)
	}
	p.watcher = watcher

	go p.watchLoop()
	return p, nil
}

// Close stops the filesystem watcher. It does not delete the file.
func (p *Peer) Close() error {
	close(p.closeCh)
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}

func (p *Peer) watchLoop() {
	base := filepath.Base(p.path)
	var debounce *time.Timer
	for {
		select {
		case <-p.closeCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, p.reloadAndNotify)
		case _, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (p *Peer) reloadAndNotify() {
	p.mu.RLock()
	before := make(map[coid.ID]*covalue.CoValue, len(p.values))
	for id, cv := range p.values {
		before[id] = cv
	}
	p.mu.RUnlock()

	if err := p.reload(); err != nil {
		return
	}

	p.mu.RLock()
	after := make(map[coid.ID]*covalue.CoValue, len(p.values))
	for id, cv := range p.values {
		after[id] = cv
	}
	p.mu.RUnlock()

	for id, cv := range after {
		if prior, existed := before[id]; !existed || !sameVersion(prior, cv) {
			p.notify(id)
		}
	}
}

// sameVersion is a cheap heuristic change check (field count plus
// available flag); exact structural diffing is left to callers that
// care, via re-extraction after notify.
func sameVersion(a, b *covalue.CoValue) bool {
	return a.Available() == b.Available() && len(a.Fields) == len(b.Fields) && len(a.Items) == len(b.Items)
}

func (p *Peer) reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return err
	}
	var doc fileDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("jsonfile: parsing %s: %w", p.path, err)
	}

	values := make(map[coid.ID]*covalue.CoValue, len(doc.Values))
	for id, rec := range doc.Values {
		values[id] = recordToCoValue(rec)
	}
	binary := make(map[coid.ID]string, len(doc.Binary))
	for id, v := range doc.Binary {
		binary[id] = v
	}

	p.mu.Lock()
	p.values = values
	p.binary = binary
	p.mu.Unlock()
	return nil
}

// persist writes the current in-memory state atomically: to a temp
// file in the same directory, then rename over path, so a crash mid-
// write never leaves a truncated file.
func (p *Peer) persist() error {
	p.mu.RLock()
	doc := fileDoc{
		Values: make(map[coid.ID]*fileRecord, len(p.values)),
		Binary: make(map[coid.ID]string, len(p.binary)),
	}
	for id, cv := range p.values {
		doc.Values[id] = coValueToRecord(cv)
	}
	for id, v := range p.binary {
		doc.Binary[id] = v
	}
	p.mu.RUnlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("jsonfile: marshaling: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("jsonfile: writing temp file: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("jsonfile: renaming into place: %w", err)
	}
	return nil
}

func recordToCoValue(rec *fileRecord) *covalue.CoValue {
	cv := &covalue.CoValue{
		ID: rec.ID,
		Header: covalue.Header{
			Kind:   rec.Kind,
			Type:   rec.Type,
			Schema: rec.Schema,
			Meta:   covalue.HeaderMeta{Schema: rec.MetaSchema},
		},
		Keys:   append([]string(nil), rec.Keys...),
		Fields: rec.Fields,
		Items:  append([]any(nil), rec.Items...),
	}
	if rec.Sessions != nil {
		cv.Sessions = make(map[string][]covalue.Tx, len(rec.Sessions))
		for session, txs := range rec.Sessions {
			out := make([]covalue.Tx, len(txs))
			for i, tx := range txs {
				out[i] = covalue.Tx{Value: tx.Value, MadeAt: tx.MadeAt, Session: tx.Session}
			}
			cv.Sessions[session] = out
		}
	}
	cv.SetAvailable(rec.Available)
	return cv
}

func coValueToRecord(cv *covalue.CoValue) *fileRecord {
	rec := &fileRecord{
		ID:         cv.ID,
		Kind:       cv.Header.Kind,
		Type:       cv.Header.Type,
		Schema:     cv.Header.Schema,
		MetaSchema: cv.Header.Meta.Schema,
		Available:  cv.Available(),
		Keys:       append([]string(nil), cv.Keys...),
		Fields:     cv.Fields,
		Items:      append([]any(nil), cv.Items...),
	}
	if cv.Sessions != nil {
		rec.Sessions = make(map[string][]fileTx, len(cv.Sessions))
		for session, txs := range cv.Sessions {
			out := make([]fileTx, len(txs))
			for i, tx := range txs {
				out[i] = fileTx{Value: tx.Value, MadeAt: tx.MadeAt, Session: tx.Session}
			}
			rec.Sessions[session] = out
		}
	}
	return rec
}

var _ covalue.Peer = (*Peer)(nil)

func (p *Peer) Get(_ context.Context, id coid.ID) (*covalue.CoValue, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cv, ok := p.values[id]
	if !ok {
		return nil, false
	}
	return cv.Clone(), true
}

// Load re-reads the backing file, picking up writes made by another
// process sharing it. Matches Peer.Load's "must not block past
// enqueueing the load" contract by doing the read synchronously but
// cheaply (a single file read); availability changes are observed via
// Subscribe, same as every other Peer.
func (p *Peer) Load(_ context.Context, _ coid.ID) {
	p.reloadAndNotify()
}

func (p *Peer) Subscribe(id coid.ID, fn func(*covalue.CoValue)) covalue.Unsubscribe {
	p.mu.Lock()
	sid := p.nextID
	p.nextID++
	p.subs[id] = append(p.subs[id], subscriber{id: sid, fn: fn})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			list := p.subs[id]
			for i, s := range list {
				if s.id == sid {
					p.subs[id] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

func (p *Peer) notify(id coid.ID) {
	p.mu.RLock()
	cv, ok := p.values[id]
	subsSnapshot := append([]subscriber(nil), p.subs[id]...)
	p.mu.RUnlock()
	if !ok {
		return
	}
	for _, s := range subsSnapshot {
		s.fn(cv.Clone())
	}
}

func (p *Peer) CreateCoValue(_ context.Context, args covalue.CreateArgs) (coid.ID, error) {
	p.mu.Lock()
	p.nonce++
	nonce := p.nonce
	p.mu.Unlock()

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

	p.mu.Lock()
	p.values[id] = cv
	p.mu.Unlock()

	if err := p.persist(); err != nil {
		return "", err
	}
	p.notify(id)
	return id, nil
}

func (p *Peer) Set(_ context.Context, id coid.ID, key string, value any) error {
	p.mu.Lock()
	cv, ok := p.values[id]
	if !ok {
		p.mu.Unlock()
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	if cv.Header.Kind != covalue.KindComap {
		p.mu.Unlock()
		return covalue.NewError(covalue.KindUnsupportedOperation, "Set only supports comap", nil)
	}
	if cv.Fields == nil {
		cv.Fields = make(map[string]any)
	}
	if _, existed := cv.Fields[key]; !existed {
		cv.Keys = append(cv.Keys, key)
	}
	cv.Fields[key] = value
	p.mu.Unlock()

	if err := p.persist(); err != nil {
		return err
	}
	p.notify(id)
	return nil
}

func (p *Peer) DeleteKey(_ context.Context, id coid.ID, key string) error {
	p.mu.Lock()
	cv, ok := p.values[id]
	if !ok {
		p.mu.Unlock()
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	delete(cv.Fields, key)
	for i, k := range cv.Keys {
		if k == key {
			cv.Keys = append(cv.Keys[:i:i], cv.Keys[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	if err := p.persist(); err != nil {
		return err
	}
	p.notify(id)
	return nil
}

func (p *Peer) Push(_ context.Context, id coid.ID, item any) error {
	p.mu.Lock()
	cv, ok := p.values[id]
	if !ok {
		p.mu.Unlock()
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
		p.mu.Unlock()
		return covalue.NewError(covalue.KindUnsupportedOperation, "Push requires colist or costream", nil)
	}
	p.mu.Unlock()

	if err := p.persist(); err != nil {
		return err
	}
	p.notify(id)
	return nil
}

func (p *Peer) AllIDs(_ context.Context) []coid.ID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]coid.ID, 0, len(p.values))
	for id := range p.values {
		out = append(out, id)
	}
	return out
}

func (p *Peer) LoadBinaryAsDataURL(_ context.Context, id coid.ID) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.binary[id]
	return v, ok
}

// PutBinary registers a binary co-value's data URL and persists it.
func (p *Peer) PutBinary(id coid.ID, dataURL string) error {
	p.mu.Lock()
	p.binary[id] = dataURL
	p.mu.Unlock()
	return p.persist()
}
