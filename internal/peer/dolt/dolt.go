// Package dolt implements covalue.Peer against a Dolt database (embedded
// via dolthub/driver, or a running dolt sql-server via go-sql-driver/
// mysql), so the core can be exercised against a real versioned SQL
// backend instead of the in-memory reference Peer.
//
// Grounded on the teacher's internal/storage/dolt/store.go: the
// embedded-vs-server-mode DSN split, the withRetry/backoff wrapper
// around transient server-mode errors, and the otel tracer/span
// wrapping of exec/query calls (Get and LoadBinaryAsDataURL query the
// database directly, without a span or retry). The schema itself (one table per
// co-value kind plus a binary-blob table) has no teacher analog — it is
// this package's own mapping of CoValue onto rows, grounded on the same
// "one row per entity, JSON column for the flexible part" shape
// internal/storage/sqlite/issues.go uses for issue metadata.
package dolt

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/dolthub/driver" // embedded Dolt driver, side-effect registration
	_ "github.com/go-sql-driver/mysql" // server-mode Dolt driver, side-effect registration
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/covalue"
)

// Config selects embedded-vs-server connection mode. ServerDSN takes
// priority over Path when both are set.
type Config struct {
	// Path is the directory of an embedded Dolt database (CGO build).
	Path string
	// ServerDSN is a go-sql-driver/mysql DSN pointing at a running dolt
	// sql-server (pure Go, multi-writer).
	ServerDSN string
	// RetryMaxElapsed bounds server-mode transient-error retries.
	RetryMaxElapsed time.Duration
}

func (c Config) retryMaxElapsed() time.Duration {
	if c.RetryMaxElapsed > 0 {
		return c.RetryMaxElapsed
	}
	return 30 * time.Second
}

// Peer is a covalue.Peer backed by Dolt. Subscriptions only observe
// mutations made through this Peer instance — unlike the teacher's
// DoltStore (queried on demand, never subscribed to), nothing here
// polls Dolt for externally-committed changes, matching the scope
// internal/peer/jsonfile's fsnotify watch does not extend to this
// backend (no filesystem event exists for a remote server's writes).
type Peer struct {
	db         *sql.DB
	serverMode bool
	retryMax   time.Duration

	mu     sync.Mutex
	subs   map[coid.ID][]subscriber
	nextID int
	nonce  int
}

type subscriber struct {
	id int
	fn func(*covalue.CoValue)
}

var tracer = otel.Tracer("github.com/oMaiaCity/covalue/internal/peer/dolt")

// Open connects to Dolt per cfg and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*Peer, error) {
	var driverName, dsn string
	serverMode := cfg.ServerDSN != ""
	if serverMode {
		driverName, dsn = "mysql", cfg.ServerDSN
	} else {
		driverName, dsn = "dolt", cfg.Path
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("dolt: opening %s: %w", driverName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dolt: ping: %w", err)
	}

	p := &Peer{
		db:         db,
		serverMode: serverMode,
		retryMax:   cfg.retryMaxElapsed(),
		subs:       make(map[coid.ID][]subscriber),
	}
	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Peer) Close() error { return p.db.Close() }

func (p *Peer) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS covalues (
			id VARCHAR(255) PRIMARY KEY,
			kind VARCHAR(32) NOT NULL,
			type VARCHAR(64),
			schema_id VARCHAR(255),
			meta_schema_id VARCHAR(255),
			available BOOLEAN NOT NULL DEFAULT FALSE,
			keys_json TEXT,
			fields_json TEXT,
			items_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS costream_txs (
			covalue_id VARCHAR(255) NOT NULL,
			session VARCHAR(255) NOT NULL,
			seq INT NOT NULL,
			value_json TEXT,
			made_at DATETIME(6) NOT NULL,
			PRIMARY KEY (covalue_id, session, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS binary_blobs (
			covalue_id VARCHAR(255) PRIMARY KEY,
			data_url MEDIUMTEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.execContext(ctx, "schema", stmt); err != nil {
			return fmt.Errorf("dolt: ensuring schema: %w", err)
		}
	}
	return nil
}

// withRetry mirrors the teacher's server-mode-only retry wrapper:
// embedded mode already has driver-level retry, so this only engages
// against a dolt sql-server.
func (p *Peer) withRetry(ctx context.Context, op func() error) error {
	if !p.serverMode {
		return op()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = p.retryMax
	return backoff.Retry(func() error {
		err := op()
		if err != nil && isRetryableError(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range []string{
		"driver: bad connection", "invalid connection", "broken pipe",
		"connection reset", "connection refused", "database is read only",
		"lost connection", "gone away", "i/o timeout", "unknown database",
	} {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

func (p *Peer) execContext(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	ctx, span := tracer.Start(ctx, "dolt."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "dolt"), attribute.Bool("db.server_mode", p.serverMode)))
	defer span.End()

	var result sql.Result
	err := p.withRetry(ctx, func() error {
		var execErr error
		result, execErr = p.db.ExecContext(ctx, query, args...)
		return execErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (p *Peer) queryContext(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	ctx, span := tracer.Start(ctx, "dolt."+op, trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("db.system", "dolt"), attribute.Bool("db.server_mode", p.serverMode)))
	defer span.End()

	var rows *sql.Rows
	err := p.withRetry(ctx, func() error {
		var queryErr error
		rows, queryErr = p.db.QueryContext(ctx, query, args...)
		return queryErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return rows, err
}

var _ covalue.Peer = (*Peer)(nil)

func (p *Peer) Get(ctx context.Context, id coid.ID) (*covalue.CoValue, bool) {
	var kind, ctype, schemaID, metaSchemaID, keysJSON, fieldsJSON, itemsJSON sql.NullString
	var available bool

	err := p.db.QueryRowContext(ctx,
		`SELECT kind, type, schema_id, meta_schema_id, available, keys_json, fields_json, items_json
		 FROM covalues WHERE id = ?`, string(id),
	).Scan(&kind, &ctype, &schemaID, &metaSchemaID, &available, &keysJSON, &fieldsJSON, &itemsJSON)
	if err != nil {
		return nil, false
	}

	cv := &covalue.CoValue{
		ID: id,
		Header: covalue.Header{
			Kind:   covalue.ValueKind(kind.String),
			Type:   ctype.String,
			Schema: coid.ID(schemaID.String),
			Meta:   covalue.HeaderMeta{Schema: coid.ID(metaSchemaID.String)},
		},
	}
	cv.SetAvailable(available)
	if keysJSON.Valid {
		_ = json.Unmarshal([]byte(keysJSON.String), &cv.Keys)
	}
	if fieldsJSON.Valid {
		_ = json.Unmarshal([]byte(fieldsJSON.String), &cv.Fields)
	}
	if itemsJSON.Valid {
		_ = json.Unmarshal([]byte(itemsJSON.String), &cv.Items)
	}
	if cv.Header.Kind == covalue.KindCostream {
		cv.Sessions = p.loadSessions(ctx, id)
	}
	return cv, true
}

func (p *Peer) loadSessions(ctx context.Context, id coid.ID) map[string][]covalue.Tx {
	rows, err := p.queryContext(ctx, "load_sessions",
		`SELECT session, value_json, made_at FROM costream_txs WHERE covalue_id = ? ORDER BY session, seq`, string(id))
	if err != nil {
		return nil
	}
	defer rows.Close()

	sessions := make(map[string][]covalue.Tx)
	for rows.Next() {
		var session, valueJSON string
		var madeAt time.Time
		if err := rows.Scan(&session, &valueJSON, &madeAt); err != nil {
			continue
		}
		var value any
		_ = json.Unmarshal([]byte(valueJSON), &value)
		sessions[session] = append(sessions[session], covalue.Tx{Value: value, MadeAt: madeAt, Session: session})
	}
	return sessions
}

// Load is a no-op for Dolt: Get always queries the live table, so there
// is no separate "fetch from storage" step beyond what Get already does.
func (p *Peer) Load(_ context.Context, _ coid.ID) {}

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

func (p *Peer) notify(ctx context.Context, id coid.ID) {
	p.mu.Lock()
	subsSnapshot := append([]subscriber(nil), p.subs[id]...)
	p.mu.Unlock()
	if len(subsSnapshot) == 0 {
		return
	}
	cv, ok := p.Get(ctx, id)
	if !ok {
		return
	}
	for _, s := range subsSnapshot {
		s.fn(cv)
	}
}

func (p *Peer) CreateCoValue(ctx context.Context, args covalue.CreateArgs) (coid.ID, error) {
	p.mu.Lock()
	p.nonce++
	nonce := p.nonce
	p.mu.Unlock()

	now := time.Now()
	id := coid.Generate(string(args.Kind), []byte(fmt.Sprintf("%s|%v", args.Schema, args.Data)), now, nonce)

	var keys []string
	var fields map[string]any
	var items []any
	switch args.Kind {
	case covalue.KindComap:
		fields = make(map[string]any, len(args.Data))
		for k, v := range args.Data {
			keys = append(keys, k)
			fields[k] = v
		}
	case covalue.KindColist:
		if its, ok := args.Data["items"].([]any); ok {
			items = its
		}
	}

	keysJSON, _ := json.Marshal(keys)
	fieldsJSON, _ := json.Marshal(fields)
	itemsJSON, _ := json.Marshal(items)

	_, err := p.execContext(ctx, "create_covalue",
		`INSERT INTO covalues (id, kind, type, schema_id, meta_schema_id, available, keys_json, fields_json, items_json)
		 VALUES (?, ?, ?, ?, ?, TRUE, ?, ?, ?)`,
		string(id), string(args.Kind), "", string(args.Schema), string(args.Schema), string(keysJSON), string(fieldsJSON), string(itemsJSON))
	if err != nil {
		return "", fmt.Errorf("dolt: creating co-value: %w", err)
	}

	p.notify(ctx, id)
	return id, nil
}

func (p *Peer) Set(ctx context.Context, id coid.ID, key string, value any) error {
	cv, ok := p.Get(ctx, id)
	if !ok {
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	if cv.Header.Kind != covalue.KindComap {
		return covalue.NewError(covalue.KindUnsupportedOperation, "Set only supports comap", nil)
	}
	if cv.Fields == nil {
		cv.Fields = make(map[string]any)
	}
	if _, existed := cv.Fields[key]; !existed {
		cv.Keys = append(cv.Keys, key)
	}
	cv.Fields[key] = value

	keysJSON, _ := json.Marshal(cv.Keys)
	fieldsJSON, _ := json.Marshal(cv.Fields)
	if _, err := p.execContext(ctx, "set_field",
		`UPDATE covalues SET keys_json = ?, fields_json = ? WHERE id = ?`,
		string(keysJSON), string(fieldsJSON), string(id)); err != nil {
		return fmt.Errorf("dolt: setting field: %w", err)
	}

	p.notify(ctx, id)
	return nil
}

func (p *Peer) DeleteKey(ctx context.Context, id coid.ID, key string) error {
	cv, ok := p.Get(ctx, id)
	if !ok {
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}
	delete(cv.Fields, key)
	for i, k := range cv.Keys {
		if k == key {
			cv.Keys = append(cv.Keys[:i:i], cv.Keys[i+1:]...)
			break
		}
	}

	keysJSON, _ := json.Marshal(cv.Keys)
	fieldsJSON, _ := json.Marshal(cv.Fields)
	if _, err := p.execContext(ctx, "delete_key",
		`UPDATE covalues SET keys_json = ?, fields_json = ? WHERE id = ?`,
		string(keysJSON), string(fieldsJSON), string(id)); err != nil {
		return fmt.Errorf("dolt: deleting key: %w", err)
	}

	p.notify(ctx, id)
	return nil
}

func (p *Peer) Push(ctx context.Context, id coid.ID, item any) error {
	cv, ok := p.Get(ctx, id)
	if !ok {
		return covalue.NewError(covalue.KindNotFound, string(id), nil)
	}

	switch cv.Header.Kind {
	case covalue.KindColist:
		cv.Items = append(cv.Items, item)
		itemsJSON, _ := json.Marshal(cv.Items)
		if _, err := p.execContext(ctx, "push_item",
			`UPDATE covalues SET items_json = ? WHERE id = ?`, string(itemsJSON), string(id)); err != nil {
			return fmt.Errorf("dolt: pushing item: %w", err)
		}
	case covalue.KindCostream:
		session := "local"
		seq := len(cv.Sessions[session])
		valueJSON, _ := json.Marshal(item)
		if _, err := p.execContext(ctx, "push_tx",
			`INSERT INTO costream_txs (covalue_id, session, seq, value_json, made_at) VALUES (?, ?, ?, ?, ?)`,
			string(id), session, seq, string(valueJSON), time.Now()); err != nil {
			return fmt.Errorf("dolt: appending tx: %w", err)
		}
	default:
		return covalue.NewError(covalue.KindUnsupportedOperation, "Push requires colist or costream", nil)
	}

	p.notify(ctx, id)
	return nil
}

func (p *Peer) AllIDs(ctx context.Context) []coid.ID {
	rows, err := p.queryContext(ctx, "all_ids", `SELECT id FROM covalues`)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []coid.ID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		out = append(out, coid.ID(id))
	}
	return out
}

func (p *Peer) LoadBinaryAsDataURL(ctx context.Context, id coid.ID) (string, bool) {
	var dataURL string
	err := p.db.QueryRowContext(ctx, `SELECT data_url FROM binary_blobs WHERE covalue_id = ?`, string(id)).Scan(&dataURL)
	if err != nil {
		return "", false
	}
	return dataURL, true
}

// PutBinary registers a binary co-value's data URL, for tests and
// ingestion tooling that populate blobs out of band.
func (p *Peer) PutBinary(ctx context.Context, id coid.ID, dataURL string) error {
	_, err := p.execContext(ctx, "put_binary",
		`INSERT INTO binary_blobs (covalue_id, data_url) VALUES (?, ?)
		 ON DUPLICATE KEY UPDATE data_url = VALUES(data_url)`, string(id), dataURL)
	return err
}
