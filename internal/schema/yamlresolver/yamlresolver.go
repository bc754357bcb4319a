// Package yamlresolver is a reference SchemaResolver backed by one YAML
// file per schema key. It exists for tests and for the covaluectl demo
// CLI; the wire schema document format remains out of the core's scope
// (SPEC_FULL.md §2) — this is only one possible loader.
//
// Grounded on internal/resolver/resolver.go's config-driven matching
// (parsing a structured document and matching by name/key) adapted from
// in-memory config blobs to one-file-per-key disk layout.
package yamlresolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/schema"
)

// fileDoc is the on-disk shape of one schema file.
type fileDoc struct {
	ID         string         `yaml:"id"`
	Schema     string         `yaml:"$schema"`
	Cotype     string         `yaml:"cotype"`
	Title      string         `yaml:"title"`
	Properties map[string]any `yaml:"properties"`
	Items      map[string]any `yaml:"items"`
	Indexing   bool           `yaml:"indexing"`
	Required   []string       `yaml:"required"`
}

type requiredFieldsValidator struct {
	required []string
}

func (v *requiredFieldsValidator) Validate(data map[string]any) []schema.ValidationError {
	var errs []schema.ValidationError
	for _, field := range v.required {
		val, ok := data[field]
		if !ok || val == nil {
			errs = append(errs, schema.ValidationError{Field: field, Message: "required field missing"})
			continue
		}
		if s, ok := val.(string); ok && s == "" {
			errs = append(errs, schema.ValidationError{Field: field, Message: "required field empty"})
		}
	}
	return errs
}

// Resolver loads schema documents from a directory of YAML files named
// "<sanitized-key>.yaml", keyed by the human-readable schema key
// embedded in each file's own "key" field (read from a side index built
// at load time).
type Resolver struct {
	mu      sync.RWMutex
	byKey   map[string]coid.ID
	byID    map[coid.ID]*schema.Document
}

// zeroTime seeds deterministic ids for schema documents that don't
// declare their own id; schema keys are stable across a process
// lifetime, so a fixed timestamp keeps Register idempotent.
var zeroTime = time.Unix(0, 0).UTC()

// New creates an empty resolver. Use LoadDir or Register to populate it.
func New() *Resolver {
	return &Resolver{
		byKey: make(map[string]coid.ID),
		byID:  make(map[coid.ID]*schema.Document),
	}
}

// LoadDir reads every "*.yaml" file in dir. Each file must declare a
// top-level "key" mapping to its human-readable schema key alongside the
// fileDoc fields.
func LoadDir(dir string) (*Resolver, error) {
	r := New()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("yamlresolver: reading %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("yamlresolver: reading %s: %w", path, err)
		}
		var wrapper struct {
			Key string `yaml:"key"`
			fileDoc `yaml:",inline"`
		}
		if err := yaml.Unmarshal(raw, &wrapper); err != nil {
			return nil, fmt.Errorf("yamlresolver: parsing %s: %w", path, err)
		}
		if wrapper.Key == "" {
			return nil, fmt.Errorf("yamlresolver: %s missing required 'key'", path)
		}
		r.Register(wrapper.Key, wrapper.fileDoc)
	}
	return r, nil
}

// Register adds or replaces a schema document under key, without
// touching disk. Useful for tests.
func (r *Resolver) Register(key string, doc fileDoc) {
	id := coid.ID(doc.ID)
	if id == "" {
		id, _ = coid.Parse(string(coid.Generate("comap", []byte(key), zeroTime, 0)))
	}

	d := &schema.Document{
		ID:         id,
		SchemaMeta: coid.ID(doc.Schema),
		Cotype:     doc.Cotype,
		Title:      doc.Title,
		Properties: doc.Properties,
		Items:      doc.Items,
		Indexing:   doc.Indexing,
	}
	if len(doc.Required) > 0 {
		d.Validator = &requiredFieldsValidator{required: doc.Required}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byKey[key] = id
	r.byID[id] = d
}

func (r *Resolver) Resolve(_ context.Context, key string) (coid.ID, bool) {
	if id, ok := coid.Parse(key); ok {
		return id, true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byKey[key]
	return id, ok
}

func (r *Resolver) Document(_ context.Context, id coid.ID) (*schema.Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

var _ schema.Resolver = (*Resolver)(nil)
