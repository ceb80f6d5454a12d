package worksync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/worksync/internal/localstore"
)

const (
	WorkOrderKind = "WORK_ORDER"
	SiteKind      = "SITE"

	StatusDraft     = "BROUILLON"
	StatusSubmitted = "SOUMIS"
	StatusValidated = "VALIDE"
	StatusRejected  = "REJETE"
)

type Transition struct {
	Name string
	// Path is appended to the entity URL, e.g. /v1/work-orders/{id}/submit.
	Path     string
	ToStatus string
}

type EntityKind struct {
	Name            string
	Path            string
	StatusField     string
	DraftStatus     string
	Sort            localstore.SortOrder
	DefaultPageSize int
	Transitions     map[string]Transition
	// Schema is a JSON Schema document for a complete entity. Updates are
	// checked against the same document with "required" dropped.
	Schema string

	compileOnce  sync.Once
	compileErr   error
	createSchema *jsonschema.Schema
	updateSchema *jsonschema.Schema
}

const workOrderSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"nom": {"type": "string", "minLength": 1},
		"date": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"},
		"ouvrier": {"type": "string"},
		"siteId": {"type": ["string", "integer"]},
		"heures": {"type": "number", "minimum": 0, "maximum": 24},
		"description": {"type": "string"},
		"statut": {"enum": ["BROUILLON", "SOUMIS", "VALIDE", "REJETE"]},
		"motifRejet": {"type": "string"}
	},
	"required": ["nom"]
}`

const siteSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"nom": {"type": "string", "minLength": 1},
		"adresse": {"type": "string"},
		"ville": {"type": "string"},
		"actif": {"type": "boolean"}
	},
	"required": ["nom"]
}`

func NewWorkOrderKind() *EntityKind {
	return &EntityKind{
		Name:            WorkOrderKind,
		Path:            "/v1/work-orders",
		StatusField:     "statut",
		DraftStatus:     StatusDraft,
		Sort:            localstore.SortOrder{Field: "date", Desc: true},
		DefaultPageSize: 20,
		Transitions: map[string]Transition{
			"submit":   {Name: "submit", Path: "submit", ToStatus: StatusSubmitted},
			"validate": {Name: "validate", Path: "validate", ToStatus: StatusValidated},
			"reject":   {Name: "reject", Path: "reject", ToStatus: StatusRejected},
		},
		Schema: workOrderSchema,
	}
}

func NewSiteKind() *EntityKind {
	return &EntityKind{
		Name:            SiteKind,
		Path:            "/v1/sites",
		Sort:            localstore.SortOrder{Field: "nom"},
		DefaultPageSize: 50,
		Schema:          siteSchema,
	}
}

// Segment is the last element of the kind's remote path, used for routing.
func (k *EntityKind) Segment() string {
	path := strings.Trim(k.Path, "/")
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func (k *EntityKind) ValidateCreate(data map[string]any) error {
	if err := k.compile(); err != nil {
		return err
	}
	return k.validate(k.createSchema, data)
}

func (k *EntityKind) ValidateUpdate(data map[string]any) error {
	if err := k.compile(); err != nil {
		return err
	}
	return k.validate(k.updateSchema, data)
}

func (k *EntityKind) validate(schema *jsonschema.Schema, data map[string]any) error {
	if _, ok := data[clientIDField]; ok {
		return &ValidationError{Kind: k.Name, Err: fmt.Errorf("%q is reserved for the sync client id", clientIDField)}
	}
	if schema == nil {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return &ValidationError{Kind: k.Name, Err: err}
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &ValidationError{Kind: k.Name, Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return &ValidationError{Kind: k.Name, Err: err}
	}
	return nil
}

func (k *EntityKind) compile() error {
	k.compileOnce.Do(func() {
		if strings.TrimSpace(k.Schema) == "" {
			return
		}
		k.createSchema, k.compileErr = compileSchema(schemaLocation(k.Name, "create"), k.Schema, false)
		if k.compileErr != nil {
			return
		}
		k.updateSchema, k.compileErr = compileSchema(schemaLocation(k.Name, "update"), k.Schema, true)
	})
	return k.compileErr
}

func schemaLocation(kind, variant string) string {
	return "https://schemas.worksync.local/" + strings.ToLower(kind) + "/" + variant + ".json"
}

func compileSchema(location, source string, dropRequired bool) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", location, err)
	}
	if dropRequired {
		if object, ok := doc.(map[string]any); ok {
			delete(object, "required")
		}
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(location, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", location, err)
	}
	schema, err := compiler.Compile(location)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", location, err)
	}
	return schema, nil
}

type KindRegistry struct {
	mu    sync.RWMutex
	kinds map[string]*EntityKind
}

func NewKindRegistry(kinds ...*EntityKind) *KindRegistry {
	r := &KindRegistry{kinds: map[string]*EntityKind{}}
	for _, kind := range kinds {
		r.Register(kind)
	}
	return r
}

func DefaultKinds() *KindRegistry {
	return NewKindRegistry(NewWorkOrderKind(), NewSiteKind())
}

func (r *KindRegistry) Register(kind *EntityKind) {
	if kind == nil || strings.TrimSpace(kind.Name) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[strings.ToUpper(strings.TrimSpace(kind.Name))] = kind
}

func (r *KindRegistry) Lookup(name string) (*EntityKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.kinds[strings.ToUpper(strings.TrimSpace(name))]
	return kind, ok
}

func (r *KindRegistry) BySegment(segment string) (*EntityKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, kind := range r.kinds {
		if kind.Segment() == segment {
			return kind, true
		}
	}
	return nil, false
}

func (r *KindRegistry) All() []*EntityKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EntityKind, 0, len(r.kinds))
	for _, kind := range r.kinds {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
