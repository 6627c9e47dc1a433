package mds

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/motech/platform/internal/shared/errors"
)

// Registry holds the entity definitions known to the data services.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]*Entity)}
}

// Register validates entity, adds the auto fields and stores it. Relationship
// targets must already be registered, or be part of the same call.
func (r *Registry) Register(entities ...Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prepared := make([]*Entity, 0, len(entities))
	pending := map[string]*Entity{}
	for _, e := range entities {
		p, err := prepare(e)
		if err != nil {
			return err
		}
		if _, exists := r.entities[p.ClassName]; exists {
			return errors.Conflict(fmt.Sprintf("entity %s already registered", p.ClassName))
		}
		if _, dup := pending[p.ClassName]; dup {
			return errors.Conflict(fmt.Sprintf("entity %s registered twice", p.ClassName))
		}
		pending[p.ClassName] = p
		prepared = append(prepared, p)
	}

	lookup := func(class string) (*Entity, bool) {
		if e, ok := pending[class]; ok {
			return e, true
		}
		e, ok := r.entities[class]
		return e, ok
	}

	for _, e := range prepared {
		for _, f := range e.RelationshipFields() {
			target, ok := lookup(f.RelatedClass())
			if !ok {
				return errors.Validation(fmt.Sprintf("invalid entity %s", e.ClassName),
					map[string]string{f.Name: "unknown related class " + f.RelatedClass()})
			}
			if bl := f.Backlink(); bl != "" {
				back, ok := target.Field(bl)
				if !ok || !back.Type.IsRelationship() {
					return errors.Validation(fmt.Sprintf("invalid entity %s", e.ClassName),
						map[string]string{f.Name: fmt.Sprintf("related field %s.%s is not a relationship", target.ClassName, bl)})
				}
			}
		}
	}

	for _, e := range prepared {
		r.entities[e.ClassName] = e
		r.order = append(r.order, e.ClassName)
	}
	return nil
}

func prepare(e Entity) (*Entity, error) {
	p := e
	p.Fields = nil
	for _, f := range e.Fields {
		if IsAutoField(f.Name) && f.AutoGenerated() {
			continue
		}
		p.Fields = append(p.Fields, f)
	}
	p.Lookups = append([]Lookup(nil), e.Lookups...)
	if p.Name == "" {
		p.Name = SimpleName(p.ClassName)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	p.Fields = append(autoFields(), p.Fields...)
	return &p, nil
}

// Get returns the entity registered under className.
func (r *Registry) Get(className string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entities[className]
	if !ok {
		return nil, errors.NotFound("entity", className)
	}
	return e, nil
}

// ByName finds an entity by its simple name.
func (r *Registry) ByName(name string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, class := range r.order {
		if e := r.entities[class]; e.Name == name {
			return e, nil
		}
	}
	return nil, errors.NotFound("entity", name)
}

// Resolve accepts either a class name or a simple name.
func (r *Registry) Resolve(name string) (*Entity, error) {
	if e, err := r.Get(name); err == nil {
		return e, nil
	}
	return r.ByName(name)
}

// All returns the entities sorted by class name.
func (r *Registry) All() []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClassName < out[j].ClassName })
	return out
}

// ParseSchema decodes a JSON array of entities.
func ParseSchema(data []byte) ([]Entity, error) {
	var entities []Entity
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, errors.BadRequest(fmt.Sprintf("invalid mds schema: %v", err))
	}
	return entities, nil
}

// LoadSchemaFile registers every entity defined in the JSON file at path.
func (r *Registry) LoadSchemaFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read mds schema %s: %w", path, err)
	}
	entities, err := ParseSchema(data)
	if err != nil {
		return err
	}
	return r.Register(entities...)
}
