package replica

import (
	"fmt"
	"sync"
)

// MaxFields is the largest number of fields an actor type may declare.
const MaxFields = 64

type Field struct {
	Name string
	Kind Kind
}

// Schema describes one replicated actor type. Both peers must register the
// same schemas under the same type ids.
type Schema struct {
	TypeID uint16
	Name   string
	Fields []Field

	byName map[string]int
}

// FieldIndex returns the position of the named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	if i, ok := s.byName[name]; ok {
		return i
	}
	return -1
}

func (s *Schema) allFields() uint64 {
	if len(s.Fields) == MaxFields {
		return ^uint64(0)
	}
	return uint64(1)<<len(s.Fields) - 1
}

func (s *Schema) maskBytes() int {
	return (len(s.Fields) + 7) / 8
}

// Registry is the shared manifest of actor types.
type Registry struct {
	mu      sync.RWMutex
	schemas map[uint16]*Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[uint16]*Schema)}
}

// Register adds an actor type and returns its schema.
func (r *Registry) Register(typeID uint16, name string, fields ...Field) (*Schema, error) {
	if len(fields) == 0 || len(fields) > MaxFields {
		return nil, fmt.Errorf("schema %q: %d fields, want 1..%d", name, len(fields), MaxFields)
	}
	s := &Schema{
		TypeID: typeID,
		Name:   name,
		Fields: append([]Field(nil), fields...),
		byName: make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		if f.Kind < KindBool || f.Kind > KindBytes {
			return nil, fmt.Errorf("schema %q field %q: %w", name, f.Name, ErrFieldKind)
		}
		if _, dup := s.byName[f.Name]; dup {
			return nil, fmt.Errorf("schema %q: duplicate field %q", name, f.Name)
		}
		s.byName[f.Name] = i
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.schemas[typeID]; exists {
		return nil, fmt.Errorf("schema %q: type id %d already registered", name, typeID)
	}
	r.schemas[typeID] = s
	return s, nil
}

// MustRegister is Register for package-level manifests.
func (r *Registry) MustRegister(typeID uint16, name string, fields ...Field) *Schema {
	s, err := r.Register(typeID, name, fields...)
	if err != nil {
		panic(err)
	}
	return s
}

func (r *Registry) Schema(typeID uint16) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[typeID]
	return s, ok
}
