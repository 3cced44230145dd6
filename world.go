package replica

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// ActorID identifies an actor for the lifetime of a world. Ids are never reused.
type ActorID uint32

// Actor is the server's authoritative copy of one replicated object. Actors
// are only handed out inside World callbacks and must not be retained.
type Actor struct {
	id      ActorID
	schema  *Schema
	values  []Value
	version uint64
	dirty   uint64

	snap atomic.Pointer[Snapshot]
}

func (a *Actor) ID() ActorID { return a.id }
func (a *Actor) Schema() *Schema { return a.schema }
func (a *Actor) Version() uint64 { return a.version }
func (a *Actor) Value(i int) Value { return a.values[i] }

// snapshot returns an immutable copy of the actor at its current version.
// Safe for concurrent readers holding the world read lock.
func (a *Actor) snapshot() *Snapshot {
	if s := a.snap.Load(); s != nil && s.Version == a.version {
		return s
	}
	s := &Snapshot{
		Actor:   a.id,
		Schema:  a.schema,
		Version: a.version,
		Values:  slices.Clone(a.values),
	}
	a.snap.Store(s)
	return s
}

// Snapshot is an immutable view of an actor's fields. The server keeps the
// snapshot each client last acknowledged; the client mirror hands them out
// as read-only copies.
type Snapshot struct {
	Actor   ActorID
	Schema  *Schema
	Version uint64
	Values  []Value
}

// Get returns the named field, or the zero Value when there is no such field.
func (s *Snapshot) Get(name string) Value {
	if i := s.Schema.FieldIndex(name); i >= 0 {
		return s.Values[i]
	}
	return Value{}
}

// diffMask sets bit i for every field whose value differs between a and b.
func diffMask(a, b []Value) uint64 {
	var mask uint64
	for i := range a {
		if a[i] != b[i] {
			mask |= 1 << i
		}
	}
	return mask
}

// World is the server's authoritative actor store. Mutations take the write
// lock; connection ticks read it concurrently.
type World struct {
	registry *Registry

	mu     sync.RWMutex
	actors []*Actor
	index  map[ActorID]int
	nextID ActorID

	// maxState bounds the encoded size of an actor's fields; 0 is unbounded.
	maxState int
}

func NewWorld(registry *Registry) *World {
	return &World{
		registry: registry,
		index:    make(map[ActorID]int),
		nextID:   1,
	}
}

func (w *World) Registry() *Registry {
	return w.registry
}

// LimitStateSize rejects spawns and writes that would make an actor's
// encoded fields exceed n bytes. Servers apply the limit their packet size
// imposes; the smallest limit set wins.
func (w *World) LimitStateSize(n int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.maxState == 0 || n < w.maxState {
		w.maxState = n
	}
}

func (w *World) checkSize(a *Actor, size int) error {
	if w.maxState > 0 && size > w.maxState {
		return fmt.Errorf("%s state of %d bytes exceeds %d: %w", a.schema.Name, size, w.maxState, ErrMessageTooLarge)
	}
	return nil
}

// Spawn creates an actor of the given type. Missing trailing values are
// zero-initialized.
func (w *World) Spawn(typeID uint16, values ...Value) (ActorID, error) {
	schema, ok := w.registry.Schema(typeID)
	if !ok {
		return 0, fmt.Errorf("spawn type %d: %w", typeID, ErrUnknownSchema)
	}
	if len(values) > len(schema.Fields) {
		return 0, fmt.Errorf("spawn %s: %d values for %d fields", schema.Name, len(values), len(schema.Fields))
	}
	a := &Actor{schema: schema, values: make([]Value, len(schema.Fields)), version: 1}
	for i, f := range schema.Fields {
		a.values[i] = zeroValue(f.Kind)
		if i < len(values) {
			if values[i].kind != f.Kind {
				return 0, fmt.Errorf("spawn %s field %s: %w", schema.Name, f.Name, ErrFieldKind)
			}
			a.values[i] = values[i]
		}
	}
	a.dirty = schema.allFields()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.checkSize(a, stateSize(a.values)); err != nil {
		return 0, fmt.Errorf("spawn: %w", err)
	}
	a.id = w.nextID
	w.nextID++
	w.index[a.id] = len(w.actors)
	w.actors = append(w.actors, a)
	return a.id, nil
}

// Set writes one field. Writing the value already present is not a change.
func (w *World) Set(id ActorID, field int, v Value) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, err := w.lookup(id)
	if err != nil {
		return err
	}
	if field < 0 || field >= len(a.values) {
		return fmt.Errorf("actor %d has no field %d", id, field)
	}
	if v.kind != a.schema.Fields[field].Kind {
		return fmt.Errorf("actor %d field %s: %w", id, a.schema.Fields[field].Name, ErrFieldKind)
	}
	if a.values[field] == v {
		return nil
	}
	if err := w.checkSize(a, stateSize(a.values)-encodedSize(a.values[field])+encodedSize(v)); err != nil {
		return fmt.Errorf("actor %d field %s: %w", id, a.schema.Fields[field].Name, err)
	}
	a.values[field] = v
	a.version++
	a.dirty |= 1 << field
	return nil
}

func (w *World) SetByName(id ActorID, name string, v Value) error {
	w.mu.RLock()
	a, err := w.lookup(id)
	w.mu.RUnlock()
	if err != nil {
		return err
	}
	field := a.schema.FieldIndex(name)
	if field < 0 {
		return fmt.Errorf("actor %d (%s) has no field %q", id, a.schema.Name, name)
	}
	return w.Set(id, field, v)
}

func (w *World) Get(id ActorID, name string) (Value, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	a, err := w.lookup(id)
	if err != nil {
		return Value{}, false
	}
	field := a.schema.FieldIndex(name)
	if field < 0 {
		return Value{}, false
	}
	return a.values[field], true
}

// Snapshot returns the actor's current state.
func (w *World) Snapshot(id ActorID) (*Snapshot, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	a, err := w.lookup(id)
	if err != nil {
		return nil, false
	}
	return a.snapshot(), true
}

// Despawn deletes an actor. Clients that still have it in scope receive a
// removal on their next tick.
func (w *World) Despawn(id ActorID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.index[id]
	if !ok {
		return false
	}
	last := len(w.actors) - 1
	if i != last {
		w.actors[i] = w.actors[last]
		w.index[w.actors[i].id] = i
	}
	w.actors[last] = nil
	w.actors = w.actors[:last]
	delete(w.index, id)
	return true
}

// Dirty returns the fields changed since the last ClearDirty.
func (w *World) Dirty(id ActorID) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if a, err := w.lookup(id); err == nil {
		return a.dirty
	}
	return 0
}

func (w *World) ClearDirty(id ActorID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if a, err := w.lookup(id); err == nil {
		a.dirty = 0
	}
}

// Range calls fn for each actor under the read lock until fn returns false.
func (w *World) Range(fn func(a *Actor) bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	w.rangeLocked(fn)
}

func (w *World) rangeLocked(fn func(a *Actor) bool) {
	for _, a := range w.actors {
		if !fn(a) {
			return
		}
	}
}

func (w *World) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.actors)
}

// actorLocked finds an actor; the caller holds the read lock.
func (w *World) actorLocked(id ActorID) *Actor {
	if i, ok := w.index[id]; ok {
		return w.actors[i]
	}
	return nil
}

func (w *World) lookup(id ActorID) (*Actor, error) {
	if a := w.actorLocked(id); a != nil {
		return a, nil
	}
	return nil, fmt.Errorf("actor %d: %w", id, ErrUnknownActor)
}
