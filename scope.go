package replica

import (
	"encoding/binary"
	"sync"
)

// Scope decides whether an actor is visible to a connection. It is called
// for every actor on every server tick while the world is read-locked, so
// it must not mutate the world.
type Scope interface {
	InScope(conn *Connection, w *World, a *Actor) bool
}

type ScopeFunc func(conn *Connection, w *World, a *Actor) bool

func (f ScopeFunc) InScope(conn *Connection, w *World, a *Actor) bool {
	return f(conn, w, a)
}

// ScopeAll puts every actor in scope of every connection.
var ScopeAll Scope = ScopeFunc(func(*Connection, *World, *Actor) bool { return true })

// Rooms scopes actors by membership: a connection sees an actor when both
// belong to at least one common room.
type Rooms struct {
	mu     sync.RWMutex
	actors map[ActorID]map[string]struct{}
	conns  map[uint16]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		actors: make(map[ActorID]map[string]struct{}),
		conns:  make(map[uint16]map[string]struct{}),
	}
}

func join[K comparable](m map[K]map[string]struct{}, k K, room string) {
	rooms, ok := m[k]
	if !ok {
		rooms = make(map[string]struct{})
		m[k] = rooms
	}
	rooms[room] = struct{}{}
}

func leave[K comparable](m map[K]map[string]struct{}, k K, room string) {
	if rooms, ok := m[k]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(m, k)
		}
	}
}

func (r *Rooms) AddActor(room string, id ActorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	join(r.actors, id, room)
}

func (r *Rooms) RemoveActor(room string, id ActorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	leave(r.actors, id, room)
}

func (r *Rooms) AddConnection(room string, id uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	join(r.conns, id, room)
}

func (r *Rooms) RemoveConnection(room string, id uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	leave(r.conns, id, room)
}

// Forget drops every membership of a connection, used when it disconnects.
func (r *Rooms) Forget(id uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *Rooms) InScope(conn *Connection, _ *World, a *Actor) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connRooms := r.conns[conn.ID()]
	for room := range r.actors[a.ID()] {
		if _, ok := connRooms[room]; ok {
			return true
		}
	}
	return false
}

type ScopeChangeKind uint8

const (
	ScopeAdded ScopeChangeKind = iota + 1
	ScopeRemoved
)

func (k ScopeChangeKind) String() string {
	if k == ScopeAdded {
		return "added"
	}
	return "removed"
}

type ScopeChange struct {
	Actor ActorID
	Kind  ScopeChangeKind
}

type scopeStatus uint8

const (
	scopeFree scopeStatus = iota
	scopePendingAdd
	scopeActive
	scopePendingRemove
)

func (s scopeStatus) String() string {
	switch s {
	case scopePendingAdd:
		return "PendingAdd"
	case scopeActive:
		return "Active"
	case scopePendingRemove:
		return "PendingRemove"
	}
	return "Free"
}

// maxInflight bounds the deltas remembered per entry; older ones are folded
// into their successor.
const maxInflight = 32

type inflightDelta struct {
	seq  uint16
	mask uint64
}

type scopeEntry struct {
	actor  ActorID
	schema *Schema
	status scopeStatus
	epoch  uint32
	seen   uint32

	// base is the last state the client acknowledged; nil until the add is acked.
	base     *Snapshot
	baseSeq  uint16
	inflight []inflightDelta

	sentVersion uint64
	resend      bool

	// deltaNextSend is when unacknowledged deltas are sent again even if
	// the actor is idle; deltaResends drives the backoff.
	deltaResends  int
	deltaNextSend float64

	addSends    int
	addNextSend float64

	// readd is set while PendingRemove if the actor is back in scope.
	readd bool
}

// forced is the union of fields carried by deltas sent after the base.
func (e *scopeEntry) forced() uint64 {
	var mask uint64
	for _, d := range e.inflight {
		mask |= d.mask
	}
	return mask
}

func (e *scopeEntry) pushInflight(seq uint16, mask uint64) {
	if len(e.inflight) == maxInflight {
		e.inflight[1].mask |= e.inflight[0].mask
		e.inflight = append(e.inflight[:0], e.inflight[1:]...)
	}
	e.inflight = append(e.inflight, inflightDelta{seq: seq, mask: mask})
}

// advance moves the base to a newer acknowledged snapshot.
func (e *scopeEntry) advance(seq uint16, snap *Snapshot) {
	e.base = snap
	e.baseSeq = seq
	n := 0
	for _, d := range e.inflight {
		if GreaterThan(d.seq, seq) {
			e.inflight[n] = d
			n++
		}
	}
	e.inflight = e.inflight[:n]
	if n == 0 {
		e.deltaResends = 0
	}
}

// scopeTable is a connection's view of which actors the client holds.
// Entries live in an arena addressed by slot; packets refer to entries by
// (slot, epoch) so a recycled slot never receives a stale ack.
type scopeTable struct {
	name    string
	entries []scopeEntry
	index   map[ActorID]int32
	free    []int32
	epoch   uint32
	visit   uint32
	entity  *channel
	changes []ScopeChange
}

func newScopeTable(name string, entity *channel) *scopeTable {
	return &scopeTable{
		name:   name,
		index:  make(map[ActorID]int32),
		entity: entity,
	}
}

func (t *scopeTable) get(slot int32, epoch uint32) *scopeEntry {
	if slot < 0 || int(slot) >= len(t.entries) {
		return nil
	}
	e := &t.entries[slot]
	if e.status == scopeFree || e.epoch != epoch {
		return nil
	}
	return e
}

func (t *scopeTable) find(id ActorID) *scopeEntry {
	if slot, ok := t.index[id]; ok {
		return &t.entries[slot]
	}
	return nil
}

func (t *scopeTable) insert(id ActorID, schema *Schema) *scopeEntry {
	var slot int32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		slot = int32(len(t.entries))
		t.entries = append(t.entries, scopeEntry{})
	}
	t.epoch++
	t.entries[slot] = scopeEntry{
		actor:  id,
		schema: schema,
		status: scopePendingAdd,
		epoch:  t.epoch,
		seen:   t.visit,
	}
	t.index[id] = slot
	return &t.entries[slot]
}

func (t *scopeTable) release(e *scopeEntry) {
	slot := t.index[e.actor]
	delete(t.index, e.actor)
	t.entries[slot] = scopeEntry{}
	t.free = append(t.free, slot)
}

func (t *scopeTable) len() int {
	return len(t.index)
}

// update evaluates scope for every actor and records the resulting
// transitions. The world must be read-locked.
func (t *scopeTable) update(conn *Connection, w *World, scope Scope) {
	t.visit++
	w.rangeLocked(func(a *Actor) bool {
		in := scope.InScope(conn, w, a)
		e := t.find(a.id)
		switch {
		case e == nil && in:
			t.insert(a.id, a.schema)
			t.changes = append(t.changes, ScopeChange{Actor: a.id, Kind: ScopeAdded})
			log.Debugf("[%s] actor %d entered scope", t.name, a.id)
		case e == nil:
		case e.status == scopePendingRemove:
			e.seen = t.visit
			e.readd = in
		case in:
			e.seen = t.visit
		default:
			e.seen = t.visit
			t.leave(e)
		}
		return true
	})
	for i := range t.entries {
		e := &t.entries[i]
		if e.status == scopeFree || e.seen == t.visit {
			continue
		}
		// despawned
		if e.status == scopePendingRemove {
			e.readd = false
			continue
		}
		t.leave(e)
	}
}

// drain returns and forgets the transitions recorded since the last call.
func (t *scopeTable) drain() []ScopeChange {
	changes := t.changes
	t.changes = nil
	return changes
}

func (t *scopeTable) leave(e *scopeEntry) {
	t.changes = append(t.changes, ScopeChange{Actor: e.actor, Kind: ScopeRemoved})
	if e.status == scopePendingAdd && e.addSends == 0 {
		log.Debugf("[%s] actor %d left scope before its add was sent", t.name, e.actor)
		t.release(e)
		return
	}
	log.Debugf("[%s] actor %d left scope, sending removal", t.name, e.actor)
	e.status = scopePendingRemove
	e.readd = false
	e.base = nil
	e.inflight = nil
	t.entity.enqueue(0, binary.LittleEndian.AppendUint32(nil, uint32(e.actor)))
}

// removalAcked frees an entry once the client confirmed its removal, or
// restarts it as a fresh add when the actor came back into scope meanwhile.
func (t *scopeTable) removalAcked(data []byte) {
	if len(data) != sizeUint32 {
		return
	}
	id := ActorID(binary.LittleEndian.Uint32(data))
	e := t.find(id)
	if e == nil || e.status != scopePendingRemove {
		return
	}
	if !e.readd {
		log.Debugf("[%s] removal of actor %d acked", t.name, id)
		t.release(e)
		return
	}
	log.Debugf("[%s] removal of actor %d acked, adding again", t.name, id)
	schema := e.schema
	t.release(e)
	t.insert(id, schema)
	t.changes = append(t.changes, ScopeChange{Actor: id, Kind: ScopeAdded})
}
