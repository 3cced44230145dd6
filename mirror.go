package replica

import (
	"encoding/binary"
	"maps"
	"slices"
)

type ActorEventKind uint8

const (
	ActorSpawned ActorEventKind = iota + 1
	ActorUpdated
	ActorDespawned
)

func (k ActorEventKind) String() string {
	switch k {
	case ActorSpawned:
		return "spawned"
	case ActorUpdated:
		return "updated"
	case ActorDespawned:
		return "despawned"
	}
	return "unknown"
}

// ActorEvent reports a change applied to the client mirror. Mask flags the
// fields that were written.
type ActorEvent struct {
	Kind  ActorEventKind
	Actor ActorID
	Mask  uint64
}

type mirrorActor struct {
	snap    Snapshot
	lastSeq uint16
}

type pendingDelta struct {
	actor   ActorID
	seq     uint16
	payload []byte
	expires float64
}

// normalizeInterval is how many packets pass between sequence floor passes.
const normalizeInterval = 256

// Mirror is the client's read-only copy of the actors in its scope.
// Each actor remembers the sequence of the packet that last wrote it so
// older packets arriving late cannot roll it back.
type Mirror struct {
	config   *Config
	name     string
	registry *Registry
	counters *[CounterMax]uint64

	actors     map[ActorID]*mirrorActor
	tombstones map[ActorID]uint16
	pending    []pendingDelta

	latest    uint16
	hasLatest bool
	received  int
}

func newMirror(config *Config, registry *Registry, counters *[CounterMax]uint64) *Mirror {
	return &Mirror{
		config:     config,
		name:       config.Name,
		registry:   registry,
		counters:   counters,
		actors:     make(map[ActorID]*mirrorActor),
		tombstones: make(map[ActorID]uint16),
	}
}

// Actor returns a copy of the mirrored actor.
func (m *Mirror) Actor(id ActorID) (*Snapshot, bool) {
	a, ok := m.actors[id]
	if !ok {
		return nil, false
	}
	s := a.snap
	s.Values = slices.Clone(s.Values)
	return &s, true
}

// Actors lists the mirrored actor ids in ascending order.
func (m *Mirror) Actors() []ActorID {
	return slices.Sorted(maps.Keys(m.actors))
}

func (m *Mirror) Len() int {
	return len(m.actors)
}

// decode parses every entity segment of a packet without touching state.
func (m *Mirror) decode(s Segment) (entityOp, error) {
	switch s.Kind {
	case SegmentScopeAdd:
		return decodeScopeAdd(s.Payload, m.registry)
	case SegmentEntityFullState:
		return decodeFullState(s.Payload, m.registry)
	default:
		id, err := decodeDeltaActor(s.Payload)
		if err != nil {
			return entityOp{}, err
		}
		if a, ok := m.actors[id]; ok {
			op, err := decodeDelta(s.Payload, a.snap.Schema)
			op.raw = s.Payload
			return op, err
		}
		return entityOp{kind: SegmentEntityDelta, actor: id, raw: s.Payload}, nil
	}
}

// observe tracks the newest packet sequence and periodically pulls old
// per-actor sequences forward so they never compare as newer after wrapping.
func (m *Mirror) observe(seq uint16) {
	if !m.hasLatest || GreaterThan(seq, m.latest) {
		m.latest = seq
		m.hasLatest = true
	}
	m.received++
	if m.received%normalizeInterval != 0 {
		return
	}
	window := m.config.ReceivedPacketsBufferSize
	floor := m.latest - uint16(window)
	for _, a := range m.actors {
		if SequenceDiff(m.latest, a.lastSeq) > window {
			a.lastSeq = floor
		}
	}
	for id, seq := range m.tombstones {
		if SequenceDiff(m.latest, seq) > window {
			delete(m.tombstones, id)
		}
	}
}

// buried reports whether the actor was removed by a packet at or after seq.
func (m *Mirror) buried(id ActorID, seq uint16) bool {
	removed, ok := m.tombstones[id]
	return ok && !GreaterThan(seq, removed)
}

// apply writes the decoded ops of packet seq, in packet order.
func (m *Mirror) apply(seq uint16, ops []entityOp, now float64, events []ActorEvent) []ActorEvent {
	var spawned map[ActorID]bool
	for i := range ops {
		op := &ops[i]
		switch op.kind {
		case SegmentScopeAdd:
			if m.buried(op.actor, seq) {
				continue
			}
			delete(m.tombstones, op.actor)
			a, ok := m.actors[op.actor]
			if ok && (GreaterThan(a.lastSeq, seq) || a.snap.Schema == op.schema) {
				continue
			}
			values := make([]Value, len(op.schema.Fields))
			for j, f := range op.schema.Fields {
				values[j] = zeroValue(f.Kind)
			}
			m.actors[op.actor] = &mirrorActor{snap: Snapshot{Actor: op.actor, Schema: op.schema, Values: values}, lastSeq: seq}
			if spawned == nil {
				spawned = make(map[ActorID]bool)
			}
			spawned[op.actor] = true

		case SegmentEntityFullState:
			if m.buried(op.actor, seq) {
				log.Debugf("[%s] ignoring full state of removed actor %d from packet %d", m.name, op.actor, seq)
				continue
			}
			delete(m.tombstones, op.actor)
			a, ok := m.actors[op.actor]
			switch {
			case !ok || a.snap.Schema != op.schema:
				m.actors[op.actor] = &mirrorActor{snap: Snapshot{Actor: op.actor, Schema: op.schema, Version: 1, Values: op.values}, lastSeq: seq}
				events = append(events, ActorEvent{Kind: ActorSpawned, Actor: op.actor, Mask: op.mask})
			case GreaterThan(a.lastSeq, seq):
				log.Debugf("[%s] ignoring stale full state of actor %d from packet %d", m.name, op.actor, seq)
			default:
				mask := diffMask(a.snap.Values, op.values)
				a.snap.Values = op.values
				a.snap.Version++
				a.lastSeq = seq
				kind := ActorUpdated
				if spawned[op.actor] {
					kind, mask = ActorSpawned, op.mask
				}
				events = append(events, ActorEvent{Kind: kind, Actor: op.actor, Mask: mask})
			}

		case SegmentEntityDelta:
			a, ok := m.actors[op.actor]
			if !ok || a.snap.Schema != op.schema {
				events = m.hold(op.actor, seq, op.raw, now, events)
				continue
			}
			if GreaterThan(a.lastSeq, seq) {
				log.Debugf("[%s] ignoring stale delta of actor %d from packet %d", m.name, op.actor, seq)
				continue
			}
			for j := range op.values {
				if op.mask&(1<<j) != 0 {
					a.snap.Values[j] = op.values[j]
				}
			}
			a.snap.Version++
			a.lastSeq = seq
			events = append(events, ActorEvent{Kind: ActorUpdated, Actor: op.actor, Mask: op.mask})
		}
	}
	return events
}

// hold buffers a delta whose actor is not known yet.
func (m *Mirror) hold(id ActorID, seq uint16, raw []byte, now float64, events []ActorEvent) []ActorEvent {
	if m.buried(id, seq) {
		log.Debugf("[%s] ignoring delta of removed actor %d from packet %d", m.name, id, seq)
		return events
	}
	m.counters[CounterNumUnknownActor]++
	log.Warningf("[%s] delta for unknown actor %d in packet %d, holding it", m.name, id, seq)
	m.pending = append(m.pending, pendingDelta{
		actor:   id,
		seq:     seq,
		payload: slices.Clone(raw),
		expires: now + m.config.UnknownActorTimeout.Seconds(),
	})
	return events
}

// remove deletes an actor on a removal notice carried by packet seq.
func (m *Mirror) remove(data []byte, seq uint16, events []ActorEvent) ([]ActorEvent, error) {
	if len(data) != sizeUint32 {
		return events, malformed("scope remove carries %d bytes", len(data))
	}
	id := ActorID(binary.LittleEndian.Uint32(data))
	if prev, ok := m.tombstones[id]; !ok || GreaterThan(seq, prev) {
		m.tombstones[id] = seq
	}
	if _, ok := m.actors[id]; ok {
		delete(m.actors, id)
		events = append(events, ActorEvent{Kind: ActorDespawned, Actor: id})
		log.Debugf("[%s] actor %d removed by packet %d", m.name, id, seq)
	}
	return events, nil
}

// flush replays held deltas whose actor has appeared and drops the ones
// that waited too long.
func (m *Mirror) flush(now float64, events []ActorEvent) []ActorEvent {
	n := 0
	for _, p := range m.pending {
		a, known := m.actors[p.actor]
		switch {
		case known:
			op, err := decodeDelta(p.payload, a.snap.Schema)
			if err != nil {
				log.Warningf("[%s] discarding held delta for actor %d: %v", m.name, p.actor, err)
				continue
			}
			events = m.apply(p.seq, []entityOp{op}, now, events)
		case m.buried(p.actor, p.seq):
		case now > p.expires:
			log.Warningf("[%s] discarding delta for actor %d never added", m.name, p.actor)
		default:
			m.pending[n] = p
			n++
		}
	}
	clear(m.pending[n:])
	m.pending = m.pending[:n]
	return events
}
