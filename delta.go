package replica

import (
	"errors"
)

type entityRefKind uint8

const (
	entityRefAdd entityRefKind = iota + 1
	entityRefDelta
)

// entityRef records that a packet carried an add or delta for a scope entry.
type entityRef struct {
	slot  int32
	epoch uint32
	kind  entityRefKind
	send  int
	mask  uint64
	snap  *Snapshot
}

func encodeScopeAdd(s *Snapshot) Segment {
	b := newBuffer(sizeUint32 + sizeUint16)
	b.writeUint32(uint32(s.Actor))
	b.writeUint16(s.Schema.TypeID)
	return Segment{Kind: SegmentScopeAdd, Payload: b.bytes()}
}

func encodeFullState(s *Snapshot) Segment {
	b := newBuffer(64)
	b.writeUint32(uint32(s.Actor))
	b.writeUint16(s.Schema.TypeID)
	for _, v := range s.Values {
		writeValue(b, v)
	}
	return Segment{Kind: SegmentEntityFullState, Payload: b.bytes()}
}

func encodeDelta(s *Snapshot, mask uint64) Segment {
	b := newBuffer(32)
	b.writeUint32(uint32(s.Actor))
	for i := 0; i < s.Schema.maskBytes(); i++ {
		b.writeUint8(uint8(mask >> (8 * i)))
	}
	for i, v := range s.Values {
		if mask&(1<<i) != 0 {
			writeValue(b, v)
		}
	}
	return Segment{Kind: SegmentEntityDelta, Payload: b.bytes()}
}

type entityOp struct {
	kind   SegmentKind
	actor  ActorID
	schema *Schema
	mask   uint64
	values []Value
	// raw is the undecoded payload of a delta for an actor the mirror does not know yet.
	raw []byte
}

func decodeScopeAdd(payload []byte, registry *Registry) (entityOp, error) {
	op := entityOp{kind: SegmentScopeAdd}
	b := newBufferFromRef(payload)
	id, err := b.getUint32()
	if err != nil {
		return op, malformed("truncated scope add")
	}
	typeID, err := b.getUint16()
	if err != nil {
		return op, malformed("truncated scope add for actor %d", id)
	}
	if b.remaining() != 0 {
		return op, malformed("scope add for actor %d has %d trailing bytes", id, b.remaining())
	}
	schema, ok := registry.Schema(typeID)
	if !ok {
		return op, malformed("scope add for actor %d: type %d: %v", id, typeID, ErrUnknownSchema)
	}
	op.actor = ActorID(id)
	op.schema = schema
	return op, nil
}

func decodeFullState(payload []byte, registry *Registry) (entityOp, error) {
	op, err := decodeScopeAdd(payload[:min(len(payload), sizeUint32+sizeUint16)], registry)
	if err != nil {
		return op, err
	}
	op.kind = SegmentEntityFullState
	op.mask = op.schema.allFields()
	b := newBufferFromRef(payload[sizeUint32+sizeUint16:])
	op.values = make([]Value, len(op.schema.Fields))
	for i, f := range op.schema.Fields {
		if op.values[i], err = readValue(b, f.Kind); err != nil {
			return op, malformed("full state for actor %d field %s: %v", op.actor, f.Name, err)
		}
	}
	if b.remaining() != 0 {
		return op, malformed("full state for actor %d has %d trailing bytes", op.actor, b.remaining())
	}
	return op, nil
}

func decodeDeltaActor(payload []byte) (ActorID, error) {
	id, err := newBufferFromRef(payload).getUint32()
	if err != nil {
		return 0, malformed("truncated entity delta")
	}
	return ActorID(id), nil
}

// decodeDelta reads a delta against a known schema. values holds the new
// value at each masked index and is zero elsewhere.
func decodeDelta(payload []byte, schema *Schema) (entityOp, error) {
	op := entityOp{kind: SegmentEntityDelta, schema: schema}
	b := newBufferFromRef(payload)
	id, err := b.getUint32()
	if err != nil {
		return op, malformed("truncated entity delta")
	}
	op.actor = ActorID(id)
	maskBytes, err := b.getBytes(schema.maskBytes())
	if err != nil {
		return op, malformed("truncated mask in delta for actor %d", id)
	}
	for i, m := range maskBytes {
		op.mask |= uint64(m) << (8 * i)
	}
	if op.mask&^schema.allFields() != 0 {
		return op, malformed("delta for actor %d flags fields beyond %d", id, len(schema.Fields))
	}
	op.values = make([]Value, len(schema.Fields))
	for i, f := range schema.Fields {
		if op.mask&(1<<i) == 0 {
			continue
		}
		if op.values[i], err = readValue(b, f.Kind); err != nil {
			return op, malformed("delta for actor %d field %s: %v", id, f.Name, err)
		}
	}
	if b.remaining() != 0 {
		return op, malformed("delta for actor %d has %d trailing bytes", id, b.remaining())
	}
	return op, nil
}

// writeEntities frames adds for PendingAdd entries and deltas for Active
// entries whose actor changed, whose last delta was lost, or whose deltas
// went unacknowledged past their resend deadline. The world must be
// read-locked.
func (t *scopeTable) writeEntities(w *frameWriter, world *World, config *Config, now, rtt float64, counters *[CounterMax]uint64) error {
	for i := range t.entries {
		e := &t.entries[i]
		switch e.status {
		case scopePendingAdd:
			if e.addSends > 0 && now < e.addNextSend {
				continue
			}
			if e.addSends > config.MaxResends {
				log.Errorf("[%s] add of actor %d unacked after %d sends", t.name, e.actor, e.addSends)
				return ErrReliabilityExhausted
			}
			a := world.actorLocked(e.actor)
			if a == nil {
				continue
			}
			snap := a.snapshot()
			ref := entityRef{slot: int32(i), epoch: e.epoch, kind: entityRefAdd, send: e.addSends + 1, mask: e.schema.allFields(), snap: snap}
			if !t.frame(w, &ref, counters, encodeScopeAdd(snap), encodeFullState(snap)) {
				continue
			}
			e.addSends++
			e.addNextSend = now + resendDelay(config, e.addSends, rtt)
			e.deltaNextSend = e.addNextSend
			e.sentVersion = snap.Version
			if e.addSends > 1 {
				log.Debugf("[%s] resending add of actor %d (send %d)", t.name, e.actor, e.addSends)
			}

		case scopeActive:
			if len(e.inflight) > 0 && now >= e.deltaNextSend {
				e.resend = true
			}
			a := world.actorLocked(e.actor)
			if a == nil || (a.version == e.sentVersion && !e.resend) {
				continue
			}
			resending := e.resend
			snap := a.snapshot()
			mask := diffMask(snap.Values, e.base.Values) | e.forced()
			if mask == 0 {
				e.sentVersion = snap.Version
				e.resend = false
				continue
			}
			ref := entityRef{slot: int32(i), epoch: e.epoch, kind: entityRefDelta, mask: mask, snap: snap}
			if !t.frame(w, &ref, counters, encodeDelta(snap, mask)) {
				continue
			}
			if resending {
				e.deltaResends++
				log.Debugf("[%s] resending delta of actor %d (resend %d)", t.name, e.actor, e.deltaResends)
			}
			e.deltaNextSend = now + resendDelay(config, e.deltaResends+1, rtt)
			e.sentVersion = snap.Version
			e.resend = false
		}
	}
	return nil
}

func (t *scopeTable) frame(w *frameWriter, ref *entityRef, counters *[CounterMax]uint64, segments ...Segment) bool {
	err := w.write(nil, ref, segments...)
	if err == nil {
		return true
	}
	if !errors.Is(err, errFrameFull) {
		counters[CounterNumPacketsTooLargeToSend]++
		log.Warningf("[%s] actor %d state does not fit in a packet: %v", t.name, ref.snap.Actor, err)
	}
	return false
}

// sent remembers which fields a sequenced packet carried for its entries.
func (t *scopeTable) sent(seq uint16, refs []entityRef) {
	for i := range refs {
		if e := t.get(refs[i].slot, refs[i].epoch); e != nil {
			e.pushInflight(seq, refs[i].mask)
		}
	}
}

// acked advances the entry to the snapshot encoded in the acknowledged packet.
func (t *scopeTable) acked(seq uint16, ref *entityRef) {
	e := t.get(ref.slot, ref.epoch)
	if e == nil {
		return
	}
	switch e.status {
	case scopePendingAdd:
		if ref.kind != entityRefAdd {
			return
		}
		log.Debugf("[%s] add of actor %d acked in packet %d", t.name, e.actor, seq)
		e.status = scopeActive
		e.advance(seq, ref.snap)
	case scopeActive:
		if GreaterThan(seq, e.baseSeq) {
			e.advance(seq, ref.snap)
		}
	}
}

// lost schedules a resend for what the lost packet carried, unless newer
// state has already been acknowledged or sent since.
func (t *scopeTable) lost(seq uint16, ref *entityRef, now float64) {
	e := t.get(ref.slot, ref.epoch)
	if e == nil {
		return
	}
	switch e.status {
	case scopePendingAdd:
		if ref.kind == entityRefAdd && ref.send == e.addSends {
			e.addNextSend = now
		}
	case scopeActive:
		if GreaterThan(seq, e.baseSeq) {
			e.resend = true
		}
	}
}
