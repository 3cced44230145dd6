package replica

// Interpolator smooths the float fields of mirrored actors for rendering
// between updates. Each applied update becomes the new target, reached over
// the interval that separated it from the previous update, so the rendered
// state trails the mirror by about one update.
type Interpolator struct {
	mirror *Mirror
	tracks map[ActorID]*track
}

type track struct {
	from, to     []Value
	fromAt, toAt float64
	lastUpdate   float64
	span         float64
}

func NewInterpolator(m *Mirror) *Interpolator {
	return &Interpolator{mirror: m, tracks: make(map[ActorID]*track)}
}

// Observe feeds the actor events applied to the mirror at time now.
func (ip *Interpolator) Observe(events []ActorEvent, now float64) {
	for _, e := range events {
		if e.Kind == ActorDespawned {
			delete(ip.tracks, e.Actor)
			continue
		}
		snap, ok := ip.mirror.Actor(e.Actor)
		if !ok {
			continue
		}
		tr, ok := ip.tracks[e.Actor]
		if !ok || e.Kind == ActorSpawned {
			ip.tracks[e.Actor] = &track{from: snap.Values, to: snap.Values, fromAt: now, toAt: now, lastUpdate: now}
			continue
		}
		if gap := now - tr.lastUpdate; gap > 0 {
			tr.span = gap
		}
		tr.from = tr.at(now)
		tr.to = snap.Values
		tr.fromAt = now
		tr.toAt = now + tr.span
		tr.lastUpdate = now
	}
}

// Actor returns the mirrored actor with its float fields placed between
// the previous and the latest update as of time now.
func (ip *Interpolator) Actor(id ActorID, now float64) (*Snapshot, bool) {
	snap, ok := ip.mirror.Actor(id)
	if !ok {
		return nil, false
	}
	if tr, ok := ip.tracks[id]; ok && now < tr.toAt && len(tr.to) == len(snap.Values) {
		snap.Values = tr.at(now)
	}
	return snap, true
}

func (tr *track) at(now float64) []Value {
	if now >= tr.toAt || tr.toAt <= tr.fromAt {
		return tr.to
	}
	alpha := max(0, (now-tr.fromAt)/(tr.toAt-tr.fromAt))
	values := make([]Value, len(tr.to))
	for i := range tr.to {
		values[i] = lerp(tr.from[i], tr.to[i], alpha)
	}
	return values
}

// lerp blends floats; every other kind snaps to b.
func lerp(a, b Value, alpha float64) Value {
	switch {
	case a.kind != b.kind:
		return b
	case b.kind == KindFloat32:
		return Float32(a.Float32() + (b.Float32()-a.Float32())*float32(alpha))
	case b.kind == KindFloat64:
		return Float64(a.Float64() + (b.Float64()-a.Float64())*alpha)
	}
	return b
}
