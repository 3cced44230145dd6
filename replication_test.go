package replica

import (
	"math/rand/v2"
	"slices"
	"testing"
)

func testRegistry() (*Registry, *Schema) {
	registry := NewRegistry()
	schema := registry.MustRegister(1, "unit",
		Field{Name: "hp", Kind: KindInt},
		Field{Name: "name", Kind: KindString},
		Field{Name: "x", Kind: KindFloat32},
	)
	return registry, schema
}

// newReplicationLink replicates world to the client through scope.
func newReplicationLink(t *testing.T, config *Config, scope Scope) (*testLink, *World) {
	registry, _ := testRegistry()
	world := NewWorld(registry)
	l := newTestLink(t, config)
	l.server.Replicate(world, scope)
	l.client.AttachMirror(registry)
	return l, world
}

func segmentsOf(packets [][]Segment, kind SegmentKind) []Segment {
	var out []Segment
	for _, p := range packets {
		for _, s := range p {
			if s.Kind == kind {
				out = append(out, s)
			}
		}
	}
	return out
}

func hasEvent(events []ActorEvent, kind ActorEventKind, id ActorID) bool {
	return slices.ContainsFunc(events, func(e ActorEvent) bool { return e.Kind == kind && e.Actor == id })
}

func TestReplicationScenario(t *testing.T) {
	visible := true
	scope := ScopeFunc(func(*Connection, *World, *Actor) bool { return visible })
	l, world := newReplicationLink(t, NewDefaultConfig(), scope)

	var sent [][]Segment
	droppedRemove := false
	l.deliver = func(fromServer bool, segments []Segment) bool {
		if !fromServer {
			return true
		}
		sent = append(sent, segments)
		if !droppedRemove && slices.ContainsFunc(segments, func(s Segment) bool { return s.Kind == SegmentScopeRemove }) {
			droppedRemove = true
			return false
		}
		return true
	}

	id, err := world.Spawn(1, Int(100), String("orc"), Float32(1.5))
	if err != nil {
		t.Fatal(err)
	}

	// a new actor goes out as a full state
	l.step()
	adds := segmentsOf(sent, SegmentScopeAdd)
	full := segmentsOf(sent, SegmentEntityFullState)
	if len(adds) != 1 || len(full) != 1 {
		t.Fatal("Expected one add and one full state, got", len(adds), len(full))
	}
	op, err := decodeFullState(full[0].Payload, world.Registry())
	if err != nil {
		t.Fatal(err)
	}
	if op.actor != id || op.values[0] != Int(100) || op.values[1] != String("orc") {
		t.Error("Full state mismatch", op.actor, op.values)
	}
	if e := l.server.table.find(id); e == nil || e.status != scopeActive {
		t.Fatal("Add should be acked after one round trip")
	}
	snap, ok := l.client.Mirror().Actor(id)
	if !ok || snap.Get("hp") != Int(100) || snap.Get("x") != Float32(1.5) {
		t.Fatal("Mirror should hold the actor", snap)
	}
	if !hasEvent(l.actors, ActorSpawned, id) {
		t.Error("Expected a spawn event", l.actors)
	}

	// one changed field goes out alone
	sent = nil
	if err := world.SetByName(id, "hp", Int(80)); err != nil {
		t.Fatal(err)
	}
	l.step()
	deltas := segmentsOf(sent, SegmentEntityDelta)
	if len(deltas) != 1 || len(segmentsOf(sent, SegmentEntityFullState)) != 0 {
		t.Fatal("Expected exactly one delta, got", len(deltas))
	}
	_, schema := testRegistry()
	op, err = decodeDelta(deltas[0].Payload, schema)
	if err != nil {
		t.Fatal(err)
	}
	if op.mask != 1 || op.values[0] != Int(80) {
		t.Errorf("Delta should carry only hp: mask %b values %v", op.mask, op.values)
	}
	if snap, _ := l.client.Mirror().Actor(id); snap.Get("hp") != Int(80) || snap.Get("name") != String("orc") {
		t.Error("Mirror should apply the delta", snap.Values)
	}
	if e := l.server.table.find(id); e.base.Values[0] != Int(80) {
		t.Error("Acked delta should advance the base")
	}

	// writing the same value again is not a change
	sent = nil
	if err := world.SetByName(id, "hp", Int(80)); err != nil {
		t.Fatal(err)
	}
	l.run(3)
	if n := len(segmentsOf(sent, SegmentEntityDelta)); n != 0 {
		t.Error("No delta expected for an unchanged value, got", n)
	}

	// leaving scope removes the actor even though the first removal is dropped
	visible = false
	l.until(200, "removal", func() bool {
		return l.client.Mirror().Len() == 0 && l.server.table.len() == 0
	})
	if !droppedRemove {
		t.Fatal("The removal was never sent")
	}
	if len(segmentsOf(sent, SegmentScopeRemove)) < 2 {
		t.Error("The dropped removal should have been resent")
	}
	if !hasEvent(l.actors, ActorDespawned, id) {
		t.Error("Expected a despawn event", l.actors)
	}

	changes := l.server.ScopeChanges()
	want := []ScopeChange{{Actor: id, Kind: ScopeAdded}, {Actor: id, Kind: ScopeRemoved}}
	if !slices.Equal(changes, want) {
		t.Error("Unexpected scope changes", changes)
	}
}

// A lost delta is sent again on its own deadline, long before AckBits
// later packets could have reported it lost.
func TestReplicationResendsLostDeltaWhenIdle(t *testing.T) {
	l, world := newReplicationLink(t, NewDefaultConfig(), ScopeAll)
	id, _ := world.Spawn(1, Int(100), String("orc"))
	l.run(2)

	deltas := 0
	l.deliver = func(fromServer bool, segments []Segment) bool {
		if !fromServer || !slices.ContainsFunc(segments, func(s Segment) bool { return s.Kind == SegmentEntityDelta }) {
			return true
		}
		deltas++
		return deltas > 1
	}
	world.SetByName(id, "hp", Int(80))

	// twenty ticks is one second, a single heartbeat interval
	l.until(20, "delta resend", func() bool {
		snap, _ := l.client.Mirror().Actor(id)
		return snap.Get("hp") == Int(80)
	})
	if deltas < 2 {
		t.Error("The dropped delta should have been resent, deltas sent:", deltas)
	}
	l.until(20, "delta ack", func() bool {
		e := l.server.table.find(id)
		return len(e.inflight) == 0 && e.base.Values[0] == Int(80)
	})
	if e := l.server.table.find(id); e.deltaResends != 0 {
		t.Error("Backoff should reset once the delta is acked", e.deltaResends)
	}

	// nothing unacknowledged remains, so an idle actor stays quiet
	before := deltas
	l.run(40)
	if deltas != before {
		t.Error("No delta expected for an acked idle actor, got", deltas-before)
	}
}

func TestReplicationAddThenRemove(t *testing.T) {
	for _, dropAdd := range []bool{true, false} {
		visible := true
		scope := ScopeFunc(func(*Connection, *World, *Actor) bool { return visible })
		l, world := newReplicationLink(t, NewDefaultConfig(), scope)

		blocked := true
		l.deliver = func(fromServer bool, _ []Segment) bool {
			if !blocked {
				return true
			}
			// either the add never arrives or its ack never comes back
			return fromServer != dropAdd
		}

		id, _ := world.Spawn(1, Int(5))
		l.step()
		if e := l.server.table.find(id); e == nil || e.status != scopePendingAdd || e.addSends != 1 {
			t.Fatal("Add should be sent and unacked")
		}
		visible = false
		l.step()
		if e := l.server.table.find(id); e == nil || e.status != scopePendingRemove {
			t.Fatal("Entry should be pending removal")
		}
		blocked = false

		l.until(200, "convergence", func() bool {
			return l.server.table.len() == 0 && l.client.Mirror().Len() == 0 && l.server.Pending() == 0
		})
		if len(l.client.Mirror().pending) != 0 {
			t.Error("Mirror should hold no buffered deltas")
		}
		// the old add arriving now must not resurrect the actor
		l.run(10)
		if l.client.Mirror().Len() != 0 {
			t.Error("Actor came back after removal, dropAdd =", dropAdd)
		}
	}
}

func TestReplicationReenterScope(t *testing.T) {
	visible := true
	scope := ScopeFunc(func(*Connection, *World, *Actor) bool { return visible })
	l, world := newReplicationLink(t, NewDefaultConfig(), scope)

	id, _ := world.Spawn(1, Int(1), String("a"))
	l.run(2)

	blocked := true
	l.deliver = func(bool, []Segment) bool { return !blocked }
	visible = false
	l.step()
	visible = true
	world.SetByName(id, "hp", Int(2))
	l.run(3)
	if e := l.server.table.find(id); e == nil || e.status != scopePendingRemove || !e.readd {
		t.Fatal("Entry should wait for the removal ack before adding again")
	}
	blocked = false

	l.until(200, "re-add", func() bool {
		e := l.server.table.find(id)
		return e != nil && e.status == scopeActive && l.client.Mirror().Len() == 1
	})
	snap, _ := l.client.Mirror().Actor(id)
	if snap.Get("hp") != Int(2) || snap.Get("name") != String("a") {
		t.Error("Re-added actor should carry current state", snap.Values)
	}
	kinds := []ScopeChangeKind{}
	for _, c := range l.server.ScopeChanges() {
		kinds = append(kinds, c.Kind)
	}
	if !slices.Equal(kinds, []ScopeChangeKind{ScopeAdded, ScopeRemoved, ScopeAdded}) {
		t.Error("Unexpected scope changes", kinds)
	}
}

func TestReplicationDespawn(t *testing.T) {
	l, world := newReplicationLink(t, NewDefaultConfig(), ScopeAll)
	a, _ := world.Spawn(1, Int(1))
	b, _ := world.Spawn(1, Int(2))
	l.run(2)
	if l.client.Mirror().Len() != 2 {
		t.Fatal("Both actors should be mirrored")
	}

	world.Despawn(a)
	l.until(50, "despawn", func() bool { return l.client.Mirror().Len() == 1 })
	if _, ok := l.client.Mirror().Actor(b); !ok {
		t.Error("The other actor should remain")
	}
	if l.server.InScope(a) || !l.server.InScope(b) {
		t.Error("Scope table out of date")
	}
}

// With loss, duplication, churn in scope and constant mutation, the mirror
// matches the world once the server stops changing it.
func TestReplicationConvergesUnderLoss(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	hidden := make(map[ActorID]bool)
	scope := ScopeFunc(func(_ *Connection, _ *World, a *Actor) bool { return !hidden[a.ID()] })
	config := NewDefaultConfig()
	config.MaxPacketSize = 300
	l, world := newReplicationLink(t, config, scope)
	l.loss = 0.25
	l.dup = 0.05

	var ids []ActorID
	for i := 0; i < 40; i++ {
		id, _ := world.Spawn(1, Int(int64(i)), String("unit"), Float32(0))
		ids = append(ids, id)
	}

	for tick := 0; tick < 400; tick++ {
		for n := 0; n < 10; n++ {
			id := ids[rng.IntN(len(ids))]
			switch rng.IntN(10) {
			case 0:
				hidden[id] = !hidden[id]
			case 1:
				world.SetByName(id, "name", String(string(rune('a'+rng.IntN(26)))))
			default:
				world.SetByName(id, "x", Float32(rng.Float32()))
				world.SetByName(id, "hp", Int(rng.Int64N(1000)))
			}
		}
		if tick%50 == 0 {
			world.Despawn(ids[0])
			ids = ids[1:]
			id, _ := world.Spawn(1, Int(-1))
			ids = append(ids, id)
		}
		l.step()
	}

	l.loss, l.dup = 0, 0
	l.run(200)

	mirror := l.client.Mirror()
	var want []ActorID
	world.Range(func(a *Actor) bool {
		if !hidden[a.ID()] {
			want = append(want, a.ID())
		}
		return true
	})
	slices.Sort(want)
	if got := mirror.Actors(); !slices.Equal(got, want) {
		t.Fatal("Mirrored actors differ:\n got", got, "\nwant", want)
	}
	for _, id := range want {
		snap, _ := mirror.Actor(id)
		truth, _ := world.Snapshot(id)
		if !slices.Equal(snap.Values, truth.Values) {
			t.Error("Actor", id, "diverged: mirror", snap.Values, "world", truth.Values)
		}
	}
	if l.server.State() != StateConnected || len(l.errs) != 0 {
		t.Error("Connection should be healthy", l.server.State(), l.errs)
	}
}
