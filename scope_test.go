package replica

import (
	"testing"
)

func TestScopeTable(t *testing.T) {
	registry, _ := testRegistry()
	w := NewWorld(registry)
	config := NewDefaultConfig()
	conn := NewConnection(config, RoleServer, 1, 0, 0)
	table := newScopeTable("test", newChannel(config, channelEntity))

	visible := map[ActorID]bool{}
	scope := ScopeFunc(func(_ *Connection, _ *World, a *Actor) bool { return visible[a.ID()] })

	a, _ := w.Spawn(1)
	b, _ := w.Spawn(1)
	visible[a], visible[b] = true, true
	table.update(conn, w, scope)
	if table.len() != 2 || table.find(a).status != scopePendingAdd {
		t.Fatal("Both actors should be pending add")
	}
	if changes := table.drain(); len(changes) != 2 || table.drain() != nil {
		t.Error("Drain should hand out each change once", changes)
	}

	// never sent, so it disappears without a removal notice
	visible[a] = false
	table.update(conn, w, scope)
	if table.find(a) != nil || table.entity.pending() != 0 {
		t.Error("An unsent add should be dropped silently")
	}

	eb := table.find(b)
	eb.addSends = 1
	slot, epoch := table.index[b], eb.epoch
	visible[b] = false
	table.update(conn, w, scope)
	if eb.status != scopePendingRemove || table.entity.pending() != 1 {
		t.Fatal("A sent add should turn into a reliable removal")
	}
	if changes := table.drain(); len(changes) != 2 || changes[1].Kind != ScopeRemoved {
		t.Error("Expected removal changes", changes)
	}

	// the removal rides the entity channel and frees the entry on ack
	m := table.entity.sendBuffer.Find(0)
	if m == nil {
		t.Fatal("Removal not queued")
	}
	table.removalAcked(m.data)
	if table.len() != 0 {
		t.Error("Acked removal should free the entry")
	}

	// the freed slot is recycled with a new epoch
	visible[a] = true
	table.update(conn, w, scope)
	ea := table.find(a)
	if table.index[a] != slot || ea.epoch == epoch {
		t.Error("Slot should be reused under a new epoch", table.index[a], ea.epoch)
	}
	if table.get(slot, epoch) != nil || table.get(slot, ea.epoch) != ea {
		t.Error("Refs from the old epoch must not resolve")
	}
	if table.get(-1, 0) != nil || table.get(99, 0) != nil {
		t.Error("Out of range slots must not resolve")
	}
}

func TestScopeTableInflight(t *testing.T) {
	var e scopeEntry
	for i := 0; i < maxInflight+5; i++ {
		e.pushInflight(uint16(i), 1<<(i%8))
	}
	if len(e.inflight) != maxInflight {
		t.Fatal("In-flight deltas should be capped", len(e.inflight))
	}
	if e.forced() != 0xFF {
		t.Errorf("Folding must keep every field: %b", e.forced())
	}
	e.advance(30, nil)
	for _, d := range e.inflight {
		if !GreaterThan(d.seq, 30) {
			t.Error("Delta", d.seq, "should be pruned by the ack of 30")
		}
	}
	if len(e.inflight) != maxInflight+5-31 {
		t.Error("Unexpected in-flight count", len(e.inflight))
	}
}

func TestRooms(t *testing.T) {
	registry, _ := testRegistry()
	w := NewWorld(registry)
	config := NewDefaultConfig()
	alice := NewConnection(config, RoleServer, 1, 0, 0)
	bob := NewConnection(config, RoleServer, 2, 0, 0)
	rooms := NewRooms()

	a, _ := w.Spawn(1)
	b, _ := w.Spawn(1)
	rooms.AddActor("lobby", a)
	rooms.AddActor("arena", b)
	rooms.AddConnection("lobby", 1)
	rooms.AddConnection("arena", 2)
	rooms.AddConnection("lobby", 2)

	inScope := func(c *Connection, id ActorID) bool {
		var in bool
		w.Range(func(actor *Actor) bool {
			if actor.ID() == id {
				in = rooms.InScope(c, w, actor)
			}
			return true
		})
		return in
	}

	if !inScope(alice, a) || inScope(alice, b) {
		t.Error("alice should only see the lobby")
	}
	if !inScope(bob, a) || !inScope(bob, b) {
		t.Error("bob should see both rooms")
	}
	rooms.RemoveConnection("lobby", 2)
	if inScope(bob, a) {
		t.Error("bob left the lobby")
	}
	rooms.RemoveActor("arena", b)
	if inScope(bob, b) {
		t.Error("b left the arena")
	}
	rooms.Forget(1)
	if inScope(alice, a) {
		t.Error("alice was forgotten")
	}
}
