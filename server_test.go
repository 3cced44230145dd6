package replica

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/jakecoffman/replica/transport"
	"github.com/op/go-logging"
)

// testCluster runs a Server and any number of Clients over an in-memory
// network on a simulated clock.
type testCluster struct {
	t       *testing.T
	net     *transport.Network
	world   *World
	server  *Server
	clients []*Client
	now     float64
	dt      float64

	events       []Event
	clientEvents [][]Event
	clientErrs   []error
}

func namedConfig(name string) *Config {
	config := NewDefaultConfig()
	config.Name = name
	return config
}

func newTestCluster(t *testing.T, conditions transport.Conditions, config *Config, opts ServerOptions) *testCluster {
	logging.SetLevel(logging.ERROR, "replica")
	registry, _ := testRegistry()
	c := &testCluster{
		t:     t,
		net:   transport.NewNetwork(3, conditions),
		world: NewWorld(registry),
		dt:    0.05,
	}
	server, err := NewServer(config, c.world, c.net.Endpoint("server"), opts)
	if err != nil {
		t.Fatal(err)
	}
	c.server = server
	return c
}

func (c *testCluster) dial(config *Config, auth []byte) *Client {
	addr := fmt.Sprintf("client-%d", len(c.clients))
	client, err := NewClient(config, c.world.Registry(), c.net.Endpoint(addr), "server")
	if err != nil {
		c.t.Fatal(err)
	}
	client.Connect(auth)
	c.clients = append(c.clients, client)
	c.clientEvents = append(c.clientEvents, nil)
	c.clientErrs = append(c.clientErrs, nil)
	return client
}

func (c *testCluster) step() {
	c.now += c.dt
	c.net.Advance(c.now)
	c.events = append(c.events, c.server.Update(c.now)...)
	for i, client := range c.clients {
		events, err := client.Update(c.now)
		c.clientEvents[i] = append(c.clientEvents[i], events...)
		if err != nil {
			c.clientErrs[i] = err
		}
	}
}

func (c *testCluster) run(n int) {
	for range n {
		c.step()
	}
}

func (c *testCluster) until(n int, what string, done func() bool) {
	c.t.Helper()
	for range n {
		if done() {
			return
		}
		c.step()
	}
	if !done() {
		c.t.Fatalf("%s did not happen within %d ticks", what, n)
	}
}

func (c *testCluster) connected() bool {
	for _, client := range c.clients {
		if client.State() != StateConnected {
			return false
		}
		if s, ok := c.server.Connection(client.Connection().ID()); !ok || s.State() != StateConnected {
			return false
		}
	}
	return true
}

func messagesOf(events []Event) []Message {
	var out []Message
	for _, e := range events {
		if e.Kind == EventMessage {
			out = append(out, e.Message)
		}
	}
	return out
}

func eventsOf(events []Event, kind EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// mirrorsWorld fails the test unless client holds exactly the actors of the world.
func (c *testCluster) mirrorsWorld(client *Client) {
	c.t.Helper()
	var want []ActorID
	c.world.Range(func(a *Actor) bool {
		want = append(want, a.ID())
		return true
	})
	slices.Sort(want)
	if got := client.Actors(); !slices.Equal(got, want) {
		c.t.Fatal("Mirrored actors differ:\n got", got, "\nwant", want)
	}
	for _, id := range want {
		snap, _ := client.Actor(id)
		truth, _ := c.world.Snapshot(id)
		if !slices.Equal(snap.Values, truth.Values) {
			c.t.Error("Actor", id, "diverged: mirror", snap.Values, "world", truth.Values)
		}
	}
}

func TestServerClientConnect(t *testing.T) {
	c := newTestCluster(t, transport.Conditions{}, namedConfig("server"), ServerOptions{})
	client := c.dial(namedConfig("client"), nil)
	c.until(20, "connect", c.connected)

	id := client.Connection().ID()
	if id == 0 {
		t.Fatal("Client should have learned its connection id")
	}
	if got := eventsOf(c.events, EventConnected); len(got) != 1 || got[0].Conn != id || got[0].Addr != "client-0" {
		t.Error("Server should report one connection", got)
	}
	if got := eventsOf(c.clientEvents[0], EventConnected); len(got) != 1 {
		t.Error("Client should report one connection", got)
	}

	if err := client.Send(ChannelOrdered, 1, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := c.server.Broadcast(ChannelReliable, 2, []byte("welcome")); err != nil {
		t.Fatal(err)
	}
	c.until(20, "messages", func() bool {
		return len(messagesOf(c.events)) == 1 && len(messagesOf(c.clientEvents[0])) == 1
	})
	if m := messagesOf(c.events)[0]; m.Kind != 1 || string(m.Data) != "hello" {
		t.Error("Server got", m)
	}
	if m := messagesOf(c.clientEvents[0])[0]; m.Kind != 2 || string(m.Data) != "welcome" {
		t.Error("Client got", m)
	}
	if err := c.server.Send(99, ChannelReliable, 1, nil); !errors.Is(err, ErrNotConnected) {
		t.Error("Send to an unknown connection should fail, got", err)
	}
}

func TestServerReplicationUnderLoss(t *testing.T) {
	conditions := transport.Conditions{Loss: .2, Duplicate: .05, Latency: .03, Jitter: .05}
	c := newTestCluster(t, conditions, namedConfig("server"), ServerOptions{})
	rng := rand.New(rand.NewPCG(5, 8))

	var ids []ActorID
	for i := range 20 {
		id, _ := c.world.Spawn(1, Int(int64(i)), String("unit"))
		ids = append(ids, id)
	}
	client := c.dial(namedConfig("client"), nil)
	c.until(400, "connect", c.connected)
	conn := client.Connection().ID()

	const lines = 100
	for tick := range 300 {
		if tick < lines {
			if err := c.server.Send(conn, ChannelOrdered, 7, encodeIndex(tick)); err != nil {
				t.Fatal(err)
			}
		}
		for range 5 {
			id := ids[rng.IntN(len(ids))]
			c.world.SetByName(id, "x", Float32(rng.Float32()))
			c.world.SetByName(id, "hp", Int(rng.Int64N(100)))
		}
		if tick%60 == 0 {
			c.world.Despawn(ids[0])
			id, _ := c.world.Spawn(1, Int(-1))
			ids = append(ids[1:], id)
		}
		c.step()
	}

	c.net.SetConditions(transport.Conditions{})
	c.until(400, "chat delivery", func() bool { return len(messagesOf(c.clientEvents[0])) >= lines })
	c.run(100)

	chat := messagesOf(c.clientEvents[0])
	if len(chat) != lines {
		t.Fatal("Expected", lines, "lines, got", len(chat))
	}
	for i, m := range chat {
		if binary.LittleEndian.Uint32(m.Data) != uint32(i) {
			t.Fatal("Line", i, "out of order")
		}
	}
	c.mirrorsWorld(client)
	if c.net.Lost == 0 {
		t.Error("The network should have dropped packets")
	}
	if c.clientErrs[0] != nil {
		t.Error("Unexpected client error", c.clientErrs[0])
	}
}

func TestServerHandshakeTimeout(t *testing.T) {
	c := newTestCluster(t, transport.Conditions{}, namedConfig("server"), ServerOptions{})
	config := namedConfig("client")
	client, err := NewClient(config, c.world.Registry(), c.net.Endpoint("client"), "server")
	if err != nil {
		t.Fatal(err)
	}
	client.Connect(nil)

	// the server endpoint exists but nobody drives it
	var now float64
	for ; now < 10; now += c.dt {
		c.net.Advance(now)
		if _, err = client.Update(now); err != nil {
			break
		}
	}
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatal("Expected a handshake timeout, got", err)
	}
	limit := float64(config.MaxHandshakeAttempts) * config.HandshakeInterval.Seconds()
	if now < limit-0.5 || now > limit+1.5 {
		t.Error("Handshake gave up at", now, "expected about", limit)
	}
	if client.State() != StateDisconnected {
		t.Error("Client should be disconnected")
	}
	if _, err := client.Update(now + 1); err != nil {
		t.Error("The failure should be reported once, got", err)
	}
}

func TestServerDenies(t *testing.T) {
	c := newTestCluster(t, transport.Conditions{}, namedConfig("server"), ServerOptions{
		Authenticate: func(_ string, payload []byte) error {
			if string(payload) != "letmein" {
				return errors.New("bad password")
			}
			return nil
		},
	})
	wrong := c.dial(namedConfig("wrong"), []byte("guess"))
	foreign := namedConfig("foreign")
	foreign.ProtocolID++
	other := c.dial(foreign, []byte("letmein"))
	good := c.dial(namedConfig("good"), []byte("letmein"))

	c.until(20, "handshakes", func() bool {
		return c.clientErrs[0] != nil && c.clientErrs[1] != nil && good.State() == StateConnected
	})
	for i, client := range []*Client{wrong, other} {
		if !errors.Is(c.clientErrs[i], ErrConnectionDenied) || client.State() != StateDisconnected {
			t.Error("Client", i, "should be denied, got", c.clientErrs[i])
		}
	}
	if conns := c.server.Connections(); len(conns) != 1 || conns[0].Addr() != "client-2" {
		t.Error("Only the authenticated client should hold a connection")
	}
}

func TestServerSequenceWraparound(t *testing.T) {
	wrap := func() uint16 { return 65530 }
	serverConfig := namedConfig("server")
	serverConfig.SequenceSource = wrap
	clientConfig := namedConfig("client")
	clientConfig.SequenceSource = wrap

	c := newTestCluster(t, transport.Conditions{Latency: .02}, serverConfig, ServerOptions{})
	client := c.dial(clientConfig, nil)
	c.until(20, "connect", c.connected)
	conn := client.Connection().ID()

	const count = 200
	for i := range count {
		if err := client.Send(ChannelOrdered, 1, encodeIndex(i)); err != nil {
			t.Fatal(err)
		}
		if err := c.server.Send(conn, ChannelOrdered, 1, encodeIndex(i)); err != nil {
			t.Fatal(err)
		}
	}
	c.run(200)

	for name, got := range map[string][]Message{"server": messagesOf(c.events), "client": messagesOf(c.clientEvents[0])} {
		if len(got) != count {
			t.Fatal(name, "expected", count, "messages, got", len(got))
		}
		for i, m := range got {
			if binary.LittleEndian.Uint32(m.Data) != uint32(i) {
				t.Fatal(name, "message", i, "out of order")
			}
		}
	}
	if seq := client.Connection().Acks().Sequence; seq >= 65530 {
		t.Error("Client sequence should have wrapped, at", seq)
	}
	if !c.connected() {
		t.Error("Connection should survive the wrap")
	}
}

func TestServerParallelWorkers(t *testing.T) {
	config := namedConfig("server")
	config.Workers = 4
	c := newTestCluster(t, transport.Conditions{Latency: .02, Jitter: .02}, config, ServerOptions{})
	rng := rand.New(rand.NewPCG(9, 9))

	var ids []ActorID
	for i := range 10 {
		id, _ := c.world.Spawn(1, Int(int64(i)))
		ids = append(ids, id)
	}
	for i := range 6 {
		c.dial(namedConfig(fmt.Sprint("client", i)), nil)
	}
	c.until(40, "connect", c.connected)

	for range 100 {
		for range 3 {
			c.world.SetByName(ids[rng.IntN(len(ids))], "x", Float32(rng.Float32()))
		}
		if err := c.server.Broadcast(ChannelOrdered, 3, []byte("tick")); err != nil {
			t.Fatal(err)
		}
		c.step()
	}
	c.run(40)

	for i, client := range c.clients {
		c.mirrorsWorld(client)
		if n := len(messagesOf(c.clientEvents[i])); n != 100 {
			t.Error("Client", i, "got", n, "broadcasts")
		}
	}
}

func TestServerDisconnect(t *testing.T) {
	c := newTestCluster(t, transport.Conditions{}, namedConfig("server"), ServerOptions{})
	first := c.dial(namedConfig("first"), nil)
	c.until(20, "connect", c.connected)
	id := first.Connection().ID()

	first.Disconnect()
	c.until(20, "disconnect", func() bool { return len(c.server.Connections()) == 0 })
	gone := eventsOf(c.events, EventDisconnected)
	if len(gone) != 1 || gone[0].Conn != id || !errors.Is(gone[0].Err, ErrRemoteClosed) {
		t.Fatal("Server should report the client leaving", gone)
	}
	if first.State() != StateDisconnected {
		t.Error("Client should be disconnected")
	}

	// the released id goes to the next client
	second := c.dial(namedConfig("second"), nil)
	c.until(20, "second connect", func() bool { return second.State() == StateConnected })
	if second.Connection().ID() != id {
		t.Error("Released id should be reused, got", second.Connection().ID(), "want", id)
	}

	c.server.Disconnect(id)
	c.until(20, "kick", func() bool { return c.clientErrs[1] != nil })
	if !errors.Is(c.clientErrs[1], ErrRemoteClosed) {
		t.Error("Kicked client should see the remote close, got", c.clientErrs[1])
	}
	if got := eventsOf(c.events, EventDisconnected); len(got) != 2 || got[1].Err != nil {
		t.Error("A local disconnect should be reported without error", got)
	}
}

func TestServerKickBeforeConfirm(t *testing.T) {
	c := newTestCluster(t, transport.Conditions{}, namedConfig("server"), ServerOptions{})
	// requests get through, the confirm riding on data packets does not
	c.net.Drop = func(from, to string, data []byte) bool {
		h, err := ReadPacketHeader(data)
		return err == nil && to == "server" && h.ConnectionID != 0
	}
	client := c.dial(namedConfig("client"), nil)
	c.until(20, "accept", func() bool { return client.State() == StateConnected })
	id := client.Connection().ID()
	if conn, ok := c.server.Connection(id); !ok || conn.State() != StateConnecting {
		t.Fatal("Server side should still await the confirm")
	}

	c.server.Disconnect(id)
	c.until(20, "kick", func() bool { return c.clientErrs[0] != nil })
	if !errors.Is(c.clientErrs[0], ErrRemoteClosed) {
		t.Error("Client should hear the disconnect notice, got", c.clientErrs[0])
	}
	if len(c.server.Connections()) != 0 {
		t.Error("Server should have released the connection")
	}
	if got := eventsOf(c.events, EventDisconnected); len(got) != 1 || got[0].Err != nil {
		t.Error("The kick should be reported without error", got)
	}
}

func TestClientTickFollowsServer(t *testing.T) {
	c := newTestCluster(t, transport.Conditions{Latency: .02}, namedConfig("server"), ServerOptions{})
	c.run(100)
	client := c.dial(namedConfig("client"), nil)
	c.until(20, "connect", c.connected)
	if client.Tick() < 100 {
		t.Fatal("Client should adopt the server tick on connect, got", client.Tick())
	}

	// idle long enough for a few heartbeats to teach the tick interval
	c.run(100)
	for range 20 {
		c.step()
		if diff := int(c.server.Tick()) - int(client.Tick()); diff < -3 || diff > 3 {
			t.Fatal("Client tick", client.Tick(), "drifted from server tick", c.server.Tick())
		}
	}
}

func TestServerLimitsActorState(t *testing.T) {
	config := namedConfig("server")
	config.MaxPacketSize = 200
	c := newTestCluster(t, transport.Conditions{}, config, ServerOptions{})
	if _, err := c.world.Spawn(1, Int(1), String(strings.Repeat("x", 200))); !errors.Is(err, ErrMessageTooLarge) {
		t.Fatal("A state that cannot fit a packet should be rejected, got", err)
	}
	id, err := c.world.Spawn(1, Int(1), String(strings.Repeat("x", 150)))
	if err != nil {
		t.Fatal(err)
	}
	client := c.dial(namedConfig("client"), nil)
	c.until(20, "connect", c.connected)
	c.until(20, "add", func() bool { _, ok := client.Actor(id); return ok })
	c.mirrorsWorld(client)
}

func TestServerReconnect(t *testing.T) {
	c := newTestCluster(t, transport.Conditions{}, namedConfig("server"), ServerOptions{})
	c.world.Spawn(1, Int(1))
	c.world.Spawn(1, Int(2))
	client := c.dial(namedConfig("client"), nil)
	c.until(20, "connect", c.connected)
	c.run(5)
	c.mirrorsWorld(client)

	// same address, new nonce: the old connection gives way
	client.Connect(nil)
	c.until(20, "reconnect", c.connected)
	c.run(5)

	if got := eventsOf(c.events, EventConnected); len(got) != 2 {
		t.Fatal("Expected two connections, got", got)
	}
	gone := eventsOf(c.events, EventDisconnected)
	if len(gone) != 1 || !errors.Is(gone[0].Err, ErrRemoteClosed) {
		t.Fatal("The replaced connection should be reported", gone)
	}
	if len(c.server.Connections()) != 1 {
		t.Error("Server should hold one connection")
	}
	c.mirrorsWorld(client)
}

func TestServerClose(t *testing.T) {
	c := newTestCluster(t, transport.Conditions{}, namedConfig("server"), ServerOptions{})
	c.dial(namedConfig("a"), nil)
	c.dial(namedConfig("b"), nil)
	c.until(20, "connect", c.connected)

	if err := c.server.Close(); err != nil {
		t.Fatal(err)
	}
	for i := range c.clients {
		events, err := c.clients[i].Update(c.now + c.dt)
		if !errors.Is(err, ErrRemoteClosed) || len(eventsOf(events, EventDisconnected)) != 1 {
			t.Error("Client", i, "should see the server close, got", err)
		}
	}
}
