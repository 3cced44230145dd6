package replica

import (
	"errors"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/op/go-logging"
)

// testLink wires a server and a client connection back to back, skipping
// the handshake, and steps both on a simulated clock.
type testLink struct {
	t      *testing.T
	server *Connection
	client *Connection
	time   float64
	dt     float64
	tick   uint32

	rng  *rand.Rand
	loss float64
	dup  float64
	// deliver, when set, filters packets; returning false drops the packet.
	deliver func(fromServer bool, segments []Segment) bool

	toServer []Message
	toClient []Message
	actors   []ActorEvent
	errs     []error
}

func newTestLink(t *testing.T, config *Config) *testLink {
	logging.SetLevel(logging.ERROR, "replica")
	const start = 100
	l := &testLink{
		t:      t,
		server: NewConnection(config, RoleServer, 1, 1000, start),
		client: NewConnection(config, RoleClient, 1, 2000, start),
		time:   start,
		dt:     0.05,
		rng:    rand.New(rand.NewPCG(1, 2)),
	}
	l.server.Establish(2000)
	l.client.Establish(1000)
	return l
}

func (l *testLink) pass(fromServer bool, packet []byte) int {
	if l.deliver != nil {
		_, segments, err := ReadPacket(packet)
		if err != nil {
			l.t.Fatal("sent a malformed packet:", err)
		}
		if !l.deliver(fromServer, segments) {
			return 0
		}
	}
	if l.loss > 0 && l.rng.Float64() < l.loss {
		return 0
	}
	if l.dup > 0 && l.rng.Float64() < l.dup {
		return 2
	}
	return 1
}

func (l *testLink) step() {
	l.time += l.dt
	l.server.Update(l.time)
	l.client.Update(l.time)

	packets, err := l.server.Tick(l.tick)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	for _, p := range packets {
		for n := l.pass(true, p); n > 0; n-- {
			received, err := l.client.Receive(p)
			if err != nil {
				l.errs = append(l.errs, err)
			}
			l.toClient = append(l.toClient, received.Messages...)
			l.actors = append(l.actors, received.Actors...)
		}
	}

	packets, err = l.client.Tick(l.tick)
	if err != nil {
		l.errs = append(l.errs, err)
	}
	for _, p := range packets {
		for n := l.pass(false, p); n > 0; n-- {
			received, err := l.server.Receive(p)
			if err != nil {
				l.errs = append(l.errs, err)
			}
			l.toServer = append(l.toServer, received.Messages...)
		}
	}
	l.tick++
}

func (l *testLink) run(n int) {
	for i := 0; i < n; i++ {
		l.step()
	}
}

// until steps until done reports true, failing the test after n steps.
func (l *testLink) until(n int, what string, done func() bool) {
	l.t.Helper()
	for i := 0; i < n; i++ {
		if done() {
			return
		}
		l.step()
	}
	if !done() {
		l.t.Fatal("timed out waiting for", what)
	}
}

func TestConnectionMessages(t *testing.T) {
	l := newTestLink(t, NewDefaultConfig())

	for _, ch := range []ChannelID{ChannelUnreliable, ChannelReliable, ChannelOrdered} {
		if err := l.server.Send(ch, uint16(10+ch), []byte("to client")); err != nil {
			t.Fatal(err)
		}
		if err := l.client.Send(ch, uint16(20+ch), []byte("to server")); err != nil {
			t.Fatal(err)
		}
	}
	l.run(4)

	if len(l.toClient) != 3 || len(l.toServer) != 3 {
		t.Fatal("Expected 3 messages each way, got", len(l.toClient), len(l.toServer))
	}
	for _, m := range l.toClient {
		if m.Kind != uint16(10+m.Channel) || string(m.Data) != "to client" {
			t.Error("Bad message to client", m)
		}
	}
	for _, m := range l.toServer {
		if m.Kind != uint16(20+m.Channel) || string(m.Data) != "to server" {
			t.Error("Bad message to server", m)
		}
	}
	if l.server.Pending() != 0 || l.client.Pending() != 0 {
		t.Error("Reliable messages should be acked", l.server.Pending(), l.client.Pending())
	}
	if len(l.errs) != 0 {
		t.Error("Unexpected errors", l.errs)
	}
}

func TestConnectionSendErrors(t *testing.T) {
	l := newTestLink(t, NewDefaultConfig())

	big := make([]byte, l.server.config.MaxPacketSize)
	if err := l.server.Send(ChannelReliable, 1, big); !errors.Is(err, ErrMessageTooLarge) {
		t.Error("Oversized message should be refused, got", err)
	}
	if err := l.server.Send(channelEntity, 1, nil); err == nil {
		t.Error("The entity channel should not accept application messages")
	}
	l.server.Close()
	if err := l.server.Send(ChannelReliable, 1, nil); !errors.Is(err, ErrClosed) {
		t.Error("Send on a closing connection should fail, got", err)
	}
}

func TestConnectionHeartbeat(t *testing.T) {
	l := newTestLink(t, NewDefaultConfig())
	l.run(2)

	heartbeats := map[bool]int{}
	l.deliver = func(fromServer bool, segments []Segment) bool {
		if slices.ContainsFunc(segments, func(s Segment) bool { return s.Kind == SegmentHeartbeat }) {
			heartbeats[fromServer]++
		}
		return true
	}
	sent := l.server.Counters()[CounterNumPacketsSent]
	// 30 seconds without anything to say
	l.run(600)

	if l.server.State() != StateConnected || l.client.State() != StateConnected {
		t.Fatal("Idle connection should stay up", l.server.State(), l.client.State(), l.server.Err())
	}
	for _, fromServer := range []bool{true, false} {
		if n := heartbeats[fromServer]; n < 25 || n > 35 {
			t.Error("Expected a heartbeat about every second, got", n, "from server:", fromServer)
		}
	}
	// each side acks the other's heartbeats at once, keeping the rtt honest
	if sent := l.server.Counters()[CounterNumPacketsSent] - sent; sent > 70 {
		t.Error("Idle server sent too many packets", sent)
	}
	if rtt := l.client.Rtt(); rtt > 200 {
		t.Error("Idle round trip should stay near the tick time, got", rtt)
	}
}

func TestConnectionTimeout(t *testing.T) {
	l := newTestLink(t, NewDefaultConfig())
	l.run(2)
	l.deliver = func(bool, []Segment) bool { return false }

	l.until(400, "server timeout", func() bool { return l.server.State() == StateDisconnected })
	if !errors.Is(l.server.Err(), ErrConnectionTimeout) {
		t.Error("Expected a timeout, got", l.server.Err())
	}
	if !errors.Is(l.client.Err(), ErrConnectionTimeout) {
		t.Error("Client should time out too, got", l.client.Err())
	}
}

func TestConnectionClose(t *testing.T) {
	l := newTestLink(t, NewDefaultConfig())
	l.run(2)

	l.client.Close()
	if l.client.State() != StateDisconnecting {
		t.Fatal("Close should start disconnecting, got", l.client.State())
	}
	l.step()

	if l.client.State() != StateDisconnected || l.client.Err() != nil {
		t.Error("Client should be cleanly disconnected", l.client.State(), l.client.Err())
	}
	if l.server.State() != StateDisconnected || !errors.Is(l.server.Err(), ErrRemoteClosed) {
		t.Error("Server should see the remote close", l.server.State(), l.server.Err())
	}
	if _, err := l.server.Receive(make([]byte, PacketHeaderBytes)); !errors.Is(err, ErrClosed) {
		t.Error("A closed connection should refuse packets, got", err)
	}
}

func TestConnectionMalformedPacket(t *testing.T) {
	l := newTestLink(t, NewDefaultConfig())
	l.run(2)

	garbage := [][]byte{
		{1, 2, 3},
		WritePacket(PacketHeader{ConnectionID: 1, Sequence: 2001}, Segment{Kind: SegmentEventReliable, Payload: []byte{9}}),
		WritePacket(PacketHeader{ConnectionID: 1, Sequence: 2002}, Segment{Kind: SegmentEventReliable, Payload: []byte{9, 0, 0, 0, 0}}),
		WritePacket(PacketHeader{ConnectionID: 1, Sequence: 2003}, Segment{Kind: SegmentScopeRemove, Payload: []byte{0, 0, 1, 0, 0, 0}}),
		WritePacket(PacketHeader{ConnectionID: 2, Sequence: 2004}),
	}
	for i, p := range garbage {
		if _, err := l.server.Receive(p); !errors.Is(err, ErrMalformedPacket) {
			t.Error("Packet", i, "should be malformed, got", err)
		}
	}
	if got := l.server.Counters()[CounterNumPacketsInvalid]; got != uint64(len(garbage)) {
		t.Error("Invalid counter should be", len(garbage), "but was", got)
	}

	// a rejected packet leaves no trace, so the connection keeps working
	if err := l.client.Send(ChannelOrdered, 5, []byte("still here")); err != nil {
		t.Fatal(err)
	}
	l.run(3)
	if l.server.State() != StateConnected || len(l.toServer) != 1 {
		t.Error("Connection should survive malformed packets", l.server.State(), len(l.toServer))
	}
}

func TestConnectionTransportFailures(t *testing.T) {
	l := newTestLink(t, NewDefaultConfig())
	l.server.addr = "client:1"
	boom := errors.New("network unreachable")

	for i := 0; i < l.server.config.MaxTransportFailures-1; i++ {
		l.server.sendResult(boom)
	}
	l.server.sendResult(nil)
	if l.server.State() != StateConnected {
		t.Fatal("A success should reset the failure count")
	}
	for i := 0; i < l.server.config.MaxTransportFailures; i++ {
		l.server.sendResult(boom)
	}
	var te *TransportError
	if !errors.As(l.server.Err(), &te) || te.Addr != "client:1" || !errors.Is(l.server.Err(), boom) {
		t.Fatal("Expected a transport error, got", l.server.Err())
	}
	if l.server.State() != StateDisconnecting {
		t.Error("Connection should be disconnecting, got", l.server.State())
	}
	l.step()
	if l.server.State() != StateDisconnected {
		t.Error("Connection should be disconnected, got", l.server.State())
	}
	if got := l.server.Counters()[CounterNumTransportErrors]; got != uint64(2*l.server.config.MaxTransportFailures-1) {
		t.Error("Unexpected transport error count", got)
	}
}
