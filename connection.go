package replica

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("replica")

type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

type State uint8

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "disconnected"
}

// Received is what one incoming packet delivered.
type Received struct {
	Messages []Message
	Actors   []ActorEvent
	// Connected is set on the client by the packet that completed the handshake.
	Connected bool
}

// Connection is one end of a session between a server and a client. It is
// not safe for concurrent use: Update, Receive, Tick and Send must be called
// from the goroutine that owns it.
type Connection struct {
	config *Config
	name   string
	role   Role
	id     uint16
	addr   string
	state  State
	err    error

	initialSequence uint16
	acks            *AckTracker
	channels        [channelCount]*channel

	time         float64
	lastReceived float64
	lastSent     float64
	lastPayload  float64
	ackPending   bool
	remoteTick   uint32
	remoteTickAt float64

	handshake handshake
	token     [TokenBytes]byte

	world        *World
	scope        Scope
	table        *scopeTable
	scopeChanges []ScopeChange

	mirror *Mirror

	transportFailures int
	exported          [CounterMax]uint64
}

// NewConnection creates a connection in the Connecting state. Servers pass
// the id they allocated; clients pass 0 and learn theirs from the accept.
func NewConnection(config *Config, role Role, id uint16, initialSequence uint16, time float64) *Connection {
	c := &Connection{
		config:          config,
		name:            config.Name,
		role:            role,
		id:              id,
		state:           StateConnecting,
		initialSequence: initialSequence,
		time:            time,
		lastReceived:    time,
		lastSent:        time,
		lastPayload:     time,
	}
	c.acks = NewAckTracker(config, initialSequence, 0, time)
	for i := range c.channels {
		c.channels[i] = newChannel(config, ChannelID(i))
	}
	if role == RoleClient {
		c.handshake.nonce = uuid.New()
		c.handshake.nextAttempt = time
	}
	return c
}

// Replicate makes a server connection stream actors of w that scope admits.
func (c *Connection) Replicate(w *World, scope Scope) {
	if scope == nil {
		scope = ScopeAll
	}
	c.world = w
	c.scope = scope
	c.table = newScopeTable(c.name, c.channels[channelEntity])
}

// AttachMirror makes a client connection apply replicated actors to a
// mirror built from registry.
func (c *Connection) AttachMirror(registry *Registry) *Mirror {
	c.mirror = newMirror(c.config, registry, &c.acks.Counters)
	return c.mirror
}

// SetAuth sets the payload carried by the client's connect request.
func (c *Connection) SetAuth(payload []byte) {
	c.handshake.payload = append([]byte(nil), payload...)
}

// Establish marks the connection Connected with the remote's first data
// sequence, skipping the handshake. Servers call it on accept.
func (c *Connection) Establish(remoteSequence uint16) {
	c.establish(remoteSequence)
	c.handshake.confirmed = true
}

func (c *Connection) establish(remoteSequence uint16) {
	c.acks.ReceivedPackets.ResetTo(remoteSequence)
	c.state = StateConnected
	c.lastReceived = c.time
	c.ackPending = c.role == RoleClient
}

// accept prepares a server connection that awaits the client's confirm.
func (c *Connection) accept(remoteSequence uint16, token [TokenBytes]byte) {
	c.acks.ReceivedPackets.ResetTo(remoteSequence)
	c.token = token
}

func (c *Connection) ID() uint16 { return c.id }
func (c *Connection) Addr() string { return c.addr }
func (c *Connection) Role() Role { return c.role }
func (c *Connection) State() State { return c.state }
func (c *Connection) Err() error { return c.err }
func (c *Connection) Mirror() *Mirror { return c.mirror }
func (c *Connection) Rtt() float64 { return c.acks.Rtt() }
func (c *Connection) PacketLoss() float64 { return c.acks.PacketLoss() }
// RemoteTick is the newest tick the remote stamped on a packet, and
// RemoteTickAt the local time that packet arrived.
func (c *Connection) RemoteTick() uint32 { return c.remoteTick }
func (c *Connection) RemoteTickAt() float64 { return c.remoteTickAt }
func (c *Connection) Acks() *AckTracker { return c.acks }
func (c *Connection) Counters() [CounterMax]uint64 {
	return c.acks.Counters
}

// ScopeChanges returns the scope transitions since the last call.
func (c *Connection) ScopeChanges() []ScopeChange {
	changes := c.scopeChanges
	c.scopeChanges = nil
	return changes
}

// InScope reports whether the actor is in this connection's scope table.
func (c *Connection) InScope(id ActorID) bool {
	if c.table == nil {
		return false
	}
	e := c.table.find(id)
	return e != nil && e.status != scopePendingRemove
}

// Pending is the number of application messages queued or awaiting an ack.
func (c *Connection) Pending() int {
	n := 0
	for _, ch := range c.channels[:channelEntity] {
		if ch != nil {
			n += ch.pending()
		}
	}
	return n
}

// Update advances the connection clock and checks for a silent remote.
func (c *Connection) Update(time float64) {
	c.time = time
	c.acks.Update(time)
	if c.state == StateDisconnected || (c.state == StateConnecting && c.role == RoleClient) {
		return
	}
	if time-c.lastReceived > c.config.DisconnectTimeout.Seconds() {
		c.fail(ErrConnectionTimeout)
	}
}

// Send queues an application message on one of the public channels.
func (c *Connection) Send(ch ChannelID, kind uint16, data []byte) error {
	if c.state >= StateDisconnecting {
		return ErrClosed
	}
	if ch >= channelEntity {
		return fmt.Errorf("send on channel %d: no such channel", ch)
	}
	channel := c.channels[ch]
	if channel.overhead()+len(data) > c.maxBody() {
		return fmt.Errorf("%w: %d bytes on channel %d", ErrMessageTooLarge, len(data), ch)
	}
	channel.enqueue(kind, data)
	return nil
}

func (c *Connection) maxBody() int {
	body := c.config.MaxPacketSize - PacketHeaderBytes
	if c.role == RoleClient {
		body -= SegmentHeaderBytes + TokenBytes
	}
	return body
}

// Close starts a graceful disconnect; the next Tick sends the notice. A
// server connection awaiting its confirm has already sent an accept, so the
// client may consider itself connected and is notified too.
func (c *Connection) Close() {
	switch {
	case c.state == StateConnected, c.state == StateConnecting && c.role == RoleServer:
		c.state = StateDisconnecting
	case c.state == StateConnecting:
		c.state = StateDisconnected
		c.release()
	}
}

func (c *Connection) fail(err error) {
	if c.state == StateDisconnected {
		return
	}
	log.Errorf("[%s] connection %d failed: %v", c.name, c.id, err)
	if c.err == nil {
		c.err = err
	}
	if c.state == StateConnected {
		c.state = StateDisconnecting
		return
	}
	c.state = StateDisconnected
	c.release()
}

// release drops all per-connection replication state.
func (c *Connection) release() {
	for i := range c.channels {
		c.channels[i] = nil
	}
	c.table = nil
	c.world = nil
}

// Tick produces the packets to send this tick.
func (c *Connection) Tick(tick uint32) ([][]byte, error) {
	switch c.state {
	case StateConnecting:
		if c.role == RoleServer {
			return nil, nil
		}
		packet, err := c.requestPacket(tick)
		if err != nil {
			c.fail(err)
			return nil, err
		}
		if packet == nil {
			return nil, nil
		}
		return [][]byte{packet}, nil

	case StateConnected:
		w := newFrameWriter(c.config)
		w.maxBody = c.maxBody()
		if err := c.write(w); err != nil {
			c.fail(err)
			return c.farewell(tick), err
		}
		return c.sequence(w, tick), nil

	case StateDisconnecting:
		return c.farewell(tick), nil
	}
	return nil, nil
}

// write frames everything due this tick: removals and reliable events
// first, then actor state, then unreliable events.
func (c *Connection) write(w *frameWriter) error {
	rtt := c.acks.Rtt()
	if c.world != nil {
		c.world.mu.RLock()
		defer c.world.mu.RUnlock()
		c.table.update(c, c.world, c.scope)
		c.scopeChanges = append(c.scopeChanges, c.table.drain()...)
	}
	for _, id := range []ChannelID{channelEntity, ChannelOrdered, ChannelReliable} {
		if err := c.channels[id].write(w, c.time, rtt); err != nil {
			return err
		}
	}
	if c.world != nil {
		if err := c.table.writeEntities(w, c.world, c.config, c.time, rtt, &c.acks.Counters); err != nil {
			return err
		}
	}
	if err := c.channels[ChannelUnreliable].write(w, c.time, rtt); err != nil {
		return err
	}
	var resent uint64
	for _, ch := range c.channels {
		resent += ch.resent
	}
	c.acks.Counters[CounterNumMessagesResent] = resent
	return nil
}

// sequence stamps framed bodies with headers and records them as sent.
func (c *Connection) sequence(w *frameWriter, tick uint32) [][]byte {
	payload := !w.empty()
	if !payload {
		// ack-only packets draw no ack, so a heartbeat is due once nothing
		// ackable went out for an interval
		heartbeat := c.time-c.lastPayload >= c.config.HeartbeatInterval.Seconds()
		unconfirmed := c.role == RoleClient && !c.handshake.confirmed && c.time-c.lastSent >= c.config.HandshakeInterval.Seconds()
		if !c.ackPending && !heartbeat && !unconfirmed {
			return nil
		}
		body := newBuffer(SegmentHeaderBytes)
		if heartbeat {
			writeSegment(body, Segment{Kind: SegmentHeartbeat})
			payload = true
		}
		w.packets = append(w.packets, &framedPacket{body: body})
	}
	packets := make([][]byte, 0, len(w.packets))
	for _, p := range w.packets {
		ack, ackBits := c.acks.AckBits()
		b := newBuffer(PacketHeaderBytes + SegmentHeaderBytes + TokenBytes + p.body.len())
		WritePacketHeader(b, PacketHeader{
			ConnectionID: c.id,
			Sequence:     c.acks.Sequence,
			Ack:          ack,
			AckBits:      ackBits,
			Tick:         tick,
		})
		if c.role == RoleClient && !c.handshake.confirmed {
			writeSegment(b, confirmSegment(c.token))
		}
		b.writeBytes(p.body.bytes())
		sequence, sent := c.acks.RecordSent(b.len())
		sent.messages = p.messages
		sent.entities = p.entities
		if c.table != nil {
			c.table.sent(sequence, p.entities)
		}
		log.Debugf("[%s] sending packet %d (%d bytes)", c.name, sequence, b.len())
		packets = append(packets, b.bytes())
	}
	c.ackPending = false
	c.lastSent = c.time
	if payload {
		c.lastPayload = c.time
	}
	return packets
}

// farewell sends a best-effort disconnect notice and frees the connection.
func (c *Connection) farewell(tick uint32) [][]byte {
	ack, ackBits := c.acks.AckBits()
	sequence, _ := c.acks.RecordSent(PacketHeaderBytes + SegmentHeaderBytes)
	packet := WritePacket(PacketHeader{
		ConnectionID: c.id,
		Sequence:     sequence,
		Ack:          ack,
		AckBits:      ackBits,
		Tick:         tick,
	}, Segment{Kind: SegmentDisconnect})
	log.Infof("[%s] connection %d disconnected", c.name, c.id)
	c.state = StateDisconnected
	c.release()
	return [][]byte{packet}
}

type inbound struct {
	segment Segment
	channel ChannelID
	id      uint16
	kind    uint16
	data    []byte
	op      entityOp
}

// Receive processes one packet from the remote. A malformed packet is
// discarded as a whole and reported with an error wrapping
// ErrMalformedPacket; the connection stays usable.
func (c *Connection) Receive(packet []byte) (Received, error) {
	if c.state == StateDisconnected {
		return Received{}, ErrClosed
	}
	h, segments, err := ReadPacket(packet)
	if err != nil {
		c.acks.Counters[CounterNumPacketsInvalid]++
		log.Warningf("[%s] discarding packet: %v", c.name, err)
		return Received{}, err
	}

	var received Received
	switch {
	case c.role == RoleClient && c.state == StateConnecting:
		return c.onHandshake(h, segments)
	case h.ConnectionID != c.id:
		c.acks.Counters[CounterNumPacketsInvalid]++
		return Received{}, malformed("packet for connection %d received by %d", h.ConnectionID, c.id)
	case handshakeOnly(segments):
		// a repeated accept; its sequence is not part of the data stream
		return Received{}, nil
	case c.role == RoleServer && c.state == StateConnecting:
		if !c.confirms(segments) {
			log.Debugf("[%s] dropping unconfirmed packet %d", c.name, h.Sequence)
			return Received{}, nil
		}
		log.Infof("[%s] connection %d confirmed", c.name, c.id)
		c.establish(c.acks.ReceivedPackets.Sequence)
		c.ackPending = true
		received.Connected = true
	}

	inbounds, payload, err := c.decode(segments)
	if err != nil {
		c.acks.Counters[CounterNumPacketsInvalid]++
		log.Warningf("[%s] discarding packet %d: %v", c.name, h.Sequence, err)
		return received, err
	}

	result, err := c.acks.OnPacketReceived(h.Sequence, h.Ack, h.AckBits, len(packet))
	if errors.Is(err, ErrStalePacket) {
		return received, nil
	}
	c.lastReceived = c.time
	c.heardTick(h.Tick)
	if c.role == RoleClient {
		c.handshake.confirmed = true
	}
	if payload {
		c.ackPending = true
	}
	c.onAcks(result)

	var ops []entityOp
	for i := range inbounds {
		in := &inbounds[i]
		switch in.segment.Kind {
		case SegmentEventUnreliable, SegmentEventReliable:
			received.Messages = append(received.Messages, c.channels[in.channel].receive(in.id, in.kind, in.data)...)
		case SegmentScopeRemove:
			for _, m := range c.channels[channelEntity].receive(in.id, 0, in.data) {
				received.Actors, _ = c.mirror.remove(m.Data, h.Sequence, received.Actors)
			}
		case SegmentScopeAdd, SegmentEntityFullState, SegmentEntityDelta:
			ops = append(ops, in.op)
		case SegmentDisconnect:
			log.Infof("[%s] remote closed connection %d", c.name, c.id)
			c.err = ErrRemoteClosed
			c.state = StateDisconnected
			c.release()
			return received, nil
		}
	}
	if c.mirror != nil {
		received.Actors = c.mirror.apply(h.Sequence, ops, c.time, received.Actors)
		c.mirror.observe(h.Sequence)
		received.Actors = c.mirror.flush(c.time, received.Actors)
	}
	return received, nil
}

func (c *Connection) heardTick(tick uint32) {
	if tick > c.remoteTick || c.remoteTickAt == 0 {
		c.remoteTick = tick
		c.remoteTickAt = c.time
	}
}

// decode validates every segment before anything is applied. payload
// reports whether the packet carried anything besides acks.
func (c *Connection) decode(segments []Segment) ([]inbound, bool, error) {
	inbounds := make([]inbound, 0, len(segments))
	payload := false
	for _, s := range segments {
		in := inbound{segment: s}
		b := newBufferFromRef(s.Payload)
		switch s.Kind {
		case SegmentEventUnreliable:
			kind, err := b.getUint16()
			if err != nil {
				return nil, false, malformed("truncated unreliable event")
			}
			in.channel, in.kind, in.data = ChannelUnreliable, kind, b.rest()

		case SegmentEventReliable:
			ch, err1 := b.getUint8()
			id, err2 := b.getUint16()
			kind, err3 := b.getUint16()
			if err := errors.Join(err1, err2, err3); err != nil {
				return nil, false, malformed("truncated reliable event")
			}
			if ChannelID(ch) != ChannelReliable && ChannelID(ch) != ChannelOrdered {
				return nil, false, malformed("reliable event on channel %d", ch)
			}
			in.channel, in.id, in.kind, in.data = ChannelID(ch), id, kind, b.rest()

		case SegmentScopeRemove:
			if c.mirror == nil {
				return nil, false, malformed("unexpected %v segment", s.Kind)
			}
			if len(s.Payload) != sizeUint16+sizeUint32 {
				return nil, false, malformed("scope remove of %d bytes", len(s.Payload))
			}
			in.channel = channelEntity
			in.id = binary.LittleEndian.Uint16(s.Payload)
			in.data = s.Payload[sizeUint16:]

		case SegmentScopeAdd, SegmentEntityFullState, SegmentEntityDelta:
			if c.mirror == nil {
				return nil, false, malformed("unexpected %v segment", s.Kind)
			}
			op, err := c.mirror.decode(s)
			if err != nil {
				return nil, false, err
			}
			in.op = op

		case SegmentDisconnect, SegmentHeartbeat:

		default:
			// handshake segments are only meaningful before the connection is established
			continue
		}
		payload = true
		inbounds = append(inbounds, in)
	}
	return inbounds, payload, nil
}

// onAcks routes acknowledgements and losses to what the packets carried.
func (c *Connection) onAcks(result AckResult) {
	for _, sequence := range result.Acked {
		sent := c.acks.SentPackets.Find(sequence)
		if sent == nil {
			continue
		}
		for _, ref := range sent.messages {
			m, ok := c.channels[ref.channel].acked(ref)
			if ok && ref.channel == channelEntity && c.table != nil {
				c.table.removalAcked(m.data)
			}
		}
		if c.table != nil {
			for i := range sent.entities {
				c.table.acked(sequence, &sent.entities[i])
			}
		}
		sent.messages, sent.entities = nil, nil
	}
	for _, sequence := range result.Lost {
		sent := c.acks.SentPackets.Find(sequence)
		if sent == nil {
			continue
		}
		for _, ref := range sent.messages {
			c.channels[ref.channel].lost(ref, c.time)
		}
		if c.table != nil {
			for i := range sent.entities {
				c.table.lost(sequence, &sent.entities[i], c.time)
			}
		}
	}
}

func handshakeOnly(segments []Segment) bool {
	for _, s := range segments {
		if s.Kind.handshake() {
			return true
		}
	}
	return false
}

// sendResult tracks transport failures; too many in a row end the connection.
func (c *Connection) sendResult(err error) {
	if err == nil {
		c.transportFailures = 0
		return
	}
	c.acks.Counters[CounterNumTransportErrors]++
	c.transportFailures++
	log.Warningf("[%s] send to %s failed (%d in a row): %v", c.name, c.addr, c.transportFailures, err)
	if c.transportFailures >= c.config.MaxTransportFailures {
		c.fail(&TransportError{Addr: c.addr, Err: err})
	}
}
