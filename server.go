package replica

import (
	"context"
	"crypto/rand"
	"fmt"
	"maps"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
	EventMessage
	EventActor
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventActor:
		return "actor"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Event is something the application should know about after an Update.
type Event struct {
	Kind    EventKind
	Conn    uint16
	Addr    string
	Message Message
	Actor   ActorEvent
	Err     error
}

type ServerOptions struct {
	// Scope decides which actors each client sees. Defaults to ScopeAll.
	Scope Scope
	// Authenticate inspects the payload of a connect request; an error denies it.
	Authenticate func(addr string, payload []byte) error
	// Secret keys connect tokens. Defaults to random bytes.
	Secret  []byte
	Metrics *Metrics
}

// idAllocator hands out connection ids from a counter, reusing released ones first.
type idAllocator struct {
	next uint16
	free []uint16
}

func (a *idAllocator) alloc() (uint16, bool) {
	if n := len(a.free); n > 0 {
		id := a.free[n-1]
		a.free = a.free[:n-1]
		return id, true
	}
	if a.next == 65535 {
		return 0, false
	}
	a.next++
	return a.next, true
}

func (a *idAllocator) release(id uint16) {
	a.free = append(a.free, id)
}

// Server owns the authoritative world and one Connection per client.
type Server struct {
	config       *Config
	name         string
	world        *World
	transport    Transport
	scope        Scope
	authenticate func(addr string, payload []byte) error
	secret       []byte
	metrics      *Metrics

	conns  map[string]*Connection
	byID   map[uint16]*Connection
	nonces map[string]uuid.UUID
	ids    idAllocator

	time float64
	tick uint32
}

func NewServer(config *Config, world *World, transport Transport, opts ServerOptions) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		config:       config,
		name:         config.Name,
		world:        world,
		transport:    transport,
		scope:        opts.Scope,
		authenticate: opts.Authenticate,
		secret:       opts.Secret,
		metrics:      opts.Metrics,
		conns:        make(map[string]*Connection),
		byID:         make(map[uint16]*Connection),
		nonces:       make(map[string]uuid.UUID),
	}
	if s.scope == nil {
		s.scope = ScopeAll
	}
	// an add travels with the full state in one packet body
	world.LimitStateSize(config.MaxPacketSize - PacketHeaderBytes - 2*SegmentHeaderBytes - 2*(sizeUint32+sizeUint16))
	if len(s.secret) == 0 {
		s.secret = make([]byte, 32)
		if _, err := rand.Read(s.secret); err != nil {
			return nil, fmt.Errorf("generating connect secret: %w", err)
		}
	}
	if s.metrics == nil {
		var err error
		if s.metrics, err = NewMetrics(nil); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) World() *World {
	return s.world
}

func (s *Server) Tick() uint32 {
	return s.tick
}

// Update drains the transport, then advances and ticks every connection.
// The world must not be mutated concurrently with Update.
func (s *Server) Update(now float64) []Event {
	s.time = now
	var events []Event
	for addr, data := range s.transport.Receive() {
		events = s.receive(addr, data, events)
	}

	conns := s.Connections()
	step := func(c *Connection) {
		c.Update(now)
		packets, err := c.Tick(s.tick)
		if err != nil {
			log.Errorf("[%s] connection %d: %v", s.name, c.id, err)
		}
		for _, packet := range packets {
			c.sendResult(s.transport.Send(c.addr, packet))
		}
	}
	if s.config.Workers > 1 && len(conns) > 1 {
		var g errgroup.Group
		g.SetLimit(s.config.Workers)
		for _, c := range conns {
			g.Go(func() error {
				step(c)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for _, c := range conns {
			step(c)
		}
	}

	ctx := context.Background()
	for _, c := range conns {
		s.metrics.record(ctx, c)
		if c.State() == StateDisconnected {
			events = append(events, Event{Kind: EventDisconnected, Conn: c.id, Addr: c.addr, Err: c.Err()})
			s.drop(c)
		}
	}
	s.tick++
	return events
}

func (s *Server) receive(addr string, data []byte, events []Event) []Event {
	h, err := ReadPacketHeader(data)
	if err != nil {
		log.Warningf("[%s] discarding packet from %s: %v", s.name, addr, err)
		return append(events, Event{Kind: EventError, Addr: addr, Err: err})
	}
	if h.ConnectionID == 0 {
		return s.handshake(addr, h, data, events)
	}
	c, ok := s.conns[addr]
	if !ok || c.id != h.ConnectionID {
		log.Debugf("[%s] packet from %s for unknown connection %d", s.name, addr, h.ConnectionID)
		return events
	}
	received, err := c.Receive(data)
	if err != nil {
		events = append(events, Event{Kind: EventError, Conn: c.id, Addr: addr, Err: err})
	}
	if received.Connected {
		events = append(events, Event{Kind: EventConnected, Conn: c.id, Addr: addr})
	}
	for _, m := range received.Messages {
		events = append(events, Event{Kind: EventMessage, Conn: c.id, Addr: addr, Message: m})
	}
	return events
}

func (s *Server) handshake(addr string, h PacketHeader, data []byte, events []Event) []Event {
	_, segments, err := ReadPacket(data)
	if err != nil {
		log.Warningf("[%s] discarding handshake from %s: %v", s.name, addr, err)
		return append(events, Event{Kind: EventError, Addr: addr, Err: err})
	}
	var request *Segment
	for i := range segments {
		if segments[i].Kind == SegmentConnectRequest {
			request = &segments[i]
		}
	}
	if request == nil {
		log.Debugf("[%s] packet from %s without connection id", s.name, addr)
		return events
	}
	req, err := decodeConnectRequest(request.Payload)
	if err != nil {
		log.Warningf("[%s] bad connect request from %s: %v", s.name, addr, err)
		return append(events, Event{Kind: EventError, Addr: addr, Err: err})
	}
	if req.protocolID != s.config.ProtocolID {
		s.deny(addr, fmt.Sprintf("protocol %x, want %x", req.protocolID, s.config.ProtocolID))
		return events
	}

	if c, ok := s.conns[addr]; ok {
		if s.nonces[addr] == req.nonce {
			if c.State() == StateConnecting {
				log.Debugf("[%s] repeating accept for %s", s.name, addr)
				c.sendResult(s.transport.Send(addr, c.acceptPacket(s.tick)))
			}
			return events
		}
		log.Infof("[%s] %s reconnected, dropping connection %d", s.name, addr, c.id)
		c.err = ErrRemoteClosed
		c.state = StateDisconnected
		c.release()
		s.drop(c)
		events = append(events, Event{Kind: EventDisconnected, Conn: c.id, Addr: addr, Err: c.err})
	}

	if s.authenticate != nil {
		if err := s.authenticate(addr, req.payload); err != nil {
			s.deny(addr, err.Error())
			return events
		}
	}
	id, ok := s.ids.alloc()
	if !ok {
		s.deny(addr, "server full")
		return events
	}
	c := NewConnection(s.config, RoleServer, id, s.config.nextSequence(), s.time)
	c.addr = addr
	c.accept(h.Sequence, connectToken(s.secret, req.nonce, id, addr))
	c.Replicate(s.world, s.scope)
	s.conns[addr] = c
	s.byID[id] = c
	s.nonces[addr] = req.nonce
	s.metrics.opened(context.Background())
	log.Infof("[%s] accepted %s as connection %d", s.name, addr, id)
	c.sendResult(s.transport.Send(addr, c.acceptPacket(s.tick)))
	return events
}

func (s *Server) deny(addr, reason string) {
	log.Warningf("[%s] denying %s: %s", s.name, addr, reason)
	if err := s.transport.Send(addr, DenyPacket(reason)); err != nil {
		log.Warningf("[%s] sending deny to %s: %v", s.name, addr, err)
	}
}

func (s *Server) drop(c *Connection) {
	if s.byID[c.id] != c {
		return
	}
	delete(s.conns, c.addr)
	delete(s.byID, c.id)
	delete(s.nonces, c.addr)
	s.ids.release(c.id)
	if rooms, ok := s.scope.(*Rooms); ok {
		rooms.Forget(c.id)
	}
	s.metrics.closed(context.Background())
}

// Connections returns the live connections ordered by id.
func (s *Server) Connections() []*Connection {
	ids := slices.Sorted(maps.Keys(s.byID))
	conns := make([]*Connection, len(ids))
	for i, id := range ids {
		conns[i] = s.byID[id]
	}
	return conns
}

func (s *Server) Connection(id uint16) (*Connection, bool) {
	c, ok := s.byID[id]
	return c, ok
}

// Send queues a message for one client.
func (s *Server) Send(id uint16, ch ChannelID, kind uint16, data []byte) error {
	c, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("connection %d: %w", id, ErrNotConnected)
	}
	return c.Send(ch, kind, data)
}

// Broadcast queues a message for every connected client.
func (s *Server) Broadcast(ch ChannelID, kind uint16, data []byte) error {
	for _, c := range s.byID {
		if c.State() != StateConnected {
			continue
		}
		if err := c.Send(ch, kind, data); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect closes one client; the notice goes out on the next Update.
func (s *Server) Disconnect(id uint16) {
	if c, ok := s.byID[id]; ok {
		c.Close()
	}
}

// Close sends a disconnect notice to every client and closes the transport.
func (s *Server) Close() error {
	for _, c := range s.Connections() {
		c.Close()
		packets, _ := c.Tick(s.tick)
		for _, packet := range packets {
			_ = s.transport.Send(c.addr, packet)
		}
		s.drop(c)
	}
	return s.transport.Close()
}
