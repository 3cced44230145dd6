package replica

// Client connects to one server and mirrors the actors in its scope.
type Client struct {
	config    *Config
	name      string
	registry  *Registry
	transport Transport
	server    string

	conn     *Connection
	interp   *Interpolator
	reported bool
	time     float64
	ticks    tickSync
}

func NewClient(config *Config, registry *Registry, transport Transport, server string) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		config:    config,
		name:      config.Name,
		registry:  registry,
		transport: transport,
		server:    server,
	}, nil
}

// Connect starts the handshake; auth is handed to the server's Authenticate hook.
// Any previous connection is dropped.
func (c *Client) Connect(auth []byte) {
	if c.conn != nil && c.conn.State() != StateDisconnected {
		c.conn.Close()
	}
	c.conn = NewConnection(c.config, RoleClient, 0, c.config.nextSequence(), c.time)
	c.conn.addr = c.server
	c.conn.SetAuth(auth)
	c.interp = NewInterpolator(c.conn.AttachMirror(c.registry))
	c.ticks.synced = false
	c.reported = false
	log.Infof("[%s] connecting to %s", c.name, c.server)
}

// Update drains the transport, then advances and ticks the connection. It
// returns the connection's error once, when the connection ends because of it.
func (c *Client) Update(now float64) ([]Event, error) {
	c.time = now
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	var events []Event
	for _, data := range c.transport.Receive() {
		if c.conn.State() == StateDisconnected {
			break
		}
		received, err := c.conn.Receive(data)
		if err != nil {
			events = append(events, Event{Kind: EventError, Conn: c.conn.id, Addr: c.server, Err: err})
		}
		if received.Connected {
			events = append(events, Event{Kind: EventConnected, Conn: c.conn.id, Addr: c.server})
		}
		for _, m := range received.Messages {
			events = append(events, Event{Kind: EventMessage, Conn: c.conn.id, Addr: c.server, Message: m})
		}
		for _, a := range received.Actors {
			events = append(events, Event{Kind: EventActor, Conn: c.conn.id, Addr: c.server, Actor: a})
		}
		c.interp.Observe(received.Actors, now)
	}

	c.ticks.observe(c.conn.RemoteTick(), c.conn.RemoteTickAt())
	c.conn.Update(now)
	packets, _ := c.conn.Tick(c.ticks.advance(now, c.conn.Rtt()))
	for _, packet := range packets {
		c.conn.sendResult(c.transport.Send(c.server, packet))
	}

	if c.conn.State() == StateDisconnected && !c.reported {
		c.reported = true
		err := c.conn.Err()
		events = append(events, Event{Kind: EventDisconnected, Conn: c.conn.id, Addr: c.server, Err: err})
		return events, err
	}
	return events, nil
}

func (c *Client) Send(ch ChannelID, kind uint16, data []byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Send(ch, kind, data)
}

// Actor returns a copy of a mirrored actor.
func (c *Client) Actor(id ActorID) (*Snapshot, bool) {
	if c.conn == nil {
		return nil, false
	}
	return c.conn.mirror.Actor(id)
}

// Interpolated returns a mirrored actor with its float fields smoothed
// between the last two updates, as of the latest Update.
func (c *Client) Interpolated(id ActorID) (*Snapshot, bool) {
	if c.conn == nil {
		return nil, false
	}
	return c.interp.Actor(id, c.time)
}

func (c *Client) Actors() []ActorID {
	if c.conn == nil {
		return nil
	}
	return c.conn.mirror.Actors()
}

// Disconnect starts a graceful disconnect; the notice goes out on the next Update.
func (c *Client) Disconnect() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) State() State {
	if c.conn == nil {
		return StateDisconnected
	}
	return c.conn.State()
}

// Connection exposes the underlying connection for statistics.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Tick is the tick stamped on the client's latest packets, kept in step
// with the server once connected.
func (c *Client) Tick() uint32 {
	return c.ticks.tick
}

// tickSync estimates the server's current tick from the newest tick it
// stamped, the time since that packet arrived and half the round trip.
// The estimate never moves backwards.
type tickSync struct {
	tick     uint32
	synced   bool
	heard    uint32
	heardAt  float64
	interval float64
}

const tickSmoothing = .1

// observe learns the server's tick interval from successive stamped ticks.
func (s *tickSync) observe(tick uint32, at float64) {
	if at == 0 || s.synced && (at <= s.heardAt || tick <= s.heard) {
		return
	}
	if !s.synced {
		s.tick = tick
	} else {
		sample := (at - s.heardAt) / float64(tick-s.heard)
		if s.interval == 0 {
			s.interval = sample
		} else {
			s.interval += (sample - s.interval) * tickSmoothing
		}
	}
	s.heard, s.heardAt, s.synced = tick, at, true
}

// advance returns the tick for packets sent at now; rtt is in milliseconds.
func (s *tickSync) advance(now, rtt float64) uint32 {
	switch {
	case !s.synced:
		s.tick++
	case s.interval > 0:
		ahead := max(0, now-s.heardAt+rtt/2000) / s.interval
		s.tick = max(s.tick, s.heard+uint32(ahead))
	}
	return s.tick
}
