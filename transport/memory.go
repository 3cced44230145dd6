package transport

import (
	"iter"
	"math/rand/v2"
	"sort"
	"sync"
)

// Conditions shape delivery on a Network. Times are in the same seconds the
// caller passes to Advance.
type Conditions struct {
	Loss      float64 // probability a packet is dropped
	Duplicate float64 // probability a delivered packet arrives twice
	Latency   float64
	Jitter    float64 // uniform extra delay in [0, Jitter), which reorders packets
}

// Network is an in-memory packet network driven by a simulated clock. It
// is deterministic for a given seed and call order.
type Network struct {
	mu         sync.Mutex
	rng        *rand.Rand
	conditions Conditions
	now        float64
	endpoints  map[string]*Endpoint
	flight     []flight
	order      uint64

	// Drop, when set, is consulted for every packet before Conditions; a
	// true result drops it.
	Drop func(from, to string, data []byte) bool

	Sent, Lost, Delivered uint64
}

type flight struct {
	due   float64
	order uint64
	from  string
	to    string
	data  []byte
}

func NewNetwork(seed uint64, conditions Conditions) *Network {
	return &Network{
		rng:        rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		conditions: conditions,
		endpoints:  make(map[string]*Endpoint),
	}
}

func (n *Network) SetConditions(c Conditions) {
	n.mu.Lock()
	n.conditions = c
	n.mu.Unlock()
}

// Endpoint attaches a new endpoint at addr, replacing any previous one.
func (n *Network) Endpoint(addr string) *Endpoint {
	e := &Endpoint{network: n, addr: addr}
	n.mu.Lock()
	n.endpoints[addr] = e
	n.mu.Unlock()
	return e
}

// Advance moves the clock to now and delivers every packet that is due.
func (n *Network) Advance(now float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if now > n.now {
		n.now = now
	}
	sort.Slice(n.flight, func(i, j int) bool {
		if n.flight[i].due != n.flight[j].due {
			return n.flight[i].due < n.flight[j].due
		}
		return n.flight[i].order < n.flight[j].order
	})
	i := 0
	for ; i < len(n.flight) && n.flight[i].due <= n.now; i++ {
		n.deliverLocked(n.flight[i])
	}
	n.flight = append(n.flight[:0], n.flight[i:]...)
}

// InFlight counts packets not yet delivered.
func (n *Network) InFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.flight)
}

func (n *Network) deliverLocked(f flight) {
	e, ok := n.endpoints[f.to]
	if !ok || e.closed {
		n.Lost++
		return
	}
	n.Delivered++
	e.queue = append(e.queue, datagram{addr: f.from, data: f.data})
}

func (n *Network) send(from, to string, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e := n.endpoints[from]; e == nil || e.closed {
		return ErrClosed
	}
	if _, ok := n.endpoints[to]; !ok {
		return ErrUnknownPeer
	}
	n.Sent++
	if n.Drop != nil && n.Drop(from, to, data) {
		n.Lost++
		return nil
	}
	c := n.conditions
	if c.Loss > 0 && n.rng.Float64() < c.Loss {
		n.Lost++
		return nil
	}
	copies := 1
	if c.Duplicate > 0 && n.rng.Float64() < c.Duplicate {
		copies = 2
	}
	for range copies {
		delay := c.Latency
		if c.Jitter > 0 {
			delay += n.rng.Float64() * c.Jitter
		}
		f := flight{
			due:   n.now + delay,
			order: n.order,
			from:  from,
			to:    to,
			data:  append([]byte(nil), data...),
		}
		n.order++
		if delay <= 0 {
			n.deliverLocked(f)
		} else {
			n.flight = append(n.flight, f)
		}
	}
	return nil
}

// Endpoint is one address on a Network and implements replica.Transport.
type Endpoint struct {
	network *Network
	addr    string
	queue   []datagram
	closed  bool
}

func (e *Endpoint) Addr() string {
	return e.addr
}

func (e *Endpoint) Send(addr string, data []byte) error {
	return e.network.send(e.addr, addr, data)
}

func (e *Endpoint) Receive() iter.Seq2[string, []byte] {
	e.network.mu.Lock()
	queue := e.queue
	e.queue = nil
	e.network.mu.Unlock()
	return func(yield func(string, []byte) bool) {
		for i, d := range queue {
			if !yield(d.addr, d.data) {
				// put back what was not consumed
				e.network.mu.Lock()
				e.queue = append(queue[i+1:len(queue):len(queue)], e.queue...)
				e.network.mu.Unlock()
				return
			}
		}
	}
}

func (e *Endpoint) Close() error {
	e.network.mu.Lock()
	defer e.network.mu.Unlock()
	e.closed = true
	e.queue = nil
	return nil
}
