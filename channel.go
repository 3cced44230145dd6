package replica

import (
	"errors"
	"math"
)

type DeliveryMode uint8

const (
	// Unreliable messages are sent once and silently dropped if lost.
	Unreliable DeliveryMode = iota
	// ReliableUnordered messages are resent until acked and delivered exactly once in arrival order.
	ReliableUnordered
	// ReliableOrdered messages are resent until acked and delivered exactly once in send order.
	ReliableOrdered
)

func (m DeliveryMode) String() string {
	switch m {
	case Unreliable:
		return "unreliable"
	case ReliableUnordered:
		return "reliable-unordered"
	case ReliableOrdered:
		return "reliable-ordered"
	}
	return "unknown"
}

type ChannelID uint8

const (
	ChannelUnreliable ChannelID = iota
	ChannelReliable
	ChannelOrdered
	channelEntity
	channelCount
)

var channelModes = [channelCount]DeliveryMode{
	ChannelUnreliable: Unreliable,
	ChannelReliable:   ReliableUnordered,
	ChannelOrdered:    ReliableOrdered,
	channelEntity:     ReliableUnordered,
}

// Message is an application event carried by a channel.
type Message struct {
	Channel ChannelID
	Kind    uint16
	Data    []byte
}

type messageRef struct {
	channel ChannelID
	id      uint16
	send    int
}

type outMessage struct {
	kind     uint16
	data     []byte
	sends    int
	nextSend float64
}

type inMessage struct {
	kind uint16
	data []byte
}

// channel is one delivery stream of a connection. The mode field selects
// the behaviour; all modes share the enqueue/write/receive contract.
type channel struct {
	id     ChannelID
	mode   DeliveryMode
	config *Config
	name   string

	// unreliable send side
	outbox []outMessage

	// reliable send side
	backlog    []outMessage
	sendBuffer *SequenceBuffer[outMessage]
	oldest     uint16
	nextID     uint16

	// reliable receive side
	recvBuffer  *SequenceBuffer[inMessage]
	nextDeliver uint16

	resent uint64
}

func newChannel(config *Config, id ChannelID) *channel {
	c := &channel{
		id:     id,
		mode:   channelModes[id],
		config: config,
		name:   config.Name,
	}
	if c.mode != Unreliable {
		c.sendBuffer = NewSequenceBuffer[outMessage](config.MessageWindow)
		c.recvBuffer = NewSequenceBuffer[inMessage](config.MessageWindow)
	}
	return c
}

// overhead is the segment bytes a message adds besides its data.
func (c *channel) overhead() int {
	switch {
	case c.id == channelEntity:
		return SegmentHeaderBytes + sizeUint16
	case c.mode == Unreliable:
		return SegmentHeaderBytes + sizeUint16
	default:
		return SegmentHeaderBytes + sizeUint8 + sizeUint16 + sizeUint16
	}
}

func (c *channel) enqueue(kind uint16, data []byte) {
	m := outMessage{kind: kind, data: append([]byte(nil), data...)}
	if c.mode == Unreliable {
		c.outbox = append(c.outbox, m)
		return
	}
	c.backlog = append(c.backlog, m)
	c.fill()
}

// fill moves backlog messages into the send window, assigning ids.
func (c *channel) fill() {
	n := 0
	for ; n < len(c.backlog); n++ {
		if int(c.nextID-c.oldest) >= c.config.MessageWindow {
			break
		}
		*c.sendBuffer.Insert(c.nextID) = c.backlog[n]
		c.nextID++
	}
	if n > 0 {
		c.backlog = c.backlog[n:]
	}
}

// pending is the number of messages queued or awaiting acknowledgement.
func (c *channel) pending() int {
	if c.mode == Unreliable {
		return len(c.outbox)
	}
	n := len(c.backlog)
	for id := c.oldest; id != c.nextID; id++ {
		if c.sendBuffer.Exists(id) {
			n++
		}
	}
	return n
}

func (c *channel) encode(id uint16, m *outMessage) Segment {
	b := newBuffer(c.overhead() + len(m.data))
	switch {
	case c.id == channelEntity:
		b.writeUint16(id)
		b.writeBytes(m.data)
		return Segment{Kind: SegmentScopeRemove, Payload: b.bytes()}
	case c.mode == Unreliable:
		b.writeUint16(m.kind)
		b.writeBytes(m.data)
		return Segment{Kind: SegmentEventUnreliable, Payload: b.bytes()}
	default:
		b.writeUint8(uint8(c.id))
		b.writeUint16(id)
		b.writeUint16(m.kind)
		b.writeBytes(m.data)
		return Segment{Kind: SegmentEventReliable, Payload: b.bytes()}
	}
}

// write frames every message due at time now. It stops quietly when the
// frame writer runs out of packets and fails only when a reliable message
// exhausts its resend budget.
func (c *channel) write(w *frameWriter, now, rtt float64) error {
	if c.mode == Unreliable {
		n := 0
		for ; n < len(c.outbox); n++ {
			err := w.write(nil, nil, c.encode(0, &c.outbox[n]))
			if errors.Is(err, errFrameFull) {
				break
			}
			if err != nil {
				log.Warningf("[%s] dropping unreliable message of %d bytes: %v", c.name, len(c.outbox[n].data), err)
			}
		}
		c.outbox = c.outbox[n:]
		return nil
	}

	c.fill()
	for id := c.oldest; id != c.nextID; id++ {
		m := c.sendBuffer.Find(id)
		if m == nil || (m.sends > 0 && now < m.nextSend) {
			continue
		}
		if m.sends > c.config.MaxResends {
			log.Errorf("[%s] channel %d message %d unacked after %d sends", c.name, c.id, id, m.sends)
			return ErrReliabilityExhausted
		}
		err := w.write(&messageRef{channel: c.id, id: id, send: m.sends + 1}, nil, c.encode(id, m))
		if errors.Is(err, errFrameFull) {
			return nil
		}
		if err != nil {
			return err
		}
		m.sends++
		if m.sends > 1 {
			c.resent++
			log.Debugf("[%s] resending channel %d message %d (send %d)", c.name, c.id, id, m.sends)
		}
		m.nextSend = now + resendDelay(c.config, m.sends, rtt)
	}
	return nil
}

// resendDelay is how long to wait before retrying a reliable unit that has
// been sent the given number of times. rtt is in milliseconds.
func resendDelay(config *Config, sends int, rtt float64) float64 {
	base := math.Max(config.ResendMinDelay.Seconds(), 2*rtt/1000)
	delay := base * math.Pow(2, float64(sends-1))
	return math.Min(delay, config.ResendMaxDelay.Seconds())
}

// acked stops tracking a message once a packet carrying it was acknowledged.
func (c *channel) acked(ref messageRef) (outMessage, bool) {
	m := c.sendBuffer.Find(ref.id)
	if m == nil {
		return outMessage{}, false
	}
	acked := *m
	c.sendBuffer.Remove(ref.id)
	for c.oldest != c.nextID && !c.sendBuffer.Exists(c.oldest) {
		c.oldest++
	}
	c.fill()
	return acked, true
}

// lost schedules an immediate resend when the lost packet carried the
// latest send of the message.
func (c *channel) lost(ref messageRef, now float64) {
	m := c.sendBuffer.Find(ref.id)
	if m == nil || m.sends != ref.send {
		return
	}
	m.nextSend = now
}

// receive accepts one message and returns what becomes deliverable.
func (c *channel) receive(id, kind uint16, data []byte) []Message {
	data = append([]byte(nil), data...)
	switch c.mode {
	case Unreliable:
		return []Message{{Channel: c.id, Kind: kind, Data: data}}

	case ReliableUnordered:
		if !c.recvBuffer.TestInsert(id) || c.recvBuffer.Exists(id) {
			log.Debugf("[%s] channel %d dropping duplicate message %d", c.name, c.id, id)
			return nil
		}
		c.recvBuffer.Insert(id)
		return []Message{{Channel: c.id, Kind: kind, Data: data}}

	default:
		if LessThan(id, c.nextDeliver) || c.recvBuffer.Exists(id) {
			log.Debugf("[%s] channel %d dropping duplicate message %d", c.name, c.id, id)
			return nil
		}
		if int(id-c.nextDeliver) >= c.config.MessageWindow {
			log.Warningf("[%s] channel %d message %d outside receive window at %d", c.name, c.id, id, c.nextDeliver)
			return nil
		}
		*c.recvBuffer.Insert(id) = inMessage{kind: kind, data: data}
		var out []Message
		for {
			m := c.recvBuffer.Find(c.nextDeliver)
			if m == nil {
				break
			}
			out = append(out, Message{Channel: c.id, Kind: m.kind, Data: m.data})
			c.recvBuffer.Remove(c.nextDeliver)
			c.nextDeliver++
		}
		return out
	}
}
