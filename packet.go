package replica

import (
	"errors"
	"fmt"
)

// SegmentKind tags each typed payload inside a packet.
type SegmentKind uint8

const (
	SegmentEventReliable SegmentKind = iota + 1
	SegmentEventUnreliable
	SegmentScopeAdd
	SegmentScopeRemove
	SegmentEntityFullState
	SegmentEntityDelta
	SegmentConnectRequest
	SegmentConnectAccept
	SegmentConnectConfirm
	SegmentConnectDeny
	SegmentDisconnect
	SegmentHeartbeat
	segmentKindMax
)

var segmentNames = [...]string{
	SegmentEventReliable:   "EventReliable",
	SegmentEventUnreliable: "EventUnreliable",
	SegmentScopeAdd:        "ScopeAdd",
	SegmentScopeRemove:     "ScopeRemove",
	SegmentEntityFullState: "EntityFullState",
	SegmentEntityDelta:     "EntityDelta",
	SegmentConnectRequest:  "ConnectRequest",
	SegmentConnectAccept:   "ConnectAccept",
	SegmentConnectConfirm:  "ConnectConfirm",
	SegmentConnectDeny:     "ConnectDeny",
	SegmentDisconnect:      "Disconnect",
	SegmentHeartbeat:       "Heartbeat",
}

func (k SegmentKind) String() string {
	if k == 0 || k >= segmentKindMax {
		return fmt.Sprintf("SegmentKind(%d)", uint8(k))
	}
	return segmentNames[k]
}

func (k SegmentKind) handshake() bool {
	return k == SegmentConnectRequest || k == SegmentConnectAccept || k == SegmentConnectDeny
}

const (
	PacketHeaderBytes  = 14
	SegmentHeaderBytes = 3
)

type PacketHeader struct {
	ConnectionID uint16
	Sequence     uint16
	Ack          uint16
	AckBits      uint32
	Tick         uint32
}

type Segment struct {
	Kind    SegmentKind
	Payload []byte
}

func (s Segment) size() int {
	return SegmentHeaderBytes + len(s.Payload)
}

func WritePacketHeader(packetData *buffer, h PacketHeader) int {
	packetData.writeUint16(h.ConnectionID)
	packetData.writeUint16(h.Sequence)
	packetData.writeUint16(h.Ack)
	packetData.writeUint32(h.AckBits)
	packetData.writeUint32(h.Tick)
	return PacketHeaderBytes
}

func ReadPacketHeader(packetData []byte) (PacketHeader, error) {
	var h PacketHeader
	if len(packetData) < PacketHeaderBytes {
		return h, malformed("packet too small for packet header: %d bytes", len(packetData))
	}
	p := newBufferFromRef(packetData)
	h.ConnectionID, _ = p.getUint16()
	h.Sequence, _ = p.getUint16()
	h.Ack, _ = p.getUint16()
	h.AckBits, _ = p.getUint32()
	h.Tick, _ = p.getUint32()
	return h, nil
}

// ReadPacket splits a packet into its header and segments. Every segment is
// validated before any is returned so a bad packet is rejected as a whole.
func ReadPacket(packetData []byte) (PacketHeader, []Segment, error) {
	h, err := ReadPacketHeader(packetData)
	if err != nil {
		return h, nil, err
	}
	p := newBufferFromRef(packetData[PacketHeaderBytes:])
	var segments []Segment
	for p.remaining() > 0 {
		kind, err := p.getUint8()
		if err != nil {
			return h, nil, malformed("truncated segment kind")
		}
		if kind == 0 || SegmentKind(kind) >= segmentKindMax {
			return h, nil, malformed("unknown segment kind %d", kind)
		}
		length, err := p.getUint16()
		if err != nil {
			return h, nil, malformed("truncated %v segment length", SegmentKind(kind))
		}
		payload, err := p.getBytes(int(length))
		if err != nil {
			return h, nil, malformed("%v segment claims %d bytes, %d remain", SegmentKind(kind), length, p.remaining())
		}
		segments = append(segments, Segment{Kind: SegmentKind(kind), Payload: payload})
	}
	return h, segments, nil
}

// WritePacket frames a complete packet. Used for handshake and control packets.
func WritePacket(h PacketHeader, segments ...Segment) []byte {
	size := PacketHeaderBytes
	for _, s := range segments {
		size += s.size()
	}
	b := newBuffer(size)
	WritePacketHeader(b, h)
	for _, s := range segments {
		writeSegment(b, s)
	}
	return b.bytes()
}

func writeSegment(b *buffer, s Segment) {
	b.writeUint8(uint8(s.Kind))
	b.writeUint16(uint16(len(s.Payload)))
	b.writeBytes(s.Payload)
}

// framedPacket is a packet body under construction together with what it carries,
// so acks and losses can be routed back once a sequence is assigned.
type framedPacket struct {
	body     *buffer
	messages []messageRef
	entities []entityRef
}

var errFrameFull = errors.New("frame writer: packet budget exhausted")

// frameWriter coalesces units of segments into as few packets as possible.
// A unit is never split across packets.
type frameWriter struct {
	maxBody    int
	maxPackets int
	packets    []*framedPacket
}

func newFrameWriter(config *Config) *frameWriter {
	return &frameWriter{
		maxBody:    config.MaxPacketSize - PacketHeaderBytes,
		maxPackets: config.MaxPacketsPerTick,
	}
}

// fits reports whether a unit of the given size could ever be framed.
func (w *frameWriter) fits(size int) bool {
	return size <= w.maxBody
}

func (w *frameWriter) current(size int) (*framedPacket, error) {
	if !w.fits(size) {
		return nil, ErrMessageTooLarge
	}
	if n := len(w.packets); n > 0 {
		last := w.packets[n-1]
		if last.body.len()+size <= w.maxBody {
			return last, nil
		}
	}
	if len(w.packets) >= w.maxPackets {
		return nil, errFrameFull
	}
	p := &framedPacket{body: newBuffer(w.maxBody)}
	w.packets = append(w.packets, p)
	return p, nil
}

func (w *frameWriter) write(msg *messageRef, ent *entityRef, segments ...Segment) error {
	size := 0
	for _, s := range segments {
		size += s.size()
	}
	p, err := w.current(size)
	if err != nil {
		return err
	}
	for _, s := range segments {
		writeSegment(p.body, s)
	}
	if msg != nil {
		p.messages = append(p.messages, *msg)
	}
	if ent != nil {
		p.entities = append(p.entities, *ent)
	}
	return nil
}

func (w *frameWriter) empty() bool {
	return len(w.packets) == 0
}
