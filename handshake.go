package replica

import (
	"crypto/hmac"
	"encoding/binary"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// TokenBytes is the size of the connect token a server hands out in its
// accept and expects back in the client's confirm.
const TokenBytes = 16

type connectRequest struct {
	protocolID uint64
	nonce      uuid.UUID
	payload    []byte
}

func (r *connectRequest) segment() Segment {
	b := newBuffer(sizeUint64 + len(r.nonce) + len(r.payload))
	b.writeUint64(r.protocolID)
	b.writeBytes(r.nonce[:])
	b.writeBytes(r.payload)
	return Segment{Kind: SegmentConnectRequest, Payload: b.bytes()}
}

func decodeConnectRequest(payload []byte) (connectRequest, error) {
	var r connectRequest
	b := newBufferFromRef(payload)
	var err error
	if r.protocolID, err = b.getUint64(); err != nil {
		return r, malformed("truncated connect request")
	}
	nonce, err := b.getBytes(len(r.nonce))
	if err != nil {
		return r, malformed("truncated connect request nonce")
	}
	copy(r.nonce[:], nonce)
	r.payload = append([]byte(nil), b.rest()...)
	return r, nil
}

type connectAccept struct {
	sequence uint16
	token    [TokenBytes]byte
}

func (a *connectAccept) segment() Segment {
	b := newBuffer(sizeUint16 + TokenBytes)
	b.writeUint16(a.sequence)
	b.writeBytes(a.token[:])
	return Segment{Kind: SegmentConnectAccept, Payload: b.bytes()}
}

func decodeConnectAccept(payload []byte) (connectAccept, error) {
	var a connectAccept
	if len(payload) != sizeUint16+TokenBytes {
		return a, malformed("connect accept of %d bytes", len(payload))
	}
	a.sequence = binary.LittleEndian.Uint16(payload)
	copy(a.token[:], payload[sizeUint16:])
	return a, nil
}

func confirmSegment(token [TokenBytes]byte) Segment {
	return Segment{Kind: SegmentConnectConfirm, Payload: token[:]}
}

func denySegment(reason string) Segment {
	if len(reason) > 255 {
		reason = reason[:255]
	}
	return Segment{Kind: SegmentConnectDeny, Payload: []byte(reason)}
}

// connectToken binds an accepted request to the id and address it was
// given, so only the requester can confirm it.
func connectToken(secret []byte, nonce uuid.UUID, id uint16, addr string) [TokenBytes]byte {
	mac := hmac.New(sha3.New256, secret)
	mac.Write(nonce[:])
	mac.Write(binary.LittleEndian.AppendUint16(nil, id))
	mac.Write([]byte(addr))
	var token [TokenBytes]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// handshake is the client side of connection establishment.
type handshake struct {
	nonce       uuid.UUID
	payload     []byte
	attempts    int
	nextAttempt float64
	confirmed   bool
}

// requestPacket builds the next connect request, or fails once the
// attempt budget is spent.
func (c *Connection) requestPacket(tick uint32) ([]byte, error) {
	hs := &c.handshake
	if c.time < hs.nextAttempt {
		return nil, nil
	}
	if hs.attempts >= c.config.MaxHandshakeAttempts {
		return nil, ErrHandshakeTimeout
	}
	hs.attempts++
	hs.nextAttempt = c.time + c.config.HandshakeInterval.Seconds()
	log.Debugf("[%s] sending connect request %d/%d", c.name, hs.attempts, c.config.MaxHandshakeAttempts)
	req := connectRequest{protocolID: c.config.ProtocolID, nonce: hs.nonce, payload: hs.payload}
	return WritePacket(PacketHeader{Sequence: c.initialSequence, Tick: tick}, req.segment()), nil
}

// acceptPacket is the server's reply to a connect request, resent for
// every duplicate request while the connection is not yet confirmed.
func (c *Connection) acceptPacket(tick uint32) []byte {
	accept := connectAccept{sequence: c.initialSequence, token: c.token}
	return WritePacket(PacketHeader{ConnectionID: c.id, Sequence: c.initialSequence, Tick: tick}, accept.segment())
}

// DenyPacket is the reply to a connect request the server refuses.
func DenyPacket(reason string) []byte {
	return WritePacket(PacketHeader{}, denySegment(reason))
}

// onHandshake handles a packet received by a client that is still connecting.
func (c *Connection) onHandshake(h PacketHeader, segments []Segment) (Received, error) {
	for _, s := range segments {
		switch s.Kind {
		case SegmentConnectAccept:
			accept, err := decodeConnectAccept(s.Payload)
			if err != nil {
				c.acks.Counters[CounterNumPacketsInvalid]++
				return Received{}, err
			}
			c.id = h.ConnectionID
			c.token = accept.token
			c.heardTick(h.Tick)
			c.establish(accept.sequence)
			log.Infof("[%s] connected as %d", c.name, c.id)
			return Received{Connected: true}, nil
		case SegmentConnectDeny:
			log.Warningf("[%s] connection denied: %s", c.name, s.Payload)
			c.state = StateDisconnected
			c.err = ErrConnectionDenied
			c.release()
			return Received{}, ErrConnectionDenied
		}
	}
	log.Debugf("[%s] ignoring packet %d while connecting", c.name, h.Sequence)
	return Received{}, nil
}

// confirms reports whether a packet carries the token handed out at accept.
func (c *Connection) confirms(segments []Segment) bool {
	for _, s := range segments {
		if s.Kind == SegmentConnectConfirm && hmac.Equal(s.Payload, c.token[:]) {
			return true
		}
	}
	return false
}
