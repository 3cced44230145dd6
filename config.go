package replica

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Config holds endpoint configuration data
type Config struct {
	Name       string
	ProtocolID uint64

	// MaxPacketSize is the largest datagram handed to the transport, header included.
	MaxPacketSize     int
	MaxPacketsPerTick int
	PacketHeaderSize  int

	// AckBits is the number of sequences below the ack sequence reported in
	// each header. A sent packet is presumed lost once it falls further than
	// this behind the newest acked sequence.
	AckBits                   int
	SentPacketsBufferSize     int
	ReceivedPacketsBufferSize int

	// MessageWindow bounds how many reliable messages per channel may be in
	// flight. Both peers must agree on it. It and the packet buffer sizes
	// must be powers of two.
	MessageWindow  int
	MaxResends     int
	ResendMinDelay time.Duration
	ResendMaxDelay time.Duration

	RttSmoothingFactor        float64
	PacketLossSmoothingFactor float64
	BandwidthSmoothingFactor  float64

	HandshakeInterval    time.Duration
	MaxHandshakeAttempts int
	HeartbeatInterval    time.Duration
	DisconnectTimeout    time.Duration
	UnknownActorTimeout  time.Duration
	MaxTransportFailures int

	// Workers > 1 lets the server tick distinct connections in parallel.
	Workers int

	// SequenceSource picks the initial packet sequence of a new connection.
	SequenceSource func() uint16
}

// NewDefaultConfig creates a typical endpoint configuration
func NewDefaultConfig() *Config {
	return &Config{
		Name:                      "endpoint",
		ProtocolID:                0x7265706c69636131,
		MaxPacketSize:             1200,
		MaxPacketsPerTick:         8,
		PacketHeaderSize:          28, // note: UDP over IPv4 = 20 + 8 bytes, UDP over IPv6 = 40 + 8 bytes
		AckBits:                   32,
		SentPacketsBufferSize:     256,
		ReceivedPacketsBufferSize: 256,
		MessageWindow:             256,
		MaxResends:                20,
		ResendMinDelay:            100 * time.Millisecond,
		ResendMaxDelay:            2 * time.Second,
		RttSmoothingFactor:        .1,
		PacketLossSmoothingFactor: .1,
		BandwidthSmoothingFactor:  .1,
		HandshakeInterval:         250 * time.Millisecond,
		MaxHandshakeAttempts:      20,
		HeartbeatInterval:         time.Second,
		DisconnectTimeout:         10 * time.Second,
		UnknownActorTimeout:       2 * time.Second,
		MaxTransportFailures:      16,
		Workers:                   1,
		SequenceSource:            randomSequence,
	}
}

func randomSequence() uint16 {
	return uint16(rand.Uint32())
}

func (c *Config) Validate() error {
	switch {
	case c.MaxPacketSize < PacketHeaderBytes+SegmentHeaderBytes+16:
		return fmt.Errorf("%w: MaxPacketSize %d too small", ErrInvalidConfig, c.MaxPacketSize)
	case c.MaxPacketSize > 65535:
		return fmt.Errorf("%w: MaxPacketSize %d too large", ErrInvalidConfig, c.MaxPacketSize)
	case c.MaxPacketsPerTick < 1:
		return fmt.Errorf("%w: MaxPacketsPerTick must be positive", ErrInvalidConfig)
	case c.AckBits < 1 || c.AckBits > 32:
		return fmt.Errorf("%w: AckBits %d outside 1..32", ErrInvalidConfig, c.AckBits)
	case c.SentPacketsBufferSize <= c.AckBits || !ringSize(c.SentPacketsBufferSize):
		return fmt.Errorf("%w: SentPacketsBufferSize %d must exceed AckBits and be a power of two up to 32768", ErrInvalidConfig, c.SentPacketsBufferSize)
	case c.ReceivedPacketsBufferSize <= c.AckBits || !ringSize(c.ReceivedPacketsBufferSize):
		return fmt.Errorf("%w: ReceivedPacketsBufferSize %d must exceed AckBits and be a power of two up to 32768", ErrInvalidConfig, c.ReceivedPacketsBufferSize)
	case !ringSize(c.MessageWindow):
		return fmt.Errorf("%w: MessageWindow %d must be a power of two up to 32768", ErrInvalidConfig, c.MessageWindow)
	case c.MaxResends < 0:
		return fmt.Errorf("%w: MaxResends must not be negative", ErrInvalidConfig)
	case c.ResendMinDelay <= 0 || c.ResendMaxDelay < c.ResendMinDelay:
		return fmt.Errorf("%w: resend delays %v..%v", ErrInvalidConfig, c.ResendMinDelay, c.ResendMaxDelay)
	case c.HandshakeInterval <= 0 || c.MaxHandshakeAttempts < 1:
		return fmt.Errorf("%w: handshake interval and attempts must be positive", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0 || c.DisconnectTimeout <= c.HeartbeatInterval:
		return fmt.Errorf("%w: DisconnectTimeout must exceed HeartbeatInterval", ErrInvalidConfig)
	case c.Workers < 1:
		return fmt.Errorf("%w: Workers must be positive", ErrInvalidConfig)
	}
	return nil
}

// ringSize reports whether n slots index 16-bit sequences without two live
// sequences sharing a slot across the wrap.
func ringSize(n int) bool {
	return n > 0 && n <= 32768 && 65536%n == 0
}

func (c *Config) nextSequence() uint16 {
	if c.SequenceSource == nil {
		return randomSequence()
	}
	return c.SequenceSource()
}
