package replica

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadEnv.
const EnvPrefix = "REPLICA_"

// envConfig lists the settings that may be overridden from the environment.
// Unset variables leave the current value alone.
type envConfig struct {
	Name                 string        `env:"NAME"`
	ProtocolID           uint64        `env:"PROTOCOL_ID"`
	MaxPacketSize        int           `env:"MAX_PACKET_SIZE"`
	MaxPacketsPerTick    int           `env:"MAX_PACKETS_PER_TICK"`
	AckBits              int           `env:"ACK_BITS"`
	MessageWindow        int           `env:"MESSAGE_WINDOW"`
	MaxResends           int           `env:"MAX_RESENDS"`
	ResendMinDelay       time.Duration `env:"RESEND_MIN_DELAY"`
	ResendMaxDelay       time.Duration `env:"RESEND_MAX_DELAY"`
	HandshakeInterval    time.Duration `env:"HANDSHAKE_INTERVAL"`
	MaxHandshakeAttempts int           `env:"MAX_HANDSHAKE_ATTEMPTS"`
	HeartbeatInterval    time.Duration `env:"HEARTBEAT_INTERVAL"`
	DisconnectTimeout    time.Duration `env:"DISCONNECT_TIMEOUT"`
	UnknownActorTimeout  time.Duration `env:"UNKNOWN_ACTOR_TIMEOUT"`
	Workers              int           `env:"WORKERS"`
}

// LoadEnv overrides fields of c from REPLICA_* environment variables and
// validates the result.
func LoadEnv(c *Config) error {
	e := envConfig{
		Name:                 c.Name,
		ProtocolID:           c.ProtocolID,
		MaxPacketSize:        c.MaxPacketSize,
		MaxPacketsPerTick:    c.MaxPacketsPerTick,
		AckBits:              c.AckBits,
		MessageWindow:        c.MessageWindow,
		MaxResends:           c.MaxResends,
		ResendMinDelay:       c.ResendMinDelay,
		ResendMaxDelay:       c.ResendMaxDelay,
		HandshakeInterval:    c.HandshakeInterval,
		MaxHandshakeAttempts: c.MaxHandshakeAttempts,
		HeartbeatInterval:    c.HeartbeatInterval,
		DisconnectTimeout:    c.DisconnectTimeout,
		UnknownActorTimeout:  c.UnknownActorTimeout,
		Workers:              c.Workers,
	}
	if err := env.ParseWithOptions(&e, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	c.Name = e.Name
	c.ProtocolID = e.ProtocolID
	c.MaxPacketSize = e.MaxPacketSize
	c.MaxPacketsPerTick = e.MaxPacketsPerTick
	c.AckBits = e.AckBits
	c.MessageWindow = e.MessageWindow
	c.MaxResends = e.MaxResends
	c.ResendMinDelay = e.ResendMinDelay
	c.ResendMaxDelay = e.ResendMaxDelay
	c.HandshakeInterval = e.HandshakeInterval
	c.MaxHandshakeAttempts = e.MaxHandshakeAttempts
	c.HeartbeatInterval = e.HeartbeatInterval
	c.DisconnectTimeout = e.DisconnectTimeout
	c.UnknownActorTimeout = e.UnknownActorTimeout
	c.Workers = e.Workers
	return c.Validate()
}
