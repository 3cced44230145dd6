package replica

import (
	"errors"
	"fmt"
)

var ErrInvalidConfig = errors.New("config error: invalid value")

var ErrHandshakeTimeout = errors.New("handshake error: no response from remote within the attempt budget")
var ErrConnectionDenied = errors.New("handshake error: remote denied the connection")
var ErrConnectionTimeout = errors.New("connection error: nothing heard from remote within the disconnect timeout")
var ErrRemoteClosed = errors.New("connection error: remote closed the connection")
var ErrClosed = errors.New("connection error: connection is closed")
var ErrNotConnected = errors.New("connection error: connection is not established")

var ErrReliabilityExhausted = errors.New("reliability error: a reliable message exceeded its resend budget")
var ErrMessageTooLarge = errors.New("message error: message does not fit in a single packet")

var ErrMalformedPacket = errors.New("packet error: malformed packet")
var ErrStalePacket = errors.New("packet error: stale or duplicate packet")

var ErrUnknownActor = errors.New("actor error: unknown actor reference")
var ErrUnknownSchema = errors.New("schema error: unknown actor type")
var ErrFieldKind = errors.New("schema error: value kind does not match field kind")

// TransportError wraps a failure reported by the transport when sending to Addr.
type TransportError struct {
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: send to %s: %v", e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPacket, fmt.Sprintf(format, args...))
}
