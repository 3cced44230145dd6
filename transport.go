package replica

import "iter"

// Transport moves whole packets between endpoints without any delivery or
// ordering guarantee. Receive must not block: it yields what has arrived
// since the last call and returns. Implementations live in the transport
// package.
type Transport interface {
	Send(addr string, data []byte) error
	Receive() iter.Seq2[string, []byte]
	Close() error
}
