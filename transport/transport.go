// Package transport provides packet transports for replica: UDP sockets,
// QUIC datagrams, WebSocket binary messages and an in-memory lossy network
// for tests and soak runs.
package transport

import (
	"errors"
	"iter"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("transport")

var ErrClosed = errors.New("transport: closed")
var ErrUnknownPeer = errors.New("transport: unknown peer")

// MaxDatagramSize is the largest packet any transport reads.
const MaxDatagramSize = 65535

// inboxSize bounds how many packets wait between two Receive calls; the
// excess is dropped like a full socket buffer would.
const inboxSize = 4096

type datagram struct {
	addr string
	data []byte
}

type inbox chan datagram

func newInbox() inbox {
	return make(inbox, inboxSize)
}

func (in inbox) push(addr string, data []byte) {
	select {
	case in <- datagram{addr: addr, data: data}:
	default:
		log.Warningf("inbox full, dropping %d bytes from %s", len(data), addr)
	}
}

// drain yields what is queued right now without waiting for more.
func (in inbox) drain() iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		for n := len(in); n > 0; n-- {
			d := <-in
			if !yield(d.addr, d.data) {
				return
			}
		}
	}
}
