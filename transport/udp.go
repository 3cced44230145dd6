package transport

import (
	"errors"
	"iter"
	"net"
	"sync"
	"sync/atomic"
)

// UDP sends packets over a single UDP socket. Servers listen on a known
// address; clients bind an ephemeral port and send to the server.
type UDP struct {
	conn   net.PacketConn
	in     inbox
	closed atomic.Bool

	mu    sync.Mutex
	addrs map[string]net.Addr
}

func ListenUDP(addr string) (*UDP, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, err
	}
	u := &UDP{
		conn:  conn,
		in:    newInbox(),
		addrs: make(map[string]net.Addr),
	}
	go u.readLoop()
	return u, nil
}

// DialUDP binds an ephemeral port for talking to a server.
func DialUDP() (*UDP, error) {
	return ListenUDP(":0")
}

func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) readLoop() {
	buffer := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := u.conn.ReadFrom(buffer)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warningf("udp read: %v", err)
			continue
		}
		key := addr.String()
		u.mu.Lock()
		u.addrs[key] = addr
		u.mu.Unlock()
		u.in.push(key, append([]byte(nil), buffer[:n]...))
	}
}

func (u *UDP) resolve(addr string) (net.Addr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if a, ok := u.addrs[addr]; ok {
		return a, nil
	}
	a, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	u.addrs[addr] = a
	return a, nil
}

func (u *UDP) Send(addr string, data []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	a, err := u.resolve(addr)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteTo(data, a)
	return err
}

func (u *UDP) Receive() iter.Seq2[string, []byte] {
	return u.in.drain()
}

func (u *UDP) Close() error {
	if u.closed.Swap(true) {
		return nil
	}
	return u.conn.Close()
}
