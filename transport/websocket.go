package transport

import (
	"iter"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket carries each packet as one binary message. TCP makes it
// reliable and ordered underneath, which the protocol tolerates; it exists
// for browser clients that cannot open UDP sockets.
type WebSocket struct {
	upgrader websocket.Upgrader
	in       inbox
	closed   atomic.Bool

	mu    sync.RWMutex
	peers map[string]*wsPeer
}

type wsPeer struct {
	conn *websocket.Conn
	// gorilla allows one concurrent writer per connection
	mu sync.Mutex
}

func newWebSocket() *WebSocket {
	return &WebSocket{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  MaxDatagramSize,
			WriteBufferSize: MaxDatagramSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		in:    newInbox(),
		peers: make(map[string]*wsPeer),
	}
}

// NewWebSocketServer returns a transport whose ServeHTTP upgrades clients.
func NewWebSocketServer() *WebSocket {
	return newWebSocket()
}

// DialWebSocket connects to a server at url. Packets from the server are
// reported under url.
func DialWebSocket(url string) (*WebSocket, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	w := newWebSocket()
	w.register(url, conn)
	return w, nil
}

func (w *WebSocket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if w.closed.Load() {
		http.Error(rw, "closed", http.StatusServiceUnavailable)
		return
	}
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.Warningf("websocket upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	w.register(conn.RemoteAddr().String(), conn)
}

func (w *WebSocket) register(addr string, conn *websocket.Conn) {
	conn.SetReadLimit(MaxDatagramSize)
	p := &wsPeer{conn: conn}
	w.mu.Lock()
	w.peers[addr] = p
	w.mu.Unlock()
	go w.readLoop(addr, p)
}

func (w *WebSocket) readLoop(addr string, p *wsPeer) {
	defer func() {
		w.mu.Lock()
		if w.peers[addr] == p {
			delete(w.peers, addr)
		}
		w.mu.Unlock()
		p.conn.Close()
	}()
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if !w.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Infof("websocket %s closed: %v", addr, err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		w.in.push(addr, data)
	}
}

func (w *WebSocket) Send(addr string, data []byte) error {
	if w.closed.Load() {
		return ErrClosed
	}
	w.mu.RLock()
	p, ok := w.peers[addr]
	w.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *WebSocket) Receive() iter.Seq2[string, []byte] {
	return w.in.drain()
}

func (w *WebSocket) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for addr, p := range w.peers {
		p.mu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.mu.Unlock()
		p.conn.Close()
		delete(w.peers, addr)
	}
	return nil
}
