package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"iter"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the protocol negotiated by QUIC peers.
const ALPN = "replica"

const closeNormal quic.ApplicationErrorCode = 0

// QUIC carries each packet in one unreliable QUIC datagram, so QUIC's own
// streams and retransmission are never used.
type QUIC struct {
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	in       inbox

	mu    sync.RWMutex
	conns map[string]*quic.Conn
}

func quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 5 * time.Second,
	}
}

func newQUIC() *QUIC {
	ctx, cancel := context.WithCancel(context.Background())
	return &QUIC{
		ctx:    ctx,
		cancel: cancel,
		in:     newInbox(),
		conns:  make(map[string]*quic.Conn),
	}
}

// ListenQUIC accepts QUIC connections on addr.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUIC, error) {
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	q := newQUIC()
	q.listener = listener
	go q.acceptLoop()
	return q, nil
}

// DialQUIC connects to a QUIC server. Packets from the server are reported
// under addr.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (*QUIC, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, err
	}
	q := newQUIC()
	q.register(addr, conn)
	return q, nil
}

func (q *QUIC) Addr() net.Addr {
	if q.listener == nil {
		return nil
	}
	return q.listener.Addr()
}

func (q *QUIC) acceptLoop() {
	for {
		conn, err := q.listener.Accept(q.ctx)
		if err != nil {
			select {
			case <-q.ctx.Done():
				return
			default:
				log.Warningf("quic accept: %v", err)
				continue
			}
		}
		q.register(conn.RemoteAddr().String(), conn)
	}
}

func (q *QUIC) register(addr string, conn *quic.Conn) {
	q.mu.Lock()
	q.conns[addr] = conn
	q.mu.Unlock()
	go q.datagramLoop(addr, conn)
}

func (q *QUIC) datagramLoop(addr string, conn *quic.Conn) {
	defer func() {
		q.mu.Lock()
		if q.conns[addr] == conn {
			delete(q.conns, addr)
		}
		q.mu.Unlock()
	}()
	for {
		data, err := conn.ReceiveDatagram(q.ctx)
		if err != nil {
			select {
			case <-q.ctx.Done():
			default:
				log.Infof("quic connection %s closed: %v", addr, err)
			}
			return
		}
		q.in.push(addr, data)
	}
}

func (q *QUIC) Send(addr string, data []byte) error {
	if q.ctx.Err() != nil {
		return ErrClosed
	}
	q.mu.RLock()
	conn, ok := q.conns[addr]
	q.mu.RUnlock()
	if !ok {
		return ErrUnknownPeer
	}
	return conn.SendDatagram(data)
}

func (q *QUIC) Receive() iter.Seq2[string, []byte] {
	return q.in.drain()
}

func (q *QUIC) Close() error {
	q.cancel()
	q.mu.Lock()
	for addr, conn := range q.conns {
		_ = conn.CloseWithError(closeNormal, "closing")
		delete(q.conns, addr)
	}
	q.mu.Unlock()
	if q.listener != nil {
		return q.listener.Close()
	}
	return nil
}

// SelfSignedTLS returns a server TLS config with a throwaway certificate,
// suitable for examples and tests.
func SelfSignedTLS(hosts ...string) (*tls.Config, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"replica"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
		NextProtos:   []string{ALPN},
	}, nil
}

// InsecureClientTLS skips certificate verification, for use against SelfSignedTLS servers.
func InsecureClientTLS() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true, NextProtos: []string{ALPN}}
}
