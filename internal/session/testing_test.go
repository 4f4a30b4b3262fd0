package session

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/postalsys/toss/internal/identity"
	"github.com/postalsys/toss/internal/transport"
)

// testIdentity generates a fresh device identity for use in tests.
func testIdentity() *identity.Keypair {
	kp, err := identity.NewKeypair()
	if err != nil {
		panic(err)
	}
	return kp
}

// pipeStream adapts one end of a loopback TCP connection into a
// transport.Stream.
type pipeStream struct {
	net.Conn
	id uint64
}

func (p *pipeStream) StreamID() uint64  { return p.id }
func (p *pipeStream) CloseWrite() error { return nil }

// pipePeerConn is a transport.PeerConn backed by a loopback TCP
// connection, handing out exactly one stream per OpenStream/AcceptStream
// call from a fixed pair, so a test can drive both sides of a handshake
// without a real peer transport. The kernel socket buffers let both sides
// write their DeviceInfo frame before reading the other's, as
// PerformHandshake does; an unbuffered net.Pipe would block both writes.
type pipePeerConn struct {
	isDialer bool
	mu       sync.Mutex
	pending  chan *pipeStream
	closed   bool
}

// newPipePeerConnPair returns two connected PeerConns: the dial side and
// the accept side, sharing a single loopback stream.
func newPipePeerConnPair() (dialer, acceptor *pipePeerConn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	defer ln.Close()
	a, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		panic(err)
	}
	b, err := ln.Accept()
	if err != nil {
		panic(err)
	}
	dialer = &pipePeerConn{isDialer: true, pending: make(chan *pipeStream, 1)}
	acceptor = &pipePeerConn{isDialer: false, pending: make(chan *pipeStream, 1)}
	dialer.pending <- &pipeStream{Conn: a, id: 1}
	acceptor.pending <- &pipeStream{Conn: b, id: 2}
	return dialer, acceptor
}

func (p *pipePeerConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-p.pending:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipePeerConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case s := <-p.pending:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipePeerConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *pipePeerConn) LocalAddr() net.Addr  { return testAddr("local") }
func (p *pipePeerConn) RemoteAddr() net.Addr { return testAddr("remote") }
func (p *pipePeerConn) IsDialer() bool       { return p.isDialer }
func (p *pipePeerConn) TransportType() transport.TransportType {
	return transport.TransportQUIC
}

type testAddr string

func (a testAddr) Network() string { return "test" }
func (a testAddr) String() string  { return string(a) }

// nullPeerConn is a minimal PeerConn for tests that exercise connection
// bookkeeping without ever opening a stream.
type nullPeerConn struct {
	isDialer bool
}

func (n *nullPeerConn) OpenStream(ctx context.Context) (transport.Stream, error) {
	return nil, context.DeadlineExceeded
}

func (n *nullPeerConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return nil, context.DeadlineExceeded
}

func (n *nullPeerConn) Close() error          { return nil }
func (n *nullPeerConn) LocalAddr() net.Addr   { return testAddr("local") }
func (n *nullPeerConn) RemoteAddr() net.Addr  { return testAddr("remote") }
func (n *nullPeerConn) IsDialer() bool        { return n.isDialer }
func (n *nullPeerConn) TransportType() transport.TransportType {
	return transport.TransportQUIC
}

const testTimeout = 2 * time.Second
