// Package conntest provides an in-memory Dialer for tests of code built on
// the connection package.
package conntest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/inercia/fundchat/internal/connection"
	"github.com/inercia/fundchat/internal/protocol"
)

// Timeout bounds every blocking helper in this package.
const Timeout = 2 * time.Second

// ErrPipeClosed is returned by writes on a closed pipe.
var ErrPipeClosed = errors.New("pipe closed")

// Dialer hands out in-memory pipes. The backend side of every successful dial
// is delivered through Next.
type Dialer struct {
	mu    sync.Mutex
	err   error
	hold  chan struct{}
	dials int

	accepted chan *Peer
}

var _ connection.Dialer = (*Dialer)(nil)

// NewDialer creates a Dialer that accepts every dial.
func NewDialer() *Dialer {
	return &Dialer{accepted: make(chan *Peer, 32)}
}

// FailWith makes subsequent dials fail with err. A nil err restores success.
func (d *Dialer) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

// Hold makes subsequent dials block until Release or until the dial context ends.
func (d *Dialer) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hold == nil {
		d.hold = make(chan struct{})
	}
}

// Release unblocks held dials.
func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.hold != nil {
		close(d.hold)
		d.hold = nil
	}
}

// Dials returns the number of Dial calls so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements connection.Dialer.
func (d *Dialer) Dial(ctx context.Context) (connection.Conn, error) {
	d.mu.Lock()
	d.dials++
	hold := d.hold
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	p := newPeer()
	d.accepted <- p
	return &pipeConn{peer: p}, nil
}

// Next returns the backend side of the next accepted dial.
func (d *Dialer) Next(t testing.TB) *Peer {
	t.Helper()
	select {
	case p := <-d.accepted:
		return p
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for a dial")
		return nil
	}
}

// Peer is the backend end of a pipe.
type Peer struct {
	toClient   chan []byte
	fromClient chan []byte
	closed     chan struct{}
	once       sync.Once
}

func newPeer() *Peer {
	return &Peer{
		toClient:   make(chan []byte, 64),
		fromClient: make(chan []byte, 64),
		closed:     make(chan struct{}),
	}
}

// Send delivers a raw frame to the client.
func (p *Peer) Send(t testing.TB, data []byte) {
	t.Helper()
	select {
	case p.toClient <- data:
	case <-p.closed:
		t.Errorf("send on closed pipe: %s", data)
	case <-time.After(Timeout):
		t.Fatal("timed out sending frame")
	}
}

// SendFrame encodes and delivers a frame.
func (p *Peer) SendFrame(t testing.TB, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	p.Send(t, data)
}

// Stream sends the frames of a complete answer: the query echo, each chunk,
// an optional citation payload and the end marker.
func (p *Peer) Stream(t testing.TB, query string, chunks []string, citations string) {
	t.Helper()
	p.SendFrame(t, protocol.NewFrame(protocol.FrameStream, protocol.SenderYou, query))
	for _, c := range chunks {
		p.SendFrame(t, protocol.NewFrame(protocol.FrameStream, "bot", c))
	}
	if citations != "" {
		p.SendFrame(t, protocol.NewFrame(protocol.FrameCitation, "bot", citations))
	}
	p.SendFrame(t, protocol.Frame{Type: protocol.FrameEnd})
}

// Recv returns the next frame written by the client.
func (p *Peer) Recv(t testing.TB) []byte {
	t.Helper()
	select {
	case data := <-p.fromClient:
		return data
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for a client frame")
		return nil
	}
}

// TryRecv returns a pending client frame without blocking.
func (p *Peer) TryRecv() ([]byte, bool) {
	select {
	case data := <-p.fromClient:
		return data, true
	default:
		return nil, false
	}
}

// Close drops the pipe from the backend side.
func (p *Peer) Close() {
	p.once.Do(func() { close(p.closed) })
}

// Closed reports whether either side has closed the pipe.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// WaitClosed fails the test if the pipe is not closed within Timeout.
func (p *Peer) WaitClosed(t testing.TB) {
	t.Helper()
	select {
	case <-p.closed:
	case <-time.After(Timeout):
		t.Fatal("timed out waiting for the pipe to close")
	}
}

type pipeConn struct {
	peer *Peer
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	// Drain frames queued before a close.
	select {
	case data := <-c.peer.toClient:
		return data, nil
	default:
	}
	select {
	case data := <-c.peer.toClient:
		return data, nil
	case <-c.peer.closed:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteMessage(data []byte) error {
	select {
	case <-c.peer.closed:
		return ErrPipeClosed
	default:
	}
	select {
	case c.peer.fromClient <- append([]byte(nil), data...):
		return nil
	case <-c.peer.closed:
		return ErrPipeClosed
	}
}

func (c *pipeConn) Close() error {
	c.peer.Close()
	return nil
}
