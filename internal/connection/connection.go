// Package connection manages the single live streaming connection of a chat
// session.
//
// A Manager owns at most one Handle at a time. Opening a new Handle always
// closes the previous one first. A Handle dials the backend, writes the
// handshake frame and only then reports itself Open; from then on it delivers
// inbound frames to the Manager's callbacks, tagged with the Handle so the
// consumer can drop anything coming from a Handle it no longer cares about.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inercia/fundchat/internal/logging"
)

var (
	// ErrNotOpen is returned by Send when the Handle is not Open.
	ErrNotOpen = errors.New("connection not open")

	// ErrConnectivity wraps every transport-level failure.
	ErrConnectivity = errors.New("connectivity error")

	// ErrManagerClosed is the error of handles opened after Manager.Close.
	ErrManagerClosed = errors.New("connection manager closed")
)

// State is the lifecycle state of a Handle.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

// Conn is a message-oriented bidirectional transport.
// ReadMessage is called from a single goroutine; WriteMessage calls are
// serialized by the Handle. Close may be called concurrently with both.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transports to the backend.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Target identifies a connection session.
type Target struct {
	Credential     string
	ConversationID string
	// Handshake is written as the first frame once the transport is up.
	Handshake []byte
}

// Callbacks receive Handle events. All callbacks are optional. They run on
// the Handle's own goroutine, never under a Manager or Handle lock, and a
// callback may call back into the Manager (for example to Open a new Handle).
type Callbacks struct {
	// OnReady is called once the handshake has been written.
	OnReady func(h *Handle)

	// OnFrame is called for every inbound frame while the Handle is Open.
	OnFrame func(h *Handle, data []byte)

	// OnClosed is called once when the Handle's goroutine exits. err is nil
	// after an explicit Close and wraps ErrConnectivity otherwise.
	OnClosed func(h *Handle, err error)
}

// DefaultDialTimeout bounds the rate limiter wait plus one dial.
const DefaultDialTimeout = 10 * time.Second

// Manager owns the current Handle. It is safe for concurrent use.
type Manager struct {
	dialer      Dialer
	callbacks   Callbacks
	limiter     *rate.Limiter
	dialTimeout time.Duration

	mu      sync.Mutex
	current *Handle
	nextID  uint64
	closed  bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithRateLimit paces dials: at most burst dials at once, refilled at r per second.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(m *Manager) {
		m.limiter = rate.NewLimiter(r, burst)
	}
}

// WithDialTimeout overrides DefaultDialTimeout.
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// NewManager creates a Manager that dials through d.
func NewManager(d Dialer, callbacks Callbacks, opts ...Option) *Manager {
	m := &Manager{
		dialer:      d,
		callbacks:   callbacks,
		dialTimeout: DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open closes the current Handle, if any, and starts a new one for t.
// The previous transport is closed before the new dial begins.
func (m *Manager) Open(t Target) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.Close()
		m.current = nil
	}

	m.nextID++
	h := newHandle(m.nextID, t, m.callbacks)
	if m.closed {
		h.finish(StateError, ErrManagerClosed)
		return h
	}
	m.current = h

	logging.WithHandle(logging.Conn(), h.id, t.ConversationID).Debug("opening connection")

	go h.run(m.dialer, m.limiter, m.dialTimeout)
	return h
}

// Current returns the current Handle, or nil.
func (m *Manager) Current() *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// IsCurrent reports whether h is the Manager's current Handle.
func (m *Manager) IsCurrent(h *Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return h != nil && m.current == h
}

// Disconnect closes the current Handle and leaves the Manager usable.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
}

// Close closes the current Handle. Handles opened afterwards fail immediately.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.current != nil {
		m.current.Close()
		m.current = nil
	}
	return nil
}

// Handle is one connection attempt and, if it succeeds, the live connection.
type Handle struct {
	id        uint64
	target    Target
	callbacks Callbacks

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	err   error
	conn  Conn
	ready chan struct{}
	done  chan struct{}

	writeMu sync.Mutex
}

func newHandle(id uint64, t Target, cb Callbacks) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		id:        id,
		target:    t,
		callbacks: cb,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateConnecting,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID is unique per Manager.
func (h *Handle) ID() uint64 { return h.id }

// Target returns the session this Handle was opened for.
func (h *Handle) Target() Target { return h.target }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err returns the failure that moved the Handle to StateError.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Ready reports whether the Handle is Open with the handshake written.
func (h *Handle) Ready() bool {
	return h.State() == StateOpen
}

// Done is closed when the Handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// WaitReady blocks until the Handle is Open, reaches a terminal state, or ctx
// ends. It returns nil only when the Handle is Open.
func (h *Handle) WaitReady(ctx context.Context) error {
	select {
	case <-h.ready:
		if h.Ready() {
			return nil
		}
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateOpen {
		return nil
	}
	if h.err != nil {
		return h.err
	}
	return ErrNotOpen
}

// Send writes one outbound frame.
func (h *Handle) Send(data []byte) error {
	h.mu.Lock()
	if h.state != StateOpen {
		h.mu.Unlock()
		return ErrNotOpen
	}
	conn := h.conn
	h.mu.Unlock()

	if err := h.write(conn, data); err != nil {
		h.fail(err)
		if err := h.Err(); err != nil {
			return err
		}
		return ErrNotOpen
	}
	return nil
}

// Close tears the Handle down. It does not wait for the read goroutine.
func (h *Handle) Close() error {
	h.finish(StateClosed, nil)
	return nil
}

func (h *Handle) write(conn Conn, data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return conn.WriteMessage(data)
}

// fail moves a live Handle to StateError.
func (h *Handle) fail(cause error) {
	h.finish(StateError, fmt.Errorf("%w: %v", ErrConnectivity, cause))
}

func (h *Handle) finish(state State, err error) {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state = state
	h.err = err
	conn := h.conn
	close(h.done)
	h.mu.Unlock()

	h.cancel()
	if conn != nil {
		conn.Close()
	}
}

// attach stores the dialed transport unless the Handle was closed meanwhile.
func (h *Handle) attach(conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state.Terminal() {
		return false
	}
	h.conn = conn
	return true
}

func (h *Handle) markOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateConnecting {
		return false
	}
	h.state = StateOpen
	close(h.ready)
	return true
}

func (h *Handle) run(d Dialer, limiter *rate.Limiter, timeout time.Duration) {
	log := logging.WithHandle(logging.Conn(), h.id, h.target.ConversationID)

	defer func() {
		err := h.Err()
		if err != nil {
			log.Debug("connection failed", "error", err)
		} else {
			log.Debug("connection closed")
		}
		if h.callbacks.OnClosed != nil {
			h.callbacks.OnClosed(h, err)
		}
	}()

	dialCtx, cancel := context.WithTimeout(h.ctx, timeout)
	defer cancel()

	if limiter != nil {
		if err := limiter.Wait(dialCtx); err != nil {
			h.fail(fmt.Errorf("dial rate limited: %w", err))
			return
		}
	}

	conn, err := d.Dial(dialCtx)
	if err != nil {
		h.fail(err)
		return
	}
	if !h.attach(conn) {
		conn.Close()
		return
	}

	if err := h.write(conn, h.target.Handshake); err != nil {
		h.fail(fmt.Errorf("write handshake: %w", err))
		return
	}
	if !h.markOpen() {
		return
	}
	log.Debug("connection ready")
	if h.callbacks.OnReady != nil {
		h.callbacks.OnReady(h)
	}

	h.readLoop(conn)
}

func (h *Handle) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			h.fail(err)
			return
		}
		if h.State() != StateOpen {
			return
		}
		if h.callbacks.OnFrame != nil {
			h.callbacks.OnFrame(h, data)
		}
	}
}
