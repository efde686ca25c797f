package connection_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/inercia/fundchat/internal/connection"
	"github.com/inercia/fundchat/internal/connection/conntest"
)

// recorder collects callback invocations.
type recorder struct {
	mu     sync.Mutex
	frames map[uint64][]string
	ready  chan *connection.Handle
	closed chan closedEvent
}

type closedEvent struct {
	handle *connection.Handle
	err    error
}

func newRecorder() *recorder {
	return &recorder{
		frames: make(map[uint64][]string),
		ready:  make(chan *connection.Handle, 16),
		closed: make(chan closedEvent, 16),
	}
}

func (r *recorder) callbacks() connection.Callbacks {
	return connection.Callbacks{
		OnReady: func(h *connection.Handle) { r.ready <- h },
		OnFrame: func(h *connection.Handle, data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.frames[h.ID()] = append(r.frames[h.ID()], string(data))
		},
		OnClosed: func(h *connection.Handle, err error) { r.closed <- closedEvent{h, err} },
	}
}

func (r *recorder) framesOf(h *connection.Handle) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames[h.ID()]...)
}

func (r *recorder) waitClosed(t *testing.T) closedEvent {
	t.Helper()
	select {
	case e := <-r.closed:
		return e
	case <-time.After(conntest.Timeout):
		t.Fatal("timed out waiting for OnClosed")
		return closedEvent{}
	}
}

func waitReady(t *testing.T, h *connection.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), conntest.Timeout)
	defer cancel()
	if err := h.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady failed: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(conntest.Timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func target(cred, id string) connection.Target {
	return connection.Target{
		Credential:     cred,
		ConversationID: id,
		Handshake:      []byte(`{"bearer_token":"` + cred + `","history":[]}`),
	}
}

func TestManager_HandshakeBeforeReady(t *testing.T) {
	dialer := conntest.NewDialer()
	rec := newRecorder()
	m := connection.NewManager(dialer, rec.callbacks())
	defer m.Close()

	h := m.Open(target("tok", "c1"))
	peer := dialer.Next(t)

	if got := string(peer.Recv(t)); got != `{"bearer_token":"tok","history":[]}` {
		t.Errorf("first frame = %s, want handshake", got)
	}
	waitReady(t, h)

	if h.State() != connection.StateOpen {
		t.Errorf("State() = %v, want open", h.State())
	}
	select {
	case got := <-rec.ready:
		if got != h {
			t.Error("OnReady called with a different handle")
		}
	case <-time.After(conntest.Timeout):
		t.Fatal("OnReady not called")
	}
}

func TestHandle_SendBeforeOpen(t *testing.T) {
	dialer := conntest.NewDialer()
	dialer.Hold()
	m := connection.NewManager(dialer, connection.Callbacks{})
	defer m.Close()

	h := m.Open(target("tok", "c1"))
	if err := h.Send([]byte("hello")); !errors.Is(err, connection.ErrNotOpen) {
		t.Errorf("Send while connecting: error = %v, want ErrNotOpen", err)
	}
	if h.Ready() {
		t.Error("handle should not be ready while the dial is held")
	}
}

func TestHandle_SendAndReceive(t *testing.T) {
	dialer := conntest.NewDialer()
	rec := newRecorder()
	m := connection.NewManager(dialer, rec.callbacks())
	defer m.Close()

	h := m.Open(target("tok", "c1"))
	peer := dialer.Next(t)
	peer.Recv(t)
	waitReady(t, h)

	if err := h.Send([]byte("what is the fee?")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := string(peer.Recv(t)); got != "what is the fee?" {
		t.Errorf("backend received %q", got)
	}

	peer.Send(t, []byte(`{"type":"end"}`))
	eventually(t, func() bool { return len(rec.framesOf(h)) == 1 }, "frame not delivered")
	if got := rec.framesOf(h)[0]; got != `{"type":"end"}` {
		t.Errorf("delivered frame = %s", got)
	}
}

func TestManager_CloseBeforeOpen(t *testing.T) {
	dialer := conntest.NewDialer()
	m := connection.NewManager(dialer, connection.Callbacks{})
	defer m.Close()

	first := m.Open(target("tok", "c1"))
	firstPeer := dialer.Next(t)
	waitReady(t, first)

	dialer.Hold()
	second := m.Open(target("tok", "c2"))

	// Open returns with the previous transport already closed and the new
	// dial still pending.
	if !firstPeer.Closed() {
		t.Error("previous transport still open after Open returned")
	}
	if first.State() != connection.StateClosed {
		t.Errorf("previous handle state = %v, want closed", first.State())
	}
	if second.State() != connection.StateConnecting {
		t.Errorf("new handle state = %v, want connecting", second.State())
	}
	if !m.IsCurrent(second) || m.IsCurrent(first) {
		t.Error("Current() should be the new handle")
	}

	dialer.Release()
	dialer.Next(t)
	waitReady(t, second)

	if err := first.Send([]byte("late")); !errors.Is(err, connection.ErrNotOpen) {
		t.Errorf("Send on replaced handle: error = %v, want ErrNotOpen", err)
	}
}

func TestManager_FramesTaggedWithHandle(t *testing.T) {
	dialer := conntest.NewDialer()
	rec := newRecorder()
	m := connection.NewManager(dialer, rec.callbacks())
	defer m.Close()

	first := m.Open(target("tok", "c1"))
	dialer.Next(t)
	waitReady(t, first)

	second := m.Open(target("tok", "c2"))
	secondPeer := dialer.Next(t)
	waitReady(t, second)

	secondPeer.Send(t, []byte(`{"type":"end"}`))
	eventually(t, func() bool { return len(rec.framesOf(second)) == 1 }, "frame not delivered")
	if got := rec.framesOf(first); len(got) != 0 {
		t.Errorf("closed handle delivered frames: %v", got)
	}
}

func TestHandle_DialFailure(t *testing.T) {
	dialer := conntest.NewDialer()
	dialer.FailWith(errors.New("connection refused"))
	rec := newRecorder()
	m := connection.NewManager(dialer, rec.callbacks())
	defer m.Close()

	h := m.Open(target("tok", "c1"))

	ctx, cancel := context.WithTimeout(context.Background(), conntest.Timeout)
	defer cancel()
	if err := h.WaitReady(ctx); !errors.Is(err, connection.ErrConnectivity) {
		t.Errorf("WaitReady error = %v, want ErrConnectivity", err)
	}
	if h.State() != connection.StateError {
		t.Errorf("State() = %v, want error", h.State())
	}

	e := rec.waitClosed(t)
	if e.handle != h || !errors.Is(e.err, connection.ErrConnectivity) {
		t.Errorf("OnClosed(%v, %v), want ErrConnectivity for the failed handle", e.handle, e.err)
	}
}

func TestHandle_RemoteClose(t *testing.T) {
	dialer := conntest.NewDialer()
	rec := newRecorder()
	m := connection.NewManager(dialer, rec.callbacks())
	defer m.Close()

	h := m.Open(target("tok", "c1"))
	peer := dialer.Next(t)
	waitReady(t, h)

	peer.Close()
	e := rec.waitClosed(t)
	if !errors.Is(e.err, connection.ErrConnectivity) {
		t.Errorf("OnClosed error = %v, want ErrConnectivity", e.err)
	}
	if h.State() != connection.StateError {
		t.Errorf("State() = %v, want error", h.State())
	}
	if err := h.Send([]byte("x")); !errors.Is(err, connection.ErrNotOpen) {
		t.Errorf("Send after remote close: error = %v, want ErrNotOpen", err)
	}
}

func TestHandle_CloseWhileConnecting(t *testing.T) {
	dialer := conntest.NewDialer()
	dialer.Hold()
	rec := newRecorder()
	m := connection.NewManager(dialer, rec.callbacks())
	defer m.Close()

	h := m.Open(target("tok", "c1"))
	h.Close()

	ctx, cancel := context.WithTimeout(context.Background(), conntest.Timeout)
	defer cancel()
	if err := h.WaitReady(ctx); !errors.Is(err, connection.ErrNotOpen) {
		t.Errorf("WaitReady after Close: error = %v, want ErrNotOpen", err)
	}

	e := rec.waitClosed(t)
	if e.err != nil {
		t.Errorf("OnClosed error = %v, want nil after explicit Close", e.err)
	}
	if h.State() != connection.StateClosed {
		t.Errorf("State() = %v, want closed", h.State())
	}
}

func TestHandle_WaitReadyContext(t *testing.T) {
	dialer := conntest.NewDialer()
	dialer.Hold()
	m := connection.NewManager(dialer, connection.Callbacks{})
	defer m.Close()

	h := m.Open(target("tok", "c1"))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := h.WaitReady(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady error = %v, want DeadlineExceeded", err)
	}
}

func TestManager_RateLimit(t *testing.T) {
	dialer := conntest.NewDialer()
	m := connection.NewManager(dialer, connection.Callbacks{},
		connection.WithRateLimit(rate.Every(time.Hour), 1),
		connection.WithDialTimeout(50*time.Millisecond))
	defer m.Close()

	first := m.Open(target("tok", "c1"))
	dialer.Next(t)
	waitReady(t, first)

	second := m.Open(target("tok", "c2"))
	ctx, cancel := context.WithTimeout(context.Background(), conntest.Timeout)
	defer cancel()
	if err := second.WaitReady(ctx); !errors.Is(err, connection.ErrConnectivity) {
		t.Errorf("rate-limited WaitReady error = %v, want ErrConnectivity", err)
	}
	if n := dialer.Dials(); n != 1 {
		t.Errorf("Dials() = %d, want 1", n)
	}
}

func TestManager_Closed(t *testing.T) {
	dialer := conntest.NewDialer()
	m := connection.NewManager(dialer, connection.Callbacks{})

	h := m.Open(target("tok", "c1"))
	peer := dialer.Next(t)
	waitReady(t, h)

	m.Close()
	peer.WaitClosed(t)

	late := m.Open(target("tok", "c2"))
	if late.State() != connection.StateError || !errors.Is(late.Err(), connection.ErrManagerClosed) {
		t.Errorf("Open after Close: state=%v err=%v", late.State(), late.Err())
	}
	if m.Current() != nil {
		t.Error("Current() should be nil after Close")
	}
}

func TestManager_Disconnect(t *testing.T) {
	dialer := conntest.NewDialer()
	m := connection.NewManager(dialer, connection.Callbacks{})
	defer m.Close()

	h := m.Open(target("tok", "c1"))
	peer := dialer.Next(t)
	waitReady(t, h)

	m.Disconnect()
	peer.WaitClosed(t)
	if m.Current() != nil {
		t.Error("Current() should be nil after Disconnect")
	}

	again := m.Open(target("tok", "c1"))
	dialer.Next(t)
	waitReady(t, again)
}

func TestManager_OpenFromCallback(t *testing.T) {
	dialer := conntest.NewDialer()
	var m *connection.Manager
	reopened := make(chan *connection.Handle, 1)
	m = connection.NewManager(dialer, connection.Callbacks{
		OnFrame: func(h *connection.Handle, data []byte) {
			reopened <- m.Open(target("tok", "assigned-id"))
		},
	})
	defer m.Close()

	h := m.Open(target("tok", ""))
	peer := dialer.Next(t)
	waitReady(t, h)
	peer.Send(t, []byte(`{"type":"end"}`))

	select {
	case next := <-reopened:
		dialer.Next(t)
		waitReady(t, next)
		if next.Target().ConversationID != "assigned-id" {
			t.Errorf("reopened target = %+v", next.Target())
		}
	case <-time.After(conntest.Timeout):
		t.Fatal("Open from a callback deadlocked")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state    connection.State
		want     string
		terminal bool
	}{
		{connection.StateConnecting, "connecting", false},
		{connection.StateOpen, "open", false},
		{connection.StateClosed, "closed", true},
		{connection.StateError, "error", true},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
		if got := tt.state.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.want, got, tt.terminal)
		}
	}
}
