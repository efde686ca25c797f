package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/fundchat/internal/client"
	"github.com/inercia/fundchat/internal/connection"
	"github.com/inercia/fundchat/internal/conversation"
	"github.com/inercia/fundchat/internal/logging"
	"github.com/inercia/fundchat/internal/protocol"
	"github.com/inercia/fundchat/internal/store"
)

// DefaultGraceInterval is how long a submission waits for a fresh connection.
const DefaultGraceInterval = 2 * time.Second

// Callbacks are optional hooks. They run outside the controller lock, possibly
// on a connection goroutine, and may call back into the Controller.
type Callbacks struct {
	// OnAuthFailure is called once per rejected credential. The caller is
	// expected to obtain a new one and pass it to SetCredential.
	OnAuthFailure func()

	// OnStateChange receives a snapshot after every state transition.
	OnStateChange func(State)

	// OnError is called whenever a new user-visible error is recorded.
	OnError func(*Error)
}

// Config holds the Controller's collaborators.
type Config struct {
	Store  store.Store
	Dialer connection.Dialer

	Credential    string
	GraceInterval time.Duration

	// ConnectionOptions are passed to connection.NewManager.
	ConnectionOptions []connection.Option

	Callbacks Callbacks
	Logger    *slog.Logger

	// Now stamps completed turns. Defaults to time.Now.
	Now func() time.Time
}

// Controller drives one chat session: it owns the connection, applies
// decoded frames to the active conversation and persists completed turns.
// It is safe for concurrent use.
type Controller struct {
	store     store.Store
	conn      *connection.Manager
	grace     time.Duration
	callbacks Callbacks
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	closed      bool
	retryCancel context.CancelFunc
	retrySeq    uint64
}

// New creates a Controller. Call Load before submitting.
func New(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("chat: dialer is required")
	}

	c := &Controller{
		store:     cfg.Store,
		grace:     cfg.GraceInterval,
		callbacks: cfg.Callbacks,
		logger:    cfg.Logger,
		now:       cfg.Now,
	}
	if c.grace <= 0 {
		c.grace = DefaultGraceInterval
	}
	if c.logger == nil {
		c.logger = logging.Session()
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.state.Credential = cfg.Credential
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.conn = connection.NewManager(cfg.Dialer, connection.Callbacks{
		OnReady:  c.onReady,
		OnFrame:  c.onFrame,
		OnClosed: c.onClosed,
	}, cfg.ConnectionOptions...)

	return c, nil
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Load reads the conversation list and selects id, or a fresh unsaved
// conversation when id is empty. The previous connection is closed before
// the selected conversation's connection is opened.
func (c *Controller) Load(ctx context.Context, id string) error {
	if err := c.dispatch(ctx, LoadStarted{}); err != nil {
		return err
	}

	list, err := c.store.List(ctx)
	if err != nil {
		return c.dispatch(ctx, LoadFailed{Err: err})
	}

	active := conversation.New(c.now())
	if id != "" {
		found, ok := conversation.Find(list, id)
		if !ok {
			return c.dispatch(ctx, LoadFailed{Err: fmt.Errorf("%w: %s", store.ErrConversationNotFound, id)})
		}
		active = found
	}
	return c.dispatch(ctx, Loaded{Conversations: list, Active: active})
}

// Select switches to a stored conversation.
func (c *Controller) Select(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", store.ErrConversationNotFound)
	}
	return c.Load(ctx, id)
}

// NewConversation makes a fresh unsaved conversation active. It is stored
// when its first turn completes.
func (c *Controller) NewConversation(ctx context.Context) error {
	return c.dispatch(ctx, NewStarted{At: c.now()})
}

// Delete removes a conversation. Deleting the active one resets the
// controller to a fresh unsaved conversation.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	remaining, err := c.store.Delete(ctx, id)
	if err != nil {
		return c.dispatch(ctx, OperationFailed{Err: newError(KindStore, "Could not delete the conversation", err)})
	}
	return c.dispatch(ctx, Deleted{ID: id, Remaining: remaining, At: c.now()})
}

// Refresh re-reads the list, typically after another process changed the store.
func (c *Controller) Refresh(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	list, err := c.store.List(ctx)
	if err != nil {
		return c.dispatch(ctx, OperationFailed{Err: newError(KindStore, "Could not load conversations", err)})
	}
	return c.dispatch(ctx, Refreshed{Conversations: list, At: c.now()})
}

// SetCredential replaces the bearer token. An empty token closes the connection.
func (c *Controller) SetCredential(token string) error {
	return c.dispatch(c.ctx, CredentialChanged{Credential: token})
}

// CompleteUpload attaches uploaded documents to the active conversation,
// stores it and makes the stored version active.
func (c *Controller) CompleteUpload(ctx context.Context, res client.UploadResult) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.Phase == PhaseIdle || c.state.Phase == PhaseLoading {
		c.mu.Unlock()
		return ErrNotReady
	}
	if c.state.Busy() {
		c.mu.Unlock()
		return ErrResponsePending
	}
	conv := res.Apply(c.state.Active)
	c.mu.Unlock()

	stored, err := c.store.Put(ctx, conv)
	if err != nil {
		return c.dispatch(ctx, OperationFailed{Err: newError(KindStore, MsgStore, err)})
	}
	list, err := c.store.List(ctx)
	if err != nil {
		return c.dispatch(ctx, OperationFailed{Err: newError(KindStore, "Could not load conversations", err)})
	}
	return c.dispatch(ctx, Uploaded{Stored: stored, Conversations: list})
}

// Submit sends a query. Empty input is ignored. When no connection is ready
// a fresh one is opened and given the grace interval to become ready; if it
// does not, the submission fails with a KindConnectivity error and the
// controller never enters PhaseAwaitingResponse.
func (c *Controller) Submit(ctx context.Context, query string) error {
	return c.dispatch(ctx, Submitted{Query: query})
}

// Close tears down the connection and cancels a pending retry. The store is
// owned by the caller and left open.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}
	c.mu.Unlock()

	c.cancel()
	return c.conn.Close()
}

func (c *Controller) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}

// retryWait is the part of a Reconnect effect that runs outside the lock.
type retryWait struct {
	handle *connection.Handle
	query  string
}

func (retryWait) isEffect() {}

// dispatch reduces ev under the lock, performs the connection effects that
// must not interleave with other transitions, then runs the remaining
// effects outside the lock. The first Reject is returned.
func (c *Controller) dispatch(ctx context.Context, ev Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	prev := c.state
	next, effects := Reduce(c.state, ev)
	c.state = next

	if prev.RetryPending && !next.RetryPending && c.retryCancel != nil {
		c.retryCancel()
		c.retryCancel = nil
	}

	var deferred []Effect
	for _, eff := range effects {
		switch e := eff.(type) {
		case Reconnect:
			h := c.openLocked()
			if e.Query != "" {
				deferred = append(deferred, retryWait{handle: h, query: e.Query})
			}
		case AbandonSession:
			c.conn.Disconnect()
		default:
			deferred = append(deferred, eff)
		}
	}

	snapshot := c.state.Clone()
	var newErr *Error
	if c.state.Err != nil && c.state.Err != prev.Err {
		newErr = snapshot.Err
	}
	c.mu.Unlock()

	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(snapshot)
	}
	if newErr != nil {
		c.logger.Debug("chat error", "kind", newErr.Kind.String(), "error", newErr.Error())
		if c.callbacks.OnError != nil {
			c.callbacks.OnError(newErr)
		}
	}

	var result error
	for _, eff := range deferred {
		if err := c.execute(ctx, eff); err != nil && result == nil {
			result = err
		}
	}
	return result
}

// openLocked replaces the connection handle. Must be called with c.mu held.
func (c *Controller) openLocked() *connection.Handle {
	key := c.state.Key()
	handshake, err := protocol.EncodeHandshake(protocol.NewHandshake(key.Credential, c.state.Active))
	if err != nil {
		// History is plain strings; encoding cannot fail in practice.
		c.logger.Error("failed to encode handshake", "error", err)
	}
	h := c.conn.Open(connection.Target{
		Credential:     key.Credential,
		ConversationID: key.ConversationID,
		Handshake:      handshake,
	})
	c.state, _ = Reduce(c.state, HandleOpened{Handle: h.ID(), Key: key})
	return h
}

func (c *Controller) execute(ctx context.Context, eff Effect) error {
	switch e := eff.(type) {
	case Reject:
		return e.Err

	case SendQuery:
		return c.send(ctx, e)

	case retryWait:
		return c.waitAndSend(ctx, e)

	case PersistTurn:
		c.reconcile(e.Conversation)
		return nil

	case NotifyAuthFailure:
		c.logger.Warn("backend rejected the credential")
		if c.callbacks.OnAuthFailure != nil {
			c.callbacks.OnAuthFailure()
		}
		return nil

	case Violation:
		c.logger.Warn("protocol violation", "reason", e.Reason, "event", fmt.Sprintf("%T", e.Event))
		return nil

	default:
		c.logger.Error("unhandled effect", "effect", fmt.Sprintf("%T", eff))
		return nil
	}
}

func (c *Controller) send(ctx context.Context, e SendQuery) error {
	h := c.conn.Current()
	if h == nil || h.ID() != e.Handle {
		return c.dispatch(ctx, SendFailed{Handle: e.Handle, Err: connection.ErrNotOpen})
	}
	if err := h.Send(protocol.EncodeQuery(e.Query)); err != nil {
		return c.dispatch(ctx, SendFailed{Handle: e.Handle, Err: err})
	}
	logging.WithHandle(c.logger, e.Handle, h.Target().ConversationID).Debug("query sent", "length", len(e.Query))
	return nil
}

// waitAndSend waits up to the grace interval for h, then resolves the retry.
// Close, a conversation switch or the caller's ctx cut the wait short.
func (c *Controller) waitAndSend(ctx context.Context, w retryWait) error {
	waitCtx, cancel := context.WithTimeout(ctx, c.grace)
	defer cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	var token uint64
	if c.state.RetryPending && c.state.HandleID == w.handle.ID() {
		token = c.setRetryLocked(cancel)
	} else {
		// already superseded
		cancel()
	}
	c.mu.Unlock()

	err := w.handle.WaitReady(waitCtx)

	c.mu.Lock()
	c.clearRetryLocked(token)
	c.mu.Unlock()

	if err != nil {
		c.logger.Debug("retry connection not ready", "handle_id", w.handle.ID(), "error", err)
	}
	return c.dispatch(ctx, RetryResolved{Handle: w.handle.ID(), Query: w.query, Ready: err == nil, Err: err})
}

// reconcile stores the conversation carrying a completed turn and re-reads
// the list. It runs on the connection's read goroutine, so the next frame is
// handled only after the store round-trip.
// setRetryLocked registers the pending retry's cancel func and returns the
// token that clearRetryLocked expects.
func (c *Controller) setRetryLocked(cancel context.CancelFunc) uint64 {
	c.retrySeq++
	c.retryCancel = cancel
	return c.retrySeq
}

// clearRetryLocked forgets the cancel func registered under token, unless a
// newer retry has replaced it.
func (c *Controller) clearRetryLocked(token uint64) {
	if token != 0 && token == c.retrySeq {
		c.retryCancel = nil
	}
}

func (c *Controller) reconcile(conv conversation.Conversation) {
	log := logging.WithConversation(c.logger, conv.ID)

	stored, err := c.store.Put(c.ctx, conv)
	if err != nil {
		log.Error("failed to store completed turn", "error", err)
		c.dispatch(c.ctx, ReconcileFailed{Source: conv, Err: err})
		return
	}
	list, err := c.store.List(c.ctx)
	if err != nil {
		log.Error("failed to re-read conversations", "error", err)
		c.dispatch(c.ctx, ReconcileFailed{Source: conv, Err: err})
		return
	}
	log.Debug("turn reconciled", "stored_id", stored.ID, "messages", len(stored.Messages))
	c.dispatch(c.ctx, Reconciled{Source: conv, Stored: stored, Conversations: list})
}

func (c *Controller) onReady(h *connection.Handle) {
	c.dispatch(c.ctx, ConnectionReady{Handle: h.ID()})
}

func (c *Controller) onClosed(h *connection.Handle, err error) {
	c.dispatch(c.ctx, ConnectionLost{Handle: h.ID(), Err: err})
}

func (c *Controller) onFrame(h *connection.Handle, data []byte) {
	if !c.conn.IsCurrent(h) {
		return
	}
	ev, err := protocol.Decode(data)
	if err != nil {
		log := logging.WithHandle(c.logger, h.ID(), h.Target().ConversationID)
		if ev == nil {
			log.Warn("dropping undecodable frame", "error", err)
			c.dispatch(c.ctx, DecodeFailed{Handle: h.ID(), Err: err})
			return
		}
		log.Warn("degraded frame", "error", err)
	}
	c.dispatch(c.ctx, FrameReceived{Handle: h.ID(), Event: ev, At: c.now()})
}
