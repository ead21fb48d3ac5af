// Package websocket implements the persistent bidirectional sync
// transport: one long-lived connection, heartbeat supervision, reconnect
// with exponential backoff and an offline queue flushed in order.
package websocket

import (
	"context"
	"fmt"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/sync"
)

var _ sync.Adapter = (*Adapter)(nil)

// Adapter is the WebSocket sync transport.
type Adapter struct {
	*sync.Base

	dialer *websocket.Dialer

	mu   gosync.Mutex // guards conn
	conn *websocket.Conn

	writeMu gosync.Mutex // one writer at a time on the socket

	backoff      *sync.Backoff
	reconnecting atomic.Bool

	flushMu  gosync.Mutex
	flushing bool

	// lastReply is the unix-nano time of the last inbound frame; the
	// heartbeat loop treats silence past HeartbeatTimeout as failure.
	lastReply atomic.Int64

	flushCh chan struct{}
}

// New returns an unconnected WebSocket adapter.
func New(opts sync.Options) (*Adapter, error) {
	opts.Transport = sync.TransportWebSocket
	opts, err := sync.Prepare(opts)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		Base:    sync.NewBase(opts, sync.TransportWebSocket),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		flushCh: make(chan struct{}, 1),
	}
	a.backoff = a.NewBackoff()
	return a, nil
}

// Connect dials the endpoint, authenticates, then starts the read,
// heartbeat and flush loops. Buffered changes flush immediately after the
// state reaches Connected.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.State() == sync.StateConnected {
		return sync.ErrAlreadyConnected
	}
	a.Reopen()
	a.SetState(sync.StateConnecting)

	conn, err := a.dial(ctx)
	if err != nil {
		a.SetState(sync.StateDisconnected)
		return err
	}

	if !a.adopt(conn) {
		a.SetState(sync.StateDisconnected)
		return sync.ErrAdapterClosed
	}
	a.SetState(sync.StateConnected)
	a.BindLocalChanges(a.Push)
	a.startFlush()
	a.requestFlush()
	return nil
}

// Disconnect cancels the heartbeat and any pending reconnect and closes
// the connection. Idempotent.
func (a *Adapter) Disconnect() error {
	a.Close()
	a.UnbindLocalChanges()

	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	a.SetState(sync.StateDisconnected)
	return nil
}

// Push buffers local changes and triggers a flush when connected. It
// never blocks.
func (a *Adapter) Push(changes ...changeset.ChangeSet) {
	if dropped := a.Queue().Enqueue(a.stamp(changes)...); dropped > 0 {
		a.Logger().Warn("outbound queue overflow, dropped oldest entries",
			log.Int("dropped", dropped))
	}
	a.requestFlush()
}

// stamp fills origin and timestamp on locally produced changes.
func (a *Adapter) stamp(changes []changeset.ChangeSet) []changeset.ChangeSet {
	now := time.Now().UnixMilli()
	for i := range changes {
		if changes[i].OriginID == "" {
			changes[i].OriginID = a.OriginID()
		}
		if changes[i].Timestamp == 0 {
			changes[i].Timestamp = now
		}
	}
	return changes
}

// dial establishes the socket and runs the authentication exchange. No
// change traffic flows until the server acknowledges the auth frame.
func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	opts := a.Options()

	header := http.Header{}
	for k, vs := range opts.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+opts.AuthToken)
	}

	conn, resp, err := a.dialer.DialContext(ctx, opts.Endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &sync.AuthError{Endpoint: opts.Endpoint, Err: err}
		}
		return nil, &sync.ConnectionError{Endpoint: opts.Endpoint, Err: err}
	}

	if err := a.authenticate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// authenticate sends the auth envelope with the resume cursor and waits
// for the server's ack.
func (a *Adapter) authenticate(conn *websocket.Conn) error {
	opts := a.Options()

	env := changeset.NewEnvelope(changeset.EnvelopeAuth, a.OriginID(), nil)
	env.Token = opts.AuthToken
	env.Cursor = a.Cursor().Load()
	data, err := env.Encode()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &sync.ConnectionError{Endpoint: opts.Endpoint, Err: err}
	}

	_ = conn.SetReadDeadline(deadline)
	_, reply, err := conn.ReadMessage()
	if err != nil {
		return &sync.ConnectionError{Endpoint: opts.Endpoint, Err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})

	ack, err := changeset.DecodeEnvelope(reply)
	if err != nil {
		return err
	}
	if ack.Type != changeset.EnvelopeAck {
		return &changeset.ProtocolError{Reason: fmt.Sprintf("expected auth ack, got %q", ack.Type)}
	}
	if ack.Error != "" {
		return &sync.AuthError{Endpoint: opts.Endpoint, Err: fmt.Errorf("%s", ack.Error)}
	}
	return nil
}

// adopt installs a freshly authenticated connection and starts its read
// and heartbeat loops. It refuses the connection when a Disconnect raced
// the dial, so a closed adapter can never come back up Connected.
func (a *Adapter) adopt(conn *websocket.Conn) bool {
	a.mu.Lock()
	if a.Closed() {
		a.mu.Unlock()
		_ = conn.Close()
		return false
	}
	a.conn = conn
	a.mu.Unlock()

	a.lastReply.Store(time.Now().UnixNano())
	go a.readLoop(conn)
	go a.heartbeatLoop(conn)
	return true
}

func (a *Adapter) current() *websocket.Conn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conn
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			a.handleFailure(conn, err)
			return
		}
		a.lastReply.Store(time.Now().UnixNano())

		env, err := changeset.DecodeEnvelope(data)
		if err != nil {
			a.Logger().Warn("dropping malformed frame", log.Error(err))
			continue
		}

		switch env.Type {
		case changeset.EnvelopeChanges:
			a.ApplyRemote(context.Background(), env.Changes)
			if env.Cursor > 0 {
				a.Cursor().Advance(env.Cursor)
			}
		case changeset.EnvelopeAck:
			if env.Cursor > 0 {
				a.Cursor().Advance(env.Cursor)
			}
		case changeset.EnvelopeHeartbeat:
			// lastReply already refreshed above.
		case changeset.EnvelopeAuth:
			a.Logger().Debug("ignoring unexpected auth frame")
		}
	}
}

// heartbeatLoop sends periodic keep-alives and treats a silent peer as a
// failed connection.
func (a *Adapter) heartbeatLoop(conn *websocket.Conn) {
	opts := a.Options()
	ticker := time.NewTicker(opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if a.current() != conn {
				return
			}
			silence := time.Duration(time.Now().UnixNano() - a.lastReply.Load())
			if silence > opts.HeartbeatTimeout {
				a.Logger().Warn("heartbeat timeout", log.Duration("silence", silence))
				a.handleFailure(conn, fmt.Errorf("heartbeat timeout after %v", silence))
				return
			}
			hb := changeset.NewEnvelope(changeset.EnvelopeHeartbeat, a.OriginID(), nil)
			if err := a.writeEnvelope(conn, hb); err != nil {
				a.handleFailure(conn, err)
				return
			}
		case <-a.Done():
			return
		}
	}
}

// startFlush launches the flush loop unless one is already running, so a
// Connect issued while the adapter is reconnecting cannot stack a second
// drainer on the same queue.
func (a *Adapter) startFlush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	if a.flushing {
		return
	}
	a.flushing = true
	go a.flushLoop(a.Done())
}

// flushLoop drains the outbound queue in batches while connected. It runs
// for the adapter session, across reconnects, and stops once the session
// it serves is closed for good.
func (a *Adapter) flushLoop(done <-chan struct{}) {
	opts := a.Options()
	ticker := time.NewTicker(opts.MaxBatchDelay)
	defer ticker.Stop()

	for {
		select {
		case <-a.flushCh:
		case <-ticker.C:
		case <-done:
			a.flushMu.Lock()
			if a.Closed() {
				a.flushing = false
				a.flushMu.Unlock()
				return
			}
			// A new session opened before this loop saw the old one
			// close; keep serving under the fresh channel.
			done = a.Done()
			a.flushMu.Unlock()
			continue
		}
		a.flush()
	}
}

func (a *Adapter) flush() {
	opts := a.Options()
	for a.State() == sync.StateConnected && a.Queue().Len() > 0 {
		conn := a.current()
		if conn == nil {
			return
		}
		batch := a.Queue().Drain(opts.MaxBatchSize)
		if len(batch) == 0 {
			return
		}
		env := changeset.NewEnvelope(changeset.EnvelopeChanges, a.OriginID(), batch)
		if err := a.writeEnvelope(conn, env); err != nil {
			// Failed batch goes back to the front so enqueue order holds.
			a.Queue().Requeue(batch)
			a.handleFailure(conn, err)
			return
		}
		a.Logger().Debug("flushed batch", log.Int("size", len(batch)))
	}
}

func (a *Adapter) requestFlush() {
	select {
	case a.flushCh <- struct{}{}:
	default:
	}
}

func (a *Adapter) writeEnvelope(conn *websocket.Conn, env changeset.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleFailure tears down a failed connection and hands control to the
// reconnect loop. Only the goroutine that owns the failing connection
// proceeds; late callers for an already-replaced connection return.
func (a *Adapter) handleFailure(conn *websocket.Conn, cause error) {
	a.mu.Lock()
	if a.conn != conn {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.mu.Unlock()
	_ = conn.Close()

	if a.Closed() {
		return
	}

	a.Logger().Warn("connection lost", log.Error(cause))
	a.SetState(sync.StateReconnecting)

	if a.reconnecting.CompareAndSwap(false, true) {
		go a.reconnectLoop()
	}
}

// reconnectLoop retries the dial with doubling, jittered delays until it
// succeeds, the bounded policy is spent, or the adapter disconnects. A
// success resets the backoff counter and flushes the queue in order.
func (a *Adapter) reconnectLoop() {
	defer a.reconnecting.Store(false)
	opts := a.Options()
	attempts := 0

	for {
		if a.Closed() {
			return
		}
		if opts.MaxReconnectAttempts > 0 && attempts >= opts.MaxReconnectAttempts {
			a.EmitError(fmt.Errorf("%w: %d attempts", sync.ErrRetriesExhausted, attempts))
			a.SetState(sync.StateDisconnected)
			return
		}
		attempts++

		select {
		case <-time.After(a.backoff.Next()):
		case <-a.Done():
			return
		}

		a.SetState(sync.StateConnecting)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		conn, err := a.dial(ctx)
		cancel()
		if err != nil {
			a.Logger().Warn("reconnect attempt failed",
				log.Int("attempt", attempts), log.Error(err))
			a.SetState(sync.StateReconnecting)
			continue
		}

		if !a.adopt(conn) {
			return
		}
		a.backoff.Reset()
		a.SetState(sync.StateConnected)
		a.requestFlush()
		return
	}
}
