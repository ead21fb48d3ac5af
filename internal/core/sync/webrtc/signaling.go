package webrtc

import (
	"context"
	"net/http"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/sync"
)

// signalClient is the lightweight always-on channel used only for
// handshake metadata. Losing it blocks discovery of new peers but never
// tears down established data channels.
type signalClient struct {
	peerID   string
	url      string
	token    string
	headers  http.Header
	logger   log.Log
	backoff  *sync.Backoff
	onSignal func(changeset.Signal)

	// sessionDone resolves the adapter's live shutdown channel; resolving
	// it per use keeps the client on the current session across reconnect
	// cycles.
	sessionDone func() <-chan struct{}

	mu        gosync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	retrying  atomic.Bool
}

func (s *signalClient) connect(ctx context.Context) error {
	header := http.Header{}
	for k, vs := range s.headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return &sync.AuthError{Endpoint: s.url, Err: err}
		}
		return &sync.ConnectionError{Endpoint: s.url, Err: err}
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.connected.Store(true)

	if err := s.send(changeset.Signal{Type: changeset.SignalJoin, FromPeerID: s.peerID}); err != nil {
		s.teardown(conn)
		return err
	}

	go s.readLoop(conn)
	return nil
}

func (s *signalClient) send(sig changeset.Signal) error {
	data, err := sig.Encode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return &sync.ConnectionError{Endpoint: s.url, Err: errSignalingDown}
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *signalClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.teardown(conn)
			select {
			case <-s.sessionDone():
			default:
				s.logger.Warn("signaling connection lost", log.Error(err))
				if s.retrying.CompareAndSwap(false, true) {
					go s.retryLoop()
				}
			}
			return
		}

		sig, err := changeset.DecodeSignal(data)
		if err != nil {
			s.logger.Warn("dropping malformed signal", log.Error(err))
			continue
		}
		s.onSignal(sig)
	}
}

// retryLoop re-establishes signaling with backoff. Established peer
// channels keep flowing while this runs.
func (s *signalClient) retryLoop() {
	defer s.retrying.Store(false)
	for {
		select {
		case <-time.After(s.backoff.Next()):
		case <-s.sessionDone():
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := s.connect(ctx)
		cancel()
		if err == nil {
			s.backoff.Reset()
			s.logger.Info("signaling reconnected")
			return
		}
		s.logger.Warn("signaling reconnect failed", log.Error(err))
	}
}

func (s *signalClient) teardown(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.connected.Store(false)
	}
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *signalClient) close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	s.connected.Store(false)
	if conn != nil {
		_ = conn.WriteMessage(websocket.TextMessage, mustEncode(changeset.Signal{
			Type: changeset.SignalLeave, FromPeerID: s.peerID}))
		_ = conn.Close()
	}
}

func mustEncode(sig changeset.Signal) []byte {
	data, err := sig.Encode()
	if err != nil {
		panic(err)
	}
	return data
}
