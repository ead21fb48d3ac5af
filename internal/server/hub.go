package server

import (
	"context"
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
)

// hub owns the persistent WebSocket sessions. Every accepted changes
// frame is applied to the store and fanned out to the other
// authenticated clients; heartbeats are echoed back.
type hub struct {
	srv      *Server
	upgrader websocket.Upgrader

	mu      gosync.Mutex
	clients map[string]*wsClient
}

type wsClient struct {
	id     string
	peerID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   gosync.Once
	authed bool
}

func newHub(s *Server) *hub {
	return &hub{
		srv: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[string]*wsClient),
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.srv.logger.Warn("upgrade failed", log.Error(err))
		return
	}
	conn.SetReadLimit(h.srv.cfg.MaxMessageSize)

	c := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, h.srv.cfg.ClientBuffer),
		done: make(chan struct{}),
	}
	// A bearer header authenticates the session up front; the auth
	// envelope is still required to carry the peer id and cursor.
	if auth := r.Header.Get("Authorization"); auth != "" {
		c.authed = h.srv.authorized(strings.TrimPrefix(auth, "Bearer "))
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *hub) readLoop(c *wsClient) {
	defer h.drop(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		env, err := changeset.DecodeEnvelope(data)
		if err != nil {
			h.srv.logger.Warn("dropping malformed frame", log.Error(err))
			continue
		}

		switch env.Type {
		case changeset.EnvelopeAuth:
			h.handleAuth(c, env)
		case changeset.EnvelopeHeartbeat:
			h.reply(c, changeset.NewEnvelope(changeset.EnvelopeHeartbeat, "relay", nil))
		case changeset.EnvelopeChanges:
			if !c.authed || c.peerID == "" {
				h.replyError(c, "not authenticated")
				continue
			}
			h.handleChanges(c, env)
		case changeset.EnvelopeAck:
			// Clients do not ack; ignore.
		}
	}
}

// handleAuth validates the token, remembers the peer identity and replays
// the backlog past the client's cursor.
func (h *hub) handleAuth(c *wsClient, env changeset.Envelope) {
	if !h.srv.authorized(env.Token) && !c.authed {
		h.replyError(c, "invalid token")
		return
	}
	c.authed = true
	c.peerID = env.PeerID

	ack := changeset.NewEnvelope(changeset.EnvelopeAck, "relay", nil)
	ack.Cursor = h.srv.stor.Seq()
	h.reply(c, ack)

	if backlog, cursor := h.srv.stor.ChangesSince(env.Cursor); len(backlog) > 0 {
		out := changeset.NewEnvelope(changeset.EnvelopeChanges, "relay", backlog)
		out.Cursor = cursor
		h.reply(c, out)
	}
}

// handleChanges applies the batch and broadcasts accepted changes to the
// other sessions. The sender gets an ack carrying the new cursor.
func (h *hub) handleChanges(c *wsClient, env changeset.Envelope) {
	ctx := context.Background()

	accepted := make([]changeset.ChangeSet, 0, len(env.Changes))
	for _, change := range env.Changes {
		if res := h.srv.apply(ctx, change); res.Status == changeset.PushOK {
			accepted = append(accepted, change)
		}
	}

	ack := changeset.NewEnvelope(changeset.EnvelopeAck, "relay", nil)
	ack.Cursor = h.srv.stor.Seq()
	h.reply(c, ack)

	if len(accepted) == 0 {
		return
	}
	out := changeset.NewEnvelope(changeset.EnvelopeChanges, "relay", accepted)
	out.Cursor = h.srv.stor.Seq()
	data, err := out.Encode()
	if err != nil {
		return
	}
	h.broadcast(c.id, data)
}

// broadcast queues a frame for every authenticated session except the
// origin. A client with a full buffer is dropped rather than allowed to
// stall the hub.
func (h *hub) broadcast(exceptID string, data []byte) {
	h.mu.Lock()
	var stalled []*wsClient
	for id, c := range h.clients {
		if id == exceptID || !c.authed {
			continue
		}
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stalled {
		h.srv.logger.Warn("dropping slow client", log.String("peer_id", c.peerID))
		h.drop(c)
	}
}

func (h *hub) reply(c *wsClient, env changeset.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		h.drop(c)
	}
}

func (h *hub) replyError(c *wsClient, msg string) {
	env := changeset.NewEnvelope(changeset.EnvelopeAck, "relay", nil)
	env.Error = msg
	h.reply(c, env)
}

func (h *hub) writeLoop(c *wsClient) {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.srv.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *hub) drop(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.once.Do(func() { close(c.done) })
	_ = c.conn.Close()
}

func (h *hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.drop(c)
	}
}
