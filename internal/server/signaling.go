package server

import (
	"net/http"
	"strings"
	gosync "sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
)

// signalRelay forwards WebRTC handshake frames between peers. It never
// carries change traffic; peers that lose this relay keep their
// established data channels.
type signalRelay struct {
	srv      *Server
	upgrader websocket.Upgrader

	mu    gosync.Mutex
	peers map[string]*signalPeer
}

type signalPeer struct {
	peerID  string
	conn    *websocket.Conn
	writeMu gosync.Mutex
}

func newSignalRelay(s *Server) *signalRelay {
	return &signalRelay{
		srv: s,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		peers: make(map[string]*signalPeer),
	}
}

func (sr *signalRelay) serve(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !sr.srv.authorized(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := sr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sr.srv.logger.Warn("signaling upgrade failed", log.Error(err))
		return
	}
	conn.SetReadLimit(sr.srv.cfg.MaxMessageSize)

	sr.readLoop(conn)
}

func (sr *signalRelay) readLoop(conn *websocket.Conn) {
	var self *signalPeer
	defer func() {
		if self != nil {
			sr.leave(self)
		}
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		sig, err := changeset.DecodeSignal(data)
		if err != nil {
			sr.srv.logger.Warn("dropping malformed signal", log.Error(err))
			continue
		}

		switch sig.Type {
		case changeset.SignalJoin:
			self = sr.join(sig.FromPeerID, conn)
			// Announce the newcomer so established peers initiate
			// their offers.
			sr.fanout(sig, sig.FromPeerID)
		case changeset.SignalLeave:
			if self != nil {
				sr.leave(self)
				self = nil
			}
		case changeset.SignalOffer, changeset.SignalAnswer, changeset.SignalCandidate:
			if sig.ToPeerID == "" {
				sr.srv.logger.Warn("dropping untargeted signal",
					log.String("type", string(sig.Type)))
				continue
			}
			sr.forward(sig)
		}
	}
}

func (sr *signalRelay) join(peerID string, conn *websocket.Conn) *signalPeer {
	p := &signalPeer{peerID: peerID, conn: conn}
	sr.mu.Lock()
	old := sr.peers[peerID]
	sr.peers[peerID] = p
	sr.mu.Unlock()

	if old != nil && old.conn != conn {
		_ = old.conn.Close()
	}
	sr.srv.logger.Info("peer joined signaling", log.String("peer_id", peerID))
	return p
}

func (sr *signalRelay) leave(p *signalPeer) {
	sr.mu.Lock()
	if sr.peers[p.peerID] == p {
		delete(sr.peers, p.peerID)
	}
	sr.mu.Unlock()

	sr.fanout(changeset.Signal{Type: changeset.SignalLeave, FromPeerID: p.peerID}, p.peerID)
	sr.srv.logger.Info("peer left signaling", log.String("peer_id", p.peerID))
}

// forward delivers a targeted handshake frame. Unknown targets are
// dropped; the sender discovers the loss when its handshake times out.
func (sr *signalRelay) forward(sig changeset.Signal) {
	sr.mu.Lock()
	target := sr.peers[sig.ToPeerID]
	sr.mu.Unlock()
	if target == nil {
		return
	}
	sr.write(target, sig)
}

// fanout relays a frame to every peer except the excluded one.
func (sr *signalRelay) fanout(sig changeset.Signal, exceptID string) {
	sr.mu.Lock()
	targets := make([]*signalPeer, 0, len(sr.peers))
	for id, p := range sr.peers {
		if id != exceptID {
			targets = append(targets, p)
		}
	}
	sr.mu.Unlock()

	for _, p := range targets {
		sr.write(p, sig)
	}
}

func (sr *signalRelay) write(p *signalPeer, sig changeset.Signal) {
	data, err := sig.Encode()
	if err != nil {
		return
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(sr.srv.cfg.WriteTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		sr.srv.logger.Warn("signal write failed", log.String("peer_id", p.peerID), log.Error(err))
	}
}

func (sr *signalRelay) closeAll() {
	sr.mu.Lock()
	peers := make([]*signalPeer, 0, len(sr.peers))
	for _, p := range sr.peers {
		peers = append(peers, p)
	}
	sr.peers = make(map[string]*signalPeer)
	sr.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
}
