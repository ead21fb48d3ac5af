// Package webrtc implements the peer-mesh sync transport: a signaling
// channel for offer/answer/ICE exchange and one dedicated data channel
// per peer for change traffic.
package webrtc

import (
	"context"
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/sync"
)

var _ sync.Adapter = (*Adapter)(nil)

// Adapter is the WebRTC mesh sync transport. Push broadcasts to every
// open data channel; peers with failed channels are pruned until they
// re-handshake.
type Adapter struct {
	*sync.Base

	signal *signalClient
	rtc    webrtc.Configuration

	peersMu gosync.Mutex
	peers   map[string]*PeerRecord

	flushCh  chan struct{}
	flushMu  gosync.Mutex
	flushing bool
}

// New returns an unconnected WebRTC adapter with a freshly minted,
// collision-resistant peer identity.
func New(opts sync.Options) (*Adapter, error) {
	opts.Transport = sync.TransportWebRTC
	opts, err := sync.Prepare(opts)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		Base:    sync.NewBase(opts, sync.TransportWebRTC),
		peers:   make(map[string]*PeerRecord),
		flushCh: make(chan struct{}, 1),
	}

	var iceServers []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		iceServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	a.rtc = webrtc.Configuration{ICEServers: iceServers}

	a.signal = &signalClient{
		peerID:      a.OriginID(),
		url:         opts.SignalingURL,
		token:       opts.AuthToken,
		headers:     opts.Headers,
		logger:      a.Logger().With(log.String("component", "signaling")),
		backoff:     a.NewBackoff(),
		onSignal:    a.handleSignal,
		sessionDone: a.Done,
	}
	return a, nil
}

// Connect establishes the signaling channel and announces this peer.
// Data channels come up asynchronously as handshakes complete.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.State() == sync.StateConnected {
		return sync.ErrAlreadyConnected
	}
	a.Reopen()
	a.SetState(sync.StateConnecting)

	if err := a.signal.connect(ctx); err != nil {
		a.SetState(sync.StateDisconnected)
		return err
	}

	a.SetState(sync.StateConnected)
	a.BindLocalChanges(a.Push)
	a.startFlush()
	return nil
}

// Disconnect abandons in-flight handshakes, closes every peer channel and
// the signaling connection. Idempotent.
func (a *Adapter) Disconnect() error {
	a.Close()
	a.UnbindLocalChanges()
	a.signal.close()

	a.peersMu.Lock()
	peers := a.peers
	a.peers = make(map[string]*PeerRecord)
	a.peersMu.Unlock()

	for _, p := range peers {
		p.close()
	}
	a.SetState(sync.StateDisconnected)
	return nil
}

// Push buffers changes and broadcasts them to every open data channel.
// With no channel open yet, changes wait in the queue.
func (a *Adapter) Push(changes ...changeset.ChangeSet) {
	now := time.Now().UnixMilli()
	for i := range changes {
		if changes[i].OriginID == "" {
			changes[i].OriginID = a.OriginID()
		}
		if changes[i].Timestamp == 0 {
			changes[i].Timestamp = now
		}
	}
	if dropped := a.Queue().Enqueue(changes...); dropped > 0 {
		a.Logger().Warn("outbound queue overflow, dropped oldest entries",
			log.Int("dropped", dropped))
	}
	a.requestFlush()
}

// Peers returns the ids of peers with an open data channel.
func (a *Adapter) Peers() []string {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	out := make([]string, 0, len(a.peers))
	for id, p := range a.peers {
		if p.Open() {
			out = append(out, id)
		}
	}
	return out
}

func (a *Adapter) requestFlush() {
	select {
	case a.flushCh <- struct{}{}:
	default:
	}
}

// startFlush launches the broadcast loop unless one is already running.
func (a *Adapter) startFlush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()
	if a.flushing {
		return
	}
	a.flushing = true
	go a.flushLoop(a.Done())
}

func (a *Adapter) flushLoop(done <-chan struct{}) {
	ticker := time.NewTicker(a.Options().MaxBatchDelay)
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
			done = a.Done()
			a.flushMu.Unlock()
			continue
		}
		a.broadcastQueued()
	}
}

// broadcastQueued drains the queue and sends each batch to every open
// channel. A send failure prunes the peer; the mesh keeps going with the
// rest.
func (a *Adapter) broadcastQueued() {
	opts := a.Options()
	for a.Queue().Len() > 0 {
		targets := a.openPeers()
		if len(targets) == 0 {
			return
		}
		batch := a.Queue().Drain(opts.MaxBatchSize)
		if len(batch) == 0 {
			return
		}

		env := changeset.NewEnvelope(changeset.EnvelopeChanges, a.OriginID(), batch)
		data, err := env.Encode()
		if err != nil {
			a.Logger().Error("encode batch failed", log.Error(err))
			return
		}
		for _, p := range targets {
			if err := p.channel.Send(data); err != nil {
				a.Logger().Warn("peer send failed, pruning",
					log.String("peer_id", p.PeerID), log.Error(err))
				a.prunePeerRecord(p)
			}
		}
	}
}

func (a *Adapter) openPeers() []*PeerRecord {
	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	out := make([]*PeerRecord, 0, len(a.peers))
	for _, p := range a.peers {
		if p.Open() {
			out = append(out, p)
		}
	}
	return out
}

// handleSignal dispatches inbound signaling frames. Join announcements
// make the existing peer initiate; offers from unseen peers get answered.
func (a *Adapter) handleSignal(sig changeset.Signal) {
	if sig.FromPeerID == a.OriginID() {
		return
	}
	if a.Closed() {
		return
	}

	switch sig.Type {
	case changeset.SignalJoin:
		// The established side offers to the newcomer.
		if _, err := a.ensurePeer(sig.FromPeerID, true); err != nil {
			a.Logger().Error("offer to joining peer failed",
				log.String("peer_id", sig.FromPeerID), log.Error(err))
		}
	case changeset.SignalLeave:
		a.prunePeer(sig.FromPeerID)
	case changeset.SignalOffer:
		a.handleOffer(sig)
	case changeset.SignalAnswer:
		a.handleAnswer(sig)
	case changeset.SignalCandidate:
		a.handleCandidate(sig)
	}
}

// ensurePeer returns the record for a peer, creating the peer connection
// and, when initiating, the data channel and offer.
func (a *Adapter) ensurePeer(peerID string, initiate bool) (*PeerRecord, error) {
	a.peersMu.Lock()
	if p, ok := a.peers[peerID]; ok {
		a.peersMu.Unlock()
		return p, nil
	}
	a.peersMu.Unlock()

	pc, err := webrtc.NewPeerConnection(a.rtc)
	if err != nil {
		return nil, err
	}

	p := &PeerRecord{PeerID: peerID, initiator: initiate, pc: pc}

	a.peersMu.Lock()
	if existing, ok := a.peers[peerID]; ok {
		a.peersMu.Unlock()
		_ = pc.Close()
		return existing, nil
	}
	a.peers[peerID] = p
	a.peersMu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := a.signal.send(changeset.Signal{
			Type:       changeset.SignalCandidate,
			FromPeerID: a.OriginID(),
			ToPeerID:   peerID,
			Payload:    payload,
		}); err != nil {
			a.Logger().Warn("candidate relay failed", log.Error(err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			a.prunePeerRecord(p)
		default:
		}
	})

	if initiate {
		dc, err := pc.CreateDataChannel("changes", nil)
		if err != nil {
			a.prunePeerRecord(p)
			return nil, err
		}
		a.wireChannel(p, dc)

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			a.prunePeerRecord(p)
			return nil, err
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			a.prunePeerRecord(p)
			return nil, err
		}
		payload, err := json.Marshal(offer)
		if err != nil {
			a.prunePeerRecord(p)
			return nil, err
		}
		if err := a.signal.send(changeset.Signal{
			Type:       changeset.SignalOffer,
			FromPeerID: a.OriginID(),
			ToPeerID:   peerID,
			Payload:    payload,
		}); err != nil {
			a.prunePeerRecord(p)
			return nil, err
		}
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			a.wireChannel(p, dc)
		})
	}

	return p, nil
}

func (a *Adapter) handleOffer(sig changeset.Signal) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &offer); err != nil {
		a.Logger().Warn("dropping malformed offer", log.Error(err))
		return
	}

	// Both sides can offer at once when they discover each other
	// simultaneously. The lexically greater peer id keeps its own offer
	// and ignores the incoming one; the lesser abandons its attempt and
	// answers instead, so exactly one handshake survives.
	a.peersMu.Lock()
	existing := a.peers[sig.FromPeerID]
	a.peersMu.Unlock()
	if existing != nil && existing.initiator && !existing.Open() {
		if a.OriginID() > sig.FromPeerID {
			a.Logger().Debug("ignoring crossed offer, ours wins",
				log.String("peer_id", sig.FromPeerID))
			return
		}
		a.Logger().Debug("yielding crossed offer, answering theirs",
			log.String("peer_id", sig.FromPeerID))
		a.prunePeer(sig.FromPeerID)
	}

	p, err := a.ensurePeer(sig.FromPeerID, false)
	if err != nil {
		a.Logger().Error("peer setup failed", log.String("peer_id", sig.FromPeerID), log.Error(err))
		return
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		a.Logger().Error("set remote offer failed", log.Error(err))
		a.prunePeerRecord(p)
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		a.Logger().Error("create answer failed", log.Error(err))
		a.prunePeerRecord(p)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		a.Logger().Error("set local answer failed", log.Error(err))
		a.prunePeerRecord(p)
		return
	}

	payload, err := json.Marshal(answer)
	if err != nil {
		return
	}
	if err := a.signal.send(changeset.Signal{
		Type:       changeset.SignalAnswer,
		FromPeerID: a.OriginID(),
		ToPeerID:   sig.FromPeerID,
		Payload:    payload,
	}); err != nil {
		a.Logger().Warn("answer relay failed", log.Error(err))
	}
}

func (a *Adapter) handleAnswer(sig changeset.Signal) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(sig.Payload, &answer); err != nil {
		a.Logger().Warn("dropping malformed answer", log.Error(err))
		return
	}

	a.peersMu.Lock()
	p := a.peers[sig.FromPeerID]
	a.peersMu.Unlock()
	if p == nil {
		a.Logger().Debug("answer from unknown peer", log.String("peer_id", sig.FromPeerID))
		return
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		a.Logger().Error("set remote answer failed", log.Error(err))
		a.prunePeerRecord(p)
	}
}

func (a *Adapter) handleCandidate(sig changeset.Signal) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(sig.Payload, &candidate); err != nil {
		a.Logger().Warn("dropping malformed candidate", log.Error(err))
		return
	}

	a.peersMu.Lock()
	p := a.peers[sig.FromPeerID]
	a.peersMu.Unlock()
	if p == nil {
		return
	}
	if err := p.pc.AddICECandidate(candidate); err != nil {
		a.Logger().Warn("add candidate failed", log.Error(err))
	}
}

// wireChannel attaches the data-channel callbacks: open flushes the
// queue, messages feed the inbound path, close prunes the peer.
func (a *Adapter) wireChannel(p *PeerRecord, dc *webrtc.DataChannel) {
	p.channel = dc

	dc.OnOpen(func() {
		p.open.Store(true)
		a.Logger().Info("peer channel open", log.String("peer_id", p.PeerID))
		a.requestFlush()
	})
	dc.OnClose(func() {
		a.prunePeerRecord(p)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		env, err := changeset.DecodeEnvelope(msg.Data)
		if err != nil {
			a.Logger().Warn("dropping malformed peer frame", log.Error(err))
			return
		}
		if env.Type == changeset.EnvelopeChanges {
			a.ApplyRemote(context.Background(), env.Changes)
		}
	})
}

// prunePeer removes a peer from the broadcast set and releases its
// resources. The peer rejoins by re-handshaking over signaling.
func (a *Adapter) prunePeer(peerID string) {
	a.peersMu.Lock()
	p := a.peers[peerID]
	delete(a.peers, peerID)
	a.peersMu.Unlock()

	if p != nil {
		p.close()
		a.Logger().Info("peer pruned", log.String("peer_id", peerID))
	}
}

// prunePeerRecord removes p only while it is still the registered record
// for its peer, so a late callback from a replaced connection cannot
// evict the replacement.
func (a *Adapter) prunePeerRecord(p *PeerRecord) {
	a.peersMu.Lock()
	registered := a.peers[p.PeerID] == p
	if registered {
		delete(a.peers, p.PeerID)
	}
	a.peersMu.Unlock()

	p.close()
	if registered {
		a.Logger().Info("peer pruned", log.String("peer_id", p.PeerID))
	}
}
