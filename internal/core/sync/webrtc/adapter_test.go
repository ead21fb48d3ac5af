package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/store"
	"github.com/docsync/docsync/internal/core/sync"
	"github.com/docsync/docsync/internal/server"
)

// fakeChannel stands in for a data channel so mesh bookkeeping is
// testable without ICE.
type fakeChannel struct {
	mu     gosync.Mutex
	sent   [][]byte
	failed bool
	closed bool
}

func (f *fakeChannel) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("channel is down")
	}
	f.sent = append(f.sent, data)
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) frames(t *testing.T) []changeset.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]changeset.Envelope, 0, len(f.sent))
	for _, data := range f.sent {
		env, err := changeset.DecodeEnvelope(data)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func newMeshAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := New(sync.Options{
		SignalingURL: "ws://example.invalid/sync/signal",
		Store:        store.NewMemory(),
		Logger:       log.Nop(),
	})
	require.NoError(t, err)
	return a
}

func addFakePeer(a *Adapter, peerID string, open bool) (*PeerRecord, *fakeChannel) {
	ch := &fakeChannel{}
	p := &PeerRecord{PeerID: peerID, channel: ch}
	p.open.Store(open)

	a.peersMu.Lock()
	a.peers[peerID] = p
	a.peersMu.Unlock()
	return p, ch
}

func meshChange(docID string, version uint64) changeset.ChangeSet {
	return changeset.ChangeSet{
		DocumentID: docID,
		Collection: "notes",
		Operation:  changeset.OpUpdate,
		Version:    version,
		Payload:    json.RawMessage(`{"v":1}`),
		OriginID:   "me",
	}
}

func TestBroadcastReachesEveryOpenChannel(t *testing.T) {
	a := newMeshAdapter(t)
	_, chA := addFakePeer(a, "peer-a", true)
	_, chB := addFakePeer(a, "peer-b", true)

	a.Queue().Enqueue(meshChange("doc-1", 1))
	a.broadcastQueued()

	for _, ch := range []*fakeChannel{chA, chB} {
		frames := ch.frames(t)
		require.Len(t, frames, 1)
		assert.Equal(t, changeset.EnvelopeChanges, frames[0].Type)
		require.Len(t, frames[0].Changes, 1)
		assert.Equal(t, "doc-1", frames[0].Changes[0].DocumentID)
	}
	assert.Zero(t, a.Queue().Len())
}

func TestBroadcastWaitsWithoutOpenChannel(t *testing.T) {
	a := newMeshAdapter(t)
	addFakePeer(a, "peer-a", false)

	a.Queue().Enqueue(meshChange("doc-1", 1))
	a.broadcastQueued()

	// No channel open yet: the batch stays queued.
	assert.Equal(t, 1, a.Queue().Len())
}

func TestSendFailurePrunesPeerOnly(t *testing.T) {
	a := newMeshAdapter(t)
	_, broken := addFakePeer(a, "peer-broken", true)
	broken.failed = true
	_, healthy := addFakePeer(a, "peer-healthy", true)

	a.Queue().Enqueue(meshChange("doc-1", 1))
	a.broadcastQueued()

	// The healthy peer still got the batch; the broken one is out of
	// the mesh until it re-handshakes.
	assert.Len(t, healthy.frames(t), 1)
	assert.Equal(t, []string{"peer-healthy"}, a.Peers())
	assert.True(t, broken.closed)
}

func TestPeersListsOnlyOpenChannels(t *testing.T) {
	a := newMeshAdapter(t)
	addFakePeer(a, "peer-open", true)
	addFakePeer(a, "peer-pending", false)

	assert.Equal(t, []string{"peer-open"}, a.Peers())
}

func TestLeaveSignalPrunesPeer(t *testing.T) {
	a := newMeshAdapter(t)
	_, ch := addFakePeer(a, "peer-a", true)

	a.handleSignal(changeset.Signal{Type: changeset.SignalLeave, FromPeerID: "peer-a"})

	assert.Empty(t, a.Peers())
	assert.True(t, ch.closed)
}

func TestOwnSignalsIgnored(t *testing.T) {
	a := newMeshAdapter(t)

	// A join echoed back with our own id must not create a peer.
	a.handleSignal(changeset.Signal{Type: changeset.SignalJoin, FromPeerID: a.OriginID()})

	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	assert.Empty(t, a.peers)
}

func TestDisconnectClosesPeers(t *testing.T) {
	a := newMeshAdapter(t)
	_, chA := addFakePeer(a, "peer-a", true)
	_, chB := addFakePeer(a, "peer-b", true)

	require.NoError(t, a.Disconnect())

	assert.True(t, chA.closed)
	assert.True(t, chB.closed)
	assert.Empty(t, a.Peers())
	assert.Equal(t, sync.StateDisconnected, a.State())
}

func TestPushBuffersUntilChannelOpens(t *testing.T) {
	a := newMeshAdapter(t)

	a.Push(meshChange("doc-1", 1))
	assert.Equal(t, 1, a.Queue().Len())

	_, ch := addFakePeer(a, "peer-a", true)
	a.broadcastQueued()

	assert.Len(t, ch.frames(t), 1)
	assert.Zero(t, a.Queue().Len())
}

// testOffer produces a real SDP offer payload without any network.
func testOffer(t *testing.T) json.RawMessage {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })
	_, err = pc.CreateDataChannel("changes", nil)
	require.NoError(t, err)
	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	payload, err := json.Marshal(offer)
	require.NoError(t, err)
	return payload
}

// Both sides can discover each other at once and offer simultaneously.
// The lexically greater peer id keeps its own offer in flight and drops
// the crossed one.
func TestCrossedOffersGreaterIDKeepsOwn(t *testing.T) {
	a := newMeshAdapter(t)

	// Our id is a uuid; "!..." sorts below it, so the incoming offer
	// loses the tie-break.
	pending, _ := addFakePeer(a, "!peer", false)
	pending.initiator = true

	a.handleOffer(changeset.Signal{
		Type:       changeset.SignalOffer,
		FromPeerID: "!peer",
		Payload:    testOffer(t),
	})

	a.peersMu.Lock()
	defer a.peersMu.Unlock()
	assert.Same(t, pending, a.peers["!peer"])
}

// The lexically lesser peer id abandons its own offer and answers the
// crossed one, so exactly one handshake survives.
func TestCrossedOffersLesserIDYieldsAndAnswers(t *testing.T) {
	a := newMeshAdapter(t)

	// "~..." sorts above our uuid, so we yield.
	pending, pendingCh := addFakePeer(a, "~peer", false)
	pending.initiator = true

	a.handleOffer(changeset.Signal{
		Type:       changeset.SignalOffer,
		FromPeerID: "~peer",
		Payload:    testOffer(t),
	})

	a.peersMu.Lock()
	replacement := a.peers["~peer"]
	a.peersMu.Unlock()

	require.NotNil(t, replacement)
	assert.NotSame(t, pending, replacement)
	assert.False(t, replacement.initiator)
	assert.True(t, pendingCh.closed, "the abandoned attempt must be released")

	require.NoError(t, a.Disconnect())
}

// Losing signaling blocks discovery of new peers but never touches
// established data channels; the retry loop brings discovery back while
// change traffic keeps flowing.
func TestSignalingLossKeepsEstablishedChannels(t *testing.T) {
	cfg := server.DefaultConfig()
	srv := server.New(cfg, store.NewMemory(), log.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	signalURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/sync/signal"

	a, err := New(sync.Options{
		SignalingURL:       signalURL,
		Store:              store.NewMemory(),
		ReconnectBaseDelay: 200 * time.Millisecond,
		ReconnectMaxDelay:  500 * time.Millisecond,
		Logger:             log.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Disconnect() })

	require.NoError(t, a.Connect(context.Background()))
	_, chA := addFakePeer(a, "peer-a", true)
	_, chB := addFakePeer(a, "peer-b", true)

	// Sever signaling out from under the adapter.
	a.signal.mu.Lock()
	conn := a.signal.conn
	a.signal.mu.Unlock()
	require.NotNil(t, conn)
	a.signal.teardown(conn)

	// Discovery is blocked while signaling is down.
	err = a.signal.send(changeset.Signal{
		Type:       changeset.SignalOffer,
		FromPeerID: a.OriginID(),
		ToPeerID:   "peer-new",
	})
	assert.ErrorIs(t, err, errSignalingDown)

	// Established channels keep carrying change traffic.
	a.Push(meshChange("doc-1", 1))
	a.broadcastQueued()
	require.Eventually(t, func() bool {
		return len(chA.frames(t)) >= 1 && len(chB.frames(t)) >= 1
	}, 5*time.Second, 10*time.Millisecond, "broadcast must survive signaling loss")
	assert.Equal(t, sync.StateConnected, a.State())

	// The retry loop re-establishes signaling against the live relay.
	require.Eventually(t, func() bool {
		return a.signal.connected.Load()
	}, 5*time.Second, 10*time.Millisecond, "signaling must recover")
}
