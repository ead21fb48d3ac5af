package webrtc

import (
	"errors"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

var errSignalingDown = errors.New("signaling connection is down")

// dataChannel is the slice of *webrtc.DataChannel the adapter uses.
// Faked in tests.
type dataChannel interface {
	Send(data []byte) error
	Close() error
}

// PeerRecord tracks one remote peer: its identity, the peer connection
// from the handshake and the dedicated data channel all change traffic
// flows over. Created on a successful handshake, destroyed on disconnect
// or channel failure.
type PeerRecord struct {
	PeerID string

	// initiator marks records created by our side sending the offer; used
	// to detect both sides offering at once.
	initiator bool

	pc      *webrtc.PeerConnection
	channel dataChannel
	open    atomic.Bool
}

// Open reports whether the data channel is ready for traffic.
func (p *PeerRecord) Open() bool {
	return p.open.Load()
}

func (p *PeerRecord) close() {
	p.open.Store(false)
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.pc != nil {
		_ = p.pc.Close()
	}
}
