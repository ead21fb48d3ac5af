package changeset

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeType discriminates the frames exchanged by the socket and
// polling transports.
type EnvelopeType string

const (
	EnvelopeChanges   EnvelopeType = "changes"
	EnvelopeAck       EnvelopeType = "ack"
	EnvelopeHeartbeat EnvelopeType = "heartbeat"
	EnvelopeAuth      EnvelopeType = "auth"
)

// Envelope is the transport-agnostic JSON frame. Only the fields relevant
// to the frame type are set.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	PeerID    string       `json:"peerId"`
	Timestamp int64        `json:"timestamp"`
	Changes   []ChangeSet  `json:"changes,omitempty"`
	Token     string       `json:"token,omitempty"`
	Cursor    uint64       `json:"cursor,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// NewEnvelope stamps a frame with the sender identity and current time.
func NewEnvelope(t EnvelopeType, peerID string, changes []ChangeSet) Envelope {
	return Envelope{
		Type:      t,
		PeerID:    peerID,
		Timestamp: time.Now().UnixMilli(),
		Changes:   changes,
	}
}

// Encode marshals the envelope for the wire.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses an inbound frame. A malformed frame is a
// ProtocolError: the caller logs and drops it, the connection stays open.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, &ProtocolError{Reason: "malformed envelope", Err: err}
	}
	switch e.Type {
	case EnvelopeChanges, EnvelopeAck, EnvelopeHeartbeat, EnvelopeAuth:
	default:
		return Envelope{}, &ProtocolError{Reason: fmt.Sprintf("unknown envelope type %q", e.Type)}
	}
	return e, nil
}

// SignalType discriminates WebRTC signaling frames. Join and peer-list
// frames carry discovery; offer, answer and ice-candidate carry the
// handshake. Application data never crosses the signaling channel.
type SignalType string

const (
	SignalJoin      SignalType = "join"
	SignalLeave     SignalType = "leave"
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
)

// Signal is one signaling frame, relayed verbatim between peers.
type Signal struct {
	Type       SignalType      `json:"type"`
	FromPeerID string          `json:"fromPeerId"`
	ToPeerID   string          `json:"toPeerId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals the signal for the wire.
func (s Signal) Encode() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode signal: %w", err)
	}
	return data, nil
}

// DecodeSignal parses an inbound signaling frame.
func DecodeSignal(data []byte) (Signal, error) {
	var s Signal
	if err := json.Unmarshal(data, &s); err != nil {
		return Signal{}, &ProtocolError{Reason: "malformed signal", Err: err}
	}
	switch s.Type {
	case SignalJoin, SignalLeave, SignalOffer, SignalAnswer, SignalCandidate:
	default:
		return Signal{}, &ProtocolError{Reason: fmt.Sprintf("unknown signal type %q", s.Type)}
	}
	if s.FromPeerID == "" {
		return Signal{}, &ProtocolError{Reason: "signal missing fromPeerId"}
	}
	return s, nil
}
