// Package sync implements the change-synchronization contract shared by
// every transport: the adapter lifecycle, the connection state machine,
// the outbound queue and the cursor bookkeeping. Concrete transports live
// in the websocket, httppoll and webrtc subpackages.
package sync

import (
	"context"

	"github.com/docsync/docsync/internal/core/changeset"
)

// Adapter is the uniform surface over the WebSocket, HTTP-poll and WebRTC
// transports. One adapter instance owns exactly one logical session.
type Adapter interface {
	// Connect establishes the transport, moving the adapter from
	// Disconnected through Connecting to Connected. A ConnectionError is
	// returned when the endpoint is unreachable, an AuthError when
	// credentials are rejected; the caller may retry either.
	Connect(ctx context.Context) error

	// Disconnect cancels all timers and in-flight handshakes and
	// releases transport resources. Idempotent, always succeeds.
	Disconnect() error

	// Push enqueues local changes for delivery and returns immediately.
	// While the adapter is not Connected, changes buffer in the bounded
	// outbound queue and flush in enqueue order on reconnect.
	Push(changes ...changeset.ChangeSet)

	// OnRemoteChange registers an observer invoked for every applied
	// inbound change, in apply order. The returned func cancels the
	// registration.
	OnRemoteChange(fn func(changeset.ChangeSet)) (cancel func())

	// OnStateChange registers an observer of the connection-state
	// stream so hosts can reflect sync health.
	OnStateChange(fn func(ConnectionState)) (cancel func())

	// OnError registers an observer of non-recoverable delivery errors,
	// such as a permanent push rejection.
	OnError(fn func(error)) (cancel func())

	// State returns the current connection state.
	State() ConnectionState

	// OriginID returns this instance's identity, stamped on every
	// locally produced change.
	OriginID() string
}

// Transport selects the adapter implementation at construction time.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportHTTP      Transport = "http"
	TransportWebRTC    Transport = "webrtc"
)
