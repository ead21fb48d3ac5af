package sync

import (
	"net/http"
	"time"

	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/store"
	"github.com/docsync/docsync/internal/core/sync/resolver"
)

// Options is the immutable per-adapter configuration. Zero values are
// filled in from DefaultOptions by the factory.
type Options struct {
	// Transport selects the adapter implementation.
	Transport Transport

	// Endpoint is the sync server address. For the WebSocket transport a
	// ws:// or wss:// URL, for HTTP polling an http:// base URL.
	Endpoint string

	// SignalingURL is the WebRTC signaling channel address (ws://).
	SignalingURL string

	// AuthToken is sent once per connection before any change traffic.
	AuthToken string

	// Headers are added to every outbound HTTP/WebSocket request.
	Headers http.Header

	// Store applies inbound changes and reports document versions.
	Store store.Store

	// Resolver overrides the default last-writer-wins strategy. A failing
	// custom resolver falls back to the default; resolution never blocks
	// delivery.
	Resolver resolver.Resolver

	// Batching.
	MaxBatchSize  int
	MaxBatchDelay time.Duration

	// Reconnect policy. MaxReconnectAttempts of zero means unbounded.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int

	// Heartbeat (WebSocket). A missed reply within HeartbeatTimeout is a
	// silent failure and triggers the reconnect path.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// PollInterval drives the HTTP transport's pull timer.
	PollInterval time.Duration

	// QueueLimit bounds the offline outbound queue; overflow drops the
	// oldest entries.
	QueueLimit int

	// ICEServers configures the WebRTC peer connections.
	ICEServers []string

	Logger log.Log
}

// DefaultOptions returns the baseline configuration shared by all
// transports.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:       100,
		MaxBatchDelay:      50 * time.Millisecond,
		ReconnectBaseDelay: 500 * time.Millisecond,
		ReconnectMaxDelay:  30 * time.Second,
		HeartbeatInterval:  15 * time.Second,
		HeartbeatTimeout:   45 * time.Second,
		PollInterval:       2 * time.Second,
		QueueLimit:         1000,
	}
}

// Prepare fills unset fields from DefaultOptions and validates what the
// selected transport requires. Transport constructors call it first.
func Prepare(opts Options) (Options, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// withDefaults fills unset fields from DefaultOptions.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = def.MaxBatchSize
	}
	if o.MaxBatchDelay <= 0 {
		o.MaxBatchDelay = def.MaxBatchDelay
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = def.ReconnectMaxDelay
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.QueueLimit <= 0 {
		o.QueueLimit = def.QueueLimit
	}
	if o.Logger == nil {
		o.Logger = log.Provide()
	}
	return o
}

// validate checks the fields the selected transport requires.
func (o Options) validate() error {
	switch o.Transport {
	case TransportWebSocket, TransportHTTP:
		if o.Endpoint == "" {
			return &ConfigurationError{Field: "endpoint", Reason: "required for " + string(o.Transport) + " transport"}
		}
	case TransportWebRTC:
		if o.SignalingURL == "" {
			return &ConfigurationError{Field: "signalingUrl", Reason: "required for webrtc transport"}
		}
	case "":
		return &ConfigurationError{Field: "transport", Reason: "missing transport selection"}
	default:
		return &ConfigurationError{Field: "transport", Reason: "unknown transport " + string(o.Transport)}
	}
	if o.Store == nil {
		return &ConfigurationError{Field: "store", Reason: "store collaborator is required"}
	}
	return nil
}
