// Package factory constructs sync adapters from configuration.
package factory

import (
	"github.com/docsync/docsync/internal/core/sync"
	"github.com/docsync/docsync/internal/core/sync/httppoll"
	"github.com/docsync/docsync/internal/core/sync/webrtc"
	"github.com/docsync/docsync/internal/core/sync/websocket"
)

// New selects the adapter implementation by options.Transport and returns
// an unconnected instance; the caller drives Connect. Invalid or missing
// transport selection fails with a ConfigurationError before any network
// activity.
func New(opts sync.Options) (sync.Adapter, error) {
	switch opts.Transport {
	case sync.TransportWebSocket:
		return websocket.New(opts)
	case sync.TransportHTTP:
		return httppoll.New(opts)
	case sync.TransportWebRTC:
		return webrtc.New(opts)
	case "":
		return nil, &sync.ConfigurationError{Field: "transport", Reason: "missing transport selection"}
	default:
		return nil, &sync.ConfigurationError{Field: "transport", Reason: "unknown transport " + string(opts.Transport)}
	}
}
