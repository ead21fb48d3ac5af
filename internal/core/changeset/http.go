package changeset

// HTTP sync endpoint bodies, shared by the polling adapter and the relay
// server.

// PushRequest is the body of POST /sync/push.
type PushRequest struct {
	PeerID  string      `json:"peerId"`
	Changes []ChangeSet `json:"changes"`
}

// PushStatus is the per-item outcome of a push.
type PushStatus string

const (
	PushOK       PushStatus = "ok"
	PushStale    PushStatus = "stale"
	PushRejected PushStatus = "rejected"
)

// PushResult is one per-item ack or reject.
type PushResult struct {
	DocumentID string     `json:"documentId"`
	Version    uint64     `json:"version"`
	Status     PushStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
}

// PushResponse is the body answering POST /sync/push.
type PushResponse struct {
	Results []PushResult `json:"results"`
	Cursor  uint64       `json:"cursor"`
}

// PullResponse is the body answering GET /sync/pull?since=<cursor>:
// ordered changes plus the new cursor.
type PullResponse struct {
	Changes []ChangeSet `json:"changes"`
	Cursor  uint64      `json:"cursor"`
}
