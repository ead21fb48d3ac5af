// Package httppoll implements the polling fallback sync transport for
// environments where persistent connections are blocked: a pull timer
// against GET /sync/pull and batched POST /sync/push deliveries.
package httppoll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	gosync "sync"
	"time"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/sync"
)

var _ sync.Adapter = (*Adapter)(nil)

// Adapter is the HTTP polling sync transport.
type Adapter struct {
	*sync.Base

	client  *http.Client
	pushURL string
	pullURL string

	backoff *sync.Backoff
	sendCh  chan struct{}

	loopMu  gosync.Mutex
	polling bool
	sending bool
}

// New returns an unconnected HTTP polling adapter.
func New(opts sync.Options) (*Adapter, error) {
	opts.Transport = sync.TransportHTTP
	opts, err := sync.Prepare(opts)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, &sync.ConfigurationError{Field: "endpoint", Reason: "invalid URL: " + err.Error()}
	}

	a := &Adapter{
		Base:    sync.NewBase(opts, sync.TransportHTTP),
		client:  &http.Client{Timeout: 30 * time.Second},
		pushURL: base.JoinPath("sync", "push").String(),
		pullURL: base.JoinPath("sync", "pull").String(),
		sendCh:  make(chan struct{}, 1),
	}
	a.backoff = a.NewBackoff()
	return a, nil
}

// Connect validates the endpoint with an initial pull and starts the poll
// and send loops.
func (a *Adapter) Connect(ctx context.Context) error {
	if a.State() == sync.StateConnected {
		return sync.ErrAlreadyConnected
	}
	a.Reopen()
	a.SetState(sync.StateConnecting)

	if err := a.pull(ctx); err != nil {
		a.SetState(sync.StateDisconnected)
		return err
	}

	a.SetState(sync.StateConnected)
	a.BindLocalChanges(a.Push)
	a.startLoops()
	a.requestSend()
	return nil
}

// startLoops launches the poll and send loops, skipping any that are
// still running so a Connect during a retry cycle cannot stack
// duplicates.
func (a *Adapter) startLoops() {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if !a.polling {
		a.polling = true
		go a.pollLoop(a.Done())
	}
	if !a.sending {
		a.sending = true
		go a.sendLoop(a.Done())
	}
}

// rebind swaps a loop onto the live session channel after its own session
// ends, or reports false when the adapter is closed for good. The flag is
// cleared under loopMu so Connect can start a replacement.
func (a *Adapter) rebind(flag *bool) (<-chan struct{}, bool) {
	a.loopMu.Lock()
	defer a.loopMu.Unlock()
	if a.Closed() {
		*flag = false
		return nil, false
	}
	return a.Done(), true
}

func (a *Adapter) endLoop(flag *bool) {
	a.loopMu.Lock()
	*flag = false
	a.loopMu.Unlock()
}

// Disconnect stops the poll timer and any retry in progress. Idempotent.
func (a *Adapter) Disconnect() error {
	a.Close()
	a.UnbindLocalChanges()
	a.SetState(sync.StateDisconnected)
	return nil
}

// Push buffers changes for the next batched delivery. Never blocks.
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
	a.requestSend()
}

func (a *Adapter) requestSend() {
	select {
	case a.sendCh <- struct{}{}:
	default:
	}
}

// pollLoop pulls on every tick. Transient failures back off and move the
// adapter to Reconnecting; a success resets the policy. A bounded policy
// that runs out, or an auth rejection, ends in Disconnected.
func (a *Adapter) pollLoop(done <-chan struct{}) {
	opts := a.Options()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ticker.C:
		case <-done:
			next, ok := a.rebind(&a.polling)
			if !ok {
				return
			}
			done = next
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), opts.PollInterval+10*time.Second)
		err := a.pull(ctx)
		cancel()

		switch {
		case err == nil:
			failures = 0
			a.backoff.Reset()
			if !a.Closed() {
				a.SetState(sync.StateConnected)
			}
		case isPermanent(err):
			a.EmitError(err)
			a.SetState(sync.StateDisconnected)
			a.endLoop(&a.polling)
			return
		default:
			failures++
			a.Logger().Warn("pull failed", log.Int("failures", failures), log.Error(err))
			if opts.MaxReconnectAttempts > 0 && failures >= opts.MaxReconnectAttempts {
				a.EmitError(fmt.Errorf("%w: %d attempts", sync.ErrRetriesExhausted, failures))
				a.SetState(sync.StateDisconnected)
				a.endLoop(&a.polling)
				return
			}
			a.SetState(sync.StateReconnecting)
			select {
			case <-time.After(a.backoff.Next()):
			case <-done:
				next, ok := a.rebind(&a.polling)
				if !ok {
					return
				}
				done = next
			}
		}
	}
}

// pull requests all changes past the cursor and advances it on success.
func (a *Adapter) pull(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.pullURL+"?since="+strconv.FormatUint(a.Cursor().Load(), 10), nil)
	if err != nil {
		return err
	}
	a.decorate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return &sync.ConnectionError{Endpoint: a.pullURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := a.checkStatus(resp, a.pullURL); err != nil {
		return err
	}

	var pr changeset.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return &changeset.ProtocolError{Reason: "malformed pull response", Err: err}
	}

	a.ApplyRemote(ctx, pr.Changes)
	a.Cursor().Advance(pr.Cursor)
	return nil
}

// sendLoop delivers queued batches. Transient failures requeue the batch
// and retry with backoff; permanent rejections are surfaced and not
// retried.
func (a *Adapter) sendLoop(done <-chan struct{}) {
	opts := a.Options()
	ticker := time.NewTicker(opts.MaxBatchDelay)
	defer ticker.Stop()

	for {
		select {
		case <-a.sendCh:
		case <-ticker.C:
		case <-done:
			next, ok := a.rebind(&a.sending)
			if !ok {
				return
			}
			done = next
			continue
		}

		for a.Queue().Len() > 0 && !a.Closed() {
			batch := a.Queue().Drain(opts.MaxBatchSize)
			if len(batch) == 0 {
				break
			}
			if !a.deliver(batch) {
				break
			}
		}
	}
}

// deliver pushes one batch, retrying transient failures in place. It
// reports whether the loop should keep draining.
func (a *Adapter) deliver(batch []changeset.ChangeSet) bool {
	opts := a.Options()
	retry := a.NewBackoff()
	attempts := 0

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := a.send(ctx, batch)
		cancel()

		if err == nil {
			return true
		}
		if isPermanent(err) {
			// Auth or validation rejection: surfaced, not retried.
			a.EmitError(err)
			return true
		}

		attempts++
		a.Logger().Warn("push failed", log.Int("attempt", attempts), log.Error(err))
		if opts.MaxReconnectAttempts > 0 && attempts >= opts.MaxReconnectAttempts {
			a.Queue().Requeue(batch)
			a.EmitError(fmt.Errorf("%w: %d attempts", sync.ErrRetriesExhausted, attempts))
			return false
		}

		select {
		case <-time.After(retry.Next()):
		case <-a.Done():
			a.Queue().Requeue(batch)
			return false
		}
	}
}

// send issues one batched push request and fans per-item rejections out
// to the error observers.
func (a *Adapter) send(ctx context.Context, batch []changeset.ChangeSet) error {
	body, err := json.Marshal(changeset.PushRequest{PeerID: a.OriginID(), Changes: batch})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.pushURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	a.decorate(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return &sync.ConnectionError{Endpoint: a.pushURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if err := a.checkStatus(resp, a.pushURL); err != nil {
		return err
	}

	var pr changeset.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return &changeset.ProtocolError{Reason: "malformed push response", Err: err}
	}
	for _, res := range pr.Results {
		if res.Status == changeset.PushRejected {
			a.EmitError(fmt.Errorf("change for %s rejected: %s", res.DocumentID, res.Error))
		}
	}
	return nil
}

func (a *Adapter) decorate(req *http.Request) {
	opts := a.Options()
	for k, vs := range opts.Headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if opts.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+opts.AuthToken)
	}
}

// checkStatus maps HTTP status classes onto the error taxonomy: 5xx is
// transient, auth is fatal until credentials change, other 4xx are
// permanent validation failures.
func (a *Adapter) checkStatus(resp *http.Response, endpoint string) error {
	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &sync.AuthError{Endpoint: endpoint}
	case resp.StatusCode >= 500:
		return &sync.ConnectionError{Endpoint: endpoint,
			Err: fmt.Errorf("server returned %s", resp.Status)}
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return &permanentError{status: resp.Status, body: string(snippet)}
	}
}

// permanentError is a non-retryable rejection (4xx other than auth).
type permanentError struct {
	status string
	body   string
}

func (e *permanentError) Error() string {
	if e.body != "" {
		return fmt.Sprintf("request rejected: %s: %s", e.status, e.body)
	}
	return fmt.Sprintf("request rejected: %s", e.status)
}

func isPermanent(err error) bool {
	var authErr *sync.AuthError
	var permErr *permanentError
	return errors.As(err, &authErr) || errors.As(err, &permErr)
}
