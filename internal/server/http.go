package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/docsync/docsync/internal/core/changeset"
	"github.com/docsync/docsync/internal/core/observability/log"
)

// handlePush accepts a batch of changes and answers with per-item
// ack/reject results. Accepted changes are also fanned out to the
// connected socket sessions so mixed transports stay in sync.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.bearerAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req changeset.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed push request", http.StatusBadRequest)
		return
	}

	results := make([]changeset.PushResult, 0, len(req.Changes))
	var accepted []changeset.ChangeSet
	for _, change := range req.Changes {
		res := s.apply(r.Context(), change)
		results = append(results, res)
		if res.Status == changeset.PushOK {
			accepted = append(accepted, change)
		}
	}

	if len(accepted) > 0 {
		out := changeset.NewEnvelope(changeset.EnvelopeChanges, "relay", accepted)
		out.Cursor = s.stor.Seq()
		if data, err := out.Encode(); err == nil {
			s.hub.broadcast("", data)
		}
	}

	s.writeJSON(w, changeset.PushResponse{Results: results, Cursor: s.stor.Seq()})
}

// handlePull answers with all changes past the caller's cursor, in apply
// order, plus the new cursor.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.bearerAuthorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	since := uint64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	changes, cursor := s.stor.ChangesSince(since)
	s.writeJSON(w, changeset.PullResponse{Changes: changes, Cursor: cursor})
}

func (s *Server) bearerAuthorized(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return s.authorized(token)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", log.Error(err))
	}
}
