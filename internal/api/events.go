package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

// handleEvents answers "what changed since seq" for the caller.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r)

	var (
		events []domain.Event
		latest int64
	)
	err = s.svc.DB.View(r.Context(), func(tx *sqlite.Tx) error {
		var err error
		if events, err = tx.ChangesSince(r.Context(), actor, after, int(min(limit, 500))); err != nil {
			return err
		}
		latest, err = tx.LatestSeq(r.Context(), actor)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "latest": latest})
}

// handleEventStream pushes the caller's events as Server-Sent Events. A
// reconnecting client passes Last-Event-ID (or ?after=) and first receives
// what it missed.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	after, err := queryInt(r, "after", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if id := r.Header.Get("Last-Event-ID"); id != "" {
		if v, err := strconv.ParseInt(id, 10, 64); err == nil {
			after = v
		}
	}
	actor := actorFrom(r)

	// Subscribe before reading the backlog so nothing committed in between
	// is missed; duplicates are dropped by seq.
	sub := s.svc.Hub.Subscribe(actor)
	defer s.svc.Hub.Unsubscribe(sub)

	var backlog []domain.Event
	if after > 0 {
		err := s.svc.DB.View(r.Context(), func(tx *sqlite.Tx) error {
			var err error
			backlog, err = tx.ChangesSince(r.Context(), actor, after, 500)
			return err
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	last := after
	send := func(ev domain.Event) bool {
		if ev.Seq <= last {
			return true
		}
		last = ev.Seq
		ev.Recipients = nil
		data, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Topic, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	for _, ev := range backlog {
		if !send(ev) {
			return
		}
	}

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()
	s.logger.Debug("event stream opened", "account", actor, "after", after)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case ev := <-sub.C:
			if !send(ev) {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
