package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/shm-network/shm/internal/domain"
)

type domainsRequest struct {
	Domains []string `json:"domains"`
}

func (s *Server) handleRegisterArbitrator(w http.ResponseWriter, r *http.Request) {
	var req domainsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Pool.Register(r.Context(), actorFrom(r), req.Domains)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleGetArbitrator(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.Pool.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// self resolves {id} and requires it to be the caller.
func (s *Server) self(r *http.Request) (string, error) {
	id := chi.URLParam(r, "id")
	if actor := actorFrom(r); actor != id {
		return "", domain.ErrNotParty.Withf("%s may not act for %s", actor, id)
	}
	return id, nil
}

func (s *Server) handleUpdateDomains(w http.ResponseWriter, r *http.Request) {
	id, err := s.self(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req domainsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Pool.UpdateDomains(r.Context(), id, req.Domains)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	day := time.Now().UTC()
	if raw := r.URL.Query().Get("date"); raw != "" {
		d, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			s.writeError(w, r, domain.ErrInvalidInput.Withf("date %q, want YYYY-MM-DD", raw))
			return
		}
		day = d
	}
	slots, err := s.svc.Pool.Slots(r.Context(), chi.URLParam(r, "id"), day)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"date": day.Format(time.DateOnly), "slots": slots})
}

func (s *Server) handleBookGig(w http.ResponseWriter, r *http.Request) {
	id, err := s.self(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Start time.Time `json:"start"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.svc.Pool.BookGig(r.Context(), id, req.Start)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleCancelGig(w http.ResponseWriter, r *http.Request) {
	id, err := s.self(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	g, err := s.svc.Pool.CancelGig(r.Context(), id, chi.URLParam(r, "gigID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleSetPresence(w http.ResponseWriter, r *http.Request) {
	id, err := s.self(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Presence domain.Presence `json:"presence"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.svc.Pool.SetPresence(r.Context(), id, req.Presence)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleArbitratorDisputes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.selfOrPlatform(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.Disputes.ListForArbitrator(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": list})
}
