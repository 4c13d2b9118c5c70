package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shm-network/shm/internal/app/dispute"
	"github.com/shm-network/shm/internal/domain"
)

type raiseDisputeRequest struct {
	MilestoneIndex *int   `json:"milestone_index"`
	Reason         string `json:"reason"`
	Domain         string `json:"domain"`
	Amount         int64  `json:"amount"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.svc.Disputes.Raise(r.Context(), dispute.RaiseParams{
		ContractID:     chi.URLParam(r, "id"),
		Actor:          actorFrom(r),
		MilestoneIndex: req.MilestoneIndex,
		Reason:         req.Reason,
		Domain:         req.Domain,
		Amount:         req.Amount,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleContractDisputes(w http.ResponseWriter, r *http.Request) {
	c, err := s.visibleContract(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.svc.Disputes.ListForContract(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"disputes": list})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Disputes.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r)
	if actor != d.ArbitratorID && !s.platform[actor] {
		c, err := s.svc.Contracts.Get(r.Context(), d.ContractID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !c.IsParty(actor) {
			s.writeError(w, r, domain.ErrNotParty.Withf("%s on dispute %s", actor, d.ID))
			return
		}
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleStartReview(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.Disputes.StartReview(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var outcome domain.Outcome
	if err := decodeJSON(r, &outcome); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Disputes.Resolve(r.Context(), chi.URLParam(r, "id"), actorFrom(r), outcome)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
