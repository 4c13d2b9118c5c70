package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shm-network/shm/internal/app/contract"
	"github.com/shm-network/shm/internal/domain"
)

// createContractRequest mirrors contract.CreateParams. The client defaults
// to the caller.
type createContractRequest struct {
	ClientID     string                 `json:"client_id"`
	FreelancerID string                 `json:"freelancer_id"`
	Title        string                 `json:"title"`
	BidRef       string                 `json:"bid_ref"`
	Milestones   []domain.MilestoneSpec `json:"milestones"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	actor := actorFrom(r)
	if req.ClientID == "" {
		req.ClientID = actor
	}
	if req.ClientID != actor && !s.platform[actor] {
		s.writeError(w, r, domain.ErrNotParty.Withf("%s may not open a contract for %s", actor, req.ClientID))
		return
	}
	c, err := s.svc.Contracts.Create(r.Context(), contract.CreateParams{
		ClientID:     req.ClientID,
		FreelancerID: req.FreelancerID,
		Title:        req.Title,
		BidRef:       req.BidRef,
		Milestones:   req.Milestones,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// visibleContract loads a contract the caller may read.
func (s *Server) visibleContract(r *http.Request) (*domain.Contract, error) {
	c, err := s.svc.Contracts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	actor := actorFrom(r)
	if !c.IsParty(actor) && !s.platform[actor] {
		return nil, domain.ErrNotParty.Withf("%s on %s", actor, c.ID)
	}
	return c, nil
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.visibleContract(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	c, err := s.visibleContract(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	trs, err := s.svc.Contracts.Transitions(r.Context(), c.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": trs})
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.Contracts.FundEscrow(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Contracts.StartWork(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Contracts.Cancel(r.Context(), chi.URLParam(r, "id"), actorFrom(r), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ─── Milestones ─────────────────────────────────────────────────────────────

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		ProofURL    string `json:"proof_url"`
		Description string `json:"description"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Contracts.SubmitMilestone(r.Context(), chi.URLParam(r, "id"), actorFrom(r),
		index, req.ProofURL, req.Description)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Contracts.ApproveMilestone(r.Context(), chi.URLParam(r, "id"), actorFrom(r), index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevision(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.svc.Contracts.RequestRevision(r.Context(), chi.URLParam(r, "id"), actorFrom(r), index, req.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	index, err := pathIndex(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.visibleContract(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	history, err := s.svc.Milestones.History(r.Context(), c.ID, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history})
}
