package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/sqlite"
)

type amountRequest struct {
	Amount         int64  `json:"amount"`
	Ref            string `json:"ref"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleWallet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.selfOrPlatform(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	wallet, err := s.svc.Ledger.Wallet(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.selfOrPlatform(r, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	txs, err := s.svc.Ledger.History(r.Context(), id, int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// handleDeposit credits an account from the treasury. Operators only.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if actor := actorFrom(r); !s.platform[actor] {
		s.writeError(w, r, domain.ErrNotParty.Withf("%s may not mint tokens", actor))
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tr, err := s.svc.Ledger.Deposit(r.Context(), chi.URLParam(r, "id"), req.Amount, req.Ref,
		idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if tr.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, tr)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if actor := actorFrom(r); actor != id {
		s.writeError(w, r, domain.ErrNotParty.Withf("%s may not withdraw for %s", actor, id))
		return
	}
	var req amountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tr, err := s.svc.Ledger.Withdraw(r.Context(), id, req.Amount, idempotencyKey(r, req.IdempotencyKey))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if tr.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, tr)
}

// handleSettleWithdrawal completes or fails a pending withdrawal once the
// payout rail reports back. Operators only.
func (s *Server) handleSettleWithdrawal(w http.ResponseWriter, r *http.Request) {
	if actor := actorFrom(r); !s.platform[actor] {
		s.writeError(w, r, domain.ErrNotParty.Withf("%s may not settle withdrawals", actor))
		return
	}
	var req struct {
		OK bool `json:"ok"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	txID := chi.URLParam(r, "txID")
	err := s.svc.DB.View(r.Context(), func(tx *sqlite.Tx) error {
		leg, err := tx.TokenTx(r.Context(), txID)
		if err != nil {
			return err
		}
		if leg == nil || leg.Account != chi.URLParam(r, "id") {
			return domain.ErrTransactionNotFound.Withf("%s", txID)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	leg, err := s.svc.Ledger.SettleWithdrawal(r.Context(), txID, req.OK)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, leg)
}
