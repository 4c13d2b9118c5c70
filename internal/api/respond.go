package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/shm-network/shm/internal/domain"
	"github.com/shm-network/shm/internal/infra/metrics"
)

// ActorHeader carries the authenticated account id.
const ActorHeader = "X-Account-ID"

type ctxKey struct{}

// requireActor rejects requests without an account id.
func (s *Server) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{
				Code: "UNAUTHENTICATED", Kind: string(domain.KindAuthorization),
				Message: ActorHeader + " header is required",
			}})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, actor)))
	})
}

func actorFrom(r *http.Request) string {
	a, _ := r.Context().Value(ctxKey{}).(string)
	return a
}

// selfOrPlatform allows an account to read its own data and operators to
// read anyone's.
func (s *Server) selfOrPlatform(r *http.Request, account string) error {
	actor := actorFrom(r)
	if actor == account || s.platform[actor] {
		return nil
	}
	return domain.ErrNotParty.Withf("%s may not act for %s", actor, account)
}

// observe counts requests by route pattern and status.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

// ─── Responses ──────────────────────────────────────────────────────────────

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindAuthorization:
		return http.StatusForbidden
	case domain.KindResource:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err in the structured error envelope. Internal errors
// are logged and their detail withheld.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	detail := errorDetail{Code: domain.CodeOf(err), Kind: string(kind), Message: err.Error()}
	if kind == domain.KindInternal {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			detail.Message = "request cancelled"
		} else {
			detail.Message = "internal error"
		}
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	writeJSON(w, statusFor(kind), errorBody{Error: detail})
}

// ─── Request helpers ────────────────────────────────────────────────────────

const maxBody = 1 << 20

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return domain.ErrInvalidInput.Withf("decode body: %v", err)
	}
	return nil
}

func pathIndex(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "index")
	i, err := strconv.Atoi(raw)
	if err != nil || i < 0 {
		return 0, domain.ErrInvalidInput.Withf("milestone index %q", raw)
	}
	return i, nil
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, domain.ErrInvalidInput.Withf("query parameter %s=%q", name, raw)
	}
	return v, nil
}

// idempotencyKey prefers the body field and falls back to the header.
func idempotencyKey(r *http.Request, body string) string {
	if body != "" {
		return body
	}
	return r.Header.Get("Idempotency-Key")
}
