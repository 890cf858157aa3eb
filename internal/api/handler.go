package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/punchamoorthee/channelops/internal/domain"
	"github.com/punchamoorthee/channelops/internal/events"
	"github.com/punchamoorthee/channelops/internal/ledger"
	"github.com/punchamoorthee/channelops/internal/service"
	"github.com/punchamoorthee/channelops/internal/session"
)

// AuditReader reads the persisted audit mirror of a session's ledger.
type AuditReader interface {
	GetActions(ctx context.Context, sessionID string) ([]domain.ActionEntry, error)
}

type Handler struct {
	svc   *service.SessionService
	bus   *events.Bus
	audit AuditReader
	log   *zap.Logger
}

// NewHandler wires the handlers. audit may be nil.
func NewHandler(svc *service.SessionService, bus *events.Bus, audit AuditReader, log *zap.Logger) *Handler {
	return &Handler{svc: svc, bus: bus, audit: audit, log: log}
}

// stateResponse carries the session state alongside an optional error so
// callers can both check the status code and poll the state.
type stateResponse struct {
	ID    string        `json:"id"`
	State session.State `json:"state"`
	Error string        `json:"error,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": h.svc.Count(),
	})
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSessionRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Wallet == "" {
		respondError(w, http.StatusUnprocessableEntity, "Wallet address required")
		return
	}

	sess := h.svc.Create(req.Wallet)
	w.Header().Set("Location", "/api/v1/sessions/"+sess.ID())
	respondJSON(w, http.StatusCreated, stateResponse{ID: sess.ID(), State: sess.State()})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := h.svc.Get(id)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stateResponse{ID: id, State: sess.State()})
}

func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Discard(mux.Vars(r)["id"]); err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	// An empty body deposits the default amount.
	var req domain.DepositRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	st, err := h.svc.Deposit(r.Context(), id, req.Amount)
	h.respondState(w, id, st, err, http.StatusOK)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := h.svc.Start(r.Context(), id)
	h.respondState(w, id, st, err, http.StatusOK)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, err := h.svc.End(r.Context(), id)
	h.respondState(w, id, st, err, http.StatusOK)
}

func (h *Handler) ChargeAction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req domain.ChargeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.Type == "" {
		respondError(w, http.StatusUnprocessableEntity, "Action type required")
		return
	}

	entry, st, err := h.svc.Charge(r.Context(), id, req)
	if err != nil {
		h.respondState(w, id, st, err, 0)
		return
	}
	respondJSON(w, http.StatusCreated, domain.ChargeResponse{Entry: entry, Balance: st.Balance})
}

func (h *Handler) ListActions(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			respondError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
	}
	respondJSON(w, http.StatusOK, sess.Actions(limit))
}

func (h *Handler) ActionTotals(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Get(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess.Totals())
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondError(w, http.StatusServiceUnavailable, "Audit store not configured")
		return
	}

	id := mux.Vars(r)["id"]
	entries, err := h.audit.GetActions(r.Context(), id)
	if err != nil {
		h.log.Error("audit read failed", zap.String("session", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"totals":  ledger.Totals(entries),
	})
}

func (h *Handler) respondState(w http.ResponseWriter, id string, st session.State, err error, okCode int) {
	if err == nil {
		respondJSON(w, okCode, stateResponse{ID: id, State: st})
		return
	}

	code := statusFor(err)
	if code == http.StatusNotFound {
		respondError(w, code, err.Error())
		return
	}
	if code >= 500 {
		h.log.Warn("session operation failed", zap.String("session", id), zap.Error(err))
	}
	respondJSON(w, code, stateResponse{ID: id, State: st, Error: err.Error()})
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInsufficientBalance), errors.Is(err, domain.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSessionNotActive),
		errors.Is(err, domain.ErrAlreadyInProgress),
		errors.Is(err, domain.ErrAlreadyActive),
		errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrDeposit),
		errors.Is(err, domain.ErrChannelCreation),
		errors.Is(err, domain.ErrSettlement):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reports a failed decode itself and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}, allowEmpty bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondError(w, http.StatusRequestEntityTooLarge, "Request body too large")
		return false
	}
	respondError(w, http.StatusBadRequest, "Invalid JSON")
	return false
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
