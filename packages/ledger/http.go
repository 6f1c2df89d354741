package ledger

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	service "github.com/hunterfi/factory/system/framework/core"
)

// HTTPHandler exposes the balance ledger's operational surface: deposit
// confirmation (fed by the external token ledger's transfer-in webhook),
// balance lookup, and the transaction log — none of which spec §6 names as
// a factory-facing operation directly, but which the deposit half of the
// balance model (spec §4.2, §9's "two payment models" note) requires a caller
// to reach somehow.
type HTTPHandler struct {
	svc *Service
}

// NewHTTPHandler constructs the ledger's HTTP surface.
func NewHTTPHandler(svc *Service) *HTTPHandler {
	return &HTTPHandler{svc: svc}
}

// Handle routes a request scoped to owner against the path segments in rest.
func (h *HTTPHandler) Handle(w http.ResponseWriter, r *http.Request, owner string, rest []string) {
	if len(rest) == 0 {
		h.handleAccount(w, r, owner)
		return
	}
	switch rest[0] {
	case "deposit":
		h.handleDeposit(w, r, owner)
	case "withdraw":
		h.handleWithdraw(w, r, owner)
	case "transactions":
		h.handleTransactions(w, r, owner)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *HTTPHandler) handleAccount(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	acct, err := h.svc.GetAccount(r.Context(), owner)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *HTTPHandler) handleDeposit(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var payload struct {
		AmountE8s uint64 `json:"amount_e8s"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := h.svc.Deposit(r.Context(), owner, payload.AmountE8s)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// handleWithdraw implements the user half of spec §4.2/§4.3's withdrawal
// path: debit-first, then transfer_out with bounded retry (Service.Withdraw).
func (h *HTTPHandler) handleWithdraw(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var payload struct {
		AmountE8s uint64 `json:"amount_e8s"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	acct, err := h.svc.Withdraw(r.Context(), owner, payload.AmountE8s)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *HTTPHandler) handleTransactions(w http.ResponseWriter, r *http.Request, owner string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := parseLimitParam(r.URL.Query().Get("limit"), 50)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	txs, err := h.svc.ListTransactions(r.Context(), owner, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, txs)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrExternalCall):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	w.WriteHeader(http.StatusMethodNotAllowed)
}

func parseLimitParam(value string, defaultLimit int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return defaultLimit, nil
	}
	limit, err := strconv.Atoi(value)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > 1000 {
		limit = 1000
	}
	return limit, nil
}
