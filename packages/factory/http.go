package factory

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hunterfi/factory/domain"
	"github.com/hunterfi/factory/packages/ledger"
	"github.com/hunterfi/factory/packages/refund"
	service "github.com/hunterfi/factory/system/framework/core"
)

// HTTPHandler exposes spec §6's external interface over HTTP, in the shape
// of the teacher's gasbank/functions handlers: Handle(w, r, accountID, rest)
// dispatches on a caller-supplied owner id and a path tail already split by
// the outer router.
type HTTPHandler struct {
	svc    *Service
	refund *refund.Service
	ledger *ledger.Service
}

// NewHTTPHandler constructs the factory's HTTP surface. ledgerSvc may be nil
// when the admin withdraw_icp endpoint is not exposed (it responds 404).
func NewHTTPHandler(svc *Service, refundSvc *refund.Service, ledgerSvc *ledger.Service) *HTTPHandler {
	return &HTTPHandler{svc: svc, refund: refundSvc, ledger: ledgerSvc}
}

// Handle routes a request scoped to owner (the caller's identity, resolved
// upstream by auth middleware) against the path segments in rest.
func (h *HTTPHandler) Handle(w http.ResponseWriter, r *http.Request, owner string, rest []string) {
	if len(rest) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch rest[0] {
	case "deployments":
		h.handleDeployments(w, r, owner, rest[1:])
	case "strategies":
		h.handleStrategies(w, r, rest[1:])
	case "fee":
		h.handleFee(w, r)
	case "admin":
		h.handleAdmin(w, r, rest[1:])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleDeployments covers request_<strategy> (POST /deployments), the list
// endpoints (GET /deployments, GET /deployments?all=true for admins), and
// per-deployment confirm/cancel/refund/get (/deployments/{id}[/action]).
func (h *HTTPHandler) handleDeployments(w http.ResponseWriter, r *http.Request, owner string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			h.handleListDeployments(w, r, owner)
		case http.MethodPost:
			h.handleCreateDeployment(w, r, owner)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
		return
	}

	deploymentID := rest[0]
	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			record, err := h.svc.GetRecord(r.Context(), deploymentID)
			if err != nil {
				writeError(w, statusFor(err), err)
				return
			}
			writeJSON(w, http.StatusOK, record)
		default:
			methodNotAllowed(w, http.MethodGet)
		}
		return
	}

	action := rest[1]
	switch action {
	case "confirm":
		h.handleConfirm(w, r, owner, deploymentID)
	case "cancel":
		h.handleCancel(w, r, owner, deploymentID)
	case "refund":
		h.handleRefund(w, r, deploymentID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

var strategyDecoders = map[string]func(json.RawMessage) (domain.StrategyConfig, error){
	"dca": func(raw json.RawMessage) (domain.StrategyConfig, error) {
		var c domain.DCAConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	},
	"value_avg": func(raw json.RawMessage) (domain.StrategyConfig, error) {
		var c domain.ValueAvgConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	},
	"fixed_balance": func(raw json.RawMessage) (domain.StrategyConfig, error) {
		var c domain.FixedBalanceConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	},
	"limit_order": func(raw json.RawMessage) (domain.StrategyConfig, error) {
		var c domain.LimitOrderConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	},
	"self_hedging": func(raw json.RawMessage) (domain.StrategyConfig, error) {
		var c domain.SelfHedgingConfig
		err := json.Unmarshal(raw, &c)
		return c, err
	},
}

// handleCreateDeployment implements the five request_<strategy> operations
// as one endpoint, dispatching on a "strategy" discriminator field the way
// the reference api.rs dispatches on five distinct method names.
func (h *HTTPHandler) handleCreateDeployment(w http.ResponseWriter, r *http.Request, owner string) {
	var payload struct {
		Strategy string          `json:"strategy"`
		Config   json.RawMessage `json:"config"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decode, ok := strategyDecoders[strings.ToLower(strings.TrimSpace(payload.Strategy))]
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown strategy %q", payload.Strategy))
		return
	}
	cfg, err := decode(payload.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	record, err := h.svc.CreateDeploymentRequest(r.Context(), owner, cfg)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (h *HTTPHandler) handleListDeployments(w http.ResponseWriter, r *http.Request, owner string) {
	if strings.TrimSpace(r.URL.Query().Get("all")) == "true" {
		records, err := h.svc.ListAllRecords(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)
		return
	}
	records, err := h.svc.ListRecordsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *HTTPHandler) handleConfirm(w http.ResponseWriter, r *http.Request, owner, deploymentID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	record, err := h.svc.AuthorizeDeployment(r.Context(), owner, deploymentID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// The HTTP layer, not AuthorizeDeployment, triggers execution — this is
	// the explicit stand-in for the reference canister's ic_cdk::spawn.
	go h.svc.ExecuteDeployment(detachedContext(r), deploymentID)
	writeJSON(w, http.StatusOK, record)
}

func (h *HTTPHandler) handleCancel(w http.ResponseWriter, r *http.Request, owner, deploymentID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	record, err := h.svc.CancelDeployment(r.Context(), owner, deploymentID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if record.Status == domain.Refunding {
		go func() {
			_ = h.refund.ProcessRefund(detachedContext(r), deploymentID)
		}()
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *HTTPHandler) handleRefund(w http.ResponseWriter, r *http.Request, deploymentID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := h.refund.ProcessRefund(r.Context(), deploymentID); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	record, err := h.svc.GetRecord(r.Context(), deploymentID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *HTTPHandler) handleStrategies(w http.ResponseWriter, r *http.Request, rest []string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	switch len(rest) {
	case 0:
		owner := strings.TrimSpace(r.URL.Query().Get("owner"))
		if owner != "" {
			strategies, err := h.svc.ListStrategiesByOwner(r.Context(), owner)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, strategies)
			return
		}
		strategies, err := h.svc.ListAllStrategies(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, strategies)
	case 1:
		if rest[0] == "count" {
			count, err := h.svc.StrategyCount(r.Context())
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]int{"count": count})
			return
		}
		strategy, err := h.svc.GetStrategy(r.Context(), rest[0])
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, strategy)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *HTTPHandler) handleFee(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"deployment_fee_e8s": h.svc.DeploymentFee()})
}

// handleAdmin covers the admin-only surface: binary module registration,
// dead-letter inspection, and resetting an exhausted refund for retry.
func (h *HTTPHandler) handleAdmin(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch rest[0] {
	case "modules":
		h.handleRegisterModule(w, r)
	case "deadletters":
		h.handleDeadLetters(w, r, rest[1:])
	case "withdraw":
		h.handleAdminWithdraw(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// handleAdminWithdraw implements spec §6's admin withdraw_icp(recipient,
// amount): a raw transfer_out from the factory's own token-ledger account,
// never touching a user's balance.
func (h *HTTPHandler) handleAdminWithdraw(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var payload struct {
		Recipient string `json:"recipient"`
		AmountE8s uint64 `json:"amount_e8s"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.ledger.AdminWithdraw(r.Context(), payload.Recipient, payload.AmountE8s); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleRegisterModule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var payload struct {
		StrategyType string `json:"strategy_type"`
		Version      string `json:"version"`
		ModuleHash   string `json:"module_hash"`
		WasmBase64   string `json:"wasm_base64"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	wasm, err := decodeBase64(payload.WasmBase64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid wasm_base64: %w", err))
		return
	}
	module := domain.BinaryModule{
		StrategyType: domain.StrategyType(payload.StrategyType),
		Version:      payload.Version,
		ModuleHash:   payload.ModuleHash,
		Bytes:        wasm,
	}
	if err := h.svc.RegisterBinaryModule(r.Context(), module); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandler) handleDeadLetters(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		items, err := h.refund.ListDeadLetters(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	deploymentID := rest[0]
	if len(rest) >= 2 && rest[1] == "reset" {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		if err := h.refund.ResetForRetry(r.Context(), deploymentID); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

// statusFor maps the factory's typed errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStaleStatus), errors.Is(err, service.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInsufficientFunds):
		return http.StatusPaymentRequired
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

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// detachedContext carries the request's values but survives past the
// handler returning and the client's connection closing — needed for the
// background execution goroutines confirm/cancel kick off.
func detachedContext(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
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
