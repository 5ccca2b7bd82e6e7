// Package httpapi exposes read-only projections of the entity store and
// invocation endpoints for the workflows over a stdlib mux.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	app "github.com/ChainPay-Network/dashboard_core/internal/app"
	"github.com/ChainPay-Network/dashboard_core/internal/app/metrics"
	"github.com/ChainPay-Network/dashboard_core/internal/app/state"
	"github.com/ChainPay-Network/dashboard_core/internal/client"
	"github.com/ChainPay-Network/dashboard_core/internal/workflow"
)

// handler bundles HTTP endpoints for the dashboard application.
type handler struct {
	app *app.Application
}

// NewHandler returns a mux exposing the dashboard REST API.
func NewHandler(application *app.Application) http.Handler {
	h := &handler{app: application}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthz)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/wallets", h.wallets)
	mux.HandleFunc("/wallets/", h.walletByID)
	mux.HandleFunc("/transactions", h.transactions)
	mux.HandleFunc("/transactions/", h.transactionByID)
	mux.HandleFunc("/portfolio", h.portfolio)
	mux.HandleFunc("/history/", h.history)
	mux.HandleFunc("/invoices", h.invoices)
	mux.HandleFunc("/workflows", h.workflowRuns)
	mux.HandleFunc("/workflows/", h.workflowResources)
	mux.HandleFunc("/auth/login", h.login)
	mux.HandleFunc("/auth/logout", h.logout)
	return metrics.InstrumentHandler(mux)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// Store projections
// =============================================================================

func (h *handler) wallets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Store.Wallets())
}

func (h *handler) walletByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/wallets"), "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	wallet, ok := h.app.Store.Wallet(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("wallet not found"))
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

func (h *handler) transactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Store.Transactions())
}

func (h *handler) transactionByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/transactions"), "/")
	if id == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	tx, ok := h.app.Store.Transaction(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("transaction not found"))
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *handler) portfolio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"portfolio_usd":      h.app.Store.PortfolioUSD(),
		"pending_volume_usd": h.app.Store.PendingVolumeUSD(),
		"wallets":            len(h.app.Store.Wallets()),
		"transactions":       len(h.app.Store.Transactions()),
	})
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind := strings.Trim(strings.TrimPrefix(r.URL.Path, "/history"), "/")
	switch kind {
	case state.KindWallet:
		writeJSON(w, http.StatusOK, h.app.Store.WalletHistory())
	case state.KindTransaction:
		writeJSON(w, http.StatusOK, h.app.Store.TransactionHistory())
	default:
		writeError(w, http.StatusNotFound, errors.New("unknown history kind"))
	}
}

func (h *handler) invoices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Orchestrator.Invoices())
}

// =============================================================================
// Workflows
// =============================================================================

func (h *handler) workflowRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.app.Orchestrator.Runs())
}

func (h *handler) workflowResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/workflows"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[0] {
	case "payments":
		h.submitPayment(w, r)
	case "invoices":
		h.invoiceWorkflows(w, r, parts[1:])
	case "runs":
		if len(parts) != 2 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		run, ok := h.app.Orchestrator.Run(parts[1])
		if !ok {
			writeError(w, http.StatusNotFound, errors.New("run not found"))
			return
		}
		writeJSON(w, http.StatusOK, run)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) submitPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req workflow.PaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := h.app.Orchestrator.SubmitPayment(r.Context(), req)
	if err != nil {
		writeWorkflowFailure(w, run, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *handler) invoiceWorkflows(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req workflow.InvoiceRequest
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		run, inv, err := h.app.Orchestrator.OpenInvoice(r.Context(), req)
		if err != nil {
			writeWorkflowFailure(w, run, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"run": run, "invoice": inv})
		return
	}

	if len(rest) == 2 && rest[1] == "cancel" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		run, err := h.app.Orchestrator.CancelInvoice(r.Context(), rest[0])
		if err != nil {
			writeWorkflowFailure(w, run, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

// =============================================================================
// Auth
// =============================================================================

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	run, err := h.app.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		writeWorkflowFailure(w, run, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := h.app.Logout(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// Helpers
// =============================================================================

// writeWorkflowFailure maps a failed run to a status derived from the
// client error taxonomy and returns the run alongside the error.
func writeWorkflowFailure(w http.ResponseWriter, run *workflow.Run, err error) {
	status := http.StatusBadGateway
	switch {
	case client.IsKind(err, client.KindValidation):
		status = http.StatusBadRequest
	case client.IsKind(err, client.KindAuthExpired):
		status = http.StatusUnauthorized
	case client.IsKind(err, client.KindRateLimited):
		status = http.StatusTooManyRequests
	case client.IsKind(err, client.KindExhausted):
		status = http.StatusGatewayTimeout
	case failedOnLocalValidation(run):
		status = http.StatusBadRequest
	}
	if run == nil {
		writeError(w, status, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": err.Error(),
		"run":   run,
	})
}

func failedOnLocalValidation(run *workflow.Run) bool {
	if run == nil || len(run.Steps) == 0 {
		return false
	}
	last := run.Steps[len(run.Steps)-1]
	return last.Name == "validate" && last.Error != ""
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
