// Package api serves the sandbox Ledger Service over HTTP.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/ledgerclient/internal/models"
	"github.com/punchamoorthee/ledgerclient/internal/store"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})

	idempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_idempotent_replays_total",
		Help: "Money-moving requests answered from a stored idempotency key",
	}, []string{"endpoint"})
)

// Ledger is the persistence the handlers need. *store.Store implements it.
type Ledger interface {
	CreateCustomer(ctx context.Context, req models.RegisterRequest) (models.Customer, error)
	Authenticate(ctx context.Context, username, password string) (models.Customer, error)
	GetCustomer(ctx context.Context, id int64) (models.Customer, error)
	GetCustomerByUsername(ctx context.Context, username string) (models.Customer, error)
	Deposit(ctx context.Context, req models.MoneyRequest, idempotencyKey, reqHash string) (*store.Reply, error)
	Withdraw(ctx context.Context, req models.MoneyRequest, idempotencyKey, reqHash string) (*store.Reply, error)
	Transfer(ctx context.Context, req models.TransferRequest, idempotencyKey, reqHash string) (*store.Reply, error)
	ListTransactions(ctx context.Context, customerID int64) ([]models.Transaction, error)
	Passbook(ctx context.Context, customerID int64) (models.Passbook, error)
}

type Handler struct {
	store  Ledger
	logger *slog.Logger
}

func NewHandler(s Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, logger: logger}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/register"
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" || strings.TrimSpace(req.Email) == "" {
		h.respondError(w, http.StatusBadRequest, "Username, password and email are required", "POST", endpoint)
		return
	}

	c, err := h.store.CreateCustomer(r.Context(), req)
	switch {
	case errors.Is(err, store.ErrUsernameTaken):
		h.respondError(w, http.StatusBadRequest, "Username already exists: "+req.Username, "POST", endpoint)
	case errors.Is(err, store.ErrEmailTaken):
		h.respondError(w, http.StatusBadRequest, "Email already exists: "+req.Email, "POST", endpoint)
	case err != nil:
		h.internalError(w, err, "POST", endpoint)
	default:
		h.respondJSON(w, http.StatusCreated, c, "POST", endpoint)
	}
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/login"
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}

	c, err := h.store.Authenticate(r.Context(), strings.TrimSpace(req.Username), req.Password)
	switch {
	case errors.Is(err, store.ErrInvalidCredentials):
		h.respondError(w, http.StatusUnauthorized, "Invalid username or password", "POST", endpoint)
	case err != nil:
		h.internalError(w, err, "POST", endpoint)
	default:
		h.respondJSON(w, http.StatusOK, c, "POST", endpoint)
	}
}

func (h *Handler) GetCustomer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/{id}"
	id, ok := h.pathID(w, r, endpoint)
	if !ok {
		return
	}
	c, err := h.store.GetCustomer(r.Context(), id)
	if err != nil {
		h.customerError(w, err, "Customer not found with id: "+strconv.FormatInt(id, 10), endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, c, "GET", endpoint)
}

func (h *Handler) GetCustomerByUsername(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/username/{username}"
	username := mux.Vars(r)["username"]
	c, err := h.store.GetCustomerByUsername(r.Context(), username)
	if err != nil {
		h.customerError(w, err, "Customer not found with username: "+username, endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, c, "GET", endpoint)
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/customers/{id}/balance"
	id, ok := h.pathID(w, r, endpoint)
	if !ok {
		return
	}
	c, err := h.store.GetCustomer(r.Context(), id)
	if err != nil {
		h.customerError(w, err, "Customer not found with id: "+strconv.FormatInt(id, 10), endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, models.BalanceResponse{CustomerID: c.ID, Username: c.Username, Balance: c.Balance}, "GET", endpoint)
}

func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.money(w, r, "/transactions/deposit", "Deposit amount must be greater than zero", h.store.Deposit)
}

func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.money(w, r, "/transactions/withdraw", "Withdrawal amount must be greater than zero", h.store.Withdraw)
}

type moneyFunc func(ctx context.Context, req models.MoneyRequest, idempotencyKey, reqHash string) (*store.Reply, error)

func (h *Handler) money(w http.ResponseWriter, r *http.Request, endpoint, nonPositive string, exec moneyFunc) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, reqHash, ok := h.readBody(w, r, endpoint)
	if !ok {
		return
	}
	var req models.MoneyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	if !req.Amount.Decimal().IsPositive() {
		h.respondError(w, http.StatusBadRequest, nonPositive, "POST", endpoint)
		return
	}

	reply, err := exec(r.Context(), req, r.Header.Get("Idempotency-Key"), reqHash)
	if err != nil {
		h.moneyError(w, err, endpoint)
		return
	}
	h.respondReply(w, reply, endpoint)
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/transfer"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	body, reqHash, ok := h.readBody(w, r, endpoint)
	if !ok {
		return
	}
	var req models.TransferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}

	// Validation
	if !req.Amount.Decimal().IsPositive() {
		h.respondError(w, http.StatusBadRequest, "Transfer amount must be greater than zero", "POST", endpoint)
		return
	}
	if req.FromCustomerID == req.ToCustomerID {
		h.respondError(w, http.StatusBadRequest, "Cannot transfer money to the same account", "POST", endpoint)
		return
	}

	reply, err := h.store.Transfer(r.Context(), req, r.Header.Get("Idempotency-Key"), reqHash)
	if err != nil {
		h.moneyError(w, err, endpoint)
		return
	}
	h.respondReply(w, reply, endpoint)
}

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/customer/{id}"
	id, ok := h.pathID(w, r, endpoint)
	if !ok {
		return
	}
	txs, err := h.store.ListTransactions(r.Context(), id)
	if err != nil {
		h.customerError(w, err, "Customer not found with id: "+strconv.FormatInt(id, 10), endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, txs, "GET", endpoint)
}

func (h *Handler) Passbook(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transactions/customer/{id}/passbook"
	id, ok := h.pathID(w, r, endpoint)
	if !ok {
		return
	}
	pb, err := h.store.Passbook(r.Context(), id)
	if err != nil {
		h.customerError(w, err, "Customer not found with id: "+strconv.FormatInt(id, 10), endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, pb, "GET", endpoint)
}

// Helpers

func (h *Handler) readBody(w http.ResponseWriter, r *http.Request, endpoint string) ([]byte, string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Stream read error", "POST", endpoint)
		return nil, "", false
	}
	hash := sha256.Sum256(body)
	return body, hex.EncodeToString(hash[:]), true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, endpoint string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid customer id", r.Method, endpoint)
		return 0, false
	}
	return id, true
}

func (h *Handler) customerError(w http.ResponseWriter, err error, notFound, endpoint string) {
	if errors.Is(err, store.ErrCustomerNotFound) {
		h.respondError(w, http.StatusNotFound, notFound, "GET", endpoint)
		return
	}
	h.internalError(w, err, "GET", endpoint)
}

func (h *Handler) moneyError(w http.ResponseWriter, err error, endpoint string) {
	var funds *store.FundsError
	switch {
	case errors.As(err, &funds):
		h.respondError(w, http.StatusBadRequest, "Insufficient balance. Available balance: "+funds.Available.Decimal().StringFixed(2), "POST", endpoint)
	case errors.Is(err, store.ErrCustomerNotFound):
		h.respondError(w, http.StatusNotFound, "Customer not found", "POST", endpoint)
	case errors.Is(err, store.ErrIdempotencyConflict), errors.Is(err, store.ErrSerialization):
		h.respondError(w, http.StatusConflict, "Request processing in progress", "POST", endpoint)
	case errors.Is(err, store.ErrIdempotencyMismatch):
		h.respondError(w, http.StatusUnprocessableEntity, "Key reuse with mismatched payload", "POST", endpoint)
	default:
		h.internalError(w, err, "POST", endpoint)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, err error, method, endpoint string) {
	h.logger.Error("request failed", "method", method, "endpoint", endpoint, "error", err)
	h.respondError(w, http.StatusInternalServerError, "Internal Server Error", method, endpoint)
}

func (h *Handler) respondReply(w http.ResponseWriter, reply *store.Reply, endpoint string) {
	status := reply.Status
	if reply.Replayed {
		idempotentReplays.WithLabelValues(endpoint).Inc()
		status = http.StatusOK
	}
	httpReqTotal.WithLabelValues("POST", endpoint, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(reply.Body)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, models.ErrorBody{Error: msg}, method, endpoint)
}
