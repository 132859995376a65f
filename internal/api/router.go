package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter mounts the Ledger Service surface under /api, plus /health and /metrics.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/customers/register", h.Register).Methods(http.MethodPost)
	api.HandleFunc("/customers/login", h.Login).Methods(http.MethodPost)
	api.HandleFunc("/customers/username/{username}", h.GetCustomerByUsername).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id:[0-9]+}/balance", h.GetBalance).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id:[0-9]+}", h.GetCustomer).Methods(http.MethodGet)

	api.HandleFunc("/transactions/deposit", h.Deposit).Methods(http.MethodPost)
	api.HandleFunc("/transactions/withdraw", h.Withdraw).Methods(http.MethodPost)
	api.HandleFunc("/transactions/transfer", h.Transfer).Methods(http.MethodPost)
	api.HandleFunc("/transactions/customer/{id:[0-9]+}/passbook", h.Passbook).Methods(http.MethodGet)
	api.HandleFunc("/transactions/customer/{id:[0-9]+}", h.ListTransactions).Methods(http.MethodGet)
	return r
}
