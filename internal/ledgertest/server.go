// Package ledgertest runs an in-memory Ledger Service for tests.
package ledgertest

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/ledgerclient/internal/client"
	"github.com/punchamoorthee/ledgerclient/internal/models"
	"github.com/shopspring/decimal"
)

// Server is a fake Ledger Service. Routes are named after client.Endpoint names
// so tests can count hits and inject failures per endpoint.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	customers map[int64]*models.Customer
	txs       map[int64][]models.Transaction
	passbooks map[int64]models.Passbook
	hits      map[string]int
	failures  map[string]failure
	gates     map[string]chan struct{}
	nextTxID  int64
	clock     time.Time
}

type failure struct {
	status int
	body   string
	hang   bool
}

func New(t *testing.T) *Server {
	t.Helper()
	s := &Server{
		customers: map[int64]*models.Customer{},
		txs:       map[int64][]models.Transaction{},
		passbooks: map[int64]models.Passbook{},
		hits:      map[string]int{},
		failures:  map[string]failure{},
		gates:     map[string]chan struct{}{},
		nextTxID:  1000,
		clock:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/customers/username/{username}", s.wrap(client.CustomerByUsername.Name, s.customerByUsername)).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id:[0-9]+}/balance", s.wrap(client.Balance.Name, s.balance)).Methods(http.MethodGet)
	api.HandleFunc("/customers/{id:[0-9]+}", s.wrap(client.Customer.Name, s.customer)).Methods(http.MethodGet)
	api.HandleFunc("/transactions/deposit", s.wrap(client.Deposit.Name, s.deposit)).Methods(http.MethodPost)
	api.HandleFunc("/transactions/withdraw", s.wrap(client.Withdraw.Name, s.withdraw)).Methods(http.MethodPost)
	api.HandleFunc("/transactions/transfer", s.wrap(client.Transfer.Name, s.transfer)).Methods(http.MethodPost)
	api.HandleFunc("/transactions/customer/{id:[0-9]+}/passbook", s.wrap(client.Passbook.Name, s.passbook)).Methods(http.MethodGet)
	api.HandleFunc("/transactions/customer/{id:[0-9]+}", s.wrap(client.Transactions.Name, s.transactions)).Methods(http.MethodGet)

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Server.Close)
	return s
}

// BaseURL returns the API base URL.
func (s *Server) BaseURL() string {
	return s.Server.URL + "/api"
}

// Client returns a Request Client with short deadlines pointed at the server.
func (s *Server) Client() *client.Client {
	policy := client.Policy{
		Timeout:              200 * time.Millisecond,
		LookupRetryTimeout:   300 * time.Millisecond,
		TransferRetryTimeout: 400 * time.Millisecond,
		MaxRetries:           1,
	}
	return client.NewClient(s.BaseURL(), policy, Logger())
}

// Logger discards output.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *Server) AddCustomer(id int64, username, first, last, balance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[id] = &models.Customer{
		ID:        id,
		Username:  username,
		FirstName: first,
		LastName:  last,
		Email:     username + "@example.com",
		Balance:   models.NewAmount(decimal.RequireFromString(balance)),
	}
}

// SetTransactions replaces the primary listing for id.
func (s *Server) SetTransactions(id int64, txs []models.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[id] = txs
}

// SetPassbook makes the secondary endpoint return pb for id instead of the primary listing.
func (s *Server) SetPassbook(id int64, pb models.Passbook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passbooks[id] = pb
}

// Fail makes every call to the named endpoint answer status with {"error": msg}.
func (s *Server) Fail(endpoint string, status int, msg string) {
	body, _ := json.Marshal(models.ErrorBody{Error: msg})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = failure{status: status, body: string(body)}
}

// Hang makes the named endpoint block until the request is abandoned.
func (s *Server) Hang(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[endpoint] = failure{hang: true}
}

// Heal removes any injected failure on the named endpoint.
func (s *Server) Heal(endpoint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, endpoint)
}

// Gate holds requests to the named endpoint until the returned channel is closed.
func (s *Server) Gate(endpoint string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gates[endpoint] = ch
	return ch
}

// Hits reports how many requests reached the named endpoint.
func (s *Server) Hits(endpoint string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[endpoint]
}

func (s *Server) BalanceOf(id int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.customers[id]; ok {
		return c.Balance.Decimal()
	}
	return decimal.Zero
}

func (s *Server) wrap(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[name]++
		f, failing := s.failures[name]
		gate := s.gates[name]
		s.mu.Unlock()

		// The server only notices a client that gave up once the body is consumed.
		if gate != nil || (failing && f.hang) {
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(buf))
		}

		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}
		if failing {
			if f.hang {
				<-r.Context().Done()
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			io.WriteString(w, f.body)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorBody{Error: msg})
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func (s *Server) customer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.customers[pathID(r)]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) customerByUsername(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["username"]
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.Username == name {
			writeJSON(w, http.StatusOK, c)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Customer not found with username: "+name)
}

func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c, ok := s.customers[pathID(r)]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Customer not found")
		return
	}
	writeJSON(w, http.StatusOK, models.BalanceResponse{CustomerID: c.ID, Username: c.Username, Balance: c.Balance})
}

// record appends a transaction and moves the balance. Callers hold s.mu.
func (s *Server) record(c *models.Customer, kind string, amount decimal.Decimal, desc string) models.Transaction {
	s.nextTxID++
	s.clock = s.clock.Add(time.Minute)
	delta := amount
	if kind == "WITHDRAWAL" || kind == "TRANSFER_OUT" {
		delta = amount.Neg()
	}
	c.Balance = models.NewAmount(c.Balance.Decimal().Add(delta))
	tx := models.Transaction{
		ID:                      s.nextTxID,
		Type:                    kind,
		Amount:                  models.NewAmount(amount),
		BalanceAfterTransaction: c.Balance,
		Description:             desc,
		Timestamp:               s.clock.Format("2006-01-02T15:04:05"),
	}
	s.txs[c.ID] = append(s.txs[c.ID], tx)
	return tx
}

func (s *Server) money(w http.ResponseWriter, r *http.Request, kind string) {
	var req models.MoneyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[req.CustomerID]
	if !ok {
		writeError(w, http.StatusNotFound, "Customer not found")
		return
	}
	if kind == "WITHDRAWAL" && c.Balance.Decimal().LessThan(req.Amount.Decimal()) {
		writeError(w, http.StatusBadRequest, "Insufficient balance")
		return
	}
	writeJSON(w, http.StatusCreated, s.record(c, kind, req.Amount.Decimal(), req.Description))
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request)  { s.money(w, r, "DEPOSIT") }
func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) { s.money(w, r, "WITHDRAWAL") }

func (s *Server) transfer(w http.ResponseWriter, r *http.Request) {
	var req models.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	from, ok1 := s.customers[req.FromCustomerID]
	to, ok2 := s.customers[req.ToCustomerID]
	if !ok1 || !ok2 {
		writeError(w, http.StatusNotFound, "Customer not found")
		return
	}
	if from.Balance.Decimal().LessThan(req.Amount.Decimal()) {
		writeError(w, http.StatusBadRequest, "Insufficient balance")
		return
	}
	debit := s.record(from, "TRANSFER_OUT", req.Amount.Decimal(), req.Description)
	credit := s.record(to, "TRANSFER_IN", req.Amount.Decimal(), req.Description)
	writeJSON(w, http.StatusCreated, []models.Transaction{debit, credit})
}

func (s *Server) transactions(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pathID(r)
	if _, ok := s.passbooks[id]; ok {
		writeJSON(w, http.StatusOK, []models.Transaction{})
		return
	}
	list := s.txs[id]
	if list == nil {
		list = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) passbook(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := pathID(r)
	if pb, ok := s.passbooks[id]; ok {
		writeJSON(w, http.StatusOK, pb)
		return
	}
	c, ok := s.customers[id]
	if !ok {
		writeError(w, http.StatusNotFound, "Customer not found")
		return
	}
	list := s.txs[id]
	if list == nil {
		list = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, models.Passbook{
		CustomerID:        id,
		CustomerName:      c.FirstName + " " + c.LastName,
		CurrentBalance:    c.Balance,
		TotalTransactions: len(list),
		Transactions:      list,
	})
}
