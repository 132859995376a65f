package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/punchamoorthee/ledgerclient/internal/client"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/punchamoorthee/ledgerclient/internal/ledger"
	"github.com/punchamoorthee/ledgerclient/internal/models"
	"github.com/punchamoorthee/ledgerclient/internal/store"
	"github.com/shopspring/decimal"
)

// stubLedger keeps customers in memory and records idempotency keys like the store does.
type stubLedger struct {
	mu        sync.Mutex
	customers map[int64]models.Customer
	replies   map[string]*store.Reply
	hashes    map[string]string
	calls     int
	nextID    int64
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		customers: map[int64]models.Customer{
			1: {ID: 1, Username: "alice", FirstName: "Alice", LastName: "Jones", Balance: models.NewAmount(decimal.NewFromInt(100))},
			2: {ID: 2, Username: "bob", FirstName: "Bob", LastName: "Smith", Balance: models.NewAmount(decimal.Zero)},
		},
		replies: map[string]*store.Reply{},
		hashes:  map[string]string{},
		nextID:  10,
	}
}

func (s *stubLedger) CreateCustomer(_ context.Context, req models.RegisterRequest) (models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.Username == req.Username {
			return models.Customer{}, store.ErrUsernameTaken
		}
	}
	s.nextID++
	c := models.Customer{ID: s.nextID, Username: req.Username, FirstName: req.FirstName, LastName: req.LastName, Email: req.Email}
	s.customers[c.ID] = c
	return c, nil
}

func (s *stubLedger) Authenticate(_ context.Context, username, password string) (models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.Username == username && password == "secret" {
			return c, nil
		}
	}
	return models.Customer{}, store.ErrInvalidCredentials
}

func (s *stubLedger) GetCustomer(_ context.Context, id int64) (models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return models.Customer{}, store.ErrCustomerNotFound
	}
	return c, nil
}

func (s *stubLedger) GetCustomerByUsername(_ context.Context, username string) (models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.customers {
		if c.Username == username {
			return c, nil
		}
	}
	return models.Customer{}, store.ErrCustomerNotFound
}

func (s *stubLedger) move(key, hash string, fn func() (any, error)) (*store.Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.replies[key]; ok && key != "" {
		if s.hashes[key] != hash {
			return nil, store.ErrIdempotencyMismatch
		}
		return &store.Reply{Status: r.Status, Body: r.Body, Replayed: true}, nil
	}
	s.calls++
	payload, err := fn()
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(payload)
	r := &store.Reply{Status: http.StatusCreated, Body: body}
	if key != "" {
		s.replies[key] = r
		s.hashes[key] = hash
	}
	return r, nil
}

func (s *stubLedger) apply(id int64, kind domain.Kind, amount decimal.Decimal, desc string) (models.Transaction, error) {
	c, ok := s.customers[id]
	if !ok {
		return models.Transaction{}, store.ErrCustomerNotFound
	}
	after := c.Balance.Decimal().Add(amount.Mul(decimal.NewFromInt(kind.Sign())))
	if after.IsNegative() {
		return models.Transaction{}, &store.FundsError{Available: c.Balance}
	}
	c.Balance = models.NewAmount(after)
	s.customers[id] = c
	s.nextID++
	return models.Transaction{
		ID:                      s.nextID,
		Type:                    string(kind),
		Amount:                  models.NewAmount(amount),
		BalanceAfterTransaction: c.Balance,
		Description:             desc,
		Timestamp:               "2024-03-01T09:00:00Z",
	}, nil
}

func (s *stubLedger) Deposit(_ context.Context, req models.MoneyRequest, key, hash string) (*store.Reply, error) {
	return s.move(key, hash, func() (any, error) {
		return s.apply(req.CustomerID, domain.KindDeposit, req.Amount.Decimal(), req.Description)
	})
}

func (s *stubLedger) Withdraw(_ context.Context, req models.MoneyRequest, key, hash string) (*store.Reply, error) {
	return s.move(key, hash, func() (any, error) {
		return s.apply(req.CustomerID, domain.KindWithdrawal, req.Amount.Decimal(), req.Description)
	})
}

func (s *stubLedger) Transfer(_ context.Context, req models.TransferRequest, key, hash string) (*store.Reply, error) {
	return s.move(key, hash, func() (any, error) {
		debit, err := s.apply(req.FromCustomerID, domain.KindTransferOut, req.Amount.Decimal(), req.Description)
		if err != nil {
			return nil, err
		}
		credit, err := s.apply(req.ToCustomerID, domain.KindTransferIn, req.Amount.Decimal(), req.Description)
		if err != nil {
			return nil, err
		}
		return []models.Transaction{debit, credit}, nil
	})
}

func (s *stubLedger) ListTransactions(_ context.Context, id int64) ([]models.Transaction, error) {
	if _, err := s.GetCustomer(context.Background(), id); err != nil {
		return nil, err
	}
	return []models.Transaction{}, nil
}

func (s *stubLedger) Passbook(_ context.Context, id int64) (models.Passbook, error) {
	c, err := s.GetCustomer(context.Background(), id)
	if err != nil {
		return models.Passbook{}, err
	}
	return models.Passbook{CustomerID: id, CustomerName: c.FirstName + " " + c.LastName, CurrentBalance: c.Balance, Transactions: []models.Transaction{}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubLedger) {
	t.Helper()
	st := newStubLedger()
	srv := httptest.NewServer(NewRouter(NewHandler(st, slog.New(slog.NewTextHandler(io.Discard, nil)))))
	t.Cleanup(srv.Close)
	return srv, st
}

func post(t *testing.T, url, key string, body any) (*http.Response, models.ErrorBody) {
	t.Helper()
	raw, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	var eb models.ErrorBody
	data, _ := io.ReadAll(resp.Body)
	json.Unmarshal(data, &eb)
	return resp, eb
}

func TestTransferValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		name string
		body models.TransferRequest
		code int
		msg  string
	}{
		{name: "zero amount", body: models.TransferRequest{FromCustomerID: 1, ToCustomerID: 2}, code: 400, msg: "Transfer amount must be greater than zero"},
		{name: "self", body: models.TransferRequest{FromCustomerID: 1, ToCustomerID: 1, Amount: models.NewAmount(decimal.NewFromInt(5))}, code: 400, msg: "Cannot transfer money to the same account"},
		{name: "insufficient", body: models.TransferRequest{FromCustomerID: 2, ToCustomerID: 1, Amount: models.NewAmount(decimal.NewFromInt(5))}, code: 400, msg: "Insufficient balance. Available balance: 0.00"},
		{name: "unknown recipient", body: models.TransferRequest{FromCustomerID: 1, ToCustomerID: 99, Amount: models.NewAmount(decimal.NewFromInt(5))}, code: 404, msg: "Customer not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, eb := post(t, srv.URL+"/api/transactions/transfer", "", tt.body)
			if resp.StatusCode != tt.code || eb.Error != tt.msg {
				t.Fatalf("got %d %q, want %d %q", resp.StatusCode, eb.Error, tt.code, tt.msg)
			}
		})
	}
}

func TestMoneyMovingReplaysIdempotencyKey(t *testing.T) {
	srv, st := newTestServer(t)
	body := models.MoneyRequest{CustomerID: 1, Amount: models.NewAmount(decimal.NewFromInt(10))}

	first, _ := post(t, srv.URL+"/api/transactions/deposit", "key-1", body)
	second, _ := post(t, srv.URL+"/api/transactions/deposit", "key-1", body)
	if first.StatusCode != http.StatusCreated || second.StatusCode != http.StatusOK {
		t.Fatalf("expected 201 then 200 replay, got %d and %d", first.StatusCode, second.StatusCode)
	}
	if st.calls != 1 {
		t.Fatalf("expected one execution, got %d", st.calls)
	}

	body.Amount = models.NewAmount(decimal.NewFromInt(11))
	mismatch, eb := post(t, srv.URL+"/api/transactions/deposit", "key-1", body)
	if mismatch.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for reused key, got %d (%s)", mismatch.StatusCode, eb.Error)
	}
}

func TestWithdrawRejectsNonPositive(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, eb := post(t, srv.URL+"/api/transactions/withdraw", "", models.MoneyRequest{CustomerID: 1, Amount: models.NewAmount(decimal.NewFromInt(-1))})
	if resp.StatusCode != 400 || eb.Error != "Withdrawal amount must be greater than zero" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, eb.Error)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := post(t, srv.URL+"/api/customers/register", "", models.RegisterRequest{Username: "carol", Password: "pw", Email: "c@example.com"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	resp, eb := post(t, srv.URL+"/api/customers/register", "", models.RegisterRequest{Username: "carol", Password: "pw", Email: "c2@example.com"})
	if resp.StatusCode != http.StatusBadRequest || eb.Error != "Username already exists: carol" {
		t.Fatalf("unexpected duplicate response %d %q", resp.StatusCode, eb.Error)
	}
	resp, eb = post(t, srv.URL+"/api/customers/login", "", models.LoginRequest{Username: "alice", Password: "wrong"})
	if resp.StatusCode != http.StatusUnauthorized || eb.Error != "Invalid username or password" {
		t.Fatalf("unexpected login response %d %q", resp.StatusCode, eb.Error)
	}
}

// The Request Client and Ledger API work unchanged against the sandbox surface.
func TestClientAgainstSandbox(t *testing.T) {
	srv, _ := newTestServer(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ledger.NewService(client.NewClient(srv.URL+"/api", client.DefaultPolicy(), logger), nil, logger)
	ctx := context.Background()

	acct, err := svc.Login(ctx, "alice", "secret")
	if err != nil || acct.ID != 1 {
		t.Fatalf("login failed: %v (%+v)", err, acct)
	}
	bob, err := svc.CustomerByUsername(ctx, "bob")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	tx, err := svc.Transfer(ctx, domain.TransferRequest{FromCustomerID: 1, ToCustomerID: bob.ID, Amount: decimal.RequireFromString("40.00")})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	if tx.Kind != domain.KindTransferOut || !tx.BalanceAfterTransaction.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected sender leg %+v", tx)
	}
	b, err := svc.Balance(ctx, bob.ID)
	if err != nil || !b.Amount.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("unexpected recipient balance %+v (%v)", b, err)
	}

	_, err = svc.Customer(ctx, 404)
	if !client.IsServer(err) || client.UserMessage(err) != "Customer not found with id: 404" {
		t.Fatalf("unexpected missing-customer error %v", err)
	}
}
