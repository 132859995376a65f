package ledgertest

import (
	"context"
	"testing"
	"time"

	"github.com/punchamoorthee/ledgerclient/internal/client"
	"github.com/punchamoorthee/ledgerclient/internal/models"
	"github.com/shopspring/decimal"
)

func deposit() models.MoneyRequest {
	return models.MoneyRequest{CustomerID: 1, Amount: models.NewAmount(decimal.NewFromInt(5)), Description: "test"}
}

// closesPromptly fails the test if the server cannot shut down, which happens
// when a handler is still parked on a request the client abandoned.
func closesPromptly(t *testing.T, s *Server) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not close after the client gave up")
	}
}

func TestHang_PostTimesOutAndServerCloses(t *testing.T) {
	s := New(t)
	s.AddCustomer(1, "alice", "Alice", "Jones", "10.00")
	s.Hang(client.Deposit.Name)

	_, err := s.Client().Call(context.Background(), client.Deposit, deposit())
	if !client.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.Hits(client.Deposit.Name) != 1 {
		t.Fatalf("expected one deposit hit, got %d", s.Hits(client.Deposit.Name))
	}
	closesPromptly(t, s)
}

func TestHang_TransferRetryServerCloses(t *testing.T) {
	s := New(t)
	s.AddCustomer(1, "alice", "Alice", "Jones", "10.00")
	s.AddCustomer(2, "bob", "Bob", "Smith", "0.00")
	s.Hang(client.Transfer.Name)

	req := models.TransferRequest{FromCustomerID: 1, ToCustomerID: 2, Amount: models.NewAmount(decimal.NewFromInt(1))}
	_, err := s.Client().Call(context.Background(), client.Transfer, req)
	if !client.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if s.Hits(client.Transfer.Name) != 2 {
		t.Fatalf("expected the transfer to be retried once, got %d hits", s.Hits(client.Transfer.Name))
	}
	closesPromptly(t, s)
}

func TestGate_AbandonedPostServerCloses(t *testing.T) {
	s := New(t)
	s.AddCustomer(1, "alice", "Alice", "Jones", "10.00")
	s.Gate(client.Deposit.Name)

	_, err := s.Client().Call(context.Background(), client.Deposit, deposit())
	if !client.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	closesPromptly(t, s)
}

func TestHeal_PostSucceedsAfterHang(t *testing.T) {
	s := New(t)
	s.AddCustomer(1, "alice", "Alice", "Jones", "10.00")
	s.Hang(client.Deposit.Name)
	s.Heal(client.Deposit.Name)

	if _, err := s.Client().Call(context.Background(), client.Deposit, deposit()); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	if got := s.BalanceOf(1); !got.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("expected 15.00 after deposit, got %s", got)
	}
}
