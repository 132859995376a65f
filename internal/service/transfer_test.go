package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/ledgerclient/internal/cache"
	"github.com/punchamoorthee/ledgerclient/internal/client"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/punchamoorthee/ledgerclient/internal/events"
	"github.com/punchamoorthee/ledgerclient/internal/fallback"
	"github.com/punchamoorthee/ledgerclient/internal/ledger"
	"github.com/punchamoorthee/ledgerclient/internal/ledgertest"
	"github.com/punchamoorthee/ledgerclient/internal/passbook"
	"github.com/punchamoorthee/ledgerclient/internal/session"
	"github.com/shopspring/decimal"
)

var _ Ledger = (*ledger.Service)(nil)

type recordingPublisher struct {
	mu       sync.Mutex
	receipts []events.Receipt
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, r events.Receipt) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.receipts = append(p.receipts, r)
	return p.err
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.receipts)
}

type fixture struct {
	srv      *ledgertest.Server
	ledger   *ledger.Service
	cache    *cache.Cache
	receipts *recordingPublisher
	alice    session.Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv := ledgertest.New(t)
	srv.AddCustomer(1, "alice", "Alice", "Jones", "100.00")
	srv.AddCustomer(2, "bob", "Bob", "Smith", "5.00")
	svc := ledger.NewService(srv.Client(), fallback.NewProvider(ledgertest.Logger()), ledgertest.Logger())
	return &fixture{
		srv:      srv,
		ledger:   svc,
		cache:    cache.New(svc, cache.NewMemoryStore(), ledgertest.Logger()),
		receipts: &recordingPublisher{},
		alice:    session.Session{CustomerID: 1, Username: "alice", FirstName: "Alice", LastName: "Jones"},
	}
}

func (f *fixture) workflow(t *testing.T) *TransferWorkflow {
	t.Helper()
	w := NewTransferWorkflow(context.Background(), f.alice, f.ledger, f.cache, f.receipts, ledgertest.Logger())
	t.Cleanup(w.Close)
	return w
}

func (f *fixture) primeBalance(t *testing.T) {
	t.Helper()
	if _, err := f.cache.Refresh(context.Background(), f.alice.CustomerID); err != nil {
		t.Fatalf("prime balance: %v", err)
	}
}

func TestTransfer_HappyPath(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	w := f.workflow(t)

	recipient, err := w.Search(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Search returned error: %v", err)
	}
	if recipient.ID != 2 || w.State() != StateConfirm {
		t.Fatalf("expected Confirm with bob, got %s / %+v", w.State(), recipient)
	}

	tx, err := w.Submit(context.Background(), "40.00", "")
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if tx.Kind != domain.KindTransferOut || !tx.Amount.Equal(decimal.NewFromInt(40)) || !tx.BalanceAfterTransaction.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if tx.Description != "Transfer to Bob Smith" {
		t.Fatalf("expected default description, got %q", tx.Description)
	}
	if w.State() != StateComplete {
		t.Fatalf("expected Complete, got %s", w.State())
	}
	if d := w.Draft(); d.Amount != "" {
		t.Fatalf("expected form cleared, got %+v", d)
	}
	e, _ := f.cache.Get(context.Background(), 1)
	if !e.Balance.Amount.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected cache set to 60, got %s", e.Balance.Amount)
	}
	if f.receipts.count() != 1 || f.receipts.receipts[0].Counterparty != "bob" {
		t.Fatalf("expected one receipt for bob, got %+v", f.receipts.receipts)
	}
	if f.srv.Hits("balance") != 1 {
		t.Fatalf("completion must not refetch the balance, got %d balance hits", f.srv.Hits("balance"))
	}
}

func TestTransfer_CompletedCannotResubmit(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	w := f.workflow(t)

	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(context.Background(), "10", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(context.Background(), "10", ""); !errors.Is(err, ErrAlreadyCompleted) {
		t.Fatalf("expected ErrAlreadyCompleted, got %v", err)
	}
	if f.srv.Hits("transfer") != 1 {
		t.Fatalf("expected a single transfer call, got %d", f.srv.Hits("transfer"))
	}

	if err := w.Reset(); err != nil {
		t.Fatalf("Reset returned error: %v", err)
	}
	if w.State() != StateSearch {
		t.Fatalf("expected Search after reset, got %s", w.State())
	}
	if _, ok := w.Recipient(); ok {
		t.Fatal("reset must discard the recipient")
	}
}

func TestTransfer_SearchRejectsLocally(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  error
		msg   string
	}{
		{name: "empty", input: "   ", want: domain.ErrEmptyRecipient, msg: "Please enter a username"},
		{name: "self", input: "alice", want: domain.ErrSelfTransfer, msg: "Cannot transfer money to your own account"},
		{name: "self mixed case", input: "ALIce", want: domain.ErrSelfTransfer, msg: "Cannot transfer money to your own account"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			w := f.workflow(t)

			_, err := w.Search(context.Background(), tt.input)
			if !errors.Is(err, tt.want) || err.Error() != tt.msg {
				t.Fatalf("expected %q, got %v", tt.msg, err)
			}
			if f.srv.Hits("customer_by_username") != 0 {
				t.Fatal("local rejection must not reach the network")
			}
			if w.State() != StateSearch || w.LastError() == nil {
				t.Fatalf("expected to stay in Search with the error surfaced, got %s / %v", w.State(), w.LastError())
			}
		})
	}
}

func TestTransfer_SearchLookupFailureStaysInSearch(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)

	_, err := w.Search(context.Background(), "carol")
	if !client.IsServer(err) || client.UserMessage(err) != "Customer not found with username: carol" {
		t.Fatalf("expected lookup failure, got %v", err)
	}
	if w.State() != StateSearch {
		t.Fatalf("expected Search, got %s", w.State())
	}
}

func TestTransfer_BlocksAmountAboveCachedBalance(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	w := f.workflow(t)
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	_, err := w.Submit(context.Background(), "150.00", "rent")
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err.Error() != "Insufficient balance. Available: $100.00" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if f.srv.Hits("transfer") != 0 {
		t.Fatal("blocked submission must not call the ledger")
	}
	if w.State() != StateConfirm {
		t.Fatalf("expected to stay in Confirm, got %s", w.State())
	}
	if d := w.Draft(); d.Amount != "150.00" || d.Description != "rent" {
		t.Fatalf("entered data must be retained, got %+v", d)
	}
	if r, ok := w.Recipient(); !ok || r.Username != "bob" {
		t.Fatal("recipient must be retained")
	}
}

func TestTransfer_RereadsCacheAtValidation(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	w := f.workflow(t)
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	f.cache.Set(context.Background(), 1, decimal.NewFromInt(30))
	if _, err := w.Validate(context.Background(), "40", ""); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected the newer cached balance to apply, got %v", err)
	}
	if _, err := w.Validate(context.Background(), "30", ""); err != nil {
		t.Fatalf("expected 30 to pass, got %v", err)
	}
}

func TestTransfer_InvalidAmountsNeverCallLedger(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	w := f.workflow(t)
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	for _, in := range []string{"", "abc", "0", "-5", "0.001"} {
		if _, err := w.Submit(context.Background(), in, ""); !errors.Is(err, domain.ErrInvalidAmount) {
			t.Fatalf("input %q: expected ErrInvalidAmount, got %v", in, err)
		}
	}
	if f.srv.Hits("transfer") != 0 {
		t.Fatal("invalid amounts must not call the ledger")
	}
}

func TestTransfer_UnknownBalanceBlocks(t *testing.T) {
	f := newFixture(t)
	w := f.workflow(t)
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	if _, err := w.Submit(context.Background(), "1", ""); !errors.Is(err, domain.ErrBalanceUnknown) {
		t.Fatalf("expected ErrBalanceUnknown, got %v", err)
	}
}

func TestTransfer_ServerRejectionKeepsConfirm(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	f.srv.Fail("transfer", http.StatusBadRequest, "Insufficient balance")
	w := f.workflow(t)
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	_, err := w.Submit(context.Background(), "50", "")
	if client.UserMessage(err) != "Insufficient balance" {
		t.Fatalf("expected server message passed through, got %v", err)
	}
	if w.State() != StateConfirm || w.Draft().Amount != "50" {
		t.Fatalf("expected Confirm with draft intact, got %s / %+v", w.State(), w.Draft())
	}
	if f.receipts.count() != 0 {
		t.Fatal("no receipt for a failed transfer")
	}
	if f.srv.Hits("transfer") != 1 {
		t.Fatalf("server rejection must not be retried, got %d calls", f.srv.Hits("transfer"))
	}
}

func TestTransfer_TimeoutRetriesOnceThenSurfaces(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	f.srv.Hang("transfer")
	w := f.workflow(t)
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	_, err := w.Submit(context.Background(), "50", "")
	if !client.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if f.srv.Hits("transfer") != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", f.srv.Hits("transfer"))
	}
	if w.State() != StateConfirm {
		t.Fatalf("expected Confirm, got %s", w.State())
	}
}

func TestTransfer_ConcurrentSubmitIsBusy(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	w := f.workflow(t)
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	gate := f.srv.Gate("transfer")

	done := make(chan error, 1)
	go func() {
		_, err := w.Submit(context.Background(), "10", "")
		done <- err
	}()
	waitForHits(t, f.srv, "transfer", 1)

	if _, err := w.Submit(context.Background(), "10", ""); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := w.Reset(); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected reset to be refused while busy, got %v", err)
	}
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("first submit failed: %v", err)
	}
}

func TestTransfer_CloseDiscardsLateResult(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	w := f.workflow(t)
	gate := f.srv.Gate("customer_by_username")

	done := make(chan error, 1)
	go func() {
		_, err := w.Search(context.Background(), "bob")
		done <- err
	}()
	waitForHits(t, f.srv, "customer_by_username", 1)

	w.Close()
	close(gate)
	if err := <-done; !errors.Is(err, session.ErrScopeClosed) {
		t.Fatalf("expected ErrScopeClosed, got %v", err)
	}
	if w.State() != StateSearch {
		t.Fatalf("late result must not change state, got %s", w.State())
	}
	if _, ok := w.Recipient(); ok {
		t.Fatal("late result must not set a recipient")
	}
}

// slowBalances holds Set until release is closed, like a remote entry store
// that stalls.
type slowBalances struct {
	*cache.Cache
	entered chan struct{}
	release chan struct{}
}

func newSlowBalances(c *cache.Cache) *slowBalances {
	return &slowBalances{Cache: c, entered: make(chan struct{}, 1), release: make(chan struct{})}
}

func (b *slowBalances) Set(ctx context.Context, customerID int64, amount decimal.Decimal) error {
	b.entered <- struct{}{}
	<-b.release
	return b.Cache.Set(ctx, customerID, amount)
}

// closeReturns fails the test if closeFn does not return while Set is held.
func closeReturns(t *testing.T, closeFn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		closeFn()
		done <- struct{}{}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind the balance store")
	}
}

func TestTransfer_CloseDoesNotWaitForBalanceStore(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	balances := newSlowBalances(f.cache)
	w := NewTransferWorkflow(context.Background(), f.alice, f.ledger, balances, f.receipts, ledgertest.Logger())
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}

	type result struct {
		tx  domain.Transaction
		err error
	}
	done := make(chan result, 1)
	go func() {
		tx, err := w.Submit(context.Background(), "40.00", "")
		done <- result{tx, err}
	}()
	<-balances.entered

	if w.State() != StateComplete {
		t.Fatalf("expected Complete while the store is still writing, got %s", w.State())
	}
	closeReturns(t, w.Close)

	close(balances.release)
	r := <-done
	if r.err != nil {
		t.Fatalf("confirmed transfer must still be reported, got %v", r.err)
	}
	e, _ := f.cache.Get(context.Background(), 1)
	if !e.Balance.Amount.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("expected cache set to 60, got %s", e.Balance.Amount)
	}
}

func TestTransfer_ReceiptFailureDoesNotFailTransfer(t *testing.T) {
	f := newFixture(t)
	f.primeBalance(t)
	f.receipts.err = errors.New("broker down")
	w := f.workflow(t)
	if _, err := w.Search(context.Background(), "bob"); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Submit(context.Background(), "1.50", "coffee"); err != nil {
		t.Fatalf("publish failure leaked into transfer: %v", err)
	}
	if w.State() != StateComplete {
		t.Fatalf("expected Complete, got %s", w.State())
	}
}

func TestStateString(t *testing.T) {
	if StateSearch.String() != "search" || StateConfirm.String() != "confirm" || StateComplete.String() != "complete" {
		t.Fatal("unexpected state names")
	}
}

var _ History = (*passbook.Aggregator)(nil)
