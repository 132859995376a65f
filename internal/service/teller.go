package service

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/punchamoorthee/ledgerclient/internal/cache"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/punchamoorthee/ledgerclient/internal/events"
	"github.com/punchamoorthee/ledgerclient/internal/passbook"
	"github.com/punchamoorthee/ledgerclient/internal/session"
)

// History fetches the passbook for an account.
type History interface {
	Fetch(ctx context.Context, customerID int64) (domain.Passbook, error)
}

// Teller runs the single-step operations of a signed-in customer: balance
// refreshes, deposits, withdrawals and history.
type Teller struct {
	ledger   Ledger
	balances Balances
	history  History
	receipts events.Publisher
	logger   *slog.Logger
	scope    *session.Scope

	mu        sync.Mutex
	session   session.Session
	refreshed int64
}

func NewTeller(parent context.Context, sess session.Session, ledger Ledger, balances Balances, history History, receipts events.Publisher, logger *slog.Logger) *Teller {
	if logger == nil {
		logger = slog.Default()
	}
	if receipts == nil {
		receipts = events.NopPublisher{Logger: logger}
	}
	return &Teller{
		ledger:   ledger,
		balances: balances,
		history:  history,
		receipts: receipts,
		logger:   logger,
		scope:    session.NewScope(parent),
		session:  sess,
	}
}

func (t *Teller) Session() session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// SetSession switches the signed-in identity. The next Start refreshes.
func (t *Teller) SetSession(sess session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = sess
}

// Start refreshes the balance when the identity changed since the last Start
// and otherwise serves the cached entry.
func (t *Teller) Start(ctx context.Context) (domain.Balance, error) {
	t.mu.Lock()
	id := t.session.CustomerID
	changed := t.refreshed != id
	t.mu.Unlock()

	if !changed {
		if e, ok := t.balances.Get(ctx, id); ok {
			return e.Balance, nil
		}
	}
	b, err := t.refresh(ctx, id)
	if err == nil {
		t.mu.Lock()
		t.refreshed = id
		t.mu.Unlock()
	}
	return b, err
}

// EnterWithdrawal refreshes the balance shown on the withdrawal form.
func (t *Teller) EnterWithdrawal(ctx context.Context) (domain.Balance, error) {
	return t.refresh(ctx, t.Session().CustomerID)
}

// RefreshBalance is the explicit user-initiated refresh.
func (t *Teller) RefreshBalance(ctx context.Context) (domain.Balance, error) {
	return t.refresh(ctx, t.Session().CustomerID)
}

// Balance is the cached entry, without a network call.
func (t *Teller) Balance(ctx context.Context) (cache.Entry, bool) {
	return t.balances.Get(ctx, t.Session().CustomerID)
}

func (t *Teller) refresh(ctx context.Context, id int64) (domain.Balance, error) {
	callCtx, cancel := t.scope.Bind(ctx)
	defer cancel()
	b, err := t.balances.Refresh(callCtx, id)
	if t.scope.Closed() {
		return domain.Balance{}, session.ErrScopeClosed
	}
	return b, err
}

func (t *Teller) Deposit(ctx context.Context, amountInput, description string) (domain.Transaction, error) {
	amount, err := domain.ParseAmount(amountInput)
	if err != nil {
		return domain.Transaction{}, err
	}
	if strings.TrimSpace(description) == "" {
		description = "Money deposited"
	}
	sess := t.Session()
	return t.move(ctx, "deposit", func(ctx context.Context) (domain.Transaction, error) {
		return t.ledger.Deposit(ctx, sess.CustomerID, amount, description)
	})
}

// Withdraw also checks the amount against the cached balance before calling.
func (t *Teller) Withdraw(ctx context.Context, amountInput, description string) (domain.Transaction, error) {
	amount, err := domain.ParseAmount(amountInput)
	if err != nil {
		return domain.Transaction{}, err
	}
	sess := t.Session()
	entry, ok := t.balances.Get(ctx, sess.CustomerID)
	if !ok {
		return domain.Transaction{}, domain.NewValidationError(domain.ErrBalanceUnknown, "Balance unavailable. Refresh your balance and try again.")
	}
	if err := domain.CheckAvailable(amount, entry.Balance.Amount); err != nil {
		return domain.Transaction{}, err
	}
	if strings.TrimSpace(description) == "" {
		description = "Money withdrawn"
	}
	return t.move(ctx, "withdraw", func(ctx context.Context) (domain.Transaction, error) {
		return t.ledger.Withdraw(ctx, sess.CustomerID, amount, description)
	})
}

func (t *Teller) move(ctx context.Context, op string, call func(context.Context) (domain.Transaction, error)) (domain.Transaction, error) {
	sess := t.Session()
	callCtx, cancel := t.scope.Bind(ctx)
	defer cancel()

	tx, err := call(callCtx)
	if t.scope.Closed() {
		return domain.Transaction{}, session.ErrScopeClosed
	}
	if err != nil {
		t.logger.Warn(op+" failed", "customer_id", sess.CustomerID, "error", err)
		return domain.Transaction{}, err
	}
	if setErr := t.balances.Set(ctx, sess.CustomerID, tx.BalanceAfterTransaction); setErr != nil {
		t.logger.Warn("failed to record balance after "+op, "customer_id", sess.CustomerID, "error", setErr)
	}

	t.logger.Info(op+" completed", "customer_id", sess.CustomerID, "transaction_id", tx.ID, "amount", tx.Amount.StringFixed(2))
	if pubErr := t.receipts.Publish(ctx, events.NewReceipt(sess.CustomerID, tx, "")); pubErr != nil {
		t.logger.Warn("failed to publish receipt", "transaction_id", tx.ID, "error", pubErr)
	}
	return tx, nil
}

// History returns the passbook, optionally narrowed to kinds.
func (t *Teller) History(ctx context.Context, kinds ...domain.Kind) (domain.Passbook, error) {
	callCtx, cancel := t.scope.Bind(ctx)
	defer cancel()

	pb, err := t.history.Fetch(callCtx, t.Session().CustomerID)
	if t.scope.Closed() {
		return domain.Passbook{}, session.ErrScopeClosed
	}
	if err != nil {
		return domain.Passbook{}, err
	}
	pb.Transactions = passbook.Filter(pb.Transactions, kinds...)
	return pb, nil
}

// Close tears the view down.
func (t *Teller) Close() {
	t.scope.Close()
}

var _ Balances = (*cache.Cache)(nil)
