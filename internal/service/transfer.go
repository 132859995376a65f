package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/punchamoorthee/ledgerclient/internal/cache"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/punchamoorthee/ledgerclient/internal/events"
	"github.com/punchamoorthee/ledgerclient/internal/session"
	"github.com/shopspring/decimal"
)

var (
	ErrBusy             = errors.New("a request is already in progress")
	ErrWrongState       = errors.New("operation not allowed in current step")
	ErrAlreadyCompleted = errors.New("transfer already completed; reset to start another")
)

type State int

const (
	StateSearch State = iota
	StateConfirm
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateSearch:
		return "search"
	case StateConfirm:
		return "confirm"
	case StateComplete:
		return "complete"
	}
	return "unknown"
}

// Ledger is what the workflows need from the Ledger API.
type Ledger interface {
	CustomerByUsername(ctx context.Context, username string) (domain.Account, error)
	Transfer(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error)
	Deposit(ctx context.Context, customerID int64, amount decimal.Decimal, description string) (domain.Transaction, error)
	Withdraw(ctx context.Context, customerID int64, amount decimal.Decimal, description string) (domain.Transaction, error)
}

// Balances is the Balance Cache as seen by the workflows.
type Balances interface {
	Refresh(ctx context.Context, customerID int64) (domain.Balance, error)
	Get(ctx context.Context, customerID int64) (cache.Entry, bool)
	Set(ctx context.Context, customerID int64, amount decimal.Decimal) error
}

// Draft is the form input of the Confirm step, kept as entered.
type Draft struct {
	Amount      string
	Description string
}

// TransferWorkflow walks one transfer through Search, Confirm and Complete.
// A completed instance has no submit path; Reset starts over.
type TransferWorkflow struct {
	session  session.Session
	ledger   Ledger
	balances Balances
	receipts events.Publisher
	logger   *slog.Logger
	scope    *session.Scope

	mu        sync.Mutex
	state     State
	busy      bool
	recipient domain.Account
	draft     Draft
	receipt   domain.Transaction
	lastErr   error
}

func NewTransferWorkflow(parent context.Context, sess session.Session, ledger Ledger, balances Balances, receipts events.Publisher, logger *slog.Logger) *TransferWorkflow {
	if logger == nil {
		logger = slog.Default()
	}
	if receipts == nil {
		receipts = events.NopPublisher{Logger: logger}
	}
	return &TransferWorkflow{
		session:  sess,
		ledger:   ledger,
		balances: balances,
		receipts: receipts,
		logger:   logger.With("workflow", "transfer", "customer_id", sess.CustomerID),
		scope:    session.NewScope(parent),
		state:    StateSearch,
	}
}

// begin claims the instance for one call in state want.
func (w *TransferWorkflow) begin(want State) error {
	if w.scope.Closed() {
		return session.ErrScopeClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	if w.state == StateComplete && want == StateConfirm {
		return ErrAlreadyCompleted
	}
	if w.state != want {
		return ErrWrongState
	}
	w.busy = true
	return nil
}

// reject ends a call that failed before reaching the network.
func (w *TransferWorkflow) reject(err error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.busy = false
	w.lastErr = err
	w.logger.Debug("transfer input rejected", "state", w.state.String(), "error", err)
	return err
}

// Search resolves the recipient. Empty and self usernames are rejected locally.
func (w *TransferWorkflow) Search(ctx context.Context, username string) (domain.Account, error) {
	if err := w.begin(StateSearch); err != nil {
		return domain.Account{}, err
	}

	username = strings.TrimSpace(username)
	if username == "" {
		return domain.Account{}, w.reject(domain.NewValidationError(domain.ErrEmptyRecipient, "Please enter a username"))
	}
	if w.session.IsSelf(username) {
		return domain.Account{}, w.reject(domain.NewValidationError(domain.ErrSelfTransfer, "Cannot transfer money to your own account"))
	}

	callCtx, cancel := w.scope.Bind(ctx)
	defer cancel()
	acct, err := w.ledger.CustomerByUsername(callCtx, username)
	if err == nil && acct.ID == w.session.CustomerID {
		err = domain.NewValidationError(domain.ErrSelfTransfer, "Cannot transfer money to your own account")
	}

	applied := w.scope.Apply(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.busy = false
		if err != nil {
			w.lastErr = err
			return
		}
		w.recipient = acct
		w.state = StateConfirm
		w.lastErr = nil
	})
	if !applied {
		return domain.Account{}, session.ErrScopeClosed
	}
	if err != nil {
		if !domain.IsValidation(err) {
			w.logger.Warn("recipient lookup failed", "recipient", username, "error", err)
		}
		return domain.Account{}, err
	}
	return acct, nil
}

// Validate checks the Confirm input against the balance cached right now and
// records it as the current draft.
func (w *TransferWorkflow) Validate(ctx context.Context, amountInput, description string) (decimal.Decimal, error) {
	w.mu.Lock()
	state := w.state
	w.mu.Unlock()
	if state != StateConfirm {
		if state == StateComplete {
			return decimal.Zero, ErrAlreadyCompleted
		}
		return decimal.Zero, ErrWrongState
	}

	w.mu.Lock()
	w.draft = Draft{Amount: amountInput, Description: description}
	w.mu.Unlock()

	return w.check(ctx, amountInput)
}

func (w *TransferWorkflow) check(ctx context.Context, amountInput string) (decimal.Decimal, error) {
	amount, err := domain.ParseAmount(amountInput)
	if err != nil {
		return decimal.Zero, err
	}
	entry, ok := w.balances.Get(ctx, w.session.CustomerID)
	if !ok {
		return decimal.Zero, domain.NewValidationError(domain.ErrBalanceUnknown, "Balance unavailable. Refresh your balance and try again.")
	}
	if err := domain.CheckAvailable(amount, entry.Balance.Amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// Submit validates and sends the transfer. Failure keeps the recipient and the
// draft so the user can correct and resubmit.
func (w *TransferWorkflow) Submit(ctx context.Context, amountInput, description string) (domain.Transaction, error) {
	if err := w.begin(StateConfirm); err != nil {
		return domain.Transaction{}, err
	}

	w.mu.Lock()
	w.draft = Draft{Amount: amountInput, Description: description}
	recipient := w.recipient
	w.mu.Unlock()

	amount, err := w.check(ctx, amountInput)
	if err != nil {
		return domain.Transaction{}, w.reject(err)
	}
	if strings.TrimSpace(description) == "" {
		description = "Transfer to " + recipient.FullName()
	}

	callCtx, cancel := w.scope.Bind(ctx)
	defer cancel()
	tx, err := w.ledger.Transfer(callCtx, domain.TransferRequest{
		FromCustomerID: w.session.CustomerID,
		ToCustomerID:   recipient.ID,
		Amount:         amount,
		Description:    description,
	})

	applied := w.scope.Apply(func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.busy = false
		if err != nil {
			w.lastErr = err
			return
		}
		w.state = StateComplete
		w.receipt = tx
		w.draft = Draft{}
		w.lastErr = nil
	})
	if !applied {
		if err == nil {
			w.logger.Info("transfer confirmed after view closed; result discarded", "transaction_id", tx.ID)
		}
		return domain.Transaction{}, session.ErrScopeClosed
	}
	if err != nil {
		if !domain.IsValidation(err) {
			w.logger.Warn("transfer failed", "recipient", recipient.Username, "amount", amount.StringFixed(2), "error", err)
		}
		return domain.Transaction{}, err
	}

	// Set stays outside Apply; Close must not wait on the entry store.
	if setErr := w.balances.Set(ctx, w.session.CustomerID, tx.BalanceAfterTransaction); setErr != nil {
		w.logger.Warn("failed to record balance after transfer", "error", setErr)
	}
	w.logger.Info("transfer completed", "transaction_id", tx.ID, "recipient", recipient.Username, "amount", amount.StringFixed(2))
	if pubErr := w.receipts.Publish(ctx, events.NewReceipt(w.session.CustomerID, tx, recipient.Username)); pubErr != nil {
		w.logger.Warn("failed to publish transfer receipt", "transaction_id", tx.ID, "error", pubErr)
	}
	return tx, nil
}

// Reset discards all workflow state and returns to Search.
func (w *TransferWorkflow) Reset() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return ErrBusy
	}
	w.state = StateSearch
	w.recipient = domain.Account{}
	w.draft = Draft{}
	w.receipt = domain.Transaction{}
	w.lastErr = nil
	return nil
}

// Close tears the view down. Outstanding calls are cancelled and their results dropped.
func (w *TransferWorkflow) Close() {
	w.scope.Close()
}

func (w *TransferWorkflow) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Recipient is the snapshot resolved by Search.
func (w *TransferWorkflow) Recipient() (domain.Account, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.recipient, w.state != StateSearch
}

func (w *TransferWorkflow) Draft() Draft {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.draft
}

// Receipt is the sender's transaction once the workflow is complete.
func (w *TransferWorkflow) Receipt() (domain.Transaction, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.receipt, w.state == StateComplete
}

func (w *TransferWorkflow) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}
