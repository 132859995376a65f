package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a ledger transaction from the account holder's point of view.
type Kind string

const (
	KindDeposit     Kind = "DEPOSIT"
	KindWithdrawal  Kind = "WITHDRAWAL"
	KindTransferOut Kind = "TRANSFER_OUT"
	KindTransferIn  Kind = "TRANSFER_IN"
)

// Kinds lists every kind in display order.
var Kinds = []Kind{KindDeposit, KindWithdrawal, KindTransferOut, KindTransferIn}

// ParseKind accepts the wire spelling case-insensitively, with or without separators.
func ParseKind(s string) (Kind, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "DEPOSIT":
		return KindDeposit, nil
	case "WITHDRAWAL", "WITHDRAW":
		return KindWithdrawal, nil
	case "TRANSFER_OUT", "TRANSFEROUT":
		return KindTransferOut, nil
	case "TRANSFER_IN", "TRANSFERIN":
		return KindTransferIn, nil
	}
	return "", fmt.Errorf("unknown transaction kind %q", s)
}

// Sign is +1 for kinds that credit the account and -1 for kinds that debit it.
func (k Kind) Sign() int64 {
	switch k {
	case KindDeposit, KindTransferIn:
		return 1
	default:
		return -1
	}
}

// Account is a cached snapshot of a customer held by the Ledger Service.
type Account struct {
	ID          int64
	Username    string
	FirstName   string
	LastName    string
	Email       string
	PhoneNumber string
	Balance     decimal.Decimal
}

func (a Account) FullName() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// Transaction is immutable once returned by the Ledger Service.
type Transaction struct {
	ID                      int64
	Kind                    Kind
	Amount                  decimal.Decimal
	Description             string
	Timestamp               time.Time
	BalanceAfterTransaction decimal.Decimal
}

// Signed returns the amount with the sign implied by its kind.
func (t Transaction) Signed() decimal.Decimal {
	return t.Amount.Mul(decimal.NewFromInt(t.Kind.Sign()))
}

// Balance is one observation of an account balance.
// Degraded marks a stub produced while the Ledger Service was unreachable.
type Balance struct {
	CustomerID int64
	Username   string
	Amount     decimal.Decimal
	FetchedAt  time.Time
	Degraded   bool
}

// History is a transaction listing as returned by the primary list endpoint.
type History struct {
	Transactions []Transaction
	Degraded     bool
}

// Summary heads a passbook.
type Summary struct {
	AccountID      int64
	CustomerName   string
	CurrentBalance decimal.Decimal
	TotalCount     int
	// Consistent reports whether replaying the transactions reproduces the final balance.
	Consistent bool
}

// Passbook is a newest-first transaction history with its summary.
type Passbook struct {
	Summary      Summary
	Transactions []Transaction
	Degraded     bool
}

// TransferRequest is the sender-side input of a peer-to-peer transfer.
type TransferRequest struct {
	FromCustomerID int64
	ToCustomerID   int64
	Amount         decimal.Decimal
	Description    string
}
