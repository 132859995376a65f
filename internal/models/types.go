package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/shopspring/decimal"
)

// Amount is a decimal that travels as a bare JSON number with two decimals.
type Amount decimal.Decimal

func NewAmount(d decimal.Decimal) Amount {
	return Amount(d)
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.Decimal(a)
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(decimal.Decimal(a).StringFixed(2)), nil
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	*a = Amount(d)
	return nil
}

// RegisterRequest is the payload of POST /customers/register.
type RegisterRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
}

// LoginRequest is the payload of POST /customers/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Customer is the Account shape returned by the /customers endpoints.
type Customer struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phoneNumber"`
	Balance     Amount `json:"balance"`
}

func (c Customer) ToDomain() domain.Account {
	return domain.Account{
		ID:          c.ID,
		Username:    c.Username,
		FirstName:   c.FirstName,
		LastName:    c.LastName,
		Email:       c.Email,
		PhoneNumber: c.PhoneNumber,
		Balance:     c.Balance.Decimal(),
	}
}

// BalanceResponse is the payload of GET /customers/{id}/balance.
type BalanceResponse struct {
	CustomerID int64  `json:"customerId"`
	Username   string `json:"username"`
	Balance    Amount `json:"balance"`
}

// MoneyRequest is the payload of the deposit and withdraw endpoints.
type MoneyRequest struct {
	CustomerID  int64  `json:"customerId"`
	Amount      Amount `json:"amount"`
	Description string `json:"description"`
}

// TransferRequest is the payload of POST /transactions/transfer.
type TransferRequest struct {
	FromCustomerID int64  `json:"fromCustomerId"`
	ToCustomerID   int64  `json:"toCustomerId"`
	Amount         Amount `json:"amount"`
	Description    string `json:"description"`
}

// Transaction covers both the list entry and the passbook summary entry; they share fields.
type Transaction struct {
	ID                      int64  `json:"id"`
	Type                    string `json:"type"`
	Amount                  Amount `json:"amount"`
	BalanceAfterTransaction Amount `json:"balanceAfterTransaction"`
	Description             string `json:"description"`
	Timestamp               string `json:"timestamp"`
}

func (t Transaction) ToDomain() (domain.Transaction, error) {
	kind, err := domain.ParseKind(t.Type)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %d: %w", t.ID, err)
	}
	ts, err := ParseTimestamp(t.Timestamp)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("transaction %d: %w", t.ID, err)
	}
	return domain.Transaction{
		ID:                      t.ID,
		Kind:                    kind,
		Amount:                  t.Amount.Decimal(),
		Description:             t.Description,
		Timestamp:               ts,
		BalanceAfterTransaction: t.BalanceAfterTransaction.Decimal(),
	}, nil
}

// FromDomainTransaction renders tx in the wire shape.
func FromDomainTransaction(tx domain.Transaction) Transaction {
	return Transaction{
		ID:                      tx.ID,
		Type:                    string(tx.Kind),
		Amount:                  NewAmount(tx.Amount),
		BalanceAfterTransaction: NewAmount(tx.BalanceAfterTransaction),
		Description:             tx.Description,
		Timestamp:               tx.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// Passbook is the payload of GET /transactions/customer/{id}/passbook.
type Passbook struct {
	CustomerID        int64         `json:"customerId"`
	CustomerName      string        `json:"customerName"`
	CurrentBalance    Amount        `json:"currentBalance"`
	TotalTransactions int           `json:"totalTransactions"`
	Transactions      []Transaction `json:"transactions"`
}

// ErrorBody is the error envelope of the Ledger Service. Either field may carry the message.
type ErrorBody struct {
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Text returns the first non-empty message.
func (e ErrorBody) Text() string {
	if s := strings.TrimSpace(e.Error); s != "" {
		return s
	}
	return strings.TrimSpace(e.Message)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp accepts RFC3339 and the zone-less local date-times the ledger emits, read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
