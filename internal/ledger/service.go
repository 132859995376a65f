// Package ledger is the typed Ledger Service API. It is the only place that
// decides whether a failed call may be answered by the Fallback Provider.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/punchamoorthee/ledgerclient/internal/client"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/punchamoorthee/ledgerclient/internal/fallback"
	"github.com/punchamoorthee/ledgerclient/internal/models"
	"github.com/shopspring/decimal"
)

// Service wraps a Request Client with typed operations.
type Service struct {
	client   *client.Client
	fallback *fallback.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewService returns a Service. A nil provider disables degraded reads.
func NewService(c *client.Client, fb *fallback.Provider, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{client: c, fallback: fb, logger: logger, now: time.Now}
}

// degrade reports whether err on ep may be answered with a fallback value.
func (s *Service) degrade(ep client.Endpoint, err error) bool {
	return s.fallback != nil && ep.Degradable && client.Unavailable(err)
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (domain.Account, error) {
	c, err := client.Fetch[models.Customer](ctx, s.client, client.Register, req)
	if err != nil {
		return domain.Account{}, err
	}
	return c.ToDomain(), nil
}

func (s *Service) Login(ctx context.Context, username, password string) (domain.Account, error) {
	c, err := client.Fetch[models.Customer](ctx, s.client, client.Login, models.LoginRequest{Username: username, Password: password})
	if err != nil {
		return domain.Account{}, err
	}
	return c.ToDomain(), nil
}

func (s *Service) Customer(ctx context.Context, customerID int64) (domain.Account, error) {
	c, err := client.Fetch[models.Customer](ctx, s.client, client.Customer, nil, id(customerID))
	if err != nil {
		return domain.Account{}, err
	}
	return c.ToDomain(), nil
}

func (s *Service) CustomerByUsername(ctx context.Context, username string) (domain.Account, error) {
	c, err := client.Fetch[models.Customer](ctx, s.client, client.CustomerByUsername, nil, username)
	if err != nil {
		return domain.Account{}, err
	}
	return c.ToDomain(), nil
}

// Balance returns the authoritative balance, or a degraded zero balance when
// the Ledger Service is unreachable.
func (s *Service) Balance(ctx context.Context, customerID int64) (domain.Balance, error) {
	b, err := client.Fetch[models.BalanceResponse](ctx, s.client, client.Balance, nil, id(customerID))
	if err != nil {
		if s.degrade(client.Balance, err) {
			return s.fallback.Balance(customerID, err), nil
		}
		return domain.Balance{}, err
	}
	return domain.Balance{
		CustomerID: b.CustomerID,
		Username:   b.Username,
		Amount:     b.Balance.Decimal(),
		FetchedAt:  s.now(),
	}, nil
}

func (s *Service) Deposit(ctx context.Context, customerID int64, amount decimal.Decimal, description string) (domain.Transaction, error) {
	if err := domain.CheckAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	return s.move(ctx, client.Deposit, models.MoneyRequest{CustomerID: customerID, Amount: models.NewAmount(amount), Description: description})
}

func (s *Service) Withdraw(ctx context.Context, customerID int64, amount decimal.Decimal, description string) (domain.Transaction, error) {
	if err := domain.CheckAmount(amount); err != nil {
		return domain.Transaction{}, err
	}
	return s.move(ctx, client.Withdraw, models.MoneyRequest{CustomerID: customerID, Amount: models.NewAmount(amount), Description: description})
}

// Transfer returns the sender's leg of the transfer.
func (s *Service) Transfer(ctx context.Context, req domain.TransferRequest) (domain.Transaction, error) {
	if err := domain.CheckAmount(req.Amount); err != nil {
		return domain.Transaction{}, err
	}
	return s.move(ctx, client.Transfer, models.TransferRequest{
		FromCustomerID: req.FromCustomerID,
		ToCustomerID:   req.ToCustomerID,
		Amount:         models.NewAmount(req.Amount),
		Description:    req.Description,
	})
}

// move performs a money-moving call. Failures are returned as-is: there is no
// degraded result for a write.
func (s *Service) move(ctx context.Context, ep client.Endpoint, body any) (domain.Transaction, error) {
	data, err := s.client.Call(ctx, ep, body)
	if err != nil {
		return domain.Transaction{}, err
	}
	txs, err := decodeTransactions(data)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("decode %s response: %w", ep.Name, err)
	}
	if len(txs) == 0 {
		return domain.Transaction{}, fmt.Errorf("decode %s response: no transaction returned", ep.Name)
	}
	for _, tx := range txs {
		if tx.Kind == domain.KindTransferOut {
			return tx, nil
		}
	}
	return txs[0], nil
}

// Transactions returns the primary transaction listing in server order, or an
// empty degraded listing when the Ledger Service is unreachable.
func (s *Service) Transactions(ctx context.Context, customerID int64) (domain.History, error) {
	data, err := s.client.Call(ctx, client.Transactions, nil, id(customerID))
	if err != nil {
		if s.degrade(client.Transactions, err) {
			return s.fallback.Transactions(customerID, err), nil
		}
		return domain.History{}, err
	}
	txs, err := decodeTransactions(data)
	if err != nil {
		return domain.History{}, fmt.Errorf("decode transactions response: %w", err)
	}
	return domain.History{Transactions: txs}, nil
}

func (s *Service) Passbook(ctx context.Context, customerID int64) (domain.Passbook, error) {
	pb, err := client.Fetch[models.Passbook](ctx, s.client, client.Passbook, nil, id(customerID))
	if err != nil {
		return domain.Passbook{}, err
	}
	txs, err := toDomain(pb.Transactions)
	if err != nil {
		return domain.Passbook{}, fmt.Errorf("decode passbook response: %w", err)
	}
	return domain.Passbook{
		Summary: domain.Summary{
			AccountID:      pb.CustomerID,
			CustomerName:   pb.CustomerName,
			CurrentBalance: pb.CurrentBalance.Decimal(),
			TotalCount:     pb.TotalTransactions,
		},
		Transactions: txs,
	}, nil
}

// decodeTransactions accepts a single transaction, a bare array, or an object
// wrapping a "transactions" array.
func decodeTransactions(data json.RawMessage) ([]domain.Transaction, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []domain.Transaction{}, nil
	}

	var list []models.Transaction
	switch trimmed[0] {
	case '[':
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
	case '{':
		var wrapped struct {
			Transactions *[]models.Transaction `json:"transactions"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, err
		}
		if wrapped.Transactions != nil {
			list = *wrapped.Transactions
			break
		}
		var single models.Transaction
		if err := json.Unmarshal(trimmed, &single); err != nil {
			return nil, err
		}
		list = []models.Transaction{single}
	default:
		return nil, fmt.Errorf("unexpected payload starting with %q", trimmed[0])
	}
	return toDomain(list)
}

func toDomain(list []models.Transaction) ([]domain.Transaction, error) {
	out := make([]domain.Transaction, 0, len(list))
	for _, t := range list {
		tx, err := t.ToDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}
