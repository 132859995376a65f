package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/punchamoorthee/ledgerclient/internal/models"
)

// FundsError reports the balance that was available to a rejected debit.
type FundsError struct {
	Available models.Amount
}

func (e *FundsError) Error() string {
	return "insufficient balance: available " + e.Available.Decimal().StringFixed(2)
}

func (e *FundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}

// Reply is the response of a money-moving request. Replayed marks a response
// served from a stored idempotency key rather than a new execution.
type Reply struct {
	Status   int
	Body     json.RawMessage
	Replayed bool
}

func (s *Store) Deposit(ctx context.Context, req models.MoneyRequest, idempotencyKey, reqHash string) (*Reply, error) {
	return s.execute(ctx, idempotencyKey, reqHash, func(tx pgx.Tx) (any, error) {
		return apply(ctx, tx, req.CustomerID, domain.KindDeposit, ToCents(req.Amount.Decimal()), req.Description)
	})
}

func (s *Store) Withdraw(ctx context.Context, req models.MoneyRequest, idempotencyKey, reqHash string) (*Reply, error) {
	return s.execute(ctx, idempotencyKey, reqHash, func(tx pgx.Tx) (any, error) {
		return apply(ctx, tx, req.CustomerID, domain.KindWithdrawal, ToCents(req.Amount.Decimal()), req.Description)
	})
}

// Transfer moves money between two customers and returns [debit, credit].
func (s *Store) Transfer(ctx context.Context, req models.TransferRequest, idempotencyKey, reqHash string) (*Reply, error) {
	return s.execute(ctx, idempotencyKey, reqHash, func(tx pgx.Tx) (any, error) {
		// Deterministic locking (deadlock prevention)
		first, second := req.FromCustomerID, req.ToCustomerID
		if first > second {
			first, second = second, first
		}
		for _, id := range []int64{first, second} {
			if err := lock(ctx, tx, id); err != nil {
				return nil, err
			}
		}

		cents := ToCents(req.Amount.Decimal())
		debit, err := apply(ctx, tx, req.FromCustomerID, domain.KindTransferOut, cents, req.Description)
		if err != nil {
			return nil, err
		}
		credit, err := apply(ctx, tx, req.ToCustomerID, domain.KindTransferIn, cents, req.Description)
		if err != nil {
			return nil, err
		}
		return []models.Transaction{debit, credit}, nil
	})
}

func lock(ctx context.Context, tx pgx.Tx, customerID int64) error {
	var balance int64
	err := tx.QueryRow(ctx, "SELECT balance_cents FROM customers WHERE id = $1 FOR UPDATE", customerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCustomerNotFound
	}
	if err != nil {
		return fmt.Errorf("lock acquisition failed: %w", err)
	}
	return nil
}

// apply moves one customer's balance and records the transaction row.
func apply(ctx context.Context, tx pgx.Tx, customerID int64, kind domain.Kind, cents int64, description string) (models.Transaction, error) {
	var balance int64
	err := tx.QueryRow(ctx, "SELECT balance_cents FROM customers WHERE id = $1 FOR UPDATE", customerID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Transaction{}, ErrCustomerNotFound
	}
	if err != nil {
		return models.Transaction{}, fmt.Errorf("lock acquisition failed: %w", err)
	}

	after := balance + kind.Sign()*cents
	if after < 0 {
		return models.Transaction{}, &FundsError{Available: fromCents(balance)}
	}

	if _, err := tx.Exec(ctx, "UPDATE customers SET balance_cents = $1 WHERE id = $2", after, customerID); err != nil {
		return models.Transaction{}, fmt.Errorf("balance update failed: %w", err)
	}

	var (
		id        int64
		createdAt time.Time
	)
	err = tx.QueryRow(ctx,
		"INSERT INTO transactions (customer_id, type, amount_cents, balance_after_cents, description) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at",
		customerID, string(kind), cents, after, description,
	).Scan(&id, &createdAt)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("transaction insert failed: %w", err)
	}

	return models.Transaction{
		ID:                      id,
		Type:                    string(kind),
		Amount:                  fromCents(cents),
		BalanceAfterTransaction: fromCents(after),
		Description:             description,
		Timestamp:               createdAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// execute runs fn in one transaction guarded by the idempotency key. A key seen
// before replays the stored response; an empty key disables the guard.
func (s *Store) execute(ctx context.Context, idempotencyKey, reqHash string, fn func(pgx.Tx) (any, error)) (*Reply, error) {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if idempotencyKey != "" {
		var (
			storedStatus *int
			storedBody   []byte
			storedHash   string
		)
		err = tx.QueryRow(ctx,
			"SELECT response_status, response_body, request_hash FROM idempotency_keys WHERE key = $1",
			idempotencyKey,
		).Scan(&storedStatus, &storedBody, &storedHash)

		switch {
		case err == nil:
			if storedHash != reqHash {
				return nil, ErrIdempotencyMismatch
			}
			if storedStatus == nil {
				return nil, ErrIdempotencyConflict
			}
			return &Reply{Status: *storedStatus, Body: storedBody, Replayed: true}, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, fmt.Errorf("idempotency query failed: %w", err)
		}

		_, err = tx.Exec(ctx,
			"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, 'in_progress')",
			idempotencyKey, reqHash,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
				return nil, ErrIdempotencyConflict
			}
			return nil, fmt.Errorf("key reservation failed: %w", err)
		}
	}

	payload, err := fn(tx)
	if err != nil {
		return nil, mapSerialization(err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		_, err = tx.Exec(ctx,
			"UPDATE idempotency_keys SET status = 'completed', response_status = $1, response_body = $2 WHERE key = $3",
			http.StatusCreated, body, idempotencyKey,
		)
		if err != nil {
			return nil, fmt.Errorf("idempotency update failed: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, mapSerialization(fmt.Errorf("tx commit failed: %w", err))
	}
	return &Reply{Status: http.StatusCreated, Body: body}, nil
}

func mapSerialization(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgSerializationFailure {
		return ErrSerialization
	}
	return err
}
