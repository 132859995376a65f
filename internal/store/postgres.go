// Package store is the Postgres persistence of the sandbox Ledger Service.
package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/ledgerclient/internal/models"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

//go:embed schema.sql
var schema string

var (
	ErrCustomerNotFound    = errors.New("customer not found")
	ErrUsernameTaken       = errors.New("username already exists")
	ErrEmailTaken          = errors.New("email already exists")
	ErrInvalidCredentials  = errors.New("invalid username or password")
	ErrInsufficientFunds   = errors.New("insufficient balance")
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
	ErrSerialization       = errors.New("concurrent update; retry")
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
)

type Store struct {
	Db *pgxpool.Pool
}

func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{Db: pool}, nil
}

func (s *Store) Close() {
	s.Db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ToCents converts a two-decimal amount to integer cents.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(c int64) models.Amount {
	return models.NewAmount(decimal.New(c, -2))
}

const customerColumns = "id, username, first_name, last_name, email, phone_number, balance_cents"

func scanCustomer(row pgx.Row) (models.Customer, error) {
	var c models.Customer
	var cents int64
	err := row.Scan(&c.ID, &c.Username, &c.FirstName, &c.LastName, &c.Email, &c.PhoneNumber, &cents)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Customer{}, ErrCustomerNotFound
	}
	if err != nil {
		return models.Customer{}, err
	}
	c.Balance = fromCents(cents)
	return c, nil
}

// CreateCustomer registers a customer with a zero balance.
func (s *Store) CreateCustomer(ctx context.Context, req models.RegisterRequest) (models.Customer, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return models.Customer{}, fmt.Errorf("hash password: %w", err)
	}

	row := s.Db.QueryRow(ctx,
		"INSERT INTO customers (username, password_hash, first_name, last_name, email, phone_number) VALUES ($1, $2, $3, $4, $5, $6) RETURNING "+customerColumns,
		req.Username, string(hash), req.FirstName, req.LastName, req.Email, req.PhoneNumber,
	)
	c, err := scanCustomer(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if strings.Contains(pgErr.ConstraintName, "email") {
				return models.Customer{}, ErrEmailTaken
			}
			return models.Customer{}, ErrUsernameTaken
		}
		return models.Customer{}, fmt.Errorf("insert customer: %w", err)
	}
	return c, nil
}

// Authenticate checks the password of username.
func (s *Store) Authenticate(ctx context.Context, username, password string) (models.Customer, error) {
	var hash string
	err := s.Db.QueryRow(ctx, "SELECT password_hash FROM customers WHERE username = $1", username).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Customer{}, ErrInvalidCredentials
	}
	if err != nil {
		return models.Customer{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return models.Customer{}, ErrInvalidCredentials
	}
	return s.GetCustomerByUsername(ctx, username)
}

func (s *Store) GetCustomer(ctx context.Context, id int64) (models.Customer, error) {
	return scanCustomer(s.Db.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE id = $1", id))
}

func (s *Store) GetCustomerByUsername(ctx context.Context, username string) (models.Customer, error) {
	return scanCustomer(s.Db.QueryRow(ctx, "SELECT "+customerColumns+" FROM customers WHERE username = $1", username))
}

// ListTransactions returns the customer's transactions oldest first.
func (s *Store) ListTransactions(ctx context.Context, customerID int64) ([]models.Transaction, error) {
	var exists bool
	if err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM customers WHERE id = $1)", customerID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrCustomerNotFound
	}

	rows, err := s.Db.Query(ctx,
		"SELECT id, type, amount_cents, balance_after_cents, description, created_at FROM transactions WHERE customer_id = $1 ORDER BY created_at, id",
		customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := []models.Transaction{}
	for rows.Next() {
		var (
			t             models.Transaction
			amount, after int64
			createdAt     time.Time
		)
		if err := rows.Scan(&t.ID, &t.Type, &amount, &after, &t.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Amount = fromCents(amount)
		t.BalanceAfterTransaction = fromCents(after)
		t.Timestamp = createdAt.UTC().Format(time.RFC3339Nano)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Passbook bundles the customer's summary with the full history.
func (s *Store) Passbook(ctx context.Context, customerID int64) (models.Passbook, error) {
	c, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return models.Passbook{}, err
	}
	txs, err := s.ListTransactions(ctx, customerID)
	if err != nil {
		return models.Passbook{}, err
	}
	return models.Passbook{
		CustomerID:        c.ID,
		CustomerName:      strings.TrimSpace(c.FirstName + " " + c.LastName),
		CurrentBalance:    c.Balance,
		TotalTransactions: len(txs),
		Transactions:      txs,
	}, nil
}
