// Package events publishes receipts for confirmed money-moving operations.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
)

// Receipt is emitted once the Ledger Service has confirmed a transaction.
type Receipt struct {
	EventID       uuid.UUID       `json:"eventId"`
	CustomerID    int64           `json:"customerId"`
	TransactionID int64           `json:"transactionId"`
	Kind          domain.Kind     `json:"kind"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	Description   string          `json:"description,omitempty"`
	Counterparty  string          `json:"counterparty,omitempty"`
	OccurredAt    time.Time       `json:"occurredAt"`
}

// NewReceipt builds a receipt for tx on behalf of customerID.
func NewReceipt(customerID int64, tx domain.Transaction, counterparty string) Receipt {
	return Receipt{
		EventID:       uuid.New(),
		CustomerID:    customerID,
		TransactionID: tx.ID,
		Kind:          tx.Kind,
		Amount:        tx.Amount,
		BalanceAfter:  tx.BalanceAfterTransaction,
		Description:   tx.Description,
		Counterparty:  counterparty,
		OccurredAt:    tx.Timestamp,
	}
}

// RoutingKey is receipt.<kind> in lower case.
func (r Receipt) RoutingKey() string {
	return "receipt." + strings.ToLower(string(r.Kind))
}

type Publisher interface {
	Publish(ctx context.Context, r Receipt) error
	Close()
}

// NopPublisher drops receipts. It is used when no broker is configured.
type NopPublisher struct {
	Logger *slog.Logger
}

func (p NopPublisher) Publish(_ context.Context, r Receipt) error {
	if p.Logger != nil {
		p.Logger.Debug("receipt publish skipped", "routing_key", r.RoutingKey(), "transaction_id", r.TransactionID)
	}
	return nil
}

func (NopPublisher) Close() {}

// AMQPPublisher publishes JSON receipts to a durable topic exchange.
type AMQPPublisher struct {
	exchange string
	logger   *slog.Logger

	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewAMQPPublisher(amqpURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declare(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{exchange: exchange, logger: logger, conn: conn, channel: ch}, nil
}

func declare(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// Publish sends r. A failed publish reopens the channel and tries once more.
func (p *AMQPPublisher) Publish(ctx context.Context, r Receipt) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	msg := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    r.EventID.String(),
		Timestamp:    time.Now(),
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.channel.PublishWithContext(ctx, p.exchange, r.RoutingKey(), false, false, msg)
	if err == nil {
		return nil
	}
	p.logger.Warn("receipt publish failed; reopening channel", "exchange", p.exchange, "routing_key", r.RoutingKey(), "error", err)

	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return fmt.Errorf("reopen channel: %w", chErr)
	}
	p.channel.Close()
	p.channel = ch
	if err := declare(ch, p.exchange); err != nil {
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, r.RoutingKey(), false, false, msg)
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
