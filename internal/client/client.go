// Package client is the Request Client for the Ledger Service: it issues calls,
// applies the retry policy and classifies failures as transient, timeout or server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/punchamoorthee/ledgerclient/internal/models"
	"github.com/punchamoorthee/ledgerclient/internal/session"
)

const maxBodyBytes = 1 << 20

// Client talks to one Ledger Service base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Policy     Policy

	customerID int64
	logger     *slog.Logger
}

// NewClient creates a client. Deadlines are applied per attempt by the policy,
// so the underlying http.Client carries no timeout of its own.
func NewClient(baseURL string, policy Policy, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxRetries > 1 {
		policy.MaxRetries = 1
	}
	return &Client{
		BaseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTPClient: &http.Client{},
		Policy:     policy,
		logger:     logger,
	}
}

// WithSession returns a copy that identifies the signed-in customer on every request.
func (c *Client) WithSession(s session.Session) *Client {
	cp := *c
	cp.customerID = s.CustomerID
	cp.logger = c.logger.With("customer_id", s.CustomerID)
	return &cp
}

// Call performs ep with an optional JSON body and returns the raw success payload.
// A failed call returns *Error, or ErrCanceled when ctx ends first.
func (c *Client) Call(ctx context.Context, ep Endpoint, body any, params ...string) (json.RawMessage, error) {
	path, err := ep.resolve(params...)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal %s request: %w", ep.Name, err)
		}
	}

	requestID := uuid.NewString()
	var idempotencyKey string
	if ep.MoneyMoving {
		idempotencyKey = uuid.NewString()
	}

	attempts := c.Policy.attempts(ep)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.Policy.deadline(ep, attempt)
		data, err := c.attempt(ctx, ep, path, payload, deadline, requestID, idempotencyKey)
		if err == nil {
			return data, nil
		}
		if ce, ok := As(err); ok {
			ce.Attempts = attempt
		}
		lastErr = err

		if errors.Is(err, ErrCanceled) || IsServer(err) || attempt == attempts {
			break
		}
		class := classOf(err)
		retriesTotal.WithLabelValues(ep.Name, class.String()).Inc()
		c.logger.Warn("ledger call failed; retrying",
			"endpoint", ep.Name,
			"class", class.String(),
			"attempt", attempt,
			"next_deadline", c.Policy.deadline(ep, attempt+1),
			"request_id", requestID,
			"error", err,
		)
	}

	if ce, ok := As(lastErr); ok {
		c.logger.Warn("ledger call failed",
			"endpoint", ep.Name,
			"class", ce.Class.String(),
			"status", ce.Status,
			"attempts", ce.Attempts,
			"request_id", requestID,
		)
	}
	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, ep Endpoint, path string, payload []byte, deadline time.Duration, requestID, idempotencyKey string) (json.RawMessage, error) {
	timer := prometheus.NewTimer(requestDuration.WithLabelValues(ep.Name))
	defer timer.ObserveDuration()

	attemptCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, ep.Method, c.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", ep.Name, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", requestID)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.customerID != 0 {
		req.Header.Set("X-Customer-ID", strconv.FormatInt(c.customerID, 10))
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, ep, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, c.classify(ctx, ep, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		requestsTotal.WithLabelValues(ep.Name, ClassServer.String()).Inc()
		return nil, &Error{
			Class:    ClassServer,
			Endpoint: ep.Name,
			Status:   resp.StatusCode,
			Body:     data,
			Message:  extractMessage(resp.StatusCode, data),
		}
	}

	requestsTotal.WithLabelValues(ep.Name, "ok").Inc()
	return data, nil
}

// classify maps a transport failure onto the taxonomy. Cancellation of the
// caller's own context is reported separately from an expired attempt deadline.
func (c *Client) classify(ctx context.Context, ep Endpoint, err error) error {
	if ctx.Err() != nil {
		requestsTotal.WithLabelValues(ep.Name, "canceled").Inc()
		return fmt.Errorf("%w: %s: %w", ErrCanceled, ep.Name, ctx.Err())
	}

	class := ClassTransient
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		class = ClassTimeout
	}
	requestsTotal.WithLabelValues(ep.Name, class.String()).Inc()
	return &Error{Class: class, Endpoint: ep.Name, Err: err}
}

func extractMessage(status int, body []byte) string {
	var eb models.ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if msg := eb.Text(); msg != "" {
			return msg
		}
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return "status " + strconv.Itoa(status)
}

// Fetch performs ep and decodes the success payload into T.
func Fetch[T any](ctx context.Context, c *Client, ep Endpoint, body any, params ...string) (T, error) {
	var out T
	data, err := c.Call(ctx, ep, body, params...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", ep.Name, err)
	}
	return out, nil
}
