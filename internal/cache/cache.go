// Package cache holds the advisory per-account balance. Concurrent refreshes
// of one account share a single Ledger Service request.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/ledgerclient/internal/client"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

var refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_balance_cache_refreshes_total",
	Help: "Balance refreshes: fetched and failed count underlying requests, shared counts callers served by one",
}, []string{"result"})

// Fetcher loads the authoritative balance. *ledger.Service implements it.
type Fetcher interface {
	Balance(ctx context.Context, customerID int64) (domain.Balance, error)
}

// Entry is what Get reports for an account.
type Entry struct {
	Balance   domain.Balance
	FetchedAt time.Time
	InFlight  bool
}

type Cache struct {
	fetcher Fetcher
	store   Store
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu sync.Mutex
	// gen is bumped by Set and Forget so a refresh that started earlier does not overwrite them.
	gen      map[int64]uint64
	inFlight map[int64]bool

	// joined, when set, runs once a caller is attached to the flight for an account.
	joined func(customerID int64)
}

func New(fetcher Fetcher, store Store, logger *slog.Logger) *Cache {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		fetcher:  fetcher,
		store:    store,
		logger:   logger,
		now:      time.Now,
		gen:      make(map[int64]uint64),
		inFlight: make(map[int64]bool),
	}
}

// Refresh fetches the balance, joining a refresh already in flight for the
// same account. Every joined caller gets the same value or the same error.
func (c *Cache) Refresh(ctx context.Context, customerID int64) (domain.Balance, error) {
	// The shared fetch must outlive any single caller.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(strconv.FormatInt(customerID, 10), func() (any, error) {
		return c.fetch(fetchCtx, customerID)
	})
	if c.joined != nil {
		c.joined(customerID)
	}

	select {
	case res := <-ch:
		if res.Shared {
			refreshesTotal.WithLabelValues("shared").Inc()
		}
		if res.Err != nil {
			return domain.Balance{}, res.Err
		}
		return res.Val.(domain.Balance), nil
	case <-ctx.Done():
		return domain.Balance{}, fmt.Errorf("%w: balance refresh: %w", client.ErrCanceled, ctx.Err())
	}
}

func (c *Cache) fetch(ctx context.Context, customerID int64) (domain.Balance, error) {
	c.mu.Lock()
	gen := c.gen[customerID]
	c.inFlight[customerID] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.inFlight, customerID)
		c.mu.Unlock()
	}()

	b, err := c.fetcher.Balance(ctx, customerID)
	if err != nil {
		refreshesTotal.WithLabelValues("failed").Inc()
		return domain.Balance{}, err
	}
	refreshesTotal.WithLabelValues("fetched").Inc()
	if b.Degraded {
		return b, nil
	}
	if b.FetchedAt.IsZero() {
		b.FetchedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen[customerID] != gen {
		c.logger.Debug("discarding refresh superseded by a newer value", "customer_id", customerID)
		return b, nil
	}
	if err := c.store.Save(ctx, b); err != nil {
		c.logger.Warn("failed to store refreshed balance", "customer_id", customerID, "error", err)
	}
	return b, nil
}

// Get returns the cached entry, if any. Store failures read as absent.
func (c *Cache) Get(ctx context.Context, customerID int64) (Entry, bool) {
	c.mu.Lock()
	inFlight := c.inFlight[customerID]
	c.mu.Unlock()

	b, ok, err := c.store.Load(ctx, customerID)
	if err != nil {
		c.logger.Warn("failed to load cached balance", "customer_id", customerID, "error", err)
		return Entry{InFlight: inFlight}, false
	}
	if !ok {
		return Entry{InFlight: inFlight}, false
	}
	return Entry{Balance: b, FetchedAt: b.FetchedAt, InFlight: inFlight}, true
}

// Set records a balance known from a confirmed write. It wins over any
// refresh that is still in flight.
func (c *Cache) Set(ctx context.Context, customerID int64, amount decimal.Decimal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[customerID]++
	return c.store.Save(ctx, domain.Balance{CustomerID: customerID, Amount: amount, FetchedAt: c.now()})
}

// Forget drops the entry, e.g. on sign-out.
func (c *Cache) Forget(ctx context.Context, customerID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen[customerID]++
	return c.store.Delete(ctx, customerID)
}
