// Package fallback substitutes inert results for read calls when the Ledger
// Service cannot be reached. It never produces anything for a money-moving call.
package fallback

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
	"github.com/shopspring/decimal"
)

var fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_client_fallbacks_total",
	Help: "Degraded responses substituted for unreachable read endpoints",
}, []string{"endpoint"})

type Provider struct {
	logger *slog.Logger
	now    func() time.Time
}

func NewProvider(logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{logger: logger, now: time.Now}
}

// Balance returns a zero balance flagged as degraded.
func (p *Provider) Balance(customerID int64, cause error) domain.Balance {
	fallbacksTotal.WithLabelValues("balance").Inc()
	p.logger.Warn("serving degraded balance", "customer_id", customerID, "error", cause)
	return domain.Balance{
		CustomerID: customerID,
		Amount:     decimal.Zero,
		FetchedAt:  p.now(),
		Degraded:   true,
	}
}

// Transactions returns an empty listing flagged as degraded.
func (p *Provider) Transactions(customerID int64, cause error) domain.History {
	fallbacksTotal.WithLabelValues("transactions").Inc()
	p.logger.Warn("serving degraded transaction list", "customer_id", customerID, "error", cause)
	return domain.History{Transactions: []domain.Transaction{}, Degraded: true}
}
