// Package passbook assembles a customer's transaction history and summary.
package passbook

import (
	"context"
	"log/slog"

	"github.com/punchamoorthee/ledgerclient/internal/cache"
	"github.com/punchamoorthee/ledgerclient/internal/domain"
)

// Source is the subset of the Ledger API the aggregator reads from.
type Source interface {
	Transactions(ctx context.Context, customerID int64) (domain.History, error)
	Passbook(ctx context.Context, customerID int64) (domain.Passbook, error)
}

// Balances supplies the last known balance when the history carries none.
type Balances interface {
	Get(ctx context.Context, customerID int64) (cache.Entry, bool)
}

type Aggregator struct {
	source   Source
	balances Balances
	logger   *slog.Logger
}

// NewAggregator returns an Aggregator. balances may be nil.
func NewAggregator(source Source, balances Balances, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{source: source, balances: balances, logger: logger}
}

// Fetch reads the primary listing and, only when it is empty, the secondary
// passbook endpoint once. The result is newest first with duplicate ids removed.
// A new account makes both reads and comes back empty.
func (a *Aggregator) Fetch(ctx context.Context, customerID int64) (domain.Passbook, error) {
	h, err := a.source.Transactions(ctx, customerID)
	if err != nil {
		return domain.Passbook{}, err
	}

	out := domain.Passbook{
		Summary:  domain.Summary{AccountID: customerID},
		Degraded: h.Degraded,
	}
	txs := h.Transactions
	fromSecondary := false

	if len(txs) == 0 {
		pb, err := a.source.Passbook(ctx, customerID)
		switch {
		case err != nil:
			a.logger.Warn("secondary passbook fetch failed; keeping empty history", "customer_id", customerID, "error", err)
		default:
			txs = pb.Transactions
			fromSecondary = true
			out.Degraded = false
			out.Summary.CustomerName = pb.Summary.CustomerName
			out.Summary.CurrentBalance = pb.Summary.CurrentBalance
			if pb.Summary.AccountID != 0 {
				out.Summary.AccountID = pb.Summary.AccountID
			}
		}
	}

	out.Transactions = Normalize(txs)
	out.Summary.TotalCount = len(out.Transactions)

	if !fromSecondary {
		if len(out.Transactions) > 0 {
			out.Summary.CurrentBalance = out.Transactions[0].BalanceAfterTransaction
		} else if a.balances != nil {
			if e, ok := a.balances.Get(ctx, customerID); ok {
				out.Summary.CurrentBalance = e.Balance.Amount
			}
		}
	}

	out.Summary.Consistent = domain.CheckHistory(out.Transactions) == nil
	if !out.Summary.Consistent {
		a.logger.Warn("transaction history does not replay to final balance",
			"customer_id", customerID,
			"transactions", len(out.Transactions),
		)
	}
	return out, nil
}

// Normalize orders txs newest first and drops repeated ids, keeping the first seen.
func Normalize(txs []domain.Transaction) []domain.Transaction {
	seen := make(map[int64]struct{}, len(txs))
	unique := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if _, dup := seen[tx.ID]; dup {
			continue
		}
		seen[tx.ID] = struct{}{}
		unique = append(unique, tx)
	}
	return domain.NewestFirst(unique)
}

// Filter keeps the transactions whose kind is one of kinds. No kinds keeps all.
func Filter(txs []domain.Transaction, kinds ...domain.Kind) []domain.Transaction {
	if len(kinds) == 0 {
		return txs
	}
	want := make(map[domain.Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := make([]domain.Transaction, 0, len(txs))
	for _, tx := range txs {
		if want[tx.Kind] {
			out = append(out, tx)
		}
	}
	return out
}

// Count tallies transactions per kind.
func Count(txs []domain.Transaction) map[domain.Kind]int {
	counts := make(map[domain.Kind]int, len(domain.Kinds))
	for _, tx := range txs {
		counts[tx.Kind]++
	}
	return counts
}

// Recent returns at most n of the newest-first txs.
func Recent(txs []domain.Transaction, n int) []domain.Transaction {
	if n < 0 || n >= len(txs) {
		return txs
	}
	return txs[:n]
}
