package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Replay sums the signed amounts of txs in chronological order, starting from zero.
func Replay(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range Chronological(txs) {
		total = total.Add(tx.Signed())
	}
	return total
}

// CheckHistory verifies that a complete history replays to the balance recorded
// on its most recent transaction. An empty history is consistent.
func CheckHistory(txs []Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	ordered := Chronological(txs)
	last := ordered[len(ordered)-1]
	if !Replay(ordered).Equal(last.BalanceAfterTransaction) {
		return ErrInconsistentHistory
	}
	return nil
}

// Chronological returns a copy of txs ordered oldest first; ties break on id.
func Chronological(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// NewestFirst returns a copy of txs ordered newest first; ties break on id.
func NewestFirst(txs []Transaction) []Transaction {
	out := Chronological(txs)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
