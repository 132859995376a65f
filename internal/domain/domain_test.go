package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr error
	}{
		{input: "40", want: "40"},
		{input: " 12.50 ", want: "12.5"},
		{input: "$7.05", want: "7.05"},
		{input: "", wantErr: ErrInvalidAmount},
		{input: "abc", wantErr: ErrInvalidAmount},
		{input: "0", wantErr: ErrInvalidAmount},
		{input: "-5", wantErr: ErrInvalidAmount},
		{input: "1.005", wantErr: ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				if !IsValidation(err) {
					t.Fatalf("expected a ValidationError, got %T", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(dec(tt.want)) {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCheckAvailableNamesBalance(t *testing.T) {
	err := CheckAvailable(dec("150.00"), dec("100"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err.Error() != "Insufficient balance. Available: $100.00" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if err := CheckAvailable(dec("100"), dec("100.00")); err != nil {
		t.Fatalf("amount equal to balance should pass, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	for in, want := range map[string]Kind{
		"deposit":      KindDeposit,
		"WITHDRAWAL":   KindWithdrawal,
		"transfer-out": KindTransferOut,
		"TransferIn":   KindTransferIn,
	} {
		got, err := ParseKind(in)
		if err != nil || got != want {
			t.Fatalf("ParseKind(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseKind("refund"); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestReplayMatchesFinalBalance(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	txs := []Transaction{
		{ID: 3, Kind: KindTransferOut, Amount: dec("40"), Timestamp: base.Add(2 * time.Hour), BalanceAfterTransaction: dec("60")},
		{ID: 1, Kind: KindDeposit, Amount: dec("150"), Timestamp: base, BalanceAfterTransaction: dec("150")},
		{ID: 2, Kind: KindWithdrawal, Amount: dec("50"), Timestamp: base.Add(time.Hour), BalanceAfterTransaction: dec("100")},
	}
	if got := Replay(txs); !got.Equal(dec("60")) {
		t.Fatalf("expected replay 60, got %s", got)
	}
	if err := CheckHistory(txs); err != nil {
		t.Fatalf("expected consistent history, got %v", err)
	}

	txs[0].BalanceAfterTransaction = dec("65")
	if err := CheckHistory(txs); !errors.Is(err, ErrInconsistentHistory) {
		t.Fatalf("expected ErrInconsistentHistory, got %v", err)
	}
}

func TestNewestFirstBreaksTiesOnID(t *testing.T) {
	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	got := NewestFirst([]Transaction{{ID: 1, Timestamp: ts}, {ID: 2, Timestamp: ts}, {ID: 3, Timestamp: ts.Add(-time.Minute)}})
	if got[0].ID != 2 || got[1].ID != 1 || got[2].ID != 3 {
		t.Fatalf("unexpected order: %d %d %d", got[0].ID, got[1].ID, got[2].ID)
	}
}

func TestFormatUSD(t *testing.T) {
	if got := FormatUSD(dec("100")); got != "$100.00" {
		t.Fatalf("got %s", got)
	}
	if got := FormatUSD(dec("-5.5")); got != "-$5.50" {
		t.Fatalf("got %s", got)
	}
}
