package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount parses user input into a positive two-decimal amount.
func ParseAmount(input string) (decimal.Decimal, error) {
	s := strings.TrimSpace(input)
	s = strings.TrimPrefix(s, "$")
	if s == "" {
		return decimal.Zero, invalid(ErrInvalidAmount, "Please enter a valid amount greater than 0")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, invalid(ErrInvalidAmount, "Please enter a valid amount greater than 0")
	}
	return d, CheckAmount(d)
}

// CheckAmount enforces amount > 0 with at most two decimal places.
func CheckAmount(d decimal.Decimal) error {
	if !d.IsPositive() {
		return invalid(ErrInvalidAmount, "Please enter a valid amount greater than 0")
	}
	if !d.Equal(d.Round(2)) {
		return invalid(ErrInvalidAmount, "Amount can have at most 2 decimal places")
	}
	return nil
}

// CheckAvailable rejects an amount above the observed balance.
func CheckAvailable(amount, available decimal.Decimal) error {
	if amount.GreaterThan(available) {
		return invalid(ErrInsufficientBalance, fmt.Sprintf("Insufficient balance. Available: %s", FormatUSD(available)))
	}
	return nil
}

// FormatUSD renders d as $1234.50 (negative values as -$5.00).
func FormatUSD(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "$" + d.StringFixed(2)
}
