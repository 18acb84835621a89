package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidAmount is returned for amounts that are not positive decimals.
var ErrInvalidAmount = errors.New("invalid amount")

// Cents is a monetary amount in minor units. Sums are done in Cents to
// keep float rounding out of totals.
type Cents int64

// ParseAmount converts a decimal string such as "12.34" (or "12,34") to
// Cents, rounding half-up on the third decimal. Only positive values parse.
func ParseAmount(s string) (Cents, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", ".")
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, ErrInvalidAmount
	}

	intPart, fracPart, _ := strings.Cut(s, ".")
	if strings.Contains(fracPart, ".") || !digits(intPart) || !digits(fracPart) {
		return 0, ErrInvalidAmount
	}
	if intPart == "" {
		intPart = "0"
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || units > (1<<63-1)/100-1 {
		return 0, ErrInvalidAmount
	}

	var frac int64
	for i := 0; i < 2; i++ {
		frac *= 10
		if i < len(fracPart) {
			frac += int64(fracPart[i] - '0')
		}
	}
	if len(fracPart) > 2 && fracPart[2] >= '5' {
		frac++
	}

	c := Cents(units*100 + frac)
	if c <= 0 {
		return 0, ErrInvalidAmount
	}
	return c, nil
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// String formats c with two decimals, e.g. "12.05".
func (c Cents) String() string {
	sign := ""
	if c < 0 {
		sign, c = "-", -c
	}
	return fmt.Sprintf("%s%d.%02d", sign, c/100, c%100)
}

// Cents parses the expense amount.
func (e Expense) Cents() (Cents, error) {
	c, err := ParseAmount(e.Amount)
	if err != nil {
		return 0, fmt.Errorf("expense %d amount %q: %w", e.ID, e.Amount, err)
	}
	return c, nil
}

// Total sums the amounts of expenses. Expenses with unparsable amounts
// are skipped and counted in skipped.
func Total(expenses []Expense) (total Cents, skipped int) {
	for _, e := range expenses {
		c, err := e.Cents()
		if err != nil {
			skipped++
			continue
		}
		total += c
	}
	return total, skipped
}
