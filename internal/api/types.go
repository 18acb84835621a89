package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

// AdminRole is the group name that marks an administrator.
const AdminRole = "Admin"

// Credentials is the login request body.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenPair is returned by a successful login.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RegisterRequest creates a new account.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Identity is the current user as reported by /users/me/.
type Identity struct {
	ID          int64    `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	IsSuperuser bool     `json:"is_superuser"`
}

// IsPrivileged reports whether the identity should see admin screens. It
// gates presentation only; the backend enforces authorization itself.
func (i Identity) IsPrivileged() bool {
	return i.IsSuperuser || slices.Contains(i.Roles, AdminRole)
}

// Expense mirrors the backend expense resource. Monetary values stay as
// the decimal strings the backend sends.
type Expense struct {
	ID            int64  `json:"id"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Date          string `json:"date"`
	Description   string `json:"description"`
	Category      *int64 `json:"category"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Merchant      string `json:"merchant,omitempty"`
	Notes         string `json:"notes,omitempty"`
	CreatedBy     string `json:"created_by_username,omitempty"`
}

// Category groups expenses. System categories are shared by every user.
type Category struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	IsSystem   bool   `json:"is_system"`
	Icon       string `json:"icon,omitempty"`
	ColorToken string `json:"color_token,omitempty"`
}

// Decimal is a backend decimal kept as text. Serializer fields arrive as
// strings and computed report values as JSON numbers; both decode here.
type Decimal string

func (d *Decimal) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		*d = ""
	case len(trimmed) > 0 && trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode decimal: %w", err)
		}
		*d = Decimal(s)
	default:
		var n json.Number
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return fmt.Errorf("decode decimal: %w", err)
		}
		*d = Decimal(n.String())
	}
	return nil
}

// SpendingSummary is the spending report for a date range.
type SpendingSummary struct {
	Start         string          `json:"start"`
	End           string          `json:"end"`
	Total         Decimal         `json:"total"`
	AveragePerDay Decimal         `json:"average_per_day"`
	ByCategory    []CategoryTotal `json:"by_category"`
}

// CategoryTotal is one category's share of a SpendingSummary. Percent is
// a fraction of the total and is nil when nothing was spent.
type CategoryTotal struct {
	CategoryID   *int64   `json:"category_id"`
	CategoryName string   `json:"category_name"`
	Total        Decimal  `json:"total"`
	Percent      *float64 `json:"percent"`
}

// SystemHealth is the admin health check. Only privileged users may call it.
type SystemHealth struct {
	Status         string         `json:"status"`
	Timestamp      string         `json:"timestamp"`
	Database       map[string]int `json:"database"`
	RecentActivity map[string]int `json:"recent_activity"`
}

// MonthlyBudget is the adjustable total budget for one month.
type MonthlyBudget struct {
	ID                int64  `json:"id"`
	Month             string `json:"month"`
	TotalBudget       string `json:"total_budget"`
	TotalIncome       string `json:"total_income"`
	AllocatedAmount   string `json:"allocated_amount"`
	UnallocatedAmount string `json:"unallocated_amount"`
	Notes             string `json:"notes,omitempty"`
}

// BudgetWarning is one category close to or over its budget.
type BudgetWarning struct {
	Category   string  `json:"category"`
	Level      string  `json:"level"`
	Message    string  `json:"message"`
	Percentage float64 `json:"percentage"`
}

// Page is a list response. The backend answers either with a paginated
// envelope ({"count", "next", "previous", "results"}) or with a bare JSON
// array; both decode into the same Page.
type Page[T any] struct {
	Count    int    `json:"count"`
	Next     string `json:"next,omitempty"`
	Previous string `json:"previous,omitempty"`
	Results  []T    `json:"results"`
}

func (p *Page[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*p = Page[T]{}
		return nil
	}

	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return fmt.Errorf("decode list: %w", err)
		}
		*p = Page[T]{Count: len(items), Results: items}
		return nil
	}

	var env struct {
		Count    *int    `json:"count"`
		Next     *string `json:"next"`
		Previous *string `json:"previous"`
		Results  []T     `json:"results"`
	}
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return fmt.Errorf("decode page: %w", err)
	}

	page := Page[T]{Results: env.Results, Count: len(env.Results)}
	if env.Count != nil {
		page.Count = *env.Count
	}
	if env.Next != nil {
		page.Next = *env.Next
	}
	if env.Previous != nil {
		page.Previous = *env.Previous
	}
	*p = page
	return nil
}

// Empty reports whether the backend has no items at all, not just on this page.
func (p Page[T]) Empty() bool {
	return p.Count == 0 && len(p.Results) == 0
}

// NotificationCount is the unread notification counter. Older backends
// answer {"count": n}, newer ones {"unread": n}.
type NotificationCount struct {
	Unread int
}

func (n *NotificationCount) UnmarshalJSON(data []byte) error {
	var raw struct {
		Unread *int `json:"unread"`
		Count  *int `json:"count"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode notification count: %w", err)
	}
	switch {
	case raw.Unread != nil:
		n.Unread = *raw.Unread
	case raw.Count != nil:
		n.Unread = *raw.Count
	default:
		n.Unread = 0
	}
	return nil
}
