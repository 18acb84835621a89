// Package api exposes the backend endpoints the client uses as typed calls
// on top of the authenticated gateway.
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"expenseclient/internal/gateway"
)

const (
	LoginPath          = "/auth/token/"
	RegisterPath       = "/auth/register/"
	MePath             = "/users/me/"
	ExpensesPath       = "/expenses/"
	CurrentBudgetPath  = "/budgets/monthly/current/"
	BudgetWarningsPath = "/budgets/warnings/"
	NotificationsCount = "/notifications/count/"
	CategoriesPath     = "/categories/"
	SummaryReportPath  = "/reports/summary/"
	SystemHealthPath   = "/admin-panel/health/"
)

// Doer sends a request through the authenticated gateway.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
}

type Client struct {
	gw Doer
}

func New(gw Doer) *Client {
	return &Client{gw: gw}
}

// MonthParam formats t as the first day of its month, the form the budget
// endpoints expect.
func MonthParam(t time.Time) string {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format(time.DateOnly)
}

// Login exchanges credentials for a token pair. Invalid credentials come
// back as the backend's *gateway.HTTPError, untouched.
func (c *Client) Login(ctx context.Context, creds Credentials) (TokenPair, error) {
	var out TokenPair
	if err := c.call(ctx, gateway.Request{
		Method:    http.MethodPost,
		Path:      LoginPath,
		Body:      creds,
		Anonymous: true,
	}, &out); err != nil {
		return TokenPair{}, err
	}
	if out.Access == "" || out.Refresh == "" {
		return TokenPair{}, fmt.Errorf("login: response is missing tokens")
	}
	return out, nil
}

// Register creates an account without logging in.
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	_, err := c.gw.Do(ctx, gateway.Request{
		Method:    http.MethodPost,
		Path:      RegisterPath,
		Body:      req,
		Anonymous: true,
	})
	return err
}

func (c *Client) Me(ctx context.Context) (Identity, error) {
	var out Identity
	if err := c.call(ctx, gateway.Request{Method: http.MethodGet, Path: MePath}, &out); err != nil {
		return Identity{}, err
	}
	return out, nil
}

// ListExpenses returns one page of expenses. params are passed through as
// query filters (page, limit, category, date ranges and so on).
func (c *Client) ListExpenses(ctx context.Context, params url.Values) (Page[Expense], error) {
	var out Page[Expense]
	err := c.call(ctx, gateway.Request{Method: http.MethodGet, Path: ExpensesPath, Params: params}, &out)
	return out, err
}

// HasExpenses reports whether the current user has at least one expense.
func (c *Client) HasExpenses(ctx context.Context) (bool, error) {
	page, err := c.ListExpenses(ctx, url.Values{"limit": {strconv.Itoa(1)}})
	if err != nil {
		return false, err
	}
	return !page.Empty(), nil
}

// CurrentBudget fetches the monthly budget for month. A month without a
// budget is a 404 from the backend.
func (c *Client) CurrentBudget(ctx context.Context, month time.Time) (MonthlyBudget, error) {
	var out MonthlyBudget
	err := c.call(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   CurrentBudgetPath,
		Params: url.Values{"month": {MonthParam(month)}},
	}, &out)
	return out, err
}

// HasBudget reports whether a budget is configured for month.
func (c *Client) HasBudget(ctx context.Context, month time.Time) (bool, error) {
	_, err := c.CurrentBudget(ctx, month)
	if gateway.IsStatus(err, http.StatusNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) BudgetWarnings(ctx context.Context, month time.Time) ([]BudgetWarning, error) {
	var out Page[BudgetWarning]
	if err := c.call(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   BudgetWarningsPath,
		Params: url.Values{"month": {MonthParam(month)}},
	}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

func (c *Client) NotificationCount(ctx context.Context) (int, error) {
	var out NotificationCount
	if err := c.call(ctx, gateway.Request{Method: http.MethodGet, Path: NotificationsCount}, &out); err != nil {
		return 0, err
	}
	return out.Unread, nil
}

// ListCategories returns the categories visible to the user, system ones
// included. Pages beyond the first are not followed.
func (c *Client) ListCategories(ctx context.Context, params url.Values) ([]Category, error) {
	var out Page[Category]
	if err := c.call(ctx, gateway.Request{Method: http.MethodGet, Path: CategoriesPath, Params: params}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// SpendingSummary reports spending between start and end, both inclusive.
func (c *Client) SpendingSummary(ctx context.Context, start, end time.Time) (SpendingSummary, error) {
	var out SpendingSummary
	err := c.call(ctx, gateway.Request{
		Method: http.MethodGet,
		Path:   SummaryReportPath,
		Params: url.Values{
			"start": {start.Format(time.DateOnly)},
			"end":   {end.Format(time.DateOnly)},
		},
	}, &out)
	return out, err
}

func (c *Client) SystemHealth(ctx context.Context) (SystemHealth, error) {
	var out SystemHealth
	err := c.call(ctx, gateway.Request{Method: http.MethodGet, Path: SystemHealthPath}, &out)
	return out, err
}

func (c *Client) call(ctx context.Context, req gateway.Request, out any) error {
	resp, err := c.gw.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Decode(out); err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	return nil
}
