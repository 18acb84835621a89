package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expenseclient/internal/credentials"
	"expenseclient/internal/gateway"
	"expenseclient/internal/store"
)

func newTestClient(t *testing.T, mux *http.ServeMux) (*Client, *credentials.KVStore) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	creds := credentials.NewKVStore(store.NewMemoryStore())
	gw, err := gateway.New(srv.URL+"/api/v1", creds, gateway.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return New(gw), creds
}

func TestLogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token/", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		var body Credentials
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Username != "alice" || body.Password != "correct-pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"No active account found with the given credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access":"a1","refresh":"r1"}`))
	})
	client, creds := newTestClient(t, mux)
	ctx := context.Background()
	require.NoError(t, creds.SetTokens(ctx, "stale", "stale-refresh"))

	pair, err := client.Login(ctx, Credentials{Username: "alice", Password: "correct-pw"})
	require.NoError(t, err)
	assert.Equal(t, TokenPair{Access: "a1", Refresh: "r1"}, pair)

	_, err = client.Login(ctx, Credentials{Username: "alice", Password: "wrong"})
	require.Error(t, err)
	var httpErr *gateway.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.False(t, errors.Is(err, gateway.ErrLoggedOut))
	assert.Equal(t, "No active account found with the given credentials", httpErr.Detail())
}

func TestLoginRejectsIncompletePair(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/token/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access":"a1"}`))
	})
	client, _ := newTestClient(t, mux)

	_, err := client.Login(context.Background(), Credentials{Username: "u", Password: "p"})
	assert.Error(t, err)
}

func TestMe(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/users/me/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer a1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":7,"username":"alice","email":"alice@example.com","roles":["User","Admin"],"is_superuser":false}`))
	})
	client, creds := newTestClient(t, mux)
	ctx := context.Background()
	require.NoError(t, creds.SetTokens(ctx, "a1", "r1"))

	id, err := client.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id.ID)
	assert.Equal(t, "alice", id.Username)
	assert.True(t, id.IsPrivileged())
}

func TestIdentityIsPrivileged(t *testing.T) {
	tests := []struct {
		name     string
		identity Identity
		want     bool
	}{
		{"plain user", Identity{Roles: []string{"User"}}, false},
		{"no roles", Identity{}, false},
		{"admin role", Identity{Roles: []string{"Admin"}}, true},
		{"superuser", Identity{IsSuperuser: true}, true},
		{"role match is exact", Identity{Roles: []string{"admin"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.identity.IsPrivileged())
		})
	}
}

func TestRegister(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/auth/register/", func(w http.ResponseWriter, r *http.Request) {
		var body RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body.Username == "taken" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"username":["A user with that username already exists."]}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1,"username":"bob"}`))
	})
	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, client.Register(ctx, RegisterRequest{Username: "bob", Email: "b@example.com", Password: "pw"}))

	err := client.Register(ctx, RegisterRequest{Username: "taken", Password: "pw"})
	var httpErr *gateway.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, []string{"A user with that username already exists."}, httpErr.FieldErrors()["username"])
}

func TestHasExpenses(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{"paginated empty", `{"count":0,"next":null,"previous":null,"results":[]}`, false},
		{"paginated", `{"count":12,"next":"http://x/?page=2","previous":null,"results":[{"id":1,"amount":"3.00"}]}`, true},
		{"flat empty", `[]`, false},
		{"flat", `[{"id":1,"amount":"3.00","category":null}]`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("GET /api/v1/expenses/", func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "1", r.URL.Query().Get("limit"))
				_, _ = w.Write([]byte(tt.body))
			})
			client, _ := newTestClient(t, mux)

			got, err := client.HasExpenses(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHasBudget(t *testing.T) {
	var gotMonth string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/budgets/monthly/current/", func(w http.ResponseWriter, r *http.Request) {
		gotMonth = r.URL.Query().Get("month")
		switch gotMonth {
		case "2026-10-01":
			_, _ = w.Write([]byte(`{"id":3,"month":"2026-10-01","total_budget":"1500.00"}`))
		case "2026-11-01":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	})
	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	ok, err := client.HasBudget(ctx, time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2026-10-01", gotMonth)

	ok, err = client.HasBudget(ctx, time.Date(2026, 11, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = client.HasBudget(ctx, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.True(t, gateway.IsStatus(err, http.StatusInternalServerError))
}

func TestListExpensesPassesFilters(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/expenses/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		_, _ = w.Write([]byte(`{"count":21,"next":null,"previous":"p1","results":[{"id":11,"amount":"9.99","description":"book","category":4}]}`))
	})
	client, _ := newTestClient(t, mux)

	page, err := client.ListExpenses(context.Background(), url.Values{"page": {"2"}})
	require.NoError(t, err)
	assert.Equal(t, 21, page.Count)
	assert.Equal(t, "p1", page.Previous)
	require.Len(t, page.Results, 1)
	assert.Equal(t, "book", page.Results[0].Description)
	require.NotNil(t, page.Results[0].Category)
	assert.Equal(t, int64(4), *page.Results[0].Category)
}

func TestBudgetWarningsAndNotifications(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/budgets/warnings/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-10-01", r.URL.Query().Get("month"))
		_, _ = w.Write([]byte(`[{"category":"Food","level":"exceeded","message":"Over budget","percentage":112.5}]`))
	})
	mux.HandleFunc("GET /api/v1/notifications/count/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"count":4}`))
	})
	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	warnings, err := client.BudgetWarnings(ctx, time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "Food", warnings[0].Category)
	assert.InDelta(t, 112.5, warnings[0].Percentage, 0.001)

	n, err := client.NotificationCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestPageUnmarshal(t *testing.T) {
	var p Page[int]
	require.NoError(t, json.Unmarshal([]byte(`null`), &p))
	assert.True(t, p.Empty())

	require.NoError(t, json.Unmarshal([]byte(` [1,2,3] `), &p))
	assert.Equal(t, []int{1, 2, 3}, p.Results)
	assert.Equal(t, 3, p.Count)

	require.NoError(t, json.Unmarshal([]byte(`{"results":[5]}`), &p))
	assert.Equal(t, 1, p.Count, "count falls back to the number of results")

	assert.Error(t, json.Unmarshal([]byte(`"nope"`), &p))
}

func TestNotificationCountUnmarshal(t *testing.T) {
	var n NotificationCount
	require.NoError(t, json.Unmarshal([]byte(`{"unread":2,"count":9}`), &n))
	assert.Equal(t, 2, n.Unread)
	require.NoError(t, json.Unmarshal([]byte(`{}`), &n))
	assert.Equal(t, 0, n.Unread)
}

func TestMonthParam(t *testing.T) {
	assert.Equal(t, "2026-02-01", MonthParam(time.Date(2026, 2, 28, 23, 0, 0, 0, time.UTC)))
}

func TestListCategories(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/categories/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "food", r.URL.Query().Get("search"))
		_, _ = w.Write([]byte(`{"count":1,"results":[{"id":1,"name":"Food","is_system":true,"icon":"utensils","color_token":"amber"}]}`))
	})
	client, _ := newTestClient(t, mux)

	categories, err := client.ListCategories(context.Background(), url.Values{"search": {"food"}})
	require.NoError(t, err)
	assert.Equal(t, []Category{{ID: 1, Name: "Food", IsSystem: true, Icon: "utensils", ColorToken: "amber"}}, categories)
}

func TestSpendingSummary(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/reports/summary/", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-10-01", r.URL.Query().Get("start"))
		assert.Equal(t, "2026-10-31", r.URL.Query().Get("end"))
		_, _ = w.Write([]byte(`{"start":"2026-10-01","end":"2026-10-31","total":"310.00","average_per_day":10.0,` +
			`"by_category":[{"category_id":4,"category_name":"Rent","total":300,"percent":0.9677},` +
			`{"category_id":null,"category_name":null,"total":"10.00","percent":null}]}`))
	})
	client, _ := newTestClient(t, mux)

	s, err := client.SpendingSummary(context.Background(),
		time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 10, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, Decimal("310.00"), s.Total)
	assert.Equal(t, Decimal("10.0"), s.AveragePerDay)
	require.Len(t, s.ByCategory, 2)
	assert.Equal(t, Decimal("300"), s.ByCategory[0].Total)
	require.NotNil(t, s.ByCategory[0].Percent)
	assert.InDelta(t, 0.9677, *s.ByCategory[0].Percent, 0.0001)
	assert.Nil(t, s.ByCategory[1].CategoryID)
	assert.Nil(t, s.ByCategory[1].Percent)
}

func TestDecimalUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Decimal
	}{
		{`"12.50"`, "12.50"},
		{`12.5`, "12.5"},
		{`0`, "0"},
		{`null`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			var d Decimal
			require.NoError(t, json.Unmarshal([]byte(tt.in), &d))
			assert.Equal(t, tt.want, d)
		})
	}

	var d Decimal
	assert.Error(t, json.Unmarshal([]byte(`{}`), &d))
}

func TestSystemHealthForbidden(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/admin-panel/health/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"detail":"You do not have permission to perform this action."}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"healthy","database":{"users":3}}`))
	})
	client, creds := newTestClient(t, mux)
	ctx := context.Background()

	require.NoError(t, creds.SetTokens(ctx, "user", "r1"))
	_, err := client.SystemHealth(ctx)
	assert.True(t, gateway.IsStatus(err, http.StatusForbidden))

	require.NoError(t, creds.SetTokens(ctx, "admin", "r1"))
	h, err := client.SystemHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 3, h.Database["users"])
}
