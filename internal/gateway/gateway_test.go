package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expenseclient/internal/credentials"
	"expenseclient/internal/store"
)

// fakeBackend accepts exactly one access token and hands out a new one on
// refresh when the presented refresh token is valid.
type fakeBackend struct {
	mu           sync.Mutex
	validAccess  string
	validRefresh string
	nextAccess   string
	refreshFails bool
	alwaysDeny   bool
	refreshDelay time.Duration

	refreshCalls  atomic.Int32
	resourceCalls atomic.Int32
	seenAuth      []string
	seenBodies    []string
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token/refresh/", func(w http.ResponseWriter, r *http.Request) {
		f.refreshCalls.Add(1)
		if f.refreshDelay > 0 {
			time.Sleep(f.refreshDelay)
		}
		var body struct {
			Refresh string `json:"refresh"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		f.mu.Lock()
		defer f.mu.Unlock()
		if f.refreshFails || body.Refresh != f.validRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"detail":"Token is invalid or expired"}`))
			return
		}
		f.validAccess = f.nextAccess
		_ = json.NewEncoder(w).Encode(map[string]string{"access": f.nextAccess})
	})
	mux.HandleFunc("/api/v1/things/", func(w http.ResponseWriter, r *http.Request) {
		f.resourceCalls.Add(1)
		data, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.seenAuth = append(f.seenAuth, r.Header.Get("Authorization"))
		f.seenBodies = append(f.seenBodies, string(data))
		valid := "Bearer " + f.validAccess
		deny := f.alwaysDeny
		f.mu.Unlock()

		if deny || r.Header.Get("Authorization") != valid {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"q":"` + r.URL.Query().Get("q") + `"}`))
	})
	mux.HandleFunc("/api/v1/broken/", func(w http.ResponseWriter, r *http.Request) {
		f.resourceCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/api/v1/invalid/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"amount":["A valid number is required."],"detail":"bad"}`))
	})
	return mux
}

type harness struct {
	backend *fakeBackend
	server  *httptest.Server
	creds   *credentials.KVStore
	client  *Client
	logouts atomic.Int32
}

func newHarness(t *testing.T, coalesce bool) *harness {
	t.Helper()
	h := &harness{backend: &fakeBackend{
		validAccess:  "access-1",
		validRefresh: "refresh-1",
		nextAccess:   "access-2",
	}}
	h.server = httptest.NewServer(h.backend.handler())
	t.Cleanup(h.server.Close)

	h.creds = credentials.NewKVStore(store.NewMemoryStore())
	client, err := New(h.server.URL+"/api/v1", h.creds,
		WithHTTPClient(h.server.Client()),
		WithRefreshCoalescing(coalesce),
		WithLogoutHandler(func(context.Context, error) { h.logouts.Add(1) }),
	)
	require.NoError(t, err)
	h.client = client
	return h
}

func (h *harness) tokens(t *testing.T) (string, string) {
	t.Helper()
	a, err := h.creds.AccessToken(context.Background())
	require.NoError(t, err)
	r, err := h.creds.RefreshToken(context.Background())
	require.NoError(t, err)
	return a, r
}

var getThings = Request{Method: http.MethodGet, Path: "/things/"}

func TestNewValidatesArguments(t *testing.T) {
	creds := credentials.NewKVStore(store.NewMemoryStore())

	_, err := New("not a url", creds)
	assert.Error(t, err)
	_, err = New("/relative", creds)
	assert.Error(t, err)
	_, err = New("http://localhost/api", nil)
	assert.Error(t, err)
}

func TestDoAttachesBearerToken(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "access-1", "refresh-1"))

	resp, err := h.client.Do(ctx, Request{Method: http.MethodGet, Path: "things/", Params: url.Values{"q": {"x"}}})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		OK bool   `json:"ok"`
		Q  string `json:"q"`
	}
	require.NoError(t, resp.Decode(&body))
	assert.True(t, body.OK)
	assert.Equal(t, "x", body.Q)
	assert.Equal(t, []string{"Bearer access-1"}, h.backend.seenAuth)
	assert.Zero(t, h.backend.refreshCalls.Load())
}

func TestDoWithoutTokenSendsUnauthenticated(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.client.Do(context.Background(), getThings)
	require.Error(t, err)

	assert.Equal(t, "", h.backend.seenAuth[0])
	assert.True(t, errors.Is(err, ErrLoggedOut))
	assert.True(t, errors.Is(err, ErrNoRefreshToken))
	assert.True(t, IsStatus(err, http.StatusUnauthorized), "original 401 must be preserved")
	assert.Zero(t, h.backend.refreshCalls.Load(), "refresh endpoint must not be called without a refresh token")
	assert.Equal(t, int32(1), h.logouts.Load())
}

func TestDoRefreshesAndReplaysOnce(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "expired", "refresh-1"))

	resp, err := h.client.Do(ctx, getThings)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, int32(1), h.backend.refreshCalls.Load())
	assert.Equal(t, int32(2), h.backend.resourceCalls.Load())
	assert.Equal(t, []string{"Bearer expired", "Bearer access-2"}, h.backend.seenAuth)

	access, refresh := h.tokens(t)
	assert.Equal(t, "access-2", access)
	assert.Equal(t, "refresh-1", refresh, "refresh token is left unchanged")
	assert.Zero(t, h.logouts.Load())
}

func TestDoReplaysIdenticalBody(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "expired", "refresh-1"))

	_, err := h.client.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   "/things/",
		Body:   map[string]any{"amount": "12.50", "description": "lunch"},
	})
	require.NoError(t, err)

	require.Len(t, h.backend.seenBodies, 2)
	assert.JSONEq(t, `{"amount":"12.50","description":"lunch"}`, h.backend.seenBodies[0])
	assert.Equal(t, h.backend.seenBodies[0], h.backend.seenBodies[1])
}

func TestDoDoesNotRefreshTwice(t *testing.T) {
	h := newHarness(t, true)
	h.backend.alwaysDeny = true
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "expired", "refresh-1"))

	_, err := h.client.Do(ctx, getThings)
	require.Error(t, err)

	assert.True(t, IsStatus(err, http.StatusUnauthorized))
	assert.True(t, errors.Is(err, ErrLoggedOut))
	assert.Equal(t, int32(1), h.backend.refreshCalls.Load(), "a 401 on the replay must not trigger another refresh")
	assert.Equal(t, int32(2), h.backend.resourceCalls.Load())

	access, refresh := h.tokens(t)
	assert.Empty(t, access)
	assert.Empty(t, refresh)
	assert.Equal(t, int32(1), h.logouts.Load())
}

func TestDoRefreshFailureLogsOut(t *testing.T) {
	h := newHarness(t, true)
	h.backend.refreshFails = true
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "expired", "refresh-1"))

	_, err := h.client.Do(ctx, getThings)
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrLoggedOut))
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, RefreshPath, httpErr.Path, "the refresh failure is what reaches the caller")
	assert.Equal(t, "Token is invalid or expired", httpErr.Detail())

	access, refresh := h.tokens(t)
	assert.Empty(t, access)
	assert.Empty(t, refresh)
	assert.Equal(t, int32(1), h.logouts.Load())
	assert.Equal(t, int32(1), h.backend.resourceCalls.Load(), "no replay after a failed refresh")
}

func TestDoPropagatesOtherErrorsUnchanged(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "access-1", "refresh-1"))

	_, err := h.client.Do(ctx, Request{Method: http.MethodGet, Path: "/broken/"})
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusInternalServerError))
	assert.False(t, errors.Is(err, ErrLoggedOut))
	assert.Equal(t, int32(1), h.backend.resourceCalls.Load(), "no retry for non-401 errors")
	assert.Zero(t, h.backend.refreshCalls.Load())
}

func TestDoExposesValidationErrors(t *testing.T) {
	h := newHarness(t, true)

	_, err := h.client.Do(context.Background(), Request{Method: http.MethodPost, Path: "/invalid/", Body: map[string]string{}})
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
	assert.Equal(t, map[string][]string{"amount": {"A valid number is required."}}, httpErr.FieldErrors())
	assert.Contains(t, httpErr.Error(), "400")
}

func TestDoNetworkFailure(t *testing.T) {
	h := newHarness(t, true)
	h.server.Close()

	_, err := h.client.Do(context.Background(), getThings)
	require.Error(t, err)

	var httpErr *HTTPError
	assert.False(t, errors.As(err, &httpErr))
	assert.Zero(t, h.logouts.Load())
}

func TestConcurrentUnauthorizedShareOneRefresh(t *testing.T) {
	h := newHarness(t, true)
	h.backend.refreshDelay = 50 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "expired", "refresh-1"))

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.client.Do(ctx, getThings)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), h.backend.refreshCalls.Load())
	access, _ := h.tokens(t)
	assert.Equal(t, "access-2", access)
}

func TestUncoalescedRefreshPerRequest(t *testing.T) {
	h := newHarness(t, false)
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "expired", "refresh-1"))

	_, err := h.client.Do(ctx, getThings)
	require.NoError(t, err)

	// Token is valid now; a second call needs no refresh at all
	_, err = h.client.Do(ctx, getThings)
	require.NoError(t, err)
	assert.Equal(t, int32(1), h.backend.refreshCalls.Load())
}

func TestCallerDeadlineDuringRefreshKeepsSession(t *testing.T) {
	for _, coalesce := range []bool{false, true} {
		name := "uncoalesced"
		if coalesce {
			name = "coalesced"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, coalesce)
			h.backend.refreshDelay = 300 * time.Millisecond
			require.NoError(t, h.creds.SetTokens(context.Background(), "expired", "refresh-1"))

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := h.client.Do(ctx, getThings)

			require.Error(t, err)
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.NotErrorIs(t, err, ErrLoggedOut)

			// The abandoned refresh still lands and the session survives
			require.Eventually(t, func() bool {
				access, err := h.creds.AccessToken(context.Background())
				return err == nil && access == "access-2"
			}, 2*time.Second, 20*time.Millisecond)
			_, refresh := h.tokens(t)
			assert.Equal(t, "refresh-1", refresh)
			assert.Zero(t, h.logouts.Load())
		})
	}
}

func TestOnLogoutReceivesCause(t *testing.T) {
	h := newHarness(t, true)
	var cause error
	h.client.OnLogout(func(_ context.Context, err error) { cause = err })

	_, _ = h.client.Do(context.Background(), getThings)
	assert.ErrorIs(t, cause, ErrNoRefreshToken)
}

func TestResponseDecodeEmptyBody(t *testing.T) {
	r := &Response{StatusCode: http.StatusNoContent}
	var v map[string]any
	assert.Error(t, r.Decode(&v))
}

func TestAnonymousRequestSkipsRefresh(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	require.NoError(t, h.creds.SetTokens(ctx, "expired", "refresh-1"))

	_, err := h.client.Do(ctx, Request{Method: http.MethodGet, Path: "/things/", Anonymous: true})
	require.Error(t, err)

	assert.True(t, IsStatus(err, http.StatusUnauthorized))
	assert.False(t, errors.Is(err, ErrLoggedOut))
	assert.Equal(t, []string{""}, h.backend.seenAuth)
	assert.Zero(t, h.backend.refreshCalls.Load())
	assert.Zero(t, h.logouts.Load())

	access, _ := h.tokens(t)
	assert.Equal(t, "expired", access, "tokens are untouched")
}
