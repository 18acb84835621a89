// Package gateway is the single path from the client to the backend API.
// It attaches the bearer token to every call and, when the backend answers
// 401, refreshes the access token once and replays the request once.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"expenseclient/internal/credentials"
	"expenseclient/internal/log"
)

// RefreshPath is the token refresh endpoint, relative to the API base URL.
const RefreshPath = "/auth/token/refresh/"

// maxResponseBytes caps how much of a response body is read into memory.
const maxResponseBytes = 10 << 20

// Request describes one backend call. Body, when non-nil, is sent as JSON.
// Anonymous requests carry no bearer token and skip the refresh path, so a
// 401 from them (bad login credentials) reaches the caller unchanged.
type Request struct {
	Method    string
	Path      string
	Body      any
	Params    url.Values
	Anonymous bool
}

// Response is a successful (2xx) backend answer.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// LogoutFunc is called when the session cannot be recovered. It plays the
// role of sending the user back to the login screen.
type LogoutFunc func(ctx context.Context, cause error)

type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      credentials.Store
	logger     *log.Logger
	coalesce   bool

	flights singleflight.Group

	mu       sync.RWMutex
	onLogout []LogoutFunc
}

type Option func(*Client)

// WithHTTPClient replaces the default pooled client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for gateway events.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) { c.logger = l.WithComponent(log.ComponentGateway) }
}

// WithRefreshCoalescing makes concurrent 401s share a single refresh call.
func WithRefreshCoalescing(enabled bool) Option {
	return func(c *Client) { c.coalesce = enabled }
}

// WithLogoutHandler registers fn to be called when the session ends.
func WithLogoutHandler(fn LogoutFunc) Option {
	return func(c *Client) { c.onLogout = append(c.onLogout, fn) }
}

func New(baseURL string, creds credentials.Store, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", baseURL)
	}
	if creds == nil {
		return nil, errors.New("credential store is required")
	}

	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		creds:    creds,
		logger:   log.Discard().WithComponent(log.ComponentGateway),
		coalesce: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient(DefaultTimeout, c.logger)
	}
	return c, nil
}

// OnLogout registers an additional logout handler.
func (c *Client) OnLogout(fn LogoutFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLogout = append(c.onLogout, fn)
}

// Do sends req. A 401 on the first attempt triggers one refresh and one
// replay; any other failure is returned unchanged.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	body, err := encodeBody(req.Body)
	if err != nil {
		return nil, err
	}

	if req.Anonymous {
		return c.send(ctx, req, body, "")
	}

	access, err := c.creds.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("read access token: %w", err)
	}

	resp, err := c.send(ctx, req, body, access)
	if err == nil {
		return resp, nil
	}
	if !IsStatus(err, http.StatusUnauthorized) {
		return nil, err
	}

	newAccess, refreshErr := c.recover(ctx, access, err)
	if refreshErr != nil {
		return nil, refreshErr
	}

	c.logger.DebugContext(ctx, "Replaying request with refreshed token",
		log.FieldOperation, log.OpReplay,
		log.FieldMethod, req.Method,
		log.FieldPath, req.Path,
		log.FieldRetried, true)

	resp, err = c.send(ctx, req, body, newAccess)
	if err == nil {
		return resp, nil
	}
	if IsStatus(err, http.StatusUnauthorized) {
		// Already retried once; the session is not recoverable.
		c.endSession(ctx, err)
		return nil, fmt.Errorf("%w: %w", ErrLoggedOut, err)
	}
	return nil, err
}

// recover obtains a fresh access token after unauthorized, the 401 the
// request received while sending sentAccess.
func (c *Client) recover(ctx context.Context, sentAccess string, unauthorized error) (string, error) {
	refresh, err := c.creds.RefreshToken(ctx)
	if err != nil {
		return "", fmt.Errorf("read refresh token: %w", err)
	}
	if refresh == "" {
		c.logger.WarnContext(ctx, "Unauthorized without refresh token",
			log.FieldOperation, log.OpRefresh,
			log.FieldErrorType, log.ErrorTypeAuth)
		c.endSession(ctx, ErrNoRefreshToken)
		return "", fmt.Errorf("%w: %w: %w", ErrLoggedOut, ErrNoRefreshToken, unauthorized)
	}

	// The refresh outlives the caller's context: a caller that gives up
	// must not turn an unfinished refresh into a logout.
	detached := context.WithoutCancel(ctx)
	var flight <-chan singleflight.Result
	if c.coalesce {
		flight = c.flights.DoChan(refresh, func() (any, error) {
			current, err := c.creds.AccessToken(detached)
			if err == nil && current != "" && current != sentAccess {
				// Someone refreshed after this request was sent.
				return current, nil
			}
			return c.refresh(detached, refresh)
		})
	} else {
		ch := make(chan singleflight.Result, 1)
		go func() {
			token, err := c.refresh(detached, refresh)
			ch <- singleflight.Result{Val: token, Err: err}
		}()
		flight = ch
	}

	select {
	case res := <-flight:
		if res.Shared {
			c.logger.DebugContext(ctx, "Joined in-flight token refresh", log.FieldOperation, log.OpRefresh)
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("await token refresh: %w", ctx.Err())
	}
}

// refresh calls the refresh endpoint once. On failure both tokens are
// cleared and the logout handlers run.
func (c *Client) refresh(ctx context.Context, refreshToken string) (string, error) {
	c.logger.InfoContext(ctx, "Refreshing access token", log.FieldOperation, log.OpRefresh)

	body, err := encodeBody(refreshRequest{Refresh: refreshToken})
	if err != nil {
		return "", err
	}
	resp, err := c.send(ctx, Request{Method: http.MethodPost, Path: RefreshPath, Anonymous: true}, body, "")
	if err != nil {
		c.logger.WarnContext(ctx, "Token refresh failed",
			log.FieldOperation, log.OpRefresh,
			log.FieldErrorType, log.ErrorTypeAuth,
			log.FieldError, err)
		c.endSession(ctx, err)
		return "", fmt.Errorf("%w: refresh token: %w", ErrLoggedOut, err)
	}

	var out refreshResponse
	if err := resp.Decode(&out); err != nil || out.Access == "" {
		if err == nil {
			err = errors.New("refresh response has no access token")
		}
		c.endSession(ctx, err)
		return "", fmt.Errorf("%w: refresh token: %w", ErrLoggedOut, err)
	}

	if err := c.creds.SetAccessToken(ctx, out.Access); err != nil {
		return "", fmt.Errorf("store refreshed access token: %w", err)
	}
	return out.Access, nil
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access string `json:"access"`
}

func (c *Client) endSession(ctx context.Context, cause error) {
	if err := c.creds.Clear(ctx); err != nil {
		c.logger.ErrorContext(ctx, "Failed to clear tokens", log.FieldOperation, log.OpLogout, log.FieldError, err)
	}

	c.mu.RLock()
	handlers := append([]LogoutFunc(nil), c.onLogout...)
	c.mu.RUnlock()

	for _, fn := range handlers {
		fn(ctx, cause)
	}
}

func (c *Client) send(ctx context.Context, req Request, body []byte, access string) (*Response, error) {
	target := c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	if len(req.Params) > 0 {
		target += "?" + req.Params.Encode()
	}

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, rdr)
	if err != nil {
		return nil, fmt.Errorf("build request %s %s: %w", req.Method, req.Path, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		httpReq.Header.Set("Authorization", "Bearer "+access)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.Path, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response %s %s: %w", req.Method, req.Path, err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &HTTPError{
			StatusCode: httpResp.StatusCode,
			Method:     req.Method,
			Path:       req.Path,
			Body:       data,
		}
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// encodeBody marshals once so a replay sends identical bytes.
func encodeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	return data, nil
}
