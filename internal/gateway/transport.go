package gateway

import (
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"expenseclient/internal/log"
)

// DefaultTimeout bounds a single request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

// RequestIDHeader carries the per-request id to the backend.
const RequestIDHeader = "X-Request-ID"

// NewHTTPClient creates an HTTP client with connection pooling and request
// logging for talking to the backend API.
func NewHTTPClient(timeout time.Duration, logger *log.Logger) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	base := &http.Transport{
		Proxy:       http.ProxyFromEnvironment,
		DialContext: dialer.DialContext,

		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: NewLoggingTransport(base, logger),
		Timeout:   timeout,
	}
}

// LoggingTransport logs every outbound request and tags it with a request id.
type LoggingTransport struct {
	next   http.RoundTripper
	logger *log.Logger
}

func NewLoggingTransport(next http.RoundTripper, logger *log.Logger) *LoggingTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &LoggingTransport{next: next, logger: logger.WithComponent(log.ComponentGateway)}
}

func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	requestID, ok := log.RequestIDFromContext(ctx)
	if !ok {
		requestID = uuid.NewString()
	}

	// RoundTrippers must not modify the caller's request
	req = req.Clone(ctx)
	req.Header.Set(RequestIDHeader, requestID)

	start := time.Now()
	t.logger.DebugContext(ctx, "HTTP request started",
		log.NewFields().
			WithHTTPRequest(req.Method, req.URL.Path, req.URL.RawQuery).
			WithRequestID(requestID).
			ToSlice()...)

	resp, err := t.next.RoundTrip(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		t.logger.WarnContext(ctx, "HTTP request failed",
			append(log.NewFields().
				WithHTTPRequest(req.Method, req.URL.Path, "").
				WithRequestID(requestID).
				WithError(err).
				ToSlice(), log.FieldErrorType, log.ErrorTypeNetwork)...)
		return nil, err
	}

	level := slog.LevelDebug
	if resp.StatusCode >= 500 {
		level = slog.LevelError
	} else if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized {
		level = slog.LevelWarn
	}

	t.logger.Log(ctx, level, "HTTP request completed",
		log.NewFields().
			WithHTTPRequest(req.Method, req.URL.Path, "").
			WithHTTPResponse(resp.StatusCode, durationMs, resp.StatusCode < 400).
			WithRequestID(requestID).
			ToSlice()...)

	return resp, nil
}
