// internal/infra/http/http_engine.go
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"easy-content-upgrade/internal/domain"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const maxOutputBytes = 1024

// errServer marks a retriable 5xx response.
var errServer = errors.New("http request returned 5xx server error")

// Options tunes retries and the per-host circuit breaker.
type Options struct {
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// BreakerFailures is the number of consecutive failures that opens a host's breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// DefaultOptions returns the options used by the runner.
func DefaultOptions() Options {
	return Options{
		Timeout:         15 * time.Second,
		MaxRetries:      3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

type httpEngine struct {
	client   *http.Client
	opts     Options
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHttpEngine creates an engine for .http request scripts.
func NewHttpEngine(opts Options, logger *slog.Logger) domain.ScriptEngine {
	return &httpEngine{
		client:   &http.Client{Timeout: opts.Timeout},
		opts:     opts,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		logger:   logger.With("engine", "http"),
		tracer:   otel.Tracer("aecu-http-engine"),
	}
}

// Execute sends the request and retries on network errors and 5xx responses.
// The result is the final status code, the output the first KB of the body.
func (e *httpEngine) Execute(ctx context.Context, script *domain.Script) (domain.ScriptOutput, error) {
	ctx, span := e.tracer.Start(ctx, "engine.http.Execute",
		trace.WithAttributes(attribute.String("script.path", script.Path)))
	defer span.End()

	req, err := parseRequest(script.Content)
	if err != nil {
		span.SetStatus(codes.Error, "invalid request script")
		return domain.ScriptOutput{}, fmt.Errorf("invalid request script: %w", err)
	}
	span.SetAttributes(attribute.String("http.method", req.Method), attribute.String("http.url", req.URL))

	u, err := url.Parse(req.URL)
	if err != nil || u.Host == "" {
		return domain.ScriptOutput{}, fmt.Errorf("invalid request url %q", req.URL)
	}
	breaker := e.breakerFor(u.Host)

	var out domain.ScriptOutput
	attempt := 0
	operation := func() error {
		attempt++
		body, status, err := e.doExecute(ctx, breaker, req)
		out.Output = body
		if status != 0 {
			out.Result = strconv.Itoa(status)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, errServer) || isNetworkError(err) {
			e.logger.Warn("retriable http failure", "script_path", script.Path, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialInterval
	b.MaxInterval = e.opts.MaxInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, e.opts.MaxRetries), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		span.SetStatus(codes.Error, "http script failed")
		span.RecordError(err)
		return out, fmt.Errorf("http script failed after %d attempt(s): %w", attempt, err)
	}
	return out, nil
}

// doExecute performs a single request through the host's circuit breaker.
func (e *httpEngine) doExecute(ctx context.Context, breaker *gobreaker.CircuitBreaker, req *request) (string, int, error) {
	var body string
	var status int

	_, err := breaker.Execute(func() (interface{}, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create http request: %w", err))
		}
		httpReq.Header = req.Headers.Clone()

		resp, err := e.client.Do(httpReq)
		if err != nil {
			return nil, fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxOutputBytes))
		body, status = string(bodyBytes), resp.StatusCode

		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: %s", errServer, resp.Status)
		}
		return nil, nil
	})
	if err != nil {
		return body, status, err
	}

	// 4xx responses are not the remote's fault and do not trip the breaker.
	if status >= 400 {
		return body, status, fmt.Errorf("http request returned 4xx client error: %d", status)
	}
	return body, status, nil
}

func (e *httpEngine) breakerFor(host string) *gobreaker.CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cb, ok := e.breakers[host]; ok {
		return cb
	}
	failures := e.opts.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "aecu-http-" + host,
		MaxRequests: 1,
		Timeout:     e.opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[host] = cb
	return cb
}

func isNetworkError(err error) bool {
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
