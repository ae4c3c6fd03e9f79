// Package transport is the HTTP retry primitive shared by event delivery and
// remote config fetches.
//
// A request succeeds only on HTTP 200. Any other status, including other 2xx
// codes, and any transport error counts as a failed attempt. Each attempt
// runs on a fresh clone of the request so a half-consumed body is never
// resent.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"
)

// DefaultMaxAttempts is the fixed attempt budget for every request.
const DefaultMaxAttempts = 3

// maxErrorBody caps how much of a failed response body is kept as the message.
const maxErrorBody = 4 << 10

// Policy controls attempts, per-attempt timeout, and backoff.
type Policy struct {
	MaxAttempts int           // <= 0 selects DefaultMaxAttempts
	Timeout     time.Duration // per attempt; 0 = no extra deadline
	BaseDelay   time.Duration // first backoff delay; 0 retries immediately
}

// Callback observes the outcome of each attempt. OnSuccess fires once when a
// 200 arrives. OnFailure fires for every failed attempt; isRetry is false only
// for the final one, after which no further attempt is made.
type Callback interface {
	OnSuccess(statusCode int)
	OnFailure(statusCode int, message string, isRetry bool)
}

// Funcs adapts plain functions to Callback. Nil fields are skipped.
type Funcs struct {
	Success func(statusCode int)
	Failure func(statusCode int, message string, isRetry bool)
}

func (f Funcs) OnSuccess(code int) {
	if f.Success != nil {
		f.Success(code)
	}
}

func (f Funcs) OnFailure(code int, msg string, isRetry bool) {
	if f.Failure != nil {
		f.Failure(code, msg, isRetry)
	}
}

// Doer is satisfied by *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Do sends req until it gets a 200 or the attempt budget is spent. On
// success it returns the response body. On failure it returns an *Error
// carrying the last status and message. cb may be nil.
//
// A request with a body must be replayable: build it with
// http.NewRequestWithContext and a bytes.Reader/bytes.Buffer/strings.Reader
// so GetBody is set.
func Do(ctx context.Context, client Doer, req *http.Request, policy Policy, cb Callback) ([]byte, error) {
	if cb == nil {
		cb = Funcs{}
	}
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return nil, fmt.Errorf("transport: request body is not replayable")
	}

	delay := policy.BaseDelay
	var lastErr *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		body, status, err := doOnce(ctx, client, req, policy.Timeout)
		if err == nil && status == http.StatusOK {
			cb.OnSuccess(status)
			return body, nil
		}

		lastErr = &Error{
			Method:     req.Method,
			URL:        req.URL.Redacted(),
			StatusCode: status,
			Attempts:   attempt,
			Err:        err,
		}
		if err != nil {
			lastErr.Message = err.Error()
		} else {
			lastErr.Message = string(body)
			if lastErr.Message == "" {
				lastErr.Message = http.StatusText(status)
			}
		}

		final := attempt == attempts || ctx.Err() != nil
		cb.OnFailure(status, lastErr.Message, !final)
		if final {
			break
		}

		if delay > 0 {
			jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
			t := time.NewTimer(delay + jitter)
			select {
			case <-ctx.Done():
				t.Stop()
				lastErr.Err = errors.Join(lastErr.Err, ctx.Err())
				return nil, lastErr
			case <-t.C:
			}
			delay *= 2
		}
	}
	return nil, lastErr
}

// doOnce performs a single attempt on a clone of req.
func doOnce(ctx context.Context, client Doer, req *http.Request, timeout time.Duration) ([]byte, int, error) {
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	clone := req.Clone(attemptCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, 0, fmt.Errorf("transport: rewind request body: %w", err)
		}
		clone.Body = body
	}

	resp, err := client.Do(clone)
	if err != nil {
		return nil, 0, fmt.Errorf("transport: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	limit := int64(-1)
	if resp.StatusCode != http.StatusOK {
		limit = maxErrorBody
	}
	var r io.Reader = resp.Body
	if limit > 0 {
		r = io.LimitReader(resp.Body, limit)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("transport: read response body: %w", err)
	}
	return body, resp.StatusCode, nil
}
