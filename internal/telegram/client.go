// ABOUTME: Per-account RPC client used by the rest of the system to call the gateway.
// ABOUTME: Synchronous calls over the queue with bounded not_run/must_wait retry.

package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/riscoscloverleaf/chatcube/internal/wire"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultStartRetries = 10
)

// Transport is the slice of the queue layer the client needs.
type Transport interface {
	PushRequest(ctx context.Context, req wire.Request) error
	TakeResponse(ctx context.Context, accountID int64, requestID string, timeout time.Duration) (json.RawMessage, error)
	TryAcquireOnce(ctx context.Context, accountID int64, fileID int64, value string, ttl time.Duration) (bool, error)
}

// Caller issues correlated gateway calls. Satisfied by *Client; tests
// substitute an in-memory implementation.
type Caller interface {
	Call(ctx context.Context, method string, params map[string]any, opts ...CallOption) (gjson.Result, error)
}

// Client is one account's facade over the request/response queues.
type Client struct {
	accountID int64
	phone     string
	transport Transport
	media     *MediaStore
	logger    *slog.Logger

	// callTimeout and getMeTimeout are the per-call budgets; WithTimeout
	// still overrides callTimeout on individual calls.
	callTimeout  time.Duration
	getMeTimeout time.Duration

	// retryDelay is the pause between not_run/must_wait retries.
	retryDelay time.Duration

	meMu sync.Mutex
	me   map[string]any
}

// ClientOption adjusts a client's default budgets at construction.
type ClientOption func(*Client)

// WithCallTimeout replaces the default 30s total budget for every call
// the client makes.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// WithGetMeTimeout replaces the extended budget GetMe runs under.
func WithGetMeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.getMeTimeout = d
		}
	}
}

// NewClient creates a facade bound to one account.
func NewClient(accountID int64, phone string, transport Transport, media *MediaStore, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		accountID:    accountID,
		phone:        phone,
		transport:    transport,
		media:        media,
		logger:       logger.With("account_id", accountID),
		callTimeout:  defaultCallTimeout,
		getMeTimeout: getMeTimeout,
		retryDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AccountID returns the account this client is bound to.
func (c *Client) AccountID() int64 { return c.accountID }

// CallOption adjusts one call's budgets.
type CallOption func(*callOptions)

type callOptions struct {
	timeout      time.Duration
	startRetries int
}

// WithTimeout replaces the default 30s total budget.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithStartRetries replaces the default budget of start attempts made
// when the instance is not running.
func WithStartRetries(n int) CallOption {
	return func(o *callOptions) { o.startRetries = n }
}

// Call issues a correlated gateway call and blocks for its result.
//
// Retry policy, as an explicit bounded loop: a not_run response issues
// one start and retries while the start budget lasts; a must_wait
// response polls once per second within the remaining timeout budget.
// Both bounds exhausted surface as typed errors, never an endless loop.
func (c *Client) Call(ctx context.Context, method string, params map[string]any, opts ...CallOption) (gjson.Result, error) {
	co := callOptions{timeout: c.callTimeout, startRetries: defaultStartRetries}
	for _, opt := range opts {
		opt(&co)
	}

	waitBudget := int(co.timeout / time.Second)
	if waitBudget < 1 {
		waitBudget = 1
	}
	startBudget := co.startRetries

	for {
		raw, err := c.roundTrip(ctx, method, params, time.Duration(waitBudget)*time.Second)
		if err != nil {
			return gjson.Result{}, err
		}
		if raw == nil {
			return gjson.Result{}, fmt.Errorf("%w: method %s", ErrRequestTimeout, method)
		}

		res := gjson.ParseBytes(raw)
		if res.Get("@type").String() != "error" {
			return res, nil
		}

		code := int(res.Get("code").Int())
		details := res.Get("details_code").String()

		switch details {
		case "not_run":
			if startBudget <= 0 {
				return gjson.Result{}, fmt.Errorf("%w: method %s", ErrInstanceNotRunning, method)
			}
			c.logger.Info("instance not started, starting", "method", method)
			if err := c.Start(ctx); err != nil {
				return gjson.Result{}, err
			}
			startBudget--
			c.pause(ctx)
			continue

		case "must_wait":
			if waitBudget <= 1 {
				c.logger.Error("instance still not ready", "method", method)
				return gjson.Result{}, fmt.Errorf("%w: method %s", ErrInstanceNotReady, method)
			}
			c.logger.Info("instance not ready, waiting", "method", method, "budget_s", waitBudget)
			waitBudget--
			c.pause(ctx)
			continue
		}

		// downloadFile 400s are routine (expired remote references).
		if method == "downloadFile" && code == 400 {
			c.logger.Warn("telegram error", "method", method, "code", code, "message", res.Get("message").String())
		} else {
			c.logger.Error("telegram error", "method", method, "code", code, "message", res.Get("message").String())
		}

		perr := ProtocolError{
			Message:     res.Get("message").String(),
			Code:        code,
			DetailsCode: details,
		}
		if code == 401 {
			return gjson.Result{}, &UnauthorizedError{ProtocolError: perr}
		}
		return gjson.Result{}, &perr
	}
}

// roundTrip sends one request and waits for its correlated response.
// Returns (nil, nil) on timeout.
func (c *Client) roundTrip(ctx context.Context, method string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	requestID := uuid.NewString()
	if err := c.sendRequest(ctx, method, requestID, timeout, params); err != nil {
		return nil, err
	}
	raw, err := c.transport.TakeResponse(ctx, c.accountID, requestID, timeout)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		c.logger.Debug("response", "method", method, "request_id", requestID)
	}
	return raw, nil
}

// sendRequest enqueues a request stamped with its expiry. The gateway
// drops it unexecuted if dequeued after that time.
func (c *Client) sendRequest(ctx context.Context, method, requestID string, timeout time.Duration, params map[string]any) error {
	req := wire.Request{
		AccountID: c.accountID,
		ExpiresAt: float64(time.Now().Add(timeout).UnixNano()) / float64(time.Second),
		RequestID: requestID,
		Method:    method,
		Params:    params,
	}
	c.logger.Debug("request", "method", method, "request_id", requestID)
	return c.transport.PushRequest(ctx, req)
}

// pause sleeps one retry interval, or returns early on cancellation.
func (c *Client) pause(ctx context.Context) {
	select {
	case <-time.After(c.retryDelay):
	case <-ctx.Done():
	}
}

// Start asks the gateway to bring this account's instance up.
// Fire-and-forget; idempotent on the gateway side.
func (c *Client) Start(ctx context.Context) error {
	return c.sendRequest(ctx, "start", "", c.callTimeout, map[string]any{"phone": c.phone})
}

// Stop asks the gateway to shut this account's instance down.
func (c *Client) Stop(ctx context.Context) error {
	return c.sendRequest(ctx, "stop", "", c.callTimeout, nil)
}

// Notify enqueues an uncorrelated request: no request id, no response.
// Used for gateway control methods that only change server-side state.
func (c *Client) Notify(ctx context.Context, method string, params map[string]any) error {
	return c.sendRequest(ctx, method, "", c.callTimeout, params)
}
