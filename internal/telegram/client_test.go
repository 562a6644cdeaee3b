// ABOUTME: Tests for the correlated call loop and its bounded retry policy.
// ABOUTME: A scripted transport fake stands in for the queue layer.

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riscoscloverleaf/chatcube/internal/wire"
)

// scriptedTransport answers TakeResponse from a fixed script and records
// every pushed request.
type scriptedTransport struct {
	mu        sync.Mutex
	requests  []wire.Request
	responses []json.RawMessage // nil entry simulates a response timeout
	repeat    json.RawMessage   // served once the script runs out
}

func (t *scriptedTransport) PushRequest(ctx context.Context, req wire.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	return nil
}

func (t *scriptedTransport) TakeResponse(ctx context.Context, accountID int64, requestID string, timeout time.Duration) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.responses) == 0 {
		return t.repeat, nil
	}
	resp := t.responses[0]
	t.responses = t.responses[1:]
	return resp, nil
}

func (t *scriptedTransport) TryAcquireOnce(ctx context.Context, accountID int64, fileID int64, value string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (t *scriptedTransport) methods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	methods := make([]string, 0, len(t.requests))
	for _, r := range t.requests {
		methods = append(methods, r.Method)
	}
	return methods
}

func testClient(transport *scriptedTransport, opts ...ClientOption) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(7, "15551234", transport, NewMediaStore("/tmp/media", "http://media.test/", logger), logger, opts...)
	c.retryDelay = 0
	return c
}

var (
	okUser       = json.RawMessage(`{"@type":"user","id":42,"first_name":"Ada"}`)
	notRunErr    = json.RawMessage(`{"@type":"error","code":0,"message":"Telegram client not started","details_code":"not_run"}`)
	mustWaitErr  = json.RawMessage(`{"@type":"error","code":0,"message":"Wait to start","details_code":"must_wait"}`)
	unauthorized = json.RawMessage(`{"@type":"error","code":401,"message":"Unauthorized","details_code":"authorizationStateWaitCode"}`)
)

func TestCall_Success(t *testing.T) {
	transport := &scriptedTransport{responses: []json.RawMessage{okUser}}
	c := testClient(transport)

	res, err := c.Call(context.Background(), "getMe", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Get("id").Int())
	assert.Equal(t, []string{"getMe"}, transport.methods())
}

func TestCall_StampsExpiry(t *testing.T) {
	transport := &scriptedTransport{responses: []json.RawMessage{okUser}}
	c := testClient(transport)

	before := time.Now()
	_, err := c.Call(context.Background(), "getMe", nil, WithTimeout(10*time.Second))
	require.NoError(t, err)

	require.Len(t, transport.requests, 1)
	expires := time.Unix(0, int64(transport.requests[0].ExpiresAt*float64(time.Second)))
	assert.WithinDuration(t, before.Add(10*time.Second), expires, 2*time.Second)
}

func TestCall_Timeout(t *testing.T) {
	transport := &scriptedTransport{responses: []json.RawMessage{nil}}
	c := testClient(transport)

	_, err := c.Call(context.Background(), "getMe", nil)
	assert.ErrorIs(t, err, ErrRequestTimeout)
}

func TestCall_NotRunStartsAndRetries(t *testing.T) {
	transport := &scriptedTransport{responses: []json.RawMessage{notRunErr, okUser}}
	c := testClient(transport)

	res, err := c.Call(context.Background(), "getMe", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.Get("id").Int())
	assert.Equal(t, []string{"getMe", "start", "getMe"}, transport.methods())
}

func TestCall_NotRunBudgetExhausted(t *testing.T) {
	transport := &scriptedTransport{repeat: notRunErr}
	c := testClient(transport)

	_, err := c.Call(context.Background(), "getMe", nil, WithStartRetries(2))
	assert.ErrorIs(t, err, ErrInstanceNotRunning)

	starts := 0
	for _, m := range transport.methods() {
		if m == "start" {
			starts++
		}
	}
	assert.Equal(t, 2, starts, "one start per budget unit, then give up")
}

func TestCall_MustWaitBudgetExhausted(t *testing.T) {
	transport := &scriptedTransport{repeat: mustWaitErr}
	c := testClient(transport)

	_, err := c.Call(context.Background(), "getMe", nil, WithTimeout(3*time.Second))
	assert.ErrorIs(t, err, ErrInstanceNotReady)
	// Initial call plus one retry per remaining second of budget.
	assert.Equal(t, []string{"getMe", "getMe", "getMe"}, transport.methods())
}

func TestCall_ConfiguredCallTimeout(t *testing.T) {
	transport := &scriptedTransport{repeat: mustWaitErr}
	c := testClient(transport, WithCallTimeout(3*time.Second))

	_, err := c.Call(context.Background(), "getChats", nil)
	assert.ErrorIs(t, err, ErrInstanceNotReady)
	// The configured budget bounds the retry loop without a per-call option.
	assert.Equal(t, []string{"getChats", "getChats", "getChats"}, transport.methods())
}

func TestGetMe_ConfiguredTimeout(t *testing.T) {
	transport := &scriptedTransport{responses: []json.RawMessage{okUser}}
	c := testClient(transport, WithGetMeTimeout(5*time.Second))

	before := time.Now()
	_, err := c.GetMe(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, transport.requests)
	expires := time.Unix(0, int64(transport.requests[0].ExpiresAt*float64(time.Second)))
	assert.WithinDuration(t, before.Add(5*time.Second), expires, 2*time.Second)
}

func TestCall_Unauthorized(t *testing.T) {
	transport := &scriptedTransport{responses: []json.RawMessage{unauthorized}}
	c := testClient(transport)

	_, err := c.Call(context.Background(), "getChats", nil)

	var uerr *UnauthorizedError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, 401, uerr.Code)
	assert.Equal(t, "authorizationStateWaitCode", uerr.DetailsCode)
}

func TestCall_ProtocolError(t *testing.T) {
	transport := &scriptedTransport{responses: []json.RawMessage{
		json.RawMessage(`{"@type":"error","code":404,"message":"chat not found"}`),
	}}
	c := testClient(transport)

	_, err := c.Call(context.Background(), "getChat", map[string]any{"chat_id": 1})

	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 404, perr.Code)
	assert.Equal(t, "chat not found", perr.Message)
	assert.True(t, IsNotFound(err))

	var uerr *UnauthorizedError
	assert.False(t, errors.As(err, &uerr))
}

func TestStartAndStop_Uncorrelated(t *testing.T) {
	transport := &scriptedTransport{}
	c := testClient(transport)
	ctx := context.Background()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop(ctx))

	require.Len(t, transport.requests, 2)
	assert.Equal(t, "start", transport.requests[0].Method)
	assert.Empty(t, transport.requests[0].RequestID)
	assert.Equal(t, "15551234", transport.requests[0].Params["phone"])
	assert.Equal(t, "stop", transport.requests[1].Method)
}
