// ABOUTME: Tests for the tuple wire format shared across gateway processes.
// ABOUTME: Covers requests, updates, markers, expiry and correlation tags.

package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_TupleForm(t *testing.T) {
	req := Request{
		AccountID: 7,
		ExpiresAt: 1700000030.5,
		RequestID: "req-1",
		Method:    "getMe",
		Params:    map[string]any{"user_id": float64(42)},
	}

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `[7,1700000030.5,"req-1","getMe",{"user_id":42}]`, string(raw))

	var back Request
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, req, back)
}

func TestRequest_NullRequestID(t *testing.T) {
	var req Request
	require.NoError(t, json.Unmarshal([]byte(`[7,1700000030,null,"start",{"phone":"155"}]`), &req))
	assert.Empty(t, req.RequestID)
	assert.Equal(t, "start", req.Method)
}

func TestRequest_MalformedTuple(t *testing.T) {
	var req Request
	assert.Error(t, json.Unmarshal([]byte(`[7,1700000030,"req-1"]`), &req))
	assert.Error(t, json.Unmarshal([]byte(`{"account_id":7}`), &req))
}

func TestRequest_Expired(t *testing.T) {
	now := time.Now()
	past := Request{ExpiresAt: float64(now.Add(-time.Second).UnixNano()) / float64(time.Second)}
	future := Request{ExpiresAt: float64(now.Add(time.Minute).UnixNano()) / float64(time.Second)}

	assert.True(t, past.Expired(now))
	assert.False(t, future.Expired(now))
}

func TestRequest_PreservesNonASCIIParams(t *testing.T) {
	req := Request{AccountID: 1, Method: "sendMessage", Params: map[string]any{"text": "привет <b>"}}

	raw, err := json.Marshal(req)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "привет <b>")
}

func TestUpdate_TupleForm(t *testing.T) {
	upd := NewUpdate(7, json.RawMessage(`{"@type":"updateNewMessage"}`))

	raw, err := json.Marshal(upd)
	require.NoError(t, err)

	var back Update
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, int64(7), back.AccountID)
	assert.InDelta(t, upd.EnqueuedAt, back.EnqueuedAt, 0.001)
	assert.Equal(t, "updateNewMessage", back.Type())
	assert.Empty(t, back.Marker())
}

func TestUpdate_Marker(t *testing.T) {
	upd := NewMarker(7, MarkerInstanceStarted)

	raw, err := json.Marshal(upd)
	require.NoError(t, err)

	var back Update
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, MarkerInstanceStarted, back.Marker())
	assert.Empty(t, back.Type())
}

func TestUpdate_Age(t *testing.T) {
	upd := NewUpdate(7, json.RawMessage(`{}`))
	assert.InDelta(t, 0, upd.Age(time.Now()).Seconds(), 1)

	old := Update{EnqueuedAt: float64(time.Now().Add(-10*time.Minute).UnixNano()) / float64(time.Second)}
	assert.InDelta(t, 600, old.Age(time.Now()).Seconds(), 1)
}

func TestRequestIDOf(t *testing.T) {
	assert.Equal(t, "req-9", RequestIDOf(json.RawMessage(`{"@type":"ok","@extra":{"request_id":"req-9"}}`)))
	assert.Empty(t, RequestIDOf(json.RawMessage(`{"@type":"updateNewMessage"}`)))
}
