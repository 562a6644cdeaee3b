// ABOUTME: Wire-format envelopes exchanged over the Redis transport queues.
// ABOUTME: Requests and updates serialize as JSON tuples for compatibility across processes.

package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Lifecycle markers carried in place of a protocol payload. They signal
// gateway and instance state transitions to the update dispatch process.
const (
	MarkerGatewayStarted  = "GATEWAY_STARTED"
	MarkerInstanceStarted = "INSTANCE_STARTED"
	MarkerInstanceStopped = "INSTANCE_STOPPED"
)

// Request is a call intent addressed to one account's TDLib instance.
// On the wire it is the tuple [account_id, expires_at, request_id, method, params].
type Request struct {
	AccountID int64
	ExpiresAt float64 // unix seconds; never executed after this time
	RequestID string
	Method    string
	Params    map[string]any
}

// Expired reports whether the request's expiry has passed at the given time.
func (r *Request) Expired(now time.Time) bool {
	return r.ExpiresAt < float64(now.UnixNano())/float64(time.Second)
}

// MarshalJSON encodes the request as its wire tuple.
func (r Request) MarshalJSON() ([]byte, error) {
	params := r.Params
	if params == nil {
		params = map[string]any{}
	}
	return marshalTuple([]any{r.AccountID, r.ExpiresAt, r.RequestID, r.Method, params})
}

// UnmarshalJSON decodes the wire tuple form.
func (r *Request) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("request tuple: %w", err)
	}
	if len(tuple) != 5 {
		return fmt.Errorf("request tuple: want 5 elements, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &r.AccountID); err != nil {
		return fmt.Errorf("request account_id: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &r.ExpiresAt); err != nil {
		return fmt.Errorf("request expires_at: %w", err)
	}
	if err := json.Unmarshal(tuple[2], &r.RequestID); err != nil {
		// A missing request id is serialized as null by older callers.
		r.RequestID = ""
	}
	if err := json.Unmarshal(tuple[3], &r.Method); err != nil {
		return fmt.Errorf("request method: %w", err)
	}
	if err := json.Unmarshal(tuple[4], &r.Params); err != nil {
		return fmt.Errorf("request params: %w", err)
	}
	return nil
}

// Update is an unsolicited push event from one account's TDLib instance,
// or a lifecycle marker. On the wire it is [account_id, enqueued_at, payload].
type Update struct {
	AccountID  int64
	EnqueuedAt float64 // unix seconds at enqueue time
	Payload    json.RawMessage
}

// NewUpdate builds an update stamped with the current time.
func NewUpdate(accountID int64, payload json.RawMessage) Update {
	return Update{
		AccountID:  accountID,
		EnqueuedAt: float64(time.Now().UnixNano()) / float64(time.Second),
		Payload:    payload,
	}
}

// NewMarker builds a lifecycle-marker update stamped with the current time.
func NewMarker(accountID int64, marker string) Update {
	raw, _ := json.Marshal(marker)
	return NewUpdate(accountID, raw)
}

// Marker returns the lifecycle marker string, or "" if the payload is a
// protocol object rather than a marker.
func (u *Update) Marker() string {
	res := gjson.ParseBytes(u.Payload)
	if res.Type == gjson.String {
		return res.String()
	}
	return ""
}

// Type returns the payload's "@type" tag, or "" for markers and
// unrecognized payloads.
func (u *Update) Type() string {
	return gjson.GetBytes(u.Payload, "@type").String()
}

// Age reports how long ago the update was enqueued.
func (u *Update) Age(now time.Time) time.Duration {
	seconds := float64(now.UnixNano())/float64(time.Second) - u.EnqueuedAt
	return time.Duration(seconds * float64(time.Second))
}

// MarshalJSON encodes the update as its wire tuple.
func (u Update) MarshalJSON() ([]byte, error) {
	payload := u.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return marshalTuple([]any{u.AccountID, u.EnqueuedAt, payload})
}

// UnmarshalJSON decodes the wire tuple form.
func (u *Update) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("update tuple: %w", err)
	}
	if len(tuple) != 3 {
		return fmt.Errorf("update tuple: want 3 elements, got %d", len(tuple))
	}
	if err := json.Unmarshal(tuple[0], &u.AccountID); err != nil {
		return fmt.Errorf("update account_id: %w", err)
	}
	if err := json.Unmarshal(tuple[1], &u.EnqueuedAt); err != nil {
		return fmt.Errorf("update enqueued_at: %w", err)
	}
	u.Payload = tuple[2]
	return nil
}

// RequestIDOf extracts the correlation tag from a TDLib notification,
// or "" when the notification carries none.
func RequestIDOf(payload json.RawMessage) string {
	return gjson.GetBytes(payload, `@extra.request_id`).String()
}

// marshalTuple encodes without HTML escaping so non-ASCII text survives
// the queue round trip byte for byte.
func marshalTuple(tuple []any) ([]byte, error) {
	buf, err := jsonEncodeNoEscape(tuple)
	if err != nil {
		return nil, err
	}
	return buf, nil
}
