// ABOUTME: Redis-backed transport for gateway requests, updates, and keyed responses.
// ABOUTME: All cross-process communication flows through these lists and keys.

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riscoscloverleaf/chatcube/internal/wire"
)

// Queue and key names shared with every process attached to the transport.
const (
	requestQueue       = "tg:req"
	updatesQueue       = "tg:upd"
	responsePrefix     = "tg:rsp"
	fileDownloadPrefix = "tg:file"
)

// responseTTL bounds how long an unclaimed response slot survives, so
// responses to timed-out callers do not accumulate.
const responseTTL = 3 * time.Second

// ErrTransportUnavailable wraps any Redis failure. Fatal to the current
// operation only; callers reconnect implicitly on their next loop pass.
var ErrTransportUnavailable = errors.New("transport unavailable")

// Queue is the durable at-least-once transport between the gateway
// process, the update dispatch process, and RPC callers.
type Queue struct {
	rdb redis.UniversalClient
}

// New wraps an existing Redis client. The client must be safe for
// concurrent use; go-redis clients pool connections internally.
func New(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb}
}

// Dial connects to Redis and returns a transport bound to it.
func Dial(addr, password string, db int) (*Queue, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%w: ping %s: %v", ErrTransportUnavailable, addr, err)
	}
	return &Queue{rdb: rdb}, nil
}

// Close releases the underlying client.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

// PushRequest enqueues a call intent for the gateway process.
func (q *Queue) PushRequest(ctx context.Context, req wire.Request) error {
	raw, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	if err := q.rdb.RPush(ctx, requestQueue, raw).Err(); err != nil {
		return fmt.Errorf("%w: push request: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// PopRequest blocks up to timeout for the next request. Returns
// (nil, nil) when the timeout elapses with nothing queued.
func (q *Queue) PopRequest(ctx context.Context, timeout time.Duration) (*wire.Request, error) {
	raw, err := q.blpop(ctx, requestQueue, timeout)
	if err != nil || raw == nil {
		return nil, err
	}
	var req wire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return &req, nil
}

// PushUpdate enqueues a protocol update or lifecycle marker.
func (q *Queue) PushUpdate(ctx context.Context, upd wire.Update) error {
	raw, err := json.Marshal(upd)
	if err != nil {
		return fmt.Errorf("encoding update: %w", err)
	}
	if err := q.rdb.RPush(ctx, updatesQueue, raw).Err(); err != nil {
		return fmt.Errorf("%w: push update: %v", ErrTransportUnavailable, err)
	}
	return nil
}

// PopUpdate blocks up to timeout for the next update. Returns
// (nil, nil) when the timeout elapses with nothing queued.
func (q *Queue) PopUpdate(ctx context.Context, timeout time.Duration) (*wire.Update, error) {
	raw, err := q.blpop(ctx, updatesQueue, timeout)
	if err != nil || raw == nil {
		return nil, err
	}
	var upd wire.Update
	if err := json.Unmarshal(raw, &upd); err != nil {
		return nil, fmt.Errorf("decoding update: %w", err)
	}
	return &upd, nil
}

// PutResponse writes a call response under its correlation key. The slot
// expires shortly afterwards in case the caller already timed out.
func (q *Queue) PutResponse(ctx context.Context, accountID int64, requestID string, payload json.RawMessage) error {
	key := responseKey(accountID, requestID)
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, key, []byte(payload))
	pipe.Expire(ctx, key, responseTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: put response %s: %v", ErrTransportUnavailable, key, err)
	}
	return nil
}

// TakeResponse blocks up to timeout for the response correlated with
// requestID. Returns (nil, nil) when no response arrived in time.
func (q *Queue) TakeResponse(ctx context.Context, accountID int64, requestID string, timeout time.Duration) (json.RawMessage, error) {
	return q.blpop(ctx, responseKey(accountID, requestID), timeout)
}

// TryAcquireOnce takes the download-dedup advisory key. Returns true when
// this caller is the first; a concurrent downloader simply no-ops.
func (q *Queue) TryAcquireOnce(ctx context.Context, accountID int64, fileID int64, value string, ttl time.Duration) (bool, error) {
	key := fmt.Sprintf("%s:%d:%d", fileDownloadPrefix, accountID, fileID)
	ok, err := q.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: acquire %s: %v", ErrTransportUnavailable, key, err)
	}
	return ok, nil
}

func (q *Queue) blpop(ctx context.Context, key string, timeout time.Duration) (json.RawMessage, error) {
	res, err := q.rdb.BLPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: blpop %s: %v", ErrTransportUnavailable, key, err)
	}
	// BLPop returns [key, value].
	return json.RawMessage(res[1]), nil
}

func responseKey(accountID int64, requestID string) string {
	return fmt.Sprintf("%s:%d:%s", responsePrefix, accountID, requestID)
}
