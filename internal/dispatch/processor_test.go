// ABOUTME: Tests for update routing: readiness, staleness, dedupe and markers.
// ABOUTME: Handlers are exercised through recorded event sinks and a queue fake.

package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riscoscloverleaf/chatcube/internal/accounts"
	"github.com/riscoscloverleaf/chatcube/internal/events"
	"github.com/riscoscloverleaf/chatcube/internal/telegram"
	"github.com/riscoscloverleaf/chatcube/internal/wire"
)

type recordedEvent struct {
	channel string
	evType  string
	data    map[string]any
}

// eventRecorder captures emitted events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Emit(ctx context.Context, pushChannel, evType string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{pushChannel, evType, data})
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) last() *recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	e := r.events[len(r.events)-1]
	return &e
}

// stubTransport records pushed requests; responses always time out.
type stubTransport struct {
	mu       sync.Mutex
	requests []wire.Request
}

func (t *stubTransport) PushRequest(ctx context.Context, req wire.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, req)
	return nil
}

func (t *stubTransport) TakeResponse(ctx context.Context, accountID int64, requestID string, timeout time.Duration) (json.RawMessage, error) {
	return nil, nil
}

func (t *stubTransport) TryAcquireOnce(ctx context.Context, accountID int64, fileID int64, value string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (t *stubTransport) methods() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	methods := make([]string, 0, len(t.requests))
	for _, r := range t.requests {
		methods = append(methods, r.Method)
	}
	return methods
}

type emptySource struct{}

func (emptySource) PopUpdate(ctx context.Context, timeout time.Duration) (*wire.Update, error) {
	return nil, nil
}

func testProcessor(t *testing.T) (*Processor, *eventRecorder, *stubTransport) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sink := &eventRecorder{}
	transport := &stubTransport{}
	dir := accounts.NewStatic([]accounts.Account{
		{ID: 7, MemberID: 70, Phone: "15551234", PushChannel: "ch7", Language: "en"},
	})
	media := telegram.NewMediaStore(t.TempDir(), "http://media.test/", logger)
	p := NewProcessor(emptySource{}, transport, dir, sink, media, logger, Options{})
	t.Cleanup(p.Close)
	return p, sink, transport
}

func TestHandle_StaleUpdateDropped(t *testing.T) {
	p, sink, _ := testProcessor(t)
	p.ready[7] = struct{}{}

	upd := &wire.Update{
		AccountID:  7,
		EnqueuedAt: float64(time.Now().Add(-10*time.Minute).UnixNano()) / float64(time.Second),
		Payload:    json.RawMessage(`{"@type":"updateChatTitle","chat_id":100,"title":"new"}`),
	}
	p.handle(context.Background(), upd)

	assert.Zero(t, sink.count(), "stale update must not produce events")
}

func TestHandle_NotReadyIgnored(t *testing.T) {
	p, sink, _ := testProcessor(t)

	upd := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateChatTitle","chat_id":100,"title":"new"}`))
	p.handle(context.Background(), &upd)

	assert.Zero(t, sink.count())
}

func TestHandle_AuthUpdatePassesBeforeReady(t *testing.T) {
	p, sink, _ := testProcessor(t)

	upd := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateAuthorizationState","authorization_state":{"@type":"authorizationStateWaitCode","code_info":{"length":5}}}`))
	p.handle(context.Background(), &upd)

	last := sink.last()
	require.NotNil(t, last, "auth updates reach the member before the instance is ready")
	assert.Equal(t, events.AuthCode, last.evType)
	assert.Equal(t, "ch7", last.channel)
	assert.EqualValues(t, 5, last.data["length"])
}

func TestHandle_DuplicateDropped(t *testing.T) {
	p, sink, _ := testProcessor(t)
	p.ready[7] = struct{}{}

	// A queue re-delivery is the same update, original stamp included.
	upd := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateChatTitle","chat_id":100,"title":"new"}`))
	redelivered := upd

	p.handle(context.Background(), &upd)
	p.handle(context.Background(), &redelivered)

	assert.Equal(t, 1, sink.count(), "a re-delivered update emits once")
}

func TestHandle_RepeatedIdenticalEventsAllDelivered(t *testing.T) {
	p, sink, _ := testProcessor(t)
	p.ready[7] = struct{}{}

	// The same member typing again later produces a byte-identical
	// payload at a new enqueue time; both sightings are real events.
	payload := json.RawMessage(`{"@type":"updateUserChatAction","chat_id":100,"user_id":33,"action":{"@type":"chatActionTyping"}}`)
	first := wire.Update{AccountID: 7, EnqueuedAt: nowUnix(), Payload: payload}
	second := wire.Update{AccountID: 7, EnqueuedAt: first.EnqueuedAt + 60, Payload: payload}

	p.handle(context.Background(), &first)
	p.handle(context.Background(), &second)

	assert.Equal(t, 2, sink.count(), "distinct events with equal payloads both emit")
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func TestHandle_UnknownAccountDropped(t *testing.T) {
	p, sink, _ := testProcessor(t)
	p.ready[99] = struct{}{}

	upd := wire.NewUpdate(99, json.RawMessage(`{"@type":"updateChatTitle","chat_id":100,"title":"new"}`))
	p.handle(context.Background(), &upd)

	assert.Zero(t, sink.count())
}

func TestHandle_ChatTitle(t *testing.T) {
	p, sink, _ := testProcessor(t)
	p.ready[7] = struct{}{}

	upd := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateChatTitle","chat_id":100,"title":"renamed"}`))
	p.handle(context.Background(), &upd)

	last := sink.last()
	require.NotNil(t, last)
	assert.Equal(t, events.ChatUpdated, last.evType)
	assert.Equal(t, "T100", last.data["id"])
	assert.Equal(t, "renamed", last.data["title"])
}

func TestHandle_MessageEdited(t *testing.T) {
	p, sink, _ := testProcessor(t)
	p.ready[7] = struct{}{}

	upd := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateMessageEdited","chat_id":100,"message_id":55,"edit_date":1700000000}`))
	p.handle(context.Background(), &upd)

	last := sink.last()
	require.NotNil(t, last)
	assert.Equal(t, events.MessageUpdated, last.evType)
	assert.EqualValues(t, 55, last.data["id"])
	assert.Equal(t, "T100", last.data["chat_id"])
	assert.EqualValues(t, 1700000000, last.data["changedtime"])
}

func TestHandle_DeleteMessagesFromCacheIgnored(t *testing.T) {
	p, sink, _ := testProcessor(t)
	p.ready[7] = struct{}{}

	cached := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateDeleteMessages","chat_id":100,"message_ids":[1,2],"from_cache":true}`))
	p.handle(context.Background(), &cached)
	assert.Zero(t, sink.count())

	real := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateDeleteMessages","chat_id":100,"message_ids":[1,2],"from_cache":false}`))
	p.handle(context.Background(), &real)

	last := sink.last()
	require.NotNil(t, last)
	assert.Equal(t, events.MessagesDeleted, last.evType)
	assert.Equal(t, []int64{1, 2}, last.data["message_ids"])
}

func TestHandle_UserChatAction(t *testing.T) {
	p, sink, _ := testProcessor(t)
	p.ready[7] = struct{}{}

	typing := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateUserChatAction","chat_id":100,"user_id":33,"action":{"@type":"chatActionTyping"}}`))
	p.handle(context.Background(), &typing)

	last := sink.last()
	require.NotNil(t, last)
	assert.Equal(t, events.ChatAction, last.evType)
	assert.Equal(t, "T33", last.data["member_id"])
	assert.Equal(t, telegram.ChatActionTyping, last.data["action"])

	// An unmapped action kind emits nothing.
	before := sink.count()
	unknown := wire.NewUpdate(7, json.RawMessage(`{"@type":"updateUserChatAction","chat_id":100,"user_id":33,"action":{"@type":"chatActionRecordingVideo"}}`))
	p.handle(context.Background(), &unknown)
	assert.Equal(t, before, sink.count())
}

func TestHandleMarker_InstanceStarted(t *testing.T) {
	p, sink, _ := testProcessor(t)

	p.handleMarker(context.Background(), 7, wire.MarkerInstanceStarted)

	_, ready := p.ready[7]
	assert.True(t, ready)

	last := sink.last()
	require.NotNil(t, last)
	assert.Equal(t, events.TelegramReady, last.evType)
	assert.Equal(t, "ch7", last.channel)
}

func TestHandleMarker_InstanceStopped(t *testing.T) {
	p, _, _ := testProcessor(t)
	p.ready[7] = struct{}{}
	p.clients[7] = nil

	p.handleMarker(context.Background(), 7, wire.MarkerInstanceStopped)

	_, ready := p.ready[7]
	assert.False(t, ready)
	_, cached := p.clients[7]
	assert.False(t, cached, "client cache dropped with the instance")
}

func TestHandleMarker_GatewayRestarted(t *testing.T) {
	p, _, transport := testProcessor(t)
	p.ready[7] = struct{}{}

	p.handleMarker(context.Background(), 0, wire.MarkerGatewayStarted)

	methods := transport.methods()
	assert.Contains(t, methods, "set_interested_updates", "registration renewed after restart")
	assert.Contains(t, methods, "start", "running instances restarted")
}

func TestInterestedUpdates_CoversHandlers(t *testing.T) {
	p, _, _ := testProcessor(t)

	types := p.interestedUpdates()
	assert.Contains(t, types, "updateNewMessage")
	assert.Contains(t, types, "updateAuthorizationState")
	assert.Contains(t, types, "updateChatOrder")
	assert.Len(t, types, len(p.handlers))
}
