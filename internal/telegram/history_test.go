// ABOUTME: Pagination boundary tests against an in-memory reference chat.
// ABOUTME: Exercises sentinel trimming, has-more flags and the corrective fetch.

package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

// historyStore simulates the provider's chat history API over a fixed
// set of message ids, newest first. maxReturn below the requested limit
// reproduces the provider's under-returning behavior.
type historyStore struct {
	ids       []int64 // descending
	maxReturn int
	calls     int
	media     *MediaStore
}

func newHistoryStore(oldest, newest int64) *historyStore {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &historyStore{media: NewMediaStore("/tmp/media", "http://media.test/", logger)}
	for id := newest; id >= oldest; id-- {
		s.ids = append(s.ids, id)
	}
	return s
}

func (s *historyStore) message(id int64) string {
	return fmt.Sprintf(`{"id":%d,"chat_id":1,"date":%d,"sender_user_id":10,"content":{"@type":"messageText","text":{"text":"m%d"}}}`, id, 1700000000+id, id)
}

func (s *historyStore) Call(ctx context.Context, method string, params map[string]any, opts ...CallOption) (gjson.Result, error) {
	s.calls++
	switch method {
	case "getChatHistory":
		from, _ := params["from_message_id"].(int64)
		limit := params["limit"].(int)
		offset := params["offset"].(int)
		return s.history(from, limit, offset), nil
	case "getMessages":
		ids := params["message_ids"].([]int64)
		body := "["
		for i, id := range ids {
			if i > 0 {
				body += ","
			}
			body += s.message(id)
		}
		body += "]"
		return gjson.Parse(fmt.Sprintf(`{"messages":%s}`, body)), nil
	case "getUser":
		uid := params["user_id"].(int64)
		return gjson.Parse(fmt.Sprintf(`{"@type":"user","id":%d,"first_name":"Ada","last_name":"L"}`, uid)), nil
	}
	return gjson.Result{}, fmt.Errorf("unexpected method %s", method)
}

func (s *historyStore) history(from int64, limit, offset int) gjson.Result {
	// Window position: with offset 0 the provider starts strictly older
	// than from; a negative offset shifts the window newer.
	pos := 0
	if from > 0 {
		for pos < len(s.ids) && s.ids[pos] >= from {
			pos++
		}
	}
	start := pos + offset
	if start < 0 {
		start = 0
	}

	if s.maxReturn > 0 && limit > s.maxReturn {
		limit = s.maxReturn
	}
	end := start + limit
	if end > len(s.ids) {
		end = len(s.ids)
	}

	body := "["
	for i := start; i < end; i++ {
		if i > start {
			body += ","
		}
		body += s.message(s.ids[i])
	}
	body += "]"
	return gjson.Parse(fmt.Sprintf(`{"messages":%s}`, body))
}

func (s *historyStore) GetOrDownloadFile(ctx context.Context, file gjson.Result, kind, defaultAsset string) string {
	return defaultAsset
}

func (s *historyStore) MediaStore() *MediaStore { return s.media }

func messageIDs(messages []map[string]any) []int64 {
	ids := make([]int64, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m["id"].(int64))
	}
	return ids
}

func TestChatHistory_LatestPage(t *testing.T) {
	store := newHistoryStore(1, 100)

	messages, older, newer, err := ChatHistory(context.Background(), store, 1, 0, 20, 0)
	require.NoError(t, err)

	assert.Len(t, messages, 20)
	assert.Equal(t, int64(100), messages[0]["id"])
	assert.Equal(t, int64(81), messages[19]["id"])
	assert.True(t, older, "older history remains")
	assert.False(t, newer, "nothing newer than the latest page")
}

func TestChatHistory_MiddleWindow(t *testing.T) {
	store := newHistoryStore(1, 100)

	// Window straddling id 50: 10 newer, the anchor, 9 older.
	messages, older, newer, err := ChatHistory(context.Background(), store, 1, 50, 20, -10)
	require.NoError(t, err)

	assert.Len(t, messages, 20)
	assert.True(t, older)
	assert.True(t, newer)

	ids := messageIDs(messages)
	assert.Equal(t, int64(59), ids[0])
	assert.Equal(t, int64(40), ids[len(ids)-1])
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]-1, ids[i], "window is contiguous")
	}
}

func TestChatHistory_AtOldestEnd(t *testing.T) {
	store := newHistoryStore(1, 100)

	messages, older, newer, err := ChatHistory(context.Background(), store, 1, 15, 20, 0)
	require.NoError(t, err)

	// Only ids 14..1 remain older than the anchor.
	require.Len(t, messages, 14)
	assert.Equal(t, int64(14), messages[0]["id"])
	assert.Equal(t, int64(1), messages[len(messages)-1]["id"])
	assert.False(t, older, "beginning of chat reached")
	assert.False(t, newer)
}

func TestChatHistory_AtNewestEnd(t *testing.T) {
	store := newHistoryStore(1, 100)

	messages, older, newer, err := ChatHistory(context.Background(), store, 1, 95, 20, -10)
	require.NoError(t, err)

	assert.True(t, older)
	assert.False(t, newer, "window reaches the newest message")
	assert.Equal(t, int64(100), messages[0]["id"])
}

func TestChatHistory_EmptyChat(t *testing.T) {
	store := &historyStore{}

	messages, older, newer, err := ChatHistory(context.Background(), store, 1, 0, 20, 0)
	require.NoError(t, err)
	assert.Nil(t, messages)
	assert.False(t, older)
	assert.False(t, newer)
}

func TestChatHistory_UnderReturnTriggersSecondFetch(t *testing.T) {
	store := newHistoryStore(1, 100)
	store.maxReturn = 8 // provider returns short pages

	messages, older, _, err := ChatHistory(context.Background(), store, 1, 50, 10, 0)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, store.calls, 2, "short first page forces a continuation")
	assert.True(t, older)

	ids := messageIDs(messages)
	require.Len(t, ids, 10)
	assert.Equal(t, int64(49), ids[0])
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]-1, ids[i], "continuation must not duplicate the boundary")
	}
}

func TestChatHistory_CapsLimit(t *testing.T) {
	store := newHistoryStore(1, 300)

	messages, _, _, err := ChatHistory(context.Background(), store, 1, 0, 500, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(messages), 100)
}

func TestWholeChatHistory_WalksToBeginning(t *testing.T) {
	store := newHistoryStore(1, 40)

	messages, err := WholeChatHistory(context.Background(), store, 1)
	require.NoError(t, err)

	require.Len(t, messages, 40)
	assert.Equal(t, int64(40), messages[0]["id"])
	assert.Equal(t, int64(1), messages[len(messages)-1]["id"])

	// Authors resolved in one pass per distinct author.
	for _, m := range messages {
		assert.Contains(t, m, "author")
	}
}

func TestSearchChatMessages_CentersOnHit(t *testing.T) {
	store := newHistoryStore(1, 100)

	messages, older, newer, err := SearchChatMessages(context.Background(), &searchingStore{store, 42}, 1, "m42", 0, 10, 0)
	require.NoError(t, err)

	assert.True(t, older)
	assert.True(t, newer)
	assert.Contains(t, messageIDs(messages), int64(42), "hit included with surrounding context")
}

func TestSearchChatMessages_NoMatch(t *testing.T) {
	store := newHistoryStore(1, 100)

	messages, older, newer, err := SearchChatMessages(context.Background(), &searchingStore{store, 0}, 1, "absent", 0, 10, 0)
	require.NoError(t, err)
	assert.Nil(t, messages)
	assert.False(t, older)
	assert.False(t, newer)
}

// searchingStore layers searchChatMessages over the history store,
// always answering with one fixed hit.
type searchingStore struct {
	*historyStore
	hit int64
}

func (s *searchingStore) Call(ctx context.Context, method string, params map[string]any, opts ...CallOption) (gjson.Result, error) {
	if method == "searchChatMessages" {
		if s.hit == 0 {
			return gjson.Parse(`{"messages":[]}`), nil
		}
		return gjson.Parse(fmt.Sprintf(`{"messages":[%s]}`, s.message(s.hit))), nil
	}
	return s.historyStore.Call(ctx, method, params, opts...)
}
