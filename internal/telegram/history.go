// ABOUTME: Chat history pagination over TDLib's from-id/offset/limit window API.
// ABOUTME: Over-fetches one sentinel per direction to detect more pages, then trims.

package telegram

import (
	"context"
	"strconv"

	"github.com/tidwall/gjson"
)

// maxHistoryLimit caps one page; TDLib refuses larger windows.
const maxHistoryLimit = 100

// ChatHistory fetches one page of history around fromMessageID and
// reconciles it into a contiguous window with has-more flags for both
// directions.
//
// offset semantics follow the provider: negative loads newer messages
// too (the window straddles fromMessageID), zero or positive loads
// older only. Messages come back newest-first.
//
// The provider may under-return against the requested window when
// unconfirmed messages sit at the boundary; one corrective second fetch
// continues from the boundary id. Getting the sentinel arithmetic wrong
// either loses messages or duplicates them at page boundaries, so the
// bounds are exercised by tests against a reference store.
func ChatHistory(ctx context.Context, r Resolver, chatID, fromMessageID int64, limit, offset int) ([]map[string]any, bool, bool, error) {
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	// One extra sentinel detects older pages; a window spanning both
	// directions needs a second sentinel on the newer side.
	var overlimit int
	if offset < 0 && limit > -offset {
		overlimit = limit + 2
		offset--
	} else {
		overlimit = limit + 1
	}

	fetch := func(from int64, lim, off int) ([]gjson.Result, error) {
		res, err := r.Call(ctx, "getChatHistory", map[string]any{
			"chat_id":         chatID,
			"from_message_id": from,
			"limit":           lim,
			"offset":          off,
		})
		if err != nil {
			return nil, err
		}
		return res.Get("messages").Array(), nil
	}

	batch, err := fetch(fromMessageID, overlimit, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(batch) == 0 {
		return nil, false, false, nil
	}

	var (
		messages     []map[string]any
		replies      = make(map[int64][]map[string]any)
		hasMoreOlder bool
		hasMoreNewer bool
		countNewer   int
		countOlder   int
	)

	appendMessage := func(msg gjson.Result) {
		conv := ConvertMessage(ctx, msg, r, false)
		if replyTo := msg.Get("reply_to_message_id").Int(); replyTo > 0 {
			replies[replyTo] = append(replies[replyTo], conv)
		}
		messages = append(messages, conv)
	}

	for _, msg := range batch {
		if fromMessageID > 0 {
			if msg.Get("id").Int() >= fromMessageID {
				countNewer++
			} else {
				countOlder++
			}
		} else {
			countOlder++
		}
		appendMessage(msg)
	}

	// Sentinels present mean more pages exist in that direction; trim
	// them so the window is exactly the requested size.
	if countOlder >= overlimit+offset {
		hasMoreOlder = true
		messages = messages[:len(messages)-1]
	}
	if offset < 0 && countNewer >= -offset-1 {
		hasMoreNewer = true
		messages = messages[1:]
	}

	// Under-returned window: continue once from the boundary id.
	if len(messages) < limit {
		secondLimit := overlimit - len(messages)
		var secondFrom int64
		secondOffset := 0
		if offset != 0 {
			if offset < 0 {
				secondFrom = batch[0].Get("id").Int()
				secondOffset = -secondLimit
			} else {
				secondFrom = batch[len(batch)-1].Get("id").Int()
			}
		} else {
			secondFrom = batch[len(batch)-1].Get("id").Int()
		}

		second, err := fetch(secondFrom, secondLimit, secondOffset)
		if err != nil {
			return nil, false, false, err
		}

		if len(second) == secondLimit {
			if secondOffset < 0 {
				hasMoreNewer = true
				second = second[1:]
			} else {
				hasMoreOlder = true
				second = second[:len(second)-1]
			}
		}

		for _, msg := range second {
			if msg.Get("id").Int() != secondFrom {
				appendMessage(msg)
			}
		}
	}

	if len(messages) == 0 {
		return nil, false, false, nil
	}

	if len(replies) > 0 {
		attachReplies(ctx, r, chatID, replies)
	}
	return messages, hasMoreOlder, hasMoreNewer, nil
}

// wholeHistoryLimit bounds a full-history export to three provider pages.
const wholeHistoryLimit = 90 * 3

// WholeChatHistory walks history from the newest message backwards until
// the export cap or the beginning of the chat. Authors are resolved in
// one pass afterwards and attached to every message they wrote.
func WholeChatHistory(ctx context.Context, r Resolver, chatID int64) ([]map[string]any, error) {
	fetch := func(from int64, lim int) ([]gjson.Result, error) {
		res, err := r.Call(ctx, "getChatHistory", map[string]any{
			"chat_id":         chatID,
			"from_message_id": from,
			"limit":           lim,
			"offset":          0,
		})
		if err != nil {
			return nil, err
		}
		return res.Get("messages").Array(), nil
	}

	batch, err := fetch(0, 90)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	var messages []map[string]any
	for _, msg := range batch {
		messages = append(messages, ConvertMessage(ctx, msg, r, false))
	}

	for len(messages) < wholeHistoryLimit {
		lim := wholeHistoryLimit - len(messages)
		if lim > 90 {
			lim = 90
		}
		from := batch[len(batch)-1].Get("id").Int()

		batch, err = fetch(from, lim)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		for _, msg := range batch {
			if msg.Get("id").Int() != from {
				messages = append(messages, ConvertMessage(ctx, msg, r, false))
			}
		}
	}

	attachAuthors(ctx, r, messages)
	return messages, nil
}

// attachAuthors groups messages by author and resolves each author once.
// Unresolvable authors leave their messages without an author entry.
func attachAuthors(ctx context.Context, r Resolver, messages []map[string]any) {
	byAuthor := make(map[string][]map[string]any)
	for _, msg := range messages {
		id, _ := msg["author_id"].(string)
		if len(id) <= len(MessengerPrefix) {
			continue
		}
		raw := id[len(MessengerPrefix):]
		byAuthor[raw] = append(byAuthor[raw], msg)
	}

	for raw, msgs := range byAuthor {
		uid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		res, err := r.Call(ctx, "getUser", map[string]any{"user_id": uid})
		if err != nil {
			if !IsNotFound(err) {
				logResolveError("getUser", err, "messages left without author", uid)
			}
			continue
		}
		author := ConvertUser(ctx, res, r)
		for _, msg := range msgs {
			msg["author"] = author
		}
	}
}

// SearchChatMessages locates the first match for query and returns a
// history window centered on it, so the hit arrives with surrounding
// context instead of alone.
func SearchChatMessages(ctx context.Context, r Resolver, chatID int64, query string, fromMessageID int64, limit int, senderID int64) ([]map[string]any, bool, bool, error) {
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	params := map[string]any{
		"chat_id":           chatID,
		"query":             query,
		"from_message_id":   fromMessageID,
		"limit":             1,
		"offset":            0,
		"message_thread_id": 0,
	}
	if senderID != 0 {
		params["sender"] = map[string]any{
			"@type":   "messageSenderUser",
			"user_id": senderID,
		}
	}

	res, err := r.Call(ctx, "searchChatMessages", params)
	if err != nil {
		return nil, false, false, err
	}
	found := res.Get("messages").Array()
	if len(found) == 0 {
		return nil, false, false, nil
	}

	return ChatHistory(ctx, r, chatID, found[0].Get("id").Int(), limit*2, -limit)
}

// attachReplies resolves every referenced message in one batch call and
// attaches the compact reply form to each referring message. Failures
// leave reply_info unset.
func attachReplies(ctx context.Context, r Resolver, chatID int64, replies map[int64][]map[string]any) {
	ids := make([]int64, 0, len(replies))
	for id := range replies {
		ids = append(ids, id)
	}

	res, err := r.Call(ctx, "getMessages", map[string]any{
		"chat_id":     chatID,
		"message_ids": ids,
	})
	if err != nil {
		return
	}

	for _, rmsg := range res.Get("messages").Array() {
		if rmsg.Type == gjson.Null {
			continue
		}
		info := ConvertReply(ctx, rmsg, r)
		for _, conv := range replies[rmsg.Get("id").Int()] {
			conv["reply_info"] = info
		}
	}
}
