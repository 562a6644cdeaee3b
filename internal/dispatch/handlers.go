// ABOUTME: Per-update-type handlers turning provider updates into push events.
// ABOUTME: Handler names mirror the provider update type they consume.

package dispatch

import (
	"context"

	"github.com/tidwall/gjson"

	"github.com/riscoscloverleaf/chatcube/internal/accounts"
	"github.com/riscoscloverleaf/chatcube/internal/events"
	"github.com/riscoscloverleaf/chatcube/internal/telegram"
)

// A zero chat order means the chat left the list; anything else means
// it (re)appeared and the full converted chat is pushed.
func (p *Processor) updateChatOrder(ctx context.Context, upd gjson.Result, c *telegram.Client, acct accounts.Account) error {
	chatID := upd.Get("chat_id").Int()
	if upd.Get("order").String() == "0" {
		p.sink.Emit(ctx, acct.PushChannel, events.ChatDeleted, map[string]any{
			"chat_id": telegram.CombinedID(chatID),
		})
		return nil
	}
	chat, err := c.GetChat(ctx, chatID, true)
	if err != nil {
		return err
	}
	p.sink.Emit(ctx, acct.PushChannel, events.ChatCreated, chat)
	return nil
}

func (p *Processor) updateUser(ctx context.Context, upd gjson.Result, c *telegram.Client, acct accounts.Account) error {
	user := telegram.ConvertUser(ctx, upd.Get("user"), c)
	p.sink.Emit(ctx, acct.PushChannel, events.MemberUpdated, user)
	return nil
}

func (p *Processor) updateUserStatus(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	data := telegram.ConvertUserStatus(upd.Get("status"))
	data["id"] = telegram.CombinedID(upd.Get("user_id").Int())
	p.sink.Emit(ctx, acct.PushChannel, events.MemberUpdated, data)
	return nil
}

func (p *Processor) updateNewMessage(ctx context.Context, upd gjson.Result, c *telegram.Client, acct accounts.Account) error {
	msg := telegram.ConvertMessage(ctx, upd.Get("message"), c, true)
	if msg == nil {
		return nil
	}
	p.sink.Emit(ctx, acct.PushChannel, events.MessageCreated, msg)
	return nil
}

func (p *Processor) updateMessageEdited(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	p.sink.Emit(ctx, acct.PushChannel, events.MessageUpdated, map[string]any{
		"id":          upd.Get("message_id").Int(),
		"chat_id":     telegram.CombinedID(upd.Get("chat_id").Int()),
		"changedtime": upd.Get("edit_date").Int(),
	})
	return nil
}

func (p *Processor) updateMessageContent(ctx context.Context, upd gjson.Result, c *telegram.Client, acct accounts.Account) error {
	content := telegram.ConvertContent(ctx, upd.Get("new_content"), c, 0)
	if content == nil {
		return nil
	}
	data := map[string]any{
		"id":      upd.Get("message_id").Int(),
		"chat_id": telegram.CombinedID(upd.Get("chat_id").Int()),
	}
	for k, v := range content {
		data[k] = v
	}
	p.sink.Emit(ctx, acct.PushChannel, events.MessageUpdated, data)
	return nil
}

// Send confirmations re-key the message: the provisional id the send
// call returned is replaced by the provider-assigned one.
func (p *Processor) updateMessageSendSucceeded(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	p.sink.Emit(ctx, acct.PushChannel, events.MessageUpdated, map[string]any{
		"id":            upd.Get("old_message_id").Int(),
		"chat_id":       telegram.CombinedID(upd.Get("message.chat_id").Int()),
		"sending_state": telegram.SendingStateSuccess,
		"new_id":        upd.Get("message.id").Int(),
	})
	return nil
}

func (p *Processor) updateMessageSendFailed(ctx context.Context, upd gjson.Result, c *telegram.Client, acct accounts.Account) error {
	data := map[string]any{
		"id":            upd.Get("old_message_id").Int(),
		"chat_id":       telegram.CombinedID(upd.Get("message.chat_id").Int()),
		"sending_state": telegram.SendingStateFailed,
		"new_id":        upd.Get("message.id").Int(),
	}
	text := ""
	if content := telegram.ConvertContent(ctx, upd.Get("message.content"), c, 0); content != nil {
		text, _ = content["text"].(string)
	}
	data["text"] = text + "\nSend error: " + upd.Get("error_message").String()
	p.sink.Emit(ctx, acct.PushChannel, events.MessageUpdated, data)
	return nil
}

func (p *Processor) updateDeleteMessages(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	// Cache evictions are provider-internal, not user deletions.
	if upd.Get("from_cache").Bool() {
		return nil
	}
	ids := make([]int64, 0)
	for _, id := range upd.Get("message_ids").Array() {
		ids = append(ids, id.Int())
	}
	p.sink.Emit(ctx, acct.PushChannel, events.MessagesDeleted, map[string]any{
		"chat_id":     telegram.CombinedID(upd.Get("chat_id").Int()),
		"message_ids": ids,
	})
	return nil
}

func (p *Processor) updateChatReadInbox(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	p.sink.Emit(ctx, acct.PushChannel, events.ChatUpdated, map[string]any{
		"id":                       telegram.CombinedID(upd.Get("chat_id").Int()),
		"incoming_seen_message_id": upd.Get("last_read_inbox_message_id").Int(),
		"unread_count":             upd.Get("unread_count").Int(),
	})
	return nil
}

func (p *Processor) updateChatReadOutbox(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	p.sink.Emit(ctx, acct.PushChannel, events.ChatUpdatedOut, map[string]any{
		"id":                       telegram.CombinedID(upd.Get("chat_id").Int()),
		"outgoing_seen_message_id": upd.Get("last_read_outbox_message_id").Int(),
	})
	return nil
}

func (p *Processor) updateChatTitle(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	p.sink.Emit(ctx, acct.PushChannel, events.ChatUpdated, map[string]any{
		"id":    telegram.CombinedID(upd.Get("chat_id").Int()),
		"title": upd.Get("title").String(),
	})
	return nil
}

// Sign-in states that need user input surface as dedicated events; the
// member answers through the auth operations.
func (p *Processor) updateAuthorizationState(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	state := upd.Get("authorization_state")
	switch state.Get("@type").String() {
	case "authorizationStateWaitCode":
		p.sink.Emit(ctx, acct.PushChannel, events.AuthCode, asMap(state.Get("code_info")))
	case "authorizationStateWaitPassword":
		p.sink.Emit(ctx, acct.PushChannel, events.AuthPassword, asMap(state))
	case "authorizationStateWaitRegistration":
		p.sink.Emit(ctx, acct.PushChannel, events.AuthRegistration, map[string]any{
			"tos_text": state.Get("terms_of_service.text.text").String(),
		})
	}
	return nil
}

func (p *Processor) updateTermsOfService(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	p.sink.Emit(ctx, acct.PushChannel, events.TelegramTerms, map[string]any{
		"tos_id":   upd.Get("terms_of_service_id").String(),
		"tos_text": upd.Get("terms_of_service.text.text").String(),
	})
	return nil
}

func (p *Processor) updateUserChatAction(ctx context.Context, upd gjson.Result, _ *telegram.Client, acct accounts.Account) error {
	action, ok := telegram.ActionFromTelegram(upd.Get("action.@type").String())
	if !ok {
		return nil
	}
	p.sink.Emit(ctx, acct.PushChannel, events.ChatAction, map[string]any{
		"member_id": telegram.CombinedID(upd.Get("user_id").Int()),
		"chat_id":   telegram.CombinedID(upd.Get("chat_id").Int()),
		"action":    action,
	})
	return nil
}

// asMap converts a payload subtree to the generic form events carry.
func asMap(res gjson.Result) map[string]any {
	if m, ok := res.Value().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}
