// ABOUTME: Converts TDLib chat payloads into domain chat dictionaries.
// ABOUTME: Full conversion resolves the peer member or group size with extra lookups.

package telegram

import (
	"context"
	"math"

	"github.com/tidwall/gjson"
)

// chatTypes maps TDLib chat type tags to domain chat types. Supergroup
// channels are special-cased to ChatTypeChannel before this lookup.
var chatTypes = map[string]int{
	"chatTypePrivate":    ChatTypePrivate,
	"chatTypeSecret":     ChatTypeSecret,
	"chatTypeBasicGroup": ChatTypeGroup,
	"chatTypeSupergroup": ChatTypeGroup,
}

// ConvertChat maps a TDLib chat object to the domain chat dictionary.
// fullInfo adds the chat photo, the peer member for private chats, and
// the last message; the short form carries permissions instead.
func ConvertChat(ctx context.Context, data gjson.Result, r Resolver, fullInfo bool) map[string]any {
	typeTag := data.Get("type.@type").String()
	chatType := chatTypes[typeTag]
	if typeTag == "chatTypeSupergroup" && data.Get("type.is_channel").Bool() {
		chatType = ChatTypeChannel
	}

	myStatus := MemberStatusNormal
	if !data.Get("permissions.can_send_messages").Bool() {
		myStatus = MemberStatusReadonly
	}

	result := map[string]any{
		"id":                       MessengerPrefix + data.Get("id").String(),
		"title":                    data.Get("title").String(),
		"type":                     chatType,
		"unread_count":             data.Get("unread_count").Int(),
		"outgoing_seen_message_id": data.Get("last_read_outbox_message_id").Int(),
		"incoming_seen_message_id": data.Get("last_read_inbox_message_id").Int(),
		"my_status":                myStatus,
	}

	if !fullInfo {
		result["can_send_messages"] = data.Get("permissions.can_send_messages").Bool()
		result["can_send_media_messages"] = data.Get("permissions.can_send_media_messages").Bool()
		return result
	}

	media := r.MediaStore()
	pic := chatPic(ctx, data, r)
	result["pic"] = media.URL(pic)
	result["pic_small"] = media.URL(pic)
	if thumb, err := media.Thumbnail(pic); err == nil {
		result["pic_small"] = thumb.URL
	}

	switch {
	case chatType == ChatTypePrivate || chatType == ChatTypeSecret:
		result["members_count"] = 1
		if user, err := r.Call(ctx, "getUser", map[string]any{"user_id": data.Get("type.user_id").Int()}); err == nil {
			result["member"] = ConvertUser(ctx, user, r)
		}
	case typeTag == "chatTypeBasicGroup":
		if group, err := r.Call(ctx, "getBasicGroup", map[string]any{
			"basic_group_id": data.Get("type.basic_group_id").Int(),
		}); err == nil {
			result["members_count"] = int(math.Max(0, float64(group.Get("member_count").Int()-1)))
		}
		result["member"] = nil
	}

	if last := data.Get("last_message"); last.Exists() {
		result["last_msg"] = ConvertMessage(ctx, last, r, false)
	}
	return result
}

// chatPic materializes the chat photo, falling back to the default.
func chatPic(ctx context.Context, data gjson.Result, r Resolver) string {
	photo := data.Get("photo")
	if !photo.Exists() {
		return DefaultProfilePhoto
	}
	return r.GetOrDownloadFile(ctx, photo.Get("small"), KindChat, DefaultProfilePhoto)
}
