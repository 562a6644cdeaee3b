// ABOUTME: Converts TDLib message payloads into domain message dictionaries.
// ABOUTME: Content kinds each map explicitly; unrecognized kinds degrade to text.

package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
)

// knownEntities maps TDLib text entity tags to domain entity types.
var knownEntities = map[string]int{
	"textEntityTypeBold":         EntityBold,
	"textEntityTypeItalic":       EntityItalic,
	"textEntityTypeTextUrl":      EntityTextURL,
	"textEntityTypeUrl":          EntityURL,
	"textEntityTypeEmailAddress": EntityEmail,
	"textEntityTypePhoneNumber":  EntityPhone,
}

// ConvertEntities maps formatted-text entities, dropping unknown kinds.
// Returns nil when nothing survives so the field can be omitted.
func ConvertEntities(entities gjson.Result) []map[string]any {
	var result []map[string]any
	for _, ent := range entities.Array() {
		etype, ok := knownEntities[ent.Get("type.@type").String()]
		if !ok {
			continue
		}
		e := map[string]any{
			"t": etype,
			"s": ent.Get("offset").Int(),
			"l": ent.Get("length").Int(),
		}
		if etype == EntityTextURL {
			e["v"] = ent.Get("type.url").String()
		}
		result = append(result, e)
	}
	return result
}

// ConvertContent maps one message content payload to the domain content
// fields (type, text, attachments). Media failures degrade to text,
// never an error.
func ConvertContent(ctx context.Context, content gjson.Result, r Resolver, senderID int64) map[string]any {
	switch content.Get("@type").String() {
	case "messageText":
		result := map[string]any{
			"type": MessageTypeText,
			"text": content.Get("text.text").String(),
		}
		if ents := ConvertEntities(content.Get("text.entities")); ents != nil {
			result["entities"] = ents
		}
		return result

	case "messagePhoto":
		return convertPhotoContent(ctx, content, r)

	case "messageVideo":
		return convertVideoContent(ctx, content, r)

	case "messageSticker":
		return convertStickerContent(ctx, content, r)

	case "messageDocument":
		return convertDocumentContent(ctx, content, r)

	case "messageChatAddMembers":
		return convertAddMembers(ctx, content, r, senderID)

	case "messageChatJoinByLink":
		text := "joined"
		if sender, err := r.Call(ctx, "getUser", map[string]any{"user_id": senderID}); err == nil {
			text = sender.Get("first_name").String() + " joined"
		}
		return map[string]any{"type": MessageTypeJoin, "text": text}

	case "messageContactRegistered":
		return map[string]any{"type": MessageTypeJoin, "text": "Contact registered in Telegram"}

	case "messageChatChangeTitle":
		return map[string]any{
			"type": MessageTypeText,
			"text": "Chat title changed to: " + content.Get("title").String(),
		}

	default:
		return map[string]any{
			"type": MessageTypeText,
			"text": content.Get("@type").String() + " (not handled yet..)",
		}
	}
}

func convertPhotoContent(ctx context.Context, content gjson.Result, r Resolver) map[string]any {
	text := content.Get("caption.text").String()
	photo := ConvertPhoto(ctx, content.Get("photo"), r)
	if photo == "" {
		return map[string]any{"type": MessageTypeText, "text": text}
	}

	media := r.MediaStore()
	width, height, err := media.ImageDims(photo)
	if err != nil {
		media.logger.Warn("image error", "pic", photo, "error", err)
		return map[string]any{"type": MessageTypeText, "text": "(this image type not handled yet..)"}
	}
	thumb, err := media.Thumbnail(photo)
	if err != nil {
		return map[string]any{"type": MessageTypeText, "text": text}
	}

	return map[string]any{
		"type": MessageTypePhoto,
		"text": text,
		"attachment_image": map[string]any{
			"url":          media.URL(photo),
			"size":         media.FileSize(photo),
			"width":        width,
			"height":       height,
			"thumb_url":    thumb.URL,
			"thumb_width":  thumb.Width,
			"thumb_height": thumb.Height,
		},
	}
}

func convertVideoContent(ctx context.Context, content gjson.Result, r Resolver) map[string]any {
	text := content.Get("caption.text").String()
	video := content.Get("video")

	thumbnail := r.GetOrDownloadFile(ctx, video.Get("thumbnail.photo"), KindVideos, "")
	if thumbnail == "" {
		return map[string]any{"type": MessageTypeText, "text": text}
	}

	media := r.MediaStore()
	thumb, err := media.Thumbnail(thumbnail)
	if err != nil {
		media.logger.Warn("video thumbnail error", "error", err)
		return map[string]any{"type": MessageTypeText, "text": "(this video type not handled yet..)"}
	}

	size := video.Get("video.size").Int()
	if size == 0 {
		size = video.Get("video.expected_size").Int()
	}

	// The video itself may not be local yet; clients fetch it lazily
	// through the download endpoint when we have no materialized copy.
	videoURL := ""
	if local := media.Materialize(video.Get("video"), KindVideos); local != "" {
		videoURL = media.URL(local)
	}

	return map[string]any{
		"type": MessageTypeVideo,
		"text": text,
		"attachment_file": map[string]any{
			"url":          videoURL,
			"size":         size,
			"name":         video.Get("file_name").String(),
			"width":        video.Get("width").Int(),
			"height":       video.Get("height").Int(),
			"thumb_url":    thumb.URL,
			"thumb_width":  thumb.Width,
			"thumb_height": thumb.Height,
			"duration":     video.Get("duration").Int(),
		},
	}
}

func convertStickerContent(ctx context.Context, content gjson.Result, r Resolver) map[string]any {
	emoji := content.Get("sticker.emoji").String()
	photo := r.GetOrDownloadFile(ctx, content.Get("sticker.sticker"), KindStickers, "")
	if photo == "" {
		return map[string]any{"type": MessageTypeText, "text": emoji}
	}

	media := r.MediaStore()
	width, height, err := media.ImageDims(photo)
	if err != nil {
		media.logger.Warn("sticker image error", "pic", photo, "error", err)
		return map[string]any{"type": MessageTypeText, "text": emoji}
	}
	thumb, err := media.Thumbnail(photo)
	if err != nil {
		return map[string]any{"type": MessageTypeText, "text": emoji}
	}

	return map[string]any{
		"type": MessageTypeSticker,
		"text": "",
		"attachment_image": map[string]any{
			"url":          media.URL(photo),
			"size":         media.FileSize(photo),
			"width":        width,
			"height":       height,
			"thumb_url":    thumb.URL,
			"thumb_width":  thumb.Width,
			"thumb_height": thumb.Height,
		},
	}
}

func convertDocumentContent(ctx context.Context, content gjson.Result, r Resolver) map[string]any {
	text := content.Get("caption.text").String()
	doc := r.GetOrDownloadFile(ctx, content.Get("document.document"), KindAttachments, "")
	if doc == "" {
		return map[string]any{"type": MessageTypeText, "text": text}
	}

	media := r.MediaStore()
	return map[string]any{
		"type": MessageTypeFile,
		"text": text,
		"attachment_file": map[string]any{
			"url":       media.URL(doc),
			"size":      media.FileSize(doc),
			"name":      content.Get("document.file_name").String(),
			"mime_type": content.Get("document.mime_type").String(),
		},
	}
}

func convertAddMembers(ctx context.Context, content gjson.Result, r Resolver, senderID int64) map[string]any {
	memberIDs := content.Get("member_user_ids").Array()
	var added []string
	for _, mid := range memberIDs {
		if user, err := r.Call(ctx, "getUser", map[string]any{"user_id": mid.Int()}); err == nil {
			added = append(added, user.Get("first_name").String())
		}
	}

	var text string
	switch {
	case len(memberIDs) > 1:
		sender := ""
		if user, err := r.Call(ctx, "getUser", map[string]any{"user_id": senderID}); err == nil {
			sender = user.Get("first_name").String()
		}
		text = fmt.Sprintf("%s added %s", sender, strings.Join(added, ","))
	case len(added) > 0:
		text = added[0] + " joined"
	default:
		text = "someone joined"
	}
	return map[string]any{"type": MessageTypeJoin, "text": text}
}

// ConvertMessage maps a TDLib message to the domain message dictionary.
// withReplyInfo spends one extra lookup resolving the replied message;
// forward origins are resolved likewise. Both degrade to omission.
func ConvertMessage(ctx context.Context, data gjson.Result, r Resolver, withReplyInfo bool) map[string]any {
	flags := 0
	if data.Get("is_outgoing").Bool() {
		flags |= MessageFlagOutgoing
	}
	if data.Get("can_be_edited").Bool() {
		flags |= MessageFlagCanBeEdited
	}

	result := map[string]any{
		"id":          data.Get("id").Int(),
		"author_id":   authorID(data),
		"chat_id":     MessengerPrefix + data.Get("chat_id").String(),
		"flags":       flags,
		"changedtime": data.Get("edit_date").Int(),
		"sendtime":    data.Get("date").Int(),
	}

	switch data.Get("sending_state.@type").String() {
	case "messageSendingStatePending":
		result["sending_state"] = SendingStatePending
	case "messageSendingStateFailed":
		result["sending_state"] = SendingStateFailed
	}

	content := ConvertContent(ctx, data.Get("content"), r, data.Get("sender_user_id").Int())
	for k, v := range content {
		result[k] = v
	}

	if origin := data.Get("forward_info.origin"); origin.Exists() {
		if info := resolveForwardOrigin(ctx, origin, r, result["id"]); info != nil {
			result["forward_info"] = info
		}
	}

	if withReplyInfo {
		replyToID := data.Get("reply_to_message_id").Int()
		if replyToID != 0 {
			replied, err := r.Call(ctx, "getMessage", map[string]any{
				"chat_id":    data.Get("chat_id").Int(),
				"message_id": replyToID,
			})
			if err != nil {
				logResolveError("getMessage", err, "no reply_info set", result["id"])
			} else {
				result["reply_info"] = ConvertReply(ctx, replied, r)
			}
		}
	}

	return result
}

// ConvertReply maps the referenced message into the compact reply form.
func ConvertReply(ctx context.Context, data gjson.Result, r Resolver) map[string]any {
	result := map[string]any{
		"id":        data.Get("id").Int(),
		"author_id": authorID(data),
	}
	content := ConvertContent(ctx, data.Get("content"), r, data.Get("sender_user_id").Int())
	for k, v := range content {
		result[k] = v
	}
	return result
}

// resolveForwardOrigin fetches the forwarded-from user or channel.
// Failures are logged and the field is omitted; the primary conversion
// never fails on this.
func resolveForwardOrigin(ctx context.Context, origin gjson.Result, r Resolver, messageID any) map[string]any {
	if userID := origin.Get("sender_user_id"); userID.Exists() {
		user, err := r.Call(ctx, "getUser", map[string]any{"user_id": userID.Int()})
		if err != nil {
			logResolveError("getUser", err, "no forward_info set", messageID)
			return nil
		}
		return map[string]any{
			"title":   displayName(user),
			"user_id": MessengerPrefix + userID.String(),
		}
	}

	if chatID := origin.Get("chat_id"); chatID.Exists() {
		chat, err := r.Call(ctx, "getChat", map[string]any{"chat_id": chatID.Int()})
		if err != nil {
			logResolveError("getChat", err, "no forward_info set", messageID)
			return nil
		}
		return map[string]any{
			"title":   chat.Get("title").String(),
			"chat_id": MessengerPrefix + chatID.String(),
		}
	}
	return nil
}

func logResolveError(method string, err error, consequence string, messageID any) {
	slog.Error(method+" error", "error", err, "consequence", consequence, "message_id", messageID)
}

func authorID(data gjson.Result) string {
	if data.Get("sender_user_id").Int() > 0 {
		return MessengerPrefix + data.Get("sender_user_id").String()
	}
	return ""
}
