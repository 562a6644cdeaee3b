// ABOUTME: High-level account operations built on the correlated call loop.
// ABOUTME: Auth, profile, chat, membership and message ops returning converted forms.

package telegram

import (
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

// CombinedID renders a raw Telegram id in the namespaced form the rest
// of the platform uses.
func CombinedID(id int64) string {
	return MessengerPrefix + strconv.FormatInt(id, 10)
}

// ParseID strips the messenger prefix from a combined id. Raw numeric
// ids pass through unchanged.
func ParseID(id string) (int64, error) {
	raw := strings.TrimPrefix(id, MessengerPrefix)
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed id %q: %w", id, err)
	}
	return n, nil
}

// getMe budgets: an instance may still be signing in when the first
// call of a session arrives, so both budgets run far past the defaults.
const (
	getMeTimeout      = 120 * time.Second
	getMeStartRetries = 60
)

// GetMe returns the account owner, resolved once and cached for the
// client's lifetime.
func (c *Client) GetMe(ctx context.Context) (map[string]any, error) {
	c.meMu.Lock()
	defer c.meMu.Unlock()
	if c.me != nil {
		return c.me, nil
	}

	res, err := c.Call(ctx, "getMe", nil, WithTimeout(c.getMeTimeout), WithStartRetries(getMeStartRetries))
	if err != nil {
		return nil, err
	}
	me := ConvertUser(ctx, res, c)
	me["user_id"] = res.Get("id").Int()
	c.me = me
	return me, nil
}

// RegisterUser completes sign-up for a phone number Telegram has never
// seen.
func (c *Client) RegisterUser(ctx context.Context, firstName, lastName string) error {
	_, err := c.Call(ctx, "registerUser", map[string]any{
		"first_name": firstName,
		"last_name":  lastName,
	})
	return err
}

// AcceptTerms confirms a terms-of-service update the account was shown.
func (c *Client) AcceptTerms(ctx context.Context, tosID string) error {
	_, err := c.Call(ctx, "acceptTermsOfService", map[string]any{
		"terms_of_service_id": tosID,
	})
	return err
}

// DeleteAccount removes the Telegram account and stops its instance.
func (c *Client) DeleteAccount(ctx context.Context, reason string) error {
	if _, err := c.Call(ctx, "deleteAccount", map[string]any{"reason": reason}); err != nil {
		return err
	}
	return c.Stop(ctx)
}

// ResendCode asks Telegram to send the login code again.
func (c *Client) ResendCode(ctx context.Context) error {
	c.logger.Debug("resending authentication code")
	_, err := c.Call(ctx, "resendAuthenticationCode", nil)
	return err
}

// CheckCode submits the login code.
func (c *Client) CheckCode(ctx context.Context, code string) error {
	_, err := c.Call(ctx, "checkAuthenticationCode", map[string]any{"code": code})
	return err
}

// CheckPassword submits the two-step verification password.
func (c *Client) CheckPassword(ctx context.Context, password string) error {
	_, err := c.Call(ctx, "checkAuthenticationPassword", map[string]any{"password": password})
	return err
}

// SetProfilePhoto replaces the account's profile photo with a local file.
func (c *Client) SetProfilePhoto(ctx context.Context, path string) error {
	_, err := c.Call(ctx, "setProfilePhoto", map[string]any{
		"photo": inputFileLocal(path),
	})
	return err
}

// GetUser resolves one user to the converted form. A 404 yields
// (nil, nil) so lookups over stale member lists stay quiet.
func (c *Client) GetUser(ctx context.Context, userID int64) (map[string]any, error) {
	res, err := c.Call(ctx, "getUser", map[string]any{"user_id": userID})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return ConvertUser(ctx, res, c), nil
}

// GetUsers resolves a set of users, skipping the ones Telegram no
// longer knows.
func (c *Client) GetUsers(ctx context.Context, userIDs []int64) ([]map[string]any, error) {
	users := make([]map[string]any, 0, len(userIDs))
	for _, id := range userIDs {
		u, err := c.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if u != nil {
			users = append(users, u)
		}
	}
	return users, nil
}

// GetChat resolves one chat. fullInfo adds pictures, membership and the
// last message.
func (c *Client) GetChat(ctx context.Context, chatID int64, fullInfo bool) (map[string]any, error) {
	res, err := c.Call(ctx, "getChat", map[string]any{"chat_id": chatID})
	if err != nil {
		return nil, err
	}
	return ConvertChat(ctx, res, c, fullInfo), nil
}

// GetChats lists the account's chat list, newest activity first.
func (c *Client) GetChats(ctx context.Context) ([]map[string]any, error) {
	res, err := c.Call(ctx, "getChats", map[string]any{
		"offset_order": int64(math.MaxInt64),
		"limit":        100,
	})
	if err != nil {
		return nil, err
	}

	var chats []map[string]any
	for _, id := range res.Get("chat_ids").Array() {
		chat, err := c.GetChat(ctx, id.Int(), true)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// memberStatuses maps provider member statuses to platform ones.
// Unlisted statuses (left members) are skipped entirely.
var memberStatuses = map[string]int{
	"chatMemberStatusMember":        MemberStatusNormal,
	"chatMemberStatusCreator":       MemberStatusCreator,
	"chatMemberStatusAdministrator": MemberStatusAdmin,
	"chatMemberStatusBanned":        MemberStatusBanned,
	"chatMemberStatusRestricted":    MemberStatusReadonly,
}

// GetChatMembers lists basic-group members other than the account
// owner, optionally filtered by a display-name substring. Chats of
// other kinds report no members.
func (c *Client) GetChatMembers(ctx context.Context, chatID int64, search string, limit int) ([]map[string]any, error) {
	chat, err := c.Call(ctx, "getChat", map[string]any{"chat_id": chatID})
	if err != nil {
		return nil, err
	}
	if chat.Get("type.@type").String() != "chatTypeBasicGroup" {
		return nil, nil
	}

	me, err := c.GetMe(ctx)
	if err != nil {
		return nil, err
	}
	myID, _ := me["user_id"].(int64)

	info, err := c.Call(ctx, "getBasicGroupFullInfo", map[string]any{
		"basic_group_id": chat.Get("type.basic_group_id").Int(),
	})
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for _, m := range info.Get("members").Array() {
		uid := m.Get("user_id").Int()
		if uid == myID {
			continue
		}
		status, ok := memberStatuses[m.Get("status.@type").String()]
		if !ok {
			continue
		}

		member, err := c.GetUser(ctx, uid)
		if err != nil {
			return nil, err
		}
		if member == nil {
			continue
		}
		if name, _ := member["displayname"].(string); search != "" && !strings.Contains(name, search) {
			continue
		}

		result = append(result, map[string]any{
			"chat_id": CombinedID(chatID),
			"status":  status,
			"member":  member,
		})
		limit--
		if limit <= 0 {
			break
		}
	}
	return result, nil
}

// GetMessage resolves a single message to the converted form.
func (c *Client) GetMessage(ctx context.Context, chatID, messageID int64) (map[string]any, error) {
	res, err := c.Call(ctx, "getMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
	})
	if err != nil {
		return nil, err
	}
	return ConvertMessage(ctx, res, c, false), nil
}

func inputFileLocal(path string) map[string]any {
	return map[string]any{"@type": "inputFileLocal", "path": path}
}

func formattedText(text string) map[string]any {
	return map[string]any{"@type": "formattedText", "text": text}
}

// sendContent is the shared tail of every send operation.
func (c *Client) sendContent(ctx context.Context, chatID, replyToID int64, content map[string]any) (map[string]any, error) {
	res, err := c.Call(ctx, "sendMessage", map[string]any{
		"chat_id":               chatID,
		"reply_to_message_id":   replyToID,
		"input_message_content": content,
	})
	if err != nil {
		return nil, err
	}
	return ConvertMessage(ctx, res, c, false), nil
}

// SendMessageText sends a plain text message.
func (c *Client) SendMessageText(ctx context.Context, chatID int64, text string, replyToID int64) (map[string]any, error) {
	return c.sendContent(ctx, chatID, replyToID, map[string]any{
		"@type": "inputMessageText",
		"text":  formattedText(text),
	})
}

// SendMessagePhoto sends a local image file as a photo message. The
// provider wants pixel dimensions up front.
func (c *Client) SendMessagePhoto(ctx context.Context, chatID int64, path, caption string, replyToID int64) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open photo: %w", err)
	}
	cfg, _, err := image.DecodeConfig(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("decode photo %s: %w", path, err)
	}

	content := map[string]any{
		"@type":  "inputMessagePhoto",
		"width":  cfg.Width,
		"height": cfg.Height,
		"photo":  inputFileLocal(path),
	}
	if caption != "" {
		content["caption"] = formattedText(caption)
	}
	return c.sendContent(ctx, chatID, replyToID, content)
}

// SendMessageFile sends a local file as a document message.
func (c *Client) SendMessageFile(ctx context.Context, chatID int64, path, caption string, replyToID int64) (map[string]any, error) {
	content := map[string]any{
		"@type":    "inputMessageDocument",
		"document": inputFileLocal(path),
	}
	if caption != "" {
		content["caption"] = formattedText(caption)
	}
	return c.sendContent(ctx, chatID, replyToID, content)
}

// SendMessageSticker sends a local image as a sticker message.
func (c *Client) SendMessageSticker(ctx context.Context, chatID int64, path string, width, height, replyToID int64) (map[string]any, error) {
	return c.sendContent(ctx, chatID, replyToID, map[string]any{
		"@type":   "inputMessageSticker",
		"sticker": inputFileLocal(path),
		"width":   width,
		"height":  height,
	})
}

// EditMessage replaces a sent message's text.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID int64, text string) error {
	_, err := c.Call(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"input_message_content": map[string]any{
			"@type": "inputMessageText",
			"text":  formattedText(text),
		},
	})
	return err
}

// ForwardMessage forwards one message into each destination chat.
func (c *Client) ForwardMessage(ctx context.Context, toChatIDs []int64, fromChatID, messageID int64) error {
	for _, to := range toChatIDs {
		_, err := c.Call(ctx, "forwardMessages", map[string]any{
			"chat_id":        to,
			"from_chat_id":   fromChatID,
			"message_ids":    []int64{messageID},
			"as_album":       false,
			"send_copy":      false,
			"remove_caption": false,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteMessages removes messages; unsend revokes them for everyone.
func (c *Client) DeleteMessages(ctx context.Context, chatID int64, messageIDs []int64, unsend bool) error {
	_, err := c.Call(ctx, "deleteMessages", map[string]any{
		"chat_id":     chatID,
		"message_ids": messageIDs,
		"revoke":      unsend,
	})
	return err
}

// DeleteChatHistory clears a chat, or removes it from the chat list
// entirely. Returns true when the chat left the list, so the caller can
// emit the matching platform event. Chats that cannot be deleted only
// for self are left instead.
func (c *Client) DeleteChatHistory(ctx context.Context, chatID int64, removeFromList, unsend bool) (bool, error) {
	chat, err := c.Call(ctx, "getChat", map[string]any{"chat_id": chatID})
	if err != nil {
		return false, err
	}

	if removeFromList && !chat.Get("can_be_deleted_only_for_self").Bool() {
		if _, err := c.Call(ctx, "leaveChat", map[string]any{"chat_id": chatID}); err != nil {
			return false, err
		}
		return true, nil
	}
	if !chat.Get("can_be_deleted_for_all_users").Bool() {
		unsend = false
	}

	_, err = c.Call(ctx, "deleteChatHistory", map[string]any{
		"chat_id":               chatID,
		"remove_from_chat_list": removeFromList,
		"revoke":                unsend,
	})
	if err != nil {
		return false, err
	}
	return removeFromList, nil
}

// MarkSeen confirms the account has read a message.
func (c *Client) MarkSeen(ctx context.Context, chatID, messageID int64) error {
	_, err := c.Call(ctx, "viewMessages", map[string]any{
		"chat_id":     chatID,
		"message_ids": []int64{messageID},
		"force_read":  true,
	})
	return err
}

// SendChatAction broadcasts a typing-style action. Actions without a
// provider mapping are ignored.
func (c *Client) SendChatAction(ctx context.Context, chatID int64, action int) error {
	tag, ok := chatToTelegramActions[action]
	if !ok {
		return nil
	}
	_, err := c.Call(ctx, "sendChatAction", map[string]any{
		"chat_id": chatID,
		"action":  map[string]any{"@type": tag},
	})
	return err
}

// OpenChat tells the provider the chat is on screen, which some
// updates (views, read receipts) depend on.
func (c *Client) OpenChat(ctx context.Context, chatID int64) error {
	_, err := c.Call(ctx, "openChat", map[string]any{"chat_id": chatID})
	return err
}

// LeaveChat removes the account from a group chat.
func (c *Client) LeaveChat(ctx context.Context, chatID int64) error {
	_, err := c.Call(ctx, "leaveChat", map[string]any{"chat_id": chatID})
	return err
}

// JoinChat adds the account to a public chat.
func (c *Client) JoinChat(ctx context.Context, chatID int64) error {
	_, err := c.Call(ctx, "joinChat", map[string]any{"chat_id": chatID})
	return err
}

// CreatePrivateChat returns the one-to-one chat with a user, creating
// it if needed.
func (c *Client) CreatePrivateChat(ctx context.Context, userID int64, fullInfo bool) (map[string]any, error) {
	res, err := c.Call(ctx, "createPrivateChat", map[string]any{
		"user_id": userID,
		"force":   false,
	})
	if err != nil {
		return nil, err
	}
	return ConvertChat(ctx, res, c, fullInfo), nil
}

// CreateGroupChat creates a basic group with the given members.
func (c *Client) CreateGroupChat(ctx context.Context, userIDs []int64, title string) (map[string]any, error) {
	res, err := c.Call(ctx, "createNewBasicGroupChat", map[string]any{
		"user_ids": userIDs,
		"title":    title,
	})
	if err != nil {
		return nil, err
	}
	return ConvertChat(ctx, res, c, true), nil
}

// AddChatMembers invites users into a group, forwarding them a slice of
// recent history.
func (c *Client) AddChatMembers(ctx context.Context, chatID int64, userIDs []int64) error {
	for _, uid := range userIDs {
		_, err := c.Call(ctx, "addChatMember", map[string]any{
			"chat_id":       chatID,
			"user_id":       uid,
			"forward_limit": 20,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// GetContacts lists the account's contacts, minus the members of
// exceptInChat when it names a basic group.
func (c *Client) GetContacts(ctx context.Context, exceptInChat int64) ([]map[string]any, error) {
	res, err := c.Call(ctx, "getContacts", nil)
	if err != nil {
		return nil, err
	}

	ids := make(map[int64]struct{})
	for _, id := range res.Get("user_ids").Array() {
		ids[id.Int()] = struct{}{}
	}

	if exceptInChat != 0 {
		chat, err := c.Call(ctx, "getChat", map[string]any{"chat_id": exceptInChat})
		if err != nil {
			return nil, err
		}
		if chat.Get("type.@type").String() == "chatTypeBasicGroup" {
			info, err := c.Call(ctx, "getBasicGroupFullInfo", map[string]any{
				"basic_group_id": chat.Get("type.basic_group_id").Int(),
			})
			if err != nil {
				return nil, err
			}
			for _, m := range info.Get("members").Array() {
				delete(ids, m.Get("user_id").Int())
			}
		}
	}

	flat := make([]int64, 0, len(ids))
	for id := range ids {
		flat = append(flat, id)
	}
	return c.GetUsers(ctx, flat)
}

// SearchPublicChats searches globally visible chats by name.
func (c *Client) SearchPublicChats(ctx context.Context, query string) ([]map[string]any, error) {
	res, err := c.Call(ctx, "searchPublicChats", map[string]any{"query": query})
	if err != nil {
		return nil, err
	}

	var chats []map[string]any
	for _, id := range res.Get("chat_ids").Array() {
		chat, err := c.GetChat(ctx, id.Int(), true)
		if err != nil {
			return nil, err
		}
		chats = append(chats, chat)
	}
	return chats, nil
}

// SetChatTitle renames a group chat.
func (c *Client) SetChatTitle(ctx context.Context, chatID int64, title string) error {
	_, err := c.Call(ctx, "setChatTitle", map[string]any{
		"chat_id": chatID,
		"title":   title,
	})
	return err
}

// SetChatPhoto replaces a group chat's photo with a local file.
func (c *Client) SetChatPhoto(ctx context.Context, chatID int64, path string) error {
	_, err := c.Call(ctx, "setChatPhoto", map[string]any{
		"chat_id": chatID,
		"photo":   inputFileLocal(path),
	})
	return err
}

// DownloadFileByID resolves a file by id and materializes it, falling
// back to defaultAsset.
func (c *Client) DownloadFileByID(ctx context.Context, fileID int64, kind, defaultAsset string) string {
	res, err := c.Call(ctx, "getFile", map[string]any{"file_id": fileID})
	if err != nil {
		c.logger.Warn("getFile failed", "file_id", fileID, "error", err)
		return defaultAsset
	}
	return c.GetOrDownloadFile(ctx, res, kind, defaultAsset)
}
