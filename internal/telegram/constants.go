// ABOUTME: Domain constants shared by the converters and event handlers.
// ABOUTME: Chat/message enumerations match the values the backend serves to clients.

package telegram

// MessengerPrefix namespaces Telegram-originated ids in the combined
// chat id space. Stripped with id[1:] when calling back into TDLib.
const MessengerPrefix = "T"

// Message content types.
const (
	MessageTypeText = iota
	MessageTypePhoto
	MessageTypeFile
	MessageTypeVideo
	MessageTypeSticker
	MessageTypeJoin
)

// Message flags.
const (
	MessageFlagOutgoing    = 1 << 0
	MessageFlagCanBeEdited = 1 << 1
)

// Message sending states.
const (
	SendingStateSuccess = iota
	SendingStatePending
	SendingStateFailed
)

// Chat types.
const (
	ChatTypePrivate = iota
	ChatTypeGroup
	ChatTypeChannel
	ChatTypeSecret
)

// Chat member statuses.
const (
	MemberStatusNormal = iota
	MemberStatusCreator
	MemberStatusAdmin
	MemberStatusReadonly
	MemberStatusBanned
)

// Text entity types.
const (
	EntityBold = iota
	EntityItalic
	EntityTextURL
	EntityURL
	EntityEmail
	EntityPhone
)

// Chat actions.
const (
	ChatActionCancel = iota
	ChatActionTyping
)

// telegramToChatActions maps TDLib action tags to domain actions.
var telegramToChatActions = map[string]int{
	"chatActionCancel": ChatActionCancel,
	"chatActionTyping": ChatActionTyping,
}

// chatToTelegramActions is the reverse mapping for outgoing actions.
var chatToTelegramActions = map[int]string{
	ChatActionCancel: "chatActionCancel",
	ChatActionTyping: "chatActionTyping",
}

// ActionFromTelegram resolves a TDLib chat action tag; ok is false for
// action kinds the domain does not model.
func ActionFromTelegram(tag string) (int, bool) {
	a, ok := telegramToChatActions[tag]
	return a, ok
}
