// ABOUTME: Push-event delivery to the per-member publish endpoint.
// ABOUTME: Fire-and-forget HTTP POSTs; delivery failures are logged, never fatal.

package events

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/riscoscloverleaf/chatcube/internal/wire"
)

// Event types pushed to connected members.
const (
	MessageCreated   = "MESSAGE_CREATED"
	MessageUpdated   = "MESSAGE_UPDATED"
	MessagesDeleted  = "MESSAGES_DELETED"
	ChatCreated      = "CHAT_CREATED"
	ChatUpdated      = "CHAT_UPDATED"
	ChatUpdatedOut   = "CHAT_UPDATED_OUTBOX"
	ChatCleared      = "CHAT_CLEARED"
	ChatDeleted      = "CHAT_DELETED"
	ChatAction       = "CHAT_ACTION"
	MemberCreated    = "MEMBER_CREATED"
	MemberUpdated    = "MEMBER_UPDATED"
	AuthCode         = "TELEGRAM_AUTH_CODE"
	AuthPassword     = "TELEGRAM_AUTH_PASSWORD"
	AuthRegistration = "TELEGRAM_AUTH_REGISTRATION"
	TelegramReady    = "TELEGRAM_READY"
	TelegramTerms    = "TELEGRAM_TERMS"
	ShowAlert        = "SHOW_ALERT"
)

// Emitter posts events to the publish endpoint that fans them out to a
// member's connected devices.
type Emitter struct {
	pubURL    string
	apiDomain string
	client    *http.Client
	logger    *slog.Logger
}

// NewEmitter builds an emitter for the given publish endpoint. apiDomain
// is sent as the Host header so the front proxy routes the request.
func NewEmitter(pubURL, apiDomain string, logger *slog.Logger) *Emitter {
	return &Emitter{
		pubURL:    pubURL,
		apiDomain: apiDomain,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With("component", "events"),
	}
}

// Emit pushes one event to a member's channel. Delivery is best effort:
// a down or refusing endpoint is logged and swallowed so update
// processing never stalls on the push path.
func (e *Emitter) Emit(ctx context.Context, pushChannel, evType string, data map[string]any) {
	body, err := wire.EncodeJSON(map[string]any{
		"type": evType,
		"data": data,
	})
	if err != nil {
		e.logger.Error("encode event", "type", evType, "error", err)
		return
	}

	url := fmt.Sprintf("%s?id=m%s", e.pubURL, pushChannel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		e.logger.Error("build event request", "type", evType, "error", err)
		return
	}
	req.Host = e.apiDomain
	req.Header.Set("Content-Type", "application/json")

	e.logger.Debug("push event", "channel", pushChannel, "type", evType)

	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.Warn("push event failed", "channel", pushChannel, "type", evType, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		e.logger.Warn("push event failed",
			"channel", pushChannel,
			"type", evType,
			"status", resp.StatusCode,
			"body", string(text))
	}
}
