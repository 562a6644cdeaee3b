// ABOUTME: One account's live TDLib session with its private receive loop.
// ABOUTME: Drives the authorization state machine and correlates tagged replies.

package gateway

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/riscoscloverleaf/chatcube/internal/tdlib"
	"github.com/riscoscloverleaf/chatcube/internal/wire"
)

// SessionFactory creates the native engine session for an account.
type SessionFactory interface {
	NewSession(params tdlib.SessionParams) (tdlib.Session, error)
}

// authMethods may be forwarded while an authentication step is pending.
// Everything else is rejected with a 401-style response until the
// instance reaches the ready state.
var authMethods = map[string]struct{}{
	"checkAuthenticationCode":     {},
	"resendAuthenticationCode":    {},
	"checkAuthenticationPassword": {},
	"registerUser":                {},
}

// Authorization state tags as reported by the engine.
const (
	authStateWaitParameters    = "authorizationStateWaitTdlibParameters"
	authStateWaitEncryptionKey = "authorizationStateWaitEncryptionKey"
	authStateWaitPhoneNumber   = "authorizationStateWaitPhoneNumber"
	authStateWaitCode          = "authorizationStateWaitCode"
	authStateWaitPassword      = "authorizationStateWaitPassword"
	authStateWaitRegistration  = "authorizationStateWaitRegistration"
	authStateReady             = "authorizationStateReady"
)

// Instance is one account's live session inside the gateway.
type Instance struct {
	accountID int64
	phone     string
	lang      string

	manager *Manager
	session tdlib.Session
	logger  *slog.Logger

	mu            sync.Mutex
	authState     string
	mustWait      bool
	authStateData json.RawMessage
	pending       map[string]struct{}

	fullyStarted atomic.Bool
	enabled      atomic.Bool
	done         chan struct{}
}

// newInstance spawns the session and its receive loop, then kicks the
// authorization state machine off.
func newInstance(m *Manager, accountID int64, phone, lang string) (*Instance, error) {
	inst := &Instance{
		accountID: accountID,
		phone:     phone,
		lang:      lang,
		manager:   m,
		logger:    m.logger.With("account_id", accountID),
		mustWait:  true,
		pending:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}

	session, err := m.factory.NewSession(tdlib.SessionParams{
		AccountID:    accountID,
		Phone:        phone,
		DatabaseDir:  filepath.Join(m.databaseDir(phone), "database"),
		FilesDir:     filepath.Join(m.databaseDir(phone), "files"),
		UseTestDC:    m.opts.UseTestDC,
		LanguageCode: lang,
	})
	if err != nil {
		return nil, err
	}
	inst.session = session
	inst.enabled.Store(true)

	go inst.receiveLoop()

	if err := inst.send(map[string]any{"@type": "getAuthorizationState"}, ""); err != nil {
		inst.logger.Error("requesting authorization state", "error", err)
	}

	return inst, nil
}

// stop signals the session down and waits for the receive loop, bounded.
func (i *Instance) stop(timeout time.Duration) {
	if !i.enabled.CompareAndSwap(true, false) {
		return
	}
	i.logger.Info("instance stopping")
	i.session.Stop()

	select {
	case <-i.done:
	case <-time.After(timeout):
		i.logger.Warn("receive loop did not drain in time")
	}
	i.logger.Info("instance stopped")
}

// receiveLoop reads notifications until the session closes. Panics from
// notification handling are caught here. A loop that ends while the
// instance is still enabled means the session died on its own; the
// instance is removed from the manager so a subsequent start recreates
// it, and the stopped marker is emitted.
func (i *Instance) receiveLoop() {
	defer close(i.done)
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("receive loop crashed", "panic", r)
		}
		if i.enabled.CompareAndSwap(true, false) {
			i.logger.Warn("session ended unexpectedly, removing instance")
			i.manager.remove(i.accountID)
			if err := i.manager.transport.PushUpdate(context.Background(),
				wire.NewMarker(i.accountID, wire.MarkerInstanceStopped)); err != nil {
				i.logger.Error("emitting stopped marker", "error", err)
			}
		}
	}()

	i.logger.Info("receive loop started")

	for i.enabled.Load() {
		payload, ok := i.session.Receive()
		if !ok {
			break
		}
		i.processNotification(payload)
	}

	i.logger.Info("receive loop stopped")
}

// processNotification inspects one async notification and routes it:
// authorization transitions drive the state machine, tagged replies
// become responses, everything else is an update.
func (i *Instance) processNotification(payload json.RawMessage) {
	if gjson.GetBytes(payload, "@type").String() == "updateAuthorizationState" {
		i.processAuthorizationUpdate(payload)
		return
	}

	requestID := wire.RequestIDOf(payload)
	if requestID == "" {
		if i.manager.interestedIn(gjson.GetBytes(payload, "@type").String()) {
			i.enqueueUpdate(payload)
		}
		return
	}

	i.mu.Lock()
	_, known := i.pending[requestID]
	if known {
		delete(i.pending, requestID)
	}
	authState := i.authState
	i.mu.Unlock()

	if !known {
		// Echo from before a restart; never misdeliver it.
		i.logger.Debug("response for unknown request dropped", "request_id", requestID)
		return
	}

	if gjson.GetBytes(payload, "@type").String() == "error" && gjson.GetBytes(payload, "code").Int() == 401 {
		payload, _ = sjson.SetBytes(payload, "details_code", authState)
	}

	ctx := context.Background()
	if err := i.manager.transport.PutResponse(ctx, i.accountID, requestID, payload); err != nil {
		i.logger.Error("writing response", "request_id", requestID, "error", err)
	}
}

// processAuthorizationUpdate advances the login state machine. The
// transitional states are auto-driven with stored credentials; the
// interactive ones surface as updates and block arbitrary calls.
func (i *Instance) processAuthorizationUpdate(payload json.RawMessage) {
	state := gjson.GetBytes(payload, "authorization_state.@type").String()

	i.mu.Lock()
	i.authState = state
	i.mu.Unlock()

	switch state {
	case authStateWaitParameters:
		i.logger.Info("setting tdlib parameters",
			"files_dir", i.manager.databaseDir(i.phone),
			"test_dc", i.manager.opts.UseTestDC,
		)
		i.setMustWait(true, false)
		i.sendLogged(map[string]any{
			"@type": "setTdlibParameters",
			"parameters": map[string]any{
				"use_test_dc":          i.manager.opts.UseTestDC,
				"api_id":               i.manager.opts.APIID,
				"api_hash":             i.manager.opts.APIHash,
				"device_model":         "chatcube-gateway",
				"system_version":       "unknown",
				"application_version":  Version,
				"system_language_code": i.lang,
				"database_directory":   filepath.Join(i.manager.databaseDir(i.phone), "database"),
				"use_message_database": true,
				"files_directory":      filepath.Join(i.manager.databaseDir(i.phone), "files"),
			},
		})

	case authStateWaitEncryptionKey:
		i.logger.Info("sending encryption key")
		i.setMustWait(true, false)
		i.sendLogged(map[string]any{
			"@type":          "checkDatabaseEncryptionKey",
			"encryption_key": deriveEncryptionKey(i.phone, i.manager.opts.APIHash),
		})

	case authStateWaitPhoneNumber:
		i.logger.Info("sending phone number")
		i.setMustWait(true, false)
		i.sendLogged(map[string]any{
			"@type":                   "setAuthenticationPhoneNumber",
			"phone_number":            i.phone,
			"allow_flash_call":        false,
			"is_current_phone_number": true,
		})

	case authStateWaitCode, authStateWaitPassword, authStateWaitRegistration:
		i.mu.Lock()
		i.mustWait = false
		i.authStateData = payload
		i.mu.Unlock()
		i.enqueueUpdate(payload)

	case authStateReady:
		i.setMustWait(false, true)
		i.fullyStarted.Store(true)
		if err := i.manager.transport.PushUpdate(context.Background(),
			wire.NewMarker(i.accountID, wire.MarkerInstanceStarted)); err != nil {
			i.logger.Error("emitting started marker", "error", err)
		}
		i.logger.Info("instance fully started")
	}
}

// callMethod forwards a correlated call to the engine, unless the
// instance is still authenticating.
func (i *Instance) callMethod(ctx context.Context, requestID, method string, params map[string]any) {
	i.mu.Lock()
	mustWait := i.mustWait
	authData := i.authStateData
	authState := i.authState
	i.mu.Unlock()

	if mustWait && requestID != "" {
		i.manager.putError(ctx, i.accountID, requestID, 0, "Wait to start", "must_wait")
		return
	}

	if authData != nil {
		if _, allowed := authMethods[method]; !allowed {
			// Re-surface the pending auth step so a blocked caller's UI
			// can recover, then reject the call.
			i.enqueueUpdate(authData)
			i.manager.putError(ctx, i.accountID, requestID, 401, "Unauthorized", authState)
			return
		}
	}

	data := map[string]any{"@type": method}
	for k, v := range params {
		data[k] = v
	}
	if err := i.send(data, requestID); err != nil {
		i.logger.Error("sending call", "method", method, "error", err)
		i.manager.putError(ctx, i.accountID, requestID, 0, "Telegram client not started", "not_run")
	}
}

// send marshals and submits a request, registering the correlation tag
// in the pending set first.
func (i *Instance) send(data map[string]any, requestID string) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if requestID != "" {
		raw, err = sjson.SetBytes(raw, `\@extra.request_id`, requestID)
		if err != nil {
			return err
		}
		i.mu.Lock()
		i.pending[requestID] = struct{}{}
		i.mu.Unlock()
	}
	return i.session.Send(raw)
}

func (i *Instance) sendLogged(data map[string]any) {
	if err := i.send(data, ""); err != nil {
		i.logger.Error("sending auth step", "type", data["@type"], "error", err)
	}
}

func (i *Instance) setMustWait(wait, clearAuthData bool) {
	i.mu.Lock()
	i.mustWait = wait
	if clearAuthData {
		i.authStateData = nil
	}
	i.mu.Unlock()
}

func (i *Instance) enqueueUpdate(payload json.RawMessage) {
	if err := i.manager.transport.PushUpdate(context.Background(), wire.NewUpdate(i.accountID, payload)); err != nil {
		i.logger.Error("enqueueing update", "error", err)
	}
}

// deriveEncryptionKey produces the per-account TDLib database key. The
// scheme must stay stable or existing local databases become unreadable.
func deriveEncryptionKey(phone, apiHash string) string {
	sum := md5.Sum([]byte(phone + apiHash + "!DB"))
	return hex.EncodeToString(sum[:])[:12]
}

// Version is reported to the engine as the application version.
const Version = "2.0"
