// ABOUTME: Manages one TDLib instance per account and routes queued call requests.
// ABOUTME: Central coordinator for instance lifecycle and request dispatch.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/riscoscloverleaf/chatcube/internal/wire"
)

// requestPollTimeout is how long one pass of the request loop blocks
// before checking for shutdown.
const requestPollTimeout = 3 * time.Second

// Transport is the slice of the queue layer the manager needs.
type Transport interface {
	PopRequest(ctx context.Context, timeout time.Duration) (*wire.Request, error)
	PushUpdate(ctx context.Context, upd wire.Update) error
	PutResponse(ctx context.Context, accountID int64, requestID string, payload json.RawMessage) error
}

// Options carries the engine credentials and directory layout.
type Options struct {
	APIID        int32
	APIHash      string
	FilesDir     string
	UseTestDC    bool
	LanguageCode string

	// StopTimeout bounds how long StopInstance waits for a receive
	// loop to drain.
	StopTimeout time.Duration
}

// Manager coordinates all live per-account instances and routes queued
// requests to them.
type Manager struct {
	transport Transport
	factory   SessionFactory
	opts      Options
	logger    *slog.Logger

	mu        sync.RWMutex
	instances map[int64]*Instance

	imu        sync.RWMutex
	interested map[string]struct{}
}

// NewManager creates a new Manager instance.
func NewManager(transport Transport, factory SessionFactory, opts Options, logger *slog.Logger) *Manager {
	if opts.StopTimeout == 0 {
		opts.StopTimeout = 15 * time.Second
	}
	if opts.LanguageCode == "" {
		opts.LanguageCode = "en"
	}
	return &Manager{
		transport:  transport,
		factory:    factory,
		opts:       opts,
		logger:     logger,
		instances:  make(map[int64]*Instance),
		interested: make(map[string]struct{}),
	}
}

// Run announces the (re)start to the update dispatch process and drains
// the request queue until ctx is cancelled. Transport failures are
// logged and retried on the next pass.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.transport.PushUpdate(ctx, wire.NewMarker(0, wire.MarkerGatewayStarted)); err != nil {
		m.logger.Error("announcing gateway start", "error", err)
	}

	m.logger.Info("gateway request loop started")

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		default:
		}

		req, err := m.transport.PopRequest(ctx, requestPollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				m.shutdown()
				return ctx.Err()
			}
			m.logger.Error("popping request", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if req == nil {
			continue
		}

		m.handleRequest(ctx, req)
	}
}

// handleRequest executes one queued request. Expired requests are
// dropped without ever reaching the engine.
func (m *Manager) handleRequest(ctx context.Context, req *wire.Request) {
	now := time.Now()
	if req.Expired(now) {
		m.logger.Error("request expired, dropped",
			"account_id", req.AccountID,
			"method", req.Method,
			"expires_at", req.ExpiresAt,
		)
		return
	}

	m.logger.Info("request",
		"account_id", req.AccountID,
		"method", req.Method,
	)

	switch req.Method {
	case "start":
		m.StartInstance(ctx, req.AccountID, req.RequestID, req.Params)
	case "stop":
		m.StopInstance(ctx, req.AccountID, req.RequestID)
	case "get_running_gateways":
		m.runningGateways(ctx, req.AccountID, req.RequestID)
	case "set_interested_updates":
		m.setInterestedUpdates(req.Params)
	default:
		m.dispatchCall(ctx, req)
	}
}

// StartInstance creates and starts the account's instance. Idempotent:
// an already-live instance is left untouched. The session dial happens
// outside the instance lock so a wedged engine daemon cannot stall the
// rest of the manager.
func (m *Manager) StartInstance(ctx context.Context, accountID int64, requestID string, params map[string]any) {
	m.mu.RLock()
	_, exists := m.instances[accountID]
	m.mu.RUnlock()

	if !exists {
		phone, _ := params["phone"].(string)
		lang, _ := params["lang"].(string)
		if lang == "" {
			lang = m.opts.LanguageCode
		}

		inst, err := newInstance(m, accountID, phone, lang)
		if err != nil {
			m.logger.Error("starting instance", "account_id", accountID, "error", err)
			if requestID != "" {
				m.putError(ctx, accountID, requestID, 0, err.Error(), "not_run")
			}
			return
		}

		m.mu.Lock()
		if _, raced := m.instances[accountID]; raced {
			m.mu.Unlock()
			// A concurrent start won; tear the extra session down.
			inst.stop(m.opts.StopTimeout)
		} else {
			m.instances[accountID] = inst
			total := len(m.instances)
			m.mu.Unlock()
			m.logger.Info("instance started", "account_id", accountID, "total_instances", total)
		}
	}

	if requestID != "" {
		m.putOK(ctx, accountID, requestID)
	}
}

// StopInstance shuts the account's instance down, removes it from the
// live map, and emits the stopped marker.
func (m *Manager) StopInstance(ctx context.Context, accountID int64, requestID string) {
	m.mu.Lock()
	inst, exists := m.instances[accountID]
	if exists {
		delete(m.instances, accountID)
	}
	m.mu.Unlock()

	if exists {
		inst.stop(m.opts.StopTimeout)
		m.logger.Info("instance stopped", "account_id", accountID)
	}

	if requestID != "" {
		m.putOK(ctx, accountID, requestID)
	}
	if err := m.transport.PushUpdate(ctx, wire.NewMarker(accountID, wire.MarkerInstanceStopped)); err != nil {
		m.logger.Error("emitting stopped marker", "account_id", accountID, "error", err)
	}
}

// dispatchCall forwards an arbitrary method to the account's live
// instance, or answers not_run when there is none.
func (m *Manager) dispatchCall(ctx context.Context, req *wire.Request) {
	m.mu.RLock()
	inst, ok := m.instances[req.AccountID]
	m.mu.RUnlock()

	if !ok {
		m.putError(ctx, req.AccountID, req.RequestID, 0, "Telegram client not started", "not_run")
		return
	}

	inst.callMethod(ctx, req.RequestID, req.Method, req.Params)
}

// runningGateways answers with the account ids whose instances are
// fully authorized.
func (m *Manager) runningGateways(ctx context.Context, accountID int64, requestID string) {
	m.mu.RLock()
	running := make([]int64, 0, len(m.instances))
	for id, inst := range m.instances {
		if inst.fullyStarted.Load() {
			running = append(running, id)
		}
	}
	m.mu.RUnlock()

	payload, _ := json.Marshal(map[string]any{"@type": "ok", "result": running})
	if err := m.transport.PutResponse(ctx, accountID, requestID, payload); err != nil {
		m.logger.Error("answering get_running_gateways", "error", err)
	}
}

// setInterestedUpdates replaces the allow-list of update types that are
// forwarded onto the update queue.
func (m *Manager) setInterestedUpdates(params map[string]any) {
	updates, _ := params["updates"].([]any)

	next := make(map[string]struct{}, len(updates))
	for _, u := range updates {
		if name, ok := u.(string); ok {
			next[name] = struct{}{}
		}
	}

	m.imu.Lock()
	m.interested = next
	m.imu.Unlock()

	m.logger.Info("interested updates registered", "count", len(next))
}

// interestedIn reports whether the dispatch process registered for this
// update type.
func (m *Manager) interestedIn(updateType string) bool {
	m.imu.RLock()
	defer m.imu.RUnlock()
	_, ok := m.interested[updateType]
	return ok
}

// remove drops a crashed instance so a later start recreates it.
func (m *Manager) remove(accountID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, accountID)
}

// shutdown stops every live instance, bounded per instance.
func (m *Manager) shutdown() {
	m.mu.Lock()
	instances := m.instances
	m.instances = make(map[int64]*Instance)
	m.mu.Unlock()

	for id, inst := range instances {
		inst.stop(m.opts.StopTimeout)
		m.logger.Info("instance stopped on shutdown", "account_id", id)
	}
}

func (m *Manager) putOK(ctx context.Context, accountID int64, requestID string) {
	payload, _ := json.Marshal(map[string]any{"@type": "ok"})
	if err := m.transport.PutResponse(ctx, accountID, requestID, payload); err != nil {
		m.logger.Error("writing ok response", "account_id", accountID, "request_id", requestID, "error", err)
	}
}

func (m *Manager) putError(ctx context.Context, accountID int64, requestID string, code int, message, detailsCode string) {
	if requestID == "" {
		return
	}
	body := map[string]any{"@type": "error", "code": code, "message": message}
	if detailsCode != "" {
		body["details_code"] = detailsCode
	}
	payload, _ := json.Marshal(body)
	if err := m.transport.PutResponse(ctx, accountID, requestID, payload); err != nil {
		m.logger.Error("writing error response", "account_id", accountID, "request_id", requestID, "error", err)
	}
}

// databaseDir is where one account's TDLib state lives.
func (m *Manager) databaseDir(phone string) string {
	return filepath.Join(m.opts.FilesDir, phone)
}
