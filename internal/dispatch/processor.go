// ABOUTME: Update fan-out process consuming the shared updates queue.
// ABOUTME: Tracks per-account readiness, dedupes, and routes updates to handlers.

package dispatch

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/riscoscloverleaf/chatcube/internal/accounts"
	"github.com/riscoscloverleaf/chatcube/internal/dedupe"
	"github.com/riscoscloverleaf/chatcube/internal/events"
	"github.com/riscoscloverleaf/chatcube/internal/telegram"
	"github.com/riscoscloverleaf/chatcube/internal/wire"
)

const (
	updatePollTimeout = 2 * time.Second

	// dedupe window: the provider occasionally re-delivers the same
	// update after a reconnect.
	dedupeTTL  = 5 * time.Minute
	dedupeSize = 10000
)

// UpdateSource is the slice of the queue layer the processor consumes.
type UpdateSource interface {
	PopUpdate(ctx context.Context, timeout time.Duration) (*wire.Update, error)
}

// EventSink receives the platform events handlers produce. Satisfied by
// *events.Emitter; tests substitute a recorder.
type EventSink interface {
	Emit(ctx context.Context, pushChannel, evType string, data map[string]any)
}

type handlerFunc func(ctx context.Context, upd gjson.Result, c *telegram.Client, acct accounts.Account) error

// Options configures a Processor.
type Options struct {
	// StaleAfter drops updates older than this at dequeue time.
	StaleAfter time.Duration

	// CallTimeout and GetMeTimeout set the budgets of every client the
	// processor creates. Zero keeps the client defaults.
	CallTimeout  time.Duration
	GetMeTimeout time.Duration
}

// Processor drains the updates queue and turns provider updates into
// platform push events. One processor serves every account.
type Processor struct {
	updates   UpdateSource
	transport telegram.Transport
	directory accounts.Directory
	sink      EventSink
	media     *telegram.MediaStore
	logger    *slog.Logger
	opts      Options

	// control issues gateway-level calls not tied to any account.
	control    *telegram.Client
	clientOpts []telegram.ClientOption
	seen       *dedupe.Cache

	ready    map[int64]struct{}
	clients  map[int64]*telegram.Client
	handlers map[string]handlerFunc
}

// NewProcessor wires a processor. transport carries the request side of
// client calls; updates carries the shared update stream.
func NewProcessor(updates UpdateSource, transport telegram.Transport, directory accounts.Directory, sink EventSink, media *telegram.MediaStore, logger *slog.Logger, opts Options) *Processor {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	clientOpts := []telegram.ClientOption{
		telegram.WithCallTimeout(opts.CallTimeout),
		telegram.WithGetMeTimeout(opts.GetMeTimeout),
	}
	p := &Processor{
		updates:    updates,
		transport:  transport,
		directory:  directory,
		sink:       sink,
		media:      media,
		logger:     logger.With("component", "dispatch"),
		opts:       opts,
		clientOpts: clientOpts,
		control:    telegram.NewClient(0, "", transport, media, logger, clientOpts...),
		seen:       dedupe.New(dedupeTTL, dedupeSize),
		ready:      make(map[int64]struct{}),
		clients:    make(map[int64]*telegram.Client),
	}
	p.handlers = map[string]handlerFunc{
		"updateChatOrder":            p.updateChatOrder,
		"updateUser":                 p.updateUser,
		"updateUserStatus":           p.updateUserStatus,
		"updateNewMessage":           p.updateNewMessage,
		"updateMessageEdited":        p.updateMessageEdited,
		"updateMessageContent":       p.updateMessageContent,
		"updateMessageSendSucceeded": p.updateMessageSendSucceeded,
		"updateMessageSendFailed":    p.updateMessageSendFailed,
		"updateDeleteMessages":       p.updateDeleteMessages,
		"updateChatReadInbox":        p.updateChatReadInbox,
		"updateChatReadOutbox":       p.updateChatReadOutbox,
		"updateChatTitle":            p.updateChatTitle,
		"updateAuthorizationState":   p.updateAuthorizationState,
		"updateTermsOfService":       p.updateTermsOfService,
		"updateUserChatAction":       p.updateUserChatAction,
	}
	return p
}

// interestedUpdates lists the update types the gateway should forward,
// which is exactly the set this processor can handle.
func (p *Processor) interestedUpdates() []string {
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run bootstraps against the gateway and drains updates until ctx ends.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.bootstrap(ctx); err != nil {
		return err
	}

	for {
		upd, err := p.updates.PopUpdate(ctx, updatePollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Error("updates queue read failed", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		if upd == nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		p.handle(ctx, upd)
	}
}

// bootstrap learns which instances already run and registers the update
// types of interest. A gateway that is not up yet is waited for, not
// treated as fatal.
func (p *Processor) bootstrap(ctx context.Context) error {
	for {
		ids, err := p.runningGateways(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("gateway not reachable, waiting", "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		p.ready = make(map[int64]struct{}, len(ids))
		for _, id := range ids {
			p.ready[id] = struct{}{}
		}
		break
	}

	if err := p.setInterestedUpdates(ctx); err != nil {
		return err
	}
	p.logger.Info("updates process started", "running", p.readyList())
	return nil
}

func (p *Processor) runningGateways(ctx context.Context) ([]int64, error) {
	res, err := p.control.Call(ctx, "get_running_gateways", nil)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, id := range res.Get("result").Array() {
		ids = append(ids, id.Int())
	}
	return ids, nil
}

func (p *Processor) setInterestedUpdates(ctx context.Context) error {
	return p.control.Notify(ctx, "set_interested_updates", map[string]any{
		"updates": p.interestedUpdates(),
	})
}

// handle routes one dequeued update.
func (p *Processor) handle(ctx context.Context, upd *wire.Update) {
	now := time.Now()
	if age := upd.Age(now); age > p.opts.StaleAfter {
		p.logger.Error("update too old, skipped",
			"account_id", upd.AccountID, "age", age.Round(time.Second))
		return
	}

	if marker := upd.Marker(); marker != "" {
		p.handleMarker(ctx, upd.AccountID, marker)
		return
	}

	typ := upd.Type()
	_, accountReady := p.ready[upd.AccountID]
	if !accountReady && typ != "updateAuthorizationState" && typ != "updateTermsOfService" {
		p.logger.Debug("instance not ready, update ignored",
			"account_id", upd.AccountID, "type", typ)
		return
	}

	handler, ok := p.handlers[typ]
	if !ok {
		p.logger.Debug("update not handled", "account_id", upd.AccountID, "type", typ)
		return
	}

	if p.seen.CheckAndMark(updateKey(upd)) {
		p.logger.Debug("duplicate update dropped", "account_id", upd.AccountID, "type", typ)
		return
	}

	client, acct, err := p.client(upd.AccountID)
	if err != nil {
		p.logger.Error("unknown account, update dropped",
			"account_id", upd.AccountID, "error", err)
		return
	}

	p.logger.Debug("update", "account_id", upd.AccountID, "type", typ)
	if err := p.runHandler(ctx, handler, upd, client, acct); err != nil {
		p.logger.Error("update handler failed",
			"account_id", upd.AccountID, "type", typ, "error", err)
	}
}

// runHandler invokes one handler, converting a panic into an error so a
// malformed update cannot take the loop down.
func (p *Processor) runHandler(ctx context.Context, handler handlerFunc, upd *wire.Update, client *telegram.Client, acct accounts.Account) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, gjson.ParseBytes(upd.Payload), client, acct)
}

// handleMarker reacts to gateway lifecycle transitions.
func (p *Processor) handleMarker(ctx context.Context, accountID int64, marker string) {
	switch marker {
	case wire.MarkerGatewayStarted:
		p.logger.Info("gateway process (re)started")
		if err := p.setInterestedUpdates(ctx); err != nil {
			p.logger.Error("re-register interested updates failed", "error", err)
		}
		// Instances believed running died with the old gateway process;
		// ask for each of them again.
		for id := range p.ready {
			client, _, err := p.client(id)
			if err != nil {
				p.logger.Error("cannot restart account", "account_id", id, "error", err)
				continue
			}
			p.logger.Info("restarting instance", "account_id", id)
			if err := client.Start(ctx); err != nil {
				p.logger.Error("restart failed", "account_id", id, "error", err)
			}
		}

	case wire.MarkerInstanceStarted:
		p.ready[accountID] = struct{}{}
		p.logger.Info("instance started", "account_id", accountID)
		if _, acct, err := p.client(accountID); err == nil {
			p.sink.Emit(ctx, acct.PushChannel, events.TelegramReady, map[string]any{})
		}

	case wire.MarkerInstanceStopped:
		delete(p.ready, accountID)
		delete(p.clients, accountID)
		p.logger.Info("instance stopped", "account_id", accountID)

	default:
		p.logger.Warn("unknown lifecycle marker", "marker", marker, "account_id", accountID)
	}
}

// client returns the cached per-account client, creating it on first use.
func (p *Processor) client(accountID int64) (*telegram.Client, accounts.Account, error) {
	acct, err := p.directory.Lookup(accountID)
	if err != nil {
		return nil, accounts.Account{}, err
	}
	c, ok := p.clients[accountID]
	if !ok {
		c = telegram.NewClient(accountID, acct.Phone, p.transport, p.media, p.logger, p.clientOpts...)
		p.clients[accountID] = c
	}
	return c, acct, nil
}

func (p *Processor) readyList() string {
	ids := make([]string, 0, len(p.ready))
	for id := range p.ready {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

// Close releases the dedupe cache's background goroutine.
func (p *Processor) Close() {
	p.seen.Close()
}

// updateKey fingerprints an update for duplicate suppression. The
// enqueue timestamp is part of the key: queue re-deliveries carry the
// original stamp, while distinct events with identical payloads do not.
func updateKey(upd *wire.Update) string {
	sum := md5.Sum(upd.Payload)
	return fmt.Sprintf("%d:%.9f:%s", upd.AccountID, upd.EnqueuedAt, hex.EncodeToString(sum[:]))
}
