// Package gateway runs one TDLib instance per Telegram account and
// serves queued call requests against them.
//
// # Overview
//
// The gateway process is one half of the bridge: it holds the live
// engine sessions and speaks Redis on the other side. Requests arrive
// on a shared queue, responses go back on per-request keys, and raw
// engine updates are forwarded onto the update queue for the dispatch
// process to consume.
//
// # Manager
//
// The Manager struct is the entry point:
//
//	type Manager struct {
//	    transport Transport
//	    factory   SessionFactory
//	    opts      Options
//	    instances map[int64]*Instance
//	    // ...
//	}
//
// It drains the request queue in a loop and routes each request either
// to a control handler (start, stop, get_running_gateways,
// set_interested_updates) or to the account's live Instance.
//
// # Instance Lifecycle
//
// Each Instance owns one engine session and walks the TDLib
// authorization state machine on its own:
//
//  1. authorizationStateWaitTdlibParameters - answered with credentials
//  2. authorizationStateWaitEncryptionKey - answered with a derived key
//  3. authorizationStateWaitPhoneNumber - answered with the account phone
//  4. authorizationStateWaitCode / WaitPassword / WaitRegistration -
//     surfaced to the update queue; only auth methods are accepted
//     until resolved
//  5. authorizationStateReady - instance is fully started and announces
//     itself with an INSTANCE_STARTED marker
//
// While an interactive auth state is pending, non-auth calls are
// rejected with code 401 and the state is re-surfaced so the operator
// flow can resume.
//
// # Markers
//
// Lifecycle transitions are published as marker updates on the update
// queue: GATEWAY_STARTED when the process boots, INSTANCE_STARTED when
// an account reaches ready, INSTANCE_STOPPED when it is torn down.
//
// # Lifecycle
//
// Start the manager:
//
//	m := gateway.NewManager(queue, factory, opts, logger)
//	err := m.Run(ctx)
//
// Cancelling ctx stops every live instance, bounded by
// Options.StopTimeout per instance.
//
// # Key Files
//
//   - manager.go: Manager struct, request loop, control methods
//   - instance.go: per-account session, auth state machine, call dispatch
package gateway
