// ABOUTME: Boundary to the external TDLib engine, treated as an opaque black box.
// ABOUTME: Sessions exchange tagged JSON values; the wire protocol itself lives elsewhere.

package tdlib

import "encoding/json"

// Session is one account's live protocol engine. Send submits a tagged
// request; Receive blocks for the next asynchronous notification and
// reports false once the session is stopped. Implementations must allow
// Send and Receive from different goroutines.
type Session interface {
	Send(req json.RawMessage) error
	Receive() (json.RawMessage, bool)
	Stop()
}

// SessionParams carries per-account construction inputs.
type SessionParams struct {
	AccountID    int64
	Phone        string
	DatabaseDir  string
	FilesDir     string
	UseTestDC    bool
	LanguageCode string
}

// Factory creates sessions. The gateway owns exactly one live session
// per account.
type Factory interface {
	NewSession(params SessionParams) (Session, error)
}
