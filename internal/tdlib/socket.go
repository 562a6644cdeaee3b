// ABOUTME: Session implementation speaking newline-delimited JSON to the tdjson daemon.
// ABOUTME: One Unix socket connection per account session.

package tdlib

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"sync"
)

// maxNotificationSize bounds a single notification line. TDLib chat
// history pages with media descriptors stay well under this.
const maxNotificationSize = 16 << 20

// SocketFactory dials the tdjson daemon listening on a Unix socket and
// hands each session its own connection.
type SocketFactory struct {
	SocketPath string
}

// NewSession opens a connection and announces the session parameters so
// the daemon can bind it to the right TDLib client.
func (f *SocketFactory) NewSession(params SessionParams) (Session, error) {
	conn, err := net.Dial("unix", f.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing tdjson daemon: %w", err)
	}

	s := &socketSession{conn: conn, scanner: bufio.NewScanner(conn)}
	s.scanner.Buffer(make([]byte, 64*1024), maxNotificationSize)

	hello, err := json.Marshal(map[string]any{
		"@type":        "open",
		"account_id":   params.AccountID,
		"database_dir": params.DatabaseDir,
		"files_dir":    params.FilesDir,
		"use_test_dc":  params.UseTestDC,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.Send(hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("announcing session: %w", err)
	}
	return s, nil
}

type socketSession struct {
	conn    net.Conn
	scanner *bufio.Scanner

	mu      sync.Mutex
	stopped bool
}

func (s *socketSession) Send(req json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("session stopped")
	}
	if _, err := s.conn.Write(append(req, '\n')); err != nil {
		return fmt.Errorf("writing to tdjson daemon: %w", err)
	}
	return nil
}

func (s *socketSession) Receive() (json.RawMessage, bool) {
	if !s.scanner.Scan() {
		return nil, false
	}
	line := make([]byte, len(s.scanner.Bytes()))
	copy(line, s.scanner.Bytes())
	return line, true
}

func (s *socketSession) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.conn.Close()
}
