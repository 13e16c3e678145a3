package broker

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nahma/sidecar/pkg/wire"
)

// sessionState is the connection lifecycle. A connection starts out
// connecting, becomes keyed once set-key is accepted, active on its first
// operation, and closing when teardown begins.
type sessionState int32

const (
	stateConnecting sessionState = iota
	stateKeyed
	stateActive
	stateClosing
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateKeyed:
		return "keyed"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	}
	return "unknown"
}

// session is one metadata connection. The key doubles as the user id; it
// is empty until set-key succeeds.
type session struct {
	conn *websocket.Conn

	// writeMu protects writes to conn. Reads happen on the session's
	// reader goroutine only.
	writeMu sync.Mutex

	mu     sync.Mutex
	st     sessionState
	key    string
	joined map[string]struct{} // workspace ids this session subscribed to
	opened map[string]struct{} // document ids this session has open
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:   conn,
		st:     stateConnecting,
		joined: make(map[string]struct{}),
		opened: make(map[string]struct{}),
	}
}

func (s *session) state() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st = st
}

// markActive promotes keyed to active on the first operation. Later states
// are left alone.
func (s *session) markActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st == stateKeyed {
		s.st = stateActive
	}
}

func (s *session) sessionKey() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

func (s *session) setKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.key = key
	if s.st == stateConnecting {
		s.st = stateKeyed
	}
}

// send marshals the frame and writes it as one text message. Errors are
// returned so broadcast paths can drop the subscriber; the direct-reply
// path lets the reader loop notice the dead socket instead.
func (s *session) send(frame interface{}) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// sendError writes a typed error reply. The socket stays open.
func (s *session) sendError(code wire.ErrorCode, message string) {
	_ = s.send(wire.NewError(code, message))
}

// close sends a close frame and tears down the socket.
func (s *session) close(code int, reason string) {
	s.setState(stateClosing)
	msg := websocket.FormatCloseMessage(code, reason)
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}
