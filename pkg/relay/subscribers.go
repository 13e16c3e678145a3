package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nahma/sidecar/pkg/wire"
)

// subscriber is one live document connection.
type subscriber struct {
	conn  *websocket.Conn
	docID string
	key   string // session key, doubles as the user id

	// writeMu protects writes to conn.
	writeMu sync.Mutex

	mu        sync.Mutex
	handshook bool
}

func (s *subscriber) markHandshook() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshook = true
}

func (s *subscriber) isHandshook() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshook
}

// sendBinary writes one binary frame.
func (s *subscriber) sendBinary(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

// sendError writes a typed error frame as a text message. The document
// socket is binary for CRDT traffic; error frames ride alongside as JSON.
func (s *subscriber) sendError(code wire.ErrorCode, message string) {
	raw, err := json.Marshal(wire.NewError(code, message))
	if err != nil {
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.TextMessage, raw)
}

// typedClose sends a typed error then closes cleanly.
func (s *subscriber) typedClose(code wire.ErrorCode, message string) {
	s.sendError(code, message)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(code))
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// closeGoingAway closes cleanly for server shutdown.
func (s *subscriber) closeGoingAway() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

// docSet is the subscriber set for one document. Each set has its own
// lock so fan-out in one document never blocks another.
type docSet struct {
	mu      sync.RWMutex
	members map[*subscriber]struct{}
}

func (d *docSet) add(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members[sub] = struct{}{}
}

// remove reports whether sub was a member and how many remain. Callers
// may race to remove the same subscriber; only one sees removed=true.
func (d *docSet) remove(sub *subscriber) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.members[sub]; !ok {
		return len(d.members), false
	}
	delete(d.members, sub)
	return len(d.members), true
}

// peers snapshots every member except the origin.
func (d *docSet) peers(origin *subscriber) []*subscriber {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*subscriber, 0, len(d.members))
	for sub := range d.members {
		if sub != origin {
			out = append(out, sub)
		}
	}
	return out
}
