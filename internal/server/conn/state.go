// Package conn holds the per-socket connection state. The inbound half
// (identity, auth flag, activity) is owned by a single worker; the outbound
// deque is the one surface other goroutines may touch, guarded by its own
// mutex, with a notifier capability to wake the owning worker.
package conn

import (
	"net"
	"sync"
	"time"

	"github.com/huxley-im/huxley/internal/protocol"
)

// Notifier is the capability the owning worker hands to its connections so
// that any goroutine appending outbound data can wake the worker without a
// static dependency on the worker type.
type Notifier interface {
	OutboundReady(connID string)
}

// State encapsulates one client socket.
type State struct {
	id       string
	conn     net.Conn
	notifier Notifier

	// Owning-worker-only fields.
	username      string
	authenticated bool
	lastActivity  time.Time

	mu       sync.Mutex
	outbound [][]byte
}

// New creates the state for a freshly accepted socket.
func New(id string, c net.Conn, notifier Notifier) *State {
	return &State{
		id:           id,
		conn:         c,
		notifier:     notifier,
		lastActivity: time.Now(),
	}
}

func (s *State) ID() string { return s.id }

func (s *State) Conn() net.Conn { return s.conn }

func (s *State) Username() string { return s.username }

func (s *State) SetUsername(name string) { s.username = name }

func (s *State) Authenticated() bool { return s.authenticated }

func (s *State) SetAuthenticated(v bool) { s.authenticated = v }

func (s *State) UpdateActivity(now time.Time) { s.lastActivity = now }

func (s *State) LastActivity() time.Time { return s.lastActivity }

// QueueResponse appends raw bytes to the outbound deque and wakes the owning
// worker. Safe to call from any goroutine.
func (s *State) QueueResponse(b []byte) {
	s.mu.Lock()
	s.outbound = append(s.outbound, b)
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.OutboundReady(s.id)
	}
}

// QueueFramedResponse wraps the bytes in the 4-byte big-endian length header
// before queueing them.
func (s *State) QueueFramedResponse(payload []byte) {
	s.QueueResponse(protocol.EncodeFrame(payload))
}

// QueueProtocolResponse serializes the response and queues it framed.
func (s *State) QueueProtocolResponse(r protocol.Response) error {
	payload, err := protocol.SerializeResponse(r)
	if err != nil {
		return err
	}
	s.QueueFramedResponse(payload)
	return nil
}

// QueueIncomingMessage builds and queues the server-initiated frame carrying
// a chat message to this connection.
func (s *State) QueueIncomingMessage(sender, content, timestamp string, id int64) error {
	return s.QueueProtocolResponse(protocol.IncomingMessage(sender, content, timestamp, id))
}

// PushFrontResponse returns an unsent suffix to the head of the deque so the
// next flush resumes exactly where the partial write stopped.
func (s *State) PushFrontResponse(b []byte) {
	s.mu.Lock()
	s.outbound = append([][]byte{b}, s.outbound...)
	s.mu.Unlock()
}

// PopQueuedResponse drains one chunk from the front of the deque. Owning
// worker only.
func (s *State) PopQueuedResponse() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.outbound) == 0 {
		return nil, false
	}
	b := s.outbound[0]
	s.outbound = s.outbound[1:]
	return b, true
}
