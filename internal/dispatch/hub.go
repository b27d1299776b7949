package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrSessionClosed = errors.New("session closed")

const writeWait = 5 * time.Second

// Conn is the part of a websocket connection a session writes through.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
}

// Session is one authenticated connection on this instance.
type Session struct {
	ID     string
	UserID string
	Role   models.Role

	conn   Conn
	mu     sync.Mutex
	closed bool
}

func NewSession(userID string, role models.Role, conn Conn) *Session {
	return &Session{ID: uuid.NewString(), UserID: userID, Role: role, conn: conn}
}

// Send writes one frame. Writes are serialized per session.
func (s *Session) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

func (s *Session) SendEvent(event string, data any) error {
	msg, err := NewMessage(event, data)
	if err != nil {
		return err
	}
	return s.Send(msg)
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Hub holds this instance's sessions and the channels they joined.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Session]struct{}
	joined   map[*Session]map[string]struct{}
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		channels: make(map[string]map[*Session]struct{}),
		joined:   make(map[*Session]map[string]struct{}),
		logger:   logger,
	}
}

func (h *Hub) Join(s *Session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Session]struct{})
		h.channels[channel] = members
	}
	members[s] = struct{}{}
	chans, ok := h.joined[s]
	if !ok {
		chans = make(map[string]struct{})
		h.joined[s] = chans
	}
	chans[channel] = struct{}{}
}

// Remove drops the session from every channel and stops further writes to it.
func (h *Hub) Remove(s *Session) {
	s.markClosed()
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.joined[s] {
		members := h.channels[ch]
		delete(members, s)
		if len(members) == 0 {
			delete(h.channels, ch)
		}
	}
	delete(h.joined, s)
}

// Deliver sends msg to every local member of channel and returns how many
// sessions received it.
func (h *Hub) Deliver(channel string, msg Message) int {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.channels[channel]))
	for s := range h.channels[channel] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			if !errors.Is(err, ErrSessionClosed) {
				h.logger.Debug("hub_send_failed", "session", s.ID, "channel", channel, "error", err)
			}
			continue
		}
		sent++
	}
	return sent
}

func (h *Hub) Members(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Publish delivers straight to local sessions. It serves single-instance
// setups and tests; clustered deployments publish through the broker.
func (h *Hub) Publish(_ context.Context, channel string, msg Message) error {
	h.Deliver(channel, msg)
	return nil
}
