// Package hub owns all process-wide connection state: live sessions, the
// userID -> sessions index, and room subscriptions. All access is mediated
// through its methods under one lock, so registry operations stay atomic
// relative to each other.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	users    map[string]map[uuid.UUID]*Session
	rooms    map[string]map[uuid.UUID]*Session

	logger *slog.Logger
}

func New(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]*Session),
		users:    make(map[string]map[uuid.UUID]*Session),
		rooms:    make(map[string]map[uuid.UUID]*Session),
		logger:   logger.With(slog.String("component", "hub")),
	}
}

// Register adds a session and links it into the user index. It reports
// whether this is the user's first live session, which decides presence
// creation.
func (h *Hub) Register(s *Session) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.sessions[s.ID] = s
	userSessions, ok := h.users[s.UserID]
	if !ok {
		userSessions = make(map[uuid.UUID]*Session)
		h.users[s.UserID] = userSessions
	}
	first = len(userSessions) == 0
	userSessions[s.ID] = s

	h.logger.Debug("session registered",
		slog.String("sessionID", s.ID.String()),
		slog.String("userID", s.UserID),
	)
	return first
}

// Deregister removes a session from every room it joined and from the user
// index. It returns the number of live sessions the user still has, which
// decides presence removal.
func (h *Hub) Deregister(sessionID uuid.UUID) (userID string, remaining int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.sessions[sessionID]
	if !ok {
		return "", 0
	}
	delete(h.sessions, sessionID)

	for roomID := range s.rooms {
		h.leaveRoomLocked(s, roomID)
	}

	userSessions := h.users[s.UserID]
	delete(userSessions, sessionID)
	if len(userSessions) == 0 {
		delete(h.users, s.UserID)
	}

	h.logger.Debug("session deregistered",
		slog.String("sessionID", sessionID.String()),
		slog.String("userID", s.UserID),
		slog.Int("remaining", len(userSessions)),
	)
	return s.UserID, len(userSessions)
}

func (h *Hub) Session(id uuid.UUID) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// SessionsForUser returns every live session of one user. Deliver-to-user
// operations (notifications, signaling) iterate this instead of assuming
// one socket per user.
func (h *Hub) SessionsForUser(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Session, 0, len(h.users[userID]))
	for _, s := range h.users[userID] {
		out = append(out, s)
	}
	return out
}

func (h *Hub) UserSessionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// OldestSessionForUser is used by the connection limiter's cycle mode.
func (h *Hub) OldestSessionForUser(userID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var oldest *Session
	for _, s := range h.users[userID] {
		if oldest == nil || s.CreatedAt.Before(oldest.CreatedAt) {
			oldest = s
		}
	}
	return oldest, oldest != nil
}

// JoinRoom subscribes a session to a room. Rooms are pure subscription
// groups; authorization is enforced per-action, not at join time.
func (h *Hub) JoinRoom(s *Session, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		room = make(map[uuid.UUID]*Session)
		h.rooms[roomID] = room
	}
	room[s.ID] = s
	s.rooms[roomID] = struct{}{}
}

// LeaveRoom unsubscribes a session; empty rooms are removed.
func (h *Hub) LeaveRoom(s *Session, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveRoomLocked(s, roomID)
}

func (h *Hub) leaveRoomLocked(s *Session, roomID string) {
	if room, ok := h.rooms[roomID]; ok {
		delete(room, s.ID)
		if len(room) == 0 {
			delete(h.rooms, roomID)
		}
	}
	delete(s.rooms, roomID)
}

// BroadcastRoom fans a frame out to every session subscribed to roomID.
// A zero exclude UUID excludes nobody. Sending to a room that no longer
// exists is a silent no-op.
func (h *Hub) BroadcastRoom(roomID string, msg []byte, exclude uuid.UUID) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.rooms[roomID]))
	for _, s := range h.rooms[roomID] {
		if s.ID == exclude {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Conn.Send(msg)
	}
}

// BroadcastAll fans a frame out to every live session, for globally
// visible events: presence changes and voice occupancy.
func (h *Hub) BroadcastAll(msg []byte) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Conn.Send(msg)
	}
}

// SendToUser delivers a frame to every live session of one user and
// returns how many received it. Zero sessions is not an error; delivery is
// best-effort.
func (h *Hub) SendToUser(userID string, msg []byte) int {
	targets := h.SessionsForUser(userID)
	for _, s := range targets {
		s.Conn.Send(msg)
	}
	return len(targets)
}

// CloseAll tears down every live connection, used during shutdown.
func (h *Hub) CloseAll(err error) {
	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		s.Conn.Close(err)
	}
}
