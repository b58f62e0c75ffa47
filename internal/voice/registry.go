// Package voice tracks voice-room occupancy. The state is ephemeral: it
// lives only in memory and resets with the process, which matches the
// lifetime of the websocket connections it describes.
package voice

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
)

var ErrNotInRoom = errors.New("not in a voice room")

// Participant is one user's state inside a voice room.
type Participant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	IsMuted     bool   `json:"is_muted"`
	IsDeafened  bool   `json:"is_deafened"`
}

// RoomState is the occupancy of one voice room, as served to clients.
type RoomState struct {
	RoomID       string        `json:"room_id"`
	Participants []Participant `json:"participants"`
}

// Registry maps voice rooms to their participants and keeps a reverse
// userID -> roomID index. The two structures are mutated together under one
// lock, so a user occupies at most one room process-wide and the index
// never points at a room that does not contain them.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]*Participant
	byUser map[string]string
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		rooms:  make(map[string]map[string]*Participant),
		byUser: make(map[string]string),
		logger: logger.With(slog.String("component", "voice_registry")),
	}
}

// Join adds the user to roomID, first removing them from any room they
// already occupy. It returns the room's pre-existing participants (the
// joiner excluded) so the caller can initiate signaling offers toward each,
// plus the room the user was moved out of, if any.
func (r *Registry) Join(roomID string, p Participant) (existing []Participant, previousRoom string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.byUser[p.UserID]; ok && current != roomID {
		r.removeLocked(p.UserID, current)
		previousRoom = current
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]*Participant)
		r.rooms[roomID] = room
	}

	existing = make([]Participant, 0, len(room))
	for id, other := range room {
		if id == p.UserID {
			continue
		}
		existing = append(existing, *other)
	}
	sort.Slice(existing, func(i, j int) bool { return existing[i].UserID < existing[j].UserID })

	joined := p
	joined.IsMuted = false
	joined.IsDeafened = false
	room[p.UserID] = &joined
	r.byUser[p.UserID] = roomID

	r.logger.Debug("user joined voice room", slog.String("userID", p.UserID), slog.String("roomID", roomID))
	return existing, previousRoom
}

// Leave removes the user from whichever room they occupy. It is a no-op
// for users not in any room.
func (r *Registry) Leave(userID string) (roomID string, left bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byUser[userID]
	if !ok {
		return "", false
	}
	r.removeLocked(userID, roomID)
	r.logger.Debug("user left voice room", slog.String("userID", userID), slog.String("roomID", roomID))
	return roomID, true
}

// UpdateState mutates the user's mute/deafen flags in place and returns the
// updated participant together with the room it applies to.
func (r *Registry) UpdateState(userID string, isMuted, isDeafened bool) (Participant, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	roomID, ok := r.byUser[userID]
	if !ok {
		return Participant{}, "", ErrNotInRoom
	}
	p := r.rooms[roomID][userID]
	p.IsMuted = isMuted
	p.IsDeafened = isDeafened
	return *p, roomID, nil
}

// Occupied reports which room, if any, the user is currently in.
func (r *Registry) Occupied(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.byUser[userID]
	return roomID, ok
}

// Room returns the participants of one room, sorted by user id.
func (r *Registry) Room(roomID string) []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomLocked(roomID)
}

// States lists every occupied room, for the sidebar occupancy query.
func (r *Registry) States() []RoomState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoomState, 0, len(r.rooms))
	for roomID := range r.rooms {
		out = append(out, RoomState{RoomID: roomID, Participants: r.roomLocked(roomID)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

func (r *Registry) roomLocked(roomID string) []Participant {
	room := r.rooms[roomID]
	out := make([]Participant, 0, len(room))
	for _, p := range room {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// removeLocked unlinks a user from a room and deletes the room entry when
// it empties. Callers hold the write lock.
func (r *Registry) removeLocked(userID, roomID string) {
	if room, ok := r.rooms[roomID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	delete(r.byUser, userID)
}
