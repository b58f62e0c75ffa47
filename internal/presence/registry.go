// Package presence tracks which users are currently online and with what
// status. Presence is global metadata, not a per-channel concern: every
// status change is broadcast to all connected sessions by the gateway.
package presence

import (
	"log/slog"
	"sort"
	"sync"
)

const (
	StatusOnline    = "online"
	StatusAway      = "away"
	StatusDND       = "dnd"
	StatusInvisible = "invisible"
	StatusOffline   = "offline"
)

// Entry is one user's live presence. Status holds the user's true state,
// including "invisible"; only the owning user ever sees that value.
type Entry struct {
	UserID       string `json:"user_id"`
	Status       string `json:"status"`
	CustomStatus string `json:"custom_status,omitempty"`
}

// Registry is the process-wide userID -> presence map. Entry removal is
// decided by the connection index (last live connection closing), not here.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
	logger  *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entries: make(map[string]Entry),
		logger:  logger.With(slog.String("component", "presence_registry")),
	}
}

// SetOnline records a user's presence on first connection, restoring their
// saved status. An empty saved status falls back to online.
func (r *Registry) SetOnline(userID, status, customStatus string) {
	if status == "" {
		status = StatusOnline
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = Entry{UserID: userID, Status: status, CustomStatus: customStatus}
}

// SetStatus updates a connected user's status in place.
func (r *Registry) SetStatus(userID, status, customStatus string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[userID] = Entry{UserID: userID, Status: status, CustomStatus: customStatus}
}

// Get returns the user's true entry, invisible included. Callers must
// recode through PublicStatus before showing it to anyone else.
func (r *Registry) Get(userID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	return e, ok
}

// Remove deletes a user's entry and reports whether one existed.
func (r *Registry) Remove(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[userID]
	delete(r.entries, userID)
	return ok
}

// Snapshot lists online users for the "who is online" query. Invisible
// users are omitted entirely, not relabeled: to everyone else they are
// indistinguishable from disconnected users.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Status == StatusInvisible {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// PublicStatus recodes a status for outward broadcast: invisible is never
// shown to other users, it reads as offline.
func PublicStatus(status string) string {
	if status == StatusInvisible {
		return StatusOffline
	}
	return status
}

// ValidStatus reports whether a client-supplied status is one a user may
// set on themselves.
func ValidStatus(status string) bool {
	switch status {
	case StatusOnline, StatusAway, StatusDND, StatusInvisible:
		return true
	}
	return false
}
