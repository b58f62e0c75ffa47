package hub

import (
	"time"

	"github.com/google/uuid"
)

// Sender is the write side of a live connection. The websocket transport
// satisfies it; tests substitute recorders.
type Sender interface {
	Send(message []byte)
	Close(err error)
}

// Session is the per-socket authenticated context. One user may hold many
// sessions at once (one per device); each carries its own identity snapshot
// taken at handshake time and its own set of joined rooms.
//
// Lifecycle: a session is constructed only after the handshake succeeded
// (Connecting -> Authenticated happens upstream), becomes active when
// registered in the Hub, and is destroyed on disconnect. There is no
// reconnecting state; a physical reconnect is a brand-new session.
type Session struct {
	ID     uuid.UUID
	UserID string

	// Snapshot of the user row at handshake time.
	Username          string
	DisplayName       string
	AvatarURL         string
	SavedStatus       string
	SavedCustomStatus string

	Conn      Sender
	CreatedAt time.Time

	// rooms the session subscribed to; guarded by the owning Hub's lock.
	rooms map[string]struct{}
}

func NewSession(id uuid.UUID, userID string, conn Sender) *Session {
	return &Session{
		ID:        id,
		UserID:    userID,
		Conn:      conn,
		CreatedAt: time.Now(),
		rooms:     make(map[string]struct{}),
	}
}
